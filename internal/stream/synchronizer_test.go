package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolsync/internal/gateway"
	"schoolsync/internal/session"
)

type fakeGateway struct {
	mu       sync.Mutex
	profile  gateway.Profile
	messages []gateway.Message
	listErr  error
	// listGate, when non-nil, blocks ListMessages until closed.
	listGate chan struct{}
	// sendGate, when non-nil, blocks SendMessage until closed.
	sendGate chan struct{}
	// listEntered is closed the first time ListMessages is entered.
	listEntered chan struct{}
	sendEntered chan struct{}

	sendResult gateway.Message
	sendErr    error
	pollResult gateway.Message
	voteResult gateway.Message
	voteErr    error
	deleteErr  error

	listCalls, sendCalls, pollCalls, voteCalls, deleteCalls int
}

func (f *fakeGateway) Profile(_ context.Context) (gateway.Profile, error) {
	return f.profile, nil
}

func (f *fakeGateway) ListMessages(_ context.Context, classID string) ([]gateway.Message, error) {
	f.mu.Lock()
	f.listCalls++
	entered := f.listEntered
	f.listEntered = nil
	gate := f.listGate
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]gateway.Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeGateway) SendMessage(_ context.Context, classID, content string, att *gateway.Upload) (gateway.Message, error) {
	f.mu.Lock()
	f.sendCalls++
	entered := f.sendEntered
	f.sendEntered = nil
	gate := f.sendGate
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	return f.sendResult, f.sendErr
}

func (f *fakeGateway) CreatePoll(_ context.Context, classID, question string, options []string) (gateway.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	return f.pollResult, nil
}

func (f *fakeGateway) Vote(_ context.Context, messageID string, optionIndex int) (gateway.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voteCalls++
	return f.voteResult, f.voteErr
}

func (f *fakeGateway) DeleteMessage(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.deleteErr
}

type fakeReceipts struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeReceipts) Enqueue(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, messageID)
	return nil
}

func userSession() session.Session {
	return session.Session{
		Token: "tok",
		User:  session.Identity{ID: "u1", Name: "Asha", Role: session.RoleStudent},
	}
}

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id, senderID, content string, at time.Time, readBy ...string) gateway.Message {
	return gateway.Message{
		ID:        id,
		Sender:    session.Identity{ID: senderID, Role: session.RoleStaff},
		Content:   content,
		ReadBy:    readBy,
		CreatedAt: at,
	}
}

func poll(id string, at time.Time, votes ...[]string) gateway.Message {
	opts := []gateway.PollOption{
		{Text: "Yes", Votes: nil},
		{Text: "No", Votes: nil},
	}
	for i, v := range votes {
		if i < len(opts) {
			opts[i].Votes = v
		}
	}
	return gateway.Message{
		ID:           id,
		Sender:       session.Identity{ID: "t1", Role: session.RoleStaff},
		IsPoll:       true,
		PollQuestion: "Trip?",
		PollOptions:  opts,
		CreatedAt:    at,
	}
}

func TestRefreshOrdersStream(t *testing.T) {
	gw := &fakeGateway{messages: []gateway.Message{
		msg("m2", "t1", "second", base.Add(time.Minute), "u1"),
		msg("m1", "t1", "first", base, "u1"),
		msg("m3", "t1", "third", base.Add(2*time.Minute), "u1"),
	}}
	s := New(gw, userSession(), nil, time.Second)

	require.NoError(t, s.Refresh(context.Background()))
	got := s.Messages()
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt),
			"stream must be non-decreasing by createdAt")
	}
	assert.Equal(t, "m1", got[0].ID)
}

func TestRefreshFailureKeepsPreviousStream(t *testing.T) {
	gw := &fakeGateway{messages: []gateway.Message{msg("m1", "t1", "hi", base, "u1")}}
	s := New(gw, userSession(), nil, time.Second)
	require.NoError(t, s.Refresh(context.Background()))
	require.Len(t, s.Messages(), 1)

	gw.mu.Lock()
	gw.listErr = errors.New("network down")
	gw.mu.Unlock()
	require.Error(t, s.Refresh(context.Background()))
	assert.Len(t, s.Messages(), 1, "failed refresh must not clobber the stream")
}

func TestRefreshEnqueuesOnlyUnread(t *testing.T) {
	gw := &fakeGateway{messages: []gateway.Message{
		msg("m1", "t1", "seen", base, "u1", "u2"),
		msg("m2", "t1", "new", base.Add(time.Minute), "u2"),
		msg("m3", "t1", "also new", base.Add(2*time.Minute)),
	}}
	rq := &fakeReceipts{}
	s := New(gw, userSession(), rq, time.Second)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, []string{"m2", "m3"}, rq.ids)
}

func TestRefreshSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	gw := &fakeGateway{listGate: gate, listEntered: entered}
	s := New(gw, userSession(), nil, time.Second)

	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background()) }()
	<-entered

	// A tick arriving mid-flight is skipped without a gateway call.
	require.NoError(t, s.Refresh(context.Background()))
	gw.mu.Lock()
	assert.Equal(t, 1, gw.listCalls)
	gw.mu.Unlock()

	close(gate)
	require.NoError(t, <-done)
}

func TestSendValidation(t *testing.T) {
	gw := &fakeGateway{}
	s := New(gw, userSession(), nil, time.Second)

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := s.Send(context.Background(), content, nil)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Equal(t, 0, gw.sendCalls, "validation failures must not reach the gateway")
	assert.Empty(t, s.Messages())
}

func TestSendOptimisticAppendThenConvergence(t *testing.T) {
	canonical := msg("m9", "u1", "hello", base.Add(time.Minute), "u1")
	gw := &fakeGateway{
		messages:   []gateway.Message{msg("m1", "t1", "earlier", base, "u1")},
		sendResult: canonical,
	}
	s := New(gw, userSession(), nil, time.Second)
	require.NoError(t, s.Refresh(context.Background()))

	sent, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "m9", sent.ID)

	got := s.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "m9", got[1].ID, "optimistic append goes at the tail")

	// The next full refresh contains the canonical copy; the overlay
	// entry must be superseded, not duplicated.
	gw.mu.Lock()
	gw.messages = append(gw.messages, canonical)
	gw.mu.Unlock()
	require.NoError(t, s.Refresh(context.Background()))

	got = s.Messages()
	require.Len(t, got, 2)
	count := 0
	for _, m := range got {
		if m.ID == "m9" {
			count++
			assert.Equal(t, "hello", m.Content)
		}
	}
	assert.Equal(t, 1, count, "exactly one copy after convergence")
}

func TestSendFailureAppendsNothing(t *testing.T) {
	gw := &fakeGateway{sendErr: errors.New("boom")}
	s := New(gw, userSession(), nil, time.Second)

	_, err := s.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Empty(t, s.Messages())
	assert.Equal(t, Synced, s.State(), "engine returns to synced for retry")
}

func TestSignatureReconciliation(t *testing.T) {
	// Server assigned a different id to the echoed message than the one
	// the send call returned; the content signature still reconciles it.
	gw := &fakeGateway{
		sendResult: msg("tmp-1", "u1", "hello", base.Add(time.Minute)),
	}
	s := New(gw, userSession(), nil, time.Second)
	s.now = func() time.Time { return base.Add(time.Minute) }

	_, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Len(t, s.Messages(), 1)

	gw.mu.Lock()
	gw.messages = []gateway.Message{msg("m42", "u1", "hello", base.Add(time.Minute), "u1")}
	gw.mu.Unlock()
	require.NoError(t, s.Refresh(context.Background()))

	got := s.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "m42", got[0].ID, "canonical copy wins")
}

func TestCreatePollValidation(t *testing.T) {
	gw := &fakeGateway{}
	s := New(gw, userSession(), nil, time.Second)

	_, err := s.CreatePoll(context.Background(), "  ", []string{"Yes", "No"})
	assert.ErrorIs(t, err, ErrPollQuestion)

	_, err = s.CreatePoll(context.Background(), "Trip?", []string{"Yes", "  ", ""})
	assert.ErrorIs(t, err, ErrPollOptions)

	assert.Equal(t, 0, gw.pollCalls)
}

func TestCreatePoll(t *testing.T) {
	gw := &fakeGateway{pollResult: poll("p1", base)}
	s := New(gw, userSession(), nil, time.Second)

	created, err := s.CreatePoll(context.Background(), " Trip? ", []string{" Yes ", "No", " "})
	require.NoError(t, err)
	assert.True(t, created.IsPoll)
	require.Len(t, s.Messages(), 1)
}

func TestVoteSingleVoteInvariant(t *testing.T) {
	gw := &fakeGateway{
		messages:   []gateway.Message{poll("p1", base)},
		voteResult: poll("p1", base, []string{"u1"}, nil),
	}
	s := New(gw, userSession(), nil, time.Second)
	require.NoError(t, s.Refresh(context.Background()))

	require.NoError(t, s.Vote(context.Background(), "p1", 0))
	assert.Equal(t, 1, gw.voteCalls)

	got := s.Messages()[0]
	assert.Equal(t, 0, got.VotedOption("u1"))
	assert.Empty(t, got.PollOptions[1].Votes)

	// A second vote on any option is a no-op: no gateway call, tallies
	// unchanged.
	require.NoError(t, s.Vote(context.Background(), "p1", 1))
	assert.Equal(t, 1, gw.voteCalls)
	got = s.Messages()[0]
	assert.Equal(t, 0, got.VotedOption("u1"))
}

func TestVoteValidation(t *testing.T) {
	gw := &fakeGateway{messages: []gateway.Message{
		poll("p1", base),
		msg("m1", "t1", "not a poll", base.Add(time.Minute), "u1"),
	}}
	s := New(gw, userSession(), nil, time.Second)
	require.NoError(t, s.Refresh(context.Background()))

	assert.ErrorIs(t, s.Vote(context.Background(), "p1", -1), ErrBadOption)
	assert.ErrorIs(t, s.Vote(context.Background(), "p1", 2), ErrBadOption)
	assert.ErrorIs(t, s.Vote(context.Background(), "m1", 0), ErrNotPoll)
	assert.ErrorIs(t, s.Vote(context.Background(), "nope", 0), ErrUnknownMessage)
	assert.Equal(t, 0, gw.voteCalls)
}

func TestDeleteAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		user    session.Identity
		wantErr error
	}{
		{name: "sender may delete", user: session.Identity{ID: "t1", Role: session.RoleStudent}},
		{name: "staff may delete", user: session.Identity{ID: "u9", Role: session.RoleStaff}},
		{name: "admin may delete", user: session.Identity{ID: "u9", Role: session.RoleAdmin}},
		{
			name:    "other students may not",
			user:    session.Identity{ID: "u9", Role: session.RoleStudent},
			wantErr: ErrNotAllowed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{messages: []gateway.Message{msg("m1", "t1", "hi", base, tt.user.ID)}}
			s := New(gw, session.Session{Token: "tok", User: tt.user}, nil, time.Second)
			require.NoError(t, s.Refresh(context.Background()))

			err := s.Delete(context.Background(), "m1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, gw.deleteCalls)
				assert.Len(t, s.Messages(), 1, "no optimistic removal before confirmation")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, gw.deleteCalls)
			assert.Empty(t, s.Messages(), "removed locally after confirmation")
		})
	}
}

func TestDeleteFailureKeepsMessage(t *testing.T) {
	gw := &fakeGateway{
		messages:  []gateway.Message{msg("m1", "u1", "hi", base, "u1")},
		deleteErr: errors.New("boom"),
	}
	s := New(gw, userSession(), nil, time.Second)
	require.NoError(t, s.Refresh(context.Background()))

	require.Error(t, s.Delete(context.Background(), "m1"))
	assert.Len(t, s.Messages(), 1)
}

func TestSendBusyGuard(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	gw := &fakeGateway{
		sendGate:    gate,
		sendEntered: entered,
		sendResult:  msg("m1", "u1", "first", base),
	}
	s := New(gw, userSession(), nil, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "first", nil)
		done <- err
	}()
	<-entered
	assert.Equal(t, Sending, s.State())

	_, err := s.Send(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrBusy)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, Synced, s.State())
}

func TestRunResolvesClassAndSyncs(t *testing.T) {
	gw := &fakeGateway{
		profile:  gateway.Profile{User: session.Identity{ID: "u1"}, ClassID: "c1"},
		messages: []gateway.Message{msg("m1", "t1", "hi", base, "u1")},
	}
	s := New(gw, userSession(), nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return s.State() == Synced && s.ClassID() == "c1" && len(s.Messages()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunWithoutClassAssignment(t *testing.T) {
	gw := &fakeGateway{profile: gateway.Profile{User: session.Identity{ID: "u1"}}}
	s := New(gw, userSession(), nil, time.Second)

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoClass)
	assert.Equal(t, Uninitialized, s.State())
}
