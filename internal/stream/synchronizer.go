package stream

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"schoolsync/internal/gateway"
	"schoolsync/internal/metrics"
	"schoolsync/internal/session"
)

// State of a synchronizer. Periodic refreshes do not change the externally
// visible state; only the first load and explicit mutations do.
type State int

const (
	Uninitialized State = iota
	Loading
	Synced
	Sending
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Synced:
		return "synced"
	case Sending:
		return "sending"
	}
	return "uninitialized"
}

var (
	// ErrEmptyMessage rejects a send with no trimmed content and no
	// attachment. Raised before any gateway call.
	ErrEmptyMessage = errors.New("message needs content or an attachment")
	// ErrPollQuestion rejects a poll with a blank question.
	ErrPollQuestion = errors.New("poll needs a question")
	// ErrPollOptions rejects a poll with fewer than two non-blank options.
	ErrPollOptions = errors.New("poll needs at least two options")
	// ErrBadOption rejects a vote with an out-of-range option index.
	ErrBadOption = errors.New("invalid poll option")
	// ErrNotPoll rejects a vote on a non-poll message.
	ErrNotPoll = errors.New("message is not a poll")
	// ErrUnknownMessage marks an id not present in the local stream.
	ErrUnknownMessage = errors.New("message not in stream")
	// ErrNotAllowed rejects a delete by someone who is neither the sender
	// nor staff. The server enforces this again.
	ErrNotAllowed = errors.New("not allowed to delete this message")
	// ErrBusy rejects a mutation while another one is in flight. The
	// engine does not queue; the caller keeps its input state and retries.
	ErrBusy = errors.New("another send is in flight")
	// ErrNoClass marks a profile with no class assignment.
	ErrNoClass = errors.New("user has no class assignment")
)

// Gateway is the slice of the school API the synchronizer consumes.
type Gateway interface {
	Profile(ctx context.Context) (gateway.Profile, error)
	ListMessages(ctx context.Context, classID string) ([]gateway.Message, error)
	SendMessage(ctx context.Context, classID, content string, att *gateway.Upload) (gateway.Message, error)
	CreatePoll(ctx context.Context, classID, question string, options []string) (gateway.Message, error)
	Vote(ctx context.Context, messageID string, optionIndex int) (gateway.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Receipts accepts message ids for best-effort mark-as-read dispatch.
type Receipts interface {
	Enqueue(ctx context.Context, messageID string) error
}

// pending is one optimistic overlay entry: a sent message the server has
// confirmed but the canonical stream has not yet reflected. Keyed by a
// client-generated temp id so reconciliation never depends on id equality
// alone.
type pending struct {
	tempID string
	msg    gateway.Message
	sig    string
	sentAt time.Time
}

// reconcileWindow bounds the signature fallback: a canonical message only
// supersedes an overlay entry with the same signature if it appeared after
// the send was initiated (minus clock slack).
const reconcileWindow = 30 * time.Second

// Synchronizer keeps one class channel's message list approximately fresh
// via periodic pull, supports optimistic send, and manages poll voting.
// The canonical stream is always the last full server response; locally
// confirmed sends live in a small overlay appended at the tail until a
// refresh supersedes them.
type Synchronizer struct {
	gw       Gateway
	sess     session.Session
	receipts Receipts
	interval time.Duration
	now      func() time.Time

	mu           sync.Mutex
	state        State
	classID      string
	canonical    []gateway.Message
	pendingByID  map[string]pending
	pendingOrder []string
	refreshing   bool
	sending      bool
}

// New creates a synchronizer. A nil receipts sink disables read receipts.
func New(gw Gateway, sess session.Session, receipts Receipts, interval time.Duration) *Synchronizer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Synchronizer{
		gw:          gw,
		sess:        sess,
		receipts:    receipts,
		interval:    interval,
		now:         time.Now,
		pendingByID: make(map[string]pending),
	}
}

// State returns the externally visible state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClassID returns the resolved class channel, empty before Run.
func (s *Synchronizer) ClassID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classID
}

// Messages returns the canonical stream with the overlay tail appended.
// Overlay entries are by construction newer than anything canonical, so
// appending keeps createdAt order.
func (s *Synchronizer) Messages() []gateway.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.Message, 0, len(s.canonical)+len(s.pendingOrder))
	out = append(out, s.canonical...)
	for _, id := range s.pendingOrder {
		out = append(out, s.pendingByID[id].msg)
	}
	return out
}

// Run resolves the user's class, performs the first load, then refreshes on
// the configured cadence until ctx is cancelled. The owning screen cancels
// ctx on teardown; in-flight requests resolve and are discarded.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.mu.Lock()
	s.state = Loading
	s.mu.Unlock()

	prof, err := s.gw.Profile(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = Uninitialized
		s.mu.Unlock()
		return err
	}
	if prof.ClassID == "" {
		s.mu.Lock()
		s.state = Uninitialized
		s.mu.Unlock()
		return ErrNoClass
	}
	s.mu.Lock()
	s.classID = prof.ClassID
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		log.Printf("stream: initial refresh failed: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				log.Printf("stream: refresh failed: %v", err)
			}
		}
	}
}

// Refresh replaces the canonical stream wholesale from the server. A call
// arriving while another refresh is in flight is skipped, so a slow
// response cannot race the next tick. On failure the previous stream is
// left intact.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.refreshing {
		s.mu.Unlock()
		metrics.SyncSkipped.Inc()
		return nil
	}
	s.refreshing = true
	classID := s.classID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.refreshing = false
		s.mu.Unlock()
	}()

	msgs, err := s.gw.ListMessages(ctx, classID)
	if err != nil {
		return err
	}
	if !sort.SliceIsSorted(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	}) {
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		})
	}

	var unread []string
	s.mu.Lock()
	s.canonical = msgs
	s.reconcileLocked()
	if s.state == Loading {
		s.state = Synced
	}
	for _, m := range msgs {
		if !m.ReadByUser(s.sess.User.ID) {
			unread = append(unread, m.ID)
		}
	}
	s.mu.Unlock()

	if s.receipts != nil {
		for _, id := range unread {
			if err := s.receipts.Enqueue(ctx, id); err != nil {
				log.Printf("stream: enqueue read receipt for %s failed: %v", id, err)
			}
		}
	}
	metrics.SyncTicks.Inc()
	return nil
}

// reconcileLocked drops overlay entries the canonical stream now covers:
// first by server id, then by content signature within the send window.
func (s *Synchronizer) reconcileLocked() {
	if len(s.pendingOrder) == 0 {
		return
	}
	canonIDs := make(map[string]struct{}, len(s.canonical))
	for _, m := range s.canonical {
		canonIDs[m.ID] = struct{}{}
	}
	keep := s.pendingOrder[:0]
	for _, tempID := range s.pendingOrder {
		p := s.pendingByID[tempID]
		if _, ok := canonIDs[p.msg.ID]; ok {
			delete(s.pendingByID, tempID)
			continue
		}
		if s.signatureCovered(p) {
			delete(s.pendingByID, tempID)
			continue
		}
		keep = append(keep, tempID)
	}
	s.pendingOrder = keep
}

func (s *Synchronizer) signatureCovered(p pending) bool {
	cutoff := p.sentAt.Add(-reconcileWindow)
	for _, m := range s.canonical {
		if m.Sender.ID == s.sess.User.ID && signature(m) == p.sig && !m.CreatedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

// signature identifies a sent message by what the user composed rather
// than by server id.
func signature(m gateway.Message) string {
	var b strings.Builder
	if m.IsPoll {
		b.WriteString("poll\x00")
		b.WriteString(m.PollQuestion)
		for _, opt := range m.PollOptions {
			b.WriteString("\x00")
			b.WriteString(opt.Text)
		}
		return b.String()
	}
	b.WriteString("msg\x00")
	b.WriteString(m.Content)
	if m.Attachment != nil {
		b.WriteString("\x00")
		b.WriteString(m.Attachment.Type)
		b.WriteString("\x00")
		b.WriteString(m.Attachment.URL)
	}
	return b.String()
}

// Send posts a plain message. On success the server's canonical copy is
// appended to the overlay immediately; on failure nothing is appended and
// the caller's input state survives for retry.
func (s *Synchronizer) Send(ctx context.Context, content string, att *gateway.Upload) (gateway.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && att == nil {
		return gateway.Message{}, ErrEmptyMessage
	}
	if !s.beginSend() {
		return gateway.Message{}, ErrBusy
	}
	defer s.endSend()

	msg, err := s.gw.SendMessage(ctx, s.ClassID(), content, att)
	if err != nil {
		return gateway.Message{}, err
	}
	s.appendPending(msg)
	return msg, nil
}

// CreatePoll posts a poll message. Blank options are filtered before the
// two-option minimum is checked; duplicate options are not rejected here.
func (s *Synchronizer) CreatePoll(ctx context.Context, question string, options []string) (gateway.Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return gateway.Message{}, ErrPollQuestion
	}
	clean := make([]string, 0, len(options))
	for _, opt := range options {
		if trimmed := strings.TrimSpace(opt); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) < 2 {
		return gateway.Message{}, ErrPollOptions
	}
	if !s.beginSend() {
		return gateway.Message{}, ErrBusy
	}
	defer s.endSend()

	msg, err := s.gw.CreatePoll(ctx, s.ClassID(), question, clean)
	if err != nil {
		return gateway.Message{}, err
	}
	s.appendPending(msg)
	return msg, nil
}

// Vote casts the user's single vote. Voting again, on any option, is a
// no-op; the server enforces the same invariant authoritatively. On
// success the affected message is replaced in place with the returned
// tallies, not re-fetched.
func (s *Synchronizer) Vote(ctx context.Context, messageID string, optionIndex int) error {
	s.mu.Lock()
	msg, ok := s.findLocked(messageID)
	if !ok {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	if !msg.IsPoll {
		s.mu.Unlock()
		return ErrNotPoll
	}
	if optionIndex < 0 || optionIndex >= len(msg.PollOptions) {
		s.mu.Unlock()
		return ErrBadOption
	}
	if msg.VotedOption(s.sess.User.ID) >= 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if !s.beginSend() {
		return ErrBusy
	}
	defer s.endSend()

	updated, err := s.gw.Vote(ctx, messageID, optionIndex)
	if err != nil {
		return err
	}
	s.replace(updated)
	return nil
}

// Delete removes a message after server confirmation. Only the sender or a
// staff/admin user may delete; the server enforces this again.
func (s *Synchronizer) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	msg, ok := s.findLocked(messageID)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownMessage
	}
	user := s.sess.User
	if msg.Sender.ID != user.ID && user.Role != session.RoleStaff && user.Role != session.RoleAdmin {
		return ErrNotAllowed
	}
	if !s.beginSend() {
		return ErrBusy
	}
	defer s.endSend()

	if err := s.gw.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.remove(messageID)
	return nil
}

func (s *Synchronizer) beginSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sending {
		return false
	}
	s.sending = true
	s.state = Sending
	return true
}

func (s *Synchronizer) endSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sending = false
	s.state = Synced
}

func (s *Synchronizer) appendPending(msg gateway.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tempID := uuid.NewString()
	s.pendingByID[tempID] = pending{
		tempID: tempID,
		msg:    msg,
		sig:    signature(msg),
		sentAt: s.now(),
	}
	s.pendingOrder = append(s.pendingOrder, tempID)
}

func (s *Synchronizer) findLocked(messageID string) (gateway.Message, bool) {
	for _, m := range s.canonical {
		if m.ID == messageID {
			return m, true
		}
	}
	for _, id := range s.pendingOrder {
		if p := s.pendingByID[id]; p.msg.ID == messageID {
			return p.msg, true
		}
	}
	return gateway.Message{}, false
}

func (s *Synchronizer) replace(updated gateway.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.canonical {
		if m.ID == updated.ID {
			s.canonical[i] = updated
			return
		}
	}
	for _, id := range s.pendingOrder {
		if p := s.pendingByID[id]; p.msg.ID == updated.ID {
			p.msg = updated
			s.pendingByID[id] = p
			return
		}
	}
}

func (s *Synchronizer) remove(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.canonical {
		if m.ID == messageID {
			s.canonical = append(s.canonical[:i], s.canonical[i+1:]...)
			return
		}
	}
	for i, id := range s.pendingOrder {
		if s.pendingByID[id].msg.ID == messageID {
			delete(s.pendingByID, id)
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			return
		}
	}
}
