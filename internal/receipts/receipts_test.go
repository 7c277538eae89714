package receipts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMarker struct {
	mu     sync.Mutex
	marked []string
	fail   map[string]error
}

func (f *fakeMarker) MarkRead(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[messageID]; err != nil {
		return err
	}
	f.marked = append(f.marked, messageID)
	return nil
}

func (f *fakeMarker) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.marked))
	copy(out, f.marked)
	return out
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemory(4)
	require.NoError(t, q.Enqueue(ctx, "m1"))
	require.NoError(t, q.Enqueue(ctx, "m2"))

	ids, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m1", <-ids)
	assert.Equal(t, "m2", <-ids)
}

func TestMemoryQueueEnqueueRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory(1)
	require.NoError(t, q.Enqueue(ctx, "m1"))

	cancel()
	err := q.Enqueue(ctx, "m2")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerMarksAndDeduplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemory(8)
	marker := &fakeMarker{}
	w := NewWorker(q, marker)
	go func() { _ = w.Run(ctx) }()

	for _, id := range []string{"m1", "m2", "m1", "m1"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}

	assert.Eventually(t, func() bool {
		return len(marker.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, marker.snapshot())
}

func TestWorkerFailureIsBestEffort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemory(8)
	marker := &fakeMarker{fail: map[string]error{"bad": errors.New("boom")}}
	w := NewWorker(q, marker)
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, q.Enqueue(ctx, "bad"))
	require.NoError(t, q.Enqueue(ctx, "good"))

	// The failed id is logged and skipped; the worker keeps draining.
	assert.Eventually(t, func() bool {
		got := marker.snapshot()
		return len(got) == 1 && got[0] == "good"
	}, time.Second, 5*time.Millisecond)

	// A failed id is not remembered as seen: the next refresh can retry it.
	marker.mu.Lock()
	delete(marker.fail, "bad")
	marker.mu.Unlock()
	require.NoError(t, q.Enqueue(ctx, "bad"))
	assert.Eventually(t, func() bool {
		return len(marker.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
}
