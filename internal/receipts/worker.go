package receipts

import (
	"context"
	"log"

	"schoolsync/internal/metrics"
)

// Marker is the single gateway call the worker needs.
type Marker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// Worker drains the queue and issues mark-as-read calls. Failures are
// logged, never surfaced: the PUT is idempotent server-side and the next
// refresh re-enqueues anything still unread.
type Worker struct {
	queue  Queue
	marker Marker
	seen   map[string]struct{}
}

// NewWorker creates a worker.
func NewWorker(queue Queue, marker Marker) *Worker {
	return &Worker{queue: queue, marker: marker, seen: make(map[string]struct{})}
}

// Run consumes until ctx is cancelled. Ids already marked in this process
// are skipped; the refresh loop enqueues every still-unread id each tick
// and this keeps that from hammering the API while the server catches up.
func (w *Worker) Run(ctx context.Context) error {
	ids, err := w.queue.Drain(ctx)
	if err != nil {
		return err
	}
	for id := range ids {
		if _, ok := w.seen[id]; ok {
			continue
		}
		if err := w.marker.MarkRead(ctx, id); err != nil {
			metrics.ReceiptFailures.Inc()
			log.Printf("receipts: mark read %s failed: %v", id, err)
			continue
		}
		w.seen[id] = struct{}{}
		metrics.ReceiptsDispatched.Inc()
	}
	return nil
}
