package receipts

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue carries message ids awaiting a mark-as-read call. Read state is
// best-effort: the synchronizer enqueues and moves on, the worker drains.
type Queue interface {
	Enqueue(ctx context.Context, messageID string) error
	Drain(ctx context.Context) (<-chan string, error)
}

// Memory is a bounded channel-backed queue for tests and single-process
// agents.
type Memory struct {
	ch chan string
}

// NewMemory creates an in-memory queue with the given capacity.
func NewMemory(size int) *Memory {
	return &Memory{ch: make(chan string, size)}
}

// Enqueue adds an id, blocking only until ctx is done if the queue is full.
func (q *Memory) Enqueue(ctx context.Context, messageID string) error {
	select {
	case q.ch <- messageID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain returns a channel of ids for the worker.
func (q *Memory) Drain(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case id := <-q.ch:
				out <- id
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list-backed queue so receipts survive agent
// restarts.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "schoolsync:receipts"
	}
	return &RedisQueue{client: client, key: key}
}

// Enqueue pushes an id onto the list.
func (q *RedisQueue) Enqueue(ctx context.Context, messageID string) error {
	return q.client.LPush(ctx, q.key, messageID).Err()
}

// Drain streams ids using BRPOP.
func (q *RedisQueue) Drain(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) == 2 {
				out <- res[1]
			}
		}
	}()
	return out, nil
}
