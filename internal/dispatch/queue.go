package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// QueueConfig sizes the in-process backend.
type QueueConfig struct {
	Workers    int
	BufferSize int
	Retry      RetryPolicy
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:    4,
		BufferSize: 256,
		Retry:      DefaultRetryPolicy(),
	}
}

// Queue is the in-process dispatch backend: a bounded channel drained by a fixed
// pool of workers. Failed retryable deliveries are re-enqueued after the policy's
// backoff, throttled ones once their key has a token again. Nothing survives a restart; use the AMQP backend for durability.
type Queue struct {
	router *Router
	cfg    QueueConfig

	events  chan *Event
	closeCh chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	closed  bool

	pending   atomic.Int64
	delivered atomic.Int64
	dead      atomic.Int64
}

func NewQueue(router *Router, cfg QueueConfig) *Queue {
	def := DefaultQueueConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	return &Queue{
		router:  router,
		cfg:     cfg,
		events:  make(chan *Event, cfg.BufferSize),
		closeCh: make(chan struct{}),
	}
}

// Send enqueues events, blocking while the buffer is full.
func (q *Queue) Send(ctx context.Context, events ...*Event) error {
	for _, ev := range events {
		if err := q.enqueue(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) enqueue(ctx context.Context, ev *Event) error {
	if q.isClosed() {
		return fmt.Errorf("queue is closed")
	}

	q.pending.Add(1)
	select {
	case q.events <- ev:
		return nil
	case <-ctx.Done():
		q.pending.Add(-1)
		return ctx.Err()
	case <-q.closeCh:
		q.pending.Add(-1)
		return fmt.Errorf("queue is closed")
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	if q.started {
		return fmt.Errorf("queue already started")
	}
	q.started = true

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	slog.InfoContext(ctx, "Dispatch queue started",
		"workers", q.cfg.Workers,
		"buffer", q.cfg.BufferSize,
		"max_attempts", q.cfg.Retry.MaxAttempts)
	return nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeCh:
			return
		case ev := <-q.events:
			q.process(ctx, ev)
		}
	}
}

func (q *Queue) process(ctx context.Context, ev *Event) {
	ev.Attempt++
	err := q.router.Deliver(ctx, ev)
	if err == nil {
		q.delivered.Add(1)
		q.pending.Add(-1)
		return
	}

	// A throttled event was never handled, so it keeps its attempt count.
	if wait, ok := IsThrottled(err); ok {
		ev.Attempt--
		time.AfterFunc(wait, func() {
			q.requeue(ev)
		})
		return
	}

	if !q.cfg.Retry.ShouldRetry(err, ev.Attempt) || ctx.Err() != nil {
		q.dead.Add(1)
		q.pending.Add(-1)
		slog.ErrorContext(ctx, "Event dropped",
			"event", ev.Name,
			"event_id", ev.ID,
			"key", ev.Key,
			"attempt", ev.Attempt,
			"permanent", IsPermanent(err),
			"error", err)
		return
	}

	delay := q.cfg.Retry.Backoff(ev.Attempt - 1)
	slog.WarnContext(ctx, "Event delivery failed, retrying",
		"event", ev.Name,
		"event_id", ev.ID,
		"attempt", ev.Attempt,
		"retry_in", delay,
		"error", err)

	time.AfterFunc(delay, func() {
		q.requeue(ev)
	})
}

// requeue puts a retried event back without counting it as new work.
func (q *Queue) requeue(ev *Event) {
	if q.isClosed() {
		q.pending.Add(-1)
		return
	}
	select {
	case q.events <- ev:
	case <-q.closeCh:
		q.pending.Add(-1)
	}
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Flush blocks until every accepted event has been delivered or dropped.
func (q *Queue) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop refuses new events and waits for the workers to finish their current event.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.closeCh)
	q.mu.Unlock()

	q.wg.Wait()
	slog.Info("Dispatch queue stopped",
		"delivered", q.delivered.Load(),
		"dropped", q.dead.Load(),
		"pending", q.pending.Load())
}

// Stats reports delivered and dropped event counts.
func (q *Queue) Stats() (delivered, dropped int64) {
	return q.delivered.Load(), q.dead.Load()
}
