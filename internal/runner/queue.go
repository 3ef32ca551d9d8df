package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/tom-education/pkg/schema"
)

var ErrQueueClosed = errors.New("queue is shutting down")

// ExecuteFunc runs one queued record.
type ExecuteFunc func(ctx context.Context, identifier string) error

// LocalQueue executes records on an in-process worker pool.
type LocalQueue struct {
	exec    ExecuteFunc
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan schema.JobRequested
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

type QueueOption func(*LocalQueue)

func WithWorkers(n int) QueueOption {
	return func(q *LocalQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) QueueOption {
	return func(q *LocalQueue) {
		if n > 0 {
			q.ch = make(chan schema.JobRequested, n)
		}
	}
}

func WithJobTimeout(d time.Duration) QueueOption {
	return func(q *LocalQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewLocalQueue(exec ExecuteFunc, logger *slog.Logger, opts ...QueueOption) *LocalQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &LocalQueue{
		exec:    exec,
		logger:  logger,
		workers: 2,
		timeout: 30 * time.Minute,
		ch:      make(chan schema.JobRequested, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *LocalQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Debug("worker started", "worker_id", workerID)
				for msg := range q.ch {
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					err := q.exec(ctx, msg.Identifier)
					cancel()
					if err != nil {
						q.logger.Error("execute failed", "worker_id", workerID, "identifier", msg.Identifier, "err", err)
					}
				}
				q.logger.Debug("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

// Enqueue blocks while the queue is full until ctx is done.
func (q *LocalQueue) Enqueue(ctx context.Context, msg schema.JobRequested) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "identifier", msg.Identifier)
		return ErrQueueClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
	}
	q.logger.Warn("queue full, applying backpressure", "identifier", msg.Identifier)
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work and waits for queued records to finish or ctx to end.
func (q *LocalQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}

// SyncQueue executes records inline, so Submit returns after the job finished.
type SyncQueue struct {
	exec ExecuteFunc
}

func NewSyncQueue(exec ExecuteFunc) *SyncQueue {
	return &SyncQueue{exec: exec}
}

func (q *SyncQueue) Enqueue(ctx context.Context, msg schema.JobRequested) error {
	return q.exec(ctx, msg.Identifier)
}
