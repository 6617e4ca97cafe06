package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/harun/switchboard/internal/observability"
	"github.com/rs/zerolog"
)

type storeJob struct {
	op string
	fn func(ctx context.Context) error
}

// storeQueue runs one session's store operations in submission order, so a
// snapshot read always observes the merges enqueued before it.
type storeQueue struct {
	mu      sync.Mutex
	jobs    []storeJob
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	timeout time.Duration
	logger  zerolog.Logger
}

func newStoreQueue(timeout time.Duration, logger zerolog.Logger) *storeQueue {
	q := &storeQueue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
	go q.run()
	return q
}

// enqueue schedules fn. It reports false once the queue has been closed.
func (q *storeQueue) enqueue(op string, fn func(ctx context.Context) error) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn().Str("op", op).Msg("Store operation after session end dropped")
		return false
	}
	q.jobs = append(q.jobs, storeJob{op: op, fn: fn})
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *storeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *storeQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		job := q.jobs[0]
		q.jobs[0] = storeJob{}
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		q.exec(job)
	}
}

func (q *storeQueue) exec(job storeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()
	err := job.fn(ctx)
	observability.RecordStoreOp(job.op, time.Since(start), err)

	if err != nil {
		q.logger.Error().Err(err).Str("op", job.op).Msg("Session store operation failed")
	}
}

// close stops accepting work and waits until queued jobs have run.
func (q *storeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
	<-q.done
}
