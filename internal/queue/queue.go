// Package queue runs execution jobs one at a time in strict FIFO order.
// A single-worker pond pool provides the serialization; the queue adds job
// identity, cooperative cancellation, status tracking, and idle-wait.
package queue

import (
	"context"
	"errors"
	"sync"

	"fundarb/internal/core"
	"fundarb/pkg/telemetry"

	"github.com/alitto/pond"
	"github.com/google/uuid"
)

// Status is the lifecycle of one job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrQueueClosed is returned by Enqueue after Close
var ErrQueueClosed = errors.New("queue closed")

// JobHandle tracks one enqueued job
type JobHandle struct {
	ID string

	queue  *SerialQueue
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	err    error
}

// Status returns the job's current status
func (h *JobHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the job's terminal error, nil before completion
func (h *JobHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel prevents a pending job from starting, or signals a running job's
// context. Terminal jobs are unaffected.
func (h *JobHandle) Cancel() {
	h.mu.Lock()
	if h.status == StatusPending {
		h.status = StatusCancelled
		h.err = context.Canceled
	}
	h.mu.Unlock()
	h.cancel()
}

// Wait blocks until the job reaches a terminal status or ctx expires
func (h *JobHandle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.Err()
	}
}

// Done returns a channel closed when the job reaches a terminal status
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// SerialQueue is the one-at-a-time job runner
type SerialQueue struct {
	pool    *pond.WorkerPool
	baseCtx context.Context
	logger  core.ILogger

	mu       sync.Mutex
	cond     *sync.Cond
	active   int // pending + running
	live     map[string]*JobHandle
	terminal map[string]Status
	closed   bool
}

// NewSerialQueue creates a queue. capacity bounds how many jobs may wait;
// the evaluator's queue gate keeps it near empty in practice.
func NewSerialQueue(ctx context.Context, capacity int, logger core.ILogger) *SerialQueue {
	if capacity <= 0 {
		capacity = 16
	}
	log := logger.WithField("component", "serial_queue")
	q := &SerialQueue{
		pool: pond.New(1, capacity,
			pond.MinWorkers(1),
			pond.PanicHandler(func(p interface{}) {
				log.Error("execution job panicked", "panic", p)
			})),
		baseCtx:  ctx,
		logger:   log,
		live:     make(map[string]*JobHandle),
		terminal: make(map[string]Status),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a job to the back of the queue. The job body receives a
// context cancelled by Cancel, CancelAll, or queue shutdown.
func (q *SerialQueue) Enqueue(fn func(ctx context.Context) error, id string) (*JobHandle, error) {
	if id == "" {
		id = uuid.NewString()
	}

	jobCtx, cancel := context.WithCancel(q.baseCtx)
	h := &JobHandle{
		ID:     id,
		queue:  q,
		cancel: cancel,
		done:   make(chan struct{}),
		status: StatusPending,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cancel()
		return nil, ErrQueueClosed
	}
	q.active++
	q.live[id] = h
	q.mu.Unlock()
	telemetry.GetGlobalMetrics().SetQueueDepth(int64(q.PendingCount()))

	q.pool.Submit(func() {
		q.run(h, jobCtx, fn)
	})
	return h, nil
}

func (q *SerialQueue) run(h *JobHandle, jobCtx context.Context, fn func(ctx context.Context) error) {
	h.mu.Lock()
	if h.status != StatusPending {
		// Cancelled before start: the body never runs
		h.mu.Unlock()
		q.finish(h)
		return
	}
	h.status = StatusRunning
	h.mu.Unlock()

	err := fn(jobCtx)

	h.mu.Lock()
	switch {
	case err == nil:
		h.status = StatusCompleted
	case errors.Is(err, context.Canceled) && jobCtx.Err() != nil:
		h.status = StatusCancelled
		h.err = err
	default:
		h.status = StatusFailed
		h.err = err
	}
	h.mu.Unlock()

	if err != nil {
		q.logger.Warn("execution job finished with error", "jobId", h.ID, "error", err.Error())
	}
	q.finish(h)
}

// finish moves the handle to the terminal map and wakes idle waiters
func (q *SerialQueue) finish(h *JobHandle) {
	h.cancel()

	q.mu.Lock()
	delete(q.live, h.ID)
	q.terminal[h.ID] = h.Status()
	q.active--
	q.cond.Broadcast()
	q.mu.Unlock()

	telemetry.GetGlobalMetrics().SetQueueDepth(int64(q.PendingCount()))
	close(h.done)
}

// GetStatus looks up a job by id
func (q *SerialQueue) GetStatus(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h, ok := q.live[id]; ok {
		return h.Status(), true
	}
	s, ok := q.terminal[id]
	return s, ok
}

// PendingCount is the number of jobs not yet terminal, the running one
// included. The evaluator gates on this.
func (q *SerialQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// CancelAll cancels every live job
func (q *SerialQueue) CancelAll() {
	q.mu.Lock()
	handles := make([]*JobHandle, 0, len(q.live))
	for _, h := range q.live {
		handles = append(handles, h)
	}
	q.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// WaitForIdle blocks until no job is pending or running, or ctx expires
func (q *SerialQueue) WaitForIdle(ctx context.Context) error {
	idle := make(chan struct{})
	abandoned := false
	go func() {
		q.mu.Lock()
		for q.active > 0 && !abandoned {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(idle)
	}()

	select {
	case <-ctx.Done():
		// Release the waiter goroutine so it does not linger in cond.Wait
		q.mu.Lock()
		abandoned = true
		q.cond.Broadcast()
		q.mu.Unlock()
		return ctx.Err()
	case <-idle:
		return nil
	}
}

// Close rejects further enqueues, cancels live jobs, and waits for the pool
// to drain
func (q *SerialQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.CancelAll()
	q.pool.StopAndWait()
}
