// Package dbqueue implements C3: the single-writer serialized access
// queue that multiplexes every read and write onto one embedded SQL
// connection (spec §4.2), grounded on original_source/'s
// include/core/database_access_queue.hpp and adapted to Go's
// channel/goroutine idiom instead of std::future/std::promise.
package dbqueue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// WriteOperationResult is the outcome of one write closure (the Go analog
// of database_access_queue.hpp's WriteOperationResult).
type WriteOperationResult struct {
	Success bool
	Message string
}

// Failure builds a failed WriteOperationResult, mirroring the C++
// static factory of the same name.
func Failure(format string, args ...any) WriteOperationResult {
	return WriteOperationResult{Success: false, Message: fmt.Sprintf(format, args...)}
}

// WriteOperation is an opaque write closure. It receives the live
// connection and must never retain it past return.
type WriteOperation func(*sql.DB) WriteOperationResult

// ReadOperation is an opaque read closure whose return value is delivered
// to the caller through a one-shot channel (the future<any> in the
// original).
type ReadOperation func(*sql.DB) (any, error)

type writeJob struct {
	op WriteOperation
	id uint64
}

type readJob struct {
	op     ReadOperation
	result chan readResult
}

type readResult struct {
	value any
	err   error
}

// Queue is C3: exactly one worker goroutine owns db for its entire
// lifetime. No other package may hold a reference to the *sql.DB once a
// Queue has been constructed from it.
type Queue struct {
	db  *sql.DB
	log *logrus.Entry

	jobs chan any // writeJob | readJob, FIFO, single consumer

	nextOpID atomic.Uint64

	resultsMu sync.Mutex
	results   map[uint64]WriteOperationResult

	wg       sync.WaitGroup // tracks the worker goroutine
	draining sync.WaitGroup // tracks in-flight + queued jobs, for WaitForCompletion
	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  atomic.Bool
}

// New starts the worker goroutine over db. db must already have its
// schema and pragmas applied (see Open in this package) — Queue itself
// never touches schema, only data.
func New(db *sql.DB, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	q := &Queue{
		db:      db,
		log:     log,
		jobs:    make(chan any, 1024),
		results: make(map[uint64]WriteOperationResult),
		stopCh:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.workerLoop()
	return q
}

// EnqueueWrite appends op to the queue and returns its globally ordered
// operation ID immediately; the write itself runs asynchronously on the
// worker goroutine.
func (q *Queue) EnqueueWrite(op WriteOperation) uint64 {
	id := q.nextOpID.Add(1)
	if q.stopped.Load() {
		q.setResult(id, Failure("queue stopped"))
		return id
	}
	q.draining.Add(1)
	select {
	case q.jobs <- writeJob{op: op, id: id}:
	case <-q.stopCh:
		q.draining.Done()
		q.setResult(id, Failure("queue stopped"))
	}
	return id
}

// EnqueueRead appends op and returns a channel that receives exactly one
// result once the worker has executed it — the future<any> equivalent.
// The channel is always sent to exactly once, even if the queue is
// stopped before the read runs.
func (q *Queue) EnqueueRead(op ReadOperation) <-chan readResult {
	result := make(chan readResult, 1)
	if q.stopped.Load() {
		result <- readResult{err: fmt.Errorf("queue stopped")}
		return result
	}
	q.draining.Add(1)
	select {
	case q.jobs <- readJob{op: op, result: result}:
	case <-q.stopCh:
		q.draining.Done()
		result <- readResult{err: fmt.Errorf("queue stopped")}
	}
	return result
}

// Read is a convenience wrapper over EnqueueRead for callers that want to
// block on the result (honoring ctx cancellation) instead of holding the
// raw channel.
func (q *Queue) Read(ctx context.Context, op ReadOperation) (any, error) {
	ch := q.EnqueueRead(op)
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetOperationResult returns the result of a previously enqueued write, or
// false if it has not completed yet (or was never assigned — the zero
// value for an unknown ID). This does not block.
func (q *Queue) GetOperationResult(id uint64) (WriteOperationResult, bool) {
	q.resultsMu.Lock()
	defer q.resultsMu.Unlock()
	r, ok := q.results[id]
	return r, ok
}

func (q *Queue) setResult(id uint64, r WriteOperationResult) {
	q.resultsMu.Lock()
	q.results[id] = r
	q.resultsMu.Unlock()
}

// WaitForCompletion blocks until every job enqueued so far has finished.
func (q *Queue) WaitForCompletion() {
	q.draining.Wait()
}

// Stop signals the worker to exit after draining whatever is already
// queued. Idempotent.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.stopped.Store(true)
		close(q.jobs)
	})
	q.wg.Wait()
}

func (q *Queue) workerLoop() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.execute(job)
	}
	close(q.stopCh)
}

// execute runs exactly one job. All DB errors are converted to a failed
// WriteOperationResult or a returned error on the read channel — they
// never propagate past the worker (spec §4.2's worker loop contract).
func (q *Queue) execute(job any) {
	defer q.draining.Done()
	switch j := job.(type) {
	case writeJob:
		result := q.runWrite(j.op)
		q.setResult(j.id, result)
	case readJob:
		value, err := q.runRead(j.op)
		j.result <- readResult{value: value, err: err}
	}
}

func (q *Queue) runWrite(op WriteOperation) (result WriteOperationResult) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("panic", r).Error("db write operation panicked")
			result = Failure("panic: %v", r)
		}
	}()
	return op(q.db)
}

func (q *Queue) runRead(op ReadOperation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("panic", r).Error("db read operation panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return op(q.db)
}
