package signalservice

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Do after Close.
var ErrQueueClosed = errors.New("work queue closed")

// WorkQueue runs jobs one at a time in submission order. Session
// establishment, encryption, decryption and prekey replenishment go through
// it so that no two jobs mutate key material concurrently.
//
// Jobs must not submit to the queue they run on.
type WorkQueue struct {
	jobs chan func()
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewWorkQueue() *WorkQueue {
	q := &WorkQueue{
		jobs: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *WorkQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		job()
	}
}

func (q *WorkQueue) submit(job func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.jobs <- job
	return true
}

// Do runs fn on the queue and returns its error. If ctx ends first, Do
// returns ctx.Err() and fn still runs when its turn comes.
func (q *WorkQueue) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !q.submit(func() { result <- fn() }) {
		return ErrQueueClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go runs fn on the queue without waiting for it.
func (q *WorkQueue) Go(fn func()) {
	q.wg.Add(1)
	if !q.submit(func() { defer q.wg.Done(); fn() }) {
		q.wg.Done()
	}
}

// Wait blocks until every job submitted with Go has finished.
func (q *WorkQueue) Wait() {
	q.wg.Wait()
}

// Close stops accepting jobs, runs the queued ones and stops the worker.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	<-q.done
}
