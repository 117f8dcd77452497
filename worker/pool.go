// Package worker provides a fixed-size goroutine pool with a bounded queue.
//
// The server runs request handlers on it and the client connection pool runs
// dials on it, so slow user code never occupies a connection's read goroutine.
// Submit blocks while the queue is full: this bounds memory, at the price of
// stalling the submitter under sustained overload.
package worker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("worker pool closed")

const (
	DefaultWorkers   = 16
	DefaultQueueSize = 65536
)

type Pool struct {
	tasks chan func()
	group errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines consuming a queue of queueSize tasks.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{tasks: make(chan func(), queueSize)}
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

// work runs tasks until the queue is closed. A task that panics ends this
// worker with the panic as its error; a replacement keeps the pool at size.
func (p *Pool) work() error {
	for task := range p.tasks {
		if err := run(task); err != nil {
			p.group.Go(p.work)
			return err
		}
	}
	return nil
}

func run(task func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("worker: task panicked: %v", r)
		}
	}()
	task()
	return nil
}

// Submit queues task, blocking while the queue is full or until ctx is done.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.tasks)
}

// Close stops accepting tasks, lets the workers drain the queue and waits for
// them. It returns the first task panic, if any.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	return p.group.Wait()
}
