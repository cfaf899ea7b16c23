// Package worker provides the tunnel's network worker: a single goroutine
// that executes submitted closures in order. All virtual-link operations
// run here, which serializes link signals with transmits.
package worker

import (
	"sync"
	"sync/atomic"
)

const queueDepth = 256

// Worker is a serialized task executor. Post enqueues fire-and-forget
// work; Call blocks the caller until the closure has run. Call must not
// be used from the worker goroutine itself — submit directly instead.
type Worker struct {
	tasks chan func()

	closed   atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// New starts the worker goroutine.
func New() *Worker {
	w := &Worker{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for task := range w.tasks {
		task()
	}
}

// Post enqueues f for asynchronous execution. After Close, the task is
// silently dropped.
func (w *Worker) Post(f func()) {
	if w.closed.Load() {
		return
	}
	defer func() {
		// The queue can close between the flag check and the send.
		recover()
	}()
	w.tasks <- f
}

// Call runs f on the worker and waits for it to finish. When the worker
// is already closed, f runs on the caller's goroutine so that shutdown
// paths still complete.
func (w *Worker) Call(f func()) {
	if w.closed.Load() {
		f()
		return
	}
	fin := make(chan struct{})
	w.Post(func() {
		defer close(fin)
		f()
	})
	select {
	case <-fin:
	case <-w.done:
	}
}

// Close accepts no further tasks: queued tasks still run, then the worker
// goroutine exits. Blocks until it has.
func (w *Worker) Close() {
	w.stopOnce.Do(func() {
		w.closed.Store(true)
		close(w.tasks)
	})
	<-w.done
}
