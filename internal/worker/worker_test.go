package worker

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestPostExecutesInOrder verifies that posted tasks run serially in
// submission order.
func TestPostExecutesInOrder(t *testing.T) {
	w := New()
	defer w.Close()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		w.Post(func() { got = append(got, i) })
	}
	w.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order broken at %d: got %d", i, v)
		}
	}
}

// TestCallWaitsForCompletion verifies Call blocks until the closure has
// run on the worker.
func TestCallWaitsForCompletion(t *testing.T) {
	w := New()
	defer w.Close()

	var ran atomic.Bool
	w.Call(func() {
		time.Sleep(20 * time.Millisecond)
		ran.Store(true)
	})
	if !ran.Load() {
		t.Fatal("Call returned before the task completed")
	}
}

// TestCloseDrainsQueuedTasks verifies Close lets already-queued tasks run
// before the goroutine exits.
func TestCloseDrainsQueuedTasks(t *testing.T) {
	w := New()
	var count atomic.Int32
	for i := 0; i < 50; i++ {
		w.Post(func() { count.Add(1) })
	}
	w.Close()
	if got := count.Load(); got != 50 {
		t.Fatalf("drained %d tasks, want 50", got)
	}
}

// TestPostAfterCloseIsDropped verifies late posts neither panic nor run.
func TestPostAfterCloseIsDropped(t *testing.T) {
	w := New()
	w.Close()
	var ran atomic.Bool
	w.Post(func() { ran.Store(true) })
	time.Sleep(10 * time.Millisecond)
	if ran.Load() {
		t.Fatal("post after close executed")
	}
}

// TestCallAfterCloseRunsInline verifies shutdown paths still complete
// synchronously once the worker is gone.
func TestCallAfterCloseRunsInline(t *testing.T) {
	w := New()
	w.Close()
	var ran bool
	w.Call(func() { ran = true })
	if !ran {
		t.Fatal("Call after close did not run the task")
	}
}
