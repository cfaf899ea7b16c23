package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// testEndpoint adapts a raw fd to the Endpoint interface with pluggable
// callbacks.
type testEndpoint struct {
	fd      int
	onRead  func(*testEndpoint)
	onWrite func(*testEndpoint)
	closed  bool
}

func (e *testEndpoint) FileDesc() int { return e.fd }
func (e *testEndpoint) IsGood() bool  { return !e.closed }
func (e *testEndpoint) ReadNext() {
	if e.onRead != nil {
		e.onRead(e)
	}
}
func (e *testEndpoint) WriteNext() {
	if e.onWrite != nil {
		e.onWrite(e)
	}
}
func (e *testEndpoint) Close() {
	if !e.closed {
		e.closed = true
		unix.Close(e.fd)
	}
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return p[0], p[1]
}

// TestReadDispatch verifies a readable endpoint gets its ReadNext callback
// with the written data available.
func TestReadDispatch(t *testing.T) {
	rtr, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rtr.Shutdown()

	rfd, wfd := newPipe(t)
	defer unix.Close(wfd)

	got := make(chan []byte, 1)
	ep := &testEndpoint{fd: rfd, onRead: func(e *testEndpoint) {
		buf := make([]byte, 64)
		n, _ := unix.Read(e.fd, buf)
		got <- buf[:n]
	}}
	if err := rtr.Register(ep, unix.EPOLLIN); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unix.Write(wfd, []byte("frame"))
	if err := rtr.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	select {
	case data := <-got:
		if string(data) != "frame" {
			t.Fatalf("read %q, want %q", data, "frame")
		}
	default:
		t.Fatal("ReadNext was not dispatched")
	}
}

// TestWriteInterestToggle verifies EnableWrite triggers WriteNext on a
// writable fd and DisableWrite stops further dispatch.
func TestWriteInterestToggle(t *testing.T) {
	rtr, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rtr.Shutdown()

	rfd, wfd := newPipe(t)
	defer unix.Close(rfd)

	fired := 0
	ep := &testEndpoint{fd: wfd, onWrite: func(e *testEndpoint) { fired++ }}
	if err := rtr.Register(ep, 0); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rtr.EnableWrite(wfd)
	if err := rtr.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if fired != 1 {
		t.Fatalf("WriteNext fired %d times, want 1", fired)
	}

	// Once interest is cleared the fd must not dispatch again; a wake
	// keeps the second poll from blocking forever.
	rtr.DisableWrite(wfd)
	go func() {
		time.Sleep(20 * time.Millisecond)
		rtr.Wake()
	}()
	if err := rtr.PollOnce(); err != nil {
		t.Fatalf("PollOnce after disable: %v", err)
	}
	if fired != 1 {
		t.Fatalf("WriteNext fired after DisableWrite")
	}
}

// TestWakeInterruptsPoll verifies Wake unblocks a waiting PollOnce without
// dispatching any endpoint.
func TestWakeInterruptsPoll(t *testing.T) {
	rtr, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rtr.Shutdown()

	done := make(chan error, 1)
	go func() { done <- rtr.PollOnce() }()
	time.Sleep(20 * time.Millisecond)
	rtr.Wake()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wake did not unblock PollOnce")
	}
}

// TestShutdownClosesEndpoints verifies Shutdown closes every registered
// endpoint, makes PollOnce report ErrShutdown, and tolerates repetition.
func TestShutdownClosesEndpoints(t *testing.T) {
	rtr, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rfd, wfd := newPipe(t)
	defer unix.Close(wfd)

	ep := &testEndpoint{fd: rfd}
	if err := rtr.Register(ep, unix.EPOLLIN); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rtr.Shutdown()
	rtr.Shutdown()
	if !ep.closed {
		t.Fatal("endpoint not closed by Shutdown")
	}
	if err := rtr.PollOnce(); err != ErrShutdown {
		t.Fatalf("PollOnce after Shutdown = %v, want ErrShutdown", err)
	}
}

// TestDeregisterStopsDispatch verifies a deregistered fd no longer reaches
// its endpoint.
func TestDeregisterStopsDispatch(t *testing.T) {
	rtr, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rtr.Shutdown()

	rfd, wfd := newPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	fired := false
	ep := &testEndpoint{fd: rfd, onRead: func(*testEndpoint) { fired = true }}
	if err := rtr.Register(ep, unix.EPOLLIN); err != nil {
		t.Fatalf("Register: %v", err)
	}
	rtr.Deregister(rfd)

	unix.Write(wfd, []byte("x"))
	go func() {
		time.Sleep(20 * time.Millisecond)
		rtr.Wake()
	}()
	if err := rtr.PollOnce(); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if fired {
		t.Fatal("deregistered endpoint still dispatched")
	}
}
