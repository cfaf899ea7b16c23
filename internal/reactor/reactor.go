// Package reactor implements the agent's single-threaded readiness
// multiplexer. All endpoint callbacks run on the goroutine that calls
// PollOnce, serialized with each other; other goroutines may only toggle
// interest masks or request a wake-up.
package reactor

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Endpoint is a pollable I/O channel registered with the reactor.
type Endpoint interface {
	// FileDesc returns the endpoint's file descriptor, or -1 when closed.
	FileDesc() int
	// ReadNext is invoked on read readiness.
	ReadNext()
	// WriteNext is invoked on write readiness.
	WriteNext()
	// IsGood reports whether the endpoint is still usable.
	IsGood() bool
	// Close releases the endpoint's resources. Idempotent.
	Close()
}

// ErrShutdown is returned by PollOnce after Shutdown has been requested.
var ErrShutdown = errors.New("reactor: shut down")

type registration struct {
	ep     Endpoint
	events uint32
}

// Reactor multiplexes readiness over its registered endpoints with a
// single epoll instance, one event per wait.
type Reactor struct {
	epfd int

	mu   sync.Mutex
	regs map[int]*registration

	down  atomic.Bool
	wakeR int
	wakeW int
}

// New creates the epoll instance and its wake pipe. Failure here is fatal
// to the agent.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	r := &Reactor{
		epfd:  epfd,
		regs:  make(map[int]*registration),
		wakeR: p[0],
		wakeW: p[1],
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.wakeR)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeR, &ev); err != nil {
		r.closeFds()
		return nil, err
	}
	return r, nil
}

// Register adds an endpoint with the given initial interest mask
// (unix.EPOLLIN and/or unix.EPOLLOUT).
func (r *Reactor) Register(ep Endpoint, events uint32) error {
	fd := ep.FileDesc()
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	r.regs[fd] = &registration{ep: ep, events: events}
	r.mu.Unlock()
	return nil
}

// Deregister removes the fd from the epoll set and the registry. A fd of
// -1 is a no-op.
func (r *Reactor) Deregister(fd int) {
	if fd == -1 {
		return
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		logrus.WithError(err).WithField("fd", fd).Warn("epoll del failed")
	}
	r.mu.Lock()
	delete(r.regs, fd)
	r.mu.Unlock()
}

func (r *Reactor) mod(fd int, set, clear uint32) {
	r.mu.Lock()
	reg, ok := r.regs[fd]
	if !ok {
		r.mu.Unlock()
		return
	}
	events := (reg.events | set) &^ clear
	if events == reg.events {
		r.mu.Unlock()
		return
	}
	reg.events = events
	r.mu.Unlock()
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		logrus.WithError(err).WithField("fd", fd).Warn("epoll mod failed")
	}
}

// EnableRead adds read interest for the endpoint's fd.
func (r *Reactor) EnableRead(fd int) { r.mod(fd, unix.EPOLLIN, 0) }

// DisableRead clears read interest for the endpoint's fd.
func (r *Reactor) DisableRead(fd int) { r.mod(fd, 0, unix.EPOLLIN) }

// EnableWrite adds write interest for the endpoint's fd. Safe to call
// from any goroutine.
func (r *Reactor) EnableWrite(fd int) { r.mod(fd, unix.EPOLLOUT, 0) }

// DisableWrite clears write interest for the endpoint's fd.
func (r *Reactor) DisableWrite(fd int) { r.mod(fd, 0, unix.EPOLLOUT) }

func (r *Reactor) lookup(fd int) Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.regs[fd]; ok {
		return reg.ep
	}
	return nil
}

// PollOnce blocks on a single readiness event and dispatches it. Read
// readiness takes precedence over write; a read hang-up only clears read
// interest; a full hang-up closes and deregisters the endpoint. Returns
// ErrShutdown once Shutdown has been requested.
func (r *Reactor) PollOnce() error {
	var events [1]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], -1)
	if r.down.Load() {
		return ErrShutdown
	}
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Fd)
		if fd == r.wakeR {
			r.drainWake()
			continue
		}
		ep := r.lookup(fd)
		if ep == nil {
			continue
		}
		switch {
		case ev.Events&unix.EPOLLIN != 0:
			ep.ReadNext()
		case ev.Events&unix.EPOLLOUT != 0:
			ep.WriteNext()
		case ev.Events&unix.EPOLLRDHUP != 0:
			r.DisableRead(fd)
		case ev.Events&unix.EPOLLHUP != 0:
			ep.Close()
			r.Deregister(fd)
		}
	}
	return nil
}

// Wake interrupts a blocked PollOnce. Safe to call from any goroutine,
// including a signal handler's notify goroutine.
func (r *Reactor) Wake() {
	var one = [1]byte{1}
	unix.Write(r.wakeW, one[:])
}

func (r *Reactor) drainWake() {
	var buf [16]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Shutdown sets the exit flag, closes and deregisters every endpoint,
// clears the registry, and releases the epoll instance.
func (r *Reactor) Shutdown() {
	if r.down.Swap(true) {
		return
	}
	r.Wake()
	r.mu.Lock()
	regs := r.regs
	r.regs = make(map[int]*registration)
	r.mu.Unlock()
	for fd, reg := range regs {
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		reg.ep.Close()
	}
	r.closeFds()
}

func (r *Reactor) closeFds() {
	if r.epfd != -1 {
		unix.Close(r.epfd)
		r.epfd = -1
	}
	if r.wakeR != -1 {
		unix.Close(r.wakeR)
		r.wakeR = -1
	}
	if r.wakeW != -1 {
		unix.Close(r.wakeW)
		r.wakeW = -1
	}
}
