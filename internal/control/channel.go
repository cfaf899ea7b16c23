package control

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/1ureka/tincan/internal/errs"
	"github.com/1ureka/tincan/internal/reactor"
)

// MsgHandler receives one complete control body. Ownership of the slice
// transfers to the handler.
type MsgHandler func(body []byte)

// Channel is the framed request/response transport to the controller: a
// SEQPACKET Unix-domain socket in the abstract namespace, driven by the
// reactor. Each logical message travels as a single datagram of 16-bit
// little-endian length plus JSON body.
type Channel struct {
	fd      int
	rtr     *reactor.Reactor
	handler MsgHandler

	mu    sync.Mutex
	sendq [][]byte

	rbuf []byte
	good atomic.Bool
}

// Connect creates the socket and connects to the abstract-namespace
// address name (the leading NUL is implied). The returned channel still
// has to be registered with the reactor by the caller.
func Connect(name string, rtr *reactor.Reactor, handler MsgHandler) (*Channel, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: creating control socket: %v", errs.ErrSystem, err)
	}
	addr := &unix.SockaddrUnix{Name: "@" + name}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: connecting to controller %q: %v", errs.ErrSystem, name, err)
	}
	ch := &Channel{
		fd:      fd,
		rtr:     rtr,
		handler: handler,
		rbuf:    make([]byte, headerLen+MaxBodyLen),
	}
	ch.good.Store(true)
	return ch, nil
}

// IsGood reports whether the channel is connected and usable.
func (c *Channel) IsGood() bool { return c.good.Load() }

// FileDesc returns the socket fd, or -1 after Close.
func (c *Channel) FileDesc() int {
	if !c.good.Load() {
		return -1
	}
	return c.fd
}

// QueueWrite appends one framed datagram to the send queue and enables
// write interest. Dropped silently when the channel is not good.
func (c *Channel) QueueWrite(datagram []byte) {
	if !c.good.Load() {
		return
	}
	c.mu.Lock()
	c.sendq = append(c.sendq, datagram)
	c.mu.Unlock()
	c.rtr.EnableWrite(c.fd)
}

// Deliver stamps the message with the dataplane recipient and session id,
// serializes, frames, and queues it. Oversized messages are logged and
// dropped; every failure, oversize included, is returned.
func (c *Channel) Deliver(m *Message) error {
	m.Recipient = RecipientName
	m.SessionID = os.Getpid()
	body, err := m.Serialize()
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(body)
	if err != nil {
		logrus.WithError(err).WithField("command", m.Command).Warn("dropping oversized control")
		return err
	}
	c.QueueWrite(frame)
	return nil
}

// WriteNext drains the send queue while writes succeed. Each element is
// one datagram; SEQPACKET delivers it atomically or not at all. The write
// interest is cleared once the queue empties.
func (c *Channel) WriteNext() {
	for {
		c.mu.Lock()
		if len(c.sendq) == 0 {
			c.mu.Unlock()
			c.rtr.DisableWrite(c.fd)
			return
		}
		datagram := c.sendq[0]
		c.mu.Unlock()

		_, err := unix.Write(c.fd, datagram)
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			logrus.WithError(err).Error("control send failed")
			return
		}
		c.mu.Lock()
		c.sendq = c.sendq[1:]
		c.mu.Unlock()
	}
}

// ReadNext consumes one datagram and hands every framed body inside it to
// the message handler. A zero-length read means the controller hung up.
func (c *Channel) ReadNext() {
	n, err := unix.Read(c.fd, c.rbuf)
	if err == unix.EAGAIN {
		return
	}
	if err != nil {
		logrus.WithError(err).Error("control recv failed")
		return
	}
	if n == 0 {
		logrus.Warn("controller closed the control channel")
		c.rtr.Deregister(c.fd)
		c.Close()
		return
	}
	if err := DecodeFrames(c.rbuf[:n], c.handler); err != nil {
		logrus.WithError(err).Warn("discarding malformed control datagram")
	}
}

// Close shuts down and closes the socket. Idempotent.
func (c *Channel) Close() {
	if !c.good.Swap(false) {
		return
	}
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
	unix.Close(c.fd)
}
