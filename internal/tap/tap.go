// Package tap manages the kernel TAP device: creation, flag toggles, and
// nonblocking frame I/O as a reactor endpoint.
package tap

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/1ureka/tincan/internal/bufpool"
	"github.com/1ureka/tincan/internal/errs"
	"github.com/1ureka/tincan/internal/reactor"
)

// nameLimit is IFNAMSIZ minus the trailing NUL.
const nameLimit = unix.IFNAMSIZ - 1

// Descriptor configures a TAP device. Immutable after Open.
type Descriptor struct {
	Name string
	MTU  uint32
}

// Device is the layer-2 TAP endpoint. Frames read from the kernel are
// handed to the read-completion callback with buffer ownership; frames
// for the kernel are written directly when possible and queued behind
// write readiness otherwise.
type Device struct {
	desc  Descriptor
	iface *water.Interface
	file  *os.File
	fd    int

	mac net.HardwareAddr
	mtu int

	pool        *bufpool.Pool
	rtr         *reactor.Reactor
	onFrameRead func(*bufpool.Iob)

	mu    sync.Mutex
	sendq []*bufpool.Iob

	down   atomic.Bool
	closed atomic.Bool
}

// New creates an unopened device bound to its pool and reactor.
func New(pool *bufpool.Pool, rtr *reactor.Reactor) *Device {
	d := &Device{pool: pool, rtr: rtr, fd: -1}
	d.down.Store(true)
	return d
}

// Open creates the kernel TAP interface (IFF_TAP|IFF_NO_PI), applies the
// MTU, and captures the hardware address. The device name is truncated at
// the interface-name limit. On any failure the device stays closed and a
// typed error distinguishes the failing stage.
func (d *Device) Open(desc Descriptor) error {
	name := desc.Name
	if len(name) > nameLimit {
		name = name[:nameLimit]
		logrus.WithFields(logrus.Fields{"name": desc.Name, "truncated": name}).
			Warn("tap name exceeds interface-name limit")
	}
	desc.Name = name

	iface, err := water.New(water.Config{
		DeviceType:             water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: name},
	})
	if err != nil {
		return fmt.Errorf("%w: opening tap device %q: %v", errs.ErrSystem, name, err)
	}

	file, ok := iface.ReadWriteCloser.(*os.File)
	if !ok {
		iface.Close()
		return fmt.Errorf("%w: tap device %q has no file descriptor", errs.ErrSystem, name)
	}
	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		iface.Close()
		return fmt.Errorf("%w: setting tap nonblocking: %v", errs.ErrSystem, err)
	}

	link, err := netlink.LinkByName(iface.Name())
	if err != nil {
		iface.Close()
		return fmt.Errorf("%w: querying tap interface %q: %v", errs.ErrSystem, iface.Name(), err)
	}
	if desc.MTU > 0 {
		if err := netlink.LinkSetMTU(link, int(desc.MTU)); err != nil {
			iface.Close()
			return fmt.Errorf("%w: setting tap mtu %d: %v", errs.ErrSystem, desc.MTU, err)
		}
	}
	link, err = netlink.LinkByName(iface.Name())
	if err != nil {
		iface.Close()
		return fmt.Errorf("%w: re-querying tap interface: %v", errs.ErrSystem, err)
	}

	d.desc = desc
	d.iface = iface
	d.file = file
	d.fd = fd
	d.mac = link.Attrs().HardwareAddr
	d.mtu = link.Attrs().MTU
	logrus.WithFields(logrus.Fields{"name": iface.Name(), "mac": d.mac.String(), "mtu": d.mtu}).
		Info("tap device created")
	return nil
}

// OnFrameRead installs the read-completion callback. Must be set before
// the device is registered for read readiness.
func (d *Device) OnFrameRead(fn func(*bufpool.Iob)) { d.onFrameRead = fn }

// Name returns the kernel's name for the device.
func (d *Device) Name() string {
	if d.iface == nil {
		return d.desc.Name
	}
	return d.iface.Name()
}

// MAC returns the captured hardware address.
func (d *Device) MAC() net.HardwareAddr { return d.mac }

// MTU returns the captured MTU.
func (d *Device) MTU() int { return d.mtu }

// Up raises IFF_UP. Redundant calls are no-ops.
func (d *Device) Up() {
	if !d.down.Load() || d.closed.Load() {
		return
	}
	if err := d.setUp(true); err != nil {
		logrus.WithError(err).Error("tap up failed")
		return
	}
	d.down.Store(false)
	logrus.WithField("name", d.Name()).Info("tap is UP")
}

// Down clears IFF_UP. Redundant calls are no-ops.
func (d *Device) Down() {
	if d.down.Load() || d.closed.Load() {
		return
	}
	if err := d.setUp(false); err != nil {
		logrus.WithError(err).Error("tap down failed")
		return
	}
	d.down.Store(true)
	logrus.WithField("name", d.Name()).Info("tap is DOWN")
}

func (d *Device) setUp(up bool) error {
	link, err := netlink.LinkByName(d.Name())
	if err != nil {
		return fmt.Errorf("%w: querying tap interface: %v", errs.ErrSystem, err)
	}
	if up {
		err = netlink.LinkSetUp(link)
	} else {
		err = netlink.LinkSetDown(link)
	}
	if err != nil {
		return fmt.Errorf("%w: toggling tap flags: %v", errs.ErrSystem, err)
	}
	return nil
}

// WriteDirect writes one frame to the device immediately, bypassing the
// send queue; the kernel is the only consumer and partial writes at MTU
// sizes are rare. A non-empty send queue means earlier frames are still
// waiting on write readiness, so the frame lines up behind them instead
// of overtaking. On EAGAIN the frame likewise falls back onto the queue.
// The buffer is owned by the device from this point on.
func (d *Device) WriteDirect(b *bufpool.Iob) {
	if d.down.Load() || d.closed.Load() {
		d.pool.Put(b)
		return
	}
	d.mu.Lock()
	if len(d.sendq) != 0 {
		d.sendq = append(d.sendq, b)
		d.mu.Unlock()
		d.rtr.EnableWrite(d.fd)
		return
	}
	d.mu.Unlock()
	_, err := unix.Write(d.fd, b.Data())
	if err == unix.EAGAIN {
		d.QueueWrite(b)
		return
	}
	if err != nil {
		logrus.WithError(err).Error("tap write failed")
	}
	d.pool.Put(b)
}

// QueueWrite enqueues a frame for readiness-driven write and enables
// write interest. When the device is down or closed the frame is dropped.
func (d *Device) QueueWrite(b *bufpool.Iob) {
	if d.down.Load() || d.closed.Load() {
		d.pool.Put(b)
		return
	}
	d.mu.Lock()
	d.sendq = append(d.sendq, b)
	d.mu.Unlock()
	d.rtr.EnableWrite(d.fd)
}

// WriteNext drains the send queue while writes succeed: a full write pops
// the head, a partial write shrinks it in place and leaves it queued, an
// error is logged and stops the drain. Write interest is cleared once the
// queue is empty.
func (d *Device) WriteNext() {
	for {
		d.mu.Lock()
		if len(d.sendq) == 0 {
			d.mu.Unlock()
			d.rtr.DisableWrite(d.fd)
			return
		}
		head := d.sendq[0]
		d.mu.Unlock()

		n, err := unix.Write(d.fd, head.Data())
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			logrus.WithError(err).Error("tap write failed")
			return
		}
		if n < head.Len() {
			head.Shift(n)
			continue
		}
		d.mu.Lock()
		d.sendq = d.sendq[1:]
		d.mu.Unlock()
		d.pool.Put(head)
	}
}

// ReadNext performs one read into a pool buffer and hands the frame to
// the read-completion callback with ownership transferred.
func (d *Device) ReadNext() {
	b := d.pool.Get()
	n, err := unix.Read(d.fd, b.Bytes())
	if err != nil {
		d.pool.Put(b)
		if err != unix.EAGAIN {
			logrus.WithError(err).Error("tap read failed")
		}
		return
	}
	if n <= 0 {
		d.pool.Put(b)
		return
	}
	b.SetLen(n)
	if d.onFrameRead == nil {
		d.pool.Put(b)
		return
	}
	d.onFrameRead(b)
}

// FileDesc returns the device fd, or -1 when closed.
func (d *Device) FileDesc() int {
	if d.closed.Load() {
		return -1
	}
	return d.fd
}

// IsGood reports whether the device is open.
func (d *Device) IsGood() bool { return !d.closed.Load() && d.fd != -1 }

// Close brings the interface down, releases queued frames, and closes the
// descriptor. Idempotent.
func (d *Device) Close() {
	if d.closed.Load() {
		return
	}
	d.Down()
	d.closed.Store(true)
	d.mu.Lock()
	q := d.sendq
	d.sendq = nil
	d.mu.Unlock()
	for _, b := range q {
		d.pool.Put(b)
	}
	if d.iface != nil {
		d.iface.Close()
	}
	d.fd = -1
}
