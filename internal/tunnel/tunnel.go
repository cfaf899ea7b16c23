// Package tunnel composes the TAP device and the virtual link into one
// forwarding pipeline and owns their shared lifecycle.
package tunnel

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/1ureka/tincan/internal/bufpool"
	"github.com/1ureka/tincan/internal/control"
	"github.com/1ureka/tincan/internal/errs"
	"github.com/1ureka/tincan/internal/reactor"
	"github.com/1ureka/tincan/internal/tap"
	"github.com/1ureka/tincan/internal/vlink"
	"github.com/1ureka/tincan/internal/worker"
)

// Link state strings reported to the controller.
const (
	StatusOnline  = "ONLINE"
	StatusOffline = "OFFLINE"
	StatusUnknown = "UNKNOWN"
)

// Descriptor is the tunnel identity and the NAT-traversal servers every
// link it creates will use.
type Descriptor struct {
	UID         string
	NodeID      string
	StunServers []string
	TurnServers []vlink.TurnDescriptor
}

// Deliverer sends agent-originated requests to the controller. The agent
// implements it over the shared control channel.
type Deliverer interface {
	DeliverRequest(command string, body any)
}

// Events is the notification surface the agent wires at construction.
type Events struct {
	// OnLocalCasReady relays the link's deferred-CAS signal.
	OnLocalCasReady func(tid int64, cas string)
}

// TunnelInfo is the QueryTunnelInfo response body.
type TunnelInfo struct {
	TunnelID string   `json:"TunnelId"`
	FPR      string   `json:"FPR"`
	TapName  string   `json:"TapName"`
	MAC      string   `json:"MAC"`
	MTU      int      `json:"MTU"`
	LinkIDs  []string `json:"LinkIds"`
}

// LinkInfo is the per-link QueryLinkStats response body.
type LinkInfo struct {
	IceRole string      `json:"IceRole"`
	Status  string      `json:"Status"`
	Stats   vlink.Stats `json:"Stats"`
}

// CasInfo is the QueryCandidateAddressSet response body.
type CasInfo struct {
	IceRole string `json:"IceRole"`
	CAS     string `json:"CAS"`
}

// LinkStateData is the body of LinkConnected/LinkDisconnected requests.
// ConnectedTimestamp records, in Unix milliseconds, when the link reached
// or departed READY.
type LinkStateData struct {
	TunnelID           string `json:"TunnelId"`
	LinkID             string `json:"LinkId"`
	ConnectedTimestamp int64  `json:"ConnectedTimestamp"`
	Data               string `json:"Data"`
}

// Tunnel owns one TAP device, at most one virtual link, and the local SSL
// identity. The TAP comes UP when a link first reaches READY and goes
// DOWN when the tunnel is destroyed.
type Tunnel struct {
	desc     Descriptor
	tapDesc  tap.Descriptor
	dev      *tap.Device
	identity *vlink.Identity

	ignoredNets []string

	pool    *bufpool.Pool
	rtr     *reactor.Reactor
	wrk     *worker.Worker
	deliver Deliverer
	events  Events

	mu   sync.Mutex
	link *vlink.Link
}

// New builds an unconfigured tunnel.
func New(desc Descriptor, pool *bufpool.Pool, rtr *reactor.Reactor,
	wrk *worker.Worker, deliver Deliverer, events Events) *Tunnel {
	return &Tunnel{
		desc:    desc,
		pool:    pool,
		rtr:     rtr,
		wrk:     wrk,
		deliver: deliver,
		events:  events,
		dev:     tap.New(pool, rtr),
	}
}

// Configure opens the TAP device and generates the tunnel's identity and
// fingerprint. The ignored-interface list is captured here, once, and
// applies to every link this tunnel ever creates. Any failure leaves the
// tunnel unusable.
func (t *Tunnel) Configure(tapDesc tap.Descriptor, ignoredNets []string) error {
	if err := t.dev.Open(tapDesc); err != nil {
		return err
	}
	identity, err := vlink.NewIdentity(t.desc.NodeID + t.desc.UID)
	if err != nil {
		t.dev.Close()
		return err
	}
	t.tapDesc = tapDesc
	t.identity = identity
	t.ignoredNets = append([]string(nil), ignoredNets...)
	return nil
}

// Start wires the TAP read-completion path and registers the device with
// the reactor.
func (t *Tunnel) Start() error {
	t.dev.OnFrameRead(t.tapReadComplete)
	if err := t.rtr.Register(t.dev, unix.EPOLLIN); err != nil {
		return fmt.Errorf("%w: registering tap endpoint: %v", errs.ErrSystem, err)
	}
	return nil
}

// Descriptor returns the tunnel's identity record.
func (t *Tunnel) Descriptor() Descriptor { return t.desc }

// Fingerprint returns the local certificate fingerprint.
func (t *Tunnel) Fingerprint() string {
	if t.identity == nil {
		return ""
	}
	return t.identity.Fingerprint()
}

// MacAddress renders the TAP hardware address the way the controller
// expects it: uppercase hex, no separators.
func (t *Tunnel) MacAddress() string {
	return strings.ToUpper(hex.EncodeToString(t.dev.MAC()))
}

// CreateLink allocates the tunnel's virtual link, or completes an
// existing one. A repeat CreateLink for the link supplies the peer CAS
// and starts connectivity checks. Gathering starts immediately on the
// network worker; connections start only once a peer CAS is known.
func (t *Tunnel) CreateLink(linkID string, peer vlink.PeerDescriptor) (*vlink.Link, error) {
	t.mu.Lock()
	existing := t.link
	t.mu.Unlock()

	if existing != nil {
		if peer.CAS != "" {
			var err error
			t.wrk.Call(func() {
				if err = existing.PeerCandidates(peer.CAS); err == nil {
					existing.StartConnections()
				}
			})
			if err != nil {
				return nil, err
			}
			logrus.WithFields(logrus.Fields{"link": existing.ID(), "peer": existing.Peer().UID}).
				Info("added remote CAS to existing vlink")
		}
		return existing, nil
	}

	role := vlink.SelectRole(t.desc.NodeID, peer.UID)
	logrus.WithFields(logrus.Fields{"link": linkID, "peer": peer.UID, "role": role.String()}).
		Info("creating vlink")
	link := vlink.New(linkID, vlink.Descriptor{
		TunnelID:    t.desc.UID,
		StunServers: t.desc.StunServers,
		TurnServers: t.desc.TurnServers,
	}, peer, role, t.identity, t.pool, vlink.Callbacks{
		OnLocalCasReady: t.onLocalCasReady,
		OnLinkUp:        t.onLinkUp,
		OnLinkDown:      t.onLinkDown,
		OnFrameReceived: t.vlinkReadComplete,
	})

	var err error
	t.wrk.Call(func() {
		if err = link.Initialize(t.ignoredNets); err != nil {
			return
		}
		if peer.CAS != "" {
			if err = link.PeerCandidates(peer.CAS); err != nil {
				return
			}
			link.StartConnections()
		}
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.link = link
	t.mu.Unlock()
	return link, nil
}

// StartConnections forwards to the link on the network worker.
func (t *Tunnel) StartConnections() {
	link := t.currentLink()
	if link == nil {
		return
	}
	t.wrk.Post(link.StartConnections)
}

// QueryInfo snapshots the tunnel for the controller.
func (t *Tunnel) QueryInfo() TunnelInfo {
	info := TunnelInfo{
		TunnelID: t.desc.UID,
		FPR:      t.Fingerprint(),
		TapName:  t.dev.Name(),
		MAC:      t.MacAddress(),
		MTU:      t.dev.MTU(),
		LinkIDs:  []string{},
	}
	if link := t.currentLink(); link != nil {
		info.LinkIDs = append(info.LinkIDs, link.ID())
	}
	return info
}

// QueryLinkInfo reports the link status with transport stats. Stats are
// collected synchronously on the network worker only while the link is
// READY; otherwise the snapshot is OFFLINE (or UNKNOWN without a link)
// and no thread crossing happens.
func (t *Tunnel) QueryLinkInfo() LinkInfo {
	link := t.currentLink()
	if link == nil {
		return LinkInfo{Status: StatusUnknown, Stats: vlink.Stats{}}
	}
	info := LinkInfo{IceRole: link.Role().String()}
	if link.IsReady() {
		t.wrk.Call(func() { link.GetStats(&info.Stats) })
		info.Status = StatusOnline
	} else {
		info.Status = StatusOffline
	}
	return info
}

// QueryLinkCas reports the link's ICE role and current local CAS.
func (t *Tunnel) QueryLinkCas() (CasInfo, error) {
	link := t.currentLink()
	if link == nil {
		return CasInfo{}, fmt.Errorf("%w: tunnel has no link", errs.ErrState)
	}
	return CasInfo{IceRole: link.Role().String(), CAS: link.Candidates()}, nil
}

// QueryLinkID returns the current link id, empty when none exists.
func (t *Tunnel) QueryLinkID() string {
	if link := t.currentLink(); link != nil {
		return link.ID()
	}
	return ""
}

// RemoveLink disconnects and drops the link, if any. The disconnect runs
// on the network worker and is awaited.
func (t *Tunnel) RemoveLink() {
	t.mu.Lock()
	link := t.link
	t.link = nil
	t.mu.Unlock()
	if link == nil {
		return
	}
	t.wrk.Call(link.Disconnect)
}

// Shutdown removes the link and brings the TAP down and closed.
func (t *Tunnel) Shutdown() {
	t.RemoveLink()
	fd := t.dev.FileDesc()
	if fd != -1 {
		t.rtr.Deregister(fd)
	}
	t.dev.Close()
}

func (t *Tunnel) currentLink() *vlink.Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link
}

// ---------------------------------------------------------------------------
// Forwarding
// ---------------------------------------------------------------------------

// tapReadComplete takes ownership of one frame read from the kernel and
// hands it to the link on the network worker. With no link the frame is
// dropped and the buffer returned.
func (t *Tunnel) tapReadComplete(b *bufpool.Iob) {
	link := t.currentLink()
	if link == nil {
		t.pool.Put(b)
		logrus.Warn("dropping tap frame, no vlink")
		return
	}
	t.wrk.Post(func() { link.Transmit(b) })
}

// vlinkReadComplete copies one frame received from the peer into a pool
// buffer and writes it straight to the TAP device. The frame slice is
// only valid during the callback, so the copy happens before the hop
// onto the network worker, which serializes link-ingress with transmits.
func (t *Tunnel) vlinkReadComplete(frame []byte) {
	b := t.pool.Get()
	b.Fill(frame)
	t.wrk.Post(func() { t.dev.WriteDirect(b) })
}

func (t *Tunnel) onLocalCasReady(tid int64, cas string) {
	if t.events.OnLocalCasReady == nil {
		return
	}
	t.wrk.Post(func() { t.events.OnLocalCasReady(tid, cas) })
}

// onLinkUp raises the TAP on first readiness and notifies the controller.
func (t *Tunnel) onLinkUp(linkID string) {
	at := time.Now().UnixMilli()
	t.wrk.Post(func() {
		t.dev.Up()
		t.deliver.DeliverRequest(control.CmdLinkConnected, LinkStateData{
			TunnelID:           t.desc.UID,
			LinkID:             linkID,
			ConnectedTimestamp: at,
			Data:               "LINK_STATE_UP",
		})
	})
}

func (t *Tunnel) onLinkDown(linkID string) {
	at := time.Now().UnixMilli()
	t.wrk.Post(func() {
		t.deliver.DeliverRequest(control.CmdLinkDisconnected, LinkStateData{
			TunnelID:           t.desc.UID,
			LinkID:             linkID,
			ConnectedTimestamp: at,
			Data:               "LINK_STATE_DOWN",
		})
	})
}
