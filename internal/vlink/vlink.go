// Package vlink implements the virtual link: an ICE-negotiated,
// DTLS-secured datagram session carrying Ethernet frames to one peer.
// Candidate gathering, connectivity checks, and the secured session all
// come from the pion stack; this package owns the link state machine and
// the signal surface its tunnel consumes.
package vlink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
	"github.com/sirupsen/logrus"

	"github.com/1ureka/tincan/internal/bufpool"
	"github.com/1ureka/tincan/internal/errs"
)

// IceRole selects which side drives connectivity checks.
type IceRole int

const (
	IceRoleControlling IceRole = iota
	IceRoleControlled
)

func (r IceRole) String() string {
	if r == IceRoleControlling {
		return "Controlling"
	}
	return "Controlled"
}

// SelectRole picks CONTROLLING for the lexicographically smaller node id.
// Node ids are globally unique, so ties cannot occur.
func SelectRole(nodeID, peerID string) IceRole {
	if nodeID < peerID {
		return IceRoleControlling
	}
	return IceRoleControlled
}

// State is the link lifecycle position.
type State int32

const (
	StateNew State = iota
	StateGathering
	StateGathered
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateGathering:
		return "GATHERING"
	case StateGathered:
		return "GATHERED"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	default:
		return "CLOSED"
	}
}

// TurnDescriptor is one TURN relay with credentials.
type TurnDescriptor struct {
	Address  string
	User     string
	Password string
}

// Descriptor carries the link parameters derived from the owning tunnel.
type Descriptor struct {
	TunnelID    string
	StunServers []string
	TurnServers []TurnDescriptor
}

// PeerDescriptor identifies the remote endpoint.
type PeerDescriptor struct {
	UID         string
	Fingerprint string
	MAC         string
	CAS         string
}

// Callbacks is the one-way notification surface towards the owning
// tunnel. All callbacks may fire on library goroutines; the owner is
// responsible for re-posting onto its worker where needed.
type Callbacks struct {
	// OnLocalCasReady fires once gathering completes, echoing the
	// transaction id remembered via AwaitCas (zero when none).
	OnLocalCasReady func(tid int64, cas string)
	// OnLinkUp fires when the link reaches READY.
	OnLinkUp func(linkID string)
	// OnLinkDown fires on every departure from READY.
	OnLinkDown func(linkID string)
	// OnFrameReceived delivers one inbound frame; the slice is only
	// valid for the duration of the call.
	OnFrameReceived func(frame []byte)
}

// Link is an ICE/DTLS session handle, owned exclusively by its tunnel.
// All mutating operations run on the tunnel's network worker.
type Link struct {
	id       string
	desc     Descriptor
	peer     PeerDescriptor
	role     IceRole
	identity *Identity
	pool     *bufpool.Pool
	cb       Callbacks

	agent *ice.Agent

	state atomic.Int32

	mu           sync.Mutex
	localCands   []ice.Candidate
	gatherDone   bool
	pendingStart bool
	conn         *dtls.Conn
	cancelDial   context.CancelFunc
	casTIDs      []int64

	framesTx atomic.Int64
	framesRx atomic.Int64
	bytesTx  atomic.Int64
	bytesRx  atomic.Int64
}

// New builds an unconnected link in state NEW.
func New(id string, desc Descriptor, peer PeerDescriptor, role IceRole,
	identity *Identity, pool *bufpool.Pool, cb Callbacks) *Link {
	return &Link{
		id:       id,
		desc:     desc,
		peer:     peer,
		role:     role,
		identity: identity,
		pool:     pool,
		cb:       cb,
	}
}

// ID returns the link id assigned by the controller.
func (l *Link) ID() string { return l.id }

// Role returns the ICE role selected at creation.
func (l *Link) Role() IceRole { return l.role }

// Peer returns the remote descriptor.
func (l *Link) Peer() PeerDescriptor { return l.peer }

// State returns the current lifecycle state.
func (l *Link) State() State { return State(l.state.Load()) }

// IsReady reports whether the link is in READY.
func (l *Link) IsReady() bool { return l.State() == StateReady }

// AwaitCas records a transaction id whose response is deferred until
// gathering completes. Several may be pending; each gets its own signal.
func (l *Link) AwaitCas(tid int64) {
	l.mu.Lock()
	l.casTIDs = append(l.casTIDs, tid)
	l.mu.Unlock()
}

// Initialize installs the ICE agent and begins candidate gathering,
// restricted to interfaces absent from ignoredNetworks. NEW → GATHERING.
func (l *Link) Initialize(ignoredNetworks []string) error {
	if l.State() != StateNew {
		return fmt.Errorf("%w: initialize in state %s", errs.ErrState, l.State())
	}
	urls, err := serverURIs(l.desc.StunServers, l.desc.TurnServers)
	if err != nil {
		return err
	}
	ignored := make(map[string]bool, len(ignoredNetworks))
	for _, name := range ignoredNetworks {
		ignored[name] = true
	}
	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:          urls,
		NetworkTypes:  []ice.NetworkType{ice.NetworkTypeUDP4},
		LocalUfrag:    iceUfrag,
		LocalPwd:      icePwd,
		LoggerFactory: logrusFactory{},
		InterfaceFilter: func(name string) bool {
			return !ignored[name]
		},
	})
	if err != nil {
		return fmt.Errorf("%w: creating ice agent: %v", errs.ErrTransport, err)
	}
	l.agent = agent

	if err := agent.OnConnectionStateChange(l.onIceStateChange); err != nil {
		agent.Close()
		return fmt.Errorf("%w: wiring ice state signal: %v", errs.ErrTransport, err)
	}
	if err := agent.OnCandidate(l.onCandidate); err != nil {
		agent.Close()
		return fmt.Errorf("%w: wiring ice candidate signal: %v", errs.ErrTransport, err)
	}

	l.state.Store(int32(StateGathering))
	if err := agent.GatherCandidates(); err != nil {
		return fmt.Errorf("%w: starting candidate gathering: %v", errs.ErrTransport, err)
	}
	logrus.WithFields(logrus.Fields{"link": l.id, "role": l.role.String()}).
		Info("vlink gathering candidates")
	return nil
}

func (l *Link) onCandidate(c ice.Candidate) {
	if c != nil {
		l.mu.Lock()
		l.localCands = append(l.localCands, c)
		l.mu.Unlock()
		return
	}
	// Nil candidate: gathering is complete.
	l.mu.Lock()
	l.gatherDone = true
	count := len(l.localCands)
	cas := marshalCAS(l.localCands)
	start := l.pendingStart
	l.pendingStart = false
	tids := l.casTIDs
	l.casTIDs = nil
	l.mu.Unlock()

	l.state.CompareAndSwap(int32(StateGathering), int32(StateGathered))
	logrus.WithFields(logrus.Fields{"link": l.id, "candidates": count}).
		Debug("vlink gathering complete")
	if l.cb.OnLocalCasReady != nil {
		if len(tids) == 0 {
			l.cb.OnLocalCasReady(0, cas)
		}
		for _, tid := range tids {
			l.cb.OnLocalCasReady(tid, cas)
		}
	}
	if start {
		l.StartConnections()
	}
}

// Candidates returns the local CAS; empty until gathering completes.
func (l *Link) Candidates() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.gatherDone {
		return ""
	}
	return marshalCAS(l.localCands)
}

// IsGatheringComplete reports whether the local CAS is available.
func (l *Link) IsGatheringComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gatherDone
}

// PeerCandidates supplies the remote CAS. May be called before or after
// StartConnections.
func (l *Link) PeerCandidates(cas string) error {
	cands, err := unmarshalCAS(cas)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.peer.CAS = cas
	l.mu.Unlock()
	for _, c := range cands {
		if err := l.agent.AddRemoteCandidate(c); err != nil {
			return fmt.Errorf("%w: adding remote candidate: %v", errs.ErrTransport, err)
		}
	}
	return nil
}

// StartConnections begins connectivity checks, or records the intent when
// gathering has not finished. GATHERED → CONNECTING. Runs on the network
// worker.
func (l *Link) StartConnections() {
	switch l.State() {
	case StateConnecting, StateReady, StateClosed:
		return
	}
	l.mu.Lock()
	if !l.gatherDone {
		l.pendingStart = true
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	if !l.state.CompareAndSwap(int32(StateGathered), int32(StateConnecting)) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.cancelDial = cancel
	l.mu.Unlock()
	go l.connect(ctx)
}

// connect performs the ICE check and the DTLS handshake, then enters the
// steady-state read loop. The CONTROLLING side dials and runs the DTLS
// client; the CONTROLLED side accepts and serves.
func (l *Link) connect(ctx context.Context) {
	var iceConn *ice.Conn
	var err error
	if l.role == IceRoleControlling {
		iceConn, err = l.agent.Dial(ctx, iceUfrag, icePwd)
	} else {
		iceConn, err = l.agent.Accept(ctx, iceUfrag, icePwd)
	}
	if err != nil {
		if l.State() != StateClosed {
			logrus.WithError(err).WithField("link", l.id).Error("ice connectivity failed")
			l.state.Store(int32(StateClosed))
		}
		return
	}

	cfg := &dtls.Config{
		Certificates:          []tls.Certificate{l.identity.Certificate()},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: l.verifyPeer,
	}
	var conn *dtls.Conn
	if l.role == IceRoleControlling {
		conn, err = dtls.Client(dtlsnet.PacketConnFromConn(iceConn), iceConn.RemoteAddr(), cfg)
	} else {
		cfg.ClientAuth = dtls.RequireAnyClientCert
		conn, err = dtls.Server(dtlsnet.PacketConnFromConn(iceConn), iceConn.RemoteAddr(), cfg)
	}
	if err == nil {
		err = conn.HandshakeContext(ctx)
	}
	if err != nil {
		if l.State() != StateClosed {
			logrus.WithError(err).WithField("link", l.id).Error("dtls handshake failed")
			l.state.Store(int32(StateClosed))
		}
		return
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	if !l.state.CompareAndSwap(int32(StateConnecting), int32(StateReady)) {
		conn.Close()
		return
	}
	logrus.WithFields(logrus.Fields{"link": l.id, "peer": l.peer.UID}).Info("vlink is READY")
	if l.cb.OnLinkUp != nil {
		l.cb.OnLinkUp(l.id)
	}
	l.readLoop(conn)
}

// verifyPeer authenticates the DTLS peer end-to-end by comparing the
// certificate fingerprint with the one the controller supplied.
func (l *Link) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: peer presented no certificate", errs.ErrTransport)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: parsing peer certificate: %v", errs.ErrTransport, err)
	}
	fpr, err := fingerprintOf(cert)
	if err != nil {
		return err
	}
	l.mu.Lock()
	want := l.peer.Fingerprint
	l.mu.Unlock()
	if want == "" {
		logrus.WithField("link", l.id).Warn("no peer fingerprint supplied, skipping verification")
		return nil
	}
	if !fingerprintMatches(fpr, want) {
		return fmt.Errorf("%w: peer fingerprint mismatch", errs.ErrTransport)
	}
	return nil
}

// readLoop pulls frames off the secured session and raises them to the
// tunnel until the session ends.
func (l *Link) readLoop(conn *dtls.Conn) {
	buf := make([]byte, bufpool.FrameCapacity)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if l.departReady() {
				logrus.WithError(err).WithField("link", l.id).Warn("vlink receive ended")
			}
			return
		}
		if n == 0 {
			continue
		}
		l.framesRx.Add(1)
		l.bytesRx.Add(int64(n))
		if l.cb.OnFrameReceived != nil {
			l.cb.OnFrameReceived(buf[:n])
		}
	}
}

func (l *Link) onIceStateChange(s ice.ConnectionState) {
	logrus.WithFields(logrus.Fields{"link": l.id, "state": s.String()}).Debug("ice state")
	switch s {
	case ice.ConnectionStateFailed, ice.ConnectionStateDisconnected, ice.ConnectionStateClosed:
		l.departReady()
	}
}

// departReady performs the READY → CLOSED transition and fires OnLinkDown
// exactly once per departure. Returns whether this call performed it.
func (l *Link) departReady() bool {
	if !l.state.CompareAndSwap(int32(StateReady), int32(StateClosed)) {
		return false
	}
	if l.cb.OnLinkDown != nil {
		l.cb.OnLinkDown(l.id)
	}
	return true
}

// Transmit sends one Ethernet frame over the peer path. A link that is
// not READY drops the frame. Either way the buffer returns to the pool.
// Runs on the network worker.
func (l *Link) Transmit(b *bufpool.Iob) {
	defer l.pool.Put(b)
	if !l.IsReady() {
		return
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	n, err := conn.Write(b.Data())
	if err != nil {
		logrus.WithError(err).WithField("link", l.id).Warn("vlink transmit failed")
		return
	}
	l.framesTx.Add(1)
	l.bytesTx.Add(int64(n))
}

// Stats is a snapshot of transport counters and candidate pair states.
type Stats struct {
	BytesSent      int64               `json:"BytesSent"`
	BytesReceived  int64               `json:"BytesReceived"`
	FramesSent     int64               `json:"FramesSent"`
	FramesReceived int64               `json:"FramesReceived"`
	CandidatePairs []CandidatePairInfo `json:"CandidatePairs"`
}

// CandidatePairInfo describes one ICE candidate pair.
type CandidatePairInfo struct {
	Local     string `json:"Local"`
	Remote    string `json:"Remote"`
	State     string `json:"State"`
	Nominated bool   `json:"Nominated"`
}

// GetStats populates out with best-effort transport counters. Runs on the
// network worker.
func (l *Link) GetStats(out *Stats) {
	out.BytesSent = l.bytesTx.Load()
	out.BytesReceived = l.bytesRx.Load()
	out.FramesSent = l.framesTx.Load()
	out.FramesReceived = l.framesRx.Load()
	if l.agent == nil {
		return
	}
	for _, p := range l.agent.GetCandidatePairsStats() {
		out.CandidatePairs = append(out.CandidatePairs, CandidatePairInfo{
			Local:     p.LocalCandidateID,
			Remote:    p.RemoteCandidateID,
			State:     p.State.String(),
			Nominated: p.Nominated,
		})
	}
}

// Disconnect tears the link down: any → CLOSED, transport resources
// released. Runs on the network worker and is awaited by the caller.
func (l *Link) Disconnect() {
	l.departReady()
	l.state.Store(int32(StateClosed))
	l.mu.Lock()
	cancel := l.cancelDial
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if l.agent != nil {
		l.agent.Close()
	}
	logrus.WithField("link", l.id).Info("vlink disconnected")
}

// serverURIs converts the controller's STUN/TURN descriptions into stun
// URIs, defaulting the scheme when absent.
func serverURIs(stunServers []string, turnServers []TurnDescriptor) ([]*stun.URI, error) {
	var urls []*stun.URI
	for _, s := range stunServers {
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			s = "stun:" + s
		}
		u, err := stun.ParseURI(s)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing stun server %q: %v", errs.ErrConfig, s, err)
		}
		urls = append(urls, u)
	}
	for _, t := range turnServers {
		if t.Address == "" {
			continue
		}
		addr := t.Address
		if !strings.HasPrefix(addr, "turn:") && !strings.HasPrefix(addr, "turns:") {
			addr = "turn:" + addr
		}
		u, err := stun.ParseURI(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing turn server %q: %v", errs.ErrConfig, t.Address, err)
		}
		u.Username = t.User
		u.Password = t.Password
		urls = append(urls, u)
	}
	return urls, nil
}
