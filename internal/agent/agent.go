// Package agent is the top-level process object: it owns the reactor, the
// control channel, the single tunnel, and the dispatch from controller
// commands to tunnel operations.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/1ureka/tincan/internal/bufpool"
	"github.com/1ureka/tincan/internal/control"
	"github.com/1ureka/tincan/internal/errs"
	"github.com/1ureka/tincan/internal/logcfg"
	"github.com/1ureka/tincan/internal/reactor"
	"github.com/1ureka/tincan/internal/tap"
	"github.com/1ureka/tincan/internal/tunnel"
	"github.com/1ureka/tincan/internal/vlink"
	"github.com/1ureka/tincan/internal/worker"
)

// Parameters is the validated CLI configuration.
type Parameters struct {
	// SocketName is the controller's abstract-namespace UDS name.
	SocketName string
	// TunnelID is the tunnel identifier this process owns.
	TunnelID string
	// LogConfig is an optional inline ConfigureLogging JSON body.
	LogConfig string
}

// casResponse is the Message body answering CreateLink. The
// QueryCandidateAddressSet answer is a tunnel.CasInfo instead.
type casResponse struct {
	CAS string `json:"CAS"`
}

type registerBody struct {
	Data string `json:"Data"`
}

type handler func(a *Agent, m *control.Message)

// Agent runs the dataplane process: one reactor, one network worker, one
// buffer pool, at most one tunnel.
type Agent struct {
	params Parameters

	rtr     *reactor.Reactor
	wrk     *worker.Worker
	pool    *bufpool.Pool
	channel *control.Channel

	dispatch map[string]handler

	mu  sync.Mutex
	tnl *tunnel.Tunnel

	inprogMu   sync.Mutex
	inprogress map[int64]*control.Message

	tid  atomic.Int64
	exit atomic.Bool
}

// New builds the agent. Only multiplexer creation can fail, and that
// failure is fatal to the process.
func New(params Parameters) (*Agent, error) {
	rtr, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("%w: creating reactor: %v", errs.ErrSystem, err)
	}
	a := &Agent{
		params:     params,
		rtr:        rtr,
		wrk:        worker.New(),
		pool:       bufpool.New(bufpool.DefaultPoolCapacity),
		inprogress: make(map[int64]*control.Message),
	}
	a.dispatch = map[string]handler{
		control.CmdConfigureLogging: (*Agent).configureLogging,
		control.CmdCreateTunnel:     (*Agent).createTunnel,
		control.CmdCreateLink:       (*Agent).createLink,
		control.CmdQueryCAS:         (*Agent).queryCas,
		control.CmdQueryLinkStats:   (*Agent).queryLinkStats,
		control.CmdQueryTunnelInfo:  (*Agent).queryTunnelInfo,
		control.CmdRemoveLink:       (*Agent).removeLink,
		control.CmdEcho:             (*Agent).echo,
	}
	return a, nil
}

// Run connects to the controller, announces the dataplane, and drives the
// reactor until a stop is requested, then tears everything down.
func (a *Agent) Run() error {
	ch, err := control.Connect(a.params.SocketName, a.rtr, a.onMsgReceived)
	if err != nil {
		a.rtr.Shutdown()
		a.wrk.Close()
		return err
	}
	a.channel = ch
	if err := a.rtr.Register(ch, unix.EPOLLIN|unix.EPOLLRDHUP); err != nil {
		ch.Close()
		a.rtr.Shutdown()
		a.wrk.Close()
		return fmt.Errorf("%w: registering control endpoint: %v", errs.ErrSystem, err)
	}

	a.DeliverRequest(control.CmdRegisterDataplane, registerBody{Data: "Tincan Dataplane Ready"})
	logrus.WithField("socket", a.params.SocketName).Info("dataplane registered, entering event loop")

	for !a.exit.Load() {
		if err := a.rtr.PollOnce(); err != nil {
			if err == reactor.ErrShutdown {
				break
			}
			logrus.WithError(err).Error("reactor poll failed")
			break
		}
	}
	a.shutdown()
	return nil
}

// RequestStop asks the run loop to exit. Safe from any goroutine and
// idempotent; all teardown happens on the reactor goroutine after the
// current poll returns.
func (a *Agent) RequestStop() {
	if a.exit.Swap(true) {
		return
	}
	a.rtr.Wake()
}

func (a *Agent) shutdown() {
	logrus.Info("dataplane shutdown initiated")
	a.mu.Lock()
	tnl := a.tnl
	a.tnl = nil
	a.mu.Unlock()
	if tnl != nil {
		tnl.Shutdown()
	}
	if a.channel != nil {
		a.channel.Close()
	}
	a.rtr.Shutdown()
	a.wrk.Close()
}

// ---------------------------------------------------------------------------
// Control plumbing
// ---------------------------------------------------------------------------

// nextTID returns a transaction id unique within this agent run, for
// agent-originated requests.
func (a *Agent) nextTID() int64 { return a.tid.Add(1) }

// DeliverRequest sends an unsolicited request to the controller. It
// implements the tunnel's Deliverer.
func (a *Agent) DeliverRequest(command string, body any) {
	m, err := control.NewRequest(a.nextTID(), command, body)
	if err != nil {
		logrus.WithError(err).WithField("command", command).Error("building request failed")
		return
	}
	if a.channel != nil {
		a.channel.Deliver(m)
	}
}

// respond converts m into its response and queues it for delivery.
func (a *Agent) respond(m *control.Message, success bool, body any) {
	if err := m.MakeResponse(success, body); err != nil {
		logrus.WithError(err).Error("building response failed")
		m.MakeResponse(false, "internal response encoding failure")
	}
	if a.channel != nil {
		a.channel.Deliver(m)
	}
}

// onMsgReceived runs on the reactor goroutine for each complete control
// body. Every request yields exactly one response, possibly deferred; a
// handler failure never takes the loop down.
func (a *Agent) onMsgReceived(body []byte) {
	m, err := control.Deserialize(body)
	if err != nil {
		logrus.WithError(err).Warn("discarding undecodable control")
		return
	}
	if m.ControlType == control.TypeResponse {
		// Responses to agent-originated requests are informational.
		logrus.WithFields(logrus.Fields{"tid": m.TransactionID, "command": m.Command}).
			Debug("controller acknowledged request")
		return
	}
	h, ok := a.dispatch[m.Command]
	if !ok {
		logrus.WithField("command", m.Command).Warn("unrecognized control command")
		a.respond(m, false, fmt.Sprintf("unrecognized command %q", m.Command))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("control handler failed")
			a.respond(m, false, fmt.Sprintf("%s failed: %v", m.Command, r))
		}
	}()
	h(a, m)
}

func parseRequest[T any](m *control.Message) (*T, error) {
	var req T
	if len(m.Request) > 0 {
		if err := json.Unmarshal(m.Request, &req); err != nil {
			return nil, fmt.Errorf("%w: decoding %s request: %v", errs.ErrProtocol, m.Command, err)
		}
	}
	return &req, nil
}

// ---------------------------------------------------------------------------
// Command handlers
// ---------------------------------------------------------------------------

func (a *Agent) configureLogging(m *control.Message) {
	req, err := parseRequest[control.ConfigureLoggingRequest](m)
	if err == nil {
		err = logcfg.Apply(os.Stderr, req)
	}
	if err != nil {
		logrus.WithError(err).Warn("configure logging rejected")
		a.respond(m, false, err.Error())
		return
	}
	a.respond(m, true, "Logging configured")
}

// buildTunnel creates and starts the tunnel from a CreateTunnel-shaped
// request. Caller must not hold a.mu.
func (a *Agent) buildTunnel(req *control.CreateTunnelRequest) (*tunnel.Tunnel, error) {
	if req.TunnelID != a.params.TunnelID {
		return nil, fmt.Errorf("%w: this process owns tunnel %q, not %q",
			errs.ErrConfig, a.params.TunnelID, req.TunnelID)
	}
	turns := make([]vlink.TurnDescriptor, 0, len(req.TurnServers))
	for _, t := range req.TurnServers {
		turns = append(turns, vlink.TurnDescriptor{
			Address: t.Address, User: t.User, Password: t.Password,
		})
	}
	tnl := tunnel.New(tunnel.Descriptor{
		UID:         req.TunnelID,
		NodeID:      req.NodeID,
		StunServers: req.StunServers,
		TurnServers: turns,
	}, a.pool, a.rtr, a.wrk, a, tunnel.Events{OnLocalCasReady: a.onLocalCasReady})
	if err := tnl.Configure(tap.Descriptor{Name: req.TapName, MTU: req.MTU}, req.IgnoredNetInterfaces); err != nil {
		return nil, err
	}
	if err := tnl.Start(); err != nil {
		tnl.Shutdown()
		return nil, err
	}
	a.mu.Lock()
	a.tnl = tnl
	a.mu.Unlock()
	return tnl, nil
}

func (a *Agent) currentTunnel() *tunnel.Tunnel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tnl
}

func (a *Agent) createTunnel(m *control.Message) {
	req, err := parseRequest[control.CreateTunnelRequest](m)
	if err != nil {
		a.respond(m, false, err.Error())
		return
	}
	tnl := a.currentTunnel()
	if tnl == nil {
		if tnl, err = a.buildTunnel(req); err != nil {
			logrus.WithError(err).Error("create tunnel failed")
			a.respond(m, false, err.Error())
			return
		}
	}
	a.respond(m, true, tnl.QueryInfo())
}

func (a *Agent) createLink(m *control.Message) {
	req, err := parseRequest[control.CreateLinkRequest](m)
	if err != nil {
		a.respond(m, false, err.Error())
		return
	}
	tnl := a.currentTunnel()
	if tnl == nil {
		ctReq := &control.CreateTunnelRequest{
			TunnelID:             req.TunnelID,
			NodeID:               req.NodeID,
			TapName:              req.TapName,
			MTU:                  req.MTU,
			StunServers:          req.StunServers,
			TurnServers:          req.TurnServers,
			IgnoredNetInterfaces: req.IgnoredNetInterfaces,
		}
		if tnl, err = a.buildTunnel(ctReq); err != nil {
			logrus.WithError(err).Error("create link failed building tunnel")
			a.respond(m, false, err.Error())
			return
		}
	}
	link, err := tnl.CreateLink(req.LinkID, vlink.PeerDescriptor{
		UID:         req.PeerInfo.UID,
		Fingerprint: req.PeerInfo.FPR,
		MAC:         req.PeerInfo.MAC,
		CAS:         req.PeerInfo.CAS,
	})
	if err != nil {
		logrus.WithError(err).Error("create link failed")
		a.respond(m, false, err.Error())
		return
	}

	// Defer the response until gathering completes. The control is
	// stashed before the id is armed so a completion racing this path
	// cannot slip between the two.
	tid := m.TransactionID
	a.stashInProgress(tid, m)
	link.AwaitCas(tid)
	if link.IsGatheringComplete() {
		if pending := a.takeInProgress(tid); pending != nil {
			a.respond(pending, true, casResponse{CAS: link.Candidates()})
		}
	}
}

func (a *Agent) queryCas(m *control.Message) {
	tnl := a.currentTunnel()
	if tnl == nil {
		a.respond(m, false, "no tunnel exists")
		return
	}
	info, err := tnl.QueryLinkCas()
	if err != nil {
		a.respond(m, false, err.Error())
		return
	}
	a.respond(m, true, info)
}

func (a *Agent) queryLinkStats(m *control.Message) {
	tnl := a.currentTunnel()
	if tnl == nil {
		a.respond(m, false, "no tunnel exists")
		return
	}
	stats := map[string]map[string]tunnel.LinkInfo{
		tnl.Descriptor().UID: {},
	}
	if linkID := tnl.QueryLinkID(); linkID != "" {
		stats[tnl.Descriptor().UID][linkID] = tnl.QueryLinkInfo()
	}
	a.respond(m, true, stats)
}

func (a *Agent) queryTunnelInfo(m *control.Message) {
	tnl := a.currentTunnel()
	if tnl == nil {
		a.respond(m, false, "no tunnel exists")
		return
	}
	a.respond(m, true, tnl.QueryInfo())
}

func (a *Agent) removeLink(m *control.Message) {
	req, err := parseRequest[control.LinkRequest](m)
	if err != nil {
		a.respond(m, false, err.Error())
		return
	}
	tnl := a.currentTunnel()
	if tnl == nil {
		a.respond(m, false, "no tunnel exists")
		return
	}
	if req.LinkID != "" && tnl.QueryLinkID() != "" && req.LinkID != tnl.QueryLinkID() {
		a.respond(m, false, "the specified link does not belong to this tunnel")
		return
	}
	tnl.RemoveLink()
	a.respond(m, true, "Link removed")
}

func (a *Agent) echo(m *control.Message) {
	req, err := parseRequest[control.EchoRequest](m)
	if err != nil {
		a.respond(m, false, err.Error())
		return
	}
	a.respond(m, true, req.Message)
}

// ---------------------------------------------------------------------------
// Deferred CAS responses
// ---------------------------------------------------------------------------

func (a *Agent) stashInProgress(tid int64, m *control.Message) {
	a.inprogMu.Lock()
	a.inprogress[tid] = m
	a.inprogMu.Unlock()
}

func (a *Agent) takeInProgress(tid int64) *control.Message {
	a.inprogMu.Lock()
	defer a.inprogMu.Unlock()
	m := a.inprogress[tid]
	delete(a.inprogress, tid)
	return m
}

// onLocalCasReady resolves a deferred CreateLink response once the link
// reports its local CAS. Unknown transaction ids are logged and dropped.
func (a *Agent) onLocalCasReady(tid int64, cas string) {
	if tid == 0 {
		return
	}
	m := a.takeInProgress(tid)
	if m == nil {
		logrus.WithField("tid", tid).Warn("local CAS ready for unknown transaction")
		return
	}
	if cas == "" {
		cas = "No local candidates available on this vlink"
		logrus.Warn(cas)
	}
	a.respond(m, true, casResponse{CAS: cas})
}
