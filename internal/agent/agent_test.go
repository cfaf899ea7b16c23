package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/1ureka/tincan/internal/control"
)

// fakeController is the controller side of the UDS control channel: a
// SEQPACKET listener in the abstract namespace plus framed send/recv
// helpers.
type fakeController struct {
	name string
	lfd  int
	conn int
}

func startController(t *testing.T, tag string) *fakeController {
	t.Helper()
	name := fmt.Sprintf("tincan-test-%s-%d", tag, os.Getpid())
	lfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("controller socket: %v", err)
	}
	if err := unix.Bind(lfd, &unix.SockaddrUnix{Name: "@" + name}); err != nil {
		unix.Close(lfd)
		t.Fatalf("controller bind: %v", err)
	}
	if err := unix.Listen(lfd, 1); err != nil {
		unix.Close(lfd)
		t.Fatalf("controller listen: %v", err)
	}
	fc := &fakeController{name: name, lfd: lfd, conn: -1}
	t.Cleanup(fc.close)
	return fc
}

func (fc *fakeController) accept(t *testing.T) {
	t.Helper()
	conn, _, err := unix.Accept(fc.lfd)
	if err != nil {
		t.Fatalf("controller accept: %v", err)
	}
	tv := unix.Timeval{Sec: 10}
	unix.SetsockoptTimeval(conn, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	fc.conn = conn
}

func (fc *fakeController) close() {
	if fc.conn != -1 {
		unix.Close(fc.conn)
		fc.conn = -1
	}
	if fc.lfd != -1 {
		unix.Close(fc.lfd)
		fc.lfd = -1
	}
}

func (fc *fakeController) send(t *testing.T, m *control.Message) {
	t.Helper()
	body, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	frame, err := control.EncodeFrame(body)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if _, err := unix.Write(fc.conn, frame); err != nil {
		t.Fatalf("controller send: %v", err)
	}
}

// recv reads one datagram and returns every control message inside it.
func (fc *fakeController) recv(t *testing.T) []*control.Message {
	t.Helper()
	buf := make([]byte, 1<<16)
	n, err := unix.Read(fc.conn, buf)
	if err != nil {
		t.Fatalf("controller recv: %v", err)
	}
	var msgs []*control.Message
	err = control.DecodeFrames(buf[:n], func(body []byte) {
		m, err := control.Deserialize(body)
		if err != nil {
			t.Fatalf("controller decode: %v", err)
		}
		msgs = append(msgs, m)
	})
	if err != nil {
		t.Fatalf("controller deframe: %v", err)
	}
	return msgs
}

// recvResponse skips agent-originated requests until a response with the
// wanted transaction id arrives.
func (fc *fakeController) recvResponse(t *testing.T, tid int64) *control.Message {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range fc.recv(t) {
			if m.ControlType == control.TypeResponse && m.TransactionID == tid {
				return m
			}
		}
	}
	t.Fatalf("no response for transaction %d", tid)
	return nil
}

func startAgent(t *testing.T, fc *fakeController) *Agent {
	t.Helper()
	a, err := New(Parameters{SocketName: fc.name, TunnelID: "T1"})
	if err != nil {
		t.Fatalf("agent New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Run() }()
	t.Cleanup(func() {
		a.RequestStop()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Errorf("agent did not stop")
		}
	})
	fc.accept(t)
	return a
}

// TestRegisterDataplaneAnnouncement verifies the agent announces itself
// right after connecting.
func TestRegisterDataplaneAnnouncement(t *testing.T) {
	fc := startController(t, "register")
	startAgent(t, fc)

	msgs := fc.recv(t)
	if len(msgs) == 0 {
		t.Fatal("no announcement received")
	}
	m := msgs[0]
	if m.ControlType != control.TypeRequest || m.Command != control.CmdRegisterDataplane {
		t.Fatalf("first message = %s/%s, want Request/RegisterDataplane", m.ControlType, m.Command)
	}
	if m.Recipient != control.RecipientName || m.SessionID != os.Getpid() {
		t.Fatalf("announcement stamping wrong: %+v", m)
	}
}

// TestEchoRoundTrip verifies a dispatched command produces exactly one
// response with matching transaction id and the verbatim message.
func TestEchoRoundTrip(t *testing.T) {
	fc := startController(t, "echo")
	startAgent(t, fc)
	fc.recv(t) // RegisterDataplane

	req, err := control.NewRequest(41, control.CmdEcho, control.EchoRequest{Message: "ping"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	fc.send(t, req)

	resp := fc.recvResponse(t, 41)
	if !resp.Response.Success {
		t.Fatalf("echo failed: %s", resp.Response.Message)
	}
	var echoed string
	if err := json.Unmarshal(resp.Response.Message, &echoed); err != nil || echoed != "ping" {
		t.Fatalf("echoed %q (%v), want %q", resp.Response.Message, err, "ping")
	}
}

// TestBackToBackRequestsKeepOrder verifies two requests written in one
// datagram are answered in order with their transaction ids preserved.
func TestBackToBackRequestsKeepOrder(t *testing.T) {
	fc := startController(t, "coalesced")
	startAgent(t, fc)
	fc.recv(t) // RegisterDataplane

	first, _ := control.NewRequest(100, control.CmdEcho, control.EchoRequest{Message: "one"})
	second, _ := control.NewRequest(101, control.CmdEcho, control.EchoRequest{Message: "two"})
	b1, _ := first.Serialize()
	b2, _ := second.Serialize()
	f1, _ := control.EncodeFrame(b1)
	f2, _ := control.EncodeFrame(b2)
	if _, err := unix.Write(fc.conn, append(append([]byte{}, f1...), f2...)); err != nil {
		t.Fatalf("coalesced send: %v", err)
	}

	r1 := fc.recvResponse(t, 100)
	r2 := fc.recvResponse(t, 101)
	var m1, m2 string
	json.Unmarshal(r1.Response.Message, &m1)
	json.Unmarshal(r2.Response.Message, &m2)
	if m1 != "one" || m2 != "two" {
		t.Fatalf("responses out of order: %q, %q", m1, m2)
	}
}

// TestUnknownCommand verifies unrecognized commands are answered with a
// failed response instead of being dropped.
func TestUnknownCommand(t *testing.T) {
	fc := startController(t, "unknown")
	startAgent(t, fc)
	fc.recv(t) // RegisterDataplane

	req, _ := control.NewRequest(7, "MakeCoffee", nil)
	fc.send(t, req)
	resp := fc.recvResponse(t, 7)
	if resp.Response.Success {
		t.Fatal("unknown command reported success")
	}
}

// TestQueryWithoutTunnel verifies state errors surface as failed
// responses while the agent keeps serving.
func TestQueryWithoutTunnel(t *testing.T) {
	fc := startController(t, "notunnel")
	startAgent(t, fc)
	fc.recv(t) // RegisterDataplane

	req, _ := control.NewRequest(8, control.CmdQueryTunnelInfo, control.LinkRequest{TunnelID: "T1"})
	fc.send(t, req)
	if resp := fc.recvResponse(t, 8); resp.Response.Success {
		t.Fatal("query without tunnel reported success")
	}

	// The loop must still answer afterwards.
	echo, _ := control.NewRequest(9, control.CmdEcho, control.EchoRequest{Message: "alive"})
	fc.send(t, echo)
	if resp := fc.recvResponse(t, 9); !resp.Response.Success {
		t.Fatal("agent stopped serving after a failed request")
	}
}

// TestRepeatStopIsIdempotent verifies N stop requests behave like one.
func TestRepeatStopIsIdempotent(t *testing.T) {
	fc := startController(t, "stop")
	a := startAgent(t, fc)
	fc.recv(t) // RegisterDataplane

	for i := 0; i < 5; i++ {
		a.RequestStop()
	}
	// Cleanup asserts the run loop exits exactly once, without hanging.
}
