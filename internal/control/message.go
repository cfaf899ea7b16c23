// Package control implements the controller-facing request/response
// model and its framed SEQPACKET transport.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/1ureka/tincan/internal/errs"
)

// ControlType values on the wire.
const (
	TypeRequest  = "Request"
	TypeResponse = "Response"
)

// RecipientName identifies the dataplane in delivered messages.
const RecipientName = "TincanTunnel"

// Command names dispatched by the agent or emitted towards the controller.
const (
	CmdConfigureLogging  = "ConfigureLogging"
	CmdCreateLink        = "CreateLink"
	CmdCreateTunnel      = "CreateTunnel"
	CmdEcho              = "Echo"
	CmdQueryCAS          = "QueryCandidateAddressSet"
	CmdQueryLinkStats    = "QueryLinkStats"
	CmdQueryTunnelInfo   = "QueryTunnelInfo"
	CmdRemoveLink        = "RemoveLink"
	CmdRegisterDataplane = "RegisterDataplane"
	CmdLinkConnected     = "LinkConnected"
	CmdLinkDisconnected  = "LinkDisconnected"
)

// Message is one control-channel message, request or response.
type Message struct {
	ControlType   string          `json:"ControlType"`
	TransactionID int64           `json:"TransactionId"`
	Command       string          `json:"Command,omitempty"`
	Recipient     string          `json:"Recipient,omitempty"`
	SessionID     int             `json:"SessionId,omitempty"`
	Request       json.RawMessage `json:"Request,omitempty"`
	Response      *Response       `json:"Response,omitempty"`
}

// Response is the body of a response-type message.
type Response struct {
	Success bool            `json:"Success"`
	Message json.RawMessage `json:"Message"`
}

// NewRequest builds a request message for the given command and body.
// The body must marshal to JSON; a nil body yields an empty object.
func NewRequest(tid int64, command string, body any) (*Message, error) {
	raw := json.RawMessage("{}")
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding %s request: %v", errs.ErrProtocol, command, err)
		}
		raw = b
	}
	return &Message{
		ControlType:   TypeRequest,
		TransactionID: tid,
		Command:       command,
		Request:       raw,
	}, nil
}

// MakeResponse converts a received request into its response in place:
// the transaction id and command are preserved, the control type flips,
// and the supplied body becomes Response.Message.
func (m *Message) MakeResponse(success bool, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encoding response body: %v", errs.ErrProtocol, err)
	}
	m.ControlType = TypeResponse
	m.Request = nil
	m.Response = &Response{Success: success, Message: raw}
	return nil
}

// Serialize renders the message as its JSON wire form.
func (m *Message) Serialize() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding control: %v", errs.ErrProtocol, err)
	}
	return b, nil
}

// Deserialize parses a JSON wire form back into a Message.
func Deserialize(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding control: %v", errs.ErrProtocol, err)
	}
	return &m, nil
}

// ---------------------------------------------------------------------------
// Request bodies
// ---------------------------------------------------------------------------

// TurnServer describes one TURN relay with its credentials.
type TurnServer struct {
	Address  string `json:"Address"`
	User     string `json:"User"`
	Password string `json:"Password"`
}

// PeerInfo carries the remote endpoint description inside CreateLink.
type PeerInfo struct {
	UID  string `json:"UID"`
	VIP4 string `json:"VIP4,omitempty"`
	CAS  string `json:"CAS"`
	FPR  string `json:"FPR"`
	MAC  string `json:"MAC"`
}

// CreateTunnelRequest builds the tunnel and its TAP device.
type CreateTunnelRequest struct {
	TunnelID             string       `json:"TunnelId"`
	NodeID               string       `json:"NodeId"`
	TapName              string       `json:"TapName"`
	MTU                  uint32       `json:"MTU"`
	StunServers          []string     `json:"StunServers"`
	TurnServers          []TurnServer `json:"TurnServers"`
	IgnoredNetInterfaces []string     `json:"IgnoredNetInterfaces"`
}

// CreateLinkRequest creates (or completes) the tunnel's virtual link.
type CreateLinkRequest struct {
	TunnelID string   `json:"TunnelId"`
	LinkID   string   `json:"LinkId"`
	PeerInfo PeerInfo `json:"PeerInfo"`

	// CreateLink may implicitly create the tunnel; the remaining
	// CreateTunnelRequest fields are accepted for that case.
	NodeID               string       `json:"NodeId,omitempty"`
	TapName              string       `json:"TapName,omitempty"`
	MTU                  uint32       `json:"MTU,omitempty"`
	StunServers          []string     `json:"StunServers,omitempty"`
	TurnServers          []TurnServer `json:"TurnServers,omitempty"`
	IgnoredNetInterfaces []string     `json:"IgnoredNetInterfaces,omitempty"`
}

// LinkRequest addresses an existing tunnel/link pair.
type LinkRequest struct {
	TunnelID string `json:"TunnelId"`
	LinkID   string `json:"LinkId,omitempty"`
}

// EchoRequest is returned verbatim.
type EchoRequest struct {
	Message string `json:"Message"`
}

// ConfigureLoggingRequest reconfigures the agent's log sinks.
type ConfigureLoggingRequest struct {
	Device       string `json:"Device"`
	Directory    string `json:"Directory"`
	Filename     string `json:"Filename"`
	MaxFileSize  int    `json:"MaxFileSize"`
	MaxArchives  int    `json:"MaxArchives"`
	Level        string `json:"Level"`
	ConsoleLevel string `json:"ConsoleLevel"`
}
