package control

import (
	"encoding/json"
	"testing"
)

// TestSerializeDeserializeRoundTrip verifies that a message survives the
// wire encoding for requests and responses alike.
func TestSerializeDeserializeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		msg  *Message
	}{
		{
			name: "request with body",
			msg: &Message{
				ControlType:   TypeRequest,
				TransactionID: 7,
				Command:       CmdEcho,
				Request:       json.RawMessage(`{"Message":"ping"}`),
			},
		},
		{
			name: "request with empty body",
			msg: &Message{
				ControlType:   TypeRequest,
				TransactionID: 1,
				Command:       CmdQueryTunnelInfo,
				Request:       json.RawMessage(`{}`),
			},
		},
		{
			name: "response",
			msg: &Message{
				ControlType:   TypeResponse,
				TransactionID: 42,
				Command:       CmdCreateLink,
				Recipient:     RecipientName,
				SessionID:     1234,
				Response:      &Response{Success: true, Message: json.RawMessage(`{"CAS":"abc"}`)},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := tc.msg.Serialize()
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			got, err := Deserialize(wire)
			if err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
			if got.ControlType != tc.msg.ControlType ||
				got.TransactionID != tc.msg.TransactionID ||
				got.Command != tc.msg.Command ||
				got.Recipient != tc.msg.Recipient ||
				got.SessionID != tc.msg.SessionID {
				t.Errorf("header mismatch: %+v vs %+v", got, tc.msg)
			}
			if tc.msg.Response != nil {
				if got.Response == nil || got.Response.Success != tc.msg.Response.Success {
					t.Errorf("response mismatch: %+v", got.Response)
				}
			}
		})
	}
}

// TestDeserializeRejectsGarbage verifies malformed JSON yields a protocol
// error.
func TestDeserializeRejectsGarbage(t *testing.T) {
	if _, err := Deserialize([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed control")
	}
}

// TestMakeResponse verifies the in-place request→response conversion
// preserves the transaction id and flips the control type.
func TestMakeResponse(t *testing.T) {
	m, err := NewRequest(9, CmdEcho, EchoRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := m.MakeResponse(true, "hello"); err != nil {
		t.Fatalf("MakeResponse: %v", err)
	}
	if m.ControlType != TypeResponse {
		t.Errorf("ControlType = %q, want %q", m.ControlType, TypeResponse)
	}
	if m.TransactionID != 9 {
		t.Errorf("TransactionID = %d, want 9", m.TransactionID)
	}
	if m.Request != nil {
		t.Errorf("request body should be cleared")
	}
	if !m.Response.Success {
		t.Errorf("Success = false, want true")
	}
	var echoed string
	if err := json.Unmarshal(m.Response.Message, &echoed); err != nil || echoed != "hello" {
		t.Errorf("Message = %s (%v), want \"hello\"", m.Response.Message, err)
	}
}

// TestRequestBodyDecode verifies the typed request structures track the
// controller's field names.
func TestRequestBodyDecode(t *testing.T) {
	raw := `{
		"TunnelId": "T1", "NodeId": "N1", "TapName": "tap0", "MTU": 1410,
		"StunServers": ["stun.example:3478"],
		"TurnServers": [{"Address": "turn.example:3478", "User": "u", "Password": "p"}],
		"IgnoredNetInterfaces": ["lo"]
	}`
	var req CreateTunnelRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.TunnelID != "T1" || req.NodeID != "N1" || req.TapName != "tap0" || req.MTU != 1410 {
		t.Errorf("scalar fields mismatch: %+v", req)
	}
	if len(req.StunServers) != 1 || req.StunServers[0] != "stun.example:3478" {
		t.Errorf("stun servers mismatch: %v", req.StunServers)
	}
	if len(req.TurnServers) != 1 || req.TurnServers[0].User != "u" {
		t.Errorf("turn servers mismatch: %v", req.TurnServers)
	}

	rawLink := `{
		"TunnelId": "T1", "LinkId": "L1",
		"PeerInfo": {"UID": "N2", "CAS": "", "FPR": "sha-512 AA", "MAC": "001122334455"}
	}`
	var lreq CreateLinkRequest
	if err := json.Unmarshal([]byte(rawLink), &lreq); err != nil {
		t.Fatalf("unmarshal link: %v", err)
	}
	if lreq.LinkID != "L1" || lreq.PeerInfo.UID != "N2" || lreq.PeerInfo.FPR != "sha-512 AA" {
		t.Errorf("link fields mismatch: %+v", lreq)
	}
}
