// Package errs defines the agent's error kinds. Handlers wrap causes with
// %w so policy code can classify failures with errors.Is.
package errs

import "errors"

var (
	// ErrConfig marks bad arguments from the controller or CLI.
	ErrConfig = errors.New("config error")
	// ErrSystem marks a syscall failure (socket/ioctl/open/read/write).
	ErrSystem = errors.New("system error")
	// ErrProtocol marks a malformed control message, unknown command, or
	// unknown transaction id.
	ErrProtocol = errors.New("protocol error")
	// ErrState marks an operation invalid in the current state.
	ErrState = errors.New("state error")
	// ErrTransport marks an ICE/DTLS failure surfaced by the transport.
	ErrTransport = errors.New("transport error")
)
