// Package protocol defines the control-plane wire protocol: UTF-8,
// LF-terminated JSON envelopes over a loopback TCP socket. Each envelope
// carries a kind plus kind-specific fields; commands additionally carry a
// requestId echoed on the response.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Envelope kinds sent by clients.
const (
	KindAuth      = "auth"
	KindCommand   = "command"
	KindPtyInput  = "pty.input"
	KindPtyResize = "pty.resize"
	KindPtySignal = "pty.signal"
)

// Envelope kinds sent by the gateway.
const (
	KindAuthOK        = "auth.ok"
	KindAuthFail      = "auth.fail"
	KindCommandResult = "command.result"
	KindCommandError  = "command.error"
	KindPtyOutput     = "pty.output"
	KindPtyEvent      = "pty.event"
	KindPtyExit       = "pty.exit"
	KindStreamEvent   = "stream.event"
)

// Probe is the first-pass parse of any inbound envelope.
type Probe struct {
	Kind      string `json:"kind"`
	RequestID string `json:"requestId,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Auth is the first client envelope when a token is configured.
type Auth struct {
	Kind  string `json:"kind"`
	Token string `json:"token"`
}

// AuthOK acknowledges authentication.
type AuthOK struct {
	Kind string `json:"kind"`
}

// AuthFail rejects authentication; the connection closes after it.
type AuthFail struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// CommandResult is the success response for one command.
type CommandResult struct {
	Kind      string      `json:"kind"`
	RequestID string      `json:"requestId"`
	Result    interface{} `json:"result"`
}

// CommandError is the failure response for one command. Message carries
// the domain error verbatim, prefixed with its kind.
type CommandError struct {
	Kind      string `json:"kind"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// PtyInput carries raw input bytes for a session.
type PtyInput struct {
	Kind       string `json:"kind"`
	SessionID  string `json:"sessionId"`
	DataBase64 string `json:"dataBase64"`
}

// PtyResize changes terminal dimensions.
type PtyResize struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// PtySignal delivers interrupt/terminate/eof.
type PtySignal struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	Signal    string `json:"signal"`
}

// PtyOutput is one output chunk on the fast path.
type PtyOutput struct {
	Kind         string `json:"kind"`
	SessionID    string `json:"sessionId"`
	OutputCursor uint64 `json:"outputCursor"`
	ChunkBase64  string `json:"chunkBase64"`
}

// PtyEvent is a structured session event for event subscribers.
type PtyEvent struct {
	Kind      string      `json:"kind"`
	SessionID string      `json:"sessionId"`
	Event     interface{} `json:"event"`
}

// PtyExit notifies a session's process exit.
type PtyExit struct {
	Kind      string  `json:"kind"`
	SessionID string  `json:"sessionId"`
	Code      *int    `json:"code"`
	Signal    *string `json:"signal"`
}

// StreamEvent delivers one journaled observed event to a subscription.
type StreamEvent struct {
	Kind           string      `json:"kind"`
	SubscriptionID string      `json:"subscriptionId"`
	Cursor         uint64      `json:"cursor"`
	Event          interface{} `json:"event"`
}

// MaxLineBytes bounds a single envelope line.
const MaxLineBytes = 8 << 20

// Encode marshals an envelope and appends the LF terminator.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return append(data, '\n'), nil
}

// NewLineScanner returns a scanner sized for protocol lines.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return sc
}
