// Package pty declares the interfaces the gateway consumes from the
// child PTY process library. The library itself is an external
// collaborator: the gateway only needs a factory that produces a live
// process with write/resize/signal/snapshot/close, plus callbacks for
// output and exit.
package pty

import "context"

// SignalKind is the signal surface exposed to clients.
type SignalKind string

const (
	SignalInterrupt SignalKind = "interrupt"
	SignalTerminate SignalKind = "terminate"
	SignalEOF       SignalKind = "eof"
)

// ValidSignalKind reports whether k is a known signal kind.
func ValidSignalKind(k SignalKind) bool {
	switch k {
	case SignalInterrupt, SignalTerminate, SignalEOF:
		return true
	}
	return false
}

// StartSpec describes the child process to spawn.
type StartSpec struct {
	Command string
	Args    []string
	Cwd     string
	Env     []string
	Cols    int
	Rows    int
}

// Callbacks receive asynchronous process activity. OnOutput is invoked
// from the producer's goroutine in emission order; OnExit fires exactly
// once.
type Callbacks struct {
	OnOutput func(chunk []byte)
	OnExit   func(code *int, signal *string)
}

// Process is a live PTY-backed child process.
type Process interface {
	// PID returns the child process id.
	PID() int
	// Write delivers raw input bytes to the PTY.
	Write(data []byte) error
	// Resize changes the terminal dimensions.
	Resize(cols, rows int) error
	// Signal sends interrupt/terminate/eof to the child.
	Signal(kind SignalKind) error
	// Snapshot returns a serialized terminal snapshot.
	Snapshot() ([]byte, error)
	// Close tears the process down. Idempotent.
	Close() error
}

// Factory produces live processes. The gateway holds exactly one.
type Factory interface {
	Start(ctx context.Context, spec StartSpec, callbacks Callbacks) (Process, error)
}
