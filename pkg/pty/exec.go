package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// ExecFactory spawns children with plain pipes. Resize is a no-op and
// Snapshot returns the tail of recent output; a terminal-emulating
// factory can replace it without touching the gateway.
type ExecFactory struct {
	// SnapshotBytes bounds the retained output tail. Zero means 64 KiB.
	SnapshotBytes int
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu   sync.Mutex
	tail []byte
	max  int

	closeOnce sync.Once
}

// Start launches the child and begins pumping output. OnExit fires once
// the process ends and the output pump drains.
func (f *ExecFactory) Start(ctx context.Context, spec StartSpec, callbacks Callbacks) (Process, error) {
	max := f.SnapshotBytes
	if max <= 0 {
		max = 64 * 1024
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin, max: max}

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				p.appendTail(chunk)
				if callbacks.OnOutput != nil {
					callbacks.OnOutput(chunk)
				}
			}
			if err != nil {
				break
			}
		}

		err := cmd.Wait()
		code, signal := exitStatus(err)
		if callbacks.OnExit != nil {
			callbacks.OnExit(code, signal)
		}
	}()

	return p, nil
}

func exitStatus(err error) (*int, *string) {
	if err == nil {
		zero := 0
		return &zero, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal().String()
			return nil, &sig
		}
		code := exitErr.ExitCode()
		return &code, nil
	}
	code := -1
	return &code, nil
}

func (p *execProcess) appendTail(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, chunk...)
	if len(p.tail) > p.max {
		p.tail = p.tail[len(p.tail)-p.max:]
	}
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Write(data []byte) error {
	_, err := p.stdin.Write(data)
	return err
}

func (p *execProcess) Resize(cols, rows int) error { return nil }

func (p *execProcess) Signal(kind SignalKind) error {
	switch kind {
	case SignalInterrupt:
		return p.cmd.Process.Signal(syscall.SIGINT)
	case SignalTerminate:
		return p.cmd.Process.Signal(syscall.SIGTERM)
	case SignalEOF:
		return p.stdin.Close()
	}
	return fmt.Errorf("unknown signal kind: %s", kind)
}

func (p *execProcess) Snapshot() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := make([]byte, len(p.tail))
	copy(snap, p.tail)
	return snap, nil
}

func (p *execProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}
