// Package client implements a control-plane client over the LF-JSON
// TCP protocol. It serializes commands, matches responses by request
// id, and surfaces asynchronous frames (output, events, stream events)
// on a channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/pkg/protocol"
)

// Frame is one asynchronous envelope received outside command matching.
type Frame struct {
	Kind string
	Raw  []byte
}

// Client is a single control-plane connection. Safe for concurrent
// commands.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	closed  bool
	readErr error

	frames chan Frame
	done   chan struct{}
}

type response struct {
	result  json.RawMessage
	message string
}

// Dial connects and authenticates. An empty token skips the auth
// handshake.
func Dial(ctx context.Context, addr, token string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan response),
		frames:  make(chan Frame, 256),
		done:    make(chan struct{}),
	}

	if token != "" {
		if err := c.authenticate(ctx, token); err != nil {
			conn.Close()
			return nil, err
		}
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, token string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := c.writeEnvelope(protocol.Auth{Kind: protocol.KindAuth, Token: token}); err != nil {
		return err
	}
	sc := protocol.NewLineScanner(c.conn)
	if !sc.Scan() {
		return fmt.Errorf("connection closed during auth")
	}
	var probe protocol.Probe
	if err := json.Unmarshal(sc.Bytes(), &probe); err != nil {
		return fmt.Errorf("failed to parse auth response: %w", err)
	}
	if probe.Kind != protocol.KindAuthOK {
		var fail protocol.AuthFail
		_ = json.Unmarshal(sc.Bytes(), &fail)
		return fmt.Errorf("authentication failed: %s", fail.Reason)
	}
	return nil
}

// Frames returns the asynchronous frame channel. Frames are dropped
// when the channel is full.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

// Command sends one command and waits for its response. Extra fields in
// params are merged into the envelope. A non-nil out receives the
// decoded result.
func (c *Client) Command(ctx context.Context, cmdType string, params map[string]interface{}, out interface{}) error {
	requestID := uuid.New().String()

	envelope := make(map[string]interface{}, len(params)+3)
	for k, v := range params {
		envelope[k] = v
	}
	envelope["kind"] = protocol.KindCommand
	envelope["requestId"] = requestID
	envelope["type"] = cmdType

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is closed")
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	if err := c.writeEnvelope(envelope); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed: %w", c.readErr)
	case resp := <-ch:
		if resp.message != "" {
			return errors.New(resp.message)
		}
		if out != nil && len(resp.result) > 0 {
			if err := json.Unmarshal(resp.result, out); err != nil {
				return fmt.Errorf("failed to decode result: %w", err)
			}
		}
		return nil
	}
}

// Send writes one raw envelope, for the streaming fast path (pty.input,
// pty.resize, pty.signal).
func (c *Client) Send(v interface{}) error {
	return c.writeEnvelope(v)
}

func (c *Client) writeEnvelope(v interface{}) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

func (c *Client) readLoop() {
	sc := protocol.NewLineScanner(c.conn)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())

		var probe protocol.Probe
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}

		switch probe.Kind {
		case protocol.KindCommandResult:
			var result struct {
				RequestID string          `json:"requestId"`
				Result    json.RawMessage `json:"result"`
			}
			if err := json.Unmarshal(line, &result); err == nil {
				c.deliver(result.RequestID, response{result: result.Result})
			}
		case protocol.KindCommandError:
			var fail protocol.CommandError
			if err := json.Unmarshal(line, &fail); err == nil {
				c.deliver(fail.RequestID, response{message: fail.Message})
			}
		default:
			select {
			case c.frames <- Frame{Kind: probe.Kind, Raw: line}:
			default:
			}
		}
	}

	c.mu.Lock()
	c.readErr = sc.Err()
	if c.readErr == nil {
		c.readErr = errors.New("EOF")
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) deliver(requestID string, resp response) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
