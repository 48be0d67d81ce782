package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/pkg/events"
	"github.com/agentmux/agentmux/pkg/log"
	"github.com/agentmux/agentmux/pkg/metrics"
	"github.com/agentmux/agentmux/pkg/protocol"
	"github.com/agentmux/agentmux/pkg/pty"
)

// conn is one control-plane connection: a reader goroutine parsing
// envelopes and a serial writer goroutine draining a bounded queue.
// The writer never blocks producers; exceeding the byte budget destroys
// the connection.
type conn struct {
	id     string
	sock   net.Conn
	svc    *Service
	logger zerolog.Logger

	authToken   string
	maxBuffered int64

	authed bool

	writeCh     chan []byte
	queuedBytes int64

	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	streamIDs map[string]bool
	// attachID -> sessionID, so pty.detach and cleanup can release.
	attachments map[string]string
	eventSubs   map[string]bool
}

func newConn(sock net.Conn, svc *Service, authToken string, maxBuffered int) *conn {
	id := uuid.New().String()
	return &conn{
		id:          id,
		sock:        sock,
		svc:         svc,
		logger:      log.WithConnectionID(id),
		authToken:   authToken,
		maxBuffered: int64(maxBuffered),
		writeCh:     make(chan []byte, 4096),
		done:        make(chan struct{}),
		streamIDs:   make(map[string]bool),
		attachments: make(map[string]string),
		eventSubs:   make(map[string]bool),
	}
}

// serve runs the connection to completion.
func (c *conn) serve() {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()
	defer c.cleanup()

	go c.writeLoop()
	c.readLoop()
	c.destroy("closed")
}

func (c *conn) readLoop() {
	sc := protocol.NewLineScanner(c.sock)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe protocol.Probe
		if err := json.Unmarshal(line, &probe); err != nil {
			metrics.EnvelopeParseFailures.Inc()
			c.logger.Debug().Err(err).Msg("Malformed envelope")
			continue
		}

		if !c.authed && c.authToken != "" {
			c.handleAuth(line, probe)
			continue
		}

		switch probe.Kind {
		case protocol.KindAuth:
			// Re-auth on an authenticated connection is a no-op ack.
			c.send(protocol.AuthOK{Kind: protocol.KindAuthOK})
		case protocol.KindCommand:
			c.dispatchCommand(line, probe)
		case protocol.KindPtyInput:
			c.handleInput(line)
		case protocol.KindPtyResize:
			c.handleResize(line)
		case protocol.KindPtySignal:
			c.handleSignal(line)
		default:
			metrics.EnvelopeParseFailures.Inc()
		}
	}
}

// handleAuth processes the mandatory first envelope when a token is
// configured. Failure closes the connection after auth.fail.
func (c *conn) handleAuth(line []byte, probe protocol.Probe) {
	if probe.Kind != protocol.KindAuth {
		c.refuseAuth("authentication required")
		return
	}
	var auth protocol.Auth
	if err := json.Unmarshal(line, &auth); err != nil || auth.Token != c.authToken {
		c.refuseAuth("invalid auth token")
		return
	}
	c.authed = true
	c.send(protocol.AuthOK{Kind: protocol.KindAuthOK})
}

// refuseAuth writes auth.fail synchronously to the socket; destroy
// closes the socket immediately, so the queued writer would never flush
// the reason. Nothing else writes before auth succeeds.
func (c *conn) refuseAuth(reason string) {
	if data, err := protocol.Encode(protocol.AuthFail{Kind: protocol.KindAuthFail, Reason: reason}); err == nil {
		_ = c.sock.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_, _ = c.sock.Write(data)
	}
	c.destroy("auth")
}

func (c *conn) handleInput(line []byte) {
	var frame protocol.PtyInput
	if err := json.Unmarshal(line, &frame); err != nil {
		metrics.EnvelopeParseFailures.Inc()
		return
	}
	data, err := base64.StdEncoding.DecodeString(frame.DataBase64)
	if err != nil {
		metrics.EnvelopeParseFailures.Inc()
		return
	}
	// Streaming frames carry no error channel; failures are dropped.
	_, _ = c.svc.Registry().Input(frame.SessionID, c.id, data)
}

func (c *conn) handleResize(line []byte) {
	var frame protocol.PtyResize
	if err := json.Unmarshal(line, &frame); err != nil {
		metrics.EnvelopeParseFailures.Inc()
		return
	}
	_ = c.svc.Registry().Resize(frame.SessionID, c.id, frame.Cols, frame.Rows)
}

func (c *conn) handleSignal(line []byte) {
	var frame protocol.PtySignal
	if err := json.Unmarshal(line, &frame); err != nil {
		metrics.EnvelopeParseFailures.Inc()
		return
	}
	if !pty.ValidSignalKind(pty.SignalKind(frame.Signal)) {
		metrics.EnvelopeParseFailures.Inc()
		return
	}
	_ = c.svc.Registry().Signal(frame.SessionID, c.id, pty.SignalKind(frame.Signal))
}

// send encodes and enqueues one envelope. Drops (and destroys the
// connection) on overflow rather than blocking the caller.
func (c *conn) send(v interface{}) {
	data, err := protocol.Encode(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode envelope")
		return
	}
	if atomic.AddInt64(&c.queuedBytes, int64(len(data))) > c.maxBuffered {
		atomic.AddInt64(&c.queuedBytes, -int64(len(data)))
		c.destroy("overflow")
		return
	}
	select {
	case c.writeCh <- data:
	default:
		atomic.AddInt64(&c.queuedBytes, -int64(len(data)))
		c.destroy("overflow")
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.writeCh:
			if _, err := c.sock.Write(data); err != nil {
				c.destroy("error")
				return
			}
			atomic.AddInt64(&c.queuedBytes, -int64(len(data)))
		}
	}
}

// destroy closes the socket once; reason feeds the destroyed-connection
// metric.
func (c *conn) destroy(reason string) {
	c.closeOnce.Do(func() {
		metrics.ConnectionsDestroyed.WithLabelValues(reason).Inc()
		close(c.done)
		_ = c.sock.Close()
	})
}

// cleanup releases everything this connection owned: attachments, event
// subscriptions, controller claims, and stream subscriptions.
func (c *conn) cleanup() {
	c.svc.Registry().ReleaseConnection(c.id)

	c.mu.Lock()
	streams := make([]string, 0, len(c.streamIDs))
	for id := range c.streamIDs {
		streams = append(streams, id)
	}
	c.streamIDs = map[string]bool{}
	c.attachments = map[string]string{}
	c.eventSubs = map[string]bool{}
	c.mu.Unlock()

	for _, id := range streams {
		c.svc.Bus().Unsubscribe(id)
	}
}

// outputSink delivers one PTY chunk as a pty.output envelope.
func (c *conn) outputSink(sessionID string, cursor uint64, chunk []byte) {
	c.send(protocol.PtyOutput{
		Kind:         protocol.KindPtyOutput,
		SessionID:    sessionID,
		OutputCursor: cursor,
		ChunkBase64:  base64.StdEncoding.EncodeToString(chunk),
	})
}

// eventSink delivers a structured session event as a pty.event envelope.
func (c *conn) eventSink(sessionID string, event interface{}) {
	c.send(protocol.PtyEvent{
		Kind:      protocol.KindPtyEvent,
		SessionID: sessionID,
		Event:     event,
	})
}

// exitSink delivers the terminal exit as a pty.exit envelope.
func (c *conn) exitSink(sessionID string, code *int, signal *string) {
	c.send(protocol.PtyExit{
		Kind:      protocol.KindPtyExit,
		SessionID: sessionID,
		Code:      code,
		Signal:    signal,
	})
}

// streamSink delivers one journaled event as a stream.event envelope.
func (c *conn) streamSink(subscriptionID string, cursor uint64, ev *events.Event) {
	c.send(protocol.StreamEvent{
		Kind:           protocol.KindStreamEvent,
		SubscriptionID: subscriptionID,
		Cursor:         cursor,
		Event:          ev,
	})
}

func (c *conn) trackAttachment(attachID, sessionID string) {
	c.mu.Lock()
	c.attachments[attachID] = sessionID
	c.mu.Unlock()
}

func (c *conn) forgetAttachment(attachID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, ok := c.attachments[attachID]
	delete(c.attachments, attachID)
	return sessionID, ok
}

func (c *conn) trackStream(subscriptionID string) {
	c.mu.Lock()
	c.streamIDs[subscriptionID] = true
	c.mu.Unlock()
}

func (c *conn) forgetStream(subscriptionID string) {
	c.mu.Lock()
	delete(c.streamIDs, subscriptionID)
	c.mu.Unlock()
}
