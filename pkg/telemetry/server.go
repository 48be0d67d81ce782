package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/agentmux/agentmux/pkg/log"
	"github.com/agentmux/agentmux/pkg/metrics"
)

// Sink receives normalized events for one session. Called on the request
// goroutine; implementations should be quick.
type Sink func(sessionID string, events []Event)

// ServerConfig configures the telemetry HTTP listener.
type ServerConfig struct {
	Addr          string
	LifecycleFast bool
	MaxBodyBytes  int64
}

// Server is the per-session telemetry ingest listener. Agents post
// OTLP-shaped JSON to /v1/{logs,metrics,traces}/<token>; the token in
// the path identifies the session.
type Server struct {
	cfg        ServerConfig
	tokens     *TokenRegistry
	sink       Sink
	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a telemetry server. The sink receives every batch
// that resolves to a known session token.
func NewServer(cfg ServerConfig, tokens *TokenRegistry, sink Sink) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	return &Server{
		cfg:    cfg,
		tokens: tokens,
		sink:   sink,
	}
}

// Start binds the listener and begins serving. Returns once the
// listener is bound; serving continues until Stop.
func (s *Server) Start() error {
	router := httprouter.New()
	router.POST("/v1/logs/:token", s.handleSignal("logs"))
	router.POST("/v1/metrics/:token", s.handleSignal("metrics"))
	router.POST("/v1/traces/:token", s.handleSignal("traces"))
	router.Handler(http.MethodGet, "/healthz", metrics.HealthHandler())
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind telemetry listener: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	telemLog := log.WithComponent("telemetry")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			telemLog.Error().Err(err).Msg("Telemetry listener stopped")
			metrics.UpdateComponent("telemetry", false, err.Error())
		}
	}()

	metrics.RegisterComponent("telemetry", true, "")
	telemLog.Info().Str("addr", listener.Addr().String()).Msg("Telemetry listener started")
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the listener down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSignal(signal string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		code := s.ingest(signal, w, r, params.ByName("token"))
		if code > 0 {
			metrics.TelemetryRequests.WithLabelValues(signal, strconv.Itoa(code)).Inc()
		}
	}
}

// ingest returns the HTTP status written, or 0 when the client went
// away before the body arrived.
func (s *Server) ingest(signal string, w http.ResponseWriter, r *http.Request, token string) int {
	sessionID, ok := s.tokens.Lookup(token)
	if !ok {
		http.Error(w, "unknown token", http.StatusNotFound)
		return http.StatusNotFound
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		// Client aborted mid-body. Nothing useful to respond with.
		telemLog := log.WithComponent("telemetry")
		telemLog.Debug().Err(err).Str("signal", signal).Msg("Telemetry body read aborted")
		return 0
	}

	now := time.Now()
	var events []Event
	switch signal {
	case "logs":
		events, err = NormalizeLogs(body, s.cfg.LifecycleFast, now)
	case "metrics":
		events, err = NormalizeMetrics(body, now)
	case "traces":
		events, err = NormalizeTraces(body, now)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return http.StatusBadRequest
	}

	if len(events) > 0 {
		for _, ev := range events {
			metrics.TelemetryEventsIngested.WithLabelValues(ev.Source).Inc()
		}
		s.sink(sessionID, events)
	}

	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}
