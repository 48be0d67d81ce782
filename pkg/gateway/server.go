package gateway

import (
	"errors"
	"net"
	"sync"

	"github.com/agentmux/agentmux/pkg/config"
	"github.com/agentmux/agentmux/pkg/log"
	"github.com/agentmux/agentmux/pkg/metrics"
)

// Server is the control-plane TCP listener. Each accepted connection
// gets its own reader and writer goroutines.
type Server struct {
	cfg *config.Config
	svc *Service

	listener net.Listener

	mu      sync.Mutex
	conns   map[*conn]bool
	closing bool
	wg      sync.WaitGroup
}

// NewServer creates the control-plane server.
func NewServer(cfg *config.Config, svc *Service) *Server {
	return &Server{
		cfg:   cfg,
		svc:   svc,
		conns: make(map[*conn]bool),
	}
}

// Start binds the listener and begins accepting. Returns once bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	metrics.RegisterComponent("control", true, "")
	ctrlLog := log.WithComponent("control")
	ctrlLog.Info().Str("addr", listener.Addr().String()).Msg("Control-plane listener started")
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	ctrlLog := log.WithComponent("control")
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			ctrlLog.Warn().Err(err).Msg("Accept failed")
			continue
		}

		c := newConn(sock, s.svc, s.cfg.AuthToken, s.cfg.Connection.MaxBufferedBytes)
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = sock.Close()
			return
		}
		s.conns[c] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// Stop closes the listener and every open connection, then waits.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range conns {
		c.destroy("closed")
	}
	s.wg.Wait()
	ctrlLog := log.WithComponent("control")
	ctrlLog.Info().Msg("Control-plane listener stopped")
}
