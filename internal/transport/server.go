// Package transport owns the data-plane listener: it accepts TCP
// connections, performs the WebSocket upgrade with gobwas/ws, and hands
// each connection to a session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"pubsubd/internal/broker"
	"pubsubd/internal/metrics"
	"pubsubd/internal/session"
)

const handshakeTimeout = 10 * time.Second

// Config carries the listener settings.
type Config struct {
	// Addr is the TCP listen address for the WebSocket data plane.
	Addr string
	// MaxSessions caps concurrent sessions; 0 = unlimited. Over-cap
	// handshakes are rejected with HTTP 503 before the upgrade completes.
	MaxSessions int
	// Session is applied to every accepted session.
	Session session.Config
}

// Server accepts connections and runs sessions until stopped.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	registry *broker.Registry
	metrics  *metrics.Metrics

	listener net.Listener
	nextID   uint64
	active   sync.Map // session id -> *session.Session
	count    int64
	wg       sync.WaitGroup
}

// NewServer creates an unstarted server.
func NewServer(cfg Config, registry *broker.Registry, logger zerolog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "transport").Logger(),
		registry: registry,
		metrics:  m,
	}
}

// Start binds the listener and launches the accept loop. A bind failure is
// returned to the caller (the supervisor exits non-zero on it).
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("data plane listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Addr returns the bound listener address, useful with ":0" in tests.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	return int(atomic.LoadInt64(&s.count))
}

// Stop closes the listener, then gives running sessions until ctx expires
// to drain before force-closing them.
func (s *Server) Stop(ctx context.Context) {
	if s.listener != nil {
		_ = s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Int("sessions", s.SessionCount()).Msg("grace period expired, forcing sessions closed")
		s.active.Range(func(_, v any) bool {
			v.(*session.Session).Close()
			return true
		})
		<-done
	}
	s.logger.Info().Msg("transport stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// The slot is reserved before the upgrade completes, so two concurrent
	// handshakes cannot both pass an almost-full cap.
	reserved := false
	upgrader := ws.Upgrader{
		OnRequest: func([]byte) error {
			n := atomic.AddInt64(&s.count, 1)
			if s.cfg.MaxSessions > 0 && n > int64(s.cfg.MaxSessions) {
				atomic.AddInt64(&s.count, -1)
				return ws.RejectConnectionError(
					ws.RejectionStatus(503),
					ws.RejectionReason("session limit reached"),
				)
			}
			reserved = true
			return nil
		},
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := upgrader.Upgrade(conn); err != nil {
		if reserved {
			atomic.AddInt64(&s.count, -1)
		}
		s.logger.Debug().Err(err).Msg("upgrade rejected")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	id := fmt.Sprintf("s-%d", atomic.AddUint64(&s.nextID, 1))
	sess := session.New(id, conn, s.registry, s.cfg.Session, s.logger, s.metrics)

	s.active.Store(id, sess)
	defer func() {
		s.active.Delete(id)
		atomic.AddInt64(&s.count, -1)
	}()

	sess.Run(ctx)
}
