// Package session implements the per-connection state machine over an
// upgraded WebSocket connection: one reader goroutine that parses and
// dispatches requests, one writer goroutine that owns the wire, and one
// pump goroutine per subscription moving messages from its delivery queue
// onto the writer's stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pubsubd/internal/broker"
	"pubsubd/internal/metrics"
	"pubsubd/internal/protocol"
)

// Session lifecycle states.
const (
	StateOpen int32 = iota
	StateClosing
	StateClosed
)

// Config carries the per-session limits.
type Config struct {
	// MaxPayloadBytes rejects publish payloads larger than M.
	MaxPayloadBytes int
	// MaxSubscriptions caps live subscriptions per session; 0 = unlimited.
	MaxSubscriptions int
	// SendBuffer sizes the outbound frame channel.
	SendBuffer int
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration
	// IdleTimeout is the read deadline, refreshed on every inbound frame.
	IdleTimeout time.Duration
	// RateLimit / RateBurst throttle inbound frames per second; 0 disables.
	RateLimit int
	RateBurst int
}

// Session is one client connection. The reader owns subs; the writer owns
// the wire. They share nothing but the out channel: subscription-end is
// observed by the writer as an "unsubscribed" frame on that same stream.
type Session struct {
	id       string
	conn     net.Conn
	registry *broker.Registry
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	out         chan *protocol.ServerFrame
	subs        map[string]*broker.Subscription
	limiter     *rate.Limiter
	state       atomic.Int32
	writeFailed atomic.Bool
	pumps       sync.WaitGroup
	writerDone  chan struct{}
}

// New creates a session over an already-upgraded connection.
func New(id string, conn net.Conn, registry *broker.Registry, cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Session {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	s := &Session{
		id:         id,
		conn:       conn,
		registry:   registry,
		cfg:        cfg,
		logger:     logger.With().Str("component", "session").Str("session_id", id).Logger(),
		metrics:    m,
		out:        make(chan *protocol.ServerFrame, cfg.SendBuffer),
		subs:       make(map[string]*broker.Subscription),
		writerDone: make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = cfg.RateLimit
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// ID returns the broker-assigned session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() int32 {
	return s.state.Load()
}

// Close forces the session down. Safe to call from any goroutine; the
// read loop unblocks and Run performs the ordinary teardown.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.conn.Close()
}

// Run drives the session until the connection drops or Close is called.
// It blocks; the caller owns the goroutine.
func (s *Session) Run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
		defer s.metrics.SessionsActive.Dec()
	}

	go s.writeLoop()

	s.post(protocol.Connected(s.id))
	s.logger.Debug().Msg("session open")

	s.readLoop()
	s.teardown()
}

func (s *Session) readLoop() {
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		data, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			// Transport error, peer close, or forced Close; all of them
			// end the session.
			s.logger.Debug().Err(err).Msg("read loop ended")
			return
		}
		if op != ws.OpText {
			continue
		}
		s.handleFrame(data)
	}
}

// teardown moves the session OPEN → CLOSING → CLOSED: every owned
// subscription is removed from its topic, the pumps drain out, the writer
// flushes what it can, and the connection is released.
func (s *Session) teardown() {
	s.state.Store(StateClosing)
	s.cancel()

	for topicName, sub := range s.subs {
		// A closed queue means the topic already went away; unsubscribing
		// by name here could hit an unrelated recreated topic.
		if !sub.Queue().Closed() {
			if t, ok := s.registry.Get(topicName); ok {
				t.Unsubscribe(sub.ClientID)
			}
		}
		delete(s.subs, topicName)
	}
	s.pumps.Wait()

	close(s.out)
	<-s.writerDone
	_ = s.conn.Close()

	s.state.Store(StateClosed)
	s.logger.Debug().Msg("session closed")
}

// writeLoop is the sole writer to the connection. After a wire error it
// keeps consuming (and discarding) frames so pumps never block forever.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for f := range s.out {
		if s.writeFailed.Load() {
			continue
		}
		data, err := protocol.Encode(f)
		if err != nil {
			s.logger.Error().Err(err).Str("frame_type", f.Type).Msg("frame encode failed")
			continue
		}
		if s.cfg.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if err := wsutil.WriteServerMessage(s.conn, ws.OpText, data); err != nil {
			s.logger.Debug().Err(err).Msg("write failed, closing session")
			s.writeFailed.Store(true)
			s.cancel()
			_ = s.conn.Close()
		}
	}
}

// post hands a frame to the writer. It blocks on a full channel but never
// past session cancellation, so teardown cannot deadlock.
func (s *Session) post(f *protocol.ServerFrame) {
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

func (s *Session) postError(f *protocol.ServerFrame) {
	if s.metrics != nil && f.Error != nil {
		s.metrics.ProtocolErrors.WithLabelValues(f.Error.Code).Inc()
	}
	s.post(f)
}

func (s *Session) handleFrame(data []byte) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.postError(protocol.ErrorFrame("", protocol.CodeRateLimited,
			fmt.Sprintf("request rate above %d/s, frame dropped", s.cfg.RateLimit)))
		return
	}

	f, werr := protocol.Decode(data)
	if werr != nil {
		// The session stays OPEN; only transport errors close it.
		s.postError(&protocol.ServerFrame{Type: protocol.TypeError, Error: werr, Ts: time.Now().UTC()})
		return
	}

	switch f.Type {
	case protocol.TypeSubscribe:
		s.handleSubscribe(f)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(f)
	case protocol.TypePublish:
		s.handlePublish(f)
	case protocol.TypePing:
		s.post(protocol.Pong(f.RequestID))
	default:
		s.postError(protocol.ErrorFrame(f.RequestID, protocol.CodeInvalidType,
			fmt.Sprintf("unknown request type %q", f.Type)))
	}
}

func (s *Session) handleSubscribe(f *protocol.ClientFrame) {
	switch {
	case f.Topic == "":
		s.postError(protocol.InvalidArgument(f.RequestID, "topic", "subscribe requires a topic"))
		return
	case f.ClientID == "":
		s.postError(protocol.InvalidArgument(f.RequestID, "client_id", "subscribe requires a client_id"))
		return
	case f.LastN < 0:
		s.postError(protocol.InvalidArgument(f.RequestID, "last_n", "last_n must be >= 0"))
		return
	}

	if prev, ok := s.subs[f.Topic]; ok {
		if !prev.Queue().Closed() {
			// Idempotent: already live on this session, no duplicate delivery.
			s.post(protocol.Ack(f.RequestID, f.Topic))
			return
		}
		// The topic was deleted under this subscription; a fresh subscribe
		// against a recreated topic starts over.
		delete(s.subs, f.Topic)
	}
	if s.cfg.MaxSubscriptions > 0 && len(s.subs) >= s.cfg.MaxSubscriptions {
		s.postError(protocol.ErrorFrame(f.RequestID, protocol.CodeTooManySubscriptions,
			fmt.Sprintf("session subscription cap is %d", s.cfg.MaxSubscriptions)))
		return
	}

	t, ok := s.registry.Get(f.Topic)
	if !ok {
		s.postError(protocol.ErrorFrame(f.RequestID, protocol.CodeTopicNotFound,
			fmt.Sprintf("topic %q does not exist", f.Topic)))
		return
	}

	sub, created, err := t.Subscribe(f.ClientID, f.LastN)
	if err != nil {
		// Topic was deleted between lookup and subscribe.
		s.postError(protocol.ErrorFrame(f.RequestID, protocol.CodeTopicNotFound,
			fmt.Sprintf("topic %q does not exist", f.Topic)))
		return
	}
	if created {
		s.subs[f.Topic] = sub
		if s.metrics != nil {
			s.metrics.SubscriptionsActive.Inc()
		}
		s.pumps.Add(1)
		go s.pump(sub)
		s.logger.Debug().Str("topic", f.Topic).Str("client_id", f.ClientID).Int("last_n", f.LastN).Msg("subscribed")
	}
	// Existing subscription owned elsewhere: success, but delivery stays
	// with the consumer already attached to the queue.
	s.post(protocol.Ack(f.RequestID, f.Topic))
}

func (s *Session) handleUnsubscribe(f *protocol.ClientFrame) {
	switch {
	case f.Topic == "":
		s.postError(protocol.InvalidArgument(f.RequestID, "topic", "unsubscribe requires a topic"))
		return
	case f.ClientID == "":
		s.postError(protocol.InvalidArgument(f.RequestID, "client_id", "unsubscribe requires a client_id"))
		return
	}

	t, ok := s.registry.Get(f.Topic)
	if !ok {
		s.postError(protocol.ErrorFrame(f.RequestID, protocol.CodeTopicNotFound,
			fmt.Sprintf("topic %q does not exist", f.Topic)))
		return
	}

	// Only the subscription this session owns, under its own client id, is
	// removed; a mismatched client_id must not orphan the live one.
	if sub, owned := s.subs[f.Topic]; owned && sub.ClientID == f.ClientID {
		delete(s.subs, f.Topic)
		if !sub.Queue().Closed() {
			t.Unsubscribe(f.ClientID)
		}
	}
	// Idempotent: removing an absent subscription still acks.
	s.post(protocol.Ack(f.RequestID, f.Topic))
	s.logger.Debug().Str("topic", f.Topic).Str("client_id", f.ClientID).Msg("unsubscribed")
}

func (s *Session) handlePublish(f *protocol.ClientFrame) {
	switch {
	case f.Topic == "":
		s.postError(protocol.InvalidArgument(f.RequestID, "topic", "publish requires a topic"))
		return
	case f.Message == nil:
		s.postError(protocol.InvalidArgument(f.RequestID, "message", "publish requires a message"))
		return
	case len(f.Message.Payload) == 0:
		s.postError(protocol.InvalidArgument(f.RequestID, "message.payload", "publish requires a message payload"))
		return
	}
	if s.cfg.MaxPayloadBytes > 0 && len(f.Message.Payload) > s.cfg.MaxPayloadBytes {
		s.postError(protocol.ErrorFrame(f.RequestID, protocol.CodePayloadTooLarge,
			fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(f.Message.Payload), s.cfg.MaxPayloadBytes)))
		return
	}

	seq, _, err := s.registry.Publish(f.Topic, broker.Message{
		ID:      f.Message.ID,
		Payload: f.Message.Payload,
	})
	if err != nil {
		s.postError(protocol.ErrorFrame(f.RequestID, protocol.CodeTopicNotFound,
			fmt.Sprintf("topic %q does not exist", f.Topic)))
		return
	}
	s.post(protocol.PublishAck(f.RequestID, f.Topic, seq))
}

// pump drains one subscription's delivery queue onto the writer stream in
// FIFO order. Each event carries the drop-count delta accumulated since
// the previous delivered event. When the queue closes the pump posts an
// unsubscribed notice, so the writer (and the client) observe the end of
// the subscription in-stream.
func (s *Session) pump(sub *broker.Subscription) {
	defer s.pumps.Done()
	defer func() {
		if s.metrics != nil {
			s.metrics.SubscriptionsActive.Dec()
		}
	}()

	q := sub.Queue()
	var reported uint64
	for {
		m, err := q.Next(s.ctx)
		if err != nil {
			if errors.Is(err, broker.ErrQueueClosed) {
				s.post(protocol.Unsubscribed(sub.Topic))
			}
			return
		}

		var delta uint64
		if d := q.Dropped(); d > reported {
			delta = d - reported
			reported = d
			if s.metrics != nil {
				s.metrics.MessagesDropped.Add(float64(delta))
			}
		}
		s.post(protocol.Event(sub.Topic, &protocol.EventMessage{
			ID:        m.ID,
			Payload:   m.Payload,
			Timestamp: m.Timestamp,
			Seq:       m.Seq,
		}, delta))
	}
}
