// Package bridge feeds messages from an external NATS deployment into
// local topics. It is optional: the broker is fully functional without a
// NATS connection, and the bridge never creates topics on its own.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"pubsubd/internal/broker"
)

// Bridge consumes "<prefix>.>" subjects and republishes each message into
// the local topic named by the subject suffix. "pubsub.orders" lands in
// topic "orders"; "pubsub.orders.eu" lands in "orders.eu".
type Bridge struct {
	registry *broker.Registry
	logger   zerolog.Logger
	prefix   string

	nc  *nats.Conn
	sub *nats.Subscription

	ingested uint64
	skipped  uint64
}

// New creates an unconnected bridge.
func New(registry *broker.Registry, prefix string, logger zerolog.Logger) *Bridge {
	return &Bridge{
		registry: registry,
		logger:   logger.With().Str("component", "bridge").Logger(),
		prefix:   prefix,
	}
}

// Start connects to NATS and subscribes to the bridge subject space.
func (b *Bridge) Start(url string) error {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	b.nc = nc

	subject := b.prefix + ".>"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		b.ingest(msg.Subject, msg.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.sub = sub

	b.logger.Info().Str("url", url).Str("subject", subject).Msg("ingest bridge started")
	return nil
}

// ingest publishes one upstream message into its local topic. Payloads
// must be valid JSON (they are forwarded verbatim inside event frames);
// anything else is counted and skipped. Unknown topics are skipped too:
// the bridge does not auto-create.
func (b *Bridge) ingest(subject string, data []byte) {
	topic := strings.TrimPrefix(subject, b.prefix+".")
	if topic == "" || topic == subject {
		atomic.AddUint64(&b.skipped, 1)
		return
	}
	if !json.Valid(data) {
		atomic.AddUint64(&b.skipped, 1)
		b.logger.Debug().Str("subject", subject).Msg("skipping non-JSON payload")
		return
	}

	if _, _, err := b.registry.Publish(topic, broker.Message{Payload: data}); err != nil {
		atomic.AddUint64(&b.skipped, 1)
		b.logger.Debug().Str("topic", topic).Msg("skipping message for unknown topic")
		return
	}
	atomic.AddUint64(&b.ingested, 1)
}

// Ingested returns the number of messages republished locally.
func (b *Bridge) Ingested() uint64 {
	return atomic.LoadUint64(&b.ingested)
}

// Skipped returns the number of messages dropped by the bridge.
func (b *Bridge) Skipped() uint64 {
	return atomic.LoadUint64(&b.skipped)
}

// Close unsubscribes and drains the NATS connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
}
