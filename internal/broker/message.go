// Package broker implements the in-memory pub/sub data plane: the topic
// registry, per-topic history rings, and per-subscription bounded delivery
// queues with a drop-oldest overflow policy.
package broker

import (
	"encoding/json"
	"time"
)

// Message is a single published unit. ID is client-supplied and opaque (the
// broker does not deduplicate). Payload is preserved verbatim and never
// interpreted. Timestamp and Seq are assigned by the broker at admission;
// after that the message is immutable.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}
