// Package protocol defines the text frames exchanged over the duplex
// channel and the codec that parses and serializes them. Frames are JSON
// objects with a string "type"; seq and timestamp fields are always
// broker-assigned.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client → server request types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypePing        = "ping"
)

// Server → client frame types.
const (
	TypeConnected    = "connected"
	TypeAck          = "ack"
	TypePong         = "pong"
	TypeError        = "error"
	TypeEvent        = "event"
	TypeUnsubscribed = "unsubscribed"
)

// Stable error codes clients may branch on.
const (
	CodeBadFrame             = "bad-frame"
	CodeInvalidType          = "invalid-type"
	CodeInvalidArgument      = "invalid-argument"
	CodeTopicNotFound        = "topic-not-found"
	CodeTopicExists          = "topic-exists"
	CodeInvalidName          = "invalid-name"
	CodePayloadTooLarge      = "payload-too-large"
	CodeTooManySubscriptions = "too-many-subscriptions"
	CodeTooManyTopics        = "too-many-topics"
	CodeRateLimited          = "rate-limited"
	CodeInternal             = "internal"
)

// PublishMessage is the client-supplied part of a publish request.
type PublishMessage struct {
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientFrame is any inbound request.
type ClientFrame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	LastN     int             `json:"last_n,omitempty"`
	Message   *PublishMessage `json:"message,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// EventMessage is the broker-stamped message carried by an event frame.
type EventMessage struct {
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// ErrorObj carries a stable code, a human-readable message, and for
// invalid-argument the name of the offending field.
type ErrorObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ServerFrame is any outbound frame.
type ServerFrame struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	Topic     string        `json:"topic,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Seq       uint64        `json:"seq,omitempty"`
	Dropped   uint64        `json:"dropped,omitempty"`
	Message   *EventMessage `json:"message,omitempty"`
	Error     *ErrorObj     `json:"error,omitempty"`
	Ts        time.Time     `json:"ts"`
}

// Decode parses an inbound text frame. A parse failure or a missing "type"
// yields a bad-frame error object; dispatching unknown types is the
// caller's concern.
func Decode(data []byte) (*ClientFrame, *ErrorObj) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ErrorObj{Code: CodeBadFrame, Message: "frame is not a valid JSON object"}
	}
	if f.Type == "" {
		return nil, &ErrorObj{Code: CodeBadFrame, Message: `frame is missing a string "type"`}
	}
	return &f, nil
}

// Encode serializes an outbound frame. The single session writer is the
// only caller, so a frame is always written whole or not at all.
func Encode(f *ServerFrame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Connected builds the unsolicited hello carrying the assigned session id.
func Connected(sessionID string) *ServerFrame {
	return &ServerFrame{Type: TypeConnected, SessionID: sessionID, Ts: time.Now().UTC()}
}

// Ack acknowledges a subscribe or unsubscribe request.
func Ack(requestID, topic string) *ServerFrame {
	return &ServerFrame{Type: TypeAck, RequestID: requestID, Topic: topic, Ts: time.Now().UTC()}
}

// PublishAck acknowledges a publish request, carrying the assigned seq.
func PublishAck(requestID, topic string, seq uint64) *ServerFrame {
	return &ServerFrame{Type: TypeAck, RequestID: requestID, Topic: topic, Seq: seq, Ts: time.Now().UTC()}
}

// Pong answers a ping, echoing its request id.
func Pong(requestID string) *ServerFrame {
	return &ServerFrame{Type: TypePong, RequestID: requestID, Ts: time.Now().UTC()}
}

// Event wraps one delivered message. dropped, when non-zero, is the number
// of messages discarded from this subscription's queue since the previous
// delivered event; the broker never synthesizes messages to fill the gap.
func Event(topic string, m *EventMessage, dropped uint64) *ServerFrame {
	return &ServerFrame{Type: TypeEvent, Topic: topic, Message: m, Dropped: dropped, Ts: time.Now().UTC()}
}

// Unsubscribed notifies the client that a subscription ended (explicit
// unsubscribe, topic deletion, or shutdown).
func Unsubscribed(topic string) *ServerFrame {
	return &ServerFrame{Type: TypeUnsubscribed, Topic: topic, Ts: time.Now().UTC()}
}

// ErrorFrame builds an error response. requestID may be empty when the
// request could not be parsed.
func ErrorFrame(requestID, code, message string) *ServerFrame {
	return &ServerFrame{
		Type:      TypeError,
		RequestID: requestID,
		Error:     &ErrorObj{Code: code, Message: message},
		Ts:        time.Now().UTC(),
	}
}

// InvalidArgument builds an invalid-argument error naming the bad field.
func InvalidArgument(requestID, field, message string) *ServerFrame {
	f := ErrorFrame(requestID, CodeInvalidArgument, message)
	f.Error.Detail = field
	return f
}
