package broker

import "errors"

var (
	// ErrInvalidName is returned for empty, overlong, or control-character
	// topic names.
	ErrInvalidName = errors.New("invalid topic name")

	// ErrTopicNotFound is returned when an operation targets a topic that
	// does not exist in the registry.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrTopicClosed is returned by Publish after the topic has been
	// deleted. The registry maps it back to ErrTopicNotFound so callers
	// that raced a delete see a consistent error.
	ErrTopicClosed = errors.New("topic closed")

	// ErrTooManyTopics is returned by Create when the registry cap is hit.
	ErrTooManyTopics = errors.New("too many topics")

	// ErrQueueClosed is returned by Queue.Next once the queue is closed
	// and fully drained.
	ErrQueueClosed = errors.New("delivery queue closed")
)
