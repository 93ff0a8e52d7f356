package broker

import (
	"sort"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"pubsubd/internal/metrics"
)

// maxTopicNameLen bounds topic names; longer names are rejected as invalid.
const maxTopicNameLen = 255

// Options configures a Registry. Zero values fall back to the package
// defaults, so broker.NewRegistry(broker.Options{}, ...) is usable in tests.
type Options struct {
	// HistoryCapacity is the default ring capacity for new topics (C).
	HistoryCapacity int
	// QueueCapacity is the delivery queue capacity for subscriptions (Q).
	QueueCapacity int
	// MaxTopics caps the registry size; 0 means unlimited.
	MaxTopics int
}

// TopicInfo is the listing row returned by List.
type TopicInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	HistorySize int    `json:"history_size"`
	HistoryCap  int    `json:"history_cap"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Registry is the process-wide name→topic map. A single mutex makes
// create, delete, and lookup linearizable with respect to each other: a
// publish that found its topic completes against that topic, or fails
// with ErrTopicNotFound if a delete won the race. Publishing to an unknown
// topic is an error; there is no auto-create on publish.
type Registry struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	topics map[string]*Topic
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(opts Options, logger zerolog.Logger, m *metrics.Metrics) *Registry {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultHistoryCapacity
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	return &Registry{
		opts:    opts,
		logger:  logger.With().Str("component", "registry").Logger(),
		metrics: m,
		topics:  make(map[string]*Topic),
	}
}

// ValidTopicName reports whether name is acceptable: non-empty, at most
// 255 bytes, valid UTF-8, and free of control characters. Matching is
// case-sensitive and exact everywhere in the registry.
func ValidTopicName(name string) bool {
	if name == "" || len(name) > maxTopicNameLen || !utf8.ValidString(name) {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Create adds a topic if absent. capacity overrides the default history
// ring capacity when positive. created=false with a nil error means the
// topic already existed.
func (r *Registry) Create(name string, capacity int) (created bool, err error) {
	if !ValidTopicName(name) {
		return false, ErrInvalidName
	}
	if capacity <= 0 {
		capacity = r.opts.HistoryCapacity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; ok {
		return false, nil
	}
	if r.opts.MaxTopics > 0 && len(r.topics) >= r.opts.MaxTopics {
		return false, ErrTooManyTopics
	}

	r.topics[name] = NewTopic(name, capacity, r.opts.QueueCapacity)
	if r.metrics != nil {
		r.metrics.TopicsActive.Inc()
	}
	r.logger.Info().Str("topic", name).Int("history_cap", capacity).Msg("topic created")
	return true, nil
}

// Delete removes and closes the topic. Every subscriber's delivery queue
// is closed, so their event streams terminate; none of them carries over
// to a later topic of the same name.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	t, ok := r.topics[name]
	if ok {
		delete(r.topics, name)
	}
	r.mu.Unlock()

	if !ok {
		return ErrTopicNotFound
	}

	subs := t.SubscriberCount()
	t.Close()
	if r.metrics != nil {
		r.metrics.TopicsActive.Dec()
	}
	r.logger.Info().Str("topic", name).Int("subscribers_closed", subs).Msg("topic deleted")
	return nil
}

// Get returns the topic by exact name.
func (r *Registry) Get(name string) (*Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	return t, ok
}

// Publish looks the topic up and admits m. Returns ErrTopicNotFound when
// the topic is absent at lookup time or was deleted concurrently.
func (r *Registry) Publish(name string, m Message) (seq uint64, accepted int, err error) {
	t, ok := r.Get(name)
	if !ok {
		return 0, 0, ErrTopicNotFound
	}
	seq, accepted, err = t.Publish(m)
	if err != nil {
		// Lost the race against Delete.
		return 0, 0, ErrTopicNotFound
	}
	if r.metrics != nil {
		r.metrics.MessagesPublished.Inc()
		r.metrics.MessagesDelivered.Add(float64(accepted))
	}
	return seq, accepted, nil
}

// List returns a stats row per topic, sorted by name.
func (r *Registry) List() []TopicInfo {
	r.mu.RLock()
	topics := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	r.mu.RUnlock()

	infos := make([]TopicInfo, 0, len(topics))
	for _, t := range topics {
		infos = append(infos, TopicInfo{
			Name:        t.Name(),
			Subscribers: t.SubscriberCount(),
			HistorySize: t.HistoryLen(),
			HistoryCap:  t.HistoryCap(),
			Published:   t.Published(),
			Dropped:     t.Dropped(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// TopicCount returns the number of registered topics.
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// QueueCapacity exposes the configured per-subscription queue capacity.
func (r *Registry) QueueCapacity() int {
	return r.opts.QueueCapacity
}

// Close deletes every topic. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	topics := r.topics
	r.topics = make(map[string]*Topic)
	r.mu.Unlock()

	for _, t := range topics {
		t.Close()
	}
	if r.metrics != nil {
		r.metrics.TopicsActive.Set(0)
	}
	r.logger.Info().Int("topics_closed", len(topics)).Msg("registry closed")
}
