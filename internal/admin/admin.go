// Package admin exposes the stateless operator surface: topic lifecycle,
// health, and process stats over HTTP. Every mutation goes through the
// broker registry; nothing here bypasses topic serialization.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"pubsubd/internal/broker"
	"pubsubd/internal/metrics"
)

// Handler serves the admin API.
type Handler struct {
	registry  *broker.Registry
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	sessions  func() int
	startTime time.Time
}

// NewHandler creates the admin handler. sessions reports the number of
// open data-plane sessions for the health and system endpoints; it may be
// nil.
func NewHandler(registry *broker.Registry, m *metrics.Metrics, logger zerolog.Logger, sessions func() int) *Handler {
	if sessions == nil {
		sessions = func() int { return 0 }
	}
	return &Handler{
		registry:  registry,
		metrics:   m,
		logger:    logger.With().Str("component", "admin").Logger(),
		sessions:  sessions,
		startTime: time.Now(),
	}
}

// Router builds the chi router for the admin listener.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1/topics", func(r chi.Router) {
		r.Post("/", h.createTopic)
		r.Get("/", h.listTopics)
		r.Delete("/{name}", h.deleteTopic)
		r.Get("/{name}/stats", h.topicStats)
		r.Get("/{name}/history", h.topicHistory)
	})
	r.Get("/healthz", h.health)
	r.Get("/v1/system", h.system)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	return r
}

type createTopicRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity,omitempty"`
}

func (h *Handler) createTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", "invalid JSON body")
		return
	}

	created, err := h.registry.Create(req.Name, req.Capacity)
	switch {
	case errors.Is(err, broker.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid-name", "topic name is empty, too long, or contains control characters")
	case errors.Is(err, broker.ErrTooManyTopics):
		writeError(w, http.StatusTooManyRequests, "too-many-topics", "topic limit reached")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	case created:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "topic": req.Name})
	default:
		// Idempotent create: distinct status, not an error.
		writeJSON(w, http.StatusOK, map[string]string{"status": "exists", "topic": req.Name})
	}
}

func (h *Handler) deleteTopic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.registry.Delete(name); err != nil {
		writeError(w, http.StatusNotFound, "not-found", "no such topic")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "topic": name})
}

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) topicStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := h.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not-found", "no such topic")
		return
	}
	writeJSON(w, http.StatusOK, broker.TopicInfo{
		Name:        t.Name(),
		Subscribers: t.SubscriberCount(),
		HistorySize: t.HistoryLen(),
		HistoryCap:  t.HistoryCap(),
		Published:   t.Published(),
		Dropped:     t.Dropped(),
	})
}

// topicHistory returns up to n retained messages, oldest first. The ring
// caps the result at its capacity regardless of n.
func (h *Handler) topicHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t, ok := h.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "not-found", "no such topic")
		return
	}

	n := 10
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "bad-request", "n must be a positive integer")
			return
		}
		n = v
	}

	msgs := t.LastN(n)
	if msgs == nil {
		msgs = []broker.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// health answers OK as long as the registry is responsive.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"uptime":   time.Since(h.startTime).Round(time.Second).String(),
		"topics":   h.registry.TopicCount(),
		"sessions": h.sessions(),
	})
}

// system reports process-level resource usage via gopsutil.
func (h *Handler) system(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"goroutines":     runtime.NumGoroutine(),
		"sessions":       h.sessions(),
		"queue_capacity": h.registry.QueueCapacity(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpuPct, err := proc.CPUPercent(); err == nil {
			out["cpu_percent"] = cpuPct
		}
		if memInfo, err := proc.MemoryInfo(); err == nil {
			out["rss_bytes"] = memInfo.RSS
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
