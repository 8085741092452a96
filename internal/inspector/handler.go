package inspector

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/deskmux/internal/observe"
	"github.com/gaspardpetit/deskmux/internal/wsmux"
)

// DefaultLimit caps list responses when no limit is given.
const DefaultLimit = 100

// Source is the part of wsmux.Client the inspector reports on.
type Source interface {
	Name() string
	URL() string
	Active() []int
	Status() *observe.Value[wsmux.State]
}

// Options configures Handler.
type Options struct {
	Source  Source
	Journal Journal
	// AllowedOrigins enables CORS for a browser-hosted inspector panel.
	AllowedOrigins []string
	// Gatherer serves /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Status is the body of GET /api/status.
type Status struct {
	Client string      `json:"client"`
	URL    string      `json:"url"`
	State  wsmux.State `json:"state"`
	Active []int       `json:"active"`
}

type stateEvent struct {
	State wsmux.State `json:"state"`
}

// Handler returns the inspector HTTP surface.
func Handler(opts Options) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	g := opts.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	h := &handler{opts: opts}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/status", h.status)
		ar.Get("/status/stream", h.statusStream)
		ar.Get("/frames/{direction}", h.frames)
		ar.Delete("/frames", h.clear)
	})
	return r
}

type handler struct {
	opts Options
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) snapshot() Status {
	s := h.opts.Source
	active := s.Active()
	if active == nil {
		active = []int{}
	}
	return Status{Client: s.Name(), URL: s.URL(), State: s.Status().Get(), Active: active}
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	if h.opts.Source == nil {
		http.Error(w, "no client", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.snapshot())
}

// statusStream sends the current state, then one event per state change, as
// Server-Sent Events.
func (h *handler) statusStream(w http.ResponseWriter, r *http.Request) {
	if h.opts.Source == nil {
		http.Error(w, "no client", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	status := h.opts.Source.Status()
	changes, stop := status.Watch(16)
	defer stop()

	send := func(s wsmux.State) bool {
		b, _ := json.Marshal(stateEvent{State: s})
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(b); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(status.Get()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case s, ok := <-changes:
			if !ok || !send(s) {
				return
			}
		}
	}
}

func (h *handler) frames(w http.ResponseWriter, r *http.Request) {
	if h.opts.Journal == nil {
		http.Error(w, "no journal", http.StatusServiceUnavailable)
		return
	}
	dir := chi.URLParam(r, "direction")
	if checkDirection(dir) != nil {
		http.NotFound(w, r)
		return
	}
	limit := DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.opts.Journal.List(r.Context(), dir, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	if h.opts.Journal == nil {
		http.Error(w, "no journal", http.StatusServiceUnavailable)
		return
	}
	if err := h.opts.Journal.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
