package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/panoptic-video/panoptic/internal/events"
	"github.com/panoptic-video/panoptic/internal/logging"
	"github.com/panoptic-video/panoptic/internal/session"
	"github.com/panoptic-video/panoptic/internal/store"
)

// StreamStore is the slice of the store the detector status API reads.
type StreamStore interface {
	Pinger
	ListStreams(ctx context.Context) ([]store.Stream, error)
}

// SessionSource exposes the open recording sessions.
type SessionSource interface {
	Snapshot() []session.Info
}

// DetectorHandler handles the detector status endpoints.
type DetectorHandler struct {
	store    StreamStore
	sessions SessionSource
}

// NewDetectorHandler creates a new detector handler.
func NewDetectorHandler(st StreamStore, sessions SessionSource) *DetectorHandler {
	return &DetectorHandler{store: st, sessions: sessions}
}

// Streams returns the discovered streams.
func (h *DetectorHandler) Streams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.store.ListStreams(r.Context())
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if streams == nil {
		streams = []store.Stream{}
	}
	OK(w, streams)
}

// Sessions returns the currently open recording sessions.
func (h *DetectorHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	OK(w, h.sessions.Snapshot())
}

// LogsHandler serves recent and live log entries from the capture ring.
type LogsHandler struct {
	ring *logging.Ring
}

// NewLogsHandler creates a new logs handler.
func NewLogsHandler(ring *logging.Ring) *LogsHandler {
	return &LogsHandler{ring: ring}
}

// Recent returns the most recent log entries.
func (h *LogsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	OK(w, h.ring.Recent(limit))
}

// Stream sends log entries as Server-Sent Events until the client leaves.
func (h *LogsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.ring.Subscribe()
	defer h.ring.Unsubscribe(ch)

	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-ch:
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// NewDetectorRouter builds the detector status API. The returned hub must
// be run for websocket clients to receive bus events.
func NewDetectorRouter(st StreamStore, sessions SessionSource, bus *events.Bus, ring *logging.Ring) (http.Handler, *Hub, error) {
	hub := NewHub()
	if err := hub.AttachBus(bus); err != nil {
		return nil, nil, fmt.Errorf("failed to attach event bus: %w", err)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := NewDetectorHandler(st, sessions)
	logs := NewLogsHandler(ring)

	// The websocket and log stream routes stay outside the timeout group;
	// those connections are long-lived.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/healthz", detectorHealthHandler(st, bus))
		r.Get("/api/v1/streams", h.Streams)
		r.Get("/api/v1/sessions", h.Sessions)
		if ring != nil {
			r.Get("/api/v1/logs", logs.Recent)
		}
	})

	if ring != nil {
		r.Get("/api/v1/logs/stream", logs.Stream)
	}
	r.Get("/ws", hub.HandleWebSocket)

	return r, hub, nil
}

func detectorHealthHandler(db Pinger, bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, dbState := "ok", "ok"
		if err := db.Ping(r.Context()); err != nil {
			status, dbState = "degraded", "error"
		}
		busState := "connected"
		if !bus.Connected() {
			busState = "disconnected"
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"%s","database":"%s","event_bus":"%s"}`, status, dbState, busState)
	}
}
