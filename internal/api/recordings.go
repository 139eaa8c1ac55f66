// Package api provides the HTTP surfaces of the detector and analyser
// processes plus WebSocket support.
package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/panoptic-video/panoptic/internal/store"
)

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RecordingStore is the slice of the store the recordings API reads.
type RecordingStore interface {
	Pinger
	ListRecordings(ctx context.Context, opts store.ListOptions) ([]store.Recording, int, error)
	GetRecording(ctx context.Context, id int64) (*store.Recording, error)
	GetAnalysisByRecording(ctx context.Context, recordingID int64) (*store.Analysis, error)
}

// RecordingsHandler handles the recordings API endpoints.
type RecordingsHandler struct {
	store RecordingStore
}

// NewRecordingsHandler creates a new recordings handler.
func NewRecordingsHandler(st RecordingStore) *RecordingsHandler {
	return &RecordingsHandler{store: st}
}

// Routes returns the recordings routes.
func (h *RecordingsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/analysis", h.GetAnalysis)

	return r
}

// List lists recordings, newest first, with filtering.
func (h *RecordingsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opts := store.ListOptions{
		Limit:  50,
		Offset: 0,
	}

	if v := r.URL.Query().Get("stream_id"); v != "" {
		opts.StreamID = v
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 && limit <= 500 {
			opts.Limit = limit
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset >= 0 {
			opts.Offset = offset
		}
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &t
		}
	}
	if v := r.URL.Query().Get("analysed"); v != "" {
		analysed := v == "true"
		opts.Analysed = &analysed
	}

	recordings, total, err := h.store.ListRecordings(ctx, opts)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if recordings == nil {
		recordings = []store.Recording{}
	}

	List(w, recordings, total, opts.Limit, opts.Offset)
}

// Get returns a single recording row.
func (h *RecordingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := recordingID(r)
	if err != nil {
		BadRequest(w, "Invalid recording id")
		return
	}

	rec, err := h.store.GetRecording(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w, "Recording not found")
			return
		}
		InternalError(w, err.Error())
		return
	}

	OK(w, rec)
}

// GetAnalysis returns the analysis row for a recording.
func (h *RecordingsHandler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	id, err := recordingID(r)
	if err != nil {
		BadRequest(w, "Invalid recording id")
		return
	}

	a, err := h.store.GetAnalysisByRecording(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w, "Analysis not found")
			return
		}
		InternalError(w, err.Error())
		return
	}

	OK(w, a)
}

func recordingID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// NewAnalyserRouter builds the analyser HTTP surface: the recordings API
// and the raw file tree the inference endpoint fetches clips from. The
// recordings directory is created when missing.
func NewAnalyserRouter(recordingsDir string, st RecordingStore) (http.Handler, error) {
	if err := os.MkdirAll(recordingsDir, 0o755); err != nil {
		return nil, err
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

	// Video downloads can outlive a request timeout, so only the API
	// routes get one.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/healthz", healthHandler(st))
		r.Route("/api/v1", func(r chi.Router) {
			r.Mount("/recordings", NewRecordingsHandler(st).Routes())
		})
	})

	files := http.FileServer(noListingFS{http.Dir(recordingsDir)})
	r.Get("/recordings/*", http.StripPrefix("/recordings/", files).ServeHTTP)

	return r, nil
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, dbState := "ok", "ok"
		if err := db.Ping(r.Context()); err != nil {
			status, dbState = "degraded", "error"
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"%s","database":"%s"}`, status, dbState)
	}
}

// noListingFS serves files but refuses directory listings.
type noListingFS struct {
	fs http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}
