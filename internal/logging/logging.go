// Package logging configures structured logging for both processes and
// keeps a ring of recent entries that the status API can serve.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Stream    string         `json:"stream,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Ring stores the most recent log entries and fans new ones out to
// subscribers.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int
	count   int

	subMu       sync.RWMutex
	subscribers map[chan Entry]struct{}
}

// NewRing creates a ring buffer holding up to size entries.
func NewRing(size int) *Ring {
	return &Ring{
		entries:     make([]Entry, size),
		size:        size,
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add appends an entry, evicting the oldest when full.
func (r *Ring) Add(entry Entry) {
	r.mu.Lock()
	r.entries[r.head] = entry
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
	r.mu.Unlock()

	r.subMu.RLock()
	for ch := range r.subscribers {
		select {
		case ch <- entry:
		default:
			// Drop for slow subscribers rather than block logging.
		}
	}
	r.subMu.RUnlock()
}

// Recent returns the most recent n entries, oldest first.
func (r *Ring) Recent(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	out := make([]Entry, n)
	start := (r.head - n + r.size) % r.size
	for i := 0; i < n; i++ {
		out[i] = r.entries[(start+i)%r.size]
	}
	return out
}

// Subscribe returns a channel receiving entries as they are logged.
func (r *Ring) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (r *Ring) Unsubscribe(ch chan Entry) {
	r.subMu.Lock()
	delete(r.subscribers, ch)
	r.subMu.Unlock()
	close(ch)
}

// CaptureHandler tees records into a Ring before passing them to the
// wrapped handler.
type CaptureHandler struct {
	ring  *Ring
	next  slog.Handler
	level slog.Level
	attrs []slog.Attr
}

// Enabled implements slog.Handler.
func (h *CaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *CaptureHandler) Handle(ctx context.Context, rec slog.Record) error {
	entry := Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
		Attrs:   make(map[string]any),
	}
	collect := func(a slog.Attr) {
		switch a.Key {
		case "component":
			entry.Component = a.Value.String()
		case "stream":
			entry.Stream = a.Value.String()
		default:
			entry.Attrs[a.Key] = a.Value.Any()
		}
	}
	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})
	if len(entry.Attrs) == 0 {
		entry.Attrs = nil
	}

	h.ring.Add(entry)
	return h.next.Handle(ctx, rec)
}

// WithAttrs implements slog.Handler.
func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CaptureHandler{
		ring:  h.ring,
		next:  h.next.WithAttrs(attrs),
		level: h.level,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

// WithGroup implements slog.Handler.
func (h *CaptureHandler) WithGroup(name string) slog.Handler {
	return &CaptureHandler{
		ring:  h.ring,
		next:  h.next.WithGroup(name),
		level: h.level,
		attrs: h.attrs,
	}
}

// Setup builds the process logger and installs it as the slog default.
// Level comes from LOG_LEVEL (debug, info, warn, error), format from
// LOG_FORMAT (json or text, json by default). Verbose forces debug.
func Setup(verbose bool) (*slog.Logger, *Ring) {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	if verbose {
		level = slog.LevelDebug
	}

	var inner slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		inner = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	ring := NewRing(1000)
	logger := slog.New(&CaptureHandler{ring: ring, next: inner, level: level})
	slog.SetDefault(logger)
	return logger, ring
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
