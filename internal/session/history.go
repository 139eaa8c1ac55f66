// Package session turns motion activity into recording sessions: it keeps a
// short ring of recently closed scratch segments per stream, and while a
// session is active it copies segments into durable recording storage.
package session

import "time"

// ClosedSegment is one finished scratch segment and the wallclock time its
// writer moved on to the next file.
type ClosedSegment struct {
	StreamID string
	Path     string
	EndTs    time.Time
}

// HistoryCapacity returns the ring size needed to cover a pre-roll window,
// with slack for segments in flight. Never below 5.
func HistoryCapacity(preRollSeconds, segmentSeconds int) int {
	if segmentSeconds <= 0 {
		segmentSeconds = 1
	}
	n := (preRollSeconds+segmentSeconds-1)/segmentSeconds + 3
	if n < 5 {
		n = 5
	}
	return n
}

// History is a fixed-capacity ring of closed segments for one stream.
// Appending beyond capacity evicts the oldest entry. Not safe for
// concurrent use; the engine's lock guards every access.
type History struct {
	segments []ClosedSegment
	tail     int // index of the oldest entry
	count    int
}

// NewHistory creates a ring holding up to capacity segments.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{segments: make([]ClosedSegment, capacity)}
}

// Append adds a segment, evicting the oldest when full.
func (h *History) Append(seg ClosedSegment) {
	if h.count < len(h.segments) {
		h.segments[(h.tail+h.count)%len(h.segments)] = seg
		h.count++
		return
	}
	h.segments[h.tail] = seg
	h.tail = (h.tail + 1) % len(h.segments)
}

// Len returns the number of buffered segments.
func (h *History) Len() int {
	return h.count
}

// Capacity returns the ring size.
func (h *History) Capacity() int {
	return len(h.segments)
}

// Segments returns the buffered segments oldest first.
func (h *History) Segments() []ClosedSegment {
	out := make([]ClosedSegment, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.segments[(h.tail+i)%len(h.segments)]
	}
	return out
}

// Since returns buffered segments whose end time is not before cutoff,
// oldest first.
func (h *History) Since(cutoff time.Time) []ClosedSegment {
	var out []ClosedSegment
	for i := 0; i < h.count; i++ {
		seg := h.segments[(h.tail+i)%len(h.segments)]
		if !seg.EndTs.Before(cutoff) {
			out = append(out, seg)
		}
	}
	return out
}
