package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panoptic-video/panoptic/internal/events"
	"github.com/panoptic-video/panoptic/internal/store"
)

// Session is one active recording window for a stream. It opens on motion,
// extends on further motion, and closes once motion has been quiet for the
// post-roll duration.
type Session struct {
	ID         string
	StreamID   string
	StartedAt  time.Time
	LastMotion time.Time

	// Copied tracks scratch paths already copied out, keyed by source path.
	// A segment is copied at most once per session.
	Copied      map[string]struct{}
	CopiedCount int
}

// Info is a read-only session snapshot for the status API.
type Info struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"stream_id"`
	StartedAt  time.Time `json:"started_at"`
	LastMotion time.Time `json:"last_motion"`
	Segments   int       `json:"segments"`
}

// Config holds the recording window settings.
type Config struct {
	RecordingsDir   string
	PreRollSeconds  int
	PostRollSeconds int
	SegmentSeconds  int
}

// Engine owns all sessions and per-stream segment history under one lock.
// Segment copies run inside the lock: scratch files are small and live on
// tmpfs, and the copied set must not race with session end.
type Engine struct {
	cfg    Config
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	histories map[string]*History
}

// NewEngine creates a session engine. bus may be nil.
func NewEngine(cfg Config, st *store.Store, bus *events.Bus) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		logger:    slog.Default().With("component", "session"),
		sessions:  make(map[string]*Session),
		histories: make(map[string]*History),
	}
}

// HandleMotion opens a session for the stream or extends the active one.
// A new session immediately copies the pre-roll window from history.
func (e *Engine) HandleMotion(streamID string, now time.Time) {
	var started *Info

	e.mu.Lock()
	sess := e.sessions[streamID]
	if sess != nil {
		sess.LastMotion = now
		e.mu.Unlock()
		return
	}

	sess = &Session{
		ID:         uuid.NewString(),
		StreamID:   streamID,
		StartedAt:  now,
		LastMotion: now,
		Copied:     make(map[string]struct{}),
	}
	e.sessions[streamID] = sess
	e.logger.Info(fmt.Sprintf("[SESSION] stream=%s Started recording", streamID), "stream", streamID)

	if hist := e.histories[streamID]; hist != nil {
		cutoff := now.Add(-time.Duration(e.cfg.PreRollSeconds) * time.Second)
		for _, seg := range hist.Since(cutoff) {
			e.copySegment(sess, seg)
		}
	}
	info := sess.info()
	started = &info
	e.mu.Unlock()

	if started != nil {
		e.publish(events.SubjectSessionStarted, started)
	}
}

// HandleSegmentClosed records a closed segment in the stream's history and
// copies it out when a session is active.
func (e *Engine) HandleSegmentClosed(seg ClosedSegment) {
	e.mu.Lock()
	hist := e.histories[seg.StreamID]
	if hist == nil {
		hist = NewHistory(HistoryCapacity(e.cfg.PreRollSeconds, e.cfg.SegmentSeconds))
		e.histories[seg.StreamID] = hist
	}
	hist.Append(seg)

	if sess := e.sessions[seg.StreamID]; sess != nil {
		e.copySegment(sess, seg)
	}
	e.mu.Unlock()

	e.publish(events.SubjectSegmentClosed, map[string]any{
		"stream_id": seg.StreamID,
		"path":      seg.Path,
		"end_ts":    seg.EndTs,
	})
}

// CheckTimeouts ends every session whose last motion is at least the
// post-roll duration in the past.
func (e *Engine) CheckTimeouts(now time.Time) {
	postRoll := time.Duration(e.cfg.PostRollSeconds) * time.Second

	var ended []Info
	e.mu.Lock()
	for streamID, sess := range e.sessions {
		if now.Sub(sess.LastMotion) >= postRoll {
			ended = append(ended, e.endLocked(streamID, sess))
		}
	}
	e.mu.Unlock()

	for _, info := range ended {
		e.publish(events.SubjectSessionEnded, info)
	}
}

// EndAll closes every active session, used on shutdown.
func (e *Engine) EndAll() {
	var ended []Info
	e.mu.Lock()
	for streamID, sess := range e.sessions {
		ended = append(ended, e.endLocked(streamID, sess))
	}
	e.mu.Unlock()

	for _, info := range ended {
		e.publish(events.SubjectSessionEnded, info)
	}
}

// DropStream discards session state for a stream that disappeared. Nothing
// is copied or logged as ended; segments already copied stay on disk.
func (e *Engine) DropStream(streamID string) {
	e.mu.Lock()
	delete(e.sessions, streamID)
	delete(e.histories, streamID)
	e.mu.Unlock()
}

// ActiveSessions returns the number of open sessions.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Snapshot returns all open sessions ordered by stream ID.
func (e *Engine) Snapshot() []Info {
	e.mu.Lock()
	infos := make([]Info, 0, len(e.sessions))
	for _, sess := range e.sessions {
		infos = append(infos, sess.info())
	}
	e.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].StreamID < infos[j].StreamID })
	return infos
}

func (s *Session) info() Info {
	return Info{
		ID:         s.ID,
		StreamID:   s.StreamID,
		StartedAt:  s.StartedAt,
		LastMotion: s.LastMotion,
		Segments:   s.CopiedCount,
	}
}

// endLocked removes a session and logs its summary. Caller holds e.mu.
func (e *Engine) endLocked(streamID string, sess *Session) Info {
	e.logger.Info(fmt.Sprintf("[SESSION] stream=%s Ended recording (%d segments)", streamID, sess.CopiedCount),
		"stream", streamID)
	delete(e.sessions, streamID)
	return sess.info()
}

// copySegment copies one scratch segment into the recordings tree and
// registers it in the store. Caller holds e.mu. Returns true when a new
// copy was made.
//
// Destination layout: <recordings>/<stream_key>/<YYYYMMDD>/<stream_key>_<HHMMSS>.ts
// with the date and time taken from the source file's mtime and a numeric
// suffix on collision. The copy goes to a .tmp sibling first and is renamed
// into place so readers never see partial files.
func (e *Engine) copySegment(sess *Session, seg ClosedSegment) bool {
	if _, ok := sess.Copied[seg.Path]; ok {
		return false
	}

	srcInfo, err := os.Stat(seg.Path)
	if err != nil {
		e.logger.Warn("Segment missing before copy", "stream", sess.StreamID, "path", seg.Path)
		return false
	}

	streamKey := strings.ReplaceAll(sess.StreamID, "/", "_")
	mtime := srcInfo.ModTime()
	dateDir := mtime.Format("20060102")

	destDir := filepath.Join(e.cfg.RecordingsDir, streamKey, dateDir)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		e.logger.Warn("Failed to create recordings directory", "stream", sess.StreamID, "dir", destDir, "error", err)
		return false
	}

	base := fmt.Sprintf("%s_%s", streamKey, mtime.Format("150405"))
	destName := base + ".ts"
	destPath := filepath.Join(destDir, destName)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(destPath); os.IsNotExist(err) {
			break
		}
		destName = fmt.Sprintf("%s_%d.ts", base, counter)
		destPath = filepath.Join(destDir, destName)
	}

	if err := copyFileAtomic(seg.Path, destPath, mtime); err != nil {
		e.logger.Warn("Failed to copy segment", "stream", sess.StreamID, "src", seg.Path, "error", err)
		return false
	}

	sess.Copied[seg.Path] = struct{}{}
	sess.CopiedCount++
	e.logger.Debug("Copied segment", "stream", sess.StreamID, "dest", destPath)

	rec := &store.Recording{
		StreamID:   sess.StreamID,
		Filename:   destName,
		Filepath:   filepath.Join(streamKey, dateDir, destName),
		RecordedAt: mtime,
	}
	if err := e.store.InsertRecording(context.Background(), rec); err != nil {
		// The file is already durable; losing the row beats losing both.
		e.logger.Warn("Failed to insert recording row", "stream", sess.StreamID, "file", destName, "error", err)
	}
	return true
}

// copyFileAtomic copies src to a .tmp sibling of dst, carries the source
// mtime over, and renames into place. The .tmp file is removed on failure.
func copyFileAtomic(src, dst string, mtime time.Time) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (e *Engine) publish(subject string, v any) {
	if err := e.bus.Publish(subject, v); err != nil {
		e.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}
