// Package pipeline couples one stream's media ingest to its motion
// detector: segments rotate through scratch storage while grayscale frames
// feed detection, and closed segments are reported upward.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/panoptic-video/panoptic/internal/media"
	"github.com/panoptic-video/panoptic/internal/motion"
	"github.com/panoptic-video/panoptic/internal/session"
)

// State describes where a pipeline is in its lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateBuilding State = "building"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// stopTimeout bounds how long Stop waits for the ingest process to exit.
const stopTimeout = 10 * time.Second

// Config holds per-stream ingest settings.
type Config struct {
	RTSPURL        string
	OutputDir      string // scratch root; the stream gets a subdirectory
	SegmentSeconds int
	FrameWidth     int
	FrameHeight    int
	Transport      string
	LatencyMS      int
	HWAccel        string
}

// Hooks receive pipeline activity. Both are invoked synchronously from the
// backend's dispatch goroutine and must not block for long.
type Hooks struct {
	OnMotion        func(motion.Event)
	OnSegmentClosed func(session.ClosedSegment)
}

// StreamPipeline manages ingest for a single stream. A pipeline is built
// once and not reused: supervisors replace a failed pipeline with a fresh
// one.
type StreamPipeline struct {
	streamID   string
	streamKey  string
	cfg        Config
	backend    media.Backend
	detector   *motion.Detector
	hooks      Hooks
	scratchDir string
	logger     *slog.Logger

	mu             sync.RWMutex
	state          State
	handle         media.Handle
	currentSegment string
	errorCount     int
}

// New creates an idle pipeline. Stream IDs from discovery are path-like
// and may contain slashes; the derived stream key is filesystem-safe.
func New(streamID string, cfg Config, backend media.Backend, det *motion.Detector, hooks Hooks) *StreamPipeline {
	streamKey := strings.ReplaceAll(streamID, "/", "_")
	return &StreamPipeline{
		streamID:   streamID,
		streamKey:  streamKey,
		cfg:        cfg,
		backend:    backend,
		detector:   det,
		hooks:      hooks,
		scratchDir: filepath.Join(cfg.OutputDir, streamKey),
		logger:     slog.Default().With("component", "pipeline", "stream", streamID),
		state:      StateIdle,
	}
}

// Build opens the media backend. The pipeline is ready to Start on success.
func (p *StreamPipeline) Build(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return fmt.Errorf("pipeline for %s already built (state %s)", p.streamID, p.state)
	}
	p.state = StateBuilding
	p.mu.Unlock()

	params := media.Params{
		URL:            p.cfg.RTSPURL,
		Transport:      p.cfg.Transport,
		LatencyMS:      p.cfg.LatencyMS,
		FrameWidth:     p.cfg.FrameWidth,
		FrameHeight:    p.cfg.FrameHeight,
		SegmentSeconds: p.cfg.SegmentSeconds,
		ScratchDir:     p.scratchDir,
		FilePrefix:     p.streamKey,
		HWAccel:        p.cfg.HWAccel,
	}
	callbacks := media.Callbacks{
		OnSegmentOpened: p.onSegmentOpened,
		OnFrame:         p.onFrame,
		OnError:         p.onError,
		OnEOS:           p.onEOS,
		OnWarning:       p.onWarning,
	}

	handle, err := p.backend.Open(ctx, params, callbacks)
	if err != nil {
		p.mu.Lock()
		p.state = StateIdle
		p.mu.Unlock()
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	p.mu.Lock()
	p.handle = handle
	p.mu.Unlock()
	p.logger.Info("Pipeline built")
	return nil
}

// Start launches the ingest. The error count resets on success.
func (p *StreamPipeline) Start() error {
	p.mu.Lock()
	if p.state != StateBuilding {
		p.mu.Unlock()
		return fmt.Errorf("pipeline for %s not built (state %s)", p.streamID, p.state)
	}
	handle := p.handle
	p.mu.Unlock()

	if err := handle.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	p.mu.Lock()
	p.state = StateRunning
	p.errorCount = 0
	p.mu.Unlock()

	p.logger.Info("Pipeline started")
	return nil
}

// Stop terminates the ingest. Safe to call in any state.
func (p *StreamPipeline) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	handle := p.handle
	p.mu.Unlock()

	p.logger.Info("Stopping pipeline")
	if handle != nil {
		if err := handle.Stop(stopTimeout); err != nil {
			p.logger.Warn("Pipeline stop incomplete", "error", err)
		}
	}
}

// Running reports whether the ingest is live.
func (p *StreamPipeline) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == StateRunning
}

// State returns the current lifecycle state.
func (p *StreamPipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// ErrorCount returns the number of fatal errors seen by this pipeline.
func (p *StreamPipeline) ErrorCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.errorCount
}

// CurrentSegment returns the path the segmenter is writing right now, or
// empty before the first segment opens.
func (p *StreamPipeline) CurrentSegment() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentSegment
}

// StreamID returns the discovery identifier of this pipeline's stream.
func (p *StreamPipeline) StreamID() string {
	return p.streamID
}

// StreamKey returns the filesystem-safe form of the stream ID.
func (p *StreamPipeline) StreamKey() string {
	return p.streamKey
}

// Detector exposes the motion detector for runtime tuning updates.
func (p *StreamPipeline) Detector() *motion.Detector {
	return p.detector
}

// onSegmentOpened closes out the previous segment before tracking the new
// one. The close is only reported when the file really exists; the
// segmenter can announce a file it then fails to write.
func (p *StreamPipeline) onSegmentOpened(path string, index int, openedAt time.Time) {
	p.mu.Lock()
	previous := p.currentSegment
	p.currentSegment = path
	p.mu.Unlock()

	p.logger.Debug("New segment", "path", path, "index", index)

	if previous == "" || p.hooks.OnSegmentClosed == nil {
		return
	}
	if _, err := os.Stat(previous); err != nil {
		return
	}
	p.hooks.OnSegmentClosed(session.ClosedSegment{
		StreamID: p.streamID,
		Path:     previous,
		EndTs:    openedAt,
	})
}

// onFrame runs motion detection on one grayscale frame. Frames that arrive
// before the first segment opens are attributed to the segmenter's first
// output path.
func (p *StreamPipeline) onFrame(frame []byte, width, height int, pts float64) {
	p.mu.RLock()
	segment := p.currentSegment
	p.mu.RUnlock()

	if segment == "" {
		segment = filepath.Join(p.scratchDir, p.streamKey+"_000000.ts")
	}

	ev := p.detector.ProcessFrame(frame, width, height, segment, time.Now())
	if ev != nil && p.hooks.OnMotion != nil {
		p.hooks.OnMotion(*ev)
	}
}

func (p *StreamPipeline) onError(kind media.ErrorKind, detail string) {
	p.mu.Lock()
	p.errorCount++
	if p.state == StateRunning {
		p.state = StateDegraded
	}
	count := p.errorCount
	p.mu.Unlock()

	p.logger.Error("Pipeline error", "kind", string(kind), "detail", detail, "errors", count)
}

func (p *StreamPipeline) onEOS() {
	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StateDegraded
	}
	state := p.state
	p.mu.Unlock()

	if state == StateDegraded {
		p.logger.Info("End of stream")
	}
}

func (p *StreamPipeline) onWarning(detail string) {
	p.logger.Warn("Pipeline warning", "detail", detail)
}
