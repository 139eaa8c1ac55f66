// Package manager runs the detector's control loop. It discovers streams
// on the media server, keeps one ingest pipeline per ready stream,
// restarts pipelines that die, prunes the scratch segment ring, and
// drives recording session timeouts.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panoptic-video/panoptic/internal/config"
	"github.com/panoptic-video/panoptic/internal/events"
	"github.com/panoptic-video/panoptic/internal/media"
	"github.com/panoptic-video/panoptic/internal/mediamtx"
	"github.com/panoptic-video/panoptic/internal/motion"
	"github.com/panoptic-video/panoptic/internal/pipeline"
	"github.com/panoptic-video/panoptic/internal/session"
	"github.com/panoptic-video/panoptic/internal/store"
)

const (
	// maxPipelineErrors is the error count beyond which a dead pipeline is
	// dropped instead of restarted.
	maxPipelineErrors = 5

	cleanupInterval = 30 * time.Second
	sessionTick     = time.Second
	loopJoinTimeout = 5 * time.Second
)

// Manager owns the set of running stream pipelines. The pipelines mutex
// is always taken before any session engine lock, never after.
type Manager struct {
	cfg       *config.Detector
	backend   media.Backend
	engine    *session.Engine
	store     *store.Store
	bus       *events.Bus
	discovery *mediamtx.Client
	logger    *slog.Logger

	mu        sync.Mutex
	started   bool
	pipelines map[string]*pipeline.StreamPipeline
	tuning    *config.Tuning

	// restartDelay is the pause between stopping a dead pipeline and
	// starting its replacement.
	restartDelay time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a manager. The bus may be nil when the event bus is
// disabled.
func New(cfg *config.Detector, backend media.Backend, engine *session.Engine, st *store.Store, bus *events.Bus) *Manager {
	return &Manager{
		cfg:          cfg,
		backend:      backend,
		engine:       engine,
		store:        st,
		bus:          bus,
		discovery:    mediamtx.NewClient(cfg.MediaMTX.APIURL()),
		logger:       slog.Default().With("component", "manager"),
		pipelines:    make(map[string]*pipeline.StreamPipeline),
		restartDelay: time.Second,
		stopChan:     make(chan struct{}),
	}
}

// Start runs one discovery and cleanup pass synchronously, then spawns
// the background loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("stream manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("Starting stream manager",
		"discovery_interval", m.cfg.DiscoveryInterval,
		"manual_streams", len(m.cfg.ManualStreams))

	m.refresh(ctx)
	m.cleanupScratch()

	m.wg.Add(3)
	go m.discoveryLoop(ctx)
	go m.cleanupLoop(ctx)
	go m.sessionLoop(ctx)

	return nil
}

// Stop ends all sessions, stops every pipeline, and marks all streams
// offline. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping stream manager")
		close(m.stopChan)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(loopJoinTimeout):
			m.logger.Warn("Timed out waiting for manager loops to stop")
		}

		m.engine.EndAll()

		m.mu.Lock()
		pipelines := m.pipelines
		m.pipelines = make(map[string]*pipeline.StreamPipeline)
		m.mu.Unlock()

		var wg sync.WaitGroup
		for id, p := range pipelines {
			wg.Add(1)
			go func(id string, p *pipeline.StreamPipeline) {
				defer wg.Done()
				m.logger.Info("Stopping pipeline", "stream", id)
				p.Stop()
			}(id, p)
		}
		wg.Wait()

		if _, err := m.store.MarkStreamsOffline(context.Background(), nil); err != nil {
			m.logger.Warn("Failed to mark streams offline", "error", err)
		}

		m.logger.Info("Stream manager stopped")
	})
}

// ApplyTuning swaps in a new tuning table and pushes the resolved motion
// configuration to every live detector. New pipelines pick it up on
// creation.
func (m *Manager) ApplyTuning(t *config.Tuning) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tuning = t
	for id, p := range m.pipelines {
		p.Detector().Update(m.detectorConfigLocked(id))
	}
	m.logger.Info("Motion tuning applied", "pipelines", len(m.pipelines))
}

// PipelineStates reports the state of every tracked pipeline by stream ID.
func (m *Manager) PipelineStates() map[string]pipeline.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]pipeline.State, len(m.pipelines))
	for id, p := range m.pipelines {
		states[id] = p.State()
	}
	return states
}

func (m *Manager) discoveryLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.cleanupScratch()
		}
	}
}

func (m *Manager) sessionLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(sessionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.engine.CheckTimeouts(time.Now())
		}
	}
}

// refresh is one discovery pass: list streams, reconcile pipelines, then
// check pipeline health. A failed or empty discovery leaves the current
// pipelines alone.
func (m *Manager) refresh(ctx context.Context) {
	streams, err := m.discoverStreams(ctx)
	if err != nil {
		m.logger.Warn("Stream discovery failed", "error", err)
	} else if len(streams) > 0 {
		m.reconcile(ctx, streams)
	}

	m.checkPipelines(ctx)
}

// discoverStreams returns one descriptor per stream on the media server.
// A non-empty RTSP_STREAMS list short-circuits the API; every entry is
// treated as ready.
func (m *Manager) discoverStreams(ctx context.Context) ([]store.Stream, error) {
	if len(m.cfg.ManualStreams) > 0 {
		streams := make([]store.Stream, 0, len(m.cfg.ManualStreams))
		for _, id := range m.cfg.ManualStreams {
			streams = append(streams, store.Stream{
				ID:         id,
				StreamKey:  streamKey(id),
				SourceType: "manual",
				Ready:      true,
				Online:     true,
			})
		}
		return streams, nil
	}

	paths, err := m.discovery.ListPaths(ctx)
	if err != nil {
		return nil, err
	}

	streams := make([]store.Stream, 0, len(paths))
	for _, p := range paths {
		if p.Name == "" {
			continue
		}
		streams = append(streams, store.Stream{
			ID:            p.Name,
			StreamKey:     streamKey(p.Name),
			SourceType:    p.SourceType,
			SourceID:      p.SourceID,
			Ready:         p.Ready,
			Online:        true,
			BytesReceived: p.BytesReceived,
			BytesSent:     p.BytesSent,
		})
	}

	if m.cfg.Verbose {
		ready := 0
		for _, st := range streams {
			if st.Ready {
				ready++
			}
		}
		m.logger.Debug("Discovered streams", "total", len(streams), "ready", ready)
	}
	return streams, nil
}

// reconcile updates stream metadata and adjusts the pipeline set to match
// the ready streams. Store errors are logged and never disturb pipelines.
func (m *Manager) reconcile(ctx context.Context, streams []store.Stream) {
	activeIDs := make([]string, 0, len(streams))
	ready := make(map[string]struct{})
	for i := range streams {
		st := streams[i]
		activeIDs = append(activeIDs, st.ID)
		if st.Ready {
			ready[st.ID] = struct{}{}
		}
		if err := m.store.UpsertStream(ctx, &st); err != nil {
			m.logger.Warn("Failed to upsert stream", "stream", st.ID, "error", err)
		}
	}
	if _, err := m.store.MarkStreamsOffline(ctx, activeIDs); err != nil {
		m.logger.Warn("Failed to mark streams offline", "error", err)
	}
	if err := m.bus.Publish(events.SubjectStreamUpdated, streams); err != nil {
		m.logger.Warn("Failed to publish stream update", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.pipelines {
		if _, ok := ready[id]; ok {
			continue
		}
		m.logger.Info("Stream no longer ready, stopping pipeline", "stream", id)
		p.Stop()
		delete(m.pipelines, id)
		m.engine.DropStream(id)
	}

	for id := range ready {
		if _, ok := m.pipelines[id]; ok {
			continue
		}
		m.logger.Info("New stream discovered", "stream", id)
		p := m.newPipelineLocked(id)
		if err := p.Build(ctx); err != nil {
			m.logger.Error("Failed to start pipeline", "stream", id, "error", err)
			continue
		}
		if err := p.Start(); err != nil {
			m.logger.Error("Failed to start pipeline", "stream", id, "error", err)
			continue
		}
		m.pipelines[id] = p
	}
}

// checkPipelines restarts pipelines that stopped running. A pipeline that
// accumulated too many errors is dropped; its session ends through the
// post-roll timeout.
func (m *Manager) checkPipelines(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.pipelines {
		if p.Running() {
			continue
		}
		if p.ErrorCount() >= maxPipelineErrors {
			m.logger.Error("Too many errors, removing pipeline", "stream", id)
			delete(m.pipelines, id)
			continue
		}

		m.logger.Warn("Pipeline not running, attempting restart", "stream", id)
		p.Stop()
		time.Sleep(m.restartDelay)

		replacement := m.newPipelineLocked(id)
		if err := replacement.Build(ctx); err != nil {
			m.logger.Error("Failed to restart pipeline", "stream", id, "error", err)
			continue
		}
		if err := replacement.Start(); err != nil {
			m.logger.Error("Failed to restart pipeline", "stream", id, "error", err)
			continue
		}
		m.pipelines[id] = replacement
	}
}

// newPipelineLocked builds a pipeline with a fresh detector resolved from
// the current tuning. Callers hold m.mu.
func (m *Manager) newPipelineLocked(streamID string) *pipeline.StreamPipeline {
	det := motion.New(streamID, m.detectorConfigLocked(streamID))
	cfg := pipeline.Config{
		RTSPURL:        m.cfg.MediaMTX.RTSPBaseURL() + "/" + streamID,
		OutputDir:      m.cfg.Segments.OutputDir,
		SegmentSeconds: m.cfg.Segments.Duration,
		FrameWidth:     m.cfg.Motion.DetectionWidth,
		FrameHeight:    m.cfg.Motion.DetectionHeight,
		HWAccel:        "auto",
	}
	return pipeline.New(streamID, cfg, m.backend, det, pipeline.Hooks{
		OnMotion:        m.handleMotion,
		OnSegmentClosed: m.engine.HandleSegmentClosed,
	})
}

// detectorConfigLocked resolves the motion configuration for streamID:
// process defaults, then the tuning default block, then the stream block.
// Sensitivity wins over a pixel threshold set in the same layer. Callers
// hold m.mu.
func (m *Manager) detectorConfigLocked(streamID string) motion.Config {
	cfg := motion.Config{
		Enabled:        true,
		PixelThreshold: m.cfg.Motion.PixelThreshold,
		AreaThreshold:  m.cfg.Motion.AreaThreshold,
		CooldownFrames: m.cfg.Motion.CooldownFrames,
	}
	for _, layer := range m.tuning.ForStream(streamID) {
		if layer.Enabled != nil {
			cfg.Enabled = *layer.Enabled
		}
		if layer.PixelThreshold != nil {
			cfg.PixelThreshold = *layer.PixelThreshold
		}
		if layer.Sensitivity != nil {
			cfg.PixelThreshold = motion.SensitivityThreshold(*layer.Sensitivity)
		}
		if layer.AreaThreshold != nil {
			cfg.AreaThreshold = *layer.AreaThreshold
		}
		if layer.CooldownFrames != nil {
			cfg.CooldownFrames = *layer.CooldownFrames
		}
		if layer.Crop != nil {
			cfg.Crop = &motion.Rect{
				X:      layer.Crop.X,
				Y:      layer.Crop.Y,
				Width:  layer.Crop.Width,
				Height: layer.Crop.Height,
			}
		}
	}
	return cfg
}

// handleMotion is the motion hook for every pipeline. The session engine
// sees the event first so the pre-roll copy happens before anything else
// reacts to the motion.
func (m *Manager) handleMotion(ev motion.Event) {
	m.engine.HandleMotion(ev.StreamID, time.Now())

	m.logger.Info(fmt.Sprintf("[MOTION] stream=%s file=%s", ev.StreamID, ev.SegmentFile),
		"stream", ev.StreamID, "percent", ev.MotionPercent)

	if err := m.bus.Publish(events.SubjectMotion, ev); err != nil {
		m.logger.Warn("Failed to publish motion event", "stream", ev.StreamID, "error", err)
	}
}

// cleanupScratch prunes each stream's scratch directory down to
// MAX_SEGMENTS files, newest first. A non-positive limit disables
// pruning.
func (m *Manager) cleanupScratch() {
	limit := m.cfg.Segments.MaxSegments
	if limit <= 0 {
		return
	}

	entries, err := os.ReadDir(m.cfg.Segments.OutputDir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("Failed to read scratch directory", "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m.cleanupStreamDir(filepath.Join(m.cfg.Segments.OutputDir, entry.Name()), limit)
	}
}

func (m *Manager) cleanupStreamDir(dir string, limit int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.logger.Warn("Failed to read stream scratch directory", "dir", dir, "error", err)
		return
	}

	type segFile struct {
		path  string
		mtime time.Time
	}
	var segments []segFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ts") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		segments = append(segments, segFile{
			path:  filepath.Join(dir, entry.Name()),
			mtime: info.ModTime(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].mtime.After(segments[j].mtime)
	})

	for _, seg := range segments[min(limit, len(segments)):] {
		if err := os.Remove(seg.path); err != nil {
			m.logger.Warn("Failed to remove old segment", "file", seg.path, "error", err)
			continue
		}
		if m.cfg.Verbose {
			m.logger.Debug("Cleaned up old segment", "file", seg.path)
		}
	}
}

func streamKey(streamID string) string {
	return strings.ReplaceAll(streamID, "/", "_")
}
