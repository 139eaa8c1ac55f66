package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/panoptic-video/panoptic/internal/media"
	"github.com/panoptic-video/panoptic/internal/motion"
	"github.com/panoptic-video/panoptic/internal/session"
)

type fakeHandle struct {
	startErr error
	started  bool
	stopped  bool
}

func (h *fakeHandle) Start() error {
	if h.startErr != nil {
		return h.startErr
	}
	h.started = true
	return nil
}

func (h *fakeHandle) Stop(timeout time.Duration) error {
	h.stopped = true
	return nil
}

type fakeBackend struct {
	openErr error
	handle  *fakeHandle
	params  media.Params
	cb      media.Callbacks
}

func (b *fakeBackend) Open(ctx context.Context, p media.Params, cb media.Callbacks) (media.Handle, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.params = p
	b.cb = cb
	if b.handle == nil {
		b.handle = &fakeHandle{}
	}
	return b.handle, nil
}

func testDetector(streamID string) *motion.Detector {
	return motion.New(streamID, motion.Config{
		Enabled:        true,
		PixelThreshold: 25,
		AreaThreshold:  1.0,
		CooldownFrames: 0,
	})
}

func testConfig(outputDir string) Config {
	return Config{
		RTSPURL:        "rtsp://mediamtx:8554/live/cam1",
		OutputDir:      outputDir,
		SegmentSeconds: 5,
		FrameWidth:     4,
		FrameHeight:    4,
	}
}

func builtPipeline(t *testing.T, backend *fakeBackend, hooks Hooks) *StreamPipeline {
	t.Helper()
	p := New("live/cam1", testConfig(t.TempDir()), backend, testDetector("live/cam1"), hooks)
	if err := p.Build(context.Background()); err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	return p
}

func uniformFrame(n int, value byte) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func TestPipeline_Lifecycle(t *testing.T) {
	backend := &fakeBackend{}
	p := builtPipeline(t, backend, Hooks{})

	if p.State() != StateBuilding {
		t.Errorf("Expected state building after Build, got %s", p.State())
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if !p.Running() || p.State() != StateRunning {
		t.Errorf("Expected running state, got %s", p.State())
	}
	if !backend.handle.started {
		t.Error("Expected handle to be started")
	}

	p.Stop()
	if p.Running() || p.State() != StateStopped {
		t.Errorf("Expected stopped state, got %s", p.State())
	}
	if !backend.handle.stopped {
		t.Error("Expected handle to be stopped")
	}
}

func TestPipeline_StreamKeyReplacesSlashes(t *testing.T) {
	backend := &fakeBackend{}
	outputDir := t.TempDir()
	p := New("live/cam1", testConfig(outputDir), backend, testDetector("live/cam1"), Hooks{})

	if p.StreamKey() != "live_cam1" {
		t.Errorf("Expected stream key 'live_cam1', got '%s'", p.StreamKey())
	}
	if err := p.Build(context.Background()); err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	if backend.params.ScratchDir != filepath.Join(outputDir, "live_cam1") {
		t.Errorf("Expected per-stream scratch dir, got '%s'", backend.params.ScratchDir)
	}
	if backend.params.FilePrefix != "live_cam1" {
		t.Errorf("Expected file prefix 'live_cam1', got '%s'", backend.params.FilePrefix)
	}
}

func TestPipeline_BuildTwiceFails(t *testing.T) {
	p := builtPipeline(t, &fakeBackend{}, Hooks{})
	if err := p.Build(context.Background()); err == nil {
		t.Error("Expected second Build to fail")
	}
}

func TestPipeline_StartWithoutBuildFails(t *testing.T) {
	p := New("cam1", testConfig(t.TempDir()), &fakeBackend{}, testDetector("cam1"), Hooks{})
	if err := p.Start(); err == nil {
		t.Error("Expected Start before Build to fail")
	}
}

func TestPipeline_BuildFailureReturnsToIdle(t *testing.T) {
	backend := &fakeBackend{openErr: errors.New("no such device")}
	p := New("cam1", testConfig(t.TempDir()), backend, testDetector("cam1"), Hooks{})

	if err := p.Build(context.Background()); err == nil {
		t.Fatal("Expected Build to fail")
	}
	if p.State() != StateIdle {
		t.Errorf("Expected idle state after failed build, got %s", p.State())
	}
}

func TestPipeline_SegmentOpenSynthesizesPreviousClose(t *testing.T) {
	scratch := t.TempDir()
	segA := filepath.Join(scratch, "live_cam1_000000.ts")
	if err := os.WriteFile(segA, []byte("data"), 0644); err != nil {
		t.Fatalf("Failed to write segment: %v", err)
	}

	var closed []session.ClosedSegment
	backend := &fakeBackend{}
	p := builtPipeline(t, backend, Hooks{
		OnSegmentClosed: func(seg session.ClosedSegment) { closed = append(closed, seg) },
	})

	openedA := time.Now().Add(-5 * time.Second)
	openedB := time.Now()
	backend.cb.OnSegmentOpened(segA, 0, openedA)
	if len(closed) != 0 {
		t.Fatalf("Expected no close for the first segment, got %+v", closed)
	}

	segB := filepath.Join(scratch, "live_cam1_000001.ts")
	backend.cb.OnSegmentOpened(segB, 1, openedB)
	if len(closed) != 1 {
		t.Fatalf("Expected 1 closed segment, got %d", len(closed))
	}
	if closed[0].Path != segA {
		t.Errorf("Expected close of %s, got %s", segA, closed[0].Path)
	}
	if closed[0].StreamID != "live/cam1" {
		t.Errorf("Expected stream ID 'live/cam1', got '%s'", closed[0].StreamID)
	}
	if !closed[0].EndTs.Equal(openedB) {
		t.Error("Expected close timestamp to be the next segment's open time")
	}
	if p.CurrentSegment() != segB {
		t.Errorf("Expected current segment %s, got %s", segB, p.CurrentSegment())
	}
}

func TestPipeline_SegmentCloseSkippedWhenFileMissing(t *testing.T) {
	var closed []session.ClosedSegment
	backend := &fakeBackend{}
	builtPipeline(t, backend, Hooks{
		OnSegmentClosed: func(seg session.ClosedSegment) { closed = append(closed, seg) },
	})

	backend.cb.OnSegmentOpened("/nonexistent/live_cam1_000000.ts", 0, time.Now())
	backend.cb.OnSegmentOpened("/nonexistent/live_cam1_000001.ts", 1, time.Now())

	if len(closed) != 0 {
		t.Errorf("Expected no close for a missing file, got %+v", closed)
	}
}

func TestPipeline_EarlyFramesUseFallbackSegmentPath(t *testing.T) {
	var got []motion.Event
	backend := &fakeBackend{}
	outputDir := t.TempDir()
	p := New("live/cam1", testConfig(outputDir), backend, testDetector("live/cam1"), Hooks{
		OnMotion: func(ev motion.Event) { got = append(got, ev) },
	})
	if err := p.Build(context.Background()); err != nil {
		t.Fatalf("Failed to build: %v", err)
	}

	backend.cb.OnFrame(uniformFrame(16, 0), 4, 4, 0.0)
	backend.cb.OnFrame(uniformFrame(16, 200), 4, 4, 0.04)

	if len(got) != 1 {
		t.Fatalf("Expected 1 motion event, got %d", len(got))
	}
	want := filepath.Join(outputDir, "live_cam1", "live_cam1_000000.ts")
	if got[0].SegmentFile != want {
		t.Errorf("Expected fallback segment %s, got %s", want, got[0].SegmentFile)
	}
}

func TestPipeline_FramesCarryCurrentSegment(t *testing.T) {
	scratch := t.TempDir()
	seg := filepath.Join(scratch, "live_cam1_000003.ts")

	var got []motion.Event
	backend := &fakeBackend{}
	builtPipeline(t, backend, Hooks{
		OnMotion: func(ev motion.Event) { got = append(got, ev) },
	})

	backend.cb.OnSegmentOpened(seg, 3, time.Now())
	backend.cb.OnFrame(uniformFrame(16, 0), 4, 4, 0.0)
	backend.cb.OnFrame(uniformFrame(16, 200), 4, 4, 0.04)

	if len(got) != 1 {
		t.Fatalf("Expected 1 motion event, got %d", len(got))
	}
	if got[0].SegmentFile != seg {
		t.Errorf("Expected segment %s, got %s", seg, got[0].SegmentFile)
	}
}

func TestPipeline_ErrorsDegradeAndCount(t *testing.T) {
	backend := &fakeBackend{}
	p := builtPipeline(t, backend, Hooks{})
	if err := p.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	backend.cb.OnError(media.ErrorExit, "exit status 1")
	if p.Running() {
		t.Error("Expected pipeline to stop running after an error")
	}
	if p.State() != StateDegraded {
		t.Errorf("Expected degraded state, got %s", p.State())
	}

	backend.cb.OnError(media.ErrorIO, "pipe closed")
	if p.ErrorCount() != 2 {
		t.Errorf("Expected error count 2, got %d", p.ErrorCount())
	}
}

func TestPipeline_EOSDegradesWithoutErrorCount(t *testing.T) {
	backend := &fakeBackend{}
	p := builtPipeline(t, backend, Hooks{})
	if err := p.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	backend.cb.OnEOS()
	if p.Running() {
		t.Error("Expected pipeline to stop running at end of stream")
	}
	if p.ErrorCount() != 0 {
		t.Errorf("Expected no errors counted for EOS, got %d", p.ErrorCount())
	}
}

func TestPipeline_EOSAfterStopKeepsStoppedState(t *testing.T) {
	backend := &fakeBackend{}
	p := builtPipeline(t, backend, Hooks{})
	if err := p.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	p.Stop()
	backend.cb.OnEOS()
	if p.State() != StateStopped {
		t.Errorf("Expected stopped state to stick, got %s", p.State())
	}
}
