package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// segmentOpenPattern matches the segment muxer announcing a new output file.
var segmentOpenPattern = regexp.MustCompile(`Opening '(.+\.ts)' for writing`)

// FFmpegBackend runs one ffmpeg process per stream with two outputs: a
// copy-mode MPEG-TS segmenter writing to scratch, and a grayscale rawvideo
// tap on stdout for motion detection.
type FFmpegBackend struct {
	binary string
}

// NewFFmpegBackend creates a backend using the ffmpeg binary on PATH.
func NewFFmpegBackend() *FFmpegBackend {
	return &FFmpegBackend{binary: "ffmpeg"}
}

// Open validates params, prepares the scratch directory, and returns a
// handle ready to Start. The process, once started, lives until Stop or
// until ctx is cancelled.
func (b *FFmpegBackend) Open(ctx context.Context, p Params, cb Callbacks) (Handle, error) {
	if p.URL == "" {
		return nil, errors.New("media: URL is required")
	}
	if p.ScratchDir == "" || p.FilePrefix == "" {
		return nil, errors.New("media: ScratchDir and FilePrefix are required")
	}
	if p.FrameWidth <= 0 || p.FrameHeight <= 0 {
		return nil, fmt.Errorf("media: invalid frame size %dx%d", p.FrameWidth, p.FrameHeight)
	}
	if p.SegmentSeconds <= 0 {
		return nil, fmt.Errorf("media: invalid segment duration %d", p.SegmentSeconds)
	}

	if err := os.MkdirAll(p.ScratchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	hctx, cancel := context.WithCancel(ctx)
	return &ffmpegHandle{
		params: p,
		cb:     cb,
		binary: b.binary,
		hwArgs: resolveHWAccelArgs(p.HWAccel),
		logger: slog.Default().With("component", "ffmpeg", "stream", p.FilePrefix),
		ctx:    hctx,
		cancel: cancel,
		events: make(chan ingestEvent, 16),
		frames: make(chan rawFrame, 2),
		done:   make(chan struct{}),
	}, nil
}

type eventKind int

const (
	eventSegment eventKind = iota
	eventWarning
	eventError
	eventEOS
)

type ingestEvent struct {
	kind     eventKind
	path     string
	index    int
	openedAt time.Time
	errKind  ErrorKind
	detail   string
}

type rawFrame struct {
	data []byte
	pts  float64
}

type ffmpegHandle struct {
	params Params
	cb     Callbacks
	binary string
	hwArgs []string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	finished bool
	stopping bool

	startedAt time.Time
	readerWG  sync.WaitGroup

	events chan ingestEvent
	frames chan rawFrame
	done   chan struct{}
}

// Start launches ffmpeg and the reader and dispatch goroutines.
func (h *ffmpegHandle) Start() error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil
	}

	args := h.buildArgs()
	cmd := exec.CommandContext(h.ctx, h.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	h.cmd = cmd
	h.started = true
	h.startedAt = time.Now()
	h.mu.Unlock()

	h.logger.Info("FFmpeg started", "pid", cmd.Process.Pid, "url", sanitizeURL(h.params.URL))

	h.readerWG.Add(2)
	go h.readStderr(stderr)
	go h.readFrames(stdout)
	go h.dispatch()
	go h.wait(cmd)

	return nil
}

// Stop terminates ffmpeg: SIGTERM first so the segmenter can flush, then a
// kill through the context if it does not exit within timeout.
func (h *ffmpegHandle) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		h.cancel()
		return nil
	}
	h.stopping = true
	cmd := h.cmd
	h.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-h.done:
		h.cancel()
		return nil
	case <-time.After(timeout):
	}

	h.logger.Warn("FFmpeg did not exit in time, killing", "timeout", timeout)
	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("ffmpeg did not exit after kill")
	}
}

// wait reaps the process, joins the readers, and emits the terminal event.
func (h *ffmpegHandle) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	h.readerWG.Wait()

	h.mu.Lock()
	stopping := h.stopping
	h.finished = true
	h.mu.Unlock()

	clean := stopping || h.ctx.Err() != nil
	if err != nil && !clean {
		h.logger.Error("FFmpeg exited with error", "error", err)
		h.events <- ingestEvent{kind: eventError, errKind: ErrorExit, detail: err.Error()}
	} else {
		h.logger.Info("FFmpeg stopped")
		h.events <- ingestEvent{kind: eventEOS}
	}

	close(h.events)
	close(h.done)
}

// dispatch delivers events and frames to the callbacks from one goroutine.
// Pending segment and control events always win over queued frames.
func (h *ffmpegHandle) dispatch() {
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.deliver(ev)
			continue
		default:
		}

		select {
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.deliver(ev)
		case fr := <-h.frames:
			if h.cb.OnFrame != nil {
				h.cb.OnFrame(fr.data, h.params.FrameWidth, h.params.FrameHeight, fr.pts)
			}
		}
	}
}

func (h *ffmpegHandle) deliver(ev ingestEvent) {
	switch ev.kind {
	case eventSegment:
		if h.cb.OnSegmentOpened != nil {
			h.cb.OnSegmentOpened(ev.path, ev.index, ev.openedAt)
		}
	case eventWarning:
		if h.cb.OnWarning != nil {
			h.cb.OnWarning(ev.detail)
		}
	case eventError:
		if h.cb.OnError != nil {
			h.cb.OnError(ev.errKind, ev.detail)
		}
	case eventEOS:
		if h.cb.OnEOS != nil {
			h.cb.OnEOS()
		}
	}
}

// enqueueFrame adds a frame to the bounded queue, dropping the oldest
// queued frame when full so the detector always sees recent video.
func (h *ffmpegHandle) enqueueFrame(fr rawFrame) {
	select {
	case h.frames <- fr:
		return
	default:
	}
	select {
	case <-h.frames:
	default:
	}
	select {
	case h.frames <- fr:
	default:
	}
}

// readFrames consumes the grayscale tap on stdout in frame-sized chunks.
func (h *ffmpegHandle) readFrames(stdout io.Reader) {
	defer h.readerWG.Done()

	frameSize := h.params.FrameWidth * h.params.FrameHeight
	reader := bufio.NewReaderSize(stdout, frameSize)

	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return
		}
		h.enqueueFrame(rawFrame{data: buf, pts: time.Since(h.startedAt).Seconds()})
	}
}

// readStderr scans process output for segment rotation and error lines.
func (h *ffmpegHandle) readStderr(stderr io.Reader) {
	defer h.readerWG.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		if matches := segmentOpenPattern.FindStringSubmatch(line); len(matches) > 1 {
			path := matches[1]
			h.events <- ingestEvent{
				kind:     eventSegment,
				path:     path,
				index:    segmentIndex(path),
				openedAt: time.Now(),
			}
			h.logger.Debug("New segment opened", "path", path)
			continue
		}

		if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			h.logger.Warn("FFmpeg output", "line", line)
			h.events <- ingestEvent{kind: eventWarning, detail: line}
		}
	}
}

// buildArgs assembles the full ffmpeg invocation: hwaccel and input flags,
// then the segmenter output, then the grayscale tap output.
func (h *ffmpegHandle) buildArgs() []string {
	p := h.params

	transport := p.Transport
	if transport == "" {
		transport = "tcp"
	}
	latencyMS := p.LatencyMS
	if latencyMS <= 0 {
		latencyMS = 200
	}

	args := []string{"-hide_banner", "-loglevel", "info", "-nostdin"}
	args = append(args, h.hwArgs...)

	args = append(args,
		"-fflags", "+genpts+discardcorrupt",
		"-avoid_negative_ts", "make_zero",
	)

	if strings.HasPrefix(p.URL, "rtsp://") {
		args = append(args,
			"-rtsp_transport", transport,
			"-max_delay", strconv.Itoa(latencyMS*1000),
		)
		if transport == "tcp" {
			// TCP delivery never reorders packets.
			args = append(args, "-reorder_queue_size", "0")
		}
	}

	args = append(args, "-i", p.URL)

	// Segmenter branch: passthrough copy, no re-encode.
	pattern := filepath.Join(p.ScratchDir, p.FilePrefix+"_%06d.ts")
	args = append(args,
		"-map", "0:v",
		"-c", "copy",
		"-f", "segment",
		"-segment_time", strconv.Itoa(p.SegmentSeconds),
		"-segment_format", "mpegts",
		"-reset_timestamps", "1",
		pattern,
	)

	// Analysis tap: decoded, downscaled grayscale frames on stdout.
	args = append(args,
		"-map", "0:v",
		"-vf", fmt.Sprintf("scale=%d:%d,format=gray", p.FrameWidth, p.FrameHeight),
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"pipe:1",
	)

	return args
}

// segmentIndex parses the rotation counter from a segment filename such as
// cam1_000042.ts. Returns -1 when the name does not match.
func segmentIndex(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".ts")
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return -1
	}
	n, err := strconv.Atoi(base[idx+1:])
	if err != nil {
		return -1
	}
	return n
}

// sanitizeURL removes credentials from a URL for safe logging.
func sanitizeURL(url string) string {
	for _, proto := range []string{"rtsp://", "rtmp://", "http://", "https://"} {
		if strings.HasPrefix(url, proto) {
			remainder := strings.TrimPrefix(url, proto)
			if atIdx := strings.Index(remainder, "@"); atIdx != -1 {
				return proto + "***:***@" + remainder[atIdx+1:]
			}
		}
	}
	return url
}
