// Package media runs the per-stream ingest process: one ffmpeg per stream
// that segments the video into MPEG-TS scratch files and taps downscaled
// grayscale frames for motion detection.
package media

import (
	"context"
	"time"
)

// ErrorKind classifies backend failures reported through Callbacks.OnError.
type ErrorKind string

const (
	// ErrorSpawn means the process could not be started.
	ErrorSpawn ErrorKind = "spawn"
	// ErrorExit means the process exited unexpectedly.
	ErrorExit ErrorKind = "exit"
	// ErrorIO means a pipe read failed while the process was running.
	ErrorIO ErrorKind = "io"
)

// Params configures a single stream ingest.
type Params struct {
	// URL is the full stream source, typically rtsp://host:port/path.
	URL string
	// Transport selects the RTSP transport ("tcp" or "udp"); empty means tcp.
	Transport string
	// LatencyMS is the demux jitter budget in milliseconds; 0 means 200.
	LatencyMS int

	// FrameWidth and FrameHeight size the grayscale analysis tap.
	FrameWidth  int
	FrameHeight int

	// SegmentSeconds is the target duration of each scratch segment.
	SegmentSeconds int
	// ScratchDir receives the rotating segment files; created if missing.
	ScratchDir string
	// FilePrefix names the segment files: <ScratchDir>/<FilePrefix>_%06d.ts.
	FilePrefix string

	// HWAccel selects decode acceleration: "", "none", "auto", or an
	// explicit accelerator name such as "cuda" or "vaapi".
	HWAccel string
}

// Callbacks receive ingest events. All callbacks are invoked from a single
// dispatch goroutine per handle; segment events are delivered ahead of any
// queued frames, and the frame queue holds at most two entries with the
// oldest dropped on overflow.
type Callbacks struct {
	// OnSegmentOpened fires when the segmenter starts writing a new file.
	OnSegmentOpened func(path string, index int, openedAt time.Time)
	// OnFrame delivers one grayscale frame of w*h bytes. The slice is owned
	// by the receiver.
	OnFrame func(frame []byte, width, height int, pts float64)
	// OnError reports a fatal backend failure.
	OnError func(kind ErrorKind, detail string)
	// OnEOS fires when the source ends or the process stops cleanly.
	OnEOS func()
	// OnWarning reports non-fatal process output worth surfacing.
	OnWarning func(detail string)
}

// Backend creates ingest handles. The context passed to Open bounds the
// lifetime of everything the handle spawns.
type Backend interface {
	Open(ctx context.Context, p Params, cb Callbacks) (Handle, error)
}

// Handle is one opened stream ingest.
type Handle interface {
	// Start launches the ingest process. Calling Start on a running handle
	// is a no-op.
	Start() error
	// Stop terminates the ingest, waiting up to timeout for a clean exit
	// before killing the process.
	Stop(timeout time.Duration) error
}
