// Package motion implements frame-differencing motion detection for
// grayscale video frames. A Detector keeps state for one stream: it
// compares each frame against the previous one, counts pixels whose
// difference exceeds the pixel threshold, and reports an event when the
// changed share of the frame crosses the area threshold and the cooldown
// has elapsed.
package motion

import (
	"fmt"
	"sync"
	"time"
)

// Event is one detected motion occurrence.
type Event struct {
	StreamID      string    `json:"stream_id"`
	SegmentFile   string    `json:"segment_file"`
	MotionPercent float64   `json:"motion_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Rect restricts detection to a region of the frame. Coordinates are in
// detection-frame pixels with the origin at the top left.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config holds the tunable parameters of a Detector.
type Config struct {
	Enabled        bool
	PixelThreshold int     // minimum per-pixel difference, 0-255
	AreaThreshold  float64 // minimum changed share of the frame, percent
	CooldownFrames int     // minimum frames between events
	Crop           *Rect   // nil means the full frame
}

// Validate reports the first out-of-range parameter.
func (c Config) Validate() error {
	if c.PixelThreshold < 0 || c.PixelThreshold > 255 {
		return fmt.Errorf("pixel threshold must be in [0,255], got %d", c.PixelThreshold)
	}
	if c.AreaThreshold < 0 || c.AreaThreshold > 100 {
		return fmt.Errorf("area threshold must be in [0,100], got %g", c.AreaThreshold)
	}
	if c.CooldownFrames < 0 {
		return fmt.Errorf("cooldown frames must not be negative, got %d", c.CooldownFrames)
	}
	if c.Crop != nil && (c.Crop.Width <= 0 || c.Crop.Height <= 0) {
		return fmt.Errorf("crop must have positive size, got %dx%d", c.Crop.Width, c.Crop.Height)
	}
	return nil
}

// SensitivityThreshold maps a 0-100 sensitivity to a pixel threshold.
// Higher sensitivity means a lower threshold, floored at 5 so sensor noise
// never counts as change.
func SensitivityThreshold(sensitivity int) int {
	if sensitivity < 0 {
		sensitivity = 0
	}
	if sensitivity > 100 {
		sensitivity = 100
	}
	threshold := 50 - sensitivity/2
	if threshold < 5 {
		threshold = 5
	}
	return threshold
}

// Detector detects motion on a single stream. All methods are safe for
// concurrent use; configuration can change while frames flow.
type Detector struct {
	streamID string

	mu                sync.Mutex
	cfg               Config
	prev              []byte
	prevW, prevH      int
	framesSinceMotion int
	frameCount        uint64
}

// New creates a detector for streamID. The detector starts armed: motion
// on the second frame is reported immediately.
func New(streamID string, cfg Config) *Detector {
	return &Detector{
		streamID:          streamID,
		cfg:               cfg,
		framesSinceMotion: cfg.CooldownFrames,
	}
}

// ProcessFrame compares one grayscale frame (width*height bytes) against
// the previous frame and returns an event when motion is detected, nil
// otherwise. segmentPath names the segment being written when the frame
// arrived; it travels into the event untouched.
//
// Malformed frames (size mismatch, non-positive dimensions) and crops that
// clamp to nothing are skipped without touching detector state.
func (d *Detector) ProcessFrame(frame []byte, width, height int, segmentPath string, now time.Time) *Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.frameCount++
	d.framesSinceMotion++

	if !d.cfg.Enabled {
		d.prev = nil
		return nil
	}
	if width <= 0 || height <= 0 || len(frame) != width*height {
		return nil
	}

	// Clamp the crop to the frame. A crop entirely outside the frame
	// leaves nothing to compare.
	x0, y0, x1, y1 := 0, 0, width, height
	if c := d.cfg.Crop; c != nil {
		x0, y0 = max(c.X, 0), max(c.Y, 0)
		x1, y1 = min(c.X+c.Width, width), min(c.Y+c.Height, height)
		if x1 <= x0 || y1 <= y0 {
			return nil
		}
	}
	cw, ch := x1-x0, y1-y0

	// First frame, or the region changed shape: snapshot and wait for the
	// next frame.
	if d.prev == nil || d.prevW != cw || d.prevH != ch {
		d.prev = make([]byte, cw*ch)
		d.prevW, d.prevH = cw, ch
		copyRegion(d.prev, frame, width, x0, y0, cw, ch)
		return nil
	}

	// Diff against the previous snapshot, replacing it in place as we go.
	threshold := d.cfg.PixelThreshold
	changed := 0
	for row := 0; row < ch; row++ {
		src := frame[(y0+row)*width+x0 : (y0+row)*width+x0+cw]
		prev := d.prev[row*cw : (row+1)*cw]
		for i, cur := range src {
			delta := int(cur) - int(prev[i])
			if delta < 0 {
				delta = -delta
			}
			if delta > threshold {
				changed++
			}
			prev[i] = cur
		}
	}

	percent := float64(changed) / float64(cw*ch) * 100.0
	if percent >= d.cfg.AreaThreshold && d.framesSinceMotion >= d.cfg.CooldownFrames {
		d.framesSinceMotion = 0
		return &Event{
			StreamID:      d.streamID,
			SegmentFile:   segmentPath,
			MotionPercent: percent,
			Timestamp:     now,
		}
	}
	return nil
}

// Reset clears the previous frame and re-arms the cooldown, as after a
// stream reconnect.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.prev = nil
	d.framesSinceMotion = d.cfg.CooldownFrames
	d.frameCount = 0
}

// Update swaps in a new configuration. Changing the crop or disabling
// detection discards the previous frame so the next comparison starts
// fresh.
func (d *Detector) Update(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !cfg.Enabled || !rectEqual(cfg.Crop, d.cfg.Crop) {
		d.prev = nil
	}
	d.cfg = cfg
}

// SetEnabled toggles detection. Disabling discards the previous frame.
func (d *Detector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !enabled {
		d.prev = nil
	}
	d.cfg.Enabled = enabled
}

// SetCrop changes the detection region. A different region discards the
// previous frame.
func (d *Detector) SetCrop(crop *Rect) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !rectEqual(crop, d.cfg.Crop) {
		d.prev = nil
	}
	d.cfg.Crop = crop
}

// SetSensitivity adjusts the pixel threshold through the sensitivity
// mapping.
func (d *Detector) SetSensitivity(sensitivity int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg.PixelThreshold = SensitivityThreshold(sensitivity)
}

// Config returns a copy of the current configuration.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.cfg
}

// FrameCount returns the number of frames processed since the last reset.
func (d *Detector) FrameCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.frameCount
}

func copyRegion(dst, frame []byte, frameWidth, x0, y0, cw, ch int) {
	for row := 0; row < ch; row++ {
		src := frame[(y0+row)*frameWidth+x0 : (y0+row)*frameWidth+x0+cw]
		copy(dst[row*cw:(row+1)*cw], src)
	}
}

func rectEqual(a, b *Rect) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
