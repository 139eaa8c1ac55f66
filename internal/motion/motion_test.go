package motion

import (
	"testing"
	"time"
)

func uniformFrame(w, h int, value byte) []byte {
	frame := make([]byte, w*h)
	for i := range frame {
		frame[i] = value
	}
	return frame
}

func frameWithBlock(w, h int, bg, fg byte, x0, y0, bw, bh int) []byte {
	frame := uniformFrame(w, h, bg)
	for y := y0; y < y0+bh; y++ {
		for x := x0; x < x0+bw; x++ {
			frame[y*w+x] = fg
		}
	}
	return frame
}

func testConfig() Config {
	return Config{
		Enabled:        true,
		PixelThreshold: 25,
		AreaThreshold:  1.0,
		CooldownFrames: 0,
	}
}

func TestDetector_FirstFrameNoEvent(t *testing.T) {
	d := New("cam", testConfig())

	if ev := d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "seg.ts", time.Now()); ev != nil {
		t.Errorf("First frame should not produce an event, got %+v", ev)
	}
}

func TestDetector_DetectsFullFrameChange(t *testing.T) {
	d := New("cam", testConfig())
	now := time.Now()

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", now)
	ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "b.ts", now)
	if ev == nil {
		t.Fatal("Expected an event for a full-frame change")
	}
	if ev.StreamID != "cam" {
		t.Errorf("Expected stream 'cam', got '%s'", ev.StreamID)
	}
	if ev.SegmentFile != "b.ts" {
		t.Errorf("Expected segment 'b.ts', got '%s'", ev.SegmentFile)
	}
	if ev.MotionPercent != 100.0 {
		t.Errorf("Expected 100%% motion, got %g", ev.MotionPercent)
	}
	if !ev.Timestamp.Equal(now) {
		t.Error("Expected the passed timestamp on the event")
	}
}

func TestDetector_NoEventWithoutChange(t *testing.T) {
	d := New("cam", testConfig())

	d.ProcessFrame(uniformFrame(10, 10, 42), 10, 10, "a.ts", time.Now())
	for i := 0; i < 5; i++ {
		if ev := d.ProcessFrame(uniformFrame(10, 10, 42), 10, 10, "a.ts", time.Now()); ev != nil {
			t.Fatalf("Identical frames should not produce events, got %+v", ev)
		}
	}
}

func TestDetector_PixelThresholdIsStrict(t *testing.T) {
	cfg := testConfig()
	cfg.PixelThreshold = 25
	d := New("cam", cfg)

	d.ProcessFrame(uniformFrame(10, 10, 100), 10, 10, "a.ts", time.Now())

	// A difference of exactly the threshold does not count as change.
	if ev := d.ProcessFrame(uniformFrame(10, 10, 125), 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("Delta equal to the threshold should not count, got %+v", ev)
	}

	// One past the threshold does. Previous frame is now the 125 one.
	if ev := d.ProcessFrame(uniformFrame(10, 10, 151), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Error("Delta above the threshold should count")
	}
}

func TestDetector_AreaThresholdBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.AreaThreshold = 5.0
	d := New("cam", cfg)

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())

	// 4 of 100 pixels changed: below the 5% bar.
	if ev := d.ProcessFrame(frameWithBlock(10, 10, 0, 200, 0, 0, 4, 1), 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("4%% change should stay below a 5%% threshold, got %+v", ev)
	}

	// Back to the base frame, then exactly 5 changed pixels: meets the bar.
	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())
	ev := d.ProcessFrame(frameWithBlock(10, 10, 0, 200, 0, 0, 5, 1), 10, 10, "a.ts", time.Now())
	if ev == nil {
		t.Fatal("Exactly 5%% change should meet a 5%% threshold")
	}
	if ev.MotionPercent != 5.0 {
		t.Errorf("Expected 5%% motion, got %g", ev.MotionPercent)
	}
}

func TestDetector_CooldownSuppressesEvents(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownFrames = 3
	d := New("cam", cfg)

	flip := func(i int) []byte {
		if i%2 == 0 {
			return uniformFrame(10, 10, 0)
		}
		return uniformFrame(10, 10, 200)
	}

	d.ProcessFrame(flip(0), 10, 10, "a.ts", time.Now())

	// Armed from the start, so the second frame reports.
	if ev := d.ProcessFrame(flip(1), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Fatal("Expected an event on the first detected motion")
	}

	// The next two motion frames land inside the cooldown window.
	for i := 2; i <= 3; i++ {
		if ev := d.ProcessFrame(flip(i), 10, 10, "a.ts", time.Now()); ev != nil {
			t.Fatalf("Frame %d should be suppressed by cooldown, got %+v", i, ev)
		}
	}

	// Cooldown elapsed: motion reports again.
	if ev := d.ProcessFrame(flip(4), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Error("Expected an event after the cooldown elapsed")
	}
}

func TestDetector_Reset(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownFrames = 100
	d := New("cam", cfg)

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())
	if ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Fatal("Expected an event before reset")
	}

	d.Reset()
	if d.FrameCount() != 0 {
		t.Errorf("Expected frame count 0 after reset, got %d", d.FrameCount())
	}

	// First frame after reset only primes the detector.
	if ev := d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("First frame after reset should not produce an event, got %+v", ev)
	}
	// But the cooldown is re-armed, so the next motion reports at once.
	if ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Error("Expected an event immediately after reset")
	}
}

func TestDetector_SkipsMalformedFrames(t *testing.T) {
	d := New("cam", testConfig())

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())

	// Wrong length, nil frame, and bad dimensions are all skipped.
	if ev := d.ProcessFrame(make([]byte, 7), 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("Short frame should be skipped, got %+v", ev)
	}
	if ev := d.ProcessFrame(nil, 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("Nil frame should be skipped, got %+v", ev)
	}
	if ev := d.ProcessFrame(nil, 0, 0, "a.ts", time.Now()); ev != nil {
		t.Errorf("Zero-size frame should be skipped, got %+v", ev)
	}

	// The stored frame survived the garbage: a real change still reports.
	if ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Error("Expected an event against the frame stored before the malformed ones")
	}
}

func TestDetector_ShapeChangeReprimes(t *testing.T) {
	d := New("cam", testConfig())

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())

	// Resolution change: snapshot replaced, no event.
	if ev := d.ProcessFrame(uniformFrame(20, 20, 200), 20, 20, "a.ts", time.Now()); ev != nil {
		t.Errorf("Shape change should not produce an event, got %+v", ev)
	}
	// Change at the new shape reports.
	if ev := d.ProcessFrame(uniformFrame(20, 20, 0), 20, 20, "a.ts", time.Now()); ev == nil {
		t.Error("Expected an event at the new shape")
	}
}

func TestDetector_CropLimitsDetection(t *testing.T) {
	cfg := testConfig()
	cfg.Crop = &Rect{X: 0, Y: 0, Width: 5, Height: 10}
	d := New("cam", cfg)

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())

	// Change entirely outside the crop is invisible.
	outside := frameWithBlock(10, 10, 0, 200, 5, 0, 5, 10)
	if ev := d.ProcessFrame(outside, 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("Change outside the crop should be ignored, got %+v", ev)
	}

	// Change inside the crop reports, with the percentage computed over
	// the cropped area.
	inside := frameWithBlock(10, 10, 0, 200, 0, 0, 5, 10)
	ev := d.ProcessFrame(inside, 10, 10, "a.ts", time.Now())
	if ev == nil {
		t.Fatal("Expected an event for change inside the crop")
	}
	if ev.MotionPercent != 100.0 {
		t.Errorf("Expected 100%% of the cropped area, got %g", ev.MotionPercent)
	}
}

func TestDetector_CropClampedToFrame(t *testing.T) {
	cfg := testConfig()
	cfg.Crop = &Rect{X: 5, Y: 5, Width: 100, Height: 100}
	d := New("cam", cfg)

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())

	ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "a.ts", time.Now())
	if ev == nil {
		t.Fatal("Expected an event within the clamped crop")
	}
	if ev.MotionPercent != 100.0 {
		t.Errorf("Expected 100%% of the clamped area, got %g", ev.MotionPercent)
	}
}

func TestDetector_CropOutsideFrameSkipsFrames(t *testing.T) {
	cfg := testConfig()
	cfg.Crop = &Rect{X: 50, Y: 50, Width: 10, Height: 10}
	d := New("cam", cfg)

	for i := 0; i < 3; i++ {
		if ev := d.ProcessFrame(uniformFrame(10, 10, byte(i*100)), 10, 10, "a.ts", time.Now()); ev != nil {
			t.Fatalf("Out-of-bounds crop should skip frames, got %+v", ev)
		}
	}

	// Removing the crop starts fresh: prime, then detect.
	d.SetCrop(nil)
	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())
	if ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Error("Expected an event after the crop was removed")
	}
}

func TestDetector_DisableDiscardsState(t *testing.T) {
	d := New("cam", testConfig())

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())

	d.SetEnabled(false)
	if ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("Disabled detector should not report, got %+v", ev)
	}

	// Re-enabling starts from scratch: the next frame only primes.
	d.SetEnabled(true)
	if ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("First frame after re-enable should not report, got %+v", ev)
	}
	if ev := d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Error("Expected an event once re-primed")
	}
}

func TestDetector_UpdateCropDiscardsPrev(t *testing.T) {
	d := New("cam", testConfig())

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())

	cfg := testConfig()
	cfg.Crop = &Rect{X: 0, Y: 0, Width: 5, Height: 5}
	d.Update(cfg)

	// Prev was discarded, so this frame only primes despite differing.
	if ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("Expected no event right after a crop change, got %+v", ev)
	}
	if ev := d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Error("Expected an event after re-priming")
	}
}

func TestDetector_UpdateSameConfigKeepsPrev(t *testing.T) {
	d := New("cam", testConfig())

	d.ProcessFrame(uniformFrame(10, 10, 0), 10, 10, "a.ts", time.Now())
	d.Update(testConfig())

	// Same crop (none): the stored frame survives the update.
	if ev := d.ProcessFrame(uniformFrame(10, 10, 200), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Error("Expected an event against the retained previous frame")
	}
}

func TestSensitivityThreshold(t *testing.T) {
	cases := []struct {
		sensitivity int
		want        int
	}{
		{0, 50},
		{50, 25},
		{89, 6},
		{90, 5},
		{100, 5},
		{-10, 50},
		{200, 5},
	}
	for _, tc := range cases {
		if got := SensitivityThreshold(tc.sensitivity); got != tc.want {
			t.Errorf("SensitivityThreshold(%d): expected %d, got %d", tc.sensitivity, tc.want, got)
		}
	}
}

func TestDetector_SetSensitivity(t *testing.T) {
	cfg := testConfig()
	cfg.PixelThreshold = 50
	d := New("cam", cfg)

	d.ProcessFrame(uniformFrame(10, 10, 100), 10, 10, "a.ts", time.Now())

	// Delta of 10 is invisible at threshold 50.
	if ev := d.ProcessFrame(uniformFrame(10, 10, 110), 10, 10, "a.ts", time.Now()); ev != nil {
		t.Errorf("Expected no event at low sensitivity, got %+v", ev)
	}

	// Max sensitivity lowers the threshold to 5; delta of 10 now counts.
	d.SetSensitivity(100)
	if ev := d.ProcessFrame(uniformFrame(10, 10, 120), 10, 10, "a.ts", time.Now()); ev == nil {
		t.Error("Expected an event at high sensitivity")
	}
	if got := d.Config().PixelThreshold; got != 5 {
		t.Errorf("Expected pixel threshold 5, got %d", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := testConfig()
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}

	bad := valid
	bad.PixelThreshold = 300
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for pixel threshold above 255")
	}

	bad = valid
	bad.AreaThreshold = -1
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for negative area threshold")
	}

	bad = valid
	bad.CooldownFrames = -1
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for negative cooldown")
	}

	bad = valid
	bad.Crop = &Rect{Width: 0, Height: 10}
	if err := bad.Validate(); err == nil {
		t.Error("Expected error for zero-width crop")
	}
}

func TestDetector_FrameCount(t *testing.T) {
	d := New("cam", testConfig())

	for i := 0; i < 4; i++ {
		d.ProcessFrame(uniformFrame(4, 4, 0), 4, 4, "a.ts", time.Now())
	}
	// Malformed frames still count as processed.
	d.ProcessFrame(nil, 4, 4, "a.ts", time.Now())

	if got := d.FrameCount(); got != 5 {
		t.Errorf("Expected frame count 5, got %d", got)
	}
}
