package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Tuning is the on-disk format for per-stream motion overrides. Fields are
// pointers so absent keys fall through to the process defaults.
type Tuning struct {
	Default *StreamTuning           `yaml:"default,omitempty"`
	Streams map[string]StreamTuning `yaml:"streams,omitempty"`
}

// StreamTuning overrides motion settings for a single stream. Sensitivity,
// when set, wins over PixelThreshold.
type StreamTuning struct {
	Enabled        *bool       `yaml:"enabled,omitempty"`
	Sensitivity    *int        `yaml:"sensitivity,omitempty"`
	PixelThreshold *int        `yaml:"pixel_threshold,omitempty"`
	AreaThreshold  *float64    `yaml:"area_threshold,omitempty"`
	CooldownFrames *int        `yaml:"cooldown_frames,omitempty"`
	Crop           *CropTuning `yaml:"crop,omitempty"`
}

// CropTuning restricts detection to a rectangle of the detection frame.
type CropTuning struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// ForStream returns the override layers that apply to streamID: the default
// block first, then the stream block. Either or both may be nil.
func (t *Tuning) ForStream(streamID string) []*StreamTuning {
	if t == nil {
		return nil
	}
	var layers []*StreamTuning
	if t.Default != nil {
		layers = append(layers, t.Default)
	}
	if st, ok := t.Streams[streamID]; ok {
		layers = append(layers, &st)
	}
	return layers
}

// LoadTuning parses the tuning file at path. A missing file is not an
// error; it returns an empty Tuning so startup does not depend on the file
// existing yet.
func LoadTuning(path string) (*Tuning, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Tuning{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tuning file: %w", err)
	}

	var t Tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing tuning file: %w", err)
	}
	return &t, nil
}

// TuningWatcher reloads the tuning file when it changes on disk and
// notifies registered callbacks with the new contents.
type TuningWatcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	onChange  []func(*Tuning)
	closeOnce sync.Once
	done      chan struct{}
}

// WatchTuning starts watching path. Editors typically replace the file
// rather than write in place, so rename and create events count as changes.
func WatchTuning(path string, logger *slog.Logger) (*TuningWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating tuning watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching tuning file: %w", err)
	}

	w := &TuningWatcher{
		path:    path,
		logger:  logger.With("component", "tuning"),
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnChange registers a callback invoked after each successful reload.
func (w *TuningWatcher) OnChange(fn func(*Tuning)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Close stops the watcher.
func (w *TuningWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *TuningWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce rapid successive writes from editors.
			time.Sleep(100 * time.Millisecond)
			w.reload()

			// A rename drops the watch on some platforms; re-add so the
			// replacement file keeps being observed.
			if event.Op&fsnotify.Rename != 0 {
				if err := w.watcher.Add(w.path); err != nil {
					w.logger.Warn("Failed to re-watch tuning file", "error", err)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Tuning watcher error", "error", err)
		}
	}
}

func (w *TuningWatcher) reload() {
	t, err := LoadTuning(w.path)
	if err != nil {
		w.logger.Warn("Failed to reload tuning file", "error", err)
		return
	}
	w.logger.Info("Tuning file reloaded", "streams", len(t.Streams))

	w.mu.Lock()
	callbacks := make([]func(*Tuning), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(t)
	}
}
