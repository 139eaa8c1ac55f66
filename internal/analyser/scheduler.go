// Package analyser drains pending recordings through the vision model.
// Recordings are processed round-robin across streams, one per stream per
// turn, so a busy camera cannot starve the others.
package analyser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panoptic-video/panoptic/internal/inference"
	"github.com/panoptic-video/panoptic/internal/store"
)

// fencePattern strips a markdown code fence, with or without a json tag,
// from around the model's output.
var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// Config holds scheduler settings.
type Config struct {
	// HostIP and ServerPort compose the URL the inference endpoint fetches
	// recordings from.
	HostIP     string
	ServerPort int
	// PollInterval is the pause between passes.
	PollInterval time.Duration
}

// Scheduler polls for recordings without an analysis row and writes
// exactly one row per recording it processes.
type Scheduler struct {
	cfg    Config
	store  *store.Store
	client *inference.Client
	logger *slog.Logger

	started  atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a scheduler.
func New(cfg Config, st *store.Store, client *inference.Client) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		client:   client,
		logger:   slog.Default().With("component", "analyser"),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

// Stop halts the loop and waits for an in-flight pass to step off between
// recordings.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.started.Load() {
			<-s.done
		}
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("Monitoring for pending recordings", "poll_interval", s.cfg.PollInterval)
	s.runPass(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

// runPass drains the current pending queue, taking one recording from each
// stream per turn until every queue is empty.
func (s *Scheduler) runPass(ctx context.Context) {
	pending, err := s.store.PendingRecordings(ctx)
	if err != nil {
		s.logger.Error("Failed to list pending recordings", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	queues := groupByStream(pending)
	streams := make([]string, 0, len(queues))
	for id := range queues {
		streams = append(streams, id)
	}
	sort.Strings(streams)

	for _, id := range streams {
		s.logger.Info("Pending recordings", "stream", id, "count", len(queues[id]))
	}

	indices := make(map[string]int, len(streams))
	for {
		processedAny := false
		for _, id := range streams {
			select {
			case <-s.stopChan:
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}

			queue := queues[id]
			idx := indices[id]
			if idx >= len(queue) {
				continue
			}
			indices[id] = idx + 1
			processedAny = true

			rec := queue[idx]
			// The queue snapshot may be stale; skip anything analysed since.
			if _, err := s.store.GetAnalysisByRecording(ctx, rec.ID); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("Failed to check for existing analysis", "recording", rec.ID, "error", err)
				continue
			}

			s.logger.Info("Processing recording",
				"stream", id, "file", rec.Filename, "position", fmt.Sprintf("%d/%d", idx+1, len(queue)))
			s.process(ctx, rec)
		}
		if !processedAny {
			return
		}
	}
}

// process analyses one recording and writes its analysis row. A cancelled
// context writes nothing, leaving the recording pending for the next run.
func (s *Scheduler) process(ctx context.Context, rec store.PendingRecording) {
	content, _, err := s.client.AnalyzeVideo(ctx, s.recordingURL(rec))

	row := &store.Analysis{RecordingID: rec.ID}
	switch {
	case err == nil:
		s.fillVerdict(row, content)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return
	default:
		var se *inference.StatusError
		if errors.As(err, &se) {
			row.Error = fmt.Sprintf("inference_http_%d", se.Code)
			row.RawResponse = se.Body
		} else {
			row.Error = err.Error()
		}
		s.logger.Error("Inference failed", "stream", rec.StreamID, "file", rec.Filename, "error", err)
	}

	// The inference work is already spent; land the row even when the
	// process is shutting down.
	if err := s.store.InsertAnalysis(context.Background(), row); err != nil {
		s.logger.Error("Failed to insert analysis", "recording", rec.ID, "error", err)
		return
	}

	if row.Error == "" {
		s.logger.Info("Recording analysed",
			"stream", rec.StreamID, "file", rec.Filename, "danger", row.Danger, "danger_level", row.DangerLevel)
	}
}

// fillVerdict parses the model output into row. Output that is not valid
// JSON is kept verbatim under the json_parse_error marker.
func (s *Scheduler) fillVerdict(row *store.Analysis, content string) {
	cleaned := cleanJSON(content)

	var v struct {
		Description   string  `json:"description"`
		Danger        bool    `json:"danger"`
		DangerLevel   float64 `json:"danger_level"`
		DangerDetails string  `json:"danger_details"`
	}
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		s.logger.Error("Failed to parse model response", "error", err)
		row.Error = "json_parse_error"
		row.RawResponse = content
		return
	}

	row.Description = v.Description
	row.Danger = v.Danger
	row.DangerLevel = clampLevel(int(v.DangerLevel))
	row.DangerDetails = v.DangerDetails
	row.RawResponse = content
}

func (s *Scheduler) recordingURL(rec store.PendingRecording) string {
	return fmt.Sprintf("http://%s:%d/recordings/%s", s.cfg.HostIP, s.cfg.ServerPort, rec.Filepath)
}

// cleanJSON extracts the JSON body from a fenced code block, or returns
// the trimmed content unchanged when there is no fence.
func cleanJSON(content string) string {
	if m := fencePattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(content)
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 10 {
		return 10
	}
	return level
}

func groupByStream(pending []store.PendingRecording) map[string][]store.PendingRecording {
	queues := make(map[string][]store.PendingRecording, len(pending))
	for _, rec := range pending {
		queues[rec.StreamID] = append(queues[rec.StreamID], rec)
	}
	return queues
}
