package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/panoptic-video/panoptic/internal/config"
	"github.com/panoptic-video/panoptic/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.Open(config.Database{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}
	return New(db)
}

func insertTestRecording(t *testing.T, s *Store, streamID, filename string, recordedAt time.Time) *Recording {
	t.Helper()
	rec := &Recording{
		StreamID:   streamID,
		Filename:   filename,
		Filepath:   "/recordings/" + streamID + "/20260115/" + filename,
		RecordedAt: recordedAt,
	}
	if err := s.InsertRecording(context.Background(), rec); err != nil {
		t.Fatalf("Failed to insert recording: %v", err)
	}
	return rec
}

func TestStore_InsertAndGetRecording(t *testing.T) {
	s := testStore(t)
	recordedAt := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	rec := insertTestRecording(t, s, "front_door", "front_door_120000.ts", recordedAt)
	if rec.ID == 0 {
		t.Fatal("Expected insert to assign an ID")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("Expected insert to set CreatedAt")
	}

	got, err := s.GetRecording(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Failed to get recording: %v", err)
	}
	if got.StreamID != "front_door" {
		t.Errorf("Expected stream_id 'front_door', got '%s'", got.StreamID)
	}
	if got.Filename != "front_door_120000.ts" {
		t.Errorf("Unexpected filename '%s'", got.Filename)
	}
	if got.RecordedAt.Unix() != recordedAt.Unix() {
		t.Errorf("Expected recorded_at %d, got %d", recordedAt.Unix(), got.RecordedAt.Unix())
	}
}

func TestStore_GetRecording_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetRecording(context.Background(), 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_ListRecordings(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	insertTestRecording(t, s, "front_door", "front_door_120000.ts", base)
	insertTestRecording(t, s, "front_door", "front_door_120005.ts", base.Add(5*time.Second))
	insertTestRecording(t, s, "garage", "garage_120000.ts", base)

	recs, total, err := s.ListRecordings(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("Failed to list recordings: %v", err)
	}
	if total != 3 || len(recs) != 3 {
		t.Fatalf("Expected 3 recordings, got total=%d len=%d", total, len(recs))
	}
	// Newest first.
	if recs[0].Filename != "front_door_120005.ts" {
		t.Errorf("Expected newest recording first, got '%s'", recs[0].Filename)
	}

	recs, total, err = s.ListRecordings(context.Background(), ListOptions{StreamID: "garage"})
	if err != nil {
		t.Fatalf("Failed to list garage recordings: %v", err)
	}
	if total != 1 || len(recs) != 1 {
		t.Fatalf("Expected 1 garage recording, got total=%d len=%d", total, len(recs))
	}

	since := base.Add(time.Second)
	recs, _, err = s.ListRecordings(context.Background(), ListOptions{Since: &since})
	if err != nil {
		t.Fatalf("Failed to list recent recordings: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("Expected 1 recording after %s, got %d", since, len(recs))
	}
}

func TestStore_ListRecordings_Pagination(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		insertTestRecording(t, s, "cam", "cam.ts", base.Add(time.Duration(i)*time.Second))
	}

	recs, total, err := s.ListRecordings(context.Background(), ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Failed to list recordings: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected total 5, got %d", total)
	}
	if len(recs) != 2 {
		t.Errorf("Expected page of 2, got %d", len(recs))
	}
}

func TestStore_ListRecordings_AnalysedFilter(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	analysed := insertTestRecording(t, s, "cam", "a.ts", base)
	insertTestRecording(t, s, "cam", "b.ts", base.Add(time.Second))

	err := s.InsertAnalysis(context.Background(), &Analysis{
		RecordingID: analysed.ID,
		Description: "quiet street",
	})
	if err != nil {
		t.Fatalf("Failed to insert analysis: %v", err)
	}

	yes, no := true, false
	recs, _, err := s.ListRecordings(context.Background(), ListOptions{Analysed: &yes})
	if err != nil {
		t.Fatalf("Failed to list analysed recordings: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != analysed.ID {
		t.Errorf("Expected only the analysed recording, got %+v", recs)
	}

	recs, _, err = s.ListRecordings(context.Background(), ListOptions{Analysed: &no})
	if err != nil {
		t.Fatalf("Failed to list unanalysed recordings: %v", err)
	}
	if len(recs) != 1 || recs[0].Filename != "b.ts" {
		t.Errorf("Expected only the unanalysed recording, got %+v", recs)
	}
}

func TestStore_PendingRecordings(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	first := insertTestRecording(t, s, "cam_a", "a1.ts", base)
	insertTestRecording(t, s, "cam_a", "a2.ts", base.Add(time.Second))
	insertTestRecording(t, s, "cam_b", "b1.ts", base)

	pending, err := s.PendingRecordings(context.Background())
	if err != nil {
		t.Fatalf("Failed to get pending recordings: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 pending recordings, got %d", len(pending))
	}
	// Ordered by stream then age.
	if pending[0].Filename != "a1.ts" || pending[1].Filename != "a2.ts" || pending[2].Filename != "b1.ts" {
		t.Errorf("Unexpected pending order: %+v", pending)
	}

	err = s.InsertAnalysis(context.Background(), &Analysis{RecordingID: first.ID, Error: "inference_http_500"})
	if err != nil {
		t.Fatalf("Failed to insert analysis: %v", err)
	}

	pending, err = s.PendingRecordings(context.Background())
	if err != nil {
		t.Fatalf("Failed to get pending recordings: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending after analysis, got %d", len(pending))
	}
	for _, p := range pending {
		if p.ID == first.ID {
			t.Error("Analysed recording should not be pending, even when the analysis is an error marker")
		}
	}
}

func TestStore_InsertAndGetAnalysis(t *testing.T) {
	s := testStore(t)
	rec := insertTestRecording(t, s, "cam", "a.ts", time.Now())

	a := &Analysis{
		RecordingID:   rec.ID,
		Description:   "person at the door",
		Danger:        true,
		DangerLevel:   7,
		DangerDetails: "unknown person trying the handle",
		RawResponse:   `{"description":"person at the door"}`,
	}
	if err := s.InsertAnalysis(context.Background(), a); err != nil {
		t.Fatalf("Failed to insert analysis: %v", err)
	}
	if a.ID == 0 {
		t.Fatal("Expected insert to assign an ID")
	}

	got, err := s.GetAnalysisByRecording(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Failed to get analysis: %v", err)
	}
	if got.Description != "person at the door" {
		t.Errorf("Unexpected description '%s'", got.Description)
	}
	if !got.Danger || got.DangerLevel != 7 {
		t.Errorf("Expected danger level 7, got danger=%v level=%d", got.Danger, got.DangerLevel)
	}
	if got.Error != "" {
		t.Errorf("Expected no error marker, got '%s'", got.Error)
	}
}

func TestStore_GetAnalysisByRecording_NotFound(t *testing.T) {
	s := testStore(t)
	rec := insertTestRecording(t, s, "cam", "a.ts", time.Now())

	_, err := s.GetAnalysisByRecording(context.Background(), rec.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
