// Package store persists recordings, analysis results, and stream metadata
// in the relational store shared by the detector and the analyser.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/panoptic-video/panoptic/internal/database"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Recording is one durable segment copied out by the detector.
type Recording struct {
	ID         int64     `json:"id"`
	StreamID   string    `json:"stream_id"`
	Filename   string    `json:"filename"`
	Filepath   string    `json:"filepath"`
	RecordedAt time.Time `json:"recorded_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Analysis is the vision model's verdict on one recording. Error carries a
// failure marker such as inference_http_500 when no verdict was produced.
type Analysis struct {
	ID            int64     `json:"id"`
	RecordingID   int64     `json:"recording_id"`
	Description   string    `json:"description,omitempty"`
	Danger        bool      `json:"danger"`
	DangerLevel   int       `json:"danger_level"`
	DangerDetails string    `json:"danger_details,omitempty"`
	RawResponse   string    `json:"raw_response,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// PendingRecording is a recording with no analysis row yet.
type PendingRecording struct {
	ID       int64  `json:"id"`
	StreamID string `json:"stream_id"`
	Filename string `json:"filename"`
	Filepath string `json:"filepath"`
}

// ListOptions filters and pages ListRecordings.
type ListOptions struct {
	StreamID string
	Since    *time.Time
	Until    *time.Time
	Analysed *bool
	Limit    int
	Offset   int
}

// Store wraps the shared relational store.
type Store struct {
	db *database.DB
}

// New creates a store on top of an open database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

// InsertRecording inserts rec and fills in its ID and CreatedAt.
func (s *Store) InsertRecording(ctx context.Context, rec *Recording) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := s.db.Rebind(`
		INSERT INTO recordings (stream_id, filename, filepath, recorded_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	args := []any{rec.StreamID, rec.Filename, rec.Filepath, rec.RecordedAt.Unix(), rec.CreatedAt.Unix()}

	if s.db.Driver() == "postgres" {
		return s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&rec.ID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rec.ID, err = result.LastInsertId()
	return err
}

// GetRecording retrieves a recording by ID.
func (s *Store) GetRecording(ctx context.Context, id int64) (*Recording, error) {
	rec := &Recording{}
	var recordedAt, createdAt int64

	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, stream_id, filename, filepath, recorded_at, created_at
		FROM recordings WHERE id = ?
	`), id).Scan(&rec.ID, &rec.StreamID, &rec.Filename, &rec.Filepath, &recordedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recording %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rec.RecordedAt = time.Unix(recordedAt, 0)
	rec.CreatedAt = time.Unix(createdAt, 0)
	return rec, nil
}

// ListRecordings retrieves recordings newest first, with the total count
// before paging.
func (s *Store) ListRecordings(ctx context.Context, opts ListOptions) ([]Recording, int, error) {
	var conditions []string
	var args []any

	if opts.StreamID != "" {
		conditions = append(conditions, "stream_id = ?")
		args = append(args, opts.StreamID)
	}
	if opts.Since != nil {
		conditions = append(conditions, "recorded_at >= ?")
		args = append(args, opts.Since.Unix())
	}
	if opts.Until != nil {
		conditions = append(conditions, "recorded_at <= ?")
		args = append(args, opts.Until.Unix())
	}
	if opts.Analysed != nil {
		if *opts.Analysed {
			conditions = append(conditions, "EXISTS (SELECT 1 FROM analysis a WHERE a.recording_id = recordings.id)")
		} else {
			conditions = append(conditions, "NOT EXISTS (SELECT 1 FROM analysis a WHERE a.recording_id = recordings.id)")
		}
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := s.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM recordings %s", whereClause))
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Rebind(fmt.Sprintf(`
		SELECT id, stream_id, filename, filepath, recorded_at, created_at
		FROM recordings %s
		ORDER BY recorded_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, whereClause))
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recordings []Recording
	for rows.Next() {
		var rec Recording
		var recordedAt, createdAt int64
		if err := rows.Scan(&rec.ID, &rec.StreamID, &rec.Filename, &rec.Filepath, &recordedAt, &createdAt); err != nil {
			return nil, 0, err
		}
		rec.RecordedAt = time.Unix(recordedAt, 0)
		rec.CreatedAt = time.Unix(createdAt, 0)
		recordings = append(recordings, rec)
	}
	return recordings, total, rows.Err()
}

// PendingRecordings returns recordings with no analysis row, ordered by
// stream then age so the scheduler can interleave cameras fairly.
func (s *Store) PendingRecordings(ctx context.Context) ([]PendingRecording, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.stream_id, r.filename, r.filepath
		FROM recordings r
		LEFT JOIN analysis a ON r.id = a.recording_id
		WHERE a.id IS NULL
		ORDER BY r.stream_id, r.recorded_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []PendingRecording
	for rows.Next() {
		var p PendingRecording
		if err := rows.Scan(&p.ID, &p.StreamID, &p.Filename, &p.Filepath); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// InsertAnalysis inserts a and fills in its ID and CreatedAt.
func (s *Store) InsertAnalysis(ctx context.Context, a *Analysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	query := s.db.Rebind(`
		INSERT INTO analysis (recording_id, description, danger, danger_level, danger_details, raw_response, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	args := []any{
		a.RecordingID,
		nullString(a.Description),
		a.Danger,
		a.DangerLevel,
		nullString(a.DangerDetails),
		nullString(a.RawResponse),
		nullString(a.Error),
		a.CreatedAt.Unix(),
	}

	if s.db.Driver() == "postgres" {
		return s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&a.ID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	a.ID, err = result.LastInsertId()
	return err
}

// GetAnalysisByRecording retrieves the analysis row for a recording.
func (s *Store) GetAnalysisByRecording(ctx context.Context, recordingID int64) (*Analysis, error) {
	a := &Analysis{}
	var description, details, raw, errText sql.NullString
	var createdAt int64

	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, recording_id, description, danger, danger_level, danger_details, raw_response, error, created_at
		FROM analysis WHERE recording_id = ?
	`), recordingID).Scan(
		&a.ID, &a.RecordingID, &description, &a.Danger, &a.DangerLevel,
		&details, &raw, &errText, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("analysis for recording %d: %w", recordingID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	a.Description = description.String
	a.DangerDetails = details.String
	a.RawResponse = raw.String
	a.Error = errText.String
	a.CreatedAt = time.Unix(createdAt, 0)
	return a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
