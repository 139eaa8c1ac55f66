package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// Stream mirrors one media server path. Online means the stream appeared
// in the most recent discovery pass; Ready is the media server's own flag.
type Stream struct {
	ID            string    `json:"id"`
	StreamKey     string    `json:"stream_key"`
	SourceType    string    `json:"source_type,omitempty"`
	SourceID      string    `json:"source_id,omitempty"`
	Ready         bool      `json:"ready"`
	Online        bool      `json:"online"`
	BytesReceived int64     `json:"bytes_received"`
	BytesSent     int64     `json:"bytes_sent"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// UpsertStream inserts or refreshes a stream row. FirstSeen is kept from
// the original insert; everything else reflects the latest discovery pass.
func (s *Store) UpsertStream(ctx context.Context, st *Stream) error {
	now := time.Now()
	if st.FirstSeen.IsZero() {
		st.FirstSeen = now
	}
	if st.LastSeen.IsZero() {
		st.LastSeen = now
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO streams (id, stream_key, source_type, source_id, ready, online, bytes_received, bytes_sent, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			stream_key = excluded.stream_key,
			source_type = excluded.source_type,
			source_id = excluded.source_id,
			ready = excluded.ready,
			online = excluded.online,
			bytes_received = excluded.bytes_received,
			bytes_sent = excluded.bytes_sent,
			last_seen = excluded.last_seen
	`),
		st.ID, st.StreamKey,
		nullString(st.SourceType), nullString(st.SourceID),
		st.Ready, st.Online,
		st.BytesReceived, st.BytesSent,
		st.FirstSeen.Unix(), st.LastSeen.Unix(),
	)
	return err
}

// MarkStreamsOffline clears the online flag on every stream not in
// activeIDs and returns how many rows changed. An empty activeIDs marks
// every stream offline.
func (s *Store) MarkStreamsOffline(ctx context.Context, activeIDs []string) (int64, error) {
	query := "UPDATE streams SET online = ?, ready = ? WHERE online = ?"
	args := []any{false, false, true}

	if len(activeIDs) > 0 {
		placeholders := make([]string, len(activeIDs))
		for i, id := range activeIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += " AND id NOT IN (" + strings.Join(placeholders, ", ") + ")"
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListStreams returns every known stream, online first, then by ID.
func (s *Store) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_key, source_type, source_id, ready, online, bytes_received, bytes_sent, first_seen, last_seen
		FROM streams
		ORDER BY online DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var streams []Stream
	for rows.Next() {
		var st Stream
		var sourceType, sourceID sql.NullString
		var firstSeen, lastSeen int64

		if err := rows.Scan(
			&st.ID, &st.StreamKey, &sourceType, &sourceID,
			&st.Ready, &st.Online, &st.BytesReceived, &st.BytesSent,
			&firstSeen, &lastSeen,
		); err != nil {
			return nil, err
		}

		st.SourceType = sourceType.String
		st.SourceID = sourceID.String
		st.FirstSeen = time.Unix(firstSeen, 0)
		st.LastSeen = time.Unix(lastSeen, 0)
		streams = append(streams, st)
	}
	return streams, rows.Err()
}
