package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmeet/session-engine/internal/session"
)

// InsertSegment stores a sequenced transcript segment. Idempotent by
// (session_id, seq), so replaying a write after a crash is a no-op.
func (s *Storage) InsertSegment(ctx context.Context, seg session.TranscriptSegment) error {
	var supersedes any
	if len(seg.Supersedes) > 0 {
		data, err := json.Marshal(seg.Supersedes)
		if err != nil {
			return fmt.Errorf("failed to marshal supersedes: %w", err)
		}
		supersedes = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO segments
		(session_id, seq, speaker_id, content, start_offset, end_offset, confidence, is_final, supersedes, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.SessionID,
		seg.Seq,
		seg.SpeakerID,
		seg.Text,
		seg.StartTime,
		seg.EndTime,
		seg.Confidence,
		seg.IsFinal,
		supersedes,
		seg.ReceivedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert segment: %w", err)
	}
	return nil
}

// SegmentsSince returns segments with sequence numbers greater than
// sinceSeq, in sequence order. Pass 0 for the full transcript.
func (s *Storage) SegmentsSince(ctx context.Context, sessionID string, sinceSeq uint64) ([]session.TranscriptSegment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, speaker_id, content, start_offset, end_offset, confidence, is_final, supersedes, received_at
		FROM segments
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC`,
		sessionID, sinceSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	return scanSegments(rows)
}

// SegmentsPage returns persisted segments with limit/offset pagination
func (s *Storage) SegmentsPage(ctx context.Context, sessionID string, limit, offset int) ([]session.TranscriptSegment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, speaker_id, content, start_offset, end_offset, confidence, is_final, supersedes, received_at
		FROM segments
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments page: %w", err)
	}
	defer rows.Close()

	return scanSegments(rows)
}

// LastSeq returns the highest persisted sequence number for a session
func (s *Storage) LastSeq(ctx context.Context, sessionID string) (uint64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM segments WHERE session_id = ?`,
		sessionID,
	)
	var last uint64
	if err := row.Scan(&last); err != nil {
		return 0, fmt.Errorf("failed to query last seq: %w", err)
	}
	return last, nil
}

func scanSegments(rows *sql.Rows) ([]session.TranscriptSegment, error) {
	var segments []session.TranscriptSegment
	for rows.Next() {
		var seg session.TranscriptSegment
		var receivedAt string
		var supersedes sql.NullString

		if err := rows.Scan(
			&seg.SessionID,
			&seg.Seq,
			&seg.SpeakerID,
			&seg.Text,
			&seg.StartTime,
			&seg.EndTime,
			&seg.Confidence,
			&seg.IsFinal,
			&supersedes,
			&receivedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}

		var err error
		seg.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse received_at: %w", err)
		}

		if supersedes.Valid && supersedes.String != "" {
			if err := json.Unmarshal([]byte(supersedes.String), &seg.Supersedes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal supersedes: %w", err)
			}
		}

		segments = append(segments, seg)
	}
	return segments, rows.Err()
}
