package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openmeet/session-engine/internal/session"
)

// UpsertSession stores or replaces a session row. Idempotent by session id.
func (s *Storage) UpsertSession(ctx context.Context, sess session.Session) error {
	var endedAt any
	if sess.EndedAt != nil {
		endedAt = sess.EndedAt.Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, meeting_id, status, language, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at`,
		sess.ID,
		sess.MeetingID,
		string(sess.Status),
		sess.Language,
		sess.StartedAt.Format(time.RFC3339),
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// SessionByID returns the session row, or nil when it does not exist
func (s *Storage) SessionByID(ctx context.Context, sessionID string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, meeting_id, status, language, started_at, ended_at, summary
		FROM sessions
		WHERE id = ?`,
		sessionID,
	)

	var sess session.Session
	var status, startedAt string
	var endedAt, language, summary sql.NullString

	if err := row.Scan(&sess.ID, &sess.MeetingID, &status, &language, &startedAt, &endedAt, &summary); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.Status = session.Status(status)
	if language.Valid {
		sess.Language = language.String
	}
	if summary.Valid {
		sess.Summary = summary.String
	}

	var err error
	sess.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if endedAt.Valid {
		ended, err := time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		sess.EndedAt = &ended
	}

	return &sess, nil
}

// SessionsByMeeting returns all sessions recorded for a meeting, newest first
func (s *Storage) SessionsByMeeting(ctx context.Context, meetingID string) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE meeting_id = ? ORDER BY started_at DESC`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by meeting: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}

	sessions := make([]session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.SessionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, *sess)
		}
	}
	return sessions, nil
}

// SetSummary stores the generated post-meeting summary if none exists yet.
// Returns true when the summary was written.
func (s *Storage) SetSummary(ctx context.Context, sessionID, summary string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = ? WHERE id = ? AND (summary IS NULL OR summary = '')`,
		summary, sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set session summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
