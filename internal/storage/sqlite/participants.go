package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/openmeet/session-engine/internal/session"
)

// UpsertParticipant stores or replaces a participant row. Idempotent by
// (session_id, participant_id).
func (s *Storage) UpsertParticipant(ctx context.Context, p session.Participant) error {
	var leftAt any
	if p.LeftAt != nil {
		leftAt = p.LeftAt.Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (session_id, participant_id, display_name, joined_at, left_at, talk_time_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, participant_id) DO UPDATE SET
			display_name = excluded.display_name,
			joined_at = excluded.joined_at,
			left_at = excluded.left_at,
			talk_time_seconds = excluded.talk_time_seconds`,
		p.SessionID,
		p.ParticipantID,
		p.DisplayName,
		p.JoinedAt.Format(time.RFC3339),
		leftAt,
		p.TalkTimeSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// ParticipantsBySession returns all participant rows for a session in join order
func (s *Storage) ParticipantsBySession(ctx context.Context, sessionID string) ([]session.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, participant_id, display_name, joined_at, left_at, talk_time_seconds
		FROM participants
		WHERE session_id = ?
		ORDER BY joined_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var participants []session.Participant
	for rows.Next() {
		var p session.Participant
		var joinedAt string
		var displayName, leftAt sql.NullString

		if err := rows.Scan(
			&p.SessionID,
			&p.ParticipantID,
			&displayName,
			&joinedAt,
			&leftAt,
			&p.TalkTimeSeconds,
		); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}

		if displayName.Valid {
			p.DisplayName = displayName.String
		}
		p.JoinedAt, err = time.Parse(time.RFC3339, joinedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse joined_at: %w", err)
		}
		if leftAt.Valid {
			left, err := time.Parse(time.RFC3339, leftAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse left_at: %w", err)
			}
			p.LeftAt = &left
		}

		participants = append(participants, p)
	}
	return participants, rows.Err()
}
