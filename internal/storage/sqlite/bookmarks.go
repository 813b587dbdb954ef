package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmeet/session-engine/internal/session"
)

// InsertBookmark stores a bookmark. Idempotent by id and by the
// (session_id, creator_id, nonce) natural key, so a replayed write after a
// crash never creates a duplicate.
func (s *Storage) InsertBookmark(ctx context.Context, bm session.Bookmark) error {
	var tags any
	if len(bm.Tags) > 0 {
		data, err := json.Marshal(bm.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		tags = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO bookmarks
		(id, session_id, creator_id, nonce, type, title, description, tags, timestamp_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bm.ID,
		bm.SessionID,
		bm.CreatorID,
		bm.Nonce,
		string(bm.Type),
		bm.Title,
		bm.Description,
		tags,
		bm.TimestampSeconds,
		bm.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert bookmark: %w", err)
	}
	return nil
}

// BookmarksBySession returns all bookmarks for a session in creation order
func (s *Storage) BookmarksBySession(ctx context.Context, sessionID string) ([]session.Bookmark, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, creator_id, nonce, type, title, description, tags, timestamp_seconds, created_at
		FROM bookmarks
		WHERE session_id = ?
		ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookmarks: %w", err)
	}
	defer rows.Close()

	var bookmarks []session.Bookmark
	for rows.Next() {
		var bm session.Bookmark
		var bmType, createdAt string
		var nonce, description, tags sql.NullString

		if err := rows.Scan(
			&bm.ID,
			&bm.SessionID,
			&bm.CreatorID,
			&nonce,
			&bmType,
			&bm.Title,
			&description,
			&tags,
			&bm.TimestampSeconds,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}

		bm.Type = session.BookmarkType(bmType)
		if nonce.Valid {
			bm.Nonce = nonce.String
		}
		if description.Valid {
			bm.Description = description.String
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &bm.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
			}
		}
		bm.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		bookmarks = append(bookmarks, bm)
	}
	return bookmarks, rows.Err()
}
