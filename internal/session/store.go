package session

import "context"

// Store is the engine's write-side view of the Durable Store. Writes are
// queued and retried in the background; they never block the live event
// path. Replays after a crash must not create duplicates, so every write is
// idempotent by natural key.
type Store interface {
	SaveSession(s Session)
	SaveSegment(seg TranscriptSegment)
	SaveParticipant(p Participant)
	SaveBookmark(bm Bookmark)
}

// SnapshotStore is the query-side view of the Durable Store used to serve
// reconnect snapshots for sessions no longer held in memory.
type SnapshotStore interface {
	SessionByID(ctx context.Context, sessionID string) (*Session, error)
	SegmentsSince(ctx context.Context, sessionID string, sinceSeq uint64) ([]TranscriptSegment, error)
	ParticipantsBySession(ctx context.Context, sessionID string) ([]Participant, error)
	BookmarksBySession(ctx context.Context, sessionID string) ([]Bookmark, error)
	LastSeq(ctx context.Context, sessionID string) (uint64, error)
}
