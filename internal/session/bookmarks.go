package session

import (
	"time"

	"github.com/google/uuid"
)

// nonceKey identifies a bookmark creation attempt for retry deduplication
type nonceKey struct {
	creatorID string
	nonce     string
}

// BookmarkBook deduplicates and records bookmarks for one session. A request
// replaying a (creator, nonce) pair seen within the retention window returns
// the previously created bookmark instead of creating a duplicate. Owned by
// the session worker.
type BookmarkBook struct {
	sessionID string
	retention time.Duration
	bookmarks []*Bookmark
	byID      map[string]*Bookmark
	byNonce   map[nonceKey]*nonceEntry
}

type nonceEntry struct {
	bookmarkID string
	seenAt     time.Time
}

// NewBookmarkBook creates a bookmark coordinator for one session
func NewBookmarkBook(sessionID string, retention time.Duration) *BookmarkBook {
	return &BookmarkBook{
		sessionID: sessionID,
		retention: retention,
		byID:      make(map[string]*Bookmark),
		byNonce:   make(map[nonceKey]*nonceEntry),
	}
}

// Create records a bookmark unless the (creator, nonce) pair was already
// seen, in which case the existing bookmark is returned with created=false.
func (b *BookmarkBook) Create(req BookmarkRequest, now time.Time) (*Bookmark, bool) {
	b.sweep(now)

	key := nonceKey{creatorID: req.CreatorID, nonce: req.Nonce}
	if req.Nonce != "" {
		if entry, ok := b.byNonce[key]; ok {
			return b.byID[entry.bookmarkID], false
		}
	}

	bm := &Bookmark{
		ID:               uuid.NewString(),
		SessionID:        b.sessionID,
		CreatorID:        req.CreatorID,
		Nonce:            req.Nonce,
		Type:             req.Type,
		Title:            req.Title,
		Description:      req.Description,
		Tags:             req.Tags,
		TimestampSeconds: req.TimestampSeconds,
		CreatedAt:        now.UTC(),
	}
	b.bookmarks = append(b.bookmarks, bm)
	b.byID[bm.ID] = bm
	if req.Nonce != "" {
		b.byNonce[key] = &nonceEntry{bookmarkID: bm.ID, seenAt: now}
	}
	return bm, true
}

// All returns every bookmark in creation order
func (b *BookmarkBook) All() []Bookmark {
	out := make([]Bookmark, 0, len(b.bookmarks))
	for _, bm := range b.bookmarks {
		out = append(out, *bm)
	}
	return out
}

// sweep drops nonce entries older than the retention window. The bookmarks
// themselves are immutable and never dropped.
func (b *BookmarkBook) sweep(now time.Time) {
	for key, entry := range b.byNonce {
		if now.Sub(entry.seenAt) > b.retention {
			delete(b.byNonce, key)
		}
	}
}
