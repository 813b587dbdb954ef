package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmeet/session-engine/pkg/logger"
)

// Registry is the source of truth for active session lifecycle. It maps
// session ids to their single-writer workers and only routes requests; all
// session state lives inside the workers, so unrelated sessions never
// contend on anything but this map.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*worker

	store     Store
	snapStore SnapshotStore
	tunables  Tunables
	attachTO  time.Duration
	logger    *logger.Logger

	// onComplete is invoked when a session transitions to completed, e.g.
	// to enqueue post-meeting summarization.
	onComplete func(sessionID string)
}

// NewRegistry creates the session registry
func NewRegistry(store Store, snapStore SnapshotStore, tunables Tunables, attachTimeout time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		workers:   make(map[string]*worker),
		store:     store,
		snapStore: snapStore,
		tunables:  tunables,
		attachTO:  attachTimeout,
		logger:    log.Named("registry"),
	}
}

// SetCompletionHook registers a callback invoked when a session completes.
// Must be called before the first session is created.
func (r *Registry) SetCompletionHook(hook func(sessionID string)) {
	r.onComplete = hook
}

// Create starts a new pending session for a meeting
func (r *Registry) Create(meetingID, language string) (Session, error) {
	if meetingID == "" {
		return Session{}, fmt.Errorf("meeting_id is required")
	}

	s := &Session{
		ID:        uuid.NewString(),
		MeetingID: meetingID,
		Status:    StatusPending,
		Language:  language,
		StartedAt: time.Now().UTC(),
	}

	w := newWorker(s, r.store, r.tunables, r.logger, r.evict, r.onComplete)

	r.mu.Lock()
	r.workers[s.ID] = w
	r.mu.Unlock()

	r.store.SaveSession(*s)

	r.logger.Info("Session created",
		logger.String("session_id", s.ID),
		logger.String("meeting_id", meetingID),
		logger.String("language", language))

	return *s, nil
}

// Get returns the current state of a session. Evicted sessions are served
// from the Durable Store.
func (r *Registry) Get(ctx context.Context, sessionID string) (Session, error) {
	if w, ok := r.worker(sessionID); ok {
		reply := make(chan Session, 1)
		if err := w.do(getCmd{reply: reply}); err == nil {
			return <-reply, nil
		}
	}

	s, err := r.snapStore.SessionByID(ctx, sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	if s == nil {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// Transition moves a session to a new lifecycle status. Transitions are
// linearized by the session's worker.
func (r *Registry) Transition(sessionID string, target Status, actorID string) (Session, error) {
	w, ok := r.worker(sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	reply := make(chan transitionReply, 1)
	if err := w.do(transitionCmd{target: target, actorID: actorID, reply: reply}); err != nil {
		return Session{}, err
	}
	res := <-reply
	return res.session, res.err
}

// IngestFragment sequences a speech-engine fragment into the session
func (r *Registry) IngestFragment(sessionID string, frag Fragment) (*TranscriptSegment, error) {
	w, ok := r.worker(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	reply := make(chan ingestReply, 1)
	if err := w.do(ingestCmd{frag: frag, reply: reply}); err != nil {
		return nil, err
	}
	res := <-reply
	return res.seg, res.err
}

// ApplyPresence applies a participant presence event to the session
func (r *Registry) ApplyPresence(sessionID string, event PresenceEvent) error {
	w, ok := r.worker(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	reply := make(chan error, 1)
	if err := w.do(presenceCmd{event: event, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// CreateBookmark creates a bookmark, deduplicating retried requests by
// (session, creator, nonce). The second return value is false when an
// existing bookmark was returned instead of a new one being created.
func (r *Registry) CreateBookmark(sessionID string, req BookmarkRequest) (*Bookmark, bool, error) {
	w, ok := r.worker(sessionID)
	if !ok {
		return nil, false, ErrSessionNotFound
	}
	reply := make(chan bookmarkReply, 1)
	if err := w.do(bookmarkCmd{req: req, reply: reply}); err != nil {
		return nil, false, err
	}
	res := <-reply
	return res.bookmark, res.created, res.err
}

// Attach subscribes a viewer to the session's live stream. The returned
// snapshot and connection are produced in the same worker turn, so the
// stream resumes exactly at the snapshot's cursor. Fails with
// ErrAttachTimeout when no response arrives within the configured interval.
func (r *Registry) Attach(ctx context.Context, sessionID, viewerID string, sinceSeq *uint64) (Snapshot, *ViewerConn, error) {
	w, ok := r.worker(sessionID)
	if !ok {
		return Snapshot{}, nil, ErrSessionNotFound
	}

	reply := make(chan attachReply, 1)
	if err := w.do(attachCmd{viewerID: viewerID, sinceSeq: sinceSeq, reply: reply}); err != nil {
		return Snapshot{}, nil, err
	}

	timer := time.NewTimer(r.attachTO)
	defer timer.Stop()

	select {
	case res := <-reply:
		if res.conn == nil {
			return Snapshot{}, nil, ErrSessionClosed
		}
		return res.snapshot, res.conn, nil
	case <-timer.C:
		return Snapshot{}, nil, ErrAttachTimeout
	case <-ctx.Done():
		return Snapshot{}, nil, ctx.Err()
	}
}

// Detach closes a viewer's connection if it is still open
func (r *Registry) Detach(sessionID, viewerID string) {
	if w, ok := r.worker(sessionID); ok {
		_ = w.do(detachCmd{viewerID: viewerID})
	}
}

// Snapshot serves a consistent snapshot without subscribing. Sessions no
// longer in memory are reconstructed from the Durable Store; if the store
// is unreachable the caller gets ErrSnapshotUnavailable.
func (r *Registry) Snapshot(ctx context.Context, sessionID string, sinceSeq *uint64) (Snapshot, error) {
	if w, ok := r.worker(sessionID); ok {
		reply := make(chan Snapshot, 1)
		if err := w.do(snapshotCmd{sinceSeq: sinceSeq, reply: reply}); err == nil {
			snap := <-reply
			if snap.Session.ID != "" {
				return snap, nil
			}
		}
	}
	return r.storeSnapshot(ctx, sessionID, sinceSeq)
}

// storeSnapshot builds a snapshot from the Durable Store for sessions that
// have been evicted from memory.
func (r *Registry) storeSnapshot(ctx context.Context, sessionID string, sinceSeq *uint64) (Snapshot, error) {
	s, err := r.snapStore.SessionByID(ctx, sessionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	if s == nil {
		return Snapshot{}, ErrSessionNotFound
	}

	var since uint64
	if sinceSeq != nil {
		since = *sinceSeq
	}

	segments, err := r.snapStore.SegmentsSince(ctx, sessionID, since)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	// A delta carries only what changed after the cursor. Participants and
	// bookmarks are not sequenced in the store, so a delta omits them rather
	// than handing the client duplicates of state it already holds.
	var participants []Participant
	var bookmarks []Bookmark
	if sinceSeq == nil {
		participants, err = r.snapStore.ParticipantsBySession(ctx, sessionID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
		}
		bookmarks, err = r.snapStore.BookmarksBySession(ctx, sessionID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
		}
	}
	lastSeq, err := r.snapStore.LastSeq(ctx, sessionID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	s.LastSeq = lastSeq
	return Snapshot{
		Session:      *s,
		Segments:     segments,
		Participants: participants,
		Bookmarks:    bookmarks,
		ResumeSeq:    lastSeq,
		Delta:        sinceSeq != nil,
	}, nil
}

// ActiveCount returns the number of sessions currently held in memory
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Shutdown tears down every session worker
func (r *Registry) Shutdown() {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.workers = make(map[string]*worker)
	r.mu.Unlock()

	r.logger.Info("Shutting down session workers", logger.Int("count", len(workers)))
	for _, w := range workers {
		w.shutdown()
	}
}

// evict drops a completed session from memory after its grace period.
// Only the Durable Store copy remains.
func (r *Registry) evict(sessionID string) {
	r.mu.Lock()
	w, ok := r.workers[sessionID]
	if ok {
		delete(r.workers, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	w.shutdown()
	r.logger.Info("Session evicted after grace period", logger.String("session_id", sessionID))
}

func (r *Registry) worker(sessionID string) (*worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[sessionID]
	return w, ok
}
