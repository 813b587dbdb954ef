package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openmeet/session-engine/pkg/logger"
)

// recordingStore captures writes so tests can assert persistence without a
// real database
type recordingStore struct {
	mu           sync.Mutex
	sessions     []Session
	segments     []TranscriptSegment
	participants []Participant
	bookmarks    []Bookmark
}

func (s *recordingStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
}

func (s *recordingStore) SaveSegment(seg TranscriptSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
}

func (s *recordingStore) SaveParticipant(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = append(s.participants, p)
}

func (s *recordingStore) SaveBookmark(bm Bookmark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks = append(s.bookmarks, bm)
}

func (s *recordingStore) segmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

// stubSnapshotStore serves canned durable-store reads
type stubSnapshotStore struct {
	mu           sync.Mutex
	session      *Session
	segments     []TranscriptSegment
	participants []Participant
	bookmarks    []Bookmark
	err          error
}

func (s *stubSnapshotStore) SessionByID(_ context.Context, _ string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.err
}

func (s *stubSnapshotStore) SegmentsSince(_ context.Context, _ string, sinceSeq uint64) ([]TranscriptSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TranscriptSegment
	for _, seg := range s.segments {
		if seg.Seq > sinceSeq {
			out = append(out, seg)
		}
	}
	return out, s.err
}

func (s *stubSnapshotStore) ParticipantsBySession(_ context.Context, _ string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants, s.err
}

func (s *stubSnapshotStore) BookmarksBySession(_ context.Context, _ string) ([]Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookmarks, s.err
}

func (s *stubSnapshotStore) LastSeq(_ context.Context, _ string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last uint64
	for _, seg := range s.segments {
		if seg.Seq > last {
			last = seg.Seq
		}
	}
	return last, s.err
}

func testTunables() Tunables {
	return Tunables{
		EvictionGrace:      time.Hour,
		SpeakingQuiet:      1500 * time.Millisecond,
		ViewerBufferSize:   16,
		NonceRetention:     10 * time.Minute,
		MaxInterimRetained: 64,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *recordingStore, *stubSnapshotStore) {
	t.Helper()
	store := &recordingStore{}
	snap := &stubSnapshotStore{}
	r := NewRegistry(store, snap, testTunables(), 5*time.Second, logger.NewNop())
	t.Cleanup(r.Shutdown)
	return r, store, snap
}

func activeSession(t *testing.T, r *Registry) Session {
	t.Helper()
	sess, err := r.Create("meeting-1", "en")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.Status != StatusPending {
		t.Fatalf("new session status = %s, want pending", sess.Status)
	}
	sess, err = r.Transition(sess.ID, StatusActive, "host")
	if err != nil {
		t.Fatalf("Transition to active failed: %v", err)
	}
	return sess
}

func TestLifecycleTransitionTable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	steps := []Status{StatusPaused, StatusActive, StatusCompleted}
	for _, target := range steps {
		var err error
		sess, err = r.Transition(sess.ID, target, "host")
		if err != nil {
			t.Fatalf("Transition to %s failed: %v", target, err)
		}
		if sess.Status != target {
			t.Fatalf("status = %s, want %s", sess.Status, target)
		}
	}
	if sess.EndedAt == nil {
		t.Fatal("EndedAt not set on completion")
	}

	_, err := r.Transition(sess.ID, StatusActive, "host")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> active returned %v, want ErrInvalidTransition", err)
	}
}

func TestPendingRejectsPause(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sess, err := r.Create("meeting-1", "en")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Transition(sess.ID, StatusPaused, "host"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> paused returned %v, want ErrInvalidTransition", err)
	}
}

func TestTwoViewersSeeSameOrderedStream(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	ctx := context.Background()
	_, v1, err := r.Attach(ctx, sess.ID, "viewer-1", nil)
	if err != nil {
		t.Fatalf("Attach viewer-1 failed: %v", err)
	}
	_, v2, err := r.Attach(ctx, sess.ID, "viewer-2", nil)
	if err != nil {
		t.Fatalf("Attach viewer-2 failed: %v", err)
	}

	// Three interims then one final correction from the same speaker
	for i, text := range []string{"we", "we need", "we need more"} {
		if _, err := r.IngestFragment(sess.ID, Fragment{
			SpeakerID: "alice", Text: text, StartTime: 0, EndTime: float64(i + 1),
		}); err != nil {
			t.Fatalf("IngestFragment failed: %v", err)
		}
	}
	if _, err := r.IngestFragment(sess.ID, Fragment{
		SpeakerID: "alice", Text: "We need more time.", StartTime: 0, EndTime: 3.5, IsFinal: true,
	}); err != nil {
		t.Fatalf("final IngestFragment failed: %v", err)
	}

	for _, conn := range []*ViewerConn{v1, v2} {
		var events []OutboundEvent
		var last uint64
		for i := 0; i < 4; i++ {
			select {
			case ev := <-conn.Events():
				if ev.EventSeq() <= last {
					t.Fatalf("viewer %s: seq %d after %d", conn.ViewerID(), ev.EventSeq(), last)
				}
				last = ev.EventSeq()
				events = append(events, ev)
			case <-time.After(time.Second):
				t.Fatalf("viewer %s: timed out waiting for event %d", conn.ViewerID(), i)
			}
		}

		corrected, ok := events[3].(*SegmentCorrectedEvent)
		if !ok {
			t.Fatalf("viewer %s: last event is %T, want SegmentCorrectedEvent", conn.ViewerID(), events[3])
		}
		if len(corrected.Supersedes) != 3 {
			t.Fatalf("viewer %s: correction supersedes %v, want 3 refs", conn.ViewerID(), corrected.Supersedes)
		}
	}
}

func TestAttachSnapshotMergesCorrections(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	r.IngestFragment(sess.ID, Fragment{SpeakerID: "alice", Text: "draft", StartTime: 0, EndTime: 2})
	r.IngestFragment(sess.ID, Fragment{SpeakerID: "alice", Text: "Final text.", StartTime: 0, EndTime: 2, IsFinal: true})

	snap, conn, err := r.Attach(context.Background(), sess.ID, "late-viewer", nil)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer r.Detach(sess.ID, "late-viewer")

	if len(snap.Segments) != 1 {
		t.Fatalf("snapshot has %d segments, want 1 merged", len(snap.Segments))
	}
	if snap.Segments[0].Text != "Final text." {
		t.Fatalf("snapshot text = %q, want corrected text", snap.Segments[0].Text)
	}
	if snap.ResumeSeq != snap.Segments[0].Seq {
		t.Fatalf("ResumeSeq = %d, want %d", snap.ResumeSeq, snap.Segments[0].Seq)
	}

	// The first live event continues exactly after the snapshot cursor
	seg, err := r.IngestFragment(sess.ID, Fragment{SpeakerID: "bob", Text: "next", StartTime: 3, EndTime: 4})
	if err != nil {
		t.Fatalf("IngestFragment failed: %v", err)
	}
	select {
	case ev := <-conn.Events():
		if ev.EventSeq() != seg.Seq {
			t.Fatalf("first live event seq = %d, want %d", ev.EventSeq(), seg.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestReconnectDeltaContainsOnlyNewerEvents(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seg, err := r.IngestFragment(sess.ID, Fragment{
			SpeakerID: "alice", Text: "word", StartTime: float64(i), EndTime: float64(i) + 0.5, IsFinal: true,
		})
		if err != nil {
			t.Fatalf("IngestFragment failed: %v", err)
		}
		seqs = append(seqs, seg.Seq)
	}

	since := seqs[2]
	snap, _, err := r.Attach(context.Background(), sess.ID, "viewer-1", &since)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer r.Detach(sess.ID, "viewer-1")

	if !snap.Delta {
		t.Fatal("snapshot not marked as delta")
	}
	if len(snap.Events) != 2 {
		t.Fatalf("delta has %d events, want 2 (seqs > %d)", len(snap.Events), since)
	}
	for _, ev := range snap.Events {
		if ev.EventSeq() <= since {
			t.Fatalf("delta contains seq %d <= cursor %d", ev.EventSeq(), since)
		}
	}
}

func TestBookmarkRetryReturnsOriginal(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	req := BookmarkRequest{
		CreatorID: "u1",
		Nonce:     "retry-1",
		Type:      BookmarkActionItem,
		Title:     "Follow up",
	}

	first, created, err := r.CreateBookmark(sess.ID, req)
	if err != nil || !created {
		t.Fatalf("first CreateBookmark: created=%v err=%v", created, err)
	}
	second, created, err := r.CreateBookmark(sess.ID, req)
	if err != nil {
		t.Fatalf("retry CreateBookmark failed: %v", err)
	}
	if created {
		t.Fatal("retry created a duplicate bookmark")
	}
	if second.ID != first.ID {
		t.Fatalf("retry returned id %s, want %s", second.ID, first.ID)
	}

	store.mu.Lock()
	persisted := len(store.bookmarks)
	store.mu.Unlock()
	if persisted != 1 {
		t.Fatalf("persisted %d bookmarks, want 1", persisted)
	}
}

func TestInvalidBookmarkRejected(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	_, _, err := r.CreateBookmark(sess.ID, BookmarkRequest{CreatorID: "u1", Type: "starred", Title: "x"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("unknown bookmark type returned %v, want ValidationError", err)
	}

	_, _, err = r.CreateBookmark(sess.ID, BookmarkRequest{CreatorID: "u1", Type: BookmarkManual})
	if !errors.As(err, &ve) {
		t.Fatalf("missing title returned %v, want ValidationError", err)
	}
}

func TestMalformedFragmentDroppedWithoutCorruption(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	_, err := r.IngestFragment(sess.ID, Fragment{SpeakerID: "alice", Text: "bad", StartTime: 5, EndTime: 1})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("inverted time range returned %v, want ValidationError", err)
	}
	if store.segmentCount() != 0 {
		t.Fatal("malformed fragment was persisted")
	}

	// The session continues sequencing normally
	seg, err := r.IngestFragment(sess.ID, Fragment{SpeakerID: "alice", Text: "good", StartTime: 0, EndTime: 1})
	if err != nil {
		t.Fatalf("valid fragment rejected after malformed one: %v", err)
	}
	if seg.Seq == 0 {
		t.Fatal("segment got zero seq")
	}
}

func TestCompletionRejectsPresenceAndBookmarks(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	if _, err := r.Transition(sess.ID, StatusCompleted, "host"); err != nil {
		t.Fatalf("Transition to completed failed: %v", err)
	}

	err := r.ApplyPresence(sess.ID, PresenceEvent{ParticipantID: "u1", Type: PresenceJoin})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("presence after completion returned %v, want ErrSessionClosed", err)
	}

	_, _, err = r.CreateBookmark(sess.ID, BookmarkRequest{CreatorID: "u1", Type: BookmarkManual, Title: "late"})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("bookmark after completion returned %v, want ErrSessionClosed", err)
	}
}

func TestLateCorrectionPersistedNotBroadcast(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	if _, err := r.IngestFragment(sess.ID, Fragment{SpeakerID: "alice", Text: "draft", StartTime: 0, EndTime: 2}); err != nil {
		t.Fatalf("IngestFragment failed: %v", err)
	}
	if _, err := r.Transition(sess.ID, StatusCompleted, "host"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	_, conn, err := r.Attach(context.Background(), sess.ID, "viewer-1", nil)
	if err != nil {
		t.Fatalf("Attach during grace period failed: %v", err)
	}
	defer r.Detach(sess.ID, "viewer-1")

	before := store.segmentCount()
	if _, err := r.IngestFragment(sess.ID, Fragment{
		SpeakerID: "alice", Text: "Final draft.", StartTime: 0, EndTime: 2, IsFinal: true,
	}); err != nil {
		t.Fatalf("late correction rejected: %v", err)
	}
	if store.segmentCount() != before+1 {
		t.Fatal("late correction was not persisted")
	}

	select {
	case ev := <-conn.Events():
		t.Fatalf("viewer received %s after completion", ev.EventType())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPresenceEventsReachViewers(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	_, conn, err := r.Attach(context.Background(), sess.ID, "viewer-1", nil)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer r.Detach(sess.ID, "viewer-1")

	if err := r.ApplyPresence(sess.ID, PresenceEvent{ParticipantID: "u1", DisplayName: "Alice", Type: PresenceJoin}); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := r.ApplyPresence(sess.ID, PresenceEvent{ParticipantID: "u1", Type: PresenceSpeaking, IsSpeaking: true}); err != nil {
		t.Fatalf("speaking failed: %v", err)
	}
	if err := r.ApplyPresence(sess.ID, PresenceEvent{ParticipantID: "u1", Type: PresenceLeave}); err != nil {
		t.Fatalf("leave failed: %v", err)
	}

	wantTypes := []string{EventParticipantJoined, EventParticipantSpeaking, EventParticipantLeft}
	for _, want := range wantTypes {
		select {
		case ev := <-conn.Events():
			if ev.EventType() != want {
				t.Fatalf("event type = %s, want %s", ev.EventType(), want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	// Join and leave both persisted the participant row
	store.mu.Lock()
	persisted := len(store.participants)
	store.mu.Unlock()
	if persisted != 2 {
		t.Fatalf("persisted %d participant rows, want 2", persisted)
	}
}

func TestDuplicateJoinEmitsNoEvent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sess := activeSession(t, r)

	if err := r.ApplyPresence(sess.ID, PresenceEvent{ParticipantID: "u1", Type: PresenceJoin}); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	_, conn, err := r.Attach(context.Background(), sess.ID, "viewer-1", nil)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer r.Detach(sess.ID, "viewer-1")

	if err := r.ApplyPresence(sess.ID, PresenceEvent{ParticipantID: "u1", Type: PresenceJoin}); err != nil {
		t.Fatalf("duplicate join failed: %v", err)
	}

	select {
	case ev := <-conn.Events():
		t.Fatalf("duplicate join produced %s event", ev.EventType())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCompletionHookFires(t *testing.T) {
	store := &recordingStore{}
	r := NewRegistry(store, &stubSnapshotStore{}, testTunables(), 5*time.Second, logger.NewNop())
	t.Cleanup(r.Shutdown)

	var mu sync.Mutex
	var completed []string
	r.SetCompletionHook(func(sessionID string) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, sessionID)
	})

	sess := activeSession(t, r)
	if _, err := r.Transition(sess.ID, StatusCompleted, "host"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 1 || completed[0] != sess.ID {
		t.Fatalf("completion hook calls = %v, want [%s]", completed, sess.ID)
	}
}

func TestGetFallsBackToStore(t *testing.T) {
	r, _, snap := newTestRegistry(t)

	snap.session = &Session{ID: "evicted-1", MeetingID: "m1", Status: StatusCompleted}
	sess, err := r.Get(context.Background(), "evicted-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sess.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", sess.Status)
	}

	snap.session = nil
	if _, err := r.Get(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get missing returned %v, want ErrSessionNotFound", err)
	}
}

func TestSnapshotFallsBackToStore(t *testing.T) {
	r, _, snap := newTestRegistry(t)

	snap.session = &Session{ID: "evicted-1", MeetingID: "m1", Status: StatusCompleted}
	snap.segments = []TranscriptSegment{
		{SessionID: "evicted-1", Seq: 1, SpeakerID: "alice", Text: "hello", IsFinal: true},
		{SessionID: "evicted-1", Seq: 2, SpeakerID: "bob", Text: "bye", IsFinal: true},
	}

	got, err := r.Snapshot(context.Background(), "evicted-1", nil)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(got.Segments) != 2 {
		t.Fatalf("snapshot has %d segments, want 2", len(got.Segments))
	}
	if got.ResumeSeq != 2 {
		t.Fatalf("ResumeSeq = %d, want 2", got.ResumeSeq)
	}

	snap.err = errors.New("disk gone")
	snap.session = nil
	if _, err := r.Snapshot(context.Background(), "evicted-1", nil); !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("Snapshot with broken store returned %v, want ErrSnapshotUnavailable", err)
	}
}

func TestStoreDeltaOmitsParticipantsAndBookmarks(t *testing.T) {
	r, _, snap := newTestRegistry(t)

	snap.session = &Session{ID: "evicted-1", MeetingID: "m1", Status: StatusCompleted}
	snap.segments = []TranscriptSegment{
		{SessionID: "evicted-1", Seq: 1, SpeakerID: "alice", Text: "hello", IsFinal: true},
		{SessionID: "evicted-1", Seq: 2, SpeakerID: "bob", Text: "bye", IsFinal: true},
	}
	snap.participants = []Participant{{SessionID: "evicted-1", ParticipantID: "alice"}}
	snap.bookmarks = []Bookmark{{ID: "bm-1", SessionID: "evicted-1", CreatorID: "alice"}}

	full, err := r.Snapshot(context.Background(), "evicted-1", nil)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(full.Participants) != 1 || len(full.Bookmarks) != 1 {
		t.Fatalf("full snapshot has %d participants and %d bookmarks, want 1 and 1",
			len(full.Participants), len(full.Bookmarks))
	}

	// A reconnecting client already holds this state; a delta must not hand
	// it duplicates
	since := uint64(1)
	delta, err := r.Snapshot(context.Background(), "evicted-1", &since)
	if err != nil {
		t.Fatalf("Delta snapshot failed: %v", err)
	}
	if !delta.Delta {
		t.Fatal("snapshot not marked delta")
	}
	if len(delta.Segments) != 1 || delta.Segments[0].Seq != 2 {
		t.Fatalf("delta segments = %+v, want only seq 2", delta.Segments)
	}
	if len(delta.Participants) != 0 || len(delta.Bookmarks) != 0 {
		t.Fatalf("delta carries %d participants and %d bookmarks, want none",
			len(delta.Participants), len(delta.Bookmarks))
	}
}

func TestAttachUnknownSession(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, _, err := r.Attach(context.Background(), "nope", "viewer-1", nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Attach returned %v, want ErrSessionNotFound", err)
	}
}

func TestShutdownClosesViewers(t *testing.T) {
	store := &recordingStore{}
	r := NewRegistry(store, &stubSnapshotStore{}, testTunables(), 5*time.Second, logger.NewNop())
	sess := activeSession(t, r)

	_, conn, err := r.Attach(context.Background(), sess.ID, "viewer-1", nil)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	r.Shutdown()

	for range conn.Events() {
	}
	if !errors.Is(conn.CloseReason(), ErrSessionClosed) {
		t.Fatalf("CloseReason = %v, want ErrSessionClosed", conn.CloseReason())
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d, want 0 after shutdown", r.ActiveCount())
	}
}
