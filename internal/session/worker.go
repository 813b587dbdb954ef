package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/openmeet/session-engine/pkg/logger"
)

// Tunables carries the per-session configuration the worker needs
type Tunables struct {
	EvictionGrace      time.Duration
	SpeakingQuiet      time.Duration
	ViewerBufferSize   int
	NonceRetention     time.Duration
	MaxInterimRetained int
}

// command is the closed set of messages a session worker processes
type command interface{ isCommand() }

type ingestCmd struct {
	frag  Fragment
	reply chan ingestReply
}

type ingestReply struct {
	seg *TranscriptSegment
	err error
}

type presenceCmd struct {
	event PresenceEvent
	reply chan error
}

type quietElapsedCmd struct {
	participantID string
}

type bookmarkCmd struct {
	req   BookmarkRequest
	reply chan bookmarkReply
}

type bookmarkReply struct {
	bookmark *Bookmark
	created  bool
	err      error
}

type transitionCmd struct {
	target  Status
	actorID string
	reply   chan transitionReply
}

type transitionReply struct {
	session Session
	err     error
}

type getCmd struct {
	reply chan Session
}

type attachCmd struct {
	viewerID string
	sinceSeq *uint64
	reply    chan attachReply
}

type attachReply struct {
	snapshot Snapshot
	conn     *ViewerConn
}

type detachCmd struct {
	viewerID string
}

type snapshotCmd struct {
	sinceSeq *uint64
	reply    chan Snapshot
}

func (ingestCmd) isCommand()       {}
func (presenceCmd) isCommand()     {}
func (quietElapsedCmd) isCommand() {}
func (bookmarkCmd) isCommand()     {}
func (transitionCmd) isCommand()   {}
func (getCmd) isCommand()          {}
func (attachCmd) isCommand()       {}
func (detachCmd) isCommand()       {}
func (snapshotCmd) isCommand()     {}

// worker is the single writer for one session. One goroutine drains the
// inbox and owns every piece of mutable session state: the sequence
// counter, the segment timeline, the participant set, the bookmark book,
// and the fan-out connections. Nothing else mutates them.
type worker struct {
	session   *Session
	sequencer *Sequencer
	presence  *Tracker
	bookmarks *BookmarkBook
	bcast     *Broadcaster
	store     Store
	tunables  Tunables
	logger    *logger.Logger

	inbox    chan command
	stop     chan struct{} // Signals the loop to exit
	stopOnce sync.Once
	done     chan struct{} // Closed once the loop has exited

	// eventLog retains every broadcast event for delta snapshots while the
	// session is in memory. Bounded by meeting length.
	eventLog []OutboundEvent

	onEvicted  func(sessionID string)
	onComplete func(sessionID string)
	evictTimer *time.Timer
}

func newWorker(s *Session, store Store, tunables Tunables, log *logger.Logger, onEvicted, onComplete func(string)) *worker {
	w := &worker{
		session:    s,
		sequencer:  NewSequencer(s.ID, tunables.MaxInterimRetained),
		presence:   NewTracker(s.ID),
		bookmarks:  NewBookmarkBook(s.ID, tunables.NonceRetention),
		bcast:      NewBroadcaster(s.ID, tunables.ViewerBufferSize, log),
		store:      store,
		tunables:   tunables,
		logger:     log.Named("session-worker").With(logger.String("session_id", s.ID)),
		inbox:      make(chan command, 1024),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		onEvicted:  onEvicted,
		onComplete: onComplete,
	}
	go w.run()
	return w
}

// run is the worker loop. All state mutation happens here.
func (w *worker) run() {
	defer close(w.done)
	defer w.bcast.CloseAll(ErrSessionClosed)

	for {
		select {
		case cmd := <-w.inbox:
			w.handle(cmd)
		case <-w.stop:
			// Drain commands already queued so callers get answers
			for {
				select {
				case cmd := <-w.inbox:
					w.reject(cmd)
				default:
					return
				}
			}
		}
	}
}

// do delivers a command to the worker, failing once the worker is stopped
func (w *worker) do(cmd command) error {
	select {
	case <-w.stop:
		return ErrSessionClosed
	default:
	}
	select {
	case w.inbox <- cmd:
		return nil
	case <-w.stop:
		return ErrSessionClosed
	}
}

// shutdown tears the worker down. Safe to call more than once.
func (w *worker) shutdown() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	if w.evictTimer != nil {
		w.evictTimer.Stop()
	}
}

func (w *worker) handle(cmd command) {
	now := time.Now()
	switch c := cmd.(type) {
	case ingestCmd:
		seg, err := w.handleIngest(c.frag, now)
		c.reply <- ingestReply{seg: seg, err: err}
	case presenceCmd:
		c.reply <- w.handlePresence(c.event, now)
	case quietElapsedCmd:
		w.handleQuietElapsed(c.participantID, now)
	case bookmarkCmd:
		bm, created, err := w.handleBookmark(c.req, now)
		c.reply <- bookmarkReply{bookmark: bm, created: created, err: err}
	case transitionCmd:
		s, err := w.handleTransition(c.target, c.actorID, now)
		c.reply <- transitionReply{session: s, err: err}
	case getCmd:
		c.reply <- *w.session
	case attachCmd:
		c.reply <- w.handleAttach(c.viewerID, c.sinceSeq)
	case detachCmd:
		w.bcast.Detach(c.viewerID)
	case snapshotCmd:
		c.reply <- w.buildSnapshot(c.sinceSeq)
	}
}

// reject answers queued commands after shutdown began
func (w *worker) reject(cmd command) {
	switch c := cmd.(type) {
	case ingestCmd:
		c.reply <- ingestReply{err: ErrSessionClosed}
	case presenceCmd:
		c.reply <- ErrSessionClosed
	case bookmarkCmd:
		c.reply <- bookmarkReply{err: ErrSessionClosed}
	case transitionCmd:
		c.reply <- transitionReply{err: ErrSessionClosed}
	case getCmd:
		c.reply <- *w.session
	case attachCmd:
		c.reply <- attachReply{}
	case snapshotCmd:
		c.reply <- Snapshot{}
	}
}

func (w *worker) handleIngest(frag Fragment, now time.Time) (*TranscriptSegment, error) {
	if err := validateFragment(frag); err != nil {
		// Malformed fragments are logged and dropped; they never corrupt
		// the session.
		w.logger.Warn("Dropping malformed fragment",
			logger.String("speaker_id", frag.SpeakerID),
			logger.Error(err))
		return nil, err
	}

	seg := w.sequencer.Ingest(frag, now)
	w.session.LastSeq = w.sequencer.LastSeq()
	w.store.SaveSegment(*seg)

	// Transcripts may finalize slightly after the audio feed ends: a
	// correction arriving after completion is still applied and persisted,
	// but only the Durable Store sees it.
	if w.session.Status == StatusCompleted {
		w.logger.Debug("Applied late segment after completion",
			logger.Uint64("seq", seg.Seq),
			logger.Int("supersedes", len(seg.Supersedes)))
		return seg, nil
	}

	if len(seg.Supersedes) > 0 {
		w.publish(&SegmentCorrectedEvent{
			Event:      newEvent(EventSegmentCorrected, w.session.ID, seg.Seq, now),
			Segment:    *seg,
			Supersedes: seg.Supersedes,
		})
	} else {
		w.publish(&SegmentAppendedEvent{
			Event:   newEvent(EventSegmentAppended, w.session.ID, seg.Seq, now),
			Segment: *seg,
		})
	}
	return seg, nil
}

func (w *worker) handlePresence(event PresenceEvent, now time.Time) error {
	if w.session.Status == StatusCompleted {
		return ErrSessionClosed
	}
	if event.ParticipantID == "" {
		w.logger.Warn("Dropping presence event without participant id",
			logger.String("event_type", string(event.Type)))
		return validationErrorf("presence event missing participant_id")
	}

	accruing := w.session.Status == StatusActive

	switch event.Type {
	case PresenceJoin:
		p, changed := w.presence.Join(event.ParticipantID, event.DisplayName, now)
		if !changed {
			return nil
		}
		w.store.SaveParticipant(*p)
		seq := w.sequencer.NextSeq()
		w.session.LastSeq = seq
		w.publish(&ParticipantJoinedEvent{
			Event:       newEvent(EventParticipantJoined, w.session.ID, seq, now),
			Participant: *p,
		})

	case PresenceLeave:
		p, changed := w.presence.Leave(event.ParticipantID, now)
		if !changed {
			return nil
		}
		// Persist on leave with final talk time
		w.store.SaveParticipant(*p)
		seq := w.sequencer.NextSeq()
		w.session.LastSeq = seq
		w.publish(&ParticipantLeftEvent{
			Event:           newEvent(EventParticipantLeft, w.session.ID, seq, now),
			ParticipantID:   p.ParticipantID,
			TalkTimeSeconds: p.TalkTimeSeconds,
		})

	case PresenceSpeaking:
		changed, deadline := w.presence.SetSpeaking(event.ParticipantID, event.IsSpeaking, now, accruing, w.tunables.SpeakingQuiet)
		if changed {
			seq := w.sequencer.NextSeq()
			w.session.LastSeq = seq
			w.publish(&ParticipantSpeakingEvent{
				Event:         newEvent(EventParticipantSpeaking, w.session.ID, seq, now),
				ParticipantID: event.ParticipantID,
				Speaking:      true,
			})
		}
		if !deadline.IsZero() {
			participantID := event.ParticipantID
			time.AfterFunc(w.tunables.SpeakingQuiet, func() {
				// Best effort: a closed worker no longer cares
				_ = w.do(quietElapsedCmd{participantID: participantID})
			})
		}

	default:
		w.logger.Warn("Dropping presence event with unknown type",
			logger.String("event_type", string(event.Type)))
		return validationErrorf("unknown presence event type %q", event.Type)
	}
	return nil
}

func (w *worker) handleQuietElapsed(participantID string, now time.Time) {
	p, cleared := w.presence.QuietElapsed(participantID, now)
	if !cleared || w.session.Status == StatusCompleted {
		return
	}
	w.store.SaveParticipant(*p)
	seq := w.sequencer.NextSeq()
	w.session.LastSeq = seq
	w.publish(&ParticipantSpeakingEvent{
		Event:         newEvent(EventParticipantSpeaking, w.session.ID, seq, now),
		ParticipantID: participantID,
		Speaking:      false,
	})
}

func (w *worker) handleBookmark(req BookmarkRequest, now time.Time) (*Bookmark, bool, error) {
	if w.session.Status == StatusCompleted {
		return nil, false, ErrSessionClosed
	}
	if !ValidBookmarkType(req.Type) {
		return nil, false, validationErrorf("invalid bookmark type %q", req.Type)
	}
	if req.Title == "" {
		return nil, false, validationErrorf("bookmark title is required")
	}

	bm, created := w.bookmarks.Create(req, now)
	if !created {
		// Retry after timeout: return the original resource, no new event
		w.logger.Debug("Duplicate bookmark request deduplicated",
			logger.String("creator_id", req.CreatorID),
			logger.String("bookmark_id", bm.ID))
		return bm, false, nil
	}

	w.store.SaveBookmark(*bm)
	seq := w.sequencer.NextSeq()
	w.session.LastSeq = seq
	w.publish(&BookmarkCreatedEvent{
		Event:    newEvent(EventBookmarkCreated, w.session.ID, seq, now),
		Bookmark: *bm,
	})
	return bm, true, nil
}

func (w *worker) handleTransition(target Status, actorID string, now time.Time) (Session, error) {
	if !CanTransition(w.session.Status, target) {
		return *w.session, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.session.Status, target)
	}

	prev := w.session.Status
	w.session.Status = target

	switch {
	case prev == StatusActive && target == StatusPaused:
		// Talk time does not accumulate while paused
		w.presence.PauseAccrual(now)
	case prev == StatusPaused && target == StatusActive:
		w.presence.ResumeAccrual(now)
	case target == StatusCompleted:
		w.presence.PauseAccrual(now)
		ended := now.UTC()
		w.session.EndedAt = &ended
		// Persist final talk time for everyone still in the session
		for _, p := range w.presence.AllParticipants() {
			w.store.SaveParticipant(p)
		}
	}

	w.store.SaveSession(*w.session)

	seq := w.sequencer.NextSeq()
	w.session.LastSeq = seq
	w.publish(&SessionStatusChangedEvent{
		Event:   newEvent(EventSessionStatusChanged, w.session.ID, seq, now),
		Status:  target,
		ActorID: actorID,
	})

	w.logger.Info("Session status changed",
		logger.String("from", string(prev)),
		logger.String("to", string(target)),
		logger.String("actor_id", actorID))

	if target == StatusCompleted {
		// Keep the worker alive through the grace period for late
		// reconnects and late corrections, then evict.
		if w.onComplete != nil {
			w.onComplete(w.session.ID)
		}
		if w.onEvicted != nil {
			w.evictTimer = time.AfterFunc(w.tunables.EvictionGrace, func() {
				w.onEvicted(w.session.ID)
			})
		}
	}

	return *w.session, nil
}

// handleAttach takes the snapshot and subscribes the viewer inside the same
// worker turn, so the resume cursor and the live stream cannot drop or
// duplicate events.
func (w *worker) handleAttach(viewerID string, sinceSeq *uint64) attachReply {
	snapshot := w.buildSnapshot(sinceSeq)
	conn := w.bcast.Attach(viewerID)
	return attachReply{snapshot: snapshot, conn: conn}
}

func (w *worker) buildSnapshot(sinceSeq *uint64) Snapshot {
	snap := Snapshot{
		Session:   *w.session,
		ResumeSeq: w.sequencer.LastSeq(),
	}
	if sinceSeq != nil {
		snap.Delta = true
		for _, ev := range w.eventLog {
			if ev.EventSeq() > *sinceSeq {
				snap.Events = append(snap.Events, ev)
			}
		}
		return snap
	}
	snap.Segments = w.sequencer.MergedSegments()
	snap.Participants = w.presence.Participants()
	snap.Bookmarks = w.bookmarks.All()
	return snap
}

// publish appends the event to the retained log and fans it out
func (w *worker) publish(event OutboundEvent) {
	w.eventLog = append(w.eventLog, event)
	w.bcast.Publish(event)
}

func validateFragment(frag Fragment) error {
	if frag.SpeakerID == "" {
		return validationErrorf("fragment missing speaker_id")
	}
	if frag.Text == "" {
		return validationErrorf("fragment missing text")
	}
	if frag.EndTime < frag.StartTime {
		return validationErrorf("fragment end_time %f before start_time %f", frag.EndTime, frag.StartTime)
	}
	if frag.StartTime < 0 {
		return validationErrorf("fragment start_time %f is negative", frag.StartTime)
	}
	return nil
}
