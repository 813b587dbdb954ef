package session

import "time"

// Tracker maintains the participant set, speaking indicators, and talk-time
// accumulation for one session. It is owned by the session worker; all
// methods are called from that single goroutine.
type Tracker struct {
	sessionID    string
	participants map[string]*Participant
	order        []string // Join order, for stable snapshots

	// speakingSince records when talk-time accrual started for a currently
	// speaking participant. Empty while the session is paused.
	speakingSince map[string]time.Time

	// quietDeadline holds the pending indicator-clear deadline per
	// participant. A new speaking=true event before the deadline cancels it.
	quietDeadline map[string]time.Time
}

// NewTracker creates a presence tracker for one session
func NewTracker(sessionID string) *Tracker {
	return &Tracker{
		sessionID:     sessionID,
		participants:  make(map[string]*Participant),
		speakingSince: make(map[string]time.Time),
		quietDeadline: make(map[string]time.Time),
	}
}

// Join adds a participant. A duplicate join for an already-joined participant
// is an idempotent no-op that does not reset talk time; it returns changed=false.
func (t *Tracker) Join(participantID, displayName string, now time.Time) (*Participant, bool) {
	if p, ok := t.participants[participantID]; ok && p.LeftAt == nil {
		return p, false
	}
	if p, ok := t.participants[participantID]; ok {
		// Rejoin after leave: keep accumulated talk time
		p.LeftAt = nil
		p.JoinedAt = now.UTC()
		if displayName != "" {
			p.DisplayName = displayName
		}
		return p, true
	}
	p := &Participant{
		SessionID:     t.sessionID,
		ParticipantID: participantID,
		DisplayName:   displayName,
		JoinedAt:      now.UTC(),
	}
	t.participants[participantID] = p
	t.order = append(t.order, participantID)
	return p, true
}

// Leave marks a participant as left, retaining the row for analytics.
// A leave for a currently-speaking participant implicitly clears the
// speaking flag and flushes any accrued talk time.
func (t *Tracker) Leave(participantID string, now time.Time) (*Participant, bool) {
	p, ok := t.participants[participantID]
	if !ok || p.LeftAt != nil {
		return p, false
	}
	if p.Speaking {
		t.flushTalkTime(participantID, now)
		p.Speaking = false
	}
	delete(t.quietDeadline, participantID)
	left := now.UTC()
	p.LeftAt = &left
	return p, true
}

// SetSpeaking applies a speaking-state change. Setting speaking=true takes
// effect immediately and cancels any pending quiet deadline. Setting
// speaking=false only arms a quiet deadline; the indicator clears when
// QuietElapsed fires after the interval with no new speech.
// The returned changed flag is true when the visible indicator flipped on.
func (t *Tracker) SetSpeaking(participantID string, speaking bool, now time.Time, accruing bool, quietInterval time.Duration) (changed bool, deadline time.Time) {
	p, ok := t.participants[participantID]
	if !ok || p.LeftAt != nil {
		return false, time.Time{}
	}

	if speaking {
		delete(t.quietDeadline, participantID)
		if p.Speaking {
			return false, time.Time{}
		}
		p.Speaking = true
		if accruing {
			t.speakingSince[participantID] = now
		}
		return true, time.Time{}
	}

	if !p.Speaking {
		return false, time.Time{}
	}
	d := now.Add(quietInterval)
	t.quietDeadline[participantID] = d
	return false, d
}

// QuietElapsed clears the speaking indicator if the participant's quiet
// deadline is still armed and has passed. Returns the participant and true
// when the indicator actually cleared.
func (t *Tracker) QuietElapsed(participantID string, now time.Time) (*Participant, bool) {
	deadline, armed := t.quietDeadline[participantID]
	if !armed || now.Before(deadline) {
		return nil, false
	}
	delete(t.quietDeadline, participantID)

	p, ok := t.participants[participantID]
	if !ok || !p.Speaking {
		return nil, false
	}
	t.flushTalkTime(participantID, now)
	p.Speaking = false
	return p, true
}

// PauseAccrual flushes talk time for all speaking participants. Called when
// the session leaves the active status; no talk time accumulates while paused.
func (t *Tracker) PauseAccrual(now time.Time) {
	for id, p := range t.participants {
		if p.Speaking {
			t.flushTalkTime(id, now)
		}
	}
}

// ResumeAccrual restarts accrual clocks for participants still marked
// speaking. Called when the session returns to active.
func (t *Tracker) ResumeAccrual(now time.Time) {
	for id, p := range t.participants {
		if p.Speaking && p.LeftAt == nil {
			t.speakingSince[id] = now
		}
	}
}

// Participants returns current participants (joined and not left) in join order
func (t *Tracker) Participants() []Participant {
	out := make([]Participant, 0, len(t.order))
	for _, id := range t.order {
		p := t.participants[id]
		if p.LeftAt == nil {
			out = append(out, *p)
		}
	}
	return out
}

// AllParticipants returns every participant row, including those who left
func (t *Tracker) AllParticipants() []Participant {
	out := make([]Participant, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.participants[id])
	}
	return out
}

// Participant returns the row for one participant, if known
func (t *Tracker) Participant(participantID string) (*Participant, bool) {
	p, ok := t.participants[participantID]
	return p, ok
}

// flushTalkTime adds elapsed speaking time to the participant's total and
// stops the accrual clock. No-op when accrual was not running (paused).
func (t *Tracker) flushTalkTime(participantID string, now time.Time) {
	since, running := t.speakingSince[participantID]
	if !running {
		return
	}
	delete(t.speakingSince, participantID)
	if elapsed := now.Sub(since).Seconds(); elapsed > 0 {
		t.participants[participantID].TalkTimeSeconds += elapsed
	}
}
