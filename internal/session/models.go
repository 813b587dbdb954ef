package session

import "time"

// Status represents the lifecycle state of a session
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Session represents an active transcription session for a meeting
type Session struct {
	ID        string     `json:"id"`
	MeetingID string     `json:"meeting_id"`
	Status    Status     `json:"status"`
	Language  string     `json:"language"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	LastSeq   uint64     `json:"last_seq"` // Highest sequence number assigned so far
	Summary   string     `json:"summary,omitempty"`
}

// Fragment is a raw transcript fragment as produced by the speech engine
type Fragment struct {
	SpeakerID  string  `json:"speaker_id"`
	Text       string  `json:"text"`
	StartTime  float64 `json:"start_time"` // Seconds from session start
	EndTime    float64 `json:"end_time"`   // Seconds from session start
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// TranscriptSegment is a sequenced transcript fragment within a session.
// Sequence order reflects arrival order, not speech order.
type TranscriptSegment struct {
	SessionID  string    `json:"session_id"`
	Seq        uint64    `json:"seq"`
	SpeakerID  string    `json:"speaker_id"`
	Text       string    `json:"text"`
	StartTime  float64   `json:"start_time"`
	EndTime    float64   `json:"end_time"`
	Confidence float64   `json:"confidence"`
	IsFinal    bool      `json:"is_final"`
	Supersedes []uint64  `json:"supersedes,omitempty"` // Sequence numbers of segments this one corrects
	ReceivedAt time.Time `json:"received_at"`
}

// Participant represents a meeting participant's presence within a session.
// Rows are retained after leave for talk-time analytics.
type Participant struct {
	SessionID       string     `json:"session_id"`
	ParticipantID   string     `json:"participant_id"`
	DisplayName     string     `json:"display_name"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	Speaking        bool       `json:"speaking"`
	TalkTimeSeconds float64    `json:"talk_time_seconds"`
}

// BookmarkType classifies a user-created bookmark
type BookmarkType string

const (
	BookmarkManual     BookmarkType = "manual"
	BookmarkActionItem BookmarkType = "action_item"
	BookmarkDecision   BookmarkType = "decision"
	BookmarkQuestion   BookmarkType = "question"
	BookmarkKeyMoment  BookmarkType = "key_moment"
)

// ValidBookmarkType reports whether t is a known bookmark type
func ValidBookmarkType(t BookmarkType) bool {
	switch t {
	case BookmarkManual, BookmarkActionItem, BookmarkDecision, BookmarkQuestion, BookmarkKeyMoment:
		return true
	}
	return false
}

// Bookmark is an immutable user-created marker at a position in the session
type Bookmark struct {
	ID               string       `json:"id"`
	SessionID        string       `json:"session_id"`
	CreatorID        string       `json:"creator_id"`
	Nonce            string       `json:"-"` // Client-generated idempotency nonce, not exposed
	Type             BookmarkType `json:"type"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	Tags             []string     `json:"tags,omitempty"`
	TimestampSeconds float64      `json:"timestamp_seconds"`
	CreatedAt        time.Time    `json:"created_at"`
}

// BookmarkRequest carries a viewer's bookmark creation payload
type BookmarkRequest struct {
	CreatorID        string       `json:"creator_id"`
	Nonce            string       `json:"nonce"`
	Type             BookmarkType `json:"type"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	Tags             []string     `json:"tags"`
	TimestampSeconds float64      `json:"timestamp_seconds"`
}

// PresenceEventType identifies a presence state change
type PresenceEventType string

const (
	PresenceJoin     PresenceEventType = "join"
	PresenceLeave    PresenceEventType = "leave"
	PresenceSpeaking PresenceEventType = "speaking"
)

// PresenceEvent is an inbound presence state change for a participant
type PresenceEvent struct {
	ParticipantID string            `json:"participant_id"`
	DisplayName   string            `json:"display_name,omitempty"`
	Type          PresenceEventType `json:"event_type"`
	IsSpeaking    bool              `json:"is_speaking,omitempty"`
}

// validTransitions is the allowed session status transition table
var validTransitions = map[Status][]Status{
	StatusPending: {StatusActive},
	StatusActive:  {StatusPaused, StatusCompleted},
	StatusPaused:  {StatusActive, StatusCompleted},
}

// CanTransition reports whether a session may move from one status to another
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
