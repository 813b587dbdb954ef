package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound event types delivered to viewers, in per-session sequence order.
const (
	EventSegmentAppended      = "segment.appended"
	EventSegmentCorrected     = "segment.corrected"
	EventParticipantJoined    = "participant.joined"
	EventParticipantLeft      = "participant.left"
	EventParticipantSpeaking  = "participant.speaking"
	EventBookmarkCreated      = "bookmark.created"
	EventSessionStatusChanged = "session.status.changed"
)

// Event is the base of every outbound event
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
}

// EventType returns the event's type tag
func (e Event) EventType() string { return e.Type }

// EventSeq returns the session sequence number the event was assigned
func (e Event) EventSeq() uint64 { return e.Seq }

// OutboundEvent is the closed set of events the broadcaster delivers.
// Every concrete event embeds Event.
type OutboundEvent interface {
	EventType() string
	EventSeq() uint64
}

// SegmentAppendedEvent announces a newly sequenced transcript segment
type SegmentAppendedEvent struct {
	Event
	Segment TranscriptSegment `json:"segment"`
}

// SegmentCorrectedEvent announces a final segment superseding earlier ones.
// Consumers replace the referenced segments' content while keeping their
// original position in the timeline.
type SegmentCorrectedEvent struct {
	Event
	Segment    TranscriptSegment `json:"segment"`
	Supersedes []uint64          `json:"supersedes"`
}

// ParticipantJoinedEvent announces a participant joining the session
type ParticipantJoinedEvent struct {
	Event
	Participant Participant `json:"participant"`
}

// ParticipantLeftEvent announces a participant leaving, with final talk time
type ParticipantLeftEvent struct {
	Event
	ParticipantID   string  `json:"participant_id"`
	TalkTimeSeconds float64 `json:"talk_time_seconds"`
}

// ParticipantSpeakingEvent announces a speaking-indicator change
type ParticipantSpeakingEvent struct {
	Event
	ParticipantID string `json:"participant_id"`
	Speaking      bool   `json:"speaking"`
}

// BookmarkCreatedEvent announces a bookmark visible to all viewers
type BookmarkCreatedEvent struct {
	Event
	Bookmark Bookmark `json:"bookmark"`
}

// SessionStatusChangedEvent announces a lifecycle transition
type SessionStatusChangedEvent struct {
	Event
	Status  Status `json:"status"`
	ActorID string `json:"actor_id,omitempty"`
}

// DecodeEvent decodes a JSON-encoded outbound event into its concrete type,
// dispatching on the type tag
func DecodeEvent(data []byte) (OutboundEvent, error) {
	var head Event
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode event header: %w", err)
	}

	var ev OutboundEvent
	switch head.Type {
	case EventSegmentAppended:
		ev = &SegmentAppendedEvent{}
	case EventSegmentCorrected:
		ev = &SegmentCorrectedEvent{}
	case EventParticipantJoined:
		ev = &ParticipantJoinedEvent{}
	case EventParticipantLeft:
		ev = &ParticipantLeftEvent{}
	case EventParticipantSpeaking:
		ev = &ParticipantSpeakingEvent{}
	case EventBookmarkCreated:
		ev = &BookmarkCreatedEvent{}
	case EventSessionStatusChanged:
		ev = &SessionStatusChangedEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", head.Type, err)
	}
	return ev, nil
}

func newEvent(eventType, sessionID string, seq uint64, now time.Time) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Seq:       seq,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
