package session

import "encoding/json"

// Snapshot is the point-in-time state handed to a (re)attaching viewer
// before live streaming resumes. ResumeSeq is the exact cursor live
// delivery starts from: the first live event carries a sequence number
// strictly greater than ResumeSeq, with no gap.
//
// A first attach (no sinceSeq) fills Segments, Participants, and Bookmarks.
// A reconnect with a known sequence fills Events with the delta instead.
type Snapshot struct {
	Session      Session             `json:"session"`
	Segments     []TranscriptSegment `json:"segments,omitempty"`
	Participants []Participant       `json:"participants,omitempty"`
	Bookmarks    []Bookmark          `json:"bookmarks,omitempty"`
	Events       []OutboundEvent     `json:"events,omitempty"`
	ResumeSeq    uint64              `json:"resume_seq"`
	Delta        bool                `json:"delta"`
}

// UnmarshalJSON decodes delta events into their concrete types so consumers
// can read a snapshot back off the wire
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	aux := struct {
		Events []json.RawMessage `json:"events,omitempty"`
		*plain
	}{plain: (*plain)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.Events = nil
	for _, raw := range aux.Events {
		ev, err := DecodeEvent(raw)
		if err != nil {
			return err
		}
		s.Events = append(s.Events, ev)
	}
	return nil
}
