package session

import (
	"strings"
	"time"
)

// Sequencer assigns per-session sequence numbers to incoming fragments and
// merges interim segments into the final segments that supersede them.
// It is owned by a single session worker and must not be shared.
type Sequencer struct {
	sessionID          string
	nextSeq            uint64
	segments           []*TranscriptSegment
	bySeq              map[uint64]*TranscriptSegment
	superseded         map[uint64]bool
	maxInterimRetained int
}

// NewSequencer creates a sequencer for one session
func NewSequencer(sessionID string, maxInterimRetained int) *Sequencer {
	return &Sequencer{
		sessionID:          sessionID,
		nextSeq:            0,
		bySeq:              make(map[uint64]*TranscriptSegment),
		superseded:         make(map[uint64]bool),
		maxInterimRetained: maxInterimRetained,
	}
}

// LastSeq returns the highest sequence number assigned so far
func (s *Sequencer) LastSeq() uint64 {
	return s.nextSeq
}

// NextSeq assigns and returns the next sequence number. Used by the worker
// for non-segment events so that all events share one total order.
func (s *Sequencer) NextSeq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

// Ingest assigns the next sequence number to the fragment and, for final
// fragments, resolves which earlier segments it supersedes. The returned
// segment is a correction when Supersedes is non-empty.
func (s *Sequencer) Ingest(frag Fragment, receivedAt time.Time) *TranscriptSegment {
	seg := &TranscriptSegment{
		SessionID:  s.sessionID,
		Seq:        s.NextSeq(),
		SpeakerID:  frag.SpeakerID,
		Text:       strings.TrimSpace(frag.Text),
		StartTime:  frag.StartTime,
		EndTime:    frag.EndTime,
		Confidence: frag.Confidence,
		IsFinal:    frag.IsFinal,
		ReceivedAt: receivedAt.UTC(),
	}

	if frag.IsFinal {
		seg.Supersedes = s.resolveSupersedes(seg)
		for _, old := range seg.Supersedes {
			s.superseded[old] = true
		}
	}

	s.segments = append(s.segments, seg)
	s.bySeq[seg.Seq] = seg
	return seg
}

// resolveSupersedes finds earlier non-superseded segments for the same
// speaker whose time range overlaps the incoming final segment. Superseding
// earlier finals as well keeps at most one final segment per speaker and
// time range after merge.
func (s *Sequencer) resolveSupersedes(seg *TranscriptSegment) []uint64 {
	var refs []uint64
	scanned := 0
	for i := len(s.segments) - 1; i >= 0; i-- {
		old := s.segments[i]
		if old.SpeakerID != seg.SpeakerID {
			continue
		}
		scanned++
		if scanned > s.maxInterimRetained {
			break
		}
		if s.superseded[old.Seq] {
			continue
		}
		if overlaps(old.StartTime, old.EndTime, seg.StartTime, seg.EndTime) {
			refs = append(refs, old.Seq)
		}
	}
	// Reverse so references are in ascending sequence order
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
	return refs
}

// Segment returns the segment with the given sequence number, if any
func (s *Sequencer) Segment(seq uint64) (*TranscriptSegment, bool) {
	seg, ok := s.bySeq[seq]
	return seg, ok
}

// IsSuperseded reports whether the segment has been replaced by a correction
func (s *Sequencer) IsSuperseded(seq uint64) bool {
	return s.superseded[seq]
}

// MergedSegments returns the current timeline view: every segment that has
// not been superseded, in sequence order. Interim segments that were never
// corrected are included so first-attach viewers see provisional text.
func (s *Sequencer) MergedSegments() []TranscriptSegment {
	out := make([]TranscriptSegment, 0, len(s.segments))
	for _, seg := range s.segments {
		if s.superseded[seg.Seq] {
			continue
		}
		out = append(out, *seg)
	}
	return out
}

// FinalSegments returns only finalized, non-superseded segments in sequence order
func (s *Sequencer) FinalSegments() []TranscriptSegment {
	out := make([]TranscriptSegment, 0, len(s.segments))
	for _, seg := range s.segments {
		if !seg.IsFinal || s.superseded[seg.Seq] {
			continue
		}
		out = append(out, *seg)
	}
	return out
}

func overlaps(aStart, aEnd, bStart, bEnd float64) bool {
	return aStart < bEnd && bStart < aEnd
}
