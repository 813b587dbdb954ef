package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no session with the given ID is known.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// by the session lifecycle.
	ErrInvalidTransition = errors.New("invalid session status transition")

	// ErrSessionClosed is returned when an operation reaches a session whose
	// worker has been torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer signals that a viewer was disconnected because its
	// outbound buffer exceeded the watermark.
	ErrSlowConsumer = errors.New("slow consumer disconnected")

	// ErrSnapshotUnavailable is returned when the durable store cannot serve
	// a reconnect snapshot.
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")

	// ErrAttachTimeout is returned when a viewer attach request does not
	// complete within the configured interval.
	ErrAttachTimeout = errors.New("attach timed out")
)

// ValidationError marks a rejected payload. The session itself stays intact
// when one of these is returned.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}
