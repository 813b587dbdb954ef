package session

import (
	"sync"

	"github.com/openmeet/session-engine/pkg/logger"
)

// ConnState is the lifecycle state of one viewer connection
type ConnState int32

const (
	StateConnecting ConnState = iota // Attached, snapshot not yet delivered
	StateStreaming                   // Live events flowing
	StateDraining                    // Buffer overflowed; flushing then closing
	StateClosed
)

// String returns the state name for logging
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ViewerConn is one viewer's subscription to a session's event stream.
// Events arrive on the channel in non-decreasing sequence order. The
// channel is closed when the connection enters Draining or Closed; the
// transport flushes whatever is buffered and then checks CloseReason.
type ViewerConn struct {
	sessionID string
	viewerID  string
	events    chan OutboundEvent

	mu          sync.Mutex
	state       ConnState
	closeReason error
	lastSeq     uint64
}

// SessionID returns the session this connection is attached to
func (c *ViewerConn) SessionID() string { return c.sessionID }

// ViewerID returns the attached viewer's id
func (c *ViewerConn) ViewerID() string { return c.viewerID }

// Events returns the ordered event stream for this viewer
func (c *ViewerConn) Events() <-chan OutboundEvent { return c.events }

// State returns the connection's current lifecycle state
func (c *ViewerConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReason reports why the connection was closed, if it was.
// ErrSlowConsumer means the client should reconnect via the snapshot service.
func (c *ViewerConn) CloseReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// MarkStreaming records that the transport finished the snapshot handoff
func (c *ViewerConn) MarkStreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateStreaming
	}
}

// MarkDelivered records the last sequence number written to the viewer
func (c *ViewerConn) MarkDelivered(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
}

// LastDelivered returns the last sequence number written to the viewer
func (c *ViewerConn) LastDelivered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// setClosed moves the connection to a terminal state. Caller must be the
// session worker; the events channel is closed exactly once here.
func (c *ViewerConn) setClosed(state ConnState, reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDraining || c.state == StateClosed {
		return false
	}
	c.state = state
	c.closeReason = reason
	return true
}

// Broadcaster multiplexes one session's event stream to N viewer
// connections. Publish and connection add/remove run only inside the
// session worker's turn, so there is a single sender per channel; viewer
// transports are the only readers.
type Broadcaster struct {
	sessionID string
	bufSize   int
	conns     map[string]*ViewerConn
	logger    *logger.Logger
}

// NewBroadcaster creates a fan-out broadcaster for one session
func NewBroadcaster(sessionID string, bufSize int, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		sessionID: sessionID,
		bufSize:   bufSize,
		conns:     make(map[string]*ViewerConn),
		logger:    log.Named("broadcast"),
	}
}

// Attach subscribes a viewer from the current position in the stream.
// An existing connection for the same viewer is replaced.
func (b *Broadcaster) Attach(viewerID string) *ViewerConn {
	if old, ok := b.conns[viewerID]; ok {
		b.close(old, StateClosed, nil)
	}
	conn := &ViewerConn{
		sessionID: b.sessionID,
		viewerID:  viewerID,
		events:    make(chan OutboundEvent, b.bufSize),
		state:     StateConnecting,
	}
	b.conns[viewerID] = conn
	b.logger.Debug("Viewer attached",
		logger.String("session_id", b.sessionID),
		logger.String("viewer_id", viewerID),
		logger.Int("viewer_count", len(b.conns)))
	return conn
}

// Detach closes and removes a viewer's connection
func (b *Broadcaster) Detach(viewerID string) {
	conn, ok := b.conns[viewerID]
	if !ok {
		return
	}
	b.close(conn, StateClosed, nil)
	b.logger.Debug("Viewer detached",
		logger.String("session_id", b.sessionID),
		logger.String("viewer_id", viewerID),
		logger.Int("viewer_count", len(b.conns)))
}

// Publish enqueues an event for every open connection without ever
// blocking. A viewer whose buffer is full is moved to Draining: no further
// events are enqueued, the transport flushes what is buffered, and the
// connection is closed so the client reconnects via the snapshot service.
func (b *Broadcaster) Publish(event OutboundEvent) {
	for viewerID, conn := range b.conns {
		state := conn.State()
		if state != StateConnecting && state != StateStreaming {
			continue
		}
		select {
		case conn.events <- event:
		default:
			b.logger.Warn("Slow viewer exceeded buffer watermark, draining",
				logger.String("session_id", b.sessionID),
				logger.String("viewer_id", viewerID),
				logger.Uint64("seq", event.EventSeq()),
				logger.Int("buffer_size", b.bufSize))
			b.close(conn, StateDraining, ErrSlowConsumer)
		}
	}
}

// CloseAll terminates every connection, e.g. on session eviction
func (b *Broadcaster) CloseAll(reason error) {
	for _, conn := range b.conns {
		b.close(conn, StateClosed, reason)
	}
}

// ViewerCount returns the number of open connections
func (b *Broadcaster) ViewerCount() int {
	return len(b.conns)
}

func (b *Broadcaster) close(conn *ViewerConn, state ConnState, reason error) {
	if conn.setClosed(state, reason) {
		close(conn.events)
	}
	delete(b.conns, conn.viewerID)
}
