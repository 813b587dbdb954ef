package sqlite

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmeet/session-engine/internal/session"
	"github.com/openmeet/session-engine/pkg/logger"
)

// WriterConfig tunes the background persistence queue
type WriterConfig struct {
	QueueSize      int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxRetries     int
}

// writeOp is one pending durable write
type writeOp struct {
	kind        string
	session     session.Session
	segment     session.TranscriptSegment
	participant session.Participant
	bookmark    session.Bookmark
}

// Writer implements session.Store as an asynchronous sink in front of
// Storage. The live event path enqueues and never blocks; failed writes are
// retried with capped exponential backoff in the background. When retries
// are exhausted the writer flags itself degraded and keeps going; live
// viewers are unaffected, only persisted history lags.
type Writer struct {
	storage *Storage
	cfg     WriterConfig
	logger  *logger.Logger

	queue    chan writeOp
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	degraded atomic.Bool
	dropped  atomic.Int64
}

// NewWriter creates and starts the background persistence writer
func NewWriter(storage *Storage, cfg WriterConfig, log *logger.Logger) *Writer {
	w := &Writer{
		storage: storage,
		cfg:     cfg,
		logger:  log.Named("store-writer"),
		queue:   make(chan writeOp, cfg.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// SaveSession queues a session write
func (w *Writer) SaveSession(s session.Session) {
	w.enqueue(writeOp{kind: "session", session: s})
}

// SaveSegment queues a segment write
func (w *Writer) SaveSegment(seg session.TranscriptSegment) {
	w.enqueue(writeOp{kind: "segment", segment: seg})
}

// SaveParticipant queues a participant write
func (w *Writer) SaveParticipant(p session.Participant) {
	w.enqueue(writeOp{kind: "participant", participant: p})
}

// SaveBookmark queues a bookmark write
func (w *Writer) SaveBookmark(bm session.Bookmark) {
	w.enqueue(writeOp{kind: "bookmark", bookmark: bm})
}

// Degraded reports whether persistence is currently falling behind
func (w *Writer) Degraded() bool {
	return w.degraded.Load()
}

// Close drains the queue and stops the writer
func (w *Writer) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// enqueue adds a write without ever blocking the caller. A full queue drops
// the write and flags the writer degraded; the data still lives in session
// memory until eviction.
func (w *Writer) enqueue(op writeOp) {
	select {
	case w.queue <- op:
	default:
		w.degraded.Store(true)
		n := w.dropped.Add(1)
		w.logger.Error("Persistence queue full, dropping write",
			logger.String("kind", op.kind),
			logger.Int64("dropped_total", n))
	}
}

func (w *Writer) run() {
	defer close(w.done)

	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		case <-w.stop:
			// Drain whatever is still queued before exiting
			for {
				select {
				case op := <-w.queue:
					w.apply(op)
				default:
					return
				}
			}
		}
	}
}

// apply executes one write, retrying with capped exponential backoff
func (w *Writer) apply(op writeOp) {
	delay := w.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		err := w.write(op)
		if err == nil {
			if attempt > 0 {
				w.degraded.Store(false)
				w.logger.Info("Durable store write recovered",
					logger.String("kind", op.kind),
					logger.Int("attempts", attempt+1))
			}
			return
		}

		if attempt >= w.cfg.MaxRetries {
			w.degraded.Store(true)
			w.logger.Error("Durable store write failed, retries exhausted",
				logger.String("kind", op.kind),
				logger.Int("attempts", attempt+1),
				logger.Error(err))
			return
		}

		w.logger.Warn("Durable store write failed, retrying",
			logger.String("kind", op.kind),
			logger.Duration("retry_in", delay),
			logger.Error(err))

		select {
		case <-time.After(delay):
		case <-w.stop:
			// One last attempt during shutdown drain
			if err := w.write(op); err != nil {
				w.logger.Error("Durable store write lost at shutdown",
					logger.String("kind", op.kind),
					logger.Error(err))
			}
			return
		}

		delay *= 2
		if delay > w.cfg.RetryMaxDelay {
			delay = w.cfg.RetryMaxDelay
		}
	}
}

func (w *Writer) write(op writeOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch op.kind {
	case "session":
		return w.storage.UpsertSession(ctx, op.session)
	case "segment":
		return w.storage.InsertSegment(ctx, op.segment)
	case "participant":
		return w.storage.UpsertParticipant(ctx, op.participant)
	case "bookmark":
		return w.storage.InsertBookmark(ctx, op.bookmark)
	}
	return nil
}
