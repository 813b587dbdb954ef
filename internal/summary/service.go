package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/openmeet/session-engine/internal/config"
	"github.com/openmeet/session-engine/internal/session"
	"github.com/openmeet/session-engine/pkg/logger"
)

const systemPrompt = "Summarize the following meeting transcript concisely in markdown. " +
	"Include key topics, decisions made, and action items if any."

// minTranscriptWords gates summarization for sessions that never produced a
// meaningful transcript
const minTranscriptWords = 20

// TranscriptStore provides the persisted transcript and records the result
type TranscriptStore interface {
	SessionByID(ctx context.Context, sessionID string) (*session.Session, error)
	SegmentsSince(ctx context.Context, sessionID string, sinceSeq uint64) ([]session.TranscriptSegment, error)
	SetSummary(ctx context.Context, sessionID, summary string) (bool, error)
}

// Service generates post-meeting summaries for completed sessions. Requests
// are queued by the completion hook and processed by a single background
// worker, so a burst of ending sessions cannot fan out API calls.
type Service struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	store   TranscriptStore
	queue   chan string
	done    chan struct{}
	logger  *logger.Logger
}

// NewService creates a summary service from config. Returns nil when the
// feature is disabled; callers treat a nil service as a no-op.
func NewService(cfg config.SummaryConfig, store TranscriptStore, log *logger.Logger) *Service {
	if !cfg.Enabled {
		return nil
	}

	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAIBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Service{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: timeout,
		store:   store,
		queue:   make(chan string, 64),
		done:    make(chan struct{}),
		logger:  log.Named("summary"),
	}
}

// Start launches the background worker
func (s *Service) Start() {
	if s == nil {
		return
	}
	go s.run()
}

// Stop shuts the worker down after the current request finishes
func (s *Service) Stop() {
	if s == nil {
		return
	}
	close(s.queue)
	<-s.done
}

// Enqueue requests a summary for a completed session. Safe to call on a nil
// service and non-blocking: when the queue is full the request is dropped,
// the transcript stays available either way.
func (s *Service) Enqueue(sessionID string) {
	if s == nil {
		return
	}
	select {
	case s.queue <- sessionID:
	default:
		s.logger.Warn("Summary queue full, dropping request",
			logger.String("session_id", sessionID))
	}
}

func (s *Service) run() {
	defer close(s.done)

	for sessionID := range s.queue {
		if err := s.summarize(sessionID); err != nil {
			s.logger.Error("Failed to summarize session",
				logger.String("session_id", sessionID),
				logger.Error(err))
		}
	}
}

func (s *Service) summarize(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if sess.Summary != "" {
		// Already summarized, nothing to do
		return nil
	}

	segments, err := s.store.SegmentsSince(ctx, sessionID, 0)
	if err != nil {
		return fmt.Errorf("load segments: %w", err)
	}

	transcript := buildTranscript(segments)
	if len(strings.Fields(transcript)) < minTranscriptWords {
		s.logger.Debug("Transcript too short to summarize",
			logger.String("session_id", sessionID))
		return nil
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil
	}

	written, err := s.store.SetSummary(ctx, sessionID, text)
	if err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	if written {
		s.logger.Info("Stored session summary",
			logger.String("session_id", sessionID),
			logger.Int("summary_length", len(text)))
	}
	return nil
}

// buildTranscript flattens final segments into a speaker-labelled transcript.
// Superseded interim segments never become final, so filtering on is_final
// yields the corrected text.
func buildTranscript(segments []session.TranscriptSegment) string {
	var b strings.Builder
	for _, seg := range segments {
		if !seg.IsFinal {
			continue
		}
		b.WriteString(seg.SpeakerID)
		b.WriteString(": ")
		b.WriteString(seg.Text)
		b.WriteString("\n")
	}
	return b.String()
}
