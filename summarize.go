package strand

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Summarizer rolls old message ranges into ConversationSummary records that
// the context planner substitutes for their range. Jobs are keyed by summary
// id so queue retries never duplicate a rollup.
type Summarizer struct {
	log       *slog.Logger
	store     Store
	manager   *Manager
	queue     Queue
	estimator *TokenEstimator

	// threshold is the unsummarized message count that triggers a rollup;
	// keepRecent messages at the tail are never summarized.
	threshold  int
	keepRecent int
}

type SummarizerOption func(*Summarizer)

func WithSummarizerLogger(log *slog.Logger) SummarizerOption {
	return func(s *Summarizer) { s.log = log }
}

// WithSummaryThreshold sets how many unsummarized messages accumulate before
// a rollup is claimed (default 40).
func WithSummaryThreshold(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithSummaryKeepRecent sets how many tail messages stay out of any rollup
// (default 10).
func WithSummaryKeepRecent(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n >= 0 {
			s.keepRecent = n
		}
	}
}

func NewSummarizer(store Store, manager *Manager, queue Queue, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		log:        slog.New(slog.DiscardHandler),
		store:      store,
		manager:    manager,
		queue:      queue,
		estimator:  NewTokenEstimator(),
		threshold:  40,
		keepRecent: 10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaybeEnqueue claims a summary range if the conversation has accumulated
// enough unsummarized history, then enqueues the rollup job. The range is
// claimed here, at enqueue time, so a message landing later never invalidates
// a running job's range.
func (s *Summarizer) MaybeEnqueue(ctx context.Context, conversationID string) error {
	messages, err := s.store.Messages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("summarizer: enqueue: %w", err)
	}
	summaries, err := s.store.CompletedSummaries(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("summarizer: enqueue: %w", err)
	}

	covered := -1
	for _, sum := range summaries {
		if sum.ToPosition > covered {
			covered = sum.ToPosition
		}
	}

	// Candidate range: everything after the last covered position, minus
	// the protected tail.
	var candidate []Message
	for _, m := range messages {
		if m.Position > covered {
			candidate = append(candidate, m)
		}
	}
	if len(candidate) < s.threshold || len(candidate) <= s.keepRecent {
		return nil
	}
	candidate = candidate[:len(candidate)-s.keepRecent]

	// Never split an assistant message from its tool results.
	for len(candidate) > 0 {
		last := candidate[len(candidate)-1]
		if last.Role == "assistant" && len(last.ToolCalls) > 0 {
			candidate = candidate[:len(candidate)-1]
			continue
		}
		break
	}
	if len(candidate) == 0 {
		return nil
	}

	original := 0
	ids := make([]string, 0, len(candidate))
	for _, m := range candidate {
		original += m.TokenCount
		ids = append(ids, m.ID)
	}

	sum := &ConversationSummary{
		ID:                   NewID(),
		ConversationID:       conversationID,
		FromPosition:         candidate[0].Position,
		ToPosition:           candidate[len(candidate)-1].Position,
		Status:               SummaryPending,
		OriginalTokenCount:   original,
		SummarizedMessageIDs: ids,
		CreatedAt:            NowUnix(),
	}
	if err := s.store.ClaimSummaryRange(ctx, sum); err != nil {
		// An overlapping claim means another rollup already owns part of
		// the range; skip this round.
		s.log.Debug("summarizer: range claim rejected", "conversation_id", conversationID, "error", err)
		return nil
	}
	return s.queue.Enqueue(ctx, Job{Kind: JobSummarize, Key: sum.ID, Subject: sum.ID})
}

// RunSummary is the rollup job handler.
func (s *Summarizer) RunSummary(ctx context.Context, job Job) error {
	sum, err := s.store.Summary(ctx, job.Subject)
	if err != nil {
		return fmt.Errorf("summarizer: run: %w", err)
	}
	if sum.Status == SummaryCompleted || sum.Status == SummaryFailed {
		return nil
	}

	sum.Status = SummaryProcessing
	if err := s.store.UpdateSummary(ctx, sum); err != nil {
		return fmt.Errorf("summarizer: run: %w", err)
	}

	err = s.summarize(ctx, sum)
	if err == nil {
		return nil
	}
	if job.Attempt >= len(retrySchedules[JobSummarize]) {
		sum.Status = SummaryFailed
		if uerr := s.store.UpdateSummary(ctx, sum); uerr != nil {
			s.log.Error("summarizer: marking summary failed", "summary_id", sum.ID, "error", uerr)
		}
		s.log.Error("summarizer: rollup failed permanently", "summary_id", sum.ID, "error", err)
		return nil
	}
	return err
}

func (s *Summarizer) summarize(ctx context.Context, sum *ConversationSummary) error {
	messages, err := s.store.Messages(ctx, sum.ConversationID)
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}
	var inRange []Message
	for _, m := range messages {
		if m.Position >= sum.FromPosition && m.Position <= sum.ToPosition {
			inRange = append(inRange, m)
		}
	}
	if len(inRange) == 0 {
		return fmt.Errorf("summarizer: range [%d,%d] is empty", sum.FromPosition, sum.ToPosition)
	}

	driver, cfg, err := s.manager.ForSummarization()
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}
	defer driver.Disconnect()

	resp, err := driver.Execute(ctx, TurnContext{
		SystemPrompt: summaryInstructions,
		Messages:     []ChatMessage{UserMessage(renderTranscript(inRange))},
	})
	if err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return fmt.Errorf("summarizer: backend returned empty summary")
	}

	sum.Status = SummaryCompleted
	sum.Content = content
	sum.TokenCount = s.estimator.Count(cfg.Model, content)
	sum.BackendUsed = cfg.Backend
	sum.ModelUsed = cfg.Model
	sum.CompletedAt = NowUnix()
	if err := s.store.UpdateSummary(ctx, sum); err != nil {
		return fmt.Errorf("summarizer: %w", err)
	}
	s.log.Info("summarizer: rollup completed",
		"conversation_id", sum.ConversationID,
		"from", sum.FromPosition, "to", sum.ToPosition,
		"tokens", sum.TokenCount, "original_tokens", sum.OriginalTokenCount)
	return nil
}

const summaryInstructions = "Summarize the following conversation excerpt. " +
	"Preserve concrete facts, decisions, names, numbers, and unresolved questions. " +
	"Write a compact third-person digest; do not add commentary."

func renderTranscript(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		if m.Role == "tool" && m.ToolName != "" {
			sb.WriteString(" (")
			sb.WriteString(m.ToolName)
			sb.WriteString(")")
		}
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
