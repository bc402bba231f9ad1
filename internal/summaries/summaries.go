// Package summaries is the condensation layer: contiguous turn ranges
// collapse into prose summaries. Persistence goes through one store
// transaction so a summary and its range stamp can never disagree.
package summaries

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/llm"
	"github.com/pattern-persistence/pps/internal/store"
)

// Invoker is the LLM capability Summarize needs.
type Invoker interface {
	Invoke(ctx context.Context, req llm.Request) (string, error)
}

// Service creates, pages, and drafts summaries.
type Service struct {
	store  *store.Store
	model  Invoker
	logger *zap.Logger
}

// New builds the summaries service. model may be nil when only the
// persistence operations are used.
func New(st *store.Store, model Invoker, logger *zap.Logger) *Service {
	return &Service{store: st, model: model, logger: logger}
}

// CreateAndStore persists one summary over [startID, endID] and stamps the
// covered turns, all in one transaction. Ranges that overlap an existing
// summary fail with no side effects.
func (s *Service) CreateAndStore(ctx context.Context, text string, startID, endID int64, channels []string, summaryType string) (store.Summary, error) {
	sum, err := s.store.CreateSummary(ctx, text, startID, endID, channels, summaryType)
	if err != nil {
		return store.Summary{}, err
	}
	s.logger.Info("Stored summary",
		zap.Int64("id", sum.ID),
		zap.Int64("start_id", sum.StartID),
		zap.Int64("end_id", sum.EndID),
		zap.Int("turns", sum.MessageCount),
		zap.String("type", sum.SummaryType))
	return sum, nil
}

// Recent returns the newest summaries, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]store.Summary, error) {
	return s.store.RecentSummaries(ctx, limit)
}

// Search is a case-insensitive substring match over summary text.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]store.Summary, error) {
	return s.store.SearchSummaries(ctx, query, limit)
}

// Backlog counts turns no summary covers yet.
func (s *Service) Backlog(ctx context.Context) (int, error) {
	return s.store.CountUnsummarized(ctx)
}

// CoveringTurns returns summaries whose ranges intersect [startID, endID].
func (s *Service) CoveringTurns(ctx context.Context, startID, endID int64) ([]store.Summary, error) {
	return s.store.SummariesCoveringTurns(ctx, []int64{startID, endID})
}

// Draft is a model-written summary ready to persist.
type Draft struct {
	Text     string   `json:"text"`
	Type     string   `json:"type"`
	StartID  int64    `json:"start_id"`
	EndID    int64    `json:"end_id"`
	Channels []string `json:"channels"`
}

const summarySystem = `You condense conversation segments into durable memory.
Write in third person past tense. Keep names, numbers, commands, and decisions.
Drop greetings and filler.`

const summaryPromptFormat = `Summarize this conversation segment in 2-4 sentences.

Return JSON only:
{"summary": "<the summary>", "type": "<work|social|technical|mixed>"}

Conversation:
%s`

// Summarize drafts a summary for the given turns. The turns must already be
// ordered oldest first; the draft carries the id range and channel set the
// caller needs for CreateAndStore.
func (s *Service) Summarize(ctx context.Context, turns []store.Turn) (Draft, error) {
	if len(turns) == 0 {
		return Draft{}, fmt.Errorf("summaries: nothing to summarize")
	}
	if s.model == nil {
		return Draft{}, fmt.Errorf("summaries: no model configured")
	}

	raw, err := s.model.Invoke(ctx, llm.Request{
		System:      summarySystem,
		Prompt:      fmt.Sprintf(summaryPromptFormat, renderTranscript(turns)),
		Temperature: 0.3,
		JSONMode:    true,
	})
	if err != nil {
		return Draft{}, err
	}

	draft := Draft{
		Type:     "mixed",
		StartID:  turns[0].ID,
		EndID:    turns[len(turns)-1].ID,
		Channels: channelSet(turns),
	}

	var parsed struct {
		Summary string `json:"summary"`
		Type    string `json:"type"`
	}
	if blob, jerr := llm.ExtractJSON(raw); jerr == nil {
		if uerr := jsonx.Unmarshal(blob, &parsed); uerr == nil && parsed.Summary != "" {
			draft.Text = strings.TrimSpace(parsed.Summary)
			if store.SummaryTypes[parsed.Type] {
				draft.Type = parsed.Type
			}
		}
	}
	if draft.Text == "" {
		// The model answered in prose. Still a summary; keep it.
		draft.Text = strings.TrimSpace(raw)
	}
	if draft.Text == "" {
		return Draft{}, fmt.Errorf("summaries: model returned empty summary")
	}

	s.logger.Debug("Drafted summary",
		zap.Int64("start_id", draft.StartID),
		zap.Int64("end_id", draft.EndID),
		zap.String("type", draft.Type),
		zap.Int("chars", len(draft.Text)))
	return draft, nil
}

func renderTranscript(turns []store.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.CreatedAt.Format("2006-01-02 15:04"))
		b.WriteString(" [")
		b.WriteString(t.Channel)
		b.WriteString("] ")
		if t.AuthorName != "" {
			b.WriteString(t.AuthorName)
		} else if t.IsOwn {
			b.WriteString("self")
		} else {
			b.WriteString("other")
		}
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func channelSet(turns []store.Turn) []string {
	seen := make(map[string]bool, 4)
	out := make([]string, 0, 4)
	for _, t := range turns {
		if t.Channel == "" || seen[t.Channel] {
			continue
		}
		seen[t.Channel] = true
		out = append(out, t.Channel)
	}
	return out
}
