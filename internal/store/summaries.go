package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

// Summary is a textual digest covering a contiguous, non-overlapping range
// of turns.
type Summary struct {
	ID           int64     `json:"id"`
	SummaryText  string    `json:"summary_text"`
	StartID      int64     `json:"start_message_id"`
	EndID        int64     `json:"end_message_id"`
	MessageCount int       `json:"message_count"`
	Channels     []string  `json:"channels"`
	SummaryType  string    `json:"summary_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// SummaryTypes are the accepted classification values.
var SummaryTypes = map[string]bool{
	"work": true, "social": true, "technical": true, "mixed": true,
}

// CreateSummary inserts one summary and stamps summary_id on every turn in
// [startID, endID] inside a single transaction. The range must be
// non-empty and completely unsummarized; otherwise nothing is written.
func (s *Store) CreateSummary(ctx context.Context, text string, startID, endID int64, channels []string, summaryType string) (Summary, error) {
	if text == "" {
		return Summary{}, fmt.Errorf("store: summary text must not be empty")
	}
	if endID < startID {
		return Summary{}, fmt.Errorf("store: summary range %d-%d is inverted", startID, endID)
	}
	if summaryType == "" {
		summaryType = "mixed"
	}
	if !SummaryTypes[summaryType] {
		return Summary{}, fmt.Errorf("store: unknown summary type %q", summaryType)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("store: begin summary tx: %w", err)
	}
	defer tx.Rollback()

	var total, unsummarized int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE summary_id IS NULL)
		FROM messages WHERE id >= ? AND id <= ?`, startID, endID).Scan(&total, &unsummarized)
	if err != nil {
		return Summary{}, fmt.Errorf("store: validate summary range: %w", err)
	}
	if total == 0 {
		return Summary{}, fmt.Errorf("store: summary range %d-%d covers no turns", startID, endID)
	}
	if unsummarized != total {
		return Summary{}, fmt.Errorf("store: summary range %d-%d overlaps an existing summary", startID, endID)
	}

	channelsJSON, err := jsonx.MarshalToString(normalizeChannels(channels))
	if err != nil {
		return Summary{}, err
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO message_summaries (summary_text, start_message_id, end_message_id, message_count, channels, summary_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		text, startID, endID, total, channelsJSON, summaryType, formatTime(now))
	if err != nil {
		return Summary{}, fmt.Errorf("store: insert summary: %w", err)
	}
	summaryID, err := res.LastInsertId()
	if err != nil {
		return Summary{}, fmt.Errorf("store: insert summary: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET summary_id = ? WHERE id >= ? AND id <= ?",
		summaryID, startID, endID); err != nil {
		return Summary{}, fmt.Errorf("store: stamp summary range: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Summary{}, fmt.Errorf("store: commit summary: %w", err)
	}

	return Summary{
		ID:           summaryID,
		SummaryText:  text,
		StartID:      startID,
		EndID:        endID,
		MessageCount: total,
		Channels:     normalizeChannels(channels),
		SummaryType:  summaryType,
		CreatedAt:    now.UTC(),
	}, nil
}

const summaryColumns = "id, summary_text, start_message_id, end_message_id, message_count, channels, summary_type, created_at"

// RecentSummaries returns the newest summaries first.
func (s *Store) RecentSummaries(ctx context.Context, limit int) ([]Summary, error) {
	return s.querySummaries(ctx,
		"SELECT "+summaryColumns+" FROM message_summaries ORDER BY id DESC LIMIT ?", limit)
}

// SearchSummaries does a case-insensitive substring match on summary_text.
func (s *Store) SearchSummaries(ctx context.Context, query string, limit int) ([]Summary, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	return s.querySummaries(ctx, `
		SELECT `+summaryColumns+` FROM message_summaries
		WHERE lower(summary_text) LIKE ? ESCAPE '\'
		ORDER BY id DESC LIMIT ?`, pattern, limit)
}

// SummariesCoveringTurns returns summaries whose range intersects any turn
// id in ids.
func (s *Store) SummariesCoveringTurns(ctx context.Context, ids []int64) ([]Summary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	lo, hi := ids[0], ids[0]
	for _, id := range ids[1:] {
		if id < lo {
			lo = id
		}
		if id > hi {
			hi = id
		}
	}
	return s.querySummaries(ctx, `
		SELECT `+summaryColumns+` FROM message_summaries
		WHERE end_message_id >= ? AND start_message_id <= ?
		ORDER BY start_message_id`, lo, hi)
}

// CountSummaries counts stored summaries.
func (s *Store) CountSummaries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM message_summaries").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count summaries: %w", err)
	}
	return n, nil
}

func (s *Store) querySummaries(ctx context.Context, query string, args ...interface{}) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sm        Summary
			channels  string
			createdAt string
		)
		if err := rows.Scan(&sm.ID, &sm.SummaryText, &sm.StartID, &sm.EndID,
			&sm.MessageCount, &channels, &sm.SummaryType, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan summary: %w", err)
		}
		if err := jsonx.UnmarshalFromString(channels, &sm.Channels); err != nil {
			sm.Channels = nil
		}
		sm.CreatedAt = parseTime(createdAt)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func normalizeChannels(channels []string) []string {
	seen := make(map[string]bool, len(channels))
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
