package recall

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/docstore"
	"github.com/pattern-persistence/pps/internal/store"
)

// startup builds the orientation block: a manifest of what memory holds,
// the freshest crystals and summaries, and the latest turns. It reads the
// filesystem and SQLite only, never the vector layers, and is never cached.
func (e *Engine) startup(ctx context.Context) (Response, error) {
	turnCount, err := e.deps.Ledger.CountTurns(ctx)
	if err != nil {
		e.logger.Warn("Turn count unavailable", zap.Error(err))
	}
	summaryCount, err := e.deps.Ledger.CountSummaries(ctx)
	if err != nil {
		e.logger.Warn("Summary count unavailable", zap.Error(err))
	}

	crystals, err := docstore.ListCrystals(e.cfg.CrystalsCurrent, e.cfg.CrystalsArchive)
	if err != nil {
		e.logger.Warn("Crystal listing unavailable", zap.Error(err))
	}
	photos, err := docstore.MarkdownFiles(e.cfg.WordPhotoRoot)
	if err != nil {
		e.logger.Warn("Word photo listing unavailable", zap.Error(err))
	}

	manifest := fmt.Sprintf("Memory manifest: %d crystals, %d word photos, %d summaries, %d turns",
		len(crystals), len(photos), summaryCount, turnCount)

	latest, err := docstore.LatestCrystals(e.cfg.CrystalsCurrent, e.cfg.CrystalsArchive, e.cfg.StartupCrystals)
	if err != nil {
		e.logger.Warn("Crystal summaries unavailable", zap.Error(err))
	}
	crystalLines := make([]string, 0, len(latest))
	for _, c := range latest {
		line := fmt.Sprintf("crystal_%03d: %s", c.Number, c.Summary)
		if c.Archived {
			line += " (archived)"
		}
		crystalLines = append(crystalLines, line)
	}

	var summaryLines []string
	if e.deps.Summaries != nil {
		recent, err := e.deps.Summaries.Recent(ctx, e.cfg.StartupSummaries)
		if err != nil {
			e.logger.Warn("Recent summaries unavailable", zap.Error(err))
		}
		for _, s := range recent {
			summaryLines = append(summaryLines, s.SummaryText)
		}
	}

	turnLines, unsummarized := e.startupTurns(ctx)

	uningested, err := e.deps.Ledger.CountUningested(ctx)
	if err != nil {
		e.logger.Warn("Backlog count unavailable", zap.Error(err))
	}
	health := healthLine(unsummarized, uningested, true, nil)
	clock := e.clockLine()

	formatted := renderStartup(e.cfg.Entity, clock, health, manifest,
		crystalLines, summaryLines, turnLines, e.cfg.ByteCap)

	return Response{
		FormattedContext: formatted,
		Clock:            clock,
		MemoryHealth:     health,
	}, nil
}

// startupTurns renders the latest turns oldest first. A deep unsummarized
// backlog collapses to a single count line so stale chatter cannot crowd
// out the crystals.
func (e *Engine) startupTurns(ctx context.Context) ([]string, int) {
	unsummarized, err := e.deps.Ledger.CountUnsummarized(ctx)
	if err != nil {
		e.logger.Warn("Backlog count unavailable", zap.Error(err))
		return nil, 0
	}
	if unsummarized > e.cfg.StartupBacklogMax {
		return []string{fmt.Sprintf("Recent turns: %d unsummarized", unsummarized)}, unsummarized
	}

	turns, err := e.deps.Ledger.RecentTurns(ctx, e.cfg.StartupTurns)
	if err != nil {
		e.logger.Warn("Recent turns unavailable", zap.Error(err))
		return nil, unsummarized
	}

	lines := make([]string, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		lines = append(lines, turnLine(turns[i]))
	}
	return lines, unsummarized
}

func turnLine(t store.Turn) string {
	content := strings.Join(strings.Fields(t.Content), " ")
	if len(content) > 200 {
		content = content[:200] + "…"
	}
	return fmt.Sprintf("[%s] %s: %s", t.CreatedAt.Format("01-02 15:04"), t.AuthorName, content)
}
