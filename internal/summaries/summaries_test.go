package summaries

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/pattern-persistence/pps/internal/llm"
	"github.com/pattern-persistence/pps/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pps.db"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertTurns(t *testing.T, st *store.Store, contents ...string) []store.Turn {
	t.Helper()
	turns := make([]store.Turn, 0, len(contents))
	for _, c := range contents {
		turn, _, err := st.InsertTurn(context.Background(), store.TurnInput{
			Content:    c,
			AuthorName: "dev",
			Channel:    "terminal",
		})
		if err != nil {
			t.Fatalf("InsertTurn failed: %v", err)
		}
		turns = append(turns, turn)
	}
	return turns
}

func TestSummarizeParsesModelJSON(t *testing.T) {
	st := newTestStore(t)
	turns := insertTurns(t, st,
		"we settled on sqlite for the arbiter",
		"wal mode plus busy timeout handles the writers",
	)

	model := &fakeInvoker{response: `{"summary": "Settled on SQLite with WAL for write arbitration.", "type": "technical"}`}
	svc := New(st, model, zaptest.NewLogger(t))

	draft, err := svc.Summarize(context.Background(), turns)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if draft.Text != "Settled on SQLite with WAL for write arbitration." {
		t.Errorf("Unexpected draft text: %q", draft.Text)
	}
	if draft.Type != "technical" {
		t.Errorf("Expected type technical, got %s", draft.Type)
	}
	if draft.StartID != turns[0].ID || draft.EndID != turns[1].ID {
		t.Errorf("Expected range %d-%d, got %d-%d", turns[0].ID, turns[1].ID, draft.StartID, draft.EndID)
	}
	if len(draft.Channels) != 1 || draft.Channels[0] != "terminal" {
		t.Errorf("Unexpected channels: %v", draft.Channels)
	}

	if !strings.Contains(model.lastPrompt, "sqlite for the arbiter") {
		t.Error("Expected prompt to carry turn content")
	}
	if !strings.Contains(model.lastPrompt, "dev:") {
		t.Error("Expected prompt to carry author names")
	}
}

func TestSummarizeKeepsProseFallback(t *testing.T) {
	st := newTestStore(t)
	turns := insertTurns(t, st, "long enough content for a candidate turn")

	model := &fakeInvoker{response: "They debugged the cache for most of the evening."}
	svc := New(st, model, zaptest.NewLogger(t))

	draft, err := svc.Summarize(context.Background(), turns)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if draft.Text != "They debugged the cache for most of the evening." {
		t.Errorf("Unexpected fallback text: %q", draft.Text)
	}
	if draft.Type != "mixed" {
		t.Errorf("Expected type mixed on fallback, got %s", draft.Type)
	}
}

func TestSummarizeRejectsUnknownType(t *testing.T) {
	st := newTestStore(t)
	turns := insertTurns(t, st, "long enough content for a candidate turn")

	model := &fakeInvoker{response: `{"summary": "Something happened.", "type": "philosophical"}`}
	svc := New(st, model, zaptest.NewLogger(t))

	draft, err := svc.Summarize(context.Background(), turns)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if draft.Type != "mixed" {
		t.Errorf("Expected unknown type to fall back to mixed, got %s", draft.Type)
	}
}

func TestSummarizeRequiresTurns(t *testing.T) {
	svc := New(newTestStore(t), &fakeInvoker{}, zaptest.NewLogger(t))
	if _, err := svc.Summarize(context.Background(), nil); err == nil {
		t.Error("Expected error for empty turn slice")
	}
}

func TestCreateAndStoreThenSearch(t *testing.T) {
	st := newTestStore(t)
	turns := insertTurns(t, st,
		"first turn about the migration plan",
		"second turn about the rollback window",
	)
	svc := New(st, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	sum, err := svc.CreateAndStore(ctx, "Planned the migration and its rollback window.",
		turns[0].ID, turns[1].ID, []string{"terminal"}, "work")
	if err != nil {
		t.Fatalf("CreateAndStore failed: %v", err)
	}
	if sum.MessageCount != 2 {
		t.Errorf("Expected 2 covered turns, got %d", sum.MessageCount)
	}

	backlog, err := svc.Backlog(ctx)
	if err != nil {
		t.Fatalf("Backlog failed: %v", err)
	}
	if backlog != 0 {
		t.Errorf("Expected empty backlog after summary, got %d", backlog)
	}

	hits, err := svc.Search(ctx, "rollback", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != sum.ID {
		t.Errorf("Expected to find summary %d, got %v", sum.ID, hits)
	}
}

type fakeInvoker struct {
	response   string
	err        error
	lastPrompt string
}

func (f *fakeInvoker) Invoke(ctx context.Context, req llm.Request) (string, error) {
	f.lastPrompt = req.Prompt
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}
