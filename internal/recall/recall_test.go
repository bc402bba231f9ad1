package recall

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pattern-persistence/pps/internal/cache"
	"github.com/pattern-persistence/pps/internal/docstore"
	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/store"
	"github.com/pattern-persistence/pps/internal/texture"
)

func newTestEngine(t *testing.T, fl *fakeLedger, fs *fakeSummaries, ft *fakeTexture, photos, docs *fakeDocs) *Engine {
	t.Helper()
	deps := Deps{Ledger: fl, Summaries: fs}
	if ft != nil {
		deps.Texture = ft
	}
	if photos != nil {
		deps.WordPhotos = photos
	}
	if docs != nil {
		deps.TechDocs = docs
	}
	e := New(Config{Entity: "lyra"}, deps, zaptest.NewLogger(t))
	e.now = func() time.Time { return time.Date(2025, 7, 14, 9, 30, 0, 0, time.UTC) }
	return e
}

func TestAmbientRecallRequiresContext(t *testing.T) {
	e := newTestEngine(t, newFakeLedger(), &fakeSummaries{}, &fakeTexture{}, &fakeDocs{}, &fakeDocs{})

	_, err := e.AmbientRecall(context.Background(), Request{Context: "   "})
	if faults.KindOf(err) != faults.InvalidInput {
		t.Fatalf("Expected invalid_input, got %v", err)
	}
}

func TestContextualGroupsLayersByBand(t *testing.T) {
	ft := &fakeTexture{results: texture.Results{
		Edges: []texture.Edge{{UUID: "e1", Fact: "lyra uses qdrant", Score: 0.9}},
		Nodes: []texture.EntityNode{{Name: "qdrant", Summary: "vector store", Score: 0.8}},
	}}
	photos := &fakeDocs{items: []docstore.Item{{DocID: "sunset.md", Content: "amber light over the bay", Score: 0.7}}}
	docs := &fakeDocs{items: []docstore.Item{{DocID: "guide.md", Content: "qdrant collection setup", Score: 0.6}}}
	fs := &fakeSummaries{search: []store.Summary{{ID: 4, SummaryText: "debugged qdrant filters", CreatedAt: time.Now()}}}

	e := newTestEngine(t, newFakeLedger(), fs, ft, photos, docs)
	resp, err := e.AmbientRecall(context.Background(), Request{Context: "qdrant"})
	if err != nil {
		t.Fatalf("AmbientRecall failed: %v", err)
	}

	if resp.Cached {
		t.Fatal("Expected a fresh response on first call")
	}
	if len(resp.Results) != 5 {
		t.Fatalf("Expected 5 items across layers, got %d", len(resp.Results))
	}
	if resp.Results[0].Layer != LayerTexture || resp.Results[0].Band != 1.0 {
		t.Fatalf("Expected texture items first, got %+v", resp.Results[0])
	}

	order := []string{"[texture]", "[word_photos]", "[tech_docs]", "[summaries]"}
	last := -1
	for _, section := range order {
		idx := strings.Index(resp.FormattedContext, section)
		if idx < 0 {
			t.Fatalf("Expected section %s in output:\n%s", section, resp.FormattedContext)
		}
		if idx < last {
			t.Fatalf("Expected %s after previous section, got output:\n%s", section, resp.FormattedContext)
		}
		last = idx
	}

	if !strings.Contains(resp.FormattedContext, "=== Ambient memory: lyra ===") {
		t.Fatalf("Expected header line, got:\n%s", resp.FormattedContext)
	}
	if !strings.Contains(resp.FormattedContext, "[clock] Monday 2025-07-14 09:30 UTC") {
		t.Fatalf("Expected clock line, got:\n%s", resp.FormattedContext)
	}
	if !strings.Contains(resp.FormattedContext, "qdrant: vector store") {
		t.Fatalf("Expected entity node rendered with summary, got:\n%s", resp.FormattedContext)
	}
}

func TestContextualDegradedLayerKeepsOthers(t *testing.T) {
	ft := &fakeTexture{err: faults.Newf(faults.NetworkTimeout, "texture.search", "dgraph down")}
	photos := &fakeDocs{items: []docstore.Item{{DocID: "p.md", Content: "photo", Score: 0.5}}}
	fs := &fakeSummaries{search: []store.Summary{{ID: 1, SummaryText: "a summary"}}}

	e := newTestEngine(t, newFakeLedger(), fs, ft, photos, &fakeDocs{})
	resp, err := e.AmbientRecall(context.Background(), Request{Context: "anything"})
	if err != nil {
		t.Fatalf("Expected degraded recall to succeed, got %v", err)
	}

	var textureStatus *LayerStatus
	for i := range resp.Layers {
		if resp.Layers[i].Layer == LayerTexture {
			textureStatus = &resp.Layers[i]
		}
	}
	if textureStatus == nil || textureStatus.OK {
		t.Fatalf("Expected texture layer marked degraded, got %+v", resp.Layers)
	}
	if textureStatus.Reason != "network_timeout" {
		t.Fatalf("Expected network_timeout reason, got %q", textureStatus.Reason)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("Expected surviving layers to contribute 2 items, got %d", len(resp.Results))
	}
	if !strings.Contains(resp.MemoryHealth, "texture degraded") {
		t.Fatalf("Expected health line to mention texture, got %q", resp.MemoryHealth)
	}
	if !strings.Contains(resp.MemoryHealth, "word_photos ok") {
		t.Fatalf("Expected health line to mention word_photos, got %q", resp.MemoryHealth)
	}
}

func TestContextualDedupesDocChunksByRef(t *testing.T) {
	photos := &fakeDocs{items: []docstore.Item{
		{DocID: "sunset.md", Content: "chunk one", Score: 0.9},
		{DocID: "sunset.md", Content: "chunk two", Score: 0.8},
		{DocID: "harbor.md", Content: "another photo", Score: 0.7},
	}}

	e := newTestEngine(t, newFakeLedger(), &fakeSummaries{}, nil, photos, nil)
	resp, err := e.AmbientRecall(context.Background(), Request{Context: "light"})
	if err != nil {
		t.Fatalf("AmbientRecall failed: %v", err)
	}

	var photoItems []Item
	for _, it := range resp.Results {
		if it.Layer == LayerWordPhotos {
			photoItems = append(photoItems, it)
		}
	}
	if len(photoItems) != 2 {
		t.Fatalf("Expected chunks collapsed to 2 docs, got %d", len(photoItems))
	}
	if photoItems[0].Ref != "sunset.md" || photoItems[0].Content != "chunk one" {
		t.Fatalf("Expected highest chunk to represent the doc, got %+v", photoItems[0])
	}
}

func TestContextualFlatLayerNormalizesToBand(t *testing.T) {
	fs := &fakeSummaries{search: []store.Summary{{ID: 9, SummaryText: "only one"}}}

	e := newTestEngine(t, newFakeLedger(), fs, nil, nil, nil)
	resp, err := e.AmbientRecall(context.Background(), Request{Context: "one"})
	if err != nil {
		t.Fatalf("AmbientRecall failed: %v", err)
	}

	if len(resp.Results) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(resp.Results))
	}
	if resp.Results[0].Score != bandSummaries {
		t.Fatalf("Expected lone item normalized to band %v, got %v", bandSummaries, resp.Results[0].Score)
	}
}

func TestRenderContextualDropsWholeItemsUnderCap(t *testing.T) {
	items := []Item{
		{Layer: LayerTexture, Ref: "a", Content: strings.Repeat("x", 100)},
		{Layer: LayerTexture, Ref: "b", Content: strings.Repeat("y", 100)},
		{Layer: LayerSummaries, Ref: "c", Content: strings.Repeat("z", 100)},
	}

	full, kept := renderContextual("lyra", "clock", "health", items, 1<<20)
	if len(kept) != 3 {
		t.Fatalf("Expected no drops under a large cap, got %d items", len(kept))
	}

	capped, kept := renderContextual("lyra", "clock", "health", items, len(full)-1)
	if len(kept) != 2 {
		t.Fatalf("Expected the last item dropped, got %d items", len(kept))
	}
	if kept[0].Ref != "a" || kept[1].Ref != "b" {
		t.Fatalf("Expected drops from the tail, got %+v", kept)
	}
	if len(capped) > len(full)-1 {
		t.Fatalf("Expected render within cap, got %d bytes", len(capped))
	}
	if strings.Contains(capped, "zzz") {
		t.Fatalf("Expected dropped content absent, got:\n%s", capped)
	}
}

func TestContextualCacheRoundTrip(t *testing.T) {
	tiered, err := cache.NewTiered(cache.Options{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewTiered failed: %v", err)
	}
	t.Cleanup(tiered.Close)

	fl := newFakeLedger()
	fl.lastID = 7
	fs := &fakeSummaries{search: []store.Summary{{ID: 1, SummaryText: "cached summary"}}}
	e := newTestEngine(t, fl, fs, nil, nil, nil)
	e.deps.Cache = tiered

	first, err := e.AmbientRecall(context.Background(), Request{Context: "Cached  Summary"})
	if err != nil {
		t.Fatalf("AmbientRecall failed: %v", err)
	}
	if first.Cached {
		t.Fatal("Expected first call uncached")
	}
	tiered.Wait()

	second, err := e.AmbientRecall(context.Background(), Request{Context: "cached summary"})
	if err != nil {
		t.Fatalf("AmbientRecall failed: %v", err)
	}
	if !second.Cached {
		t.Fatal("Expected whitespace-normalized repeat to hit the cache")
	}
	if second.FormattedContext != first.FormattedContext {
		t.Fatal("Expected cached response to match the original")
	}

	fl.lastID = 8
	third, err := e.AmbientRecall(context.Background(), Request{Context: "cached summary"})
	if err != nil {
		t.Fatalf("AmbientRecall failed: %v", err)
	}
	if third.Cached {
		t.Fatal("Expected a new turn to invalidate the cache key")
	}
}

func TestSortItemsBreaksTiesDeterministically(t *testing.T) {
	older := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 7, 2, 8, 0, 0, 0, time.UTC)

	// Two permutations of the same tied items must converge on one order:
	// band desc, score desc, created_at desc, ref asc.
	forward := []Item{
		{Ref: "b", Band: 0.85, Score: 0.85, CreatedAt: older},
		{Ref: "a", Band: 0.85, Score: 0.85, CreatedAt: older},
		{Ref: "c", Band: 0.85, Score: 0.85, CreatedAt: newer},
		{Ref: "d", Band: 1.0, Score: 0.85, CreatedAt: older},
	}
	reversed := make([]Item, len(forward))
	for i, it := range forward {
		reversed[len(forward)-1-i] = it
	}

	sortItems(forward)
	sortItems(reversed)

	want := []string{"d", "c", "a", "b"}
	for i, ref := range want {
		if forward[i].Ref != ref {
			t.Errorf("forward[%d] = %q, want %q", i, forward[i].Ref, ref)
		}
		if reversed[i].Ref != ref {
			t.Errorf("reversed[%d] = %q, want %q", i, reversed[i].Ref, ref)
		}
	}
}

func TestConcurrentRecallsAgree(t *testing.T) {
	tiered, err := cache.NewTiered(cache.Options{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewTiered failed: %v", err)
	}
	t.Cleanup(tiered.Close)

	fl := newFakeLedger()
	fl.lastID = 12
	ft := &fakeTexture{results: texture.Results{
		Edges: []texture.Edge{
			{UUID: "e1", Fact: "lyra deployed the recall engine", Score: 0.9},
			{UUID: "e2", Fact: "qdrant holds the doc vectors", Score: 0.7},
		},
	}}
	fs := &fakeSummaries{search: []store.Summary{{ID: 4, SummaryText: "deployment week recap"}}}
	photos := &fakeDocs{items: []docstore.Item{{DocID: "wp-1", Collection: "word_photos", Title: "the deploy", Content: "shipping day", Score: 0.8}}}
	e := newTestEngine(t, fl, fs, ft, photos, &fakeDocs{})
	e.deps.Cache = tiered

	const callers = 8
	responses := make([]Response, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = e.AmbientRecall(context.Background(), Request{Context: "deployment recap"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if responses[i].FormattedContext != responses[0].FormattedContext {
			t.Fatalf("caller %d rendered a different context:\n%s\nvs\n%s",
				i, responses[i].FormattedContext, responses[0].FormattedContext)
		}
	}
}

func TestStartupRendersManifestAndRecentTurns(t *testing.T) {
	current := t.TempDir()
	archive := t.TempDir()
	photoRoot := t.TempDir()
	writeDoc(t, filepath.Join(current, "crystal_002.md"), "# Two\n\nNewest insight.\n\nMore detail.")
	writeDoc(t, filepath.Join(current, "crystal_001.md"), "First insight.")
	writeDoc(t, filepath.Join(archive, "crystal_000.md"), "Oldest insight.")
	writeDoc(t, filepath.Join(photoRoot, "sunset.md"), "amber")
	writeDoc(t, filepath.Join(photoRoot, "harbor.md"), "grey")

	fl := newFakeLedger()
	fl.turnCount = 42
	fl.summaryCount = 4
	fl.unsummarized = 3
	fl.turns = []store.Turn{
		{ID: 3, AuthorName: "ami", Content: "latest turn", CreatedAt: time.Date(2025, 7, 14, 9, 0, 0, 0, time.UTC)},
		{ID: 2, AuthorName: "lyra", Content: "middle turn", CreatedAt: time.Date(2025, 7, 14, 8, 0, 0, 0, time.UTC)},
		{ID: 1, AuthorName: "ami", Content: "earliest turn", CreatedAt: time.Date(2025, 7, 14, 7, 0, 0, 0, time.UTC)},
	}
	fs := &fakeSummaries{recent: []store.Summary{
		{ID: 2, SummaryText: "recent summary"},
		{ID: 1, SummaryText: "older summary"},
	}}

	e := newTestEngine(t, fl, fs, nil, nil, nil)
	e.cfg.CrystalsCurrent = current
	e.cfg.CrystalsArchive = archive
	e.cfg.WordPhotoRoot = photoRoot

	resp, err := e.AmbientRecall(context.Background(), Request{Context: "startup"})
	if err != nil {
		t.Fatalf("AmbientRecall failed: %v", err)
	}

	if !strings.Contains(resp.FormattedContext, "Memory manifest: 3 crystals, 2 word photos, 4 summaries, 42 turns") {
		t.Fatalf("Expected manifest line, got:\n%s", resp.FormattedContext)
	}
	if !strings.Contains(resp.FormattedContext, "crystal_002: Newest insight.") {
		t.Fatalf("Expected newest crystal summary, got:\n%s", resp.FormattedContext)
	}
	if !strings.Contains(resp.FormattedContext, "crystal_000: Oldest insight. (archived)") {
		t.Fatalf("Expected archived crystal marked, got:\n%s", resp.FormattedContext)
	}
	if !strings.Contains(resp.FormattedContext, "recent summary") {
		t.Fatalf("Expected recent summary, got:\n%s", resp.FormattedContext)
	}

	earliest := strings.Index(resp.FormattedContext, "earliest turn")
	latest := strings.Index(resp.FormattedContext, "latest turn")
	if earliest < 0 || latest < 0 || earliest > latest {
		t.Fatalf("Expected turns rendered oldest first, got:\n%s", resp.FormattedContext)
	}
	if !strings.Contains(resp.FormattedContext, "[07-14 07:00] ami: earliest turn") {
		t.Fatalf("Expected timestamped turn line, got:\n%s", resp.FormattedContext)
	}
}

func TestStartupCollapsesDeepBacklog(t *testing.T) {
	fl := newFakeLedger()
	fl.unsummarized = 300
	fl.turns = []store.Turn{{ID: 1, AuthorName: "ami", Content: "should not render"}}

	e := newTestEngine(t, fl, &fakeSummaries{}, nil, nil, nil)
	resp, err := e.AmbientRecall(context.Background(), Request{Context: "STARTUP"})
	if err != nil {
		t.Fatalf("AmbientRecall failed: %v", err)
	}

	if !strings.Contains(resp.FormattedContext, "Recent turns: 300 unsummarized") {
		t.Fatalf("Expected backlog collapse line, got:\n%s", resp.FormattedContext)
	}
	if strings.Contains(resp.FormattedContext, "should not render") {
		t.Fatalf("Expected individual turns suppressed, got:\n%s", resp.FormattedContext)
	}
	if fl.recentTurnsCalls != 0 {
		t.Fatalf("Expected no turn fetch behind a deep backlog, got %d calls", fl.recentTurnsCalls)
	}
}

func TestStartupIsNeverCached(t *testing.T) {
	tiered, err := cache.NewTiered(cache.Options{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewTiered failed: %v", err)
	}
	t.Cleanup(tiered.Close)

	fl := newFakeLedger()
	e := newTestEngine(t, fl, &fakeSummaries{}, nil, nil, nil)
	e.deps.Cache = tiered
	e.cfg.CrystalsCurrent = t.TempDir()
	e.cfg.CrystalsArchive = t.TempDir()
	e.cfg.WordPhotoRoot = t.TempDir()

	for i := 0; i < 2; i++ {
		resp, err := e.AmbientRecall(context.Background(), Request{Context: "startup"})
		if err != nil {
			t.Fatalf("AmbientRecall failed: %v", err)
		}
		if resp.Cached {
			t.Fatal("Expected startup responses to bypass the cache")
		}
	}
	tiered.Wait()
	if fl.turnCountCalls != 2 {
		t.Fatalf("Expected a fresh manifest per startup call, got %d count calls", fl.turnCountCalls)
	}
}

func TestHealthLineFormats(t *testing.T) {
	statuses := []LayerStatus{
		{Layer: LayerTexture, OK: true},
		{Layer: LayerSummaries, OK: false},
	}
	got := healthLine(12, 3, true, statuses)
	want := "12 unsummarized, 3 uningested; texture ok, summaries degraded"
	if got != want {
		t.Fatalf("Expected %q, got %q", want, got)
	}

	got = healthLine(0, 0, false, nil)
	if got != "backlogs unavailable" {
		t.Fatalf("Expected fallback health line, got %q", got)
	}
}

func writeDoc(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

type fakeLedger struct {
	turnCount        int
	summaryCount     int
	unsummarized     int
	uningested       int
	lastID           int64
	turns            []store.Turn
	countErr         error
	turnCountCalls   int
	recentTurnsCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{}
}

func (f *fakeLedger) CountTurns(context.Context) (int, error) {
	f.turnCountCalls++
	return f.turnCount, f.countErr
}

func (f *fakeLedger) CountSummaries(context.Context) (int, error) {
	return f.summaryCount, f.countErr
}

func (f *fakeLedger) CountUnsummarized(context.Context) (int, error) {
	return f.unsummarized, f.countErr
}

func (f *fakeLedger) CountUningested(context.Context) (int, error) {
	return f.uningested, f.countErr
}

func (f *fakeLedger) RecentTurns(_ context.Context, limit int) ([]store.Turn, error) {
	f.recentTurnsCalls++
	if limit < len(f.turns) {
		return f.turns[:limit], nil
	}
	return f.turns, nil
}

func (f *fakeLedger) LastTurnID(context.Context) (int64, error) {
	return f.lastID, nil
}

type fakeSummaries struct {
	recent []store.Summary
	search []store.Summary
	err    error
}

func (f *fakeSummaries) Recent(_ context.Context, limit int) ([]store.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.recent) {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f *fakeSummaries) Search(_ context.Context, _ string, limit int) ([]store.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.search) {
		return f.search[:limit], nil
	}
	return f.search, nil
}

type fakeTexture struct {
	results texture.Results
	err     error
}

func (f *fakeTexture) Search(context.Context, string, texture.SearchOptions) (texture.Results, error) {
	if f.err != nil {
		return texture.Results{}, f.err
	}
	return f.results, nil
}

type fakeDocs struct {
	items []docstore.Item
	err   error
}

func (f *fakeDocs) Search(context.Context, string, int) ([]docstore.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}
