// Package recall assembles ambient memory context: a fixed orientation
// block on startup, and a banded multi-layer retrieval for everything else.
// Layers degrade independently; a recall request only fails when its input
// is invalid.
package recall

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pattern-persistence/pps/internal/cache"
	"github.com/pattern-persistence/pps/internal/docstore"
	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/store"
	"github.com/pattern-persistence/pps/internal/texture"
)

// Layer names as they appear in section headers and health lines.
const (
	LayerTexture    = "texture"
	LayerWordPhotos = "word_photos"
	LayerTechDocs   = "tech_docs"
	LayerSummaries  = "summaries"
)

// Priority bands. Distinct values keep the merged list grouped per layer.
const (
	bandTexture    = 1.0
	bandWordPhotos = 0.85
	bandTechDocs   = 0.75
	bandSummaries  = 0.6
)

// Ledger is the relational slice recall reads: backlog counts and recent
// turns.
type Ledger interface {
	CountTurns(ctx context.Context) (int, error)
	CountSummaries(ctx context.Context) (int, error)
	CountUnsummarized(ctx context.Context) (int, error)
	CountUningested(ctx context.Context) (int, error)
	RecentTurns(ctx context.Context, limit int) ([]store.Turn, error)
	LastTurnID(ctx context.Context) (int64, error)
}

// SummarySource is the L2 slice.
type SummarySource interface {
	Recent(ctx context.Context, limit int) ([]store.Summary, error)
	Search(ctx context.Context, query string, limit int) ([]store.Summary, error)
}

// TextureSource is the L3 slice.
type TextureSource interface {
	Search(ctx context.Context, query string, opts texture.SearchOptions) (texture.Results, error)
}

// DocSource is one vector document collection.
type DocSource interface {
	Search(ctx context.Context, query string, limit int) ([]docstore.Item, error)
}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	Entity           string
	ByteCap          int
	LimitPerLayer    int
	LayerTimeout     time.Duration
	AggregateTimeout time.Duration

	StartupCrystals   int
	StartupSummaries  int
	StartupTurns      int
	StartupBacklogMax int

	CrystalsCurrent string
	CrystalsArchive string
	WordPhotoRoot   string
}

func (c *Config) applyDefaults() {
	if c.ByteCap <= 0 {
		c.ByteCap = 12288
	}
	if c.LimitPerLayer <= 0 {
		c.LimitPerLayer = 5
	}
	if c.LayerTimeout <= 0 {
		c.LayerTimeout = 10 * time.Second
	}
	if c.AggregateTimeout <= 0 {
		c.AggregateTimeout = 30 * time.Second
	}
	if c.StartupCrystals <= 0 {
		c.StartupCrystals = 3
	}
	if c.StartupSummaries <= 0 {
		c.StartupSummaries = 2
	}
	if c.StartupTurns <= 0 {
		c.StartupTurns = 10
	}
	if c.StartupBacklogMax <= 0 {
		c.StartupBacklogMax = 50
	}
}

// Deps are the layer backends. Cache may be nil; Texture, WordPhotos, and
// TechDocs may be nil when their backends are not configured, and show up
// as degraded layers.
type Deps struct {
	Ledger     Ledger
	Summaries  SummarySource
	Texture    TextureSource
	WordPhotos DocSource
	TechDocs   DocSource
	Cache      *cache.Tiered
}

// Engine serves ambient recall.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New builds an engine.
func New(cfg Config, deps Deps, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Request asks for ambient memory. Context "startup" selects the
// orientation block.
type Request struct {
	Context       string `json:"context"`
	Channel       string `json:"channel,omitempty"`
	LimitPerLayer int    `json:"limit_per_layer,omitempty"`
}

// Item is one recalled memory after banding.
type Item struct {
	Layer     string    `json:"layer"`
	Ref       string    `json:"ref"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	Band      float64   `json:"band"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// LayerStatus reports one layer's outcome for the memory health line.
type LayerStatus struct {
	Layer  string `json:"layer"`
	OK     bool   `json:"ok"`
	Items  int    `json:"items"`
	Reason string `json:"reason,omitempty"`
}

// Response carries the rendered block plus its structured parts.
type Response struct {
	FormattedContext string        `json:"formatted_context"`
	Results          []Item        `json:"results,omitempty"`
	Clock            string        `json:"clock"`
	MemoryHealth     string        `json:"memory_health"`
	Layers           []LayerStatus `json:"layers,omitempty"`
	Cached           bool          `json:"cached,omitempty"`
}

// AmbientRecall answers one recall request.
func (e *Engine) AmbientRecall(ctx context.Context, req Request) (Response, error) {
	query := strings.TrimSpace(req.Context)
	if query == "" {
		return Response{}, faults.Newf(faults.InvalidInput, "recall.ambient", "empty context")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.AggregateTimeout)
	defer cancel()

	if strings.EqualFold(query, "startup") {
		return e.startup(ctx)
	}
	return e.contextual(ctx, query, req)
}

func (e *Engine) contextual(ctx context.Context, query string, req Request) (Response, error) {
	limit := req.LimitPerLayer
	if limit <= 0 {
		limit = e.cfg.LimitPerLayer
	}

	key := e.cacheKey(ctx, query)
	if key != "" && e.deps.Cache != nil {
		if data, ok := e.deps.Cache.Get(ctx, key); ok {
			var resp Response
			if err := jsonx.Unmarshal(data, &resp); err == nil {
				resp.Cached = true
				return resp, nil
			}
		}
	}

	outcomes := e.fanOut(ctx, query, limit)

	var items []Item
	statuses := make([]LayerStatus, 0, len(outcomes))
	for _, oc := range outcomes {
		st := LayerStatus{Layer: oc.name, OK: oc.err == nil, Items: len(oc.items)}
		if oc.err != nil {
			st.Reason = string(faults.KindOf(oc.err))
			e.logger.Warn("Recall layer degraded",
				zap.String("layer", oc.name),
				zap.Error(oc.err))
		}
		statuses = append(statuses, st)
		items = append(items, oc.items...)
	}
	sortItems(items)

	unsummarized, uningested, countsOK := e.backlogs(ctx)
	clock := e.clockLine()
	health := healthLine(unsummarized, uningested, countsOK, statuses)
	formatted, kept := renderContextual(e.cfg.Entity, clock, health, items, e.cfg.ByteCap)

	resp := Response{
		FormattedContext: formatted,
		Results:          kept,
		Clock:            clock,
		MemoryHealth:     health,
		Layers:           statuses,
	}

	if key != "" && e.deps.Cache != nil {
		if data, err := jsonx.Marshal(resp); err == nil {
			e.deps.Cache.Set(ctx, key, data)
		}
	}
	return resp, nil
}

type layerOutcome struct {
	name  string
	items []Item
	err   error
}

// fanOut queries the four layers concurrently, each under its own timeout.
// Outcomes come back in band order; errors stay per layer.
func (e *Engine) fanOut(ctx context.Context, query string, limit int) []layerOutcome {
	outcomes := make([]layerOutcome, 4)
	g, gctx := errgroup.WithContext(ctx)

	run := func(slot int, name string, fn func(context.Context) ([]Item, error)) {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(gctx, e.cfg.LayerTimeout)
			defer cancel()
			items, err := fn(lctx)
			outcomes[slot] = layerOutcome{name: name, items: items, err: err}
			return nil
		})
	}

	run(0, LayerTexture, func(ctx context.Context) ([]Item, error) {
		return e.textureLayer(ctx, query, limit)
	})
	run(1, LayerWordPhotos, func(ctx context.Context) ([]Item, error) {
		return e.docLayer(ctx, e.deps.WordPhotos, LayerWordPhotos, bandWordPhotos, query, limit)
	})
	run(2, LayerTechDocs, func(ctx context.Context) ([]Item, error) {
		return e.docLayer(ctx, e.deps.TechDocs, LayerTechDocs, bandTechDocs, query, limit)
	})
	run(3, LayerSummaries, func(ctx context.Context) ([]Item, error) {
		return e.summaryLayer(ctx, query, limit)
	})

	g.Wait()
	return outcomes
}

func (e *Engine) textureLayer(ctx context.Context, query string, limit int) ([]Item, error) {
	if e.deps.Texture == nil {
		return nil, faults.Newf(faults.Unclassified, "recall.texture", "texture layer not configured")
	}
	res, err := e.deps.Texture.Search(ctx, query, texture.SearchOptions{
		LimitEdges: limit,
		LimitNodes: limit,
	})
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(res.Edges)+len(res.Nodes))
	for _, edge := range res.Edges {
		items = append(items, Item{
			Layer:     LayerTexture,
			Ref:       edge.UUID,
			Content:   edge.Fact,
			Score:     edge.Score,
			CreatedAt: edge.CreatedAt,
		})
	}
	for _, node := range res.Nodes {
		content := node.Name
		if node.Summary != "" {
			content = node.Name + ": " + node.Summary
		}
		items = append(items, Item{
			Layer:   LayerTexture,
			Ref:     "entity:" + node.Name,
			Content: content,
			Score:   node.Score,
		})
	}
	return finishLayer(items, bandTexture, limit), nil
}

func (e *Engine) docLayer(ctx context.Context, src DocSource, name string, band float64, query string, limit int) ([]Item, error) {
	if src == nil {
		return nil, faults.Newf(faults.Unclassified, "recall."+name, "%s layer not configured", name)
	}
	hits, err := src.Search(ctx, query, limit*2)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(hits))
	for _, hit := range hits {
		items = append(items, Item{
			Layer:   name,
			Ref:     hit.DocID,
			Content: hit.Content,
			Score:   hit.Score,
		})
	}
	return finishLayer(items, band, limit), nil
}

func (e *Engine) summaryLayer(ctx context.Context, query string, limit int) ([]Item, error) {
	if e.deps.Summaries == nil {
		return nil, faults.Newf(faults.Unclassified, "recall.summaries", "summary layer not configured")
	}
	sums, err := e.deps.Summaries.Search(ctx, query, limit*2)
	if err != nil {
		return nil, err
	}

	// Substring search carries no similarity; rank order stands in.
	items := make([]Item, 0, len(sums))
	n := len(sums)
	for i, s := range sums {
		items = append(items, Item{
			Layer:     LayerSummaries,
			Ref:       fmt.Sprintf("summary:%d", s.ID),
			Content:   s.SummaryText,
			Score:     float64(n-i) / float64(n),
			CreatedAt: s.CreatedAt,
		})
	}
	return finishLayer(items, bandSummaries, limit), nil
}

// finishLayer normalizes scores, applies the band, dedupes by ref, and caps
// the layer.
func finishLayer(items []Item, band float64, limit int) []Item {
	if len(items) == 0 {
		return nil
	}
	minMaxNormalize(items)
	for i := range items {
		items[i].Band = band
		items[i].Score *= band
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Ref < items[j].Ref
	})

	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it.Ref] {
			continue
		}
		seen[it.Ref] = true
		out = append(out, it)
		if len(out) == limit {
			break
		}
	}
	return out
}

// minMaxNormalize maps scores onto [0,1]; a flat layer normalizes to 1.
func minMaxNormalize(items []Item) {
	if len(items) == 0 {
		return
	}
	lo, hi := items[0].Score, items[0].Score
	for _, it := range items[1:] {
		if it.Score < lo {
			lo = it.Score
		}
		if it.Score > hi {
			hi = it.Score
		}
	}
	if hi == lo {
		for i := range items {
			items[i].Score = 1
		}
		return
	}
	for i := range items {
		items[i].Score = (items[i].Score - lo) / (hi - lo)
	}
}

func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Band != items[j].Band {
			return items[i].Band > items[j].Band
		}
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Ref < items[j].Ref
	})
}

func (e *Engine) backlogs(ctx context.Context) (unsummarized, uningested int, ok bool) {
	var err error
	unsummarized, err = e.deps.Ledger.CountUnsummarized(ctx)
	if err != nil {
		e.logger.Warn("Backlog count unavailable", zap.Error(err))
		return 0, 0, false
	}
	uningested, err = e.deps.Ledger.CountUningested(ctx)
	if err != nil {
		e.logger.Warn("Backlog count unavailable", zap.Error(err))
		return 0, 0, false
	}
	return unsummarized, uningested, true
}

// ClockLayout renders wall-clock lines; agent context uses the same shape.
const ClockLayout = "Monday 2006-01-02 15:04 MST"

func (e *Engine) clockLine() string {
	return e.now().Format(ClockLayout)
}

func healthLine(unsummarized, uningested int, countsOK bool, statuses []LayerStatus) string {
	var b strings.Builder
	if countsOK {
		fmt.Fprintf(&b, "%d unsummarized, %d uningested", unsummarized, uningested)
	} else {
		b.WriteString("backlogs unavailable")
	}
	for i, st := range statuses {
		if i == 0 {
			b.WriteString("; ")
		} else {
			b.WriteString(", ")
		}
		state := "ok"
		if !st.OK {
			state = "degraded"
		}
		b.WriteString(st.Layer + " " + state)
	}
	return b.String()
}

// cacheKey is empty when caching is impossible; any new turn changes the
// key, so stale context never outlives the conversation it described.
func (e *Engine) cacheKey(ctx context.Context, query string) string {
	lastID, err := e.deps.Ledger.LastTurnID(ctx)
	if err != nil {
		return ""
	}
	norm := strings.ToLower(strings.Join(strings.Fields(query), " "))
	return fmt.Sprintf("recall:%s:%d:%s", e.cfg.Entity, lastID, norm)
}
