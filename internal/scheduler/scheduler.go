// Package scheduler drives the background promotion pipelines: L1 turns
// into L2 summaries, L1 turns into the L3 graph, document re-ingestion, and
// the health sweep. Each pipeline is one goroutine on its own tick; ticks
// advance by at most one batch and never enqueue themselves.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/docstore"
	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/store"
	"github.com/pattern-persistence/pps/internal/summaries"
	"github.com/pattern-persistence/pps/internal/texture"
)

// Config tunes the tick loops. Zero values take defaults.
type Config struct {
	SummaryTick  time.Duration
	GraphTick    time.Duration
	DocSweepTick time.Duration
	HealthTick   time.Duration

	SummaryThreshold int
	SummaryBatch     int
	SummaryPassCap   int
	GraphThreshold   int
	GraphBatch       int

	BatchPause     time.Duration
	PauseAfter     int
	PauseCooldown  time.Duration
	SummaryTimeout time.Duration
	EpisodeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SummaryTick <= 0 {
		c.SummaryTick = time.Minute
	}
	if c.GraphTick <= 0 {
		c.GraphTick = 2 * time.Minute
	}
	if c.DocSweepTick <= 0 {
		c.DocSweepTick = 10 * time.Minute
	}
	if c.HealthTick <= 0 {
		c.HealthTick = 5 * time.Minute
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = 100
	}
	if c.SummaryBatch <= 0 {
		c.SummaryBatch = 50
	}
	if c.SummaryPassCap <= 0 {
		c.SummaryPassCap = 5
	}
	if c.GraphThreshold <= 0 {
		c.GraphThreshold = 100
	}
	if c.GraphBatch <= 0 {
		c.GraphBatch = 10
	}
	if c.BatchPause <= 0 {
		c.BatchPause = 5 * time.Second
	}
	if c.PauseAfter <= 0 {
		c.PauseAfter = 3
	}
	if c.PauseCooldown <= 0 {
		c.PauseCooldown = 30 * time.Minute
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = 2 * time.Minute
	}
	if c.EpisodeTimeout <= 0 {
		c.EpisodeTimeout = 5 * time.Minute
	}
}

// Ledger is the relational slice the scheduler drives.
type Ledger interface {
	CountUnsummarized(ctx context.Context) (int, error)
	FetchUnsummarized(ctx context.Context, limit int) ([]store.Turn, error)
	CountUningested(ctx context.Context) (int, error)
	ClaimGraphBatch(ctx context.Context, limit int) (store.Batch, []store.Turn, error)
	CompleteBatch(ctx context.Context, batchID int64) error
	FailBatch(ctx context.Context, batchID int64, category string) error
	ReleaseBatchTurns(ctx context.Context, batchID int64) (int64, error)
	ReleaseTurns(ctx context.Context, batchID int64, ids []int64) (int64, error)
	RecordTrace(ctx context.Context, daemonType, eventType, sessionID string, payload interface{}, duration time.Duration) error
}

// Summarizer is the L2 slice.
type Summarizer interface {
	Summarize(ctx context.Context, turns []store.Turn) (summaries.Draft, error)
	CreateAndStore(ctx context.Context, text string, startID, endID int64, channels []string, summaryType string) (store.Summary, error)
}

// EpisodeIngester is the L3 slice.
type EpisodeIngester interface {
	Ingest(ctx context.Context, text string, meta texture.Meta) error
}

// SweepStore is one document store the sweep re-ingests into.
type SweepStore interface {
	Ingest(ctx context.Context, path, category string) (docstore.IngestResult, error)
}

// SweepTarget pairs a document store with the directories it watches.
type SweepTarget struct {
	Name     string
	Store    SweepStore
	Roots    []string
	Category string
}

// Probes are the backends the health sweep checks.
type Probes struct {
	Store     func(ctx context.Context) error
	Graph     func(ctx context.Context) error
	Vectors   func(ctx context.Context) error
	Embedding func(ctx context.Context) error
}

// HealthReport is the cached outcome of the last health sweep.
type HealthReport struct {
	CheckedAt    time.Time         `json:"checked_at"`
	Layers       map[string]string `json:"layers"`
	Unsummarized int               `json:"unsummarized"`
	Uningested   int               `json:"uningested"`
}

// Healthy reports whether every probed layer answered.
func (r HealthReport) Healthy() bool {
	for _, status := range r.Layers {
		if status != "ok" {
			return false
		}
	}
	return !r.CheckedAt.IsZero()
}

// Deps are the scheduler's backends. Nil members disable their pipeline.
type Deps struct {
	Ledger     Ledger
	Summarizer Summarizer
	Episodes   EpisodeIngester
	Sweeps     []SweepTarget
	Probes     Probes
}

// Scheduler owns the background loops.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	health        HealthReport
	lastBatch     time.Time
	timeoutStreak int
	pausedUntil   time.Time
}

// New builds a scheduler. Start spawns the loops; Stop cancels and waits.
func New(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches one goroutine per pipeline.
func (s *Scheduler) Start() {
	s.wg.Add(4)
	go s.runSummaryLoop()
	go s.runGraphLoop()
	go s.runDocSweepLoop()
	go s.runHealthLoop()
	s.logger.Info("Scheduler started",
		zap.Duration("summary_tick", s.cfg.SummaryTick),
		zap.Duration("graph_tick", s.cfg.GraphTick),
		zap.Duration("doc_sweep", s.cfg.DocSweepTick),
		zap.Duration("health_tick", s.cfg.HealthTick))
}

// Stop cancels the loops and waits for them to drain.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Health returns the last cached sweep report.
func (s *Scheduler) Health() HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep := s.health
	layers := make(map[string]string, len(rep.Layers))
	for k, v := range rep.Layers {
		layers[k] = v
	}
	rep.Layers = layers
	return rep
}

func (s *Scheduler) runSummaryLoop() {
	defer s.wg.Done()
	defer s.recoverLoop("summary")

	s.logger.Info("Starting summarization loop", zap.Duration("interval", s.cfg.SummaryTick))
	ticker := time.NewTicker(s.cfg.SummaryTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Summarization loop stopped")
			return
		case <-ticker.C:
			s.summaryTick(s.ctx)
		}
	}
}

// summaryTick drains the unsummarized backlog down to the threshold, at
// most SummaryPassCap batches per tick.
func (s *Scheduler) summaryTick(ctx context.Context) {
	if s.deps.Summarizer == nil {
		return
	}
	for pass := 0; pass < s.cfg.SummaryPassCap; pass++ {
		count, err := s.deps.Ledger.CountUnsummarized(ctx)
		if err != nil {
			s.logger.Warn("Unsummarized count failed", zap.Error(err))
			return
		}
		if count < s.cfg.SummaryThreshold {
			return
		}

		turns, err := s.deps.Ledger.FetchUnsummarized(ctx, s.cfg.SummaryBatch)
		if err != nil {
			s.logger.Warn("Unsummarized fetch failed", zap.Error(err))
			return
		}
		turns = contiguousPrefix(turns)
		if len(turns) == 0 {
			return
		}

		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, s.cfg.SummaryTimeout)
		draft, err := s.deps.Summarizer.Summarize(sctx, turns)
		cancel()
		if err != nil {
			kind := faults.KindOf(err)
			if faults.IsTransient(err) {
				s.logger.Warn("Summarization skipped this tick",
					zap.String("kind", string(kind)), zap.Error(err))
			} else {
				s.logger.Error("Summarization failed",
					zap.String("kind", string(kind)), zap.Error(err))
			}
			return
		}

		sum, err := s.deps.Summarizer.CreateAndStore(ctx, draft.Text, draft.StartID, draft.EndID, draft.Channels, draft.Type)
		if err != nil {
			s.logger.Error("Summary write failed", zap.Error(err))
			return
		}
		s.logger.Info("Summarized turn range",
			zap.Int64("summary_id", sum.ID),
			zap.Int64("start", draft.StartID),
			zap.Int64("end", draft.EndID),
			zap.Int("turns", len(turns)))
		s.trace(ctx, "summary_created", map[string]interface{}{
			"summary_id": sum.ID,
			"start":      draft.StartID,
			"end":        draft.EndID,
			"turns":      len(turns),
		}, time.Since(start))
	}
}

func (s *Scheduler) runGraphLoop() {
	defer s.wg.Done()
	defer s.recoverLoop("graph")

	s.logger.Info("Starting graph ingestion loop", zap.Duration("interval", s.cfg.GraphTick))
	ticker := time.NewTicker(s.cfg.GraphTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Graph ingestion loop stopped")
			return
		case <-ticker.C:
			s.graphTick(s.ctx)
		}
	}
}

// graphTick runs at most one batch: claim, ingest per turn, settle the
// batch row. Transient faults fail the whole batch and release every turn;
// permanent faults drop just their turn back into the backlog.
func (s *Scheduler) graphTick(ctx context.Context) {
	if s.deps.Episodes == nil {
		return
	}

	s.mu.RLock()
	pausedUntil := s.pausedUntil
	lastBatch := s.lastBatch
	s.mu.RUnlock()

	now := time.Now()
	if now.Before(pausedUntil) {
		s.logger.Debug("Graph ingestion paused", zap.Time("until", pausedUntil))
		return
	}
	if now.Sub(lastBatch) < s.cfg.BatchPause {
		return
	}

	count, err := s.deps.Ledger.CountUningested(ctx)
	if err != nil {
		s.logger.Warn("Uningested count failed", zap.Error(err))
		return
	}
	if count < s.cfg.GraphThreshold {
		return
	}

	s.RunBatch(ctx, 0)
}

// RunBatch claims and processes one graph batch regardless of thresholds.
// The paced-ingestion CLI and the ingest RPC drive it directly; size <= 0
// takes the configured batch size.
func (s *Scheduler) RunBatch(ctx context.Context, size int) BatchOutcome {
	if size <= 0 {
		size = s.cfg.GraphBatch
	}
	start := time.Now()
	batch, turns, err := s.deps.Ledger.ClaimGraphBatch(ctx, size)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchOutcome{Empty: true}
	}
	if err != nil {
		s.logger.Warn("Batch claim failed", zap.Error(err))
		return BatchOutcome{Err: err}
	}

	s.mu.Lock()
	s.lastBatch = time.Now()
	s.mu.Unlock()

	var hardFailed []int64
	for _, turn := range turns {
		ictx, cancel := context.WithTimeout(ctx, s.cfg.EpisodeTimeout)
		err := s.deps.Episodes.Ingest(ictx, turn.Content, texture.Meta{
			Channel:   turn.Channel,
			Role:      roleOf(turn),
			Speaker:   turn.AuthorName,
			Timestamp: turn.CreatedAt,
		})
		cancel()
		if err == nil {
			continue
		}

		kind := faults.KindOf(err)
		if faults.IsTransient(err) {
			s.failBatchTransient(ctx, batch.ID, kind, err)
			return BatchOutcome{BatchID: batch.ID, Transient: true, Category: string(kind), Err: err}
		}
		s.logger.Error("Turn ingestion failed permanently",
			zap.Int64("turn", turn.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		hardFailed = append(hardFailed, turn.ID)
	}

	if err := s.deps.Ledger.CompleteBatch(ctx, batch.ID); err != nil {
		s.logger.Error("Batch completion failed", zap.Int64("batch", batch.ID), zap.Error(err))
		return BatchOutcome{BatchID: batch.ID, Err: err}
	}
	if len(hardFailed) > 0 {
		if _, err := s.deps.Ledger.ReleaseTurns(ctx, batch.ID, hardFailed); err != nil {
			s.logger.Error("Hard-failed turn release failed", zap.Int64("batch", batch.ID), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.timeoutStreak = 0
	s.mu.Unlock()

	outcome := BatchOutcome{
		BatchID:  batch.ID,
		Ingested: len(turns) - len(hardFailed),
		Failed:   len(hardFailed),
	}
	s.logger.Info("Graph batch complete",
		zap.Int64("batch", batch.ID),
		zap.String("range", batch.TurnRange),
		zap.Int("ingested", outcome.Ingested),
		zap.Int("hard_failed", outcome.Failed))
	s.trace(ctx, "graph_batch_complete", map[string]interface{}{
		"batch_id":    batch.ID,
		"turn_range":  batch.TurnRange,
		"ingested":    outcome.Ingested,
		"hard_failed": outcome.Failed,
	}, time.Since(start))
	return outcome
}

// BatchOutcome reports one RunBatch call.
type BatchOutcome struct {
	BatchID   int64
	Ingested  int
	Failed    int
	Empty     bool
	Transient bool
	Category  string
	Err       error
}

func (s *Scheduler) failBatchTransient(ctx context.Context, batchID int64, kind faults.Kind, cause error) {
	if err := s.deps.Ledger.FailBatch(ctx, batchID, string(kind)); err != nil {
		s.logger.Error("Batch failure record failed", zap.Int64("batch", batchID), zap.Error(err))
	}
	released, err := s.deps.Ledger.ReleaseBatchTurns(ctx, batchID)
	if err != nil {
		s.logger.Error("Batch turn release failed", zap.Int64("batch", batchID), zap.Error(err))
	}
	s.logger.Warn("Graph batch failed transiently",
		zap.Int64("batch", batchID),
		zap.String("category", string(kind)),
		zap.Int64("released", released),
		zap.Error(cause))
	s.trace(ctx, "graph_batch_failed", map[string]interface{}{
		"batch_id": batchID,
		"category": string(kind),
		"released": released,
	}, 0)

	if kind != faults.NetworkTimeout {
		return
	}
	s.mu.Lock()
	s.timeoutStreak++
	streak := s.timeoutStreak
	var pausedUntil time.Time
	if streak >= s.cfg.PauseAfter {
		pausedUntil = time.Now().Add(s.cfg.PauseCooldown)
		s.pausedUntil = pausedUntil
		s.timeoutStreak = 0
	}
	s.mu.Unlock()

	if !pausedUntil.IsZero() {
		s.logger.Error("Graph ingestion paused after repeated network timeouts",
			zap.Int("consecutive", s.cfg.PauseAfter),
			zap.Time("until", pausedUntil))
		s.trace(ctx, "graph_ingestion_paused", map[string]interface{}{
			"consecutive": s.cfg.PauseAfter,
			"until":       pausedUntil.Format(time.RFC3339),
		}, 0)
	}
}

func (s *Scheduler) runDocSweepLoop() {
	defer s.wg.Done()
	defer s.recoverLoop("doc sweep")

	s.logger.Info("Starting document sweep loop", zap.Duration("interval", s.cfg.DocSweepTick))
	ticker := time.NewTicker(s.cfg.DocSweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Document sweep loop stopped")
			return
		case <-ticker.C:
			s.DocSweep(s.ctx)
		}
	}
}

// DocSweep re-ingests every markdown file under the sweep roots. The
// content hash makes unchanged files cheap. Also serves ppsctl index-docs.
func (s *Scheduler) DocSweep(ctx context.Context) SweepReport {
	var rep SweepReport
	for _, target := range s.deps.Sweeps {
		if target.Store == nil {
			continue
		}
		for _, root := range target.Roots {
			files, err := docstore.MarkdownFiles(root)
			if err != nil {
				s.logger.Warn("Sweep root walk failed",
					zap.String("target", target.Name), zap.String("root", root), zap.Error(err))
				rep.Errors++
				continue
			}
			for _, path := range files {
				if ctx.Err() != nil {
					return rep
				}
				res, err := target.Store.Ingest(ctx, path, target.Category)
				if err != nil {
					s.logger.Warn("Sweep ingest failed",
						zap.String("target", target.Name), zap.String("path", path), zap.Error(err))
					rep.Errors++
					continue
				}
				switch res.Action {
				case docstore.ActionIndexed:
					rep.Indexed++
				case docstore.ActionUpdated:
					rep.Updated++
				default:
					rep.Unchanged++
				}
			}
		}
	}
	if rep.Indexed+rep.Updated+rep.Errors > 0 {
		s.logger.Info("Document sweep complete",
			zap.Int("indexed", rep.Indexed),
			zap.Int("updated", rep.Updated),
			zap.Int("unchanged", rep.Unchanged),
			zap.Int("errors", rep.Errors))
	}
	return rep
}

// SweepReport tallies one document sweep.
type SweepReport struct {
	Indexed   int `json:"indexed"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

func (s *Scheduler) runHealthLoop() {
	defer s.wg.Done()
	defer s.recoverLoop("health")

	s.logger.Info("Starting health sweep loop", zap.Duration("interval", s.cfg.HealthTick))
	s.healthSweep(s.ctx)

	ticker := time.NewTicker(s.cfg.HealthTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Health sweep loop stopped")
			return
		case <-ticker.C:
			s.healthSweep(s.ctx)
		}
	}
}

func (s *Scheduler) healthSweep(ctx context.Context) HealthReport {
	rep := HealthReport{
		CheckedAt: time.Now().UTC(),
		Layers:    make(map[string]string, 4),
	}
	probe := func(name string, fn func(ctx context.Context) error) {
		if fn == nil {
			return
		}
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := fn(pctx); err != nil {
			rep.Layers[name] = string(faults.KindOf(err))
			s.logger.Warn("Health probe failed", zap.String("layer", name), zap.Error(err))
			return
		}
		rep.Layers[name] = "ok"
	}
	probe("store", s.deps.Probes.Store)
	probe("graph", s.deps.Probes.Graph)
	probe("vectors", s.deps.Probes.Vectors)
	probe("embedding", s.deps.Probes.Embedding)

	if n, err := s.deps.Ledger.CountUnsummarized(ctx); err == nil {
		rep.Unsummarized = n
	}
	if n, err := s.deps.Ledger.CountUningested(ctx); err == nil {
		rep.Uningested = n
	}

	s.mu.Lock()
	s.health = rep
	s.mu.Unlock()
	return rep
}

func (s *Scheduler) recoverLoop(name string) {
	if r := recover(); r != nil {
		s.logger.Error("Panic in scheduler loop",
			zap.String("loop", name),
			zap.Any("panic", r),
			zap.Stack("stacktrace"))
	}
}

func (s *Scheduler) trace(ctx context.Context, event string, payload map[string]interface{}, d time.Duration) {
	if err := s.deps.Ledger.RecordTrace(ctx, "scheduler", event, "", payload, d); err != nil {
		s.logger.Warn("Trace write failed", zap.String("event", event), zap.Error(err))
	}
}

// contiguousPrefix cuts a fetched turn list at the first id gap, because a
// summary stamps a closed id range and must not swallow turns that are
// already covered inside the gap.
func contiguousPrefix(turns []store.Turn) []store.Turn {
	for i := 1; i < len(turns); i++ {
		if turns[i].ID != turns[i-1].ID+1 {
			return turns[:i]
		}
	}
	return turns
}

func roleOf(t store.Turn) string {
	if t.IsOwn {
		return "assistant"
	}
	return "user"
}
