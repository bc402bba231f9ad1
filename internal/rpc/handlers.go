package rpc

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/docstore"
	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/recall"
	"github.com/pattern-persistence/pps/internal/scheduler"
	"github.com/pattern-persistence/pps/internal/store"
	"github.com/pattern-persistence/pps/internal/texture"
)

type recallResult struct {
	ok
	recall.Response
}

func (s *Server) ambientRecall(ctx context.Context, body []byte) (interface{}, error) {
	var req recall.Request
	if err := decode(body, &req, "rpc.ambient_recall"); err != nil {
		return nil, err
	}
	resp, err := s.deps.Recall.AmbientRecall(ctx, req)
	if err != nil {
		return nil, err
	}
	return recallResult{ok: succeeded, Response: resp}, nil
}

type storeMessageParams struct {
	Content    string `json:"content"`
	AuthorName string `json:"author_name"`
	Channel    string `json:"channel"`
	IsOwn      bool   `json:"is_own_utterance"`
	SessionID  string `json:"session_id"`
	ExternalID string `json:"external_id"`
}

type storeMessageResult struct {
	ok
	Turn         store.Turn `json:"turn"`
	Deduplicated bool       `json:"deduplicated"`
}

func (s *Server) storeMessage(ctx context.Context, body []byte) (interface{}, error) {
	var p storeMessageParams
	if err := decode(body, &p, "rpc.store_message"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, faults.Newf(faults.InvalidInput, "rpc.store_message", "content must not be empty")
	}
	turn, deduped, err := s.deps.Turns.Store(ctx, store.TurnInput{
		Content:    p.Content,
		AuthorName: p.AuthorName,
		Channel:    p.Channel,
		IsOwn:      p.IsOwn,
		SessionID:  p.SessionID,
		ExternalID: p.ExternalID,
	})
	if err != nil {
		return nil, err
	}
	return storeMessageResult{ok: succeeded, Turn: turn, Deduplicated: deduped}, nil
}

type summarizeParams struct {
	Limit int `json:"limit"`
}

type turnsResult struct {
	ok
	Turns []store.Turn `json:"turns"`
	Count int          `json:"count"`
}

// summarizeMessages hands the oldest unsummarized turns to the caller for
// review. Nothing is written; store_summary closes the loop.
func (s *Server) summarizeMessages(ctx context.Context, body []byte) (interface{}, error) {
	var p summarizeParams
	if err := decode(body, &p, "rpc.summarize_messages"); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	turns, err := s.deps.Ledger.FetchUnsummarized(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	return turnsResult{ok: succeeded, Turns: turns, Count: len(turns)}, nil
}

type storeSummaryParams struct {
	SummaryText string   `json:"summary_text"`
	StartID     int64    `json:"start_id"`
	EndID       int64    `json:"end_id"`
	Channels    []string `json:"channels"`
	SummaryType string   `json:"summary_type"`
}

type storeSummaryResult struct {
	ok
	Summary store.Summary `json:"summary"`
}

func (s *Server) storeSummary(ctx context.Context, body []byte) (interface{}, error) {
	var p storeSummaryParams
	if err := decode(body, &p, "rpc.store_summary"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.SummaryText) == "" {
		return nil, faults.Newf(faults.InvalidInput, "rpc.store_summary", "summary_text must not be empty")
	}
	if p.StartID <= 0 || p.EndID < p.StartID {
		return nil, faults.Newf(faults.InvalidInput, "rpc.store_summary",
			"invalid turn range %d-%d", p.StartID, p.EndID)
	}
	if p.SummaryType == "" {
		p.SummaryType = "mixed"
	}
	sum, err := s.deps.Summaries.CreateAndStore(ctx, p.SummaryText, p.StartID, p.EndID, p.Channels, p.SummaryType)
	if err != nil {
		return nil, err
	}
	return storeSummaryResult{ok: succeeded, Summary: sum}, nil
}

type getCrystalsParams struct {
	Count int `json:"count"`
}

type crystalPayload struct {
	Number   int    `json:"number"`
	Archived bool   `json:"archived"`
	Content  string `json:"content"`
}

type getCrystalsResult struct {
	ok
	Crystals []crystalPayload `json:"crystals"`
}

func (s *Server) getCrystals(_ context.Context, body []byte) (interface{}, error) {
	var p getCrystalsParams
	if err := decode(body, &p, "rpc.get_crystals"); err != nil {
		return nil, err
	}
	if p.Count <= 0 {
		p.Count = 3
	}
	crystals, err := docstore.LatestCrystals(
		s.deps.Entity.CrystalsCurrentDir(), s.deps.Entity.CrystalsArchiveDir(), p.Count)
	if err != nil {
		return nil, err
	}
	out := make([]crystalPayload, 0, len(crystals))
	for _, c := range crystals {
		data, err := os.ReadFile(c.Path)
		if err != nil {
			s.logger.Warn("Crystal unreadable", zap.String("path", c.Path), zap.Error(err))
			continue
		}
		out = append(out, crystalPayload{
			Number:   c.Number,
			Archived: c.Archived,
			Content:  string(data),
		})
	}
	return getCrystalsResult{ok: succeeded, Crystals: out}, nil
}

type turnsSinceParams struct {
	Timestamp        string `json:"timestamp"`
	Limit            int    `json:"limit"`
	IncludeSummaries bool   `json:"include_summaries"`
}

type turnsSinceResult struct {
	ok
	Turns     []store.Turn    `json:"turns"`
	Summaries []store.Summary `json:"summaries,omitempty"`
}

func (s *Server) getTurnsSince(ctx context.Context, body []byte) (interface{}, error) {
	var p turnsSinceParams
	if err := decode(body, &p, "rpc.get_turns_since"); err != nil {
		return nil, err
	}
	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return nil, faults.Newf(faults.InvalidInput, "rpc.get_turns_since",
			"unparseable timestamp %q", p.Timestamp)
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	turns, err := s.deps.Ledger.TurnsSince(ctx, ts, p.Limit)
	if err != nil {
		return nil, err
	}
	res := turnsSinceResult{ok: succeeded, Turns: turns}
	if p.IncludeSummaries && len(turns) > 0 {
		ids := make([]int64, 0, len(turns))
		for _, t := range turns {
			ids = append(ids, t.ID)
		}
		sums, err := s.deps.Ledger.SummariesCoveringTurns(ctx, ids)
		if err != nil {
			return nil, err
		}
		res.Summaries = sums
	}
	return res, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, faults.Newf(faults.InvalidInput, "rpc.timestamp", "unparseable %q", raw)
}

type turnsSinceSummaryParams struct {
	Limit    int `json:"limit"`
	Offset   int `json:"offset"`
	MinTurns int `json:"min_turns"`
}

// getTurnsSinceSummary pages turns newer than the last summary. Short pages
// under min_turns come back empty so callers do not summarize fragments.
func (s *Server) getTurnsSinceSummary(ctx context.Context, body []byte) (interface{}, error) {
	var p turnsSinceSummaryParams
	if err := decode(body, &p, "rpc.get_turns_since_summary"); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	turns, err := s.deps.Ledger.TurnsAfterLastSummary(ctx, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	if p.MinTurns > 0 && len(turns) < p.MinTurns {
		return turnsResult{ok: succeeded, Turns: []store.Turn{}, Count: 0}, nil
	}
	return turnsResult{ok: succeeded, Turns: turns, Count: len(turns)}, nil
}

type statsResult struct {
	ok
	store.IngestionStats
}

func (s *Server) ingestionStats(ctx context.Context, _ []byte) (interface{}, error) {
	stats, err := s.deps.Ledger.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return statsResult{ok: succeeded, IngestionStats: stats}, nil
}

type ingestBatchParams struct {
	BatchSize int `json:"batch_size"`
}

type ingestBatchResult struct {
	ok
	Ingested  int `json:"ingested"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

func (s *Server) ingestBatch(ctx context.Context, body []byte) (interface{}, error) {
	var p ingestBatchParams
	if err := decode(body, &p, "rpc.ingest_batch_to_graphiti"); err != nil {
		return nil, err
	}
	out := s.deps.Batches.RunBatch(ctx, p.BatchSize)
	if out.Err != nil {
		return nil, out.Err
	}
	remaining, err := s.deps.Ledger.CountUningested(ctx)
	if err != nil {
		return nil, err
	}
	return ingestBatchResult{
		ok:        succeeded,
		Ingested:  out.Ingested,
		Failed:    out.Failed,
		Remaining: remaining,
	}, nil
}

type deleteEdgeParams struct {
	UUID string `json:"uuid"`
}

type deleteEdgeResult struct {
	ok
	Deleted string `json:"deleted"`
}

func (s *Server) deleteEdge(ctx context.Context, body []byte) (interface{}, error) {
	var p deleteEdgeParams
	if err := decode(body, &p, "rpc.delete_edge"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.UUID) == "" {
		return nil, faults.Newf(faults.InvalidInput, "rpc.delete_edge", "uuid must not be empty")
	}
	if err := s.deps.Texture.DeleteEdge(ctx, p.UUID); err != nil {
		return nil, err
	}
	return deleteEdgeResult{ok: succeeded, Deleted: p.UUID}, nil
}

type textureSearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type textureSearchResult struct {
	ok
	texture.Results
}

func (s *Server) textureSearch(ctx context.Context, body []byte) (interface{}, error) {
	var p textureSearchParams
	if err := decode(body, &p, "rpc.texture_search"); err != nil {
		return nil, err
	}
	res, err := s.deps.Texture.Search(ctx, p.Query, texture.SearchOptions{
		LimitEdges: p.Limit,
	})
	if err != nil {
		return nil, err
	}
	return textureSearchResult{ok: succeeded, Results: res}, nil
}

type lockView struct {
	Held     bool      `json:"held"`
	LockedBy string    `json:"locked_by,omitempty"`
	LockedAt time.Time `json:"locked_at,omitempty"`
	Context  string    `json:"context,omitempty"`
}

type agentContextResult struct {
	ok
	Entity         string   `json:"entity"`
	Clock          string   `json:"clock"`
	ProjectLock    lockView `json:"project_lock"`
	Unsummarized   int      `json:"unsummarized"`
	Uningested     int      `json:"uningested"`
	ActiveChannels []string `json:"active_channels"`
}

func (s *Server) agentContext(ctx context.Context, _ []byte) (interface{}, error) {
	res := agentContextResult{
		ok:     succeeded,
		Entity: s.deps.Entity.Name,
		Clock:  time.Now().Format(recall.ClockLayout),
	}

	lock, held, err := s.deps.Entity.LockStatus()
	if err != nil {
		return nil, err
	}
	res.ProjectLock.Held = held
	if lock != nil && held {
		res.ProjectLock.LockedBy = lock.LockedBy
		res.ProjectLock.LockedAt = lock.LockedAt
		res.ProjectLock.Context = lock.Context
	}

	if res.Unsummarized, err = s.deps.Ledger.CountUnsummarized(ctx); err != nil {
		return nil, err
	}
	if res.Uningested, err = s.deps.Ledger.CountUningested(ctx); err != nil {
		return nil, err
	}

	channels, err := s.deps.Ledger.ActiveChannels(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	sort.Strings(channels)
	res.ActiveChannels = channels
	return res, nil
}

type frictionSearchParams struct {
	Query       string `json:"query"`
	Limit       int    `json:"limit"`
	MinSeverity int    `json:"min_severity"`
}

type frictionSearchResult struct {
	ok
	Frictions []docstore.Item `json:"frictions"`
}

func (s *Server) frictionSearch(ctx context.Context, body []byte) (interface{}, error) {
	var p frictionSearchParams
	if err := decode(body, &p, "rpc.friction_search"); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 5
	}
	items, err := s.deps.Frictions.SearchFrictions(ctx, p.Query, p.Limit, p.MinSeverity)
	if err != nil {
		return nil, err
	}
	return frictionSearchResult{ok: succeeded, Frictions: items}, nil
}

type healthResult struct {
	ok
	Healthy bool `json:"healthy"`
	scheduler.HealthReport
}

func (s *Server) health(_ context.Context, _ []byte) (interface{}, error) {
	rep := s.deps.Batches.Health()
	return healthResult{ok: succeeded, Healthy: rep.Healthy(), HealthReport: rep}, nil
}

type sessionStartParams struct {
	CWD      string           `json:"cwd"`
	Metadata jsonx.RawMessage `json:"metadata"`
}

type sessionStartResult struct {
	ok
	SessionID string    `json:"session_id"`
	StartTime time.Time `json:"start_time"`
}

func (s *Server) sessionStart(ctx context.Context, body []byte) (interface{}, error) {
	var p sessionStartParams
	if err := decode(body, &p, "rpc.session_start"); err != nil {
		return nil, err
	}
	sess, err := s.deps.Ledger.StartSession(ctx, p.CWD, p.Metadata)
	if err != nil {
		return nil, err
	}
	return sessionStartResult{ok: succeeded, SessionID: sess.SessionID, StartTime: sess.StartTime}, nil
}

type sessionEndParams struct {
	SessionID string `json:"session_id"`
}

type sessionEndResult struct {
	ok
	SessionID string `json:"session_id"`
}

func (s *Server) sessionEnd(ctx context.Context, body []byte) (interface{}, error) {
	var p sessionEndParams
	if err := decode(body, &p, "rpc.session_end"); err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, faults.Newf(faults.InvalidInput, "rpc.session_end", "session_id must not be empty")
	}
	if err := s.deps.Ledger.EndSession(ctx, p.SessionID); err != nil {
		return nil, err
	}
	return sessionEndResult{ok: succeeded, SessionID: p.SessionID}, nil
}

type lockStatusResult struct {
	ok
	ProjectLock lockView `json:"project_lock"`
}

func (s *Server) lockStatus(_ context.Context, _ []byte) (interface{}, error) {
	lock, held, err := s.deps.Entity.LockStatus()
	if err != nil {
		return nil, err
	}
	res := lockStatusResult{ok: succeeded}
	res.ProjectLock.Held = held
	if lock != nil && held {
		res.ProjectLock.LockedBy = lock.LockedBy
		res.ProjectLock.LockedAt = lock.LockedAt
		res.ProjectLock.Context = lock.Context
	}
	return res, nil
}

type acquireLockParams struct {
	Context string `json:"context"`
	Holder  string `json:"holder"`
}

type acquireLockResult struct {
	ok
	Acquired    bool     `json:"acquired"`
	ProjectLock lockView `json:"project_lock"`
}

func (s *Server) acquireLock(_ context.Context, body []byte) (interface{}, error) {
	var p acquireLockParams
	if err := decode(body, &p, "rpc.acquire_project_lock"); err != nil {
		return nil, err
	}
	if p.Holder == "" {
		p.Holder = "agent"
	}
	lock, err := s.deps.Entity.AcquireLock(p.Holder, p.Context)
	if err != nil {
		if lock != nil {
			// Held by someone else; not an error, the caller just waits.
			return acquireLockResult{
				ok:       succeeded,
				Acquired: false,
				ProjectLock: lockView{
					Held:     true,
					LockedBy: lock.LockedBy,
					LockedAt: lock.LockedAt,
					Context:  lock.Context,
				},
			}, nil
		}
		return nil, err
	}
	return acquireLockResult{
		ok:       succeeded,
		Acquired: true,
		ProjectLock: lockView{
			Held:     true,
			LockedBy: lock.LockedBy,
			LockedAt: lock.LockedAt,
			Context:  lock.Context,
		},
	}, nil
}

type releaseLockParams struct {
	Holder string `json:"holder"`
}

type releaseLockResult struct {
	ok
	Released bool `json:"released"`
}

func (s *Server) releaseLock(_ context.Context, body []byte) (interface{}, error) {
	var p releaseLockParams
	if err := decode(body, &p, "rpc.release_project_lock"); err != nil {
		return nil, err
	}
	if p.Holder == "" {
		p.Holder = "agent"
	}
	if err := s.deps.Entity.ReleaseLock(p.Holder); err != nil {
		return nil, err
	}
	return releaseLockResult{ok: succeeded, Released: true}, nil
}

type indexDocumentParams struct {
	Path     string `json:"path"`
	StoreKey string `json:"store"`
	Category string `json:"category"`
}

type indexDocumentResult struct {
	ok
	docstore.IngestResult
}

func (s *Server) indexDocument(ctx context.Context, body []byte) (interface{}, error) {
	var p indexDocumentParams
	if err := decode(body, &p, "rpc.index_document"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Path) == "" {
		return nil, faults.Newf(faults.InvalidInput, "rpc.index_document", "path must not be empty")
	}
	ingester, okStore := s.deps.Docs[p.StoreKey]
	if !okStore {
		return nil, faults.Newf(faults.InvalidInput, "rpc.index_document",
			"unknown document store %q (have %s)", p.StoreKey, strings.Join(s.docStoreNames(), ", "))
	}
	res, err := ingester.Ingest(ctx, p.Path, p.Category)
	if err != nil {
		return nil, err
	}
	return indexDocumentResult{ok: succeeded, IngestResult: res}, nil
}

func (s *Server) docStoreNames() []string {
	names := make([]string, 0, len(s.deps.Docs))
	for name := range s.deps.Docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
