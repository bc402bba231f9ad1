package rpc

// These tests drive the HTTP surface over the real storage stack: a live
// SQLite ledger, the capture and summary services, the scheduler, and the
// recall engine. Only the network backends (graph, vectors, embedder,
// model) are stubbed out.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pattern-persistence/pps/internal/cache"
	"github.com/pattern-persistence/pps/internal/capture"
	"github.com/pattern-persistence/pps/internal/docstore"
	"github.com/pattern-persistence/pps/internal/entity"
	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/llm"
	"github.com/pattern-persistence/pps/internal/recall"
	"github.com/pattern-persistence/pps/internal/scheduler"
	"github.com/pattern-persistence/pps/internal/store"
	"github.com/pattern-persistence/pps/internal/summaries"
	"github.com/pattern-persistence/pps/internal/texture"
)

type liveStack struct {
	ts       *httptest.Server
	entity   *entity.Entity
	st       *store.Store
	episodes *stubEpisodes
}

func newLiveStack(t *testing.T) *liveStack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	e, err := entity.Load("testing", t.TempDir(), logger)
	require.NoError(t, err)

	st, err := store.Open(e.DatabasePath(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tiered, err := cache.NewTiered(cache.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(tiered.Close)

	turns := capture.New(st, logger)
	sums := summaries.New(st, silentModel{}, logger)
	episodes := &stubEpisodes{}

	sched := scheduler.New(scheduler.Config{}, scheduler.Deps{
		Ledger:     st,
		Summarizer: sums,
		Episodes:   episodes,
		Probes: scheduler.Probes{
			Store:     st.Health,
			Graph:     func(context.Context) error { return nil },
			Vectors:   func(context.Context) error { return nil },
			Embedding: func(context.Context) error { return nil },
		},
	}, logger)
	sched.Start()
	t.Cleanup(sched.Stop)

	tex := &fakeTexture{}
	engine := recall.New(recall.Config{
		Entity:          "testing",
		CrystalsCurrent: e.CrystalsCurrentDir(),
		CrystalsArchive: e.CrystalsArchiveDir(),
		WordPhotoRoot:   e.WordPhotosDir(),
	}, recall.Deps{
		Ledger:     st,
		Summaries:  sums,
		Texture:    tex,
		WordPhotos: emptyDocs{},
		TechDocs:   emptyDocs{},
		Cache:      tiered,
	}, logger)

	server := NewServer(Deps{
		Entity:    e,
		Ledger:    st,
		Turns:     turns,
		Summaries: sums,
		Texture:   tex,
		Recall:    engine,
		Batches:   sched,
		Frictions: &fakeFrictions{},
		Docs:      map[string]DocIngester{"tech_docs": &fakeDocIngester{}},
	}, logger)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &liveStack{ts: ts, entity: e, st: st, episodes: episodes}
}

func (ls *liveStack) post(t *testing.T, name string, params map[string]interface{}) (int, map[string]interface{}) {
	t.Helper()
	status, out, err := ls.tryPost(name, params)
	require.NoError(t, err)
	return status, out
}

// tryPost is the goroutine-safe variant; concurrent callers must not
// trigger require failures off the test goroutine.
func (ls *liveStack) tryPost(name string, params map[string]interface{}) (int, map[string]interface{}, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	if _, has := params["token"]; !has {
		params["token"] = ls.entity.Token()
	}
	body, err := jsonx.Marshal(params)
	if err != nil {
		return 0, nil, err
	}

	resp, err := http.Post(ls.ts.URL+"/rpc/"+name, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	var out map[string]interface{}
	if err := jsonx.Unmarshal(data, &out); err != nil {
		return 0, nil, fmt.Errorf("undecodable envelope %q: %w", data, err)
	}
	return resp.StatusCode, out, nil
}

func TestServiceFlowsOverRealStore(t *testing.T) {
	ls := newLiveStack(t)

	t.Run("empty system reports healthy", func(t *testing.T) {
		require.Eventually(t, func() bool {
			status, out, err := ls.tryPost("pps_health", nil)
			return err == nil && status == http.StatusOK && out["healthy"] == true
		}, 5*time.Second, 50*time.Millisecond, "health sweep never turned healthy")

		status, out := ls.post(t, "agent_context", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, int64(0), out["unsummarized"])
		assert.Equal(t, int64(0), out["uningested"])
		lock := out["project_lock"].(map[string]interface{})
		assert.Equal(t, false, lock["held"])
	})

	t.Run("capture to summary flow", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			status, out := ls.post(t, "store_message", map[string]interface{}{
				"content":     fmt.Sprintf("working through the recall engine rollout, step %d", i),
				"author_name": "ami",
				"channel":     "terminal",
			})
			require.Equal(t, http.StatusOK, status, "store_message %d: %v", i, out)
			require.Equal(t, true, out["success"])
		}

		status, out := ls.post(t, "summarize_messages", nil)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, int64(3), out["count"])
		turns := out["turns"].([]interface{})
		first := turns[0].(map[string]interface{})["id"].(int64)
		last := turns[len(turns)-1].(map[string]interface{})["id"].(int64)

		status, out = ls.post(t, "store_summary", map[string]interface{}{
			"summary_text": "Rolled out the recall engine across three terminal sessions.",
			"start_id":     first,
			"end_id":       last,
			"channels":     []string{"terminal"},
			"summary_type": "technical",
		})
		require.Equal(t, http.StatusOK, status, "store_summary: %v", out)
		require.Equal(t, true, out["success"])

		status, out = ls.post(t, "get_turns_since_summary", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, int64(0), out["count"], "every turn should be covered by the summary")

		status, out = ls.post(t, "agent_context", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, int64(0), out["unsummarized"])
		assert.Equal(t, int64(3), out["uningested"])
		assert.Contains(t, out["active_channels"], "terminal")
	})

	t.Run("rate limited batch releases its turns", func(t *testing.T) {
		ls.episodes.setErr(faults.Newf(faults.RateLimit, "texture.ingest", "429 from the extractor"))

		status, out := ls.post(t, "ingest_batch_to_graphiti", nil)
		require.Equal(t, http.StatusTooManyRequests, status)
		assert.Equal(t, false, out["success"])
		assert.Equal(t, "rate_limit", out["error_kind"])
		assert.NotEmpty(t, out["advice"])

		status, out = ls.post(t, "graphiti_ingestion_stats", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, int64(3), out["uningested_turns"], "released turns must count as uningested again")
		byStatus := out["batches_by_status"].(map[string]interface{})
		assert.Equal(t, int64(1), byStatus[store.BatchFailed])
	})

	t.Run("paced batches drain the backlog", func(t *testing.T) {
		ls.episodes.setErr(nil)

		status, out := ls.post(t, "ingest_batch_to_graphiti", map[string]interface{}{"batch_size": 2})
		require.Equal(t, http.StatusOK, status, "first batch: %v", out)
		assert.Equal(t, int64(2), out["ingested"])
		assert.Equal(t, int64(1), out["remaining"])

		status, out = ls.post(t, "ingest_batch_to_graphiti", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, int64(1), out["ingested"])
		assert.Equal(t, int64(0), out["remaining"])

		status, out = ls.post(t, "graphiti_ingestion_stats", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, int64(0), out["uningested_turns"])
		byStatus := out["batches_by_status"].(map[string]interface{})
		assert.Equal(t, int64(2), byStatus[store.BatchComplete])
	})

	t.Run("concurrent recalls render one view", func(t *testing.T) {
		const callers = 8
		contexts := make([]string, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func(i int) {
				defer wg.Done()
				status, out, err := ls.tryPost("ambient_recall", map[string]interface{}{
					"context": "recall engine rollout recap",
				})
				if err != nil {
					errs[i] = err
					return
				}
				if status != http.StatusOK || out["success"] != true {
					errs[i] = fmt.Errorf("caller %d: status %d, body %v", i, status, out)
					return
				}
				contexts[i] = out["formatted_context"].(string)
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		want := stripClockLine(contexts[0])
		for i := 1; i < callers; i++ {
			assert.Equal(t, want, stripClockLine(contexts[i]), "caller %d diverged", i)
		}
	})
}

// stripClockLine drops the wall-clock line so two renders straddling a
// minute boundary still compare equal.
func stripClockLine(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(line, "[clock] ") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// silentModel satisfies the summary drafting interface; the flows here
// write summaries through the RPC surface, so the model is never invoked.
type silentModel struct{}

func (silentModel) Invoke(context.Context, llm.Request) (string, error) {
	return "", fmt.Errorf("model offline")
}

type stubEpisodes struct {
	mu  sync.Mutex
	err error
	n   int
}

func (s *stubEpisodes) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubEpisodes) Ingest(context.Context, string, texture.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.err
}

type emptyDocs struct{}

func (emptyDocs) Search(context.Context, string, int) ([]docstore.Item, error) {
	return nil, nil
}
