package texture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/graph"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/llm"
	"github.com/pattern-persistence/pps/internal/vectorindex"
)

func newTestService(t *testing.T, fg *fakeGraph, fv *fakeVectors, fe *fakeEmbedder, fi *fakeInvoker) *Service {
	t.Helper()
	return New(fg, fv, fe, fi, Options{GroupID: "grp", ProcessEntity: "lyra"}, zaptest.NewLogger(t))
}

func TestIngestStoresEntitiesRelationsAndVectors(t *testing.T) {
	fg := newFakeGraph()
	fv := newFakeVectors()
	fi := &fakeInvoker{response: `{
		"entities": [
			{"name": "Lyra", "type": "person"},
			{"name": "Qdrant", "type": "Technology"}
		],
		"relations": [
			{"subject": "Lyra", "predicate": "uses", "object": "Qdrant", "fact": "Lyra uses Qdrant for vector search."}
		]
	}`}
	svc := newTestService(t, fg, fv, &fakeEmbedder{dim: 4}, fi)

	when := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	err := svc.Ingest(context.Background(), "We moved vector search to Qdrant.", Meta{
		Channel:   "discord",
		Role:      "user",
		Speaker:   "Lyra",
		Timestamp: when,
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if len(fg.upserts) != 2 {
		t.Fatalf("Expected 2 entity upserts, got %d: %v", len(fg.upserts), fg.upserts)
	}
	if fg.upserts[0] != "lyra|person" || fg.upserts[1] != "qdrant|technology" {
		t.Errorf("Expected lowercased upserts, got %v", fg.upserts)
	}

	if len(fg.relations) != 1 {
		t.Fatalf("Expected 1 relation, got %d", len(fg.relations))
	}
	rel := fg.relations[0]
	if rel.Predicate != "USES" {
		t.Errorf("Expected predicate USES, got %q", rel.Predicate)
	}
	if rel.XID == "" {
		t.Error("Expected relation to carry a uuid")
	}
	if !rel.CreatedAt.Equal(when) {
		t.Errorf("Expected created_at %v, got %v", when, rel.CreatedAt)
	}

	points := fv.upserted[vectorindex.CollectionGraphFacts]
	if len(points) != 1 {
		t.Fatalf("Expected 1 fact point, got %d", len(points))
	}
	wantID := vectorindex.PointID(vectorindex.CollectionGraphFacts, rel.XID, 0)
	if points[0].ID != wantID {
		t.Errorf("Expected point id %d, got %d", wantID, points[0].ID)
	}
	if len(points[0].Vector) != 4 {
		t.Errorf("Expected 4-dim vector, got %d", len(points[0].Vector))
	}
	payload, ok := points[0].Payload.(factPayload)
	if !ok {
		t.Fatalf("Expected factPayload, got %T", points[0].Payload)
	}
	if payload.Subject != "lyra" || payload.Object != "qdrant" {
		t.Errorf("Expected lyra/qdrant payload, got %q/%q", payload.Subject, payload.Object)
	}
	if payload.Fact != "Lyra uses Qdrant for vector search." {
		t.Errorf("Unexpected fact: %q", payload.Fact)
	}
	if fv.ensured[vectorindex.CollectionGraphFacts] != 4 {
		t.Errorf("Expected collection ensured at dim 4, got %d", fv.ensured[vectorindex.CollectionGraphFacts])
	}

	if !strings.Contains(fi.lastPrompt, "Qdrant") {
		t.Error("Expected the episode text in the extraction prompt")
	}
	if !strings.Contains(fi.lastPrompt, "2025-07-01 12:00") {
		t.Error("Expected the episode frame to carry the timestamp")
	}
}

func TestIngestSkipsExistingRelations(t *testing.T) {
	fg := newFakeGraph()
	fg.relationExists = true
	fv := newFakeVectors()
	fi := &fakeInvoker{response: `{
		"entities": [{"name": "lyra", "type": "person"}],
		"relations": [{"subject": "lyra", "predicate": "USES", "object": "qdrant", "fact": "x"}]
	}`}
	svc := newTestService(t, fg, fv, &fakeEmbedder{dim: 4}, fi)

	if err := svc.Ingest(context.Background(), "repeat episode", Meta{}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(fg.relations) != 0 {
		t.Errorf("Expected no new relations, got %d", len(fg.relations))
	}
	if len(fv.upserted) != 0 {
		t.Errorf("Expected no vector upserts, got %v", fv.upserted)
	}
}

func TestIngestRejectsUnknownRole(t *testing.T) {
	svc := newTestService(t, newFakeGraph(), newFakeVectors(), &fakeEmbedder{dim: 4}, &fakeInvoker{})

	err := svc.Ingest(context.Background(), "hello", Meta{Role: "narrator"})
	if err == nil {
		t.Fatal("Expected an error for unknown role")
	}
	if faults.KindOf(err) != faults.InvalidInput {
		t.Errorf("Expected invalid_input, got %s", faults.KindOf(err))
	}
}

func TestIngestWithNoFactsIsANoop(t *testing.T) {
	fg := newFakeGraph()
	fi := &fakeInvoker{response: `{"entities": [], "relations": []}`}
	svc := newTestService(t, fg, newFakeVectors(), &fakeEmbedder{dim: 4}, fi)

	if err := svc.Ingest(context.Background(), "mhm", Meta{}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(fg.upserts) != 0 {
		t.Errorf("Expected no upserts, got %v", fg.upserts)
	}
}

func TestSearchBlendsSemanticAndProximity(t *testing.T) {
	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	fg := newFakeGraph()
	fg.canonical["lyra"] = &graph.Entity{UID: "0x1", Name: "lyra", EntityType: "person"}
	fg.proximity = map[string]float64{"0x1": 1.0, "0x2": 0.5}
	fv := newFakeVectors()
	fv.searchHits = []vectorindex.Hit{
		{ID: 1, Score: 0.8, Payload: mustPayload(t, factPayload{
			UUID: "bbb", Subject: "kafka", Object: "nats",
			SubjectUID: "0x8", ObjectUID: "0x9",
			Predicate: "REPLACED_BY", CreatedAt: base.Format(time.RFC3339Nano),
		})},
		{ID: 2, Score: 0.6, Payload: mustPayload(t, factPayload{
			UUID: "aaa", Subject: "lyra", Object: "qdrant",
			SubjectUID: "0x1", ObjectUID: "0x2",
			Predicate: "USES", CreatedAt: base.Format(time.RFC3339Nano),
		})},
	}
	svc := newTestService(t, fg, fv, &fakeEmbedder{dim: 4}, &fakeInvoker{})

	res, err := svc.Search(context.Background(), "vector search", SearchOptions{CenterEntity: "Lyra"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res.Edges) != 2 {
		t.Fatalf("Expected 2 edges, got %d", len(res.Edges))
	}

	// 0.7*0.6 + 0.3*1.0 = 0.72 beats 0.7*0.8 + 0.3*0 = 0.56.
	if res.Edges[0].UUID != "aaa" {
		t.Errorf("Expected the near-center edge first, got %q", res.Edges[0].UUID)
	}
	if res.Edges[0].Score <= res.Edges[1].Score {
		t.Errorf("Expected descending scores, got %f then %f", res.Edges[0].Score, res.Edges[1].Score)
	}
	if fv.lastFilter == nil || len(fv.lastFilter.Must) != 1 || fv.lastFilter.Must[0].Key != "group_id" {
		t.Errorf("Expected a group_id filter, got %+v", fv.lastFilter)
	}
}

func TestSearchFiltersDuplicateMarkerEdges(t *testing.T) {
	fv := newFakeVectors()
	fv.searchHits = []vectorindex.Hit{
		{ID: 1, Score: 0.9, Payload: mustPayload(t, factPayload{
			UUID: "dup", Predicate: PredicateDuplicate,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		})},
		{ID: 2, Score: 0.5, Payload: mustPayload(t, factPayload{
			UUID: "real", Predicate: "USES",
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		})},
	}
	svc := newTestService(t, newFakeGraph(), fv, &fakeEmbedder{dim: 4}, &fakeInvoker{})

	res, err := svc.Search(context.Background(), "anything", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res.Edges) != 1 || res.Edges[0].UUID != "real" {
		t.Errorf("Expected only the real edge, got %+v", res.Edges)
	}
}

func TestSearchFallsBackToFulltext(t *testing.T) {
	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	fg := newFakeGraph()
	fg.facts = []graph.Relation{
		{
			XID: "r1", Predicate: "USES", Fact: "lyra uses qdrant",
			Subject:   &graph.Entity{UID: "0x1", Name: "lyra", EntityType: "person"},
			Object:    &graph.Entity{UID: "0x2", Name: "qdrant", EntityType: "technology"},
			CreatedAt: base,
		},
		{
			XID: "r2", Predicate: "RUNS_ON", Fact: "qdrant runs on port 6333",
			Subject:   &graph.Entity{UID: "0x2", Name: "qdrant"},
			Object:    &graph.Entity{UID: "0x3", Name: "port 6333"},
			CreatedAt: base.Add(-time.Hour),
		},
	}
	fv := newFakeVectors()
	svc := newTestService(t, fg, fv, &fakeEmbedder{dim: 4, err: errors.New("embedder down")}, &fakeInvoker{})

	res, err := svc.Search(context.Background(), "qdrant", SearchOptions{})
	if err != nil {
		t.Fatalf("Expected fulltext fallback, got error: %v", err)
	}
	if fv.searchCalls != 0 {
		t.Errorf("Expected no vector search, got %d calls", fv.searchCalls)
	}
	if len(res.Edges) != 2 {
		t.Fatalf("Expected 2 edges from fulltext, got %d", len(res.Edges))
	}
	if res.Edges[0].UUID != "r1" {
		t.Errorf("Expected rank order preserved, got %q first", res.Edges[0].UUID)
	}
	if res.Edges[0].Subject != "lyra" || res.Edges[0].SourceLabels[0] != "person" {
		t.Errorf("Expected expanded subject on edge, got %+v", res.Edges[0])
	}
}

func TestSearchTieBreaksByRecencyThenUUID(t *testing.T) {
	newer := time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)
	older := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	fv := newFakeVectors()
	fv.searchHits = []vectorindex.Hit{
		{ID: 1, Score: 0.5, Payload: mustPayload(t, factPayload{UUID: "zzz", Predicate: "A", CreatedAt: newer.Format(time.RFC3339Nano)})},
		{ID: 2, Score: 0.5, Payload: mustPayload(t, factPayload{UUID: "aaa", Predicate: "B", CreatedAt: newer.Format(time.RFC3339Nano)})},
		{ID: 3, Score: 0.5, Payload: mustPayload(t, factPayload{UUID: "mmm", Predicate: "C", CreatedAt: older.Format(time.RFC3339Nano)})},
	}
	svc := newTestService(t, newFakeGraph(), fv, &fakeEmbedder{dim: 4}, &fakeInvoker{})

	res, err := svc.Search(context.Background(), "tie", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	got := []string{res.Edges[0].UUID, res.Edges[1].UUID, res.Edges[2].UUID}
	want := []string{"aaa", "zzz", "mmm"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}

func TestSearchFailsWhenAllFactBackendsAreDown(t *testing.T) {
	fg := newFakeGraph()
	fg.factsErr = errors.New("dgraph down")
	svc := newTestService(t, fg, newFakeVectors(), &fakeEmbedder{dim: 4, err: errors.New("embedder down")}, &fakeInvoker{})

	_, err := svc.Search(context.Background(), "anything", SearchOptions{})
	if err == nil {
		t.Fatal("Expected an error when both the vector store and fulltext are down")
	}
}

func TestSearchDeduplicatesSameNameNodes(t *testing.T) {
	fg := newFakeGraph()
	fg.entities = []graph.Entity{
		{UID: "0x5", Name: "lyra"},
		{UID: "0x1", Name: "lyra"},
		{UID: "0x2", Name: "qdrant", EntityType: "technology"},
	}
	fg.canonical["lyra"] = &graph.Entity{UID: "0x1", Name: "lyra", Degree: 9, Summary: "canonical"}
	fg.canonical["qdrant"] = &graph.Entity{UID: "0x2", Name: "qdrant", EntityType: "technology"}
	svc := newTestService(t, fg, newFakeVectors(), &fakeEmbedder{dim: 4}, &fakeInvoker{})

	res, err := svc.Search(context.Background(), "lyra", SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("Expected same-name twins collapsed to 2 nodes, got %d: %+v", len(res.Nodes), res.Nodes)
	}
	if res.Nodes[0].Name != "lyra" || res.Nodes[0].Summary != "canonical" {
		t.Errorf("Expected the canonical node first, got %+v", res.Nodes[0])
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	svc := newTestService(t, newFakeGraph(), newFakeVectors(), &fakeEmbedder{dim: 4}, &fakeInvoker{})

	_, err := svc.Search(context.Background(), "   ", SearchOptions{})
	if faults.KindOf(err) != faults.InvalidInput {
		t.Errorf("Expected invalid_input, got %v", err)
	}
}

func TestSearchResolvesCanonicalNodesOnce(t *testing.T) {
	fg := newFakeGraph()
	fg.canonical["lyra"] = &graph.Entity{UID: "0x1", Name: "lyra", Degree: 9}
	svc := newTestService(t, fg, newFakeVectors(), &fakeEmbedder{dim: 4}, &fakeInvoker{})

	for i := 0; i < 3; i++ {
		if _, err := svc.Search(context.Background(), "anything", SearchOptions{CenterEntity: "lyra"}); err != nil {
			t.Fatalf("Search %d failed: %v", i, err)
		}
	}
	if fg.canonicalCalls["lyra"] != 1 {
		t.Errorf("Expected 1 canonical lookup, got %d", fg.canonicalCalls["lyra"])
	}
}

func TestDeleteEdgeRemovesGraphNodeAndVector(t *testing.T) {
	fg := newFakeGraph()
	fg.relByXID["u-1"] = &graph.Relation{UID: "0xrel", XID: "u-1", Predicate: "USES"}
	fv := newFakeVectors()
	svc := newTestService(t, fg, fv, &fakeEmbedder{dim: 4}, &fakeInvoker{})

	if err := svc.DeleteEdge(context.Background(), "u-1"); err != nil {
		t.Fatalf("DeleteEdge failed: %v", err)
	}
	if len(fg.deleted) != 1 || fg.deleted[0] != "0xrel" {
		t.Errorf("Expected relation node deleted, got %v", fg.deleted)
	}
	wantID := vectorindex.PointID(vectorindex.CollectionGraphFacts, "u-1", 0)
	pts := fv.deletedPoints[vectorindex.CollectionGraphFacts]
	if len(pts) != 1 || pts[0] != wantID {
		t.Errorf("Expected fact point %d deleted, got %v", wantID, pts)
	}
}

func TestDeleteEdgeUnknownUUID(t *testing.T) {
	fg := newFakeGraph()
	svc := newTestService(t, fg, newFakeVectors(), &fakeEmbedder{dim: 4}, &fakeInvoker{})

	err := svc.DeleteEdge(context.Background(), "missing")
	if faults.KindOf(err) != faults.InvalidInput {
		t.Errorf("Expected invalid_input for unknown uuid, got %v", err)
	}
	if len(fg.deleted) != 0 {
		t.Errorf("Expected nothing deleted, got %v", fg.deleted)
	}
}

func TestExploreMapsNeighborhood(t *testing.T) {
	fg := newFakeGraph()
	fg.neighborhood = graph.Subgraph{
		Entities: []graph.Entity{
			{UID: "0x1", Name: "lyra", EntityType: "person", Summary: "the process entity"},
		},
		Relations: []graph.Relation{
			{XID: "r1", Predicate: "USES", Subject: &graph.Entity{Name: "lyra"}, Object: &graph.Entity{Name: "qdrant"}},
			{XID: "r2", Predicate: PredicateDuplicate, Subject: &graph.Entity{Name: "lyra"}, Object: &graph.Entity{Name: "lyra the ai"}},
		},
	}
	svc := newTestService(t, fg, newFakeVectors(), &fakeEmbedder{dim: 4}, &fakeInvoker{})

	res, err := svc.Explore(context.Background(), "Lyra", 0)
	if err != nil {
		t.Fatalf("Explore failed: %v", err)
	}
	if fg.neighborhoodDepth != 2 {
		t.Errorf("Expected default depth 2, got %d", fg.neighborhoodDepth)
	}
	if len(res.Edges) != 1 || res.Edges[0].UUID != "r1" {
		t.Errorf("Expected duplicate marker filtered, got %+v", res.Edges)
	}
	if len(res.Nodes) != 1 || res.Nodes[0].Labels[0] != "person" {
		t.Errorf("Expected one labeled node, got %+v", res.Nodes)
	}
	if res.Nodes[0].Summary != "the process entity" {
		t.Errorf("Expected node summary carried over, got %q", res.Nodes[0].Summary)
	}
}

func mustPayload(t *testing.T, p factPayload) jsonx.RawMessage {
	t.Helper()
	b, err := jsonx.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

type fakeGraph struct {
	upserts           []string
	relations         []graph.Relation
	relationExists    bool
	facts             []graph.Relation
	factsErr          error
	entities          []graph.Entity
	entitiesErr       error
	canonical         map[string]*graph.Entity
	canonicalCalls    map[string]int
	proximity         map[string]float64
	proximityErr      error
	neighborhood      graph.Subgraph
	neighborhoodDepth int
	relByXID          map[string]*graph.Relation
	deleted           []string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		canonical:      make(map[string]*graph.Entity),
		canonicalCalls: make(map[string]int),
		relByXID:       make(map[string]*graph.Relation),
	}
}

func (f *fakeGraph) UpsertEntity(_ context.Context, _, name, entityType string) (string, error) {
	f.upserts = append(f.upserts, name+"|"+entityType)
	return "uid-" + name, nil
}

func (f *fakeGraph) CreateRelation(_ context.Context, rel graph.Relation) (string, error) {
	f.relations = append(f.relations, rel)
	return "0x" + rel.XID, nil
}

func (f *fakeGraph) RelationExists(_ context.Context, _, _, _ string) (bool, error) {
	return f.relationExists, nil
}

func (f *fakeGraph) RelationByXID(_ context.Context, xid string) (*graph.Relation, error) {
	return f.relByXID[xid], nil
}

func (f *fakeGraph) SearchFacts(_ context.Context, _, _ string, _ int) ([]graph.Relation, error) {
	return f.facts, f.factsErr
}

func (f *fakeGraph) SearchEntities(_ context.Context, _, _ string, _ int) ([]graph.Entity, error) {
	return f.entities, f.entitiesErr
}

func (f *fakeGraph) EntityByName(_ context.Context, _, name string) (*graph.Entity, error) {
	return f.canonical[name], nil
}

func (f *fakeGraph) CanonicalEntity(_ context.Context, _, name string) (*graph.Entity, error) {
	f.canonicalCalls[name]++
	return f.canonical[name], nil
}

func (f *fakeGraph) ProximityFrom(_ context.Context, _ []string, _ int, _ float64) (map[string]float64, error) {
	return f.proximity, f.proximityErr
}

func (f *fakeGraph) Neighborhood(_ context.Context, _, _ string, depth int) (graph.Subgraph, error) {
	f.neighborhoodDepth = depth
	return f.neighborhood, nil
}

func (f *fakeGraph) DeleteNodes(_ context.Context, uids []string) error {
	f.deleted = append(f.deleted, uids...)
	return nil
}

type fakeVectors struct {
	ensured       map[string]int
	upserted      map[string][]vectorindex.Point
	searchHits    []vectorindex.Hit
	searchErr     error
	searchCalls   int
	lastFilter    *vectorindex.Filter
	deletedPoints map[string][]uint64
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{
		ensured:       make(map[string]int),
		upserted:      make(map[string][]vectorindex.Point),
		deletedPoints: make(map[string][]uint64),
	}
}

func (f *fakeVectors) EnsureCollection(_ context.Context, name string, dimension int) error {
	f.ensured[name] = dimension
	return nil
}

func (f *fakeVectors) Upsert(_ context.Context, collection string, points []vectorindex.Point) error {
	f.upserted[collection] = append(f.upserted[collection], points...)
	return nil
}

func (f *fakeVectors) Search(_ context.Context, _ string, _ []float32, _ int, filter *vectorindex.Filter) ([]vectorindex.Hit, error) {
	f.searchCalls++
	f.lastFilter = filter
	return f.searchHits, f.searchErr
}

func (f *fakeVectors) DeletePoints(_ context.Context, collection string, ids []uint64) error {
	f.deletedPoints[collection] = append(f.deletedPoints[collection], ids...)
	return nil
}

type fakeEmbedder struct {
	dim int
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, f.dim)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) Close() error { return nil }

type fakeInvoker struct {
	response   string
	err        error
	lastPrompt string
}

func (f *fakeInvoker) Invoke(_ context.Context, req llm.Request) (string, error) {
	f.lastPrompt = req.Prompt
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}
