package texture

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/graph"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/vectorindex"
)

// Edge is one searchable fact.
type Edge struct {
	Subject      string    `json:"subject"`
	Predicate    string    `json:"predicate"`
	Object       string    `json:"object"`
	Fact         string    `json:"fact"`
	SourceLabels []string  `json:"source_labels,omitempty"`
	TargetLabels []string  `json:"target_labels,omitempty"`
	UUID         string    `json:"uuid"`
	Score        float64   `json:"score"`
	CreatedAt    time.Time `json:"created_at"`
}

// EntityNode is one matching graph node.
type EntityNode struct {
	Name    string   `json:"name"`
	Labels  []string `json:"labels,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Score   float64  `json:"score"`
}

// Results is what Search and Explore return.
type Results struct {
	Edges []Edge       `json:"edges"`
	Nodes []EntityNode `json:"nodes"`
}

// SearchOptions tunes one search call. Zero values take defaults.
type SearchOptions struct {
	CenterEntity string
	LimitEdges   int
	LimitNodes   int
	ExploreDepth int
}

const proximityDecay = 0.5

type edgeCandidate struct {
	edge    Edge
	subjUID string
	objUID  string
	sem     float64
}

// Search blends semantic similarity over graph_facts with BFS proximity
// from the center entity. The vector path falls back to Dgraph fulltext
// when embeddings or the vector store are down.
func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) (Results, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Results{}, faults.Newf(faults.InvalidInput, "texture.search", "empty query")
	}
	if opts.LimitEdges <= 0 {
		opts.LimitEdges = 25
	}
	if opts.LimitNodes <= 0 {
		opts.LimitNodes = 10
	}
	if opts.ExploreDepth <= 0 {
		opts.ExploreDepth = 2
	}

	candidates, err := s.edgeCandidates(ctx, query, opts.LimitEdges*2)
	if err != nil {
		return Results{}, err
	}

	prox := s.proximity(ctx, opts.CenterEntity, opts.ExploreDepth)
	for i := range candidates {
		p := prox[candidates[i].subjUID]
		if op := prox[candidates[i].objUID]; op > p {
			p = op
		}
		candidates[i].edge.Score = s.semWeight*candidates[i].sem + (1-s.semWeight)*p
	}

	sortEdges(candidates)
	edges := make([]Edge, 0, opts.LimitEdges)
	for _, c := range candidates {
		if len(edges) == opts.LimitEdges {
			break
		}
		edges = append(edges, c.edge)
	}

	nodes := s.nodeCandidates(ctx, query, opts.LimitNodes)

	return Results{Edges: edges, Nodes: nodes}, nil
}

// edgeCandidates returns scored fact candidates, vector-first.
func (s *Service) edgeCandidates(ctx context.Context, query string, limit int) ([]edgeCandidate, error) {
	cands, err := s.semanticCandidates(ctx, query, limit)
	if err == nil {
		return cands, nil
	}
	s.logger.Warn("Semantic fact search unavailable, falling back to fulltext",
		zap.String("kind", string(faults.KindOf(err))),
		zap.Error(err))

	rels, gerr := s.graph.SearchFacts(ctx, s.groupID, query, limit)
	if gerr != nil {
		return nil, gerr
	}
	cands = make([]edgeCandidate, 0, len(rels))
	n := len(rels)
	for i, rel := range rels {
		if rel.Predicate == PredicateDuplicate {
			continue
		}
		cands = append(cands, edgeCandidate{
			edge:    relationEdge(rel, 0),
			subjUID: relSubjectUID(rel),
			objUID:  relObjectUID(rel),
			sem:     float64(n-i) / float64(n),
		})
	}
	return cands, nil
}

func (s *Service) semanticCandidates(ctx context.Context, query string, limit int) ([]edgeCandidate, error) {
	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	filter := &vectorindex.Filter{Must: []vectorindex.Condition{
		vectorindex.Match("group_id", s.groupID),
	}}
	hits, err := s.vectors.Search(ctx, vectorindex.CollectionGraphFacts, vec, limit, filter)
	if err != nil {
		return nil, err
	}

	cands := make([]edgeCandidate, 0, len(hits))
	for _, hit := range hits {
		var p factPayload
		if err := jsonx.Unmarshal(hit.Payload, &p); err != nil {
			s.logger.Warn("Undecodable fact payload", zap.Uint64("point", hit.ID), zap.Error(err))
			continue
		}
		if p.Predicate == PredicateDuplicate {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, p.CreatedAt)
		sem := float64(hit.Score)
		if sem < 0 {
			sem = 0
		}
		cands = append(cands, edgeCandidate{
			edge: Edge{
				Subject:      p.Subject,
				Predicate:    p.Predicate,
				Object:       p.Object,
				Fact:         p.Fact,
				SourceLabels: p.SourceLabels,
				TargetLabels: p.TargetLabels,
				UUID:         p.UUID,
				CreatedAt:    createdAt,
			},
			subjUID: p.SubjectUID,
			objUID:  p.ObjectUID,
			sem:     sem,
		})
	}
	return cands, nil
}

// proximity maps entity uids to hop-decayed activation from the center.
// Failures degrade to pure semantic ranking.
func (s *Service) proximity(ctx context.Context, center string, depth int) map[string]float64 {
	if center == "" {
		center = s.processEntity
	}
	center = normalizeName(center)
	if center == "" {
		return nil
	}

	ent, err := s.resolveCanonical(ctx, center)
	if err != nil || ent == nil {
		if err != nil {
			s.logger.Warn("Proximity center lookup failed", zap.String("center", center), zap.Error(err))
		}
		return nil
	}

	prox, err := s.graph.ProximityFrom(ctx, []string{ent.UID}, depth, proximityDecay)
	if err != nil {
		s.logger.Warn("Proximity expansion failed", zap.String("center", center), zap.Error(err))
		return nil
	}
	return prox
}

func (s *Service) nodeCandidates(ctx context.Context, query string, limit int) []EntityNode {
	ents, err := s.graph.SearchEntities(ctx, s.groupID, query, limit*2)
	if err != nil {
		s.logger.Warn("Entity search unavailable", zap.Error(err))
		return nil
	}

	seen := make(map[string]bool, len(ents))
	nodes := make([]EntityNode, 0, limit)
	n := len(ents)
	for i, ent := range ents {
		canon, err := s.resolveCanonical(ctx, ent.Name)
		if err != nil {
			s.logger.Warn("Canonical resolution failed", zap.String("name", ent.Name), zap.Error(err))
			canon = &ent
		}
		if canon == nil {
			canon = &ent
		}
		if seen[canon.Name] {
			continue
		}
		seen[canon.Name] = true
		nodes = append(nodes, EntityNode{
			Name:    canon.Name,
			Labels:  entityLabels(*canon),
			Summary: canon.Summary,
			Score:   float64(n-i) / float64(n),
		})
		if len(nodes) == limit {
			break
		}
	}
	return nodes
}

// resolveCanonical memoizes most-connected-node resolution per name.
func (s *Service) resolveCanonical(ctx context.Context, name string) (*graph.Entity, error) {
	if ent, ok := s.canon.Get(name); ok {
		return &ent, nil
	}
	ent, err := s.graph.CanonicalEntity(ctx, s.groupID, name)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, nil
	}
	s.canon.Add(name, *ent)
	return ent, nil
}

// DeleteEdge removes one relation node and its fact vector.
func (s *Service) DeleteEdge(ctx context.Context, uuid string) error {
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return faults.Newf(faults.InvalidInput, "texture.delete_edge", "empty uuid")
	}

	rel, err := s.graph.RelationByXID(ctx, uuid)
	if err != nil {
		return err
	}
	if rel == nil {
		return faults.Newf(faults.InvalidInput, "texture.delete_edge", "no edge with uuid %s", uuid)
	}

	if err := s.graph.DeleteNodes(ctx, []string{rel.UID}); err != nil {
		return err
	}
	s.canon.Purge()

	pointID := vectorindex.PointID(vectorindex.CollectionGraphFacts, uuid, 0)
	if err := s.vectors.DeletePoints(ctx, vectorindex.CollectionGraphFacts, []uint64{pointID}); err != nil {
		s.logger.Warn("Fact vector not deleted", zap.String("uuid", uuid), zap.Error(err))
	}

	s.logger.Info("Deleted edge",
		zap.String("uuid", uuid),
		zap.String("predicate", rel.Predicate))
	return nil
}

// Explore returns the breadth-limited neighborhood of one entity.
func (s *Service) Explore(ctx context.Context, entity string, depth int) (Results, error) {
	name := normalizeName(entity)
	if name == "" {
		return Results{}, faults.Newf(faults.InvalidInput, "texture.explore", "empty entity name")
	}
	if depth <= 0 {
		depth = 2
	}

	sub, err := s.graph.Neighborhood(ctx, s.groupID, name, depth)
	if err != nil {
		return Results{}, err
	}

	out := Results{
		Edges: make([]Edge, 0, len(sub.Relations)),
		Nodes: make([]EntityNode, 0, len(sub.Entities)),
	}
	for _, rel := range sub.Relations {
		if rel.Predicate == PredicateDuplicate {
			continue
		}
		out.Edges = append(out.Edges, relationEdge(rel, 1))
	}
	for _, ent := range sub.Entities {
		out.Nodes = append(out.Nodes, EntityNode{
			Name:    ent.Name,
			Labels:  entityLabels(ent),
			Summary: ent.Summary,
			Score:   1,
		})
	}
	return out, nil
}

func sortEdges(cands []edgeCandidate) {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.edge.Score != b.edge.Score {
			return a.edge.Score > b.edge.Score
		}
		if !a.edge.CreatedAt.Equal(b.edge.CreatedAt) {
			return a.edge.CreatedAt.After(b.edge.CreatedAt)
		}
		return a.edge.UUID < b.edge.UUID
	})
}

func relationEdge(rel graph.Relation, score float64) Edge {
	e := Edge{
		Predicate: rel.Predicate,
		Fact:      rel.Fact,
		UUID:      rel.XID,
		Score:     score,
		CreatedAt: rel.CreatedAt,
	}
	if rel.Subject != nil {
		e.Subject = rel.Subject.Name
		e.SourceLabels = entityLabels(*rel.Subject)
	}
	if rel.Object != nil {
		e.Object = rel.Object.Name
		e.TargetLabels = entityLabels(*rel.Object)
	}
	return e
}

func relSubjectUID(rel graph.Relation) string {
	if rel.Subject != nil {
		return rel.Subject.UID
	}
	return rel.SubjectUID
}

func relObjectUID(rel graph.Relation) string {
	if rel.Object != nil {
		return rel.Object.UID
	}
	return rel.ObjectUID
}

func entityLabels(ent graph.Entity) []string {
	if ent.EntityType == "" {
		return nil
	}
	return []string{ent.EntityType}
}
