// Package texture is the knowledge layer: conversation episodes become
// entity nodes and reified relations in Dgraph, with every fact embedded
// into the graph_facts collection for semantic recall.
package texture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/embedding"
	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/graph"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/llm"
	"github.com/pattern-persistence/pps/internal/vectorindex"
)

// PredicateDuplicate marks two entities as the same thing. These relations
// steer canonical resolution and never appear in search output.
const PredicateDuplicate = "IS_DUPLICATE_OF"

// GraphStore is the slice of the graph client the texture layer uses.
type GraphStore interface {
	UpsertEntity(ctx context.Context, groupID, name, entityType string) (string, error)
	CreateRelation(ctx context.Context, rel graph.Relation) (string, error)
	RelationExists(ctx context.Context, subjectUID, predicate, objectUID string) (bool, error)
	RelationByXID(ctx context.Context, xid string) (*graph.Relation, error)
	SearchFacts(ctx context.Context, groupID, query string, limit int) ([]graph.Relation, error)
	SearchEntities(ctx context.Context, groupID, query string, limit int) ([]graph.Entity, error)
	EntityByName(ctx context.Context, groupID, name string) (*graph.Entity, error)
	CanonicalEntity(ctx context.Context, groupID, name string) (*graph.Entity, error)
	ProximityFrom(ctx context.Context, seedUIDs []string, maxHops int, decay float64) (map[string]float64, error)
	Neighborhood(ctx context.Context, groupID, name string, depth int) (graph.Subgraph, error)
	DeleteNodes(ctx context.Context, uids []string) error
}

// VectorStore is the slice of the vector client the texture layer uses.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	Upsert(ctx context.Context, collection string, points []vectorindex.Point) error
	Search(ctx context.Context, collection string, vector []float32, limit int, filter *vectorindex.Filter) ([]vectorindex.Hit, error)
	DeletePoints(ctx context.Context, collection string, ids []uint64) error
}

// Invoker is the LLM capability used for extraction.
type Invoker interface {
	Invoke(ctx context.Context, req llm.Request) (string, error)
}

// Options configures the texture service.
type Options struct {
	GroupID        string
	ProcessEntity  string  // default center for proximity scoring
	SemanticWeight float64 // weight of semantic score vs graph proximity
}

// Service ingests episodes and searches the resulting graph.
type Service struct {
	graph   GraphStore
	vectors VectorStore
	embed   embedding.Embedder
	model   Invoker
	logger  *zap.Logger

	groupID       string
	processEntity string
	semWeight     float64
	canon         *lru.Cache[string, graph.Entity]
}

// New builds the texture service.
func New(g GraphStore, v VectorStore, emb embedding.Embedder, model Invoker, opts Options, logger *zap.Logger) *Service {
	if opts.SemanticWeight <= 0 || opts.SemanticWeight > 1 {
		opts.SemanticWeight = 0.7
	}
	canon, _ := lru.New[string, graph.Entity](512)
	return &Service{
		graph:         g,
		vectors:       v,
		embed:         emb,
		model:         model,
		logger:        logger,
		groupID:       opts.GroupID,
		processEntity: opts.ProcessEntity,
		semWeight:     opts.SemanticWeight,
		canon:         canon,
	}
}

// Meta frames one episode: where it happened and who said it.
type Meta struct {
	Channel   string
	Role      string // user or assistant
	Speaker   string
	Timestamp time.Time
}

// factPayload is what each graph_facts point carries. Self-contained so
// semantic hits render without a graph round trip.
type factPayload struct {
	UUID         string   `json:"uuid"`
	GroupID      string   `json:"group_id"`
	Subject      string   `json:"subject"`
	Predicate    string   `json:"predicate"`
	Object       string   `json:"object"`
	Fact         string   `json:"fact"`
	SubjectUID   string   `json:"subject_uid"`
	ObjectUID    string   `json:"object_uid"`
	SourceLabels []string `json:"source_labels,omitempty"`
	TargetLabels []string `json:"target_labels,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

const extractSystem = `You extract knowledge graph facts from conversation episodes.
Entity names are short noun phrases. Predicates are UPPER_SNAKE verbs.
Only extract what the episode actually states. No speculation.`

const extractPromptFormat = `Extract entities and relations from this episode.

Return JSON only:
{
  "entities": [{"name": "...", "type": "person|project|technology|concept|place|other"}],
  "relations": [{"subject": "...", "predicate": "UPPER_SNAKE", "object": "...", "fact": "one sentence restating the relation"}]
}

Episode:
%s`

type extraction struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
	Relations []struct {
		Subject   string `json:"subject"`
		Predicate string `json:"predicate"`
		Object    string `json:"object"`
		Fact      string `json:"fact"`
	} `json:"relations"`
}

// Ingest runs one episode through extraction and persists the result:
// entity upserts, reified relations, and one embedded fact per relation.
// Errors come back classified so the batch layer can tell transient from
// permanent.
func (s *Service) Ingest(ctx context.Context, text string, meta Meta) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return faults.Newf(faults.InvalidInput, "texture.ingest", "empty episode text")
	}
	switch meta.Role {
	case "":
		meta.Role = "user"
	case "user", "assistant":
	default:
		return faults.Newf(faults.InvalidInput, "texture.ingest", "unknown role %q", meta.Role)
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}

	ext, err := s.extract(ctx, frameEpisode(text, meta))
	if err != nil {
		return err
	}
	if len(ext.Entities) == 0 && len(ext.Relations) == 0 {
		s.logger.Debug("Episode yielded no facts", zap.String("channel", meta.Channel))
		return nil
	}

	uids := make(map[string]string, len(ext.Entities))
	labels := make(map[string][]string, len(ext.Entities))
	for _, e := range ext.Entities {
		name := normalizeName(e.Name)
		if name == "" {
			continue
		}
		uid, err := s.graph.UpsertEntity(ctx, s.groupID, name, normalizeType(e.Type))
		if err != nil {
			return err
		}
		uids[name] = uid
		if t := normalizeType(e.Type); t != "" {
			labels[name] = []string{t}
		}
	}

	var points []vectorindex.Point
	created := 0
	for _, r := range ext.Relations {
		subj := normalizeName(r.Subject)
		obj := normalizeName(r.Object)
		pred := normalizePredicate(r.Predicate)
		if subj == "" || obj == "" || pred == "" || subj == obj {
			continue
		}

		subjUID, err := s.ensureEntity(ctx, uids, subj)
		if err != nil {
			return err
		}
		objUID, err := s.ensureEntity(ctx, uids, obj)
		if err != nil {
			return err
		}

		exists, err := s.graph.RelationExists(ctx, subjUID, pred, objUID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		fact := strings.TrimSpace(r.Fact)
		if fact == "" {
			fact = subj + " " + strings.ToLower(strings.ReplaceAll(pred, "_", " ")) + " " + obj
		}

		rel := graph.Relation{
			XID:        uuid.NewString(),
			GroupID:    s.groupID,
			Predicate:  pred,
			Fact:       fact,
			SubjectUID: subjUID,
			ObjectUID:  objUID,
			Channel:    meta.Channel,
			CreatedAt:  meta.Timestamp,
			ValidAt:    meta.Timestamp,
		}
		if _, err := s.graph.CreateRelation(ctx, rel); err != nil {
			return err
		}
		created++

		points = append(points, vectorindex.Point{
			ID: vectorindex.PointID(vectorindex.CollectionGraphFacts, rel.XID, 0),
			Payload: factPayload{
				UUID:         rel.XID,
				GroupID:      s.groupID,
				Subject:      subj,
				Predicate:    pred,
				Object:       obj,
				Fact:         fact,
				SubjectUID:   subjUID,
				ObjectUID:    objUID,
				SourceLabels: labels[subj],
				TargetLabels: labels[obj],
				CreatedAt:    meta.Timestamp.Format(time.RFC3339Nano),
			},
		})
	}

	if len(points) > 0 {
		if err := s.embedFacts(ctx, points); err != nil {
			return err
		}
	}

	s.logger.Debug("Ingested episode",
		zap.Int("entities", len(uids)),
		zap.Int("relations", created),
		zap.String("channel", meta.Channel))
	return nil
}

func (s *Service) extract(ctx context.Context, episode string) (extraction, error) {
	raw, err := s.model.Invoke(ctx, llm.Request{
		System:   extractSystem,
		Prompt:   fmt.Sprintf(extractPromptFormat, episode),
		JSONMode: true,
	})
	if err != nil {
		return extraction{}, err
	}

	blob, err := llm.ExtractJSON(raw)
	if err != nil {
		return extraction{}, err
	}
	var ext extraction
	if err := jsonx.Unmarshal(blob, &ext); err != nil {
		return extraction{}, faults.New(faults.InvalidInput, "texture.extract", err)
	}
	return ext, nil
}

// ensureEntity upserts an entity a relation mentioned but the entity list
// missed.
func (s *Service) ensureEntity(ctx context.Context, uids map[string]string, name string) (string, error) {
	if uid, ok := uids[name]; ok {
		return uid, nil
	}
	uid, err := s.graph.UpsertEntity(ctx, s.groupID, name, "")
	if err != nil {
		return "", err
	}
	uids[name] = uid
	return uid, nil
}

func (s *Service) embedFacts(ctx context.Context, points []vectorindex.Point) error {
	facts := make([]string, len(points))
	for i, p := range points {
		facts[i] = p.Payload.(factPayload).Fact
	}
	vecs, err := s.embed.EmbedBatch(ctx, facts)
	if err != nil {
		return err
	}
	for i := range points {
		points[i].Vector = vecs[i]
	}

	if err := s.vectors.EnsureCollection(ctx, vectorindex.CollectionGraphFacts, s.embed.Dimension()); err != nil {
		return err
	}
	return s.vectors.Upsert(ctx, vectorindex.CollectionGraphFacts, points)
}

func frameEpisode(text string, meta Meta) string {
	var b strings.Builder
	b.WriteString("At ")
	b.WriteString(meta.Timestamp.Format("2006-01-02 15:04"))
	if meta.Channel != "" {
		b.WriteString(" in ")
		b.WriteString(meta.Channel)
	}
	b.WriteString(", ")
	if meta.Speaker != "" {
		b.WriteString(meta.Speaker)
	} else {
		b.WriteString("the " + meta.Role)
	}
	b.WriteString(" said:\n")
	b.WriteString(text)
	return b.String()
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func normalizePredicate(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return strings.ToUpper(strings.Join(strings.Fields(p), "_"))
}
