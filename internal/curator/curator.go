// Package curator audits the texture layer for junk: vague entities the
// extraction model should never have admitted and duplicate edges that
// restate the same fact. Report mode only observes; auto-delete removes a
// deliberately narrow subset.
package curator

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/graph"
	"github.com/pattern-persistence/pps/internal/texture"
)

// relevanceFloor is the score at or below which a redundant duplicate edge
// qualifies for auto-delete.
const relevanceFloor = 0.5

// vagueNames are entity names that carry no referent on their own.
var vagueNames = map[string]bool{
	"the": true, "a": true, "an": true, "?": true, "...": true,
	"i": true, "me": true, "my": true, "you": true, "your": true,
	"he": true, "him": true, "his": true, "she": true, "her": true,
	"it": true, "its": true, "we": true, "us": true, "our": true,
	"they": true, "them": true, "their": true,
	"this": true, "that": true, "these": true, "those": true,
	"someone": true, "something": true,
}

// Texture is the slice of the texture layer the curator drives.
type Texture interface {
	Search(ctx context.Context, query string, opts texture.SearchOptions) (texture.Results, error)
	Explore(ctx context.Context, entity string, depth int) (texture.Results, error)
	DeleteEdge(ctx context.Context, uuid string) error
}

// GraphScanner provides the group-wide structural duplicate scan used in
// deep mode.
type GraphScanner interface {
	DuplicateSets(ctx context.Context, groupID string) ([][]graph.Relation, error)
}

// Tracer records curator_delete events.
type Tracer interface {
	RecordTrace(ctx context.Context, daemonType, eventType, sessionID string, payload interface{}, duration time.Duration) error
}

// Config carries the defaults a curation pass starts from.
type Config struct {
	GroupID string
	Seeds   []string
}

// Options select the behavior of one pass.
type Options struct {
	Deep       bool
	AutoDelete bool
	Seeds      []string
}

// Service runs curation passes.
type Service struct {
	texture Texture
	graph   GraphScanner
	tracer  Tracer
	cfg     Config
	logger  *zap.Logger
}

// New builds a curator. graph and tracer may be nil; deep scans and trace
// events are skipped when absent.
func New(tex Texture, g GraphScanner, tracer Tracer, cfg Config, logger *zap.Logger) *Service {
	return &Service{texture: tex, graph: g, tracer: tracer, cfg: cfg, logger: logger}
}

// SeedStats reports what one seed surfaced.
type SeedStats struct {
	Seed       string `json:"seed"`
	Edges      int    `json:"edges"`
	Vague      int    `json:"vague"`
	Duplicates int    `json:"duplicates"`
	Err        string `json:"error,omitempty"`
}

// VagueEntity is a junk name and the edges that touch it.
type VagueEntity struct {
	Name      string   `json:"name"`
	Strict    bool     `json:"strict"`
	EdgeUUIDs []string `json:"edge_uuids,omitempty"`
}

// DuplicateEdge identifies one copy inside a duplicate set.
type DuplicateEdge struct {
	UUID      string    `json:"uuid"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// DuplicateSet groups edges that state the same fact. Keep is the oldest
// copy; Extras are redundant.
type DuplicateSet struct {
	Subject   string          `json:"subject"`
	Predicate string          `json:"predicate"`
	Object    string          `json:"object"`
	Fact      string          `json:"fact"`
	Keep      DuplicateEdge   `json:"keep"`
	Extras    []DuplicateEdge `json:"extras"`
}

// Deletion records one auto-deleted edge.
type Deletion struct {
	UUID   string `json:"uuid"`
	Reason string `json:"reason"`
}

// Report is the outcome of one pass.
type Report struct {
	StartedAt      time.Time       `json:"started_at"`
	Duration       time.Duration   `json:"duration"`
	Seeds          []SeedStats     `json:"seeds"`
	Vague          []VagueEntity   `json:"vague_entities,omitempty"`
	Duplicates     []DuplicateSet  `json:"duplicate_sets,omitempty"`
	StructuralSets int             `json:"structural_sets,omitempty"`
	Deleted        []Deletion      `json:"deleted,omitempty"`
}

// Run executes one curation pass over the seed entities.
func (s *Service) Run(ctx context.Context, opts Options) (Report, error) {
	seeds := opts.Seeds
	if len(seeds) == 0 {
		seeds = s.cfg.Seeds
	}
	if len(seeds) == 0 {
		return Report{}, faults.Newf(faults.InvalidInput, "curator.run", "no seed entities")
	}

	limitEdges, limitNodes := 25, 10
	if opts.Deep {
		limitEdges, limitNodes = 50, 20
	}

	rep := Report{StartedAt: time.Now().UTC()}
	edges := make(map[string]texture.Edge)
	vague := make(map[string]*VagueEntity)

	type seedScan struct {
		edgeSet  map[string]bool
		vagueSet map[string]bool
	}
	scans := make([]seedScan, 0, len(seeds))

	for _, seed := range seeds {
		seed = strings.ToLower(strings.TrimSpace(seed))
		if seed == "" {
			continue
		}
		stats := SeedStats{Seed: seed}
		scan := seedScan{edgeSet: make(map[string]bool), vagueSet: make(map[string]bool)}

		note := func(name, edgeUUID string) {
			if !IsVague(name) {
				return
			}
			scan.vagueSet[strings.ToLower(strings.TrimSpace(name))] = true
			noteVague(vague, name, edgeUUID)
		}
		collect := func(res texture.Results) {
			for _, edge := range res.Edges {
				if !scan.edgeSet[edge.UUID] {
					scan.edgeSet[edge.UUID] = true
					stats.Edges++
				}
				if _, ok := edges[edge.UUID]; !ok {
					edges[edge.UUID] = edge
				}
				note(edge.Subject, edge.UUID)
				note(edge.Object, edge.UUID)
			}
			for _, node := range res.Nodes {
				note(node.Name, "")
			}
		}

		res, err := s.texture.Search(ctx, seed, texture.SearchOptions{
			CenterEntity: seed,
			LimitEdges:   limitEdges,
			LimitNodes:   limitNodes,
		})
		if err != nil {
			stats.Err = err.Error()
			s.logger.Warn("Curator seed search failed", zap.String("seed", seed), zap.Error(err))
		} else {
			collect(res)
		}

		exp, err := s.texture.Explore(ctx, seed, 0)
		if err != nil {
			if stats.Err == "" {
				stats.Err = err.Error()
			}
			s.logger.Warn("Curator seed explore failed", zap.String("seed", seed), zap.Error(err))
		} else {
			collect(exp)
		}

		stats.Vague = len(scan.vagueSet)
		rep.Seeds = append(rep.Seeds, stats)
		scans = append(scans, scan)
	}

	rep.Vague = sortedVague(vague)
	rep.Duplicates = duplicateSets(edges)

	extras := make(map[string]bool)
	for _, set := range rep.Duplicates {
		for _, e := range set.Extras {
			extras[e.UUID] = true
		}
	}
	for i, scan := range scans {
		for uuid := range scan.edgeSet {
			if extras[uuid] {
				rep.Seeds[i].Duplicates++
			}
		}
	}

	if opts.Deep && s.graph != nil {
		sets, err := s.graph.DuplicateSets(ctx, s.cfg.GroupID)
		if err != nil {
			s.logger.Warn("Structural duplicate scan failed", zap.Error(err))
		} else {
			rep.StructuralSets = len(sets)
		}
	}

	if opts.AutoDelete {
		s.autoDelete(ctx, &rep)
	}

	rep.Duration = time.Since(rep.StartedAt)
	s.logger.Info("Curation pass complete",
		zap.Int("seeds", len(rep.Seeds)),
		zap.Int("vague_entities", len(rep.Vague)),
		zap.Int("duplicate_sets", len(rep.Duplicates)),
		zap.Int("deleted", len(rep.Deleted)),
		zap.Bool("deep", opts.Deep),
		zap.Bool("auto_delete", opts.AutoDelete))
	return rep, nil
}

// autoDelete removes the strict subset: edges touching names that are
// literally ?, empty, "the", or "...", and redundant duplicate copies at or
// below the relevance floor. Everything else stays for human review.
func (s *Service) autoDelete(ctx context.Context, rep *Report) {
	deleted := make(map[string]bool)

	for _, v := range rep.Vague {
		if !v.Strict {
			continue
		}
		for _, uuid := range v.EdgeUUIDs {
			if deleted[uuid] {
				continue
			}
			if s.deleteEdge(ctx, uuid, "vague_entity:"+v.Name, rep) {
				deleted[uuid] = true
			}
		}
	}

	for _, set := range rep.Duplicates {
		for _, extra := range set.Extras {
			if deleted[extra.UUID] || extra.Score > relevanceFloor {
				continue
			}
			if s.deleteEdge(ctx, extra.UUID, "duplicate", rep) {
				deleted[extra.UUID] = true
			}
		}
	}
}

func (s *Service) deleteEdge(ctx context.Context, uuid, reason string, rep *Report) bool {
	if err := s.texture.DeleteEdge(ctx, uuid); err != nil {
		s.logger.Warn("Curator delete failed", zap.String("uuid", uuid), zap.Error(err))
		return false
	}
	if s.tracer != nil {
		payload := map[string]string{"uuid": uuid, "reason": reason}
		if err := s.tracer.RecordTrace(ctx, "curator", "curator_delete", "", payload, 0); err != nil {
			s.logger.Warn("Curator trace failed", zap.String("uuid", uuid), zap.Error(err))
		}
	}
	rep.Deleted = append(rep.Deleted, Deletion{UUID: uuid, Reason: reason})
	return true
}

func noteVague(vague map[string]*VagueEntity, name, edgeUUID string) {
	if !IsVague(name) {
		return
	}
	key := strings.ToLower(strings.TrimSpace(name))
	v, ok := vague[key]
	if !ok {
		v = &VagueEntity{Name: key, Strict: IsStrictVague(name)}
		vague[key] = v
	}
	if edgeUUID != "" && !containsString(v.EdgeUUIDs, edgeUUID) {
		v.EdgeUUIDs = append(v.EdgeUUIDs, edgeUUID)
	}
}

func sortedVague(vague map[string]*VagueEntity) []VagueEntity {
	out := make([]VagueEntity, 0, len(vague))
	for _, v := range vague {
		sort.Strings(v.EdgeUUIDs)
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// duplicateSets groups the collected edges by (subject, predicate, object,
// fact) and keeps the oldest copy of each.
func duplicateSets(edges map[string]texture.Edge) []DuplicateSet {
	byFact := make(map[string][]texture.Edge)
	for _, e := range edges {
		key := strings.Join([]string{
			strings.ToLower(e.Subject), e.Predicate, strings.ToLower(e.Object), e.Fact,
		}, "\x00")
		byFact[key] = append(byFact[key], e)
	}

	var sets []DuplicateSet
	for _, group := range byFact {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			if group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].UUID < group[j].UUID
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		set := DuplicateSet{
			Subject:   group[0].Subject,
			Predicate: group[0].Predicate,
			Object:    group[0].Object,
			Fact:      group[0].Fact,
			Keep:      dupEdge(group[0]),
		}
		for _, e := range group[1:] {
			set.Extras = append(set.Extras, dupEdge(e))
		}
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool {
		if sets[i].Keep.CreatedAt.Equal(sets[j].Keep.CreatedAt) {
			return sets[i].Keep.UUID < sets[j].Keep.UUID
		}
		return sets[i].Keep.CreatedAt.Before(sets[j].Keep.CreatedAt)
	})
	return sets
}

func dupEdge(e texture.Edge) DuplicateEdge {
	return DuplicateEdge{UUID: e.UUID, Score: e.Score, CreatedAt: e.CreatedAt}
}

// IsVague reports whether a name is too empty to be a graph entity: a
// blocklisted word or fewer than 2 visible characters.
func IsVague(name string) bool {
	trimmed := strings.TrimSpace(name)
	if vagueNames[strings.ToLower(trimmed)] {
		return true
	}
	visible := 0
	for _, r := range trimmed {
		if !unicode.IsSpace(r) {
			visible++
		}
	}
	return visible < 2
}

// IsStrictVague marks the names safe for unattended deletion.
func IsStrictVague(name string) bool {
	trimmed := strings.TrimSpace(name)
	return trimmed == "" || trimmed == "?" || trimmed == "..." || strings.EqualFold(trimmed, "the")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
