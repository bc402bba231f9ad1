package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

// SearchFacts runs a fulltext match over relation fact sentences within a
// group. Falls back from all-terms to any-term matching so sparse queries
// still land.
func (c *Client) SearchFacts(ctx context.Context, groupID, query string, limit int) ([]Relation, error) {
	if limit <= 0 {
		limit = 20
	}
	rels, err := c.factQuery(ctx, groupID, "alloftext", query, limit)
	if err != nil {
		return nil, err
	}
	if len(rels) > 0 {
		return rels, nil
	}
	return c.factQuery(ctx, groupID, "anyoftext", query, limit)
}

func (c *Client) factQuery(ctx context.Context, groupID, fn, query string, limit int) ([]Relation, error) {
	q := fmt.Sprintf(`query Facts($group: string, $terms: string) {
		rels(func: %s(fact, $terms), first: %d) @filter(eq(group_id, $group) AND type(Relation)) {
			`+relationFields+`
		}
	}`, fn, limit)
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, q,
		map[string]string{"$group": groupID, "$terms": query})
	if err != nil {
		return nil, c.fault("graph.search_facts", err)
	}
	return parseRelations(resp.Json)
}

// SearchEntities matches entity names by term within a group.
func (c *Client) SearchEntities(ctx context.Context, groupID, query string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	q := fmt.Sprintf(`query Ents($group: string, $terms: string) {
		ents(func: anyofterms(name, $terms), first: %d) @filter(eq(group_id, $group) AND type(Entity)) {
			`+entityFields+`
		}
	}`, limit)
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, q,
		map[string]string{"$group": groupID, "$terms": query})
	if err != nil {
		return nil, c.fault("graph.search_entities", err)
	}

	var result struct {
		Ents []Entity `json:"ents"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, c.fault("graph.search_entities", err)
	}
	return result.Ents, nil
}

// ProximityFrom spreads activation outward from seed entities through
// relation nodes. Score halves per hop by default; the result maps entity
// uid to its best activation.
func (c *Client) ProximityFrom(ctx context.Context, seedUIDs []string, maxHops int, decay float64) (map[string]float64, error) {
	if decay <= 0 || decay > 1 {
		decay = 0.5
	}
	if maxHops <= 0 {
		maxHops = 2
	}

	scores := make(map[string]float64, len(seedUIDs))
	frontier := make([]string, 0, len(seedUIDs))
	for _, uid := range seedUIDs {
		if uid == "" {
			continue
		}
		scores[uid] = 1.0
		frontier = append(frontier, uid)
	}

	activation := 1.0
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		activation *= decay
		neighbors, err := c.neighborUIDs(ctx, frontier)
		if err != nil {
			return nil, err
		}

		next := frontier[:0]
		for _, uid := range neighbors {
			if prev, seen := scores[uid]; seen && prev >= activation {
				continue
			}
			scores[uid] = activation
			next = append(next, uid)
		}
		frontier = next
	}
	return scores, nil
}

// neighborUIDs returns the far endpoints of every relation touching the
// given entities, one round trip per frontier.
func (c *Client) neighborUIDs(ctx context.Context, uids []string) ([]string, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`query Neighbors {
		node(func: uid(%s)) {
			out: ~subject { object { uid } }
			in: ~object { subject { uid } }
		}
	}`, strings.Join(uids, ", "))

	resp, err := c.dg.NewReadOnlyTxn().Query(ctx, q)
	if err != nil {
		return nil, c.fault("graph.neighbors", err)
	}

	var result struct {
		Node []struct {
			Out []struct {
				Object []struct {
					UID string `json:"uid"`
				} `json:"object"`
			} `json:"out"`
			In []struct {
				Subject []struct {
					UID string `json:"uid"`
				} `json:"subject"`
			} `json:"in"`
		} `json:"node"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, c.fault("graph.neighbors", err)
	}

	seen := make(map[string]bool)
	var out []string
	add := func(uid string) {
		if uid != "" && !seen[uid] {
			seen[uid] = true
			out = append(out, uid)
		}
	}
	for _, n := range result.Node {
		for _, r := range n.Out {
			for _, o := range r.Object {
				add(o.UID)
			}
		}
		for _, r := range n.In {
			for _, s := range r.Subject {
				add(s.UID)
			}
		}
	}
	return out, nil
}

// Subgraph is the neighborhood view returned to clients: the entities
// within reach of a seed plus the relations connecting them.
type Subgraph struct {
	Center    *Entity    `json:"center"`
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Neighborhood expands depth hops from a named entity and returns the
// subgraph. A missing entity yields a nil Center and empty sets.
func (c *Client) Neighborhood(ctx context.Context, groupID, name string, depth int) (Subgraph, error) {
	ent, err := c.EntityByName(ctx, groupID, name)
	if err != nil {
		return Subgraph{}, err
	}
	if ent == nil {
		return Subgraph{Entities: []Entity{}, Relations: []Relation{}}, nil
	}

	scores, err := c.ProximityFrom(ctx, []string{ent.UID}, depth, 0.5)
	if err != nil {
		return Subgraph{}, err
	}

	uids := make([]string, 0, len(scores))
	for uid := range scores {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	sub := Subgraph{Center: ent, Entities: []Entity{}, Relations: []Relation{}}
	seenRel := make(map[string]bool)
	for _, uid := range uids {
		node, err := c.EntityByUID(ctx, uid)
		if err != nil {
			return Subgraph{}, err
		}
		if node == nil {
			continue
		}
		sub.Entities = append(sub.Entities, *node)

		rels, err := c.RelationsOf(ctx, uid, 200)
		if err != nil {
			return Subgraph{}, err
		}
		for _, r := range rels {
			if seenRel[r.UID] {
				continue
			}
			// Keep only edges whose both ends are inside the neighborhood.
			if r.Subject == nil || r.Object == nil {
				continue
			}
			if _, ok := scores[r.Subject.UID]; !ok {
				continue
			}
			if _, ok := scores[r.Object.UID]; !ok {
				continue
			}
			seenRel[r.UID] = true
			sub.Relations = append(sub.Relations, r)
		}
	}
	return sub, nil
}
