package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/dgo/v240/protos/api"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

const entityFields = `
	uid
	xid
	group_id
	name
	entity_type
	summary
	mention_count
	created_at
	updated_at
`

// UpsertEntity creates the entity if (group_id, name) is new, otherwise
// bumps mention_count and updated_at. One upsert block keeps concurrent
// writers from racing a duplicate into existence.
func (c *Client) UpsertEntity(ctx context.Context, groupID, name, entityType string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("graph: entity name must not be empty")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query := fmt.Sprintf(`query {
		ent as ent(func: eq(name, %q)) @filter(eq(group_id, %q) AND type(Entity)) {
			uid
			mc as mention_count
			newmc as math(mc + 1)
		}
	}`, name, groupID)

	blank := "_:ent"
	var create strings.Builder
	writeNQuad(&create, blank, "dgraph.type", "Entity")
	writeNQuad(&create, blank, "xid", uuid.NewString())
	writeNQuad(&create, blank, "group_id", groupID)
	writeNQuad(&create, blank, "name", name)
	if entityType != "" {
		writeNQuad(&create, blank, "entity_type", entityType)
	}
	create.WriteString(fmt.Sprintf("%s <mention_count> \"1\"^^<xs:int> .\n", blank))
	create.WriteString(fmt.Sprintf("%s <created_at> %q^^<xs:dateTime> .\n", blank, now))
	create.WriteString(fmt.Sprintf("%s <updated_at> %q^^<xs:dateTime> .\n", blank, now))

	update := fmt.Sprintf("uid(ent) <mention_count> val(newmc) .\nuid(ent) <updated_at> %q^^<xs:dateTime> .\n", now)

	req := &api.Request{
		Query: query,
		Mutations: []*api.Mutation{
			{Cond: `@if(eq(len(ent), 0))`, SetNquads: []byte(create.String())},
			{Cond: `@if(gt(len(ent), 0))`, SetNquads: []byte(update)},
		},
		CommitNow: true,
	}

	resp, err := c.dg.NewTxn().Do(ctx, req)
	if err != nil {
		return "", c.fault("graph.upsert_entity", err)
	}

	if uid, ok := resp.Uids["ent"]; ok {
		c.logger.Debug("entity created",
			zap.String("name", name),
			zap.String("uid", uid),
			zap.String("group", groupID))
		return uid, nil
	}

	// Update branch: the matched uid comes back in the query payload.
	var result struct {
		Ent []struct {
			UID string `json:"uid"`
		} `json:"ent"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return "", c.fault("graph.upsert_entity", err)
	}
	if len(result.Ent) == 0 {
		return "", fmt.Errorf("graph: upsert of %q returned neither uid nor match", name)
	}
	return result.Ent[0].UID, nil
}

// EntityByName fetches one entity in a group. Returns nil when absent.
func (c *Client) EntityByName(ctx context.Context, groupID, name string) (*Entity, error) {
	query := `query Ent($name: string, $group: string) {
		ent(func: eq(name, $name)) @filter(eq(group_id, $group) AND type(Entity)) {` + entityFields + `}
	}`
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query,
		map[string]string{"$name": name, "$group": groupID})
	if err != nil {
		return nil, c.fault("graph.entity_by_name", err)
	}

	var result struct {
		Ent []Entity `json:"ent"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, c.fault("graph.entity_by_name", err)
	}
	if len(result.Ent) == 0 {
		return nil, nil
	}
	return &result.Ent[0], nil
}

// EntityByUID fetches one entity node.
func (c *Client) EntityByUID(ctx context.Context, uid string) (*Entity, error) {
	query := `query Ent($uid: string) {
		ent(func: uid($uid)) @filter(type(Entity)) {` + entityFields + `}
	}`
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$uid": uid})
	if err != nil {
		return nil, c.fault("graph.entity_by_uid", err)
	}

	var result struct {
		Ent []Entity `json:"ent"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, c.fault("graph.entity_by_uid", err)
	}
	if len(result.Ent) == 0 {
		return nil, nil
	}
	return &result.Ent[0], nil
}

// CanonicalEntity resolves a name to its most-connected node. Upserts keep
// names unique per group, but data migrated from older snapshots can carry
// same-name twins; the one with the highest degree wins.
func (c *Client) CanonicalEntity(ctx context.Context, groupID, name string) (*Entity, error) {
	query := `query Ent($name: string, $group: string) {
		ent(func: eq(name, $name)) @filter(eq(group_id, $group) AND type(Entity)) {
			` + entityFields + `
			sub: count(~subject)
			obj: count(~object)
		}
	}`
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query,
		map[string]string{"$name": name, "$group": groupID})
	if err != nil {
		return nil, c.fault("graph.canonical_entity", err)
	}

	var result struct {
		Ent []struct {
			Entity
			Sub int `json:"sub"`
			Obj int `json:"obj"`
		} `json:"ent"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, c.fault("graph.canonical_entity", err)
	}
	if len(result.Ent) == 0 {
		return nil, nil
	}

	best := result.Ent[0]
	best.Degree = best.Sub + best.Obj
	for _, cand := range result.Ent[1:] {
		if d := cand.Sub + cand.Obj; d > best.Degree {
			best = cand
			best.Degree = d
		}
	}
	out := best.Entity
	out.Degree = best.Degree
	return &out, nil
}

// Entities lists a group's entities with their connection degree, highest
// mention count first.
func (c *Client) Entities(ctx context.Context, groupID string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`query Ents($group: string) {
		ents(func: eq(group_id, $group), orderdesc: mention_count, first: %d) @filter(type(Entity)) {
			`+entityFields+`
			sub: count(~subject)
			obj: count(~object)
		}
	}`, limit)
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$group": groupID})
	if err != nil {
		return nil, c.fault("graph.entities", err)
	}

	var result struct {
		Ents []struct {
			Entity
			Sub int `json:"sub"`
			Obj int `json:"obj"`
		} `json:"ents"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, c.fault("graph.entities", err)
	}

	out := make([]Entity, len(result.Ents))
	for i, e := range result.Ents {
		out[i] = e.Entity
		out[i].Degree = e.Sub + e.Obj
	}
	return out, nil
}

// EntitiesNamed resolves several names at once, returning uid by name.
// Missing names are simply absent from the map.
func (c *Client) EntitiesNamed(ctx context.Context, groupID string, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	query := fmt.Sprintf(`query Ents($group: string) {
		ents(func: eq(name, [%s])) @filter(eq(group_id, $group) AND type(Entity)) {
			uid
			name
		}
	}`, strings.Join(quoted, ", "))

	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$group": groupID})
	if err != nil {
		return nil, c.fault("graph.entities_named", err)
	}

	var result struct {
		Ents []struct {
			UID  string `json:"uid"`
			Name string `json:"name"`
		} `json:"ents"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, c.fault("graph.entities_named", err)
	}

	out := make(map[string]string, len(result.Ents))
	for _, e := range result.Ents {
		out[e.Name] = e.UID
	}
	return out, nil
}

// UpdateEntitySummary replaces the stored summary line for an entity.
func (c *Client) UpdateEntitySummary(ctx context.Context, uid, summary string) error {
	var nq strings.Builder
	nq.WriteString(fmt.Sprintf("<%s> <summary> %q .\n", uid, summary))
	nq.WriteString(fmt.Sprintf("<%s> <updated_at> %q^^<xs:dateTime> .\n", uid, time.Now().UTC().Format(time.RFC3339)))

	_, err := c.dg.NewTxn().Mutate(ctx, &api.Mutation{
		SetNquads: []byte(nq.String()),
		CommitNow: true,
	})
	if err != nil {
		return c.fault("graph.update_summary", err)
	}
	return nil
}

// CountByType reports node counts per dgraph type within a group.
func (c *Client) CountByType(ctx context.Context, groupID string) (entities, relations int, err error) {
	query := `query Counts($group: string) {
		ents(func: eq(group_id, $group)) @filter(type(Entity)) { total: count(uid) }
		rels(func: eq(group_id, $group)) @filter(type(Relation)) { total: count(uid) }
	}`
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$group": groupID})
	if err != nil {
		return 0, 0, c.fault("graph.count", err)
	}

	var result struct {
		Ents []struct {
			Total int `json:"total"`
		} `json:"ents"`
		Rels []struct {
			Total int `json:"total"`
		} `json:"rels"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return 0, 0, c.fault("graph.count", err)
	}
	if len(result.Ents) > 0 {
		entities = result.Ents[0].Total
	}
	if len(result.Rels) > 0 {
		relations = result.Rels[0].Total
	}
	return entities, relations, nil
}

// writeNQuad appends one string-valued triple for a blank or uid subject.
func writeNQuad(b *strings.Builder, subject, predicate, value string) {
	if strings.HasPrefix(subject, "_:") {
		b.WriteString(fmt.Sprintf("%s <%s> %q .\n", subject, predicate, value))
		return
	}
	b.WriteString(fmt.Sprintf("<%s> <%s> %q .\n", subject, predicate, value))
}
