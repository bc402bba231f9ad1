package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/dgo/v240/protos/api"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
)

const relationFields = `
	uid
	xid
	group_id
	predicate
	fact
	batch_id
	channel
	created_at
	subject { uid name entity_type }
	object { uid name entity_type }
`

// CreateRelation reifies one edge. Subject and object must already exist;
// resolve them through UpsertEntity first.
func (c *Client) CreateRelation(ctx context.Context, rel Relation) (string, error) {
	if rel.SubjectUID == "" || rel.ObjectUID == "" {
		return "", fmt.Errorf("graph: relation needs subject and object uids")
	}
	if rel.Predicate == "" {
		return "", fmt.Errorf("graph: relation needs a predicate")
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	if rel.XID == "" {
		rel.XID = uuid.NewString()
	}

	blank := "_:rel"
	var nq strings.Builder
	writeNQuad(&nq, blank, "dgraph.type", "Relation")
	writeNQuad(&nq, blank, "xid", rel.XID)
	writeNQuad(&nq, blank, "group_id", rel.GroupID)
	writeNQuad(&nq, blank, "predicate", rel.Predicate)
	if rel.Fact != "" {
		writeNQuad(&nq, blank, "fact", rel.Fact)
	}
	if rel.Channel != "" {
		writeNQuad(&nq, blank, "channel", rel.Channel)
	}
	if rel.BatchID > 0 {
		nq.WriteString(fmt.Sprintf("%s <batch_id> \"%d\"^^<xs:int> .\n", blank, rel.BatchID))
	}
	nq.WriteString(fmt.Sprintf("%s <created_at> %q^^<xs:dateTime> .\n", blank, rel.CreatedAt.Format(time.RFC3339)))
	if !rel.ValidAt.IsZero() {
		nq.WriteString(fmt.Sprintf("%s <valid_at> %q^^<xs:dateTime> .\n", blank, rel.ValidAt.UTC().Format(time.RFC3339)))
	}
	nq.WriteString(fmt.Sprintf("%s <subject> <%s> .\n", blank, rel.SubjectUID))
	nq.WriteString(fmt.Sprintf("%s <object> <%s> .\n", blank, rel.ObjectUID))

	resp, err := c.dg.NewTxn().Mutate(ctx, &api.Mutation{
		SetNquads: []byte(nq.String()),
		CommitNow: true,
	})
	if err != nil {
		return "", c.fault("graph.create_relation", err)
	}
	uid, ok := resp.Uids["rel"]
	if !ok {
		return "", fmt.Errorf("graph: no uid returned for relation %q", rel.Predicate)
	}
	c.logger.Debug("relation created",
		zap.String("predicate", rel.Predicate),
		zap.String("uid", uid))
	return uid, nil
}

// RelationExists reports whether an identical (subject, predicate, object)
// triple is already reified.
func (c *Client) RelationExists(ctx context.Context, subjectUID, predicate, objectUID string) (bool, error) {
	query := fmt.Sprintf(`query Dup($pred: string) {
		rels(func: eq(predicate, $pred), first: 1) @filter(type(Relation) AND uid_in(subject, %s) AND uid_in(object, %s)) {
			uid
		}
	}`, subjectUID, objectUID)
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$pred": predicate})
	if err != nil {
		return false, c.fault("graph.relation_exists", err)
	}

	var result struct {
		Rels []struct {
			UID string `json:"uid"`
		} `json:"rels"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return false, c.fault("graph.relation_exists", err)
	}
	return len(result.Rels) > 0, nil
}

// RelationByXID looks up one relation by its external uuid. Returns
// (nil, nil) when absent.
func (c *Client) RelationByXID(ctx context.Context, xid string) (*Relation, error) {
	query := `query Rel($xid: string) {
		rels(func: eq(xid, $xid), first: 1) @filter(type(Relation)) {
			` + relationFields + `
		}
	}`
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$xid": xid})
	if err != nil {
		return nil, c.fault("graph.relation_by_xid", err)
	}
	rels, err := parseRelations(resp.Json)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, nil
	}
	return &rels[0], nil
}

// RelationsOf returns relations where the entity appears as subject or
// object, newest first.
func (c *Client) RelationsOf(ctx context.Context, entityUID string, limit int) ([]Relation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`query Rels {
		rels(func: type(Relation), orderdesc: created_at, first: %d) @filter(uid_in(subject, %s) OR uid_in(object, %s)) {
			`+relationFields+`
		}
	}`, limit, entityUID, entityUID)
	resp, err := c.dg.NewReadOnlyTxn().Query(ctx, query)
	if err != nil {
		return nil, c.fault("graph.relations_of", err)
	}
	return parseRelations(resp.Json)
}

// RelationsInGroup lists a group's relations, newest first.
func (c *Client) RelationsInGroup(ctx context.Context, groupID string, limit int) ([]Relation, error) {
	if limit <= 0 {
		limit = 200
	}
	query := fmt.Sprintf(`query Rels($group: string) {
		rels(func: eq(group_id, $group), orderdesc: created_at, first: %d) @filter(type(Relation)) {
			`+relationFields+`
		}
	}`, limit)
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$group": groupID})
	if err != nil {
		return nil, c.fault("graph.relations_in_group", err)
	}
	return parseRelations(resp.Json)
}

// DuplicateSets finds groups of relations sharing (subject, predicate,
// object). Each returned set is sorted oldest first, so everything after
// index 0 is a redundant copy.
func (c *Client) DuplicateSets(ctx context.Context, groupID string) ([][]Relation, error) {
	rels, err := c.RelationsInGroup(ctx, groupID, 10000)
	if err != nil {
		return nil, err
	}
	return groupDuplicates(rels), nil
}

func groupDuplicates(rels []Relation) [][]Relation {
	byTriple := make(map[string][]Relation)
	for _, r := range rels {
		if r.Subject == nil || r.Object == nil {
			continue
		}
		key := r.Subject.UID + "\x00" + r.Predicate + "\x00" + r.Object.UID
		byTriple[key] = append(byTriple[key], r)
	}

	var sets [][]Relation
	for _, set := range byTriple {
		if len(set) < 2 {
			continue
		}
		sort.Slice(set, func(i, j int) bool {
			if set[i].CreatedAt.Equal(set[j].CreatedAt) {
				return set[i].XID < set[j].XID
			}
			return set[i].CreatedAt.Before(set[j].CreatedAt)
		})
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool {
		return sets[i][0].CreatedAt.Before(sets[j][0].CreatedAt)
	})
	return sets
}

// DeleteNodes removes nodes and every triple they own. Incoming edges from
// surviving relation nodes must be cleaned up by the caller first.
func (c *Client) DeleteNodes(ctx context.Context, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	var nq strings.Builder
	for _, uid := range uids {
		nq.WriteString(fmt.Sprintf("<%s> * * .\n", uid))
	}
	_, err := c.dg.NewTxn().Mutate(ctx, &api.Mutation{
		DelNquads: []byte(nq.String()),
		CommitNow: true,
	})
	if err != nil {
		return c.fault("graph.delete_nodes", err)
	}
	c.logger.Info("graph nodes deleted", zap.Int("count", len(uids)))
	return nil
}

// DeleteEntity removes an entity and every relation touching it. Returns
// the relation uids that went with it.
func (c *Client) DeleteEntity(ctx context.Context, groupID, name string) ([]string, error) {
	ent, err := c.EntityByName(ctx, groupID, name)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, nil
	}

	rels, err := c.RelationsOf(ctx, ent.UID, 10000)
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(rels)+1)
	relUIDs := make([]string, 0, len(rels))
	for _, r := range rels {
		uids = append(uids, r.UID)
		relUIDs = append(relUIDs, r.UID)
	}
	uids = append(uids, ent.UID)

	if err := c.DeleteNodes(ctx, uids); err != nil {
		return nil, err
	}
	return relUIDs, nil
}

func parseRelations(data []byte) ([]Relation, error) {
	var result struct {
		Rels []Relation `json:"rels"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, faults.New(faults.GraphEngine, "graph.parse_relations", err)
	}
	for i := range result.Rels {
		if result.Rels[i].Subject != nil {
			result.Rels[i].SubjectUID = result.Rels[i].Subject.UID
		}
		if result.Rels[i].Object != nil {
			result.Rels[i].ObjectUID = result.Rels[i].Object.UID
		}
	}
	return result.Rels, nil
}

// queryUIDs runs a query that projects bare uid lists under key.
func (c *Client) queryUIDs(ctx context.Context, query string, vars map[string]string, key string) ([]string, error) {
	resp, err := c.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, vars)
	if err != nil {
		return nil, c.fault("graph.query_uids", err)
	}

	var result map[string][]struct {
		UID string `json:"uid"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, c.fault("graph.query_uids", err)
	}

	rows := result[key]
	uids := make([]string, 0, len(rows))
	for _, r := range rows {
		uids = append(uids, r.UID)
	}
	return uids, nil
}

func (c *Client) fault(op string, err error) error {
	kind := faults.Classify(err)
	if kind == faults.Unclassified {
		kind = faults.GraphEngine
	}
	return faults.New(kind, op, err)
}
