// Package graph owns the Dgraph knowledge layer: canonical entities and
// reified relation nodes, scoped per group so sandbox writes never leak
// into live memory.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pattern-persistence/pps/internal/faults"
)

// Client wraps the dgo client with the schema and helpers the persistence
// layers need.
type Client struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger
}

// ClientConfig holds connection settings.
type ClientConfig struct {
	Address        string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns defaults for a local alpha.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// timeoutInterceptor enforces a per-call deadline on every Dgraph RPC that
// does not already carry one.
func timeoutInterceptor(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// NewClient dials the alpha, retrying on startup races, and applies the
// schema.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	var conn *grpc.ClientConn
	var err error

	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.RequestTimeout)),
		)
		if err == nil {
			break
		}
		logger.Warn("dgraph dial failed, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("graph: connect to %s after %d attempts: %w", cfg.Address, cfg.MaxRetries, err)
	}

	c := &Client{
		conn:   conn,
		dg:     dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		logger: logger.Named("graph"),
	}
	if err := c.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	c.logger.Info("dgraph connected", zap.String("address", cfg.Address))
	return c, nil
}

// initSchema applies the entity/relation schema. Alter is idempotent for
// additive changes.
func (c *Client) initSchema(ctx context.Context) error {
	schema := `
		xid: string @index(exact) .
		group_id: string @index(exact) .
		name: string @index(exact, term, fulltext) .
		entity_type: string @index(exact) .
		summary: string @index(fulltext) .
		mention_count: int @index(int) .
		created_at: datetime @index(hour) .
		updated_at: datetime @index(hour) .

		predicate: string @index(exact, term) .
		fact: string @index(fulltext) .
		subject: uid @reverse .
		object: uid @reverse .
		valid_at: datetime .
		invalid_at: datetime .
		batch_id: int @index(int) .
		channel: string @index(exact) .

		type Entity {
			xid
			group_id
			name
			entity_type
			summary
			mention_count
			created_at
			updated_at
		}

		type Relation {
			xid
			group_id
			predicate
			fact
			subject
			object
			batch_id
			channel
			created_at
			valid_at
			invalid_at
		}
	`
	if err := c.dg.Alter(ctx, &api.Operation{Schema: schema}); err != nil {
		return faults.New(faults.GraphEngine, "graph.schema", err)
	}
	c.logger.Info("dgraph schema applied")
	return nil
}

// Health runs a trivial query to verify the alpha responds.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.dg.NewReadOnlyTxn().Query(ctx, `{ q(func: uid(0x1)) { uid } }`)
	if err != nil {
		return faults.New(faults.GraphEngine, "graph.health", err)
	}
	return nil
}

// DropGroup deletes every node belonging to a group. Used to reset a
// sandbox between consultation sessions.
func (c *Client) DropGroup(ctx context.Context, groupID string) (int, error) {
	query := `query Drop($group: string) {
		nodes(func: eq(group_id, $group)) { uid }
	}`
	uids, err := c.queryUIDs(ctx, query, map[string]string{"$group": groupID}, "nodes")
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 0, nil
	}
	if err := c.DeleteNodes(ctx, uids); err != nil {
		return 0, err
	}
	return len(uids), nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
