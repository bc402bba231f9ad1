// Package vectorindex talks to Qdrant over its HTTP API. One client serves
// every collection: the four document collections plus graph_facts. Point
// identity is an FNV-1a hash of collection:doc_id:chunk_num, so re-ingesting
// a document overwrites its points instead of accumulating stale ones.
package vectorindex

import (
	"bytes"
	"context"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
)

const (
	// CollectionWordPhotos holds identity snapshot chunks.
	CollectionWordPhotos = "word_photos"
	// CollectionTechDocs holds curated technical reference chunks.
	CollectionTechDocs = "tech_docs"
	// CollectionCrystals holds archived crystal snapshots.
	CollectionCrystals = "crystals"
	// CollectionFrictions holds behavioral friction entries.
	CollectionFrictions = "frictions"
	// CollectionGraphFacts holds one point per relation, keyed by its uuid.
	CollectionGraphFacts = "graph_facts"
)

// Client is a Qdrant HTTP client shared by the document stores and the
// texture layer. Collections are created lazily on first write.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// New returns a client for the Qdrant instance at baseURL.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		ensured: make(map[string]bool),
	}
}

// Point is one vector plus its payload, addressed by a numeric id.
type Point struct {
	ID      uint64      `json:"id"`
	Vector  []float32   `json:"vector"`
	Payload interface{} `json:"payload"`
}

// Hit is one search result. Payload is raw JSON so each caller can decode
// into its own payload shape.
type Hit struct {
	ID      uint64           `json:"id"`
	Score   float32          `json:"score"`
	Payload jsonx.RawMessage `json:"payload"`
}

// Condition matches one payload field against an exact value.
type Condition struct {
	Key   string      `json:"key"`
	Match matchClause `json:"match"`
}

type matchClause struct {
	Value interface{} `json:"value"`
}

// Match builds an exact-value payload condition.
func Match(key string, value interface{}) Condition {
	return Condition{Key: key, Match: matchClause{Value: value}}
}

// Filter is a conjunction of payload conditions.
type Filter struct {
	Must []Condition `json:"must"`
}

// PointID derives the deterministic point id for a document chunk.
func PointID(collection, docID string, chunk int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(collection))
	h.Write([]byte{':'})
	h.Write([]byte(docID))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(chunk)))
	return h.Sum64()
}

// EnsureCollection creates the collection if it does not exist yet. Safe to
// call on every write; the check is memoized per process.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension int) error {
	c.mu.Lock()
	done := c.ensured[name]
	c.mu.Unlock()
	if done {
		return nil
	}

	status, _, err := c.do(ctx, http.MethodGet, "/collections/"+name, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		c.mu.Lock()
		c.ensured[name] = true
		c.mu.Unlock()
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	status, raw, err := c.do(ctx, http.MethodPut, "/collections/"+name, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.statusFault("vector.ensure", status, raw)
	}

	c.mu.Lock()
	c.ensured[name] = true
	c.mu.Unlock()
	c.logger.Info("Created vector collection",
		zap.String("collection", name),
		zap.Int("dimension", dimension))
	return nil
}

// Upsert writes points into a collection, waiting for them to be indexed so
// an immediate search sees them.
func (c *Client) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": points}
	status, raw, err := c.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.statusFault("vector.upsert", status, raw)
	}
	c.logger.Debug("Upserted vectors",
		zap.String("collection", collection),
		zap.Int("points", len(points)))
	return nil
}

// Search returns the closest points to vector, optionally constrained by a
// payload filter.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, limit int, filter *Filter) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	body := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil && len(filter.Must) > 0 {
		body["filter"] = filter
	}

	status, raw, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusFault("vector.search", status, raw)
	}

	var out struct {
		Result []Hit `json:"result"`
	}
	if err := jsonx.Unmarshal(raw, &out); err != nil {
		return nil, faults.New(faults.Unclassified, "vector.search", err)
	}
	return out.Result, nil
}

// ScrollPoint is one point returned without a similarity score.
type ScrollPoint struct {
	ID      uint64           `json:"id"`
	Payload jsonx.RawMessage `json:"payload"`
}

// Scroll pages through points matching a filter without a query vector.
// Document stores use it to read the stored content hash for a doc id.
// A missing collection reads as empty.
func (c *Client) Scroll(ctx context.Context, collection string, filter *Filter, limit int) ([]ScrollPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	body := map[string]interface{}{
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil && len(filter.Must) > 0 {
		body["filter"] = filter
	}

	status, raw, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, c.statusFault("vector.scroll", status, raw)
	}

	var out struct {
		Result struct {
			Points []ScrollPoint `json:"points"`
		} `json:"result"`
	}
	if err := jsonx.Unmarshal(raw, &out); err != nil {
		return nil, faults.New(faults.Unclassified, "vector.scroll", err)
	}
	return out.Result.Points, nil
}

// DeletePoints removes points by id.
func (c *Client) DeletePoints(ctx context.Context, collection string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": ids}
	status, raw, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.statusFault("vector.delete", status, raw)
	}
	return nil
}

// DeleteByFilter removes every point whose payload matches the filter. Used
// to drop all chunks of a document before re-ingesting it.
func (c *Client) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	body := map[string]interface{}{"filter": filter}
	status, raw, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.statusFault("vector.delete", status, raw)
	}
	return nil
}

// Count returns the exact number of points matching the filter, or all
// points when filter is nil.
func (c *Client) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	body := map[string]interface{}{"exact": true}
	if filter != nil && len(filter.Must) > 0 {
		body["filter"] = filter
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", body)
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, nil
	}
	if status != http.StatusOK {
		return 0, c.statusFault("vector.count", status, raw)
	}

	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := jsonx.Unmarshal(raw, &out); err != nil {
		return 0, faults.New(faults.Unclassified, "vector.count", err)
	}
	return out.Result.Count, nil
}

// DropCollection deletes a collection outright. The next EnsureCollection
// recreates it, which is how dimension changes are applied.
func (c *Client) DropCollection(ctx context.Context, name string) error {
	status, raw, err := c.do(ctx, http.MethodDelete, "/collections/"+name, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return c.statusFault("vector.drop", status, raw)
	}

	c.mu.Lock()
	delete(c.ensured, name)
	c.mu.Unlock()
	c.logger.Info("Dropped vector collection", zap.String("collection", name))
	return nil
}

// Health checks that Qdrant answers at all.
func (c *Client) Health(ctx context.Context) error {
	status, raw, err := c.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return c.statusFault("vector.health", status, raw)
	}
	return nil
}

// do runs one request and returns status plus raw body. Transport failures
// come back classified.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := jsonx.Marshal(body)
		if err != nil {
			return 0, nil, faults.New(faults.InvalidInput, "vector.request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, faults.New(faults.InvalidInput, "vector.request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, faults.Wrap("vector.request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, faults.Wrap("vector.request", err)
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) statusFault(op string, status int, raw []byte) error {
	return faults.Newf(faults.FromHTTPStatus(status), op,
		"qdrant returned %d: %s", status, faults.SanitizeText(string(raw)))
}
