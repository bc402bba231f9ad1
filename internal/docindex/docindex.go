// Package docindex keeps a Bleve keyword index over every curated document
// the doc stores ingest. It answers friction searches (match + severity
// range) and serves as the search fallback when the vector store is down.
package docindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"
)

// Doc is one indexed document. Severity is only meaningful for frictions;
// everywhere else it stays zero.
type Doc struct {
	DocID      string  `json:"doc_id"`
	Collection string  `json:"collection"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Category   string  `json:"category,omitempty"`
	Severity   float64 `json:"severity,omitempty"`
}

// Result is one keyword search hit.
type Result struct {
	DocID      string  `json:"doc_id"`
	Collection string  `json:"collection"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Category   string  `json:"category,omitempty"`
	Severity   int     `json:"severity,omitempty"`
	Score      float64 `json:"score"`
}

// Index wraps a single Bleve index shared by all document collections.
type Index struct {
	idx    bleve.Index
	logger *zap.Logger
	mu     sync.RWMutex
}

// Open opens the index at path, creating it on first use.
func Open(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("docindex: create index directory: %w", err)
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("docindex: open index: %w", err)
	}

	logger.Info("Document index ready", zap.String("path", path))
	return &Index{idx: idx, logger: logger}, nil
}

// OpenMem builds an in-memory index. Used by tests.
func OpenMem(logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("docindex: open in-memory index: %w", err)
	}
	return &Index{idx: idx, logger: logger}, nil
}

func buildMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	contentField := bleve.NewTextFieldMapping()
	contentField.Store = true
	contentField.IncludeTermVectors = true
	docMapping.AddFieldMappingsAt("content", contentField)

	titleField := bleve.NewTextFieldMapping()
	titleField.Store = true
	docMapping.AddFieldMappingsAt("title", titleField)

	// Filter fields keep their exact value, underscores and hyphens included.
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Store = true
	keywordField.IncludeInAll = false
	keywordField.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("doc_id", keywordField)
	docMapping.AddFieldMappingsAt("collection", keywordField)
	docMapping.AddFieldMappingsAt("category", keywordField)

	severityField := bleve.NewNumericFieldMapping()
	severityField.Store = true
	severityField.IncludeInAll = false
	docMapping.AddFieldMappingsAt("severity", severityField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("doc", docMapping)
	indexMapping.DefaultAnalyzer = "standard"
	return indexMapping
}

// docKey namespaces the Bleve document id so the same filename can live in
// two collections.
func docKey(collection, docID string) string {
	return collection + "/" + docID
}

// Put indexes a document, replacing any previous version with the same id.
func (ix *Index) Put(ctx context.Context, doc Doc) error {
	if doc.DocID == "" || doc.Collection == "" {
		return fmt.Errorf("docindex: doc_id and collection are required")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.idx.Index(docKey(doc.Collection, doc.DocID), doc); err != nil {
		return fmt.Errorf("docindex: index %s: %w", doc.DocID, err)
	}
	ix.logger.Debug("Indexed document",
		zap.String("collection", doc.Collection),
		zap.String("doc_id", doc.DocID))
	return nil
}

// Delete removes one document from the index.
func (ix *Index) Delete(ctx context.Context, collection, docID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.idx.Delete(docKey(collection, docID)); err != nil {
		return fmt.Errorf("docindex: delete %s: %w", docID, err)
	}
	return nil
}

// Search runs a keyword match over title and content within one collection.
func (ix *Index) Search(ctx context.Context, collection, queryText string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	contentQuery := bleve.NewMatchQuery(queryText)
	contentQuery.SetField("content")
	titleQuery := bleve.NewMatchQuery(queryText)
	titleQuery.SetField("title")
	titleQuery.SetBoost(2)
	text := bleve.NewDisjunctionQuery(contentQuery, titleQuery)

	return ix.run(conjoinCollection(text, collection), limit)
}

// SearchFrictions matches friction entries at or above minSeverity.
func (ix *Index) SearchFrictions(ctx context.Context, queryText string, limit, minSeverity int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	match := bleve.NewMatchQuery(queryText)
	match.SetField("content")

	var q query.Query = match
	if minSeverity > 0 {
		min := float64(minSeverity)
		severity := bleve.NewNumericRangeQuery(&min, nil)
		severity.SetField("severity")
		q = bleve.NewConjunctionQuery(match, severity)
	}

	return ix.run(conjoinCollection(q, "frictions"), limit)
}

func conjoinCollection(q query.Query, collection string) query.Query {
	if collection == "" {
		return q
	}
	term := bleve.NewTermQuery(collection)
	term.SetField("collection")
	return bleve.NewConjunctionQuery(q, term)
}

func (ix *Index) run(q query.Query, limit int) ([]Result, error) {
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"doc_id", "collection", "title", "content", "category", "severity"}

	ix.mu.RLock()
	res, err := ix.idx.Search(req)
	ix.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("docindex: search: %w", err)
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := Result{Score: hit.Score}
		if hit.Fields != nil {
			if v, ok := hit.Fields["doc_id"].(string); ok {
				r.DocID = v
			}
			if v, ok := hit.Fields["collection"].(string); ok {
				r.Collection = v
			}
			if v, ok := hit.Fields["title"].(string); ok {
				r.Title = v
			}
			if v, ok := hit.Fields["content"].(string); ok {
				r.Content = v
			}
			if v, ok := hit.Fields["category"].(string); ok {
				r.Category = v
			}
			if v, ok := hit.Fields["severity"].(float64); ok {
				r.Severity = int(v)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// Count returns the number of documents in one collection, or all documents
// when collection is empty.
func (ix *Index) Count(ctx context.Context, collection string) (int, error) {
	var q query.Query = bleve.NewMatchAllQuery()
	if collection != "" {
		term := bleve.NewTermQuery(collection)
		term.SetField("collection")
		q = term
	}

	req := bleve.NewSearchRequest(q)
	req.Size = 0

	ix.mu.RLock()
	res, err := ix.idx.Search(req)
	ix.mu.RUnlock()
	if err != nil {
		return 0, fmt.Errorf("docindex: count: %w", err)
	}
	return int(res.Total), nil
}

// Close releases the index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.idx.Close()
}
