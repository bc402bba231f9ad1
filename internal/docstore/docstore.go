// Package docstore is the generic vector-document layer behind word photos,
// tech docs, crystals, and frictions. One Store serves one collection; the
// blake2b hash of the whole file decides whether a re-ingest is a no-op, an
// update, or a first indexing. Every ingest mirrors the document into the
// bleve keyword index so doc search still answers while Qdrant is down.
package docstore

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/pattern-persistence/pps/internal/chunking"
	"github.com/pattern-persistence/pps/internal/docindex"
	"github.com/pattern-persistence/pps/internal/embedding"
	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
	"github.com/pattern-persistence/pps/internal/vectorindex"
)

// Action says what an ingest call did with the file.
type Action string

const (
	ActionIndexed   Action = "indexed"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

const (
	markdownWindowBytes = 1200
	defaultSeverity     = 5
)

// VectorStore is the slice of the vector client the document stores use.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	Upsert(ctx context.Context, collection string, points []vectorindex.Point) error
	Search(ctx context.Context, collection string, vector []float32, limit int, filter *vectorindex.Filter) ([]vectorindex.Hit, error)
	Scroll(ctx context.Context, collection string, filter *vectorindex.Filter, limit int) ([]vectorindex.ScrollPoint, error)
	DeleteByFilter(ctx context.Context, collection string, filter vectorindex.Filter) error
}

// KeywordIndex is the slice of the bleve mirror the document stores use.
type KeywordIndex interface {
	Put(ctx context.Context, doc docindex.Doc) error
	Delete(ctx context.Context, collection, docID string) error
	Search(ctx context.Context, collection, queryText string, limit int) ([]docindex.Result, error)
	SearchFrictions(ctx context.Context, queryText string, limit, minSeverity int) ([]docindex.Result, error)
}

// Config parameterizes one Store.
type Config struct {
	// Collection is the vector collection name; it also picks the chunking
	// strategy (paragraphs for word photos and frictions, markdown windows
	// for tech docs and crystals).
	Collection string
	// Entity scopes payloads when several entities share one Qdrant.
	Entity string
	// DocType lands in the payload type field (word_photo, tech_doc,
	// crystal, friction).
	DocType string
}

// Store ingests and searches one collection of markdown documents.
type Store struct {
	cfg     Config
	vectors VectorStore
	embed   embedding.Embedder
	index   KeywordIndex
	logger  *zap.Logger
	chunker *chunking.Chunker
}

// New returns a Store for cfg.Collection.
func New(cfg Config, vectors VectorStore, embed embedding.Embedder, index KeywordIndex, logger *zap.Logger) *Store {
	s := &Store{
		cfg:     cfg,
		vectors: vectors,
		embed:   embed,
		index:   index,
		logger:  logger,
	}
	switch cfg.Collection {
	case vectorindex.CollectionTechDocs, vectorindex.CollectionCrystals:
		s.chunker = chunking.New(chunking.Markdown(markdownWindowBytes))
	}
	return s
}

// Collection returns the vector collection this store writes to.
func (s *Store) Collection() string { return s.cfg.Collection }

// IngestResult reports what Ingest did.
type IngestResult struct {
	Action Action `json:"action"`
	DocID  string `json:"doc_id"`
	Chunks int    `json:"chunks"`
}

// Item is one document search hit.
type Item struct {
	DocID      string  `json:"doc_id"`
	Collection string  `json:"collection"`
	Title      string  `json:"title,omitempty"`
	Content    string  `json:"content"`
	Category   string  `json:"category,omitempty"`
	Severity   int     `json:"severity,omitempty"`
	CrystalNum int     `json:"crystal_num,omitempty"`
	Score      float64 `json:"score"`
}

// chunkPayload is the flat Qdrant payload for one chunk. Filter fields
// (doc_id, entity, content_hash) stay top level so match conditions reach
// them.
type chunkPayload struct {
	DocID       string `json:"doc_id"`
	Collection  string `json:"collection"`
	ChunkNum    int    `json:"chunk_num"`
	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`
	Title       string `json:"title,omitempty"`
	Section     string `json:"section,omitempty"`
	Category    string `json:"category,omitempty"`
	Entity      string `json:"entity,omitempty"`
	Type        string `json:"type,omitempty"`
	CrystalNum  int    `json:"crystal_num,omitempty"`
	Severity    int    `json:"severity,omitempty"`
}

// Ingest reads one file, hashes it, and replaces its chunks when the content
// changed. A matching hash is a no-op, which keeps the periodic doc sweep
// cheap.
func (s *Store) Ingest(ctx context.Context, path, category string) (IngestResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return IngestResult{}, faults.Newf(faults.InvalidInput, "docstore.ingest", "no such document: %s", path)
		}
		return IngestResult{}, faults.Wrap("docstore.ingest", err)
	}

	docID := filepath.Base(path)
	text := string(data)
	if strings.TrimSpace(text) == "" {
		s.logger.Debug("Skipping empty document", zap.String("doc", docID))
		return IngestResult{Action: ActionUnchanged, DocID: docID}, nil
	}

	sum := blake2b.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	prevHash, err := s.storedHash(ctx, docID)
	if err != nil {
		return IngestResult{}, err
	}
	if prevHash == hash {
		return IngestResult{Action: ActionUnchanged, DocID: docID}, nil
	}

	chunks := s.split(text)
	if len(chunks) == 0 {
		s.logger.Debug("Document produced no chunks", zap.String("doc", docID))
		return IngestResult{Action: ActionUnchanged, DocID: docID}, nil
	}

	if prevHash != "" {
		filter := vectorindex.Filter{Must: []vectorindex.Condition{
			vectorindex.Match("doc_id", docID),
		}}
		if err := s.vectors.DeleteByFilter(ctx, s.cfg.Collection, filter); err != nil {
			return IngestResult{}, err
		}
	}

	title := documentTitle(text)
	severity := 0
	if s.cfg.Collection == vectorindex.CollectionFrictions {
		severity = ParseSeverity(text)
	}
	crystalNum := 0
	if s.cfg.Collection == vectorindex.CollectionCrystals {
		crystalNum = CrystalNumber(docID)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := s.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return IngestResult{}, err
	}

	points := make([]vectorindex.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorindex.Point{
			ID:     vectorindex.PointID(s.cfg.Collection, docID, i),
			Vector: vecs[i],
			Payload: chunkPayload{
				DocID:       docID,
				Collection:  s.cfg.Collection,
				ChunkNum:    i,
				Content:     c.Text,
				ContentHash: hash,
				Title:       title,
				Section:     c.Section,
				Category:    category,
				Entity:      s.cfg.Entity,
				Type:        s.cfg.DocType,
				CrystalNum:  crystalNum,
				Severity:    severity,
			},
		}
	}

	if err := s.vectors.EnsureCollection(ctx, s.cfg.Collection, s.embed.Dimension()); err != nil {
		return IngestResult{}, err
	}
	if err := s.vectors.Upsert(ctx, s.cfg.Collection, points); err != nil {
		return IngestResult{}, err
	}

	// The keyword mirror is derived and rebuildable; a failed Put degrades
	// fallback search but must not fail the ingest.
	if err := s.index.Put(ctx, docindex.Doc{
		DocID:      docID,
		Collection: s.cfg.Collection,
		Title:      title,
		Content:    text,
		Category:   category,
		Severity:   float64(severity),
	}); err != nil {
		s.logger.Warn("Keyword mirror failed", zap.String("doc", docID), zap.Error(err))
	}

	action := ActionIndexed
	if prevHash != "" {
		action = ActionUpdated
	}
	s.logger.Info("Ingested document",
		zap.String("collection", s.cfg.Collection),
		zap.String("doc", docID),
		zap.String("action", string(action)),
		zap.Int("chunks", len(chunks)))
	return IngestResult{Action: action, DocID: docID, Chunks: len(chunks)}, nil
}

// storedHash reads the live content hash for a doc id, empty when the
// document was never indexed.
func (s *Store) storedHash(ctx context.Context, docID string) (string, error) {
	filter := &vectorindex.Filter{Must: []vectorindex.Condition{
		vectorindex.Match("doc_id", docID),
	}}
	pts, err := s.vectors.Scroll(ctx, s.cfg.Collection, filter, 1)
	if err != nil {
		return "", err
	}
	if len(pts) == 0 {
		return "", nil
	}
	var p chunkPayload
	if err := jsonx.Unmarshal(pts[0].Payload, &p); err != nil {
		return "", nil
	}
	return p.ContentHash, nil
}

func (s *Store) split(text string) []chunking.Chunk {
	if s.chunker != nil {
		return s.chunker.Chunk(text)
	}
	paras := chunking.Paragraphs(text)
	chunks := make([]chunking.Chunk, 0, len(paras))
	for _, p := range paras {
		chunks = append(chunks, chunking.Chunk{Text: p})
	}
	return chunks
}

// Search runs semantic retrieval over the collection and falls back to the
// keyword mirror when embeddings or the vector store are unavailable.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, faults.Newf(faults.InvalidInput, "docstore.search", "empty query")
	}
	if limit <= 0 {
		limit = 5
	}

	items, err := s.semanticSearch(ctx, query, limit)
	if err == nil {
		return items, nil
	}
	s.logger.Warn("Vector doc search unavailable, falling back to keyword index",
		zap.String("collection", s.cfg.Collection),
		zap.String("kind", string(faults.KindOf(err))),
		zap.Error(err))

	results, kerr := s.index.Search(ctx, s.cfg.Collection, query, limit)
	if kerr != nil {
		return nil, err
	}
	return keywordItems(results), nil
}

func (s *Store) semanticSearch(ctx context.Context, query string, limit int) ([]Item, error) {
	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var filter *vectorindex.Filter
	if s.cfg.Entity != "" {
		filter = &vectorindex.Filter{Must: []vectorindex.Condition{
			vectorindex.Match("entity", s.cfg.Entity),
		}}
	}
	hits, err := s.vectors.Search(ctx, s.cfg.Collection, vec, limit, filter)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(hits))
	for _, hit := range hits {
		var p chunkPayload
		if err := jsonx.Unmarshal(hit.Payload, &p); err != nil {
			s.logger.Warn("Undecodable chunk payload", zap.Uint64("point", hit.ID), zap.Error(err))
			continue
		}
		score := float64(hit.Score)
		if score < 0 {
			score = 0
		}
		items = append(items, Item{
			DocID:      p.DocID,
			Collection: s.cfg.Collection,
			Title:      p.Title,
			Content:    p.Content,
			Category:   p.Category,
			Severity:   p.Severity,
			CrystalNum: p.CrystalNum,
			Score:      score,
		})
	}
	return items, nil
}

// SearchFrictions is a keyword search with a severity floor. Frictions are
// curated and small, so the bleve conjunction is the primary path, not a
// fallback.
func (s *Store) SearchFrictions(ctx context.Context, query string, limit, minSeverity int) ([]Item, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, faults.Newf(faults.InvalidInput, "docstore.frictions", "empty query")
	}
	if limit <= 0 {
		limit = 5
	}
	results, err := s.index.SearchFrictions(ctx, query, limit, minSeverity)
	if err != nil {
		return nil, err
	}
	return keywordItems(results), nil
}

func keywordItems(results []docindex.Result) []Item {
	items := make([]Item, 0, len(results))
	for _, r := range results {
		items = append(items, Item{
			DocID:      r.DocID,
			Collection: r.Collection,
			Title:      r.Title,
			Content:    r.Content,
			Category:   r.Category,
			Severity:   r.Severity,
			CrystalNum: CrystalNumber(r.DocID),
			Score:      r.Score,
		})
	}
	return items
}

// ParseSeverity reads the "Severity: N" line of a friction entry, clamped to
// 1..10 with 5 when absent or malformed.
func ParseSeverity(text string) int {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if !strings.HasPrefix(lower, "severity:") {
			continue
		}
		val := strings.TrimSpace(line[len("severity:"):])
		if i := strings.IndexByte(val, ' '); i > 0 {
			val = val[:i]
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return defaultSeverity
		}
		if n < 1 {
			return 1
		}
		if n > 10 {
			return 10
		}
		return n
	}
	return defaultSeverity
}

// CrystalNumber parses the N in crystal_NNN.md, 0 when the name does not
// carry one.
func CrystalNumber(name string) int {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	i := strings.LastIndexByte(base, '_')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(base[i+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// documentTitle takes the first markdown heading, or the first non-empty
// line when there is none.
func documentTitle(text string) string {
	fallback := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
		if fallback == "" {
			fallback = line
		}
	}
	if len(fallback) > 120 {
		fallback = fallback[:120]
	}
	return fallback
}
