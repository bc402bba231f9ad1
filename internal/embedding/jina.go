package embedding

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
)

// Jina calls the hosted Jina embeddings API. Unlike Ollama it takes whole
// batches in one request.
type Jina struct {
	url    string
	apiKey string
	model  string
	dim    int
	client *http.Client
	logger *zap.Logger
}

// NewJina returns a Jina-backed embedder.
func NewJina(url, apiKey, model string, dim int, timeout time.Duration, logger *zap.Logger) *Jina {
	if url == "" {
		url = "https://api.jina.ai/v1/embeddings"
	}
	if dim <= 0 {
		dim = 768
	}
	return &Jina{
		url:    url,
		apiKey: apiKey,
		model:  model,
		dim:    dim,
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("embed.jina"),
	}
}

type jinaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type jinaResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates one normalized vector.
func (j *Jina) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := j.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds up to the API's batch limit in one call.
func (j *Jina) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := jsonx.Marshal(jinaRequest{Model: j.model, Input: texts})
	if err != nil {
		return nil, faults.New(faults.InvalidInput, "embed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap("embed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, faults.Wrap("embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, faults.Newf(faults.FromHTTPStatus(resp.StatusCode), "embed",
			"jina returned %d: %s", resp.StatusCode, faults.SanitizeText(string(raw)))
	}

	var out jinaResponse
	if err := jsonx.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.Wrap("embed", err)
	}
	if len(out.Data) != len(texts) {
		return nil, faults.Newf(faults.Unclassified, "embed",
			"jina returned %d embeddings for %d inputs", len(out.Data), len(texts))
	}

	// The API documents index-ordered responses; sort anyway.
	sort.Slice(out.Data, func(a, b int) bool { return out.Data[a].Index < out.Data[b].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = normalize(d.Embedding)
	}
	return vecs, nil
}

// Dimension reports the configured vector width.
func (j *Jina) Dimension() int { return j.dim }

// Close is a no-op.
func (j *Jina) Close() error { return nil }
