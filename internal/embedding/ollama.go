package embedding

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/faults"
	"github.com/pattern-persistence/pps/internal/jsonx"
)

// Ollama calls a local Ollama instance's embeddings endpoint.
type Ollama struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
	logger  *zap.Logger
}

// NewOllama returns an Ollama-backed embedder.
func NewOllama(baseURL, model string, dim int, timeout time.Duration, logger *zap.Logger) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dim <= 0 {
		dim = 768
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("embed.ollama"),
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates one normalized vector.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := jsonx.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, faults.New(faults.InvalidInput, "embed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap("embed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, faults.Wrap("embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, faults.Newf(faults.FromHTTPStatus(resp.StatusCode), "embed",
			"ollama returned %d: %s", resp.StatusCode, faults.SanitizeText(string(raw)))
	}

	var out ollamaEmbedResponse
	if err := jsonx.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.Wrap("embed", err)
	}
	if len(out.Embedding) == 0 {
		return nil, faults.Newf(faults.Unclassified, "embed", "empty embedding returned")
	}

	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return normalize(vec), nil
}

// EmbedBatch embeds texts one at a time; the Ollama API has no batch form.
func (o *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := o.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension reports the configured vector width.
func (o *Ollama) Dimension() int { return o.dim }

// EnsureModel pulls the embedding model if the instance does not have it.
func (o *Ollama) EnsureModel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return faults.Wrap("embed", err)
	}
	defer resp.Body.Close()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := jsonx.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return faults.Wrap("embed", err)
	}
	for _, m := range tags.Models {
		if m.Name == o.model || m.Name == o.model+":latest" {
			return nil
		}
	}

	o.logger.Info("pulling embedding model", zap.String("model", o.model))
	body, _ := jsonx.Marshal(map[string]string{"name": o.model})
	pullReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	pullReq.Header.Set("Content-Type", "application/json")
	pullResp, err := o.client.Do(pullReq)
	if err != nil {
		return faults.Wrap("embed", err)
	}
	defer pullResp.Body.Close()
	if pullResp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(pullResp.Body, 4096))
		return faults.Newf(faults.FromHTTPStatus(pullResp.StatusCode), "embed",
			"pull %s returned %d: %s", o.model, pullResp.StatusCode, faults.SanitizeText(string(raw)))
	}
	io.Copy(io.Discard, pullResp.Body)
	return nil
}

// Close is a no-op; the HTTP client holds no resources.
func (o *Ollama) Close() error { return nil }
