// Package embedding turns text into L2-normalized vectors through a
// configurable provider. Ollama serves the local default; Jina covers
// hosted deployments.
package embedding

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/pattern-persistence/pps/internal/config"
)

// Embedder is the provider contract. Vectors come back L2-normalized so
// dot product equals cosine similarity downstream.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Close() error
}

// New builds the provider named in cfg.
func New(cfg *config.Config, logger *zap.Logger) (Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "ollama":
		return NewOllama(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.EmbedTimeout, logger), nil
	case "jina":
		if cfg.JinaAPIKey == "" {
			return nil, fmt.Errorf("embedding: jina provider requires JINA_API_KEY")
		}
		return NewJina(cfg.JinaURL, cfg.JinaAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.EmbedTimeout, logger), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.EmbeddingProvider)
	}
}

// normalize rescales v to unit length in place and returns it. Zero
// vectors pass through untouched.
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq <= 1e-18 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Cosine computes cosine similarity. Inputs need not be normalized.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
