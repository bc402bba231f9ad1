package embedding

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/pattern-persistence/pps/internal/cache"
)

// Cached wraps an Embedder with the tiered cache. Repeated recall queries
// and re-indexed documents skip the provider entirely.
type Cached struct {
	inner Embedder
	cache *cache.Tiered
	model string
}

// NewCached decorates inner. model participates in the key so switching
// models invalidates naturally.
func NewCached(inner Embedder, c *cache.Tiered, model string) *Cached {
	return &Cached{inner: inner, cache: c, model: model}
}

func (c *Cached) key(text string) string {
	sum := blake2b.Sum256([]byte(c.model + "\x00" + text))
	return "emb:" + hex.EncodeToString(sum[:16])
}

// Embed returns the cached vector or delegates to the provider.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if data, ok := c.cache.Get(ctx, key); ok {
		if vec := decodeVector(data); vec != nil {
			return vec, nil
		}
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(ctx, key, encodeVector(vec))
	return vec, nil
}

// EmbedBatch serves cached entries and forwards only the misses.
func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if data, ok := c.cache.Get(ctx, c.key(text)); ok {
			if vec := decodeVector(data); vec != nil {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		i := missingIdx[j]
		out[i] = vec
		c.cache.Set(ctx, c.key(texts[i]), encodeVector(vec))
	}
	return out, nil
}

// Dimension delegates.
func (c *Cached) Dimension() int { return c.inner.Dimension() }

// Close delegates; the cache is owned by the caller.
func (c *Cached) Close() error { return c.inner.Close() }

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec
}
