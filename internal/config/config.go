// Package config resolves daemon and CLI configuration. Precedence is
// defaults, then <entity_root>/config.yaml, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every operational knob. All values have defaults; a zero
// Config is not usable, construct through Default or Load.
type Config struct {
	EntityPath string
	EntityName string

	HTTPAddr string
	LogLevel string
	LogFile  string

	DgraphAddr string
	QdrantURL  string
	OllamaURL  string

	EmbeddingProvider string // "ollama" or "jina"
	EmbeddingModel    string
	EmbeddingDim      int
	JinaURL           string
	JinaAPIKey        string

	LLMModel string
	LLMURL   string // empty = OllamaURL

	NATSURL   string // empty disables the intake bus
	RedisAddr string // empty disables the L2 cache

	SummaryThreshold int // T_s: backlog size that arms summarization
	SummaryBatch     int // B_s: turns claimed per summary
	GraphThreshold   int // T_g: backlog size that arms graph ingestion
	GraphBatch       int // B_g: turns claimed per graph batch

	SummaryTick time.Duration
	GraphTick   time.Duration
	DocSweep    time.Duration
	HealthTick  time.Duration
	BatchPause  time.Duration // minimum sleep between graph batches

	RecallByteCap       int
	RecallLimitPerLayer int

	TextureSemanticWeight float64 // vs. graph proximity, in [0,1]

	CuratorSeeds []string

	EmbedTimeout  time.Duration
	GraphTimeout  time.Duration // per episode; extraction can take minutes
	VectorTimeout time.Duration
	RecallTimeout time.Duration
	LLMTimeout    time.Duration
}

// Default returns the documented defaults for a single-entity deployment.
func Default() Config {
	return Config{
		EntityPath: "./entity",
		EntityName: "lyra",

		HTTPAddr: "127.0.0.1:8377",
		LogLevel: "info",

		DgraphAddr: "localhost:9080",
		QdrantURL:  "http://localhost:6333",
		OllamaURL:  "http://localhost:11434",

		EmbeddingProvider: "ollama",
		EmbeddingModel:    "nomic-embed-text",
		EmbeddingDim:      768,
		JinaURL:           "https://api.jina.ai/v1/embeddings",

		LLMModel: "qwen2.5:14b",

		SummaryThreshold: 100,
		SummaryBatch:     50,
		GraphThreshold:   100,
		GraphBatch:       10,

		SummaryTick: 60 * time.Second,
		GraphTick:   120 * time.Second,
		DocSweep:    10 * time.Minute,
		HealthTick:  5 * time.Minute,
		BatchPause:  5 * time.Second,

		RecallByteCap:       12288,
		RecallLimitPerLayer: 5,

		TextureSemanticWeight: 0.7,

		EmbedTimeout:  30 * time.Second,
		GraphTimeout:  300 * time.Second,
		VectorTimeout: 5 * time.Second,
		RecallTimeout: 30 * time.Second,
		LLMTimeout:    120 * time.Second,
	}
}

// Load resolves the effective configuration. The yaml file is optional;
// a missing file is not an error, a malformed one is.
func Load() (Config, error) {
	cfg := Default()

	// ENTITY_PATH has to resolve before the yaml file can be found.
	if v := os.Getenv("ENTITY_PATH"); v != "" {
		cfg.EntityPath = v
	}

	if err := cfg.applyFile(filepath.Join(cfg.EntityPath, "config.yaml")); err != nil {
		return cfg, err
	}
	cfg.applyEnv()

	if len(cfg.CuratorSeeds) == 0 {
		cfg.CuratorSeeds = []string{cfg.EntityName}
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.EntityName == "" {
		return fmt.Errorf("config: entity name must not be empty")
	}
	if c.EmbeddingProvider != "ollama" && c.EmbeddingProvider != "jina" {
		return fmt.Errorf("config: unknown embedding provider %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.EmbeddingDim)
	}
	if c.TextureSemanticWeight < 0 || c.TextureSemanticWeight > 1 {
		return fmt.Errorf("config: texture semantic weight %v outside [0,1]", c.TextureSemanticWeight)
	}
	if c.SummaryBatch <= 0 || c.GraphBatch <= 0 {
		return fmt.Errorf("config: batch sizes must be positive")
	}
	return nil
}

// LLMEndpoint returns the chat endpoint base, defaulting to the Ollama URL.
func (c *Config) LLMEndpoint() string {
	if c.LLMURL != "" {
		return c.LLMURL
	}
	return c.OllamaURL
}

// fileConfig mirrors Config with optional fields; durations are strings in
// the yaml ("60s", "10m").
type fileConfig struct {
	EntityName *string `yaml:"entity_name"`

	HTTPAddr *string `yaml:"http_addr"`
	LogLevel *string `yaml:"log_level"`
	LogFile  *string `yaml:"log_file"`

	DgraphAddr *string `yaml:"dgraph_addr"`
	QdrantURL  *string `yaml:"qdrant_url"`
	OllamaURL  *string `yaml:"ollama_url"`

	EmbeddingProvider *string `yaml:"embedding_provider"`
	EmbeddingModel    *string `yaml:"embedding_model"`
	EmbeddingDim      *int    `yaml:"embedding_dim"`
	JinaURL           *string `yaml:"jina_url"`

	LLMModel *string `yaml:"llm_model"`
	LLMURL   *string `yaml:"llm_url"`

	NATSURL   *string `yaml:"nats_url"`
	RedisAddr *string `yaml:"redis_addr"`

	SummaryThreshold *int `yaml:"summary_threshold"`
	SummaryBatch     *int `yaml:"summary_batch"`
	GraphThreshold   *int `yaml:"graph_threshold"`
	GraphBatch       *int `yaml:"graph_batch"`

	SummaryTick *string `yaml:"summary_tick"`
	GraphTick   *string `yaml:"graph_tick"`
	DocSweep    *string `yaml:"doc_sweep"`
	HealthTick  *string `yaml:"health_tick"`
	BatchPause  *string `yaml:"batch_pause"`

	RecallByteCap       *int `yaml:"recall_byte_cap"`
	RecallLimitPerLayer *int `yaml:"recall_limit_per_layer"`

	TextureSemanticWeight *float64 `yaml:"texture_semantic_weight"`

	CuratorSeeds []string `yaml:"curator_seeds"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setStr(&c.EntityName, fc.EntityName)
	setStr(&c.HTTPAddr, fc.HTTPAddr)
	setStr(&c.LogLevel, fc.LogLevel)
	setStr(&c.LogFile, fc.LogFile)
	setStr(&c.DgraphAddr, fc.DgraphAddr)
	setStr(&c.QdrantURL, fc.QdrantURL)
	setStr(&c.OllamaURL, fc.OllamaURL)
	setStr(&c.EmbeddingProvider, fc.EmbeddingProvider)
	setStr(&c.EmbeddingModel, fc.EmbeddingModel)
	setInt(&c.EmbeddingDim, fc.EmbeddingDim)
	setStr(&c.JinaURL, fc.JinaURL)
	setStr(&c.LLMModel, fc.LLMModel)
	setStr(&c.LLMURL, fc.LLMURL)
	setStr(&c.NATSURL, fc.NATSURL)
	setStr(&c.RedisAddr, fc.RedisAddr)
	setInt(&c.SummaryThreshold, fc.SummaryThreshold)
	setInt(&c.SummaryBatch, fc.SummaryBatch)
	setInt(&c.GraphThreshold, fc.GraphThreshold)
	setInt(&c.GraphBatch, fc.GraphBatch)
	setInt(&c.RecallByteCap, fc.RecallByteCap)
	setInt(&c.RecallLimitPerLayer, fc.RecallLimitPerLayer)
	if fc.TextureSemanticWeight != nil {
		c.TextureSemanticWeight = *fc.TextureSemanticWeight
	}
	if len(fc.CuratorSeeds) > 0 {
		c.CuratorSeeds = fc.CuratorSeeds
	}

	for _, d := range []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&c.SummaryTick, fc.SummaryTick, "summary_tick"},
		{&c.GraphTick, fc.GraphTick, "graph_tick"},
		{&c.DocSweep, fc.DocSweep, "doc_sweep"},
		{&c.HealthTick, fc.HealthTick, "health_tick"},
		{&c.BatchPause, fc.BatchPause, "batch_pause"},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config: %s in %s: %w", d.key, path, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) applyEnv() {
	envStr(&c.EntityName, "ENTITY_NAME")
	envStr(&c.HTTPAddr, "PPS_HTTP_ADDR")
	envStr(&c.LogLevel, "PPS_LOG_LEVEL")
	envStr(&c.LogFile, "PPS_LOG_FILE")
	envStr(&c.DgraphAddr, "DGRAPH_ADDR")
	envStr(&c.QdrantURL, "QDRANT_URL")
	envStr(&c.OllamaURL, "OLLAMA_URL")
	envStr(&c.EmbeddingProvider, "EMBEDDING_PROVIDER")
	envStr(&c.EmbeddingModel, "EMBEDDING_MODEL")
	envInt(&c.EmbeddingDim, "EMBEDDING_DIM")
	envStr(&c.JinaURL, "JINA_URL")
	envStr(&c.JinaAPIKey, "JINA_API_KEY")
	envStr(&c.LLMModel, "LLM_MODEL")
	envStr(&c.LLMURL, "LLM_URL")
	envStr(&c.NATSURL, "NATS_URL")
	envStr(&c.RedisAddr, "REDIS_ADDR")
	envInt(&c.SummaryThreshold, "SUMMARY_THRESHOLD")
	envInt(&c.SummaryBatch, "SUMMARY_BATCH")
	envInt(&c.GraphThreshold, "GRAPH_THRESHOLD")
	envInt(&c.GraphBatch, "GRAPH_BATCH")
	envDur(&c.SummaryTick, "SUMMARY_TICK")
	envDur(&c.GraphTick, "GRAPH_TICK")
	envDur(&c.DocSweep, "DOC_SWEEP")
	envDur(&c.HealthTick, "HEALTH_TICK")
	envDur(&c.BatchPause, "BATCH_PAUSE")
	envInt(&c.RecallByteCap, "RECALL_BYTE_CAP")
	envInt(&c.RecallLimitPerLayer, "RECALL_LIMIT_PER_LAYER")
	envFloat(&c.TextureSemanticWeight, "TEXTURE_SEMANTIC_WEIGHT")
	if v := os.Getenv("CURATOR_SEEDS"); v != "" {
		parts := strings.Split(v, ",")
		seeds := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				seeds = append(seeds, p)
			}
		}
		c.CuratorSeeds = seeds
	}
}

func setStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
