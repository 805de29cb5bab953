// Package config loads strand configuration: defaults, then an optional
// TOML file, then environment overrides. Env always wins.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig             `toml:"server"`
	Database  DatabaseConfig           `toml:"database"`
	Backends  map[string]BackendConfig `toml:"backends"`
	RAG       RAGConfig                `toml:"rag"`
	Retrieval RetrievalConfig          `toml:"retrieval"`
	Search    SearchConfig             `toml:"search"`
	Observer  ObserverConfig           `toml:"observer"`

	DefaultBackend       string `toml:"default_backend"`
	SummarizationBackend string `toml:"summarization_backend"`
}

type ServerConfig struct {
	Addr             string `toml:"addr"`
	HeartbeatSeconds int    `toml:"heartbeat_seconds"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite database file.
	Path string `toml:"path"`
	// DSN is the Postgres connection string.
	DSN string `toml:"dsn"`
	// EmbeddingDimensions sizes the pgvector columns.
	EmbeddingDimensions int `toml:"embedding_dimensions"`
}

type BackendConfig struct {
	APIKey    string  `toml:"api_key"`
	BaseURL   string  `toml:"base_url"`
	Model     string  `toml:"model"`
	TimeoutS  int     `toml:"timeout_seconds"`
	MaxTokens int     `toml:"max_tokens"`
	Temp      float64 `toml:"temperature"`
}

// Timeout returns the configured request timeout, zero when unset.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutS) * time.Second
}

type RAGConfig struct {
	Enabled            bool   `toml:"enabled"`
	EmbeddingModel     string `toml:"embedding_model"`
	EmbeddingBatchSize int    `toml:"embedding_batch_size"`
	MaxTokensPerChunk  int    `toml:"max_tokens_per_chunk"`
}

type RetrievalConfig struct {
	// Strategy is "dense", "keyword", or "hybrid".
	Strategy  string  `toml:"strategy"`
	TopK      int     `toml:"top_k"`
	Threshold float64 `toml:"threshold"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080", HeartbeatSeconds: 15},
		Database: DatabaseConfig{Driver: "sqlite", Path: "strand.db", EmbeddingDimensions: 768},
		Backends: map[string]BackendConfig{},
		RAG: RAGConfig{
			EmbeddingBatchSize: 100,
			MaxTokensPerChunk:  1000,
		},
		Retrieval: RetrievalConfig{
			Strategy:  "hybrid",
			TopK:      10,
			Threshold: 0.3,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "strand.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}
	if cfg.Backends == nil {
		cfg.Backends = map[string]BackendConfig{}
	}

	// Env overrides
	if v := os.Getenv("AI_DEFAULT_BACKEND"); v != "" {
		cfg.DefaultBackend = v
	}
	if v := os.Getenv("AI_SUMMARIZATION_BACKEND"); v != "" {
		cfg.SummarizationBackend = v
	}
	if v := os.Getenv("AI_RAG_ENABLED"); v != "" {
		cfg.RAG.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AI_RAG_EMBEDDING_MODEL"); v != "" {
		cfg.RAG.EmbeddingModel = v
	}
	if n, ok := envInt("AI_RAG_EMBEDDING_BATCH_SIZE"); ok {
		cfg.RAG.EmbeddingBatchSize = n
	}
	if v := os.Getenv("AI_RETRIEVAL_STRATEGY"); v != "" {
		cfg.Retrieval.Strategy = v
	}
	if n, ok := envInt("AI_RETRIEVAL_TOP_K"); ok {
		cfg.Retrieval.TopK = n
	}
	if f, ok := envFloat("AI_RETRIEVAL_THRESHOLD"); ok {
		cfg.Retrieval.Threshold = f
	}
	if n, ok := envInt("AI_DOCUMENT_MAX_TOKENS_PER_CHUNK"); ok {
		cfg.RAG.MaxTokensPerChunk = n
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("OBSERVER_ENABLED"); v != "" {
		cfg.Observer.Enabled = v == "true" || v == "1"
	}

	// Per-backend env overrides, keyed by uppercased backend name:
	// OPENAI_API_KEY, ANTHROPIC_BASE_URL, OLLAMA_MODEL, and so on.
	for _, key := range []string{"openai", "anthropic", "ollama"} {
		b := cfg.Backends[key]
		prefix := strings.ToUpper(key) + "_"
		changed := false
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			b.APIKey = v
			changed = true
		}
		if v := os.Getenv(prefix + "BASE_URL"); v != "" {
			b.BaseURL = v
			changed = true
		}
		if v := os.Getenv(prefix + "MODEL"); v != "" {
			b.Model = v
			changed = true
		}
		if n, ok := envInt(prefix + "TIMEOUT"); ok {
			b.TimeoutS = n
			changed = true
		}
		if n, ok := envInt(prefix + "MAX_TOKENS"); ok {
			b.MaxTokens = n
			changed = true
		}
		if changed {
			cfg.Backends[key] = b
		}
	}

	// Fallbacks
	if cfg.SummarizationBackend == "" {
		cfg.SummarizationBackend = cfg.DefaultBackend
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
