// Package config holds all OpenViking engine configuration.
// One central record per component; absent fields fall back to the
// documented defaults from DefaultConfig.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"openviking/internal/logging"
)

// Config holds all engine configuration.
type Config struct {
	// Workspace is the root directory for all persisted state.
	Workspace string `yaml:"workspace"`

	// AGFS backend selection
	AGFS AGFSConfig `yaml:"agfs"`

	// VectorDB backend selection
	VectorDB VectorDBConfig `yaml:"vectordb"`

	// Summariser (LLM/VLM) endpoint
	LLM LLMConfig `yaml:"llm"`

	// Embedder endpoint
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Parser registry and splitting policy
	Parser ParserConfig `yaml:"parser"`

	// Queue workers
	Queues QueueConfig `yaml:"queues"`

	// Retriever defaults
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Per-call-site timeouts
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Trace collection
	Trace TraceConfig `yaml:"trace"`

	// Logging
	Logging logging.Settings `yaml:"logging"`
}

// AGFSConfig configures the filesystem adapter.
type AGFSConfig struct {
	// Backend: "local", "memory" or "http"
	Backend string `yaml:"backend"`

	// Root directory for the local backend; defaults to <workspace>/agfs
	Root string `yaml:"root"`

	// BaseURL for the http backend
	BaseURL string `yaml:"base_url"`

	// TempGracePeriod before orphaned scratch trees are garbage-collected
	TempGracePeriod time.Duration `yaml:"temp_grace_period"`
}

// VectorDBConfig configures the vector index.
type VectorDBConfig struct {
	// Backend: "sqlite", "memory" or "http"
	Backend string `yaml:"backend"`

	// Path of the sqlite database; defaults to <workspace>/vectors/index.db
	Path string `yaml:"path"`

	// BaseURL for the http backend
	BaseURL string `yaml:"base_url"`
}

// LLMConfig configures the summariser capability.
type LLMConfig struct {
	// Provider: "genai" or "mock"
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// EmbeddingConfig configures the embedder capability.
// Supports Ollama (local) and GenAI (cloud) backends, plus "mock" for tests.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "ollama", "genai" or "mock"

	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "embeddinggemma"

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"
}

// ParserConfig configures input parsing and the splitting policy.
type ParserConfig struct {
	// CodeSummaryMode: "ast", "llm" or "ast_llm"
	CodeSummaryMode string `yaml:"code_summary_mode"`

	// Split thresholds in approximate tokens (1 token = 4 chars)
	MaxSectionTokens   int `yaml:"max_section_tokens"`   // Default 1024
	MergeSectionTokens int `yaml:"merge_section_tokens"` // Default 512

	// Minimum line count before the AST skeleton shortcut applies
	ASTMinLines int `yaml:"ast_min_lines"` // Default 100
}

// QueueConfig configures the semantic and embedding workers.
type QueueConfig struct {
	MaxConcurrentSemanticJobs int           `yaml:"max_concurrent_semantic_jobs"` // Default 10
	MaxConcurrentLLM          int           `yaml:"max_concurrent_llm"`           // Default 10
	MaxImagesPerCall          int           `yaml:"max_images_per_call"`          // Default 10
	MaxSectionsPerCall        int           `yaml:"max_sections_per_call"`        // Default 20
	EmbeddingBatchSize        int           `yaml:"embedding_batch_size"`         // Default 32
	LeaseTimeout              time.Duration `yaml:"lease_timeout"`                // Default 10m
	MaxAttempts               int           `yaml:"max_attempts"`                 // Default 5
	PollInterval              time.Duration `yaml:"poll_interval"`                // Default 500ms
}

// RetrievalConfig configures the hierarchical retriever.
type RetrievalConfig struct {
	ScoreThreshold float64 `yaml:"score_threshold"` // Default 0.3
	DefaultLimit   int     `yaml:"default_limit"`   // Default 10
}

// TimeoutConfig bounds individual dependency calls.
type TimeoutConfig struct {
	Summariser time.Duration `yaml:"summariser"` // Default 180s
	Embedder   time.Duration `yaml:"embedder"`   // Default 60s
	AGFS       time.Duration `yaml:"agfs"`       // Default 30s
	Search     time.Duration `yaml:"search"`     // Default 10s
}

// TraceConfig bounds request trace collection.
type TraceConfig struct {
	MaxEvents int `yaml:"max_events"` // Default 500
}

// DefaultConfig returns the documented defaults for every component.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".viking-data",
		AGFS: AGFSConfig{
			Backend:         "local",
			TempGracePeriod: 1 * time.Hour,
		},
		VectorDB: VectorDBConfig{
			Backend: "sqlite",
		},
		LLM: LLMConfig{
			Provider: "genai",
			Model:    "gemini-2.0-flash",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Parser: ParserConfig{
			CodeSummaryMode:    "ast",
			MaxSectionTokens:   1024,
			MergeSectionTokens: 512,
			ASTMinLines:        100,
		},
		Queues: QueueConfig{
			MaxConcurrentSemanticJobs: 10,
			MaxConcurrentLLM:          10,
			MaxImagesPerCall:          10,
			MaxSectionsPerCall:        20,
			EmbeddingBatchSize:        32,
			LeaseTimeout:              10 * time.Minute,
			MaxAttempts:               5,
			PollInterval:              500 * time.Millisecond,
		},
		Retrieval: RetrievalConfig{
			ScoreThreshold: 0.3,
			DefaultLimit:   10,
		},
		Timeouts: TimeoutConfig{
			Summariser: 180 * time.Second,
			Embedder:   60 * time.Second,
			AGFS:       30 * time.Second,
			Search:     10 * time.Second,
		},
		Trace: TraceConfig{
			MaxEvents: 500,
		},
		Logging: logging.Settings{
			Level: "info",
		},
	}
}

// Load reads config from <workspace>/.viking/config.yaml, merging over
// defaults. A missing file is not an error.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()
	if workspace != "" {
		cfg.Workspace = workspace
	}

	path := filepath.Join(cfg.Workspace, ".viking", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides lets secrets stay out of the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPENVIKING_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("OPENVIKING_GENAI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = v
		}
	}
	if v := os.Getenv("OPENVIKING_OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.AGFS.Backend {
	case "local", "memory", "http":
	default:
		return fmt.Errorf("unknown agfs backend %q", c.AGFS.Backend)
	}
	switch c.VectorDB.Backend {
	case "sqlite", "http", "memory":
	default:
		return fmt.Errorf("unknown vectordb backend %q", c.VectorDB.Backend)
	}
	switch c.Parser.CodeSummaryMode {
	case "ast", "llm", "ast_llm":
	default:
		return fmt.Errorf("unknown code_summary_mode %q", c.Parser.CodeSummaryMode)
	}
	if c.Queues.MaxConcurrentSemanticJobs <= 0 || c.Queues.MaxConcurrentLLM <= 0 {
		return fmt.Errorf("queue concurrency caps must be positive")
	}
	if c.Parser.MaxSectionTokens <= 0 || c.Parser.MergeSectionTokens <= 0 {
		return fmt.Errorf("parser token thresholds must be positive")
	}
	return nil
}

// AGFSRoot resolves the local backend root directory.
func (c *Config) AGFSRoot() string {
	if c.AGFS.Root != "" {
		return c.AGFS.Root
	}
	return filepath.Join(c.Workspace, "agfs")
}

// VectorDBPath resolves the sqlite index path.
func (c *Config) VectorDBPath() string {
	if c.VectorDB.Path != "" {
		return c.VectorDB.Path
	}
	return filepath.Join(c.Workspace, "vectors", "index.db")
}
