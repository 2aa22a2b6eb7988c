package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Parser.CodeSummaryMode != "ast" {
		t.Errorf("code_summary_mode default = %q, want ast", cfg.Parser.CodeSummaryMode)
	}
	if cfg.Queues.MaxConcurrentSemanticJobs != 10 {
		t.Errorf("semantic concurrency default = %d, want 10", cfg.Queues.MaxConcurrentSemanticJobs)
	}
	if cfg.Queues.EmbeddingBatchSize != 32 {
		t.Errorf("embedding batch default = %d, want 32", cfg.Queues.EmbeddingBatchSize)
	}
	if cfg.Timeouts.Summariser != 180*time.Second {
		t.Errorf("summariser timeout default = %v", cfg.Timeouts.Summariser)
	}
	if cfg.Retrieval.ScoreThreshold != 0.3 {
		t.Errorf("score threshold default = %v", cfg.Retrieval.ScoreThreshold)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != ws {
		t.Errorf("workspace = %q, want %q", cfg.Workspace, ws)
	}
	if cfg.AGFSRoot() != filepath.Join(ws, "agfs") {
		t.Errorf("AGFSRoot = %q", cfg.AGFSRoot())
	}
	if cfg.VectorDBPath() != filepath.Join(ws, "vectors", "index.db") {
		t.Errorf("VectorDBPath = %q", cfg.VectorDBPath())
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".viking")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := []byte("parser:\n  code_summary_mode: llm\nqueues:\n  max_concurrent_llm: 4\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(ws)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Parser.CodeSummaryMode != "llm" {
		t.Errorf("code_summary_mode = %q, want llm", cfg.Parser.CodeSummaryMode)
	}
	if cfg.Queues.MaxConcurrentLLM != 4 {
		t.Errorf("max_concurrent_llm = %d, want 4", cfg.Queues.MaxConcurrentLLM)
	}
	// Untouched fields keep defaults.
	if cfg.Queues.MaxConcurrentSemanticJobs != 10 {
		t.Errorf("unrelated default lost: %d", cfg.Queues.MaxConcurrentSemanticJobs)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OPENVIKING_GENAI_API_KEY", "test-key")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Embedding.GenAIAPIKey != "test-key" {
		t.Error("env override for embedding key not applied")
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Error("llm key should inherit genai key when unset")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Parser.CodeSummaryMode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("bogus code_summary_mode should fail validation")
	}

	cfg = DefaultConfig()
	cfg.AGFS.Backend = "s3"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown agfs backend should fail validation")
	}
}
