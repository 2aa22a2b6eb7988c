// Package model provides the two-method capability the engine needs from
// language models: summarisation (LLM/VLM) and embedding generation.
// Backends: Google GenAI (cloud) for both, Ollama (local) for embeddings,
// and function-field mocks for tests.
package model

import (
	"context"
	"fmt"

	"openviking/internal/config"
	"openviking/internal/verrors"
)

// Usage reports token consumption of one summariser call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input + output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Image is an inline image handed to the summariser.
type Image struct {
	MIMEType string
	Data     []byte
}

// Summariser produces text from a prompt and optional images.
type Summariser interface {
	// Summarise runs one completion. Errors are transient (retryable) when
	// they carry TIMEOUT / DEPENDENCY_ERROR, terminal otherwise.
	Summarise(ctx context.Context, prompt string, images []Image) (string, Usage, error)

	// Name identifies the backend for logs and ready checks.
	Name() string
}

// Embedder generates vector embeddings for a batch of texts.
type Embedder interface {
	// Embed returns one vector per input text, in order. A zero-length
	// vector in the response is rejected with DEPENDENCY_ERROR.
	Embed(ctx context.Context, texts []string, modality string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is an optional interface for engines that support
// reachability checks. Used by ready().
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewSummariser creates a summariser from configuration.
func NewSummariser(cfg config.LLMConfig) (Summariser, error) {
	switch cfg.Provider {
	case "genai":
		return NewGenAISummariser(cfg.APIKey, cfg.Model)
	case "mock":
		return NewMockSummariser(), nil
	}
	return nil, fmt.Errorf("unsupported llm provider: %s (use 'genai' or 'mock')", cfg.Provider)
}

// NewEmbedder creates an embedder from configuration.
func NewEmbedder(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEmbedder(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEmbedder(cfg.GenAIAPIKey, cfg.GenAIModel)
	case "mock":
		return NewMockEmbedder(8), nil
	}
	return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai' or 'mock')", cfg.Provider)
}

// validateVectors rejects empty or zero-length embeddings; a provider that
// returns them would silently poison the index.
func validateVectors(vecs [][]float32, want int) ([][]float32, error) {
	if len(vecs) != want {
		return nil, verrors.Errorf(verrors.CodeDependencyError, "embedder returned %d vectors, want %d", len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, verrors.Errorf(verrors.CodeDependencyError, "embedder returned zero-length vector at index %d", i)
		}
	}
	return vecs, nil
}
