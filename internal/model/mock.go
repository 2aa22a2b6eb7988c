package model

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// MockSummariser is a deterministic summariser for tests and dry runs.
// Function fields override individual behaviours.
type MockSummariser struct {
	SummariseFunc func(ctx context.Context, prompt string, images []Image) (string, Usage, error)

	mu    sync.Mutex
	calls []string
}

// NewMockSummariser creates a mock with deterministic default output.
func NewMockSummariser() *MockSummariser {
	return &MockSummariser{}
}

// Summarise records the call and returns a deterministic digest of the
// prompt unless SummariseFunc overrides it.
func (m *MockSummariser) Summarise(ctx context.Context, prompt string, images []Image) (string, Usage, error) {
	m.mu.Lock()
	m.calls = append(m.calls, prompt)
	m.mu.Unlock()

	if m.SummariseFunc != nil {
		return m.SummariseFunc(ctx, prompt, images)
	}
	if err := ctx.Err(); err != nil {
		return "", Usage{}, err
	}
	// First line of the prompt, fingerprinted, so outputs differ by input
	// but stay reproducible.
	first := prompt
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	sum := sha256.Sum256([]byte(prompt))
	out := fmt.Sprintf("Summary of %q (%x).", strings.TrimSpace(first), sum[:4])
	return out, Usage{InputTokens: len(prompt) / 4, OutputTokens: len(out) / 4}, nil
}

// Calls returns the prompts seen so far.
func (m *MockSummariser) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount returns the number of Summarise invocations.
func (m *MockSummariser) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Name returns the engine name.
func (m *MockSummariser) Name() string { return "mock" }

// MockEmbedder is a deterministic embedder for tests. Vectors are derived
// from a content hash, so identical texts embed identically and distinct
// texts almost never collide.
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, texts []string, modality string) ([][]float32, error)

	dims  int
	calls atomic.Int64
}

// NewMockEmbedder creates a mock with the given dimensionality.
func NewMockEmbedder(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 8
	}
	return &MockEmbedder{dims: dims}
}

// Embed returns hash-derived unit-ish vectors unless EmbedFunc overrides it.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string, modality string) ([][]float32, error) {
	m.calls.Add(1)
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts, modality)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashVector(t, m.dims)
	}
	return validateVectors(out, len(texts))
}

// CallCount returns the number of Embed invocations.
func (m *MockEmbedder) CallCount() int { return int(m.calls.Load()) }

// Dimensions returns the configured dimensionality.
func (m *MockEmbedder) Dimensions() int { return m.dims }

// Name returns the engine name.
func (m *MockEmbedder) Name() string { return "mock" }

// HashVector derives a deterministic vector from text content. Shared with
// tests that need to predict similarity relationships.
func HashVector(text string, dims int) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, dims)
	for i := 0; i < dims; i++ {
		b := sum[i%len(sum)]
		vec[i] = float32(int(b)-128) / 128.0
	}
	return vec
}
