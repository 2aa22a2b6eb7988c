package model

import (
	"context"
	"testing"

	"openviking/internal/config"
	"openviking/internal/verrors"
)

func TestMockSummariser_Deterministic(t *testing.T) {
	m := NewMockSummariser()
	ctx := context.Background()

	a1, u1, err := m.Summarise(ctx, "describe the doc\nbody", nil)
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	a2, _, err := m.Summarise(ctx, "describe the doc\nbody", nil)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Error("identical prompts must produce identical summaries")
	}
	if u1.Total() == 0 {
		t.Error("usage should be non-zero")
	}
	if m.CallCount() != 2 {
		t.Errorf("CallCount = %d, want 2", m.CallCount())
	}
}

func TestMockEmbedder_HashVectors(t *testing.T) {
	m := NewMockEmbedder(8)
	ctx := context.Background()

	vecs, err := m.Embed(ctx, []string{"alpha", "alpha", "beta"}, "text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 || len(vecs[0]) != 8 {
		t.Fatalf("shape wrong: %d x %d", len(vecs), len(vecs[0]))
	}
	for i := range vecs[0] {
		if vecs[0][i] != vecs[1][i] {
			t.Fatal("same text must embed identically")
		}
	}
	same := true
	for i := range vecs[0] {
		if vecs[0][i] != vecs[2][i] {
			same = false
		}
	}
	if same {
		t.Error("distinct texts should not collide")
	}
}

func TestValidateVectors_RejectsZeroLength(t *testing.T) {
	m := NewMockEmbedder(4)
	m.EmbedFunc = func(ctx context.Context, texts []string, modality string) ([][]float32, error) {
		return validateVectors([][]float32{{1, 2}, {}}, len(texts))
	}
	_, err := m.Embed(context.Background(), []string{"a", "b"}, "text")
	if !verrors.Is(err, verrors.CodeDependencyError) {
		t.Errorf("zero-length vector should be DEPENDENCY_ERROR, got %v", err)
	}
}

func TestValidateVectors_CountMismatch(t *testing.T) {
	_, err := validateVectors([][]float32{{1}}, 2)
	if !verrors.Is(err, verrors.CodeDependencyError) {
		t.Errorf("count mismatch should be DEPENDENCY_ERROR, got %v", err)
	}
}

func TestFactories(t *testing.T) {
	if _, err := NewSummariser(config.LLMConfig{Provider: "mock"}); err != nil {
		t.Errorf("mock summariser factory: %v", err)
	}
	if _, err := NewSummariser(config.LLMConfig{Provider: "nope"}); err == nil {
		t.Error("unknown summariser provider should fail")
	}
	if _, err := NewEmbedder(config.EmbeddingConfig{Provider: "mock"}); err != nil {
		t.Errorf("mock embedder factory: %v", err)
	}
	if _, err := NewEmbedder(config.EmbeddingConfig{Provider: "nope"}); err == nil {
		t.Error("unknown embedding provider should fail")
	}
	if _, err := NewSummariser(config.LLMConfig{Provider: "genai"}); err == nil {
		t.Error("genai without api key should fail")
	}
}

func TestOllamaEmbedder_RejectsMultimodal(t *testing.T) {
	e, err := NewOllamaEmbedder("", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Embed(context.Background(), []string{"x"}, "multimodal")
	if !verrors.Is(err, verrors.CodeInvalidArgument) {
		t.Errorf("multimodal on ollama should be INVALID_ARGUMENT, got %v", err)
	}
}
