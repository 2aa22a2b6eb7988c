package model

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"openviking/internal/logging"
	"openviking/internal/verrors"
)

// =============================================================================
// GOOGLE GENAI SUMMARISER
// =============================================================================

// GenAISummariser runs completions against Google's Gemini API.
type GenAISummariser struct {
	client *genai.Client
	model  string
}

// NewGenAISummariser creates a GenAI summariser.
func NewGenAISummariser(apiKey, model string) (*GenAISummariser, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAISummariser{client: client, model: model}, nil
}

// Summarise runs one completion with optional inline images.
func (s *GenAISummariser) Summarise(ctx context.Context, prompt string, images []Image) (string, Usage, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "Summarise")
	defer timer.Stop()

	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	for _, img := range images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, nil)
	if err != nil {
		return "", Usage{}, verrors.Wrap(err, verrors.CodeDependencyError, "GenAI completion failed")
	}

	text := resp.Text()
	if text == "" {
		return "", Usage{}, verrors.New(verrors.CodeDependencyError, "GenAI returned empty completion")
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	logging.Get(logging.CategoryAPI).Debug("summarise ok: %d in / %d out tokens", usage.InputTokens, usage.OutputTokens)
	return text, usage, nil
}

// Name returns the engine name.
func (s *GenAISummariser) Name() string {
	return fmt.Sprintf("genai:%s", s.model)
}

// HealthCheck verifies the API is reachable with a minimal token count call.
func (s *GenAISummariser) HealthCheck(ctx context.Context) error {
	contents := []*genai.Content{genai.NewContentFromText("ok", genai.RoleUser)}
	_, err := s.client.Models.CountTokens(ctx, s.model, contents, nil)
	return err
}

// =============================================================================
// GOOGLE GENAI EMBEDDER
// =============================================================================

// GenAIEmbedder generates embeddings using Google's Gemini API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

// NewGenAIEmbedder creates a GenAI embedding engine.
func NewGenAIEmbedder(apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

// Embed generates embeddings for a batch of texts. GenAI has native batch
// support; the retrieval task type biases vectors toward document search.
func (e *GenAIEmbedder) Embed(ctx context.Context, texts []string, modality string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeDependencyError, "GenAI batch embed failed")
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		embeddings[i] = emb.Values
	}
	return validateVectors(embeddings, len(texts))
}

// Dimensions returns the dimensionality of embeddings.
// gemini-embedding-001 produces 768-dimensional vectors.
func (e *GenAIEmbedder) Dimensions() int {
	return 768
}

// Name returns the engine name.
func (e *GenAIEmbedder) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}
