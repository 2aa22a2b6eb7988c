// Package vectordb provides the nearest-neighbour index keyed by URI and
// artefact source. Drivers: sqlite (local, default), memory (tests) and
// http (remote service).
package vectordb

import (
	"context"
	"math"
	"sort"
	"time"

	"openviking/internal/logging"
	"openviking/internal/verrors"
)

// Source identifies which artefact a vector was derived from.
const (
	SourceAbstract = "abstract"
	SourceOverview = "overview"
	SourceRaw      = "raw"
)

// Modality of the embedded content.
const (
	ModalityText       = "text"
	ModalityMultimodal = "multimodal"
)

// Record is one vector with its addressing key and payload.
// Upserts are idempotent on (URI, Source).
type Record struct {
	URI      string                 `json:"uri"`
	Source   string                 `json:"source"`
	Modality string                 `json:"modality"`
	Vector   []float32              `json:"vector"`
	Payload  map[string]interface{} `json:"payload"`
}

// Result is one ranked search hit. Scores are clamped into [0, 1].
type Result struct {
	URI     string                 `json:"uri"`
	Source  string                 `json:"source"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// SearchOptions filters and bounds a search.
type SearchOptions struct {
	// TargetURIPrefix restricts hits to a subtree. Empty = whole namespace.
	TargetURIPrefix string

	// Limit bounds the result count. The sqlite and memory drivers use 10
	// when it is not positive; the http driver then applies no bound.
	Limit int

	// ScoreThreshold drops hits scoring below it (after clamping).
	ScoreThreshold float64

	// Levels restricts hits to payload levels (0=abstract, 1=overview,
	// 2=leaf raw). Nil = all levels.
	Levels []int

	// Sources restricts hits to artefact sources. Nil = all.
	Sources []string
}

// VectorDB is the engine-facing index contract.
type VectorDB interface {
	// Upsert stores a vector, replacing any prior record for (uri, source).
	Upsert(ctx context.Context, rec Record) error

	// Search returns hits sorted by descending score, ties broken by
	// ascending URI. Never retried; callers tolerate empty results.
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error)

	// DeletePrefix removes every record whose URI sits at or below prefix.
	// Returns the number of records removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// CountPrefix counts records at or below prefix.
	CountPrefix(ctx context.Context, prefix string) (int, error)

	// UpdatePayload patches payload fields of an existing record.
	UpdatePayload(ctx context.Context, uriKey, source string, patch map[string]interface{}) error

	// RemapPrefix rewrites URI keys (and parent_uri payloads) when an AGFS
	// subtree moves. Returns the number of records remapped.
	RemapPrefix(ctx context.Context, oldPrefix, newPrefix string) (int, error)

	// Name identifies the driver for logs and ready checks.
	Name() string

	// Close releases driver resources.
	Close() error
}

// Retry policy for transient upsert failures.
const (
	retryBase     = 500 * time.Millisecond
	retryCap      = 30 * time.Second
	retryAttempts = 5
)

// UpsertWithRetry applies the standard exponential backoff policy to a
// transient-failing upsert. Non-transient errors return immediately.
func UpsertWithRetry(ctx context.Context, db VectorDB, rec Record) error {
	var err error
	delay := retryBase
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = db.Upsert(ctx, rec)
		if err == nil {
			return nil
		}
		if !verrors.IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		logging.Vector("upsert retry %d/%d for %s (%s): %v", attempt, retryAttempts, rec.URI, rec.Source, err)
		select {
		case <-ctx.Done():
			return verrors.Wrap(ctx.Err(), verrors.CodeCancelled, "upsert cancelled")
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
	return verrors.Wrapf(err, verrors.CodeDependencyError, "upsert exhausted %d attempts for %s", retryAttempts, rec.URI)
}

// CosineSimilarity calculates cosine similarity between two vectors.
// Returns 0 for zero-magnitude input.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, verrors.Errorf(verrors.CodeInvalidArgument, "vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// clampScore folds provider similarity into [0, 1].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// rankResults applies the deterministic ordering contract: score descending,
// URI ascending on ties.
func rankResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].URI < results[j].URI
	})
}

// matchesPrefix mirrors the AGFS subtree containment rule.
func matchesPrefix(u, prefix string) bool {
	if prefix == "" || prefix == "viking://" {
		return true
	}
	if u == prefix {
		return true
	}
	return len(u) > len(prefix) && u[:len(prefix)] == prefix && u[len(prefix)] == '/'
}

func levelAllowed(payload map[string]interface{}, levels []int) bool {
	if levels == nil {
		return true
	}
	raw, ok := payload["level"]
	if !ok {
		return false
	}
	var lvl int
	switch v := raw.(type) {
	case int:
		lvl = v
	case int64:
		lvl = int(v)
	case float64:
		lvl = int(v)
	default:
		return false
	}
	for _, l := range levels {
		if l == lvl {
			return true
		}
	}
	return false
}

func sourceAllowed(source string, sources []string) bool {
	if sources == nil {
		return true
	}
	for _, s := range sources {
		if s == source {
			return true
		}
	}
	return false
}
