package vectordb

import (
	"context"
	"strings"
	"sync"

	"openviking/internal/verrors"
)

// MemoryDB keeps vectors in process memory. Used by tests and short-lived
// tooling; the ranking contract is identical to the sqlite driver.
type MemoryDB struct {
	mu   sync.RWMutex
	recs map[string]Record // key: uri + "\x00" + source
}

// NewMemoryDB creates an empty in-memory index.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{recs: make(map[string]Record)}
}

func key(uriKey, source string) string { return uriKey + "\x00" + source }

// Name identifies the driver.
func (m *MemoryDB) Name() string { return "memory" }

// Close is a no-op.
func (m *MemoryDB) Close() error { return nil }

// Upsert stores a vector, replacing any prior record for (uri, source).
func (m *MemoryDB) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.URI == "" || rec.Source == "" {
		return verrors.New(verrors.CodeInvalidArgument, "upsert requires uri and source")
	}
	if len(rec.Vector) == 0 {
		return verrors.Errorf(verrors.CodeInvalidArgument, "zero-length vector for %s (%s)", rec.URI, rec.Source)
	}
	if rec.Modality == "" {
		rec.Modality = ModalityText
	}
	cp := rec
	cp.Vector = append([]float32(nil), rec.Vector...)
	if rec.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(rec.Payload))
		for k, v := range rec.Payload {
			cp.Payload[k] = v
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[key(rec.URI, rec.Source)] = cp
	return nil
}

// Search ranks all candidate records by cosine similarity.
func (m *MemoryDB) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, verrors.New(verrors.CodeInvalidArgument, "empty query vector")
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []Result
	for _, rec := range m.recs {
		if !matchesPrefix(rec.URI, opts.TargetURIPrefix) {
			continue
		}
		if !sourceAllowed(rec.Source, opts.Sources) {
			continue
		}
		if !levelAllowed(rec.Payload, opts.Levels) {
			continue
		}
		sim, err := CosineSimilarity(query, rec.Vector)
		if err != nil {
			continue
		}
		score := clampScore(sim)
		if score < opts.ScoreThreshold {
			continue
		}
		results = append(results, Result{URI: rec.URI, Source: rec.Source, Score: score, Payload: rec.Payload})
	}

	rankResults(results)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// DeletePrefix removes every record at or below prefix.
func (m *MemoryDB) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for k, rec := range m.recs {
		if matchesPrefix(rec.URI, prefix) {
			delete(m.recs, k)
			count++
		}
	}
	return count, nil
}

// CountPrefix counts records at or below prefix.
func (m *MemoryDB) CountPrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, rec := range m.recs {
		if matchesPrefix(rec.URI, prefix) {
			count++
		}
	}
	return count, nil
}

// UpdatePayload patches payload fields on an existing record.
func (m *MemoryDB) UpdatePayload(ctx context.Context, uriKey, source string, patch map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key(uriKey, source)]
	if !ok {
		return verrors.Errorf(verrors.CodeNotFound, "no vector for %s (%s)", uriKey, source)
	}
	if rec.Payload == nil {
		rec.Payload = make(map[string]interface{})
	}
	for k, v := range patch {
		rec.Payload[k] = v
	}
	m.recs[key(uriKey, source)] = rec
	return nil
}

// RemapPrefix rewrites URI keys after an AGFS subtree move.
func (m *MemoryDB) RemapPrefix(ctx context.Context, oldPrefix, newPrefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for k, rec := range m.recs {
		if !matchesPrefix(rec.URI, oldPrefix) {
			continue
		}
		delete(m.recs, k)
		rec.URI = newPrefix + strings.TrimPrefix(rec.URI, oldPrefix)
		if p, ok := rec.Payload["parent_uri"].(string); ok && strings.HasPrefix(p, oldPrefix) {
			rec.Payload["parent_uri"] = newPrefix + strings.TrimPrefix(p, oldPrefix)
		}
		m.recs[key(rec.URI, rec.Source)] = rec
		count++
	}
	return count, nil
}
