package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"openviking/internal/verrors"
)

// HTTPDB talks to a remote vector index service. The wire protocol mirrors
// the VectorDB contract one-to-one:
//
//	POST /vectors/upsert  {record}
//	POST /vectors/search  {query, options}      -> [results]
//	POST /vectors/delete  {"prefix"}            -> {"count"}
//	POST /vectors/count   {"prefix"}            -> {"count"}
//	POST /vectors/payload {"uri","source","patch"}
//	POST /vectors/remap   {"old_prefix","new_prefix"} -> {"count"}
type HTTPDB struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDB creates a remote driver client.
func NewHTTPDB(baseURL string, timeout time.Duration) (*HTTPDB, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("vectordb http base url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDB{baseURL: baseURL, client: &http.Client{Timeout: timeout}}, nil
}

// Name identifies the driver.
func (h *HTTPDB) Name() string { return "http" }

// Close is a no-op.
func (h *HTTPDB) Close() error { return nil }

func (h *HTTPDB) post(ctx context.Context, route string, in interface{}, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return verrors.Wrap(err, verrors.CodeInvalidArgument, "vectordb request encoding failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+route, bytes.NewReader(body))
	if err != nil {
		return verrors.Wrap(err, verrors.CodeInvalidArgument, "vectordb request build failed")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "vectordb %s failed", route)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return verrors.Errorf(verrors.CodeNotFound, "vectordb %s: not found", route)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway:
		return verrors.Errorf(verrors.CodeDependencyError, "vectordb %s: status %d", route, resp.StatusCode)
	default:
		return verrors.Errorf(verrors.CodeDependencyError, "vectordb %s: status %d", route, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return verrors.Wrapf(err, verrors.CodeDependencyError, "vectordb %s: bad response", route)
		}
	}
	return nil
}

type countResponse struct {
	Count int `json:"count"`
}

// Upsert stores a vector remotely.
func (h *HTTPDB) Upsert(ctx context.Context, rec Record) error {
	if len(rec.Vector) == 0 {
		return verrors.Errorf(verrors.CodeInvalidArgument, "zero-length vector for %s (%s)", rec.URI, rec.Source)
	}
	return h.post(ctx, "/vectors/upsert", rec, nil)
}

type searchRequest struct {
	Query   []float32     `json:"query"`
	Options SearchOptions `json:"options"`
}

// Search queries the remote index. The driver re-ranks locally so the
// determinism contract holds even for shard-merging providers that may
// return duplicate URIs.
func (h *HTTPDB) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error) {
	var results []Result
	if err := h.post(ctx, "/vectors/search", searchRequest{Query: query, Options: opts}, &results); err != nil {
		return nil, err
	}
	// Dedup duplicate (uri, source) hits across shards, keeping the best.
	best := make(map[string]Result, len(results))
	for _, r := range results {
		r.Score = clampScore(r.Score)
		k := key(r.URI, r.Source)
		if prev, ok := best[k]; !ok || r.Score > prev.Score {
			best[k] = r
		}
	}
	deduped := make([]Result, 0, len(best))
	for _, r := range best {
		if r.Score >= opts.ScoreThreshold {
			deduped = append(deduped, r)
		}
	}
	rankResults(deduped)
	if opts.Limit > 0 && len(deduped) > opts.Limit {
		deduped = deduped[:opts.Limit]
	}
	return deduped, nil
}

// DeletePrefix removes records remotely.
func (h *HTTPDB) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var out countResponse
	if err := h.post(ctx, "/vectors/delete", map[string]string{"prefix": prefix}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// CountPrefix counts records remotely.
func (h *HTTPDB) CountPrefix(ctx context.Context, prefix string) (int, error) {
	var out countResponse
	if err := h.post(ctx, "/vectors/count", map[string]string{"prefix": prefix}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// UpdatePayload patches payload fields remotely.
func (h *HTTPDB) UpdatePayload(ctx context.Context, uriKey, source string, patch map[string]interface{}) error {
	return h.post(ctx, "/vectors/payload", map[string]interface{}{
		"uri": uriKey, "source": source, "patch": patch,
	}, nil)
}

// RemapPrefix rewrites URI keys remotely.
func (h *HTTPDB) RemapPrefix(ctx context.Context, oldPrefix, newPrefix string) (int, error) {
	var out countResponse
	if err := h.post(ctx, "/vectors/remap", map[string]string{
		"old_prefix": oldPrefix, "new_prefix": newPrefix,
	}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}
