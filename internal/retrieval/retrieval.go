// Package retrieval answers natural-language queries by descending the
// semantic tree: one global vector search routes the query to promising
// subtrees, per-root searches refine, and memory-aware dedup keeps the
// ranking honest.
package retrieval

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/logging"
	"openviking/internal/model"
	"openviking/internal/trace"
	"openviking/internal/uri"
	"openviking/internal/vectordb"
	"openviking/internal/verrors"
)

// routingChildThreshold is the child count past which a shortlisted root is
// considered "many" and worth a restricted re-search.
const routingChildThreshold = 8

// FindOptions control one query.
type FindOptions struct {
	// TargetURI restricts results to a subtree. Empty = whole namespace.
	TargetURI string

	// Limit bounds the result count. 0 = configured default.
	Limit int

	// ScoreThreshold overrides the configured default when non-nil.
	ScoreThreshold *float64

	// Trace receives vector counters when enabled.
	Trace *trace.Collector
}

// Finding is one ranked result.
type Finding struct {
	URI      string  `json:"uri"`
	Score    float64 `json:"score"`
	Abstract string  `json:"abstract"`
	Category string  `json:"category,omitempty"`
}

// Retriever routes queries through the vector index and the tree.
type Retriever struct {
	vdb      vectordb.VectorDB
	embedder model.Embedder
	fs       *agfs.FS
	cfg      config.RetrievalConfig
	timeout  time.Duration
}

// New creates a Retriever.
func New(vdb vectordb.VectorDB, embedder model.Embedder, fs *agfs.FS, cfg config.RetrievalConfig, searchTimeout time.Duration) *Retriever {
	return &Retriever{vdb: vdb, embedder: embedder, fs: fs, cfg: cfg, timeout: searchTimeout}
}

// Find answers a query with a ranked, deduplicated result list. Vector
// search failures propagate as DEPENDENCY_ERROR: a stale or partial index
// would mislead the caller.
func (r *Retriever) Find(ctx context.Context, query string, opts FindOptions) ([]Finding, error) {
	timer := logging.StartTimer(logging.CategoryRetrieve, "Find")
	defer timer.Stop()

	if strings.TrimSpace(query) == "" {
		return nil, verrors.New(verrors.CodeInvalidArgument, "empty query")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}
	threshold := r.cfg.ScoreThreshold
	if opts.ScoreThreshold != nil {
		threshold = *opts.ScoreThreshold
	}

	// Embed the query once.
	vecs, err := r.embedder.Embed(ctx, []string{query}, vectordb.ModalityText)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeDependencyError, "query embedding failed")
	}
	q := vecs[0]

	scope := opts.TargetURI
	if scope != "" {
		normalized, err := uri.Normalize(scope)
		if err != nil {
			return nil, err
		}
		scope = normalized
	} else {
		scope = uri.Scheme
	}

	shortlistLimit := limit * 4
	if shortlistLimit < 40 {
		shortlistLimit = 40
	}

	// Global shortlist across the scope.
	shortlist, err := r.search(ctx, q, vectordb.SearchOptions{
		TargetURIPrefix: scope,
		Limit:           shortlistLimit,
		ScoreThreshold:  0,
	}, opts.Trace)
	if err != nil {
		return nil, err
	}

	// Route: recurse into shortlisted roots with many children whose own
	// abstract made the shortlist.
	merged := shortlist
	for _, root := range r.routableRoots(ctx, shortlist) {
		sub, err := r.search(ctx, q, vectordb.SearchOptions{
			TargetURIPrefix: root,
			Limit:           shortlistLimit,
			ScoreThreshold:  0,
		}, opts.Trace)
		if err != nil {
			return nil, err
		}
		merged = append(merged, sub...)
	}

	// Distinct URIs, best score wins.
	best := make(map[string]vectordb.Result, len(merged))
	for _, res := range merged {
		if prev, ok := best[res.URI]; !ok || res.Score > prev.Score {
			best[res.URI] = res
		}
	}

	// Filter by threshold, then rank (score desc, URI asc).
	var ranked []vectordb.Result
	for _, res := range best {
		if res.Score >= threshold {
			ranked = append(ranked, res)
		}
	}
	opts.Trace.Count("vector.candidates_after_threshold", float64(len(ranked)))
	sortResults(ranked)

	findings := r.dedupe(ctx, ranked)
	if len(findings) > limit {
		findings = findings[:limit]
	}
	opts.Trace.Set("vector.returned", len(findings))

	r.touchMemories(ctx, findings)
	logging.Retrieve("find %q: %d results (scope %s)", query, len(findings), scope)
	return findings, nil
}

// search is one bounded vector query. Never retried.
func (r *Retriever) search(ctx context.Context, q []float32, sopts vectordb.SearchOptions, tr *trace.Collector) ([]vectordb.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	results, err := r.vdb.Search(callCtx, q, sopts)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeDependencyError, "vector search failed")
	}
	tr.Count("vector.search_calls", 1)
	tr.Count("vector.candidates_scored", float64(len(results)))
	return results, nil
}

// routableRoots picks the subtree roots worth a restricted re-search: their
// own abstract is in the shortlist and they have many children.
func (r *Retriever) routableRoots(ctx context.Context, shortlist []vectordb.Result) []string {
	seen := map[string]bool{}
	var roots []string
	for _, res := range shortlist {
		if res.Source != vectordb.SourceAbstract {
			continue
		}
		root := topLevelRoot(res.URI)
		if root == "" || seen[root] || root != res.URI {
			continue
		}
		seen[root] = true
		children, err := r.fs.Ls(ctx, root, agfs.LsOptions{})
		if err != nil {
			continue
		}
		if len(children) > routingChildThreshold {
			roots = append(roots, root)
		}
	}
	return roots
}

// topLevelRoot maps a URI to its scope-level root, e.g.
// viking://resources/foo/bar -> viking://resources/foo.
func topLevelRoot(u string) string {
	segs := uri.Segments(u)
	switch {
	case len(segs) >= 2 && segs[0] == uri.ScopeResources:
		return uri.Join(uri.Scheme+segs[0], segs[1])
	case len(segs) >= 3 && (segs[0] == uri.ScopeUser || segs[0] == uri.ScopeAgent):
		return uri.Join(uri.Scheme+segs[0], segs[1], segs[2])
	}
	return ""
}

// dedupe collapses duplicate memory assertions: non-event/case memory
// entries with an identical normalised abstract keep only the top scorer;
// event and case entries (and everything else) dedupe by URI alone.
func (r *Retriever) dedupe(ctx context.Context, ranked []vectordb.Result) []Finding {
	seen := map[string]bool{}
	var out []Finding
	for _, res := range ranked {
		abstract := r.abstractFor(ctx, res)
		category := categoryOf(res)

		key := res.URI
		if category != "" && category != "events" && category != "cases" {
			key = category + "|" + NormalizeAbstract(abstract)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Finding{
			URI:      res.URI,
			Score:    res.Score,
			Abstract: abstract,
			Category: category,
		})
	}
	return out
}

// abstractFor resolves the display abstract: the payload copy when present,
// the directory's own abstract file otherwise.
func (r *Retriever) abstractFor(ctx context.Context, res vectordb.Result) string {
	if ab, ok := res.Payload["abstract"].(string); ok && ab != "" {
		return ab
	}
	if ab, err := r.fs.Abstract(ctx, res.URI); err == nil {
		return ab
	}
	// Leaf file without a payload abstract: fall back to its cached summary.
	if data, err := r.fs.Read(ctx, uri.Join(uri.Parent(res.URI), "."+uri.Name(res.URI)+".abstract.md")); err == nil {
		return string(data)
	}
	return ""
}

func categoryOf(res vectordb.Result) string {
	if cat, ok := res.Payload["category"].(string); ok {
		return cat
	}
	return uri.MemoryCategory(res.URI)
}

// touchMemories stamps returned memory entries with a last-active marker so
// lifecycle sweeps can tell fresh memories from stale ones. Best effort:
// retrieval results do not depend on it.
func (r *Retriever) touchMemories(ctx context.Context, findings []Finding) {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, f := range findings {
		if !uri.HasPrefix(f.URI, uri.MemoriesRoot) {
			continue
		}
		for _, source := range []string{vectordb.SourceAbstract, vectordb.SourceRaw} {
			if err := r.vdb.UpdatePayload(ctx, f.URI, source, map[string]interface{}{
				"last_active": now,
			}); err == nil {
				break
			}
		}
	}
}

// NormalizeAbstract pins the dedup normalisation: Unicode NFKC, lower-case,
// whitespace runs collapsed to a single space, leading/trailing whitespace
// stripped.
func NormalizeAbstract(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

func sortResults(results []vectordb.Result) {
	// score desc, URI asc; insertion sort keeps it allocation-free for the
	// small slices seen here.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0; j-- {
			if results[j].Score > results[j-1].Score ||
				(results[j].Score == results[j-1].Score && results[j].URI < results[j-1].URI) {
				results[j], results[j-1] = results[j-1], results[j]
			} else {
				break
			}
		}
	}
}
