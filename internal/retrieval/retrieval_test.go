package retrieval

import (
	"context"
	"testing"
	"time"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/model"
	"openviking/internal/trace"
	"openviking/internal/uri"
	"openviking/internal/vectordb"
	"openviking/internal/verrors"
)

func setup(t *testing.T) (*Retriever, *vectordb.MemoryDB, *agfs.FS, *model.MockEmbedder) {
	t.Helper()
	fs := agfs.New(agfs.NewMemoryBackend())
	ctx := context.Background()
	for _, root := range []string{uri.ResourcesRoot, uri.MemoriesRoot} {
		if err := fs.Mkdir(ctx, root); err != nil {
			t.Fatal(err)
		}
	}
	vdb := vectordb.NewMemoryDB()
	emb := model.NewMockEmbedder(8)
	r := New(vdb, emb, fs, config.DefaultConfig().Retrieval, 10*time.Second)
	return r, vdb, fs, emb
}

// seed stores an abstract-level record whose vector matches queries embedding
// to the same text.
func seed(t *testing.T, vdb *vectordb.MemoryDB, uriKey, text string, payload map[string]interface{}) {
	t.Helper()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["abstract"] = text
	err := vdb.Upsert(context.Background(), vectordb.Record{
		URI:     uriKey,
		Source:  vectordb.SourceAbstract,
		Vector:  model.HashVector(text, 8),
		Payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFind_ExactMatchRanksFirst(t *testing.T) {
	r, vdb, _, _ := setup(t)
	seed(t, vdb, "viking://resources/vimdoc", "editor configuration guide", nil)
	seed(t, vdb, "viking://resources/cooking", "pasta recipes collection", nil)

	// The mock embedder hashes text, so querying with the exact abstract
	// text yields similarity 1.0 for that record.
	got, err := r.Find(context.Background(), "editor configuration guide", FindOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) == 0 || got[0].URI != "viking://resources/vimdoc" {
		t.Fatalf("top result wrong: %+v", got)
	}
	if got[0].Abstract != "editor configuration guide" {
		t.Errorf("abstract not populated: %+v", got[0])
	}
}

func TestFind_EmptyQueryRejected(t *testing.T) {
	r, _, _, _ := setup(t)
	_, err := r.Find(context.Background(), "  ", FindOptions{})
	if !verrors.Is(err, verrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestFind_ScopeRestriction(t *testing.T) {
	r, vdb, _, _ := setup(t)
	text := "shared topic text"
	seed(t, vdb, "viking://resources/a", text, nil)
	seed(t, vdb, "viking://user/memories/m/facts", text, nil)

	got, err := r.Find(context.Background(), text, FindOptions{TargetURI: "viking://resources", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range got {
		if !uri.HasPrefix(f.URI, "viking://resources") {
			t.Errorf("result escaped scope: %s", f.URI)
		}
	}
	if len(got) != 1 {
		t.Errorf("want 1 scoped result, got %d", len(got))
	}
}

func TestFind_Monotonicity(t *testing.T) {
	// find(q, p) ⊆ find(q, p') for p ⊆ p', ignoring limit.
	r, vdb, _, _ := setup(t)
	text := "monotone subject"
	seed(t, vdb, "viking://resources/doc", text, nil)
	seed(t, vdb, "viking://resources/doc2", text+" variant", nil)

	narrow, err := r.Find(context.Background(), text, FindOptions{TargetURI: "viking://resources/doc", Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	wide, err := r.Find(context.Background(), text, FindOptions{TargetURI: "viking://resources", Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	wideSet := map[string]bool{}
	for _, f := range wide {
		wideSet[f.URI] = true
	}
	for _, f := range narrow {
		if !wideSet[f.URI] {
			t.Errorf("narrow result %s missing from wide scope", f.URI)
		}
	}
}

func TestFind_MemoryDedup(t *testing.T) {
	r, vdb, _, _ := setup(t)
	// Three memory pages asserting the same fact; dedup keeps one.
	text := "User prefers vim."
	for _, u := range []string{
		"viking://user/memories/s1/preferences/editor.md",
		"viking://user/memories/s2/preferences/editor-again.md",
		"viking://user/memories/s3/preferences/editor-third.md",
	} {
		seed(t, vdb, u, text, map[string]interface{}{"category": "preferences", "level": 2})
	}

	got, err := r.Find(context.Background(), text, FindOptions{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, f := range got {
		if NormalizeAbstract(f.Abstract) == NormalizeAbstract(text) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("identical memory abstract returned %d times, want 1", count)
	}
}

func TestFind_EventMemoriesDedupByURIOnly(t *testing.T) {
	r, vdb, _, _ := setup(t)
	text := "Deployed the service."
	seed(t, vdb, "viking://user/memories/s1/events/deploy1.md", text,
		map[string]interface{}{"category": "events"})
	seed(t, vdb, "viking://user/memories/s2/events/deploy2.md", text,
		map[string]interface{}{"category": "events"})

	got, err := r.Find(context.Background(), text, FindOptions{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("event memories must not collapse on abstract, got %d", len(got))
	}
}

func TestFind_ThresholdFilters(t *testing.T) {
	r, vdb, _, _ := setup(t)
	seed(t, vdb, "viking://resources/near", "target text here", nil)
	seed(t, vdb, "viking://resources/far", "completely unrelated content zzz", nil)

	high := 0.99
	got, err := r.Find(context.Background(), "target text here", FindOptions{Limit: 10, ScoreThreshold: &high})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].URI != "viking://resources/near" {
		t.Errorf("threshold filter wrong: %+v", got)
	}
}

func TestFind_TraceCounters(t *testing.T) {
	r, vdb, _, _ := setup(t)
	seed(t, vdb, "viking://resources/doc", "traced content", nil)

	tr := trace.New("find", true, 100)
	_, err := r.Find(context.Background(), "traced content", FindOptions{Limit: 3, Trace: tr})
	if err != nil {
		t.Fatal(err)
	}
	res := tr.Finish("ok")
	if res.Summary.Vector.SearchCalls < 1 {
		t.Errorf("search_calls not counted: %+v", res.Summary.Vector)
	}
	if res.Summary.Vector.Returned != 1 {
		t.Errorf("returned = %d, want 1", res.Summary.Vector.Returned)
	}
}

func TestFind_TouchesMemoryActivity(t *testing.T) {
	r, vdb, _, _ := setup(t)
	text := "User lives in Berlin."
	seed(t, vdb, "viking://user/memories/s1/facts/home.md", text,
		map[string]interface{}{"category": "facts"})

	if _, err := r.Find(context.Background(), text, FindOptions{Limit: 5}); err != nil {
		t.Fatal(err)
	}
	results, _ := vdb.Search(context.Background(), model.HashVector(text, 8), vectordb.SearchOptions{Limit: 1})
	if len(results) != 1 {
		t.Fatal("record missing")
	}
	if _, ok := results[0].Payload["last_active"]; !ok {
		t.Error("memory result should carry a last_active stamp after retrieval")
	}
}

func TestNormalizeAbstract(t *testing.T) {
	cases := []struct{ a, b string }{
		{"User  prefers\tvim.", "user prefers vim."},
		{"  Trimmed  ", "trimmed"},
		{"ＵＰＰＥＲ", "upper"}, // NFKC folds full-width forms
	}
	for _, c := range cases {
		if NormalizeAbstract(c.a) != c.b {
			t.Errorf("NormalizeAbstract(%q) = %q, want %q", c.a, NormalizeAbstract(c.a), c.b)
		}
	}
}
