package vectordb

import (
	"context"
	"testing"

	"openviking/internal/verrors"
)

// drivers under test share one contract; run the suite against both.
func drivers(t *testing.T) map[string]VectorDB {
	t.Helper()
	sq, err := NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("sqlite driver: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]VectorDB{
		"memory": NewMemoryDB(),
		"sqlite": sq,
	}
}

func TestUpsertSearch(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			recs := []Record{
				{URI: "viking://resources/cat", Source: SourceAbstract, Vector: []float32{1, 0, 0}},
				{URI: "viking://resources/dog", Source: SourceAbstract, Vector: []float32{0.9, 0.1, 0}},
				{URI: "viking://resources/car", Source: SourceAbstract, Vector: []float32{0, 0, 1}},
			}
			for _, r := range recs {
				if err := db.Upsert(ctx, r); err != nil {
					t.Fatalf("Upsert: %v", err)
				}
			}

			results, err := db.Search(ctx, []float32{1, 0, 0}, SearchOptions{Limit: 3})
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(results) != 3 {
				t.Fatalf("got %d results, want 3", len(results))
			}
			if results[0].URI != "viking://resources/cat" {
				t.Errorf("top hit = %s, want cat", results[0].URI)
			}
			if results[1].URI != "viking://resources/dog" {
				t.Errorf("second hit = %s, want dog", results[1].URI)
			}
			for _, r := range results {
				if r.Score < 0 || r.Score > 1 {
					t.Errorf("score %f out of [0,1]", r.Score)
				}
			}
		})
	}
}

func TestUpsert_IdempotentOnURISource(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := Record{URI: "viking://resources/doc", Source: SourceAbstract, Vector: []float32{1, 0}}
			if err := db.Upsert(ctx, rec); err != nil {
				t.Fatal(err)
			}
			rec.Vector = []float32{0, 1}
			if err := db.Upsert(ctx, rec); err != nil {
				t.Fatal(err)
			}

			n, err := db.CountPrefix(ctx, "viking://resources/doc")
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("re-upsert must replace, count = %d", n)
			}

			results, _ := db.Search(ctx, []float32{0, 1}, SearchOptions{Limit: 1})
			if len(results) != 1 || results[0].Score < 0.99 {
				t.Errorf("replaced vector not searchable: %+v", results)
			}
		})
	}
}

func TestUpsert_RejectsZeroLengthVector(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			err := db.Upsert(context.Background(), Record{URI: "viking://resources/x", Source: SourceRaw})
			if !verrors.Is(err, verrors.CodeInvalidArgument) {
				t.Errorf("zero-length vector should be rejected, got %v", err)
			}
		})
	}
}

func TestSearch_PrefixFilter(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db.Upsert(ctx, Record{URI: "viking://resources/doc", Source: SourceAbstract, Vector: []float32{1, 0}})
			db.Upsert(ctx, Record{URI: "viking://resourcesX/doc", Source: SourceAbstract, Vector: []float32{1, 0}})
			db.Upsert(ctx, Record{URI: "viking://user/memories/m", Source: SourceAbstract, Vector: []float32{1, 0}})

			results, err := db.Search(ctx, []float32{1, 0}, SearchOptions{TargetURIPrefix: "viking://resources", Limit: 10})
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 1 || results[0].URI != "viking://resources/doc" {
				t.Errorf("prefix filter leaked: %+v", results)
			}
		})
	}
}

func TestSearch_TieBreakByURI(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db.Upsert(ctx, Record{URI: "viking://resources/b", Source: SourceAbstract, Vector: []float32{1, 0}})
			db.Upsert(ctx, Record{URI: "viking://resources/a", Source: SourceAbstract, Vector: []float32{1, 0}})

			results, err := db.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 2})
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 2 || results[0].URI != "viking://resources/a" {
				t.Errorf("equal scores must order by URI ascending: %+v", results)
			}
		})
	}
}

func TestSearch_Threshold(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db.Upsert(ctx, Record{URI: "viking://resources/near", Source: SourceAbstract, Vector: []float32{1, 0}})
			db.Upsert(ctx, Record{URI: "viking://resources/far", Source: SourceAbstract, Vector: []float32{0, 1}})

			results, err := db.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 10, ScoreThreshold: 0.5})
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 1 || results[0].URI != "viking://resources/near" {
				t.Errorf("threshold not applied: %+v", results)
			}
		})
	}
}

func TestSearch_LevelFilter(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db.Upsert(ctx, Record{URI: "viking://resources/d", Source: SourceAbstract, Vector: []float32{1, 0}, Payload: map[string]interface{}{"level": 0}})
			db.Upsert(ctx, Record{URI: "viking://resources/d/leaf.md", Source: SourceRaw, Vector: []float32{1, 0}, Payload: map[string]interface{}{"level": 2}})

			results, err := db.Search(ctx, []float32{1, 0}, SearchOptions{Limit: 10, Levels: []int{0, 1}})
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 1 || results[0].URI != "viking://resources/d" {
				t.Errorf("level filter wrong: %+v", results)
			}
		})
	}
}

func TestDeleteAndCountPrefix(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db.Upsert(ctx, Record{URI: "viking://resources/doc", Source: SourceAbstract, Vector: []float32{1}})
			db.Upsert(ctx, Record{URI: "viking://resources/doc", Source: SourceOverview, Vector: []float32{1}})
			db.Upsert(ctx, Record{URI: "viking://resources/doc/a.md", Source: SourceRaw, Vector: []float32{1}})
			db.Upsert(ctx, Record{URI: "viking://resources/other", Source: SourceAbstract, Vector: []float32{1}})

			n, err := db.CountPrefix(ctx, "viking://resources/doc")
			if err != nil || n != 3 {
				t.Fatalf("CountPrefix = %d %v, want 3", n, err)
			}

			deleted, err := db.DeletePrefix(ctx, "viking://resources/doc")
			if err != nil || deleted != 3 {
				t.Fatalf("DeletePrefix = %d %v, want 3", deleted, err)
			}

			n, _ = db.CountPrefix(ctx, "viking://resources")
			if n != 1 {
				t.Errorf("unrelated record lost, count = %d", n)
			}
		})
	}
}

func TestUpdatePayload(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db.Upsert(ctx, Record{URI: "viking://user/memories/m", Source: SourceAbstract, Vector: []float32{1}, Payload: map[string]interface{}{"active_count": 0}})

			if err := db.UpdatePayload(ctx, "viking://user/memories/m", SourceAbstract, map[string]interface{}{"active_count": 1}); err != nil {
				t.Fatalf("UpdatePayload: %v", err)
			}
			results, _ := db.Search(ctx, []float32{1}, SearchOptions{Limit: 1})
			if len(results) != 1 {
				t.Fatal("record missing")
			}
			got := results[0].Payload["active_count"]
			switch v := got.(type) {
			case int:
				if v != 1 {
					t.Errorf("active_count = %d", v)
				}
			case float64:
				if v != 1 {
					t.Errorf("active_count = %f", v)
				}
			default:
				t.Errorf("active_count type %T", got)
			}

			err := db.UpdatePayload(ctx, "viking://user/memories/none", SourceAbstract, nil)
			if !verrors.Is(err, verrors.CodeNotFound) {
				t.Errorf("missing record should be NOT_FOUND, got %v", err)
			}
		})
	}
}

func TestRemapPrefix(t *testing.T) {
	for name, db := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db.Upsert(ctx, Record{
				URI: "viking://temp/u1/doc", Source: SourceAbstract, Vector: []float32{1},
				Payload: map[string]interface{}{"parent_uri": "viking://temp/u1"},
			})

			n, err := db.RemapPrefix(ctx, "viking://temp/u1", "viking://resources")
			if err != nil || n != 1 {
				t.Fatalf("RemapPrefix = %d %v", n, err)
			}
			results, _ := db.Search(ctx, []float32{1}, SearchOptions{TargetURIPrefix: "viking://resources", Limit: 5})
			if len(results) != 1 || results[0].URI != "viking://resources/doc" {
				t.Errorf("remap result: %+v", results)
			}
			if p, _ := results[0].Payload["parent_uri"].(string); p != "viking://resources" {
				t.Errorf("parent_uri not remapped: %v", results[0].Payload)
			}
		})
	}
}

func TestUpsertWithRetry_NonTransientFailsFast(t *testing.T) {
	db := NewMemoryDB()
	err := UpsertWithRetry(context.Background(), db, Record{URI: "viking://resources/x", Source: SourceRaw})
	if !verrors.Is(err, verrors.CodeInvalidArgument) {
		t.Errorf("non-transient error must not be retried into DEPENDENCY_ERROR, got %v", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	if err != nil || sim < 0.999 {
		t.Errorf("identical vectors: %f %v", sim, err)
	}
	if _, err := CosineSimilarity([]float32{1}, []float32{1, 0}); err == nil {
		t.Error("dimension mismatch must error")
	}
	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 0})
	if err != nil || sim != 0 {
		t.Errorf("zero magnitude: %f %v", sim, err)
	}
}
