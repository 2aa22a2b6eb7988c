package vectordb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"openviking/internal/logging"
	"openviking/internal/verrors"
)

// SQLiteDB is the local driver. Embeddings are stored as JSON and scored
// with an in-process cosine scan, which keeps ranking deterministic across
// builds; when the binary is compiled with the sqlite_vec tag the extension
// is registered as well and available for ad-hoc SQL.
type SQLiteDB struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteDB opens (and migrates) the index database at path.
// ":memory:" is accepted for tests.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create vectors directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	// One connection: keeps :memory: databases coherent and serialises
	// writers at the driver level.
	db.SetMaxOpenConns(1)
	s := &SQLiteDB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.VectorDebug("sqlite vector index opened at %s", path)
	return s, nil
}

func (s *SQLiteDB) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uri TEXT NOT NULL,
			source TEXT NOT NULL,
			modality TEXT NOT NULL DEFAULT 'text',
			embedding TEXT NOT NULL,
			payload TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(uri, source)
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_uri ON vectors(uri);
	`)
	if err != nil {
		return fmt.Errorf("vector index migration failed: %w", err)
	}
	return nil
}

// Name identifies the driver.
func (s *SQLiteDB) Name() string { return "sqlite" }

// Close releases the database handle.
func (s *SQLiteDB) Close() error { return s.db.Close() }

// Upsert stores a vector, replacing any prior record for (uri, source).
func (s *SQLiteDB) Upsert(ctx context.Context, rec Record) error {
	timer := logging.StartTimer(logging.CategoryVector, "Upsert")
	defer timer.Stop()

	if rec.URI == "" || rec.Source == "" {
		return verrors.New(verrors.CodeInvalidArgument, "upsert requires uri and source")
	}
	if len(rec.Vector) == 0 {
		return verrors.Errorf(verrors.CodeInvalidArgument, "zero-length vector for %s (%s)", rec.URI, rec.Source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	embJSON, err := json.Marshal(rec.Vector)
	if err != nil {
		return verrors.Wrap(err, verrors.CodeInvalidArgument, "failed to serialize embedding")
	}
	payloadJSON, _ := json.Marshal(rec.Payload)

	modality := rec.Modality
	if modality == "" {
		modality = ModalityText
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vectors (uri, source, modality, embedding, payload) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(uri, source) DO UPDATE SET modality=excluded.modality, embedding=excluded.embedding, payload=excluded.payload`,
		rec.URI, rec.Source, modality, string(embJSON), string(payloadJSON),
	)
	if err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "vector upsert %s", rec.URI)
	}
	return nil
}

// Search scans candidate rows under the prefix and ranks them by cosine
// similarity. Deterministic: ties break by ascending URI.
func (s *SQLiteDB) Search(ctx context.Context, query []float32, opts SearchOptions) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryVector, "Search")
	defer timer.Stop()

	if len(query) == 0 {
		return nil, verrors.New(verrors.CodeInvalidArgument, "empty query vector")
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q := "SELECT uri, source, embedding, payload FROM vectors"
	var args []interface{}
	if opts.TargetURIPrefix != "" && opts.TargetURIPrefix != "viking://" {
		q += " WHERE (uri = ? OR uri LIKE ? ESCAPE '\\')"
		args = append(args, opts.TargetURIPrefix, likePrefix(opts.TargetURIPrefix)+"/%")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CodeDependencyError, "vector search query failed")
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var uriKey, source, embJSON string
		var payloadJSON sql.NullString
		if err := rows.Scan(&uriKey, &source, &embJSON, &payloadJSON); err != nil {
			continue
		}
		if !sourceAllowed(source, opts.Sources) {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			continue
		}
		var payload map[string]interface{}
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &payload)
		}
		if !levelAllowed(payload, opts.Levels) {
			continue
		}
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			continue
		}
		score := clampScore(sim)
		if score < opts.ScoreThreshold {
			continue
		}
		results = append(results, Result{URI: uriKey, Source: source, Score: score, Payload: payload})
	}

	rankResults(results)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	logging.VectorDebug("search returned %d results (prefix=%q)", len(results), opts.TargetURIPrefix)
	return results, nil
}

// DeletePrefix removes every record at or below prefix.
func (s *SQLiteDB) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM vectors WHERE uri = ? OR uri LIKE ? ESCAPE '\\'",
		prefix, likePrefix(prefix)+"/%",
	)
	if err != nil {
		return 0, verrors.Wrapf(err, verrors.CodeDependencyError, "vector delete %s", prefix)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountPrefix counts records at or below prefix.
func (s *SQLiteDB) CountPrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vectors WHERE uri = ? OR uri LIKE ? ESCAPE '\\'",
		prefix, likePrefix(prefix)+"/%",
	).Scan(&n)
	if err != nil {
		return 0, verrors.Wrapf(err, verrors.CodeDependencyError, "vector count %s", prefix)
	}
	return n, nil
}

// UpdatePayload patches payload fields on an existing record.
func (s *SQLiteDB) UpdatePayload(ctx context.Context, uriKey, source string, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payloadJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM vectors WHERE uri = ? AND source = ?",
		uriKey, source,
	).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return verrors.Errorf(verrors.CodeNotFound, "no vector for %s (%s)", uriKey, source)
	}
	if err != nil {
		return verrors.Wrap(err, verrors.CodeDependencyError, "vector payload read failed")
	}

	payload := map[string]interface{}{}
	if payloadJSON.Valid && payloadJSON.String != "" {
		json.Unmarshal([]byte(payloadJSON.String), &payload)
	}
	for k, v := range patch {
		payload[k] = v
	}
	merged, _ := json.Marshal(payload)
	_, err = s.db.ExecContext(ctx,
		"UPDATE vectors SET payload = ? WHERE uri = ? AND source = ?",
		string(merged), uriKey, source,
	)
	return verrors.Wrap(err, verrors.CodeDependencyError, "vector payload update failed")
}

// RemapPrefix rewrites URI keys after an AGFS subtree move.
func (s *SQLiteDB) RemapPrefix(ctx context.Context, oldPrefix, newPrefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, uri, payload FROM vectors WHERE uri = ? OR uri LIKE ? ESCAPE '\\'",
		oldPrefix, likePrefix(oldPrefix)+"/%",
	)
	if err != nil {
		return 0, verrors.Wrap(err, verrors.CodeDependencyError, "vector remap query failed")
	}
	type row struct {
		id      int64
		uri     string
		payload string
	}
	var pending []row
	for rows.Next() {
		var r row
		var payloadJSON sql.NullString
		if err := rows.Scan(&r.id, &r.uri, &payloadJSON); err != nil {
			continue
		}
		r.payload = payloadJSON.String
		pending = append(pending, r)
	}
	rows.Close()

	count := 0
	for _, r := range pending {
		newURI := newPrefix + strings.TrimPrefix(r.uri, oldPrefix)
		payload := map[string]interface{}{}
		if r.payload != "" {
			json.Unmarshal([]byte(r.payload), &payload)
		}
		if _, ok := payload["parent_uri"]; ok {
			if p, ok := payload["parent_uri"].(string); ok && strings.HasPrefix(p, oldPrefix) {
				payload["parent_uri"] = newPrefix + strings.TrimPrefix(p, oldPrefix)
			}
		}
		merged, _ := json.Marshal(payload)
		if _, err := s.db.ExecContext(ctx,
			"UPDATE vectors SET uri = ?, payload = ? WHERE id = ?",
			newURI, string(merged), r.id,
		); err != nil {
			return count, verrors.Wrap(err, verrors.CodeDependencyError, "vector remap update failed")
		}
		count++
	}
	return count, nil
}

// likePrefix escapes LIKE wildcards in a URI prefix.
func likePrefix(p string) string {
	p = strings.ReplaceAll(p, `\`, `\\`)
	p = strings.ReplaceAll(p, "%", `\%`)
	p = strings.ReplaceAll(p, "_", `\_`)
	return p
}
