package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"openviking/internal/agfs"
	"openviking/internal/logging"
	"openviking/internal/uri"
	"openviking/internal/verrors"
)

// Queue prefixes under the reserved system namespace.
var (
	SemanticQueueRoot  = uri.Join(uri.SystemRoot, "queues", "semantic")
	EmbeddingQueueRoot = uri.Join(uri.SystemRoot, "queues", "embedding")
)

// jobStore persists jobs as one JSON file per id under an AGFS prefix.
// The process-wide mutex makes dequeue's compare-and-set atomic; the
// single-writer-per-workspace assumption makes that sufficient.
type jobStore struct {
	fs   *agfs.FS
	root string
	mu   sync.Mutex
}

func newJobStore(ctx context.Context, fs *agfs.FS, root string) (*jobStore, error) {
	if err := fs.Mkdir(ctx, root); err != nil {
		return nil, err
	}
	return &jobStore{fs: fs, root: root}, nil
}

func (s *jobStore) jobURI(id string) string {
	return uri.Join(s.root, id+".json")
}

// put serialises a job record (any JSON-marshallable type).
func (s *jobStore) put(ctx context.Context, id string, job interface{}) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return verrors.Wrap(err, verrors.CodeInvariantViolation, "job encoding failed")
	}
	return s.fs.Write(ctx, s.jobURI(id), data, agfs.WriteOptions{})
}

// get loads one job record into out.
func (s *jobStore) get(ctx context.Context, id string, out interface{}) error {
	data, err := s.fs.Read(ctx, s.jobURI(id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return verrors.Wrapf(err, verrors.CodeInvariantViolation, "corrupt job record %s", id)
	}
	return nil
}

// ids lists all job ids, ordered by filename for determinism.
func (s *jobStore) ids(ctx context.Context) ([]string, error) {
	entries, err := s.fs.Ls(ctx, s.root, agfs.LsOptions{IncludeHidden: true})
	if err != nil {
		if verrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := uri.Name(e.URI)
		if strings.HasSuffix(name, ".json") {
			out = append(out, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *jobStore) delete(ctx context.Context, id string) error {
	return s.fs.Delete(ctx, s.jobURI(id), agfs.DeleteOptions{})
}

// =============================================================================
// SEMANTIC JOB STORE
// =============================================================================

type semanticStore struct {
	*jobStore
}

func (s *semanticStore) all(ctx context.Context) ([]*SemanticJob, error) {
	ids, err := s.ids(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*SemanticJob, 0, len(ids))
	for _, id := range ids {
		var j SemanticJob
		if err := s.get(ctx, id, &j); err != nil {
			logging.Get(logging.CategorySemantic).Warn("skipping unreadable job %s: %v", id, err)
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// byURI finds the job for a URI, if any.
func (s *semanticStore) byURI(ctx context.Context, jobURI string) (*SemanticJob, error) {
	jobs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.URI == jobURI {
			return j, nil
		}
	}
	return nil, nil
}

// claim transitions pending -> in_progress under the store lock (the CAS).
// Returns false when someone else claimed it or it is no longer pending.
func (s *semanticStore) claim(ctx context.Context, id string, lease time.Duration) (*SemanticJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var j SemanticJob
	if err := s.get(ctx, id, &j); err != nil {
		return nil, false, err
	}
	if j.Status != StatusPending || time.Now().Before(j.NextAttemptAt) {
		return nil, false, nil
	}
	j.Status = StatusInProgress
	j.UpdatedAt = time.Now().UTC()
	j.LeaseExpiresAt = time.Now().UTC().Add(lease)
	if err := s.put(ctx, id, &j); err != nil {
		return nil, false, err
	}
	return &j, true, nil
}

// finish records a terminal or retryable outcome.
func (s *semanticStore) finish(ctx context.Context, j *SemanticJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.UpdatedAt = time.Now().UTC()
	j.LeaseExpiresAt = time.Time{}
	return s.put(ctx, j.ID, j)
}

// recoverExpired reverts in_progress jobs whose lease lapsed (a crashed
// worker) back to pending.
func (s *semanticStore) recoverExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.all(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, j := range jobs {
		if j.Status == StatusInProgress && !j.LeaseExpiresAt.IsZero() && now.After(j.LeaseExpiresAt) {
			logging.Semantic("recovering expired lease for %s (%s)", j.ID, j.URI)
			j.Status = StatusPending
			j.LeaseExpiresAt = time.Time{}
			j.UpdatedAt = now.UTC()
			if err := s.put(ctx, j.ID, j); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *semanticStore) stats(ctx context.Context) (Stats, error) {
	jobs, err := s.all(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, j := range jobs {
		switch j.Status {
		case StatusPending:
			st.Pending++
		case StatusInProgress:
			st.InProgress++
		case StatusDone:
			st.Done++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// =============================================================================
// EMBEDDING JOB STORE
// =============================================================================

type embeddingStore struct {
	*jobStore
}

func (s *embeddingStore) all(ctx context.Context) ([]*EmbeddingJob, error) {
	ids, err := s.ids(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*EmbeddingJob, 0, len(ids))
	for _, id := range ids {
		var j EmbeddingJob
		if err := s.get(ctx, id, &j); err != nil {
			logging.Get(logging.CategoryEmbedding).Warn("skipping unreadable job %s: %v", id, err)
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// claimBatch transitions up to n pending same-modality jobs to in_progress
// in one critical section.
func (s *embeddingStore) claimBatch(ctx context.Context, modality string, n int, lease time.Duration) ([]*EmbeddingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt) })

	now := time.Now()
	var batch []*EmbeddingJob
	for _, j := range jobs {
		if len(batch) >= n {
			break
		}
		if j.Status != StatusPending || j.Modality != modality || now.Before(j.NextAttemptAt) {
			continue
		}
		j.Status = StatusInProgress
		j.UpdatedAt = now.UTC()
		j.LeaseExpiresAt = now.UTC().Add(lease)
		if err := s.put(ctx, j.ID, j); err != nil {
			return batch, err
		}
		batch = append(batch, j)
	}
	return batch, nil
}

func (s *embeddingStore) finish(ctx context.Context, j *EmbeddingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.UpdatedAt = time.Now().UTC()
	j.LeaseExpiresAt = time.Time{}
	return s.put(ctx, j.ID, j)
}

func (s *embeddingStore) recoverExpired(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.all(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, j := range jobs {
		if j.Status == StatusInProgress && !j.LeaseExpiresAt.IsZero() && now.After(j.LeaseExpiresAt) {
			j.Status = StatusPending
			j.LeaseExpiresAt = time.Time{}
			j.UpdatedAt = now.UTC()
			if err := s.put(ctx, j.ID, j); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *embeddingStore) stats(ctx context.Context) (Stats, error) {
	jobs, err := s.all(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, j := range jobs {
		switch j.Status {
		case StatusPending:
			st.Pending++
		case StatusInProgress:
			st.InProgress++
		case StatusDone:
			st.Done++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}
