package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/logging"
	"openviking/internal/model"
	"openviking/internal/uri"
	"openviking/internal/vectordb"
	"openviking/internal/verrors"
)

// Queues owns both persistent queues and their workers. It is the sole
// writer of .abstract.md / .overview.md (semantic worker) and of VectorDB
// records (embedding worker).
type Queues struct {
	fs         *agfs.FS
	vdb        vectordb.VectorDB
	summariser model.Summariser
	embedder   model.Embedder
	cfg        config.Config

	semantic  *semanticStore
	embedding *embeddingStore

	semWorker *semanticWorker
	embWorker *embeddingWorker

	wake chan struct{}
}

// New creates the queues (loading any persisted jobs) and their workers.
// Workers do not run until Start.
func New(ctx context.Context, fs *agfs.FS, vdb vectordb.VectorDB, summariser model.Summariser, embedder model.Embedder, cfg config.Config) (*Queues, error) {
	semStore, err := newJobStore(ctx, fs, SemanticQueueRoot)
	if err != nil {
		return nil, err
	}
	embStore, err := newJobStore(ctx, fs, EmbeddingQueueRoot)
	if err != nil {
		return nil, err
	}

	q := &Queues{
		fs:         fs,
		vdb:        vdb,
		summariser: summariser,
		embedder:   embedder,
		cfg:        cfg,
		semantic:   &semanticStore{semStore},
		embedding:  &embeddingStore{embStore},
		wake:       make(chan struct{}, 1),
	}
	q.semWorker = newSemanticWorker(q)
	q.embWorker = newEmbeddingWorker(q)

	// Crash recovery: reclaim leases abandoned by a previous process.
	if err := q.semantic.recoverExpired(ctx); err != nil {
		return nil, err
	}
	if err := q.embedding.recoverExpired(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Start launches both workers. They stop when ctx is cancelled.
func (q *Queues) Start(ctx context.Context) {
	go q.semWorker.run(ctx)
	go q.embWorker.run(ctx)
}

// nudge wakes the pollers without waiting out the poll interval.
func (q *Queues) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// EnqueueSemantic registers the root of a freshly promoted subtree and fans
// out to every descendant directory, each directory enqueued before its
// children; bottom-up eligibility decides the processing order. Satisfies
// treebuilder.Enqueuer.
func (q *Queues) EnqueueSemantic(ctx context.Context, target string, kind uri.Kind) error {
	if err := q.enqueueTree(ctx, target, kind, uri.Parent(target)); err != nil {
		return err
	}
	q.nudge()
	return nil
}

// enqueueTree enqueues dir and all descendant directories. parentURI wires
// the bottom-up dependency chain; scope-root parents are left empty.
func (q *Queues) enqueueTree(ctx context.Context, dir string, kind uri.Kind, parent string) error {
	parentRef := parent
	if isScopeBase(parentRef) {
		parentRef = ""
	}
	if err := q.enqueueSemanticOne(ctx, dir, kind, parentRef); err != nil {
		return err
	}

	children, err := q.fs.Ls(ctx, dir, agfs.LsOptions{})
	if err != nil {
		return err
	}
	for _, c := range children {
		if c.IsDir {
			if err := q.enqueueTree(ctx, c.URI, kind, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Queues) enqueueSemanticOne(ctx context.Context, jobURI string, kind uri.Kind, parent string) error {
	existing, err := q.semantic.byURI(ctx, jobURI)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status != StatusFailed {
		return nil // already tracked
	}
	if existing != nil {
		// Manual re-enqueue of a failed job.
		existing.Status = StatusPending
		existing.Attempts = 0
		existing.LastError = ""
		existing.NextAttemptAt = time.Time{}
		return q.semantic.finish(ctx, existing)
	}

	now := time.Now().UTC()
	job := &SemanticJob{
		ID:         fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8]),
		URI:        jobURI,
		Kind:       kind,
		Status:     StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
		ParentURI:  parent,
	}
	logging.SemanticDebug("enqueued semantic job %s for %s (parent %s)", job.ID, jobURI, parent)
	return q.semantic.put(ctx, job.ID, job)
}

// ReenqueueFailed returns every failed semantic job to pending.
func (q *Queues) ReenqueueFailed(ctx context.Context) (int, error) {
	jobs, err := q.semantic.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if j.Status != StatusFailed {
			continue
		}
		j.Status = StatusPending
		j.Attempts = 0
		j.LastError = ""
		j.NextAttemptAt = time.Time{}
		if err := q.semantic.finish(ctx, j); err != nil {
			return n, err
		}
		n++
	}
	q.nudge()
	return n, nil
}

// EnqueueEmbedding registers one artefact for vectorisation.
func (q *Queues) EnqueueEmbedding(ctx context.Context, target, source, modality, text string, payload map[string]interface{}) error {
	now := time.Now().UTC()
	job := &EmbeddingJob{
		ID:         fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8]),
		URI:        target,
		Source:     source,
		Modality:   modality,
		Status:     StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
		Text:       text,
		Payload:    payload,
	}
	if err := q.embedding.put(ctx, job.ID, job); err != nil {
		return err
	}
	q.nudge()
	return nil
}

// DropPrefix removes jobs whose URI falls under prefix. Used when a subtree
// is deleted while work is still queued.
func (q *Queues) DropPrefix(ctx context.Context, prefix string) error {
	semJobs, err := q.semantic.all(ctx)
	if err != nil {
		return err
	}
	for _, j := range semJobs {
		if uri.HasPrefix(j.URI, prefix) {
			_ = q.semantic.delete(ctx, j.ID)
		}
	}
	embJobs, err := q.embedding.all(ctx)
	if err != nil {
		return err
	}
	for _, j := range embJobs {
		if uri.HasPrefix(j.URI, prefix) {
			_ = q.embedding.delete(ctx, j.ID)
		}
	}
	return nil
}

// DrainStats is the wait() result shape.
type DrainStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Processed  int `json:"processed"`
	Errors     int `json:"errors"`
}

// Stats merges both queues' populations.
func (q *Queues) Stats(ctx context.Context) (DrainStats, error) {
	sem, err := q.semantic.stats(ctx)
	if err != nil {
		return DrainStats{}, err
	}
	emb, err := q.embedding.stats(ctx)
	if err != nil {
		return DrainStats{}, err
	}
	return DrainStats{
		Pending:    sem.Pending + emb.Pending,
		InProgress: sem.InProgress + emb.InProgress,
		Processed:  sem.Done + emb.Done,
		Errors:     sem.Failed + emb.Failed,
	}, nil
}

// SemanticStats exposes the semantic queue's population for traces.
func (q *Queues) SemanticStats(ctx context.Context) (Stats, error) {
	return q.semantic.stats(ctx)
}

// Wait blocks until both queues drain or the timeout elapses.
func (q *Queues) Wait(ctx context.Context, timeout time.Duration) (DrainStats, error) {
	deadline := time.Now().Add(timeout)
	for {
		st, err := q.Stats(ctx)
		if err != nil {
			return st, err
		}
		if st.Pending == 0 && st.InProgress == 0 {
			return st, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return st, verrors.Errorf(verrors.CodeTimeout, "queues not drained after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return st, verrors.Wrap(ctx.Err(), verrors.CodeCancelled, "wait cancelled")
		case <-time.After(q.cfg.Queues.PollInterval):
		}
	}
}

// isScopeBase reports whether u is one of the promote base URIs; jobs rooted
// directly under them have no parent dependency.
func isScopeBase(u string) bool {
	switch u {
	case uri.ResourcesRoot, uri.MemoriesRoot, uri.SkillsRoot, uri.Scheme:
		return true
	}
	return false
}

// eligibleSemanticJobs returns pending jobs whose child directories are all
// done (or carry no job and are already processed), oldest first.
func (q *Queues) eligibleSemanticJobs(ctx context.Context) ([]*SemanticJob, error) {
	jobs, err := q.semantic.all(ctx)
	if err != nil {
		return nil, err
	}
	byURI := make(map[string]*SemanticJob, len(jobs))
	for _, j := range jobs {
		byURI[j.URI] = j
	}

	now := time.Now()
	var eligible []*SemanticJob
	for _, j := range jobs {
		if j.Status != StatusPending || now.Before(j.NextAttemptAt) {
			continue
		}
		ok, err := q.childrenReady(ctx, j.URI, byURI)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, j)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].EnqueuedAt.Before(eligible[j].EnqueuedAt)
	})
	return eligible, nil
}

// childrenReady enforces bottom-up order: file children are always ready;
// directory children must have a done job, or no job but an existing
// abstract (processed in a previous life). A directory discovered without
// either gets its own job enqueued so the chain eventually unblocks.
func (q *Queues) childrenReady(ctx context.Context, dir string, byURI map[string]*SemanticJob) (bool, error) {
	children, err := q.fs.Ls(ctx, dir, agfs.LsOptions{})
	if err != nil {
		if verrors.IsNotFound(err) {
			// Tree vanished under the job; the worker will fail it properly.
			return true, nil
		}
		return false, err
	}
	ready := true
	for _, c := range children {
		if !c.IsDir {
			continue
		}
		child, tracked := byURI[c.URI]
		if tracked {
			if child.Status != StatusDone {
				ready = false
			}
			continue
		}
		if _, err := q.fs.Abstract(ctx, c.URI); err != nil {
			parentJob := byURI[dir]
			kind := uri.KindForURI(c.URI)
			if parentJob != nil {
				kind = parentJob.Kind
			}
			if err := q.enqueueSemanticOne(ctx, c.URI, kind, dir); err != nil {
				return false, err
			}
			ready = false
		}
	}
	return ready, nil
}
