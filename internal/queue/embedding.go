package queue

import (
	"context"
	"time"

	"openviking/internal/logging"
	"openviking/internal/vectordb"
	"openviking/internal/verrors"
)

// embeddingWorker drains the embedding queue. Jobs have no ordering
// dependency; the worker coalesces same-modality jobs into batched
// embed calls and upserts the results.
type embeddingWorker struct {
	q *Queues
}

func newEmbeddingWorker(q *Queues) *embeddingWorker {
	return &embeddingWorker{q: q}
}

func (w *embeddingWorker) run(ctx context.Context) {
	logging.Embedding("embedding worker started (batch %d)", w.q.cfg.Queues.EmbeddingBatchSize)
	for {
		worked, err := w.tick(ctx)
		if err != nil && ctx.Err() == nil {
			logging.Get(logging.CategoryEmbedding).Error("embedding tick failed: %v", err)
		}
		if worked {
			// More work may be waiting; skip the idle sleep.
			select {
			case <-ctx.Done():
				logging.Embedding("embedding worker stopped")
				return
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			logging.Embedding("embedding worker stopped")
			return
		case <-w.q.wake:
		case <-time.After(w.q.cfg.Queues.PollInterval):
		}
	}
}

// tick claims and processes one batch per modality. Returns whether any
// work was done.
func (w *embeddingWorker) tick(ctx context.Context) (bool, error) {
	if err := w.q.embedding.recoverExpired(ctx); err != nil {
		return false, err
	}
	worked := false
	for _, modality := range []string{vectordb.ModalityText, vectordb.ModalityMultimodal} {
		batch, err := w.q.embedding.claimBatch(ctx, modality, w.q.cfg.Queues.EmbeddingBatchSize, w.q.cfg.Queues.LeaseTimeout)
		if err != nil {
			return worked, err
		}
		if len(batch) == 0 {
			continue
		}
		worked = true
		w.processBatch(ctx, modality, batch)
	}
	return worked, nil
}

// processBatch embeds one same-modality batch and upserts each vector.
// Failures land on the job records, never on a caller.
func (w *embeddingWorker) processBatch(ctx context.Context, modality string, batch []*EmbeddingJob) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "processBatch")
	defer timer.Stop()

	texts := make([]string, len(batch))
	for i, j := range batch {
		texts[i] = j.Text
	}

	callCtx, cancel := context.WithTimeout(ctx, w.q.cfg.Timeouts.Embedder)
	vecs, err := w.q.embedder.Embed(callCtx, texts, modality)
	cancel()
	if err != nil {
		for _, j := range batch {
			w.settleFailure(ctx, j, err)
		}
		return
	}

	for i, j := range batch {
		rec := vectordb.Record{
			URI:      j.URI,
			Source:   j.Source,
			Modality: modality,
			Vector:   vecs[i],
			Payload:  j.Payload,
		}
		if err := vectordb.UpsertWithRetry(ctx, w.q.vdb, rec); err != nil {
			w.settleFailure(ctx, j, err)
			continue
		}
		j.Status = StatusDone
		j.LastError = ""
		if err := w.q.embedding.finish(ctx, j); err != nil {
			logging.Get(logging.CategoryEmbedding).Error("finish %s: %v", j.ID, err)
		}
	}
	logging.EmbeddingDebug("embedded batch of %d (%s)", len(batch), modality)
}

func (w *embeddingWorker) settleFailure(ctx context.Context, j *EmbeddingJob, cause error) {
	if ctx.Err() != nil {
		// Cancellation: release the lease, the job stays pending.
		j.Status = StatusPending
		j.LeaseExpiresAt = time.Time{}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.q.embedding.finish(releaseCtx, j)
		return
	}

	j.Attempts++
	j.LastError = cause.Error()
	if verrors.IsTransient(cause) && j.Attempts < w.q.cfg.Queues.MaxAttempts {
		j.Status = StatusPending
		j.NextAttemptAt = time.Now().Add(backoffDelay(j.Attempts))
	} else {
		j.Status = StatusFailed
		logging.Get(logging.CategoryEmbedding).Error("failed %s (%s %s): %v", j.ID, j.URI, j.Source, cause)
	}
	if err := w.q.embedding.finish(ctx, j); err != nil {
		logging.Get(logging.CategoryEmbedding).Error("finish %s: %v", j.ID, err)
	}
}
