package queue

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"openviking/internal/agfs"
	"openviking/internal/logging"
	"openviking/internal/model"
	"openviking/internal/parser"
	"openviking/internal/uri"
	"openviking/internal/vectordb"
	"openviking/internal/verrors"
)

// Backoff schedule for transient summariser failures.
const (
	semanticBackoffBase = 500 * time.Millisecond
	semanticBackoffCap  = 30 * time.Second
)

// semanticWorker drains the semantic queue bottom-up, producing the two
// summary layers for every directory.
type semanticWorker struct {
	q      *Queues
	llmSem *semaphore.Weighted

	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	llmCalls     atomic.Int64
}

func newSemanticWorker(q *Queues) *semanticWorker {
	return &semanticWorker{
		q:      q,
		llmSem: semaphore.NewWeighted(int64(q.cfg.Queues.MaxConcurrentLLM)),
	}
}

// UsageSnapshot reports cumulative summariser token usage.
func (q *Queues) UsageSnapshot() (input, output int, calls int) {
	return int(q.semWorker.inputTokens.Load()),
		int(q.semWorker.outputTokens.Load()),
		int(q.semWorker.llmCalls.Load())
}

// run is the poll loop. Each tick claims every currently-eligible job and
// processes them concurrently, capped by max_concurrent_semantic_jobs.
func (w *semanticWorker) run(ctx context.Context) {
	logging.Semantic("semantic worker started (cap %d, llm cap %d)",
		w.q.cfg.Queues.MaxConcurrentSemanticJobs, w.q.cfg.Queues.MaxConcurrentLLM)
	for {
		if err := w.tick(ctx); err != nil && ctx.Err() == nil {
			logging.Get(logging.CategorySemantic).Error("semantic tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logging.Semantic("semantic worker stopped")
			return
		case <-w.q.wake:
		case <-time.After(w.q.cfg.Queues.PollInterval):
		}
	}
}

func (w *semanticWorker) tick(ctx context.Context) error {
	if err := w.q.semantic.recoverExpired(ctx); err != nil {
		return err
	}
	eligible, err := w.q.eligibleSemanticJobs(ctx)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.q.cfg.Queues.MaxConcurrentSemanticJobs)
	for _, job := range eligible {
		job := job
		g.Go(func() error {
			w.processOne(gctx, job)
			return nil
		})
	}
	return g.Wait()
}

// processOne claims and runs a single job, handling retry bookkeeping.
// Worker errors never propagate to users; they land on the job record.
func (w *semanticWorker) processOne(ctx context.Context, job *SemanticJob) {
	claimed, ok, err := w.q.semantic.claim(ctx, job.ID, w.q.cfg.Queues.LeaseTimeout)
	if err != nil || !ok {
		return
	}
	job = claimed

	err = w.processDirectory(ctx, job)
	if err == nil {
		job.Status = StatusDone
		job.LastError = ""
		if ferr := w.q.semantic.finish(ctx, job); ferr != nil {
			logging.Get(logging.CategorySemantic).Error("finish %s: %v", job.ID, ferr)
		}
		logging.Semantic("done %s (%s)", job.ID, job.URI)
		w.q.nudge()
		return
	}

	if ctx.Err() != nil {
		// Cancellation: release the lease, the job stays pending. The write
		// uses a fresh context because the worker's is already dead.
		job.Status = StatusPending
		job.LeaseExpiresAt = time.Time{}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.q.semantic.finish(releaseCtx, job)
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	if verrors.IsTransient(err) && job.Attempts < w.q.cfg.Queues.MaxAttempts {
		job.Status = StatusPending
		job.NextAttemptAt = time.Now().Add(backoffDelay(job.Attempts))
		logging.Semantic("retrying %s (%s) attempt %d: %v", job.ID, job.URI, job.Attempts, err)
	} else {
		job.Status = StatusFailed
		logging.Get(logging.CategorySemantic).Error("failed %s (%s): %v", job.ID, job.URI, err)
	}
	if ferr := w.q.semantic.finish(ctx, job); ferr != nil {
		logging.Get(logging.CategorySemantic).Error("finish %s: %v", job.ID, ferr)
	}
}

func backoffDelay(attempt int) time.Duration {
	d := semanticBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > semanticBackoffCap {
			return semanticBackoffCap
		}
	}
	return d
}

// processDirectory runs spec steps 1-8 for one directory.
func (w *semanticWorker) processDirectory(ctx context.Context, job *SemanticJob) error {
	timer := logging.StartTimer(logging.CategorySemantic, "processDirectory "+job.URI)
	defer timer.StopWithThreshold(time.Minute)

	d := job.URI
	ent, exists, err := w.q.fs.Stat(ctx, d)
	if err != nil {
		return err
	}
	if !exists {
		return verrors.Errorf(verrors.CodeNotFound, "job target vanished: %s", d)
	}
	if !ent.IsDir {
		return verrors.Errorf(verrors.CodeInvariantViolation, "semantic job target is not a directory: %s", d)
	}

	children, err := w.q.fs.Ls(ctx, d, agfs.LsOptions{})
	if err != nil {
		return err
	}

	// File children: ensure each has a cached summary.
	type childCtx struct {
		name     string
		kind     string
		abstract string
	}
	ctxs := make([]childCtx, len(children))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range children {
		i, c := i, c
		if c.IsDir {
			continue
		}
		g.Go(func() error {
			abs, err := w.fileAbstract(gctx, job, c.URI)
			if err != nil {
				return err
			}
			ctxs[i] = childCtx{name: uri.Name(c.URI), kind: "file", abstract: abs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Directory children: their abstracts must exist by the scheduling
	// invariant; a miss means the bottom-up order broke.
	for i, c := range children {
		if !c.IsDir {
			continue
		}
		abs, err := w.q.fs.Abstract(ctx, c.URI)
		if err != nil {
			if verrors.Is(err, verrors.CodeNotProcessed) {
				return verrors.Errorf(verrors.CodeInvariantViolation,
					"child %s reached parent summarisation without an abstract", c.URI)
			}
			return err
		}
		ctxs[i] = childCtx{name: uri.Name(c.URI), kind: "dir", abstract: abs}
	}

	// Assemble the overview (L1) from the ordered child context.
	var sb strings.Builder
	for _, cc := range ctxs {
		if cc.name == "" {
			continue
		}
		fmt.Fprintf(&sb, "- %s (%s): %s\n", cc.name, cc.kind, firstLine(cc.abstract))
	}
	overview, err := w.summarise(ctx, overviewPrompt(uri.Name(d), string(job.Kind), sb.String()), nil)
	if err != nil {
		return err
	}

	abstract := deriveAbstract(overview)

	// Overview first, then abstract: a reader that sees .abstract.md can
	// rely on .overview.md being present.
	if err := w.q.fs.Write(ctx, uri.Join(d, agfs.OverviewFile), []byte(overview), agfs.WriteOptions{}); err != nil {
		return err
	}
	if err := w.q.fs.Write(ctx, uri.Join(d, agfs.AbstractFile), []byte(abstract), agfs.WriteOptions{}); err != nil {
		return err
	}

	// Embedding fan-out: the directory's two artefacts plus each leaf's raw
	// content.
	payload := func(level int) map[string]interface{} {
		p := map[string]interface{}{
			"parent_uri":   uri.Parent(d),
			"context_type": string(job.Kind),
			"level":        level,
		}
		if cat := uri.MemoryCategory(d); cat != "" {
			p["category"] = cat
		}
		return p
	}
	if err := w.q.EnqueueEmbedding(ctx, d, vectordb.SourceAbstract, vectordb.ModalityText, abstract, payload(0)); err != nil {
		return err
	}
	if err := w.q.EnqueueEmbedding(ctx, d, vectordb.SourceOverview, vectordb.ModalityText, overview, payload(1)); err != nil {
		return err
	}
	for i, c := range children {
		if c.IsDir {
			continue
		}
		text, modality, err := w.rawEmbeddingText(ctx, c.URI, ctxs[i].abstract)
		if err != nil {
			return err
		}
		p := map[string]interface{}{
			"parent_uri":   d,
			"context_type": string(job.Kind),
			"level":        2,
			"abstract":     ctxs[i].abstract,
		}
		if cat := uri.MemoryCategory(c.URI); cat != "" {
			p["category"] = cat
		}
		if err := w.q.EnqueueEmbedding(ctx, c.URI, vectordb.SourceRaw, modality, text, p); err != nil {
			return err
		}
	}
	return nil
}

// fileAbstract returns the cached summary for a file child, computing and
// caching it on first sight.
func (w *semanticWorker) fileAbstract(ctx context.Context, job *SemanticJob, fileURI string) (string, error) {
	cacheURI := fileAbstractCacheURI(fileURI)
	if data, err := w.q.fs.Read(ctx, cacheURI); err == nil {
		return string(data), nil
	}

	data, err := w.q.fs.Read(ctx, fileURI)
	if err != nil {
		return "", err
	}
	name := uri.Name(fileURI)

	var abstract string
	switch {
	case isImageFile(name):
		abstract, err = w.imageAbstract(ctx, name, data)
	case parser.LanguageForFile(name) != "":
		abstract, err = w.codeAbstract(ctx, name, data)
	default:
		abstract, err = w.textAbstract(ctx, name, string(data))
	}
	if err != nil {
		return "", err
	}

	if err := w.q.fs.Write(ctx, cacheURI, []byte(abstract), agfs.WriteOptions{}); err != nil {
		return "", err
	}
	return abstract, nil
}

// fileAbstractCacheURI names the hidden per-file summary cache.
func fileAbstractCacheURI(fileURI string) string {
	return uri.Join(uri.Parent(fileURI), "."+uri.Name(fileURI)+".abstract.md")
}

// codeAbstract applies code_summary_mode: the skeleton is the abstract in
// ast mode, context for the LLM in ast_llm mode, and skipped in llm mode.
// AST applies only to supported languages at or above the line threshold;
// everything else falls back to LLM.
func (w *semanticWorker) codeAbstract(ctx context.Context, name string, data []byte) (string, error) {
	mode := w.q.cfg.Parser.CodeSummaryMode
	lines := parser.LineCount(data)
	astEligible := lines >= w.q.cfg.Parser.ASTMinLines && parser.SkeletonSupported(name)

	if mode == "ast" && astEligible {
		skel, err := parser.ExtractSkeleton(ctx, name, data)
		if err == nil {
			return skel, nil
		}
		logging.SemanticDebug("skeleton fallback to llm for %s: %v", name, err)
	}

	if mode == "ast_llm" && astEligible {
		if skel, err := parser.ExtractSkeleton(ctx, name, data); err == nil {
			prompt := codeWithSkeletonPrompt(name, skel, string(data))
			return w.summarise(ctx, prompt, nil)
		}
	}

	return w.textAbstract(ctx, name, string(data))
}

// textAbstract summarises file content, batching long inputs section-wise.
func (w *semanticWorker) textAbstract(ctx context.Context, name, content string) (string, error) {
	maxTokens := w.q.cfg.Parser.MaxSectionTokens * w.q.cfg.Queues.MaxSectionsPerCall
	if parser.CountTokens(content) <= maxTokens {
		return w.summarise(ctx, fileAbstractPrompt(name, content), nil)
	}

	// Batch oversized content: summarise windows, then combine.
	var partials []string
	budget := maxTokens * 4 // back to characters
	for start := 0; start < len(content); start += budget {
		end := start + budget
		if end > len(content) {
			end = len(content)
		}
		part, err := w.summarise(ctx, fileAbstractPrompt(name, content[start:end]), nil)
		if err != nil {
			return "", err
		}
		partials = append(partials, part)
	}
	return w.summarise(ctx, combinePartialsPrompt(name, partials), nil)
}

// imageAbstract summarises an image through the VLM path. Each call carries
// exactly one image, so max_images_per_call is never exceeded.
func (w *semanticWorker) imageAbstract(ctx context.Context, name string, data []byte) (string, error) {
	img := model.Image{MIMEType: mimeForImage(name), Data: data}
	return w.summarise(ctx, imageAbstractPrompt(name), []model.Image{img})
}

// rawEmbeddingText picks the text embedded for a leaf: the cached abstract
// for images, raw content for every other file.
func (w *semanticWorker) rawEmbeddingText(ctx context.Context, fileURI, abstract string) (string, string, error) {
	if isImageFile(uri.Name(fileURI)) {
		return abstract, vectordb.ModalityMultimodal, nil
	}
	data, err := w.q.fs.Read(ctx, fileURI)
	if err != nil {
		return "", "", err
	}
	return string(data), vectordb.ModalityText, nil
}

// summarise funnels every LLM call through the shared semaphore and the
// configured timeout, and accounts token usage.
func (w *semanticWorker) summarise(ctx context.Context, prompt string, images []model.Image) (string, error) {
	if err := w.llmSem.Acquire(ctx, 1); err != nil {
		return "", verrors.Wrap(err, verrors.CodeCancelled, "llm slot acquire")
	}
	defer w.llmSem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, w.q.cfg.Timeouts.Summariser)
	defer cancel()

	out, usage, err := w.q.summariser.Summarise(callCtx, prompt, images)
	if err != nil {
		return "", err
	}
	w.llmCalls.Add(1)
	w.inputTokens.Add(int64(usage.InputTokens))
	w.outputTokens.Add(int64(usage.OutputTokens))
	return out, nil
}

// deriveAbstract derives L0 from L1 deterministically: the first paragraph,
// truncated to 200 words.
func deriveAbstract(overview string) string {
	para := overview
	if i := strings.Index(para, "\n\n"); i >= 0 {
		para = para[:i]
	}
	words := strings.Fields(para)
	if len(words) > 200 {
		words = words[:200]
	}
	return strings.Join(words, " ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

func isImageFile(name string) bool {
	_, ok := imageExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

func mimeForImage(name string) string {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}
