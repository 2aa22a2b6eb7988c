package engine

import (
	"context"
	"time"

	"openviking/internal/agfs"
	"openviking/internal/model"
	"openviking/internal/parser"
	"openviking/internal/queue"
	"openviking/internal/retrieval"
	"openviking/internal/session"
	"openviking/internal/trace"
	"openviking/internal/uri"
	"openviking/internal/verrors"
)

// The programmatic surface the HTTP collaborator maps one-to-one onto REST
// routes. Each operation takes and returns plain values; the Envelope
// wrapper in response.go produces the wire shape.

// =============================================================================
// FILESYSTEM
// =============================================================================

// Ls lists a directory.
func (e *Engine) Ls(ctx context.Context, target string, opts agfs.LsOptions) ([]agfs.Entry, error) {
	return e.fs.Ls(ctx, target, opts)
}

// Tree returns a hierarchical listing.
func (e *Engine) Tree(ctx context.Context, target string, opts agfs.TreeOptions) (*agfs.TreeNode, error) {
	return e.fs.Tree(ctx, target, opts)
}

// StatResult is the stat() wire shape.
type StatResult struct {
	Exists bool      `json:"exists"`
	IsDir  bool      `json:"is_dir"`
	Size   int64     `json:"size"`
	MTime  time.Time `json:"mtime"`
}

// Stat describes a node.
func (e *Engine) Stat(ctx context.Context, target string) (*StatResult, error) {
	ent, exists, err := e.fs.Stat(ctx, target)
	if err != nil {
		return nil, err
	}
	return &StatResult{Exists: exists, IsDir: ent.IsDir, Size: ent.Size, MTime: ent.MTime}, nil
}

// ReadOptions bound a read.
type ReadOptions struct {
	Offset int
	Limit  int
}

// Read returns file content, optionally windowed.
func (e *Engine) Read(ctx context.Context, target string, opts ReadOptions) ([]byte, error) {
	data, err := e.fs.Read(ctx, target)
	if err != nil {
		return nil, err
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(data) {
			return nil, nil
		}
		data = data[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(data) {
		data = data[:opts.Limit]
	}
	return data, nil
}

// Write stores raw bytes at a file node.
func (e *Engine) Write(ctx context.Context, target string, data []byte) error {
	return e.fs.Write(ctx, target, data, agfs.WriteOptions{})
}

// Delete removes a node, cascading vectors and queued work for the subtree.
func (e *Engine) Delete(ctx context.Context, target string, recursive bool) error {
	u, err := uri.Normalize(target)
	if err != nil {
		return err
	}
	if err := e.fs.Delete(ctx, u, agfs.DeleteOptions{Recursive: recursive}); err != nil {
		return err
	}
	if _, err := e.vdb.DeletePrefix(ctx, u); err != nil {
		return err
	}
	return e.queues.DropPrefix(ctx, u)
}

// Move relocates a node and remaps its vectors to the new URI prefix.
func (e *Engine) Move(ctx context.Context, src, dst string) error {
	srcURI, err := uri.Normalize(src)
	if err != nil {
		return err
	}
	dstURI, err := uri.Normalize(dst)
	if err != nil {
		return err
	}
	if err := e.fs.Move(ctx, srcURI, dstURI); err != nil {
		return err
	}
	if _, err := e.vdb.RemapPrefix(ctx, srcURI, dstURI); err != nil {
		return verrors.Wrap(err, verrors.CodeDependencyError, "vector remap after move")
	}
	return nil
}

// Abstract returns a directory's L0 summary.
func (e *Engine) Abstract(ctx context.Context, dirURI string) (string, error) {
	return e.fs.Abstract(ctx, dirURI)
}

// Overview returns a directory's L1 breakdown.
func (e *Engine) Overview(ctx context.Context, dirURI string) (string, error) {
	return e.fs.Overview(ctx, dirURI)
}

// =============================================================================
// INGEST
// =============================================================================

// AddResourceOptions control one ingest.
type AddResourceOptions struct {
	// Reason is recorded in the trace for observability.
	Reason string

	// Wait blocks until the queues drain so the caller sees a fully
	// processed tree.
	Wait bool

	// WaitTimeout bounds Wait. 0 = 10 minutes.
	WaitTimeout time.Duration

	// Trace enables request tracing.
	Trace bool
}

// AddResourceResult is the ingest return shape.
type AddResourceResult struct {
	TargetURI string        `json:"target_uri"`
	Trace     *trace.Result `json:"trace,omitempty"`
}

// AddResource ingests a local path or URL into viking://resources.
func (e *Engine) AddResource(ctx context.Context, pathOrURL string, opts AddResourceOptions) (*AddResourceResult, error) {
	tr := trace.New("add_resource", opts.Trace, e.cfg.Trace.MaxEvents)
	tr.Event("ingest", "start", "ok", map[string]interface{}{
		"input":  pathOrURL,
		"reason": opts.Reason,
	})
	inTok0, outTok0, _ := e.queues.UsageSnapshot()

	res, err := e.addToScope(ctx, parser.Input{Path: pathOrURL}, uri.ScopeKindResources, opts, tr)
	if err != nil {
		tr.SetError("ingest", string(verrors.CodeOf(err)), err.Error())
		return &AddResourceResult{Trace: tr.Finish("error")}, err
	}

	inTok1, outTok1, _ := e.queues.UsageSnapshot()
	tr.AddTokenUsage(inTok1-inTok0, outTok1-outTok0)
	e.snapshotSemanticNodes(ctx, tr)
	return &AddResourceResult{TargetURI: res, Trace: tr.Finish("ok")}, nil
}

// Add ingests into an explicit scope ("resources", "user" or "agent").
// The CLI surface; AddResource is the canonical resources-scope entry.
func (e *Engine) Add(ctx context.Context, pathOrURL, scope string, opts AddResourceOptions) (*AddResourceResult, error) {
	sc, err := scopeFromString(scope)
	if err != nil {
		return nil, err
	}
	tr := trace.New("add", opts.Trace, e.cfg.Trace.MaxEvents)
	res, err := e.addToScope(ctx, parser.Input{Path: pathOrURL}, sc, opts, tr)
	if err != nil {
		tr.SetError("ingest", string(verrors.CodeOf(err)), err.Error())
		return &AddResourceResult{Trace: tr.Finish("error")}, err
	}
	return &AddResourceResult{TargetURI: res, Trace: tr.Finish("ok")}, nil
}

// AddSkill ingests an inline skill document into viking://agent/skills.
func (e *Engine) AddSkill(ctx context.Context, name, content string, opts AddResourceOptions) (*AddResourceResult, error) {
	if name == "" || content == "" {
		return nil, verrors.New(verrors.CodeInvalidArgument, "skill requires name and content")
	}
	tr := trace.New("add_skill", opts.Trace, e.cfg.Trace.MaxEvents)
	in := parser.Input{
		Name: parser.Slug(name),
		Path: parser.Slug(name) + ".md",
		Data: []byte(content),
	}
	res, err := e.addToScope(ctx, in, uri.ScopeKindAgent, opts, tr)
	if err != nil {
		tr.SetError("ingest", string(verrors.CodeOf(err)), err.Error())
		return &AddResourceResult{Trace: tr.Finish("error")}, err
	}
	return &AddResourceResult{TargetURI: res, Trace: tr.Finish("ok")}, nil
}

func (e *Engine) addToScope(ctx context.Context, in parser.Input, scope uri.Scope, opts AddResourceOptions, tr *trace.Collector) (string, error) {
	parsed, err := e.registry.Parse(ctx, in)
	if err != nil {
		return "", err
	}
	tr.Event("parse", parsed.ParserName, "ok", map[string]interface{}{
		"temp_dir":     parsed.TempDirURI,
		"duration_ms":  parsed.ParseDurationMS,
		"source_format": parsed.SourceFormat,
	})

	promoted, err := e.builder.Promote(ctx, parsed.TempDirURI, scope)
	if err != nil {
		return "", err
	}
	tr.Event("promote", promoted.TargetURI, "ok", nil)

	if opts.Wait {
		timeout := opts.WaitTimeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		if _, err := e.queues.Wait(ctx, timeout); err != nil {
			return "", err
		}
		tr.Event("drain", "queues", "ok", nil)
	}
	return promoted.TargetURI, nil
}

// Remove deletes a subtree and its derived state.
func (e *Engine) Remove(ctx context.Context, target string, recursive bool) error {
	return e.Delete(ctx, target, recursive)
}

// =============================================================================
// SEARCH
// =============================================================================

// FindOptions mirrors retrieval.FindOptions plus tracing.
type FindOptions struct {
	TargetURI      string
	Limit          int
	ScoreThreshold *float64
	Trace          bool
}

// FindResult is the find() return shape.
type FindResult struct {
	Results []retrieval.Finding `json:"results"`
	Trace   *trace.Result       `json:"trace,omitempty"`
}

// Find answers a natural-language query with ranked results.
func (e *Engine) Find(ctx context.Context, query string, opts FindOptions) (*FindResult, error) {
	tr := trace.New("find", opts.Trace, e.cfg.Trace.MaxEvents)
	findings, err := e.retriever.Find(ctx, query, retrieval.FindOptions{
		TargetURI:      opts.TargetURI,
		Limit:          opts.Limit,
		ScoreThreshold: opts.ScoreThreshold,
		Trace:          tr,
	})
	if err != nil {
		tr.SetError("search", string(verrors.CodeOf(err)), err.Error())
		return &FindResult{Trace: tr.Finish("error")}, err
	}
	return &FindResult{Results: findings, Trace: tr.Finish("ok")}, nil
}

// Grep streams leaf contents for a pattern. Not indexed.
func (e *Engine) Grep(ctx context.Context, pattern, target string, limit int) ([]agfs.GrepMatch, error) {
	if target == "" {
		target = uri.Scheme
	}
	return e.fs.Grep(ctx, pattern, target, limit)
}

// Glob enumerates path-pattern matches. target is required.
func (e *Engine) Glob(ctx context.Context, pattern, target string) ([]agfs.Entry, error) {
	return e.fs.Glob(ctx, pattern, target)
}

// =============================================================================
// SESSIONS
// =============================================================================

// SessionCreate starts a new session.
func (e *Engine) SessionCreate(ctx context.Context) (string, error) {
	return e.sessions.Create(ctx)
}

// SessionAddMessage appends one message.
func (e *Engine) SessionAddMessage(ctx context.Context, id, role, content string) error {
	return e.sessions.Append(ctx, id, role, content)
}

// SessionList enumerates sessions.
func (e *Engine) SessionList(ctx context.Context) ([]session.Info, error) {
	return e.sessions.List(ctx)
}

// SessionCommitResult is the commit return shape.
type SessionCommitResult struct {
	session.CommitResult
	Trace *trace.Result `json:"trace,omitempty"`
}

// SessionCommit distils a session into memories. Idempotent.
func (e *Engine) SessionCommit(ctx context.Context, id string, enableTrace bool) (*SessionCommitResult, error) {
	tr := trace.New("session.commit", enableTrace, e.cfg.Trace.MaxEvents)
	res, err := e.extractor.Commit(ctx, id, tr)
	if err != nil {
		return &SessionCommitResult{Trace: tr.Finish("error")}, err
	}
	return &SessionCommitResult{CommitResult: *res, Trace: tr.Finish("ok")}, nil
}

// SessionDelete removes a session.
func (e *Engine) SessionDelete(ctx context.Context, id string) error {
	return e.sessions.Delete(ctx, id)
}

// =============================================================================
// SYSTEM
// =============================================================================

// Health reports process liveness, unconditionally ok.
func (e *Engine) Health() map[string]string {
	return map[string]string{"status": "ok"}
}

// ReadyResult reports per-component reachability.
type ReadyResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Ready verifies AGFS, VectorDB and summariser/embedder reachability.
func (e *Engine) Ready(ctx context.Context) *ReadyResult {
	checks := map[string]string{}
	ok := true

	if _, _, err := e.fs.Stat(ctx, uri.ResourcesRoot); err != nil {
		checks["agfs"] = "error: " + err.Error()
		ok = false
	} else {
		checks["agfs"] = "ok"
	}

	if _, err := e.vdb.CountPrefix(ctx, uri.Scheme); err != nil {
		checks["vectordb"] = "error: " + err.Error()
		ok = false
	} else {
		checks["vectordb"] = "ok"
	}

	checks["summariser"] = healthOf(ctx, e.summariser)
	if checks["summariser"] != "ok" {
		ok = false
	}
	checks["embedder"] = healthOf(ctx, e.embedder)
	if checks["embedder"] != "ok" {
		ok = false
	}

	status := "ok"
	if !ok {
		status = "degraded"
	}
	return &ReadyResult{Status: status, Checks: checks}
}

func healthOf(ctx context.Context, v interface{}) string {
	hc, ok := v.(model.HealthChecker)
	if !ok {
		return "ok" // engines without health checks are assumed reachable
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := hc.HealthCheck(checkCtx); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

// Wait blocks until all queues drain or the timeout elapses.
func (e *Engine) Wait(ctx context.Context, timeout time.Duration) (queue.DrainStats, error) {
	return e.queues.Wait(ctx, timeout)
}

// ReenqueueFailed returns failed semantic jobs to pending.
func (e *Engine) ReenqueueFailed(ctx context.Context) (int, error) {
	return e.queues.ReenqueueFailed(ctx)
}

// snapshotSemanticNodes records the final queue population gauges.
func (e *Engine) snapshotSemanticNodes(ctx context.Context, tr *trace.Collector) {
	if !tr.Enabled() {
		return
	}
	st, err := e.queues.SemanticStats(ctx)
	if err != nil {
		return
	}
	tr.Set("semantic_nodes.total_nodes", st.Total())
	tr.Set("semantic_nodes.done_nodes", st.Done)
	tr.Set("semantic_nodes.pending_nodes", st.Pending)
	tr.Set("semantic_nodes.in_progress_nodes", st.InProgress)
}
