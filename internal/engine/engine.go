// Package engine wires the adapters, queues, stores and retriever into the
// single process-wide handle the public surface hangs off. No hidden
// singletons: everything threads through the Engine value.
package engine

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/logging"
	"openviking/internal/model"
	"openviking/internal/parser"
	"openviking/internal/queue"
	"openviking/internal/retrieval"
	"openviking/internal/session"
	"openviking/internal/treebuilder"
	"openviking/internal/uri"
	"openviking/internal/vectordb"
	"openviking/internal/verrors"
)

// Engine is the context database handle.
type Engine struct {
	cfg *config.Config

	fs         *agfs.FS
	vdb        vectordb.VectorDB
	summariser model.Summariser
	embedder   model.Embedder

	registry  *parser.Registry
	builder   *treebuilder.Builder
	queues    *queue.Queues
	retriever *retrieval.Retriever
	sessions  *session.Store
	extractor *session.Extractor

	cancel context.CancelFunc
}

// Option overrides a constructed dependency, mainly for tests and embedding
// the engine into a host that already owns a model client.
type Option func(*options)

type options struct {
	summariser model.Summariser
	embedder   model.Embedder
}

// WithSummariser substitutes the summariser capability.
func WithSummariser(s model.Summariser) Option {
	return func(o *options) { o.summariser = s }
}

// WithEmbedder substitutes the embedder capability.
func WithEmbedder(emb model.Embedder) Option {
	return func(o *options) { o.embedder = emb }
}

// New builds and starts an engine from configuration: backends, model
// capabilities, queue workers, session recovery and the scratch sweeper.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := logging.Initialize(cfg.Workspace, cfg.Logging); err != nil {
		return nil, err
	}
	boot := logging.Get(logging.CategoryBoot)
	boot.Info("starting engine (workspace %s)", cfg.Workspace)

	fs, err := newFS(cfg)
	if err != nil {
		return nil, err
	}
	if err := ensureScopeRoots(ctx, fs); err != nil {
		return nil, err
	}

	vdb, err := newVectorDB(cfg)
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	summariser := o.summariser
	if summariser == nil {
		if summariser, err = model.NewSummariser(cfg.LLM); err != nil {
			return nil, err
		}
	}
	embedder := o.embedder
	if embedder == nil {
		if embedder, err = model.NewEmbedder(cfg.Embedding); err != nil {
			return nil, err
		}
	}

	queues, err := queue.New(ctx, fs, vdb, summariser, embedder, *cfg)
	if err != nil {
		return nil, err
	}

	builder := treebuilder.New(fs, queues)
	registry := parser.NewRegistry(fs, cfg.Parser)
	retriever := retrieval.New(vdb, embedder, fs, cfg.Retrieval, cfg.Timeouts.Search)

	sessions, err := session.NewStore(ctx, fs)
	if err != nil {
		return nil, err
	}
	extractor := session.NewExtractor(sessions, fs, builder, summariser, cfg.Timeouts.Summariser)

	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		fs:         fs,
		vdb:        vdb,
		summariser: summariser,
		embedder:   embedder,
		registry:   registry,
		builder:    builder,
		queues:     queues,
		retriever:  retriever,
		sessions:   sessions,
		extractor:  extractor,
		cancel:     cancel,
	}

	// Crash recovery: interrupted commits restart from distillation.
	if err := extractor.Recover(ctx); err != nil {
		boot.Warn("session recovery: %v", err)
	}

	queues.Start(runCtx)
	if cfg.AGFS.Backend == "local" {
		// External enqueues land as files; watch the queue dirs so the
		// workers wake without waiting out the poll interval.
		dirs := []string{
			filepath.Join(cfg.AGFSRoot(), ".system", "queues", "semantic"),
			filepath.Join(cfg.AGFSRoot(), ".system", "queues", "embedding"),
		}
		if err := queues.WatchDirs(runCtx, dirs...); err != nil {
			boot.Warn("queue watcher unavailable: %v", err)
		}
	}
	go e.sweepScratch(runCtx)

	boot.Info("engine ready (agfs=%s, vectordb=%s, llm=%s, embedder=%s)",
		fs.BackendName(), vdb.Name(), summariser.Name(), embedder.Name())
	return e, nil
}

// Close stops the workers and releases driver resources.
func (e *Engine) Close() error {
	e.cancel()
	err := e.vdb.Close()
	logging.CloseAll()
	return err
}

// FS exposes the filesystem adapter to trusted callers (CLI, HTTP wrapper).
func (e *Engine) FS() *agfs.FS { return e.fs }

func newFS(cfg *config.Config) (*agfs.FS, error) {
	switch cfg.AGFS.Backend {
	case "local":
		b, err := agfs.NewLocalBackend(cfg.AGFSRoot())
		if err != nil {
			return nil, err
		}
		return agfs.New(b), nil
	case "memory":
		return agfs.New(agfs.NewMemoryBackend()), nil
	case "http":
		b, err := agfs.NewHTTPBackend(cfg.AGFS.BaseURL, cfg.Timeouts.AGFS)
		if err != nil {
			return nil, err
		}
		return agfs.New(b), nil
	}
	return nil, verrors.Errorf(verrors.CodeInvalidArgument, "unknown agfs backend %q", cfg.AGFS.Backend)
}

func newVectorDB(cfg *config.Config) (vectordb.VectorDB, error) {
	switch cfg.VectorDB.Backend {
	case "sqlite":
		return vectordb.NewSQLiteDB(cfg.VectorDBPath())
	case "memory":
		return vectordb.NewMemoryDB(), nil
	case "http":
		return vectordb.NewHTTPDB(cfg.VectorDB.BaseURL, cfg.Timeouts.Search)
	}
	return nil, verrors.Errorf(verrors.CodeInvalidArgument, "unknown vectordb backend %q", cfg.VectorDB.Backend)
}

func ensureScopeRoots(ctx context.Context, fs *agfs.FS) error {
	for _, root := range []string{
		uri.ResourcesRoot, uri.MemoriesRoot, uri.SkillsRoot, uri.TempRoot, uri.SystemRoot,
	} {
		if err := fs.Mkdir(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

// sweepScratch garbage-collects orphaned scratch trees after the grace
// period. A scratch root belongs to its ingest until promote; anything
// older than the grace period was abandoned by a crash or a failed parse.
func (e *Engine) sweepScratch(ctx context.Context) {
	grace := e.cfg.AGFS.TempGracePeriod
	if grace <= 0 {
		grace = time.Hour
	}
	ticker := time.NewTicker(grace / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		entries, err := e.fs.Ls(ctx, uri.TempRoot, agfs.LsOptions{})
		if err != nil {
			continue
		}
		cutoff := time.Now().Add(-grace)
		for _, ent := range entries {
			if !ent.IsDir || ent.MTime.IsZero() || ent.MTime.After(cutoff) {
				continue
			}
			logging.AGFS("sweeping abandoned scratch tree %s (age %s)", ent.URI, time.Since(ent.MTime))
			_ = e.fs.Delete(ctx, ent.URI, agfs.DeleteOptions{Recursive: true})
		}
	}
}

// scopeFromString maps a caller-facing scope name to the internal type.
func scopeFromString(s string) (uri.Scope, error) {
	switch strings.ToLower(s) {
	case "", "resources":
		return uri.ScopeKindResources, nil
	case "user":
		return uri.ScopeKindUser, nil
	case "agent":
		return uri.ScopeKindAgent, nil
	}
	return "", verrors.Errorf(verrors.CodeInvalidArgument, "unknown scope %q", s)
}
