// Package treebuilder promotes scratch trees into the stable namespace.
// It is the only path by which external content enters viking://resources,
// viking://user/memories or viking://agent/skills.
package treebuilder

import (
	"context"
	"fmt"

	"openviking/internal/agfs"
	"openviking/internal/logging"
	"openviking/internal/uri"
	"openviking/internal/verrors"
)

// Enqueuer receives the root semantic job after a successful promote. The
// queue discovers and fans out to descendants on its own.
type Enqueuer interface {
	EnqueueSemantic(ctx context.Context, target string, kind uri.Kind) error
}

// Result describes one promotion.
type Result struct {
	TargetURI string `json:"target_uri"`
	Kind      uri.Kind `json:"kind"`
}

// Builder atomically promotes scratch trees into a target scope.
type Builder struct {
	fs      *agfs.FS
	enqueue Enqueuer
}

// New creates a Builder.
func New(fs *agfs.FS, enqueue Enqueuer) *Builder {
	return &Builder{fs: fs, enqueue: enqueue}
}

// Promote moves the single document root under tempDirURI into the scope's
// base namespace, deletes the scratch root and enqueues the root semantic
// job. On a partial move it attempts rollback; if rollback itself fails a
// .pending_cleanup marker is left at the highest affected directory and the
// error reports PARTIAL_FAILURE semantics via INVARIANT_VIOLATION.
func (b *Builder) Promote(ctx context.Context, tempDirURI string, scope uri.Scope) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryBuilder, "Promote")
	defer timer.Stop()

	tempRoot, err := uri.Normalize(tempDirURI)
	if err != nil {
		return nil, err
	}
	if !uri.IsTemp(tempRoot) {
		return nil, verrors.Errorf(verrors.CodeInvalidArgument, "promote source must be a scratch tree: %s", tempRoot)
	}

	// Exactly one top-level directory is the document root.
	tops, err := b.fs.Ls(ctx, tempRoot, agfs.LsOptions{})
	if err != nil {
		return nil, err
	}
	if len(tops) != 1 || !tops[0].IsDir {
		return nil, verrors.Errorf(verrors.CodeInvariantViolation,
			"scratch tree %s must hold exactly one document directory, found %d entries", tempRoot, len(tops))
	}
	docRoot := tops[0].URI
	docName := uri.Name(docRoot)

	base, kind, err := uri.BaseFor(scope)
	if err != nil {
		return nil, err
	}

	target, err := b.uniqueTarget(ctx, base, docName)
	if err != nil {
		return nil, err
	}

	if err := b.fs.Move(ctx, docRoot, target); err != nil {
		return nil, b.rollback(ctx, docRoot, target, err)
	}

	if err := b.fs.Delete(ctx, tempRoot, agfs.DeleteOptions{Recursive: true}); err != nil {
		// The promoted tree is intact; scratch leftovers are garbage-collected
		// by the grace-period sweep.
		logging.Get(logging.CategoryBuilder).Warn("scratch cleanup failed for %s: %v", tempRoot, err)
	}

	if b.enqueue != nil {
		if err := b.enqueue.EnqueueSemantic(ctx, target, kind); err != nil {
			return nil, verrors.Wrapf(err, verrors.CodeDependencyError, "enqueue semantic root for %s", target)
		}
	}

	logging.Get(logging.CategoryBuilder).Info("promoted %s -> %s", docRoot, target)
	return &Result{TargetURI: target, Kind: kind}, nil
}

// uniqueTarget appends the smallest positive numeric suffix that makes the
// target unique under base.
func (b *Builder) uniqueTarget(ctx context.Context, base, name string) (string, error) {
	candidate := uri.Join(base, name)
	_, exists, err := b.fs.Stat(ctx, candidate)
	if err != nil {
		return "", err
	}
	if !exists {
		return candidate, nil
	}
	for i := 1; ; i++ {
		candidate = uri.Join(base, fmt.Sprintf("%s-%d", name, i))
		_, exists, err := b.fs.Stat(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

// rollback reverses a partial move. When the reverse move fails too, a
// .pending_cleanup marker is written at the target so an operator (or a
// later sweep) can finish the job.
func (b *Builder) rollback(ctx context.Context, docRoot, target string, cause error) error {
	_, targetExists, statErr := b.fs.Stat(ctx, target)
	if statErr != nil || !targetExists {
		return verrors.Wrapf(cause, verrors.CodeDependencyError, "promote move failed for %s", target)
	}

	if complete, _ := b.fs.MoveComplete(ctx, target); complete {
		// Copy finished but cleanup failed upstream; nothing to roll back.
		return verrors.Wrapf(cause, verrors.CodeDependencyError, "promote finalisation failed for %s", target)
	}

	_, srcExists, _ := b.fs.Stat(ctx, docRoot)
	if srcExists {
		// Copy-then-delete failed mid-copy: the source is intact, so the
		// partial destination is dropped.
		if err := b.fs.Delete(ctx, target, agfs.DeleteOptions{Recursive: true}); err != nil {
			return b.leaveMarker(ctx, target, cause)
		}
		return verrors.Wrapf(cause, verrors.CodeDependencyError, "promote of %s failed and was rolled back", target)
	}

	// Source already gone: reverse-move whatever landed at the target.
	if err := b.fs.Move(ctx, target, docRoot); err != nil {
		return b.leaveMarker(ctx, target, cause)
	}
	return verrors.Wrapf(cause, verrors.CodeDependencyError, "promote of %s failed and was rolled back", target)
}

func (b *Builder) leaveMarker(ctx context.Context, target string, cause error) error {
	marker := uri.Join(target, agfs.PendingCleanupMarker)
	if werr := b.fs.Write(ctx, marker, []byte(verrors.CodeOf(cause)), agfs.WriteOptions{}); werr != nil {
		logging.Get(logging.CategoryBuilder).Error("pending_cleanup marker write failed for %s: %v", target, werr)
	}
	return verrors.Wrapf(cause, verrors.CodeInvariantViolation,
		"partial promote of %s could not be rolled back; .pending_cleanup left", target)
}
