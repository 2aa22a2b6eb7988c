package treebuilder

import (
	"context"
	"sync"
	"testing"

	"openviking/internal/agfs"
	"openviking/internal/uri"
	"openviking/internal/verrors"
)

type recordingEnqueuer struct {
	mu      sync.Mutex
	targets []string
	kinds   []uri.Kind
}

func (r *recordingEnqueuer) EnqueueSemantic(ctx context.Context, target string, kind uri.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	r.kinds = append(r.kinds, kind)
	return nil
}

func setup(t *testing.T) (*Builder, *agfs.FS, *recordingEnqueuer) {
	t.Helper()
	fs := agfs.New(agfs.NewMemoryBackend())
	ctx := context.Background()
	for _, root := range []string{uri.ResourcesRoot, uri.MemoriesRoot, uri.SkillsRoot, uri.TempRoot} {
		if err := fs.Mkdir(ctx, root); err != nil {
			t.Fatal(err)
		}
	}
	enq := &recordingEnqueuer{}
	return New(fs, enq), fs, enq
}

func scratchTree(t *testing.T, fs *agfs.FS, docName string) string {
	t.Helper()
	ctx := context.Background()
	root := uri.Join(uri.TempRoot, "scratch-"+docName)
	doc := uri.Join(root, docName)
	if err := fs.Mkdir(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := fs.Write(ctx, uri.Join(doc, "a.md"), []byte("alpha"), agfs.WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestPromote_MovesAndEnqueues(t *testing.T) {
	b, fs, enq := setup(t)
	ctx := context.Background()
	root := scratchTree(t, fs, "doc")

	res, err := b.Promote(ctx, root, uri.ScopeKindResources)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if res.TargetURI != "viking://resources/doc" {
		t.Errorf("target = %s", res.TargetURI)
	}
	if res.Kind != uri.KindResource {
		t.Errorf("kind = %s", res.Kind)
	}

	if _, err := fs.Read(ctx, "viking://resources/doc/a.md"); err != nil {
		t.Errorf("promoted file unreadable: %v", err)
	}
	if _, exists, _ := fs.Stat(ctx, root); exists {
		t.Error("scratch root must be deleted after promote")
	}
	if len(enq.targets) != 1 || enq.targets[0] != "viking://resources/doc" {
		t.Errorf("semantic root not enqueued: %v", enq.targets)
	}
}

func TestPromote_SuffixDisambiguation(t *testing.T) {
	b, fs, _ := setup(t)
	ctx := context.Background()

	r1, err := b.Promote(ctx, scratchTree(t, fs, "doc"), uri.ScopeKindResources)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := b.Promote(ctx, scratchTree(t, fs, "doc"), uri.ScopeKindResources)
	if err != nil {
		t.Fatal(err)
	}
	r3, err := b.Promote(ctx, scratchTree(t, fs, "doc"), uri.ScopeKindResources)
	if err != nil {
		t.Fatal(err)
	}

	if r1.TargetURI != "viking://resources/doc" ||
		r2.TargetURI != "viking://resources/doc-1" ||
		r3.TargetURI != "viking://resources/doc-2" {
		t.Errorf("suffixes wrong: %s, %s, %s", r1.TargetURI, r2.TargetURI, r3.TargetURI)
	}
}

func TestPromote_ScopeMapping(t *testing.T) {
	b, fs, _ := setup(t)
	ctx := context.Background()

	rm, err := b.Promote(ctx, scratchTree(t, fs, "mem"), uri.ScopeKindUser)
	if err != nil {
		t.Fatal(err)
	}
	if rm.TargetURI != "viking://user/memories/mem" || rm.Kind != uri.KindMemory {
		t.Errorf("user scope: %+v", rm)
	}

	rs, err := b.Promote(ctx, scratchTree(t, fs, "skill"), uri.ScopeKindAgent)
	if err != nil {
		t.Fatal(err)
	}
	if rs.TargetURI != "viking://agent/skills/skill" || rs.Kind != uri.KindSkill {
		t.Errorf("agent scope: %+v", rs)
	}
}

func TestPromote_RejectsMultipleRoots(t *testing.T) {
	b, fs, _ := setup(t)
	ctx := context.Background()

	root := uri.Join(uri.TempRoot, "multi")
	fs.Mkdir(ctx, uri.Join(root, "one"))
	fs.Mkdir(ctx, uri.Join(root, "two"))

	_, err := b.Promote(ctx, root, uri.ScopeKindResources)
	if !verrors.Is(err, verrors.CodeInvariantViolation) {
		t.Fatalf("expected INVARIANT_VIOLATION, got %v", err)
	}
}

func TestPromote_RejectsNonScratchSource(t *testing.T) {
	b, fs, _ := setup(t)
	ctx := context.Background()
	fs.Mkdir(ctx, "viking://resources/already")

	_, err := b.Promote(ctx, "viking://resources/already", uri.ScopeKindResources)
	if !verrors.Is(err, verrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestPromote_RejectsFileRoot(t *testing.T) {
	b, fs, _ := setup(t)
	ctx := context.Background()
	root := uri.Join(uri.TempRoot, "fileroot")
	fs.Mkdir(ctx, root)
	fs.Write(ctx, uri.Join(root, "stray.md"), []byte("x"), agfs.WriteOptions{})

	_, err := b.Promote(ctx, root, uri.ScopeKindResources)
	if !verrors.Is(err, verrors.CodeInvariantViolation) {
		t.Fatalf("file at scratch top level must be rejected, got %v", err)
	}
}
