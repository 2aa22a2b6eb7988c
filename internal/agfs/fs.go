package agfs

import (
	"context"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"openviking/internal/logging"
	"openviking/internal/uri"
	"openviking/internal/verrors"
)

// Well-known sibling files written by the semantic worker.
const (
	AbstractFile = ".abstract.md"
	OverviewFile = ".overview.md"

	// moveCompleteMarker is written at the destination when a directory
	// move has fully copied; readers seeing the destination without it
	// are observing a partial move.
	moveCompleteMarker = ".move_complete"

	// PendingCleanupMarker is left at the highest affected directory when
	// a failed move could not be rolled back.
	PendingCleanupMarker = ".pending_cleanup"
)

// Entry is a single listing result.
type Entry struct {
	URI      string    `json:"uri"`
	IsDir    bool      `json:"is_dir"`
	Size     int64     `json:"size"`
	MTime    time.Time `json:"mtime"`
	Abstract string    `json:"abstract,omitempty"`
}

// TreeNode is a hierarchical listing result.
type TreeNode struct {
	Entry
	Children []*TreeNode `json:"children,omitempty"`
}

// LsOptions controls Ls behaviour.
type LsOptions struct {
	Recursive     bool
	IncludeHidden bool
	NodeLimit     int
}

// TreeOptions controls Tree behaviour.
type TreeOptions struct {
	Depth     int // 0 = unlimited
	NodeLimit int
}

// WriteOptions controls Write behaviour.
type WriteOptions struct {
	CreateOnly bool
}

// DeleteOptions controls Delete behaviour.
type DeleteOptions struct {
	Recursive bool
}

// FS layers the viking:// contract over a Backend: URI validation, error
// taxonomy, hidden-file filtering, deterministic ordering, and the
// directory-move protocol.
type FS struct {
	backend Backend

	// leases serialise cross-URI mutations (move, recursive delete) per
	// directory within this process. Single-writer per workspace is assumed,
	// so in-process leases are the whole story.
	leases sync.Map // uriPrefix -> *sync.Mutex
}

// New creates an FS over the given backend.
func New(backend Backend) *FS {
	return &FS{backend: backend}
}

// BackendName exposes the backend identity for ready checks.
func (f *FS) BackendName() string { return f.backend.Name() }

// relPath converts a normalised URI to a backend path.
func relPath(u string) string {
	return strings.TrimPrefix(u, uri.Scheme)
}

func (f *FS) lease(u string) func() {
	m, _ := f.leases.LoadOrStore(u, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Read returns the raw content of a file node.
func (f *FS) Read(ctx context.Context, rawURI string) ([]byte, error) {
	u, err := uri.Normalize(rawURI)
	if err != nil {
		return nil, err
	}
	data, err := f.backend.Read(ctx, relPath(u))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, verrors.Errorf(verrors.CodeNotFound, "no such file: %s", u)
		}
		return nil, verrors.Wrapf(err, verrors.CodeDependencyError, "agfs read %s", u)
	}
	return data, nil
}

// Write stores exact bytes at a file node. The parent directory must exist;
// with CreateOnly the target must not.
func (f *FS) Write(ctx context.Context, rawURI string, data []byte, opts WriteOptions) error {
	timer := logging.StartTimer(logging.CategoryAGFS, "Write")
	defer timer.Stop()

	u, err := uri.Normalize(rawURI)
	if err != nil {
		return err
	}
	if u == uri.Scheme {
		return verrors.New(verrors.CodeInvalidArgument, "cannot write to the namespace root")
	}

	parent := uri.Parent(u)
	if parent != uri.Scheme {
		_, exists, err := f.backend.Stat(ctx, relPath(parent))
		if err != nil {
			return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs stat %s", parent)
		}
		if !exists {
			return verrors.Errorf(verrors.CodeNotFound, "parent not found: %s", parent)
		}
	}

	if opts.CreateOnly {
		_, exists, err := f.backend.Stat(ctx, relPath(u))
		if err != nil {
			return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs stat %s", u)
		}
		if exists {
			return verrors.Errorf(verrors.CodeAlreadyExists, "already exists: %s", u)
		}
	}

	if err := f.backend.Write(ctx, relPath(u), data); err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs write %s", u)
	}
	logging.AGFSDebug("wrote %s (%d bytes)", u, len(data))
	return nil
}

// Mkdir creates a directory node (and parents).
func (f *FS) Mkdir(ctx context.Context, rawURI string) error {
	u, err := uri.Normalize(rawURI)
	if err != nil {
		return err
	}
	if err := f.backend.Mkdir(ctx, relPath(u)); err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs mkdir %s", u)
	}
	return nil
}

// Stat describes a node.
func (f *FS) Stat(ctx context.Context, rawURI string) (Entry, bool, error) {
	u, err := uri.Normalize(rawURI)
	if err != nil {
		return Entry{}, false, err
	}
	ent, exists, err := f.backend.Stat(ctx, relPath(u))
	if err != nil {
		return Entry{}, false, verrors.Wrapf(err, verrors.CodeDependencyError, "agfs stat %s", u)
	}
	if !exists {
		return Entry{}, false, nil
	}
	return Entry{URI: u, IsDir: ent.IsDir, Size: ent.Size, MTime: ent.MTime}, true, nil
}

// Ls lists a directory. Results are ordered lexicographically by URI for
// determinism. Hidden entries (dot-prefixed) are excluded unless requested.
// For child directories whose own .abstract.md exists, Abstract is populated
// to enable single-call navigation.
func (f *FS) Ls(ctx context.Context, rawURI string, opts LsOptions) ([]Entry, error) {
	u, err := uri.Normalize(rawURI)
	if err != nil {
		return nil, err
	}

	var out []Entry
	if err := f.lsInto(ctx, u, opts, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	if opts.NodeLimit > 0 && len(out) > opts.NodeLimit {
		out = out[:opts.NodeLimit]
	}
	return out, nil
}

func (f *FS) lsInto(ctx context.Context, u string, opts LsOptions, out *[]Entry) error {
	ents, err := f.backend.List(ctx, relPath(u))
	if err != nil {
		if os.IsNotExist(err) {
			return verrors.Errorf(verrors.CodeNotFound, "no such directory: %s", u)
		}
		return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs list %s", u)
	}
	for _, e := range ents {
		if opts.NodeLimit > 0 && len(*out) >= opts.NodeLimit {
			return nil
		}
		hidden := strings.HasPrefix(e.Name, ".")
		if hidden && !opts.IncludeHidden {
			continue
		}
		child := uri.Join(u, e.Name)
		entry := Entry{URI: child, IsDir: e.IsDir, Size: e.Size, MTime: e.MTime}
		if e.IsDir {
			if data, err := f.backend.Read(ctx, relPath(uri.Join(child, AbstractFile))); err == nil {
				entry.Abstract = string(data)
			}
		}
		*out = append(*out, entry)
		if opts.Recursive && e.IsDir {
			if err := f.lsInto(ctx, child, opts, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tree returns a hierarchical listing.
func (f *FS) Tree(ctx context.Context, rawURI string, opts TreeOptions) (*TreeNode, error) {
	u, err := uri.Normalize(rawURI)
	if err != nil {
		return nil, err
	}
	ent, exists, err := f.Stat(ctx, u)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, verrors.Errorf(verrors.CodeNotFound, "no such node: %s", u)
	}
	budget := opts.NodeLimit
	if budget <= 0 {
		budget = 1 << 20
	}
	root := &TreeNode{Entry: ent}
	if ent.IsDir {
		if err := f.fillTree(ctx, root, opts.Depth, &budget); err != nil {
			return nil, err
		}
	}
	return root, nil
}

func (f *FS) fillTree(ctx context.Context, node *TreeNode, depth int, budget *int) error {
	if depth < 0 || *budget <= 0 {
		return nil
	}
	children, err := f.Ls(ctx, node.URI, LsOptions{})
	if err != nil {
		return err
	}
	for _, c := range children {
		if *budget <= 0 {
			return nil
		}
		*budget--
		child := &TreeNode{Entry: c}
		node.Children = append(node.Children, child)
		if c.IsDir {
			nextDepth := depth - 1
			if depth == 0 {
				nextDepth = 0 // unlimited
			}
			if depth == 1 {
				continue
			}
			if err := f.fillTree(ctx, child, nextDepth, budget); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes a node. Directories require Recursive unless empty.
func (f *FS) Delete(ctx context.Context, rawURI string, opts DeleteOptions) error {
	u, err := uri.Normalize(rawURI)
	if err != nil {
		return err
	}
	ent, exists, err := f.Stat(ctx, u)
	if err != nil {
		return err
	}
	if !exists {
		return verrors.Errorf(verrors.CodeNotFound, "no such node: %s", u)
	}

	if !ent.IsDir {
		if err := f.backend.Remove(ctx, relPath(u)); err != nil {
			return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs remove %s", u)
		}
		return nil
	}

	if opts.Recursive {
		unlock := f.lease(u)
		defer unlock()
		if err := f.backend.RemoveAll(ctx, relPath(u)); err != nil {
			return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs remove-all %s", u)
		}
		return nil
	}

	children, err := f.backend.List(ctx, relPath(u))
	if err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs list %s", u)
	}
	if len(children) > 0 {
		return verrors.Errorf(verrors.CodeInvalidArgument, "directory not empty: %s", u)
	}
	if err := f.backend.Remove(ctx, relPath(u)); err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs remove %s", u)
	}
	return nil
}

// Move relocates a node. Single-file moves are atomic from the readers'
// point of view. Directory moves copy then delete: the destination carries
// a .move_complete marker only once every node has been copied, so a reader
// that finds the destination without the marker is looking at partial state.
func (f *FS) Move(ctx context.Context, srcRaw, dstRaw string) error {
	timer := logging.StartTimer(logging.CategoryAGFS, "Move")
	defer timer.StopWithThreshold(5 * time.Second)

	src, err := uri.Normalize(srcRaw)
	if err != nil {
		return err
	}
	dst, err := uri.Normalize(dstRaw)
	if err != nil {
		return err
	}

	ent, exists, err := f.Stat(ctx, src)
	if err != nil {
		return err
	}
	if !exists {
		return verrors.Errorf(verrors.CodeNotFound, "no such node: %s", src)
	}
	_, dstExists, err := f.Stat(ctx, dst)
	if err != nil {
		return err
	}
	if dstExists {
		return verrors.Errorf(verrors.CodeAlreadyExists, "destination exists: %s", dst)
	}

	if !ent.IsDir {
		if err := f.backend.Rename(ctx, relPath(src), relPath(dst)); err != nil {
			return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs rename %s -> %s", src, dst)
		}
		return nil
	}

	unlockSrc := f.lease(src)
	defer unlockSrc()
	unlockDst := f.lease(dst)
	defer unlockDst()

	// Fast path: same-backend rename, then marker.
	if err := f.backend.Rename(ctx, relPath(src), relPath(dst)); err == nil {
		_ = f.backend.Write(ctx, relPath(uri.Join(dst, moveCompleteMarker)), []byte(time.Now().UTC().Format(time.RFC3339)))
		return nil
	}

	// Slow path: best-effort copy-then-delete.
	if err := f.copyTree(ctx, src, dst); err != nil {
		return err
	}
	if err := f.backend.Write(ctx, relPath(uri.Join(dst, moveCompleteMarker)), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs move marker %s", dst)
	}
	if err := f.backend.RemoveAll(ctx, relPath(src)); err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs move source cleanup %s", src)
	}
	return nil
}

// MoveComplete reports whether a directory's move marker is present.
// Readers consult this to detect partial copy-then-delete state.
func (f *FS) MoveComplete(ctx context.Context, dirURI string) (bool, error) {
	_, exists, err := f.Stat(ctx, uri.Join(dirURI, moveCompleteMarker))
	return exists, err
}

func (f *FS) copyTree(ctx context.Context, src, dst string) error {
	if err := f.backend.Mkdir(ctx, relPath(dst)); err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs mkdir %s", dst)
	}
	ents, err := f.backend.List(ctx, relPath(src))
	if err != nil {
		return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs list %s", src)
	}
	for _, e := range ents {
		srcChild := uri.Join(src, e.Name)
		dstChild := uri.Join(dst, e.Name)
		if e.IsDir {
			if err := f.copyTree(ctx, srcChild, dstChild); err != nil {
				return err
			}
			continue
		}
		data, err := f.backend.Read(ctx, relPath(srcChild))
		if err != nil {
			return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs read %s", srcChild)
		}
		if err := f.backend.Write(ctx, relPath(dstChild), data); err != nil {
			return verrors.Wrapf(err, verrors.CodeDependencyError, "agfs write %s", dstChild)
		}
	}
	return nil
}

// Abstract returns the directory's L0 summary, or NOT_PROCESSED when the
// semantic worker has not reached it yet.
func (f *FS) Abstract(ctx context.Context, dirURI string) (string, error) {
	return f.wellKnown(ctx, dirURI, AbstractFile)
}

// Overview returns the directory's L1 breakdown, or NOT_PROCESSED.
func (f *FS) Overview(ctx context.Context, dirURI string) (string, error) {
	return f.wellKnown(ctx, dirURI, OverviewFile)
}

func (f *FS) wellKnown(ctx context.Context, dirURI, name string) (string, error) {
	u, err := uri.Normalize(dirURI)
	if err != nil {
		return "", err
	}
	ent, exists, err := f.Stat(ctx, u)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", verrors.Errorf(verrors.CodeNotFound, "no such directory: %s", u)
	}
	if !ent.IsDir {
		return "", verrors.Errorf(verrors.CodeInvalidArgument, "not a directory: %s", u)
	}
	data, err := f.backend.Read(ctx, relPath(uri.Join(u, name)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", verrors.Errorf(verrors.CodeNotProcessed, "semantic processing incomplete for %s", u)
		}
		return "", verrors.Wrapf(err, verrors.CodeDependencyError, "agfs read %s/%s", u, name)
	}
	return string(data), nil
}

// GrepMatch is one line of a file that matched a Grep pattern: the file's
// URI, the line number and the line text.
type GrepMatch struct {
	URI  string `json:"uri"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Grep scans file contents under target for a regex pattern.
func (f *FS) Grep(ctx context.Context, pattern, target string, limit int) ([]GrepMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, verrors.Wrapf(err, verrors.CodeInvalidArgument, "bad pattern %q", pattern)
	}
	if limit <= 0 {
		limit = 100
	}
	entries, err := f.Ls(ctx, target, LsOptions{Recursive: true})
	if err != nil {
		return nil, err
	}
	var matches []GrepMatch
	for _, e := range entries {
		if e.IsDir || len(matches) >= limit {
			continue
		}
		data, err := f.backend.Read(ctx, relPath(e.URI))
		if err != nil {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, GrepMatch{URI: e.URI, Line: i + 1, Text: line})
				if len(matches) >= limit {
					break
				}
			}
		}
	}
	return matches, nil
}

// Glob enumerates nodes under target whose path relative to target matches
// the shell pattern (path.Match per segment, ** for any depth).
func (f *FS) Glob(ctx context.Context, pattern, target string) ([]Entry, error) {
	if target == "" {
		return nil, verrors.New(verrors.CodeInvalidArgument, "glob requires a target uri")
	}
	t, err := uri.Normalize(target)
	if err != nil {
		return nil, err
	}
	entries, err := f.Ls(ctx, t, LsOptions{Recursive: true})
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		rel := strings.TrimPrefix(strings.TrimPrefix(e.URI, t), "/")
		ok, err := matchGlob(pattern, rel)
		if err != nil {
			return nil, verrors.Wrapf(err, verrors.CodeInvalidArgument, "bad glob %q", pattern)
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// matchGlob supports ** for any number of segments, falling back to
// path.Match semantics per segment.
func matchGlob(pattern, name string) (bool, error) {
	if !strings.Contains(pattern, "**") {
		return path.Match(pattern, name)
	}
	parts := strings.SplitN(pattern, "**", 2)
	prefix, suffix := parts[0], parts[1]
	if prefix != "" {
		if !strings.HasPrefix(name, strings.TrimSuffix(prefix, "/")) {
			return false, nil
		}
		name = strings.TrimPrefix(strings.TrimPrefix(name, strings.TrimSuffix(prefix, "/")), "/")
	}
	suffix = strings.TrimPrefix(suffix, "/")
	if suffix == "" {
		return true, nil
	}
	// Try the suffix against every tail of the remaining path.
	segs := strings.Split(name, "/")
	for i := range segs {
		tail := strings.Join(segs[i:], "/")
		ok, err := matchGlob(suffix, tail)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}
