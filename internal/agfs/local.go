package agfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"openviking/internal/logging"
)

// LocalBackend stores nodes as plain files under a root directory. Each URI
// path maps one-to-one onto a filesystem path, so the on-disk layout mirrors
// the namespace and stays inspectable with ordinary tools.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates (if needed) and opens a local storage root.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("local backend root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agfs root: %w", err)
	}
	logging.AGFSDebug("local backend opened at %s", root)
	return &LocalBackend{root: root}, nil
}

func (b *LocalBackend) abs(path string) string {
	return filepath.Join(b.root, filepath.FromSlash(path))
}

// Name identifies the backend.
func (b *LocalBackend) Name() string { return "local" }

// Read returns file content.
func (b *LocalBackend) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(b.abs(path))
}

// Write stores content atomically: temp file in the target directory, then
// rename. Readers see old or new bytes, never a torn write.
func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := b.abs(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Stat describes a node.
func (b *LocalBackend) Stat(ctx context.Context, path string) (DirEnt, bool, error) {
	if err := ctx.Err(); err != nil {
		return DirEnt{}, false, err
	}
	fi, err := os.Stat(b.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return DirEnt{}, false, nil
		}
		return DirEnt{}, false, err
	}
	return DirEnt{
		Name:  fi.Name(),
		IsDir: fi.IsDir(),
		Size:  fi.Size(),
		MTime: fi.ModTime(),
	}, true, nil
}

// List returns direct children sorted by name.
func (b *LocalBackend) List(ctx context.Context, path string) ([]DirEnt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.abs(path))
	if err != nil {
		return nil, err
	}
	out := make([]DirEnt, 0, len(entries))
	for _, e := range entries {
		// Skip in-flight atomic-write temp files.
		if strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, DirEnt{
			Name:  e.Name(),
			IsDir: e.IsDir(),
			Size:  info.Size(),
			MTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Mkdir creates a directory and parents.
func (b *LocalBackend) Mkdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(b.abs(path), 0o755)
}

// Remove deletes a file or empty directory.
func (b *LocalBackend) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Remove(b.abs(path))
}

// RemoveAll deletes a subtree.
func (b *LocalBackend) RemoveAll(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(b.abs(path))
}

// Rename moves a node. os.Rename is atomic on the same filesystem.
func (b *LocalBackend) Rename(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.abs(dst)), 0o755); err != nil {
		return err
	}
	return os.Rename(b.abs(src), b.abs(dst))
}
