// Package agfs presents a uniform hierarchical, object-addressed filesystem
// over pluggable backends under the viking:// namespace. The FS type carries
// the URI-level contract; Backend implementations only understand relative
// slash-separated paths.
package agfs

import (
	"context"
	"time"
)

// DirEnt is a single backend directory entry.
type DirEnt struct {
	Name  string
	IsDir bool
	Size  int64
	MTime time.Time
}

// Backend is the minimal storage contract. Paths are relative,
// slash-separated and never begin or end with "/".
//
// Write must be atomic at node granularity: a concurrent Read observes
// either the previous content or the new content, never partial bytes.
type Backend interface {
	// Read returns file content. Missing files report ErrNotExist.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores file content, creating parent directories as needed.
	Write(ctx context.Context, path string, data []byte) error

	// Stat describes a node. The second return is false when it does not exist.
	Stat(ctx context.Context, path string) (DirEnt, bool, error)

	// List returns the direct children of a directory.
	List(ctx context.Context, path string) ([]DirEnt, error)

	// Mkdir creates a directory (and parents).
	Mkdir(ctx context.Context, path string) error

	// Remove deletes a single file or an empty directory.
	Remove(ctx context.Context, path string) error

	// RemoveAll deletes a subtree.
	RemoveAll(ctx context.Context, path string) error

	// Rename moves a single node. Atomic for files on the same backend.
	Rename(ctx context.Context, src, dst string) error

	// Name identifies the backend for logs and ready checks.
	Name() string
}
