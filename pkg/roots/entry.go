package roots

import (
	"fmt"
	"io/fs"
	"path"
	"time"

	"fsgrid/pkg/types"
)

// Entry is the merged view of one logical path across a basket. It is immutable
// once constructed.
type Entry struct {
	store   *Store
	path    string
	isDir   bool
	mode    fs.FileMode
	size    int64
	modTime time.Time
	roots   []int
}

// Path returns the logical path with a leading slash.
func (e *Entry) Path() string {
	return "/" + e.path
}

func (e *Entry) Name() string {
	if e.path == "" {
		return ""
	}
	return path.Base(e.path)
}

func (e *Entry) IsDir() bool {
	return e.isDir
}

func (e *Entry) IsFile() bool {
	return !e.isDir
}

// Size is zero for directories.
func (e *Entry) Size() int64 {
	return e.size
}

func (e *Entry) Mode() fs.FileMode {
	return e.mode
}

// ModTime is the newest modification time among the roots holding the entry.
func (e *Entry) ModTime() time.Time {
	return e.modTime
}

// Roots returns the physical root directories that hold this entry.
func (e *Entry) Roots() []string {
	out := make([]string, 0, len(e.roots))
	for _, i := range e.roots {
		out = append(out, e.store.basket.roots[i].path)
	}
	return out
}

// Children lists a directory entry. The result is cached according to the store's
// refresh policy and reading it never modifies the roots.
func (e *Entry) Children() ([]*Entry, error) {
	if !e.isDir {
		return nil, fmt.Errorf("/%s: %w", e.path, ErrNotDirectory)
	}
	return e.store.children(e)
}

func (e *Entry) FileEntry() types.FileEntry {
	return types.FileEntry{
		Path:     e.Path(),
		Size:     e.size,
		Mode:     e.mode,
		Modified: e.modTime,
	}
}
