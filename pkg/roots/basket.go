package roots

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Root is one physical storage directory.
type Root struct {
	path string
}

// NewRoot validates that path is an existing directory and returns it as a Root.
func NewRoot(path string) (Root, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Root{}, fmt.Errorf("failed to resolve root %s: %w", path, err)
	}

	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return Root{}, fmt.Errorf("failed to resolve root %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Root{}, fmt.Errorf("failed to stat root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return Root{}, fmt.Errorf("root %s is not a directory", abs)
	}

	return Root{path: abs}, nil
}

func (r Root) Path() string {
	return r.path
}

// abs is the plain join of the root and a logical path.
func (r Root) abs(logical string) string {
	return filepath.Join(r.path, filepath.FromSlash(logical))
}

// canonical resolves a logical path inside the root with every symlink component
// evaluated and scoped to the root.
func (r Root) canonical(logical string) (string, error) {
	return securejoin.SecureJoin(r.path, filepath.FromSlash(logical))
}

// Basket is the ordered set of roots composing one logical store.
type Basket struct {
	roots []Root
}

func NewBasket(paths []string) (*Basket, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("basket needs at least one root")
	}

	b := &Basket{roots: make([]Root, 0, len(paths))}
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		root, err := NewRoot(p)
		if err != nil {
			return nil, err
		}
		if seen[root.path] {
			return nil, fmt.Errorf("root %s listed twice", root.path)
		}
		for other := range seen {
			if nested(other, root.path) || nested(root.path, other) {
				return nil, fmt.Errorf("roots %s and %s overlap", other, root.path)
			}
		}
		seen[root.path] = true
		b.roots = append(b.roots, root)
	}

	return b, nil
}

func (b *Basket) Roots() []Root {
	out := make([]Root, len(b.roots))
	copy(out, b.roots)
	return out
}

func (b *Basket) Len() int {
	return len(b.roots)
}

func nested(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, "../")
}

// cleanLogical normalizes a logical path to slash form without a leading slash.
// The tree root is "".
func cleanLogical(p string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
}
