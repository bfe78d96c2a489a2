// Package roots merges several physical storage directories into one logical tree.
//
// A path may exist in any subset of a basket's roots. Directories may span roots;
// a plain file lives on exactly one. Every root that holds a path must agree on
// whether it is a file or a directory, and symbolic links are never followed.
// Violations surface when an Entry is constructed, never later.
package roots

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// RefreshMode controls how long a directory listing is reused.
type RefreshMode string

const (
	RefreshOnce   RefreshMode = "once" // cached until Invalidate or Purge
	RefreshTTL    RefreshMode = "ttl"
	RefreshAlways RefreshMode = "none" // never cached
)

// CollisionPolicy decides what a listing does with a child whose roots diverge.
type CollisionPolicy string

const (
	CollisionSkip CollisionPolicy = "skip"
	CollisionFail CollisionPolicy = "fail"
)

type Options struct {
	Refresh   RefreshMode
	TTL       time.Duration
	CacheSize int // 0 is unbounded
	Collision CollisionPolicy

	// ShowHollowDirs lists directories that contain nothing but empty directories.
	ShowHollowDirs bool
}

func DefaultOptions() Options {
	return Options{
		Refresh:   RefreshOnce,
		Collision: CollisionSkip,
	}
}

type Store struct {
	basket *Basket
	opts   Options
	cache  *expirable.LRU[string, []*Entry]
	logger *zap.Logger
}

func NewStore(basket *Basket, opts Options, logger *zap.Logger) (*Store, error) {
	if basket == nil || basket.Len() == 0 {
		return nil, fmt.Errorf("store needs a non-empty basket")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Refresh == "" {
		opts.Refresh = RefreshOnce
	}
	if opts.Collision == "" {
		opts.Collision = CollisionSkip
	}

	s := &Store{basket: basket, opts: opts, logger: logger}

	switch opts.Refresh {
	case RefreshOnce:
		s.cache = expirable.NewLRU[string, []*Entry](opts.CacheSize, nil, 0)
	case RefreshTTL:
		if opts.TTL <= 0 {
			return nil, fmt.Errorf("refresh mode %q needs a positive ttl", opts.Refresh)
		}
		s.cache = expirable.NewLRU[string, []*Entry](opts.CacheSize, nil, opts.TTL)
	case RefreshAlways:
	default:
		return nil, fmt.Errorf("unknown refresh mode %q", opts.Refresh)
	}

	switch opts.Collision {
	case CollisionSkip, CollisionFail:
	default:
		return nil, fmt.Errorf("unknown collision policy %q", opts.Collision)
	}

	return s, nil
}

// Open builds a basket from paths and wraps it in a Store.
func Open(paths []string, opts Options, logger *zap.Logger) (*Store, error) {
	basket, err := NewBasket(paths)
	if err != nil {
		return nil, err
	}
	return NewStore(basket, opts, logger)
}

func (s *Store) Basket() *Basket {
	return s.basket
}

// Entry probes every root at logical path p and returns the merged node.
func (s *Store) Entry(p string) (*Entry, error) {
	p = cleanLogical(p)
	e := &Entry{store: s, path: p}
	found := false

	for i, root := range s.basket.roots {
		abs := root.abs(p)
		info, err := os.Lstat(abs)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", abs, err)
		}
		if err := checkCanonical(root, p, abs, info); err != nil {
			return nil, err
		}

		isDir := info.IsDir()
		isFile := info.Mode().IsRegular()
		if !isDir && !isFile {
			return nil, &IntegrityError{Path: p, Reason: fmt.Sprintf("%s is neither a file nor a directory", abs)}
		}

		if !found {
			found = true
			e.isDir = isDir
			e.mode = info.Mode()
			e.modTime = info.ModTime()
			if isFile {
				e.size = info.Size()
			}
		} else {
			if isDir != e.isDir {
				return nil, &IntegrityError{Path: p, Reason: "file and directory mix across roots"}
			}
			if isFile {
				return nil, &IntegrityError{Path: p, Reason: "file collision"}
			}
			if info.ModTime().After(e.modTime) {
				e.modTime = info.ModTime()
			}
		}
		e.roots = append(e.roots, i)
	}

	if !found {
		return nil, fmt.Errorf("/%s: %w", p, fs.ErrNotExist)
	}
	return e, nil
}

// checkCanonical refuses any path whose canonical form differs from its plain form.
func checkCanonical(root Root, logical, abs string, info fs.FileInfo) error {
	if info.Mode()&fs.ModeSymlink != 0 {
		return &SymlinkError{Path: abs}
	}
	canonical, err := root.canonical(logical)
	if err != nil {
		return fmt.Errorf("failed to canonicalize %s: %w", abs, err)
	}
	if canonical != abs {
		return &SymlinkError{Path: abs}
	}
	return nil
}

// Children lists the directory at logical path p.
func (s *Store) Children(p string) ([]*Entry, error) {
	e, err := s.Entry(p)
	if err != nil {
		return nil, err
	}
	return e.Children()
}

func (s *Store) children(e *Entry) ([]*Entry, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(e.path); ok {
			return cached, nil
		}
	}

	sorted, err := s.names(e)
	if err != nil {
		return nil, err
	}

	children := make([]*Entry, 0, len(sorted))
	for _, name := range sorted {
		child, err := s.Entry(path.Join(e.path, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			if s.opts.Collision == CollisionFail || !diverged(err) {
				return nil, err
			}
			s.logger.Warn("Skipping diverged entry", zap.String("path", "/"+path.Join(e.path, name)), zap.Error(err))
			continue
		}

		if child.isDir && !s.opts.ShowHollowDirs {
			hollow, err := s.hollow(child)
			if err != nil {
				return nil, err
			}
			if hollow {
				continue
			}
		}
		children = append(children, child)
	}

	if s.cache != nil {
		s.cache.Add(e.path, children)
	}
	return children, nil
}

// names is the sorted, de-duplicated union of every root's listing of e.
func (s *Store) names(e *Entry) ([]string, error) {
	set := make(map[string]struct{})
	for _, i := range e.roots {
		dir := s.basket.roots[i].abs(e.path)
		dirents, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", dir, err)
		}
		for _, d := range dirents {
			set[d.Name()] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// hollow reports whether e contains nothing but (nested) empty directories in
// every root that holds it.
func (s *Store) hollow(e *Entry) (bool, error) {
	for _, i := range e.roots {
		h, err := hollowDir(s.basket.roots[i].abs(e.path))
		if err != nil {
			return false, err
		}
		if !h {
			return false, nil
		}
	}
	return true, nil
}

func hollowDir(dir string) (bool, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, d := range dirents {
		if !d.IsDir() {
			return false, nil
		}
	}
	for _, d := range dirents {
		h, err := hollowDir(dir + string(os.PathSeparator) + d.Name())
		if err != nil || !h {
			return false, err
		}
	}
	return true, nil
}

// Invalidate drops the cached listing of logical path p.
func (s *Store) Invalidate(p string) {
	if s.cache != nil {
		s.cache.Remove(cleanLogical(p))
	}
}

// Purge drops every cached listing.
func (s *Store) Purge() {
	if s.cache != nil {
		s.cache.Purge()
	}
}
