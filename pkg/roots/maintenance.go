package roots

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"

	"go.uber.org/zap"

	"fsgrid/pkg/types"
)

// Sweep physically removes every directory below logical path p that contains
// nothing but empty directories across all roots. The directory at p itself is
// kept. It returns the logical paths removed and drops all cached listings.
func (s *Store) Sweep(p string) ([]string, error) {
	e, err := s.Entry(p)
	if err != nil {
		return nil, err
	}
	if !e.isDir {
		return nil, fmt.Errorf("%s: %w", e.Path(), ErrNotDirectory)
	}

	var removed []string
	if _, err := s.prune(e, &removed); err != nil {
		return nil, err
	}
	s.Purge()

	sort.Strings(removed)
	if len(removed) > 0 {
		s.logger.Info("Swept hollow directories", zap.String("path", e.Path()), zap.Int("removed", len(removed)))
	}
	return removed, nil
}

// Hollow lists the topmost hollow directories below logical path p without
// removing anything. Sweep would remove exactly these trees.
func (s *Store) Hollow(p string) ([]string, error) {
	e, err := s.Entry(p)
	if err != nil {
		return nil, err
	}
	if !e.isDir {
		return nil, fmt.Errorf("%s: %w", e.Path(), ErrNotDirectory)
	}

	var out []string
	var visit func(*Entry) error
	visit = func(e *Entry) error {
		names, err := s.names(e)
		if err != nil {
			return err
		}
		for _, name := range names {
			child, err := s.Entry(path.Join(e.path, name))
			if errors.Is(err, fs.ErrNotExist) || (err != nil && diverged(err)) {
				continue
			}
			if err != nil {
				return err
			}
			if !child.isDir {
				continue
			}
			hollow, err := s.hollow(child)
			if err != nil {
				return err
			}
			if hollow {
				out = append(out, child.Path())
				continue
			}
			if err := visit(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(e); err != nil {
		return nil, err
	}
	return out, nil
}

// prune removes hollow subdirectories of e bottom-up and reports whether e is
// now empty in every root.
func (s *Store) prune(e *Entry, removed *[]string) (bool, error) {
	names, err := s.names(e)
	if err != nil {
		return false, err
	}

	empty := true
	for _, name := range names {
		child, err := s.Entry(path.Join(e.path, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			if !diverged(err) {
				return false, err
			}
			empty = false
			continue
		}
		if !child.isDir {
			empty = false
			continue
		}

		childEmpty, err := s.prune(child, removed)
		if err != nil {
			return false, err
		}
		if !childEmpty {
			empty = false
			continue
		}
		for _, i := range child.roots {
			dir := s.basket.roots[i].abs(child.path)
			if err := os.Remove(dir); err != nil {
				return false, fmt.Errorf("failed to remove %s: %w", dir, err)
			}
		}
		*removed = append(*removed, child.Path())
	}
	return empty, nil
}

// Walk visits every entry below the tree root depth-first in name order.
// The root itself is not visited.
func (s *Store) Walk(fn func(*Entry) error) error {
	root, err := s.Entry("")
	if err != nil {
		return err
	}
	return walk(root, fn)
}

func walk(e *Entry, fn func(*Entry) error) error {
	children, err := e.Children()
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := fn(child); err != nil {
			return err
		}
		if child.IsDir() {
			if err := walk(child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Entries flattens the whole logical tree for transmission to the master.
func (s *Store) Entries() ([]types.FileEntry, error) {
	var out []types.FileEntry
	err := s.Walk(func(e *Entry) error {
		out = append(out, e.FileEntry())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
