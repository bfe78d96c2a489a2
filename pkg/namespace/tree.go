// Package namespace keeps the master's merged view of the files every slave holds.
package namespace

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fsgrid/pkg/types"
	"fsgrid/pkg/utils"
)

type replica struct {
	size     int64
	modified time.Time
}

type node struct {
	dir      bool
	children map[string]*node
	// slaves holding this path. A directory survives while any slave holds it or
	// any descendant.
	slaves map[types.SlaveName]replica
}

func newNode(dir bool) *node {
	n := &node{dir: dir, slaves: make(map[types.SlaveName]replica)}
	if dir {
		n.children = make(map[string]*node)
	}
	return n
}

// Tree is safe for concurrent use.
type Tree struct {
	mu     sync.RWMutex
	root   *node
	logger *zap.Logger
}

func New(logger *zap.Logger) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tree{root: newNode(true), logger: logger}
}

func split(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Merge replaces everything attributed to slave with entries. It returns the
// number of entries that conflicted with another slave's view of the same path
// (file against directory) and were left out.
func (t *Tree) Merge(slave types.SlaveName, entries []types.FileEntry) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	detach(t.root, slave)

	conflicts := 0
	for _, e := range entries {
		parts := split(e.Path)
		if len(parts) == 0 {
			continue
		}
		if !t.insert(parts, slave, e) {
			conflicts++
			t.logger.Warn("Conflicting entry left out of namespace",
				zap.String("slave", string(slave)), zap.String("path", e.Path))
		}
	}
	return conflicts
}

// insert only creates nodes below the deepest existing prefix, and conflicts are
// only possible on existing nodes, so a refused entry leaves the tree untouched.
func (t *Tree) insert(parts []string, slave types.SlaveName, e types.FileEntry) bool {
	n := t.root
	for i, part := range parts {
		last := i == len(parts)-1
		wantDir := !last || e.IsDir()

		child, ok := n.children[part]
		if !ok {
			child = newNode(wantDir)
			n.children[part] = child
		} else if child.dir != wantDir {
			return false
		}
		if last {
			child.slaves[slave] = replica{size: e.Size, modified: e.Modified}
		}
		n = child
	}
	return true
}

// Detach drops everything attributed to slave.
func (t *Tree) Detach(slave types.SlaveName) {
	t.mu.Lock()
	defer t.mu.Unlock()
	detach(t.root, slave)
	t.logger.Debug("Detached slave from namespace", zap.String("slave", string(slave)))
}

// detach reports whether n is left with nothing.
func detach(n *node, slave types.SlaveName) bool {
	delete(n.slaves, slave)
	for name, child := range n.children {
		if detach(child, slave) {
			delete(n.children, name)
		}
	}
	return len(n.slaves) == 0 && len(n.children) == 0
}

// Entry is one path of the merged tree.
type Entry struct {
	Path     string
	Dir      bool
	Size     int64
	Modified time.Time
	Slaves   []types.SlaveName
}

// Walk visits every path depth-first in name order.
func (t *Tree) Walk(fn func(Entry) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return walk(t.root, "", fn)
}

func walk(n *node, dir string, fn func(Entry) error) error {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		child := n.children[name]
		p := dir + "/" + name
		if err := fn(child.entry(p)); err != nil {
			return err
		}
		if child.dir {
			if err := walk(child, p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *node) entry(p string) Entry {
	e := Entry{Path: p, Dir: n.dir}
	for name, r := range n.slaves {
		e.Slaves = append(e.Slaves, name)
		if r.size > e.Size {
			e.Size = r.size
		}
		if r.modified.After(e.Modified) {
			e.Modified = r.modified
		}
	}
	sort.Slice(e.Slaves, func(i, j int) bool { return e.Slaves[i] < e.Slaves[j] })
	return e
}

// Lookup returns the merged entry at p.
func (t *Tree) Lookup(p string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	for _, part := range split(p) {
		child, ok := n.children[part]
		if !ok {
			return Entry{}, false
		}
		n = child
	}
	return n.entry("/" + strings.Join(split(p), "/")), true
}

// Serialize writes one MLST-style fact line per path:
//
//	type=file;size=12;modify=20240102150405;x.slaves=alpha,beta; /dir/name
func (t *Tree) Serialize(w io.Writer) error {
	bw := bufio.NewWriter(w)
	err := t.Walk(func(e Entry) error {
		kind := "file"
		if e.Dir {
			kind = "dir"
		}
		slaves := make([]string, len(e.Slaves))
		for i, s := range e.Slaves {
			slaves[i] = string(s)
		}
		_, err := fmt.Fprintf(bw, "type=%s;size=%d;modify=%s;x.slaves=%s; %s\n",
			kind, e.Size, e.Modified.UTC().Format("20060102150405"), strings.Join(slaves, ","), e.Path)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to serialize namespace: %w", err)
	}
	return bw.Flush()
}

// SaveSnapshot serializes the tree to file, replacing it atomically.
func (t *Tree) SaveSnapshot(file string) error {
	var sb strings.Builder
	if err := t.Serialize(&sb); err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(file, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to save namespace snapshot: %w", err)
	}
	t.logger.Info("Saved namespace snapshot", zap.String("path", file))
	return nil
}
