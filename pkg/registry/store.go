package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"fsgrid/pkg/protocol"
	"fsgrid/pkg/types"
	"fsgrid/pkg/utils"
)

// DescriptorStore persists one descriptor record per slave name.
type DescriptorStore interface {
	// List returns every stored name in sorted order.
	List() ([]types.SlaveName, error)
	// Load returns types.ErrNotFound when no record exists for name.
	Load(name types.SlaveName) (types.SlaveDescriptor, error)
	Save(desc types.SlaveDescriptor) error
	// Delete returns types.ErrNotFound when no record exists for name.
	Delete(name types.SlaveName) error
}

const descriptorExt = ".toml"

// FileStore keeps descriptors as <dir>/<name>.toml.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create slaves directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(name types.SlaveName) string {
	return filepath.Join(s.dir, string(name)+descriptorExt)
}

func (s *FileStore) List() ([]types.SlaveName, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read slaves directory %s: %w", s.dir, err)
	}

	var names []types.SlaveName
	for _, d := range dirents {
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !strings.HasSuffix(d.Name(), descriptorExt) {
			continue
		}
		names = append(names, types.SlaveName(strings.TrimSuffix(d.Name(), descriptorExt)))
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

func (s *FileStore) Load(name types.SlaveName) (types.SlaveDescriptor, error) {
	if err := protocol.ValidateName(string(name)); err != nil {
		return types.SlaveDescriptor{}, fmt.Errorf("%s: %w", name, types.ErrNotFound)
	}

	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return types.SlaveDescriptor{}, fmt.Errorf("%s: %w", name, types.ErrNotFound)
	}
	if err != nil {
		return types.SlaveDescriptor{}, fmt.Errorf("failed to read descriptor %s: %w", name, err)
	}

	var desc types.SlaveDescriptor
	md, err := toml.Decode(string(data), &desc)
	if err != nil {
		return types.SlaveDescriptor{}, fmt.Errorf("failed to parse descriptor %s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return types.SlaveDescriptor{}, fmt.Errorf("descriptor %s has unknown keys %v", name, undecoded)
	}
	if desc.Name != name {
		return types.SlaveDescriptor{}, fmt.Errorf("descriptor %s names slave %q", name, desc.Name)
	}
	return desc, nil
}

func (s *FileStore) Save(desc types.SlaveDescriptor) error {
	if err := protocol.ValidateName(string(desc.Name)); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(desc); err != nil {
		return fmt.Errorf("failed to encode descriptor %s: %w", desc.Name, err)
	}
	return utils.WriteFileAtomic(s.path(desc.Name), buf.Bytes(), 0o640)
}

func (s *FileStore) Delete(name types.SlaveName) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete descriptor %s: %w", name, err)
	}
	return nil
}
