package roots

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity means the roots of a basket disagree about a logical path.
	ErrIntegrity = errors.New("roots out of sync")

	// ErrSymlink means a path resolved through a symbolic link.
	ErrSymlink = errors.New("refusing to follow symlink")

	ErrNotDirectory = errors.New("not a directory")
)

// IntegrityError reports a divergence between roots at one logical path. It is
// fatal to the subtree at Path, not to the store.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s at /%s: %s", ErrIntegrity, e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

type SymlinkError struct {
	Path string
}

func (e *SymlinkError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSymlink, e.Path)
}

func (e *SymlinkError) Unwrap() error {
	return ErrSymlink
}

// diverged reports whether err describes a path the basket cannot serve consistently.
func diverged(err error) bool {
	return errors.Is(err, ErrIntegrity) || errors.Is(err, ErrSymlink)
}
