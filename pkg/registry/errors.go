package registry

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists     = errors.New("slave already exists")
	ErrAlreadyOnline     = errors.New("already online")
	ErrMaskRejected      = errors.New("address rejected by mask")
	ErrNoAvailableSlaves = errors.New("no available slaves")

	// ErrCorruptDescriptor means a persisted record exists but cannot be trusted.
	// It is never retried.
	ErrCorruptDescriptor = errors.New("corrupt slave descriptor")
)

// MaskError names the peer address a slave's masks refused.
type MaskError struct {
	Addr  string
	Slave string
}

func (e *MaskError) Error() string {
	return fmt.Sprintf("%s is not a valid mask for %s", e.Addr, e.Slave)
}

func (e *MaskError) Unwrap() error {
	return ErrMaskRejected
}
