package types

import "errors"

var (
	// ErrNotFound is returned when a named slave has neither a live handle nor a
	// persisted record.
	ErrNotFound = errors.New("slave not found")

	// ErrSlaveUnavailable marks a transient failure against one slave. Callers retry
	// against a different target; nothing in this module retries on their behalf.
	ErrSlaveUnavailable = errors.New("slave unavailable")
)
