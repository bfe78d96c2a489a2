// Package portrange leases ephemeral ports from a fixed range.
//
// Each Allocator owns an occupancy table over [min, max). Acquire starts at a
// uniformly random slot and probes forward with wraparound, so concurrent
// transfers spread across the range instead of piling onto the low end.
// Ownership of a lease is tracked only by the table: whoever calls Release with
// a port frees it.
package portrange

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMin = 49152
	DefaultMax = 65535
)

// ErrExhausted is returned by Acquire when every port in the range is leased.
var ErrExhausted = errors.New("port range exhausted")

type Allocator struct {
	mu     sync.Mutex
	min    int
	used   []bool
	inUse  int
	rand   *rand.Rand
	logger *zap.Logger
}

// New creates an allocator over [min, max).
func New(min, max int, logger *zap.Logger) (*Allocator, error) {
	if min <= 0 || max > 65536 || max <= min {
		return nil, fmt.Errorf("invalid port range [%d, %d)", min, max)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Allocator{
		min:    min,
		used:   make([]bool, max-min),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}, nil
}

// NewDefault creates an allocator over the IANA dynamic range.
func NewDefault(logger *zap.Logger) *Allocator {
	a, _ := New(DefaultMin, DefaultMax, logger)
	return a
}

// Acquire leases a free port.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.rand.Intn(len(a.used))
	pos := start
	for {
		if !a.used[pos] {
			a.used[pos] = true
			a.inUse++
			a.logger.Debug("Port leased", zap.Int("port", a.min+pos), zap.Int("start", a.min+start))
			return a.min + pos, nil
		}
		pos = (pos + 1) % len(a.used)
		if pos == start {
			return 0, fmt.Errorf("%w: [%d, %d)", ErrExhausted, a.min, a.min+len(a.used))
		}
	}
}

// Release frees a leased port. Releasing a port that is not currently leased is a
// programming error and panics.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := port - a.min
	if idx < 0 || idx >= len(a.used) {
		panic(fmt.Sprintf("portrange: release of port %d outside [%d, %d)", port, a.min, a.min+len(a.used)))
	}
	if !a.used[idx] {
		panic(fmt.Sprintf("portrange: release of unleased port %d", port))
	}
	a.used[idx] = false
	a.inUse--
	a.logger.Debug("Port released", zap.Int("port", port))
}

// Leased reports whether port is currently held.
func (a *Allocator) Leased(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := port - a.min
	return idx >= 0 && idx < len(a.used) && a.used[idx]
}

func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Range returns the half-open bounds [min, max).
func (a *Allocator) Range() (int, int) {
	return a.min, a.min + len(a.used)
}

func (a *Allocator) Size() int {
	return len(a.used)
}
