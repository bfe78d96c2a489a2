// Package registry owns the master's set of slaves: their persisted descriptors,
// the handshake that binds an inbound connection to a handle, health
// verification, status aggregation and placement selection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fsgrid/pkg/protocol"
	"fsgrid/pkg/types"
)

// Namespace is the master's merged view of every slave's files.
type Namespace interface {
	Detach(name types.SlaveName)
}

// Remerger resynchronises the namespace with a slave after it connects.
type Remerger interface {
	Remerge(ctx context.Context, h *Handle) error
}

type Options struct {
	StatusTTL        time.Duration
	HandshakeTimeout time.Duration
	// ProbeTimeout bounds each ping or status request made on the registry's behalf.
	ProbeTimeout time.Duration
	// ProbeParallelism bounds concurrent slave requests during verify and selection.
	ProbeParallelism int

	Namespace Namespace
	Remerger  Remerger
	Metrics   *Metrics

	// OnStateChange is called after any handle goes online or offline.
	OnStateChange func(h *Handle)
}

type Registry struct {
	store  DescriptorStore
	opts   Options
	logger *zap.Logger

	// membership serialises load, add, remove and verify.
	membership sync.Mutex

	mu      sync.RWMutex
	handles []*Handle // sorted by name
}

func New(store DescriptorStore, opts Options, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = DefaultStatusTTL
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.ProbeParallelism <= 0 {
		opts.ProbeParallelism = 16
	}
	return &Registry{
		store:  store,
		opts:   opts,
		logger: logger,
	}
}

func (r *Registry) newHandle(desc types.SlaveDescriptor) *Handle {
	return newHandle(desc, r.opts.StatusTTL, r.opts.ProbeTimeout, r.logger, r.stateChanged)
}

func (r *Registry) stateChanged(h *Handle) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.SlavesOnline.Set(float64(r.countOnline()))
	}
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(h)
	}
}

func (r *Registry) countOnline() int {
	n := 0
	for _, h := range r.ListAll() {
		if h.IsOnline() {
			n++
		}
	}
	return n
}

func (r *Registry) updateRegistered() {
	if r.opts.Metrics != nil {
		r.mu.RLock()
		n := len(r.handles)
		r.mu.RUnlock()
		r.opts.Metrics.SlavesRegistered.Set(float64(n))
	}
}

// Load registers every persisted descriptor. Any record that cannot be parsed
// aborts the load and leaves the registry unchanged.
func (r *Registry) Load() error {
	r.membership.Lock()
	defer r.membership.Unlock()

	names, err := r.store.List()
	if err != nil {
		return fmt.Errorf("failed to list slave descriptors: %w", err)
	}

	handles := make([]*Handle, 0, len(names))
	for _, name := range names {
		desc, err := r.store.Load(name)
		if err != nil {
			r.logger.Error("Refusing to start with an unreadable slave descriptor",
				zap.String("slave", string(name)), zap.Error(err))
			return fmt.Errorf("%w: %s: %v", ErrCorruptDescriptor, name, err)
		}
		handles = append(handles, r.newHandle(desc))
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name() < handles[j].Name() })

	r.mu.Lock()
	r.handles = handles
	r.mu.Unlock()
	r.updateRegistered()

	r.logger.Info("Loaded slaves", zap.Int("count", len(handles)))
	return nil
}

// search returns the index of name in the sorted handle list and whether it is present.
// r.mu must be held.
func (r *Registry) search(name types.SlaveName) (int, bool) {
	i := sort.Search(len(r.handles), func(i int) bool { return r.handles[i].Name() >= name })
	return i, i < len(r.handles) && r.handles[i].Name() == name
}

func (r *Registry) insert(h *Handle) {
	r.mu.Lock()
	i, _ := r.search(h.Name())
	r.handles = append(r.handles, nil)
	copy(r.handles[i+1:], r.handles[i:])
	r.handles[i] = h
	r.mu.Unlock()
	r.updateRegistered()
}

func (r *Registry) inMemory(name types.SlaveName) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.search(name); ok {
		return r.handles[i]
	}
	return nil
}

// Add persists desc and registers it.
func (r *Registry) Add(desc types.SlaveDescriptor) (*Handle, error) {
	if err := protocol.ValidateName(string(desc.Name)); err != nil {
		return nil, err
	}

	r.membership.Lock()
	defer r.membership.Unlock()

	if r.inMemory(desc.Name) != nil {
		return nil, fmt.Errorf("slave %s: %w", desc.Name, ErrAlreadyExists)
	}
	if _, err := r.store.Load(desc.Name); err == nil {
		return nil, fmt.Errorf("slave %s: %w", desc.Name, ErrAlreadyExists)
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptDescriptor, desc.Name, err)
	}

	if err := r.store.Save(desc); err != nil {
		return nil, fmt.Errorf("failed to save slave %s: %w", desc.Name, err)
	}

	h := r.newHandle(desc)
	r.insert(h)
	r.logger.Info("Added slave", zap.String("slave", string(desc.Name)), zap.Strings("masks", desc.Masks))
	return h, nil
}

// Remove deletes the slave's record, disconnects it and detaches its files from the
// namespace.
func (r *Registry) Remove(name types.SlaveName) error {
	r.membership.Lock()
	defer r.membership.Unlock()

	h, err := r.lookupLocked(name)
	if err != nil {
		return err
	}
	if err := r.store.Delete(name); err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("failed to remove slave %s: %w", name, err)
	}

	h.disconnect("deleted", true)

	r.mu.Lock()
	if i, ok := r.search(name); ok {
		r.handles = append(r.handles[:i], r.handles[i+1:]...)
	}
	r.mu.Unlock()
	r.updateRegistered()

	if r.opts.Namespace != nil {
		r.opts.Namespace.Detach(name)
	}
	r.logger.Info("Removed slave", zap.String("slave", string(name)))
	return nil
}

// Lookup returns the handle for name, loading its record if it was added to the
// store after startup.
func (r *Registry) Lookup(name types.SlaveName) (*Handle, error) {
	if h := r.inMemory(name); h != nil {
		return h, nil
	}

	r.membership.Lock()
	defer r.membership.Unlock()
	return r.lookupLocked(name)
}

// lookupLocked requires r.membership.
func (r *Registry) lookupLocked(name types.SlaveName) (*Handle, error) {
	if h := r.inMemory(name); h != nil {
		return h, nil
	}

	desc, err := r.store.Load(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("slave %s: %w", name, types.ErrNotFound)
	}
	if err != nil {
		r.logger.Error("Unreadable slave descriptor", zap.String("slave", string(name)), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptDescriptor, name, err)
	}

	h := r.newHandle(desc)
	r.insert(h)
	return h, nil
}

// ListAll returns a snapshot of every handle in name order.
func (r *Registry) ListAll() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, len(r.handles))
	copy(out, r.handles)
	return out
}

// ListAvailable returns the online handles in name order.
func (r *Registry) ListAvailable() ([]*Handle, error) {
	var out []*Handle
	for _, h := range r.ListAll() {
		if h.IsOnline() {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoAvailableSlaves
	}
	return out, nil
}

func (r *Registry) HasAvailable() bool {
	for _, h := range r.ListAll() {
		if h.IsOnline() {
			return true
		}
	}
	return false
}

// Kick forces an online slave offline. The slave is free to reconnect.
func (r *Registry) Kick(name types.SlaveName, reason string) error {
	h, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if !h.IsOnline() || !h.disconnect(reason, false) {
		return h.unavailable()
	}
	r.logger.Info("Kicked slave", zap.String("slave", string(name)), zap.String("reason", reason))
	return nil
}

// VerifyAll pings every online slave and takes the silent ones offline. It returns
// how many went offline.
func (r *Registry) VerifyAll(ctx context.Context) (int, error) {
	r.membership.Lock()
	defer r.membership.Unlock()

	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ProbeParallelism)

	for _, h := range r.ListAll() {
		if !h.IsOnline() {
			continue
		}
		h := h
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, r.opts.ProbeTimeout)
			defer cancel()
			dropped, _ := h.verify(pctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if dropped {
				removed.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(removed.Load()), err
	}

	n := int(removed.Load())
	if r.opts.Metrics != nil {
		r.opts.Metrics.VerifyRemovals.Add(float64(n))
	}
	if n > 0 {
		r.logger.Warn("Slaves failed verification", zap.Int("removed", n))
	}
	return n, nil
}

// Remerge resynchronises the namespace with one online slave. A failure takes the
// slave offline and is returned unchanged.
func (r *Registry) Remerge(ctx context.Context, name types.SlaveName) error {
	h, err := r.Lookup(name)
	if err != nil {
		return err
	}
	return r.remerge(ctx, h)
}

func (r *Registry) remerge(ctx context.Context, h *Handle) error {
	if !h.IsOnline() {
		return h.unavailable()
	}
	if r.opts.Remerger == nil {
		return nil
	}

	start := time.Now()
	if err := r.opts.Remerger.Remerge(ctx, h); err != nil {
		h.SetOffline(fmt.Sprintf("remerge failed: %v", err))
		r.logger.Warn("Remerge failed", zap.String("slave", string(h.Name())), zap.Error(err))
		return err
	}
	r.logger.Info("Remerged slave", zap.String("slave", string(h.Name())), zap.Duration("took", time.Since(start)))
	return nil
}
