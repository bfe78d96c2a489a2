package registry

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fsgrid/pkg/types"
)

type fakeConn struct {
	mu        sync.Mutex
	status    types.SlaveStatus
	statusErr error
	pingErr   error
	listing   []types.FileEntry
	sent      []string

	statusCalls atomic.Int32
	// gate, when set before use, holds Status until it is closed.
	gate chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	reason    error
}

func newFakeConn(available int64) *fakeConn {
	return &fakeConn{
		status: types.SlaveStatus{DiskSpaceAvailable: available, DiskSpaceCapacity: available * 2},
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 40000}
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Status(ctx context.Context) (types.SlaveStatus, error) {
	c.statusCalls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return types.SlaveStatus{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return types.SlaveStatus{}, c.statusErr
	}
	return c.status, nil
}

func (c *fakeConn) Listing(context.Context) ([]types.FileEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listing, nil
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *fakeConn) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) SendError(message string) {
	c.mu.Lock()
	c.sent = append(c.sent, message)
	c.mu.Unlock()
	c.Close(errors.New(message))
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusErr = err
	c.pingErr = err
}

type fakeNamespace struct {
	mu       sync.Mutex
	detached []types.SlaveName
}

func (n *fakeNamespace) Detach(name types.SlaveName) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detached = append(n.detached, name)
}

type remergeFunc func(ctx context.Context, h *Handle) error

func (f remergeFunc) Remerge(ctx context.Context, h *Handle) error {
	return f(ctx, h)
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *FileStore) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return New(store, opts, zaptest.NewLogger(t)), store
}

func desc(name string, masks ...string) types.SlaveDescriptor {
	if len(masks) == 0 {
		masks = []string{"10.0.0.0/8"}
	}
	return types.SlaveDescriptor{Name: types.SlaveName(name), Masks: masks}
}

// online adds a slave named name and attaches a fake connection reporting
// available bytes free.
func online(t *testing.T, r *Registry, name string, available int64) (*Handle, *fakeConn) {
	t.Helper()
	h, err := r.Add(desc(name))
	require.NoError(t, err)
	conn := newFakeConn(available)
	require.NoError(t, h.Connect(conn))
	return h, conn
}

func names(handles []*Handle) []types.SlaveName {
	out := make([]types.SlaveName, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Name())
	}
	return out
}
