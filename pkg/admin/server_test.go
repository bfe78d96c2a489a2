package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fsgrid/pkg/namespace"
	"fsgrid/pkg/registry"
	"fsgrid/pkg/types"
)

type stubConn struct {
	available int64
	listing   []types.FileEntry

	once   sync.Once
	done   chan struct{}
	reason error
}

func newStubConn(available int64) *stubConn {
	return &stubConn{available: available, done: make(chan struct{})}
}

func (c *stubConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(10, 1, 1, 1), Port: 4000} }
func (c *stubConn) Ping(context.Context) error { return nil }
func (c *stubConn) Done() <-chan struct{}      { return c.done }
func (c *stubConn) Err() error                 { return c.reason }
func (c *stubConn) SendError(string)           {}

func (c *stubConn) Status(context.Context) (types.SlaveStatus, error) {
	return types.SlaveStatus{DiskSpaceAvailable: c.available, DiskSpaceCapacity: 1000}, nil
}

func (c *stubConn) Listing(context.Context) ([]types.FileEntry, error) {
	return c.listing, nil
}

func (c *stubConn) Close(reason error) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

type remergeInto struct{ tree *namespace.Tree }

func (r remergeInto) Remerge(ctx context.Context, h *registry.Handle) error {
	entries, err := h.Listing(ctx)
	if err != nil {
		return err
	}
	r.tree.Merge(h.Name(), entries)
	return nil
}

type fixture struct {
	srv  *httptest.Server
	reg  *registry.Registry
	tree *namespace.Tree
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := registry.NewFileStore(t.TempDir())
	require.NoError(t, err)

	tree := namespace.New(logger)
	reg := registry.New(store, registry.Options{
		StatusTTL: time.Millisecond,
		Namespace: tree,
		Remerger:  remergeInto{tree},
	}, logger)

	promReg := prometheus.NewRegistry()
	srv := httptest.NewServer(New(reg, tree, promReg, promReg, logger).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, reg: reg, tree: tree}
}

func (f *fixture) online(t *testing.T, name string, available int64) *stubConn {
	t.Helper()
	h, err := f.reg.Add(types.SlaveDescriptor{Name: types.SlaveName(name), Masks: []string{"10.0.0.0/8"}})
	require.NoError(t, err)
	conn := newStubConn(available)
	conn.listing = []types.FileEntry{{Path: "/" + name + ".txt", Size: available}}
	require.NoError(t, h.Connect(conn))
	return conn
}

func (f *fixture) request(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSlaveCRUD(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/slaves", `{"name":"alpha","masks":["10.0.0.0/8"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	info := decode[types.SlaveInfo](t, resp)
	assert.Equal(t, types.SlaveName("alpha"), info.Name)
	assert.False(t, info.Online)
	assert.Equal(t, "never connected", info.OfflineReason)

	resp = f.request(t, http.MethodPost, "/slaves", `{"name":"alpha","masks":["10.0.0.0/8"]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, decode[errorResponse](t, resp).Error, "already exists")

	resp = f.request(t, http.MethodPost, "/slaves", `{"name":".hidden","masks":["*"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/slaves", `{"name":"beta"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/slaves", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]types.SlaveInfo](t, resp), 1)

	resp = f.request(t, http.MethodDelete, "/slaves/alpha", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/slaves/alpha", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.request(t, http.MethodDelete, "/slaves/alpha", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSlaveReportsStatus(t *testing.T) {
	f := newFixture(t)
	f.online(t, "alpha", 300)

	resp := f.request(t, http.MethodGet, "/slaves/alpha", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[types.SlaveInfo](t, resp)
	assert.True(t, info.Online)
	require.NotNil(t, info.Status)
	assert.Equal(t, int64(300), info.Status.DiskSpaceAvailable)
	assert.Equal(t, "10.1.1.1:4000", info.RemoteAddr)
}

func TestKick(t *testing.T) {
	f := newFixture(t)
	conn := f.online(t, "alpha", 300)

	resp := f.request(t, http.MethodPost, "/slaves/alpha/kick", `{"by":"ops"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.EqualError(t, conn.Err(), "kicked by ops")

	resp = f.request(t, http.MethodPost, "/slaves/alpha/kick", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/slaves/ghost/kick", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemergeAndFiles(t *testing.T) {
	f := newFixture(t)
	f.online(t, "alpha", 300)

	resp := f.request(t, http.MethodPost, "/slaves/alpha/remerge", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/files", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sb strings.Builder
	_, err := io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "x.slaves=alpha; /alpha.txt")

	f.reg.ListAll()[0].SetOffline("gone")
	resp = f.request(t, http.MethodPost, "/slaves/alpha/remerge", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusAndSelect(t *testing.T) {
	f := newFixture(t)
	f.online(t, "alpha", 100)
	f.online(t, "beta", 500)
	f.online(t, "gamma", 300)
	_, err := f.reg.Add(types.SlaveDescriptor{Name: "delta", Masks: []string{"*"}})
	require.NoError(t, err)

	resp := f.request(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[StatusResponse](t, resp)
	assert.Equal(t, int64(900), status.Total.DiskSpaceAvailable)
	assert.Equal(t, 3, status.Reachable)
	assert.Equal(t, 4, status.Registered)
	assert.Nil(t, status.Slaves["delta"])

	names := func(infos []types.SlaveInfo) []types.SlaveName {
		out := make([]types.SlaveName, len(infos))
		for i, info := range infos {
			out[i] = info.Name
		}
		return out
	}

	resp = f.request(t, http.MethodGet, "/select?count=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []types.SlaveName{"beta", "gamma"}, names(decode[[]types.SlaveInfo](t, resp)))

	resp = f.request(t, http.MethodGet, "/select?count=2&ascending=true&exempt=alpha", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []types.SlaveName{"gamma", "beta"}, names(decode[[]types.SlaveInfo](t, resp)))

	resp = f.request(t, http.MethodGet, "/select?count=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/select?exempt=alpha,beta,gamma", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestVerifyAndHealth(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, "degraded", decode[map[string]string](t, resp)["status"])

	f.online(t, "alpha", 100)
	resp = f.request(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])

	resp = f.request(t, http.MethodPost, "/slaves/verify", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[VerifyResponse](t, resp).Removed)

	resp = f.request(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sb strings.Builder
	_, err := io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), `fsgrid_admin_requests_total{method="POST",route="/slaves/verify",status="200"} 1`)
}
