package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fsgrid/pkg/admin"
	"fsgrid/pkg/types"
)

func TestAdminClient(t *testing.T) {
	var got struct {
		method, path, query string
		body                map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method, got.path, got.query = r.Method, r.URL.Path, r.URL.RawQuery
		got.body = nil
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&got.body)
		}

		switch {
		case r.URL.Path == "/slaves/ghost":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"slave ghost: slave not found"}`))
		case r.URL.Path == "/broken":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream went away\n"))
		case r.URL.Path == "/select":
			_ = json.NewEncoder(w).Encode([]types.SlaveInfo{{Name: "beta", Online: true}})
		case r.URL.Path == "/slaves/verify":
			_ = json.NewEncoder(w).Encode(admin.VerifyResponse{Removed: 2})
		case r.URL.Path == "/files":
			_, _ = w.Write([]byte("type=dir;size=0;modify=20240101000000;x.slaves=a; /x\n"))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := NewAdminClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		_, err := c.GetSlave(ctx, "ghost")
		require.Error(t, err)
		assert.True(t, NotFound(err))
		assert.Contains(t, err.Error(), "slave ghost: slave not found")
	})

	t.Run("PlainTextError", func(t *testing.T) {
		err := c.do(ctx, http.MethodGet, "/broken", nil, nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Equal(t, "upstream went away", apiErr.Message)
		assert.False(t, NotFound(err))
	})

	t.Run("Select", func(t *testing.T) {
		infos, err := c.Select(ctx, 2, []string{"alpha", "gamma"}, true)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, types.SlaveName("beta"), infos[0].Name)
		assert.Equal(t, "ascending=true&count=2&exempt=alpha%2Cgamma", got.query)
	})

	t.Run("Kick", func(t *testing.T) {
		require.NoError(t, c.KickSlave(ctx, "alpha", "ops"))
		assert.Equal(t, http.MethodPost, got.method)
		assert.Equal(t, "/slaves/alpha/kick", got.path)
		assert.Equal(t, "ops", got.body["by"])
	})

	t.Run("Verify", func(t *testing.T) {
		removed, err := c.Verify(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
	})

	t.Run("Files", func(t *testing.T) {
		var sb strings.Builder
		require.NoError(t, c.Files(ctx, &sb))
		assert.True(t, strings.HasSuffix(sb.String(), " /x\n"))
	})
}

func TestCheckHealth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := health.NewServer()
	hs.SetServingStatus("fsgrid.Master", healthpb.HealthCheckResponse_NOT_SERVING)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(ln)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := CheckHealth(ctx, ln.Addr().String(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	status, err = CheckHealth(ctx, ln.Addr().String(), "fsgrid.Master")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	_, err = CheckHealth(ctx, ln.Addr().String(), "unknown.Service")
	assert.Error(t, err)
}
