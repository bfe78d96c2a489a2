// Package master runs the coordinating side of a grid: it accepts slave control
// channels, keeps their files merged into one namespace and serves the admin API
// and gRPC health endpoint.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fsgrid/pkg/admin"
	"fsgrid/pkg/config"
	"fsgrid/pkg/namespace"
	"fsgrid/pkg/registry"
)

// HealthService is the gRPC health service name; it is SERVING while at least one
// slave is online.
const HealthService = "fsgrid.Master"

const shutdownTimeout = 5 * time.Second

type Master struct {
	cfg      *config.MasterConfig
	logger   *zap.Logger
	metrics  *prometheus.Registry
	registry *registry.Registry
	tree     *namespace.Tree
	health   *health.Server
}

func New(cfg *config.MasterConfig, logger *zap.Logger) (*Master, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := registry.NewFileStore(cfg.SlavesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open slaves directory: %w", err)
	}

	m := &Master{
		cfg:     cfg,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
		tree:    namespace.New(logger.Named("namespace")),
		health:  health.NewServer(),
	}
	m.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.registry = registry.New(store, registry.Options{
		StatusTTL:        cfg.StatusTTL.Duration,
		HandshakeTimeout: cfg.HandshakeTimeout.Duration,
		Namespace:        m.tree,
		Remerger:         &treeRemerger{tree: m.tree, logger: logger.Named("remerge")},
		Metrics:          registry.NewMetrics(m.metrics),
		OnStateChange:    m.stateChanged,
	}, logger.Named("registry"))

	m.updateHealth()
	return m, nil
}

func (m *Master) Registry() *registry.Registry {
	return m.registry
}

func (m *Master) Namespace() *namespace.Tree {
	return m.tree
}

func (m *Master) stateChanged(h *registry.Handle) {
	if !h.IsOnline() {
		m.tree.Detach(h.Name())
	}
	m.updateHealth()
}

func (m *Master) updateHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if m.registry != nil && m.registry.HasAvailable() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.health.SetServingStatus(HealthService, status)
	// The master process itself is up regardless of its slaves.
	m.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Run listens on the configured addresses and serves until ctx is cancelled.
func (m *Master) Run(ctx context.Context) error {
	listeners, err := m.listen()
	if err != nil {
		return err
	}
	return m.Serve(ctx, listeners)
}

// Listeners are the sockets a master serves on. Admin and Health may be nil.
type Listeners struct {
	Slaves net.Listener
	Admin  net.Listener
	Health net.Listener
}

func (m *Master) listen() (Listeners, error) {
	var l Listeners
	var err error

	closeAll := func() {
		for _, ln := range []net.Listener{l.Slaves, l.Admin, l.Health} {
			if ln != nil {
				ln.Close()
			}
		}
	}

	if l.Slaves, err = net.Listen("tcp", m.cfg.ListenAddress); err != nil {
		return l, fmt.Errorf("failed to listen on %s: %w", m.cfg.ListenAddress, err)
	}
	if m.cfg.AdminAddress != "" {
		if l.Admin, err = net.Listen("tcp", m.cfg.AdminAddress); err != nil {
			closeAll()
			return l, fmt.Errorf("failed to listen on %s: %w", m.cfg.AdminAddress, err)
		}
	}
	if m.cfg.HealthAddress != "" {
		if l.Health, err = net.Listen("tcp", m.cfg.HealthAddress); err != nil {
			closeAll()
			return l, fmt.Errorf("failed to listen on %s: %w", m.cfg.HealthAddress, err)
		}
	}
	return l, nil
}

// Serve loads the registry and serves on l until ctx is cancelled. On the way out
// it writes the namespace snapshot, if one is configured.
func (m *Master) Serve(ctx context.Context, l Listeners) error {
	if err := m.registry.Load(); err != nil {
		for _, ln := range []net.Listener{l.Slaves, l.Admin, l.Health} {
			if ln != nil {
				ln.Close()
			}
		}
		return err
	}
	m.updateHealth()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.registry.Serve(gctx, l.Slaves)
	})

	if l.Admin != nil {
		srv := &http.Server{
			Handler:           admin.New(m.registry, m.tree, m.metrics, m.metrics, m.logger).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		m.logger.Info("Admin API listening", zap.String("address", l.Admin.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(l.Admin); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if l.Health != nil {
		srv := grpc.NewServer()
		healthpb.RegisterHealthServer(srv, m.health)
		m.logger.Info("Health endpoint listening", zap.String("address", l.Health.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(l.Health); err != nil {
				return fmt.Errorf("health server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			m.health.Shutdown()
			srv.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		m.verifyLoop(gctx)
		return nil
	})

	err := g.Wait()

	if m.cfg.SnapshotPath != "" {
		if serr := m.tree.SaveSnapshot(m.cfg.SnapshotPath); serr != nil {
			m.logger.Error("Failed to save namespace snapshot", zap.Error(serr))
			err = errors.Join(err, serr)
		}
	}
	// After the snapshot: going offline detaches each slave's files.
	for _, h := range m.registry.ListAll() {
		h.SetOffline("master shutting down")
	}
	m.logger.Info("Master stopped")
	return err
}

func (m *Master) verifyLoop(ctx context.Context) {
	interval := m.cfg.VerifyInterval.Duration
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.registry.VerifyAll(ctx)
			if err != nil && ctx.Err() == nil {
				m.logger.Warn("Slave verification failed", zap.Error(err))
			} else if removed > 0 {
				m.logger.Info("Verification took slaves offline", zap.Int("removed", removed))
			}
		}
	}
}
