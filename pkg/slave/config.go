package slave

import (
	"fmt"

	"go.uber.org/zap"

	"fsgrid/pkg/config"
	"fsgrid/pkg/portrange"
	"fsgrid/pkg/roots"
	"fsgrid/pkg/types"
)

// StoreOptions translates the listing settings of cfg.
func StoreOptions(cfg *config.SlaveConfig) roots.Options {
	return roots.Options{
		Refresh:        roots.RefreshMode(cfg.ListingCache.Mode),
		TTL:            cfg.ListingCache.TTL.Duration,
		CacheSize:      cfg.ListingCache.Size,
		Collision:      roots.CollisionPolicy(cfg.CollisionPolicy),
		ShowHollowDirs: cfg.ShowHollowDirs,
	}
}

// OpenStore opens the roots named by cfg.
func OpenStore(cfg *config.SlaveConfig, logger *zap.Logger) (*roots.Store, error) {
	store, err := roots.Open(cfg.Roots, StoreOptions(cfg), logger.Named("roots"))
	if err != nil {
		return nil, fmt.Errorf("failed to open roots: %w", err)
	}
	return store, nil
}

// FromConfig builds a slave with its store and port allocator.
func FromConfig(cfg *config.SlaveConfig, logger *zap.Logger) (*Slave, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := OpenStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	ports, err := portrange.New(cfg.PortRange.Min, cfg.PortRange.Max, logger.Named("ports"))
	if err != nil {
		return nil, fmt.Errorf("failed to create port allocator: %w", err)
	}
	return New(Options{
		Name:              types.SlaveName(cfg.Name),
		MasterAddress:     cfg.MasterAddress,
		ReservedSpace:     int64(cfg.ReservedSpace),
		ReconnectMaxDelay: cfg.ReconnectMaxDelay.Duration,
	}, store, ports, logger)
}
