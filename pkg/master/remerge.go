package master

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fsgrid/pkg/namespace"
	"fsgrid/pkg/registry"
	"fsgrid/pkg/types"
)

// treeRemerger replaces a slave's part of the namespace with its current listing.
type treeRemerger struct {
	tree   *namespace.Tree
	logger *zap.Logger
}

func (m *treeRemerger) Remerge(ctx context.Context, h *registry.Handle) error {
	entries, err := h.Listing(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch listing: %w", err)
	}

	conflicts := m.tree.Merge(h.Name(), entries)

	// The slave may have dropped while its listing was in flight.
	if !h.IsOnline() {
		m.tree.Detach(h.Name())
		return fmt.Errorf("slave %s went offline during remerge: %w", h.Name(), types.ErrSlaveUnavailable)
	}

	m.logger.Debug("Merged slave listing",
		zap.String("slave", string(h.Name())),
		zap.Int("entries", len(entries)),
		zap.Int("conflicts", conflicts))
	return nil
}
