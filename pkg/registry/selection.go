package registry

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fsgrid/pkg/types"
)

type probeResult struct {
	handle *Handle
	status types.SlaveStatus
}

// probe fetches the status of every handle in parallel and returns those that
// answered, in the order given.
func (r *Registry) probe(ctx context.Context, handles []*Handle) []probeResult {
	results := make([]*probeResult, len(handles))
	var g errgroup.Group
	g.SetLimit(r.opts.ProbeParallelism)

	for i, h := range handles {
		i, h := i, h
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
			defer cancel()
			status, err := h.Status(pctx)
			if r.opts.Metrics != nil {
				r.opts.Metrics.observeRefresh(err)
			}
			if err != nil {
				r.logger.Debug("Status probe failed", zap.String("slave", string(h.Name())), zap.Error(err))
				return nil
			}
			results[i] = &probeResult{handle: h, status: status}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]probeResult, 0, len(results))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}
	return out
}

// rankByFreeSpace orders results by available space and then by name.
func rankByFreeSpace(results []probeResult, ascending bool) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].status.DiskSpaceAvailable, results[j].status.DiskSpaceAvailable
		if a != b {
			if ascending {
				return a < b
			}
			return a > b
		}
		return results[i].handle.Name() < results[j].handle.Name()
	})
}

// SelectByFreeSpace returns up to count online slaves outside exempt, ranked by
// available disk space. Slaves whose status cannot be fetched are left out, so the
// result may be empty. It fails with ErrNoAvailableSlaves only when no slave is
// online at all.
func (r *Registry) SelectByFreeSpace(ctx context.Context, count int, exempt []types.SlaveName, ascending bool) ([]*Handle, error) {
	skip := make(map[types.SlaveName]struct{}, len(exempt))
	for _, name := range exempt {
		skip[name] = struct{}{}
	}

	available, err := r.ListAvailable()
	if err != nil {
		return nil, err
	}
	candidates := available[:0:0]
	for _, h := range available {
		if _, ok := skip[h.Name()]; !ok {
			candidates = append(candidates, h)
		}
	}

	results := r.probe(ctx, candidates)
	rankByFreeSpace(results, ascending)

	if count < 0 {
		count = 0
	}
	if count > len(results) {
		count = len(results)
	}
	out := make([]*Handle, 0, count)
	for _, res := range results[:count] {
		out = append(out, res.handle)
	}
	return out, nil
}

// SmallestFree returns the registered slave with the least available space among
// those that answer a status probe, or nil if none do.
func (r *Registry) SmallestFree(ctx context.Context) *Handle {
	results := r.probe(ctx, r.ListAll())
	if len(results) == 0 {
		return nil
	}
	rankByFreeSpace(results, true)
	return results[0].handle
}

// AggregateStatus sums the status of every reachable slave. Unreachable slaves are
// left out of the total.
func (r *Registry) AggregateStatus(ctx context.Context) types.SlaveStatus {
	var total types.SlaveStatus
	for _, res := range r.probe(ctx, r.ListAll()) {
		total = total.Append(res.status)
	}
	return total
}

// StatusByName maps every registered slave to its status, or nil when it could not
// be fetched.
func (r *Registry) StatusByName(ctx context.Context) map[types.SlaveName]*types.SlaveStatus {
	handles := r.ListAll()
	out := make(map[types.SlaveName]*types.SlaveStatus, len(handles))
	for _, h := range handles {
		out[h.Name()] = nil
	}

	for _, res := range r.probe(ctx, handles) {
		status := res.status
		out[res.handle.Name()] = &status
	}
	return out
}
