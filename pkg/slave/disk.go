package slave

import (
	"fmt"

	"golang.org/x/sys/unix"

	"fsgrid/pkg/roots"
)

// diskSpace sums free and total bytes over the filesystems backing rs. Roots on
// the same device are counted once.
func diskSpace(rs []roots.Root) (available, capacity int64, err error) {
	seen := make(map[uint64]struct{}, len(rs))
	for _, root := range rs {
		var st unix.Stat_t
		if err := unix.Stat(root.Path(), &st); err != nil {
			return 0, 0, fmt.Errorf("failed to stat root %s: %w", root.Path(), err)
		}
		dev := uint64(st.Dev)
		if _, ok := seen[dev]; ok {
			continue
		}
		seen[dev] = struct{}{}

		var fs unix.Statfs_t
		if err := unix.Statfs(root.Path(), &fs); err != nil {
			return 0, 0, fmt.Errorf("failed to statfs root %s: %w", root.Path(), err)
		}
		available += int64(fs.Bavail) * int64(fs.Bsize)
		capacity += int64(fs.Blocks) * int64(fs.Bsize)
	}
	return available, capacity, nil
}
