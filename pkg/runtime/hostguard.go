package runtime

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// memoryGuard refuses new sandboxes when the host is low on memory
type memoryGuard struct {
	minFreeBytes uint64
	available    func() (uint64, error)
}

func newMemoryGuard(minFreeMB uint64) *memoryGuard {
	return &memoryGuard{
		minFreeBytes: minFreeMB * 1024 * 1024,
		available: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
	}
}

func (g *memoryGuard) check() error {
	if g == nil || g.minFreeBytes == 0 {
		return nil
	}

	available, err := g.available()
	if err != nil {
		// An unreadable host does not block provisioning
		return nil
	}

	if available < g.minFreeBytes {
		return fmt.Errorf("host memory exhausted: %d MiB available, %d MiB required",
			available/1024/1024, g.minFreeBytes/1024/1024)
	}
	return nil
}
