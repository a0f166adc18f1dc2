//go:build unix

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the granularity of the arena mapping
const PageSize = 4096

func mapMemory(size int) ([]byte, error) {
	aligned := ((size + PageSize - 1) / PageSize) * PageSize
	data, err := unix.Mmap(-1, 0, aligned,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

func unmapMemory(data []byte) error {
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
