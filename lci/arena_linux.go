//go:build linux

package lci

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapArena reserves an anonymous page-aligned mapping for the packet arena.
func mapArena(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap packet arena (%d bytes): %w", size, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}
