//go:build !linux

package lci

import (
	"os"
	"unsafe"
)

// mapArena carves a page-aligned window out of a heap allocation.
func mapArena(size int) ([]byte, func() error, error) {
	page := os.Getpagesize()
	raw := make([]byte, size+page)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % uintptr(page)); rem != 0 {
		off = page - rem
	}
	return raw[off : off+size : off+size], func() error { return nil }, nil
}
