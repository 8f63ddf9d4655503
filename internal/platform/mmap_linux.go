//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapCodeSegment allocates a page-aligned, read-write-execute memory region
// of at least size bytes. This backs the Code Storage component (spec §4.1):
// the Rewriter session commits generated instructions into the returned
// slice via codestore.Storage.Use.
func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap code segment of %d bytes: %w", size, err)
	}
	return b, nil
}

// RemapCodeSegment grows an existing code segment to at least size bytes,
// preserving its contents. Used when the Code Storage's cursor runs past the
// current mapping's capacity.
func RemapCodeSegment(code []byte, size int) ([]byte, error) {
	if len(code) == 0 {
		return MmapCodeSegment(size)
	}
	b, err := unix.Mremap(code, len(code), size, unix.MREMAP_MAYMOVE)
	if err != nil {
		return nil, fmt.Errorf("remap code segment to %d bytes: %w", size, err)
	}
	return b, nil
}

// MunmapCodeSegment releases the memory backing a code segment. Called once,
// from the owning Rewriter session's Close.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	if err := unix.Munmap(code); err != nil {
		return fmt.Errorf("munmap code segment: %w", err)
	}
	return nil
}
