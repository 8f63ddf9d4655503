// Package codestore implements the Code Storage component (spec §4.1): a
// page-aligned, read-write-execute memory region that generated instructions
// are written into. Generalized from a compiled-function code segment/buffer
// pattern, adapted from "compiled function bytes" to "rewriter-emitted
// x86-64 bytes" and renamed to this component's own Reserve/Use vocabulary.
package codestore

import (
	"fmt"
	"unsafe"

	"github.com/dbrew-go/dbrew/internal/platform"
)

// Storage is a single growable region of executable memory. It is not safe
// for concurrent use, matching the rewriter's single-threaded design (spec §5).
type Storage struct {
	code []byte
	size int
}

// New constructs an empty Storage. The backing mapping is allocated lazily,
// on the first call to Reserve or Use.
func New() *Storage {
	return &Storage{}
}

// Reserve returns a pointer to n free bytes without committing them: the
// cursor is not advanced, so a second call to Reserve(n) returns the same
// address. Used by the Encoder's first pass to size-probe a block before its
// final address is known.
func (s *Storage) Reserve(n int) []byte {
	s.grow(s.size + n)
	return s.code[s.size : s.size+n : s.size+n]
}

// Use commits n bytes starting at the current cursor, advancing it. When
// fewer than n bytes are available it grows the mapping first, and it panics
// only if that growth fails. It does not check the session's configured code
// capacity; that CapacityExceeded check happens at a higher layer.
func (s *Storage) Use(n int) []byte {
	s.grow(s.size + n)
	b := s.code[s.size : s.size+n : s.size+n]
	s.size += n
	return b
}

// Addr returns the address of the first byte of the storage, as would be
// passed to a function call targeting generated code.
func (s *Storage) Addr() uintptr {
	if len(s.code) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.code[0]))
}

// Len returns the number of bytes committed via Use so far.
func (s *Storage) Len() int { return s.size }

// Cap returns the total number of bytes currently mapped, committed or not.
func (s *Storage) Cap() int { return len(s.code) }

// Bytes returns the committed region. The slice is invalidated by the next
// Reserve/Use call that triggers a grow.
func (s *Storage) Bytes() []byte { return s.code[:s.size] }

// AddrOf returns the address corresponding to offset bytes into the storage.
func (s *Storage) AddrOf(offset int) uintptr {
	return s.Addr() + uintptr(offset)
}

// Release returns the memory to the OS. The Storage is left empty and can be
// reused, mirroring a session reset.
func (s *Storage) Release() error {
	if len(s.code) == 0 {
		return nil
	}
	if err := platform.MunmapCodeSegment(s.code[:cap(s.code)]); err != nil {
		return err
	}
	s.code = nil
	s.size = 0
	return nil
}

func (s *Storage) grow(want int) {
	if len(s.code) >= want {
		return
	}
	size := len(s.code)
	if size == 0 {
		size = 65536
	}
	for size < want {
		size *= 2
	}
	var b []byte
	var err error
	if len(s.code) == 0 {
		b, err = platform.MmapCodeSegment(size)
	} else {
		b, err = platform.RemapCodeSegment(s.code, size)
	}
	if err != nil {
		// Failing to find n free bytes is fatal per spec §4.1.
		panic(fmt.Sprintf("dbrew: code storage out of memory growing to %d bytes: %v", size, err))
	}
	s.code = b
}
