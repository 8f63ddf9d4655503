package x86

import (
	"encoding/binary"
	"unsafe"
)

// readByte reads a single byte from an arbitrary process address. The
// decoder's only interface to "the function's machine code" is a raw
// address (spec §1: "given a pointer to a compiled function"), so this is
// the one place unsafe pointer arithmetic is unavoidable.
func readByte(addr uint64) byte {
	return *(*byte)(unsafe.Pointer(uintptr(addr)))
}

func readBytes(addr uint64, n int) []byte {
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = readByte(addr + uint64(i))
	}
	return b
}

func readU16(addr uint64) uint16 { return binary.LittleEndian.Uint16(readBytes(addr, 2)) }
func readU32(addr uint64) uint32 { return binary.LittleEndian.Uint32(readBytes(addr, 4)) }
func readU64(addr uint64) uint64 { return binary.LittleEndian.Uint64(readBytes(addr, 8)) }
