package x86

// ReadMem exposes the raw process-memory reader to other pipeline stages
// (the emulator resolves a fully-static memory operand, such as a
// RIP-relative load of a read-only constant, by reading the real bytes at
// its known address rather than treating it as Dynamic).
func ReadMem(addr uint64, n int) []byte { return readBytes(addr, n) }
