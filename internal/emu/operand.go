package emu

import (
	"encoding/binary"

	"github.com/dbrew-go/dbrew/internal/x86"
)

// addressOf computes the concrete effective address of an indirect operand
// together with the taint of that address (not the value stored there): an
// address is Static iff its base and index registers (when present) are
// both Static, since the displacement itself is always a compile-time
// constant.
func (es *EmuState) addressOf(op x86.Operand) (addr uint64, addrTaint Taint) {
	addrTaint = Static
	if op.Base.Kind == x86.RegIP {
		// RIP-relative targets are resolved by the caller (which knows the
		// instruction's own address + length); addressOf is never called
		// directly on these. See Emulator.resolve.
		return 0, Static
	}
	if op.Base.Kind != x86.RegNone {
		addr += es.RegValue(op.Base.Index, 64)
		addrTaint = addrTaint.Or(es.RegTaintOf(op.Base.Index, 64))
	}
	if op.Index.Kind != x86.RegNone {
		addr += es.RegValue(op.Index.Index, 64) * uint64(op.Scale)
		addrTaint = addrTaint.Or(es.RegTaintOf(op.Index.Index, 64))
	}
	addr += uint64(op.Disp)
	return addr, addrTaint
}

// resolve reads an operand's value and taint. ripAddr is the address one
// past the end of the current instruction, needed to turn a RIP-relative
// displacement into a concrete address.
func (e *Emulator) resolve(es *EmuState, op x86.Operand, width int, ripAddr uint64) (value uint64, taint Taint) {
	switch op.Kind {
	case x86.OpReg:
		if op.Reg.IsVector() {
			return es.XMM[op.Reg.Index][0], es.xmmTaintOf(op.Reg.Index, 8)
		}
		return es.RegValue(op.Reg.Index, width), es.RegTaintOf(op.Reg.Index, width)
	case x86.OpImm:
		return uint64(op.SignedImm()), Static
	case x86.OpInd:
		return e.loadMem(es, op, width, ripAddr)
	}
	return 0, Static
}

// loadMem reads a memory operand's value. Reads that land in the emulated
// stack window are served from EmuState.Stack (preserving taint); reads at
// a fully-static address outside the stack are served from real process
// memory (the function's own read-only data); anything else is opaquely
// Dynamic.
func (e *Emulator) loadMem(es *EmuState, op x86.Operand, width int, ripAddr uint64) (uint64, Taint) {
	if width == 0 {
		width = op.Width.Bits()
	}
	length := width / 8
	if length == 0 {
		length = 8
	}

	if op.Base.Kind == x86.RegIP {
		addr := ripAddr + uint64(op.Disp)
		if es.InStackWindow(addr, length) {
			return es.ReadStack(addr, length)
		}
		return littleEndianValue(x86.ReadMem(addr, length)), Static
	}

	addr, addrTaint := es.addressOf(op)
	if addrTaint == Dynamic {
		return 0, Dynamic
	}
	if es.InStackWindow(addr, length) {
		return es.ReadStack(addr, length)
	}
	return littleEndianValue(x86.ReadMem(addr, length)), Static
}

// storeMem writes a memory operand's value, symmetric to loadMem. Writes
// outside the modeled stack window are dropped: this emulator never
// mutates real process memory, only the function's private emulated stack.
func (e *Emulator) storeMem(es *EmuState, op x86.Operand, width int, value uint64, t Taint, ripAddr uint64) (storedStatically bool) {
	length := width / 8
	if length == 0 {
		length = 8
	}
	var addr uint64
	var addrTaint Taint
	if op.Base.Kind == x86.RegIP {
		addr = ripAddr + uint64(op.Disp)
		addrTaint = Static
	} else {
		addr, addrTaint = es.addressOf(op)
	}
	if addrTaint == Dynamic || !es.InStackWindow(addr, length) {
		return false
	}
	es.WriteStack(addr, value, length, t)
	return true
}

func littleEndianValue(b []byte) uint64 {
	var v uint64
	for i, by := range b {
		v |= uint64(by) << (8 * i)
	}
	return v
}

// operandWidth returns the bit width carried by op itself (as opposed to
// the instruction's nominal VType), used by MOVSX/MOVZX where the source
// operand's own encoded width differs from the destination's.
func operandWidth(op x86.Operand) int {
	switch op.Kind {
	case x86.OpReg:
		return op.Reg.Kind.Width()
	case x86.OpInd:
		return op.Width.Bits()
	case x86.OpImm:
		return int(op.ImmWidth)
	}
	return 0
}

func (es *EmuState) xmmTaintOf(i uint8, n int) Taint {
	if allStatic(es.XMMTaint[i][:n]) {
		return Static
	}
	return Dynamic
}

func (es *EmuState) setXMM64(i uint8, lane int, value uint64, t Taint) {
	es.XMM[i][lane] = value
	off := lane * 8
	fillTaint(es.XMMTaint[i][off:off+8], t)
}

func (es *EmuState) setXMM128(i uint8, lo, hi uint64, t Taint) {
	es.setXMM64(i, 0, lo, t)
	es.setXMM64(i, 1, hi, t)
}

// bytesOf renders a uint64 as its low n little-endian bytes.
func bytesOf(v uint64, n int) []byte {
	b := make([]byte, n)
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	copy(b, tmp[:n])
	return b
}
