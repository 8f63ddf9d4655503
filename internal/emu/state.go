package emu

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/dbrew-go/dbrew/internal/x86"
)

// Flag indexes the six arithmetic EFLAGS bits this emulator tracks. Status
// flags outside this set (e.g. DF, IF) are never touched by the instruction
// subset decoded by internal/x86, so there is nowhere for them to originate.
type Flag uint8

const (
	FlagCF Flag = iota
	FlagPF
	FlagAF
	FlagZF
	FlagSF
	FlagOF
	numFlags
)

// DefaultStackSize is used when a Session doesn't override the emulated
// stack's size via configuration.
const DefaultStackSize = 64 * 1024

// EmuState is the Abstract CPU State: concrete register/flag/stack values
// alongside a parallel byte-granular taint shadow for each. A value is
// Static iff every byte backing it is Static; RegTaint/XMMTaint/StackTaint
// hold that shadow at byte granularity so that narrow sub-register writes
// (AL, AX, the low dword of a GPR) and unaligned stack spills don't coarsen
// an otherwise-static neighbor.
type EmuState struct {
	Reg      [16]uint64
	RegTaint [16][8]Taint

	XMM      [16][2]uint64 // two 64-bit lanes per 128-bit register
	XMMTaint [16][16]Taint

	Flags     [numFlags]bool
	FlagTaint [numFlags]Taint

	Stack      []byte
	StackTaint []Taint
	// StackBase is the concrete address EmuState.Reg[x86.RSP] points into
	// Stack+StackTaint at the start of emulation (the stack grows down from
	// StackBase+len(Stack), matching a real call frame).
	StackBase uint64
}

// NewEmuState allocates a fresh abstract stack of stackSize bytes (rounded
// up to DefaultStackSize if zero) with RSP parked at the top, all Static per
// spec's invariant that the stack pointer itself is always a known value.
func NewEmuState(stackSize int) *EmuState {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	es := &EmuState{
		Stack:      make([]byte, stackSize),
		StackTaint: make([]Taint, stackSize),
		// An arbitrary, page-aligned-looking fake address: never dereferenced
		// against real memory, only used so RIP-relative-to-stack arithmetic
		// and pointer comparisons behave plausibly during capture.
		StackBase: 0x7f0000000000,
	}
	fillTaint(es.StackTaint, Static)
	es.Reg[x86.RSP] = es.StackBase + uint64(stackSize)
	fillTaint(es.RegTaint[x86.RSP][:], Static)
	return es
}

// Clone deep-copies the state, used when the capture engine forks at a
// Dynamic conditional branch and must continue down both successors from
// independent copies.
func (es *EmuState) Clone() *EmuState {
	out := *es
	out.Stack = append([]byte(nil), es.Stack...)
	out.StackTaint = append([]Taint(nil), es.StackTaint...)
	return &out
}

// RegValue returns the low width-bits of register i's value.
func (es *EmuState) RegValue(i uint8, width int) uint64 {
	v := es.Reg[i]
	switch width {
	case 8:
		return v & 0xFF
	case 16:
		return v & 0xFFFF
	case 32:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

// RegTaintOf reports whether every byte backing the low width-bits of
// register i is Static.
func (es *EmuState) RegTaintOf(i uint8, width int) Taint {
	n := width / 8
	if n == 0 {
		n = 1
	}
	if allStatic(es.RegTaint[i][:n]) {
		return Static
	}
	return Dynamic
}

// SetReg writes value into register i at the given width and marks the
// affected bytes with t. A 32-bit write zero-extends and clears (marks
// Static) the upper 32 bits, matching real x86-64 semantics; 8/16-bit
// writes leave the untouched upper bytes and their taint exactly as they
// were.
func (es *EmuState) SetReg(i uint8, value uint64, width int, t Taint) {
	switch width {
	case 8:
		es.Reg[i] = (es.Reg[i] &^ 0xFF) | (value & 0xFF)
		es.RegTaint[i][0] = t
	case 16:
		es.Reg[i] = (es.Reg[i] &^ 0xFFFF) | (value & 0xFFFF)
		es.RegTaint[i][0] = t
		es.RegTaint[i][1] = t
	case 32:
		es.Reg[i] = value & 0xFFFFFFFF
		fillTaint(es.RegTaint[i][:4], t)
		fillTaint(es.RegTaint[i][4:], Static)
	default:
		es.Reg[i] = value
		fillTaint(es.RegTaint[i][:], t)
	}
}

// ReadStack reads length bytes at stack-relative address addr, OR-ing their
// individual taint bytes into a single verdict per spec's "every load reads
// them and ORs the taint".
func (es *EmuState) ReadStack(addr uint64, length int) (uint64, Taint) {
	off := int(addr - es.StackBase)
	if off < 0 || off+length > len(es.Stack) {
		// Outside the modeled stack window (e.g. a caller's frame this
		// emulator doesn't model): treat as fully Dynamic, unknown content.
		return 0, Dynamic
	}
	var v uint64
	for i := 0; i < length; i++ {
		v |= uint64(es.Stack[off+i]) << (8 * i)
	}
	t := Static
	for i := 0; i < length; i++ {
		if es.StackTaint[off+i] == Dynamic {
			t = Dynamic
			break
		}
	}
	return v, t
}

// WriteStack writes length bytes of value at stack-relative address addr,
// tagging every written byte with t (spec: "every store writes length
// taint bytes").
func (es *EmuState) WriteStack(addr uint64, value uint64, length int, t Taint) {
	off := int(addr - es.StackBase)
	if off < 0 || off+length > len(es.Stack) {
		return
	}
	for i := 0; i < length; i++ {
		es.Stack[off+i] = byte(value >> (8 * i))
		es.StackTaint[off+i] = t
	}
}

// InStackWindow reports whether addr..addr+length falls inside the modeled
// stack buffer, used by the capture engine to decide whether a memory access
// can be resolved against EmuState.Stack at all or must be treated as an
// opaque, Dynamic load/store.
func (es *EmuState) InStackWindow(addr uint64, length int) bool {
	off := int(addr - es.StackBase)
	return off >= 0 && off+length <= len(es.Stack)
}

// EsID computes the structural hash spec names es_id: a digest of every
// register/flag/xmm value+taint plus the whole emulated stack's values and
// taint, used to deduplicate CBBs that re-enter the same target address
// with an observationally identical abstract state (this is what makes
// capture of a loop with a Dynamic induction variable terminate).
func (es *EmuState) EsID() uint32 {
	h := fnv.New32a()
	var buf [8]byte
	write64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for i := 0; i < 16; i++ {
		write64(es.Reg[i])
		for _, bt := range es.RegTaint[i] {
			h.Write([]byte{byte(bt)})
		}
	}
	for i := 0; i < 16; i++ {
		write64(es.XMM[i][0])
		write64(es.XMM[i][1])
		for _, bt := range es.XMMTaint[i] {
			h.Write([]byte{byte(bt)})
		}
	}
	for i := range es.Flags {
		v := byte(0)
		if es.Flags[i] {
			v = 1
		}
		h.Write([]byte{v, byte(es.FlagTaint[i])})
	}
	// The whole stack buffer and its taint participate, not only the bytes
	// that instructions have touched.
	h.Write(es.Stack)
	for _, bt := range es.StackTaint {
		h.Write([]byte{byte(bt)})
	}
	return h.Sum32()
}
