package x86

import "fmt"

// RegKind classifies a Register by width and register file, per spec §3.
type RegKind uint8

const (
	RegNone RegKind = iota
	RegGPR8L        // AL..R15B low byte
	RegGPR8H        // AH, CH, DH, BH only — index 0..3, no REX extension
	RegGPR16
	RegGPR32
	RegGPR64
	RegXMM
	RegYMM
	RegIP // instruction pointer, used only as a RIP-relative addressing base
)

// Reg is a tagged register identifier: (kind, index). Index ranges 0..15 for
// GPR/XMM/YMM kinds (0..31 is reserved by spec §3 for AVX-512 extended vector
// registers, which this decoder does not recognize), and is unused (0) for
// RegIP and RegNone.
type Reg struct {
	Kind  RegKind
	Index uint8
}

// None is the absence of a register, used inside Operand variants that carry
// no register component.
var None = Reg{Kind: RegNone}

// IP is the singleton RIP pseudo-register used as Ind.Base for RIP-relative
// addressing.
var IP = Reg{Kind: RegIP}

func GPR64(i uint8) Reg { return Reg{Kind: RegGPR64, Index: i} }
func GPR32(i uint8) Reg { return Reg{Kind: RegGPR32, Index: i} }
func GPR16(i uint8) Reg { return Reg{Kind: RegGPR16, Index: i} }
func GPR8L(i uint8) Reg { return Reg{Kind: RegGPR8L, Index: i} }
func GPR8H(i uint8) Reg { return Reg{Kind: RegGPR8H, Index: i} }
func XMM(i uint8) Reg   { return Reg{Kind: RegXMM, Index: i} }
func YMM(i uint8) Reg   { return Reg{Kind: RegYMM, Index: i} }

// System-V AMD64 integer argument registers, in calling-convention order.
// Index values are the physical GPR indices (RDI=7, RSI=6, RDX=2, RCX=1,
// R8=8, R9=9).
var SysVIntArgRegs = [6]uint8{7, 6, 2, 1, 8, 9}

// SysVFloatArgRegs are XMM0..XMM7, used for floating-point arguments and
// (when Session.ReturnsFP is set) the return value.
var SysVFloatArgRegs = [8]uint8{0, 1, 2, 3, 4, 5, 6, 7}

const (
	RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI uint8 = 0, 1, 2, 3, 4, 5, 6, 7
	R8, R9, R10, R11, R12, R13, R14, R15   uint8 = 8, 9, 10, 11, 12, 13, 14, 15
)

var gpr64Names = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
var gpr32Names = [16]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
var gpr16Names = [16]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
var gpr8lNames = [16]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
var gpr8hNames = [4]string{"ah", "ch", "dh", "bh"}

// String renders a register in AT&T-style disassembly form, prefixed with
// '%'.
func (r Reg) String() string {
	switch r.Kind {
	case RegNone:
		return "<none>"
	case RegIP:
		return "%rip"
	case RegGPR64:
		return "%" + gpr64Names[r.Index&15]
	case RegGPR32:
		return "%" + gpr32Names[r.Index&15]
	case RegGPR16:
		return "%" + gpr16Names[r.Index&15]
	case RegGPR8L:
		return "%" + gpr8lNames[r.Index&15]
	case RegGPR8H:
		return "%" + gpr8hNames[r.Index&3]
	case RegXMM:
		return fmt.Sprintf("%%xmm%d", r.Index&15)
	case RegYMM:
		return fmt.Sprintf("%%ymm%d", r.Index&15)
	}
	return "<bad-reg>"
}

// Width returns the size in bits of a value held in a register of this kind,
// or 0 for RegNone/RegIP which don't carry a data value.
func (k RegKind) Width() int {
	switch k {
	case RegGPR8L, RegGPR8H:
		return 8
	case RegGPR16:
		return 16
	case RegGPR32:
		return 32
	case RegGPR64:
		return 64
	case RegXMM:
		return 128
	case RegYMM:
		return 256
	}
	return 0
}

// IsGPR reports whether the register belongs to the general-purpose file
// (any width).
func (r Reg) IsGPR() bool {
	switch r.Kind {
	case RegGPR8L, RegGPR8H, RegGPR16, RegGPR32, RegGPR64:
		return true
	}
	return false
}

// IsVector reports whether the register belongs to the XMM/YMM file.
func (r Reg) IsVector() bool {
	return r.Kind == RegXMM || r.Kind == RegYMM
}

// RequiresREXForByteAccess reports whether accessing this byte register in
// an instruction requires a REX prefix to be present (even a no-op REX, like
// REX.W=0) to disambiguate SPL/BPL/SIL/DIL (indices 4..7 with REX) from
// AH/CH/DH/BH (the legacy high-byte encoding of the same ModR/M bits without
// REX). See spec §4.5 encoder invariants.
func (r Reg) RequiresREXForByteAccess() bool {
	return r.Kind == RegGPR8L && r.Index >= 4 && r.Index <= 7
}

// IsHighByte reports whether r is one of AH/CH/DH/BH, which cannot be
// expressed at all when a REX prefix is present.
func (r Reg) IsHighByte() bool {
	return r.Kind == RegGPR8H
}
