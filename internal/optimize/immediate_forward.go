package optimize

import (
	"github.com/dbrew-go/dbrew/internal/emu"
	"github.com/dbrew-go/dbrew/internal/x86"
)

// foldableWithImm lists the instruction types whose register-source operand
// has an equivalent register/memory-dst, immediate-src encoding, so swapping
// in an immediate changes no opcode family.
func foldableWithImm(t x86.InstrType) bool {
	switch t {
	case x86.ITAdd, x86.ITSub, x86.ITAdc, x86.ITSbb, x86.ITAnd, x86.ITOr, x86.ITXor, x86.ITCmp, x86.ITTest:
		return true
	}
	return false
}

func isGPR(r x86.Reg) bool {
	switch r.Kind {
	case x86.RegGPR8L, x86.RegGPR8H, x86.RegGPR16, x86.RegGPR32, x86.RegGPR64:
		return true
	}
	return false
}

// sameGPR reports whether a and b name the same physical register,
// disregarding the width each was accessed at (eax and rax share Index 0).
func sameGPR(a, b x86.Reg) bool {
	return isGPR(a) && isGPR(b) && a.Index == b.Index
}

func opReadsReg(op x86.Operand, reg x86.Reg) bool {
	switch op.Kind {
	case x86.OpReg:
		return sameGPR(op.Reg, reg)
	case x86.OpInd:
		return sameGPR(op.Base, reg) || sameGPR(op.Index, reg)
	}
	return false
}

// readModifyWrite reports whether t reads its Dst operand's prior value in
// addition to writing it.
func readModifyWrite(t x86.InstrType) bool {
	switch t {
	case x86.ITAdd, x86.ITSub, x86.ITAdc, x86.ITSbb, x86.ITAnd, x86.ITOr, x86.ITXor,
		x86.ITShl, x86.ITShr, x86.ITSar, x86.ITInc, x86.ITDec, x86.ITNeg, x86.ITNot:
		return true
	}
	return false
}

// fullyOverwritesReg reports whether in redefines reg without depending on
// its previous value, so no read of reg beyond this point can see the
// folded-away mov's value.
func fullyOverwritesReg(in *x86.Instruction, reg x86.Reg) bool {
	if in.Dst.Kind != x86.OpReg || !sameGPR(in.Dst.Reg, reg) {
		return false
	}
	return !readModifyWrite(in.Type)
}

// forwardImmediateLoads folds a `mov reg, imm` into the sole following
// instruction that reads reg as a register source, then drops the mov. A
// register with more than one live read, or one read through a memory
// addressing mode or a read-modify-write destination, is left alone: folding
// there would either lose the value or change an addressing-mode operand
// into an immediate the encoding has no slot for.
func forwardImmediateLoads(cbb *emu.CBB) {
	instr := cbb.Instr
	drop := make([]bool, len(instr))

	for i := range instr {
		mov := &instr[i]
		if mov.Type != x86.ITMov || mov.Dst.Kind != x86.OpReg || mov.Src.Kind != x86.OpImm {
			continue
		}
		if !isGPR(mov.Dst.Reg) {
			continue
		}
		reg := mov.Dst.Reg
		imm := mov.Src

		consumer := -1
	scan:
		for j := i + 1; j < len(instr); j++ {
			if drop[j] {
				continue
			}
			c := &instr[j]

			srcReads := opReadsReg(c.Src, reg) || opReadsReg(c.Src2, reg)
			dstAddrReads := c.Dst.Kind == x86.OpInd && opReadsReg(c.Dst, reg)
			dstRMWReads := c.Dst.Kind == x86.OpReg && sameGPR(c.Dst.Reg, reg) && readModifyWrite(c.Type)

			switch {
			case dstAddrReads || dstRMWReads:
				consumer = -1
				break scan
			case srcReads:
				if consumer != -1 {
					consumer = -1
					break scan
				}
				consumer = j
			}

			if fullyOverwritesReg(c, reg) {
				break scan
			}
		}

		if consumer < 0 {
			continue
		}
		c := &instr[consumer]
		if !foldableWithImm(c.Type) || c.Src.Kind != x86.OpReg || !sameGPR(c.Src.Reg, reg) {
			continue
		}
		if c.Dst.Kind == x86.OpInd {
			continue
		}

		c.Src = imm
		drop[i] = true
	}

	if !anyDropped(drop) {
		return
	}
	out := instr[:0]
	for i, in := range instr {
		if drop[i] {
			continue
		}
		out = append(out, in)
	}
	cbb.Instr = out
}

func anyDropped(drop []bool) bool {
	for _, d := range drop {
		if d {
			return true
		}
	}
	return false
}
