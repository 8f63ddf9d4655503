package optimize

import (
	"github.com/dbrew-go/dbrew/internal/emu"
	"github.com/dbrew-go/dbrew/internal/x86"
)

// flagsRead reports which flags a conditional instruction consumes.
func flagsRead(cond x86.Cond) []emu.Flag {
	switch cond {
	case x86.CondO, x86.CondNO:
		return []emu.Flag{emu.FlagOF}
	case x86.CondB, x86.CondAE:
		return []emu.Flag{emu.FlagCF}
	case x86.CondE, x86.CondNE:
		return []emu.Flag{emu.FlagZF}
	case x86.CondBE, x86.CondA:
		return []emu.Flag{emu.FlagCF, emu.FlagZF}
	case x86.CondS, x86.CondNS:
		return []emu.Flag{emu.FlagSF}
	case x86.CondP, x86.CondNP:
		return []emu.Flag{emu.FlagPF}
	case x86.CondL, x86.CondGE:
		return []emu.Flag{emu.FlagSF, emu.FlagOF}
	case x86.CondLE, x86.CondG:
		return []emu.Flag{emu.FlagZF, emu.FlagSF, emu.FlagOF}
	}
	return nil
}

func readsFlags(in *x86.Instruction) bool {
	switch in.Type {
	case x86.ITJcc, x86.ITCmovCc, x86.ITSetCc:
		return true
	}
	return false
}

// setsFlags reports whether in writes the arithmetic flag set at all.
func setsFlags(in *x86.Instruction) bool {
	switch in.Type {
	case x86.ITAdd, x86.ITAdc, x86.ITSub, x86.ITSbb, x86.ITAnd, x86.ITOr, x86.ITXor,
		x86.ITCmp, x86.ITTest, x86.ITShl, x86.ITShr, x86.ITSar,
		x86.ITInc, x86.ITDec, x86.ITNeg:
		return true
	}
	return false
}

// eliminateDeadFlags rewrites ADD/SUB-with-immediate-or-register into the
// flagless LEA form whenever nothing between the instruction and the next
// flag-clobbering instruction reads the flags it would have set. This is
// the only flag-side-effect this engine can shed without changing the
// encoding family entirely (AND/OR/XOR have no LEA equivalent).
func eliminateDeadFlags(cbb *emu.CBB) {
	instr := cbb.Instr
	for i := range instr {
		in := &instr[i]
		if in.Type != x86.ITAdd && in.Type != x86.ITSub {
			continue
		}
		if in.Dst.Kind != x86.OpReg || (in.Dst.Reg.Kind != x86.RegGPR64 && in.Dst.Reg.Kind != x86.RegGPR32) {
			continue
		}
		if flagsLiveAfter(instr[i+1:]) {
			continue
		}
		if lea, ok := toLea(in); ok {
			instr[i] = lea
		}
	}
}

// flagsLiveAfter reports whether any instruction in rest reads the flag
// state before the next instruction that overwrites it completely.
func flagsLiveAfter(rest []x86.Instruction) bool {
	for i := range rest {
		if readsFlags(&rest[i]) {
			return true
		}
		if setsFlags(&rest[i]) {
			return false
		}
	}
	return false
}

// toLea converts a register-destination ADD/SUB into an equivalent LEA,
// provided the source is a plain register or an immediate (no memory
// operands: LEA's whole point is computing an address from registers, not
// reading one).
func toLea(in *x86.Instruction) (x86.Instruction, bool) {
	width := 64
	if in.Dst.Reg.Kind == x86.RegGPR32 {
		width = 32
	}
	switch in.Src.Kind {
	case x86.OpImm:
		disp := in.Src.SignedImm()
		if in.Type == x86.ITSub {
			disp = -disp
		}
		return x86.Instruction{
			Address: in.Address,
			Length:  in.Length,
			Type:    x86.ITLea,
			VType:   vtypeOfWidth(width),
			Dst:     in.Dst,
			Src:     x86.IndOperand(vtypeOfWidth(width), in.Dst.Reg, x86.None, 0, disp, x86.SegNone),
		}, true
	case x86.OpReg:
		if in.Type != x86.ITAdd {
			return x86.Instruction{}, false // no register subtraction in LEA
		}
		return x86.Instruction{
			Address: in.Address,
			Length:  in.Length,
			Type:    x86.ITLea,
			VType:   vtypeOfWidth(width),
			Dst:     in.Dst,
			Src:     x86.IndOperand(vtypeOfWidth(width), in.Dst.Reg, in.Src.Reg, 1, 0, x86.SegNone),
		}, true
	}
	return x86.Instruction{}, false
}

func vtypeOfWidth(w int) x86.ValType {
	if w == 32 {
		return x86.VT32
	}
	return x86.VT64
}
