package encode

import (
	"encoding/binary"
	"fmt"

	"github.com/dbrew-go/dbrew/internal/x86"
)

// regBits splits a register into its ModR/M 3-bit field and the REX
// extension bit that selects the upper 8 of the 16 possible register slots,
// mirroring cursor.readModRM's REX.R/X/B application in reverse.
func regBits(r x86.Reg) (low3 byte, ext bool) {
	if r.Kind == x86.RegGPR8H {
		return r.Index + 4, false
	}
	return r.Index & 7, r.Index >= 8
}

// requiresRex reports whether r can only be encoded in the presence of a
// REX prefix — true for SPL/BPL/SIL/DIL (x86.GPR8L indices 4-7), which
// share their ModR/M encoding with AH/CH/DH/BH and are disambiguated solely
// by REX's presence (spec §4.2, decode-side in cursor.gprReg).
func requiresRex(r x86.Reg) bool {
	return r.Kind == x86.RegGPR8L && r.Index >= 4 && r.Index < 8
}

// encodeMem builds the ModR/M(+SIB+disp) bytes for a memory operand against
// the given 3-bit register-field value, following the standard encoding
// table: RIP-relative (mod=00,rm=101), no-base absolute (SIB, base=101,
// mod=00), base+[index*scale], and the RBP/R13-with-zero-displacement
// special case that forces an explicit disp8 because mod=00 with that base
// field means "no base" instead.
func encodeMem(regIdx byte, op x86.Operand) (out []byte, rexX, rexB bool, err error) {
	if op.Base.Kind == x86.RegIP {
		modb := (regIdx << 3) | 0x05
		d := make([]byte, 4)
		binary.LittleEndian.PutUint32(d, uint32(int32(op.Disp)))
		return append([]byte{modb}, d...), false, false, nil
	}

	hasBase := op.Base.Kind != x86.RegNone
	hasIndex := op.Index.Kind != x86.RegNone

	var baseLow byte
	var baseExt bool
	if hasBase {
		baseLow, baseExt = regBits(op.Base)
	}

	needSIB := hasIndex || !hasBase || baseLow == 4
	needsExplicitDisp8 := hasBase && !needSIB && baseLow == 5 && op.Disp == 0

	var mod byte
	switch {
	case !hasBase:
		mod = 0
	case needsExplicitDisp8:
		mod = 1
	case op.Disp == 0:
		mod = 0
	case op.Disp >= -128 && op.Disp <= 127:
		mod = 1
	default:
		mod = 2
	}

	if needSIB {
		indexLow, indexExt, scaleBits := byte(4), false, byte(0)
		if hasIndex {
			indexLow, indexExt = regBits(op.Index)
			switch op.Scale {
			case 2:
				scaleBits = 1
			case 4:
				scaleBits = 2
			case 8:
				scaleBits = 3
			}
		}
		sibBaseLow := baseLow
		if !hasBase {
			sibBaseLow = 5
			// RBP/R13 (low3==5) used as a real base with mod=00 would be
			// misread as "no base"; since this branch only runs when there
			// genuinely is no base, mod is already forced to 0 above.
			baseExt = false
		} else if needsExplicitDisp8 && baseLow == 5 {
			sibBaseLow = 5
		}
		out = append(out, (mod<<6)|(regIdx<<3)|0x04, (scaleBits<<6)|(indexLow<<3)|sibBaseLow)
		rexX, rexB = indexExt, baseExt
	} else {
		out = append(out, (mod<<6)|(regIdx<<3)|baseLow)
		rexB = baseExt
	}

	switch mod {
	case 0:
		if !hasBase {
			d := make([]byte, 4)
			binary.LittleEndian.PutUint32(d, uint32(int32(op.Disp)))
			out = append(out, d...)
		}
	case 1:
		out = append(out, byte(int8(op.Disp)))
	case 2:
		d := make([]byte, 4)
		binary.LittleEndian.PutUint32(d, uint32(int32(op.Disp)))
		out = append(out, d...)
	}
	return out, rexX, rexB, nil
}

// encodeModRMReg builds ModR/M bytes with a register value in the reg
// field, against an r/m operand that may itself be a register or memory.
func encodeModRMReg(reg x86.Reg, rm x86.Operand) (out []byte, rexR, rexX, rexB bool, err error) {
	regIdx, rexR := regBits(reg)
	out, rexX, rexB, err = encodeRM(regIdx, rm)
	return out, rexR, rexX, rexB, err
}

// encodeModRMExt builds ModR/M bytes using a fixed 3-bit opcode-extension
// value in the reg field (the /0../7 notation for group opcodes), against
// an r/m operand.
func encodeModRMExt(ext byte, rm x86.Operand) (out []byte, rexX, rexB bool, err error) {
	return encodeRM(ext&7, rm)
}

func encodeRM(regIdx byte, rm x86.Operand) (out []byte, rexX, rexB bool, err error) {
	switch rm.Kind {
	case x86.OpReg:
		rmIdx, rmExt := regBits(rm.Reg)
		return []byte{0xC0 | (regIdx << 3) | rmIdx}, false, rmExt, nil
	case x86.OpInd:
		return encodeMem(regIdx, rm)
	default:
		return nil, false, false, fmt.Errorf("encode: r/m operand must be register or memory, got kind %d", rm.Kind)
	}
}

// rexByte assembles a REX prefix byte from its four component bits.
func rexByte(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// rmOperandForcesRex reports whether an r/m operand alone (independent of
// width/REX.W) requires a REX prefix to be well-formed.
func rmOperandForcesRex(op x86.Operand) bool {
	if op.Kind == x86.OpReg {
		return requiresRex(op.Reg)
	}
	return requiresRex(op.Base) || requiresRex(op.Index)
}
