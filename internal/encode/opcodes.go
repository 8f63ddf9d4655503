package encode

import (
	"fmt"

	"github.com/dbrew-go/dbrew/internal/x86"
)

// arithOpcode gives the group-1 opcode byte (Ev,Gv form, opcode|1) used by
// decodeArithGroup's inverse for each arithmetic InstrType, and the 3-bit
// group1Ops extension used by the 0x80/0x81/0x83 immediate forms.
var arithOpcode = map[x86.InstrType]struct {
	evGv byte // Ev, Gv (opcode with low bit 1 for full width, 0 for 8-bit)
	ext  byte // ModR/M reg-field extension for the group-1 immediate forms
}{
	x86.ITAdd: {0x01, 0},
	x86.ITOr:  {0x09, 1},
	x86.ITAdc: {0x11, 2},
	x86.ITSbb: {0x19, 3},
	x86.ITAnd: {0x21, 4},
	x86.ITSub: {0x29, 5},
	x86.ITXor: {0x31, 6},
	x86.ITCmp: {0x39, 7},
}

// shiftExt gives the group-2 ModR/M reg-field extension for SHL/SHR/SAR.
var shiftExt = map[x86.InstrType]byte{
	x86.ITShl: 4,
	x86.ITShr: 5,
	x86.ITSar: 7,
}

// group3Ext gives the group-3 ModR/M reg-field extension for the unary
// 0xF6/0xF7 forms.
var group3Ext = map[x86.InstrType]byte{
	x86.ITTest: 0,
	x86.ITNot:  2,
	x86.ITNeg:  3,
	x86.ITMul:  4,
	x86.ITImul: 5,
	x86.ITDiv:  6,
	x86.ITIdiv: 7,
}

func widthRexW(vt x86.ValType) bool { return vt == x86.VT64 }
func width66(vt x86.ValType) bool   { return vt == x86.VT16 }
func width8(vt x86.ValType) bool    { return vt == x86.VT8 }

// emitPrefixedOpcode writes the legacy 0x66 operand-size prefix (if width
// calls for it), the REX byte (if any of its bits are set or an operand
// forces one), then opcode, then the already-built ModR/M tail.
func emitPrefixedOpcode(buf *encBuf, vt x86.ValType, opcode []byte, rexR, rexX, rexB, forceRex bool, modrm []byte) {
	if width66(vt) {
		buf.WriteByte(0x66)
	}
	r := rexByte(widthRexW(vt), rexR, rexX, rexB)
	if widthRexW(vt) || rexR || rexX || rexB || forceRex {
		buf.WriteByte(r)
	}
	buf.Write(opcode)
	buf.Write(modrm)
}

func (e *encoder) encodeArith(in *x86.Instruction) error {
	op, ok := arithOpcode[in.Type]
	if !ok {
		return fmt.Errorf("encode: unrecognized arithmetic op %v", in.Type)
	}

	switch in.Src.Kind {
	case x86.OpImm:
		// 0x83 (sign-extended imm8) when it fits and width isn't 8-bit (which
		// always uses the imm8 group-1 form), else 0x81/0x80.
		v := in.Src.SignedImm()
		use83 := !width8(in.VType) && v >= -128 && v <= 127
		modrm, rexX, rexB, err := encodeModRMExt(op.ext, in.Dst)
		if err != nil {
			return err
		}
		force := forceRexFor(in.Dst, x86.Operand{})
		opcodeByte := byte(0x81)
		switch {
		case width8(in.VType):
			opcodeByte = 0x80
		case use83:
			opcodeByte = 0x83
		}
		emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, false, rexX, rexB, force, modrm)
		if width8(in.VType) {
			e.buf.WriteByte(byte(v))
		} else if use83 {
			e.buf.WriteByte(byte(int8(v)))
		} else {
			e.buf.writeInt32(int32(v))
		}
		return nil

	case x86.OpReg:
		// Ev,Gv form: Src sits in ModR/M.reg, Dst (register or memory) is
		// the r/m operand. Valid whether or not Dst is itself a register —
		// for the register-register case this is just one of two equally
		// correct encodings of the same operation.
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Src.Reg, in.Dst)
		if err != nil {
			return err
		}
		force := forceRexFor(in.Dst, in.Src)
		opcodeByte := op.evGv
		if width8(in.VType) {
			opcodeByte = op.evGv - 1
		}
		emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, rexR, rexX, rexB, force, modrm)
		return nil

	case x86.OpInd:
		// Gv,Ev form: only valid when Dst is a register (ModR/M.reg can't
		// hold a memory operand), which is exactly decodeArithGroup's
		// variant3 shape this mirrors.
		if in.Dst.Kind != x86.OpReg {
			return fmt.Errorf("encode: %v with a memory source requires a register destination", in.Type)
		}
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
		if err != nil {
			return err
		}
		force := forceRexFor(in.Dst, in.Src)
		opcodeByte := op.evGv + 2
		if width8(in.VType) {
			opcodeByte = op.evGv + 1
		}
		emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, rexR, rexX, rexB, force, modrm)
		return nil

	default:
		return fmt.Errorf("encode: arithmetic src operand kind %d unsupported", in.Src.Kind)
	}
}

// encodeTest handles TEST, which shares no opcode with the group-1
// arithmetic family despite being decoded alongside it: the register form
// uses 0x84/0x85 (Ev,Gv, order irrelevant since both operands are sources),
// and the immediate form is always the group-3 0xF6/0xF7 /0 shape — TEST
// has no 0x83-style sign-extended-imm8 shortcut.
func (e *encoder) encodeTest(in *x86.Instruction) error {
	switch in.Src.Kind {
	case x86.OpImm:
		modrm, rexX, rexB, err := encodeModRMExt(0, in.Dst)
		if err != nil {
			return err
		}
		force := forceRexFor(in.Dst, x86.Operand{})
		opcodeByte := byte(0xF7)
		if width8(in.VType) {
			opcodeByte = 0xF6
		}
		emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, false, rexX, rexB, force, modrm)
		if width8(in.VType) {
			e.buf.WriteByte(byte(in.Src.Value))
		} else {
			e.buf.writeInt32(int32(in.Src.SignedImm()))
		}
		return nil

	case x86.OpReg:
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Src.Reg, in.Dst)
		if err != nil {
			return err
		}
		force := forceRexFor(in.Dst, in.Src)
		opcodeByte := byte(0x85)
		if width8(in.VType) {
			opcodeByte = 0x84
		}
		emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, rexR, rexX, rexB, force, modrm)
		return nil

	default:
		return fmt.Errorf("encode: test src operand kind %d unsupported", in.Src.Kind)
	}
}

func (e *encoder) encodeMov(in *x86.Instruction) error {
	if in.Src.Kind == x86.OpImm && in.Dst.Kind == x86.OpReg && !requiresRex(in.Dst.Reg) {
		// B0+r/B8+r: the short register-destination immediate-move forms.
		idx, ext := regBits(in.Dst.Reg)
		base := byte(0xB8)
		if width8(in.VType) {
			base = 0xB0
		}
		rex := rexByte(in.VType == x86.VT64, false, false, ext)
		if width66(in.VType) {
			e.buf.WriteByte(0x66)
		}
		if in.VType == x86.VT64 || ext {
			e.buf.WriteByte(rex)
		}
		e.buf.WriteByte(base + idx)
		switch in.VType {
		case x86.VT8:
			e.buf.WriteByte(byte(in.Src.Value))
		case x86.VT16:
			e.buf.writeUint16(uint16(in.Src.Value))
		case x86.VT32:
			e.buf.writeUint32(uint32(in.Src.Value))
		default:
			e.buf.writeUint64(uint64(in.Src.SignedImm()))
		}
		return nil
	}
	if in.Src.Kind == x86.OpImm {
		// C6/C7 /0: immediate to register-or-memory.
		modrm, rexX, rexB, err := encodeModRMExt(0, in.Dst)
		if err != nil {
			return err
		}
		force := forceRexFor(in.Dst, x86.Operand{})
		opcodeByte := byte(0xC7)
		if width8(in.VType) {
			opcodeByte = 0xC6
		}
		emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, false, rexX, rexB, force, modrm)
		if width8(in.VType) {
			e.buf.WriteByte(byte(in.Src.Value))
		} else {
			e.buf.writeInt32(int32(in.Src.SignedImm()))
		}
		return nil
	}

	// register<->register/memory forms, 0x88/0x89 (store) or 0x8A/0x8B (load).
	if in.Dst.Kind == x86.OpReg && in.Src.Kind != x86.OpReg {
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
		if err != nil {
			return err
		}
		force := forceRexFor(in.Src, in.Dst)
		opcodeByte := byte(0x8B)
		if width8(in.VType) {
			opcodeByte = 0x8A
		}
		emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, rexR, rexX, rexB, force, modrm)
		return nil
	}
	srcReg := in.Src.Reg
	modrm, rexR, rexX, rexB, err := encodeModRMReg(srcReg, in.Dst)
	if err != nil {
		return err
	}
	force := forceRexFor(in.Dst, in.Src)
	opcodeByte := byte(0x89)
	if width8(in.VType) {
		opcodeByte = 0x88
	}
	emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, rexR, rexX, rexB, force, modrm)
	return nil
}

func (e *encoder) encodeLea(in *x86.Instruction) error {
	if in.Dst.Kind != x86.OpReg || in.Src.Kind != x86.OpInd {
		return fmt.Errorf("encode: LEA requires a register destination and memory source")
	}
	modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
	if err != nil {
		return err
	}
	emitPrefixedOpcode(e.buf, in.VType, []byte{0x8D}, rexR, rexX, rexB, false, modrm)
	return nil
}

func (e *encoder) encodeShift(in *x86.Instruction) error {
	ext, ok := shiftExt[in.Type]
	if !ok {
		return fmt.Errorf("encode: unrecognized shift op %v", in.Type)
	}
	modrm, rexX, rexB, err := encodeModRMExt(ext, in.Dst)
	if err != nil {
		return err
	}
	force := forceRexFor(in.Dst, x86.Operand{})
	opcodeByte := byte(0xC1)
	if width8(in.VType) {
		opcodeByte = 0xC0
	}
	emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, false, rexX, rexB, force, modrm)
	e.buf.WriteByte(byte(in.Src.Value))
	return nil
}

func (e *encoder) encodeUnary(in *x86.Instruction) error {
	ext, ok := group3Ext[in.Type]
	if !ok {
		return fmt.Errorf("encode: unrecognized unary op %v", in.Type)
	}
	modrm, rexX, rexB, err := encodeModRMExt(ext, in.Dst)
	if err != nil {
		return err
	}
	force := forceRexFor(in.Dst, x86.Operand{})
	opcodeByte := byte(0xF7)
	if width8(in.VType) {
		opcodeByte = 0xF6
	}
	emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, false, rexX, rexB, force, modrm)
	return nil
}

func (e *encoder) encodeIncDec(in *x86.Instruction) error {
	ext := byte(0)
	if in.Type == x86.ITDec {
		ext = 1
	}
	modrm, rexX, rexB, err := encodeModRMExt(ext, in.Dst)
	if err != nil {
		return err
	}
	force := forceRexFor(in.Dst, x86.Operand{})
	opcodeByte := byte(0xFF)
	if width8(in.VType) {
		opcodeByte = 0xFE
	}
	emitPrefixedOpcode(e.buf, in.VType, []byte{opcodeByte}, false, rexX, rexB, force, modrm)
	return nil
}

// srcByteWidth recovers the element width in bytes of an operand the
// decoder would have picked for a MOVZX/MOVSX source, since that width is
// implicit in the register kind (register source) or Width (memory source)
// rather than in the instruction's own VType, which names the destination.
func srcByteWidth(op x86.Operand) int {
	switch op.Kind {
	case x86.OpReg:
		switch op.Reg.Kind {
		case x86.RegGPR8L, x86.RegGPR8H:
			return 1
		case x86.RegGPR16:
			return 2
		case x86.RegGPR32:
			return 4
		case x86.RegGPR64:
			return 8
		}
	case x86.OpInd:
		return op.Width.Bytes()
	}
	return 0
}

func (e *encoder) encodeMovx(in *x86.Instruction) error {
	if in.Type == x86.ITMovsx && srcByteWidth(in.Src) == 4 {
		// MOVSXD: single-byte opcode 0x63, no 0F escape.
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
		if err != nil {
			return err
		}
		emitPrefixedOpcode(e.buf, in.VType, []byte{0x63}, rexR, rexX, rexB, false, modrm)
		return nil
	}
	srcBits := byte(0xB6)
	if srcByteWidth(in.Src) == 2 {
		srcBits = 0xB7
	}
	if in.Type == x86.ITMovsx {
		srcBits += 0x08 // BE/BF
	}
	modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
	if err != nil {
		return err
	}
	emitPrefixedOpcode(e.buf, in.VType, []byte{0x0F, srcBits}, rexR, rexX, rexB, false, modrm)
	return nil
}

func (e *encoder) encodeImul(in *x86.Instruction) error {
	if in.Src2.Kind == x86.OpImm {
		v := in.Src2.SignedImm()
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
		if err != nil {
			return err
		}
		if v >= -128 && v <= 127 {
			emitPrefixedOpcode(e.buf, in.VType, []byte{0x6B}, rexR, rexX, rexB, false, modrm)
			e.buf.WriteByte(byte(int8(v)))
		} else {
			emitPrefixedOpcode(e.buf, in.VType, []byte{0x69}, rexR, rexX, rexB, false, modrm)
			e.buf.writeInt32(int32(v))
		}
		return nil
	}
	if in.Src.Kind != x86.OpNone {
		// two-operand Gv,Ev form: 0F AF.
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
		if err != nil {
			return err
		}
		emitPrefixedOpcode(e.buf, in.VType, []byte{0x0F, 0xAF}, rexR, rexX, rexB, false, modrm)
		return nil
	}
	return e.encodeUnary(in) // one-operand IMUL: group-3 /5
}

func (e *encoder) encodeBsf(in *x86.Instruction) error {
	modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
	if err != nil {
		return err
	}
	emitPrefixedOpcode(e.buf, in.VType, []byte{0x0F, 0xBC}, rexR, rexX, rexB, false, modrm)
	return nil
}

func (e *encoder) encodeCmov(in *x86.Instruction) error {
	modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
	if err != nil {
		return err
	}
	emitPrefixedOpcode(e.buf, in.VType, []byte{0x0F, 0x40 | byte(in.Cond)}, rexR, rexX, rexB, false, modrm)
	return nil
}

func (e *encoder) encodeSetcc(in *x86.Instruction) error {
	modrm, _, rexX, rexB, err := encodeModRMReg(x86.GPR8L(0), in.Dst)
	if err != nil {
		return err
	}
	force := forceRexFor(in.Dst, x86.Operand{})
	emitPrefixedOpcode(e.buf, x86.VT8, []byte{0x0F, 0x90 | byte(in.Cond)}, false, rexX, rexB, force, modrm)
	return nil
}

func (e *encoder) encodePush(in *x86.Instruction) error {
	switch in.Src.Kind {
	case x86.OpReg:
		idx, ext := regBits(in.Src.Reg)
		if ext {
			e.buf.WriteByte(rexByte(false, false, false, true))
		}
		e.buf.WriteByte(0x50 + idx)
	case x86.OpImm:
		v := in.Src.SignedImm()
		if v >= -128 && v <= 127 {
			e.buf.WriteByte(0x6A)
			e.buf.WriteByte(byte(int8(v)))
		} else {
			e.buf.WriteByte(0x68)
			e.buf.writeInt32(int32(v))
		}
	default:
		modrm, rexX, rexB, err := encodeModRMExt(6, in.Src)
		if err != nil {
			return err
		}
		if rexX || rexB {
			e.buf.WriteByte(rexByte(false, false, rexX, rexB))
		}
		e.buf.WriteByte(0xFF)
		e.buf.Write(modrm)
	}
	return nil
}

func (e *encoder) encodePop(in *x86.Instruction) error {
	if in.Dst.Kind == x86.OpReg {
		idx, ext := regBits(in.Dst.Reg)
		if ext {
			e.buf.WriteByte(rexByte(false, false, false, true))
		}
		e.buf.WriteByte(0x58 + idx)
		return nil
	}
	modrm, rexX, rexB, err := encodeModRMExt(0, in.Dst)
	if err != nil {
		return err
	}
	if rexX || rexB {
		e.buf.WriteByte(rexByte(false, false, rexX, rexB))
	}
	e.buf.WriteByte(0x8F)
	e.buf.Write(modrm)
	return nil
}

// forceRexFor reports whether either operand requires a REX prefix purely
// to disambiguate a low-byte register encoding, independent of width or
// register-index-extension considerations.
func forceRexFor(a, b x86.Operand) bool {
	return rmOperandForcesRex(a) || rmOperandForcesRex(b)
}
