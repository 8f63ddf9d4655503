package encode

import (
	"fmt"

	"github.com/dbrew-go/dbrew/internal/x86"
)

// encodeOne dispatches a single residual instruction to its per-type
// encoder. ITJcc and direct ITCall are handled specially by encodePass
// before this is ever reached (their stale captured displacement can't be
// re-encoded by reading the instruction alone), so neither appears here.
func (e *encoder) encodeOne(in *x86.Instruction) error {
	switch in.Type {
	case x86.ITAdd, x86.ITAdc, x86.ITSub, x86.ITSbb, x86.ITAnd, x86.ITOr, x86.ITXor, x86.ITCmp:
		return e.encodeArith(in)
	case x86.ITTest:
		return e.encodeTest(in)
	case x86.ITMov:
		return e.encodeMov(in)
	case x86.ITLea:
		return e.encodeLea(in)
	case x86.ITMovsx, x86.ITMovzx:
		return e.encodeMovx(in)
	case x86.ITShl, x86.ITShr, x86.ITSar:
		return e.encodeShift(in)
	case x86.ITPush:
		return e.encodePush(in)
	case x86.ITPop:
		return e.encodePop(in)
	case x86.ITImul:
		return e.encodeImul(in)
	case x86.ITMul, x86.ITDiv, x86.ITIdiv:
		return e.encodeUnary(in)
	case x86.ITNot, x86.ITNeg:
		return e.encodeUnary(in)
	case x86.ITInc, x86.ITDec:
		return e.encodeIncDec(in)
	case x86.ITBsf:
		return e.encodeBsf(in)
	case x86.ITCmovCc:
		return e.encodeCmov(in)
	case x86.ITSetCc:
		return e.encodeSetcc(in)
	case x86.ITNop:
		e.buf.WriteByte(0x90)
		return nil
	case x86.ITLeave:
		e.buf.WriteByte(0xC9)
		return nil
	case x86.ITRet:
		e.buf.WriteByte(0xC3)
		return nil
	case x86.ITCltq:
		if in.VType == x86.VT64 {
			e.buf.WriteByte(rexByte(true, false, false, false))
		}
		e.buf.WriteByte(0x98)
		return nil
	case x86.ITCqto:
		e.buf.WriteByte(rexByte(true, false, false, false))
		e.buf.WriteByte(0x99)
		return nil
	case x86.ITCdq:
		e.buf.WriteByte(0x99)
		return nil
	case x86.ITJmpIndirect:
		return e.encodeJmpIndirect(in)
	case x86.ITCall:
		return e.encodeCallIndirect(in)

	case x86.ITMovss, x86.ITMovsd, x86.ITMovaps, x86.ITMovapd, x86.ITMovups, x86.ITMovupd,
		x86.ITMovdReg, x86.ITMovdqa, x86.ITMovdqu,
		x86.ITAddss, x86.ITAddsd, x86.ITAddps, x86.ITAddpd,
		x86.ITSubss, x86.ITSubsd, x86.ITSubps, x86.ITSubpd,
		x86.ITMulss, x86.ITMulsd, x86.ITMulps, x86.ITMulpd,
		x86.ITXorps, x86.ITPxor, x86.ITUcomisd, x86.ITPcmpeqb, x86.ITPminub,
		x86.ITPmovmskb, x86.ITPaddq, x86.ITMovlps, x86.ITMovhps,
		x86.ITUnpcklps, x86.ITUnpcklpd:
		return e.encodeSSE(in)
	}
	return fmt.Errorf("encode: no encoder for instruction type %v", in.Type)
}

// encodeJmpIndirect re-emits a captured indirect jump (register or memory
// operand) verbatim: FF /4, no displacement to patch since the target was
// never an immediate in the first place.
func (e *encoder) encodeJmpIndirect(in *x86.Instruction) error {
	modrm, rexX, rexB, err := encodeModRMExt(4, in.Src)
	if err != nil {
		return err
	}
	force := forceRexFor(in.Src, x86.Operand{})
	emitPrefixedOpcode(e.buf, x86.VTNone, []byte{0xFF}, false, rexX, rexB, force, modrm)
	return nil
}

// encodeCallIndirect re-emits a captured indirect call (register or memory
// operand): FF /2. Direct calls (Src.Kind == OpImm) are always handled by
// encodePass's stale-displacement fixup path before reaching here.
func (e *encoder) encodeCallIndirect(in *x86.Instruction) error {
	if in.Src.Kind == x86.OpImm {
		return fmt.Errorf("encode: direct call must be resolved by the caller, not encodeOne")
	}
	modrm, rexX, rexB, err := encodeModRMExt(2, in.Src)
	if err != nil {
		return err
	}
	force := forceRexFor(in.Src, x86.Operand{})
	emitPrefixedOpcode(e.buf, x86.VTNone, []byte{0xFF}, false, rexX, rexB, force, modrm)
	return nil
}
