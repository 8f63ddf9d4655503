package encode

import (
	"fmt"

	"github.com/dbrew-go/dbrew/internal/x86"
)

// emitSSE writes an SSE instruction's mandatory prefix (0 for none), REX
// byte (only when actually required — SSE opcodes never imply REX.W on
// their own), two-byte 0F-escaped opcode, and ModR/M tail.
func emitSSE(buf *encBuf, mandatory byte, opcode byte, rexW, rexR, rexX, rexB, forceRex bool, modrm []byte) {
	if mandatory != 0 {
		buf.WriteByte(mandatory)
	}
	if rexW || rexR || rexX || rexB || forceRex {
		buf.WriteByte(rexByte(rexW, rexR, rexX, rexB))
	}
	buf.WriteByte(0x0F)
	buf.WriteByte(opcode)
	buf.Write(modrm)
}

// sseLoadForm covers every instruction whose decoder entry always shapes
// Dst as the XMM ModR/M.reg operand and Src as the r/m operand — the
// register-to-register case is symmetric, so no store form exists.
var sseLoadForm = map[x86.InstrType]struct {
	mandatory byte
	opcode    byte
}{
	x86.ITMovlps:    {0, 0x12},
	x86.ITUnpcklps:  {0, 0x14},
	x86.ITUnpcklpd:  {0x66, 0x14},
	x86.ITMovhps:    {0, 0x16},
	x86.ITUcomisd:   {0x66, 0x2F},
	x86.ITAddps:     {0, 0x58},
	x86.ITAddpd:     {0x66, 0x58},
	x86.ITAddss:     {0xF3, 0x58},
	x86.ITAddsd:     {0xF2, 0x58},
	x86.ITMulps:     {0, 0x59},
	x86.ITMulpd:     {0x66, 0x59},
	x86.ITMulss:     {0xF3, 0x59},
	x86.ITMulsd:     {0xF2, 0x59},
	x86.ITSubps:     {0, 0x5C},
	x86.ITSubpd:     {0x66, 0x5C},
	x86.ITSubss:     {0xF3, 0x5C},
	x86.ITSubsd:     {0xF2, 0x5C},
	x86.ITXorps:     {0, 0x57},
	x86.ITPcmpeqb:   {0x66, 0x74},
	x86.ITPminub:    {0x66, 0xDA},
	x86.ITPaddq:     {0x66, 0xD4},
	x86.ITPxor:      {0x66, 0xEF},
}

// sseMoveForm covers the reg<->rm moves that have a genuine store encoding
// (a distinct opcode byte used when the destination is memory, or when a
// register-register move is re-expressed in the "store" direction), keyed
// by the opcode pair {load, store}.
var sseMoveForm = map[x86.InstrType]struct {
	mandatory    byte
	load, store  byte
}{
	x86.ITMovups: {0, 0x10, 0x11},
	x86.ITMovupd: {0x66, 0x10, 0x11},
	x86.ITMovss:  {0xF3, 0x10, 0x11},
	x86.ITMovsd:  {0xF2, 0x10, 0x11},
	x86.ITMovaps: {0, 0x28, 0x29},
	x86.ITMovapd: {0x66, 0x28, 0x29},
	x86.ITMovdqa: {0x66, 0x6F, 0x7F},
	x86.ITMovdqu: {0xF3, 0x6F, 0x7F},
}

func (e *encoder) encodeSSE(in *x86.Instruction) error {
	if form, ok := sseLoadForm[in.Type]; ok {
		if in.Dst.Kind != x86.OpReg {
			return fmt.Errorf("encode: %v requires an XMM destination", in.Type)
		}
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
		if err != nil {
			return err
		}
		emitSSE(e.buf, form.mandatory, form.opcode, false, rexR, rexX, rexB, false, modrm)
		return nil
	}

	if form, ok := sseMoveForm[in.Type]; ok {
		if in.Dst.Kind == x86.OpReg {
			modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
			if err != nil {
				return err
			}
			emitSSE(e.buf, form.mandatory, form.load, false, rexR, rexX, rexB, false, modrm)
			return nil
		}
		if in.Src.Kind != x86.OpReg {
			return fmt.Errorf("encode: %v needs a register operand on one side", in.Type)
		}
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Src.Reg, in.Dst)
		if err != nil {
			return err
		}
		emitSSE(e.buf, form.mandatory, form.store, false, rexR, rexX, rexB, false, modrm)
		return nil
	}

	switch in.Type {
	case x86.ITPmovmskb:
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
		if err != nil {
			return err
		}
		emitSSE(e.buf, 0x66, 0xD7, false, rexR, rexX, rexB, false, modrm)
		return nil
	case x86.ITMovdReg:
		return e.encodeMovdReg(in)
	}
	return fmt.Errorf("encode: no SSE encoder for instruction type %v", in.Type)
}

// encodeMovdReg distinguishes MOVD/MOVQ's three decoded shapes by operand
// register kind, since the mandatory prefix that originally selected
// between them (66 vs F3) isn't itself retained anywhere on Instruction:
// GPR/mem -> XMM and XMM -> GPR/mem both use 0F6E/0F7E under 66; XMM/mem ->
// XMM (the "MOVQ xmm,xmm/m64" form) uses F3 0F7E and only ever arises when
// both operands are already XMM-kind or the destination is XMM and the
// source is memory with VType64 (memory alone can't disambiguate, so it is
// folded into the 66-prefixed GPR form — semantically identical since both
// read the same bytes from memory).
func (e *encoder) encodeMovdReg(in *x86.Instruction) error {
	rexW := in.VType == x86.VT64

	if in.Dst.Kind == x86.OpReg && in.Dst.Reg.Kind == x86.RegXMM {
		if in.Src.Kind == x86.OpReg && in.Src.Reg.Kind == x86.RegXMM {
			modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
			if err != nil {
				return err
			}
			emitSSE(e.buf, 0xF3, 0x7E, false, rexR, rexX, rexB, false, modrm)
			return nil
		}
		modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Dst.Reg, in.Src)
		if err != nil {
			return err
		}
		force := forceRexFor(in.Src, x86.Operand{})
		emitSSE(e.buf, 0x66, 0x6E, rexW, rexR, rexX, rexB, force, modrm)
		return nil
	}

	// XMM -> GPR/mem: ModR/M.reg carries the XMM source, r/m the destination.
	if in.Src.Kind != x86.OpReg || in.Src.Reg.Kind != x86.RegXMM {
		return fmt.Errorf("encode: movd/movq destination must be XMM or its source must be XMM")
	}
	modrm, rexR, rexX, rexB, err := encodeModRMReg(in.Src.Reg, in.Dst)
	if err != nil {
		return err
	}
	force := forceRexFor(in.Dst, x86.Operand{})
	emitSSE(e.buf, 0x66, 0x7E, rexW, rexR, rexX, rexB, force, modrm)
	return nil
}
