package x86

// decodeSSE handles the SSE/SSE2 subset named in spec §4.2. Dispatch keys on
// the two-byte opcode plus the mandatory prefix (66/F2/F3/none), following
// the standard "SSE opcode = two-byte opcode + mandatory prefix" convention.
// Returns ok=false for anything outside the supported subset.
func decodeSSE(c *cursor, op2 byte) (Instruction, bool) {
	vw := VT128 // this decoder does not recognize VEX/AVX forms, so vector width is always 128-bit (XMM)

	switch op2 {
	case 0x10, 0x11: // MOVUPS/MOVUPD/MOVSS/MOVSD
		it := ITMovups
		switch {
		case c.mandatory66:
			it = ITMovupd
		case c.mandatoryF3:
			it = ITMovss
		case c.mandatoryF2:
			it = ITMovsd
		}
		m := c.readModRM()
		reg := RegOperand(XMM(m.reg))
		rm := m.operand(c, 0, vw)
		if op2 == 0x10 {
			return Instruction{Type: it, VType: vw, Dst: reg, Src: rm}, true
		}
		return Instruction{Type: it, VType: vw, Dst: rm, Src: reg}, true
	case 0x12: // MOVLPS
		m := c.readModRM()
		return Instruction{Type: ITMovlps, VType: VT64, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, VT64)}, true
	case 0x14: // UNPCKLPS/UNPCKLPD
		it := ITUnpcklps
		if c.mandatory66 {
			it = ITUnpcklpd
		}
		m := c.readModRM()
		return Instruction{Type: it, VType: vw, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, vw)}, true
	case 0x16: // MOVHPS
		m := c.readModRM()
		return Instruction{Type: ITMovhps, VType: VT64, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, VT64)}, true
	case 0x28, 0x29: // MOVAPS/MOVAPD
		it := ITMovaps
		if c.mandatory66 {
			it = ITMovapd
		}
		m := c.readModRM()
		reg := RegOperand(XMM(m.reg))
		rm := m.operand(c, 0, vw)
		if op2 == 0x28 {
			return Instruction{Type: it, VType: vw, Dst: reg, Src: rm}, true
		}
		return Instruction{Type: it, VType: vw, Dst: rm, Src: reg}, true
	case 0x2F: // UCOMISS/UCOMISD — only the 66-prefixed (double) form is modeled
		if c.mandatory66 {
			m := c.readModRM()
			return Instruction{Type: ITUcomisd, VType: VT64, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, VT64)}, true
		}
		return Instruction{}, false
	case 0x58: // ADDPS/ADDSS/ADDPD/ADDSD
		return decodeSSEArith(c, [4]InstrType{ITAddps, ITAddpd, ITAddss, ITAddsd})
	case 0x59: // MULPS/MULSS/MULPD/MULSD
		return decodeSSEArith(c, [4]InstrType{ITMulps, ITMulpd, ITMulss, ITMulsd})
	case 0x5C: // SUBPS/SUBSS/SUBPD/SUBSD
		return decodeSSEArith(c, [4]InstrType{ITSubps, ITSubpd, ITSubss, ITSubsd})
	case 0x57: // XORPS (only the no-prefix packed-single form is modeled)
		if c.mandatory66 || c.mandatoryF2 || c.mandatoryF3 {
			return Instruction{}, false
		}
		m := c.readModRM()
		return Instruction{Type: ITXorps, VType: vw, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, vw)}, true
	case 0x6E: // MOVD/MOVQ Vd, Ed/q  (GPR -> XMM)
		bits := c.operandSizeBits()
		m := c.readModRM()
		gp := m.operand(c, bits, VTNone)
		width := VT32
		if c.rexW {
			width = VT64
		}
		return Instruction{Type: ITMovdReg, VType: width, Dst: RegOperand(XMM(m.reg)), Src: gp}, true
	case 0x6F, 0x7F: // MOVDQA (66) / MOVDQU (F3)
		it := ITMovdqa
		if c.mandatoryF3 {
			it = ITMovdqu
		}
		m := c.readModRM()
		reg := RegOperand(XMM(m.reg))
		rm := m.operand(c, 0, vw)
		if op2 == 0x6F {
			return Instruction{Type: it, VType: vw, Dst: reg, Src: rm}, true
		}
		return Instruction{Type: it, VType: vw, Dst: rm, Src: reg}, true
	case 0x74: // PCMPEQB
		m := c.readModRM()
		return Instruction{Type: ITPcmpeqb, VType: vw, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, vw)}, true
	case 0x7E: // MOVD/MOVQ Ed/q, Vd (XMM -> GPR), or MOVQ Vq,Wq under F3
		if c.mandatoryF3 {
			m := c.readModRM()
			return Instruction{Type: ITMovdReg, VType: VT64, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, vw)}, true
		}
		bits := c.operandSizeBits()
		m := c.readModRM()
		width := VT32
		if c.rexW {
			width = VT64
		}
		return Instruction{Type: ITMovdReg, VType: width, Dst: m.operand(c, bits, VTNone), Src: RegOperand(XMM(m.reg))}, true
	case 0xD4: // PADDQ
		m := c.readModRM()
		return Instruction{Type: ITPaddq, VType: vw, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, vw)}, true
	case 0xD7: // PMOVMSKB
		m := c.readModRM()
		src := RegOperand(XMM(m.rm))
		return Instruction{Type: ITPmovmskb, VType: VT32, Dst: RegOperand(c.gprReg(32, m.reg)), Src: src}, true
	case 0xDA: // PMINUB
		m := c.readModRM()
		return Instruction{Type: ITPminub, VType: vw, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, vw)}, true
	case 0xEF: // PXOR
		m := c.readModRM()
		return Instruction{Type: ITPxor, VType: vw, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, vw)}, true
	}
	return Instruction{}, false
}

// decodeSSEArith handles the four-way {packed-single, packed-double,
// scalar-single, scalar-double} opcode forms shared by ADD/MUL/SUB.
func decodeSSEArith(c *cursor, its [4]InstrType) (Instruction, bool) {
	var it InstrType
	width := VT128
	switch {
	case c.mandatoryF3:
		it, width = its[2], VT32
	case c.mandatoryF2:
		it, width = its[3], VT64
	case c.mandatory66:
		it = its[1]
	default:
		it = its[0]
	}
	m := c.readModRM()
	rmWidth := VT128
	if width == VT32 || width == VT64 {
		rmWidth = width
	}
	return Instruction{Type: it, VType: width, Dst: RegOperand(XMM(m.reg)), Src: m.operand(c, 0, rmWidth)}, true
}
