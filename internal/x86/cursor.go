package x86

// cursor walks forward over the raw instruction stream starting at a given
// address, tracking the prefixes and REX bits collected for the instruction
// currently being decoded (spec §4.2 step 3).
type cursor struct {
	start uint64 // address of the first prefix/opcode byte of this instruction
	pos   uint64 // next byte to read

	hasRex            bool
	rexW, rexR, rexX, rexB bool
	opSize16          bool // 0x66 present and no REX.W
	mandatory66       bool
	mandatoryF2       bool
	mandatoryF3       bool
	segOverride       Segment
	branchHint        bool
}

func newCursor(addr uint64) *cursor {
	return &cursor{start: addr, pos: addr}
}

func (c *cursor) u8() byte {
	b := readByte(c.pos)
	c.pos++
	return b
}

func (c *cursor) i8() int8 { return int8(c.u8()) }

func (c *cursor) u16() uint16 {
	v := readU16(c.pos)
	c.pos += 2
	return v
}

func (c *cursor) u32() uint32 {
	v := readU32(c.pos)
	c.pos += 4
	return v
}

func (c *cursor) i32() int32 { return int32(c.u32()) }

func (c *cursor) u64() uint64 {
	v := readU64(c.pos)
	c.pos += 8
	return v
}

func (c *cursor) peek() byte { return readByte(c.pos) }

// length returns the number of bytes consumed for the instruction so far.
func (c *cursor) length() int { return int(c.pos - c.start) }

// collectPrefixes implements spec §4.2 step 3.a/3.b: legacy and REX prefixes
// are gathered until a non-prefix byte is found; REX (when present) must
// immediately precede the opcode, per the x86-64 SDM, so encountering REX
// resets lookahead to require the very next byte to be the opcode.
func (c *cursor) collectPrefixes() {
	for {
		b := c.peek()
		switch {
		case b == 0x66:
			c.mandatory66 = true
			c.pos++
		case b == 0xF2:
			c.mandatoryF2 = true
			c.pos++
		case b == 0xF3:
			c.mandatoryF3 = true
			c.pos++
		case b == 0x64:
			c.segOverride = SegFS
			c.pos++
		case b == 0x65:
			c.segOverride = SegGS
			c.pos++
		case b == 0x2E:
			c.branchHint = true
			c.pos++
		case b >= 0x40 && b <= 0x4F:
			c.hasRex = true
			c.rexW = b&0x08 != 0
			c.rexR = b&0x04 != 0
			c.rexX = b&0x02 != 0
			c.rexB = b&0x01 != 0
			c.pos++
			// REX must be the last prefix before the opcode; stop scanning.
			return
		default:
			return
		}
	}
}

// operandSizeBits implements spec §4.2 step 3.b.
func (c *cursor) operandSizeBits() int {
	switch {
	case c.rexW:
		return 64
	case c.mandatory66:
		return 16
	default:
		return 32
	}
}

func (c *cursor) vtype() ValType { return ValTypeOfGPRWidth(c.operandSizeBits()) }

// gprKindForBits maps an operand-size bit count to the matching GPR RegKind.
func gprKindForBits(bits int) RegKind {
	switch bits {
	case 8:
		return RegGPR8L
	case 16:
		return RegGPR16
	case 32:
		return RegGPR32
	case 64:
		return RegGPR64
	}
	return RegGPR32
}

// gprReg builds a GPR operand register of the given width, applying the
// REX-presence rule that flips the legacy AH/CH/DH/BH byte-register
// encoding to SPL/BPL/SIL/DIL once any REX prefix is present (spec §4.5
// encoder invariant, mirrored here on the decode side since it's the same
// ModR/M bit pattern).
func (c *cursor) gprReg(bits int, idx uint8) Reg {
	if bits == 8 {
		if !c.hasRex && idx >= 4 && idx <= 7 {
			return GPR8H(idx - 4)
		}
		return GPR8L(idx)
	}
	return Reg{Kind: gprKindForBits(bits), Index: idx}
}

// modrm holds the decoded fields of a ModR/M (+ SIB + displacement) byte
// sequence, per spec §4.2's ModR/M parsing rules.
type modrm struct {
	mod, reg, rm byte
	// mem is set when mod != 3; it already has REX.B/X applied to base/index.
	isMem bool
	mem   struct {
		base, index Reg
		scale       uint8
		disp        int64
		ripRelative bool
	}
}

// readModRM parses a ModR/M byte and, if required, SIB and displacement
// bytes, following spec §4.2's ModR/M rules verbatim.
func (c *cursor) readModRM() modrm {
	b := c.u8()
	m := modrm{mod: b >> 6, reg: (b >> 3) & 7, rm: b & 7}
	if c.rexR {
		m.reg |= 0x08
	}
	if m.mod == 3 {
		rm := m.rm
		if c.rexB {
			rm |= 0x08
		}
		m.rm = rm
		return m
	}

	m.isMem = true
	rm := m.rm

	if rm == 4 {
		// SIB byte follows.
		sib := c.u8()
		scale := sib >> 6
		index := (sib >> 3) & 7
		base := sib & 7
		if c.rexX {
			index |= 0x08
		}
		if c.rexB {
			base |= 0x08
		}
		if index == 4 && !c.rexX {
			// no index
		} else {
			m.mem.index = GPR64(index)
			m.mem.scale = 1 << scale
		}
		if base&7 == 5 && m.mod == 0 {
			m.mem.disp = int64(c.i32())
			// no base
		} else {
			m.mem.base = GPR64(base)
		}
	} else if rm == 5 && m.mod == 0 {
		m.mem.ripRelative = true
		m.mem.disp = int64(c.i32())
	} else {
		base := rm
		if c.rexB {
			base |= 0x08
		}
		m.mem.base = GPR64(base)
	}

	switch m.mod {
	case 1:
		m.mem.disp = int64(c.i8())
	case 2:
		m.mem.disp = int64(c.i32())
	}

	if c.rexB && rm != 4 {
		rmFull := rm | 0x08
		m.rm = rmFull
	}
	return m
}

// operand builds the Operand for the r/m side of a just-parsed ModR/M,
// using bits for the GPR width (ignored for vector widths) and vecWidth
// when the instruction's r/m operand is a vector register/memory location.
func (m modrm) operand(c *cursor, bits int, vecWidth ValType) Operand {
	if !m.isMem {
		if vecWidth != VTNone {
			return RegOperand(Reg{Kind: vecKind(vecWidth), Index: m.rm})
		}
		return RegOperand(c.gprReg(bits, m.rm))
	}
	width := ValTypeOfGPRWidth(bits)
	if vecWidth != VTNone {
		width = vecWidth
	}
	if m.mem.ripRelative {
		return RipRelative(width, m.mem.disp)
	}
	return IndOperand(width, m.mem.base, m.mem.index, m.mem.scale, m.mem.disp, c.segOverride)
}

func vecKind(width ValType) RegKind {
	if width == VT256 {
		return RegYMM
	}
	return RegXMM
}
