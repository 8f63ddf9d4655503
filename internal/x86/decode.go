package x86

import (
	"fmt"

	"github.com/dbrew-go/dbrew/internal/rwerr"
)

// Decoder implements spec §4.2: it consumes a raw byte pointer and produces
// DBBs, memoized by entry address so that Decode is idempotent within a
// session (spec §8 "Idempotence of decode").
type Decoder struct {
	cache map[uint64]*DBB

	// MaxInstrPerBB bounds the length of a single DBB. NewDecoder replaces
	// zero with a built-in default; a Decoder whose field is left at zero
	// rejects every block.
	MaxInstrPerBB int
	// MaxTotalInstr bounds the total number of instructions decoded across
	// the lifetime of this Decoder, matching the session-wide decoding
	// capacity from session_set_decoding_capacity (spec §6).
	MaxTotalInstr int
	// MaxBBs bounds the number of distinct DBBs this Decoder will cache.
	MaxBBs int

	totalInstr int
}

// NewDecoder constructs a Decoder with the given capacities. Zero values
// mean "use a generous built-in default", the same sane zero-value
// configuration convention as a RuntimeConfig-style options struct.
func NewDecoder(maxInstrPerBB, maxTotalInstr, maxBBs int) *Decoder {
	if maxInstrPerBB <= 0 {
		maxInstrPerBB = 4096
	}
	if maxTotalInstr <= 0 {
		maxTotalInstr = 1 << 20
	}
	if maxBBs <= 0 {
		maxBBs = 1 << 16
	}
	return &Decoder{
		cache:         make(map[uint64]*DBB),
		MaxInstrPerBB: maxInstrPerBB,
		MaxTotalInstr: maxTotalInstr,
		MaxBBs:        maxBBs,
	}
}

// Decode returns the DBB starting at addr, decoding and caching it on first
// request (spec §4.2 steps 1-4).
func (d *Decoder) Decode(addr uint64) (*DBB, error) {
	if bb, ok := d.cache[addr]; ok {
		return bb, nil
	}
	if len(d.cache) >= d.MaxBBs {
		return nil, fmt.Errorf("%w: decoded basic block cache full (%d entries)", rwerr.ErrCapacityExceeded, d.MaxBBs)
	}

	var instrs []Instruction
	cur := addr
	var endType InstrType
	for {
		if len(instrs) >= d.MaxInstrPerBB {
			return nil, fmt.Errorf("%w: basic block at %#x exceeds %d instructions", rwerr.ErrCapacityExceeded, addr, d.MaxInstrPerBB)
		}
		if d.totalInstr >= d.MaxTotalInstr {
			return nil, fmt.Errorf("%w: total decoded instruction budget (%d) exhausted", rwerr.ErrCapacityExceeded, d.MaxTotalInstr)
		}

		in, err := decodeOne(cur)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, in)
		d.totalInstr++
		cur += uint64(in.Length)

		if in.IsExit() {
			endType = in.Type
			break
		}
	}

	bb := &DBB{Addr: addr, Size: int(cur - addr), Instr: instrs, EndType: endType}
	d.cache[addr] = bb
	return bb, nil
}

// Lookup returns a previously decoded DBB without decoding, or nil.
func (d *Decoder) Lookup(addr uint64) *DBB { return d.cache[addr] }

// decodeOne implements spec §4.2 step 3: collect prefixes, read the opcode
// (one- or two-byte), and parse the matching encoding family. IT_Invalid is
// produced — never an error — for an opcode byte this decoder doesn't
// recognize. For such an opcode the recorded length counts only the
// prefixes and opcode bytes read so far, and no Passthrough record is
// attached.
func decodeOne(addr uint64) (Instruction, error) {
	c := newCursor(addr)
	c.collectPrefixes()
	op := c.u8()

	var in Instruction
	if op == 0x0F {
		op2 := c.u8()
		in = decodeTwoByte(c, op2)
	} else {
		in = decodeOneByte(c, op)
	}

	in.Address = addr
	length := c.length()
	if length <= 0 || length > 15 {
		return Instruction{}, fmt.Errorf("%w: implausible instruction length %d at %#x", rwerr.ErrDecodeInvalidOpcode, length, addr)
	}
	in.Length = uint8(length)
	return in, nil
}

func decodeOneByte(c *cursor, op byte) Instruction {
	bits := c.operandSizeBits()

	if op <= 0x3D && (op&7) <= 5 && (op>>3) <= 7 {
		return decodeArithGroup(c, op, bits)
	}
	if op >= 0x70 && op <= 0x7F {
		d := c.i8()
		return Instruction{Type: ITJcc, Cond: Cond(op & 0xF), Src: ImmOperand(8, uint64(uint32(int32(d))))}
	}
	if op >= 0xA8 && op <= 0xA9 {
		if op == 0xA8 {
			imm := c.u8()
			return Instruction{Type: ITTest, VType: VT8, Dst: RegOperand(GPR8L(0)), Src: ImmOperand(8, uint64(imm))}
		}
		imm := c.u32()
		return Instruction{Type: ITTest, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, 0)), Src: ImmOperand(32, uint64(imm))}
	}
	if op >= 0xB0 && op <= 0xB7 {
		idx := op - 0xB0
		if c.rexB {
			idx |= 0x08
		}
		imm := c.u8()
		return Instruction{Type: ITMov, VType: VT8, Dst: RegOperand(c.gprReg(8, idx)), Src: ImmOperand(8, uint64(imm))}
	}
	if op >= 0xB8 && op <= 0xBF {
		idx := op - 0xB8
		if c.rexB {
			idx |= 0x08
		}
		if c.rexW {
			imm := c.u64()
			return Instruction{Type: ITMov, VType: VT64, Dst: RegOperand(GPR64(idx)), Src: ImmOperand(64, imm)}
		}
		imm := c.u32()
		return Instruction{Type: ITMov, VType: VT32, Dst: RegOperand(c.gprReg(32, idx)), Src: ImmOperand(32, uint64(imm))}
	}

	switch op {
	case 0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57:
		idx := op - 0x50
		if c.rexB {
			idx |= 0x08
		}
		return Instruction{Type: ITPush, VType: VT64, Src: RegOperand(GPR64(idx))}
	case 0x58, 0x59, 0x5A, 0x5B, 0x5C, 0x5D, 0x5E, 0x5F:
		idx := op - 0x58
		if c.rexB {
			idx |= 0x08
		}
		return Instruction{Type: ITPop, VType: VT64, Dst: RegOperand(GPR64(idx))}
	case 0x68:
		imm := c.i32()
		return Instruction{Type: ITPush, VType: VT64, Src: ImmOperand(32, uint64(imm))}
	case 0x69:
		m := c.readModRM()
		src := m.operand(c, bits, VTNone)
		imm := c.i32()
		return Instruction{Type: ITImul, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: src, Src2: ImmOperand(32, uint64(imm))}
	case 0x6A:
		imm := c.i8()
		return Instruction{Type: ITPush, VType: VT64, Src: ImmOperand(8, uint64(imm))}
	case 0x6B:
		m := c.readModRM()
		src := m.operand(c, bits, VTNone)
		imm := c.i8()
		return Instruction{Type: ITImul, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: src, Src2: ImmOperand(8, uint64(imm))}
	case 0x80:
		return decodeGroup1(c, 8, true)
	case 0x81:
		return decodeGroup1(c, bits, false)
	case 0x83:
		return decodeGroup1(c, bits, true)
	case 0x84:
		m := c.readModRM()
		return Instruction{Type: ITTest, VType: VT8, Dst: m.operand(c, 8, VTNone), Src: RegOperand(c.gprReg(8, m.reg))}
	case 0x85:
		m := c.readModRM()
		return Instruction{Type: ITTest, VType: ValTypeOfGPRWidth(bits), Dst: m.operand(c, bits, VTNone), Src: RegOperand(c.gprReg(bits, m.reg))}
	case 0x88:
		m := c.readModRM()
		return Instruction{Type: ITMov, VType: VT8, Dst: m.operand(c, 8, VTNone), Src: RegOperand(c.gprReg(8, m.reg))}
	case 0x89:
		m := c.readModRM()
		return Instruction{Type: ITMov, VType: ValTypeOfGPRWidth(bits), Dst: m.operand(c, bits, VTNone), Src: RegOperand(c.gprReg(bits, m.reg))}
	case 0x8A:
		m := c.readModRM()
		return Instruction{Type: ITMov, VType: VT8, Dst: RegOperand(c.gprReg(8, m.reg)), Src: m.operand(c, 8, VTNone)}
	case 0x8B:
		m := c.readModRM()
		return Instruction{Type: ITMov, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, bits, VTNone)}
	case 0x8D:
		m := c.readModRM()
		return Instruction{Type: ITLea, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, bits, VTNone)}
	case 0x8F:
		m := c.readModRM()
		return Instruction{Type: ITPop, VType: VT64, Dst: m.operand(c, 64, VTNone)}
	case 0x90:
		return Instruction{Type: ITNop}
	case 0x98:
		if c.rexW {
			return Instruction{Type: ITCltq, VType: VT64}
		}
		return Instruction{Type: ITCltq, VType: VT32}
	case 0x99:
		if c.rexW {
			return Instruction{Type: ITCqto, VType: VT64}
		}
		return Instruction{Type: ITCdq, VType: VT32}
	case 0xC0:
		return decodeGroup2(c, 8, true)
	case 0xC1:
		return decodeGroup2(c, bits, true)
	case 0xC2:
		imm := c.u16()
		return Instruction{Type: ITRet, Src: ImmOperand(16, uint64(imm))}
	case 0xC3:
		return Instruction{Type: ITRet}
	case 0xC6:
		m := c.readModRM()
		dst := m.operand(c, 8, VTNone)
		imm := c.u8()
		return Instruction{Type: ITMov, VType: VT8, Dst: dst, Src: ImmOperand(8, uint64(imm))}
	case 0xC7:
		m := c.readModRM()
		dst := m.operand(c, bits, VTNone)
		imm := c.i32()
		return Instruction{Type: ITMov, VType: ValTypeOfGPRWidth(bits), Dst: dst, Src: ImmOperand(32, uint64(uint32(imm)))}
	case 0xC9:
		return Instruction{Type: ITLeave}
	case 0xE8:
		d := c.i32()
		return Instruction{Type: ITCall, Src: ImmOperand(32, uint64(uint32(d)))}
	case 0xE9:
		d := c.i32()
		return Instruction{Type: ITJmp, Src: ImmOperand(32, uint64(uint32(d)))}
	case 0xEB:
		d := c.i8()
		return Instruction{Type: ITJmp, Src: ImmOperand(8, uint64(uint32(int32(d))))}
	case 0xF6:
		return decodeGroup3(c, 8)
	case 0xF7:
		return decodeGroup3(c, bits)
	case 0xFE:
		m := c.readModRM()
		dst := m.operand(c, 8, VTNone)
		if m.reg&7 == 0 {
			return Instruction{Type: ITInc, VType: VT8, Dst: dst}
		}
		return Instruction{Type: ITDec, VType: VT8, Dst: dst}
	case 0xFF:
		return decodeGroup5(c, bits)
	}

	// 0F 1F-style long multi-byte NOPs are the only other common
	// zero-operand filler; anything else unrecognized is IT_Invalid and the
	// cursor's position (already advanced past the opcode byte only) stands
	// as the instruction's length, which is correct only for an opcode with
	// no ModR/M, displacement or immediate bytes. No layer recovers the true
	// length or builds a Passthrough record; the emulator stops a trace that
	// reaches IT_Invalid with ErrTraceInvalid.
	return Instruction{Type: ITInvalid}
}

func decodeArithGroup(c *cursor, op byte, bits int) Instruction {
	group := op >> 3
	variant := op & 7
	it := arithGroupOps[group]
	switch variant {
	case 0: // Eb, Gb
		m := c.readModRM()
		return Instruction{Type: it, VType: VT8, Dst: m.operand(c, 8, VTNone), Src: RegOperand(c.gprReg(8, m.reg))}
	case 1: // Ev, Gv
		m := c.readModRM()
		return Instruction{Type: it, VType: ValTypeOfGPRWidth(bits), Dst: m.operand(c, bits, VTNone), Src: RegOperand(c.gprReg(bits, m.reg))}
	case 2: // Gb, Eb
		m := c.readModRM()
		return Instruction{Type: it, VType: VT8, Dst: RegOperand(c.gprReg(8, m.reg)), Src: m.operand(c, 8, VTNone)}
	case 3: // Gv, Ev
		m := c.readModRM()
		return Instruction{Type: it, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, bits, VTNone)}
	case 4: // AL, Ib
		imm := c.u8()
		return Instruction{Type: it, VType: VT8, Dst: RegOperand(GPR8L(0)), Src: ImmOperand(8, uint64(imm))}
	case 5: // eAX, Iz
		imm := c.u32()
		return Instruction{Type: it, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, 0)), Src: ImmOperand(32, uint64(imm))}
	}
	return Instruction{Type: ITInvalid}
}

func decodeGroup1(c *cursor, bits int, signExtendedImm8 bool) Instruction {
	m := c.readModRM()
	it := group1Ops[m.reg&7]
	width := bits
	vt := ValTypeOfGPRWidth(width)
	if width == 8 {
		vt = VT8
	}
	dst := m.operand(c, width, VTNone)
	var src Operand
	if signExtendedImm8 && width != 8 {
		d := c.i8()
		src = ImmOperand(8, uint64(uint32(int32(d))))
	} else if width == 8 {
		imm := c.u8()
		src = ImmOperand(8, uint64(imm))
	} else {
		imm := c.i32()
		src = ImmOperand(32, uint64(uint32(imm)))
	}
	return Instruction{Type: it, VType: vt, Dst: dst, Src: src}
}

func decodeGroup2(c *cursor, bits int, hasImm8 bool) Instruction {
	m := c.readModRM()
	it := group2Ops[m.reg&7]
	vt := ValTypeOfGPRWidth(bits)
	dst := m.operand(c, bits, VTNone)
	imm := c.u8()
	return Instruction{Type: it, VType: vt, Dst: dst, Src: ImmOperand(8, uint64(imm))}
}

func decodeGroup3(c *cursor, bits int) Instruction {
	m := c.readModRM()
	it := group3Ops[m.reg&7]
	vt := ValTypeOfGPRWidth(bits)
	if bits == 8 {
		vt = VT8
	}
	dst := m.operand(c, bits, VTNone)
	switch m.reg & 7 {
	case 0, 1: // TEST Eb/Ev, imm
		if bits == 8 {
			imm := c.u8()
			return Instruction{Type: it, VType: vt, Dst: dst, Src: ImmOperand(8, uint64(imm))}
		}
		imm := c.u32()
		return Instruction{Type: it, VType: vt, Dst: dst, Src: ImmOperand(32, uint64(imm))}
	default: // NOT/NEG/MUL/IMUL/DIV/IDIV Eb/Ev, no immediate
		return Instruction{Type: it, VType: vt, Dst: dst}
	}
}

func decodeGroup5(c *cursor, bits int) Instruction {
	m := c.readModRM()
	dst := m.operand(c, 64, VTNone)
	switch m.reg & 7 {
	case 0:
		return Instruction{Type: ITInc, VType: ValTypeOfGPRWidth(bits), Dst: m.operand(c, bits, VTNone)}
	case 1:
		return Instruction{Type: ITDec, VType: ValTypeOfGPRWidth(bits), Dst: m.operand(c, bits, VTNone)}
	case 2:
		return Instruction{Type: ITCall, Src: dst}
	case 4:
		return Instruction{Type: ITJmpIndirect, Src: dst}
	case 6:
		return Instruction{Type: ITPush, VType: VT64, Src: m.operand(c, 64, VTNone)}
	}
	return Instruction{Type: ITInvalid}
}

func decodeTwoByte(c *cursor, op2 byte) Instruction {
	switch {
	case op2 >= 0x40 && op2 <= 0x4F:
		bits := c.operandSizeBits()
		m := c.readModRM()
		return Instruction{Type: ITCmovCc, Cond: Cond(op2 & 0xF), VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, bits, VTNone)}
	case op2 >= 0x80 && op2 <= 0x8F:
		d := c.i32()
		return Instruction{Type: ITJcc, Cond: Cond(op2 & 0xF), Src: ImmOperand(32, uint64(uint32(d)))}
	case op2 >= 0x90 && op2 <= 0x9F:
		m := c.readModRM()
		return Instruction{Type: ITSetCc, Cond: Cond(op2 & 0xF), VType: VT8, Dst: m.operand(c, 8, VTNone)}
	case op2 == 0x1F:
		// multi-byte NOP: Ev operand only, no semantic effect.
		m := c.readModRM()
		_ = m
		return Instruction{Type: ITNop}
	case op2 == 0xAF:
		bits := c.operandSizeBits()
		m := c.readModRM()
		return Instruction{Type: ITImul, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, bits, VTNone)}
	case op2 == 0xBC:
		bits := c.operandSizeBits()
		m := c.readModRM()
		return Instruction{Type: ITBsf, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, bits, VTNone)}
	case op2 == 0xB6:
		bits := c.operandSizeBits()
		m := c.readModRM()
		return Instruction{Type: ITMovzx, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, 8, VTNone)}
	case op2 == 0xB7:
		bits := c.operandSizeBits()
		m := c.readModRM()
		return Instruction{Type: ITMovzx, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, 16, VTNone)}
	case op2 == 0xBE:
		bits := c.operandSizeBits()
		m := c.readModRM()
		return Instruction{Type: ITMovsx, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, 8, VTNone)}
	case op2 == 0xBF:
		bits := c.operandSizeBits()
		m := c.readModRM()
		return Instruction{Type: ITMovsx, VType: ValTypeOfGPRWidth(bits), Dst: RegOperand(c.gprReg(bits, m.reg)), Src: m.operand(c, 16, VTNone)}
	}

	if in, ok := decodeSSE(c, op2); ok {
		return in
	}

	// Some SSE opcode slots have an undocumented abort-vs-skip policy for
	// the unrecognized case (an open question, decided here as
	// skip-with-IT_Invalid), which keeps the decode loop total rather than
	// crashing the rewriter on an unrecognized vector opcode.
	return Instruction{Type: ITInvalid}
}
