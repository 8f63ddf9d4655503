package emu

import (
	"math/bits"

	"github.com/dbrew-go/dbrew/internal/x86"
)

// execNonControl dispatches a single non-terminal decoded instruction:
// resolve operand taint, compute a result, and either fold it away (every
// input Static) or append a residual copy of the instruction and mark its
// written state Dynamic (spec §4.3 steps 1-4).
func (e *Emulator) execNonControl(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	switch in.Type {
	case x86.ITAdd, x86.ITAdc, x86.ITSub, x86.ITSbb, x86.ITAnd, x86.ITOr, x86.ITXor, x86.ITCmp, x86.ITTest:
		return e.execALU(cbb, es, in)
	case x86.ITMov:
		return e.execMov(cbb, es, in)
	case x86.ITMovsx, x86.ITMovzx:
		return e.execMovx(cbb, es, in)
	case x86.ITLea:
		return e.execLea(cbb, es, in)
	case x86.ITShl, x86.ITShr, x86.ITSar:
		return e.execShift(cbb, es, in)
	case x86.ITNot, x86.ITNeg, x86.ITInc, x86.ITDec:
		return e.execUnary(cbb, es, in)
	case x86.ITPush:
		return e.execPush(cbb, es, in)
	case x86.ITPop:
		return e.execPop(cbb, es, in)
	case x86.ITLeave:
		return e.execLeave(cbb, es, in)
	case x86.ITNop:
		return nil
	case x86.ITCltq:
		return e.execCltq(cbb, es, in)
	case x86.ITCqto, x86.ITCdq:
		return e.execCdqFamily(cbb, es, in)
	case x86.ITBsf:
		return e.execBsf(cbb, es, in)
	case x86.ITImul, x86.ITMul, x86.ITDiv, x86.ITIdiv:
		return e.execMulDiv(cbb, es, in)
	case x86.ITCmovCc:
		return e.execCmov(cbb, es, in)
	case x86.ITSetCc:
		return e.execSetcc(cbb, es, in)
	}
	return e.execSSE(cbb, es, in)
}

func (e *Emulator) writeback(es *EmuState, op x86.Operand, width int, value uint64, t Taint, ripAddr uint64) {
	switch op.Kind {
	case x86.OpReg:
		if op.Reg.IsVector() {
			es.setXMM64(op.Reg.Index, 0, value, t)
			return
		}
		es.SetReg(op.Reg.Index, value, width, t)
	case x86.OpInd:
		e.storeMem(es, op, width, value, t, ripAddr)
	}
}

var logicAffectsCFOF = map[x86.InstrType]bool{x86.ITAnd: true, x86.ITOr: true, x86.ITXor: true, x86.ITTest: true}

func (e *Emulator) execALU(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	ripAddr := in.Address + uint64(in.Length)
	dVal, dTaint := e.resolve(es, in.Dst, width, ripAddr)
	sVal, sTaint := e.resolve(es, in.Src, width, ripAddr)

	var res arithResult
	writesDst := true
	switch in.Type {
	case x86.ITAdd:
		res = aluAdd(dVal, sVal, width, false)
	case x86.ITAdc:
		res = aluAdd(dVal, sVal, width, es.Flags[FlagCF])
	case x86.ITSub:
		res = aluSub(dVal, sVal, width, false)
	case x86.ITSbb:
		res = aluSub(dVal, sVal, width, es.Flags[FlagCF])
	case x86.ITCmp:
		res = aluSub(dVal, sVal, width, false)
		writesDst = false
	case x86.ITAnd:
		res = aluLogic(dVal, sVal, width, func(a, b uint64) uint64 { return a & b })
	case x86.ITOr:
		res = aluLogic(dVal, sVal, width, func(a, b uint64) uint64 { return a | b })
	case x86.ITXor:
		res = aluLogic(dVal, sVal, width, func(a, b uint64) uint64 { return a ^ b })
	case x86.ITTest:
		res = aluLogic(dVal, sVal, width, func(a, b uint64) uint64 { return a & b })
		writesDst = false
	}

	resTaint := dTaint.Or(sTaint)
	es.Flags[FlagZF], es.FlagTaint[FlagZF] = res.flags[FlagZF], resTaint
	es.Flags[FlagSF], es.FlagTaint[FlagSF] = res.flags[FlagSF], resTaint
	es.Flags[FlagPF], es.FlagTaint[FlagPF] = res.flags[FlagPF], resTaint
	if logicAffectsCFOF[in.Type] {
		// AND/OR/XOR/TEST deterministically clear CF/OF regardless of input taint.
		es.Flags[FlagCF], es.FlagTaint[FlagCF] = false, Static
		es.Flags[FlagOF], es.FlagTaint[FlagOF] = false, Static
	} else {
		es.Flags[FlagCF], es.FlagTaint[FlagCF] = res.flags[FlagCF], resTaint
		es.Flags[FlagOF], es.FlagTaint[FlagOF] = res.flags[FlagOF], resTaint
		es.Flags[FlagAF], es.FlagTaint[FlagAF] = res.flags[FlagAF], resTaint
	}

	if resTaint == Static {
		if writesDst {
			e.writeback(es, in.Dst, width, res.value, Static, ripAddr)
		}
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	if writesDst {
		e.writeback(es, in.Dst, width, 0, Dynamic, ripAddr)
	}
	return nil
}

func (e *Emulator) execMov(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	ripAddr := in.Address + uint64(in.Length)
	val, taint := e.resolve(es, in.Src, width, ripAddr)
	if taint == Static {
		e.writeback(es, in.Dst, width, val, Static, ripAddr)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	e.writeback(es, in.Dst, width, 0, Dynamic, ripAddr)
	return nil
}

func (e *Emulator) execMovx(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	dstWidth := in.VType.Bits()
	srcWidth := operandWidth(in.Src)
	ripAddr := in.Address + uint64(in.Length)
	val, taint := e.resolve(es, in.Src, srcWidth, ripAddr)

	if taint == Static {
		var extended uint64
		if in.Type == x86.ITMovsx {
			extended = signExtend(val, srcWidth, dstWidth)
		} else {
			extended = val // zero-extend: val is already masked to srcWidth
		}
		e.writeback(es, in.Dst, dstWidth, extended, Static, ripAddr)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	e.writeback(es, in.Dst, dstWidth, 0, Dynamic, ripAddr)
	return nil
}

func signExtend(v uint64, from, to int) uint64 {
	if from >= 64 {
		return v
	}
	shift := uint(64 - from)
	signed := int64(v<<shift) >> shift
	return maskWidth(uint64(signed), to)
}

func (e *Emulator) execLea(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	ripAddr := in.Address + uint64(in.Length)
	var addr uint64
	var taint Taint
	if in.Src.Base.Kind == x86.RegIP {
		addr, taint = ripAddr+uint64(in.Src.Disp), Static
	} else {
		addr, taint = es.addressOf(in.Src)
	}
	if taint == Static {
		e.writeback(es, in.Dst, width, maskWidth(addr, width), Static, ripAddr)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	e.writeback(es, in.Dst, width, 0, Dynamic, ripAddr)
	return nil
}

func (e *Emulator) execShift(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	ripAddr := in.Address + uint64(in.Length)
	dVal, dTaint := e.resolve(es, in.Dst, width, ripAddr)
	count, countTaint := e.resolve(es, in.Src, 8, ripAddr)
	count &= 0x3F

	kind := 0
	switch in.Type {
	case x86.ITShl:
		kind = 0
	case x86.ITShr:
		kind = 1
	case x86.ITSar:
		kind = 2
	}
	res := aluShift(kind, dVal, width, count)
	resTaint := dTaint.Or(countTaint)

	es.Flags[FlagCF], es.FlagTaint[FlagCF] = res.flags[FlagCF], resTaint
	es.Flags[FlagZF], es.FlagTaint[FlagZF] = res.flags[FlagZF], resTaint
	es.Flags[FlagSF], es.FlagTaint[FlagSF] = res.flags[FlagSF], resTaint
	es.Flags[FlagPF], es.FlagTaint[FlagPF] = res.flags[FlagPF], resTaint
	es.Flags[FlagOF], es.FlagTaint[FlagOF] = res.flags[FlagOF], resTaint

	if resTaint == Static {
		e.writeback(es, in.Dst, width, res.value, Static, ripAddr)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	e.writeback(es, in.Dst, width, 0, Dynamic, ripAddr)
	return nil
}

func (e *Emulator) execUnary(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	ripAddr := in.Address + uint64(in.Length)
	dVal, dTaint := e.resolve(es, in.Dst, width, ripAddr)

	var res arithResult
	switch in.Type {
	case x86.ITNot:
		res = arithResult{value: maskWidth(^dVal, width)}
		res.flags = es.flagsSnapshot() // NOT affects no flags
	case x86.ITNeg:
		res = aluSub(0, dVal, width, false)
	case x86.ITInc:
		res = aluAdd(dVal, 1, width, false)
		res.flags[FlagCF] = es.Flags[FlagCF] // INC/DEC never touch CF
	case x86.ITDec:
		res = aluSub(dVal, 1, width, false)
		res.flags[FlagCF] = es.Flags[FlagCF]
	}

	if in.Type != x86.ITNot {
		es.Flags[FlagZF], es.FlagTaint[FlagZF] = res.flags[FlagZF], dTaint
		es.Flags[FlagSF], es.FlagTaint[FlagSF] = res.flags[FlagSF], dTaint
		es.Flags[FlagPF], es.FlagTaint[FlagPF] = res.flags[FlagPF], dTaint
		es.Flags[FlagOF], es.FlagTaint[FlagOF] = res.flags[FlagOF], dTaint
		es.Flags[FlagAF], es.FlagTaint[FlagAF] = res.flags[FlagAF], dTaint
	}

	if dTaint == Static {
		e.writeback(es, in.Dst, width, res.value, Static, ripAddr)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	e.writeback(es, in.Dst, width, 0, Dynamic, ripAddr)
	return nil
}

func (es *EmuState) flagsSnapshot() [numFlags]bool { return es.Flags }

func (e *Emulator) execPush(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	val, taint := e.resolve(es, in.Src, 64, in.Address+uint64(in.Length))
	newSP := es.Reg[x86.RSP] - 8
	es.WriteStack(newSP, val, 8, taint)
	es.Reg[x86.RSP] = newSP
	if taint == Static {
		return nil
	}
	return e.emit(cbb, *in)
}

func (e *Emulator) execPop(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	oldSP := es.Reg[x86.RSP]
	val, taint := es.ReadStack(oldSP, 8)
	es.Reg[x86.RSP] = oldSP + 8
	if taint == Static {
		es.SetReg(in.Dst.Reg.Index, val, 64, Static)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	es.SetReg(in.Dst.Reg.Index, 0, 64, Dynamic)
	return nil
}

// execLeave models `mov rsp, rbp; pop rbp`. It is always captured
// residually: RBP is usually only Static early in a trace, and the
// RSP<-RBP transfer plus subsequent pop are cheap enough that folding them
// isn't worth the bookkeeping given how rarely LEAVE appears mid-trace.
func (e *Emulator) execLeave(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	newSP := es.RegValue(x86.RBP, 64)
	spTaint := es.RegTaintOf(x86.RBP, 64)
	es.Reg[x86.RSP] = newSP
	fillTaint(es.RegTaint[x86.RSP][:], spTaint)
	val, taint := es.ReadStack(newSP, 8)
	es.Reg[x86.RSP] = newSP + 8
	es.SetReg(x86.RBP, val, 64, taint)
	return nil
}

func (e *Emulator) execCltq(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	srcWidth := width / 2
	taint := es.RegTaintOf(x86.RAX, srcWidth)
	if taint == Static {
		val := signExtend(es.RegValue(x86.RAX, srcWidth), srcWidth, width)
		es.SetReg(x86.RAX, val, width, Static)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	es.SetReg(x86.RAX, 0, width, Dynamic)
	return nil
}

func (e *Emulator) execCdqFamily(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	taint := es.RegTaintOf(x86.RAX, width)
	if taint == Static {
		val := es.RegValue(x86.RAX, width)
		var sign uint64
		if signBit(val, width) {
			sign = maskWidth(^uint64(0), width)
		}
		es.SetReg(x86.RDX, sign, width, Static)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	es.SetReg(x86.RDX, 0, width, Dynamic)
	return nil
}

func (e *Emulator) execBsf(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	ripAddr := in.Address + uint64(in.Length)
	val, taint := e.resolve(es, in.Src, width, ripAddr)

	if taint == Static {
		zf := val == 0
		es.Flags[FlagZF], es.FlagTaint[FlagZF] = zf, Static
		if !zf {
			idx := uint64(bits.TrailingZeros64(val))
			e.writeback(es, in.Dst, width, idx, Static, ripAddr)
		}
		return nil
	}
	es.FlagTaint[FlagZF] = Dynamic
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	e.writeback(es, in.Dst, width, 0, Dynamic, ripAddr)
	return nil
}

// execMulDiv handles IMUL/MUL/DIV/IDIV conservatively. The 2- and 3-operand
// IMUL forms fold when every input is Static; otherwise they are captured
// residually and their destination is marked Dynamic. The 1-operand forms
// (MUL, DIV, IDIV and one-operand IMUL) are never folded: they are captured
// residually even when every input is Static, and every register they can
// possibly write (the accumulator pair RAX:RDX) is marked Dynamic. Exact
// flag semantics for these ops are rarely consumed by the branches this rewriter specializes, so flags
// are conservatively marked Dynamic whenever the op doesn't fold.
func (e *Emulator) execMulDiv(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	ripAddr := in.Address + uint64(in.Length)

	if in.Src2.Kind != x86.OpNone {
		// 3-operand IMUL r, r/m, imm.
		sVal, sTaint := e.resolve(es, in.Src, width, ripAddr)
		iVal, iTaint := e.resolve(es, in.Src2, width, ripAddr)
		if sTaint.Or(iTaint) == Static {
			res := maskWidth(sVal*iVal, width)
			e.writeback(es, in.Dst, width, res, Static, ripAddr)
			return nil
		}
		if err := e.emit(cbb, *in); err != nil {
			return err
		}
		e.writeback(es, in.Dst, width, 0, Dynamic, ripAddr)
		for f := Flag(0); f < numFlags; f++ {
			es.FlagTaint[f] = Dynamic
		}
		return nil
	}

	if in.Src.Kind != x86.OpNone {
		// 2-operand IMUL r, r/m.
		dVal, dTaint := e.resolve(es, in.Dst, width, ripAddr)
		sVal, sTaint := e.resolve(es, in.Src, width, ripAddr)
		if dTaint.Or(sTaint) == Static && in.Type == x86.ITImul {
			res := maskWidth(dVal*sVal, width)
			e.writeback(es, in.Dst, width, res, Static, ripAddr)
			return nil
		}
		if err := e.emit(cbb, *in); err != nil {
			return err
		}
		e.writeback(es, in.Dst, width, 0, Dynamic, ripAddr)
		for f := Flag(0); f < numFlags; f++ {
			es.FlagTaint[f] = Dynamic
		}
		return nil
	}

	// 1-operand form: RDX:RAX <- RAX * src, or RAX,RDX <- RDX:RAX / src.
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	es.SetReg(x86.RAX, 0, width, Dynamic)
	es.SetReg(x86.RDX, 0, width, Dynamic)
	for f := Flag(0); f < numFlags; f++ {
		es.FlagTaint[f] = Dynamic
	}
	return nil
}

func (e *Emulator) execCmov(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	width := in.VType.Bits()
	ripAddr := in.Address + uint64(in.Length)
	ct := condTaint(es, in.Cond)
	sVal, sTaint := e.resolve(es, in.Src, width, ripAddr)

	if ct == Static {
		if evalCond(uint8(in.Cond), es.Flags) {
			if sTaint != Static {
				// The move is known to happen but its value is not: keep it
				// as a plain MOV.
				mv := *in
				mv.Type, mv.Cond = x86.ITMov, 0
				if err := e.emit(cbb, mv); err != nil {
					return err
				}
			}
			e.writeback(es, in.Dst, width, sVal, sTaint, ripAddr)
		}
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	e.writeback(es, in.Dst, width, 0, Dynamic, ripAddr)
	return nil
}

func (e *Emulator) execSetcc(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	ripAddr := in.Address + uint64(in.Length)
	ct := condTaint(es, in.Cond)
	if ct == Static {
		v := uint64(0)
		if evalCond(uint8(in.Cond), es.Flags) {
			v = 1
		}
		e.writeback(es, in.Dst, 8, v, Static, ripAddr)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	e.writeback(es, in.Dst, 8, 0, Dynamic, ripAddr)
	return nil
}
