package emu

import (
	"fmt"
	"math"

	"github.com/dbrew-go/dbrew/internal/rwerr"
	"github.com/dbrew-go/dbrew/internal/x86"
)

// effectiveAddr computes a memory operand's concrete address, handling the
// RIP-relative case that addressOf alone cannot (it needs the
// instruction-end address, which only the caller knows).
func effectiveAddr(es *EmuState, op x86.Operand, ripAddr uint64) (uint64, Taint) {
	if op.Base.Kind == x86.RegIP {
		return ripAddr + uint64(op.Disp), Static
	}
	return es.addressOf(op)
}

// loadXMM reads an up-to-16-byte value from a register, memory, or (for
// MOVD/MOVQ's GPR source form) a general-purpose register operand.
func (e *Emulator) loadXMM(es *EmuState, op x86.Operand, nbytes int, ripAddr uint64) (lo, hi uint64, taint Taint) {
	switch op.Kind {
	case x86.OpReg:
		if op.Reg.IsVector() {
			return es.XMM[op.Reg.Index][0], es.XMM[op.Reg.Index][1], es.xmmTaintOf(op.Reg.Index, nbytes)
		}
		v := es.RegValue(op.Reg.Index, nbytes*8)
		return v, 0, es.RegTaintOf(op.Reg.Index, nbytes*8)
	case x86.OpInd:
		addr, addrTaint := effectiveAddr(es, op, ripAddr)
		if addrTaint == Dynamic {
			return 0, 0, Dynamic
		}
		if nbytes <= 8 {
			if es.InStackWindow(addr, nbytes) {
				v, t := es.ReadStack(addr, nbytes)
				return v, 0, t
			}
			return littleEndianValue(x86.ReadMem(addr, nbytes)), 0, Static
		}
		if es.InStackWindow(addr, 16) {
			vlo, tlo := es.ReadStack(addr, 8)
			vhi, thi := es.ReadStack(addr+8, 8)
			return vlo, vhi, tlo.Or(thi)
		}
		b := x86.ReadMem(addr, 16)
		return littleEndianValue(b[:8]), littleEndianValue(b[8:]), Static
	}
	return 0, 0, Static
}

// storeXMM is the write-side counterpart of loadXMM.
func (e *Emulator) storeXMM(es *EmuState, op x86.Operand, nbytes int, lo, hi uint64, t Taint, ripAddr uint64) {
	switch op.Kind {
	case x86.OpReg:
		if op.Reg.IsVector() {
			if nbytes <= 8 {
				es.setXMM64(op.Reg.Index, 0, lo, t)
			} else {
				es.setXMM128(op.Reg.Index, lo, hi, t)
			}
			return
		}
		es.SetReg(op.Reg.Index, lo, nbytes*8, t)
	case x86.OpInd:
		addr, addrTaint := effectiveAddr(es, op, ripAddr)
		if addrTaint == Dynamic || !es.InStackWindow(addr, nbytes) {
			return
		}
		es.WriteStack(addr, lo, min(nbytes, 8), t)
		if nbytes > 8 {
			es.WriteStack(addr+8, hi, nbytes-8, t)
		}
	}
}

func lanesToBytes(lo, hi uint64) [16]byte {
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(lo >> (8 * i))
		b[8+i] = byte(hi >> (8 * i))
	}
	return b
}

func bytesToLanes(b [16]byte) (lo, hi uint64) {
	for i := 0; i < 8; i++ {
		lo |= uint64(b[i]) << (8 * i)
		hi |= uint64(b[8+i]) << (8 * i)
	}
	return lo, hi
}

// execSSE dispatches the SSE/SSE2 subset (spec §4.2). Packed-op taint is
// tracked at whole-register granularity rather than per-lane: this is
// coarser than strictly necessary (a Dynamic high lane forces the whole
// result Dynamic even if only the low lane was actually used downstream)
// but never unsound, since it only ever under-folds, never over-folds.
func (e *Emulator) execSSE(cbb *CBB, es *EmuState, in *x86.Instruction) error {
	ripAddr := in.Address + uint64(in.Length)
	switch in.Type {
	case x86.ITMovss, x86.ITMovsd, x86.ITMovaps, x86.ITMovapd,
		x86.ITMovups, x86.ITMovupd, x86.ITMovdqa, x86.ITMovdqu, x86.ITMovdReg:
		nbytes := in.VType.Bytes()
		if nbytes == 0 {
			nbytes = 16
		}
		return e.execSSEMove(cbb, es, in, nbytes, ripAddr)
	case x86.ITMovlps, x86.ITMovhps:
		return e.execSSEMove(cbb, es, in, 8, ripAddr)
	case x86.ITAddss, x86.ITAddsd, x86.ITAddps, x86.ITAddpd,
		x86.ITSubss, x86.ITSubsd, x86.ITSubps, x86.ITSubpd,
		x86.ITMulss, x86.ITMulsd, x86.ITMulps, x86.ITMulpd:
		return e.execSSEArith(cbb, es, in, ripAddr)
	case x86.ITXorps, x86.ITPxor:
		return e.execSSEByteOp(cbb, es, in, ripAddr, func(a, b byte) byte { return a ^ b })
	case x86.ITPcmpeqb:
		return e.execSSEByteOp(cbb, es, in, ripAddr, func(a, b byte) byte {
			if a == b {
				return 0xFF
			}
			return 0x00
		})
	case x86.ITPminub:
		return e.execSSEByteOp(cbb, es, in, ripAddr, func(a, b byte) byte {
			if a < b {
				return a
			}
			return b
		})
	case x86.ITPaddq:
		return e.execPaddq(cbb, es, in, ripAddr)
	case x86.ITPmovmskb:
		return e.execPmovmskb(cbb, es, in, ripAddr)
	case x86.ITUcomisd:
		return e.execUcomisd(cbb, es, in, ripAddr)
	case x86.ITUnpcklps, x86.ITUnpcklpd:
		return e.execUnpckl(cbb, es, in, ripAddr)
	}
	return fmt.Errorf("%w: instruction type %v has no emulation semantics", rwerr.ErrUnsupportedInstruction, in.Type)
}

func (e *Emulator) execSSEMove(cbb *CBB, es *EmuState, in *x86.Instruction, nbytes int, ripAddr uint64) error {
	lo, hi, taint := e.loadXMM(es, in.Src, nbytes, ripAddr)
	if taint == Static {
		e.storeXMM(es, in.Dst, nbytes, lo, hi, Static, ripAddr)
		return nil
	}
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	e.storeXMM(es, in.Dst, nbytes, 0, 0, Dynamic, ripAddr)
	return nil
}

func (e *Emulator) execSSEArith(cbb *CBB, es *EmuState, in *x86.Instruction, ripAddr uint64) error {
	dstIdx := in.Dst.Reg.Index
	var lane64, scalar bool
	switch in.Type {
	case x86.ITAddsd, x86.ITSubsd, x86.ITMulsd:
		lane64, scalar = true, true
	case x86.ITAddss, x86.ITSubss, x86.ITMulss:
		lane64, scalar = false, true
	case x86.ITAddpd, x86.ITSubpd, x86.ITMulpd:
		lane64, scalar = true, false
	default:
		lane64, scalar = false, false
	}
	nbytes := 16
	if scalar {
		if lane64 {
			nbytes = 8
		} else {
			nbytes = 4
		}
	}

	srcLo, srcHi, srcTaint := e.loadXMM(es, in.Src, nbytes, ripAddr)
	dstTaint := es.xmmTaintOf(dstIdx, nbytes)
	taint := dstTaint.Or(srcTaint)

	if taint == Dynamic {
		if err := e.emit(cbb, *in); err != nil {
			return err
		}
		if scalar {
			es.setXMM64(dstIdx, 0, 0, Dynamic)
		} else {
			es.setXMM128(dstIdx, 0, 0, Dynamic)
		}
		return nil
	}

	apply32 := func(a, b uint32) uint32 {
		af, bf := math.Float32frombits(a), math.Float32frombits(b)
		return math.Float32bits(floatOp(in.Type, af, bf))
	}
	apply64 := func(a, b uint64) uint64 {
		af, bf := math.Float64frombits(a), math.Float64frombits(b)
		return math.Float64bits(floatOp64(in.Type, af, bf))
	}

	dLo, dHi := es.XMM[dstIdx][0], es.XMM[dstIdx][1]
	switch {
	case scalar && lane64:
		es.setXMM64(dstIdx, 0, apply64(dLo, srcLo), Static)
	case scalar && !lane64:
		res := apply32(uint32(dLo), uint32(srcLo))
		es.setXMM64(dstIdx, 0, (dLo&^0xFFFFFFFF)|uint64(res), Static)
	case !scalar && lane64:
		es.setXMM128(dstIdx, apply64(dLo, srcLo), apply64(dHi, srcHi), Static)
	default: // packed single
		rLo := uint64(apply32(uint32(dLo), uint32(srcLo))) | uint64(apply32(uint32(dLo>>32), uint32(srcLo>>32)))<<32
		rHi := uint64(apply32(uint32(dHi), uint32(srcHi))) | uint64(apply32(uint32(dHi>>32), uint32(srcHi>>32)))<<32
		es.setXMM128(dstIdx, rLo, rHi, Static)
	}
	return nil
}

func floatOp(t x86.InstrType, a, b float32) float32 {
	switch t {
	case x86.ITAddss, x86.ITAddps:
		return a + b
	case x86.ITSubss, x86.ITSubps:
		return a - b
	default:
		return a * b
	}
}

func floatOp64(t x86.InstrType, a, b float64) float64 {
	switch t {
	case x86.ITAddsd, x86.ITAddpd:
		return a + b
	case x86.ITSubsd, x86.ITSubpd:
		return a - b
	default:
		return a * b
	}
}

func (e *Emulator) execSSEByteOp(cbb *CBB, es *EmuState, in *x86.Instruction, ripAddr uint64, fn func(a, b byte) byte) error {
	dstIdx := in.Dst.Reg.Index
	srcLo, srcHi, srcTaint := e.loadXMM(es, in.Src, 16, ripAddr)
	taint := es.xmmTaintOf(dstIdx, 16).Or(srcTaint)
	if taint == Dynamic {
		if err := e.emit(cbb, *in); err != nil {
			return err
		}
		es.setXMM128(dstIdx, 0, 0, Dynamic)
		return nil
	}
	dBytes := lanesToBytes(es.XMM[dstIdx][0], es.XMM[dstIdx][1])
	sBytes := lanesToBytes(srcLo, srcHi)
	var rBytes [16]byte
	for i := range rBytes {
		rBytes[i] = fn(dBytes[i], sBytes[i])
	}
	lo, hi := bytesToLanes(rBytes)
	es.setXMM128(dstIdx, lo, hi, Static)
	return nil
}

func (e *Emulator) execPaddq(cbb *CBB, es *EmuState, in *x86.Instruction, ripAddr uint64) error {
	dstIdx := in.Dst.Reg.Index
	srcLo, srcHi, srcTaint := e.loadXMM(es, in.Src, 16, ripAddr)
	taint := es.xmmTaintOf(dstIdx, 16).Or(srcTaint)
	if taint == Dynamic {
		if err := e.emit(cbb, *in); err != nil {
			return err
		}
		es.setXMM128(dstIdx, 0, 0, Dynamic)
		return nil
	}
	lo := es.XMM[dstIdx][0] + srcLo
	hi := es.XMM[dstIdx][1] + srcHi
	es.setXMM128(dstIdx, lo, hi, Static)
	return nil
}

func (e *Emulator) execPmovmskb(cbb *CBB, es *EmuState, in *x86.Instruction, ripAddr uint64) error {
	srcIdx := in.Src.Reg.Index
	taint := es.xmmTaintOf(srcIdx, 16)
	if taint == Dynamic {
		if err := e.emit(cbb, *in); err != nil {
			return err
		}
		e.writeback(es, in.Dst, 32, 0, Dynamic, ripAddr)
		return nil
	}
	bs := lanesToBytes(es.XMM[srcIdx][0], es.XMM[srcIdx][1])
	var mask uint64
	for i, b := range bs {
		if b&0x80 != 0 {
			mask |= 1 << uint(i)
		}
	}
	e.writeback(es, in.Dst, 32, mask, Static, ripAddr)
	return nil
}

func (e *Emulator) execUcomisd(cbb *CBB, es *EmuState, in *x86.Instruction, ripAddr uint64) error {
	dstIdx := in.Dst.Reg.Index
	srcLo, _, srcTaint := e.loadXMM(es, in.Src, 8, ripAddr)
	taint := es.xmmTaintOf(dstIdx, 8).Or(srcTaint)

	if taint == Dynamic {
		es.FlagTaint[FlagZF], es.FlagTaint[FlagPF], es.FlagTaint[FlagCF] = Dynamic, Dynamic, Dynamic
		es.FlagTaint[FlagSF], es.FlagTaint[FlagOF], es.FlagTaint[FlagAF] = Static, Static, Static
		es.Flags[FlagSF], es.Flags[FlagOF], es.Flags[FlagAF] = false, false, false
		return e.emit(cbb, *in)
	}

	a := math.Float64frombits(es.XMM[dstIdx][0])
	b := math.Float64frombits(srcLo)
	zf, pf, cf := false, false, false
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		zf, pf, cf = true, true, true
	case a == b:
		zf = true
	case a < b:
		cf = true
	}
	es.Flags[FlagZF], es.Flags[FlagPF], es.Flags[FlagCF] = zf, pf, cf
	es.Flags[FlagSF], es.Flags[FlagOF], es.Flags[FlagAF] = false, false, false
	for _, f := range []Flag{FlagZF, FlagPF, FlagCF, FlagSF, FlagOF, FlagAF} {
		es.FlagTaint[f] = Static
	}
	return nil
}

func (e *Emulator) execUnpckl(cbb *CBB, es *EmuState, in *x86.Instruction, ripAddr uint64) error {
	dstIdx := in.Dst.Reg.Index
	srcLo, srcHi, srcTaint := e.loadXMM(es, in.Src, 16, ripAddr)
	taint := es.xmmTaintOf(dstIdx, 16).Or(srcTaint)
	if taint == Dynamic {
		if err := e.emit(cbb, *in); err != nil {
			return err
		}
		es.setXMM128(dstIdx, 0, 0, Dynamic)
		return nil
	}
	dLo := es.XMM[dstIdx][0]
	if in.Type == x86.ITUnpcklpd {
		es.setXMM128(dstIdx, dLo, srcLo, Static)
		return nil
	}
	d0, d1 := uint32(dLo), uint32(dLo>>32)
	s0, s1 := uint32(srcLo), uint32(srcLo>>32)
	rLo := uint64(d0) | uint64(s0)<<32
	rHi := uint64(d1) | uint64(s1)<<32
	es.setXMM128(dstIdx, rLo, rHi, Static)
	return nil
}
