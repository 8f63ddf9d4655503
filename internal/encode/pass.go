package encode

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dbrew-go/dbrew/internal/rwerr"
	"github.com/dbrew-go/dbrew/internal/x86"
)

// encodePass lays out e.order's CBBs once, in order, recording each one's
// offset as it's reached and resolving any forward jump whose target that
// offset satisfies. It never touches e.loadAddr-independent state across
// calls except e.shortGuess, which persists a forward jump's last width
// guess from one pass to the next.
func (e *encoder) encodePass() error {
	for oi, idx := range e.order {
		e.blockOffset[idx] = int64(e.buf.Len())
		e.resolvePendingFor(idx)

		cbb := e.cbbs[idx]
		n := len(cbb.Instr)
		hasResidualJcc := n > 0 && cbb.Instr[n-1].Type == x86.ITJcc
		hasResidualCall := n > 0 && cbb.Instr[n-1].Type == x86.ITCall && cbb.Instr[n-1].Src.Kind == x86.OpImm

		body := cbb.Instr
		if hasResidualJcc || hasResidualCall {
			body = body[:n-1]
		}
		for i := range body {
			if err := e.encodeOne(&body[i]); err != nil {
				return fmt.Errorf("cbb %d: %w", idx, err)
			}
		}

		switch {
		case hasResidualJcc:
			if err := e.emitJcc(idx, &cbb.Instr[n-1]); err != nil {
				return err
			}
		case hasResidualCall:
			if err := e.emitDirectCall(&cbb.Instr[n-1]); err != nil {
				return err
			}
		}

		if succ := e.successorOf(idx, hasResidualJcc); succ != -1 {
			var next int32 = -1
			if oi+1 < len(e.order) {
				next = e.order[oi+1]
			}
			if succ != next {
				if err := e.emitConnectingJump(idx, succ); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// successorOf names the single CBB idx's terminator must still reach by
// falling off the end of its own encoding — the edge a connecting jump
// covers when layout didn't happen to place it next. A residual Jcc has
// already claimed its taken-branch edge by the time this runs, so only its
// not-taken edge (NextFallthrough) remains; a static Jcc has exactly one
// edge set, whichever direction emulation resolved it to; Jmp and every
// flavor of Call (recognized substitution, marker, direct-unrecognized, or
// indirect) always continue at NextFallthrough; Ret and indirect Jmp have
// no successor at all.
func (e *encoder) successorOf(idx int32, hasResidualJcc bool) int32 {
	cbb := e.cbbs[idx]
	switch {
	case hasResidualJcc:
		return cbb.NextFallthrough
	case cbb.EndType == x86.ITJcc:
		if cbb.NextBranch != -1 {
			return cbb.NextBranch
		}
		return cbb.NextFallthrough
	case cbb.EndType == x86.ITJmp, cbb.EndType == x86.ITCall:
		return cbb.NextFallthrough
	default:
		return -1
	}
}

func (e *encoder) emitJcc(idx int32, in *x86.Instruction) error {
	target := e.cbbs[idx].NextBranch
	if target < 0 {
		return fmt.Errorf("encode: cbb %d has a residual Jcc with no taken-branch target", idx)
	}
	return e.emitRelativeJump(fixupSite{idx, edgeJcc}, target, 0x70|byte(in.Cond), []byte{0x0F, 0x80 | byte(in.Cond)})
}

func (e *encoder) emitConnectingJump(from, to int32) error {
	return e.emitRelativeJump(fixupSite{from, edgeConn}, to, 0xEB, []byte{0xE9})
}

// emitDirectCall re-targets a captured direct CALL whose decoded
// displacement was relative to the original program's load address and is
// stale in the generated buffer. The absolute target is fixed and external
// to this encode (the call was never recognized as a substitution or
// marker, or it would have left no residual instruction at all), so unlike
// a CBB-to-CBB jump it needs no forward-reference fixup: e.loadAddr is
// known up front, and the call site's own offset is simply e.buf.Len() at
// the moment of emission.
func (e *encoder) emitDirectCall(in *x86.Instruction) error {
	fallthroughAddr := in.Address + uint64(in.Length)
	target := uint64(int64(fallthroughAddr) + in.Src.SignedImm())

	e.buf.WriteByte(0xE8)
	dispSiteAddr := e.loadAddr + uint64(e.buf.Len())
	disp := int64(target) - int64(dispSiteAddr+4)
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return fmt.Errorf("%w: direct call target %#x unreachable by rel32 from %#x", rwerr.ErrEncoderReach, target, dispSiteAddr)
	}
	e.buf.writeInt32(int32(disp))
	return nil
}

// emitRelativeJump writes either form of a rel8/rel32 branch, resolving it
// immediately when the target CBB has already been laid out (a backward
// reference, whose displacement can never change again this pass) and
// deferring it as a pendingFixup when the target is still ahead. site keys
// the persisted shortGuess this and future passes use to pick the forward
// case's initial width.
func (e *encoder) emitRelativeJump(site fixupSite, target int32, shortOpcode byte, longOpcode []byte) error {
	if target < 0 || int(target) >= len(e.cbbs) {
		return fmt.Errorf("encode: jump target cbb index %d out of range", target)
	}

	if targetOffset, known := e.blockOffset[target]; known {
		shortEnd := int64(e.buf.Len()) + 2
		if d := targetOffset - shortEnd; d >= -128 && d <= 127 {
			e.buf.WriteByte(shortOpcode)
			e.buf.WriteByte(byte(int8(d)))
			return nil
		}
		longEnd := int64(e.buf.Len()) + int64(len(longOpcode)) + 4
		d := targetOffset - longEnd
		if d < math.MinInt32 || d > math.MaxInt32 {
			return fmt.Errorf("%w: cbb %d", rwerr.ErrEncoderReach, target)
		}
		e.buf.Write(longOpcode)
		e.buf.writeInt32(int32(d))
		return nil
	}

	short, seen := e.shortGuess[site]
	if !seen {
		short = true
	}
	if short {
		e.buf.WriteByte(shortOpcode)
		dispStart := e.buf.Len()
		e.buf.WriteByte(0)
		e.pending = append(e.pending, pendingFixup{site: site, target: target, dispStart: dispStart, short: true})
	} else {
		e.buf.Write(longOpcode)
		dispStart := e.buf.Len()
		e.buf.writeInt32(0)
		e.pending = append(e.pending, pendingFixup{site: site, target: target, dispStart: dispStart, short: false})
	}
	e.shortGuess[site] = short
	return nil
}

// resolvePendingFor patches every pendingFixup waiting on target now that
// its offset is known, promoting a short guess that turned out to overflow
// to long and requesting a full reassemble rather than rewriting the
// buffer in place (which would shift every offset recorded after it).
func (e *encoder) resolvePendingFor(target int32) {
	targetOffset := e.blockOffset[target]
	kept := e.pending[:0]
	for _, p := range e.pending {
		if p.target != target {
			kept = append(kept, p)
			continue
		}
		if p.short {
			disp := targetOffset - int64(p.dispStart+1)
			if disp < -128 || disp > 127 {
				e.shortGuess[p.site] = false
				e.forceReassemble = true
				continue
			}
			e.buf.b[p.dispStart] = byte(int8(disp))
			continue
		}
		disp := targetOffset - int64(p.dispStart+4)
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			e.forceReassemble = true
			continue
		}
		binary.LittleEndian.PutUint32(e.buf.b[p.dispStart:p.dispStart+4], uint32(int32(disp)))
	}
	e.pending = kept
}
