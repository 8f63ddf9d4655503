package emu

import (
	"fmt"

	"github.com/dbrew-go/dbrew/internal/rwerr"
	"github.com/dbrew-go/dbrew/internal/x86"
)

const maxInlineDepth = 64

// handleTerminator dispatches the DBB's exit instruction per spec §4.3's
// per-instruction-type rules for control flow.
func (e *Emulator) handleTerminator(idx int32, cbb *CBB, es *EmuState, in *x86.Instruction) error {
	switch in.Type {
	case x86.ITRet:
		return e.emit(cbb, *in)

	case x86.ITJmp:
		target := branchTarget(in)
		child, err := e.captureBlock(target, es)
		if err != nil {
			return err
		}
		e.CBBs[idx].NextFallthrough = child
		return nil

	case x86.ITJmpIndirect:
		// The jump target is a register/memory value this engine does not
		// attempt to resolve statically; capture it residually and stop —
		// the generated function falls through to real hardware dispatch.
		return e.emit(cbb, *in)

	case x86.ITJcc:
		return e.handleJcc(idx, cbb, es, in)

	case x86.ITCall:
		return e.handleCall(idx, cbb, es, in)
	}
	return fmt.Errorf("%w: unexpected block terminator %v", rwerr.ErrTraceInvalid, in.Type)
}

// condTaint reports whether every flag this Cond reads is Static.
func condTaint(es *EmuState, cond x86.Cond) Taint {
	var flags []Flag
	switch cond {
	case x86.CondO, x86.CondNO:
		flags = []Flag{FlagOF}
	case x86.CondB, x86.CondAE:
		flags = []Flag{FlagCF}
	case x86.CondE, x86.CondNE:
		flags = []Flag{FlagZF}
	case x86.CondBE, x86.CondA:
		flags = []Flag{FlagCF, FlagZF}
	case x86.CondS, x86.CondNS:
		flags = []Flag{FlagSF}
	case x86.CondP, x86.CondNP:
		flags = []Flag{FlagPF}
	case x86.CondL, x86.CondGE:
		flags = []Flag{FlagSF, FlagOF}
	case x86.CondLE, x86.CondG:
		flags = []Flag{FlagZF, FlagSF, FlagOF}
	}
	t := Static
	for _, f := range flags {
		t = t.Or(es.FlagTaint[f])
	}
	return t
}

func branchTarget(in *x86.Instruction) uint64 {
	fallthroughAddr := in.Address + uint64(in.Length)
	return uint64(int64(fallthroughAddr) + in.Src.SignedImm())
}

func (e *Emulator) handleJcc(idx int32, cbb *CBB, es *EmuState, in *x86.Instruction) error {
	fallthroughAddr := in.Address + uint64(in.Length)
	target := branchTarget(in)

	if condTaint(es, in.Cond) == Static {
		taken := evalCond(uint8(in.Cond), es.Flags)
		dest := fallthroughAddr
		if taken {
			dest = target
		}
		child, err := e.captureBlock(dest, es)
		if err != nil {
			return err
		}
		if taken {
			e.CBBs[idx].NextBranch = child
		} else {
			e.CBBs[idx].NextFallthrough = child
		}
		return nil
	}

	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	branchES := es.Clone()
	fallES := es
	branchChild, err := e.captureBlock(target, branchES)
	if err != nil {
		return err
	}
	fallChild, err := e.captureBlock(fallthroughAddr, fallES)
	if err != nil {
		return err
	}
	e.CBBs[idx].NextBranch = branchChild
	e.CBBs[idx].NextFallthrough = fallChild
	return nil
}

func (e *Emulator) handleCall(idx int32, cbb *CBB, es *EmuState, in *x86.Instruction) error {
	fallthroughAddr := in.Address + uint64(in.Length)

	if in.Src.Kind == x86.OpImm {
		target := uint64(int64(fallthroughAddr) + in.Src.SignedImm())

		if e.Substitution != nil {
			if repl, ok := e.Substitution.Lookup(target); ok {
				if err := e.inlineCall(cbb, es, repl); err != nil {
					return err
				}
				return e.linkFallthrough(idx, fallthroughAddr, es)
			}
		}

		if e.MakeStaticAddr != 0 && target == e.MakeStaticAddr {
			es.SetReg(x86.RAX, es.RegValue(x86.RDI, 64), 64, Static)
			return e.linkFallthrough(idx, fallthroughAddr, es)
		}
		if e.MakeDynamicAddr != 0 && target == e.MakeDynamicAddr {
			es.SetReg(x86.RAX, es.RegValue(x86.RDI, 64), 64, Dynamic)
			return e.linkFallthrough(idx, fallthroughAddr, es)
		}
	}

	// Unrecognized call (direct to an address with no substitution/marker
	// match, or indirect): captured residually, caller-saved state clobbered.
	if err := e.emit(cbb, *in); err != nil {
		return err
	}
	for _, r := range callerSavedGPR {
		es.SetReg(r, 0, 64, Dynamic)
	}
	for i := range es.XMM {
		es.setXMM128(uint8(i), 0, 0, Dynamic)
	}
	return e.linkFallthrough(idx, fallthroughAddr, es)
}

func (e *Emulator) linkFallthrough(idx int32, addr uint64, es *EmuState) error {
	child, err := e.captureBlock(addr, es)
	if err != nil {
		return err
	}
	e.CBBs[idx].NextFallthrough = child
	return nil
}

// inlineCall emulates a Vector API replacement function's body directly
// into the caller's current CBB/state, stopping at its RET rather than
// producing a CBB of its own — the substitution is a value-level
// replacement (e.g. a SIMD stencil), not a real call boundary (spec §4.3:
// "the engine then continues emulation into the replacement's decoded
// body").
func (e *Emulator) inlineCall(cbb *CBB, es *EmuState, addr uint64) error {
	e.inlineDepth++
	defer func() { e.inlineDepth-- }()
	if e.inlineDepth > maxInlineDepth {
		return fmt.Errorf("%w: vector API substitution nested too deeply", rwerr.ErrUnsupportedInstruction)
	}

	cur := addr
blockLoop:
	for {
		dbb, err := e.Decoder.Decode(cur)
		if err != nil {
			return err
		}
		for i := 0; i < len(dbb.Instr); i++ {
			in := dbb.Instr[i]
			if in.Type == x86.ITRet {
				return nil
			}
			if in.Type == x86.ITJmp {
				cur = branchTarget(&in)
				continue blockLoop
			}
			if in.Type == x86.ITInvalid {
				return fmt.Errorf("%w: at %#x", rwerr.ErrTraceInvalid, in.Address)
			}
			if err := e.execNonControl(cbb, es, &in); err != nil {
				return err
			}
		}
		return fmt.Errorf("%w: vector API replacement at %#x fell off its block without RET", rwerr.ErrUnsupportedInstruction, addr)
	}
}
