package emu

import (
	"fmt"

	"github.com/dbrew-go/dbrew/internal/rwerr"
	"github.com/dbrew-go/dbrew/internal/x86"
)

// CBB is a Captured Basic Block: the residual, post-specialization
// counterpart of a DBB, containing only the instructions the capture
// engine could not fold away.
type CBB struct {
	DecAddr uint64
	EsID    uint32
	Instr   []x86.Instruction
	EndType x86.InstrType

	// NextBranch/NextFallthrough index into Emulator.CBBs, or -1 when the
	// successor is absent (RET, an indirect jump/call the engine can't
	// resolve) or not yet known.
	NextBranch      int32
	NextFallthrough int32
}

// Substituter implements the Vector API lookup: given a call target, it
// returns the address of a specialized replacement function to emulate in
// its place, or ok=false to fall through to ordinary call handling.
type Substituter interface {
	Lookup(targetAddr uint64) (replacementAddr uint64, ok bool)
}

// Emulator is the Emulator + Capture Engine: it walks DBBs from a Decoder,
// interprets each instruction against an EmuState, and accumulates CBBs.
type Emulator struct {
	Decoder *x86.Decoder

	// MaxCBBs and MaxCapturedInstr bound the arenas backing CBBs and
	// captured instructions, mirroring session_set_capture_capacity.
	MaxCBBs          int
	MaxCapturedInstr int

	// Substitution is consulted on every direct CALL before any other
	// handling; nil disables Vector API substitution entirely.
	Substitution Substituter

	// MakeStaticAddr/MakeDynamicAddr are the addresses of the DBrew marker
	// intrinsics, if the session resolved them; 0 means "none configured".
	MakeStaticAddr  uint64
	MakeDynamicAddr uint64

	CBBs  []*CBB
	index map[cbbKey]int32

	capturedInstr int
	inlineDepth   int
}

type cbbKey struct {
	addr uint64
	esID uint32
}

// callerSavedGPR lists the System V AMD64 caller-saved integer registers: a
// call to an unrecognized function invalidates their Static status because
// the callee is free to clobber them.
var callerSavedGPR = [...]uint8{x86.RAX, x86.RCX, x86.RDX, x86.RSI, x86.RDI, x86.R8, x86.R9, x86.R10, x86.R11}

// NewEmulator constructs an Emulator bound to decoder d. Zero caps mean
// "use a generous default", matching Decoder's own convention.
func NewEmulator(d *x86.Decoder, maxCBBs, maxCapturedInstr int) *Emulator {
	if maxCBBs <= 0 {
		maxCBBs = 1 << 16
	}
	if maxCapturedInstr <= 0 {
		maxCapturedInstr = 1 << 20
	}
	return &Emulator{
		Decoder:          d,
		MaxCBBs:          maxCBBs,
		MaxCapturedInstr: maxCapturedInstr,
		index:            make(map[cbbKey]int32),
	}
}

// Capture implements emulate_and_capture (spec §4.3): it starts emulation
// at funcAddr with the given initial state and returns the index of the
// entry CBB within e.CBBs (the encoder lays out e.CBBs[entry] first, which
// becomes the generated function's address).
func (e *Emulator) Capture(funcAddr uint64, initial *EmuState) (entry int32, err error) {
	return e.captureBlock(funcAddr, initial)
}

func (e *Emulator) captureBlock(addr uint64, es *EmuState) (int32, error) {
	esID := es.EsID()
	key := cbbKey{addr, esID}
	if idx, ok := e.index[key]; ok {
		return idx, nil
	}
	if len(e.CBBs) >= e.MaxCBBs {
		return -1, fmt.Errorf("%w: captured basic block cache full (%d entries)", rwerr.ErrCapacityExceeded, e.MaxCBBs)
	}

	cbb := &CBB{DecAddr: addr, EsID: esID, NextBranch: -1, NextFallthrough: -1}
	idx := int32(len(e.CBBs))
	e.CBBs = append(e.CBBs, cbb)
	e.index[key] = idx

	dbb, err := e.Decoder.Decode(addr)
	if err != nil {
		return -1, err
	}

	for i := 0; i < len(dbb.Instr)-1; i++ {
		in := dbb.Instr[i]
		if in.Type == x86.ITInvalid {
			return -1, fmt.Errorf("%w: at %#x", rwerr.ErrTraceInvalid, in.Address)
		}
		if err := e.execNonControl(cbb, es, &in); err != nil {
			return -1, err
		}
	}

	last := dbb.LastInstr()
	if last == nil {
		return idx, nil
	}
	if last.Type == x86.ITInvalid {
		return -1, fmt.Errorf("%w: at %#x", rwerr.ErrTraceInvalid, last.Address)
	}
	cbb.EndType = last.Type
	if err := e.handleTerminator(idx, cbb, es, last); err != nil {
		return -1, err
	}
	return idx, nil
}

// emit appends a residual instruction to cbb, enforcing the session-wide
// captured-instruction cap.
func (e *Emulator) emit(cbb *CBB, in x86.Instruction) error {
	if e.capturedInstr >= e.MaxCapturedInstr {
		return fmt.Errorf("%w: total captured instruction budget (%d) exhausted", rwerr.ErrCapacityExceeded, e.MaxCapturedInstr)
	}
	cbb.Instr = append(cbb.Instr, in)
	e.capturedInstr++
	return nil
}
