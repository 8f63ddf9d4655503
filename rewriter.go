// Package dbrew is a dynamic x86-64 binary rewriter: given a pointer to a
// compiled function, a Session decodes it, emulates it against a mix of
// compile-time-known ("Static") and only-known-at-call-time ("Dynamic")
// argument values, captures the residual instructions that still need to
// run, optimizes the capture, and encodes a specialized replacement function
// into an executable memory region (spec §1/§2). Session is the Rewriter of
// spec §4.6; its method set is the Go-native expression of the
// session_new/session_set_*/session_emulate/session_rewrite library surface
// of spec §6.
package dbrew

import (
	"fmt"
	"io"
	"os"

	"github.com/dbrew-go/dbrew/internal/codestore"
	"github.com/dbrew-go/dbrew/internal/emu"
	"github.com/dbrew-go/dbrew/internal/encode"
	"github.com/dbrew-go/dbrew/internal/optimize"
	"github.com/dbrew-go/dbrew/internal/rwerr"
	"github.com/dbrew-go/dbrew/internal/vecapi"
	"github.com/dbrew-go/dbrew/internal/x86"
)

// maxArgRegs is the number of System-V integer argument registers the
// capture engine models (spec §4.3: "DI, SI, DX, CX, R8, R9").
const maxArgRegs = 6

// defaultCodeCap is the Code Storage byte budget assumed when a Session's
// capture capacity was never explicitly configured.
const defaultCodeCap = 64 * 1024

// Session owns every arena a single rewrite needs: the Decoder's DBB cache,
// the Emulator's CBB arena, and the Code Storage the Encoder writes into
// (spec §4.6 "owns all arenas"). It is not safe for concurrent use (spec §5).
type Session struct {
	funcAddr uint64

	decodeInstrCap, decodeBBCap             int
	captureInstrCap, captureBBCap, codeCap int
	stackSize                               int

	paramCount   int
	staticParam  [maxArgRegs]bool
	forceUnknown [maxArgRegs]bool
	returnsFP    bool

	makeStaticAddr, makeDynamicAddr uint64
	vecTable                        *vecapi.Table

	verboseDecode   bool
	verboseEmuState bool
	verboseEmuSteps bool
	optVerbose      bool
	out             io.Writer

	decoder *x86.Decoder
	storage *codestore.Storage

	generatedAddr uint64
	generatedSize int

	errs []error
}

// NewSession constructs an empty Session (spec's session_new). Capacities
// default lazily to the generous built-ins internal/x86 and internal/emu
// already fall back to when left at zero.
func NewSession() *Session {
	return &Session{
		out:      os.Stderr,
		vecTable: vecapi.NewTable(),
		storage:  codestore.New(),
	}
}

// Close releases the session's executable memory (spec's session_free).
// The Session must not be used afterward.
func (s *Session) Close() error {
	return s.storage.Release()
}

// Clone derives a new Session sharing this one's capacity and verbosity
// configuration but none of its arenas (spec §10, original_source's
// dbrew_new_from_rewriter): a fresh Decoder/Storage pair is allocated so the
// clone's rewrite is fully independent of the parent's.
func (s *Session) Clone() *Session {
	c := NewSession()
	c.decodeInstrCap, c.decodeBBCap = s.decodeInstrCap, s.decodeBBCap
	c.captureInstrCap, c.captureBBCap, c.codeCap = s.captureInstrCap, s.captureBBCap, s.codeCap
	c.stackSize = s.stackSize
	c.paramCount = s.paramCount
	c.staticParam = s.staticParam
	c.forceUnknown = s.forceUnknown
	c.returnsFP = s.returnsFP
	c.makeStaticAddr, c.makeDynamicAddr = s.makeStaticAddr, s.makeDynamicAddr
	c.verboseDecode, c.verboseEmuState, c.verboseEmuSteps = s.verboseDecode, s.verboseEmuState, s.verboseEmuSteps
	c.optVerbose = s.optVerbose
	c.out = s.out
	return c
}

// SetFunction sets the address of the function this session rewrites or
// emulates (session_set_function).
func (s *Session) SetFunction(addr uint64) { s.funcAddr = addr }

// SetDecodingCapacity bounds the Decoder's total decoded-instruction count
// (instrCap) and the number of DBBs it caches (bbCap)
// (session_set_decoding_capacity); the per-block instruction limit stays at
// the Decoder's built-in default. Zero means "use the built-in default".
func (s *Session) SetDecodingCapacity(instrCap, bbCap int) {
	s.decodeInstrCap, s.decodeBBCap = instrCap, bbCap
	s.decoder = nil
}

// SetCaptureCapacity bounds the Emulator's captured-instruction and CBB
// counts and the Code Storage byte budget (session_set_capture_capacity).
func (s *Session) SetCaptureCapacity(instrCap, bbCap, codeCap int) {
	s.captureInstrCap, s.captureBBCap, s.codeCap = instrCap, bbCap, codeCap
}

// SetStackSize overrides the emulated shadow stack's size; zero means
// emu.DefaultStackSize.
func (s *Session) SetStackSize(n int) { s.stackSize = n }

// MarkParamStatic marks the i-th argument register Static: its value is
// assumed known at rewrite time and the engine is free to fold it away
// (session_mark_param_static).
func (s *Session) MarkParamStatic(i int) {
	if i >= 0 && i < maxArgRegs {
		s.staticParam[i] = true
	}
}

// MarkParamForceUnknown forces the i-th argument register Dynamic even if
// Rewrite is given a concrete value for it, preventing the engine from
// unrolling loops or folding expressions over it (session_mark_param_force_unknown).
func (s *Session) MarkParamForceUnknown(i int) {
	if i >= 0 && i < maxArgRegs {
		s.forceUnknown[i] = true
	}
}

// SetParamCount declares how many argument registers are meaningful inputs
// (session_set_param_count).
func (s *Session) SetParamCount(n int) {
	if n < 0 {
		n = 0
	}
	if n > maxArgRegs {
		n = maxArgRegs
	}
	s.paramCount = n
}

// MarkReturnsFP declares that the function's return value lives in XMM0,
// not RAX (session_mark_returns_fp).
func (s *Session) MarkReturnsFP() { s.returnsFP = true }

// ParamCount, IsParamStatic and ReturnsFP are read-only configuration
// getters (spec §10, original_source's dbrew_config_* helpers).
func (s *Session) ParamCount() int { return s.paramCount }
func (s *Session) IsParamStatic(i int) bool {
	return i >= 0 && i < maxArgRegs && s.staticParam[i] && !s.forceUnknown[i]
}
func (s *Session) ReturnsFP() bool { return s.returnsFP }

// SetMarkerFuncs records the addresses of the makeStatic/makeDynamic marker
// intrinsics the emulated program may call (spec §4.3); zero disables the
// corresponding check.
func (s *Session) SetMarkerFuncs(makeStaticAddr, makeDynamicAddr uint64) {
	s.makeStaticAddr, s.makeDynamicAddr = makeStaticAddr, makeDynamicAddr
}

// RegisterVectorReplacement registers an AVX2 substitution for a known
// Vector-API helper (spec §4.7/§6 "Vector-API substitution hooks").
func (s *Session) RegisterVectorReplacement(role vecapi.Role, scalarAddr, avx2Addr uint64) {
	s.vecTable.Register(role, scalarAddr, avx2Addr)
}

// Verbose configures which diagnostic streams session_decode_print-style
// dumps are produced for (session_verbose): decode prints the traced
// function before capture, emuState/emuSteps are accepted for interface
// completeness and reserved for a future, more invasive emulator trace hook.
func (s *Session) Verbose(decode, emuState, emuSteps bool) {
	s.verboseDecode, s.verboseEmuState, s.verboseEmuSteps = decode, emuState, emuSteps
}

// OptVerbose toggles diagnostic output from the optimizer passes
// (session_opt_verbose).
func (s *Session) OptVerbose(v bool) { s.optVerbose = v }

// SetOutput redirects diagnostic output (default os.Stderr).
func (s *Session) SetOutput(w io.Writer) { s.out = w }

// Errors returns every error logged by Emulate/Rewrite so far.
func (s *Session) Errors() []error { return s.errs }

func (s *Session) ensureDecoder() *x86.Decoder {
	if s.decoder == nil {
		// session_set_decoding_capacity only exposes a total-instruction
		// budget, not a per-BB one (internal/x86.Decoder.MaxTotalInstr's doc
		// comment: "matching the session-wide decoding capacity"), so
		// maxInstrPerBB is left at its generous built-in default.
		s.decoder = x86.NewDecoder(0, s.decodeInstrCap, s.decodeBBCap)
	}
	return s.decoder
}

func (s *Session) newEmulator() *emu.Emulator {
	e := emu.NewEmulator(s.ensureDecoder(), s.captureBBCap, s.captureInstrCap)
	e.Substitution = s.vecTable
	e.MakeStaticAddr = s.makeStaticAddr
	e.MakeDynamicAddr = s.makeDynamicAddr
	return e
}

func (s *Session) newStackState() *emu.EmuState {
	size := s.stackSize
	if size <= 0 {
		size = emu.DefaultStackSize
	}
	return emu.NewEmuState(size)
}

// DecodePrint disassembles count instructions starting at addr to the
// session's output stream (session_decode_print, spec §10 "already named in
// spec.md §6"). It is a linear disassembly utility, not a control-flow
// trace: it never follows a jump or call, it only walks DBB boundaries.
func (s *Session) DecodePrint(addr uint64, count int) error {
	return s.decodePrint(s.ensureDecoder(), addr, count)
}

// DecodeGenerated re-decodes the most recently generated function through
// the same Decoder, letting callers sanity-check the emitted bytes (spec
// §10 "Generated-code disassembly re-print").
func (s *Session) DecodeGenerated() ([]x86.Instruction, error) {
	if s.generatedAddr == 0 {
		return nil, fmt.Errorf("dbrew: no generated code to decode")
	}
	return s.decodeRange(s.ensureDecoder(), s.generatedAddr, s.generatedSize)
}

func (s *Session) decodePrint(d *x86.Decoder, addr uint64, count int) error {
	instrs, err := s.decodeCount(d, addr, count)
	for _, in := range instrs {
		fmt.Fprintf(s.out, "%#x: %s\n", in.Address, in.String())
	}
	return err
}

func (s *Session) decodeCount(d *x86.Decoder, addr uint64, count int) ([]x86.Instruction, error) {
	var out []x86.Instruction
	cur := addr
	for len(out) < count {
		bb, err := d.Decode(cur)
		if err != nil {
			return out, err
		}
		for i := range bb.Instr {
			if len(out) >= count {
				return out, nil
			}
			out = append(out, bb.Instr[i])
		}
		cur = bb.EndAddr()
	}
	return out, nil
}

func (s *Session) decodeRange(d *x86.Decoder, addr uint64, size int) ([]x86.Instruction, error) {
	var out []x86.Instruction
	cur := addr
	for int(cur-addr) < size {
		bb, err := d.Decode(cur)
		if err != nil {
			return out, err
		}
		out = append(out, bb.Instr...)
		cur = bb.EndAddr()
	}
	return out, nil
}

// Emulate interprets the function as a plain concrete interpreter and
// returns the value left in RAX (or XMM0 if ReturnsFP was set), ignoring
// every static/force-unknown configuration: every argument is treated as
// fully known, exactly the way a real CPU would execute it, so this serves
// as a ground-truth oracle Rewrite's output can be checked against (spec
// §4.6 "run as interpreter only"; session_emulate).
func (s *Session) Emulate(args ...uint64) uint64 {
	es := s.newStackState()
	for i := 0; i < len(args) && i < maxArgRegs; i++ {
		es.SetReg(x86.SysVIntArgRegs[i], args[i], 64, emu.Static)
	}

	if s.verboseDecode {
		s.DecodePrint(s.funcAddr, 32)
	}

	e := s.newEmulator()
	if _, err := e.Capture(s.funcAddr, es); err != nil {
		s.errs = append(s.errs, fmt.Errorf("dbrew: emulate: %w", err))
	}

	if s.returnsFP {
		return es.XMM[0][0]
	}
	return es.RegValue(x86.RAX, 64)
}

// Rewrite runs the full decode/capture/optimize/encode pipeline (spec
// §4.6's "full pipeline"; session_rewrite) and returns the address of the
// generated function. Any logged error causes it to return the original
// function's address unchanged (spec §7's propagation policy), so the
// caller transparently loses only the speedup, never correctness.
func (s *Session) Rewrite(args ...uint64) uintptr {
	addr, err := s.rewrite(args)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("dbrew: rewrite: %w", err))
		return uintptr(s.funcAddr)
	}
	return addr
}

func (s *Session) rewrite(args []uint64) (uintptr, error) {
	es := s.newStackState()
	n := s.paramCount
	if n == 0 {
		n = len(args)
		if n > maxArgRegs {
			n = maxArgRegs
		}
	}
	for i := 0; i < n && i < len(args); i++ {
		t := emu.Dynamic
		if s.staticParam[i] && !s.forceUnknown[i] {
			t = emu.Static
		}
		es.SetReg(x86.SysVIntArgRegs[i], args[i], 64, t)
	}

	if s.verboseDecode {
		s.DecodePrint(s.funcAddr, 32)
	}

	e := s.newEmulator()
	entry, err := e.Capture(s.funcAddr, es)
	if err != nil {
		return 0, err
	}

	for _, cbb := range e.CBBs {
		optimize.Run(cbb)
		if s.optVerbose {
			fmt.Fprintf(s.out, "optimized cbb at %#x: %d residual instructions\n", cbb.DecAddr, len(cbb.Instr))
		}
	}

	codeBudget := s.codeCap
	if codeBudget <= 0 {
		codeBudget = defaultCodeCap
	}
	// Reserve forces the backing mapping into existence without advancing
	// the commit cursor, so the address it hands back is exactly where Use
	// will later land the final bytes (codestore.Storage.Reserve's doc
	// comment: "Used by the Encoder's first pass to size-probe a block
	// before its final address is known").
	s.storage.Reserve(codeBudget)
	loadAddr := uint64(s.storage.AddrOf(s.storage.Len()))

	code, err := encode.Encode(e.CBBs, entry, loadAddr)
	if err != nil {
		return 0, err
	}
	if len(code) > codeBudget {
		return 0, fmt.Errorf("%w: generated code (%d bytes) exceeds configured capacity (%d)", rwerr.ErrCapacityExceeded, len(code), codeBudget)
	}

	dst := s.storage.Use(len(code))
	copy(dst, code)

	s.generatedAddr = loadAddr
	s.generatedSize = len(code)
	return uintptr(loadAddr), nil
}

// GeneratedCode returns the address of the most recently generated
// function, or 0 if Rewrite has never succeeded (session_generated_code).
func (s *Session) GeneratedCode() uintptr { return uintptr(s.generatedAddr) }

// GeneratedSize returns the byte length of the most recently generated
// function (session_generated_size).
func (s *Session) GeneratedSize() int { return s.generatedSize }
