// Package rwerr defines the sentinel error kinds shared across the
// decode/emulate/optimize/encode pipeline (spec §7). Every stage wraps one
// of these with context via fmt.Errorf("...: %w", ...) and appends the
// result to the owning Session's error log; callers use errors.Is to
// classify a failure without depending on its message text.
package rwerr

import "errors"

var (
	// ErrDecodeInvalidOpcode: the decoder reached a byte sequence it cannot
	// parse. Recoverable only by refusing to trace through it.
	ErrDecodeInvalidOpcode = errors.New("decode: invalid or unrecognized opcode")

	// ErrCapacityExceeded: an arena (decoded instructions, decoded BBs,
	// captured instructions, captured BBs, or code bytes) ran out. Fatal to
	// the current rewrite.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrUnsupportedInstruction: a passthrough-only instruction appeared
	// where semantic emulation is required.
	ErrUnsupportedInstruction = errors.New("emulate: unsupported instruction semantics required")

	// ErrEncoderReach: a rel8 branch target did not fit after layout and
	// promotion to rel32 also failed.
	ErrEncoderReach = errors.New("encode: branch target unreachable")

	// ErrTraceInvalid: a decoded IT_Invalid instruction was encountered
	// mid-trace during emulation, which spec §4.3 marks as a fatal trace
	// error (distinct from a decode-time IT_Invalid, which is not fatal).
	ErrTraceInvalid = errors.New("emulate: invalid instruction encountered mid-trace")
)
