// Package vecapi implements the Vector-API substitution hook (spec §4.7):
// a table, keyed by the address of one of a small set of known helper
// signatures, that the Emulator's CALL handling consults before falling
// back to the makeStatic/makeDynamic marker-intrinsic check. Grounded on
// original_source's vector-API helper (out of scope as a feature, but the
// substitution hook the emulator must expose to it is explicitly in scope
// per the external-interfaces list).
package vecapi

import "github.com/dbrew-go/dbrew/internal/platform"

// Role identifies one of the Vector API's known helper signatures, named
// after the original apply4_R8V8/_R8V8V8/_R8P8 entry points: a stencil
// application taking (result reg, vector, vector) or (result reg, vector,
// pointer) shaped arguments.
type Role uint8

const (
	// RoleApply4R8V8 is a unary stencil application: one vector operand.
	RoleApply4R8V8 Role = iota
	// RoleApply4R8V8V8 is a binary stencil application: two vector operands.
	RoleApply4R8V8V8
	// RoleApply4R8P8 takes a pointer operand rather than a second vector.
	RoleApply4R8P8
)

func (r Role) String() string {
	switch r {
	case RoleApply4R8V8:
		return "apply4_R8V8"
	case RoleApply4R8V8V8:
		return "apply4_R8V8V8"
	case RoleApply4R8P8:
		return "apply4_R8P8"
	}
	return "apply4_?"
}

type entry struct {
	role Role
	avx2 uint64
}

// Table implements emu.Substituter. It is not safe for concurrent use,
// matching the rewriter's single-threaded design (spec §5).
type Table struct {
	byAddr map[uint64]entry
	avx2   bool
}

// NewTable builds an empty substitution table, snapshotting AVX2
// availability once at construction time via internal/platform's cached CPU
// feature flags (spec: "runtime-detected").
func NewTable() *Table {
	return &Table{byAddr: make(map[uint64]entry), avx2: Detect()}
}

// Register records that the helper at scalarAddr implements role, with
// avx2Addr as its pre-compiled x2/x4 SIMD replacement. avx2Addr is only
// ever returned by Lookup when the host CPU supports AVX2.
func (t *Table) Register(role Role, scalarAddr, avx2Addr uint64) {
	t.byAddr[scalarAddr] = entry{role: role, avx2: avx2Addr}
}

// Lookup implements emu.Substituter: it reports the AVX2 replacement for a
// registered helper address, or false if targetAddr isn't a known helper,
// no replacement was registered for it, or the host CPU lacks AVX2.
func (t *Table) Lookup(targetAddr uint64) (replacementAddr uint64, ok bool) {
	if !t.avx2 {
		return 0, false
	}
	e, found := t.byAddr[targetAddr]
	if !found || e.avx2 == 0 {
		return 0, false
	}
	return e.avx2, true
}

// Detect reports whether the running CPU supports AVX2, gating whether the
// x2/x4 SIMD variants this table substitutes in are eligible at all.
func Detect() bool {
	return platform.CpuFeatures.HasExtra(platform.CpuExtraFeatureAmd64AVX2)
}
