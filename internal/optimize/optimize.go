// Package optimize implements the peephole passes that run over a Captured
// Basic Block after capture and before encoding: each pass is a single
// forward linear scan over cbb.Instr, matching the engine's preference for
// simple, bounded-cost transforms over a general dataflow framework.
package optimize

import "github.com/dbrew-go/dbrew/internal/emu"

// Run applies every pass to cbb in sequence, mutating cbb.Instr in place.
// It does not recurse into cbb's successors; the caller is expected to
// invoke Run once per CBB in the session's CBB arena.
func Run(cbb *emu.CBB) {
	removeRedundantMoves(cbb)
	forwardImmediateLoads(cbb)
	eliminateDeadFlags(cbb)
}
