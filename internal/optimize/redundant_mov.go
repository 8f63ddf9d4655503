package optimize

import (
	"github.com/dbrew-go/dbrew/internal/emu"
	"github.com/dbrew-go/dbrew/internal/x86"
)

// removeRedundantMoves drops any captured MOV whose destination and source
// are the same register — these appear when a value that was Dynamic at
// decode time turns out, after capture, to have been routed through a
// register it already occupied (e.g. a spill/reload pair collapsed to
// nothing by the capture engine except for a trailing same-register move).
func removeRedundantMoves(cbb *emu.CBB) {
	out := cbb.Instr[:0]
	for _, in := range cbb.Instr {
		if in.Type == x86.ITMov && sameRegOperand(in.Dst, in.Src) {
			continue
		}
		out = append(out, in)
	}
	cbb.Instr = out
}

func sameRegOperand(a, b x86.Operand) bool {
	return a.Kind == x86.OpReg && b.Kind == x86.OpReg && a.Reg == b.Reg
}
