package optimize

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbrew-go/dbrew/internal/emu"
	"github.com/dbrew-go/dbrew/internal/x86"
)

func TestRemoveRedundantMoves(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR64(x86.RAX)), Src: x86.RegOperand(x86.GPR64(x86.RAX))},
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR32(x86.RBX)), Src: x86.RegOperand(x86.GPR32(x86.RCX))},
		{Type: x86.ITRet},
	}}
	removeRedundantMoves(cbb)
	require.Len(t, cbb.Instr, 2)
	require.Equal(t, x86.ITMov, cbb.Instr[0].Type)
	require.Equal(t, x86.ITRet, cbb.Instr[1].Type)
}

func TestRemoveRedundantMoves_DifferentWidthNotCollapsed(t *testing.T) {
	// mov eax, eax and mov rax, rax are both same-register identity moves
	// under sameRegOperand's exact Reg equality, but eax written from a
	// wider/narrower source is a distinct register value and must survive.
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR32(x86.RAX)), Src: x86.RegOperand(x86.GPR64(x86.RAX))},
	}}
	removeRedundantMoves(cbb)
	require.Len(t, cbb.Instr, 1)
}

func TestEliminateDeadFlags_ConvertsAddToLeaWhenFlagsNotRead(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITAdd, VType: x86.VT64, Dst: x86.RegOperand(x86.GPR64(x86.RAX)), Src: x86.ImmOperand(8, 5)},
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR64(x86.RBX)), Src: x86.RegOperand(x86.GPR64(x86.RAX))},
		{Type: x86.ITRet},
	}}
	eliminateDeadFlags(cbb)
	require.Equal(t, x86.ITLea, cbb.Instr[0].Type)
	require.Equal(t, x86.OpInd, cbb.Instr[0].Src.Kind)
	require.EqualValues(t, 5, cbb.Instr[0].Src.Disp)
}

func TestEliminateDeadFlags_LeavesAddWhenJccConsumesFlags(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITAdd, VType: x86.VT64, Dst: x86.RegOperand(x86.GPR64(x86.RAX)), Src: x86.ImmOperand(8, 5)},
		{Type: x86.ITJcc, Cond: x86.CondE},
	}}
	eliminateDeadFlags(cbb)
	require.Equal(t, x86.ITAdd, cbb.Instr[0].Type)
}

func TestEliminateDeadFlags_SubWithImmediateSourceBecomesLea(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITSub, VType: x86.VT64, Dst: x86.RegOperand(x86.GPR64(x86.RAX)), Src: x86.ImmOperand(8, 5)},
		{Type: x86.ITRet},
	}}
	eliminateDeadFlags(cbb)
	require.Equal(t, x86.ITLea, cbb.Instr[0].Type)
	require.EqualValues(t, -5, cbb.Instr[0].Src.Disp)
}

func TestEliminateDeadFlags_RegisterAddNotSubtracted(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITAdd, VType: x86.VT64, Dst: x86.RegOperand(x86.GPR64(x86.RAX)), Src: x86.RegOperand(x86.GPR64(x86.RBX))},
		{Type: x86.ITRet},
	}}
	eliminateDeadFlags(cbb)
	require.Equal(t, x86.ITLea, cbb.Instr[0].Type)
	require.Equal(t, x86.OpInd, cbb.Instr[0].Src.Kind)
	require.Equal(t, x86.GPR64(x86.RBX), cbb.Instr[0].Src.Index)
	require.EqualValues(t, 1, cbb.Instr[0].Src.Scale)
}

func TestEliminateDeadFlags_RegisterSubLeftAlone(t *testing.T) {
	// SUB reg, reg has no LEA equivalent (LEA can't subtract a register).
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITSub, VType: x86.VT64, Dst: x86.RegOperand(x86.GPR64(x86.RAX)), Src: x86.RegOperand(x86.GPR64(x86.RBX))},
		{Type: x86.ITRet},
	}}
	eliminateDeadFlags(cbb)
	require.Equal(t, x86.ITSub, cbb.Instr[0].Type)
}

func TestForwardImmediateLoads_FoldsSingleUseIntoAdd(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR32(x86.RBX)), Src: x86.ImmOperand(32, 9)},
		{Type: x86.ITAdd, Dst: x86.RegOperand(x86.GPR32(x86.RAX)), Src: x86.RegOperand(x86.GPR32(x86.RBX))},
		{Type: x86.ITRet},
	}}
	forwardImmediateLoads(cbb)
	require.Len(t, cbb.Instr, 2)
	require.Equal(t, x86.ITAdd, cbb.Instr[0].Type)
	require.Equal(t, x86.OpImm, cbb.Instr[0].Src.Kind)
	require.EqualValues(t, 9, cbb.Instr[0].Src.Value)
}

func TestForwardImmediateLoads_SkipsWhenRegUsedTwice(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR32(x86.RBX)), Src: x86.ImmOperand(32, 9)},
		{Type: x86.ITAdd, Dst: x86.RegOperand(x86.GPR32(x86.RAX)), Src: x86.RegOperand(x86.GPR32(x86.RBX))},
		{Type: x86.ITAdd, Dst: x86.RegOperand(x86.GPR32(x86.RCX)), Src: x86.RegOperand(x86.GPR32(x86.RBX))},
	}}
	forwardImmediateLoads(cbb)
	require.Len(t, cbb.Instr, 3)
	require.Equal(t, x86.ITMov, cbb.Instr[0].Type)
}

func TestForwardImmediateLoads_SkipsWhenReadThroughMemoryAddressing(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR64(x86.RBX)), Src: x86.ImmOperand(32, 9)},
		{Type: x86.ITMov,
			Dst: x86.RegOperand(x86.GPR64(x86.RAX)),
			Src: x86.IndOperand(x86.VT64, x86.GPR64(x86.RBX), x86.None, 0, 0, x86.SegNone)},
	}}
	forwardImmediateLoads(cbb)
	require.Len(t, cbb.Instr, 2)
	require.Equal(t, x86.ITMov, cbb.Instr[0].Type)
	require.Equal(t, x86.OpImm, cbb.Instr[0].Src.Kind)
}

func TestForwardImmediateLoads_StopsAtRedefinition(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR32(x86.RBX)), Src: x86.ImmOperand(32, 9)},
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR32(x86.RBX)), Src: x86.ImmOperand(32, 1)},
		{Type: x86.ITAdd, Dst: x86.RegOperand(x86.GPR32(x86.RAX)), Src: x86.RegOperand(x86.GPR32(x86.RBX))},
	}}
	forwardImmediateLoads(cbb)
	require.Len(t, cbb.Instr, 2)
	require.Equal(t, x86.ITAdd, cbb.Instr[1].Type)
	require.Equal(t, x86.OpImm, cbb.Instr[1].Src.Kind)
	require.EqualValues(t, 1, cbb.Instr[1].Src.Value)
}

func TestRun_AppliesAllThreePasses(t *testing.T) {
	cbb := &emu.CBB{Instr: []x86.Instruction{
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR64(x86.RAX)), Src: x86.RegOperand(x86.GPR64(x86.RAX))},
		{Type: x86.ITMov, Dst: x86.RegOperand(x86.GPR32(x86.RBX)), Src: x86.ImmOperand(32, 3)},
		{Type: x86.ITAdd, VType: x86.VT32, Dst: x86.RegOperand(x86.GPR32(x86.RAX)), Src: x86.RegOperand(x86.GPR32(x86.RBX))},
		{Type: x86.ITRet},
	}}
	Run(cbb)
	require.Len(t, cbb.Instr, 2)
	require.Equal(t, x86.ITLea, cbb.Instr[0].Type)
	require.Equal(t, x86.OpInd, cbb.Instr[0].Src.Kind)
	require.EqualValues(t, 3, cbb.Instr[0].Src.Disp)
	require.Equal(t, x86.ITRet, cbb.Instr[1].Type)
}
