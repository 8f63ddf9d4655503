package encode

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbrew-go/dbrew/internal/emu"
	"github.com/dbrew-go/dbrew/internal/x86"
)

func newEnc() *encoder {
	return &encoder{buf: &encBuf{}}
}

func TestEncodeArith_RegImmUses83Form(t *testing.T) {
	e := newEnc()
	in := x86.Instruction{Type: x86.ITAdd, VType: x86.VT32, Dst: x86.RegOperand(x86.GPR32(x86.RAX)), Src: x86.ImmOperand(8, 5)}
	require.NoError(t, e.encodeArith(&in))
	require.Equal(t, []byte{0x83, 0xC0, 0x05}, e.buf.Bytes())
}

func TestEncodeArith_RegRegForm(t *testing.T) {
	e := newEnc()
	in := x86.Instruction{Type: x86.ITAdd, VType: x86.VT32, Dst: x86.RegOperand(x86.GPR32(x86.RAX)), Src: x86.RegOperand(x86.GPR32(x86.RBX))}
	require.NoError(t, e.encodeArith(&in))
	require.Equal(t, []byte{0x01, 0xD8}, e.buf.Bytes())
}

func TestEncodeArith_MemSrcRequiresRegDst(t *testing.T) {
	e := newEnc()
	mem := x86.IndOperand(x86.VT32, x86.GPR64(x86.RBX), x86.None, 0, 0, x86.SegNone)
	in := x86.Instruction{Type: x86.ITCmp, VType: x86.VT32, Dst: mem, Src: mem}
	require.Error(t, e.encodeArith(&in))
}

func TestEncodeMov_RipRelativeLoad(t *testing.T) {
	e := newEnc()
	in := x86.Instruction{
		Type: x86.ITMov, VType: x86.VT32,
		Dst: x86.RegOperand(x86.GPR32(x86.RAX)),
		Src: x86.RipRelative(x86.VT32, 0x10),
	}
	require.NoError(t, e.encodeMov(&in))
	require.Equal(t, []byte{0x8B, 0x05, 0x10, 0x00, 0x00, 0x00}, e.buf.Bytes())
}

func TestEncodeMov_ShortImmForm(t *testing.T) {
	e := newEnc()
	in := x86.Instruction{Type: x86.ITMov, VType: x86.VT64, Dst: x86.RegOperand(x86.GPR64(x86.RCX)), Src: x86.ImmOperand(32, 7)}
	require.NoError(t, e.encodeMov(&in))
	require.Equal(t, byte(0x48), e.buf.Bytes()[0]) // REX.W
	require.Equal(t, byte(0xB8+1), e.buf.Bytes()[1])
}

func TestEncodeLea_RequiresRegAndMem(t *testing.T) {
	e := newEnc()
	bad := x86.Instruction{Type: x86.ITLea, Dst: x86.RegOperand(x86.GPR64(x86.RAX)), Src: x86.RegOperand(x86.GPR64(x86.RBX))}
	require.Error(t, e.encodeLea(&bad))
}

func TestEncodeModRM_RbpZeroDispForcesDisp8(t *testing.T) {
	mem := x86.IndOperand(x86.VT64, x86.GPR64(x86.RBP), x86.None, 0, 0, x86.SegNone)
	out, rexX, rexB, err := encodeMem(0, mem)
	require.NoError(t, err)
	require.False(t, rexX)
	require.False(t, rexB)
	// mod=01 (forced), reg=0, rm=5 (RBP), then an explicit disp8 of 0.
	require.Equal(t, []byte{0x45, 0x00}, out)
}

func TestEncodeModRM_NoBaseAbsoluteUsesSIB(t *testing.T) {
	mem := x86.IndOperand(x86.VT32, x86.None, x86.None, 0, 0x1000, x86.SegNone)
	out, _, rexB, err := encodeMem(1, mem)
	require.NoError(t, err)
	require.False(t, rexB)
	require.Equal(t, byte(0x0C), out[0]) // mod=00, reg=001, rm=100 (SIB)
	require.Equal(t, byte(0x25), out[1]) // scale=00, index=100 (none), base=101 (no base)
	require.Equal(t, int32(0x1000), int32(binary.LittleEndian.Uint32(out[2:6])))
}

// buildSimpleDynamicJcc models a dynamically-tainted Jcc whose taken branch
// (cbb index 2) lands immediately after an untaken, naturally-adjacent
// fallthrough block (index 1) — a forward reference resolved within a
// single pass, no reassemble required.
func buildSimpleDynamicJcc() []*emu.CBB {
	cbb0 := &emu.CBB{
		Instr: []x86.Instruction{
			{Type: x86.ITMov, VType: x86.VT32, Dst: x86.RegOperand(x86.GPR32(x86.RAX)), Src: x86.RegOperand(x86.GPR32(x86.RBX))},
			{Type: x86.ITJcc, Cond: x86.CondE},
		},
		EndType:         x86.ITJcc,
		NextBranch:      2,
		NextFallthrough: 1,
	}
	cbb1 := &emu.CBB{Instr: []x86.Instruction{{Type: x86.ITRet}}, EndType: x86.ITRet, NextBranch: -1, NextFallthrough: -1}
	cbb2 := &emu.CBB{Instr: []x86.Instruction{{Type: x86.ITRet}}, EndType: x86.ITRet, NextBranch: -1, NextFallthrough: -1}
	return []*emu.CBB{cbb0, cbb1, cbb2}
}

func TestEncode_DynamicJccShortForwardBranch(t *testing.T) {
	out, err := Encode(buildSimpleDynamicJcc(), 0, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []byte{
		0x89, 0xD8, // mov eax, ebx
		0x74, 0x01, // je +1  (lands on cbb2's RET, right after cbb1's RET)
		0xC3, // cbb1: ret
		0xC3, // cbb2: ret
	}, out)
}

// buildPromotedJcc forces the taken-branch displacement of a dynamic Jcc
// past the signed 8-bit range so the encoder must reassemble with the
// 32-bit Jcc form.
func buildPromotedJcc() []*emu.CBB {
	cbb0 := &emu.CBB{
		Instr:           []x86.Instruction{{Type: x86.ITJcc, Cond: x86.CondE}},
		EndType:         x86.ITJcc,
		NextBranch:      2,
		NextFallthrough: 1,
	}
	filler := make([]x86.Instruction, 150)
	for i := range filler {
		filler[i] = x86.Instruction{Type: x86.ITNop}
	}
	filler = append(filler, x86.Instruction{Type: x86.ITRet})
	cbb1 := &emu.CBB{Instr: filler, EndType: x86.ITRet, NextBranch: -1, NextFallthrough: -1}
	cbb2 := &emu.CBB{Instr: []x86.Instruction{{Type: x86.ITRet}}, EndType: x86.ITRet, NextBranch: -1, NextFallthrough: -1}
	return []*emu.CBB{cbb0, cbb1, cbb2}
}

func TestEncode_ForwardJccPromotesToRel32OnOverflow(t *testing.T) {
	out, err := Encode(buildPromotedJcc(), 0, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []byte{0x0F, 0x84}, out[:2])
	disp := int32(binary.LittleEndian.Uint32(out[2:6]))
	require.Equal(t, 158, len(out)) // 6 (long jcc) + 150 nops + 1 ret (cbb1) + 1 ret (cbb2)
	require.EqualValues(t, 151, disp)
	require.Equal(t, byte(0xC3), out[len(out)-1])
}

// buildDirectCall models an unrecognized direct call captured residually:
// its Src immediate is a displacement relative to the ORIGINAL program's
// address space and must be reinterpreted against e.loadAddr, not reused.
func buildDirectCall() []*emu.CBB {
	// original call site 0x2000, 5-byte instruction, target 0x3000:
	// disp = 0x3000 - (0x2000+5) = 0xFFB.
	cbb0 := &emu.CBB{
		Instr: []x86.Instruction{
			{Type: x86.ITCall, Address: 0x2000, Length: 5, Src: x86.ImmOperand(32, 0xFFB)},
		},
		EndType:         x86.ITCall,
		NextBranch:      -1,
		NextFallthrough: 1,
	}
	cbb1 := &emu.CBB{Instr: []x86.Instruction{{Type: x86.ITRet}}, EndType: x86.ITRet, NextBranch: -1, NextFallthrough: -1}
	return []*emu.CBB{cbb0, cbb1}
}

func TestEncode_DirectCallRecomputesDisplacementAgainstLoadAddr(t *testing.T) {
	out, err := Encode(buildDirectCall(), 0, 0x5000)
	require.NoError(t, err)
	require.Equal(t, byte(0xE8), out[0])
	disp := int32(binary.LittleEndian.Uint32(out[1:5]))
	// call-site displacement field ends at loadAddr+5; target is the fixed
	// original-program address 0x3000, independent of where this buffer
	// now lives.
	require.EqualValues(t, int64(0x3000)-int64(0x5000+5), disp)
	require.Equal(t, byte(0xC3), out[5])
}

func TestEncode_IndirectCallLeavesNoDisplacement(t *testing.T) {
	cbb0 := &emu.CBB{
		Instr: []x86.Instruction{
			{Type: x86.ITCall, Src: x86.RegOperand(x86.GPR64(x86.RAX))},
		},
		EndType:         x86.ITCall,
		NextBranch:      -1,
		NextFallthrough: 1,
	}
	cbb1 := &emu.CBB{Instr: []x86.Instruction{{Type: x86.ITRet}}, EndType: x86.ITRet, NextBranch: -1, NextFallthrough: -1}
	out, err := Encode([]*emu.CBB{cbb0, cbb1}, 0, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF, 0xD0, 0xC3}, out) // call rax; ret
}

func TestLayout_FallthroughFirstThenBranch(t *testing.T) {
	cbbs := buildSimpleDynamicJcc()
	order := layout(cbbs, 0)
	require.Equal(t, []int32{0, 1, 2}, order)
}
