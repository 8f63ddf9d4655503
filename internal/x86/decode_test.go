package x86

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// asmAddr returns the address of a byte slice's backing array. It does not
// pin the slice; the address stays valid only while the caller still holds
// the slice.
func asmAddr(t *testing.T, code []byte) uint64 {
	t.Helper()
	require.NotEmpty(t, code)
	return uint64(uintptr(unsafe.Pointer(&code[0])))
}

func TestDecode_SimpleFunction(t *testing.T) {
	// mov eax, edi ; add eax, esi ; ret
	code := []byte{
		0x89, 0xf8, // mov eax, edi
		0x01, 0xf0, // add eax, esi
		0xc3, // ret
	}
	addr := asmAddr(t, code)

	d := NewDecoder(0, 0, 0)
	bb, err := d.Decode(addr)
	require.NoError(t, err)
	require.Len(t, bb.Instr, 3)
	require.Equal(t, ITMov, bb.Instr[0].Type)
	require.Equal(t, ITAdd, bb.Instr[1].Type)
	require.Equal(t, ITRet, bb.Instr[2].Type)
	require.Equal(t, ITRet, bb.EndType)
	require.Equal(t, len(code), bb.Size)
}

func TestDecode_LengthFaithfulness(t *testing.T) {
	code := []byte{
		0x48, 0x83, 0xc0, 0x05, // add rax, 5
		0x48, 0x8b, 0x07, // mov rax, [rdi]
		0xc3, // ret
	}
	addr := asmAddr(t, code)

	d := NewDecoder(0, 0, 0)
	bb, err := d.Decode(addr)
	require.NoError(t, err)
	require.Len(t, bb.Instr, 3)
	require.EqualValues(t, 4, bb.Instr[0].Length)
	require.EqualValues(t, 3, bb.Instr[1].Length)
	require.EqualValues(t, 1, bb.Instr[2].Length)
}

func TestDecode_IsIdempotent(t *testing.T) {
	code := []byte{0x90, 0xc3}
	addr := asmAddr(t, code)

	d := NewDecoder(0, 0, 0)
	a, err := d.Decode(addr)
	require.NoError(t, err)
	b, err := d.Decode(addr)
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestDecode_REXExtendedRegisters(t *testing.T) {
	// mov r8, r9 (REX.WRB pattern exercising extended registers)
	code := []byte{0x4d, 0x89, 0xc8, 0xc3}
	addr := asmAddr(t, code)

	d := NewDecoder(0, 0, 0)
	bb, err := d.Decode(addr)
	require.NoError(t, err)
	require.Equal(t, ITMov, bb.Instr[0].Type)
	require.Equal(t, Reg{Kind: RegGPR64, Index: R8}, bb.Instr[0].Dst.Reg)
	require.Equal(t, Reg{Kind: RegGPR64, Index: R9}, bb.Instr[0].Src.Reg)
}

func TestDecode_RipRelative(t *testing.T) {
	// mov eax, [rip+0x10]
	code := []byte{0x8b, 0x05, 0x10, 0x00, 0x00, 0x00, 0xc3}
	addr := asmAddr(t, code)

	d := NewDecoder(0, 0, 0)
	bb, err := d.Decode(addr)
	require.NoError(t, err)
	require.True(t, bb.Instr[0].Src.IsRipRelative())
	require.EqualValues(t, 0x10, bb.Instr[0].Src.Disp)
}

func TestDecode_SIBWithIndex(t *testing.T) {
	// mov eax, [rdi+rsi*4]
	code := []byte{0x8b, 0x04, 0xb7, 0xc3}
	addr := asmAddr(t, code)

	d := NewDecoder(0, 0, 0)
	bb, err := d.Decode(addr)
	require.NoError(t, err)
	src := bb.Instr[0].Src
	require.Equal(t, OpInd, src.Kind)
	require.Equal(t, Reg{Kind: RegGPR64, Index: RDI}, src.Base)
	require.Equal(t, Reg{Kind: RegGPR64, Index: RSI}, src.Index)
	require.EqualValues(t, 4, src.Scale)
}

func TestDecode_ConditionalJumpRel8(t *testing.T) {
	// cmp eax, 0 ; jl +2 ; nop ; nop ; ret
	code := []byte{
		0x83, 0xf8, 0x00, // cmp eax, 0
		0x7c, 0x02, // jl +2
		0x90, 0x90, // nop; nop
		0xc3, // ret
	}
	addr := asmAddr(t, code)

	d := NewDecoder(0, 0, 0)
	bb, err := d.Decode(addr)
	require.NoError(t, err)
	require.Equal(t, ITJcc, bb.EndType)
	require.Equal(t, CondL, bb.LastInstr().Cond)
}

func TestDecode_CallRel32(t *testing.T) {
	code := []byte{0xe8, 0x00, 0x00, 0x00, 0x00}
	addr := asmAddr(t, code)

	d := NewDecoder(0, 0, 0)
	bb, err := d.Decode(addr)
	require.NoError(t, err)
	require.Equal(t, ITCall, bb.EndType)
}

func TestDecode_SSEMovss(t *testing.T) {
	// movss xmm0, xmm1 ; ret
	code := []byte{0xf3, 0x0f, 0x10, 0xc1, 0xc3}
	addr := asmAddr(t, code)

	d := NewDecoder(0, 0, 0)
	bb, err := d.Decode(addr)
	require.NoError(t, err)
	require.Equal(t, ITMovss, bb.Instr[0].Type)
	require.Equal(t, XMM(0), bb.Instr[0].Dst.Reg)
	require.Equal(t, XMM(1), bb.Instr[0].Src.Reg)
}

func TestDecode_CapacityExceeded(t *testing.T) {
	// NOP-sled with no terminator forces the per-BB cap to trip.
	code := make([]byte, 64)
	for i := range code {
		code[i] = 0x90
	}
	addr := asmAddr(t, code)

	d := NewDecoder(8, 0, 0)
	_, err := d.Decode(addr)
	require.Error(t, err)
}
