package emu

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/dbrew-go/dbrew/internal/x86"
)

func asmAddr(t *testing.T, code []byte) uint64 {
	t.Helper()
	require.NotEmpty(t, code)
	return uint64(uintptr(unsafe.Pointer(&code[0])))
}

func newTestEmulator() *Emulator {
	return NewEmulator(x86.NewDecoder(0, 0, 0), 0, 0)
}

func TestCapture_ConstantFoldsFullyStaticAdd(t *testing.T) {
	// mov eax, edi ; add eax, 5 ; ret   -- edi marked Static
	code := []byte{
		0x89, 0xf8, // mov eax, edi
		0x83, 0xc0, 0x05, // add eax, 5
		0xc3, // ret
	}
	addr := asmAddr(t, code)

	es := NewEmuState(0)
	es.SetReg(x86.RDI, 7, 64, Static)

	e := newTestEmulator()
	entry, err := e.Capture(addr, es)
	require.NoError(t, err)
	cbb := e.CBBs[entry]
	require.Equal(t, x86.ITRet, cbb.EndType)
	// Only the RET should survive; MOV and ADD fold away entirely.
	require.Len(t, cbb.Instr, 1)
	require.Equal(t, x86.ITRet, cbb.Instr[0].Type)
	require.EqualValues(t, 12, es.RegValue(x86.RAX, 32))
}

func TestCapture_DynamicAddIsResidual(t *testing.T) {
	// mov eax, edi ; add eax, esi ; ret -- edi Static, esi Dynamic
	code := []byte{
		0x89, 0xf8, // mov eax, edi
		0x01, 0xf0, // add eax, esi
		0xc3, // ret
	}
	addr := asmAddr(t, code)

	es := NewEmuState(0)
	es.SetReg(x86.RDI, 7, 64, Static)
	es.SetReg(x86.RSI, 0, 64, Dynamic)

	e := newTestEmulator()
	entry, err := e.Capture(addr, es)
	require.NoError(t, err)
	cbb := e.CBBs[entry]
	require.Len(t, cbb.Instr, 2)
	require.Equal(t, x86.ITAdd, cbb.Instr[0].Type)
	require.Equal(t, x86.ITRet, cbb.Instr[1].Type)
}

func TestCapture_StaticJccTakesDeterminedSide(t *testing.T) {
	// cmp edi, 0 ; jl L1; mov eax, 1; ret
	// L1: mov eax, 2; ret
	code := []byte{
		0x83, 0xff, 0x00, // cmp edi, 0
		0x7c, 0x06, // jl +6 (to L1)
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xc3,                         // ret
		0xb8, 0x02, 0x00, 0x00, 0x00, // L1: mov eax, 2
		0xc3, // ret
	}
	addr := asmAddr(t, code)

	es := NewEmuState(0)
	es.SetReg(x86.RDI, ^uint64(0), 64, Static) // -1, statically known to be < 0

	e := newTestEmulator()
	entry, err := e.Capture(addr, es)
	require.NoError(t, err)
	cbb := e.CBBs[entry]
	require.Empty(t, cbb.Instr)
	require.GreaterOrEqual(t, cbb.NextBranch, int32(0))
	require.EqualValues(t, -1, cbb.NextFallthrough)
	require.EqualValues(t, 2, es.RegValue(x86.RAX, 32))
}

func TestCapture_DynamicJccForksBothSuccessors(t *testing.T) {
	code := []byte{
		0x83, 0xff, 0x00, // cmp edi, 0
		0x7c, 0x06, // jl +6
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xc3,
		0xb8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2
		0xc3,
	}
	addr := asmAddr(t, code)

	es := NewEmuState(0)
	es.SetReg(x86.RDI, 0, 64, Dynamic)

	e := newTestEmulator()
	entry, err := e.Capture(addr, es)
	require.NoError(t, err)
	cbb := e.CBBs[entry]
	require.Len(t, cbb.Instr, 2)
	require.Equal(t, x86.ITCmp, cbb.Instr[0].Type)
	require.Equal(t, x86.ITJcc, cbb.Instr[1].Type)
	require.GreaterOrEqual(t, cbb.NextBranch, int32(0))
	require.GreaterOrEqual(t, cbb.NextFallthrough, int32(0))
	require.NotEqual(t, cbb.NextBranch, cbb.NextFallthrough)
}

func TestCapture_CallToUnknownFunctionClobbersCallerSaved(t *testing.T) {
	// mov eax, edi ; call rel32 ; add eax, 1 ; ret
	code := []byte{
		0x89, 0xf8, // mov eax, edi
		0xe8, 0x00, 0x00, 0x00, 0x00, // call +0 (arbitrary unresolved target)
		0x83, 0xc0, 0x01, // add eax, 1
		0xc3, // ret
	}
	addr := asmAddr(t, code)

	es := NewEmuState(0)
	es.SetReg(x86.RDI, 41, 64, Static)

	e := newTestEmulator()
	entry, err := e.Capture(addr, es)
	require.NoError(t, err)
	cbb := e.CBBs[entry]
	require.GreaterOrEqual(t, cbb.NextFallthrough, int32(0))

	// Residual instructions across both linked blocks: CALL, then ADD
	// (RAX became Dynamic across the call), then RET.
	var all []x86.InstrType
	for idx := entry; idx != -1; {
		b := e.CBBs[idx]
		for _, in := range b.Instr {
			all = append(all, in.Type)
		}
		idx = b.NextFallthrough
	}
	require.Contains(t, all, x86.ITCall)
	require.Contains(t, all, x86.ITAdd)
	require.Contains(t, all, x86.ITRet)
}

func TestCapture_PushPopFoldsStaticSpill(t *testing.T) {
	// push rdi ; pop rax ; ret  -- rdi Static
	code := []byte{
		0x57,             // push rdi
		0x58,             // pop rax
		0xc3,             // ret
	}
	addr := asmAddr(t, code)

	es := NewEmuState(0)
	es.SetReg(x86.RDI, 99, 64, Static)

	e := newTestEmulator()
	entry, err := e.Capture(addr, es)
	require.NoError(t, err)
	cbb := e.CBBs[entry]
	require.Len(t, cbb.Instr, 1)
	require.Equal(t, x86.ITRet, cbb.Instr[0].Type)
	require.EqualValues(t, 99, es.RegValue(x86.RAX, 64))
}

func TestEsID_DeterministicForIdenticalState(t *testing.T) {
	a := NewEmuState(128)
	b := NewEmuState(128)
	require.Equal(t, a.EsID(), b.EsID())

	a.SetReg(x86.RAX, 1, 64, Static)
	require.NotEqual(t, a.EsID(), b.EsID())
}
