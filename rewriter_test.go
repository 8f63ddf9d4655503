package dbrew

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/dbrew-go/dbrew/internal/x86"
)

// asmFunc pins code's backing array and returns its address. Machine code
// bytes here are hand-assembled against the System-V AMD64 calling
// convention (first int args in RDI, RSI, ...), mirroring internal/emu's own
// capture_test.go fixtures.
func asmFunc(t *testing.T, code []byte) uint64 {
	t.Helper()
	require.NotEmpty(t, code)
	return uint64(uintptr(unsafe.Pointer(&code[0])))
}

func newScenarioSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestRewrite_ConstantFolding covers spec §8 scenario 1: f(x,y) = x*3 + y
// with x static at 7 folds the multiply away entirely, leaving only an
// addition of the folded constant 21 against the dynamic y.
func TestRewrite_ConstantFolding(t *testing.T) {
	// imul eax, edi, 3 ; add eax, esi ; ret
	code := []byte{
		0x6B, 0xC7, 0x03, // imul eax, edi, 3
		0x01, 0xF0, // add eax, esi
		0xC3, // ret
	}
	addr := asmFunc(t, code)

	s := newScenarioSession(t)
	s.SetFunction(addr)
	s.SetParamCount(2)
	s.MarkParamStatic(0)

	got := s.Emulate(7, 5)
	require.Equal(t, uint64(26), got)
	require.Empty(t, s.Errors())

	genAddr := s.Rewrite(7, 5)
	require.NotZero(t, genAddr)
	require.NotEqual(t, uintptr(addr), genAddr)
	require.Empty(t, s.Errors())

	gen, err := s.DecodeGenerated()
	require.NoError(t, err)
	for _, in := range gen {
		require.NotEqual(t, "imul", in.Type.Mnemonic(), "constant multiply must not survive into the generated function")
	}
}

// TestRewrite_ConditionalBranchWithDynamicCondition covers spec §8 scenario
// 5: abs(x) = x<0 ? -x : x with x fully dynamic, exercised through Emulate
// (a ground-truth interpreter run) for each of the three sample inputs.
func TestRewrite_ConditionalBranchWithDynamicCondition(t *testing.T) {
	// test edi, edi ; jns skip ; neg edi ; skip: mov eax, edi ; ret
	code := []byte{
		0x85, 0xFF, // test edi, edi
		0x79, 0x02, // jns +2 (to mov eax,edi)
		0xF7, 0xDF, // neg edi
		0x89, 0xF8, // mov eax, edi
		0xC3, // ret
	}
	addr := asmFunc(t, code)

	cases := []struct{ in, want uint64 }{
		{uint64(int64(-3)), 3},
		{0, 0},
		{7, 7},
	}
	for _, c := range cases {
		s := newScenarioSession(t)
		s.SetFunction(addr)
		s.SetParamCount(1)
		got := s.Emulate(c.in)
		require.Equal(t, c.want, got)
		require.Empty(t, s.Errors())
	}

	// With x marked Dynamic for rewriting, the branch must survive into the
	// generated function rather than being resolved away.
	s := newScenarioSession(t)
	s.SetFunction(addr)
	s.SetParamCount(1)

	genAddr := s.Rewrite(0)
	require.NotZero(t, genAddr)
	require.Empty(t, s.Errors())

	gen, err := s.DecodeGenerated()
	require.NoError(t, err)
	var sawJcc bool
	for _, in := range gen {
		if in.Type == x86.ITJcc {
			sawJcc = true
		}
	}
	require.True(t, sawJcc, "a dynamic condition must leave a residual Jcc in the generated code")
}

// TestRewrite_CallToUnrecognizedFunctionIsPreserved covers spec §8 scenario
// 6: a call to an unrecognized function with a dynamic argument survives
// into the generated function as a direct CALL whose target is the
// original callee's real address. It does not check the caller-saved
// clobber that follows the call.
func TestRewrite_CallToUnrecognizedFunctionIsPreserved(t *testing.T) {
	callee := []byte{0xC3} // ret; stands in for "malloc"
	calleeAddr := asmFunc(t, callee)

	caller := make([]byte, 0, 16)
	caller = append(caller, 0xE8, 0, 0, 0, 0) // call rel32 (patched below)
	caller = append(caller, 0xC3)             // ret
	callerAddr := asmFunc(t, caller)

	disp := int32(int64(calleeAddr) - int64(callerAddr+5))
	caller[1] = byte(disp)
	caller[2] = byte(disp >> 8)
	caller[3] = byte(disp >> 16)
	caller[4] = byte(disp >> 24)

	s := newScenarioSession(t)
	s.SetFunction(callerAddr)
	s.SetParamCount(1)

	genAddr := s.Rewrite(123)
	require.NotZero(t, genAddr)
	require.Empty(t, s.Errors())

	gen, err := s.DecodeGenerated()
	require.NoError(t, err)
	require.Len(t, gen, 2)
	require.Equal(t, "call", gen[0].Type.Mnemonic())

	// The residual CALL's displacement must resolve to the callee's real,
	// unmoved address even though the call site itself moved to genAddr.
	callSiteEnd := uint64(genAddr) + uint64(gen[0].Length)
	resolved := uint64(int64(callSiteEnd) + gen[0].Src.SignedImm())
	require.Equal(t, calleeAddr, resolved)
}

// TestRewrite_LoopUnrollingOverStaticBound covers spec §8 scenario 2: a
// sum-of-0..n-1 loop whose bound is fully static unrolls away entirely, so
// Emulate's ground-truth interpretation settles on the closed-form result
// and the generated function keeps no branch instruction at all.
func TestRewrite_LoopUnrollingOverStaticBound(t *testing.T) {
	code := []byte{
		0x31, 0xC0, // xor eax, eax        ; s = 0
		0x31, 0xC9, // xor ecx, ecx        ; i = 0
		0x39, 0xF9, // cmp ecx, edi        ; i < n ?
		0x7D, 0x06, // jge +6 (to ret)
		0x01, 0xC8, // add eax, ecx        ; s += i
		0xFF, 0xC1, // inc ecx             ; i++
		0xEB, 0xF6, // jmp -10 (to cmp)
		0xC3, // ret
	}
	addr := asmFunc(t, code)

	s := newScenarioSession(t)
	s.SetFunction(addr)
	s.SetParamCount(1)
	s.MarkParamStatic(0)

	got := s.Emulate(4)
	require.Equal(t, uint64(6), got)
	require.Empty(t, s.Errors())

	genAddr := s.Rewrite(4)
	require.NotZero(t, genAddr)
	require.Empty(t, s.Errors())

	gen, err := s.DecodeGenerated()
	require.NoError(t, err)
	for _, in := range gen {
		require.NotEqual(t, x86.ITJcc, in.Type, "a fully static loop bound must leave no conditional branch behind")
		require.NotEqual(t, x86.ITJmp, in.Type, "a fully static loop bound must leave no residual jump behind")
	}
}

func TestSession_CloneCopiesConfigNotArenas(t *testing.T) {
	s := newScenarioSession(t)
	s.SetParamCount(3)
	s.MarkParamStatic(0)
	s.MarkReturnsFP()

	c := s.Clone()
	t.Cleanup(func() { _ = c.Close() })

	require.Equal(t, 3, c.ParamCount())
	require.True(t, c.IsParamStatic(0))
	require.True(t, c.ReturnsFP())
}
