package vecapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTable(avx2 bool) *Table {
	return &Table{byAddr: make(map[uint64]entry), avx2: avx2}
}

func TestTable_LookupRequiresAvx2(t *testing.T) {
	tab := newTestTable(false)
	tab.Register(RoleApply4R8V8, 0x1000, 0x2000)

	_, ok := tab.Lookup(0x1000)
	require.False(t, ok)
}

func TestTable_LookupReturnsRegisteredReplacement(t *testing.T) {
	tab := newTestTable(true)
	tab.Register(RoleApply4R8V8V8, 0x1000, 0x2000)
	tab.Register(RoleApply4R8P8, 0x1100, 0x2100)

	repl, ok := tab.Lookup(0x1000)
	require.True(t, ok)
	require.EqualValues(t, 0x2000, repl)

	repl, ok = tab.Lookup(0x1100)
	require.True(t, ok)
	require.EqualValues(t, 0x2100, repl)
}

func TestTable_LookupUnknownAddrMisses(t *testing.T) {
	tab := newTestTable(true)
	tab.Register(RoleApply4R8V8, 0x1000, 0x2000)

	_, ok := tab.Lookup(0xDEAD)
	require.False(t, ok)
}

func TestRole_String(t *testing.T) {
	require.Equal(t, "apply4_R8V8", RoleApply4R8V8.String())
	require.Equal(t, "apply4_R8V8V8", RoleApply4R8V8V8.String())
	require.Equal(t, "apply4_R8P8", RoleApply4R8P8.String())
}
