package codestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorage_ReserveThenUse(t *testing.T) {
	s := New()
	probe := s.Reserve(16)
	require.Len(t, probe, 16)
	require.Equal(t, 0, s.Len())

	committed := s.Use(16)
	require.Len(t, committed, 16)
	require.Equal(t, 16, s.Len())
}

func TestStorage_GrowsAcrossPages(t *testing.T) {
	s := New()
	s.Use(70000) // forces at least one grow beyond the initial 64KiB mapping
	require.Equal(t, 70000, s.Len())
	require.GreaterOrEqual(t, s.Cap(), 70000)
}

func TestStorage_AddrOf(t *testing.T) {
	s := New()
	s.Use(8)
	require.Equal(t, s.Addr(), s.AddrOf(0))
	require.Equal(t, s.Addr()+8, s.AddrOf(8))
}

func TestStorage_Release(t *testing.T) {
	s := New()
	s.Use(16)
	require.NoError(t, s.Release())
	require.Equal(t, 0, s.Len())
	require.Equal(t, 0, s.Cap())
}
