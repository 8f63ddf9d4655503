//go:build linux

package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMmapCodeSegment(t *testing.T) {
	b, err := MmapCodeSegment(4096)
	require.NoError(t, err)
	require.Len(t, b, 4096)
	require.NoError(t, MunmapCodeSegment(b))
}

func TestMmapCodeSegment_panicOnZero(t *testing.T) {
	require.Panics(t, func() {
		_, _ = MmapCodeSegment(0)
	})
}

func TestRemapCodeSegment_grows(t *testing.T) {
	b, err := MmapCodeSegment(4096)
	require.NoError(t, err)
	copy(b, []byte{0xde, 0xad, 0xbe, 0xef})

	grown, err := RemapCodeSegment(b, 8192)
	require.NoError(t, err)
	require.Len(t, grown, 8192)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, grown[:4])
	require.NoError(t, MunmapCodeSegment(grown))
}

func TestMunmapCodeSegment_panicOnZero(t *testing.T) {
	require.Panics(t, func() {
		_ = MunmapCodeSegment(nil)
	})
}
