package platform

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCpuFeatureFlags_Has(t *testing.T) {
	flags := &cpuFeatureFlags{sse3: true, sse41: false, sse42: true}
	require.True(t, flags.Has(CpuFeatureAmd64SSE3))
	require.False(t, flags.Has(CpuFeatureAmd64SSE4_1))
	require.True(t, flags.Has(CpuFeatureAmd64SSE4_2))
	require.False(t, flags.Has(CpuFeature(1<<6))) // some other value
}

func TestCpuFeatureFlags_HasExtra(t *testing.T) {
	flags := &cpuFeatureFlags{avx: true, avx2: false}
	require.True(t, flags.HasExtra(CpuExtraFeatureAmd64AVX))
	require.False(t, flags.HasExtra(CpuExtraFeatureAmd64AVX2))
	require.False(t, flags.HasExtra(CpuExtraFeature(1<<6)))
}
