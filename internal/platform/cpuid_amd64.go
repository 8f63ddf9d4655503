//go:build amd64

package platform

import "golang.org/x/sys/cpu"

// CpuFeatures is the process-wide view of the host's CPU capabilities,
// computed once at package initialization. It backs the Vector-API substitution hook's AVX detection
// (see internal/vecapi).
var CpuFeatures CpuFeatureFlags = loadCpuFeatureFlags()

type cpuFeatureFlags struct {
	sse3, sse41, sse42 bool
	avx, avx2          bool
}

func loadCpuFeatureFlags() CpuFeatureFlags {
	return &cpuFeatureFlags{
		sse3:  cpu.X86.HasSSE3,
		sse41: cpu.X86.HasSSE41,
		sse42: cpu.X86.HasSSE42,
		avx:   cpu.X86.HasAVX,
		avx2:  cpu.X86.HasAVX2,
	}
}

func (f *cpuFeatureFlags) Has(feature CpuFeature) bool {
	switch feature {
	case CpuFeatureAmd64SSE3:
		return f.sse3
	case CpuFeatureAmd64SSE4_1:
		return f.sse41
	case CpuFeatureAmd64SSE4_2:
		return f.sse42
	}
	return false
}

func (f *cpuFeatureFlags) HasExtra(feature CpuExtraFeature) bool {
	switch feature {
	case CpuExtraFeatureAmd64AVX:
		return f.avx
	case CpuExtraFeatureAmd64AVX2:
		return f.avx2
	}
	return false
}
