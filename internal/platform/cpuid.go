// Package platform isolates the OS- and CPU-specific primitives the rewriter
// needs: executable memory mapping for the Code Storage component, and CPU
// feature detection for the Vector-API substitution hook.
package platform

// CpuFeature identifies a single detectable CPU capability bit.
type CpuFeature uint64

const (
	CpuFeatureAmd64SSE3   CpuFeature = 1 << 0
	CpuFeatureAmd64SSE4_1 CpuFeature = 1 << 1
	CpuFeatureAmd64SSE4_2 CpuFeature = 1 << 2
)

// CpuExtraFeature identifies a capability bit that doesn't fit the primary
// CPUID leaf used for CpuFeature (e.g. the extended feature leaf).
type CpuExtraFeature uint64

const (
	CpuExtraFeatureAmd64AVX  CpuExtraFeature = 1 << 0
	CpuExtraFeatureAmd64AVX2 CpuExtraFeature = 1 << 1
)

// CpuFeatureFlags exposes the capabilities of the host CPU. Queried once at
// process start and cached in CpuFeatures.
type CpuFeatureFlags interface {
	Has(CpuFeature) bool
	HasExtra(CpuExtraFeature) bool
}
