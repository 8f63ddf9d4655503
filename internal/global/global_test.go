package global

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault_SameInstanceAcrossCalls(t *testing.T) {
	ResetDefaultForTest()
	defer ResetDefaultForTest()

	a := Default()
	b := Default()
	require.Same(t, a, b)
}

func TestResetDefaultForTest_ProducesFreshInstance(t *testing.T) {
	ResetDefaultForTest()
	defer ResetDefaultForTest()

	a := Default()
	ResetDefaultForTest()
	b := Default()
	require.NotSame(t, a, b)
}
