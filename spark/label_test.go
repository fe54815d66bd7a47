package spark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelPrefersBasePlusIfIndex(t *testing.T) {
	a := newLabelAllocator(50000, 50010)
	label, err := a.allocate("eth1/n1", 3)
	require.NoError(t, err)
	assert.Equal(t, int32(50003), label)
}

func TestLabelCollisionScansDownFromTop(t *testing.T) {
	a := newLabelAllocator(50000, 50010)
	first, err := a.allocate("eth1/n1", 3)
	require.NoError(t, err)
	second, err := a.allocate("eth1/n2", 3)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(50010), second)

	third, err := a.allocate("eth1/n3", 3)
	require.NoError(t, err)
	assert.Equal(t, int32(50009), third)
}

func TestLabelReleaseAllowsReuse(t *testing.T) {
	a := newLabelAllocator(50000, 50001)
	l1, err := a.allocate("a", 0)
	require.NoError(t, err)
	l2, err := a.allocate("b", 0)
	require.NoError(t, err)
	_, err = a.allocate("c", 0)
	require.Error(t, err)

	a.release(l1)
	l3, err := a.allocate("c", 0)
	require.NoError(t, err)
	assert.Equal(t, l1, l3)
	_ = l2
}

func TestLabelOutOfRangeIfIndex(t *testing.T) {
	a := newLabelAllocator(50000, 50005)
	label, err := a.allocate("x", 500)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, label, int32(50000))
	assert.LessOrEqual(t, label, int32(50005))
}
