package prune

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcat_Channels(t *testing.T) {
	a := NewPointMap(2, 1, 3)
	b := NewPointMap(2, 2, 3)
	for i := range a.Data {
		a.Data[i] = float64(i)
	}
	for i := range b.Data {
		b.Data[i] = float64(100 + i)
	}

	out := Concat(a, b)
	require.Equal(t, [4]int{2, 3, 3, 1}, out.Shape)
	assert.Equal(t, a.At(1, 0, 2), out.At(1, 0, 2))
	assert.Equal(t, b.At(1, 1, 0), out.At(1, 2, 0))
	assert.Equal(t, b.At(0, 0, 1), out.At(0, 1, 1))
}

func TestConcat_MismatchPanics(t *testing.T) {
	requireShapePanic(t, func() {
		Concat(NewPointMap(1, 1, 3), NewPointMap(1, 1, 4))
	})
}

func TestSwapChannelsPoints(t *testing.T) {
	x := NewPointMap(1, 2, 3)
	for i := range x.Data {
		x.Data[i] = float64(i)
	}
	y := x.SwapChannelsPoints()
	require.Equal(t, [4]int{1, 3, 2, 1}, y.Shape)
	for c := 0; c < 2; c++ {
		for n := 0; n < 3; n++ {
			assert.Equal(t, x.At(0, c, n), y.At(0, n, c))
		}
	}
	assert.Equal(t, x.Data, y.SwapChannelsPoints().Data)
}

func TestTrailingDimensionPanics(t *testing.T) {
	bad := NewTensor(1, 2, 3, 2)
	requireShapePanic(t, func() { InstanceNorm{Eps: contextNormEps}.Forward(bad) })
	requireShapePanic(t, func() { bad.SwapChannelsPoints() })
}

func TestSqueezeUnsqueeze(t *testing.T) {
	x := NewPointMap(2, 1, 3)
	for i := range x.Data {
		x.Data[i] = float64(i) - 2.5
	}
	m := Squeeze(x)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, x.At(1, 0, 2), m.At(1, 2))
	assert.Equal(t, x.Data, Unsqueeze(m).Data)

	requireShapePanic(t, func() { Squeeze(NewPointMap(1, 2, 3)) })
}
