package prune

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointCN_Shapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randomPointMap(rng, 2, 6, 10, 1)
	ps := NewParams(2)

	same := newPointCN(ps.root("same"), 6, 6, normOptions{})
	assert.Equal(t, [4]int{2, 6, 10, 1}, same.Forward(x).Shape)
	assert.Nil(t, same.shortcut)

	reduce := newPointCN(ps.root("reduce"), 6, 3, normOptions{})
	assert.Equal(t, [4]int{2, 3, 10, 1}, reduce.Forward(x).Shape)
	assert.NotNil(t, reduce.shortcut)
}

func TestPointCN_PermutationEquivariant(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := randomPointMap(rng, 1, 4, 16, 2)
	perm := rng.Perm(16)

	cases := []struct {
		name string
		opts normOptions
	}{
		{"plain", normOptions{}},
		{"local attention", normOptions{Attention: true, Local: true, Heads: 2}},
		{"global attention", normOptions{Attention: true, Heads: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			block := newPointCN(NewParams(4).root("p"), 4, 4, tc.opts)
			want := permutePoints(block.Forward(x), perm)
			got := block.Forward(permutePoints(x, perm))
			for i := range want.Data {
				assert.InDelta(t, want.Data[i], got.Data[i], 1e-9)
			}
		})
	}
}

func TestOAFilter_PreservesShape(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := randomPointMap(rng, 2, 6, 4, 1) // [B,C,K,1]
	ps := NewParams(6)

	plain := newOAFilter(ps.root("plain"), 6, 4, 6)
	out := plain.Forward(x)
	assert.Equal(t, x.Shape, out.Shape)
	assert.True(t, allFinite(out.Data))

	bottleneck := newOAFilterBottleneck(ps.root("bottleneck"), 6, 4, 2, 6)
	out = bottleneck.Forward(x)
	assert.Equal(t, x.Shape, out.Shape)
	assert.True(t, allFinite(out.Data))

	_, ok := ps.Get("bottleneck.conv2.weight")
	require.True(t, ok)
	w, _ := ps.Get("bottleneck.conv2.weight")
	assert.Equal(t, []int{2, 4}, w.Shape)
}

func TestOAFilter_MixesClusters(t *testing.T) {
	// Changing one cluster must change the others through the K x K projection.
	rng := rand.New(rand.NewSource(7))
	x := randomPointMap(rng, 1, 3, 4, 1)
	f := newOAFilter(NewParams(8).root("f"), 3, 4, 3)
	a := f.Forward(x)

	y := x.Clone()
	y.Set(0, 0, 0, y.At(0, 0, 0)+5)
	b := f.Forward(y)
	changed := false
	for c := 0; c < 3; c++ {
		if a.At(0, c, 3) != b.At(0, c, 3) {
			changed = true
		}
	}
	assert.True(t, changed, "cluster 3 should depend on cluster 0")
}

func TestConv1x1_WrongChannelsPanics(t *testing.T) {
	conv := newConv1x1(NewParams(1).root("c"), 3, 2)
	requireShapePanic(t, func() { conv.Forward(NewPointMap(1, 4, 5)) })
}

func TestPositionalEncoding(t *testing.T) {
	x := NewPointMap(1, 2, 1)
	x.Set(0, 0, 0, 0.25)
	x.Set(0, 1, 0, -0.5)
	out := PositionalEncoding{Bands: 3}.Forward(x)
	require.Equal(t, [4]int{1, 12, 1, 1}, out.Shape)

	// band 1: sin(2 pi x), cos(2 pi x)
	assert.InDelta(t, 1, out.At(0, 4, 0), 1e-12)  // sin(pi/2)
	assert.InDelta(t, 0, out.At(0, 5, 0), 1e-12)  // sin(-pi)
	assert.InDelta(t, 0, out.At(0, 6, 0), 1e-12)  // cos(pi/2)
	assert.InDelta(t, -1, out.At(0, 7, 0), 1e-12) // cos(-pi)
}
