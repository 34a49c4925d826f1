package prune

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// smallConfig is a cheap Block network for tests.
func smallConfig() Config {
	return Config{
		Channels:       8,
		Depth:          4,
		Iterations:     1,
		Clusters:       4,
		Bottleneck:     -1,
		LocalAttention: true,
		Heads:          1,
		Concat:         true,
		Seed:           7,
	}
}

// smallHourglassConfig is a cheap Hourglass network for tests. Group norm
// needs a multiple of 32 channels.
func smallHourglassConfig() Config {
	return Config{
		Channels:       32,
		Depths:         []int{2, 2, 2},
		Iterations:     1,
		Clusters:       4,
		Bottleneck:     3,
		LocalAttention: true,
		Heads:          2,
		Concat:         true,
		Seed:           11,
	}
}

func newTestNetwork(t *testing.T, cfg Config, opts ...Option) *Network {
	t.Helper()
	logger, _ := test.NewNullLogger()
	net, err := NewNetwork(cfg, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return net
}

// randomCorrespondences draws B pairs of N correspondences in [-1, 1].
func randomCorrespondences(rng *rand.Rand, b, n int) *Tensor {
	xs := NewTensor(b, 1, n, 4)
	for i := range xs.Data {
		xs.Data[i] = rng.Float64()*2 - 1
	}
	return xs
}

func randomPointMap(rng *rand.Rand, b, c, n int, scale float64) *Tensor {
	t := NewPointMap(b, c, n)
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * scale
	}
	return t
}

// permutePoints reorders the point axis of a feature map: out[..., i] = in[..., perm[i]].
func permutePoints(t *Tensor, perm []int) *Tensor {
	out := NewPointMap(t.Batch(), t.Channels(), t.Points())
	for b := 0; b < t.Batch(); b++ {
		for c := 0; c < t.Channels(); c++ {
			for i, p := range perm {
				out.Set(b, c, i, t.At(b, c, p))
			}
		}
	}
	return out
}

// permuteCorrespondences reorders the N axis of a [B,1,N,W] tensor.
func permuteCorrespondences(xs *Tensor, perm []int) *Tensor {
	b, n, w := xs.Shape[0], xs.Shape[2], xs.Shape[3]
	out := NewTensor(b, xs.Shape[1], n, w)
	for bi := 0; bi < b; bi++ {
		for i, p := range perm {
			copy(out.Data[(bi*n+i)*w:(bi*n+i+1)*w], xs.Data[(bi*n+p)*w:(bi*n+p+1)*w])
		}
	}
	return out
}

func allFinite(data []float64) bool {
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func rowNorm(m mat.Matrix, r int) float64 {
	_, c := m.Dims()
	sum := 0.0
	for j := 0; j < c; j++ {
		sum += m.At(r, j) * m.At(r, j)
	}
	return math.Sqrt(sum)
}

// requireShapePanic asserts that fn panics with an error wrapping ErrShape.
func requireShapePanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, errors.Is(err, ErrShape), "panic %v does not wrap ErrShape", err)
	}()
	fn()
}
