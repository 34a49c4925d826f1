package prune

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_LoadReproducesNetwork(t *testing.T) {
	cfg := smallConfig()
	src := newTestNetwork(t, cfg)

	other := cfg
	other.Seed = cfg.Seed + 1
	dst := newTestNetwork(t, other)

	rng := rand.New(rand.NewSource(1))
	in := Input{XS: randomCorrespondences(rng, 2, 16)}
	want, err := src.Forward(in)
	require.NoError(t, err)
	before, err := dst.Forward(in)
	require.NoError(t, err)
	require.NotEqual(t, want.Logits[0].RawMatrix().Data, before.Logits[0].RawMatrix().Data)

	path := filepath.Join(t.TempDir(), "weights.msgpack")
	require.NoError(t, src.Params().SaveFile(path))
	require.NoError(t, dst.Params().LoadFile(path))

	got, err := dst.Forward(in)
	require.NoError(t, err)
	for i := range want.Logits {
		assert.Equal(t, want.Logits[i].RawMatrix().Data, got.Logits[i].RawMatrix().Data, "stage %d", i)
	}
}

func TestCheckpoint_RejectsOtherArchitecture(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, newTestNetwork(t, smallConfig()).Params().Save(&buf))

	wider := smallConfig()
	wider.Channels = 16
	dst := newTestNetwork(t, wider)
	before := append([]float64{}, dst.Params().Sorted()[0].Data...)

	err := dst.Params().Load(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCheckpoint)
	assert.Equal(t, before, dst.Params().Sorted()[0].Data, "failed load must not modify parameters")

	deeper := smallConfig()
	deeper.Iterations = 2
	err = newTestNetwork(t, deeper).Params().Load(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrCheckpoint)
}

func TestCheckpoint_Errors(t *testing.T) {
	ps := newTestNetwork(t, smallConfig()).Params()
	assert.Error(t, ps.Load(bytes.NewReader([]byte("not msgpack"))))

	err := ps.LoadFile(filepath.Join(t.TempDir(), "missing.msgpack"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestParams_Registry(t *testing.T) {
	ps := NewParams(1)
	s := ps.root("a").sub("b")
	w := s.uniform("weight", 0.5, 2, 3)
	s.constant("bias", 1, 2)

	assert.Equal(t, []string{"a.b.weight", "a.b.bias"}, ps.Names())
	assert.Equal(t, 8, ps.Count())
	for _, v := range w.Data {
		assert.LessOrEqual(t, v, 0.5)
		assert.GreaterOrEqual(t, v, -0.5)
	}
	assert.Panics(t, func() { s.constant("bias", 0, 2) })
}
