package prune

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShape reports a tensor whose rank or dimensions do not match what an
// operation requires.
var ErrShape = errors.New("shape mismatch")

// Tensor is a dense 4-D array stored row-major as [batch, channels, points, width].
// Feature maps always have width 1; correspondence sets use [B,1,N,4].
type Tensor struct {
	Shape [4]int
	Data  []float64
}

// NewTensor allocates a zeroed tensor.
func NewTensor(b, c, n, w int) *Tensor {
	return &Tensor{
		Shape: [4]int{b, c, n, w},
		Data:  make([]float64, b*c*n*w),
	}
}

// NewPointMap allocates a zeroed [B,C,N,1] feature map.
func NewPointMap(b, c, n int) *Tensor {
	return NewTensor(b, c, n, 1)
}

// Batch returns the batch dimension.
func (t *Tensor) Batch() int { return t.Shape[0] }

// Channels returns the channel dimension.
func (t *Tensor) Channels() int { return t.Shape[1] }

// Points returns the point (correspondence or cluster) dimension.
func (t *Tensor) Points() int { return t.Shape[2] }

// Len returns the number of scalars the shape describes.
func (t *Tensor) Len() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3]
}

// At returns element (b, c, n) of a feature map.
func (t *Tensor) At(b, c, n int) float64 {
	return t.Data[(b*t.Shape[1]+c)*t.Shape[2]+n]
}

// Set assigns element (b, c, n) of a feature map.
func (t *Tensor) Set(b, c, n int, v float64) {
	t.Data[(b*t.Shape[1]+c)*t.Shape[2]+n] = v
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: t.Shape, Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// mustPointMap panics unless t is a well-formed [B,C,N,1] feature map.
func (t *Tensor) mustPointMap(op string) {
	if t == nil {
		panic(fmt.Errorf("%s: %w: nil tensor", op, ErrShape))
	}
	if t.Shape[3] != 1 {
		panic(fmt.Errorf("%s: %w: trailing dimension is %d, want 1", op, ErrShape, t.Shape[3]))
	}
	if t.Len() != len(t.Data) {
		panic(fmt.Errorf("%s: %w: shape %v holds %d values, data has %d", op, ErrShape, t.Shape, t.Len(), len(t.Data)))
	}
}

// mustChannels panics unless t has exactly c channels.
func (t *Tensor) mustChannels(op string, c int) {
	if t.Shape[1] != c {
		panic(fmt.Errorf("%s: %w: got %d channels, want %d", op, ErrShape, t.Shape[1], c))
	}
}

// channelRow returns the N values of (b, c) as a slice aliasing t.Data.
func (t *Tensor) channelRow(b, c int) []float64 {
	n := t.Shape[2]
	off := (b*t.Shape[1] + c) * n
	return t.Data[off : off+n]
}

// batchMatrix returns batch element b of a feature map as a C x N matrix
// sharing storage with t.
func (t *Tensor) batchMatrix(b int) *mat.Dense {
	c, n := t.Shape[1], t.Shape[2]
	off := b * c * n
	return mat.NewDense(c, n, t.Data[off:off+c*n])
}

// Add returns t + o element-wise.
func (t *Tensor) Add(o *Tensor) *Tensor {
	if t.Shape != o.Shape {
		panic(fmt.Errorf("add: %w: %v vs %v", ErrShape, t.Shape, o.Shape))
	}
	out := t.Clone()
	for i, v := range o.Data {
		out.Data[i] += v
	}
	return out
}

// ReLU returns max(t, 0) element-wise.
func (t *Tensor) ReLU() *Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	return out
}

// SwapChannelsPoints exchanges the channel and point axes of a feature map,
// turning [B,C,K,1] into [B,K,C,1].
func (t *Tensor) SwapChannelsPoints() *Tensor {
	t.mustPointMap("swap")
	b, c, n := t.Shape[0], t.Shape[1], t.Shape[2]
	out := NewPointMap(b, n, c)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for ni := 0; ni < n; ni++ {
				out.Set(bi, ni, ci, t.At(bi, ci, ni))
			}
		}
	}
	return out
}

// Concat joins feature maps along the channel axis.
func Concat(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic(fmt.Errorf("concat: %w: no inputs", ErrShape))
	}
	b, n := parts[0].Shape[0], parts[0].Shape[2]
	channels := 0
	for _, p := range parts {
		p.mustPointMap("concat")
		if p.Shape[0] != b || p.Shape[2] != n {
			panic(fmt.Errorf("concat: %w: %v vs %v", ErrShape, parts[0].Shape, p.Shape))
		}
		channels += p.Shape[1]
	}
	out := NewPointMap(b, channels, n)
	for bi := 0; bi < b; bi++ {
		dst := out.Data[bi*channels*n:]
		for _, p := range parts {
			span := p.Shape[1] * n
			copy(dst[:span], p.Data[bi*span:(bi+1)*span])
			dst = dst[span:]
		}
	}
	return out
}

// Squeeze collapses a single-channel feature map [B,1,N,1] into a B x N matrix.
func Squeeze(t *Tensor) *mat.Dense {
	t.mustPointMap("squeeze")
	t.mustChannels("squeeze", 1)
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return mat.NewDense(t.Shape[0], t.Shape[2], data)
}

// Unsqueeze expands a B x N matrix into a [B,1,N,1] feature map.
func Unsqueeze(m mat.Matrix) *Tensor {
	b, n := m.Dims()
	out := NewPointMap(b, 1, n)
	for bi := 0; bi < b; bi++ {
		for ni := 0; ni < n; ni++ {
			out.Set(bi, 0, ni, m.At(bi, ni))
		}
	}
	return out
}
