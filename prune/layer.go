package prune

import (
	"gonum.org/v1/gonum/mat"
)

// Layer maps one feature map to another.
type Layer interface {
	Forward(x *Tensor) *Tensor
}

// Sequential applies layers in order.
type Sequential []Layer

func (s Sequential) Forward(x *Tensor) *Tensor {
	for _, l := range s {
		x = l.Forward(x)
	}
	return x
}

// Conv1x1 is a pointwise projection: it mixes channels of each point
// independently, out[b,:,n] = W x[b,:,n] + bias.
type Conv1x1 struct {
	In, Out int
	Weight  *Param // [Out, In]
	Bias    *Param // [Out]
}

func newConv1x1(s scope, in, out int) *Conv1x1 {
	bound := fanInBound(in)
	return &Conv1x1{
		In:     in,
		Out:    out,
		Weight: s.uniform("weight", bound, out, in),
		Bias:   s.uniform("bias", bound, out),
	}
}

func (c *Conv1x1) Forward(x *Tensor) *Tensor {
	x.mustPointMap("conv1x1")
	x.mustChannels("conv1x1", c.In)

	b, n := x.Batch(), x.Points()
	out := NewPointMap(b, c.Out, n)
	w := mat.NewDense(c.Out, c.In, c.Weight.Data)
	for bi := 0; bi < b; bi++ {
		dst := out.batchMatrix(bi)
		dst.Mul(w, x.batchMatrix(bi))
		for o := 0; o < c.Out; o++ {
			row := out.channelRow(bi, o)
			bias := c.Bias.Data[o]
			for i := range row {
				row[i] += bias
			}
		}
	}
	return out
}

// relu is the rectifier as a Layer.
type relu struct{}

func (relu) Forward(x *Tensor) *Tensor { return x.ReLU() }

// swapAxes exchanges the channel and point axes as a Layer.
type swapAxes struct{}

func (swapAxes) Forward(x *Tensor) *Tensor { return x.SwapChannelsPoints() }
