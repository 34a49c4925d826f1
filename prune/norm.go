package prune

import (
	"fmt"
	"math"
)

const (
	// contextNormEps is added to the variance of plain context normalization.
	contextNormEps = 1e-3
	// batchNormEps and groupNormEps stabilize the affine normalizations.
	batchNormEps = 1e-5
	groupNormEps = 1e-5
	// varianceFloor bounds the variance from below before the square root.
	varianceFloor = 1e-20
	// stdFloor bounds the standard deviation from below before division.
	stdFloor = 1e-10
	// weightSumFloor bounds attention weight sums before renormalization.
	weightSumFloor = 1e-10

	normGroups = 32
)

// InstanceNorm is plain context normalization: every (batch, channel) row is
// standardized over the point axis.
type InstanceNorm struct {
	Eps float64
}

func (in InstanceNorm) Forward(x *Tensor) *Tensor {
	x.mustPointMap("context norm")
	out := x.Clone()
	n := float64(x.Points())
	for b := 0; b < x.Batch(); b++ {
		for c := 0; c < x.Channels(); c++ {
			row := out.channelRow(b, c)
			mean := 0.0
			for _, v := range row {
				mean += v
			}
			mean /= n
			variance := 0.0
			for _, v := range row {
				d := v - mean
				variance += d * d
			}
			variance /= n
			std := math.Max(math.Sqrt(math.Max(variance+in.Eps, varianceFloor)), stdFloor)
			for i, v := range row {
				row[i] = (v - mean) / std
			}
		}
	}
	return out
}

// AttentiveContextNorm standardizes each channel with statistics weighted by
// learned per-point attention. Heads are averaged into one weight series.
type AttentiveContextNorm struct {
	Att   *Conv1x1
	Local bool
}

func newAttentiveContextNorm(s scope, channels, heads int, local bool) *AttentiveContextNorm {
	return &AttentiveContextNorm{
		Att:   newConv1x1(s.sub("att"), channels, heads),
		Local: local,
	}
}

// Weights returns the averaged attention weights as a [B,1,N,1] map whose
// rows sum to 1.
func (a *AttentiveContextNorm) Weights(x *Tensor) *Tensor {
	scores := a.Att.Forward(x)
	b, heads, n := scores.Batch(), scores.Channels(), scores.Points()
	out := NewPointMap(b, 1, n)
	for bi := 0; bi < b; bi++ {
		avg := out.channelRow(bi, 0)
		for h := 0; h < heads; h++ {
			row := scores.channelRow(bi, h)
			if a.Local {
				sum := 0.0
				for i, v := range row {
					row[i] = sigmoid(v)
					sum += row[i]
				}
				sum = math.Max(sum, weightSumFloor)
				for i := range row {
					row[i] /= sum
				}
			} else {
				softmaxInPlace(row)
			}
			for i, v := range row {
				avg[i] += v / float64(heads)
			}
		}
	}
	return out
}

func (a *AttentiveContextNorm) Forward(x *Tensor) *Tensor {
	x.mustPointMap("attentive context norm")
	w := a.Weights(x)
	out := x.Clone()
	for b := 0; b < x.Batch(); b++ {
		weights := w.channelRow(b, 0)
		for c := 0; c < x.Channels(); c++ {
			row := out.channelRow(b, c)
			mean := 0.0
			for i, v := range row {
				mean += weights[i] * v
			}
			variance := 0.0
			for i, v := range row {
				d := v - mean
				variance += weights[i] * d * d
			}
			std := math.Max(math.Sqrt(math.Max(variance, varianceFloor)), stdFloor)
			for i, v := range row {
				row[i] = (v - mean) / std
			}
		}
	}
	return out
}

// BatchNorm applies inference-mode batch normalization with running statistics.
type BatchNorm struct {
	Channels    int
	Gamma, Beta *Param
	RunningMean *Param
	RunningVar  *Param
}

func newBatchNorm(s scope, channels int) *BatchNorm {
	return &BatchNorm{
		Channels:    channels,
		Gamma:       s.constant("weight", 1, channels),
		Beta:        s.constant("bias", 0, channels),
		RunningMean: s.constant("running_mean", 0, channels),
		RunningVar:  s.constant("running_var", 1, channels),
	}
}

func (bn *BatchNorm) Forward(x *Tensor) *Tensor {
	x.mustPointMap("batch norm")
	x.mustChannels("batch norm", bn.Channels)
	out := x.Clone()
	for c := 0; c < bn.Channels; c++ {
		scale := bn.Gamma.Data[c] / math.Sqrt(math.Max(bn.RunningVar.Data[c]+batchNormEps, varianceFloor))
		shift := bn.Beta.Data[c] - bn.RunningMean.Data[c]*scale
		for b := 0; b < x.Batch(); b++ {
			row := out.channelRow(b, c)
			for i, v := range row {
				row[i] = v*scale + shift
			}
		}
	}
	return out
}

// GroupNorm normalizes groups of channels together over the point axis,
// then applies a per-channel affine transform.
type GroupNorm struct {
	Groups, Channels int
	Gamma, Beta      *Param
}

func newGroupNorm(s scope, groups, channels int) *GroupNorm {
	if channels%groups != 0 {
		panic(fmt.Errorf("group norm: %w: %d channels not divisible into %d groups", ErrShape, channels, groups))
	}
	return &GroupNorm{
		Groups:   groups,
		Channels: channels,
		Gamma:    s.constant("weight", 1, channels),
		Beta:     s.constant("bias", 0, channels),
	}
}

func (gn *GroupNorm) Forward(x *Tensor) *Tensor {
	x.mustPointMap("group norm")
	x.mustChannels("group norm", gn.Channels)
	out := x.Clone()
	per := gn.Channels / gn.Groups
	count := float64(per * x.Points())
	for b := 0; b < x.Batch(); b++ {
		for g := 0; g < gn.Groups; g++ {
			mean, variance := 0.0, 0.0
			for c := g * per; c < (g+1)*per; c++ {
				for _, v := range out.channelRow(b, c) {
					mean += v
				}
			}
			mean /= count
			for c := g * per; c < (g+1)*per; c++ {
				for _, v := range out.channelRow(b, c) {
					variance += (v - mean) * (v - mean)
				}
			}
			variance /= count
			std := math.Max(math.Sqrt(math.Max(variance+groupNormEps, varianceFloor)), stdFloor)
			for c := g * per; c < (g+1)*per; c++ {
				row := out.channelRow(b, c)
				for i, v := range row {
					row[i] = (v-mean)/std*gn.Gamma.Data[c] + gn.Beta.Data[c]
				}
			}
		}
	}
	return out
}

// normOptions selects the normalization strategies of point blocks. It is
// fixed when a block is built.
type normOptions struct {
	Attention bool
	Local     bool
	Heads     int
	GroupNorm bool
}

// contextNorm builds the context normalization chosen by opts.
func (o normOptions) contextNorm(s scope, channels int) Layer {
	if o.Attention {
		return newAttentiveContextNorm(s, channels, o.Heads, o.Local)
	}
	return InstanceNorm{Eps: contextNormEps}
}

// affineNorm builds the batch or group normalization chosen by opts.
func (o normOptions) affineNorm(s scope, channels int) Layer {
	if o.GroupNorm {
		return newGroupNorm(s, normGroups, channels)
	}
	return newBatchNorm(s, channels)
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// softmaxInPlace replaces row with its softmax, subtracting the maximum first.
func softmaxInPlace(row []float64) {
	peak := math.Inf(-1)
	for _, v := range row {
		if v > peak {
			peak = v
		}
	}
	sum := 0.0
	for i, v := range row {
		row[i] = math.Exp(v - peak)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}
