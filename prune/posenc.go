package prune

import "math"

// PositionalEncoding expands each input channel into sin and cos features at
// Bands octave frequencies: sin(2^i pi x), cos(2^i pi x) for i in [0, Bands).
// A C-channel input yields 2*Bands*C channels, ordered band, function, channel.
type PositionalEncoding struct {
	Bands int
}

func (pe PositionalEncoding) Forward(x *Tensor) *Tensor {
	x.mustPointMap("positional encoding")
	b, c, n := x.Batch(), x.Channels(), x.Points()
	out := NewPointMap(b, 2*pe.Bands*c, n)
	for bi := 0; bi < b; bi++ {
		for band := 0; band < pe.Bands; band++ {
			freq := math.Ldexp(math.Pi, band)
			for ci := 0; ci < c; ci++ {
				src := x.channelRow(bi, ci)
				sin := out.channelRow(bi, (2*band)*c+ci)
				cos := out.channelRow(bi, (2*band+1)*c+ci)
				for i, v := range src {
					sin[i], cos[i] = math.Sincos(freq * v)
				}
			}
		}
	}
	return out
}
