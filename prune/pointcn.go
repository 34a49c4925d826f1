package prune

// PointCN is a pre-activation residual unit applied to every correspondence
// independently. Its projections mix channels only, so permuting the points
// of the input permutes the output the same way.
type PointCN struct {
	conv     Sequential
	shortcut *Conv1x1 // nil when the channel count is unchanged
}

func newPointCN(s scope, in, out int, opts normOptions) *PointCN {
	if out <= 0 {
		out = in
	}
	p := &PointCN{
		conv: Sequential{
			opts.contextNorm(s.sub("norm1"), in),
			opts.affineNorm(s.sub("bn1"), in),
			relu{},
			newConv1x1(s.sub("conv1"), in, out),
			opts.contextNorm(s.sub("norm2"), out),
			opts.affineNorm(s.sub("bn2"), out),
			relu{},
			newConv1x1(s.sub("conv2"), out, out),
		},
	}
	if out != in {
		p.shortcut = newConv1x1(s.sub("shortcut"), in, out)
	}
	return p
}

func (p *PointCN) Forward(x *Tensor) *Tensor {
	x.mustPointMap("point block")
	out := p.conv.Forward(x)
	if p.shortcut != nil {
		return out.Add(p.shortcut.Forward(x))
	}
	return out.Add(x)
}
