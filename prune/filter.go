package prune

// OAFilter is the spatial correlation block. After a channel projection the
// feature map is transposed so that a 1x1 projection runs across the cluster
// axis, giving a dense learned interaction between every pair of clusters.
type OAFilter struct {
	channel  Sequential // [B,C,K,1] -> [B,K,C',1]
	spatial  Sequential // [B,K,C',1] -> [B,K,C',1]
	restore  Sequential // [B,K,C',1] -> [B,C',K,1]
	shortcut *Conv1x1
}

func newOAFilter(s scope, in, clusters, out int) *OAFilter {
	if out <= 0 {
		out = in
	}
	f := &OAFilter{
		channel: Sequential{
			InstanceNorm{Eps: contextNormEps},
			newBatchNorm(s.sub("bn1"), in),
			relu{},
			newConv1x1(s.sub("conv1"), in, out),
			swapAxes{},
		},
		spatial: Sequential{
			newBatchNorm(s.sub("bn2"), clusters),
			relu{},
			newConv1x1(s.sub("conv2"), clusters, clusters),
		},
		restore: Sequential{swapAxes{}},
	}
	if out != in {
		f.shortcut = newConv1x1(s.sub("shortcut"), in, out)
	}
	return f
}

// newOAFilterBottleneck builds the variant whose cluster interaction runs
// through a narrower width K -> bottleneck -> K, followed by a channel unit.
func newOAFilterBottleneck(s scope, in, clusters, bottleneck, out int) *OAFilter {
	if out <= 0 {
		out = in
	}
	f := &OAFilter{
		channel: Sequential{
			InstanceNorm{Eps: contextNormEps},
			newBatchNorm(s.sub("bn1"), in),
			relu{},
			newConv1x1(s.sub("conv1"), in, out),
			swapAxes{},
		},
		spatial: Sequential{
			newBatchNorm(s.sub("bn2"), clusters),
			relu{},
			newConv1x1(s.sub("conv2"), clusters, bottleneck),
			newBatchNorm(s.sub("bn3"), bottleneck),
			relu{},
			newConv1x1(s.sub("conv3"), bottleneck, clusters),
		},
		restore: Sequential{
			swapAxes{},
			InstanceNorm{Eps: contextNormEps},
			newBatchNorm(s.sub("bn4"), out),
			relu{},
			newConv1x1(s.sub("conv4"), out, out),
		},
	}
	if out != in {
		f.shortcut = newConv1x1(s.sub("shortcut"), in, out)
	}
	return f
}

func (f *OAFilter) Forward(x *Tensor) *Tensor {
	x.mustPointMap("spatial correlation")
	out := f.channel.Forward(x)
	out = out.Add(f.spatial.Forward(out))
	out = f.restore.Forward(out)
	if f.shortcut != nil {
		return out.Add(f.shortcut.Forward(x))
	}
	return out.Add(x)
}
