package prune

// Temperature scales cluster embeddings before the assignment softmax.
type Temperature interface {
	Value() float64
}

// FixedTemperature is a constant scale.
type FixedTemperature float64

func (t FixedTemperature) Value() float64 { return float64(t) }

// LearnedTemperature reads its scale from a scalar parameter.
type LearnedTemperature struct {
	Param *Param
}

func (t LearnedTemperature) Value() float64 { return t.Param.Scalar() }

func newTemperature(s scope, learned bool) Temperature {
	if learned {
		return LearnedTemperature{Param: s.constant("temp", 1)}
	}
	return FixedTemperature(1)
}

// clusterEmbedding is normalize -> normalize -> rectify -> project to K
// channels, shared in structure (not weights) by pool and unpool.
func clusterEmbedding(s scope, in, clusters int) Sequential {
	return Sequential{
		InstanceNorm{Eps: contextNormEps},
		newBatchNorm(s.sub("bn"), in),
		relu{},
		newConv1x1(s.sub("conv"), in, clusters),
	}
}

// DiffPool softly assigns N points to K clusters. Each cluster feature is a
// convex combination of point features.
type DiffPool struct {
	Clusters int
	embed    Sequential
	temp     Temperature
}

func newDiffPool(s scope, in, clusters int, learnedTemp bool) *DiffPool {
	return &DiffPool{
		Clusters: clusters,
		embed:    clusterEmbedding(s, in, clusters),
		temp:     newTemperature(s, learnedTemp),
	}
}

// Assignment returns S as a [B,K,N,1] map; every (b, k) row sums to 1 over N.
func (p *DiffPool) Assignment(x *Tensor) *Tensor {
	s := p.embed.Forward(x)
	scale := p.temp.Value()
	for b := 0; b < s.Batch(); b++ {
		for k := 0; k < s.Channels(); k++ {
			row := s.channelRow(b, k)
			for i := range row {
				row[i] *= scale
			}
			softmaxInPlace(row)
		}
	}
	return s
}

// Forward maps [B,C,N,1] to [B,C,K,1] as x times S transposed.
func (p *DiffPool) Forward(x *Tensor) *Tensor {
	x.mustPointMap("pool")
	s := p.Assignment(x)
	out := NewPointMap(x.Batch(), x.Channels(), p.Clusters)
	for b := 0; b < x.Batch(); b++ {
		out.batchMatrix(b).Mul(x.batchMatrix(b), s.batchMatrix(b).T())
	}
	return out
}

// DiffUnpool broadcasts K cluster features back to N points. Its assignment
// comes from its own embedding of the fine features; it is not the inverse
// of the pool assignment.
type DiffUnpool struct {
	Clusters int
	embed    Sequential
	temp     Temperature
}

func newDiffUnpool(s scope, in, clusters int, learnedTemp bool) *DiffUnpool {
	return &DiffUnpool{
		Clusters: clusters,
		embed:    clusterEmbedding(s, in, clusters),
		temp:     newTemperature(s, learnedTemp),
	}
}

// Assignment returns S as a [B,K,N,1] map; every (b, n) column sums to 1
// over K.
func (u *DiffUnpool) Assignment(xUp *Tensor) *Tensor {
	s := u.embed.Forward(xUp)
	scale := u.temp.Value()
	k, n := s.Channels(), s.Points()
	col := make([]float64, k)
	for b := 0; b < s.Batch(); b++ {
		for i := 0; i < n; i++ {
			for c := 0; c < k; c++ {
				col[c] = s.At(b, c, i) * scale
			}
			softmaxInPlace(col)
			for c := 0; c < k; c++ {
				s.Set(b, c, i, col[c])
			}
		}
	}
	return s
}

// Forward maps fine features xUp [B,C,N,1] and coarse features xDown
// [B,C,K,1] to [B,C,N,1] as xDown times S.
func (u *DiffUnpool) Forward(xUp, xDown *Tensor) *Tensor {
	xUp.mustPointMap("unpool")
	xDown.mustPointMap("unpool")
	xDown.mustChannels("unpool", xUp.Channels())
	s := u.Assignment(xUp)
	out := NewPointMap(xUp.Batch(), xDown.Channels(), xUp.Points())
	for b := 0; b < xUp.Batch(); b++ {
		out.batchMatrix(b).Mul(xDown.batchMatrix(b), s.batchMatrix(b))
	}
	return out
}
