package prune

import (
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// stageBody turns a stage input [B,Cin,N,1] into features [B,C,N,1].
type stageBody interface {
	Forward(data *Tensor) *Tensor
}

// Block is the single-round stage: point blocks, one pool, correlation
// blocks, one unpool, then point blocks over the concatenated fine and
// unpooled features.
type Block struct {
	conv1 *Conv1x1
	fine  Sequential
	down  *DiffPool
	mid   Sequential
	up    *DiffUnpool
	post  Sequential
}

func newBlock(s scope, cfg Config, in int, log logrus.FieldLogger) *Block {
	channels, half := cfg.Channels, cfg.Depth/2
	log.WithFields(logrus.Fields{"channels": channels, "depth": cfg.Depth}).Debug("building block stage")

	plain := normOptions{}
	b := &Block{
		conv1: newConv1x1(s.sub("conv1"), in, channels),
		down:  newDiffPool(s.sub("down1"), channels, cfg.Clusters, cfg.LearnedTemperature),
		up:    newDiffUnpool(s.sub("up1"), channels, cfg.Clusters, cfg.LearnedTemperature),
	}
	for i := 0; i < half; i++ {
		b.fine = append(b.fine, newPointCN(s.sub("l1_1").index(i), channels, channels, plain))
	}
	for i := 0; i < half; i++ {
		b.mid = append(b.mid, newCorrelationBlock(s.sub("l2").index(i), channels, cfg.Clusters, cfg.Bottleneck))
	}
	b.post = append(b.post, newPointCN(s.sub("l1_2").index(0), 2*channels, channels, plain))
	for i := 1; i < half; i++ {
		b.post = append(b.post, newPointCN(s.sub("l1_2").index(i), channels, channels, plain))
	}
	return b
}

func (b *Block) Forward(data *Tensor) *Tensor {
	x := b.fine.Forward(b.conv1.Forward(data))
	coarse := b.mid.Forward(b.down.Forward(x))
	return b.post.Forward(Concat(x, b.up.Forward(x, coarse)))
}

// hourglassRound is one pool/process/unpool round of an Hourglass.
type hourglassRound struct {
	flat  Sequential
	down  *DiffPool
	flat2 Sequential
	up    *DiffUnpool
}

// Hourglass repeats the pool/process/unpool round, handing each round's fine
// features joined with its unpooled features to the next round.
type Hourglass struct {
	conv1  *Conv1x1
	rounds []hourglassRound
	end    Sequential
	concat bool
}

func newHourglass(s scope, cfg Config, in int, log logrus.FieldLogger) *Hourglass {
	channels := cfg.Channels
	joined := channels
	if cfg.Concat {
		joined = 2 * channels
	}
	pre := normOptions{Attention: cfg.UseAtt1, Local: cfg.LocalAttention, Heads: cfg.Heads, GroupNorm: cfg.UseGroupNorm}
	post := normOptions{Attention: cfg.UseAtt2, Local: cfg.LocalAttention, Heads: cfg.Heads, GroupNorm: cfg.UseGroupNorm}

	h := &Hourglass{
		conv1:  newConv1x1(s.sub("conv1"), in, channels),
		concat: cfg.Concat,
	}
	for idx, depth := range cfg.Depths[:len(cfg.Depths)-1] {
		log.WithFields(logrus.Fields{"round": idx, "depth": depth}).Debug("building hourglass round")
		rs := s.sub("rounds").index(idx)
		var round hourglassRound
		first := channels
		if idx > 0 {
			first = joined
		}
		round.flat = append(round.flat, newPointCN(rs.sub("flat").index(0), first, channels, pre))
		for i := 1; i < depth; i++ {
			round.flat = append(round.flat, newPointCN(rs.sub("flat").index(i), channels, channels, pre))
		}
		round.down = newDiffPool(rs.sub("down"), channels, cfg.Clusters, cfg.LearnedTemperature)
		for i := 0; i < max(1, depth/2); i++ {
			round.flat2 = append(round.flat2, newCorrelationBlock(rs.sub("flat2").index(i), channels, cfg.Clusters, cfg.Bottleneck))
		}
		round.up = newDiffUnpool(rs.sub("up"), channels, cfg.Clusters, cfg.LearnedTemperature)
		h.rounds = append(h.rounds, round)
	}

	last := cfg.Depths[len(cfg.Depths)-1]
	log.WithField("depth", last).Debug("building hourglass end blocks")
	h.end = append(h.end, newPointCN(s.sub("end").index(0), joined, channels, post))
	for i := 1; i < last; i++ {
		h.end = append(h.end, newPointCN(s.sub("end").index(i), channels, channels, post))
	}
	return h
}

func (h *Hourglass) Forward(data *Tensor) *Tensor {
	x := h.conv1.Forward(data)
	for _, r := range h.rounds {
		fine := r.flat.Forward(x)
		coarse := r.flat2.Forward(r.down.Forward(fine))
		up := r.up.Forward(fine, coarse)
		if h.concat {
			x = Concat(fine, up)
		} else {
			x = fine.Add(up)
		}
	}
	return h.end.Forward(x)
}

// newCorrelationBlock picks the plain or bottleneck spatial correlation block.
func newCorrelationBlock(s scope, channels, clusters, bottleneck int) Layer {
	if bottleneck > 0 {
		return newOAFilterBottleneck(s, channels, clusters, bottleneck, channels)
	}
	return newOAFilter(s, channels, clusters, channels)
}

// StageOutput is everything one stage produces for a batch.
type StageOutput struct {
	Input      *Tensor    // Stage input [B,Cin,N,1]
	Logits     *mat.Dense // B x N
	EHat       *mat.Dense // B x 9, unit rows
	Residual   *Tensor    // [B,1,N,1]
	Degenerate []bool     // Per pair, see Estimate
}

// Stage is one pass of the pruning network: a body producing per-point
// features, a projection to logits, the weighted eight-point fit, and the
// geometric residual of that fit.
type Stage struct {
	body      stageBody
	output    *Conv1x1
	estimator WeightedEightPoint
	residual  ResidualFunc
}

func (st *Stage) Forward(data, xs *Tensor) StageOutput {
	logits := Squeeze(st.output.Forward(st.body.Forward(data)))
	est := st.estimator.Estimate(xs, logits)
	x1, x2 := SplitCorrespondences(xs)
	return StageOutput{
		Input:      data,
		Logits:     logits,
		EHat:       est.EHat,
		Residual:   Unsqueeze(st.residual(x1, x2, est.EHat)),
		Degenerate: est.Degenerate,
	}
}
