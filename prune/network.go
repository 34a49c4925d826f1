package prune

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// NewInput packs correspondence coordinates, one []float64 of 4N values
// (x1, y1, x2, y2, ...) per pair, into an Input. sides may be nil; otherwise
// it holds N*S values per pair.
func NewInput(pairs [][]float64, sides [][]float64) (Input, error) {
	if len(pairs) == 0 || len(pairs[0]) == 0 || len(pairs[0])%4 != 0 {
		return Input{}, fmt.Errorf("%w: need at least one pair of 4-tuples", ErrShape)
	}
	n := len(pairs[0]) / 4
	xs := NewTensor(len(pairs), 1, n, 4)
	for b, p := range pairs {
		if len(p) != 4*n {
			return Input{}, fmt.Errorf("%w: pair %d has %d values, want %d", ErrShape, b, len(p), 4*n)
		}
		copy(xs.Data[b*4*n:], p)
	}
	in := Input{XS: xs}
	if sides == nil {
		return in, nil
	}
	if len(sides) != len(pairs) || len(sides[0])%n != 0 {
		return Input{}, fmt.Errorf("%w: side channels do not match %d pairs of %d points", ErrShape, len(pairs), n)
	}
	s := len(sides[0]) / n
	in.Sides = NewTensor(len(pairs), n, s, 1)
	for b, sd := range sides {
		if len(sd) != n*s {
			return Input{}, fmt.Errorf("%w: pair %d has %d side values, want %d", ErrShape, b, len(sd), n*s)
		}
		copy(in.Sides.Data[b*n*s:], sd)
	}
	return in, nil
}

// Input is one batch of correspondence sets.
type Input struct {
	// XS holds B pairs of N correspondences (x1, y1, x2, y2), shape [B,1,N,4].
	XS *Tensor
	// Sides holds per-correspondence side-channel scalars with shape
	// [B,N,S,1]. Required when the network uses side channels.
	Sides *Tensor
}

// Result holds the per-stage outputs of a forward pass, initial stage first.
type Result struct {
	Logits []*mat.Dense // B x N each
	EHat   []*mat.Dense // B x 9 each
	Stages []StageOutput
}

// Final returns the output of the last refinement stage.
func (r *Result) Final() StageOutput {
	return r.Stages[len(r.Stages)-1]
}

// Network runs an initial stage followed by cfg.Iterations refinement
// stages, each conditioned on the previous stage's residual and confidence.
type Network struct {
	cfg      Config
	params   *Params
	posEnc   *PositionalEncoding
	stages   []*Stage
	residual ResidualFunc
	log      logrus.FieldLogger
}

// Option customizes a Network.
type Option func(*Network)

// WithResidualFunc replaces the symmetric epipolar distance used to build
// each stage's residual channel.
func WithResidualFunc(fn ResidualFunc) Option {
	return func(n *Network) { n.residual = fn }
}

// WithLogger sets the logger used for construction and diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(n *Network) { n.log = log }
}

// NewNetwork builds a network with freshly initialized parameters.
func NewNetwork(cfg Config, opts ...Option) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Network{
		cfg:      cfg,
		params:   NewParams(cfg.Seed),
		residual: SymmetricEpipolarDistance,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if cfg.PosEnc > 0 {
		n.posEnc = &PositionalEncoding{Bands: cfg.PosEnc}
	}

	root := n.params.root("stages")
	in := cfg.InputChannels()
	for i := 0; i <= cfg.Iterations; i++ {
		if i == 1 {
			// Refinement stages also see the residual and the confidence.
			in += 2
		}
		n.stages = append(n.stages, n.newStage(root.index(i), in))
	}

	n.log.WithFields(logrus.Fields{
		"action":     "network_build",
		"hourglass":  cfg.Hourglass(),
		"stages":     len(n.stages),
		"parameters": n.params.Count(),
	}).Info("network built")
	return n, nil
}

func (n *Network) newStage(s scope, in int) *Stage {
	var body stageBody
	if n.cfg.Hourglass() {
		body = newHourglass(s, n.cfg, in, n.log)
	} else {
		body = newBlock(s, n.cfg, in, n.log)
	}
	return &Stage{
		body:     body,
		output:   newConv1x1(s.sub("output"), n.cfg.Channels, 1),
		residual: n.residual,
	}
}

// Config returns the architecture the network was built with.
func (n *Network) Config() Config { return n.cfg }

// Params returns the learned parameter store, e.g. to load a checkpoint.
func (n *Network) Params() *Params { return n.params }

// Forward runs every stage on the batch.
func (n *Network) Forward(in Input) (*Result, error) {
	if err := n.validate(in); err != nil {
		return nil, err
	}

	input := n.initialInput(in)
	res := &Result{}
	var out StageOutput
	for i, st := range n.stages {
		data := input
		if i > 0 {
			// Concat copies values, so the next stage sees the previous
			// residual and confidence as constants.
			data = Concat(input, out.Residual, Unsqueeze(Weights(out.Logits)))
		}
		out = st.Forward(data, in.XS)
		res.add(out)
		n.logDegenerate(i, out.Degenerate)
	}
	return res, nil
}

func (r *Result) add(out StageOutput) {
	r.Logits = append(r.Logits, out.Logits)
	r.EHat = append(r.EHat, out.EHat)
	r.Stages = append(r.Stages, out)
}

func (n *Network) logDegenerate(stage int, degenerate []bool) {
	for b, d := range degenerate {
		if d {
			n.log.WithFields(logrus.Fields{"action": "weighted_eight_point", "stage": stage, "pair": b}).
				Warn("degenerate fit: no correspondence has positive weight")
		}
	}
}

// initialInput concatenates the transposed correspondences, their positional
// encoding, and the side channels.
func (n *Network) initialInput(in Input) *Tensor {
	b, num := in.XS.Shape[0], in.XS.Shape[2]
	xsT := NewPointMap(b, 4, num)
	for bi := 0; bi < b; bi++ {
		for i := 0; i < num; i++ {
			for c := 0; c < 4; c++ {
				xsT.Set(bi, c, i, in.XS.Data[(bi*num+i)*4+c])
			}
		}
	}
	parts := []*Tensor{xsT}
	if n.posEnc != nil {
		parts = append(parts, n.posEnc.Forward(xsT))
	}
	if sc := n.cfg.SideChannels(); sc > 0 {
		sides := NewPointMap(b, sc, num)
		for bi := 0; bi < b; bi++ {
			for i := 0; i < num; i++ {
				for c := 0; c < sc; c++ {
					sides.Set(bi, c, i, in.Sides.Data[(bi*num+i)*sc+c])
				}
			}
		}
		parts = append(parts, sides)
	}
	return Concat(parts...)
}

func (n *Network) validate(in Input) error {
	xs := in.XS
	if xs == nil {
		return fmt.Errorf("%w: missing correspondences", ErrShape)
	}
	if xs.Shape[0] < 1 || xs.Shape[1] != 1 || xs.Shape[2] < 1 || xs.Shape[3] != 4 {
		return fmt.Errorf("%w: correspondences have shape %v, want [B,1,N,4]", ErrShape, xs.Shape)
	}
	if xs.Len() != len(xs.Data) {
		return fmt.Errorf("%w: correspondence shape %v holds %d values, data has %d", ErrShape, xs.Shape, xs.Len(), len(xs.Data))
	}
	sc := n.cfg.SideChannels()
	if sc == 0 {
		return nil
	}
	if in.Sides == nil {
		return fmt.Errorf("%w: network expects %d side channels, none given", ErrShape, sc)
	}
	want := [4]int{xs.Shape[0], xs.Shape[2], sc, 1}
	if in.Sides.Shape != want || in.Sides.Len() != len(in.Sides.Data) {
		return fmt.Errorf("%w: side channels have shape %v, want %v", ErrShape, in.Sides.Shape, want)
	}
	return nil
}
