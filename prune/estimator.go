package prune

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// normFloor bounds the eigenvector norm from below before normalization.
const normFloor = 1e-12

// Estimate is the output of the weighted eight-point solve for a batch.
type Estimate struct {
	// EHat holds one unit-norm 9-vector per pair (B x 9), the row-major
	// 3x3 essential or fundamental matrix.
	EHat *mat.Dense
	// Degenerate marks pairs whose fit had no positive weight or whose
	// eigendecomposition failed. Their EHat row is a unit vector with no
	// geometric meaning.
	Degenerate []bool
}

// Weight maps a logit to a non-negative correspondence weight in [0, 1).
func Weight(logit float64) float64 {
	return math.Max(math.Tanh(logit), 0)
}

// Weights applies Weight to every element of a B x N logit matrix.
func Weights(logits mat.Matrix) *mat.Dense {
	var w mat.Dense
	w.Apply(func(_, _ int, v float64) float64 { return Weight(v) }, logits)
	return &w
}

// WeightedEightPoint fits one bilinear relation per pair by weighted
// homogeneous least squares.
type WeightedEightPoint struct {
	// Workers bounds how many pairs are solved concurrently. Zero means
	// GOMAXPROCS.
	Workers int
}

// DesignRow writes the eight-point constraint row of one correspondence
// (x1, y1) <-> (x2, y2) into row, which must have length 9.
func DesignRow(row []float64, x1, y1, x2, y2 float64) {
	row[0] = x2 * x1
	row[1] = x2 * y1
	row[2] = x2
	row[3] = y2 * x1
	row[4] = y2 * y1
	row[5] = y2
	row[6] = x1
	row[7] = y1
	row[8] = 1
}

// Estimate converts logits [B,N] into weights and solves every pair of the
// correspondence set xs [B,1,N,4] independently.
func (w WeightedEightPoint) Estimate(xs *Tensor, logits mat.Matrix) Estimate {
	mustCorrespondences("weighted eight-point", xs)
	b, n := xs.Shape[0], xs.Shape[2]
	if lb, ln := logits.Dims(); lb != b || ln != n {
		panic(fmt.Errorf("weighted eight-point: %w: logits %dx%d for %d pairs of %d points", ErrShape, lb, ln, b, n))
	}

	est := Estimate{
		EHat:       mat.NewDense(b, 9, nil),
		Degenerate: make([]bool, b),
	}

	workers := w.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for bi := 0; bi < b; bi++ {
		bi := bi
		g.Go(func() error {
			normal, weightSum := weightedNormal(xs, logits, bi)
			e, ok := smallestEigenvector(normal)
			est.EHat.SetRow(bi, e)
			est.Degenerate[bi] = !ok || weightSum == 0
			return nil
		})
	}
	_ = g.Wait()
	return est
}

// weightedNormal accumulates X^T diag(w) X for pair b.
func weightedNormal(xs *Tensor, logits mat.Matrix, b int) (*mat.SymDense, float64) {
	n := xs.Shape[2]
	normal := mat.NewSymDense(9, nil)
	row := make([]float64, 9)
	vec := mat.NewVecDense(9, row)
	weightSum := 0.0
	for i := 0; i < n; i++ {
		weight := Weight(logits.At(b, i))
		if weight == 0 {
			continue
		}
		p := xs.Data[(b*n+i)*4 : (b*n+i)*4+4]
		DesignRow(row, p[0], p[1], p[2], p[3])
		normal.SymRankOne(normal, weight, vec)
		weightSum += weight
	}
	return normal, weightSum
}

// smallestEigenvector returns the unit eigenvector of the smallest
// eigenvalue of a, reporting false when the decomposition fails or the
// vector cannot be normalized.
func smallestEigenvector(a *mat.SymDense) ([]float64, bool) {
	var eig mat.EigenSym
	if !eig.Factorize(a, true) {
		return fallbackEstimate(), false
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// Eigenvalues come back in ascending order.
	e := mat.Col(nil, 0, &vectors)
	norm := floats.Norm(e, 2)
	if norm < normFloor || math.IsNaN(norm) {
		return fallbackEstimate(), false
	}
	floats.Scale(1/norm, e)
	return e, true
}

func fallbackEstimate() []float64 {
	e := make([]float64, 9)
	e[8] = 1
	return e
}

// mustCorrespondences panics unless xs is a [B,1,N,4] correspondence set.
func mustCorrespondences(op string, xs *Tensor) {
	if xs == nil {
		panic(fmt.Errorf("%s: %w: nil correspondences", op, ErrShape))
	}
	if xs.Shape[1] != 1 || xs.Shape[3] != 4 || xs.Len() != len(xs.Data) {
		panic(fmt.Errorf("%s: %w: correspondences have shape %v, want [B,1,N,4]", op, ErrShape, xs.Shape))
	}
}
