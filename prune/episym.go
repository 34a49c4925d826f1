package prune

import (
	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
)

// episymFloor keeps the epipolar line norms away from zero.
const episymFloor = 1e-15

// ResidualFunc scores every correspondence under a candidate relation.
// x1 and x2 hold the first and second image points of B pairs of N
// correspondences, eHat is B x 9, and the result is B x N.
type ResidualFunc func(x1, x2 [][]orb.Point, eHat mat.Matrix) *mat.Dense

// SymmetricEpipolarDistance is the squared algebraic error x2^T E x1
// divided by the squared norms of both epipolar lines.
func SymmetricEpipolarDistance(x1, x2 [][]orb.Point, eHat mat.Matrix) *mat.Dense {
	b := len(x1)
	n := 0
	if b > 0 {
		n = len(x1[0])
	}
	out := mat.NewDense(b, max(n, 1), nil)
	for bi := 0; bi < b; bi++ {
		e := mat.Row(nil, bi, eHat)
		for i := 0; i < n; i++ {
			p, q := x1[bi][i], x2[bi][i]
			// E x1
			l2 := [3]float64{
				e[0]*p[0] + e[1]*p[1] + e[2],
				e[3]*p[0] + e[4]*p[1] + e[5],
				e[6]*p[0] + e[7]*p[1] + e[8],
			}
			// E^T x2
			l1 := [3]float64{
				e[0]*q[0] + e[3]*q[1] + e[6],
				e[1]*q[0] + e[4]*q[1] + e[7],
				e[2]*q[0] + e[5]*q[1] + e[8],
			}
			alg := q[0]*l2[0] + q[1]*l2[1] + l2[2]
			out.Set(bi, i, alg*alg*(1/(l2[0]*l2[0]+l2[1]*l2[1]+episymFloor)+
				1/(l1[0]*l1[0]+l1[1]*l1[1]+episymFloor)))
		}
	}
	return out
}

// SplitCorrespondences separates a [B,1,N,4] correspondence set into its
// first and second image points.
func SplitCorrespondences(xs *Tensor) (x1, x2 [][]orb.Point) {
	mustCorrespondences("split", xs)
	b, n := xs.Shape[0], xs.Shape[2]
	x1 = make([][]orb.Point, b)
	x2 = make([][]orb.Point, b)
	for bi := 0; bi < b; bi++ {
		x1[bi] = make([]orb.Point, n)
		x2[bi] = make([]orb.Point, n)
		for i := 0; i < n; i++ {
			p := xs.Data[(bi*n+i)*4 : (bi*n+i)*4+4]
			x1[bi][i] = orb.Point{p[0], p[1]}
			x2[bi][i] = orb.Point{p[2], p[3]}
		}
	}
	return x1, x2
}
