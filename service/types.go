package service

import (
	"encoding/json"
	"fmt"

	"github.com/kwv/corrnet/prune"
	"github.com/paulmach/orb"
)

// Correspondence is one putative match between a point in the left image and
// a point in the right image, in normalized camera coordinates.
type Correspondence struct {
	Left  orb.Point `json:"left"`
	Right orb.Point `json:"right"`
}

// PairRequest holds the correspondences of one image pair
type PairRequest struct {
	Correspondences []Correspondence `json:"correspondences"`
	// Sides holds optional side-channel scalars, one row per correspondence
	// (ratio test, mutual check).
	Sides [][]float64 `json:"sides,omitempty"`
}

// EstimateRequest is the payload accepted over MQTT and HTTP
type EstimateRequest struct {
	RequestID string        `json:"requestId,omitempty"`
	Pairs     []PairRequest `json:"pairs"`
}

// DecodeRequest parses a JSON estimate request
func DecodeRequest(payload []byte) (*EstimateRequest, error) {
	var req EstimateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding estimate request: %w", err)
	}
	return &req, nil
}

// Input converts the request into a network input. All pairs must carry the
// same number of correspondences; sides are either present on every pair or
// on none.
func (r *EstimateRequest) Input() (prune.Input, error) {
	if len(r.Pairs) == 0 {
		return prune.Input{}, fmt.Errorf("%w: request has no pairs", prune.ErrShape)
	}
	n := len(r.Pairs[0].Correspondences)
	withSides := len(r.Pairs[0].Sides) > 0

	coords := make([][]float64, len(r.Pairs))
	var sides [][]float64
	if withSides {
		sides = make([][]float64, len(r.Pairs))
	}
	for b, pair := range r.Pairs {
		if len(pair.Correspondences) != n {
			return prune.Input{}, fmt.Errorf("%w: pair %d has %d correspondences, pair 0 has %d",
				prune.ErrShape, b, len(pair.Correspondences), n)
		}
		row := make([]float64, 0, 4*n)
		for _, c := range pair.Correspondences {
			row = append(row, c.Left.X(), c.Left.Y(), c.Right.X(), c.Right.Y())
		}
		coords[b] = row

		if (len(pair.Sides) > 0) != withSides {
			return prune.Input{}, fmt.Errorf("%w: pair %d side channels do not match pair 0", prune.ErrShape, b)
		}
		if !withSides {
			continue
		}
		if len(pair.Sides) != n {
			return prune.Input{}, fmt.Errorf("%w: pair %d has %d side rows, want %d", prune.ErrShape, b, len(pair.Sides), n)
		}
		width := len(pair.Sides[0])
		flat := make([]float64, 0, n*width)
		for i, s := range pair.Sides {
			if len(s) != width {
				return prune.Input{}, fmt.Errorf("%w: pair %d side row %d has %d values, want %d", prune.ErrShape, b, i, len(s), width)
			}
			flat = append(flat, s...)
		}
		sides[b] = flat
	}
	return prune.NewInput(coords, sides)
}

// StageEstimate is the fit produced by one stage for one pair
type StageEstimate struct {
	Stage      int        `json:"stage"`
	EHat       [9]float64 `json:"eHat"`
	Inliers    int        `json:"inliers"`
	Degenerate bool       `json:"degenerate,omitempty"`
}

// PairEstimate is the result for one pair. EHat, Weights and Inliers come
// from the final stage.
type PairEstimate struct {
	EHat        [9]float64      `json:"eHat"`
	Weights     []float64       `json:"weights"`
	Inliers     int             `json:"inliers"`
	Degenerate  bool            `json:"degenerate,omitempty"`
	LeftExtent  orb.Bound       `json:"leftExtent"`
	RightExtent orb.Bound       `json:"rightExtent"`
	Stages      []StageEstimate `json:"stages"`
}

// EstimateResult is published for every processed request
type EstimateResult struct {
	SourceID  string         `json:"sourceId"`
	RequestID string         `json:"requestId"`
	Pairs     []PairEstimate `json:"pairs"`
	Timestamp int64          `json:"timestamp"`
}

// Inliers returns the total inlier count across pairs
func (r *EstimateResult) Inliers() int {
	total := 0
	for _, p := range r.Pairs {
		total += p.Inliers
	}
	return total
}

// extents returns the bounding boxes of the left and right points of a pair
func (p PairRequest) extents() (orb.Bound, orb.Bound) {
	left := make(orb.MultiPoint, len(p.Correspondences))
	right := make(orb.MultiPoint, len(p.Correspondences))
	for i, c := range p.Correspondences {
		left[i] = c.Left
		right[i] = c.Right
	}
	return left.Bound(), right.Bound()
}
