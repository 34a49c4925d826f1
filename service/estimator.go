package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kwv/corrnet/prune"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Estimator runs the pruning network for incoming requests, records the
// results and publishes them
type Estimator struct {
	network   *prune.Network
	state     *StateTracker
	publisher *Publisher
	logger    logrus.FieldLogger
}

// NewEstimator wires a network to a state tracker. publisher may be nil when
// MQTT is disabled.
func NewEstimator(network *prune.Network, state *StateTracker, publisher *Publisher, logger logrus.FieldLogger) *Estimator {
	return &Estimator{
		network:   network,
		state:     state,
		publisher: publisher,
		logger:    logger.WithField("action", "estimate"),
	}
}

// SetPublisher attaches a publisher once MQTT is up
func (e *Estimator) SetPublisher(p *Publisher) {
	e.publisher = p
}

// Handle estimates every pair of req. A missing request ID is replaced by a
// fresh UUID. Publishing failures are logged and do not fail the request.
func (e *Estimator) Handle(sourceID string, req *EstimateRequest) (*EstimateResult, error) {
	if req == nil {
		return nil, errors.New("nil estimate request")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := e.logger.WithFields(logrus.Fields{"source": sourceID, "request_id": req.RequestID})

	in, err := req.Input()
	if err != nil {
		e.state.RecordFailure()
		return nil, fmt.Errorf("request %s: %w", req.RequestID, err)
	}

	start := time.Now()
	res, err := e.network.Forward(in)
	if err != nil {
		e.state.RecordFailure()
		return nil, fmt.Errorf("request %s: %w", req.RequestID, err)
	}

	result := &EstimateResult{
		SourceID:  sourceID,
		RequestID: req.RequestID,
		Pairs:     make([]PairEstimate, len(req.Pairs)),
		Timestamp: time.Now().Unix(),
	}
	for b, pair := range req.Pairs {
		result.Pairs[b] = pairEstimate(res, b)
		result.Pairs[b].LeftExtent, result.Pairs[b].RightExtent = pair.extents()
	}
	e.state.Record(result)

	log.WithFields(logrus.Fields{
		"pairs":    len(result.Pairs),
		"inliers":  result.Inliers(),
		"duration": time.Since(start),
	}).Info("estimated")

	if e.publisher != nil {
		if err := e.publisher.PublishEstimate(result); err != nil {
			log.WithError(err).Warn("publishing estimate failed")
		}
	}
	return result, nil
}

// HandleMessage adapts Handle to the MQTT request callback
func (e *Estimator) HandleMessage(sourceID string, req *EstimateRequest, err error) {
	if err != nil {
		e.state.RecordFailure()
		return
	}
	if _, err := e.Handle(sourceID, req); err != nil {
		e.logger.WithField("source", sourceID).WithError(err).Warn("request rejected")
	}
}

// pairEstimate extracts pair b from every stage of a forward result
func pairEstimate(res *prune.Result, b int) PairEstimate {
	var pe PairEstimate
	pe.Stages = make([]StageEstimate, len(res.Stages))
	for s, out := range res.Stages {
		se := StageEstimate{Stage: s, Degenerate: out.Degenerate[b]}
		copy(se.EHat[:], mat.Row(nil, b, out.EHat))
		weights := prune.Weights(out.Logits.RowView(b).T())
		_, n := weights.Dims()
		for i := 0; i < n; i++ {
			if weights.At(0, i) > 0 {
				se.Inliers++
			}
		}
		pe.Stages[s] = se
		if s == len(res.Stages)-1 {
			pe.EHat = se.EHat
			pe.Inliers = se.Inliers
			pe.Degenerate = se.Degenerate
			pe.Weights = mat.Row(nil, 0, weights)
		}
	}
	return pe
}
