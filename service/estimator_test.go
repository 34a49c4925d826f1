package service

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/kwv/corrnet/prune"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimator_Handle(t *testing.T) {
	st := NewStateTracker()
	e := NewEstimator(newTestNetwork(t), st, nil, nullLogger())

	req := randomRequest(1, 2, 30)
	req.RequestID = "fixed"
	result, err := e.Handle("cam-a", req)
	require.NoError(t, err)

	assert.Equal(t, "cam-a", result.SourceID)
	assert.Equal(t, "fixed", result.RequestID)
	require.Len(t, result.Pairs, 2)
	for _, p := range result.Pairs {
		norm := 0.0
		for _, v := range p.EHat {
			norm += v * v
		}
		assert.InDelta(t, 1, math.Sqrt(norm), 1e-5)
		assert.Len(t, p.Weights, 30)
		require.Len(t, p.Stages, 2)
		assert.Equal(t, p.EHat, p.Stages[1].EHat)
		assert.Equal(t, p.Inliers, p.Stages[1].Inliers)

		inliers := 0
		for _, w := range p.Weights {
			assert.GreaterOrEqual(t, w, 0.0)
			assert.Less(t, w, 1.0)
			if w > 0 {
				inliers++
			}
		}
		assert.Equal(t, inliers, p.Inliers)
		assert.LessOrEqual(t, p.LeftExtent.Max.X(), 1.0)
		assert.GreaterOrEqual(t, p.LeftExtent.Min.X(), -1.0)
	}

	latest, ok := st.Latest("cam-a")
	require.True(t, ok)
	assert.Same(t, result, latest)
}

func TestEstimator_AssignsRequestID(t *testing.T) {
	e := NewEstimator(newTestNetwork(t), NewStateTracker(), nil, nullLogger())
	result, err := e.Handle("cam-a", randomRequest(2, 1, 12))
	require.NoError(t, err)
	_, err = uuid.Parse(result.RequestID)
	assert.NoError(t, err)
}

func TestEstimator_RejectsBadRequest(t *testing.T) {
	st := NewStateTracker()
	e := NewEstimator(newTestNetwork(t), st, nil, nullLogger())

	req := randomRequest(3, 2, 10)
	req.Pairs[1].Correspondences = req.Pairs[1].Correspondences[:9]
	_, err := e.Handle("cam-a", req)
	assert.ErrorIs(t, err, prune.ErrShape)

	_, err = e.Handle("cam-a", nil)
	assert.Error(t, err)

	_, failed := st.Stats()
	assert.Equal(t, 1, failed)
	_, ok := st.Latest("cam-a")
	assert.False(t, ok)
}

func TestEstimator_PublishesOverMQTT(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	mock := NewMockClient()
	st := NewStateTracker()
	e := NewEstimator(newTestNetwork(t), st, nil, nullLogger())
	e.SetPublisher(NewPublisher(mock, "rig", nullLogger()))

	client := newMQTTClientWithMock(mock, testConfig(), e.HandleMessage, nullLogger())
	mock.SetOnConnect(client.onConnect)
	mock.Connect()

	payload, err := json.Marshal(randomRequest(4, 1, 16))
	require.NoError(t, err)
	mock.SimulateMessage("rig/cam-a/matches", payload)

	msgs := mock.MessagesOnTopic("rig/cam-a")
	require.Len(t, msgs, 1)
	var got EstimateResult
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, "cam-a", got.SourceID)
	assert.NotEmpty(t, got.RequestID)
	assert.Len(t, mock.MessagesOnTopic("rig/estimates"), 1)

	// Malformed payloads are counted and dropped.
	mock.SimulateMessage("rig/cam-a/matches", []byte("{"))
	processed, failed := st.Stats()
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, failed)
}

func TestEstimator_PublishFailureDoesNotFailRequest(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	e := NewEstimator(newTestNetwork(t), NewStateTracker(), NewPublisher(NewMockClient(), "", nullLogger()), nullLogger())
	_, err := e.Handle("cam-a", randomRequest(5, 1, 10))
	assert.NoError(t, err)
}
