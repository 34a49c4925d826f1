package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	sourceID string
	req      *EstimateRequest
	err      error
}

func capture() (RequestHandler, func() []capturedRequest) {
	var mu sync.Mutex
	var got []capturedRequest
	handler := func(sourceID string, req *EstimateRequest, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, capturedRequest{sourceID, req, err})
	}
	return handler, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest{}, got...)
	}
}

func TestMQTTClient_SubscribesToSources(t *testing.T) {
	cfg := testConfig()
	mock := NewMockClient()
	handler, requests := capture()
	client := newMQTTClientWithMock(mock, cfg, handler, nullLogger())
	mock.SetOnConnect(client.onConnect)

	token := mock.Connect()
	require.NoError(t, token.Error())
	assert.True(t, client.IsConnected())
	assert.True(t, mock.Subscribed("rig/cam-a/matches"))
	assert.True(t, mock.Subscribed("rig/cam-b/matches"))

	mock.SimulateMessage("rig/cam-b/matches", []byte(`{"requestId":"x","pairs":[]}`))
	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, "cam-b", got[0].sourceID)
	assert.NoError(t, got[0].err)
	assert.Equal(t, "x", got[0].req.RequestID)
}

func TestMQTTClient_MalformedPayload(t *testing.T) {
	mock := NewMockClient()
	handler, requests := capture()
	client := newMQTTClientWithMock(mock, testConfig(), handler, nullLogger())
	mock.SetOnConnect(client.onConnect)
	mock.Connect()

	mock.SimulateMessage("rig/cam-a/matches", []byte("not json"))
	got := requests()
	require.Len(t, got, 1)
	assert.Error(t, got[0].err)
	assert.Nil(t, got[0].req)
}

func TestMQTTClient_SubscribeErrorKeepsConnection(t *testing.T) {
	mock := NewMockClient()
	mock.SetSubscribeError(errors.New("denied"))
	client := newMQTTClientWithMock(mock, testConfig(), nil, nullLogger())
	mock.SetOnConnect(client.onConnect)
	mock.Connect()

	assert.True(t, client.IsConnected())
	assert.False(t, mock.Subscribed("rig/cam-a/matches"))
}

func TestMQTTClient_ConnectionLostAndDisconnect(t *testing.T) {
	mock := NewMockClient()
	client := newMQTTClientWithMock(mock, testConfig(), nil, nullLogger())
	mock.SetOnConnect(client.onConnect)
	mock.Connect()
	require.True(t, client.IsConnected())

	client.onConnectionLost(mock, errors.New("eof"))
	assert.False(t, client.IsConnected())

	client.setConnected(true)
	client.Disconnect()
	assert.False(t, client.IsConnected())
	assert.False(t, mock.IsConnected())
}

func TestMQTTClient_GetSourceByTopic(t *testing.T) {
	client := newMQTTClientWithMock(NewMockClient(), testConfig(), nil, nullLogger())
	id, ok := client.GetSourceByTopic("rig/cam-a/matches")
	assert.True(t, ok)
	assert.Equal(t, "cam-a", id)
	_, ok = client.GetSourceByTopic("elsewhere")
	assert.False(t, ok)
}

func TestInitMQTT_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	cfg := testConfig()
	cfg.MQTT.Broker = ""
	client, err := InitMQTT(cfg, nil, nullLogger())
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestInitMQTT_RequiresSources(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://localhost:1883")
	cfg := testConfig()
	cfg.Sources = nil
	_, err := InitMQTT(cfg, nil, nullLogger())
	assert.Error(t, err)
}
