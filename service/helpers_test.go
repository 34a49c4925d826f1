package service

import (
	"math/rand"
	"testing"

	"github.com/kwv/corrnet/prune"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func nullLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func testNetworkConfig() prune.Config {
	cfg := prune.DefaultConfig()
	cfg.Channels = 8
	cfg.Depth = 4
	cfg.Clusters = 4
	cfg.Seed = 3
	return cfg
}

func newTestNetwork(t *testing.T) *prune.Network {
	t.Helper()
	net, err := prune.NewNetwork(testNetworkConfig(), prune.WithLogger(nullLogger()))
	require.NoError(t, err)
	return net
}

// randomRequest builds a request of pairs x n random correspondences
func randomRequest(seed int64, pairs, n int) *EstimateRequest {
	rng := rand.New(rand.NewSource(seed))
	req := &EstimateRequest{Pairs: make([]PairRequest, pairs)}
	for b := range req.Pairs {
		cs := make([]Correspondence, n)
		for i := range cs {
			cs[i] = Correspondence{
				Left:  orb.Point{rng.Float64()*2 - 1, rng.Float64()*2 - 1},
				Right: orb.Point{rng.Float64()*2 - 1, rng.Float64()*2 - 1},
			}
		}
		req.Pairs[b].Correspondences = cs
	}
	return req
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Network = testNetworkConfig()
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.Sources = []SourceConfig{
		{ID: "cam-a", Topic: "rig/cam-a/matches"},
		{ID: "cam-b", Topic: "rig/cam-b/matches"},
	}
	return cfg
}
