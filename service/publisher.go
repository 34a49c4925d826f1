package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned when publishing without a live MQTT connection
var ErrNotConnected = errors.New("MQTT client not connected")

// EstimateSummary is the per-source entry of the combined estimates topic
type EstimateSummary struct {
	SourceID   string       `json:"sourceId"`
	RequestID  string       `json:"requestId"`
	EHat       [][9]float64 `json:"eHat"`
	Inliers    []int        `json:"inliers"`
	Degenerate bool         `json:"degenerate,omitempty"`
	Timestamp  int64        `json:"timestamp"`
}

// summarize reduces a result to its per-pair final estimates
func summarize(result *EstimateResult) *EstimateSummary {
	s := &EstimateSummary{
		SourceID:  result.SourceID,
		RequestID: result.RequestID,
		EHat:      make([][9]float64, len(result.Pairs)),
		Inliers:   make([]int, len(result.Pairs)),
		Timestamp: result.Timestamp,
	}
	for i, p := range result.Pairs {
		s.EHat[i] = p.EHat
		s.Inliers[i] = p.Inliers
		s.Degenerate = s.Degenerate || p.Degenerate
	}
	return s
}

// Publisher publishes estimate results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	summaries     map[string]*EstimateSummary
	logger        logrus.FieldLogger
	mu            sync.RWMutex
}

// NewPublisher creates a new estimate publisher. The topic prefix comes from
// MQTT_PUBLISH_PREFIX, then prefix, then "corrnet". If client is nil,
// publishing is disabled.
func NewPublisher(client mqtt.Client, prefix string, logger logrus.FieldLogger) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "corrnet"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true, // latest estimate per source stays on the broker
		summaries:     make(map[string]*EstimateSummary),
		logger:        logger.WithField("action", "publish"),
	}
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishEstimate publishes a result to {prefix}/{sourceID} and refreshes the
// combined {prefix}/estimates topic
func (p *Publisher) PublishEstimate(result *EstimateResult) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}

	p.mu.Lock()
	p.summaries[result.SourceID] = summarize(result)
	p.mu.Unlock()

	if err := p.publishIndividual(result); err != nil {
		return err
	}
	return p.publishCombined()
}

func (p *Publisher) publishIndividual(result *EstimateResult) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, result.SourceID)

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling estimate: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	p.logger.WithFields(logrus.Fields{
		"source":     result.SourceID,
		"request_id": result.RequestID,
		"pairs":      len(result.Pairs),
		"inliers":    result.Inliers(),
	}).Info("published estimate")
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	summaries := make([]*EstimateSummary, 0, len(p.summaries))
	for _, s := range p.summaries {
		summaries = append(summaries, s)
	}
	p.mu.RUnlock()

	if len(summaries) == 0 {
		return nil
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SourceID < summaries[j].SourceID })

	topic := fmt.Sprintf("%s/estimates", p.publishPrefix)
	message := map[string]interface{}{
		"sources":   summaries,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined estimates: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetSummary returns the last published summary for a source
func (p *Publisher) GetSummary(sourceID string) (*EstimateSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.summaries[sourceID]
	return s, ok
}

// ClearSource forgets a source's last summary
func (p *Publisher) ClearSource(sourceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.summaries, sourceID)
}

// SetQoS sets the publish QoS level (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
