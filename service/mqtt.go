package service

import (
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// RequestHandler is called when an estimate request arrives on a source topic.
// err is set when the payload could not be decoded.
type RequestHandler func(sourceID string, req *EstimateRequest, err error)

// MQTTClient manages the MQTT connection and source subscriptions
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	requestHandler RequestHandler
	logger         logrus.FieldLogger
	isConnected    bool
	mu             sync.RWMutex
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided configuration.
// If no broker is configured, MQTT is disabled and this returns nil.
func InitMQTT(config *Config, handler RequestHandler, logger logrus.FieldLogger) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		logger.Info("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sources) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no sources configured")
	}

	client := &MQTTClient{
		config:         config,
		requestHandler: handler,
		logger:         logger.WithField("action", "mqtt"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "corrnet"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry attempts to connect to the broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info("connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.logger.Info("connected to MQTT broker")
				c.setConnected(true)
				return
			}
			c.logger.WithError(token.Error()).Warn("MQTT connection failed")
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		c.logger.WithField("retry_in", retryDelay).Info("retrying MQTT connection")
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every configured source topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, subscribing to source topics")
	c.setConnected(true)

	for _, source := range c.config.Sources {
		log := c.logger.WithFields(logrus.Fields{"source": source.ID, "topic": source.Topic})
		if source.Topic == "" {
			log.Warn("source has no topic configured")
			continue
		}

		token := client.Subscribe(source.Topic, 0, c.createMessageHandler(source.ID))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.WithError(token.Error()).Error("subscribe failed")
		} else {
			log.Info("subscribed")
		}
	}
}

// onConnectionLost is called when the connection drops. Auto-reconnect is
// enabled, so this is usually transient.
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.WithError(err).Warn("MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("MQTT reconnecting")
}

// createMessageHandler creates a handler for a specific source's topic
func (c *MQTTClient) createMessageHandler(sourceID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		c.logger.WithFields(logrus.Fields{
			"source": sourceID,
			"topic":  msg.Topic(),
			"bytes":  len(payload),
		}).Debug("received estimate request")

		req, err := DecodeRequest(payload)
		if err != nil {
			c.logger.WithField("source", sourceID).WithError(err).Warn("discarding malformed request")
		}
		if c.requestHandler != nil {
			c.requestHandler(sourceID, req, err)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetSourceByTopic returns the source ID subscribed to a topic
func (c *MQTTClient) GetSourceByTopic(topic string) (string, bool) {
	for _, source := range c.config.Sources {
		if source.Topic == topic {
			return source.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client.
// Used for testing with MockClient.
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler RequestHandler, logger logrus.FieldLogger) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		requestHandler: handler,
		logger:         logger.WithField("action", "mqtt"),
	}
}
