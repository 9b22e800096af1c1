package publisher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jgoulah/sajscraper/internal/config"
)

const (
	// BaseTopic prefixes every state topic
	BaseTopic = "saj_portal_scraper"
	// AvailabilityTopic carries online/offline for every entity
	AvailabilityTopic = BaseTopic + "/bridge/state"
	// DiscoveryPrefix is the Home Assistant discovery root
	DiscoveryPrefix = "homeassistant"

	PayloadOnline  = "online"
	PayloadOffline = "offline"

	qos            = 1
	publishTimeout = 10 * time.Second
)

var (
	// ErrTimeout is wrapped by PublishError when the broker does not
	// acknowledge in time
	ErrTimeout = errors.New("timed out waiting for broker")
	// ErrNotConnected is wrapped by PublishError while the connection is down
	ErrNotConnected = errors.New("not connected to broker")
)

// PublishError reports a failed publish to one topic
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Publisher sends discovery and state messages to Home Assistant over MQTT.
// Publishes are serialized; paho handles reconnects in the background.
type Publisher struct {
	client  mqtt.Client
	version string
	timeout time.Duration
	mu      sync.Mutex
	log     *zap.Logger
}

// New creates a publisher for the configured broker. Call Connect before
// publishing.
func New(cfg config.MQTTConfig, version string, log *zap.Logger) *Publisher {
	log = log.Named("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID("sajscraper-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout())
	opts.SetWill(AvailabilityTopic, PayloadOffline, qos, true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		log.Info("MQTT connected", zap.String("broker", cfg.BrokerURL()))
		if !c.Publish(AvailabilityTopic, qos, true, PayloadOnline).WaitTimeout(publishTimeout) {
			log.Warn("timed out publishing availability")
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	}
	opts.OnReconnecting = func(mqtt.Client, *mqtt.ClientOptions) {
		log.Debug("MQTT reconnecting")
	}

	return NewWithClient(mqtt.NewClient(opts), version, log)
}

// NewWithClient wraps an existing client
func NewWithClient(client mqtt.Client, version string, log *zap.Logger) *Publisher {
	return &Publisher{
		client:  client,
		version: version,
		timeout: publishTimeout,
		log:     log,
	}
}

// Connect waits up to timeout for the first connection. On timeout the
// client keeps retrying in the background.
func (p *Publisher) Connect(timeout time.Duration) error {
	token := p.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connecting to MQTT broker: %w after %s", ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	return nil
}

// Connected reports whether the broker connection is up. A client that is
// retrying in the background is not connected.
func (p *Publisher) Connected() bool {
	return p.client.IsConnectionOpen()
}

// Close marks every entity unavailable and disconnects
func (p *Publisher) Close() {
	if p.Connected() {
		if err := p.publish(AvailabilityTopic, []byte(PayloadOffline)); err != nil {
			p.log.Warn("could not publish offline status", zap.Error(err))
		}
	}
	p.Disconnect()
}

// Disconnect drops the connection and leaves availability as it is
func (p *Publisher) Disconnect() {
	p.client.Disconnect(250)
}

// publish sends one retained QoS 1 message. While the connection is down it
// fails at once instead of waiting out the timeout on a queued message.
func (p *Publisher) publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.client.IsConnectionOpen() {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}

	token := p.client.Publish(topic, qos, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return &PublishError{Topic: topic, Err: ErrTimeout}
	}
	if err := token.Error(); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}
