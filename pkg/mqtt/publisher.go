// Package mqtt publishes pipeline output to an MQTT broker. The Publisher is
// a pipeline listener: corrected locations, anomaly pass-throughs and periodic
// status snapshots go out as JSON on geofix/* topics. Publishing is
// best-effort and never blocks the pipeline: while the broker is unreachable
// messages are held in a bounded pending queue and flushed on reconnect, and
// a rate limiter keeps chatty sources from flooding the broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/geofix/pkg"
	"github.com/markus-lassfolk/geofix/pkg/logx"
)

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns the default publisher configuration. Publishing is
// disabled until the operator turns it on.
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "geofixd",
		TopicPrefix: "geofix",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

const (
	maxPendingMessages = 100
	limiterWindow      = 1 * time.Second
	limiterMaxMessages = 20
)

// Publisher wraps a paho client and exposes topic-shaped publish methods.
type Publisher struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config

	mu          sync.Mutex
	connected   bool
	pending     []*queuedMessage
	lastPublish time.Time

	limiter *rateLimiter
}

// Corrected locations and status reports flow in through the listener
// interface so the service layer stays broker-agnostic.
var _ pkg.LocationListener = (*Publisher)(nil)

// NewPublisher creates a publisher. A nil config uses defaults.
func NewPublisher(config *Config, logger *logx.Logger) *Publisher {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logx.NewLogger("info", "mqtt")
	}
	return &Publisher{
		logger:  logger,
		config:  config,
		pending: make([]*queuedMessage, 0, maxPendingMessages),
		limiter: &rateLimiter{
			maxMessages: limiterMaxMessages,
			windowSize:  limiterWindow,
		},
	}
}

// Connect establishes the broker connection. Disabled publishers connect to
// nothing and all publishes become no-ops.
func (p *Publisher) Connect() error {
	if !p.config.Enabled {
		p.logger.Debug("mqtt publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port))
	opts.SetClientID(p.config.ClientID)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	p.client = MQTT.NewClient(opts)

	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	p.logger.Info("mqtt publisher connected",
		"broker", p.config.Broker,
		"port", p.config.Port,
		"topic_prefix", p.config.TopicPrefix,
	)
	return nil
}

// Disconnect closes the broker connection, allowing in-flight messages a
// short grace period.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	client, connected := p.client, p.connected
	p.connected = false
	p.mu.Unlock()

	if client != nil && connected {
		client.Disconnect(250)
		p.logger.Info("mqtt publisher disconnected")
	}
}

// IsConnected reports whether the broker connection is up.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && p.client != nil && p.client.IsConnected()
}

// LastPublish returns the time of the most recent successful publish.
func (p *Publisher) LastPublish() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPublish
}

func (p *Publisher) onConnect(client MQTT.Client) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Info("mqtt connection established")
	p.flushPending()
}

func (p *Publisher) onConnectionLost(client MQTT.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.logger.Error("mqtt connection lost", "error", err.Error())
}

// OnLocationChanged implements pkg.LocationListener. Every committed
// correction is published on <prefix>/location/corrected; anomalous
// pass-throughs additionally go to <prefix>/location/anomaly so alerting can
// subscribe narrowly.
func (p *Publisher) OnLocationChanged(loc *pkg.CorrectedLocation) {
	if loc == nil {
		return
	}
	p.publish(p.topic("location/corrected"), loc)
	if loc.Anomalous {
		p.publish(p.topic("location/anomaly"), loc)
	}
}

// OnStatusChanged implements pkg.LocationListener. Status demotions are not
// published individually; they surface in the periodic status snapshot.
func (p *Publisher) OnStatusChanged(status pkg.FixStatus) {}

// PublishStatus publishes a pipeline status snapshot on <prefix>/status.
func (p *Publisher) PublishStatus(status map[string]interface{}) {
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	}
	p.publish(p.topic("status"), payload)
}

func (p *Publisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", p.config.TopicPrefix, suffix)
}

// publish marshals and sends one message. Rate-limited or disconnected
// messages are queued; marshal failures are logged and dropped. Errors never
// propagate to the pipeline.
func (p *Publisher) publish(topic string, payload interface{}) {
	if !p.config.Enabled {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("mqtt payload marshal failed", "topic", topic, "error", err.Error())
		return
	}

	if !p.limiter.allow() {
		p.logger.Debug("mqtt rate limit exceeded, queuing message", "topic", topic)
		p.enqueue(topic, data)
		return
	}

	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		p.enqueue(topic, data)
		return
	}

	if err := p.publishDirect(topic, data); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err.Error())
		p.enqueue(topic, data)
	}
}

// enqueue holds a message for the next flush. The queue is bounded; when full
// the oldest message is dropped so recent state wins.
func (p *Publisher) enqueue(topic string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) >= maxPendingMessages {
		p.pending = p.pending[1:]
		p.logger.Warn("mqtt pending queue full, dropping oldest message")
	}
	p.pending = append(p.pending, &queuedMessage{
		topic:   topic,
		payload: data,
		queued:  time.Now(),
	})
}

// flushPending publishes everything queued while disconnected or rate
// limited. Failures stay logged; the remaining queue is cleared either way to
// avoid replaying stale locations forever.
func (p *Publisher) flushPending() {
	p.mu.Lock()
	queued := p.pending
	p.pending = make([]*queuedMessage, 0, maxPendingMessages)
	p.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	published := 0
	for _, msg := range queued {
		if err := p.publishDirect(msg.topic, msg.payload); err != nil {
			p.logger.Warn("mqtt flush publish failed", "topic", msg.topic, "error", err.Error())
			continue
		}
		published++
	}
	p.logger.Info("mqtt pending queue flushed", "queued", len(queued), "published", published)
}

func (p *Publisher) publishDirect(topic string, payload []byte) error {
	token := p.client.Publish(topic, byte(p.config.QoS), p.config.Retain, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	p.mu.Lock()
	p.lastPublish = time.Now()
	p.mu.Unlock()
	return nil
}

type queuedMessage struct {
	topic   string
	payload []byte
	queued  time.Time
}

// rateLimiter is a fixed-window message counter.
type rateLimiter struct {
	mu           sync.Mutex
	windowStart  time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.windowStart) >= rl.windowSize {
		rl.messageCount = 0
		rl.windowStart = now
	}
	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}
