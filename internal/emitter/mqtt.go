// Package emitter publishes clip outcomes to an MQTT broker.
package emitter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/types"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// publisher is the subset of mqtt.Client the emitter needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTEmitter publishes outcomes to <prefix>/<stream_id>/outcomes.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client publisher
	log    zerolog.Logger

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Connect dials the broker and returns once the first connection succeeds.
// The client keeps reconnecting on its own afterwards.
func Connect(cfg config.MQTTConfig, log zerolog.Logger) (*MQTTEmitter, error) {
	e := &MQTTEmitter{
		cfg:       cfg,
		log:       log,
		published: make(map[string]uint64),
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("vigil-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Info().Str("broker", cfg.Broker).Str("client_id", clientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	log.Info().Str("broker", cfg.Broker).Msg("connecting to mqtt broker")

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.client = client
	e.setConnected(true)
	return e, nil
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// OutcomeTopic is where outcomes of one stream are published.
func OutcomeTopic(prefix, streamID string) string {
	return fmt.Sprintf("%s/%s/outcomes", strings.TrimSuffix(prefix, "/"), streamID)
}

// SummaryTopic carries the retained end-of-run summary of one stream.
func SummaryTopic(prefix, streamID string) string {
	return fmt.Sprintf("%s/%s/summary", strings.TrimSuffix(prefix, "/"), streamID)
}

// Write publishes one outcome as JSON, so the emitter can back an async observer.
func (e *MQTTEmitter) Write(o types.Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	return e.publish(OutcomeTopic(e.cfg.TopicPrefix, o.StreamID), false, payload)
}

// PublishSummary publishes v as a retained message on the stream's summary topic.
func (e *MQTTEmitter) PublishSummary(streamID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return e.publish(SummaryTopic(e.cfg.TopicPrefix, streamID), true, payload)
}

func (e *MQTTEmitter) publish(topic string, retained bool, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.log.Debug().Str("topic", topic).Uint8("qos", e.cfg.QoS).Int("size", len(payload)).Msg("published")
	return nil
}

// Disconnect closes the MQTT connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil {
		e.client.Disconnect(250)
		e.log.Info().Msg("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
