// Package emitter publishes capture results to an MQTT broker.
package emitter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/logging"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// MQTTEmitter publishes one Result per completed frame on
// <topic>/<variant>.
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	log    *zap.Logger

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	connected bool

	errors atomic.Uint64
}

// NewMQTTEmitter builds an emitter with a paho client for cfg.Broker. The
// broker is not contacted until Connect.
func NewMQTTEmitter(cfg config.MQTTConfig, logger *zap.Logger) *MQTTEmitter {
	e := newEmitter(cfg, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.log.Info("mqtt connection established",
			zap.String("broker", cfg.Broker),
			zap.String("client_id", cfg.ClientID),
		)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn("mqtt connection lost, will auto-reconnect",
			zap.String("broker", cfg.Broker),
			zap.Error(err),
		)
	}

	e.client = mqtt.NewClient(opts)
	return e
}

// NewWithClient wraps an existing client, e.g. one shared with other
// publishers.
func NewWithClient(cfg config.MQTTConfig, client mqtt.Client, logger *zap.Logger) *MQTTEmitter {
	e := newEmitter(cfg, logger)
	e.client = client
	e.connected = client.IsConnected()
	return e
}

func newEmitter(cfg config.MQTTConfig, logger *zap.Logger) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		log:       logging.OrNop(logger).Named("emitter"),
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	e.log.Info("connecting to mqtt broker", zap.String("broker", e.cfg.Broker))

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Publish sends the result of one frame.
func (e *MQTTEmitter) Publish(f *frame.Frame) error {
	return e.PublishResult(FromFrame(f))
}

// PublishResult sends a prepared result.
func (e *MQTTEmitter) PublishResult(r Result) error {
	if !e.isConnected() {
		e.errors.Add(1)
		return fmt.Errorf("emitter: mqtt not connected")
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.Topic, r.Variant)
	payload, err := r.Encode(e.cfg.Encoding)
	if err != nil {
		e.errors.Add(1)
		return fmt.Errorf("emitter: marshal frame %d: %w", r.Frame, err)
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.errors.Add(1)
		return fmt.Errorf("emitter: publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		e.errors.Add(1)
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.log.Debug("result published",
		zap.String("topic", topic),
		zap.Uint64("frame", r.Frame),
		zap.Bool("failed", r.Failed),
		zap.Int("size", len(payload)),
	)
	return nil
}

// Close disconnects from the broker.
func (e *MQTTEmitter) Close() {
	if e.client.IsConnected() {
		e.client.Disconnect(250)
	}
	e.setConnected(false)
	e.log.Info("mqtt emitter closed")
}

// Stats is a snapshot of publish counters.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns a snapshot.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pub := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		pub[k] = v
	}
	return Stats{Connected: e.connected, Published: pub, Errors: e.errors.Load()}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}
