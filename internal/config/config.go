// Package config loads the runtime configuration from the environment.
//
// Variables are named CAPTUREPIPE_<SECTION>_<NAME>, e.g.
// CAPTUREPIPE_PIPELINE_QUEUE_DEPTH or CAPTUREPIPE_MQTT_BROKER.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/logging"
)

// Prefix is the environment variable prefix.
const Prefix = "CAPTUREPIPE"

// Config holds all runtime configuration.
type Config struct {
	Pipeline PipelineConfig `envconfig:"PIPELINE"`
	Geometry GeometryConfig `envconfig:"GEOMETRY"`
	Logging  LogConfig      `envconfig:"LOG"`
	Metrics  MetricsConfig  `envconfig:"METRICS"`
	MQTT     MQTTConfig     `envconfig:"MQTT"`
}

// PipelineConfig tunes stage queues and threads.
type PipelineConfig struct {
	Variant        string        `envconfig:"VARIANT" default:"preview"`
	QueueDepth     int           `envconfig:"QUEUE_DEPTH" default:"4"`
	BufferCount    int           `envconfig:"BUFFER_COUNT" default:"6"`
	CompletedDepth int           `envconfig:"COMPLETED_DEPTH" default:"16"`
	WaitTimeout    time.Duration `envconfig:"WAIT_TIMEOUT" default:"100ms"`
	StageTimeout   time.Duration `envconfig:"STAGE_TIMEOUT" default:"2s"`
}

// GeometryConfig points at the size tables.
type GeometryConfig struct {
	// ParamsFile is a YAML parameters document; empty uses the built-in table.
	ParamsFile string `envconfig:"PARAMS_FILE"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// MetricsConfig holds the status server address; it serves /metrics among
// other routes. Empty disables the server.
type MetricsConfig struct {
	Addr string `envconfig:"ADDR"`
}

// MQTTConfig holds the result emitter settings. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `envconfig:"BROKER"`
	Topic    string `envconfig:"TOPIC" default:"capturepipe/results"`
	ClientID string `envconfig:"CLIENT_ID" default:"capturepipe"`
	QoS      byte   `envconfig:"QOS" default:"0"`
	Encoding string `envconfig:"ENCODING" default:"json"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns Default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Variant:        "preview",
			QueueDepth:     4,
			BufferCount:    6,
			CompletedDepth: 16,
			WaitTimeout:    100 * time.Millisecond,
			StageTimeout:   2 * time.Second,
		},
		Logging: LogConfig{Level: "info"},
		MQTT: MQTTConfig{
			Topic:    "capturepipe/results",
			ClientID: "capturepipe",
			Encoding: "json",
		},
	}
}

// Validate checks value ranges envconfig cannot express.
func (c *Config) Validate() error {
	if c.Pipeline.QueueDepth < 1 {
		return fmt.Errorf("QUEUE_DEPTH must be >= 1, got %d", c.Pipeline.QueueDepth)
	}
	if c.Pipeline.BufferCount < 1 {
		return fmt.Errorf("BUFFER_COUNT must be >= 1, got %d", c.Pipeline.BufferCount)
	}
	if c.Pipeline.CompletedDepth < 1 {
		return fmt.Errorf("COMPLETED_DEPTH must be >= 1, got %d", c.Pipeline.CompletedDepth)
	}
	if c.Pipeline.WaitTimeout <= 0 {
		return fmt.Errorf("WAIT_TIMEOUT must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT QOS must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.Encoding != "json" && c.MQTT.Encoding != "msgpack" {
		return fmt.Errorf("MQTT ENCODING must be json or msgpack, got %q", c.MQTT.Encoding)
	}
	return nil
}

// LoggerConfig converts the logging section for the logging package.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Development: c.Logging.Development}
}
