package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Backpressure policies understood by the dispatch queue.
const (
	DropNewest = "drop-newest"
	DropOldest = "drop-oldest"
)

// Frame encodings for the request body.
const (
	EncodingJPEG = "jpeg"
	EncodingRaw  = "raw"
)

// Config is the complete runtime configuration of a pipeline run.
type Config struct {
	Endpoint    string          `yaml:"endpoint"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Inference   InferenceConfig `yaml:"inference"`
	Health      HealthConfig    `yaml:"health"`
	GracePeriod time.Duration   `yaml:"grace_period"`
	MetricsAddr string          `yaml:"metrics_addr"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	Log         LogConfig       `yaml:"log"`
}

// PipelineConfig sizes the accumulator, queue and worker pool.
type PipelineConfig struct {
	ClipLength    int    `yaml:"clip_length"`
	Stride        int    `yaml:"stride"` // 0 means equal to clip_length
	QueueCapacity int    `yaml:"queue_capacity"`
	Workers       int    `yaml:"workers"`
	Backpressure  string `yaml:"backpressure"`

	// StreamTimeout ends ingest when the source goes this long without a frame. 0 disables it.
	StreamTimeout time.Duration `yaml:"stream_timeout"`
}

// InferenceConfig controls the HTTP client.
type InferenceConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	TopK         int           `yaml:"top_k"`
	Encoding     string        `yaml:"encoding"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
	ResizeWidth  int           `yaml:"resize_width"`
	ResizeHeight int           `yaml:"resize_height"`
}

// HealthConfig controls the endpoint readiness gate.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// MQTTConfig enables the outcome publisher when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	ClientID    string `yaml:"client_id"`
}

// LogConfig selects the zerolog level and writer.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Endpoint: "http://localhost:8000",
		Pipeline: PipelineConfig{
			ClipLength:    16,
			QueueCapacity: 8,
			Workers:       2,
			Backpressure:  DropNewest,
			StreamTimeout: 5 * time.Second,
		},
		Inference: InferenceConfig{
			Timeout:     10 * time.Second,
			Retries:     2,
			BackoffBase: 250 * time.Millisecond,
			BackoffMax:  2 * time.Second,
			TopK:        5,
			Encoding:    EncodingJPEG,
			JPEGQuality: 95,
		},
		Health: HealthConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
		GracePeriod: 5 * time.Second,
		MQTT: MQTTConfig{
			TopicPrefix: "vigil",
			QoS:         1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from VIGIL_* environment variables.
func (c *Config) ApplyEnv() {
	c.Endpoint = getEnv("VIGIL_ENDPOINT", c.Endpoint)
	c.Pipeline.ClipLength = getIntEnv("VIGIL_CLIP_LENGTH", c.Pipeline.ClipLength)
	c.Pipeline.Stride = getIntEnv("VIGIL_STRIDE", c.Pipeline.Stride)
	c.Pipeline.QueueCapacity = getIntEnv("VIGIL_QUEUE_CAPACITY", c.Pipeline.QueueCapacity)
	c.Pipeline.Workers = getIntEnv("VIGIL_WORKERS", c.Pipeline.Workers)
	c.Pipeline.Backpressure = getEnv("VIGIL_BACKPRESSURE", c.Pipeline.Backpressure)
	c.Pipeline.StreamTimeout = getDurationEnv("VIGIL_STREAM_TIMEOUT", c.Pipeline.StreamTimeout)
	c.Inference.Timeout = getDurationEnv("VIGIL_TIMEOUT", c.Inference.Timeout)
	c.Inference.Retries = getIntEnv("VIGIL_RETRIES", c.Inference.Retries)
	c.Inference.TopK = getIntEnv("VIGIL_TOP_K", c.Inference.TopK)
	c.Inference.Encoding = getEnv("VIGIL_ENCODING", c.Inference.Encoding)
	c.Health.Enabled = getBoolEnv("VIGIL_HEALTH_CHECK", c.Health.Enabled)
	c.Health.Interval = getDurationEnv("VIGIL_HEALTH_INTERVAL", c.Health.Interval)
	c.GracePeriod = getDurationEnv("VIGIL_GRACE_PERIOD", c.GracePeriod)
	c.MetricsAddr = getEnv("VIGIL_METRICS_ADDR", c.MetricsAddr)
	c.MQTT.Broker = getEnv("VIGIL_MQTT_BROKER", c.MQTT.Broker)
	c.Log.Level = getEnv("VIGIL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("VIGIL_LOG_FORMAT", c.Log.Format)
}

// EffectiveStride resolves the zero value to a disjoint window.
func (c *Config) EffectiveStride() int {
	if c.Pipeline.Stride <= 0 {
		return c.Pipeline.ClipLength
	}
	return c.Pipeline.Stride
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: endpoint %q is not an http(s) URL", ErrInvalid, c.Endpoint)
	}

	p := c.Pipeline
	if p.ClipLength < 1 {
		return fmt.Errorf("%w: clip_length must be >= 1, got %d", ErrInvalid, p.ClipLength)
	}
	if p.Stride < 0 || p.Stride > p.ClipLength {
		return fmt.Errorf("%w: stride must be between 1 and clip_length (%d), got %d", ErrInvalid, p.ClipLength, p.Stride)
	}
	if p.QueueCapacity < 1 {
		return fmt.Errorf("%w: queue_capacity must be >= 1, got %d", ErrInvalid, p.QueueCapacity)
	}
	if p.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalid, p.Workers)
	}
	if p.Backpressure != DropNewest && p.Backpressure != DropOldest {
		return fmt.Errorf("%w: backpressure must be %s or %s, got %q", ErrInvalid, DropNewest, DropOldest, p.Backpressure)
	}
	if p.StreamTimeout < 0 {
		return fmt.Errorf("%w: stream_timeout must not be negative", ErrInvalid)
	}

	in := c.Inference
	if in.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	if in.Retries < 0 {
		return fmt.Errorf("%w: retries must be >= 0, got %d", ErrInvalid, in.Retries)
	}
	if in.BackoffBase <= 0 || in.BackoffMax < in.BackoffBase {
		return fmt.Errorf("%w: backoff_base must be positive and not above backoff_max", ErrInvalid)
	}
	if in.TopK < 1 {
		return fmt.Errorf("%w: top_k must be >= 1, got %d", ErrInvalid, in.TopK)
	}
	if in.Encoding != EncodingJPEG && in.Encoding != EncodingRaw {
		return fmt.Errorf("%w: encoding must be %s or %s, got %q", ErrInvalid, EncodingJPEG, EncodingRaw, in.Encoding)
	}
	if in.JPEGQuality < 1 || in.JPEGQuality > 100 {
		return fmt.Errorf("%w: jpeg_quality must be between 1 and 100, got %d", ErrInvalid, in.JPEGQuality)
	}
	if (in.ResizeWidth == 0) != (in.ResizeHeight == 0) || in.ResizeWidth < 0 || in.ResizeHeight < 0 {
		return fmt.Errorf("%w: resize_width and resize_height must both be set", ErrInvalid)
	}

	if c.Health.Enabled && c.Health.Interval <= 0 {
		return fmt.Errorf("%w: health interval must be positive", ErrInvalid)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("%w: grace_period must not be negative", ErrInvalid)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos must be 0, 1 or 2", ErrInvalid)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
