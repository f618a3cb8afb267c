// Package config loads the relay daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Publisher backends selectable at process start.
const (
	BackendLogging  = "logging"
	BackendStream   = "stream"
	BackendInMemory = "in-memory"
)

// Config is the top-level YAML structure for the relay daemon.
type Config struct {
	Publisher PublisherConfig `yaml:"publisher"`
	Relay     RelayConfig     `yaml:"relay"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Ops       OpsConfig       `yaml:"ops"`
}

// PublisherConfig selects the transport backend for committed events.
type PublisherConfig struct {
	Backend string       `yaml:"backend"`
	Stream  StreamConfig `yaml:"stream"`
}

// StreamConfig holds NATS JetStream settings for the stream backend.
type StreamConfig struct {
	URL             string   `yaml:"url"`
	StreamName      string   `yaml:"stream_name"`
	SubjectPrefix   string   `yaml:"subject_prefix"`
	Replicas        int      `yaml:"replicas"`
	MaxAge          Duration `yaml:"max_age"`
	DuplicateWindow Duration `yaml:"duplicate_window"`
}

// RelayConfig tunes the event-log-to-publisher pump.
type RelayConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	BatchSize     int32    `yaml:"batch_size"`
	MaxAttempts   int      `yaml:"max_attempts"`
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	NotifyChannel string   `yaml:"notify_channel"`
}

// WebhookConfig tunes the delivery state machine and its scheduler.
type WebhookConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BreakerThreshold  int      `yaml:"breaker_threshold"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
	BatchSize         int32    `yaml:"batch_size"`
	MaxInFlightPerSub int      `yaml:"max_in_flight_per_subscription"`
	ClaimLease        Duration `yaml:"claim_lease"`
}

// OpsConfig configures the operator HTTP surface.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Publisher: PublisherConfig{
			Backend: BackendLogging,
			Stream: StreamConfig{
				URL:             "nats://localhost:4222",
				StreamName:      "EVENTFLOW",
				SubjectPrefix:   "eventflow",
				Replicas:        1,
				MaxAge:          Duration(7 * 24 * time.Hour),
				DuplicateWindow: Duration(2 * time.Hour),
			},
		},
		Relay: RelayConfig{
			PollInterval:  Duration(5 * time.Second),
			BatchSize:     100,
			MaxAttempts:   5,
			BaseDelay:     Duration(200 * time.Millisecond),
			MaxDelay:      Duration(5 * time.Second),
			NotifyChannel: "eventflow_outbox",
		},
		Webhook: WebhookConfig{
			MaxAttempts:       5,
			BaseDelay:         Duration(time.Second),
			MaxDelay:          Duration(5 * time.Minute),
			BreakerThreshold:  10,
			RequestTimeout:    Duration(10 * time.Second),
			PollInterval:      Duration(2 * time.Second),
			BatchSize:         50,
			MaxInFlightPerSub: 4,
			ClaimLease:        Duration(5 * time.Minute),
		},
		Ops: OpsConfig{
			Addr: ":8090",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file
// is not an error: the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerated options and positive intervals.
func (c Config) Validate() error {
	switch c.Publisher.Backend {
	case BackendLogging, BackendStream, BackendInMemory:
	default:
		return fmt.Errorf("unknown publisher backend %q", c.Publisher.Backend)
	}
	if c.Publisher.Backend == BackendStream && c.Publisher.Stream.URL == "" {
		return fmt.Errorf("stream backend requires a broker url")
	}
	if c.Relay.BatchSize <= 0 || c.Webhook.BatchSize <= 0 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.Relay.MaxAttempts <= 0 || c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.Webhook.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive")
	}
	if c.Webhook.MaxInFlightPerSub <= 0 {
		return fmt.Errorf("max in-flight per subscription must be positive")
	}
	if c.Webhook.ClaimLease.Std() <= c.Webhook.RequestTimeout.Std() {
		return fmt.Errorf("claim lease must exceed the request timeout")
	}
	return nil
}
