package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/windlabs/wind/internal/core/wire"
)

// Config errors
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config is the recognized configuration surface. Every field has a working
// default; an empty document is a valid configuration, while a file that
// cannot be read makes Load fail.
type Config struct {
	Registry  RegistryConfig  `yaml:"registry"`
	Publisher PublisherConfig `yaml:"publisher"`
	Qos       QosConfig       `yaml:"qos"`
	Client    ClientConfig    `yaml:"client"`
}

type RegistryConfig struct {
	Bind              string `yaml:"bind"`
	SweepIntervalSecs int    `yaml:"sweep_interval_secs"`
}

type PublisherConfig struct {
	TTLSecs               int `yaml:"ttl_secs"`
	HeartbeatIntervalSecs int `yaml:"heartbeat_interval_secs"`
}

type QosConfig struct {
	BufferDepth uint32 `yaml:"buffer_depth"`
	Reliability string `yaml:"reliability"`
}

type ClientConfig struct {
	RPCTimeoutSecs     int `yaml:"rpc_timeout_secs"`
	ConnectMaxAttempts int `yaml:"connect_max_attempts"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Registry: RegistryConfig{
			Bind:              "127.0.0.1:7001",
			SweepIntervalSecs: 30,
		},
		Publisher: PublisherConfig{
			TTLSecs: 60,
			// Zero: HeartbeatInterval falls back to TTL/3.
			HeartbeatIntervalSecs: 0,
		},
		Qos: QosConfig{
			BufferDepth: 1024,
			Reliability: "best_effort",
		},
		Client: ClientConfig{
			RPCTimeoutSecs:     10,
			ConnectMaxAttempts: 10,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return config, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := config.validate(); err != nil {
		return config, err
	}
	return config, nil
}

func (c Config) validate() error {
	if c.Registry.Bind == "" {
		return fmt.Errorf("%w: registry.bind is empty", ErrInvalidConfig)
	}
	if c.Registry.SweepIntervalSecs <= 0 {
		return fmt.Errorf("%w: registry.sweep_interval_secs must be positive", ErrInvalidConfig)
	}
	if c.Publisher.TTLSecs <= 0 {
		return fmt.Errorf("%w: publisher.ttl_secs must be positive", ErrInvalidConfig)
	}
	if _, err := c.Qos.ParseReliability(); err != nil {
		return err
	}
	return nil
}

// SweepInterval returns the sweeper cadence as a duration.
func (c RegistryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// TTL returns the advertised TTL as a duration.
func (c PublisherConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// HeartbeatInterval returns the re-register cadence, falling back to TTL/3.
func (c PublisherConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalSecs <= 0 {
		return c.TTL() / 3
	}
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

// ParseReliability maps the configured name onto the wire enum.
func (c QosConfig) ParseReliability() (wire.Reliability, error) {
	switch c.Reliability {
	case "", "best_effort":
		return wire.BestEffort, nil
	case "reliable":
		return wire.Reliable, nil
	default:
		return wire.BestEffort, fmt.Errorf("%w: unknown reliability %q", ErrInvalidConfig, c.Reliability)
	}
}

// QosParams builds wire QoS parameters from the configured values.
func (c QosConfig) QosParams() (wire.QosParams, error) {
	reliability, err := c.ParseReliability()
	if err != nil {
		return wire.QosParams{}, err
	}
	qos := wire.DefaultQos()
	qos.Reliability = reliability
	if c.BufferDepth > 0 {
		qos.BufferDepth = c.BufferDepth
	}
	return qos, nil
}

// RPCTimeout returns the client RPC timeout as a duration.
func (c ClientConfig) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutSecs) * time.Second
}
