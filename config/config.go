// Package config defines the explicit configuration structs consumed by the
// client's components. Values are loaded from the environment with envconfig;
// each component receives its tunables at construction time rather than
// reading ambient configuration.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the environment variable prefix recognized by Load.
const EnvPrefix = "lararabbit"

type (
	// Config is the full configuration surface of the client.
	Config struct {
		Connection    ConnectionConfig
		Exchange      ExchangeConfig
		Resilience    ResilienceConfig
		Consumer      ConsumerConfig
		Publisher     PublisherConfig
		Serialization SerializationConfig
		Debug         bool `envconfig:"DEBUG" default:"false"`
	}

	// ConnectionConfig holds broker endpoint, credentials and transport tuning.
	ConnectionConfig struct {
		Host              string        `envconfig:"CONNECTION_HOST" default:"localhost"`
		Port              int           `envconfig:"CONNECTION_PORT" default:"5672"`
		User              string        `envconfig:"CONNECTION_USER" default:"guest"`
		Password          string        `envconfig:"CONNECTION_PASSWORD" default:"guest"`
		Vhost             string        `envconfig:"CONNECTION_VHOST" default:"/"`
		Heartbeat         time.Duration `envconfig:"CONNECTION_HEARTBEAT" default:"60s"`
		ConnectionTimeout time.Duration `envconfig:"CONNECTION_TIMEOUT" default:"30s"`
		ReadWriteTimeout  time.Duration `envconfig:"CONNECTION_READ_WRITE_TIMEOUT" default:"30s"`
		Keepalive         bool          `envconfig:"CONNECTION_KEEPALIVE" default:"true"`
		TLS               bool          `envconfig:"CONNECTION_TLS" default:"false"`
	}

	// ExchangeConfig holds the default exchange declaration.
	ExchangeConfig struct {
		Name       string `envconfig:"EXCHANGE_NAME" default:"lararabbit"`
		Type       string `envconfig:"EXCHANGE_TYPE" default:"topic"`
		Durable    bool   `envconfig:"EXCHANGE_DURABLE" default:"true"`
		AutoDelete bool   `envconfig:"EXCHANGE_AUTO_DELETE" default:"false"`
		Passive    bool   `envconfig:"EXCHANGE_PASSIVE" default:"false"`
	}

	// ResilienceConfig constructs the retry policy and circuit breaker.
	ResilienceConfig struct {
		MaxAttempts      int           `envconfig:"RESILIENCE_MAX_ATTEMPTS" default:"3"`
		BaseDelay        time.Duration `envconfig:"RESILIENCE_BASE_DELAY" default:"100ms"`
		MaxDelay         time.Duration `envconfig:"RESILIENCE_MAX_DELAY" default:"5s"`
		JitterFactor     float64       `envconfig:"RESILIENCE_JITTER_FACTOR" default:"0.2"`
		FailureThreshold int           `envconfig:"RESILIENCE_FAILURE_THRESHOLD" default:"5"`
		ResetTimeout     time.Duration `envconfig:"RESILIENCE_RESET_TIMEOUT" default:"30s"`
	}

	// ConsumerConfig drives the consume loop behavior.
	ConsumerConfig struct {
		PrefetchCount       int           `envconfig:"CONSUMER_PREFETCH_COUNT" default:"10"`
		WaitTimeout         time.Duration `envconfig:"CONSUMER_WAIT_TIMEOUT" default:"0"`
		ReconnectDelay      time.Duration `envconfig:"CONSUMER_RECONNECT_DELAY" default:"1s"`
		ReconnectMaxRetries int           `envconfig:"CONSUMER_RECONNECT_MAX_RETRIES" default:"5"`
		StopOnCriticalError bool          `envconfig:"CONSUMER_STOP_ON_CRITICAL_ERROR" default:"false"`
		RequeueOnError      bool          `envconfig:"CONSUMER_REQUEUE_ON_ERROR" default:"true"`
		ThrowExceptions     bool          `envconfig:"CONSUMER_THROW_EXCEPTIONS" default:"false"`
		AutoAck             bool          `envconfig:"CONSUMER_AUTO_ACK" default:"false"`
	}

	// PublisherConfig drives batch chunking and publisher confirms.
	PublisherConfig struct {
		BatchSize     int  `envconfig:"PUBLISHER_BATCH_SIZE" default:"100"`
		ConfirmSelect bool `envconfig:"PUBLISHER_CONFIRM_SELECT" default:"false"`
	}

	// SerializationConfig selects the default message body format.
	SerializationConfig struct {
		Format string `envconfig:"SERIALIZATION_FORMAT" default:"json"`
	}
)

var validExchangeTypes = map[string]bool{
	"direct":  true,
	"topic":   true,
	"fanout":  true,
	"headers": true,
}

// Load reads configuration from the environment (prefix LARARABBIT_) with
// defaults applied, then validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration with all defaults and no environment
// lookups, for in-code construction.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Host:              "localhost",
			Port:              5672,
			User:              "guest",
			Password:          "guest",
			Vhost:             "/",
			Heartbeat:         60 * time.Second,
			ConnectionTimeout: 30 * time.Second,
			ReadWriteTimeout:  30 * time.Second,
			Keepalive:         true,
		},
		Exchange: ExchangeConfig{
			Name:    "lararabbit",
			Type:    "topic",
			Durable: true,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:      3,
			BaseDelay:        100 * time.Millisecond,
			MaxDelay:         5 * time.Second,
			JitterFactor:     0.2,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Consumer: ConsumerConfig{
			PrefetchCount:       10,
			ReconnectDelay:      time.Second,
			ReconnectMaxRetries: 5,
			RequeueOnError:      true,
		},
		Publisher: PublisherConfig{
			BatchSize: 100,
		},
		Serialization: SerializationConfig{
			Format: "json",
		},
	}
}

// Validate checks the configuration for values the client cannot operate with.
func (c *Config) Validate() error {
	if c.Connection.Host == "" {
		return fmt.Errorf("config: connection host cannot be empty")
	}
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("config: invalid connection port: %d", c.Connection.Port)
	}
	if c.Exchange.Name == "" {
		return fmt.Errorf("config: exchange name cannot be empty")
	}
	if !validExchangeTypes[c.Exchange.Type] {
		return fmt.Errorf("config: invalid exchange type %q", c.Exchange.Type)
	}
	if c.Resilience.MaxAttempts < 1 {
		return fmt.Errorf("config: resilience max attempts must be at least 1: %d", c.Resilience.MaxAttempts)
	}
	if c.Resilience.JitterFactor < 0 || c.Resilience.JitterFactor > 1 {
		return fmt.Errorf("config: jitter factor must be within [0, 1]: %v", c.Resilience.JitterFactor)
	}
	if c.Resilience.FailureThreshold < 1 {
		return fmt.Errorf("config: failure threshold must be at least 1: %d", c.Resilience.FailureThreshold)
	}
	if c.Consumer.PrefetchCount < 0 {
		return fmt.Errorf("config: prefetch count cannot be negative: %d", c.Consumer.PrefetchCount)
	}
	if c.Consumer.ReconnectMaxRetries < 1 {
		return fmt.Errorf("config: reconnect max retries must be at least 1: %d", c.Consumer.ReconnectMaxRetries)
	}
	if c.Publisher.BatchSize < 1 {
		return fmt.Errorf("config: publisher batch size must be at least 1: %d", c.Publisher.BatchSize)
	}
	return nil
}
