// Package config loads eventcore settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EnvPrefix is prepended to every variable name
const EnvPrefix = "EVENTCORE_"

// Config holds all environment configuration for the messaging core.
type Config struct {
	Broker BrokerConfig `envPrefix:"BROKER_"`
	Queues QueueConfig  `envPrefix:"QUEUE_"`
	Retry  RetryConfig  `envPrefix:"RETRY_"`

	Exchange     string `env:"EXCHANGE"      envDefault:"domain.events"`
	SourceModule string `env:"SOURCE_MODULE" envDefault:"eventcore"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
	MetricsAddr  string `env:"METRICS_ADDR"  envDefault:":9464"`
	ArchiveDSN   string `env:"ARCHIVE_DSN"`
}

// BrokerConfig locates the broker. URL wins over the individual fields.
type BrokerConfig struct {
	URL            string        `env:"URL"`
	Host           string        `env:"HOST"            envDefault:"localhost"`
	Port           int           `env:"PORT"            envDefault:"5672"`
	User           string        `env:"USER"            envDefault:"guest"`
	Password       string        `env:"PASSWORD"        envDefault:"guest"`
	VHost          string        `env:"VHOST"           envDefault:"/"`
	ConnectionName string        `env:"CONNECTION_NAME"`
	Prefetch       int           `env:"PREFETCH"        envDefault:"10"`
	ReconnectDelay time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`
	ConfirmTimeout time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"10s"`
}

// QueueConfig names the queues and the dead-letter exchange
type QueueConfig struct {
	Notifications      string `env:"NOTIFICATIONS"        envDefault:"notifications"`
	BackofficeIngest   string `env:"BACKOFFICE_INGEST"    envDefault:"backoffice.ingest"`
	DeadLetter         string `env:"DEAD_LETTER"          envDefault:"dead-letter"`
	DeadLetterExchange string `env:"DEAD_LETTER_EXCHANGE" envDefault:"dlx"`
}

// RetryConfig bounds consumer retries
type RetryConfig struct {
	MaxRetries int           `env:"MAX"   envDefault:"3"`
	Delay      time.Duration `env:"DELAY" envDefault:"5s"`
}

// Load parses the process environment into Config.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: EnvPrefix})
}

// LoadFrom parses environment, a map of full variable names, into Config.
func LoadFrom(environment map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: EnvPrefix, Environment: environment})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AMQPURL returns the connection URL
func (b BrokerConfig) AMQPURL() string {
	if b.URL != "" {
		return b.URL
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     b.Host,
		Port:     b.Port,
		Username: b.User,
		Password: b.Password,
		Vhost:    b.VHost,
	}.String()
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Broker.URL != "" {
		if _, err := amqp.ParseURI(c.Broker.URL); err != nil {
			errs = append(errs, fmt.Errorf("broker url: %w", err))
		}
	} else if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker host is required"))
	}
	if c.Broker.Prefetch <= 0 {
		errs = append(errs, fmt.Errorf("prefetch must be positive, got %d", c.Broker.Prefetch))
	}
	if c.Broker.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("reconnect delay must be positive, got %s", c.Broker.ReconnectDelay))
	}
	if c.Broker.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("confirm timeout must be positive, got %s", c.Broker.ConfirmTimeout))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, fmt.Errorf("retry delay must not be negative, got %s", c.Retry.Delay))
	}
	if c.Exchange == "" {
		errs = append(errs, errors.New("exchange is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
