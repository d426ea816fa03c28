// Package config loads the relay configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/kafka-relay-go/coord/rediscoord"
	"github.com/ggoodman/kafka-relay-go/internal/logctx"
	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/ggoodman/kafka-relay-go/schema"
	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
)

type Config struct {
	Port int `env:"PORT,default=3000" validate:"gte=1,lte=65535"`

	// RedisURL selects multi-instance mode. When empty the relay keeps all
	// state in process.
	RedisURL                string `env:"REDIS_URL"`
	RedisKeyPrefix          string `env:"REDIS_KEY_PREFIX,default=kafka-relay"`
	RedisRejectUnauthorized bool   `env:"REDIS_TLS_REJECT_UNAUTHORIZED,default=true"`

	Kafka kafka.Credentials
	// ConnectionTimeoutMS is the default broker connection timeout.
	ConnectionTimeoutMS int `env:"CONNECTION_TIMEOUT" validate:"gte=0"`
	// LZ4 enables LZ4 compression of produced records when set to anything.
	LZ4 string `env:"KAFKA_LZ4_COMPRESSION_CODEC"`
	// KafkaLogLevel is the minimum level of the Kafka client's own logs.
	KafkaLogLevel string `env:"KAFKA_CLIENT_LOG_LEVEL,default=warn" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	// ConsumerLookback is how far back a topic without committed offsets
	// starts consuming.
	ConsumerLookback time.Duration `env:"KAFKA_CONSUMER_LOOKBACK,default=1m" validate:"gte=0"`

	SchemaRegistry SchemaRegistry

	Diagnostics string `env:"MULTI_INSTANCE_DIAGNOSTICS_LOGGING"`

	LogLevel  string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	LogFormat string `env:"LOG_FORMAT,default=json" validate:"oneof=json text"`

	// EnvFile is a dotenv file whose variables are loaded at startup and
	// reloaded when it changes.
	EnvFile string `env:"RELAY_ENV_FILE"`
}

type SchemaRegistry struct {
	URL           string `env:"SCHEMA_REGISTRY_URL" validate:"omitempty,url"`
	Username      string `env:"SCHEMA_REGISTRY_USERNAME"`
	Password      string `env:"SCHEMA_REGISTRY_PASSWORD"`
	EncodeSubject string `env:"SCHEMA_REGISTRY_ENCODE_SUBJECT"`
	EncodeVersion int    `env:"SCHEMA_REGISTRY_ENCODE_VERSION" validate:"gte=0"`
}

// Load decodes and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MultiInstance reports whether a shared coordination store is configured.
func (c Config) MultiInstance() bool { return c.RedisURL != "" }

func (c Config) Redis() rediscoord.Config {
	return rediscoord.Config{URL: c.RedisURL, RejectUnauthorized: c.RedisRejectUnauthorized}
}

// ConnectionTimeout is the clamped default broker connection timeout.
func (c Config) ConnectionTimeout() time.Duration {
	return kafka.ClampConnectionTimeout(time.Duration(c.ConnectionTimeoutMS)*time.Millisecond, kafka.DefaultConnectionTimeout)
}

func (c Config) LZ4Enabled() bool { return c.LZ4 != "" }

// KafkaClientLogLevel is the level below which Kafka client logs are dropped.
func (c Config) KafkaClientLogLevel() slog.Level {
	if c.KafkaLogLevel == "" {
		return slog.LevelWarn
	}
	return logctx.ParseLevel(c.KafkaLogLevel)
}

// DiagnosticsEnabled reports whether periodic diagnostics are logged. They
// are only meaningful with a shared store.
func (c Config) DiagnosticsEnabled() bool {
	return c.MultiInstance() && c.Diagnostics == "true"
}

// RegistryOptions returns the schema registry to initialize at startup, or
// nil when none is configured.
func (c Config) RegistryOptions() *schema.Options {
	sr := c.SchemaRegistry
	if sr.URL == "" {
		return nil
	}
	opts := &schema.Options{URL: sr.URL}
	if sr.Username != "" || sr.Password != "" {
		opts.Auth = &schema.Auth{Username: sr.Username, Password: sr.Password}
	}
	if sr.EncodeSubject != "" {
		opts.Encode = &schema.Subject{Subject: sr.EncodeSubject, Version: sr.EncodeVersion}
	}
	return opts
}
