package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ggoodman/kafka-relay-go/kafka"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("CONNECTION_TIMEOUT", "")
	t.Setenv("SCHEMA_REGISTRY_URL", "")
	t.Setenv("KAFKA_CLIENT_LOG_LEVEL", "")
	t.Setenv("KAFKA_CONSUMER_LOOKBACK", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, "kafka-relay", cfg.RedisKeyPrefix)
	require.True(t, cfg.RedisRejectUnauthorized)
	require.False(t, cfg.MultiInstance())
	require.False(t, cfg.DiagnosticsEnabled())
	require.Equal(t, kafka.DefaultConnectionTimeout, cfg.ConnectionTimeout())
	require.Nil(t, cfg.RegistryOptions())
	require.Equal(t, slog.LevelWarn, cfg.KafkaClientLogLevel())
	require.Equal(t, time.Minute, cfg.ConsumerLookback)
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("REDIS_TLS_REJECT_UNAUTHORIZED", "false")
	t.Setenv("CONNECTION_TIMEOUT", "120000")
	t.Setenv("KAFKA_LZ4_COMPRESSION_CODEC", "1")
	t.Setenv("KAFKA_BROKER_USERNAME", "svc")
	t.Setenv("MULTI_INSTANCE_DIAGNOSTICS_LOGGING", "true")
	t.Setenv("SCHEMA_REGISTRY_URL", "http://registry:8081")
	t.Setenv("SCHEMA_REGISTRY_USERNAME", "u")
	t.Setenv("SCHEMA_REGISTRY_PASSWORD", "p")
	t.Setenv("SCHEMA_REGISTRY_ENCODE_SUBJECT", "orders-value")
	t.Setenv("SCHEMA_REGISTRY_ENCODE_VERSION", "3")
	t.Setenv("KAFKA_CLIENT_LOG_LEVEL", "debug")
	t.Setenv("KAFKA_CONSUMER_LOOKBACK", "5m")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.True(t, cfg.MultiInstance())
	require.Equal(t, "redis://cache:6379/1", cfg.Redis().URL)
	require.False(t, cfg.Redis().RejectUnauthorized)
	require.Equal(t, 30*time.Second, cfg.ConnectionTimeout())
	require.True(t, cfg.LZ4Enabled())
	require.Equal(t, "svc", cfg.Kafka.Username)
	require.True(t, cfg.DiagnosticsEnabled())
	require.Equal(t, slog.LevelDebug, cfg.KafkaClientLogLevel())
	require.Equal(t, 5*time.Minute, cfg.ConsumerLookback)

	reg := cfg.RegistryOptions()
	require.NotNil(t, reg)
	require.Equal(t, "http://registry:8081", reg.URL)
	require.Equal(t, "u", reg.Auth.Username)
	require.Equal(t, "orders-value", reg.Encode.Subject)
	require.Equal(t, 3, reg.Encode.Version)
}

func TestInvalidLogFormat(t *testing.T) {
	t.Setenv("LOG_FORMAT", "xml")
	_, err := Load()
	require.Error(t, err)
}

func TestZeroConfigKafkaLogLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, Config{}.KafkaClientLogLevel())
}
