package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, []string{SourceMQTT}, cfg.Ingest.Sources)
	assert.Equal(t, "pet/biometric/+", cfg.MQTT.Topic)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, "biometric_queue", cfg.Redis.QueueKey)
	assert.Equal(t, "device_token:", cfg.Redis.TokenPrefix)
	assert.Equal(t, 30*24*time.Hour, cfg.Redis.TokenTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Evaluator.Period)
	assert.Equal(t, "Labrador", cfg.Thresholds.DefaultBreed)
	assert.Zero(t, cfg.Thresholds.CacheTTL)
	assert.Equal(t, "log", cfg.Push.Provider)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VITALPAW_MQTT_BROKER", "tcp://mqtt.internal:1883")
	t.Setenv("VITALPAW_EVALUATOR_PERIOD", "250ms")
	t.Setenv("VITALPAW_INGEST_SOURCES", "mqtt, kafka")
	t.Setenv("VITALPAW_REDIS_QUEUE_MAX_DEPTH", "5000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "tcp://mqtt.internal:1883", cfg.MQTT.Broker)
	assert.Equal(t, 250*time.Millisecond, cfg.Evaluator.Period)
	assert.Equal(t, []string{SourceMQTT, SourceKafka}, cfg.Ingest.Sources)
	assert.True(t, cfg.HasSource(SourceKafka))
	assert.Equal(t, int64(5000), cfg.Redis.QueueMaxDepth)
}

func TestLoadRejectsOutOfRangeQoS(t *testing.T) {
	t.Setenv("VITALPAW_MQTT_QOS", "257")

	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidQoS)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitalpaw.yaml")
	yaml := `
log_level: debug
thresholds:
  base_url: http://thresholds.svc:8000
  cache_ttl: 1m
push:
  provider: FCM
  project_id: vitalpaw-prod
mqtt:
  reconnect:
    max_attempts: 0
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://thresholds.svc:8000", cfg.Thresholds.BaseURL)
	assert.Equal(t, time.Minute, cfg.Thresholds.CacheTTL)
	assert.Equal(t, "fcm", cfg.Push.Provider)
	assert.Equal(t, 0, cfg.MQTT.Reconnect.MaxAttempts)
	assert.Equal(t, "pet/biometric/+", cfg.MQTT.Topic)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"no sources", func(c *Config) { c.Ingest.Sources = nil }, ErrNoSources},
		{"unknown source", func(c *Config) { c.Ingest.Sources = []string{"amqp"} }, ErrUnknownSource},
		{"missing broker", func(c *Config) { c.MQTT.Broker = "" }, ErrMissingBroker},
		{"bad qos", func(c *Config) { c.MQTT.QoS = 3 }, ErrInvalidQoS},
		{"negative qos", func(c *Config) { c.MQTT.QoS = -1 }, ErrInvalidQoS},
		{"kafka without brokers", func(c *Config) {
			c.Ingest.Sources = []string{SourceKafka}
			c.Kafka.Brokers = nil
		}, ErrMissingKafka},
		{"zero period", func(c *Config) { c.Evaluator.Period = 0 }, ErrInvalidPeriod},
		{"missing redis", func(c *Config) { c.Redis.Addr = "" }, ErrMissingRedis},
		{"unknown push provider", func(c *Config) { c.Push.Provider = "apns" }, ErrUnknownPush},
		{"fcm without project", func(c *Config) { c.Push.Provider = "fcm" }, ErrMissingProject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestNormalizeSources(t *testing.T) {
	assert.Equal(t, []string{"mqtt", "kafka"}, normalizeSources([]string{" MQTT ,kafka", ""}))
}
