package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/weather-risk/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "data/weather-risk.db", cfg.DatabasePath)
	assert.Equal(t, "rules.yaml", cfg.RulesPath)
	assert.Equal(t, "https://api.open-meteo.com/v1/forecast", cfg.ProviderBaseURL)
	assert.Equal(t, 8*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 3, cfg.FetchMaxAttempts)
	assert.Equal(t, 6*time.Hour, cfg.CaptureInterval)
	assert.Equal(t, 7, cfg.ForecastDays)
	assert.Equal(t, domain.GranularityHourly, cfg.Granularity)
	assert.False(t, cfg.KafkaEnabled)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "weather-risk-alerts", cfg.KafkaAlertsTopic)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("DB_PATH", "/var/lib/risk.db")
	t.Setenv("RULES_PATH", "/etc/risk/rules.yaml")
	t.Setenv("OPEN_METEO_BASE_URL", "http://localhost:9999/v1/forecast")
	t.Setenv("OPEN_METEO_TIMEOUT", "2s")
	t.Setenv("FETCH_MAX_ATTEMPTS", "5")
	t.Setenv("CAPTURE_INTERVAL", "1h")
	t.Setenv("FORECAST_DAYS", "3")
	t.Setenv("FORECAST_GRANULARITY", "daily")
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")
	t.Setenv("KAFKA_ALERTS_TOPIC", "site-alerts")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "/var/lib/risk.db", cfg.DatabasePath)
	assert.Equal(t, "/etc/risk/rules.yaml", cfg.RulesPath)
	assert.Equal(t, "http://localhost:9999/v1/forecast", cfg.ProviderBaseURL)
	assert.Equal(t, 2*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 5, cfg.FetchMaxAttempts)
	assert.Equal(t, time.Hour, cfg.CaptureInterval)
	assert.Equal(t, 3, cfg.ForecastDays)
	assert.Equal(t, domain.GranularityDaily, cfg.Granularity)
	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "site-alerts", cfg.KafkaAlertsTopic)
}

func TestLoad_KafkaDisabledOverride(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9092")
	t.Setenv("KAFKA_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.KafkaEnabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad shutdown timeout", "SHUTDOWN_TIMEOUT", "soon"},
		{"bad provider timeout", "OPEN_METEO_TIMEOUT", "-1s"},
		{"bad capture interval", "CAPTURE_INTERVAL", "0"},
		{"bad fetch attempts", "FETCH_MAX_ATTEMPTS", "zero"},
		{"zero fetch attempts", "FETCH_MAX_ATTEMPTS", "0"},
		{"forecast days too large", "FORECAST_DAYS", "15"},
		{"forecast days too small", "FORECAST_DAYS", "0"},
		{"bad granularity", "FORECAST_GRANULARITY", "weekly"},
		{"kafka enabled without brokers", "KAFKA_ENABLED", "true"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
