package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildflow/weather-risk/internal/domain"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	DatabasePath string
	RulesPath    string

	// Forecast provider.
	ProviderBaseURL  string
	ProviderTimeout  time.Duration
	FetchMaxAttempts int

	// Scheduler.
	CaptureInterval time.Duration
	ForecastDays    int
	Granularity     domain.Granularity

	// Optional alert event publishing.
	KafkaEnabled     bool
	KafkaBrokers     []string
	KafkaAlertsTopic string
}

// maxForecastDays is the provider's forecast horizon.
const maxForecastDays = 14

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	providerTimeout, err := parseDuration("OPEN_METEO_TIMEOUT", "8s")
	if err != nil {
		return nil, err
	}
	captureInterval, err := parseDuration("CAPTURE_INTERVAL", "6h")
	if err != nil {
		return nil, err
	}
	fetchAttempts, err := parseInt("FETCH_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	forecastDays, err := parseInt("FORECAST_DAYS", 7)
	if err != nil {
		return nil, err
	}

	brokers := parseBrokers(os.Getenv("KAFKA_BROKERS"))
	kafkaEnabled := len(brokers) > 0
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		DatabasePath: envOrDefault("DB_PATH", "data/weather-risk.db"),
		RulesPath:    envOrDefault("RULES_PATH", "rules.yaml"),

		ProviderBaseURL:  envOrDefault("OPEN_METEO_BASE_URL", "https://api.open-meteo.com/v1/forecast"),
		ProviderTimeout:  providerTimeout,
		FetchMaxAttempts: fetchAttempts,

		CaptureInterval: captureInterval,
		ForecastDays:    forecastDays,
		Granularity:     domain.Granularity(envOrDefault("FORECAST_GRANULARITY", "hourly")),

		KafkaEnabled:     kafkaEnabled,
		KafkaBrokers:     brokers,
		KafkaAlertsTopic: envOrDefault("KAFKA_ALERTS_TOPIC", "weather-risk-alerts"),
	}

	if cfg.DatabasePath == "" {
		return nil, errors.New("DB_PATH is required")
	}
	if cfg.RulesPath == "" {
		return nil, errors.New("RULES_PATH is required")
	}
	if cfg.FetchMaxAttempts < 1 {
		return nil, errors.New("FETCH_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.ForecastDays < 1 || cfg.ForecastDays > maxForecastDays {
		return nil, fmt.Errorf("FORECAST_DAYS must be within [1,%d]", maxForecastDays)
	}
	if !cfg.Granularity.Valid() {
		return nil, fmt.Errorf("FORECAST_GRANULARITY must be %q or %q", domain.GranularityHourly, domain.GranularityDaily)
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
