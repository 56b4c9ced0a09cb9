package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig is built once at startup and handed to every component that
// needs it. Nothing reads the environment after Load returns.
type AppConfig struct {
	AppEnv   string
	LogLevel slog.Level
	Port     string

	// HTTPTimeout bounds every outbound HTTP call (broker, attach, Open-Meteo).
	HTTPTimeout time.Duration

	AWS      AWSConfig
	History  HistoryConfig
	Claim    ClaimConfig
	MQTT     MQTTConfig
	Forecast ForecastConfig
	Sessions SessionConfig
}

type AWSConfig struct {
	Region         string
	IdentityPoolID string
	UserPoolID     string
	Bucket         string
}

type HistoryConfig struct {
	// Prefix may contain {identityId}.
	Prefix string
	Window int
}

type ClaimConfig struct {
	ClaimURL  string
	AttachURL string
	Timeout   time.Duration
	// Topic may contain {deviceId}.
	Topic string
}

type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	CAFile    string
	CertFile  string
	KeyFile   string
}

type ForecastConfig struct {
	GeocodingURL string
	ForecastURL  string
	Days         int
	Language     string

	SuggestDelay     time.Duration
	SuggestMinLength int
	SuggestLimit     int
}

type SessionConfig struct {
	IdleTTL                time.Duration
	SweepInterval          time.Duration
	HistoryRefreshInterval time.Duration // 0 disables periodic refresh
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	cfg := &AppConfig{}

	cfg.AppEnv = getenvDefault("APP_ENV", "dev")
	switch cfg.AppEnv {
	case "dev", "prod":
	default:
		return nil, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", cfg.AppEnv)
	}

	level, err := parseLogLevel(getenvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level
	cfg.Port = getenvDefault("PORT", "8080")

	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "10s"); err != nil {
		return nil, err
	}

	cfg.AWS = AWSConfig{
		Region:         getenvDefault("AWS_REGION", "eu-north-1"),
		IdentityPoolID: os.Getenv("COGNITO_IDENTITY_POOL_ID"),
		UserPoolID:     os.Getenv("COGNITO_USER_POOL_ID"),
		Bucket:         os.Getenv("READINGS_BUCKET"),
	}

	cfg.History = HistoryConfig{
		Prefix: getenvDefault("READINGS_PREFIX", "owners/{identityId}/devices/"),
		Window: getenvInt("HISTORY_WINDOW", 48),
	}

	cfg.Claim = ClaimConfig{
		ClaimURL:  os.Getenv("CLAIM_API_URL"),
		AttachURL: os.Getenv("ATTACH_API_URL"),
		Topic:     getenvDefault("CONFIRMATION_TOPIC", "devices/{deviceId}/data"),
	}
	if cfg.Claim.Timeout, err = getenvDuration("CLAIM_TIMEOUT", "15s"); err != nil {
		return nil, err
	}

	cfg.MQTT = MQTTConfig{
		BrokerURL: getenvDefault("MQTT_BROKER_URL", "tcp://localhost:1883"),
		ClientID:  getenvDefault("MQTT_CLIENT_ID", "meteo-dashboard"),
		CAFile:    os.Getenv("MQTT_CA_FILE"),
		CertFile:  os.Getenv("MQTT_CERT_FILE"),
		KeyFile:   os.Getenv("MQTT_KEY_FILE"),
	}

	cfg.Forecast = ForecastConfig{
		GeocodingURL:     getenvDefault("GEOCODING_URL", "https://geocoding-api.open-meteo.com/v1/search"),
		ForecastURL:      getenvDefault("FORECAST_URL", "https://api.open-meteo.com/v1/forecast"),
		Days:             getenvInt("FORECAST_DAYS", 10),
		Language:         getenvDefault("FORECAST_LANGUAGE", "pl"),
		SuggestMinLength: getenvInt("SUGGEST_MIN_LENGTH", 2),
		SuggestLimit:     getenvInt("SUGGEST_LIMIT", 5),
	}
	if cfg.Forecast.SuggestDelay, err = getenvDuration("SUGGEST_DELAY", "500ms"); err != nil {
		return nil, err
	}

	if cfg.Sessions.IdleTTL, err = getenvDuration("SESSION_IDLE_TTL", "30m"); err != nil {
		return nil, err
	}
	if cfg.Sessions.SweepInterval, err = getenvDuration("SWEEP_INTERVAL", "5m"); err != nil {
		return nil, err
	}
	if cfg.Sessions.HistoryRefreshInterval, err = getenvDuration("HISTORY_REFRESH_INTERVAL", "0s"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	required := []struct {
		key, val string
	}{
		{"COGNITO_IDENTITY_POOL_ID", c.AWS.IdentityPoolID},
		{"COGNITO_USER_POOL_ID", c.AWS.UserPoolID},
		{"READINGS_BUCKET", c.AWS.Bucket},
		{"CLAIM_API_URL", c.Claim.ClaimURL},
		{"ATTACH_API_URL", c.Claim.AttachURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}
	if c.History.Window <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	if c.Claim.Timeout <= 0 {
		return fmt.Errorf("CLAIM_TIMEOUT must be > 0")
	}
	if (c.MQTT.CertFile == "") != (c.MQTT.KeyFile == "") {
		return fmt.Errorf("MQTT_CERT_FILE and MQTT_KEY_FILE must be set together")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	raw := getenvDefault(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
