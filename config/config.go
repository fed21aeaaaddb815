package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"escrowd/models"
)

// Config represents the runtime configuration for the escrow service.
type Config struct {
	ListenAddr    string
	DatabaseURL   string
	Environment   string
	LogLevel      string
	JWTSecret     string
	WebhookSecret string

	RailBaseURL string
	RailAPIKey  string
	RailRPS     float64

	SweepInterval time.Duration
	RemindAfter   time.Duration

	PlatformFile string

	OTLPEndpoint string
	OTLPInsecure bool
	OTLPHeaders  string
	OTLPTraces   bool
	OTLPMetrics  bool
}

// FromEnv loads the configuration from environment variables. Secrets and
// connection strings are required; tunables fall back to defaults.
func FromEnv() (*Config, error) {
	dbURL := strings.TrimSpace(os.Getenv("ESCROW_DB_URL"))
	if dbURL == "" {
		return nil, fmt.Errorf("ESCROW_DB_URL is required")
	}
	jwtSecret := strings.TrimSpace(os.Getenv("ESCROW_JWT_SECRET"))
	if jwtSecret == "" {
		return nil, fmt.Errorf("ESCROW_JWT_SECRET is required")
	}
	webhookSecret := strings.TrimSpace(os.Getenv("ESCROW_WEBHOOK_SECRET"))
	if webhookSecret == "" {
		return nil, fmt.Errorf("ESCROW_WEBHOOK_SECRET is required")
	}
	railBase := strings.TrimSpace(os.Getenv("ESCROW_RAIL_BASE_URL"))
	if railBase == "" {
		return nil, fmt.Errorf("ESCROW_RAIL_BASE_URL is required")
	}
	railKey := strings.TrimSpace(os.Getenv("ESCROW_RAIL_API_KEY"))
	if railKey == "" {
		return nil, fmt.Errorf("ESCROW_RAIL_API_KEY is required")
	}

	cfg := &Config{
		ListenAddr:    getEnvDefault("ESCROW_LISTEN_ADDR", ":8080"),
		DatabaseURL:   dbURL,
		Environment:   getEnvDefault("ESCROW_ENV", "development"),
		LogLevel:      getEnvDefault("ESCROW_LOG_LEVEL", "info"),
		JWTSecret:     jwtSecret,
		WebhookSecret: webhookSecret,
		RailBaseURL:   railBase,
		RailAPIKey:    railKey,
		RailRPS:       parseFloatEnv("ESCROW_RAIL_RPS", 10),
		SweepInterval: parseDurationEnv("ESCROW_SWEEP_INTERVAL", time.Minute),
		RemindAfter:   parseDurationEnv("ESCROW_REMIND_AFTER", 72*time.Hour),
		PlatformFile:  strings.TrimSpace(os.Getenv("ESCROW_PLATFORM_FILE")),
		OTLPEndpoint:  strings.TrimSpace(os.Getenv("ESCROW_OTLP_ENDPOINT")),
		OTLPInsecure:  parseBoolEnv("ESCROW_OTLP_INSECURE", true),
		OTLPHeaders:   strings.TrimSpace(os.Getenv("ESCROW_OTLP_HEADERS")),
		OTLPTraces:    parseBoolEnv("ESCROW_OTLP_TRACES", false),
		OTLPMetrics:   parseBoolEnv("ESCROW_OTLP_METRICS", false),
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("ESCROW_SWEEP_INTERVAL must be positive")
	}
	return cfg, nil
}

// platformFile mirrors the TOML layout of the platform settings file.
type platformFile struct {
	Fees struct {
		PlatformPercent float64 `toml:"platform_percent"`
		PlatformFixed   int64   `toml:"platform_fixed"`
		RailPercent     float64 `toml:"rail_percent"`
		RailFixed       int64   `toml:"rail_fixed"`
	} `toml:"fees"`
	Windows struct {
		DisputePeriodDays    int `toml:"dispute_period_days"`
		AutoReleaseHours     int `toml:"auto_release_hours"`
		InspectionPeriodDays int `toml:"inspection_period_days"`
	} `toml:"windows"`
	Limits struct {
		MinAmount int64 `toml:"min_amount"`
		MaxAmount int64 `toml:"max_amount"`
	} `toml:"limits"`
}

// LoadPlatform reads the platform fee and window settings. A missing path
// yields the built-in defaults.
func LoadPlatform(path string) (models.PlatformConfig, error) {
	cfg := DefaultPlatform()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	var file platformFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return models.PlatformConfig{}, fmt.Errorf("decode platform file %s: %w", path, err)
	}
	if file.Fees.PlatformPercent > 0 {
		cfg.PlatformFeePercent = file.Fees.PlatformPercent
	}
	if file.Fees.PlatformFixed > 0 {
		cfg.PlatformFeeFixed = file.Fees.PlatformFixed
	}
	if file.Fees.RailPercent > 0 {
		cfg.RailFeePercent = file.Fees.RailPercent
	}
	if file.Fees.RailFixed > 0 {
		cfg.RailFeeFixed = file.Fees.RailFixed
	}
	if file.Windows.DisputePeriodDays > 0 {
		cfg.DisputePeriodDays = file.Windows.DisputePeriodDays
	}
	if file.Windows.AutoReleaseHours > 0 {
		cfg.AutoReleaseHours = file.Windows.AutoReleaseHours
	}
	if file.Windows.InspectionPeriodDays > 0 {
		cfg.InspectionPeriodDays = file.Windows.InspectionPeriodDays
	}
	if file.Limits.MinAmount > 0 {
		cfg.MinAmount = file.Limits.MinAmount
	}
	if file.Limits.MaxAmount > 0 {
		cfg.MaxAmount = file.Limits.MaxAmount
	}
	if cfg.MaxAmount > 0 && cfg.MinAmount > cfg.MaxAmount {
		return models.PlatformConfig{}, fmt.Errorf("platform min amount %d exceeds max %d", cfg.MinAmount, cfg.MaxAmount)
	}
	return cfg, nil
}

// DefaultPlatform returns the built-in platform settings.
func DefaultPlatform() models.PlatformConfig {
	return models.PlatformConfig{
		Key:                  models.PlatformConfigKey,
		PlatformFeePercent:   2.5,
		PlatformFeeFixed:     30,
		RailFeePercent:       2.9,
		RailFeeFixed:         30,
		DisputePeriodDays:    7,
		AutoReleaseHours:     48,
		InspectionPeriodDays: 3,
		MinAmount:            100,
		MaxAmount:            10_000_000,
	}
}

func getEnvDefault(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return parsed
}

func parseFloatEnv(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return parsed
}

func parseBoolEnv(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return parsed
}
