// Package server provides configuration helpers that define runtime
// defaults, validation, and rate-limiting parameters for ChatterUp.
package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix namespaces the environment variables read by NewConfigFromEnv,
// e.g. CHATTERUP_PORT.
const envPrefix = "chatterup"

// RateLimitConfig defines the parameters for per-connection message rate
// limiting: a connection may burst Burst frames and refills Burst tokens
// every RefillInterval.
type RateLimitConfig struct {
	Burst          int           `envconfig:"BURST" validate:"gte=0"`
	RefillInterval time.Duration `envconfig:"REFILL_INTERVAL"`
}

// Config holds the server configuration including security controls, the
// message store location, and chat behavior knobs.
type Config struct {
	Port           string          `envconfig:"PORT" validate:"required"`
	AllowedOrigins []string        `envconfig:"ALLOWED_ORIGINS"`
	MaxMessageSize int64           `envconfig:"MAX_MESSAGE_SIZE" validate:"gte=0"`
	RateLimit      RateLimitConfig `envconfig:"RATE_LIMIT"`
	HistoryLimit   int             `envconfig:"HISTORY_LIMIT" validate:"gte=0"`
	DBPath         string          `envconfig:"DB_PATH" validate:"required"`
	UploadDir      string          `envconfig:"UPLOAD_DIR" validate:"required"`
	DefaultAvatar  string          `envconfig:"DEFAULT_AVATAR" validate:"required"`
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool

	validate = validator.New()
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		HistoryLimit:  50,
		DBPath:        "data/chatterup",
		UploadDir:     "uploads",
		DefaultAvatar: "/default.webp",
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = def.UploadDir
	}
	if cfg.DefaultAvatar == "" {
		cfg.DefaultAvatar = def.DefaultAvatar
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to
// defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:           cfg.Port,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		HistoryLimit:   cfg.HistoryLimit,
		DBPath:         cfg.DBPath,
		UploadDir:      cfg.UploadDir,
		DefaultAvatar:  cfg.DefaultAvatar,
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from CHATTERUP_* environment variables,
// falling back to defaults for anything unset or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		slog.Warn("failed to parse environment configuration, using defaults", "error", err)
		cfg = defaultConfig()
	}
	if err := validate.Struct(cfg); err != nil {
		slog.Warn("configuration failed validation, out-of-range values reset to defaults", "error", err)
	}

	return &cfg
}
