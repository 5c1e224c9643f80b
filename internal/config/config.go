package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the tracking service
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Tracking TrackingConfig `yaml:"tracking"`
	Geo      GeoConfig      `yaml:"geo"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis cache settings
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// TrackingConfig holds the classification and status policy knobs.
// The thresholds are policy, not structure: they have shifted between
// deployments (rate ceiling 50 then 10, proxy-open threshold 2 then 1)
// and must stay overridable without a code change.
type TrackingConfig struct {
	SigningKey            string   `yaml:"signing_key"`
	SenderTokenMaxAgeSecs int      `yaml:"sender_token_max_age_seconds"`
	GhostOpenWindowSecs   int      `yaml:"ghost_open_window_seconds"`
	RateLimitCeiling      int      `yaml:"rate_limit_ceiling"`
	RateLimitWindowSecs   int      `yaml:"rate_limit_window_seconds"`
	ProxyOpenThreshold    int      `yaml:"proxy_open_threshold"`
	ActiveDurationSecs    int      `yaml:"active_duration_seconds"`
	PixelHoldMaxSecs      int      `yaml:"pixel_hold_max_seconds"`
	ScannerCIDRs          []string `yaml:"scanner_cidrs"`
}

// SenderTokenMaxAge returns the sender token validity window as a duration
func (c TrackingConfig) SenderTokenMaxAge() time.Duration {
	return time.Duration(c.SenderTokenMaxAgeSecs) * time.Second
}

// GhostOpenWindow returns the ghost-open window as a duration
func (c TrackingConfig) GhostOpenWindow() time.Duration {
	return time.Duration(c.GhostOpenWindowSecs) * time.Second
}

// RateLimitWindow returns the rate-limit counting window as a duration
func (c TrackingConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSecs) * time.Second
}

// ActiveDuration returns the open duration that promotes a message to "active"
func (c TrackingConfig) ActiveDuration() time.Duration {
	return time.Duration(c.ActiveDurationSecs) * time.Second
}

// PixelHoldMax returns the cap on how long a pixel connection is observed
// for duration measurement
func (c TrackingConfig) PixelHoldMax() time.Duration {
	return time.Duration(c.PixelHoldMaxSecs) * time.Second
}

// GeoConfig holds the IP geolocation enrichment settings
type GeoConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BaseURL         string `yaml:"base_url"`
	TimeoutMillis   int    `yaml:"timeout_millis"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// Timeout returns the lookup timeout as a duration
func (c GeoConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// CacheTTL returns the per-IP cache TTL as a duration
func (c GeoConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Tracking.SenderTokenMaxAgeSecs == 0 {
		cfg.Tracking.SenderTokenMaxAgeSecs = 3600
	}
	if cfg.Tracking.GhostOpenWindowSecs == 0 {
		cfg.Tracking.GhostOpenWindowSecs = 5
	}
	if cfg.Tracking.RateLimitCeiling == 0 {
		cfg.Tracking.RateLimitCeiling = 10
	}
	if cfg.Tracking.RateLimitWindowSecs == 0 {
		cfg.Tracking.RateLimitWindowSecs = 3600
	}
	if cfg.Tracking.ProxyOpenThreshold == 0 {
		cfg.Tracking.ProxyOpenThreshold = 1
	}
	if cfg.Tracking.ActiveDurationSecs == 0 {
		cfg.Tracking.ActiveDurationSecs = 60
	}
	if cfg.Tracking.PixelHoldMaxSecs == 0 {
		cfg.Tracking.PixelHoldMaxSecs = 300
	}
	if cfg.Geo.BaseURL == "" {
		cfg.Geo.BaseURL = "http://ip-api.com"
	}
	if cfg.Geo.TimeoutMillis == 0 {
		cfg.Geo.TimeoutMillis = 1500
	}
	if cfg.Geo.CacheTTLSeconds == 0 {
		cfg.Geo.CacheTTLSeconds = 86400
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// The config file is optional for this service; env vars can carry everything
		cfg = &Config{}
		applyDefaults(cfg)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if key := os.Getenv("TRACKING_SIGNING_KEY"); key != "" {
		cfg.Tracking.SigningKey = key
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("RATE_LIMIT_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Tracking.RateLimitCeiling = n
		}
	}
	if v := os.Getenv("PROXY_OPEN_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Tracking.ProxyOpenThreshold = n
		}
	}
	if v := os.Getenv("GEO_BASE_URL"); v != "" {
		cfg.Geo.BaseURL = v
		cfg.Geo.Enabled = true
	}

	return cfg, nil
}
