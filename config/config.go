// Package config manages runtime configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envAPIKey    = "GMO_API_KEY"
	envAPISecret = "GMO_API_SECRET"

	defaultRESTTimeout       = 10 * time.Second
	defaultBookDepth         = 20
	defaultReconcileInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 60 * time.Second
)

// Credentials captures the API key pair used for signed requests. The secret
// is deliberately excluded from String/marshal output.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// String implements fmt.Stringer without exposing the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{apiKey:%s, apiSecret:***}", maskKey(c.APIKey))
}

// MarshalYAML redacts the secret when configuration is echoed back.
func (c Credentials) MarshalYAML() (any, error) {
	return map[string]string{"apiKey": maskKey(c.APIKey), "apiSecret": "***"}, nil
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return key[:4] + "***"
}

// RateOverride replaces one limiter class budget when set.
type RateOverride struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// RESTConfig tunes the signed request pipeline.
type RESTConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	ProxyURL      string        `yaml:"proxyUrl"`
	RateLimitTier int           `yaml:"rateLimitTier"`
	// RateOverrides keys are limiter class names (public, query, order).
	RateOverrides map[string]RateOverride `yaml:"rateOverrides"`
	MaxRetries    int                     `yaml:"maxRetries"`
}

// WSConfig tunes both websocket sessions.
type WSConfig struct {
	CommandRate      *RateOverride `yaml:"commandRate"`
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
	MaxReconnects    int           `yaml:"maxReconnects"`
}

// MarketDataConfig tunes public stream handling.
type MarketDataConfig struct {
	BookDepth int  `yaml:"bookDepth"`
	TakerOnly bool `yaml:"takerOnly"`
}

// TelemetryConfig selects the metrics exporter target.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Config is the root runtime configuration.
type Config struct {
	Credentials       Credentials      `yaml:"credentials"`
	Symbols           []string         `yaml:"symbols"`
	REST              RESTConfig       `yaml:"rest"`
	WS                WSConfig         `yaml:"ws"`
	MarketData        MarketDataConfig `yaml:"marketData"`
	ReconcileInterval time.Duration    `yaml:"reconcileInterval"`
	Telemetry         TelemetryConfig  `yaml:"telemetry"`
	LogLevel          string           `yaml:"logLevel"`
}

// Load reads the YAML file at path, overlays credentials from the environment
// (a .env file is honoured when present), applies defaults, and validates.
func Load(path string) (Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Environment wins over file so .env stays the single place for secrets.
	_ = godotenv.Load()
	if key := strings.TrimSpace(os.Getenv(envAPIKey)); key != "" {
		cfg.Credentials.APIKey = key
	}
	if secret := strings.TrimSpace(os.Getenv(envAPISecret)); secret != "" {
		cfg.Credentials.APISecret = secret
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.REST.Timeout <= 0 {
		c.REST.Timeout = defaultRESTTimeout
	}
	if c.REST.RateLimitTier <= 0 {
		c.REST.RateLimitTier = 1
	}
	if c.REST.MaxRetries <= 0 {
		c.REST.MaxRetries = 3
	}
	if c.WS.HeartbeatTimeout <= 0 {
		c.WS.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.MarketData.BookDepth <= 0 {
		c.MarketData.BookDepth = defaultBookDepth
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Credentials.APIKey) == "" {
		return fmt.Errorf("config: missing API key (set %s or credentials.apiKey)", envAPIKey)
	}
	if strings.TrimSpace(c.Credentials.APISecret) == "" {
		return fmt.Errorf("config: missing API secret (set %s or credentials.apiSecret)", envAPISecret)
	}
	if c.REST.RateLimitTier > 2 {
		return fmt.Errorf("config: unknown rate limit tier %d", c.REST.RateLimitTier)
	}
	for class, override := range c.REST.RateOverrides {
		if override.Rate <= 0 || override.Burst <= 0 {
			return fmt.Errorf("config: rate override for class %q must set positive rate and burst", class)
		}
	}
	if c.WS.CommandRate != nil && (c.WS.CommandRate.Rate <= 0 || c.WS.CommandRate.Burst <= 0) {
		return fmt.Errorf("config: ws command rate override must set positive rate and burst")
	}
	return nil
}
