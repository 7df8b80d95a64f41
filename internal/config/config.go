// Package config loads the relay's configuration from a YAML file overridden
// by environment variables, exposed as a process-wide singleton.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable the relay's components read from at startup.
// The environment variable names read by applyEnvOverrides mirror the EXTERNAL
// INTERFACES configuration table; the Go fields are grouped by component.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	JWT      JWTConfig      `yaml:"jwt"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Token    TokenConfig    `yaml:"token"`
	Message  MessageConfig  `yaml:"message"`
	Offline  OfflineConfig  `yaml:"offline"`
	Agent    AgentConfig    `yaml:"agent"`
	Billing  BillingConfig  `yaml:"billing"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
}

type JWTConfig struct {
	Secret       string `yaml:"secret"`
	Issuer       string `yaml:"issuer"`
	AccessTTLSec int    `yaml:"access_ttl_sec"`
}

type PairingConfig struct {
	TTLSec       int `yaml:"ttl_sec"`
	MaxAttempts  int `yaml:"max_attempts"`
	RatePerHour  int `yaml:"rate_per_hour"`
}

type TokenConfig struct {
	RefreshTTLSec int `yaml:"refresh_ttl_sec"`
	RefreshRateHr int `yaml:"refresh_rate_per_hour"`
}

type MessageConfig struct {
	MaxBytes    int `yaml:"max_bytes"`
	RatePerMin  int `yaml:"rate_per_min"`
}

type OfflineConfig struct {
	QueueMax int `yaml:"queue_max"`
	TTLSec   int `yaml:"ttl_sec"`
}

// AgentConfig controls the legacy-fallback secret path. Production
// deployments should leave AllowLegacyGlobalSecret false.
type AgentConfig struct {
	AllowLegacyGlobalSecret bool   `yaml:"allow_legacy_global_secret"`
	LegacyGlobalSecret      string `yaml:"legacy_global_secret"`
}

type BillingConfig struct {
	FreeAgentLimit int    `yaml:"free_agent_limit"`
	StripeAPIKey   string `yaml:"stripe_api_key"`
	WebhookSecret  string `yaml:"webhook_secret"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "memory"
	URL    string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading it on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads the YAML config file at path, if present.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("HTTP_PORT", c.Server.Port)
	c.Server.Env = getEnv("RELAY_ENV", c.Server.Env)
	if v := getEnvInt("IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitCSV(origins)
	}

	c.JWT.Secret = getEnv("JWT_SECRET", c.JWT.Secret)
	c.JWT.Issuer = getEnv("JWT_ISSUER", c.JWT.Issuer)
	if v := getEnvInt("ACCESS_TTL_SEC", 0); v > 0 {
		c.JWT.AccessTTLSec = v
	}

	if v := getEnvInt("PAIRING_TTL_SEC", 0); v > 0 {
		c.Pairing.TTLSec = v
	}
	if v := getEnvInt("PAIRING_MAX_ATTEMPTS", 0); v > 0 {
		c.Pairing.MaxAttempts = v
	}
	if v := getEnvInt("PAIRING_RATE_PER_HOUR", 0); v > 0 {
		c.Pairing.RatePerHour = v
	}

	if v := getEnvInt("REFRESH_TTL_SEC", 0); v > 0 {
		c.Token.RefreshTTLSec = v
	}
	if v := getEnvInt("REFRESH_RATE_PER_HOUR", 0); v > 0 {
		c.Token.RefreshRateHr = v
	}

	if v := getEnvInt("MSG_MAX_BYTES", 0); v > 0 {
		c.Message.MaxBytes = v
	}
	if v := getEnvInt("MSG_RATE_PER_MIN", 0); v > 0 {
		c.Message.RatePerMin = v
	}

	if v := getEnvInt("OFFLINE_QUEUE_MAX", 0); v > 0 {
		c.Offline.QueueMax = v
	}
	if v := getEnvInt("OFFLINE_TTL_SEC", 0); v > 0 {
		c.Offline.TTLSec = v
	}

	c.Agent.AllowLegacyGlobalSecret = getEnvBool("ALLOW_LEGACY_GLOBAL_AGENT_SECRET", c.Agent.AllowLegacyGlobalSecret)
	c.Agent.LegacyGlobalSecret = getEnv("LEGACY_GLOBAL_AGENT_SECRET", c.Agent.LegacyGlobalSecret)

	if v := getEnvInt("FREE_AGENT_LIMIT", 0); v > 0 {
		c.Billing.FreeAgentLimit = v
	}
	c.Billing.StripeAPIKey = getEnv("STRIPE_API_KEY", c.Billing.StripeAPIKey)
	c.Billing.WebhookSecret = getEnv("STRIPE_WEBHOOK_SECRET", c.Billing.WebhookSecret)

	c.Database.Driver = getEnv("STORE_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", 0); v > 0 {
		c.Redis.DB = v
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 300
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "pairbridge-relay"
	}
	if c.JWT.AccessTTLSec == 0 {
		c.JWT.AccessTTLSec = 900
	}

	if c.Pairing.TTLSec == 0 {
		c.Pairing.TTLSec = 600
	}
	if c.Pairing.MaxAttempts == 0 {
		c.Pairing.MaxAttempts = 5
	}
	if c.Pairing.RatePerHour == 0 {
		c.Pairing.RatePerHour = 5
	}

	if c.Token.RefreshTTLSec == 0 {
		c.Token.RefreshTTLSec = 2592000
	}
	if c.Token.RefreshRateHr == 0 {
		c.Token.RefreshRateHr = 30
	}

	if c.Message.MaxBytes == 0 {
		c.Message.MaxBytes = 32768
	}
	if c.Message.RatePerMin == 0 {
		c.Message.RatePerMin = 60
	}

	if c.Offline.QueueMax == 0 {
		c.Offline.QueueMax = 10
	}
	if c.Offline.TTLSec == 0 {
		c.Offline.TTLSec = 60
	}

	if c.Billing.FreeAgentLimit == 0 {
		c.Billing.FreeAgentLimit = 1
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func (c *Config) IsProduction() bool  { return c.Server.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" }
