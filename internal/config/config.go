package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage and cache backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
	CacheRedis    = "redis"
	CacheMemory   = "memory"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	CacheBackend string `mapstructure:"CACHE_BACKEND"`
	RedisURL     string `mapstructure:"REDIS_URL"`

	EventBackends []string `mapstructure:"EVENT_BACKENDS"`
	AMQPURL       string   `mapstructure:"AMQP_URL"`
	AMQPExchange  string   `mapstructure:"AMQP_EXCHANGE"`
	NATSURL       string   `mapstructure:"NATS_URL"`

	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	AIScorerURL     string        `mapstructure:"AI_SCORER_URL"`
	AIScorerAPIKey  string        `mapstructure:"AI_SCORER_API_KEY"`
	AIScorerTimeout time.Duration `mapstructure:"AI_SCORER_TIMEOUT"`

	CapacityTTLSeconds      int           `mapstructure:"CAPACITY_TTL_SECONDS"`
	CapacityRefreshInterval time.Duration `mapstructure:"CAPACITY_REFRESH_INTERVAL"`
	FlowOptimizeInterval    time.Duration `mapstructure:"FLOW_OPTIMIZE_INTERVAL"`
	FlowMaxAutoActions      int           `mapstructure:"FLOW_MAX_AUTO_ACTIONS"`
	OccupancyAlertThreshold float64       `mapstructure:"OCCUPANCY_ALERT_THRESHOLD"`
	WaitAlertMinutes        float64       `mapstructure:"WAIT_ALERT_MINUTES"`
	DivertOccupancy         float64       `mapstructure:"DIVERT_OCCUPANCY"`
	DivertQueueLength       int           `mapstructure:"DIVERT_QUEUE_LENGTH"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CACHE_BACKEND", "REDIS_URL",
	"EVENT_BACKENDS", "AMQP_URL", "AMQP_EXCHANGE", "NATS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "REQUEST_TIMEOUT",
	"AI_SCORER_URL", "AI_SCORER_API_KEY", "AI_SCORER_TIMEOUT",
	"CAPACITY_TTL_SECONDS", "CAPACITY_REFRESH_INTERVAL", "FLOW_OPTIMIZE_INTERVAL", "FLOW_MAX_AUTO_ACTIONS",
	"OCCUPANCY_ALERT_THRESHOLD", "WAIT_ALERT_MINUTES", "DIVERT_OCCUPANCY", "DIVERT_QUEUE_LENGTH",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CACHE_BACKEND", CacheMemory)
	v.SetDefault("EVENT_BACKENDS", "hub")
	v.SetDefault("AMQP_EXCHANGE", "ed.events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("AI_SCORER_TIMEOUT", "800ms")
	v.SetDefault("CAPACITY_TTL_SECONDS", 60)
	v.SetDefault("CAPACITY_REFRESH_INTERVAL", "30s")
	v.SetDefault("FLOW_OPTIMIZE_INTERVAL", "3m")
	v.SetDefault("FLOW_MAX_AUTO_ACTIONS", 3)
	v.SetDefault("OCCUPANCY_ALERT_THRESHOLD", 0.90)
	v.SetDefault("WAIT_ALERT_MINUTES", 120)
	v.SetDefault("DIVERT_OCCUPANCY", 0.95)
	v.SetDefault("DIVERT_QUEUE_LENGTH", 10)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.EventBackends = splitList(cfg.EventBackends, v.GetString("EVENT_BACKENDS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList normalizes a list that may arrive as one comma separated
// element when it comes from the environment.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = []string{raw}
	}
	var out []string
	for _, p := range parsed {
		for _, s := range strings.Split(p, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasEventBackend reports whether name is listed in EVENT_BACKENDS.
func (c *Config) HasEventBackend(name string) bool {
	for _, b := range c.EventBackends {
		if b == name {
			return true
		}
	}
	return false
}

// CapacityTTL is CAPACITY_TTL_SECONDS as a duration.
func (c *Config) CapacityTTL() time.Duration {
	return time.Duration(c.CapacityTTLSeconds) * time.Second
}

// Validate rejects inconsistent combinations before anything is dialed.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	switch c.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND=%s", CacheRedis)
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", CacheRedis, CacheMemory, c.CacheBackend)
	}

	for _, b := range c.EventBackends {
		switch b {
		case "hub":
		case "redis":
			if c.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required for the redis event backend")
			}
		case "amqp":
			if c.AMQPURL == "" {
				return fmt.Errorf("AMQP_URL is required for the amqp event backend")
			}
		case "nats":
			if c.NATSURL == "" {
				return fmt.Errorf("NATS_URL is required for the nats event backend")
			}
		default:
			return fmt.Errorf("unknown event backend %q", b)
		}
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
	}

	if c.CapacityTTLSeconds <= 0 {
		return fmt.Errorf("CAPACITY_TTL_SECONDS must be positive, got %d", c.CapacityTTLSeconds)
	}
	if c.FlowMaxAutoActions < 0 {
		return fmt.Errorf("FLOW_MAX_AUTO_ACTIONS must not be negative, got %d", c.FlowMaxAutoActions)
	}
	for name, v := range map[string]float64{
		"OCCUPANCY_ALERT_THRESHOLD": c.OccupancyAlertThreshold,
		"DIVERT_OCCUPANCY":          c.DivertOccupancy,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	return nil
}
