package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/triage-ai/semgate/internal/apperror"
	"gopkg.in/yaml.v3"
)

// DefaultMaxLimit is the row ceiling applied when neither the environment
// nor the database configuration sets one.
const DefaultMaxLimit = 1000

// Config is the process-wide configuration. Values come from, in increasing
// precedence: built-in defaults, the YAML file named by SEMGATE_CONFIG_FILE,
// and environment variables (optionally seeded from a .env file).
type Config struct {
	HTTPPort   string `yaml:"http_port"`
	HealthPort string `yaml:"health_port"`
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`

	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	RedisURL      string `yaml:"redis_url"`

	CubeAPIURL      string   `yaml:"cubejs_api_url"`
	CubeAPISecret   string   `yaml:"cubejs_api_secret"`
	MaxLimit        int      `yaml:"max_limit"`
	DenyMembers     []string `yaml:"deny_members"`
	DefaultSegments []string `yaml:"default_segments"`
	ReturnSQL       bool     `yaml:"return_sql"`

	MetaTimeoutMs  int `yaml:"meta_timeout_ms"`
	QueryTimeoutMs int `yaml:"query_timeout_ms"`

	AuthMode         string   `yaml:"auth_mode"` // "static", "apikey" or "header"
	StaticToken      string   `yaml:"static_token"`
	AuthCacheTTLS    int      `yaml:"auth_cache_ttl_s"`
	MetaCacheTTLS    int      `yaml:"meta_cache_ttl_s"`
	DatabaseCacheTTL int      `yaml:"db_cache_ttl_s"`
	GovernanceDir    string   `yaml:"governance_dir"`
	CORSOrigins      []string `yaml:"cors_origins"`
}

// Defaults returns a Config populated with built-in defaults only.
func Defaults() *Config {
	return &Config{
		HTTPPort:         "8080",
		HealthPort:       "50061",
		LogLevel:         "info",
		MaxLimit:         DefaultMaxLimit,
		MetaTimeoutMs:    10_000,
		QueryTimeoutMs:   30_000,
		AuthMode:         "static",
		AuthCacheTTLS:    30,
		MetaCacheTTLS:    300,
		DatabaseCacheTTL: 5,
		CORSOrigins:      []string{"*"},
	}
}

// Load builds the configuration and validates required fields.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := Defaults()
	if path := os.Getenv("SEMGATE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("loadFile: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return apperror.Configuration(fmt.Sprintf("config file %s: %v", path, err))
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			*dst = SplitList(v)
		}
	}

	str("SEMGATE_HTTP_PORT", &c.HTTPPort)
	str("SEMGATE_HEALTH_PORT", &c.HealthPort)
	str("SEMGATE_LOG_LEVEL", &c.LogLevel)
	str("SEMGATE_LOG_FILE", &c.LogFile)
	str("POSTGRES_DSN", &c.PostgresDSN)
	str("CLICKHOUSE_DSN", &c.ClickHouseDSN)
	str("REDIS_URL", &c.RedisURL)
	str("CUBEJS_API_URL", &c.CubeAPIURL)
	str("CUBEJS_API_SECRET", &c.CubeAPISecret)
	num("MAX_LIMIT", &c.MaxLimit)
	list("DENY_MEMBERS", &c.DenyMembers)
	list("DEFAULT_SEGMENTS", &c.DefaultSegments)
	if v := getenv("RETURN_SQL"); v != "" {
		c.ReturnSQL = v == "true" || v == "1"
	}
	num("SEMGATE_META_TIMEOUT_MS", &c.MetaTimeoutMs)
	num("SEMGATE_QUERY_TIMEOUT_MS", &c.QueryTimeoutMs)
	str("SEMGATE_AUTH_MODE", &c.AuthMode)
	str("SEMGATE_STATIC_TOKEN", &c.StaticToken)
	num("SEMGATE_AUTH_CACHE_TTL_S", &c.AuthCacheTTLS)
	num("SEMGATE_META_CACHE_TTL_S", &c.MetaCacheTTLS)
	num("SEMGATE_DB_CACHE_TTL_S", &c.DatabaseCacheTTL)
	str("SEMGATE_GOVERNANCE_DIR", &c.GovernanceDir)
	list("SEMGATE_CORS_ORIGINS", &c.CORSOrigins)
}

// Validate reports missing required settings and repairs optional ones.
func (c *Config) Validate() error {
	var missing []string
	if c.CubeAPIURL == "" {
		missing = append(missing, "CUBEJS_API_URL")
	}
	if c.CubeAPISecret == "" {
		missing = append(missing, "CUBEJS_API_SECRET")
	}
	if len(missing) > 0 {
		return apperror.Configuration("missing required configuration: " + strings.Join(missing, ", "))
	}

	switch c.AuthMode {
	case "static", "apikey", "header":
	default:
		return apperror.Configuration(fmt.Sprintf("unknown auth mode %q", c.AuthMode))
	}
	if c.AuthMode == "apikey" && c.PostgresDSN == "" {
		return apperror.Configuration("auth mode apikey requires POSTGRES_DSN")
	}

	if c.MaxLimit <= 0 {
		c.MaxLimit = DefaultMaxLimit
	}
	if c.MetaTimeoutMs <= 0 || c.MetaTimeoutMs > 10_000 {
		c.MetaTimeoutMs = 10_000
	}
	if c.QueryTimeoutMs <= 0 {
		c.QueryTimeoutMs = 30_000
	}
	return nil
}

func (c *Config) MetaTimeout() time.Duration {
	return time.Duration(c.MetaTimeoutMs) * time.Millisecond
}

func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLS) * time.Second
}

func (c *Config) MetaCacheTTL() time.Duration {
	return time.Duration(c.MetaCacheTTLS) * time.Second
}

func (c *Config) DBCacheTTL() time.Duration {
	return time.Duration(c.DatabaseCacheTTL) * time.Second
}

// Settings returns the global per-database settings before any
// database-level override is applied.
func (c *Config) Settings() DatabaseSettings {
	return DatabaseSettings{
		CubeAPIURL:      c.CubeAPIURL,
		CubeAPISecret:   c.CubeAPISecret,
		MaxLimit:        c.MaxLimit,
		DenyMembers:     c.DenyMembers,
		DefaultSegments: c.DefaultSegments,
		ReturnSQL:       c.ReturnSQL,
		MetaTimeout:     c.MetaTimeout(),
		QueryTimeout:    c.QueryTimeout(),
	}
}

// SplitList parses a comma separated list, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
