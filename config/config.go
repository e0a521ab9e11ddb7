package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the consistency engine service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DatabasesConfig groups the backing stores.
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig describes the reference/issue store connection.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN assembles a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (databases.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig describes the shared score cache / notification stream backend.
// Optional: with no host the engine runs with the in-process cache and bus only.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// CacheConfig tunes score memoization.
type CacheConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	Namespace string        `mapstructure:"namespace"`
}

// EngineConfig tunes the consistency engine boundaries. Scoring weights and
// thresholds are fixed in code; only the provider call timeout is configurable.
type EngineConfig struct {
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
}

// SchedulerConfig controls the optional periodic revalidation loop.
type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

// TelemetryConfig contains monitoring settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PeriodicLogs bool `mapstructure:"periodic_logs"`
}

// AppConfig is the process-wide configuration, populated by LoadConfig.
var AppConfig *Config

// LoadConfig reads configuration from file and environment. Empty path searches
// ./storycore.yaml and ./config/storycore.yaml. Environment variables use the
// STORYCORE_ prefix with underscores (STORYCORE_SERVER_ADDRESS, ...).
func LoadConfig(path string, strict bool) *Config {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("storycore")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".storycore"))
		}
	}
	v.SetEnvPrefix("STORYCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if strict {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		// No config file is fine; defaults plus env carry an embedded run.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config unmarshal: %v\n", err)
		os.Exit(1)
	}
	AppConfig = cfg
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "30s")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("databases.postgres.sslmode", "disable")
	v.SetDefault("databases.redis.port", "6379")
	v.SetDefault("databases.redis.timeout", "5s")
	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.namespace", "storycore:score")
	v.SetDefault("engine.provider_timeout", "10s")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.cron", "0 * * * *")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.periodic_logs", false)
}
