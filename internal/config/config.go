package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Stream   string        `mapstructure:"stream"`
}

type GitConfig struct {
	MirrorDir string `mapstructure:"mirror_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type StoreConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// Config holds runtime configuration. Values come from cogspace.yaml,
// COGSPACE_* environment variables and CLI flags, in increasing precedence.
type Config struct {
	Addr       string         `mapstructure:"addr"`
	CORSOrigin string         `mapstructure:"cors_origin"`
	Database   DatabaseConfig `mapstructure:"database"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Git        GitConfig      `mapstructure:"git"`
	Log        LogConfig      `mapstructure:"log"`
	Tracing    TracingConfig  `mapstructure:"tracing"`
	Store      StoreConfig    `mapstructure:"store"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8787")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "./data/cogspace.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 24*time.Hour)
	v.SetDefault("redis.stream", "cogspace:events")
	v.SetDefault("git.mirror_dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.retry_backoff", 50*time.Millisecond)
}

// BindEnv makes every key overridable through COGSPACE_<KEY> with dots
// replaced by underscores, e.g. COGSPACE_DATABASE_URL.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("COGSPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from v, applying built-in defaults for any value
// not set by config file, environment or flags.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	BindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Store.RetryAttempts < 1 {
		cfg.Store.RetryAttempts = 1
	}
	return cfg, nil
}
