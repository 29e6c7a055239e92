// Package config assembles the runtime configuration from defaults, a .env
// file, KVCACHE_* environment variables, an optional YAML file and command
// line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"

	"kvcache/internal/hasher"
	"kvcache/internal/logs"
	"kvcache/internal/persist"
)

const (
	AppName   = "kvcache"
	EnvPrefix = "KVCACHE_"
)

// Backends accepted in Config.Backend.
const (
	BackendMemory   = "memory"
	BackendMemDB    = "memdb"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	// memory is the volatile backing; the others back the persistent cache
	Backend   string `env:"BACKEND" envDefault:"sqlite"`
	StoreName string `env:"STORE"`
	TableName string `env:"TABLE" envDefault:"entries"`
	Hash      string `env:"HASH" envDefault:"sha256"`

	Listen          string        `env:"LISTEN" envDefault:"127.0.0.1:7070"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`
	RateLimit       float64       `env:"RATE_LIMIT" envDefault:"200"`
	RateBurst       int           `env:"RATE_BURST" envDefault:"400"`

	LogLevel   string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogHistory int    `env:"LOG_HISTORY" envDefault:"200"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	PostgresDSN string `env:"POSTGRES_DSN"`
}

// binding ties a config file key and flag name to the matching env variable.
type binding struct {
	key   string
	env   string
	apply func(c *Config, v *viper.Viper)
}

var bindings = []binding{
	{"backend", "BACKEND", func(c *Config, v *viper.Viper) { c.Backend = v.GetString("backend") }},
	{"store", "STORE", func(c *Config, v *viper.Viper) { c.StoreName = v.GetString("store") }},
	{"table", "TABLE", func(c *Config, v *viper.Viper) { c.TableName = v.GetString("table") }},
	{"hash", "HASH", func(c *Config, v *viper.Viper) { c.Hash = v.GetString("hash") }},
	{"listen", "LISTEN", func(c *Config, v *viper.Viper) { c.Listen = v.GetString("listen") }},
	{"cleanup-interval", "CLEANUP_INTERVAL", func(c *Config, v *viper.Viper) {
		c.CleanupInterval = v.GetDuration("cleanup-interval")
	}},
	{"rate-limit", "RATE_LIMIT", func(c *Config, v *viper.Viper) { c.RateLimit = v.GetFloat64("rate-limit") }},
	{"rate-burst", "RATE_BURST", func(c *Config, v *viper.Viper) { c.RateBurst = v.GetInt("rate-burst") }},
	{"log-level", "LOG_LEVEL", func(c *Config, v *viper.Viper) { c.LogLevel = v.GetString("log-level") }},
	{"log-history", "LOG_HISTORY", func(c *Config, v *viper.Viper) { c.LogHistory = v.GetInt("log-history") }},
	{"redis.addr", "REDIS_ADDR", func(c *Config, v *viper.Viper) { c.RedisAddr = v.GetString("redis.addr") }},
	{"redis.password", "REDIS_PASSWORD", func(c *Config, v *viper.Viper) { c.RedisPassword = v.GetString("redis.password") }},
	{"redis.db", "REDIS_DB", func(c *Config, v *viper.Viper) { c.RedisDB = v.GetInt("redis.db") }},
	{"postgres.dsn", "POSTGRES_DSN", func(c *Config, v *viper.Viper) { c.PostgresDSN = v.GetString("postgres.dsn") }},
}

// Loader reads configuration. Flags bound into Viper under the binding keys
// override everything else when Changed reports them as set.
type Loader struct {
	Viper *viper.Viper
	// ConfigFile forces a config file instead of searching the user config dirs.
	ConfigFile string
	// DotEnv is the .env file to load; missing files are ignored.
	DotEnv string
	// Changed reports whether the flag for a binding key was given.
	Changed func(key string) bool
}

// NewLoader returns a loader with its own Viper instance.
func NewLoader() *Loader {
	return &Loader{Viper: viper.New(), DotEnv: ".env"}
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if l.DotEnv != "" {
		// never overrides variables already present in the environment
		if err := godotenv.Load(l.DotEnv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", l.DotEnv, err)
		}
	}

	fromEnv := map[string]bool{}
	cfg, err := env.ParseAsWithOptions[Config](env.Options{
		Prefix: EnvPrefix,
		OnSet: func(tag string, _ interface{}, isDefault bool) {
			if !isDefault {
				fromEnv[strings.TrimPrefix(tag, EnvPrefix)] = true
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	if err := l.readFile(); err != nil {
		return nil, err
	}

	v := l.Viper
	for _, b := range bindings {
		switch {
		case l.Changed != nil && l.Changed(b.key):
			b.apply(&cfg, v)
		case v.InConfig(b.key) && !fromEnv[b.env]:
			b.apply(&cfg, v)
		}
	}

	cfg.resolveDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) readFile() error {
	v := l.Viper
	if l.ConfigFile != "" {
		v.SetConfigFile(l.ConfigFile)
	} else {
		dirs, err := gap.NewScope(gap.User, AppName).ConfigDirs()
		if err != nil {
			return fmt.Errorf("could not find configuration directory: %w", err)
		}
		for _, dir := range dirs {
			v.AddConfigPath(dir)
		}
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && l.ConfigFile == "" {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// FileUsed returns the config file that was read, if any.
func (l *Loader) FileUsed() string {
	return l.Viper.ConfigFileUsed()
}

// Watch reloads the configuration whenever the config file changes and hands
// the result to fn. Reload errors are passed through with a nil config.
func (l *Loader) Watch(fn func(*Config, fsnotify.Event, error)) {
	if l.FileUsed() == "" {
		return
	}
	l.Viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		fn(cfg, e, err)
	})
	l.Viper.WatchConfig()
}

func (c *Config) resolveDefaults() {
	if c.StoreName != "" {
		return
	}
	switch c.Backend {
	case BackendSQLite:
		c.StoreName = DefaultSQLitePath()
	default:
		c.StoreName = persist.DefaultStoreName
	}
}

// DefaultSQLitePath is the database file in the user data directory.
func DefaultSQLitePath() string {
	path, err := gap.NewScope(gap.User, AppName).DataPath(AppName + ".db")
	if err != nil {
		return AppName + ".db"
	}
	return path
}

// StoreDir is the directory that must exist before a SQLite store opens.
func (c *Config) StoreDir() string {
	if c.Backend != BackendSQLite {
		return ""
	}
	return filepath.Dir(c.StoreName)
}

// Persistent reports whether the configured backend is a persistent one.
func (c *Config) Persistent() bool {
	return c.Backend != BackendMemory
}

// Level returns the parsed log level.
func (c *Config) Level() logs.Level {
	return logs.ParseLevel(c.LogLevel)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendMemDB, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres backend requires a DSN")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.StoreName == "" {
		return errors.New("store name must not be empty")
	}
	if c.TableName == "" {
		return errors.New("table name must not be empty")
	}
	if c.Backend == BackendSQLite || c.Backend == BackendPostgres {
		if err := persist.CheckIdent("table", c.TableName); err != nil {
			return err
		}
	}
	if _, err := hasher.New(hasher.Algorithm(c.Hash)); err != nil {
		return err
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %v", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return fmt.Errorf("rate burst must be at least 1, got %d", c.RateBurst)
	}
	if c.LogHistory < 0 {
		return fmt.Errorf("log history must not be negative, got %d", c.LogHistory)
	}
	return nil
}
