// Package config loads auctionctl settings from a YAML file and OPTISYNC_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	API      APIConfig      `mapstructure:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Log      LogConfig      `mapstructure:"log"`
}

type StoreConfig struct {
	Namespace string        `mapstructure:"namespace"`
	Provider  string        `mapstructure:"provider"`
	Codec     string        `mapstructure:"codec"`
	Versions  string        `mapstructure:"versions"`
	TTL       time.Duration `mapstructure:"ttl"`
	// VersionTTL expires idle redis version counters. Zero keeps them
	// forever; otherwise it must outlive TTL so no cached frame survives
	// its counter.
	VersionTTL   time.Duration   `mapstructure:"version_ttl"`
	RefetchRPS   float64         `mapstructure:"refetch_rps"`
	RefetchBurst int             `mapstructure:"refetch_burst"`
	FetchTimeout time.Duration   `mapstructure:"fetch_timeout"`
	Ristretto    RistrettoConfig `mapstructure:"ristretto"`
	BigCache     BigCacheConfig  `mapstructure:"bigcache"`
}

type RistrettoConfig struct {
	NumCounters int64 `mapstructure:"num_counters"`
	MaxCost     int64 `mapstructure:"max_cost"`
	BufferItems int64 `mapstructure:"buffer_items"`
}

type BigCacheConfig struct {
	LifeWindow         time.Duration `mapstructure:"life_window"`
	MaxEntrySize       int           `mapstructure:"max_entry_size"`
	HardMaxCacheSizeMB int           `mapstructure:"hard_max_cache_size_mb"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// MaxValueBytes caps frames the redis provider will store.
	MaxValueBytes int `mapstructure:"max_value_bytes"`
}

type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MutationTimeout time.Duration `mapstructure:"mutation_timeout"`
}

type RealtimeConfig struct {
	URL       string        `mapstructure:"url"`
	Reconnect time.Duration `mapstructure:"reconnect"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Backend string `mapstructure:"backend"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.namespace", "auction-admin")
	v.SetDefault("store.provider", "ristretto")
	v.SetDefault("store.codec", "json")
	v.SetDefault("store.versions", "local")
	v.SetDefault("store.ttl", 10*time.Minute)
	v.SetDefault("store.version_ttl", 0)
	v.SetDefault("store.refetch_rps", 0)
	v.SetDefault("store.refetch_burst", 1)
	v.SetDefault("store.fetch_timeout", 15*time.Second)
	v.SetDefault("store.ristretto.num_counters", 1e6)
	v.SetDefault("store.ristretto.max_cost", 1<<26)
	v.SetDefault("store.ristretto.buffer_items", 64)
	v.SetDefault("store.bigcache.life_window", 10*time.Minute)
	v.SetDefault("store.bigcache.max_entry_size", 4096)
	v.SetDefault("store.bigcache.hard_max_cache_size_mb", 0)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_value_bytes", 2<<20)
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.mutation_timeout", 10*time.Second)
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.reconnect", 2*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.backend", "zap")
}

// Load reads path if non-empty, otherwise an optional config.yaml from the
// working directory or $HOME/.optisync. OPTISYNC_API_TOKEN overrides
// api.token, and so on for every key.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("OPTISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.optisync")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and required values.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Namespace == "" {
		errs = append(errs, errors.New("store.namespace is required"))
	}
	if !oneOf(c.Store.Provider, "ristretto", "bigcache", "redis") {
		errs = append(errs, fmt.Errorf("store.provider %q: want ristretto, bigcache or redis", c.Store.Provider))
	}
	if !oneOf(c.Store.Codec, "json", "msgpack", "cbor", "protobuf") {
		errs = append(errs, fmt.Errorf("store.codec %q: want json, msgpack, cbor or protobuf", c.Store.Codec))
	}
	if !oneOf(c.Store.Versions, "local", "redis") {
		errs = append(errs, fmt.Errorf("store.versions %q: want local or redis", c.Store.Versions))
	}
	if vt := c.Store.VersionTTL; vt < 0 || (vt > 0 && (c.Store.TTL <= 0 || vt <= c.Store.TTL)) {
		errs = append(errs, fmt.Errorf("store.version_ttl %s: want 0 or longer than store.ttl", vt))
	}
	if c.Store.RefetchRPS < 0 {
		errs = append(errs, errors.New("store.refetch_rps must not be negative"))
	}
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if !oneOf(c.Log.Backend, "zap", "logrus", "slog") {
		errs = append(errs, fmt.Errorf("log.backend %q: want zap, logrus or slog", c.Log.Backend))
	}
	if !oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// String renders the config for logs with the secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf("store=%s/%s/%s ns=%s api=%s token=%s realtime=%q log=%s/%s",
		c.Store.Provider, c.Store.Codec, c.Store.Versions, c.Store.Namespace,
		c.API.BaseURL, mask(c.API.Token), c.Realtime.URL, c.Log.Backend, c.Log.Level)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func oneOf(s string, opts ...string) bool {
	for _, o := range opts {
		if s == o {
			return true
		}
	}
	return false
}
