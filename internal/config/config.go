// Package config loads the daemon configuration: defaults for every
// knob, an optional YAML file, and ROOMSYNC_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/veltalk/roomsync/pkg/log"
	"github.com/veltalk/roomsync/remote/redisstore"
	"github.com/veltalk/roomsync/remote/wsfeed"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    log.Config   `mapstructure:"log"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Remote RemoteConfig `mapstructure:"remote"`
	Feed   FeedConfig   `mapstructure:"feed"`
	Client ClientConfig `mapstructure:"client"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CacheConfig selects the local persistence backend.
type CacheConfig struct {
	Backend string `mapstructure:"backend"` // "pebble" or "memory"
	Path    string `mapstructure:"path"`
}

// RemoteConfig selects the record-store backend. "offline" runs the
// daemon against an in-memory store with no connectivity.
type RemoteConfig struct {
	Backend string            `mapstructure:"backend"` // "redis" or "offline"
	Redis   redisstore.Config `mapstructure:"redis"`
}

// FeedConfig selects the change-feed transport. "redis" reuses the
// record store's pub/sub; "websocket" connects to a notification
// gateway; "none" leaves only periodic and manual refreshes.
type FeedConfig struct {
	Backend   string        `mapstructure:"backend"` // "redis", "websocket", or "none"
	Websocket wsfeed.Config `mapstructure:"websocket"`
}

type ClientConfig struct {
	SelfID           string        `mapstructure:"self_id"`
	QueueSize        int           `mapstructure:"queue_size"`
	RefreshEvery     time.Duration `mapstructure:"refresh_every"`
	PokeMinInterval  time.Duration `mapstructure:"poke_min_interval"`
	GroupConcurrency int           `mapstructure:"group_concurrency"`
	ProfileTTL       time.Duration `mapstructure:"profile_ttl"`
	Retry            RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	Base           time.Duration `mapstructure:"base"`
	Cap            time.Duration `mapstructure:"cap"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// Load builds the configuration. With an empty path it looks for
// roomsync.yaml in the working directory and ./config, and a missing
// file is fine; an explicitly given path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ROOMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("roomsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8095)
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service", "roomsyncd")

	v.SetDefault("cache.backend", "pebble")
	v.SetDefault("cache.path", "data/roomsync")

	v.SetDefault("remote.backend", "redis")
	v.SetDefault("remote.redis.address", "localhost:6379")
	v.SetDefault("remote.redis.password", "")
	v.SetDefault("remote.redis.db", 0)
	v.SetDefault("remote.redis.key_prefix", "roomsync")
	v.SetDefault("remote.redis.fetch_limit", 200)

	v.SetDefault("feed.backend", "redis")
	v.SetDefault("feed.websocket.url", "")
	v.SetDefault("feed.websocket.pong_wait", "60s")
	v.SetDefault("feed.websocket.ping_interval", "54s")
	v.SetDefault("feed.websocket.redial_delay", "1s")
	v.SetDefault("feed.websocket.max_redial", "30s")

	v.SetDefault("client.self_id", "")
	v.SetDefault("client.queue_size", 128)
	v.SetDefault("client.refresh_every", "30s")
	v.SetDefault("client.poke_min_interval", "2s")
	v.SetDefault("client.group_concurrency", 4)
	v.SetDefault("client.profile_ttl", "5m")
	v.SetDefault("client.retry.max_retries", 3)
	v.SetDefault("client.retry.base", "200ms")
	v.SetDefault("client.retry.cap", "5s")
	v.SetDefault("client.retry.attempt_timeout", "10s")
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "pebble", "memory":
	default:
		return fmt.Errorf("cache.backend %q: want pebble or memory", c.Cache.Backend)
	}
	switch c.Remote.Backend {
	case "redis", "offline":
	default:
		return fmt.Errorf("remote.backend %q: want redis or offline", c.Remote.Backend)
	}
	switch c.Feed.Backend {
	case "redis", "websocket", "none":
	default:
		return fmt.Errorf("feed.backend %q: want redis, websocket or none", c.Feed.Backend)
	}
	if c.Feed.Backend == "websocket" && c.Feed.Websocket.URL == "" {
		return fmt.Errorf("feed.websocket.url is required for the websocket feed")
	}
	if c.Feed.Backend == "redis" && c.Remote.Backend != "redis" {
		return fmt.Errorf("feed.backend redis needs remote.backend redis")
	}
	if c.Client.SelfID == "" {
		return fmt.Errorf("client.self_id is required")
	}
	return nil
}
