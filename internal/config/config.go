// Package config loads service and agent configuration from defaults, an
// optional YAML file and LABPORTAL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Valkey   ValkeyConfig   `mapstructure:"valkey"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Agent    AgentConfig    `mapstructure:"agent"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// ActionSecret, when set, is required to sign field actions.
	ActionSecret string `mapstructure:"action_secret"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type ValkeyConfig struct {
	Addr string `mapstructure:"addr"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type CacheConfig struct {
	// Tier selects the shared second level: none, redis or valkey.
	Tier    string        `mapstructure:"tier"`
	Prefix  string        `mapstructure:"prefix"`
	MaxSize int           `mapstructure:"max_size"`
	TTL     time.Duration `mapstructure:"ttl"`
	L2TTL   time.Duration `mapstructure:"l2_ttl"`
}

type RealtimeConfig struct {
	// Relay selects cross-instance fan-out: local, redis or nats.
	Relay                string        `mapstructure:"relay"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	SendBuffer           int           `mapstructure:"send_buffer"`
}

type QueueConfig struct {
	// Store selects the durable backend: bolt, file, postgres or memory.
	Store         string        `mapstructure:"store"`
	Path          string        `mapstructure:"path"`
	DatabaseURL   string        `mapstructure:"database_url"`
	Name          string        `mapstructure:"name"`
	SyncedGrace   time.Duration `mapstructure:"synced_grace"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RetryLimit    int           `mapstructure:"retry_limit"`
	Debounce      time.Duration `mapstructure:"debounce"`
	// SyncInterval drains the queue periodically while online, picking up
	// actions other processes enqueued; 0 disables it.
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	// SyncRate caps executor calls per second during a sync; 0 is unlimited.
	SyncRate float64 `mapstructure:"sync_rate"`
}

type AgentConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	WSURL         string        `mapstructure:"ws_url"`
	Token         string        `mapstructure:"token"`
	Secret        string        `mapstructure:"secret"`
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	CachePath     string        `mapstructure:"cache_path"`
}

// Load reads configuration. When file is empty, config.yaml is looked up in
// . and ./configs and may be absent; an explicit file must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// LABPORTAL_QUEUE_STORE -> queue.store
	v.SetEnvPrefix("LABPORTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.action_secret", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("valkey.addr", "")
	v.SetDefault("nats.url", "")

	v.SetDefault("cache.tier", "none")
	v.SetDefault("cache.prefix", "labportal:")
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.l2_ttl", 30*time.Minute)

	v.SetDefault("realtime.relay", "local")
	v.SetDefault("realtime.heartbeat_interval", 30*time.Second)
	v.SetDefault("realtime.reconnect_base", time.Second)
	v.SetDefault("realtime.reconnect_max", 30*time.Second)
	v.SetDefault("realtime.max_reconnect_attempts", 10)
	v.SetDefault("realtime.send_buffer", 32)

	v.SetDefault("queue.store", "bolt")
	v.SetDefault("queue.path", "./data/queue.db")
	v.SetDefault("queue.database_url", "")
	v.SetDefault("queue.name", "default")
	v.SetDefault("queue.synced_grace", 5*time.Second)
	v.SetDefault("queue.max_concurrent", 3)
	v.SetDefault("queue.retry_limit", 3)
	v.SetDefault("queue.debounce", 2*time.Second)
	v.SetDefault("queue.sync_interval", 30*time.Second)
	v.SetDefault("queue.sync_rate", 0.0)

	v.SetDefault("agent.base_url", "http://localhost:8080")
	v.SetDefault("agent.ws_url", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.secret", "")
	v.SetDefault("agent.probe_url", "")
	v.SetDefault("agent.probe_interval", 15*time.Second)
	v.SetDefault("agent.cache_path", "./data/cache.db")
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		errs = append(errs, "server.rate_burst must be positive when rate_limit is set")
	}

	switch c.Cache.Tier {
	case "none", "":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, "redis.url is required for cache.tier=redis")
		}
	case "valkey":
		if c.Valkey.Addr == "" {
			errs = append(errs, "valkey.addr is required for cache.tier=valkey")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.tier must be none, redis or valkey, got %q", c.Cache.Tier))
	}
	if c.Cache.MaxSize <= 0 {
		errs = append(errs, "cache.max_size must be positive")
	}

	switch c.Realtime.Relay {
	case "local", "":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, "redis.url is required for realtime.relay=redis")
		}
	case "nats":
		if c.NATS.URL == "" {
			errs = append(errs, "nats.url is required for realtime.relay=nats")
		}
	default:
		errs = append(errs, fmt.Sprintf("realtime.relay must be local, redis or nats, got %q", c.Realtime.Relay))
	}
	if c.Realtime.ReconnectBase <= 0 || c.Realtime.ReconnectMax < c.Realtime.ReconnectBase {
		errs = append(errs, "realtime.reconnect_base must be positive and not above reconnect_max")
	}
	if c.Realtime.MaxReconnectAttempts <= 0 {
		errs = append(errs, "realtime.max_reconnect_attempts must be positive")
	}

	switch c.Queue.Store {
	case "memory":
	case "bolt", "file":
		if c.Queue.Path == "" {
			errs = append(errs, fmt.Sprintf("queue.path is required for queue.store=%s", c.Queue.Store))
		}
	case "postgres":
		if c.Queue.DatabaseURL == "" {
			errs = append(errs, "queue.database_url is required for queue.store=postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.store must be bolt, file, postgres or memory, got %q", c.Queue.Store))
	}
	if c.Queue.MaxConcurrent <= 0 {
		errs = append(errs, "queue.max_concurrent must be positive")
	}
	if c.Queue.RetryLimit <= 0 {
		errs = append(errs, "queue.retry_limit must be positive")
	}
	if c.Queue.SyncInterval < 0 {
		errs = append(errs, "queue.sync_interval must not be negative")
	}
	if c.Queue.SyncRate < 0 {
		errs = append(errs, "queue.sync_rate must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
