package config

import (
	"fmt"
	"time"

	"hub-sync-service/internal/entity"
)

type Config struct {
	Hub       HubConfig       `mapstructure:"hub"`
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

type HubConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	Token      string `mapstructure:"token"`
	APIVersion string `mapstructure:"api_version"`
	PageSize   int    `mapstructure:"page_size"`
	Timeout    string `mapstructure:"timeout"`
	// Databases maps entity type to the Hub database holding its records.
	Databases map[string]string `mapstructure:"databases"`
	RateLimit RateLimitConfig   `mapstructure:"rate_limit"`
}

func (h HubConfig) GetTimeout() time.Duration {
	d, _ := time.ParseDuration(h.Timeout)
	return d
}

type StoreConfig struct {
	Driver              string          `mapstructure:"driver"`
	Host                string          `mapstructure:"host"`
	Port                int             `mapstructure:"port"`
	User                string          `mapstructure:"user"`
	Password            string          `mapstructure:"password"`
	Database            string          `mapstructure:"database"`
	FilePath            string          `mapstructure:"file_path"` // For SQLite
	SSLMode             string          `mapstructure:"ssl_mode"`  // For Postgres
	ReplicationUser     string          `mapstructure:"replication_user"`
	ReplicationPassword string          `mapstructure:"replication_password"`
	PageSize            int             `mapstructure:"page_size"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxRetries        int     `mapstructure:"max_retries"`
	InitialBackoff    string  `mapstructure:"initial_backoff"`
	MaxBackoff        string  `mapstructure:"max_backoff"`
	// Shared moves the token bucket to Redis so every process draws from
	// one quota.
	Shared bool `mapstructure:"shared"`
}

func (r RateLimitConfig) GetInitialBackoff() time.Duration {
	d, _ := time.ParseDuration(r.InitialBackoff)
	return d
}

func (r RateLimitConfig) GetMaxBackoff() time.Duration {
	d, _ := time.ParseDuration(r.MaxBackoff)
	return d
}

type SyncConfig struct {
	Direction         string   `mapstructure:"direction"`
	EntityTypes       []string `mapstructure:"entity_types"`
	Workers           int      `mapstructure:"workers"`
	RecordConcurrency int      `mapstructure:"record_concurrency"`
	CycleTimeout      string   `mapstructure:"cycle_timeout"`
	Realtime          bool     `mapstructure:"realtime"`
	Debounce          string   `mapstructure:"debounce"`
	ServerID          uint32   `mapstructure:"server_id"`
}

func (s SyncConfig) GetCycleTimeout() time.Duration {
	d, _ := time.ParseDuration(s.CycleTimeout)
	return d
}

func (s SyncConfig) GetDebounce() time.Duration {
	d, _ := time.ParseDuration(s.Debounce)
	return d
}

type SchedulerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Interval  string `mapstructure:"interval"`
	Direction string `mapstructure:"direction"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate(reg *entity.Registry) error {
	if c.Hub.BaseURL == "" {
		return fmt.Errorf("hub.base_url is required")
	}
	if c.Hub.Token == "" {
		return fmt.Errorf("hub.token is required")
	}
	switch c.Store.Driver {
	case "mysql", "postgres":
		if c.Store.Host == "" || c.Store.Database == "" {
			return fmt.Errorf("store.host and store.database are required for %s", c.Store.Driver)
		}
	case "sqlite":
		if c.Store.FilePath == "" {
			return fmt.Errorf("store.file_path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	if _, err := entity.ParseDirection(c.Sync.Direction); err != nil {
		return fmt.Errorf("sync.direction: %w", err)
	}
	if _, err := entity.ParseDirection(c.Scheduler.Direction); err != nil {
		return fmt.Errorf("scheduler.direction: %w", err)
	}
	for _, name := range c.Sync.EntityTypes {
		if _, ok := reg.Schema(entity.EntityType(name)); !ok {
			return fmt.Errorf("sync.entity_types: unknown entity type %q", name)
		}
	}
	for name := range c.Hub.Databases {
		if _, ok := reg.Schema(entity.EntityType(name)); !ok {
			return fmt.Errorf("hub.databases: unknown entity type %q", name)
		}
	}
	if c.Hub.RateLimit.Shared || c.Store.RateLimit.Shared {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for a shared rate limit")
		}
	}
	if c.Sync.Workers < 1 || c.Sync.RecordConcurrency < 1 {
		return fmt.Errorf("sync.workers and sync.record_concurrency must be positive")
	}
	return nil
}

// EntityFilter converts the configured entity type names.
func (s SyncConfig) EntityFilter() []entity.EntityType {
	out := make([]entity.EntityType, 0, len(s.EntityTypes))
	for _, n := range s.EntityTypes {
		out = append(out, entity.EntityType(n))
	}
	return out
}
