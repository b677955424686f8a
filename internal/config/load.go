package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the YAML file at path, layers HUBSYNC_* environment
// overrides on top, and fills defaults. A missing file is not an error so
// the engine can run from the environment alone.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HUBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.base_url", "https://api.notion.com")
	v.SetDefault("hub.api_version", "2022-06-28")
	v.SetDefault("hub.page_size", 100)
	v.SetDefault("hub.timeout", "30s")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.rate_limit.requests_per_second", 3)
	v.SetDefault("hub.rate_limit.burst", 3)
	v.SetDefault("hub.rate_limit.max_retries", 5)
	v.SetDefault("hub.rate_limit.initial_backoff", "1s")
	v.SetDefault("hub.rate_limit.max_backoff", "30s")

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "")
	v.SetDefault("store.password", "")
	v.SetDefault("store.database", "")
	v.SetDefault("store.file_path", "")
	v.SetDefault("store.ssl_mode", "disable")
	v.SetDefault("store.page_size", 500)
	v.SetDefault("store.rate_limit.requests_per_second", 50)
	v.SetDefault("store.rate_limit.burst", 10)
	v.SetDefault("store.rate_limit.max_retries", 3)
	v.SetDefault("store.rate_limit.initial_backoff", "200ms")
	v.SetDefault("store.rate_limit.max_backoff", "5s")

	v.SetDefault("sync.direction", "bidirectional")
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.record_concurrency", 3)
	v.SetDefault("sync.cycle_timeout", "15m")
	v.SetDefault("sync.realtime", false)
	v.SetDefault("sync.debounce", "2s")
	v.SetDefault("sync.server_id", 1001)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 15m")
	v.SetDefault("scheduler.direction", "bidirectional")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}
