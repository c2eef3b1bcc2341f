// Package config loads process configuration via viper, following the
// teacher's pattern of a typed struct populated from a config file with
// environment-variable overrides, rather than hand-rolled flag parsing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables the server needs at startup.
type Config struct {
	// Warehouse connection (MySQL-wire).
	WarehouseDSN      string
	WarehouseDatabase string

	// Coordination store (Redis).
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKeyTTL   time.Duration

	// Cache policy defaults, seeded into cache_config on first boot.
	CacheHalfLifeTouches   int64
	CacheMaxSizeBytes      int64

	// HTTP server.
	ListenAddr string

	// Worker pool.
	WorkerPoolSize int

	// Telemetry.
	ServiceName  string
	OTelExporter string
	OTLPEndpoint string

	// Debug logging.
	Debug bool
}

func defaults(v *viper.Viper) {
	v.SetDefault("warehouse.dsn", "flowmachine:flowmachine@tcp(127.0.0.1:3306)/flowmachine_cache?parseTime=true")
	v.SetDefault("warehouse.database", "flowmachine_cache")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_ttl", "1h")

	v.SetDefault("cache.half_life_touches", 1000)
	v.SetDefault("cache.max_size_bytes", int64(10)*1024*1024*1024)

	v.SetDefault("server.listen_addr", ":9090")
	v.SetDefault("server.worker_pool_size", 8)

	v.SetDefault("telemetry.service_name", "flowmachine-server")
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "127.0.0.1:4318")

	v.SetDefault("debug", false)
}

// Load reads configuration from configPath (if non-empty; a path that
// cannot be read is an error),
// environment variables prefixed FLOWMACHINE_ (e.g. FLOWMACHINE_REDIS_ADDR
// overrides redis.addr), and finally the defaults above.
func Load(configPath string) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("flowmachine")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %q: %w", configPath, err)
		}
	}

	ttl, err := time.ParseDuration(v.GetString("redis.key_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing redis.key_ttl: %w", err)
	}

	cfg := Config{
		WarehouseDSN:         v.GetString("warehouse.dsn"),
		WarehouseDatabase:    v.GetString("warehouse.database"),
		RedisAddr:            v.GetString("redis.addr"),
		RedisPassword:        v.GetString("redis.password"),
		RedisDB:              v.GetInt("redis.db"),
		RedisKeyTTL:          ttl,
		CacheHalfLifeTouches: v.GetInt64("cache.half_life_touches"),
		CacheMaxSizeBytes:    v.GetInt64("cache.max_size_bytes"),
		ListenAddr:           v.GetString("server.listen_addr"),
		WorkerPoolSize:       v.GetInt("server.worker_pool_size"),
		ServiceName:          v.GetString("telemetry.service_name"),
		OTelExporter:         v.GetString("telemetry.exporter"),
		OTLPEndpoint:         v.GetString("telemetry.otlp_endpoint"),
		Debug:                v.GetBool("debug"),
	}

	if cfg.WorkerPoolSize <= 0 {
		return Config{}, fmt.Errorf("config: server.worker_pool_size must be positive, got %d", cfg.WorkerPoolSize)
	}

	return cfg, nil
}
