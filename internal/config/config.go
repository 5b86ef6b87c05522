// Package config loads process configuration from the environment, an
// optional .env file and an optional config file named by CONFIG_FILE.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the server's process-level settings. Simulation parameters
// live in simconfig and are changed at runtime, not here.
type Config struct {
	Port     string
	LogLevel slog.Level

	// Storage
	DatabaseURL string
	Migrate     bool
	RedisURL    string
	CacheTTL    time.Duration
	MongoURI    string
	SeedDemo    bool

	// Event stream
	KafkaBrokers []string
	KafkaTopic   string

	// Simulation
	SimulationAutostart bool
	SimulationSeed      int64

	// HTTP
	RunOnceRPS   float64
	RunOnceBurst int
	CORSOrigins  []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")
	v.SetDefault("migrate", false)
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("mongo_uri", "")
	v.SetDefault("seed_demo", true)
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "simulation.ticks")
	v.SetDefault("simulation_autostart", false)
	v.SetDefault("simulation_seed", 0)
	v.SetDefault("run_once_rps", 1.0)
	v.SetDefault("run_once_burst", 3)
	v.SetDefault("cors_origins", "*")
}

// Load reads the configuration. A missing .env file is not an error; a
// CONFIG_FILE that cannot be read is.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		Port:                v.GetString("port"),
		LogLevel:            level,
		DatabaseURL:         v.GetString("database_url"),
		Migrate:             v.GetBool("migrate"),
		RedisURL:            v.GetString("redis_url"),
		CacheTTL:            v.GetDuration("cache_ttl"),
		MongoURI:            v.GetString("mongo_uri"),
		SeedDemo:            v.GetBool("seed_demo"),
		KafkaBrokers:        splitList(v.GetString("kafka_brokers")),
		KafkaTopic:          v.GetString("kafka_topic"),
		SimulationAutostart: v.GetBool("simulation_autostart"),
		SimulationSeed:      v.GetInt64("simulation_seed"),
		RunOnceRPS:          v.GetFloat64("run_once_rps"),
		RunOnceBurst:        v.GetInt("run_once_burst"),
		CORSOrigins:         splitList(v.GetString("cors_origins")),
	}

	if cfg.CacheTTL <= 0 {
		return nil, fmt.Errorf("config: CACHE_TTL must be positive, got %s", cfg.CacheTTL)
	}
	if cfg.RunOnceRPS <= 0 || cfg.RunOnceBurst < 1 {
		return nil, fmt.Errorf("config: RUN_ONCE_RPS and RUN_ONCE_BURST must be positive")
	}
	return cfg, nil
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
