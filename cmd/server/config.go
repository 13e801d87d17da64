package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/slot-engine/capacity"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects the store. Driver is "sqlite" or "memory".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig tunes the capacity engine.
type EngineConfig struct {
	LockTimeout           time.Duration `mapstructure:"lock_timeout"`
	MaxRetries            int           `mapstructure:"max_retries"`
	IdempotencyWindow     time.Duration `mapstructure:"idempotency_window"`
	AvailabilityTTL       time.Duration `mapstructure:"availability_ttl"`
	AvailabilityCacheSize int           `mapstructure:"availability_cache_size"`
	TruncationPolicy      string        `mapstructure:"truncation_policy"`
}

// Options converts the section into engine options.
func (c EngineConfig) Options() (capacity.Options, error) {
	policy := capacity.TruncationPolicy(strings.ToLower(c.TruncationPolicy))
	if !policy.Valid() {
		return capacity.Options{}, fmt.Errorf("unknown truncation policy %q", c.TruncationPolicy)
	}
	return capacity.Options{
		Timeout:               c.LockTimeout,
		MaxRetries:            c.MaxRetries,
		IdempotencyWindow:     c.IdempotencyWindow,
		AvailabilityTTL:       c.AvailabilityTTL,
		AvailabilityCacheSize: c.AvailabilityCacheSize,
		Truncation:            policy,
	}, nil
}

// SchedulerConfig controls the elapsed-slot closer.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "slots.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.lock_timeout", "5s")
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.idempotency_window", "1m")
	v.SetDefault("engine.availability_ttl", "5s")
	v.SetDefault("engine.availability_cache_size", 256)
	v.SetDefault("engine.truncation_policy", string(capacity.TruncateFinal))

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// SLOTS_SERVER_PORT overrides server.port
	v.SetEnvPrefix("SLOTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch cfg.Database.Driver {
	case "sqlite", "memory":
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a zap logger with the configured level and format.
// Unknown levels fall back to info; format "console" is human readable.
func SetupLogger(cfg *Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	zc := zap.NewProductionConfig()
	if strings.ToLower(cfg.Log.Format) == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
