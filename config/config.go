// Package config loads the settings a host process needs to wire up an
// Engine: Redis connection details, key prefixing, fail-open policy, and
// logging level. It is not consulted by the engine itself — Options and
// functional Option values remain the only construction path — it exists
// for binaries that want a YAML file plus environment overrides instead of
// hand-written Option calls.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// RedisConfig describes how to reach the shared store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// EngineConfig mirrors the subset of Options a host typically wants to
// externalize instead of hardcoding at call sites.
type EngineConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
	FailOpen  bool   `yaml:"fail_open"`
	HashTag   bool   `yaml:"hash_tag"`
}

// LoggingConfig controls the zap logger a binary builds for NewZapLogger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level document a binary loads at startup.
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the configuration Load starts from: localhost Redis,
// the "ratelimit" key prefix, fail-open (the same prefix and fail-open
// setting NewEngine applies when no option overrides them), and
// info-level JSON logging.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Engine: EngineConfig{
			KeyPrefix: "ratelimit",
			FailOpen:  true,
			HashTag:   false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// RATELIMITD_* environment overrides, then validates. An empty path is
// not an error: env overrides and defaults still apply. A non-empty path
// that cannot be read or parsed is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *Config) error {
	if addr := os.Getenv("RATELIMITD_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("RATELIMITD_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if db := os.Getenv("RATELIMITD_REDIS_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("RATELIMITD_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	if prefix := os.Getenv("RATELIMITD_KEY_PREFIX"); prefix != "" {
		cfg.Engine.KeyPrefix = prefix
	}
	if failOpen := os.Getenv("RATELIMITD_FAIL_OPEN"); failOpen != "" {
		b, err := strconv.ParseBool(failOpen)
		if err != nil {
			return fmt.Errorf("RATELIMITD_FAIL_OPEN: %w", err)
		}
		cfg.Engine.FailOpen = b
	}
	if level := os.Getenv("RATELIMITD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}

// RedisOptions builds the *redis.Options a standalone client would be
// constructed with for this configuration.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:         c.Redis.Addr,
		Username:     c.Redis.Username,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		DialTimeout:  c.Redis.DialTimeout,
		ReadTimeout:  c.Redis.ReadTimeout,
		WriteTimeout: c.Redis.WriteTimeout,
	}
}

// BuildLogger constructs a *zap.SugaredLogger from the Logging section,
// suitable for passing to NewZapLogger.
func (c *Config) BuildLogger() (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing logging.level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if c.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building zap logger: %w", err)
	}
	return logger.Sugar(), nil
}

func validate(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr cannot be empty")
	}
	if cfg.Engine.KeyPrefix == "" {
		return fmt.Errorf("engine.key_prefix cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", cfg.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s", cfg.Logging.Format)
	}

	return nil
}
