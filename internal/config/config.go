// Package config loads service settings from the environment, optionally
// seeded by a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	DBDriver        string        `env:"DB_DRIVER,default=sqlite3"`
	DBDSN           string        `env:"DB_DSN,default=chatty.db"`
	SecretKey       string        `env:"SECRET_KEY,required=true"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL,default=30m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL,default=168h"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	// ALLOWED_ORIGINS is a comma separated list; "*" accepts any origin.
	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`

	MaxFrameBytes      int64   `env:"MAX_FRAME_BYTES,default=16384"`
	SendBufferSize     int     `env:"SEND_BUFFER_SIZE,default=256"`
	FanoutConcurrency  int     `env:"FANOUT_CONCURRENCY,default=32"`
	MaxInvalidFrames   int     `env:"MAX_INVALID_FRAMES,default=5"`
	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND,default=10"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST,default=20"`
}

// Load reads .env when present and then the process environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config error: unsupported DB_DRIVER %q", c.DBDriver)
	}
	if len(c.SecretKey) < 16 {
		return errors.New("config error: SECRET_KEY must be at least 16 bytes")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("config error: token TTLs must be positive")
	}
	if c.MaxFrameBytes <= 0 || c.SendBufferSize <= 0 || c.FanoutConcurrency <= 0 || c.MaxInvalidFrames <= 0 {
		return errors.New("config error: websocket limits must be positive")
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("config error: rate limits must be positive")
	}
	return nil
}

// Origins splits AllowedOrigins on commas and drops blanks.
func (c Config) Origins() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
