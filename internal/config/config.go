// Package config loads Cyre's runtime tunables from environment variables,
// an optional .env file, and CLI overrides — the same layered-precedence
// pattern the teacher uses for its own process configuration.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/cyre-run/cyre-go"
	"github.com/cyre-run/cyre-go/internal/breathing"
)

// Config holds the breathing stress limits, TimeKeeper tuning and sensor
// ring size that feed cyre.Config, plus the HTTP observability surface's own
// settings. Breathing rate bounds and stress thresholds are constants in
// internal/breathing and are not configurable here.
type Config struct {
	// Breathing stress limits (spec §4.C).
	CPULimit       float64 `env:"CYRE_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit    float64 `env:"CYRE_MEMORY_LIMIT" envDefault:"1073741824"` // 1 GiB
	EventLoopLimit float64 `env:"CYRE_EVENT_LOOP_LIMIT_MS" envDefault:"50"`
	CallRateLimit  float64 `env:"CYRE_CALL_RATE_LIMIT" envDefault:"1000"`

	// TimeKeeper tuning (spec §4.E).
	TickInterval time.Duration `env:"CYRE_TICK_INTERVAL" envDefault:"10ms"`
	MaxTimeout   time.Duration `env:"CYRE_MAX_TIMEOUT" envDefault:"2147483647ms"`
	SafetyCap    int64         `env:"CYRE_SAFETY_CAP" envDefault:"50000"`

	// Sensor log (spec §4.D).
	RingSize int `env:"CYRE_RING_SIZE" envDefault:"4096"`

	// HTTP observability surface.
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    string  `env:"CORS_ORIGINS"` // comma-separated allowed origins; empty = allow all (*)
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`
}

// Engine converts the loaded tunables into a cyre.Config ready for
// cyre.New.
func (c *Config) Engine(log zerolog.Logger) cyre.Config {
	return cyre.Config{
		Breathing: breathing.Limits{
			CPU:       c.CPULimit,
			Memory:    c.MemoryLimit,
			EventLoop: c.EventLoopLimit,
			CallRate:  c.CallRateLimit,
		},
		TickInterval: c.TickInterval,
		MaxTimeout:   c.MaxTimeout,
		SafetyCap:    c.SafetyCap,
		RingSize:     c.RingSize,
		Log:          log,
	}
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	HTTPAddr string
	LogLevel string
}

// Load reads configuration from a .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	return cfg, nil
}
