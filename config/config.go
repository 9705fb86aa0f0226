// Package config loads process configuration from the environment, with an
// optional .env file for development.
package config

import (
	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
)

// Config is the process configuration. CLI flags may override individual
// fields after loading.
type Config struct {
	// Port is the TCP port the server listens on.
	Port int `env:"ZWO_PORT" envDefault:"52311"`

	// Seed seeds every session's image RNG. Unset means nondeterministic.
	Seed *int64 `env:"ZWO_SEED"`

	// LogLevel is a zerolog level name.
	LogLevel string `env:"ZWO_LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, eris.Wrap(err, "parse environment")
	}
	return cfg, nil
}
