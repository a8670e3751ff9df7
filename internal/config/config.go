// Package config is the environment-driven configuration surface. Values are
// parsed once in main and passed down as a plain struct.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DatabasePath string `env:"AGORA_DB_PATH" envDefault:"agora.db"`
	HTTPAddr     string `env:"AGORA_HTTP_ADDR" envDefault:":8080"`

	WorkerCount  int           `env:"AGORA_WORKERS" envDefault:"8"`
	PollInterval time.Duration `env:"AGORA_POLL_INTERVAL" envDefault:"250ms"`

	DrainInterval         time.Duration `env:"AGORA_DRAIN_INTERVAL" envDefault:"1s"`
	ScheduleCheckInterval time.Duration `env:"AGORA_SCHEDULE_INTERVAL" envDefault:"30s"`
	StaleRecoveryInterval time.Duration `env:"AGORA_STALE_RECOVERY_INTERVAL" envDefault:"1m"`

	DefaultMaxAttempts int `env:"AGORA_MAX_ATTEMPTS" envDefault:"5"`
	// StampRunAt makes the scheduler stamp the caller's clock as the default
	// run_at instead of deferring to the database clock.
	StampRunAt bool `env:"AGORA_STAMP_RUN_AT" envDefault:"false"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}
