// Package config loads server settings from DNDTRACKER_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "DNDTRACKER_"

// Archive backends.
const (
	ArchiveNone     = "none"
	ArchivePostgres = "postgres"
	ArchiveBolt     = "bolt"
)

// Config holds every server setting.
type Config struct {
	Env  string `env:"ENV" envDefault:"development"`
	Host string `env:"HOST" envDefault:"127.0.0.1"`
	Port int    `env:"PORT" envDefault:"8000"`

	ServerSalt string `env:"SERVER_SALT" envDefault:"dev-salt"`

	LogCapacity      int           `env:"LOG_CAPACITY" envDefault:"200"`
	SubscriberBuffer int           `env:"SUBSCRIBER_BUFFER" envDefault:"32"`
	IdleTTL          time.Duration `env:"ENCOUNTER_IDLE_TTL" envDefault:"0s"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	CreateRate     float64  `env:"CREATE_RATE" envDefault:"5"`
	CreateBurst    int      `env:"CREATE_BURST" envDefault:"10"`
	SyncRate       float64  `env:"SYNC_RATE" envDefault:"1"`
	SyncBurst      int      `env:"SYNC_BURST" envDefault:"5"`

	Archive     string `env:"ARCHIVE" envDefault:"none"`
	DatabaseURL string `env:"DATABASE_URL"`
	BoltPath    string `env:"BOLT_PATH" envDefault:"dndtracker.db"`

	RedisAddr          string `env:"REDIS_ADDR"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" envDefault:"dndtracker:encounter"`

	MDNS    bool `env:"MDNS" envDefault:"false"`
	Metrics bool `env:"METRICS" envDefault:"true"`
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%sPORT must be within 1..65535, got %d", Prefix, c.Port))
	}
	if c.ServerSalt == "" {
		errs = append(errs, fmt.Errorf("%sSERVER_SALT must not be empty", Prefix))
	}
	if c.LogCapacity < 1 {
		errs = append(errs, fmt.Errorf("%sLOG_CAPACITY must be positive", Prefix))
	}
	if c.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Errorf("%sSUBSCRIBER_BUFFER must be positive", Prefix))
	}
	if c.IdleTTL < 0 {
		errs = append(errs, fmt.Errorf("%sENCOUNTER_IDLE_TTL must not be negative", Prefix))
	}
	if c.CreateRate <= 0 || c.CreateBurst < 1 {
		errs = append(errs, fmt.Errorf("%sCREATE_RATE and %sCREATE_BURST must be positive", Prefix, Prefix))
	}
	if c.SyncRate <= 0 || c.SyncBurst < 1 {
		errs = append(errs, fmt.Errorf("%sSYNC_RATE and %sSYNC_BURST must be positive", Prefix, Prefix))
	}
	switch c.Archive {
	case ArchiveNone, ArchiveBolt:
	case ArchivePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%sDATABASE_URL is required when %sARCHIVE=postgres", Prefix, Prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%sARCHIVE must be one of none, postgres, bolt; got %q", Prefix, c.Archive))
	}
	if c.Archive == ArchiveBolt && c.BoltPath == "" {
		errs = append(errs, fmt.Errorf("%sBOLT_PATH is required when %sARCHIVE=bolt", Prefix, Prefix))
	}
	return errors.Join(errs...)
}
