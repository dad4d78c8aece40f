package router

import (
	"errors"
	"fmt"
	"time"
)

// BackendKind names one of the two log backends.
type BackendKind string

const (
	Primary   BackendKind = "primary"
	Secondary BackendKind = "secondary"
)

// MirrorMode selects how sampled batches reach the secondary backend.
type MirrorMode string

const (
	// MirrorInline publishes from a background goroutine of the writing process.
	MirrorInline MirrorMode = "inline"
	// MirrorQueue enqueues an asynq task that a mirror worker publishes.
	MirrorQueue MirrorMode = "queue"
)

type Config struct {
	ReadBackend       BackendKind   `env:"LOGS_READ_BACKEND" envDefault:"primary"`
	SecondaryWritePct int           `env:"LOGS_SECONDARY_WRITE_PCT" envDefault:"0"`
	MirrorMode        MirrorMode    `env:"LOGS_MIRROR_MODE" envDefault:"inline"`
	MirrorTimeout     time.Duration `env:"LOGS_MIRROR_TIMEOUT" envDefault:"10s"`
	MirrorQueue       string        `env:"LOGS_MIRROR_QUEUE" envDefault:"devicelogs"`
	MirrorConcurrency int           `env:"LOGS_MIRROR_CONCURRENCY" envDefault:"4"`
	MirrorMaxRetry    int           `env:"LOGS_MIRROR_MAX_RETRY" envDefault:"3"`
}

// SecondaryEnabled reports whether the secondary backend is used at all.
func (c Config) SecondaryEnabled() bool {
	return c.ReadBackend == Secondary || c.SecondaryWritePct > 0
}

func (c Config) Validate() error {
	switch c.ReadBackend {
	case Primary, Secondary:
	default:
		return fmt.Errorf("unknown LOGS_READ_BACKEND: %q", c.ReadBackend)
	}
	switch c.MirrorMode {
	case MirrorInline, MirrorQueue:
	default:
		return fmt.Errorf("unknown LOGS_MIRROR_MODE: %q", c.MirrorMode)
	}
	if c.SecondaryWritePct < 0 || c.SecondaryWritePct > 100 {
		return fmt.Errorf("LOGS_SECONDARY_WRITE_PCT must be within [0, 100], got %d", c.SecondaryWritePct)
	}
	if c.MirrorTimeout <= 0 {
		return errors.New("LOGS_MIRROR_TIMEOUT must be positive")
	}
	if c.MirrorMode == MirrorQueue && (c.MirrorQueue == "" || c.MirrorConcurrency <= 0) {
		return errors.New("queue mirroring needs LOGS_MIRROR_QUEUE and a positive LOGS_MIRROR_CONCURRENCY")
	}
	return nil
}
