package router

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"

	"github.com/ls1intum/devicelogs/shared/devicelogs"
	"github.com/ls1intum/devicelogs/shared/utils"
)

var _ devicelogs.Backend = (*Router)(nil)

// Mirror forwards a published batch to the secondary backend without failing the caller.
type Mirror interface {
	Mirror(ctx context.Context, lc devicelogs.LogContext, logs []devicelogs.InternalLog)
}

// Router sends every write to the primary backend, mirrors a sampled share of writes to the
// secondary, and serves reads from the configured backend of record.
type Router struct {
	primary   devicelogs.Backend
	secondary devicelogs.Backend
	read      devicelogs.Backend
	mirror    Mirror
	writePct  int
	sample    func() int
	logger    *slog.Logger
}

// New creates a router. secondary and mirror may be nil when cfg does not use the secondary.
func New(primary, secondary devicelogs.Backend, mirror Mirror, cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, errors.New("primary backend is required")
	}
	if cfg.SecondaryEnabled() && secondary == nil {
		return nil, errors.New("configuration uses the secondary backend but none was provided")
	}
	if cfg.SecondaryWritePct > 0 && mirror == nil {
		return nil, errors.New("secondary writes are sampled but no mirror was provided")
	}

	r := &Router{
		primary:   primary,
		secondary: secondary,
		read:      primary,
		mirror:    mirror,
		writePct:  cfg.SecondaryWritePct,
		sample:    func() int { return rand.IntN(100) },
		logger:    utils.ComponentLogger("router"),
	}
	if cfg.ReadBackend == Secondary {
		r.read = secondary
	}
	return r, nil
}

// ReadBackend returns the backend serving History and subscriptions.
func (r *Router) ReadBackend() devicelogs.Backend {
	return r.read
}

// Available reports whether the read backend is healthy.
func (r *Router) Available() bool {
	return r.read.Available()
}

// WriteAvailable reports whether the primary backend accepts writes.
func (r *Router) WriteAvailable() bool {
	return r.primary.Available()
}

func (r *Router) History(ctx context.Context, lc devicelogs.LogContext, opts devicelogs.HistoryOptions) ([]devicelogs.OutputLog, error) {
	return r.read.History(ctx, lc, opts)
}

// Publish writes to the primary and, for a sampled share of calls, mirrors the batch.
func (r *Router) Publish(ctx context.Context, lc devicelogs.LogContext, logs []devicelogs.InternalLog) error {
	if err := r.primary.Publish(ctx, lc, logs); err != nil {
		return err
	}
	if len(logs) > 0 && r.shouldMirror() {
		r.mirror.Mirror(ctx, lc, logs)
	}
	return nil
}

func (r *Router) Subscribe(ctx context.Context, lc devicelogs.LogContext) (*devicelogs.Subscription, error) {
	return r.read.Subscribe(ctx, lc)
}

func (r *Router) Unsubscribe(ctx context.Context, sub *devicelogs.Subscription) error {
	return r.read.Unsubscribe(ctx, sub)
}

func (r *Router) shouldMirror() bool {
	switch {
	case r.writePct <= 0:
		return false
	case r.writePct >= 100:
		return true
	default:
		return r.sample() < r.writePct
	}
}
