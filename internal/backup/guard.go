package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	defaultRemoteTimeout    = 30 * time.Second
	defaultFailureThreshold = 3
	defaultBreakerCooldown  = time.Minute
)

// GuardConfig tunes the timeout and circuit breaker around a Repository.
type GuardConfig struct {
	Timeout          time.Duration
	FailureThreshold uint32
	Cooldown         time.Duration
}

// Guard bounds every repository call with a timeout and stops calling a
// remote that keeps failing. Timeouts and an open breaker both surface as
// ErrRemoteUnavailable.
type Guard struct {
	inner   Repository
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]
}

var _ Repository = (*Guard)(nil)

// NewGuard wraps inner.
func NewGuard(inner Repository, cfg GuardConfig, log zerolog.Logger) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRemoteTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultBreakerCooldown
	}

	settings := gobreaker.Settings{
		Name:        "backup-remote",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Absent or corrupt objects are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorruptEnvelope)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("remote circuit breaker state changed")
		},
	}

	return &Guard{
		inner:   inner,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the breaker state name.
func (g *Guard) State() string {
	return g.cb.State().String()
}

type callResult struct {
	v   any
	err error
}

// call runs fn in its own goroutine so a client that ignores cancellation
// still cannot hold the caller past the timeout.
func (g *Guard) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	v, err := g.cb.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		done := make(chan callResult, 1)
		go func() {
			v, err := fn(cctx)
			done <- callResult{v, err}
		}()

		select {
		case res := <-done:
			if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && !errors.Is(res.err, ErrRemoteUnavailable) {
				return nil, fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, op, res.err)
			}
			return res.v, res.err
		case <-cctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, op, cctx.Err())
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, op, err)
	}
	return v, err
}

func (g *Guard) Probe(ctx context.Context) error {
	_, err := g.call(ctx, "probe", func(ctx context.Context) (any, error) {
		return nil, g.inner.Probe(ctx)
	})
	return err
}

func (g *Guard) Exists(ctx context.Context, h Handle) (bool, error) {
	v, err := g.call(ctx, "exists", func(ctx context.Context) (any, error) {
		return g.inner.Exists(ctx, h)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (g *Guard) Fetch(ctx context.Context, h Handle) (*Envelope, error) {
	v, err := g.call(ctx, "fetch", func(ctx context.Context) (any, error) {
		return g.inner.Fetch(ctx, h)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Envelope), nil
}

func (g *Guard) Create(ctx context.Context, tag string, env *Envelope) (Handle, error) {
	return g.handleCall(ctx, "create", func(ctx context.Context) (Handle, error) {
		return g.inner.Create(ctx, tag, env)
	})
}

func (g *Guard) Update(ctx context.Context, h Handle, env *Envelope) (Handle, error) {
	return g.handleCall(ctx, "update", func(ctx context.Context) (Handle, error) {
		return g.inner.Update(ctx, h, env)
	})
}

func (g *Guard) Discover(ctx context.Context, tag string) (Handle, error) {
	return g.handleCall(ctx, "discover", func(ctx context.Context) (Handle, error) {
		return g.inner.Discover(ctx, tag)
	})
}

func (g *Guard) handleCall(ctx context.Context, op string, fn func(context.Context) (Handle, error)) (Handle, error) {
	v, err := g.call(ctx, op, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(Handle), nil
}
