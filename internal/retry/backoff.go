// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"gigchat/internal/constants"
	"gigchat/internal/models"
)

// Config controls a Backoff. MaxAttempts of zero retries until the
// context ends.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	// Jitter is the fraction of each delay that is randomized, 0 to 1.
	Jitter float64
}

// DefaultConfig suits reconnect loops.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Duration(constants.DefaultReconnectInitialMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultReconnectMaxMs) * time.Millisecond,
		Multiplier:   2,
		Jitter:       0.25,
	}
}

// FromConfig builds a Config from the retry section of the app config.
func FromConfig(rc models.RetryConfig) Config {
	cfg := DefaultConfig()
	if rc.InitialBackoffMs > 0 {
		cfg.InitialDelay = time.Duration(rc.InitialBackoffMs) * time.Millisecond
	}
	if rc.MaxBackoffMs > 0 {
		cfg.MaxDelay = time.Duration(rc.MaxBackoffMs) * time.Millisecond
	}
	if rc.MaxAttempts > 0 {
		cfg.MaxAttempts = rc.MaxAttempts
	}
	return cfg
}

type Backoff struct {
	cfg    Config
	random func() float64
}

func New(cfg Config) *Backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	return &Backoff{cfg: cfg, random: rand.Float64}
}

// Delay returns the wait after the given failed attempt, counting from 1.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.cfg.InitialDelay)
	for i := 1; i < attempt && d < float64(b.cfg.MaxDelay); i++ {
		d *= b.cfg.Multiplier
	}
	if d > float64(b.cfg.MaxDelay) {
		d = float64(b.cfg.MaxDelay)
	}
	if b.cfg.Jitter > 0 {
		d += (b.random()*2 - 1) * b.cfg.Jitter * d
	}
	if d > float64(b.cfg.MaxDelay) {
		d = float64(b.cfg.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Notify is told about each failed attempt before the wait.
type Notify func(attempt int, err error, wait time.Duration)

// Do calls op until it succeeds, returns a Permanent error, attempts run
// out or ctx ends. It returns the last error from op, or ctx.Err().
func (b *Backoff) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, notify Notify) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if b.cfg.MaxAttempts > 0 && attempt >= b.cfg.MaxAttempts {
			return err
		}

		wait := b.Delay(attempt)
		if notify != nil {
			notify(attempt, err, wait)
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
