// Package sync replays queued offline mutations against the server and keeps
// a live status snapshot of that work.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
)

// Result is what an execute call reports about the server's record.
type Result = conflict.Result

// Executor sends one mutation to the server. It is supplied by the host's
// data-access layer; the coordinator performs no network I/O itself.
//
// Executors return errors built with errors.Transient or errors.Terminal. Any
// other error is treated as transient.
type Executor func(ctx context.Context, m *models.Mutation) (Result, error)

// RetryAfterError is a transient failure for which the server named the
// earliest time to try again. Replay waits at least Delay, capped at the
// retry MaxInterval, before the next attempt.
type RetryAfterError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.Delay)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// BreakerOptions configures the circuit breaker around execute calls.
type BreakerOptions struct {
	Enabled          bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Options tunes replay.
type Options struct {
	// BatchSize is the page size used to walk the queue.
	BatchSize int
	// MaxAttempts bounds execute calls per mutation per pass.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// ExecuteTimeout bounds each execute call. Expiry is a transient failure.
	ExecuteTimeout time.Duration
	// Concurrency bounds how many entity chains replay at once.
	Concurrency int
	Breaker     BreakerOptions
}

// DefaultOptions returns the defaults used by config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig maps loaded configuration onto replay options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:       cfg.Queue.BatchSize,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		ExecuteTimeout:  cfg.Execute.Timeout,
		Concurrency:     cfg.Execute.Concurrency,
		Breaker: BreakerOptions{
			Enabled:          cfg.Breaker.Enabled,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Breaker.OpenTimeout,
		},
	}
}

func (o Options) withDefaults() Options {
	d := OptionsFromConfig(config.Default())
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = d.InitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	if o.Multiplier < 1 {
		o.Multiplier = d.Multiplier
	}
	if o.ExecuteTimeout <= 0 {
		o.ExecuteTimeout = d.ExecuteTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.Breaker.FailureThreshold == 0 {
		o.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if o.Breaker.OpenTimeout <= 0 {
		o.Breaker.OpenTimeout = d.Breaker.OpenTimeout
	}
	return o
}
