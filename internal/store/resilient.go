package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basekick-labs/cardbench/internal/circuitbreaker"
	"github.com/rs/zerolog"
)

// ResilientConfig holds configuration for the resilient store
type ResilientConfig struct {
	// Circuit breaker settings
	MaxFailures       int
	Timeout           time.Duration
	HalfOpenSuccesses int

	// Retry settings, applied to idempotent calls only
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	OnStateChange func(name string, from, to circuitbreaker.State)
}

// DefaultResilientConfig returns default resilient store configuration
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxFailures:       10,
		Timeout:           30 * time.Second,
		HalfOpenSuccesses: 2,
		MaxRetries:        3,
		RetryDelay:        200 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
	}
}

// Resilient wraps a Store with a circuit breaker and retries idempotent setup calls
// with exponential backoff. Search, IndexDocument and Bulk are never retried: a retried
// query is a different measurement and a retried bulk may duplicate documents.
//
// Bulk bypasses the breaker. Measurement buffers are written in a single bulk after
// the run, and an open circuit left behind by failed searches must not drop them
// while the store is reachable again.
type Resilient struct {
	inner  Store
	cb     *circuitbreaker.CircuitBreaker
	logger zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// NewResilient creates a resilient store around inner
func NewResilient(inner Store, cfg ResilientConfig, logger zerolog.Logger) *Resilient {
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:              "elasticsearch",
		MaxFailures:       cfg.MaxFailures,
		Timeout:           cfg.Timeout,
		HalfOpenSuccesses: cfg.HalfOpenSuccesses,
		IsFailure:         countsAgainstStore,
		OnStateChange:     cfg.OnStateChange,
	}, logger)

	return &Resilient{
		inner:         inner,
		cb:            cb,
		logger:        logger.With().Str("component", "resilient-store").Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// Breaker exposes the circuit breaker for status reporting
func (r *Resilient) Breaker() *circuitbreaker.CircuitBreaker {
	return r.cb
}

// countsAgainstStore keeps rejected requests and caller cancellation from opening the circuit
func countsAgainstStore(err error) bool {
	if IsRejected(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// retry runs fn under the breaker until it succeeds, is rejected, or retries run out
func (r *Resilient) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := r.cb.Execute(fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			r.logger.Warn().Str("op", op).Msg("Store call rejected - circuit breaker open")
			return err
		}
		if IsRejected(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.maxRetries {
			break
		}

		delay := r.retryDelay * time.Duration(1<<uint(attempt))
		if delay > r.retryMaxDelay {
			delay = r.retryMaxDelay
		}

		r.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_retries", r.maxRetries).
			Dur("retry_delay", delay).
			Msg("Store call failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s failed after %d retries: %w", op, r.maxRetries, lastErr)
}

func (r *Resilient) Ping(ctx context.Context) error {
	return r.retry(ctx, "ping", func() error { return r.inner.Ping(ctx) })
}

func (r *Resilient) DeleteIndex(ctx context.Context, name string) error {
	return r.retry(ctx, "delete index", func() error { return r.inner.DeleteIndex(ctx, name) })
}

// CreateIndex treats "already exists" on a retry as success: the earlier attempt
// committed and only its response was lost.
func (r *Resilient) CreateIndex(ctx context.Context, name string, body IndexBody) error {
	attempts := 0
	return r.retry(ctx, "create index", func() error {
		attempts++
		err := r.inner.CreateIndex(ctx, name, body)
		if attempts > 1 && IsAlreadyExists(err) {
			r.logger.Info().Str("index", name).Msg("Index created by an earlier attempt")
			return nil
		}
		return err
	})
}

func (r *Resilient) PutIndexSettings(ctx context.Context, name string, settings map[string]any) error {
	return r.retry(ctx, "put settings", func() error { return r.inner.PutIndexSettings(ctx, name, settings) })
}

func (r *Resilient) PutFieldMapping(ctx context.Context, name, field string, mapping map[string]any) error {
	return r.retry(ctx, "put mapping", func() error { return r.inner.PutFieldMapping(ctx, name, field, mapping) })
}

func (r *Resilient) PutClusterSettings(ctx context.Context, settings map[string]any) error {
	return r.retry(ctx, "put cluster settings", func() error { return r.inner.PutClusterSettings(ctx, settings) })
}

func (r *Resilient) Refresh(ctx context.Context, name string) error {
	return r.retry(ctx, "refresh", func() error { return r.inner.Refresh(ctx, name) })
}

func (r *Resilient) Count(ctx context.Context, name string) (int64, error) {
	var n int64
	err := r.retry(ctx, "count", func() error {
		var err error
		n, err = r.inner.Count(ctx, name)
		return err
	})
	return n, err
}

func (r *Resilient) Bulk(ctx context.Context, items []BulkItem) (BulkResult, error) {
	if r.cb.State() == circuitbreaker.StateOpen {
		r.logger.Debug().Int("items", len(items)).Msg("Bulk write sent while circuit is open")
	}
	return r.inner.Bulk(ctx, items)
}

func (r *Resilient) IndexDocument(ctx context.Context, name string, doc any) error {
	return r.cb.Execute(func() error { return r.inner.IndexDocument(ctx, name, doc) })
}

func (r *Resilient) Search(ctx context.Context, name string, query any) (SearchResult, error) {
	var res SearchResult
	err := r.cb.Execute(func() error {
		var err error
		res, err = r.inner.Search(ctx, name, query)
		return err
	})
	return res, err
}
