// Package breaker is C13: a Redis-backed circuit breaker guarding calls to
// the extraction LLM provider. State lives in Redis so every worker process
// observes the same breaker instead of each tripping independently.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tyevans/knowledge-mapper/internal/platform/logging"
)

// State is one of the three circuit breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Run when the circuit is open and rejecting calls.
type ErrOpen struct {
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker open, retry after %s", e.RetryAfter)
}

// Config controls the breaker's thresholds. Zero values are replaced by
// DefaultConfig's values in New.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int64
	KeyPrefix        string
}

// DefaultConfig mirrors the thresholds the extraction provider has always
// used: five consecutive failures trips the circuit, a minute of quiet
// earns one probe request.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
		KeyPrefix:        "llm_circuit",
	}
}

// Store is the subset of Redis operations the breaker needs, narrowed to an
// interface so tests can swap in an in-memory fake instead of a live server.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	SetAll(ctx context.Context, values map[string]string) error
	DelAll(ctx context.Context, keys ...string) error
}

// RedisStore adapts a *redis.Client to the Store interface.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client for use by Breaker.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) SetAll(ctx context.Context, values map[string]string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, k, v, 0)
		}
		return nil
	})
	return err
}

func (s *RedisStore) DelAll(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

// Breaker is a distributed three-state circuit breaker: CLOSED tracks
// failures, OPEN rejects calls until recovery_timeout elapses, HALF_OPEN
// lets a bounded number of probe calls through to decide whether to close
// or reopen.
type Breaker struct {
	store  Store
	cfg    Config
	log    *logging.Logger
	prefix string
}

// New constructs a Breaker. A zero-value cfg field falls back to
// DefaultConfig's value for that field.
func New(store Store, cfg Config, log *logging.Logger) *Breaker {
	d := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = d.RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = d.KeyPrefix
	}
	return &Breaker{store: store, cfg: cfg, log: log, prefix: cfg.KeyPrefix}
}

func (b *Breaker) stateKey() string          { return b.prefix + ":state" }
func (b *Breaker) failuresKey() string       { return b.prefix + ":failures" }
func (b *Breaker) openedAtKey() string       { return b.prefix + ":opened_at" }
func (b *Breaker) halfOpenCallsKey() string  { return b.prefix + ":half_open_calls" }

// GetState returns the breaker's current state, defaulting to CLOSED if no
// state has ever been recorded in Redis.
func (b *Breaker) GetState(ctx context.Context) (State, error) {
	v, ok, err := b.store.Get(ctx, b.stateKey())
	if err != nil {
		return "", err
	}
	if !ok {
		return StateClosed, nil
	}
	switch State(v) {
	case StateClosed, StateOpen, StateHalfOpen:
		return State(v), nil
	default:
		if b.log != nil {
			b.log.WithContext(ctx).WithField("stored_state", v).Warn("circuit_breaker.invalid_state_defaulting_closed")
		}
		return StateClosed, nil
	}
}

// Allow reports whether a call should be permitted, performing any state
// transition the clock requires (OPEN -> HALF_OPEN once recovery_timeout
// has elapsed). Call this before making the guarded request.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	state, err := b.GetState(ctx)
	if err != nil {
		return false, err
	}

	switch state {
	case StateClosed:
		return true, nil

	case StateOpen:
		openedAt, ok, err := b.store.Get(ctx, b.openedAtKey())
		if err != nil {
			return false, err
		}
		if ok {
			openedUnix, parseErr := strconv.ParseFloat(openedAt, 64)
			if parseErr == nil {
				elapsed := time.Since(time.Unix(0, int64(openedUnix*float64(time.Second))))
				if elapsed >= b.cfg.RecoveryTimeout {
					if err := b.transitionToHalfOpen(ctx); err != nil {
						return false, err
					}
					calls, err := b.store.Incr(ctx, b.halfOpenCallsKey())
					if err != nil {
						return false, err
					}
					return calls <= b.cfg.HalfOpenMaxCalls, nil
				}
			}
		}
		return false, nil

	default: // HALF_OPEN
		calls, err := b.store.Incr(ctx, b.halfOpenCallsKey())
		if err != nil {
			return false, err
		}
		return calls <= b.cfg.HalfOpenMaxCalls, nil
	}
}

// RetryAfter reports how long until an OPEN circuit may transition to
// HALF_OPEN, or zero if the circuit is not currently open.
func (b *Breaker) RetryAfter(ctx context.Context) (time.Duration, error) {
	state, err := b.GetState(ctx)
	if err != nil {
		return 0, err
	}
	if state != StateOpen {
		return 0, nil
	}
	openedAt, ok, err := b.store.Get(ctx, b.openedAtKey())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	openedUnix, err := strconv.ParseFloat(openedAt, 64)
	if err != nil {
		return 0, nil
	}
	elapsed := time.Since(time.Unix(0, int64(openedUnix*float64(time.Second))))
	remaining := b.cfg.RecoveryTimeout - elapsed
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// RecordSuccess should be called after a successful guarded request.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	state, err := b.GetState(ctx)
	if err != nil {
		return err
	}
	switch state {
	case StateHalfOpen:
		if b.log != nil {
			b.log.WithContext(ctx).Info("circuit_breaker.closing_after_successful_probe")
		}
		return b.transitionToClosed(ctx)
	case StateClosed:
		return b.store.SetAll(ctx, map[string]string{b.failuresKey(): "0"})
	default:
		return nil
	}
}

// RecordFailure should be called after a failed guarded request.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	state, err := b.GetState(ctx)
	if err != nil {
		return err
	}
	switch state {
	case StateHalfOpen:
		if b.log != nil {
			b.log.WithContext(ctx).Warn("circuit_breaker.reopening_after_failed_probe")
		}
		return b.transitionToOpen(ctx)
	case StateClosed:
		failures, err := b.store.Incr(ctx, b.failuresKey())
		if err != nil {
			return err
		}
		if failures >= int64(b.cfg.FailureThreshold) {
			if b.log != nil {
				b.log.WithContext(ctx).WithField("failure_count", failures).Warn("circuit_breaker.threshold_reached_opening")
			}
			return b.transitionToOpen(ctx)
		}
		return nil
	default:
		return nil
	}
}

func (b *Breaker) transitionToOpen(ctx context.Context) error {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	return b.store.SetAll(ctx, map[string]string{
		b.stateKey():    string(StateOpen),
		b.openedAtKey(): strconv.FormatFloat(now, 'f', -1, 64),
	})
}

func (b *Breaker) transitionToHalfOpen(ctx context.Context) error {
	return b.store.SetAll(ctx, map[string]string{
		b.stateKey():         string(StateHalfOpen),
		b.halfOpenCallsKey(): "0",
	})
}

func (b *Breaker) transitionToClosed(ctx context.Context) error {
	if err := b.store.SetAll(ctx, map[string]string{
		b.stateKey():    string(StateClosed),
		b.failuresKey(): "0",
	}); err != nil {
		return err
	}
	return b.store.DelAll(ctx, b.openedAtKey(), b.halfOpenCallsKey())
}

// Reset clears all breaker state, returning to CLOSED. Intended for tests
// and operator-triggered manual resets.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.store.DelAll(ctx, b.stateKey(), b.failuresKey(), b.openedAtKey(), b.halfOpenCallsKey())
}

// Run executes fn only if Allow permits it, recording success or failure
// based on fn's error. Returns *ErrOpen without calling fn if the circuit
// is open.
func (b *Breaker) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	allowed, err := b.Allow(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		retryAfter, _ := b.RetryAfter(ctx)
		return &ErrOpen{RetryAfter: retryAfter}
	}

	if err := fn(ctx); err != nil {
		if recErr := b.RecordFailure(ctx); recErr != nil && b.log != nil {
			b.log.WithContext(ctx).WithError(recErr).Warn("circuit_breaker.record_failure_error")
		}
		return err
	}

	if recErr := b.RecordSuccess(ctx); recErr != nil && b.log != nil {
		b.log.WithContext(ctx).WithError(recErr).Warn("circuit_breaker.record_success_error")
	}
	return nil
}
