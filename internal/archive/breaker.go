package archive

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker (default: 5).
	ConsecutiveFailures uint32
	// Cooldown is how long the breaker stays open (default: 2m).
	Cooldown time.Duration
}

// Breaker stops calling a failing archive for a while.
// Only transient failures count; a rejected request says nothing about
// the archive's health.
type Breaker struct {
	inner    Archive
	cb       *gobreaker.CircuitBreaker
	cooldown time.Duration
	openedAt atomic.Int64 // unix nanos of the last trip
}

func NewBreaker(inner Archive, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{inner: inner, cooldown: cfg.Cooldown}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cds",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.openedAt.Store(time.Now().UnixNano())
			}
			logger.Warn("archive circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) != KindTransient
		},
	})

	return b
}

// Retrieve forwards through the breaker. While open it fails immediately
// with KindUnavailable and RetryAfter set to the rest of the cooldown, so a
// caller that waits that long lands in the half-open probe window.
func (b *Breaker) Retrieve(ctx context.Context, req Request) (*Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Retrieve(ctx, req)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, &Error{Kind: KindUnavailable, Op: "breaker", Err: err, RetryAfter: b.remaining()}
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		// half-open and the probe is already out
		return nil, &Error{Kind: KindUnavailable, Op: "breaker", Err: err}
	case err != nil:
		return nil, err
	}
	return out.(*Result), nil
}

func (b *Breaker) remaining() time.Duration {
	opened := time.Unix(0, b.openedAt.Load())
	return max(b.cooldown-time.Since(opened), time.Millisecond)
}

// State reports the breaker state, for the status endpoint.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

var _ Archive = (*Breaker)(nil)
