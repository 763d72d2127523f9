package brain

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/abelbrown/happyfeed/internal/logging"
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("categorizer circuit open")

// BreakerConfig holds configuration for the categorizer circuit breaker
type BreakerConfig struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state window before counts reset
	Timeout          time.Duration // open duration before probing
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Breaker wraps a Categorizer so a failing remote service is not hammered
// once per queued item.
type Breaker struct {
	next Categorizer
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Categorizer, cfg BreakerConfig) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logging.Warn("Categorizer circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the remote service.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Name() string {
	return b.next.Name()
}

func (b *Breaker) Available() bool {
	return b.next.Available() && b.cb.State() != gobreaker.StateOpen
}

// State reports the breaker state ("closed", "half-open", "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) Categorize(ctx context.Context, req Request) (Result, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Categorize(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, errors.Join(ErrCircuitOpen, err)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}
