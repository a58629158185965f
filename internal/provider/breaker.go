package provider

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/shineum/alias-forwarder/internal/email"
)

// BreakerConfig controls when a provider's circuit opens.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a trial request.
	Timeout time.Duration
	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32
}

// DefaultBreakerConfig returns conservative breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		MaxRequests: 1,
	}
}

type breakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps p in a circuit breaker. While the circuit is open Send
// fails fast with gobreaker.ErrOpenState, which callers treat as a transport
// error like any other.
func WithBreaker(p Provider, cfg BreakerConfig, logger *zap.Logger) Provider {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "breaker"), zap.String("provider", p.Name()))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &breakerProvider{next: p, cb: cb}
}

func (b *breakerProvider) Send(ctx context.Context, msg *email.Email) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, msg)
	})
	return err
}

func (b *breakerProvider) Name() string {
	return b.next.Name()
}
