package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// BreakerRepository guards pattern reads and writes with a circuit breaker.
// While the breaker is open, pattern calls fail immediately with
// domain.ErrStoreUnavailable. Other calls pass straight through.
type BreakerRepository struct {
	domain.Repository
	cb *gobreaker.CircuitBreaker
}

// NewBreaker wraps repo. The breaker opens after failures consecutive
// errors and half-opens after timeout.
func NewBreaker(repo domain.Repository, name string, failures uint32, timeout time.Duration) *BreakerRepository {
	if failures == 0 {
		failures = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pattern-store-" + name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("pattern store breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &BreakerRepository{Repository: repo, cb: cb}
}

// State reports the breaker state, for health checks.
func (b *BreakerRepository) State() gobreaker.State {
	return b.cb.State()
}

// notFound marks a successful lookup that found nothing, so a miss does not
// count against the breaker.
type notFound struct{}

func (b *BreakerRepository) GetPattern(ctx context.Context, customerID string) (*domain.CustomerPattern, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		p, err := b.Repository.GetPattern(ctx, customerID)
		if errors.Is(err, domain.ErrNotFound) {
			return notFound{}, nil
		}
		return p, err
	})
	if err != nil {
		return nil, breakerError(err)
	}
	if _, miss := v.(notFound); miss {
		return nil, domain.ErrNotFound
	}
	return v.(*domain.CustomerPattern), nil
}

func (b *BreakerRepository) SavePattern(ctx context.Context, p *domain.CustomerPattern) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Repository.SavePattern(ctx, p)
	})
	return breakerError(err)
}

func (b *BreakerRepository) ListPatterns(ctx context.Context) ([]*domain.CustomerPattern, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.Repository.ListPatterns(ctx)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return v.([]*domain.CustomerPattern), nil
}

func (b *BreakerRepository) DeletePatterns(ctx context.Context) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Repository.DeletePatterns(ctx)
	})
	return breakerError(err)
}

func breakerError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}
