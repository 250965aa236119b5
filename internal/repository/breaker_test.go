package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// flakyRepository fails pattern calls while down is set.
type flakyRepository struct {
	*MemoryRepository
	down  bool
	calls int
}

var errDiskGone = errors.New("disk gone")

func (f *flakyRepository) GetPattern(ctx context.Context, customerID string) (*domain.CustomerPattern, error) {
	f.calls++
	if f.down {
		return nil, errDiskGone
	}
	return f.MemoryRepository.GetPattern(ctx, customerID)
}

func (f *flakyRepository) SavePattern(ctx context.Context, p *domain.CustomerPattern) error {
	f.calls++
	if f.down {
		return errDiskGone
	}
	return f.MemoryRepository.SavePattern(ctx, p)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	flaky := &flakyRepository{MemoryRepository: NewMemory(), down: true}
	repo := NewBreaker(flaky, "test", 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.GetPattern(ctx, "cust-1")
		require.ErrorIs(t, err, errDiskGone)
	}
	assert.Equal(t, gobreaker.StateOpen, repo.State())

	_, err := repo.GetPattern(ctx, "cust-1")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 3, flaky.calls, "open breaker must not reach the store")

	err = repo.SavePattern(ctx, samplePattern("cust-1", 1))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestBreakerIgnoresMisses(t *testing.T) {
	flaky := &flakyRepository{MemoryRepository: NewMemory()}
	repo := NewBreaker(flaky, "test", 2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.GetPattern(ctx, "unknown")
		require.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, repo.State())

	require.NoError(t, repo.SavePattern(ctx, samplePattern("cust-1", 4)))
	p, err := repo.GetPattern(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.TransactionCount)

	all, err := repo.ListPatterns(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	require.NoError(t, repo.DeletePatterns(ctx))
}
