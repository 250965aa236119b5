package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

const verdictPrefix = "verdict:"

type byteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func getVerdict(ctx context.Context, s byteStore, txID string) (*domain.AnomalyResult, error) {
	data, err := s.Get(ctx, verdictPrefix+txID)
	if err != nil || data == nil {
		return nil, err
	}

	var result domain.AnomalyResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func setVerdict(ctx context.Context, s byteStore, result *domain.AnomalyResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.Set(ctx, verdictPrefix+result.TransactionID, data, ttl)
}
