// Package worker consumes transactions from the event bus and feeds them to
// the detection engine.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// Analyzer is the part of the detection engine the worker drives.
type Analyzer interface {
	AnalyzeTransaction(ctx context.Context, tx *domain.Transaction) (*domain.AnomalyResult, error)
}

// Worker analyzes transactions published on TopicTransactionIngested.
// A message holds either one transaction or a JSON array of them. Verdicts
// are published by the engine, not here.
type Worker struct {
	bus         domain.EventBus
	analyzer    Analyzer
	parallelism int

	mu            sync.Mutex
	subscriptions []domain.Subscription
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	malformed atomic.Int64
}

// NewWorker creates a worker. parallelism caps how many customers of one
// batch message are analyzed at once.
func NewWorker(bus domain.EventBus, analyzer Analyzer, parallelism int) *Worker {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Worker{
		bus:         bus,
		analyzer:    analyzer,
		parallelism: parallelism,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return errors.New("worker already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	sub, err := w.bus.Subscribe(ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionIngested, err)
	}
	w.cancel = cancel
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicTransactionIngested,
		"parallelism", w.parallelism,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	txs, err := decodeTransactions(msg.Payload)
	if err != nil {
		w.malformed.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	results := w.Process(ctx, txs)

	anomalies := 0
	for _, r := range results {
		if r != nil && r.IsAnomaly {
			anomalies++
		}
	}
	slog.Debug("message processed",
		"message_id", msg.ID,
		"transactions", len(txs),
		"anomalies", anomalies,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Process analyzes txs and returns results in input order; a failed
// transaction leaves a nil entry. Each customer's transactions run
// sequentially in input order while distinct customers run concurrently.
// Once ctx is cancelled no further transactions start and the rest stay nil.
func (w *Worker) Process(ctx context.Context, txs []*domain.Transaction) []*domain.AnomalyResult {
	results := make([]*domain.AnomalyResult, len(txs))
	if ctx.Err() != nil {
		return results
	}
	if len(txs) == 1 {
		results[0] = w.analyze(ctx, txs[0])
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for _, idx := range partition(txs) {
		idx := idx
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			for _, i := range idx {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = w.analyze(gctx, txs[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("batch processing stopped", "transactions", len(txs), "error", err)
	}
	return results
}

func (w *Worker) analyze(ctx context.Context, tx *domain.Transaction) *domain.AnomalyResult {
	result, err := w.analyzer.AnalyzeTransaction(ctx, tx)
	if err != nil {
		w.failed.Add(1)
		id := ""
		if tx != nil {
			id = tx.ID
		}
		slog.Error("transaction analysis failed", "tx_id", id, "error", err)
		return nil
	}
	w.processed.Add(1)
	return result
}

// partition groups transaction indexes by customer, keeping first-seen
// customer order and input order within each customer.
func partition(txs []*domain.Transaction) [][]int {
	groups := make(map[string]int)
	var out [][]int
	for i, tx := range txs {
		key := ""
		if tx != nil {
			key = tx.CustomerID
		}
		g, ok := groups[key]
		if !ok {
			g = len(out)
			groups[key] = g
			out = append(out, nil)
		}
		out[g] = append(out[g], i)
	}
	return out
}

func decodeTransactions(payload []byte) ([]*domain.Transaction, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}

	if trimmed[0] == '[' {
		var txs []*domain.Transaction
		if err := json.Unmarshal(trimmed, &txs); err != nil {
			return nil, err
		}
		return txs, nil
	}

	var tx domain.Transaction
	if err := json.Unmarshal(trimmed, &tx); err != nil {
		return nil, err
	}
	return []*domain.Transaction{&tx}, nil
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Malformed         int64    `json:"malformed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Malformed:         w.malformed.Load(),
	}
}
