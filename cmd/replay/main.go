// Replay tool for measuring Sentinel against labelled transaction data.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/labelled.csv -url http://localhost:8080
//
// The CSV header must contain:
//
//	id,customer_id,amount,currency,timestamp,category,country,city,is_fraud
//
// Rows are sharded by customer so each customer's transactions reach
// /analyze/batch in file order. Verdicts are compared with the is_fraud label
// twice: once for isAnomaly and once for a non-approve recommended action.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/sentinel/internal/domain"
)

var requiredColumns = []string{"id", "customer_id", "amount", "currency", "timestamp", "is_fraud"}

// labelledTransaction is a CSV row with its ground truth.
type labelledTransaction struct {
	Tx      *domain.Transaction
	IsFraud bool
}

// Confusion is a binary confusion matrix.
type Confusion struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64
}

// Record adds one prediction against its label.
func (c *Confusion) Record(predicted, actual bool) {
	switch {
	case predicted && actual:
		atomic.AddInt64(&c.TruePositives, 1)
	case predicted && !actual:
		atomic.AddInt64(&c.FalsePositives, 1)
	case !predicted && !actual:
		atomic.AddInt64(&c.TrueNegatives, 1)
	default:
		atomic.AddInt64(&c.FalseNegatives, 1)
	}
}

func (c *Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

func (c *Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

func (c *Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (c *Confusion) Accuracy() float64 {
	total := c.TruePositives + c.TrueNegatives + c.FalsePositives + c.FalseNegatives
	return ratio(c.TruePositives+c.TrueNegatives, total)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Results collects replay outcomes.
type Results struct {
	Anomaly Confusion // isAnomaly vs label
	Action  Confusion // recommendedAction != approve vs label

	Processed int64
	Fraud     int64
	Errors    int64
	LatencyMs int64
	Batches   int64
}

func (r *Results) record(result *domain.AnomalyResult, isFraud bool) {
	atomic.AddInt64(&r.Processed, 1)
	if isFraud {
		atomic.AddInt64(&r.Fraud, 1)
	}
	r.Anomaly.Record(result.IsAnomaly, isFraud)
	r.Action.Record(result.RecommendedAction != domain.ActionApprove, isFraud)
}

type batchRequest struct {
	Transactions []*domain.Transaction `json:"transactions"`
}

type batchResponse struct {
	Results []*domain.AnomalyResult `json:"results"`
	Count   int                     `json:"count"`
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Sentinel base URL")
	limit := flag.Int("limit", 0, "Maximum transactions to replay (0 = all)")
	batchSize := flag.Int("batch", 100, "Transactions per /analyze/batch request")
	workers := flag.Int("workers", 4, "Concurrent customer shards")
	verbose := flag.Bool("verbose", false, "Print each verdict")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/labelled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("SENTINEL REPLAY")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Sentinel URL: %s\n", *baseURL)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Batch Size:   %d\n", *batchSize)
	fmt.Println()

	client := &http.Client{Timeout: 30 * time.Second}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Sentinel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Sentinel is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	rows, skipped, err := readCSV(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions (%d malformed rows skipped)\n", len(rows), skipped)

	start := time.Now()
	results := replay(context.Background(), client, *baseURL, rows, *workers, *batchSize, *verbose)
	printResults(results, time.Since(start))
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCSV parses labelled rows. Rows that fail to parse are counted and skipped.
func readCSV(r io.Reader, limit int) ([]labelledTransaction, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", name)
		}
	}

	var rows []labelledTransaction
	skipped := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		row, err := parseRow(record, col)
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, row)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, skipped, nil
}

func parseRow(record []string, col map[string]int) (labelledTransaction, error) {
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	amount, err := decimal.NewFromString(field("amount"))
	if err != nil {
		return labelledTransaction{}, fmt.Errorf("amount: %w", err)
	}
	ts, err := parseTimestamp(field("timestamp"))
	if err != nil {
		return labelledTransaction{}, err
	}
	isFraud, err := parseLabel(field("is_fraud"))
	if err != nil {
		return labelledTransaction{}, err
	}

	tx := &domain.Transaction{
		ID:         field("id"),
		CustomerID: field("customer_id"),
		Amount:     amount,
		Currency:   field("currency"),
		Timestamp:  ts,
		Category:   field("category"),
	}
	if country, city := field("country"), field("city"); country != "" || city != "" {
		tx.Location = &domain.Location{Country: country, City: city}
	}
	if err := tx.Validate(); err != nil {
		return labelledTransaction{}, err
	}
	return labelledTransaction{Tx: tx, IsFraud: isFraud}, nil
}

// parseTimestamp accepts RFC 3339 or unix seconds.
func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: expected RFC 3339 or unix seconds", s)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func parseLabel(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no", "":
		return false, nil
	}
	return false, fmt.Errorf("is_fraud %q: expected 0/1 or true/false", s)
}

// shard splits rows across n shards by customer, keeping file order within each.
func shard(rows []labelledTransaction, n int) [][]labelledTransaction {
	if n < 1 {
		n = 1
	}
	shards := make([][]labelledTransaction, n)
	for _, row := range rows {
		h := fnv.New32a()
		_, _ = h.Write([]byte(row.Tx.CustomerID))
		i := int(h.Sum32() % uint32(n))
		shards[i] = append(shards[i], row)
	}
	return shards
}

func replay(ctx context.Context, client *http.Client, baseURL string, rows []labelledTransaction, workers, batchSize int, verbose bool) *Results {
	if batchSize < 1 {
		batchSize = 1
	}
	results := &Results{}

	var g errgroup.Group
	for _, rows := range shard(rows, workers) {
		rows := rows
		g.Go(func() error {
			for start := 0; start < len(rows); start += batchSize {
				batch := rows[start:min(start+batchSize, len(rows))]
				sendBatch(ctx, client, baseURL, batch, results, verbose)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func sendBatch(ctx context.Context, client *http.Client, baseURL string, batch []labelledTransaction, results *Results, verbose bool) {
	txs := make([]*domain.Transaction, len(batch))
	for i, row := range batch {
		txs[i] = row.Tx
	}

	start := time.Now()
	verdicts, err := analyzeBatch(ctx, client, baseURL, txs)
	atomic.AddInt64(&results.LatencyMs, time.Since(start).Milliseconds())
	atomic.AddInt64(&results.Batches, 1)

	if err != nil {
		atomic.AddInt64(&results.Errors, int64(len(batch)))
		if verbose {
			fmt.Printf("ERROR: batch starting at %s -> %v\n", batch[0].Tx.ID, err)
		}
		return
	}

	for i, verdict := range verdicts {
		results.record(verdict, batch[i].IsFraud)
		if verbose {
			mark := "ok"
			if verdict.IsAnomaly != batch[i].IsFraud {
				mark = "xx"
			}
			fmt.Printf("%s %-12s | %-12s | %12s | fraud=%-5v | score=%6.2f %-8s %s\n",
				mark, batch[i].Tx.ID, batch[i].Tx.CustomerID, batch[i].Tx.Amount.StringFixed(2),
				batch[i].IsFraud, verdict.Score, verdict.RiskLevel, verdict.RecommendedAction)
		}
	}
}

func analyzeBatch(ctx context.Context, client *http.Client, baseURL string, txs []*domain.Transaction) ([]*domain.AnomalyResult, error) {
	body, err := json.Marshal(batchRequest{Transactions: txs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/analyze/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(txs) {
		return nil, fmt.Errorf("expected %d results, got %d", len(txs), len(out.Results))
	}
	return out.Results, nil
}

func printResults(r *Results, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")
	fmt.Printf("\n   Processed:  %d\n", r.Processed)
	fmt.Printf("   Fraud:      %d\n", r.Fraud)
	fmt.Printf("   Non-Fraud:  %d\n", r.Processed-r.Fraud)
	fmt.Printf("   Errors:     %d\n", r.Errors)

	printConfusion("isAnomaly", &r.Anomaly)
	printConfusion("recommendedAction != approve", &r.Action)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if r.Batches > 0 {
		fmt.Printf("   Avg Batch:       %.2f ms\n", float64(r.LatencyMs)/float64(r.Batches))
	}
	if secs := duration.Seconds(); secs > 0 {
		fmt.Printf("   Throughput:      %.2f tx/sec\n", float64(r.Processed)/secs)
	}
	fmt.Println()
}

func printConfusion(title string, c *Confusion) {
	fmt.Printf("\nPREDICTED BY %s\n", title)
	fmt.Println("                    flagged     passed")
	fmt.Printf("   Actual  fraud  %10d %10d   (TP, FN)\n", c.TruePositives, c.FalseNegatives)
	fmt.Printf("           legit  %10d %10d   (FP, TN)\n", c.FalsePositives, c.TrueNegatives)
	fmt.Printf("   Precision: %.4f  Recall: %.4f  F1: %.4f  Accuracy: %.4f\n",
		c.Precision(), c.Recall(), c.F1(), c.Accuracy())
}
