package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/engine"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 8 << 20

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	svc          *engine.Service
	checks       map[string]Pinger
	version      string
	maxBatchSize int
	started      time.Time
}

// NewHandler creates a new API handler.
func NewHandler(svc *engine.Service, checks map[string]Pinger, version string, maxBatchSize int) *Handler {
	if maxBatchSize <= 0 {
		maxBatchSize = 1000
	}
	return &Handler{
		svc:          svc,
		checks:       checks,
		version:      version,
		maxBatchSize: maxBatchSize,
		started:      time.Now(),
	}
}

// BatchRequest is the body of POST /analyze/batch and
// POST /patterns/{customerId}/build.
type BatchRequest struct {
	Transactions []*domain.Transaction `json:"transactions" validate:"required"`
}

// BatchResponse is the response of POST /analyze/batch.
type BatchResponse struct {
	Results []*domain.AnomalyResult `json:"results"`
	Count   int                     `json:"count"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Analyze handles POST /analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := decodeJSON(w, r, &tx, domain.ErrInvalidTransaction); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.svc.AnalyzeTransaction(r.Context(), &tx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// AnalyzeBatch handles POST /analyze/batch. Results keep input order.
func (h *Handler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeBatch(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	results, err := h.svc.AnalyzeTransactions(r.Context(), req.Transactions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Results: results, Count: len(results)})
}

// ListPatterns handles GET /patterns.
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := h.svc.GetAllPatterns(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

// GetPattern handles GET /patterns/{customerId}.
func (h *Handler) GetPattern(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")

	p, found, err := h.svc.GetPattern(r.Context(), customerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("no pattern for customer %s", customerID)})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// BuildPattern handles POST /patterns/{customerId}/build.
func (h *Handler) BuildPattern(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeBatch(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	p, err := h.svc.BuildPatternFromHistory(r.Context(), chi.URLParam(r, "customerId"), req.Transactions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClearPatterns handles DELETE /patterns.
func (h *Handler) ClearPatterns(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearPatterns(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "patterns cleared"})
}

// RiskReport handles GET /customers/{customerId}/risk-report.
func (h *Handler) RiskReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.GenerateRiskReport(r.Context(), chi.URLParam(r, "customerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetConfig handles GET /config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetConfig())
}

// UpdateConfig handles PUT /config. Unknown fields are rejected and
// nothing is applied unless every field is valid.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch domain.ConfigPatch
	if err := decodeJSON(w, r, &patch, domain.ErrInvalidConfig); err != nil {
		writeError(w, err)
		return
	}

	cfg, err := h.svc.UpdateConfig(patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetStats())
}

// ResetStats handles POST /stats/reset.
func (h *Handler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.svc.ResetStats()
	writeJSON(w, http.StatusOK, h.svc.GetStats())
}

// GetVerdict handles GET /verdicts/{transactionId}.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	verdict, err := h.svc.GetVerdict(r.Context(), chi.URLParam(r, "transactionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// ListRules returns the loaded custom rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.svc.ListRules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": loaded,
		"count": len(loaded),
	})
}

// CreateRule validates, stores and loads a custom rule. An invalid
// expression is rejected before anything is stored.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RuleConfig
	if err := decodeJSON(w, r, &rule, domain.ErrInvalidRule); err != nil {
		writeError(w, err)
		return
	}

	if err := h.svc.SaveRule(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteRule handles DELETE /rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules reloads every rule from the store into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	count, elapsed, err := h.svc.ReloadRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "rules reloaded successfully",
		"count":     count,
		"reload_ms": elapsed.Milliseconds(),
	})
}

// Health returns liveness and build info. It never touches dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

// Ready pings every dependency and returns 503 when any is down.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	ready := true
	for name, dep := range h.checks {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	})
}

func (h *Handler) decodeBatch(w http.ResponseWriter, r *http.Request) (*BatchRequest, error) {
	var req BatchRequest
	if err := decodeJSON(w, r, &req, domain.ErrInvalidTransaction); err != nil {
		return nil, err
	}
	if err := domain.ValidateStruct(req, domain.ErrInvalidTransaction); err != nil {
		return nil, err
	}
	if len(req.Transactions) > h.maxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit of %d",
			domain.ErrInvalidTransaction, len(req.Transactions), h.maxBatchSize)
	}
	return &req, nil
}

// decodeJSON decodes a single JSON value and rejects unknown fields.
// Failures are wrapped with kind.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, kind error) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", kind)
		}
		return fmt.Errorf("%w: invalid JSON request body: %v", kind, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must hold a single JSON value", kind)
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction),
		errors.Is(err, domain.ErrInvalidConfig),
		errors.Is(err, domain.ErrInvalidRule),
		errors.Is(err, domain.ErrEmptyHistory):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
