// Package api exposes the simulation control and configuration surface over
// HTTP, plus a WebSocket stream of tick summaries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/sim-engine/internal/metrics"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/simconfig"
	"github.com/atmx/sim-engine/internal/simulation"
	"github.com/atmx/sim-engine/internal/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	maxBodyBytes        = 64 << 10
)

// Lifecycle controls the background tick loop.
type Lifecycle interface {
	Start(interval time.Duration) simulation.Status
	Stop() simulation.Status
	Status() simulation.Status
}

// ConfigManager reads and updates the simulation config.
type ConfigManager interface {
	Effective(ctx context.Context) (simconfig.Config, error)
	Set(ctx context.Context, patch simconfig.Patch) (simconfig.Config, error)
	Reset(ctx context.Context) (simconfig.Config, error)
}

// HistoryReader reads products and their price history.
type HistoryReader interface {
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListPriceHistory(ctx context.Context, productID string, limit int) ([]model.PriceHistoryRecord, error)
}

// Service serves the simulation HTTP endpoints.
type Service struct {
	lifecycle Lifecycle
	runner    simulation.TickRunner
	config    ConfigManager
	history   HistoryReader
}

// NewService creates the HTTP service.
func NewService(lc Lifecycle, runner simulation.TickRunner, cfg ConfigManager, history HistoryReader) *Service {
	return &Service{
		lifecycle: lc,
		runner:    runner,
		config:    cfg,
		history:   history,
	}
}

// Routes registers the simulation endpoints on r. runOnceLimit, if non-nil,
// wraps the run-once endpoint.
func (s *Service) Routes(r chi.Router, runOnceLimit func(http.Handler) http.Handler) {
	r.Post("/start", s.Start)
	r.Post("/stop", s.Stop)
	r.Get("/status", s.Status)

	if runOnceLimit != nil {
		r.With(runOnceLimit).Post("/run-once", s.RunOnce)
	} else {
		r.Post("/run-once", s.RunOnce)
	}

	r.Get("/config", s.GetConfig)
	r.Post("/config", s.UpdateConfig)
	r.Delete("/config", s.ResetConfig)

	r.Get("/products/{productID}/history", s.ProductHistory)
}

// --- Request/Response types ---

// StartRequest is the JSON body for POST /start.
type StartRequest struct {
	IntervalMs int64 `json:"intervalMs"` // 0 → effective config interval
}

// RunOnceResponse is the JSON body returned from POST /run-once.
type RunOnceResponse struct {
	UpdatedCount int                          `json:"updatedCount"`
	FailedCount  int                          `json:"failedCount"`
	Products     []simulation.ProductDelta    `json:"products"`
	Revaluation  simulation.RevaluationResult `json:"revaluation"`
	Error        string                       `json:"error,omitempty"`
	Timestamp    time.Time                    `json:"timestamp"`
}

// ConfigResponse is the JSON body returned from config writes.
type ConfigResponse struct {
	Success bool              `json:"success"`
	Config  *simconfig.Config `json:"config,omitempty"`
	Error   string            `json:"error,omitempty"`
	Field   string            `json:"field,omitempty"`
}

// --- Lifecycle ---

// Start handles POST /api/v1/simulation/start
func (s *Service) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	intervalMs := req.IntervalMs
	if intervalMs == 0 {
		cfg, err := s.config.Effective(r.Context())
		if err != nil {
			slog.Error("load simulation config", "err", err)
			writeError(w, "failed to load simulation config", http.StatusInternalServerError)
			return
		}
		intervalMs = cfg.SimulationIntervalMs
	}
	if !simconfig.ValidInterval(intervalMs) {
		writeError(w, fmt.Sprintf("intervalMs must be between %d and %d", simconfig.MinIntervalMs, simconfig.MaxIntervalMs), http.StatusBadRequest)
		return
	}

	st := s.lifecycle.Start(time.Duration(intervalMs) * time.Millisecond)
	metrics.RecordStatus(st)
	writeJSON(w, http.StatusOK, st)
}

// Stop handles POST /api/v1/simulation/stop
func (s *Service) Stop(w http.ResponseWriter, r *http.Request) {
	st := s.lifecycle.Stop()
	metrics.RecordStatus(st)
	writeJSON(w, http.StatusOK, st)
}

// Status handles GET /api/v1/simulation/status
func (s *Service) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lifecycle.Status())
}

// RunOnce handles POST /api/v1/simulation/run-once
// Runs one tick synchronously, queued behind any tick already in progress.
// The tick runs detached from the request context and always completes.
func (s *Service) RunOnce(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.RunTick(context.WithoutCancel(r.Context()))
	if err != nil && res.UpdatedCount == 0 && res.Failed == 0 {
		writeError(w, "simulation tick failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	products := res.Products
	if products == nil {
		products = []simulation.ProductDelta{}
	}
	resp := RunOnceResponse{
		UpdatedCount: res.UpdatedCount,
		FailedCount:  res.Failed,
		Products:     products,
		Revaluation:  res.Revaluation,
		Timestamp:    time.Now().UTC(),
	}
	// Price moves are already committed; report the revaluation failure
	// alongside them.
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Config ---

// GetConfig handles GET /api/v1/simulation/config
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.config.Effective(r.Context())
	if err != nil {
		writeError(w, "failed to load simulation config", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig handles POST /api/v1/simulation/config
// Applies a partial update; nothing is stored unless every field is valid.
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ConfigResponse{Error: "invalid request body", Field: "body"})
		return
	}

	patch, err := simconfig.ParsePatch(body)
	if err == nil {
		err = patch.Validate()
	}
	var cfg simconfig.Config
	if err == nil {
		cfg, err = s.config.Set(r.Context(), patch)
	}

	var verr *simconfig.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ConfigResponse{
			Error: verr.Field + " " + verr.Reason,
			Field: verr.Field,
		})
	case err != nil:
		slog.Error("update simulation config", "err", err)
		writeJSON(w, http.StatusInternalServerError, ConfigResponse{Error: "failed to save simulation config"})
	default:
		writeJSON(w, http.StatusOK, ConfigResponse{Success: true, Config: &cfg})
	}
}

// ResetConfig handles DELETE /api/v1/simulation/config
func (s *Service) ResetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.config.Reset(r.Context())
	if err != nil {
		slog.Error("reset simulation config", "err", err)
		writeJSON(w, http.StatusInternalServerError, ConfigResponse{Error: "failed to reset simulation config"})
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{Success: true, Config: &cfg})
}

// --- History ---

// ProductHistory handles GET /api/v1/simulation/products/{productID}/history
func (s *Service) ProductHistory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	ctx := r.Context()
	if _, err := s.history.GetProduct(ctx, productID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "product not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load product", http.StatusInternalServerError)
		return
	}

	records, err := s.history.ListPriceHistory(ctx, productID, limit)
	if err != nil {
		writeError(w, "failed to get price history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.PriceHistoryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
