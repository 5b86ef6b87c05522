package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/api"
	"github.com/atmx/sim-engine/internal/events"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/pricing"
	"github.com/atmx/sim-engine/internal/random"
	"github.com/atmx/sim-engine/internal/simconfig"
	"github.com/atmx/sim-engine/internal/simulation"
	"github.com/atmx/sim-engine/internal/store"
)

type testEnv struct {
	store      *store.MemoryStore
	controller *simulation.Controller
	router     chi.Router
}

// newTestEnv wires the full simulation stack over an in-memory store.
func newTestEnv(t *testing.T, limit func(http.Handler) http.Handler) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	return newTestEnvWithStore(t, ms, ms, limit)
}

// newTestEnvWithStore runs the simulation over st, which wraps ms.
func newTestEnvWithStore(t *testing.T, ms *store.MemoryStore, st store.Store, limit func(http.Handler) http.Handler) *testEnv {
	t.Helper()
	provider := simconfig.NewProvider(st)
	orch := simulation.NewOrchestrator(st, provider, pricing.NewModel(random.NewSeeded(7)), simulation.NewRevaluer(st))
	ctrl := simulation.NewController(orch)
	t.Cleanup(func() { ctrl.Shutdown(context.Background()) })

	svc := api.NewService(ctrl, orch, provider, st)
	r := chi.NewRouter()
	r.Route("/api/v1/simulation", func(r chi.Router) {
		svc.Routes(r, limit)
	})
	return &testEnv{store: ms, controller: ctrl, router: r}
}

func (e *testEnv) seedProduct(t *testing.T, id string, price float64) {
	t.Helper()
	err := e.store.CreateProduct(context.Background(), &model.Product{
		ID:             id,
		Name:           "Fund " + id,
		CurrentPrice:   decimal.NewFromFloat(price),
		ExpectedReturn: 8,
		RiskLevel:      model.RiskModerate,
		Category:       model.CategoryMixed,
		IsActive:       true,
	})
	require.NoError(t, err)
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/api/v1/simulation"+path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// --- Lifecycle ---

func TestStart_UsesConfigIntervalWhenOmitted(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	st := decode[simulation.Status](t, w)
	assert.True(t, st.IsRunning)
	assert.Equal(t, simconfig.Default().SimulationIntervalMs, st.IntervalMs)
	assert.False(t, st.Timestamp.IsZero())
	assert.True(t, env.controller.IsRunning())
}

func TestStart_RejectsOutOfRangeInterval(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{"intervalMs": 999}`, `{"intervalMs": 300001}`, `{"intervalMs": -5}`} {
		w := env.do(t, "POST", "/start", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.False(t, env.controller.IsRunning())

	w := env.do(t, "POST", "/start", `{"intervalMs": "fast"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartStop_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	first := decode[simulation.Status](t, env.do(t, "POST", "/start", `{"intervalMs": 60000}`))
	second := decode[simulation.Status](t, env.do(t, "POST", "/start", `{"intervalMs": 1000}`))
	assert.True(t, second.IsRunning)
	assert.Equal(t, first.IntervalMs, second.IntervalMs, "second start must not restart the loop")

	stopped := decode[simulation.Status](t, env.do(t, "POST", "/stop", ""))
	assert.False(t, stopped.IsRunning)
	again := env.do(t, "POST", "/stop", "")
	assert.Equal(t, http.StatusOK, again.Code)
	assert.False(t, decode[simulation.Status](t, again).IsRunning)

	status := decode[simulation.Status](t, env.do(t, "GET", "/status", ""))
	assert.False(t, status.IsRunning)
}

// --- Run once ---

func TestRunOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProduct(t, "f1", 100)
	env.seedProduct(t, "f2", 25)

	w := env.do(t, "POST", "/run-once", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[api.RunOnceResponse](t, w)
	assert.Equal(t, 2, resp.UpdatedCount)
	assert.Zero(t, resp.FailedCount)
	require.Len(t, resp.Products, 2)
	assert.Equal(t, "f1", resp.Products[0].ID)
	assert.True(t, resp.Products[0].Change.Equal(resp.Products[0].NewPrice.Sub(resp.Products[0].OldPrice)))

	n, _ := env.store.CountPriceHistory(context.Background(), "f1")
	assert.Equal(t, 1, n)
}

func TestRunOnce_NoProducts(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/run-once", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"products":[]`)
}

func TestRunOnce_RateLimited(t *testing.T) {
	limiter := api.NewRateLimiter(0.001, 1)
	env := newTestEnv(t, limiter.Middleware)

	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/run-once", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, "POST", "/run-once", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/status", "").Code, "only run-once is limited")
}

// cancellingStore honours ctx like a database driver and cancels the
// request context after the first committed price move.
type cancellingStore struct {
	*store.MemoryStore
	cancel context.CancelFunc
}

func (s *cancellingStore) ApplyPriceTick(ctx context.Context, rec *model.PriceHistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.MemoryStore.ApplyPriceTick(ctx, rec); err != nil {
		return err
	}
	s.cancel()
	return nil
}

func (s *cancellingStore) ListHoldingValuations(ctx context.Context) ([]model.HoldingValuation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.ListHoldingValuations(ctx)
}

func (s *cancellingStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.ListPortfolios(ctx)
}

// brokenValuationStore fails to load holdings for revaluation.
type brokenValuationStore struct {
	*store.MemoryStore
}

func (brokenValuationStore) ListHoldingValuations(context.Context) ([]model.HoldingValuation, error) {
	return nil, errors.New("connection reset")
}

func seedHolding(t *testing.T, ms *store.MemoryStore, user, productID string, units int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ms.CreatePortfolio(ctx, user))
	require.NoError(t, ms.UpsertHolding(ctx, &model.Holding{
		ID:           user + "-" + productID,
		UserID:       user,
		ProductID:    productID,
		Units:        decimal.NewFromInt(units),
		AveragePrice: decimal.NewFromInt(100),
	}))
}

func TestRunOnce_CompletesAfterClientCancels(t *testing.T) {
	ms := store.NewMemoryStore()
	cs := &cancellingStore{MemoryStore: ms}
	env := newTestEnvWithStore(t, ms, cs, nil)
	env.seedProduct(t, "a", 100)
	env.seedProduct(t, "b", 100)
	seedHolding(t, ms, "alice", "b", 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs.cancel = cancel

	req := httptest.NewRequest("POST", "/api/v1/simulation/run-once", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Error(t, ctx.Err(), "request context should have been cancelled mid-tick")

	resp := decode[api.RunOnceResponse](t, w)
	assert.Equal(t, 2, resp.UpdatedCount)
	assert.Zero(t, resp.FailedCount)
	assert.Empty(t, resp.Error)

	bg := context.Background()
	for _, id := range []string{"a", "b"} {
		n, _ := ms.CountPriceHistory(bg, id)
		assert.Equal(t, 1, n, "product %s should have moved", id)
	}

	b, err := ms.GetProduct(bg, "b")
	require.NoError(t, err)
	portfolio, err := ms.GetPortfolio(bg, "alice")
	require.NoError(t, err)
	require.Len(t, portfolio.Holdings, 1)
	want := b.CurrentPrice.Mul(decimal.NewFromInt(10)).Round(model.PriceScale)
	assert.True(t, portfolio.Holdings[0].CurrentValue.Equal(want),
		"holding value %s, want %s", portfolio.Holdings[0].CurrentValue, want)
	assert.True(t, portfolio.TotalValue.Equal(want))
}

func TestRunOnce_RevaluationFailureKeepsDeltas(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnvWithStore(t, ms, brokenValuationStore{ms}, nil)
	env.seedProduct(t, "f1", 100)

	w := env.do(t, "POST", "/run-once", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[api.RunOnceResponse](t, w)
	assert.Equal(t, 1, resp.UpdatedCount)
	require.Len(t, resp.Products, 1)
	assert.Equal(t, "f1", resp.Products[0].ID)
	assert.Contains(t, resp.Error, "connection reset")
}

func TestRunOnce_LoadFailureIs500(t *testing.T) {
	ms := store.NewMemoryStore()
	env := newTestEnvWithStore(t, ms, brokenListStore{ms}, nil)

	w := env.do(t, "POST", "/run-once", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// brokenListStore cannot list products.
type brokenListStore struct {
	*store.MemoryStore
}

func (brokenListStore) ListActiveProducts(context.Context) ([]model.Product, error) {
	return nil, errors.New("connection refused")
}

// --- Config ---

func TestGetConfig_Defaults(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "GET", "/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode[simconfig.Config](t, w)
	assert.Equal(t, simconfig.Default(), cfg)
}

func TestUpdateConfig(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/config", `{"randomFactor": 0.25, "typeVolatility": {"EQUITY": 2}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[api.ConfigResponse](t, w)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Config)
	assert.Equal(t, 0.25, resp.Config.RandomFactor)

	cfg := decode[simconfig.Config](t, env.do(t, "GET", "/config", ""))
	assert.Equal(t, 0.25, cfg.RandomFactor)
	assert.Equal(t, 2.0, cfg.TypeVolatility[model.CategoryEquity])
	assert.Equal(t, 0.5, cfg.TypeVolatility[model.CategoryBond])
}

func TestUpdateConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		body  string
		field string
	}{
		{`{"minPriceFloor": 1.5}`, simconfig.KeyMinPriceFloor},
		{`{"randomFactor": "abc"}`, simconfig.KeyRandomFactor},
		{`{"simulationIntervalMs": 10}`, simconfig.KeySimulationIntervalMs},
		{`{"riskVolatility": {"MODERATE": 2}}`, "riskVolatility.MODERATE"},
		{`not json`, "body"},
	}

	for _, tt := range tests {
		env := newTestEnv(t, nil)
		w := env.do(t, "POST", "/config", tt.body)
		require.Equal(t, http.StatusBadRequest, w.Code, tt.body)

		resp := decode[api.ConfigResponse](t, w)
		assert.False(t, resp.Success)
		assert.Equal(t, tt.field, resp.Field, tt.body)
		assert.NotEmpty(t, resp.Error)

		cfg := decode[simconfig.Config](t, env.do(t, "GET", "/config", ""))
		assert.Equal(t, simconfig.Default(), cfg, "rejected update must not change config")
	}
}

func TestResetConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/config", `{"marketTrendFactor": 0.1}`).Code)

	w := env.do(t, "DELETE", "/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[api.ConfigResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, simconfig.Default().MarketTrendFactor, resp.Config.MarketTrendFactor)
}

// --- History ---

func TestProductHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProduct(t, "f1", 100)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(t, "POST", "/run-once", "").Code)
	}

	w := env.do(t, "GET", "/products/f1/history?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[[]model.PriceHistoryRecord](t, w)
	require.Len(t, records, 2)

	p, _ := env.store.GetProduct(context.Background(), "f1")
	assert.True(t, records[0].Price.Equal(p.CurrentPrice), "newest record first")

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/products/nope/history", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/products/f1/history?limit=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/products/f1/history?limit=0", "").Code)
}

func TestProductHistory_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedProduct(t, "f1", 100)

	w := env.do(t, "GET", "/products/f1/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

// --- WebSocket ---

func TestWSHub_BroadcastsTickSummary(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.TickCompleted(context.Background(), simulation.TickResult{
		UpdatedCount: 1,
		Products:     []simulation.ProductDelta{{ID: "f1", Name: "Fund f1"}},
	}, nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.TickEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeTick, ev.Type)
	assert.Equal(t, 1, ev.UpdatedCount)
	require.Len(t, ev.Products, 1)
	assert.Equal(t, "f1", ev.Products[0].ID)
}

func TestWSHub_HandleWSReturnsAfterHubStops(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	returned := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r)
		close(returned)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleWS blocked on a stopped hub")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection should be closed by the server")
	assert.Zero(t, hub.ClientCount())
}
