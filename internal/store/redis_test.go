package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/model"
)

// gatedStore pauses the next config read after it has loaded its snapshot,
// so a write can commit between the read and the cache fill.
type gatedStore struct {
	*MemoryStore
	hold    atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func (s *gatedStore) GetConfigOverrides(ctx context.Context) (map[string]string, error) {
	overrides, err := s.MemoryStore.GetConfigOverrides(ctx)
	if s.hold.CompareAndSwap(true, false) {
		close(s.loaded)
		<-s.release
	}
	return overrides, err
}

func newCachedStore(t *testing.T, primary Store) (*CachedStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCachedStore(primary, rdb, time.Minute), mr
}

func TestCachedStore_ConfigWriteRefreshesCache(t *testing.T) {
	ms := NewMemoryStore()
	cs, mr := newCachedStore(t, ms)
	ctx := context.Background()

	got, err := cs.GetConfigOverrides(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, cs.SetConfigOverrides(ctx, map[string]string{"randomFactor": "0.9"}))
	cached, err := mr.Get(overridesKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"randomFactor":"0.9"}`, cached)

	require.NoError(t, cs.ClearConfigOverrides(ctx))
	got, err = cs.GetConfigOverrides(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCachedStore_StaleConfigReadDoesNotOverwriteUpdate(t *testing.T) {
	gs := &gatedStore{
		MemoryStore: NewMemoryStore(),
		loaded:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	cs, _ := newCachedStore(t, gs)
	ctx := context.Background()

	gs.hold.Store(true)
	stale := make(chan map[string]string, 1)
	go func() {
		m, _ := cs.GetConfigOverrides(ctx)
		stale <- m
	}()
	<-gs.loaded

	require.NoError(t, cs.SetConfigOverrides(ctx, map[string]string{"randomFactor": "0.9"}))
	close(gs.release)
	assert.Empty(t, <-stale, "the racing read saw the pre-update snapshot")

	got, err := cs.GetConfigOverrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"randomFactor": "0.9"}, got)
}

func TestCachedStore_PriceTickRefreshesProductAndHistory(t *testing.T) {
	ms := NewMemoryStore()
	cs, _ := newCachedStore(t, ms)
	ctx := context.Background()

	require.NoError(t, cs.CreateProduct(ctx, &model.Product{
		ID: "p1", Name: "Fund", CurrentPrice: decimal.NewFromInt(100),
		RiskLevel: model.RiskModerate, Category: model.CategoryMixed, IsActive: true,
	}))

	hist, err := cs.ListPriceHistory(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Empty(t, hist)

	require.NoError(t, cs.ApplyPriceTick(ctx, &model.PriceHistoryRecord{
		ID: "h1", ProductID: "p1", Price: decimal.NewFromInt(101),
		Change: decimal.NewFromInt(1), ChangePercent: decimal.NewFromInt(1), CreatedAt: time.Now().UTC(),
	}))

	p, err := cs.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.CurrentPrice.Equal(decimal.NewFromInt(101)))

	hist, err = cs.ListPriceHistory(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "h1", hist[0].ID)
}
