package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spreadbot/internal/domain"
)

var now = time.Date(2026, 3, 20, 15, 0, 0, 0, time.UTC)

type stubProvider struct {
	name  string
	mc    domain.MarketContext
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) MarketContext(context.Context, string) (domain.MarketContext, error) {
	s.calls++
	return s.mc, s.err
}

type mapCache struct {
	mu   sync.Mutex
	byID map[string]domain.MarketContext
}

func (c *mapCache) Put(_ context.Context, mc domain.MarketContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID == nil {
		c.byID = make(map[string]domain.MarketContext)
	}
	c.byID[mc.Symbol] = mc
	return nil
}

func (c *mapCache) Latest(_ context.Context, symbol string) (domain.MarketContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc, ok := c.byID[symbol]
	if !ok {
		return domain.MarketContext{}, domain.ErrNotFound
	}
	return mc, nil
}

func fresh(spot float64) domain.MarketContext {
	return domain.MarketContext{
		Spot:      spot,
		CallWall:  spot + 5,
		PutWall:   spot - 5,
		VolIndex:  16,
		Timestamp: now.Add(-time.Minute),
	}
}

var gate = Gate{MaxAge: 5 * time.Minute, MinPrice: 50, MaxPrice: 2000}

func newResolver(cache domain.ContextCache, providers ...domain.MarketContextProvider) *Resolver {
	r := NewResolver(providers, cache, gate, discard())
	r.now = func() time.Time { return now }
	return r
}

func TestGateCheck(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*domain.MarketContext)
		want error
	}{
		{"fresh", func(*domain.MarketContext) {}, nil},
		{"no timestamp", func(m *domain.MarketContext) { m.Timestamp = time.Time{} }, domain.ErrStaleData},
		{"too old", func(m *domain.MarketContext) { m.Timestamp = now.Add(-6 * time.Minute) }, domain.ErrStaleData},
		{"spot too low", func(m *domain.MarketContext) { m.Spot = 10 }, domain.ErrDataUnavailable},
		{"wall too high", func(m *domain.MarketContext) { m.CallWall = 5000 }, domain.ErrDataUnavailable},
		{"zero put wall", func(m *domain.MarketContext) { m.PutWall = 0 }, domain.ErrDataUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mc := fresh(580)
			tc.mut(&mc)
			err := gate.Check(mc, now)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestResolver_FirstGoodProviderWins(t *testing.T) {
	failing := &stubProvider{name: "primary", err: errors.New("503")}
	second := &stubProvider{name: "secondary", mc: fresh(580)}
	third := &stubProvider{name: "tertiary", mc: fresh(600)}
	cache := &mapCache{}

	mc, err := newResolver(cache, failing, second, third).Resolve(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, 580.0, mc.Spot)
	assert.Equal(t, "secondary", mc.Source)
	assert.Equal(t, "SPY", mc.Symbol)
	assert.Equal(t, 0, third.calls)

	cached, err := cache.Latest(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, "secondary", cached.Source)
}

func TestResolver_StaleProviderIsSkipped(t *testing.T) {
	old := fresh(580)
	old.Timestamp = now.Add(-time.Hour)
	stale := &stubProvider{name: "stale", mc: old}
	good := &stubProvider{name: "good", mc: fresh(581)}

	mc, err := newResolver(nil, stale, good).Resolve(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, "good", mc.Source)
}

func TestResolver_FallsBackToCache(t *testing.T) {
	cache := &mapCache{}
	cached := fresh(579)
	cached.Symbol, cached.Source = "SPY", "primary"
	require.NoError(t, cache.Put(context.Background(), cached))

	mc, err := newResolver(cache, &stubProvider{name: "primary", err: errors.New("timeout")}).
		Resolve(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, 579.0, mc.Spot)
}

func TestResolver_StaleCacheNeverTrades(t *testing.T) {
	cache := &mapCache{}
	cached := fresh(579)
	cached.Symbol = "SPY"
	cached.Timestamp = now.Add(-time.Hour)
	require.NoError(t, cache.Put(context.Background(), cached))

	_, err := newResolver(cache, &stubProvider{name: "primary", err: errors.New("timeout")}).
		Resolve(context.Background(), "SPY")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
	assert.ErrorIs(t, err, domain.ErrStaleData)
}

func TestResolver_AllStale(t *testing.T) {
	old := fresh(580)
	old.Timestamp = now.Add(-time.Hour)

	_, err := newResolver(nil, &stubProvider{name: "a", mc: old}).Resolve(context.Background(), "SPY")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStaleData)
	assert.NotErrorIs(t, err, domain.ErrDataUnavailable)
}

func TestResolver_NoProviders(t *testing.T) {
	_, err := newResolver(nil).Resolve(context.Background(), "SPY")
	assert.ErrorIs(t, err, domain.ErrDataUnavailable)
}
