package fallback

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcwilson/portfolio-enricher/internal/fundcache"
	"github.com/marcwilson/portfolio-enricher/internal/providers"
	"github.com/marcwilson/portfolio-enricher/internal/schedule"
	"github.com/marcwilson/portfolio-enricher/internal/usage"
)

type fetchFunc func(ctx context.Context, symbol string) (*providers.Fundamentals, error)

type harness struct {
	orch   *Orchestrator
	ledger *usage.Ledger
	pCache *fundcache.Cache
	sCache *fundcache.Cache
}

func newHarness(t *testing.T, primary, secondary fetchFunc) *harness {
	t.Helper()
	logger := log.New(os.Stderr, "", 0)
	ledger := usage.NewLedger(logger)
	ledger.Register("fmp", usage.Quota{PerDay: 250})
	ledger.Register("av", usage.Quota{PerDay: 25})
	sched := schedule.NewScheduler(ledger, logger)

	dir := t.TempDir()
	pCache, err := fundcache.Open("fmp", filepath.Join(dir, "fmp.json"), 24*time.Hour, logger)
	require.NoError(t, err)
	sCache, err := fundcache.Open("av", filepath.Join(dir, "av.json"), 7*24*time.Hour, logger)
	require.NoError(t, err)

	var sec *Source
	if secondary != nil {
		sec = &Source{Name: "av", Fetch: secondary, Cache: sCache}
	}
	orch := New(ledger, sched,
		&Source{Name: "fmp", Fetch: primary, Cache: pCache},
		sec,
		Config{CallTimeout: time.Second, StaleAfter: 24 * time.Hour},
		logger)
	orch.sleep = func(time.Duration) {} // retries should not slow tests down

	return &harness{orch: orch, ledger: ledger, pCache: pCache, sCache: sCache}
}

func fund(symbol string) *providers.Fundamentals {
	return &providers.Fundamentals{
		Symbol:      symbol,
		CompanyName: symbol + " Inc",
		Sector:      "Technology",
		PERatio:     providers.Float(28.0),
	}
}

func opts() Options {
	return Options{EnableCacheFallback: true, MaxRetries: 2, RetryDelay: time.Millisecond}
}

func TestPrimarySuccessWritesThrough(t *testing.T) {
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) { return fund(s), nil },
		nil)

	res := h.orch.FetchFundamentals(context.Background(), "AAPL", 1, opts())
	assert.Equal(t, PathPrimary, res.Provider)
	assert.Equal(t, "fmp", res.SourceName)
	assert.False(t, res.FallbackApplied)
	assert.False(t, res.IsStale)
	require.NotNil(t, res.Data)
	assert.Equal(t, "AAPL Inc", res.Data.CompanyName)

	_, state := h.pCache.Lookup("AAPL")
	assert.Equal(t, fundcache.Fresh, state)
}

func TestPrimaryExhaustedFallsToSecondary(t *testing.T) {
	primaryCalls := 0
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			primaryCalls++
			return fund(s), nil
		},
		func(_ context.Context, s string) (*providers.Fundamentals, error) { return fund(s), nil })

	// Primary at its daily max: skipped without being tried.
	h.ledger.Simulate("fmp", 250)

	res := h.orch.FetchFundamentals(context.Background(), "TSLA", 1, opts())
	assert.Equal(t, PathSecondary, res.Provider)
	assert.Equal(t, "av", res.SourceName)
	assert.True(t, res.FallbackApplied)
	assert.Equal(t, 0, primaryCalls)

	_, state := h.sCache.Lookup("TSLA")
	assert.Equal(t, fundcache.Fresh, state)
}

func TestTransientErrorsRetriedThenSucceed(t *testing.T) {
	calls := 0
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			calls++
			if calls < 3 {
				return nil, providers.NewNetworkError(s, "connection reset", nil)
			}
			return fund(s), nil
		},
		nil)

	res := h.orch.FetchFundamentals(context.Background(), "AAPL", 1, opts())
	assert.Equal(t, PathPrimary, res.Provider)
	assert.Equal(t, 3, calls)
}

func TestLiveFailuresFallToCacheAfterSecondary(t *testing.T) {
	var order []string
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			order = append(order, "primary")
			return nil, providers.NewProviderFault(s, "HTTP 502", nil)
		},
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			order = append(order, "secondary")
			return nil, providers.NewProviderFault(s, "HTTP 503", nil)
		})

	h.pCache.Set("AAPL", fund("AAPL"))

	res := h.orch.FetchFundamentals(context.Background(), "AAPL", 1, opts())
	assert.Equal(t, PathCache, res.Provider)
	assert.True(t, res.FallbackApplied)
	assert.False(t, res.IsStale)
	require.NotNil(t, res.Data)

	// Canonical order: both live sources are tried before the cache.
	require.NotEmpty(t, order)
	assert.Equal(t, "primary", order[0])
	assert.Contains(t, order, "secondary")
}

func TestStaleCacheResultFlagged(t *testing.T) {
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			return nil, providers.NewNetworkError(s, "timeout", nil)
		},
		nil)

	h.pCache.Set("AAPL", fund("AAPL"))
	// Viewed 30h later the entry is within the 7d secondary TTL window but
	// beyond the 24h freshness threshold. The primary cache's own TTL is 24h,
	// so look through the orchestrator clock instead of waiting.
	h.orch.now = func() time.Time { return time.Now().Add(30 * time.Hour) }

	res := h.orch.FetchFundamentals(context.Background(), "AAPL", 1, opts())
	assert.Equal(t, PathCache, res.Provider)
	assert.True(t, res.IsStale)
	assert.Contains(t, res.DegradedFeatures, "market_cap")
	assert.Contains(t, res.DegradedFeatures, "pe_ratio")
	assert.NotEmpty(t, res.UserMessage)
	assert.InDelta(t, float64(30*time.Hour), float64(res.CacheAge), float64(time.Minute))
}

func TestDefinitiveMissTombstonesWithoutRetry(t *testing.T) {
	calls := 0
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			calls++
			return nil, providers.NewBadSymbolError(s, "unknown symbol")
		},
		nil)

	res := h.orch.FetchFundamentals(context.Background(), "ZZZZ", 1, opts())
	assert.Equal(t, PathPrimary, res.Provider)
	assert.Nil(t, res.Data)
	assert.Equal(t, 1, calls, "definitive miss must not be retried")

	_, state := h.pCache.Lookup("ZZZZ")
	assert.Equal(t, fundcache.Tombstone, state)
}

func TestRateLimitAbortsToNextSource(t *testing.T) {
	primaryCalls := 0
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			primaryCalls++
			return nil, providers.NewRateLimitError(s, "429")
		},
		func(_ context.Context, s string) (*providers.Fundamentals, error) { return fund(s), nil })

	res := h.orch.FetchFundamentals(context.Background(), "MSFT", 1, opts())
	assert.Equal(t, PathSecondary, res.Provider)
	assert.Equal(t, 1, primaryCalls, "rate-limited source must not be retried")
}

func TestDegradedEmptyWhenNothingAvailable(t *testing.T) {
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			return nil, providers.NewNetworkError(s, "unreachable", nil)
		},
		nil)

	res := h.orch.FetchFundamentals(context.Background(), "AAPL", 1, opts())
	assert.Equal(t, PathDegradedEmpty, res.Provider)
	assert.True(t, res.FallbackApplied)
	assert.Nil(t, res.Data)
	assert.ElementsMatch(t, allFeatures, res.DegradedFeatures)
	assert.NotEmpty(t, res.UserMessage)
}

func TestCacheFallbackDisabled(t *testing.T) {
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			return nil, providers.NewNetworkError(s, "unreachable", nil)
		},
		nil)
	h.pCache.Set("AAPL", fund("AAPL"))

	o := opts()
	o.EnableCacheFallback = false
	res := h.orch.FetchFundamentals(context.Background(), "AAPL", 1, o)
	assert.Equal(t, PathDegradedEmpty, res.Provider)
}

func TestTombstoneServedFromCachePath(t *testing.T) {
	h := newHarness(t,
		func(_ context.Context, s string) (*providers.Fundamentals, error) {
			return nil, providers.NewNetworkError(s, "unreachable", nil)
		},
		nil)
	h.pCache.SetTombstone("NODATA")

	res := h.orch.FetchFundamentals(context.Background(), "NODATA", 1, opts())
	assert.Equal(t, PathCache, res.Provider)
	assert.Nil(t, res.Data)
	assert.NotEmpty(t, res.UserMessage)
}
