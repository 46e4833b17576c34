// Package enrich merges broker position records with fundamentals data.
//
// The pipeline is the batch entry point: it normalizes each ticker, serves
// fresh cache entries directly, and routes everything else through the
// fallback orchestrator. Output order always matches input order and every
// input position yields exactly one output record, whatever failed along
// the way.
package enrich

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcwilson/portfolio-enricher/internal/fallback"
	"github.com/marcwilson/portfolio-enricher/internal/fundcache"
	"github.com/marcwilson/portfolio-enricher/internal/observ"
	"github.com/marcwilson/portfolio-enricher/internal/providers"
	"github.com/marcwilson/portfolio-enricher/internal/symbols"
	"github.com/marcwilson/portfolio-enricher/internal/usage"
)

// unknown is the sentinel for string fields we could not enrich. Numeric
// fields stay nil instead: a fabricated zero would read as a real value.
const unknown = "Unknown"

// EnrichedPosition is a position record extended with fundamentals and
// provenance metadata. It is a pure merge of (Position, fundamentals) with
// no lifecycle of its own.
type EnrichedPosition struct {
	Ticker       string  `json:"ticker"`
	Symbol       string  `json:"symbol,omitempty"`
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	CurrentPrice float64 `json:"current_price"`
	PnL          float64 `json:"pnl"`
	Currency     string  `json:"currency,omitempty"`

	CompanyName   string   `json:"company_name"`
	Sector        string   `json:"sector"`
	Industry      string   `json:"industry"`
	Country       string   `json:"country"`
	Exchange      string   `json:"exchange"`
	MarketCap     *float64 `json:"market_cap,omitempty"`
	PERatio       *float64 `json:"pe_ratio,omitempty"`
	EPS           *float64 `json:"eps,omitempty"`
	DividendYield *float64 `json:"dividend_yield,omitempty"`
	Beta          *float64 `json:"beta,omitempty"`
	Description   string   `json:"description,omitempty"`

	IsCached         bool     `json:"is_cached"`
	CacheAgeHours    float64  `json:"cache_age_hours,omitempty"`
	DataSource       string   `json:"data_source"`
	IsStale          bool     `json:"is_stale,omitempty"`
	DegradedFeatures []string `json:"degraded_features,omitempty"`
	UserMessage      string   `json:"user_message,omitempty"`
}

// Summary describes what happened to one batch.
type Summary struct {
	TotalProcessed  int             `json:"totalProcessed"`
	FromCache       int             `json:"fromCache"`
	FreshlyFetched  int             `json:"freshlyFetched"`
	SkippedOrFailed int             `json:"skippedOrFailed"`
	DailyAPIUsage   string          `json:"dailyApiUsage"`
	CacheHitRate    string          `json:"cacheHitRate"`
	CacheStats      fundcache.Stats `json:"cacheStats"`
}

type outcome int

const (
	outcomeCache outcome = iota
	outcomeFresh
	outcomeSkipped
)

type Pipeline struct {
	normalizer  *symbols.Normalizer
	orch        *fallback.Orchestrator
	ledger      *usage.Ledger
	cache       *fundcache.Cache // primary provider's store, consulted before any live call
	primaryName string
	concurrency int
	opts        fallback.Options
	logger      *log.Logger
}

func NewPipeline(normalizer *symbols.Normalizer, orch *fallback.Orchestrator, ledger *usage.Ledger,
	cache *fundcache.Cache, primaryName string, concurrency int, opts fallback.Options, logger *log.Logger) *Pipeline {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Pipeline{
		normalizer:  normalizer,
		orch:        orch,
		ledger:      ledger,
		cache:       cache,
		primaryName: primaryName,
		concurrency: concurrency,
		opts:        opts,
		logger:      logger,
	}
}

// Enrich processes the batch and returns one enriched record per input
// position, in input order. Per-symbol failures degrade the individual
// record; they never fail the batch.
func (p *Pipeline) Enrich(ctx context.Context, positions []providers.Position, perSymbolCost int) ([]EnrichedPosition, Summary) {
	start := time.Now()
	results := make([]EnrichedPosition, len(positions))

	var mu sync.Mutex
	var summary Summary
	summary.TotalProcessed = len(positions)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, pos := range positions {
		i, pos := i, pos
		g.Go(func() error {
			rec, out := p.enrichOne(gctx, pos, perSymbolCost)
			results[i] = rec
			mu.Lock()
			switch out {
			case outcomeCache:
				summary.FromCache++
			case outcomeFresh:
				summary.FreshlyFetched++
			case outcomeSkipped:
				summary.SkippedOrFailed++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait() // workers never return errors; Wait is for completion only

	used, limit := p.ledger.DailyUsage(p.primaryName)
	if limit <= 0 {
		summary.DailyAPIUsage = fmt.Sprintf("%d/unlimited", used)
	} else {
		summary.DailyAPIUsage = fmt.Sprintf("%d/%d", used, limit)
	}
	summary.CacheStats = p.cache.Stats()
	summary.CacheHitRate = fmt.Sprintf("%.1f%%", summary.CacheStats.CacheHitRate)

	observ.IncCounterBy("enrich_positions_total", nil, float64(summary.TotalProcessed))
	observ.RecordDuration("enrich_batch", time.Since(start), nil)
	observ.Log("enrich_batch_done", map[string]any{
		"total":      summary.TotalProcessed,
		"from_cache": summary.FromCache,
		"fresh":      summary.FreshlyFetched,
		"skipped":    summary.SkippedOrFailed,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return results, summary
}

func (p *Pipeline) enrichOne(ctx context.Context, pos providers.Position, cost int) (EnrichedPosition, outcome) {
	rec := baseline(pos)

	sym, err := p.normalizer.Normalize(pos.Ticker)
	if err != nil {
		observ.IncCounter("enrich_skipped_total", map[string]string{"reason": "unsupported_symbol"})
		observ.Log("enrich_symbol_skipped", map[string]any{"ticker": pos.Ticker, "err": err.Error()})
		rec.UserMessage = fmt.Sprintf("Symbol %s is not supported for enrichment.", pos.Ticker)
		return rec, outcomeSkipped
	}
	rec.Symbol = sym

	// Fresh entries and tombstones both short-circuit the fallback chain:
	// a fresh entry is within the freshness window by definition, and a
	// tombstone is a confirmed "no data" we refuse to spend quota re-asking.
	e, state := p.cache.Lookup(sym)
	switch state {
	case fundcache.Fresh:
		merge(&rec, e.Data)
		rec.IsCached = true
		rec.CacheAgeHours = e.Age(time.Now()).Hours()
		rec.DataSource = fallback.PathCache
		return rec, outcomeCache
	case fundcache.Tombstone:
		observ.IncCounter("enrich_skipped_total", map[string]string{"reason": "tombstone"})
		rec.DataSource = fallback.PathCache
		rec.UserMessage = fmt.Sprintf("No fundamentals data exists for %s.", sym)
		return rec, outcomeSkipped
	}

	res := p.orch.FetchFundamentals(ctx, sym, cost, p.opts)
	rec.DataSource = res.Provider
	rec.IsStale = res.IsStale
	rec.DegradedFeatures = res.DegradedFeatures
	rec.UserMessage = res.UserMessage
	if res.Data == nil {
		observ.IncCounter("enrich_skipped_total", map[string]string{"reason": "no_data"})
		return rec, outcomeSkipped
	}
	merge(&rec, res.Data)
	if res.Provider == fallback.PathCache {
		rec.IsCached = true
		rec.CacheAgeHours = res.CacheAge.Hours()
		return rec, outcomeCache
	}
	return rec, outcomeFresh
}

// baseline carries the broker fields plus unknown sentinels; it is what a
// position looks like when enrichment gives us nothing.
func baseline(pos providers.Position) EnrichedPosition {
	return EnrichedPosition{
		Ticker:       pos.Ticker,
		Quantity:     pos.Quantity,
		AveragePrice: pos.AveragePrice,
		CurrentPrice: pos.CurrentPrice,
		PnL:          pos.PnL,
		Currency:     pos.Currency,
		CompanyName:  unknown,
		Sector:       unknown,
		Industry:     unknown,
		Country:      unknown,
		Exchange:     unknown,
		DataSource:   fallback.PathDegradedEmpty,
	}
}

func merge(rec *EnrichedPosition, f *providers.Fundamentals) {
	if f == nil {
		return
	}
	if f.CompanyName != "" {
		rec.CompanyName = f.CompanyName
	}
	if f.Sector != "" {
		rec.Sector = f.Sector
	}
	if f.Industry != "" {
		rec.Industry = f.Industry
	}
	if f.Country != "" {
		rec.Country = f.Country
	}
	if f.Exchange != "" {
		rec.Exchange = f.Exchange
	}
	rec.MarketCap = f.MarketCap
	rec.PERatio = f.PERatio
	rec.EPS = f.EPS
	rec.DividendYield = f.DividendYield
	rec.Beta = f.Beta
	rec.Description = f.Description
}
