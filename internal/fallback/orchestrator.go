package fallback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/marcwilson/portfolio-enricher/internal/fundcache"
	"github.com/marcwilson/portfolio-enricher/internal/observ"
	"github.com/marcwilson/portfolio-enricher/internal/providers"
	"github.com/marcwilson/portfolio-enricher/internal/schedule"
	"github.com/marcwilson/portfolio-enricher/internal/usage"
)

// Path labels for Result.Provider. The chain is fixed: live primary, live
// secondary, cache, empty. Callers' staleness indicators depend on this
// ordering, so no other order is ever used.
const (
	PathPrimary       = "primary"
	PathSecondary     = "secondary"
	PathCache         = "cache"
	PathDegradedEmpty = "degraded-empty"
)

// staleFeatures are the fields considered unreliable once a cached record is
// older than the freshness threshold.
var staleFeatures = []string{"market_cap", "pe_ratio", "eps", "dividend_yield", "beta"}

// allFeatures covers every enrichment field, for fully degraded results.
var allFeatures = []string{
	"company_name", "sector", "industry", "country", "exchange",
	"market_cap", "pe_ratio", "eps", "dividend_yield", "beta", "description",
}

// Source is one live fundamentals provider with its write-through cache.
type Source struct {
	Name  string
	Fetch func(ctx context.Context, symbol string) (*providers.Fundamentals, error)
	Cache *fundcache.Cache
}

// Options tunes a single fallback execution.
type Options struct {
	EnableCacheFallback bool
	MaxRetries          int // retries after the first attempt, per source
	RetryDelay          time.Duration
}

// Result is the outcome of one fallback chain execution. It is never an
// error: degradation is reported, not thrown.
type Result struct {
	Data             *providers.Fundamentals `json:"data"`
	Provider         string                  `json:"provider"` // primary|secondary|cache|degraded-empty
	SourceName       string                  `json:"source_name,omitempty"`
	FallbackApplied  bool                    `json:"fallback_applied"`
	IsStale          bool                    `json:"is_stale"`
	CacheAge         time.Duration           `json:"cache_age,omitempty"`
	DegradedFeatures []string                `json:"degraded_features,omitempty"`
	UserMessage      string                  `json:"user_message,omitempty"`
}

// Config holds orchestrator-wide settings.
type Config struct {
	CallTimeout time.Duration // per live call, distinct from queue spacing
	StaleAfter  time.Duration // cache age beyond which results are flagged stale
}

// Orchestrator executes the fixed fallback chain for fundamentals lookups.
type Orchestrator struct {
	ledger    *usage.Ledger
	sched     *schedule.Scheduler
	primary   *Source
	secondary *Source // optional
	cfg       Config
	logger    *log.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func New(ledger *usage.Ledger, sched *schedule.Scheduler, primary, secondary *Source, cfg Config, logger *log.Logger) *Orchestrator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 24 * time.Hour
	}
	return &Orchestrator{
		ledger:    ledger,
		sched:     sched,
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// FetchFundamentals runs the chain for one symbol: live primary, live
// secondary, cache, degraded-empty. estimatedCost is the number of upstream
// calls the operation is expected to consume; a source without that much
// quota headroom is skipped without being tried.
func (o *Orchestrator) FetchFundamentals(ctx context.Context, symbol string, estimatedCost int, opts Options) *Result {
	if estimatedCost <= 0 {
		estimatedCost = 1
	}

	sources := []struct {
		src *Source
		tag string
	}{
		{o.primary, PathPrimary},
		{o.secondary, PathSecondary},
	}

	for _, cand := range sources {
		if cand.src == nil {
			continue
		}
		if !o.ledger.CanAfford(cand.src.Name, estimatedCost) {
			observ.Log("fallback_source_skipped", map[string]any{
				"symbol":   symbol,
				"provider": cand.src.Name,
				"reason":   "quota_exhausted",
			})
			continue
		}

		data, err := o.tryLive(ctx, cand.src, symbol, opts)
		if err == nil {
			cand.src.Cache.Set(symbol, data)
			observ.IncCounter("fallback_path_total", map[string]string{"path": cand.tag})
			return &Result{
				Data:            data,
				Provider:        cand.tag,
				SourceName:      cand.src.Name,
				FallbackApplied: cand.tag != PathPrimary,
			}
		}

		if providers.IsDefinitiveMiss(err) {
			// Confirmed no data: tombstone it so the next run does not spend
			// quota re-asking the same question.
			cand.src.Cache.SetTombstone(symbol)
			observ.IncCounter("fallback_path_total", map[string]string{"path": cand.tag + "_empty"})
			return &Result{
				Provider:        cand.tag,
				SourceName:      cand.src.Name,
				FallbackApplied: cand.tag != PathPrimary,
				UserMessage:     fmt.Sprintf("No fundamentals data exists for %s.", symbol),
			}
		}

		observ.Log("fallback_live_failed", map[string]any{
			"symbol":   symbol,
			"provider": cand.src.Name,
			"error":    err.Error(),
		})
	}

	if opts.EnableCacheFallback {
		if res := o.fromCache(symbol); res != nil {
			observ.IncCounter("fallback_path_total", map[string]string{"path": PathCache})
			return res
		}
	}

	observ.IncCounter("fallback_path_total", map[string]string{"path": PathDegradedEmpty})
	return &Result{
		Provider:         PathDegradedEmpty,
		FallbackApplied:  true,
		DegradedFeatures: append([]string(nil), allFeatures...),
		UserMessage:      "Fundamentals are temporarily unavailable; showing baseline brokerage data only.",
	}
}

// tryLive schedules the call on the provider's queue, retrying transient
// failures. Rate-limit rejections, queue clears, and definitive misses abort
// immediately; the retry delay is a plain timed wait.
func (o *Orchestrator) tryLive(ctx context.Context, src *Source, symbol string, opts Options) (*providers.Fundamentals, error) {
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			o.sleep(opts.RetryDelay)
		}

		var data *providers.Fundamentals
		err := o.sched.Do(ctx, src.Name, func(jobCtx context.Context) error {
			callCtx, cancel := context.WithTimeout(jobCtx, o.cfg.CallTimeout)
			defer cancel()
			d, ferr := src.Fetch(callCtx, symbol)
			if ferr != nil {
				return ferr
			}
			if d == nil {
				return providers.NewEmptyResponseError(symbol)
			}
			data = d
			return nil
		})
		if err == nil {
			return data, nil
		}
		lastErr = err

		if errors.Is(err, schedule.ErrQueueCleared) || !providers.IsTransient(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// fromCache consults the providers' caches in chain order. A fresh entry is
// served with a staleness flag; a tombstone means the answer is a confirmed
// "no data" and the empty fallback message applies.
func (o *Orchestrator) fromCache(symbol string) *Result {
	for _, src := range []*Source{o.primary, o.secondary} {
		if src == nil || src.Cache == nil {
			continue
		}
		e, state := src.Cache.Lookup(symbol)
		switch state {
		case fundcache.Fresh:
			age := e.Age(o.now())
			res := &Result{
				Data:            e.Data,
				Provider:        PathCache,
				SourceName:      src.Name,
				FallbackApplied: true,
				CacheAge:        age,
			}
			if age > o.cfg.StaleAfter {
				res.IsStale = true
				res.DegradedFeatures = append([]string(nil), staleFeatures...)
				res.UserMessage = fmt.Sprintf("Showing cached fundamentals for %s from %.0f hours ago; valuation figures may be out of date.", symbol, age.Hours())
			}
			return res
		case fundcache.Tombstone:
			return &Result{
				Provider:        PathCache,
				SourceName:      src.Name,
				FallbackApplied: true,
				CacheAge:        e.Age(o.now()),
				UserMessage:     fmt.Sprintf("No fundamentals data exists for %s.", symbol),
			}
		}
	}
	return nil
}
