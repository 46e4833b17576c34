package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcwilson/portfolio-enricher/internal/config"
	"github.com/marcwilson/portfolio-enricher/internal/enrich"
	"github.com/marcwilson/portfolio-enricher/internal/fallback"
	"github.com/marcwilson/portfolio-enricher/internal/fundcache"
	"github.com/marcwilson/portfolio-enricher/internal/httpapi"
	"github.com/marcwilson/portfolio-enricher/internal/observ"
	"github.com/marcwilson/portfolio-enricher/internal/providers"
	"github.com/marcwilson/portfolio-enricher/internal/schedule"
	"github.com/marcwilson/portfolio-enricher/internal/symbols"
	"github.com/marcwilson/portfolio-enricher/internal/usage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags|log.LUTC)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	ledger := usage.NewLedger(logger)
	ledger.Register("fmp", usage.Quota{
		PerMinute: cfg.FMP.PerMinute,
		PerHour:   cfg.FMP.PerHour,
		PerDay:    cfg.FMP.PerDay,
	})

	sched := schedule.NewScheduler(ledger, logger)
	sched.Configure("fmp", time.Duration(cfg.FMP.SpacingMs)*time.Millisecond)

	fmpCache, err := fundcache.Open("fmp", cfg.FMP.CachePath,
		time.Duration(cfg.FMP.CacheTTLHours)*time.Hour, logger)
	if err != nil {
		logger.Fatalf("fmp cache: %v", err)
	}
	caches := map[string]*fundcache.Cache{"fmp": fmpCache}

	fmpClient, err := providers.NewFMPClient(providers.FMPConfig{
		APIKey:             cfg.FMPAPIKey,
		RateLimitPerMinute: cfg.FMP.RateLimitPerMinute,
		TimeoutSeconds:     cfg.FMP.TimeoutSeconds,
	})
	if err != nil {
		logger.Fatalf("fmp client: %v", err)
	}
	primary := &fallback.Source{Name: "fmp", Fetch: fmpClient.Fundamentals, Cache: fmpCache}

	// The secondary provider only joins the chain when its key is present.
	var secondary *fallback.Source
	if cfg.AVAPIKey != "" {
		ledger.Register("alphavantage", usage.Quota{
			PerMinute: cfg.AV.PerMinute,
			PerHour:   cfg.AV.PerHour,
			PerDay:    cfg.AV.PerDay,
		})
		sched.Configure("alphavantage", time.Duration(cfg.AV.SpacingMs)*time.Millisecond)

		avCache, err := fundcache.Open("alphavantage", cfg.AV.CachePath,
			time.Duration(cfg.AV.CacheTTLHours)*time.Hour, logger)
		if err != nil {
			logger.Fatalf("alphavantage cache: %v", err)
		}
		caches["alphavantage"] = avCache

		avClient, err := providers.NewAlphaVantageClient(providers.AlphaVantageConfig{
			APIKey:             cfg.AVAPIKey,
			RateLimitPerMinute: cfg.AV.RateLimitPerMinute,
			TimeoutSeconds:     cfg.AV.TimeoutSeconds,
		})
		if err != nil {
			logger.Fatalf("alphavantage client: %v", err)
		}
		secondary = &fallback.Source{Name: "alphavantage", Fetch: avClient.Fundamentals, Cache: avCache}
	} else {
		observ.Log("secondary_disabled", map[string]any{"reason": "ALPHAVANTAGE_API_KEY not set"})
	}

	orch := fallback.New(ledger, sched, primary, secondary, fallback.Config{
		CallTimeout: time.Duration(cfg.Fallback.CallTimeoutSeconds) * time.Second,
		StaleAfter:  time.Duration(cfg.Fallback.StaleAfterHours) * time.Hour,
	}, logger)

	broker, err := providers.NewTrading212Client(providers.Trading212Config{
		APIKey:         cfg.BrokerAPIKey,
		BaseURL:        cfg.Broker.BaseURL,
		TimeoutSeconds: cfg.Broker.TimeoutSeconds,
	})
	if err != nil {
		logger.Fatalf("broker client: %v", err)
	}

	opts := fallback.Options{
		EnableCacheFallback: cfg.Fallback.EnableCacheFallback,
		MaxRetries:          cfg.Fallback.MaxRetries,
		RetryDelay:          time.Duration(cfg.Fallback.RetryDelayMs) * time.Millisecond,
	}
	pipeline := enrich.NewPipeline(symbols.NewNormalizer(cfg.Symbols.Denied...), orch, ledger,
		fmpCache, "fmp", cfg.Server.EnrichConcurrency, opts, logger)

	api := httpapi.NewServer(pipeline, ledger, sched, broker, caches, cfg.Server.PerSymbolCostEstimate, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go cleanupLoop(ctx, caches, time.Duration(cfg.Server.CleanupIntervalMins)*time.Minute)

	go func() {
		observ.Log("server_listen", map[string]any{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	observ.Log("shutdown_begin", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownGraceSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	for name, c := range caches {
		if err := c.Flush(); err != nil {
			logger.Printf("cache flush %s: %v", name, err)
		}
	}
	observ.Log("shutdown_done", nil)
}

// cleanupLoop periodically evicts expired cache entries so stores do not
// grow unbounded between reads.
func cleanupLoop(ctx context.Context, caches map[string]*fundcache.Cache, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, c := range caches {
				if n := c.Cleanup(); n > 0 {
					observ.Log("cache_cleanup", map[string]any{"provider": name, "evicted": n})
				}
			}
		}
	}
}
