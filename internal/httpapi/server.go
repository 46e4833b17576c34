// Package httpapi exposes the enrichment service over HTTP.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/marcwilson/portfolio-enricher/internal/enrich"
	"github.com/marcwilson/portfolio-enricher/internal/fundcache"
	"github.com/marcwilson/portfolio-enricher/internal/observ"
	"github.com/marcwilson/portfolio-enricher/internal/providers"
	"github.com/marcwilson/portfolio-enricher/internal/schedule"
	"github.com/marcwilson/portfolio-enricher/internal/usage"
)

const maxEnrichBatch = 1000

type Server struct {
	pipeline      *enrich.Pipeline
	ledger        *usage.Ledger
	sched         *schedule.Scheduler
	broker        providers.PositionsClient
	caches        map[string]*fundcache.Cache
	perSymbolCost int
	logger        *log.Logger
}

func NewServer(pipeline *enrich.Pipeline, ledger *usage.Ledger, sched *schedule.Scheduler,
	broker providers.PositionsClient, caches map[string]*fundcache.Cache,
	perSymbolCost int, logger *log.Logger) *Server {
	if perSymbolCost <= 0 {
		perSymbolCost = 1
	}
	return &Server{
		pipeline:      pipeline,
		ledger:        ledger,
		sched:         sched,
		broker:        broker,
		caches:        caches,
		perSymbolCost: perSymbolCost,
		logger:        logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observ.Handler())
	mux.HandleFunc("/api/enrich", s.handleEnrich)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/usage", s.handleUsage)
	mux.HandleFunc("/api/cache", s.handleCache)
	mux.HandleFunc("/api/admin", s.handleAdmin)
	return recoverPanic(mux)
}

type enrichRequest struct {
	Positions []providers.Position `json:"positions"`
	Fetch     bool                 `json:"fetch,omitempty"` // pull live positions from the broker instead
}

type enrichResponse struct {
	Positions []enrich.EnrichedPosition `json:"positions"`
	Summary   enrich.Summary            `json:"summary"`
}

// handleEnrich runs the batch pipeline over caller-supplied positions.
// Malformed input is the only hard failure; provider trouble degrades
// individual records instead.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req enrichRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Positions) > maxEnrichBatch {
		http.Error(w, fmt.Sprintf("too many positions (max %d)", maxEnrichBatch), http.StatusBadRequest)
		return
	}
	if req.Fetch {
		if s.broker == nil {
			http.Error(w, "brokerage is not configured", http.StatusServiceUnavailable)
			return
		}
		positions, err := s.broker.Positions(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("brokerage fetch failed: %v", err), http.StatusBadGateway)
			return
		}
		req.Positions = positions
	}

	records, summary := s.pipeline.Enrich(r.Context(), req.Positions, s.perSymbolCost)
	writeJSON(w, http.StatusOK, enrichResponse{Positions: records, Summary: summary})
}

// handlePositions pulls the live portfolio from the brokerage and enriches it.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.broker == nil {
		http.Error(w, "brokerage is not configured", http.StatusServiceUnavailable)
		return
	}
	positions, err := s.broker.Positions(r.Context())
	if err != nil {
		observ.IncCounter("broker_fetch_errors_total", nil)
		observ.Log("broker_fetch_failed", map[string]any{"err": err.Error()})
		http.Error(w, fmt.Sprintf("brokerage fetch failed: %v", err), http.StatusBadGateway)
		return
	}
	records, summary := s.pipeline.Enrich(r.Context(), positions, s.perSymbolCost)
	writeJSON(w, http.StatusOK, enrichResponse{Positions: records, Summary: summary})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.ledger.Snapshot(),
		"as_of":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	stats := make(map[string]fundcache.Stats, len(names))
	for _, name := range names {
		stats[name] = s.caches[name].Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

type adminRequest struct {
	Action   string `json:"action"` // "reset" | "simulate"
	Provider string `json:"provider,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// handleAdmin is test/ops tooling: it clears or synthetically inflates usage
// counters. It never touches the caches.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req adminRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "reset":
		s.ledger.Reset(req.Provider)
		s.kick(req.Provider)
		observ.Log("admin_usage_reset", map[string]any{"provider": req.Provider})
	case "simulate":
		if req.Provider == "" {
			http.Error(w, "simulate requires a provider", http.StatusBadRequest)
			return
		}
		if req.Count <= 0 {
			http.Error(w, "simulate requires a positive count", http.StatusBadRequest)
			return
		}
		s.ledger.Simulate(req.Provider, req.Count)
		observ.Log("admin_usage_simulated", map[string]any{"provider": req.Provider, "count": req.Count})
	default:
		http.Error(w, fmt.Sprintf("unknown action %q", req.Action), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"providers": s.ledger.Snapshot(),
	})
}

// kick resumes any provider queue that stalled on quota exhaustion, now that
// the counters were cleared. Empty provider means all of them.
func (s *Server) kick(provider string) {
	if s.sched == nil {
		return
	}
	if provider != "" {
		s.sched.Kick(provider)
		return
	}
	for name := range s.caches {
		s.sched.Kick(name)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Log("response_encode_failed", map[string]any{"err": err.Error()})
	}
}

func recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observ.Log("handler_panic", map[string]any{"path": r.URL.Path, "panic": fmt.Sprint(rec)})
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
