package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Trading212Client fetches the current equity portfolio from the Trading212
// API. Tickers come back in broker notation ("AAPL_US_EQ") and are handed to
// the symbol normalizer downstream, untouched.
type Trading212Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Trading212Config struct {
	APIKey         string
	BaseURL        string // override for tests
	TimeoutSeconds int
}

func NewTrading212Client(cfg Trading212Config) (*Trading212Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Trading212 API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://live.trading212.com"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 15
	}
	return &Trading212Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: newRetryClient(time.Duration(cfg.TimeoutSeconds) * time.Second),
		// The portfolio endpoint allows one request per 5 seconds.
		limiter: rate.NewLimiter(rate.Limit(0.2), 1),
	}, nil
}

type t212Position struct {
	Ticker          string  `json:"ticker"`
	Quantity        float64 `json:"quantity"`
	AveragePrice    float64 `json:"averagePrice"`
	CurrentPrice    float64 `json:"currentPrice"`
	PPL             float64 `json:"ppl"`
	FxPPL           float64 `json:"fxPpl"`
	InitialFillDate string  `json:"initialFillDate"`
}

func (c *Trading212Client) Positions(ctx context.Context) ([]Position, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, NewNetworkError("", "rate limiter wait cancelled", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v0/equity/portfolio", nil)
	if err != nil {
		return nil, NewNetworkError("", "failed to create request", err)
	}
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError("", "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRateLimitError("", "Trading212 rate limit exceeded")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewProviderFault("", fmt.Sprintf("Trading212 rejected credentials (HTTP %d)", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewProviderFault("", fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}

	var raw []t212Position
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, NewProviderFault("", "failed to parse portfolio response", err)
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, Position{
			Ticker:       p.Ticker,
			Quantity:     p.Quantity,
			AveragePrice: p.AveragePrice,
			CurrentPrice: p.CurrentPrice,
			PnL:          p.PPL + p.FxPPL,
			Currency:     "GBP", // account currency; per-instrument currency is not in this endpoint
		})
	}
	return positions, nil
}
