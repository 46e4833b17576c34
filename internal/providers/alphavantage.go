package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// AlphaVantageClient fetches company overviews from Alpha Vantage. It is the
// secondary fundamentals source; the free tier is tightly capped, so callers
// should reach it only when the primary is unavailable.
type AlphaVantageClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type AlphaVantageConfig struct {
	APIKey             string
	BaseURL            string // override for tests
	RateLimitPerMinute int
	TimeoutSeconds     int
}

func NewAlphaVantageClient(cfg AlphaVantageConfig) (*AlphaVantageClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Alpha Vantage API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.alphavantage.co"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 5 // free tier
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	return &AlphaVantageClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: newRetryClient(time.Duration(cfg.TimeoutSeconds) * time.Second),
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
	}, nil
}

func (c *AlphaVantageClient) Name() string { return "alphavantage" }

func (c *AlphaVantageClient) Fundamentals(ctx context.Context, symbol string) (*Fundamentals, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, NewNetworkError(symbol, "rate limiter wait cancelled", err)
	}

	params := url.Values{
		"function": {"OVERVIEW"},
		"symbol":   {symbol},
		"apikey":   {c.apiKey},
	}
	u := c.baseURL + "/query?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, NewNetworkError(symbol, "failed to create request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError(symbol, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewRateLimitError(symbol, "Alpha Vantage rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewProviderFault(symbol, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}

	// OVERVIEW reports everything as strings, and reports errors inside a
	// 200 body.
	var overview struct {
		Symbol               string `json:"Symbol"`
		Name                 string `json:"Name"`
		Sector               string `json:"Sector"`
		Industry             string `json:"Industry"`
		Country              string `json:"Country"`
		Exchange             string `json:"Exchange"`
		MarketCapitalization string `json:"MarketCapitalization"`
		PERatio              string `json:"PERatio"`
		EPS                  string `json:"EPS"`
		DividendYield        string `json:"DividendYield"`
		Beta                 string `json:"Beta"`
		Description          string `json:"Description"`
		ErrorMessage         string `json:"Error Message"`
		Information          string `json:"Information"`
		Note                 string `json:"Note"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&overview); err != nil {
		return nil, NewProviderFault(symbol, "failed to parse overview response", err)
	}
	if overview.ErrorMessage != "" {
		return nil, NewProviderFault(symbol, overview.ErrorMessage, nil)
	}
	// "Information" and "Note" bodies are how the free tier says "slow down".
	if overview.Information != "" {
		return nil, NewRateLimitError(symbol, overview.Information)
	}
	if overview.Note != "" {
		return nil, NewRateLimitError(symbol, overview.Note)
	}
	if overview.Name == "" {
		// Unknown symbols come back as an empty object with HTTP 200.
		return nil, NewEmptyResponseError(symbol)
	}

	return &Fundamentals{
		Symbol:        symbol,
		CompanyName:   overview.Name,
		Sector:        overview.Sector,
		Industry:      overview.Industry,
		Country:       overview.Country,
		Exchange:      overview.Exchange,
		MarketCap:     parseFloatField(overview.MarketCapitalization),
		PERatio:       parseFloatField(overview.PERatio),
		EPS:           parseFloatField(overview.EPS),
		DividendYield: parseDividendYield(overview.DividendYield),
		Beta:          parseFloatField(overview.Beta),
		Description:   overview.Description,
	}, nil
}

// parseFloatField handles Alpha Vantage's "None"/"-" placeholders.
func parseFloatField(s string) *float64 {
	if s == "" || s == "None" || s == "-" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return Float(v)
}

// parseDividendYield converts Alpha Vantage's fractional yield to percent,
// matching the primary provider.
func parseDividendYield(s string) *float64 {
	v := parseFloatField(s)
	if v == nil {
		return nil
	}
	return Float(*v * 100)
}
