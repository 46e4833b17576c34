package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// FMPClient fetches company profiles from Financial Modeling Prep. It is the
// primary fundamentals source.
type FMPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type FMPConfig struct {
	APIKey             string
	BaseURL            string // override for tests
	RateLimitPerMinute int
	TimeoutSeconds     int
}

func NewFMPClient(cfg FMPConfig) (*FMPClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("FMP API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://financialmodelingprep.com"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 10
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	return &FMPClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		httpClient: newRetryClient(time.Duration(cfg.TimeoutSeconds) * time.Second),
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
	}, nil
}

func (c *FMPClient) Name() string { return "fmp" }

// fmpProfile is the shape of one element of FMP's /api/v3/profile response.
type fmpProfile struct {
	Symbol            string  `json:"symbol"`
	CompanyName       string  `json:"companyName"`
	Sector            string  `json:"sector"`
	Industry          string  `json:"industry"`
	Country           string  `json:"country"`
	ExchangeShortName string  `json:"exchangeShortName"`
	MktCap            float64 `json:"mktCap"`
	Beta              float64 `json:"beta"`
	LastDiv           float64 `json:"lastDiv"`
	Price             float64 `json:"price"`
	Description       string  `json:"description"`
}

func (c *FMPClient) Fundamentals(ctx context.Context, symbol string) (*Fundamentals, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, NewNetworkError(symbol, "rate limiter wait cancelled", err)
	}

	u := fmt.Sprintf("%s/api/v3/profile/%s?apikey=%s", c.baseURL, url.PathEscape(symbol), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, NewNetworkError(symbol, "failed to create request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError(symbol, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRateLimitError(symbol, "FMP rate limit exceeded")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewProviderFault(symbol, fmt.Sprintf("FMP rejected credentials (HTTP %d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewBadSymbolError(symbol, "FMP has no profile for this symbol")
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, NewProviderFault(symbol, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}

	var profiles []fmpProfile
	if err := json.NewDecoder(resp.Body).Decode(&profiles); err != nil {
		return nil, NewProviderFault(symbol, "failed to parse profile response", err)
	}
	if len(profiles) == 0 {
		// FMP answers unknown symbols with 200 and an empty array.
		return nil, NewEmptyResponseError(symbol)
	}

	p := profiles[0]
	f := &Fundamentals{
		Symbol:      symbol,
		CompanyName: p.CompanyName,
		Sector:      p.Sector,
		Industry:    p.Industry,
		Country:     p.Country,
		Exchange:    p.ExchangeShortName,
		Description: p.Description,
	}
	if p.MktCap > 0 {
		f.MarketCap = Float(p.MktCap)
	}
	if p.Beta != 0 {
		f.Beta = Float(p.Beta)
	}
	if p.LastDiv > 0 && p.Price > 0 {
		f.DividendYield = Float(p.LastDiv / p.Price * 100)
	}
	if f.CompanyName == "" && f.Sector == "" {
		return nil, NewEmptyResponseError(symbol)
	}
	return f, nil
}
