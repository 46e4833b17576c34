package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Fundamentals is the normalized company-fundamentals record produced by any
// data provider. Numeric fields are pointers: nil means the provider did not
// report the value, which is distinct from zero.
type Fundamentals struct {
	Symbol        string   `json:"symbol"`
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
}

// Position is a single holding as reported by the brokerage.
type Position struct {
	Ticker       string  `json:"ticker"` // broker-specific, e.g. "AAPL_US_EQ"
	Quantity     float64 `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	CurrentPrice float64 `json:"current_price"`
	PnL          float64 `json:"pnl"`
	Currency     string  `json:"currency"`
}

// FundamentalsClient fetches fundamentals from one upstream data provider.
type FundamentalsClient interface {
	Name() string
	Fundamentals(ctx context.Context, symbol string) (*Fundamentals, error)
}

// PositionsClient fetches current holdings from the brokerage.
type PositionsClient interface {
	Positions(ctx context.Context) ([]Position, error)
}

// ProviderError classifies upstream failures so callers can decide between
// retry, fallback, and tombstoning without string-matching response bodies.
type ProviderError struct {
	Kind    string // "network", "rate_limit", "provider_error", "bad_symbol", "empty_response"
	Symbol  string
	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Kind, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Kind, e.Symbol, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func NewNetworkError(symbol, message string, cause error) *ProviderError {
	return &ProviderError{Kind: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *ProviderError {
	return &ProviderError{Kind: "rate_limit", Symbol: symbol, Message: message}
}

func NewProviderFault(symbol, message string, cause error) *ProviderError {
	return &ProviderError{Kind: "provider_error", Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *ProviderError {
	return &ProviderError{Kind: "bad_symbol", Symbol: symbol, Message: message}
}

func NewEmptyResponseError(symbol string) *ProviderError {
	return &ProviderError{Kind: "empty_response", Symbol: symbol, Message: "no fundamentals data returned"}
}

// IsRateLimited reports whether err means the provider actively rejected the
// call for throttling. A provider that answers this way must not be called
// again until its window resets.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == "rate_limit"
	}
	// Errors that bubbled up from a transport layer carry no Kind.
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// IsDefinitiveMiss reports whether err is a confirmed "no data exists" answer
// that should be cached as a tombstone rather than retried.
func IsDefinitiveMiss(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == "bad_symbol" || pe.Kind == "empty_response"
	}
	return false
}

// IsTransient reports whether err is worth retrying: network failures and
// 5xx-class provider faults. Rate limiting and definitive misses are not.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == "network" || pe.Kind == "provider_error"
	}
	return err != nil
}

// Float returns a pointer to v, for literal Fundamentals construction.
func Float(v float64) *float64 { return &v }
