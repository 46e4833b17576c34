package symbols

import (
	"fmt"
	"strings"
	"sync"
)

// UnsupportedSymbolError marks a ticker that no fundamentals provider can
// serve. Callers skip enrichment for the position; this is never retryable.
type UnsupportedSymbolError struct {
	Symbol string
}

func (e *UnsupportedSymbolError) Error() string {
	return fmt.Sprintf("symbol %s is not supported by fundamentals providers", e.Symbol)
}

// IsUnsupported reports whether err is an UnsupportedSymbolError.
func IsUnsupported(err error) bool {
	_, ok := err.(*UnsupportedSymbolError)
	return ok
}

// Normalizer maps broker instrument tickers to the bare trading symbol that
// fundamentals providers understand. Broker tickers carry market and security
// type suffixes joined by underscores, e.g. "AAPL_US_EQ".
type Normalizer struct {
	mu       sync.RWMutex
	denyList map[string]struct{}
}

// defaultDenyList holds symbols confirmed to have no fundamentals coverage;
// mostly LSE listings (lowercase "l" suffix in the broker's convention).
var defaultDenyList = []string{
	"FEVRl",
	"JDWl",
	"SMWHl",
	"AGKl",
}

func NewNormalizer(extraDenied ...string) *Normalizer {
	n := &Normalizer{denyList: make(map[string]struct{})}
	for _, s := range defaultDenyList {
		n.denyList[s] = struct{}{}
	}
	for _, s := range extraDenied {
		if s != "" {
			n.denyList[s] = struct{}{}
		}
	}
	return n
}

// Normalize strips broker suffixes from a ticker and returns the bare symbol.
// Deny-listed symbols fail with UnsupportedSymbolError.
func (n *Normalizer) Normalize(brokerTicker string) (string, error) {
	ticker := strings.TrimSpace(brokerTicker)
	if ticker == "" {
		return "", fmt.Errorf("empty ticker")
	}

	// "AAPL_US_EQ" -> "AAPL"; tickers without suffixes pass through.
	bare := ticker
	if i := strings.Index(ticker, "_"); i > 0 {
		bare = ticker[:i]
	}

	n.mu.RLock()
	_, denied := n.denyList[bare]
	n.mu.RUnlock()
	if denied {
		return "", &UnsupportedSymbolError{Symbol: bare}
	}
	return bare, nil
}

// Deny adds a symbol to the deny-list at runtime (e.g. after a provider
// confirms permanent lack of coverage).
func (n *Normalizer) Deny(symbol string) {
	if symbol == "" {
		return
	}
	n.mu.Lock()
	n.denyList[symbol] = struct{}{}
	n.mu.Unlock()
}
