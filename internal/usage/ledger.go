package usage

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/marcwilson/portfolio-enricher/internal/observ"
)

// Unlimited is the remaining-count sentinel for a window with no quota.
const Unlimited = -1

// Quota holds per-window call ceilings for one provider. A zero value for a
// window means that window is unbounded.
type Quota struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

// Status is a point-in-time capacity report for one provider.
type Status struct {
	Provider        string    `json:"provider"`
	Known           bool      `json:"known"`
	CanMakeRequest  bool      `json:"can_make_request"`
	RemainingMinute int       `json:"remaining_minute"` // Unlimited when unbounded
	RemainingHour   int       `json:"remaining_hour"`
	RemainingDay    int       `json:"remaining_day"`
	NextResetMinute time.Time `json:"next_reset_minute,omitempty"`
	NextResetHour   time.Time `json:"next_reset_hour,omitempty"`
	NextResetDay    time.Time `json:"next_reset_day,omitempty"`
	Warning         string    `json:"warning,omitempty"`
}

type providerState struct {
	name        string
	quota       Quota
	enabled     bool
	calls       []time.Time // append-only within a run; pruned to the last 24h on write
	totalCalls  int64
	lastError   string
	lastErrorAt time.Time
}

// Ledger tracks API usage per provider over rolling minute/hour/day windows.
// All "daily" accounting is a sliding 24h window, never a calendar boundary.
type Ledger struct {
	mu        sync.Mutex
	providers map[string]*providerState
	logger    *log.Logger

	now func() time.Time
}

func NewLedger(logger *log.Logger) *Ledger {
	return &Ledger{
		providers: make(map[string]*providerState),
		logger:    logger,
		now:       time.Now,
	}
}

// Register adds a provider with its quota. Registering twice replaces the
// quota but keeps recorded usage.
func (l *Ledger) Register(name string, quota Quota) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.providers[name]; ok {
		st.quota = quota
		return
	}
	l.providers[name] = &providerState{name: name, quota: quota, enabled: true}

	observ.Log("usage_provider_registered", map[string]any{
		"provider":   name,
		"per_minute": quota.PerMinute,
		"per_hour":   quota.PerHour,
		"per_day":    quota.PerDay,
	})
}

// SetEnabled toggles a provider. A disabled provider never reports capacity.
func (l *Ledger) SetEnabled(name string, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.providers[name]; ok {
		st.enabled = enabled
	}
}

// RecordCall appends a call timestamp, prunes entries older than 24h, and
// updates the provider's last-error record. Unknown providers are a no-op.
func (l *Ledger) RecordCall(name string, success bool, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.providers[name]
	if !ok {
		return
	}

	now := l.now()
	st.calls = append(st.calls, now)
	st.totalCalls++
	l.prune(st, now)

	if success {
		st.lastError = ""
		st.lastErrorAt = time.Time{}
	} else {
		st.lastError = errMsg
		st.lastErrorAt = now
	}

	observ.IncCounter("usage_calls_total", map[string]string{
		"provider": name,
		"success":  fmt.Sprintf("%t", success),
	})
	observ.SetGauge("usage_calls_24h", float64(len(st.calls)), map[string]string{"provider": name})

	if w := warningFor(l.statusLocked(name)); w != "" {
		observ.Log("usage_warning", map[string]any{"provider": name, "warning": w})
	}
}

// Simulate synthetically records count calls (admin/test tooling only).
func (l *Ledger) Simulate(name string, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.providers[name]
	if !ok {
		return
	}
	now := l.now()
	for i := 0; i < count; i++ {
		st.calls = append(st.calls, now)
		st.totalCalls++
	}
	l.prune(st, now)
	l.logger.Printf("Simulated %d calls for provider %s (window now %d)", count, name, len(st.calls))
}

// Reset clears usage history for one provider, or for all when name is empty.
func (l *Ledger) Reset(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear := func(st *providerState) {
		st.calls = nil
		st.lastError = ""
		st.lastErrorAt = time.Time{}
	}
	if name == "" {
		for _, st := range l.providers {
			clear(st)
		}
		observ.Log("usage_reset", map[string]any{"provider": "all"})
		return
	}
	if st, ok := l.providers[name]; ok {
		clear(st)
		observ.Log("usage_reset", map[string]any{"provider": name})
	}
}

// Status reports remaining capacity per window. An unknown provider yields
// Known=false and no capacity; callers treat that the same as exhaustion.
func (l *Ledger) Status(name string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked(name)
}

func (l *Ledger) statusLocked(name string) Status {
	st, ok := l.providers[name]
	if !ok {
		return Status{Provider: name}
	}

	now := l.now()
	l.prune(st, now)

	s := Status{Provider: name, Known: true}
	s.RemainingMinute, s.NextResetMinute = l.windowRemaining(st, now, time.Minute, st.quota.PerMinute)
	s.RemainingHour, s.NextResetHour = l.windowRemaining(st, now, time.Hour, st.quota.PerHour)
	s.RemainingDay, s.NextResetDay = l.windowRemaining(st, now, 24*time.Hour, st.quota.PerDay)

	s.CanMakeRequest = st.enabled &&
		remainingPositive(s.RemainingMinute) &&
		remainingPositive(s.RemainingHour) &&
		remainingPositive(s.RemainingDay)

	s.Warning = warningFor(s)
	return s
}

// windowRemaining counts calls newer than now-window and returns the remaining
// budget plus the instant the oldest in-window call ages out.
func (l *Ledger) windowRemaining(st *providerState, now time.Time, window time.Duration, limit int) (int, time.Time) {
	if limit <= 0 {
		return Unlimited, time.Time{}
	}
	cutoff := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, ts := range st.calls {
		if ts.After(cutoff) {
			if oldest.IsZero() {
				oldest = ts
			}
			count++
		}
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	var reset time.Time
	if !oldest.IsZero() {
		reset = oldest.Add(window)
	}
	return remaining, reset
}

// CanAfford reports whether the provider has at least n calls of headroom in
// every bounded window.
func (l *Ledger) CanAfford(name string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.statusLocked(name)
	if !s.CanMakeRequest {
		return false
	}
	for _, rem := range []int{s.RemainingMinute, s.RemainingHour, s.RemainingDay} {
		if rem != Unlimited && rem < n {
			return false
		}
	}
	return true
}

// BestProvider scores each candidate that can currently make a request by
// weighted remaining capacity (minute weighted most, daily least) and returns
// the winner. Ties keep the earliest candidate in input order.
func (l *Ledger) BestProvider(candidates ...string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	best := ""
	bestScore := 0.0
	for _, name := range candidates {
		s := l.statusLocked(name)
		if !s.CanMakeRequest {
			continue
		}
		score := 1440*scoreValue(s.RemainingMinute) +
			24*scoreValue(s.RemainingHour) +
			scoreValue(s.RemainingDay)
		if best == "" || score > bestScore {
			best = name
			bestScore = score
		}
	}
	return best, best != ""
}

// Snapshot returns a status per registered provider, for the usage endpoint
// and enrichment summaries.
func (l *Ledger) Snapshot() []Status {
	l.mu.Lock()
	names := make([]string, 0, len(l.providers))
	for name := range l.providers {
		names = append(names, name)
	}
	l.mu.Unlock()

	sort.Strings(names)
	out := make([]Status, 0, len(names))
	for _, name := range names {
		out = append(out, l.Status(name))
	}
	return out
}

// DailyUsage returns calls made in the trailing 24h and the daily ceiling
// (0 when unbounded).
func (l *Ledger) DailyUsage(name string) (used, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.providers[name]
	if !ok {
		return 0, 0
	}
	l.prune(st, l.now())
	return len(st.calls), st.quota.PerDay
}

// LastError returns the provider's most recent failure, if any.
func (l *Ledger) LastError(name string) (string, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.providers[name]
	if !ok || st.lastError == "" {
		return "", time.Time{}, false
	}
	return st.lastError, st.lastErrorAt, true
}

func (l *Ledger) prune(st *providerState, now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for i < len(st.calls) && !st.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.calls = append(st.calls[:0], st.calls[i:]...)
	}
}

func remainingPositive(rem int) bool {
	return rem == Unlimited || rem > 0
}

// scoreValue maps an unbounded window to a large constant so unlimited
// providers outrank constrained ones at equal weight.
func scoreValue(rem int) float64 {
	if rem == Unlimited {
		return 1e9
	}
	return float64(rem)
}

func warningFor(s Status) string {
	type binding struct {
		window    string
		remaining int
		threshold int
	}
	checks := []binding{
		{"minute", s.RemainingMinute, 1},
		{"hour", s.RemainingHour, 5},
		{"day", s.RemainingDay, 5},
	}
	tightest := binding{remaining: -1}
	for _, c := range checks {
		if c.remaining == Unlimited {
			continue
		}
		if tightest.remaining == -1 || c.remaining < tightest.remaining {
			tightest = c
		}
	}
	if tightest.remaining == -1 {
		return ""
	}
	if tightest.remaining <= tightest.threshold {
		return fmt.Sprintf("only %d calls left in the current %s window", tightest.remaining, tightest.window)
	}
	return ""
}
