package usage

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() (*Ledger, *time.Time) {
	l := NewLedger(log.New(os.Stderr, "", 0))
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestDailyQuotaExhaustionAndRollingReset(t *testing.T) {
	l, now := newTestLedger()
	l.Register("fmp", Quota{PerDay: 3})

	for i := 0; i < 3; i++ {
		l.RecordCall("fmp", true, "")
		*now = now.Add(time.Minute)
	}

	s := l.Status("fmp")
	require.True(t, s.Known)
	assert.False(t, s.CanMakeRequest)
	assert.Equal(t, 0, s.RemainingDay)
	assert.Equal(t, Unlimited, s.RemainingMinute)

	// Just before the oldest call ages out: still exhausted.
	*now = now.Add(24*time.Hour - 4*time.Minute)
	assert.False(t, l.Status("fmp").CanMakeRequest)

	// Once the oldest call falls outside the 24h window capacity returns.
	*now = now.Add(90 * time.Second)
	s = l.Status("fmp")
	assert.True(t, s.CanMakeRequest)
	assert.Equal(t, 1, s.RemainingDay)
}

func TestStatusNextResetTracksOldestCall(t *testing.T) {
	l, now := newTestLedger()
	l.Register("av", Quota{PerHour: 10})

	first := *now
	l.RecordCall("av", true, "")
	*now = now.Add(10 * time.Minute)
	l.RecordCall("av", true, "")

	s := l.Status("av")
	assert.Equal(t, 8, s.RemainingHour)
	assert.Equal(t, first.Add(time.Hour), s.NextResetHour)
	assert.True(t, s.NextResetMinute.IsZero()) // unbounded window has no reset
}

func TestUnknownProviderIsNoOp(t *testing.T) {
	l, _ := newTestLedger()

	l.RecordCall("nope", true, "") // must not panic
	l.Reset("nope")

	s := l.Status("nope")
	assert.False(t, s.Known)
	assert.False(t, s.CanMakeRequest)
}

func TestLastErrorClearedOnSuccess(t *testing.T) {
	l, _ := newTestLedger()
	l.Register("fmp", Quota{})

	l.RecordCall("fmp", false, "HTTP 502")
	msg, _, ok := l.LastError("fmp")
	require.True(t, ok)
	assert.Equal(t, "HTTP 502", msg)

	l.RecordCall("fmp", true, "")
	_, _, ok = l.LastError("fmp")
	assert.False(t, ok)
}

func TestBestProviderWeighting(t *testing.T) {
	l, _ := newTestLedger()
	l.Register("fmp", Quota{PerMinute: 5, PerDay: 250})
	l.Register("av", Quota{PerMinute: 5, PerDay: 25})

	// Exhaust fmp's minute window; av should win despite the smaller daily cap.
	l.Simulate("fmp", 5)
	best, ok := l.BestProvider("fmp", "av")
	require.True(t, ok)
	assert.Equal(t, "av", best)

	// With both fully available, the minute weight dominates and the tie on
	// minute capacity is broken by daily headroom.
	l.Reset("")
	best, ok = l.BestProvider("fmp", "av")
	require.True(t, ok)
	assert.Equal(t, "fmp", best)
}

func TestBestProviderTieBreakKeepsInputOrder(t *testing.T) {
	l, _ := newTestLedger()
	l.Register("a", Quota{PerDay: 10})
	l.Register("b", Quota{PerDay: 10})

	best, ok := l.BestProvider("a", "b")
	require.True(t, ok)
	assert.Equal(t, "a", best)

	best, ok = l.BestProvider("b", "a")
	require.True(t, ok)
	assert.Equal(t, "b", best)
}

func TestBestProviderNoneQualify(t *testing.T) {
	l, _ := newTestLedger()
	l.Register("a", Quota{PerMinute: 1})
	l.Simulate("a", 1)

	_, ok := l.BestProvider("a", "missing")
	assert.False(t, ok)
}

func TestWarningThresholds(t *testing.T) {
	l, _ := newTestLedger()
	l.Register("fmp", Quota{PerMinute: 5, PerDay: 250})

	assert.Empty(t, l.Status("fmp").Warning)

	// Minute window is the tightest binding one; warning only at <=1 remaining.
	l.Simulate("fmp", 3)
	assert.Empty(t, l.Status("fmp").Warning)
	l.Simulate("fmp", 1)
	assert.Contains(t, l.Status("fmp").Warning, "minute")
}

func TestCanAfford(t *testing.T) {
	l, _ := newTestLedger()
	l.Register("fmp", Quota{PerHour: 10})
	l.Simulate("fmp", 7)

	assert.True(t, l.CanAfford("fmp", 3))
	assert.False(t, l.CanAfford("fmp", 4))
	assert.False(t, l.CanAfford("missing", 1))
}

func TestDisabledProviderHasNoCapacity(t *testing.T) {
	l, _ := newTestLedger()
	l.Register("fmp", Quota{})
	l.SetEnabled("fmp", false)

	assert.False(t, l.Status("fmp").CanMakeRequest)
	assert.False(t, l.CanAfford("fmp", 1))
}

func TestDailyUsage(t *testing.T) {
	l, _ := newTestLedger()
	l.Register("fmp", Quota{PerDay: 250})
	l.Simulate("fmp", 12)

	used, limit := l.DailyUsage("fmp")
	assert.Equal(t, 12, used)
	assert.Equal(t, 250, limit)
}
