package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcwilson/portfolio-enricher/internal/providers"
	"github.com/marcwilson/portfolio-enricher/internal/usage"
)

func newTestScheduler(quota usage.Quota) (*Scheduler, *usage.Ledger) {
	logger := log.New(os.Stderr, "", 0)
	ledger := usage.NewLedger(logger)
	ledger.Register("prov", quota)
	return NewScheduler(ledger, logger), ledger
}

func TestQueuePacing(t *testing.T) {
	s, _ := newTestScheduler(usage.Quota{})
	spacing := 20 * time.Millisecond
	s.Configure("prov", spacing)

	const n = 4
	var mu sync.Mutex
	var stamps []time.Time

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(context.Background(), "prov", func(context.Context) error {
				mu.Lock()
				stamps = append(stamps, time.Now())
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
		time.Sleep(2 * time.Millisecond) // keep enqueue order stable
	}
	wg.Wait()

	require.Len(t, stamps, n)
	elapsed := stamps[n-1].Sub(stamps[0])
	// Nth execution must be at least (N-1)*spacing after the first, within
	// clock resolution.
	assert.GreaterOrEqual(t, elapsed, time.Duration(n-1)*spacing-2*time.Millisecond)
}

func TestFIFOWithinQueue(t *testing.T) {
	s, _ := newTestScheduler(usage.Quota{})
	s.Configure("prov", 10*time.Millisecond)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), "prov", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		time.Sleep(3 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestJobErrorDoesNotAbortQueue(t *testing.T) {
	s, ledger := newTestScheduler(usage.Quota{})

	boom := errors.New("boom")
	err := s.Do(context.Background(), "prov", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = s.Do(context.Background(), "prov", func(context.Context) error { return nil })
	assert.NoError(t, err)

	msg, _, ok := ledger.LastError("prov")
	assert.False(t, ok, "last error should be cleared by the success, got %q", msg)
}

func TestLedgerGateStopsDraining(t *testing.T) {
	s, ledger := newTestScheduler(usage.Quota{PerMinute: 1})

	require.NoError(t, s.Do(context.Background(), "prov", func(context.Context) error { return nil }))

	// Second job cannot be released in this window; the caller times out and
	// the job stays queued.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, "prov", func(context.Context) error {
		t.Error("job must not execute while the ledger withholds capacity")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, s.Pending("prov"))

	// After a reset, Kick resumes the queue. The timed-out job is skipped
	// rather than executed.
	ledger.Reset("prov")
	s.Kick("prov")
	assert.Eventually(t, func() bool { return s.Pending("prov") == 0 }, time.Second, 5*time.Millisecond)
}

func TestRateLimitRejectionClearsQueue(t *testing.T) {
	s, ledger := newTestScheduler(usage.Quota{})

	release := make(chan struct{})
	results := make(chan error, 2)

	first := make(chan error, 1)
	go func() {
		first <- s.Do(context.Background(), "prov", func(context.Context) error {
			<-release
			return providers.NewRateLimitError("AAPL", "429 too many requests")
		})
	}()

	// Queue two more jobs behind the in-flight one.
	assert.Eventually(t, func() bool { return s.Pending("prov") == 0 }, time.Second, time.Millisecond)
	for i := 0; i < 2; i++ {
		go func() {
			results <- s.Do(context.Background(), "prov", func(context.Context) error {
				return fmt.Errorf("must not run")
			})
		}()
	}
	assert.Eventually(t, func() bool { return s.Pending("prov") == 2 }, time.Second, time.Millisecond)
	close(release)

	err := <-first
	assert.True(t, providers.IsRateLimited(err), "triggering caller gets the provider error, got %v", err)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-results, ErrQueueCleared)
	}
	assert.Equal(t, 0, s.Pending("prov"))

	// Exactly one call hit the ledger, recorded as a failure.
	used, _ := ledger.DailyUsage("prov")
	assert.Equal(t, 1, used)
	msg, _, ok := ledger.LastError("prov")
	require.True(t, ok)
	assert.Contains(t, msg, "rate_limit")
}

func TestQueuesAreIndependent(t *testing.T) {
	s, ledger := newTestScheduler(usage.Quota{})
	ledger.Register("other", usage.Quota{})
	s.Configure("prov", 50*time.Millisecond)

	// Saturate prov's queue, then check other's queue is not delayed by it.
	for i := 0; i < 3; i++ {
		go func() { _ = s.Do(context.Background(), "prov", func(context.Context) error { return nil }) }()
	}

	start := time.Now()
	err := s.Do(context.Background(), "other", func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}
