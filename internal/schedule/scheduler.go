package schedule

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/marcwilson/portfolio-enricher/internal/observ"
	"github.com/marcwilson/portfolio-enricher/internal/providers"
	"github.com/marcwilson/portfolio-enricher/internal/usage"
)

// ErrQueueCleared is delivered to jobs dropped when their provider actively
// rejected a call for rate limiting and the rest of the queue was abandoned
// to avoid compounding the violation.
var ErrQueueCleared = errors.New("request queue cleared after provider rate limit")

// Job is one outbound provider call.
type Job func(ctx context.Context) error

type job struct {
	ctx  context.Context
	run  Job
	done chan error // buffered; drain never blocks on delivery
}

// queue serializes calls to one provider. It is either idle or draining;
// enqueueing onto an idle queue starts a drain goroutine.
type queue struct {
	mu           sync.Mutex
	jobs         []*job
	draining     bool
	lastDispatch time.Time
}

// Scheduler funnels every outbound call through a single FIFO queue per
// provider, enforcing minimum inter-call spacing and consulting the usage
// ledger before releasing work. Draining is a sequential loop on purpose:
// parallel dispatch would defeat the pacing guarantee.
type Scheduler struct {
	mu      sync.Mutex
	queues  map[string]*queue
	spacing map[string]time.Duration
	ledger  *usage.Ledger
	logger  *log.Logger
}

func NewScheduler(ledger *usage.Ledger, logger *log.Logger) *Scheduler {
	return &Scheduler{
		queues:  make(map[string]*queue),
		spacing: make(map[string]time.Duration),
		ledger:  ledger,
		logger:  logger,
	}
}

// Configure sets the minimum spacing between calls to a provider.
func (s *Scheduler) Configure(provider string, spacing time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spacing[provider] = spacing
}

// Do enqueues fn on the provider's queue and waits for its result. If ctx
// expires while the job is still queued the call returns ctx.Err() and the
// job is skipped when the queue reaches it.
func (s *Scheduler) Do(ctx context.Context, provider string, fn Job) error {
	j := &job{ctx: ctx, run: fn, done: make(chan error, 1)}

	q := s.queueFor(provider)
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	depth := len(q.jobs)
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	observ.SetGauge("scheduler_queue_depth", float64(depth), map[string]string{"provider": provider})
	if start {
		go s.drain(provider, q)
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kick restarts draining for a provider whose queue stalled on quota
// exhaustion. A no-op if the queue is empty or already draining.
func (s *Scheduler) Kick(provider string) {
	q := s.queueFor(provider)
	q.mu.Lock()
	start := !q.draining && len(q.jobs) > 0
	if start {
		q.draining = true
	}
	q.mu.Unlock()
	if start {
		go s.drain(provider, q)
	}
}

// Pending reports how many jobs are waiting on a provider's queue.
func (s *Scheduler) Pending(provider string) int {
	q := s.queueFor(provider)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (s *Scheduler) queueFor(provider string) *queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[provider]
	if !ok {
		q = &queue{}
		s.queues[provider] = q
	}
	return q
}

func (s *Scheduler) spacingFor(provider string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spacing[provider]
}

// drain is the queue's Draining state. It pops jobs oldest-first, gates each
// on the ledger, paces dispatches, and transitions back to idle when the
// queue empties or the ledger withholds capacity.
func (s *Scheduler) drain(provider string, q *queue) {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		j := q.jobs[0]

		if j.ctx.Err() != nil {
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			j.done <- j.ctx.Err()
			continue
		}

		if !s.ledger.Status(provider).CanMakeRequest {
			// Stop draining; jobs stay queued for the next enqueue or Kick.
			// Busy-waiting here would burn the window we are waiting out.
			q.draining = false
			pending := len(q.jobs)
			q.mu.Unlock()
			observ.Log("scheduler_queue_blocked", map[string]any{
				"provider": provider,
				"pending":  pending,
			})
			return
		}

		wait := time.Until(q.lastDispatch.Add(s.spacingFor(provider)))
		q.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}

		q.mu.Lock()
		q.jobs = q.jobs[1:]
		q.lastDispatch = time.Now()
		q.mu.Unlock()

		err := j.run(j.ctx)
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		s.ledger.RecordCall(provider, err == nil, errMsg)

		if providers.IsRateLimited(err) {
			// The provider itself told us to stop. Clear the queue rather
			// than pacing further calls into a known violation; the
			// triggering job's caller gets the provider error, the rest get
			// ErrQueueCleared.
			q.mu.Lock()
			dropped := q.jobs
			q.jobs = nil
			q.draining = false
			q.mu.Unlock()

			j.done <- err
			for _, d := range dropped {
				d.done <- ErrQueueCleared
			}
			s.logger.Printf("Scheduler %s: provider rejected for rate limiting, dropped %d queued jobs", provider, len(dropped))
			observ.IncCounterBy("scheduler_jobs_dropped_total", map[string]string{"provider": provider}, float64(len(dropped)))
			return
		}

		j.done <- err
	}
}
