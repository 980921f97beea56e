package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"alphagate/internal/logging"
	"alphagate/internal/perception"
	"alphagate/internal/telemetry"
)

// =============================================================================
// API SCHEDULER - PRIORITY ADMISSION FOR OUTBOUND AI CALLS
// =============================================================================
//
// The APIScheduler bounds how many provider calls run at once. Callers that
// arrive when every slot is taken wait in one of three FIFO tiers. When a slot
// frees, it is handed directly to the head of the highest non-empty tier while
// the lock is held, so a newcomer can never steal it.
//
// Key concepts:
// - Slot: permission to run one provider call
// - Tier: FIFO of waiters sharing a priority
// - Hand-off: release admits the next waiter before unlocking

// ErrSchedulerStopped is returned for submissions after Stop and for waiters
// still queued when Stop is called.
var ErrSchedulerStopped = errors.New("api scheduler stopped")

const numTiers = 3

// APISchedulerConfig configures the scheduler.
type APISchedulerConfig struct {
	MaxConcurrentAPICalls int     // Max simultaneous provider calls
	RequestsPerSecond     float64 // Admission rate limit, 0 disables
	Burst                 int     // Limiter burst, minimum 1
}

// DefaultAPISchedulerConfig returns sensible defaults.
func DefaultAPISchedulerConfig() APISchedulerConfig {
	return APISchedulerConfig{
		MaxConcurrentAPICalls: 3,
		Burst:                 1,
	}
}

type waiter struct {
	priority perception.Priority
	enqueued time.Time
	ready    chan struct{} // closed on admission or stop
	admitted bool
	err      error
}

// APIScheduler admits tasks under a concurrency ceiling with priority tiers.
type APIScheduler struct {
	config  APISchedulerConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	inFlight int
	tiers    [numTiers][]*waiter
	stopped  bool

	// Metrics, guarded by mu
	admitted     int64
	completed    int64
	cancelled    int64
	rejected     int64
	totalWaitNs  int64
	peakInFlight int
}

// NewAPIScheduler creates a new scheduler.
func NewAPIScheduler(config APISchedulerConfig) *APIScheduler {
	if config.MaxConcurrentAPICalls < 1 {
		config.MaxConcurrentAPICalls = 1
	}
	if config.Burst < 1 {
		config.Burst = 1
	}

	s := &APIScheduler{config: config}
	if config.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst)
	}
	return s
}

// Submit runs task once a slot is available.
//
// If ctx is cancelled while the task is still queued, the entry is removed and
// ctx.Err() is returned; the task never runs. Once admitted the task runs to
// completion on a context that ignores the submitter's cancellation.
func (s *APIScheduler) Submit(ctx context.Context, priority perception.Priority, task func(context.Context) error) error {
	tier := tierOf(priority)

	s.mu.Lock()
	if s.stopped {
		s.rejected++
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}

	if s.inFlight < s.config.MaxConcurrentAPICalls && s.queuedLocked() == 0 {
		s.admitLocked(0)
		s.mu.Unlock()
	} else {
		w := &waiter{priority: tier, enqueued: time.Now(), ready: make(chan struct{})}
		s.tiers[tier] = append(s.tiers[tier], w)
		s.publishQueueLocked(tier)
		logging.SchedulerDebug("queued %s call (in_flight=%d/%d, queued=%d)",
			tier, s.inFlight, s.config.MaxConcurrentAPICalls, s.queuedLocked())
		s.mu.Unlock()

		if err := s.await(ctx, w); err != nil {
			return err
		}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.release(false)
			return err
		}
	}

	return s.run(ctx, task)
}

// await blocks until w is admitted, the scheduler stops, or ctx is done.
func (s *APIScheduler) await(ctx context.Context, w *waiter) error {
	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
	}

	s.mu.Lock()
	if w.admitted {
		// Handed a slot just as ctx fired. Give it back to the next waiter.
		s.mu.Unlock()
		s.release(false)
		return ctx.Err()
	}
	if w.err != nil {
		s.mu.Unlock()
		return w.err
	}
	s.removeLocked(w)
	s.cancelled++
	s.mu.Unlock()

	logging.SchedulerDebug("%s call cancelled while queued after %v", w.priority, time.Since(w.enqueued))
	return ctx.Err()
}

func (s *APIScheduler) run(ctx context.Context, task func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled task panicked: %v", r)
			logging.Get(logging.CategoryScheduler).Error("%v", err)
		}
		s.release(true)
	}()
	return task(context.WithoutCancel(ctx))
}

// release frees a slot and hands it to the next waiter.
func (s *APIScheduler) release(completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
	if completed {
		s.completed++
	}

	for tier := range s.tiers {
		if len(s.tiers[tier]) == 0 {
			continue
		}
		w := s.tiers[tier][0]
		s.tiers[tier][0] = nil
		s.tiers[tier] = s.tiers[tier][1:]
		s.publishQueueLocked(perception.Priority(tier))

		wait := time.Since(w.enqueued)
		w.admitted = true
		s.admitLocked(wait)
		telemetry.Get().SchedulerWait.WithLabelValues(w.priority.String()).Observe(wait.Seconds())
		close(w.ready)

		if wait > 100*time.Millisecond {
			logging.SchedulerDebug("%s call admitted after %v", w.priority, wait)
		}
		break
	}
	telemetry.Get().SchedulerInFlight.Set(float64(s.inFlight))
}

func (s *APIScheduler) admitLocked(wait time.Duration) {
	s.inFlight++
	s.admitted++
	s.totalWaitNs += int64(wait)
	if s.inFlight > s.peakInFlight {
		s.peakInFlight = s.inFlight
	}
	telemetry.Get().SchedulerInFlight.Set(float64(s.inFlight))
}

func (s *APIScheduler) removeLocked(w *waiter) {
	q := s.tiers[w.priority]
	for i, e := range q {
		if e == w {
			s.tiers[w.priority] = append(q[:i], q[i+1:]...)
			break
		}
	}
	s.publishQueueLocked(w.priority)
}

func (s *APIScheduler) queuedLocked() int {
	n := 0
	for _, q := range s.tiers {
		n += len(q)
	}
	return n
}

func (s *APIScheduler) publishQueueLocked(p perception.Priority) {
	telemetry.Get().SchedulerQueued.WithLabelValues(p.String()).Set(float64(len(s.tiers[p])))
}

func tierOf(p perception.Priority) perception.Priority {
	if p < perception.PriorityHigh || p > perception.PriorityLow {
		return perception.PriorityNormal
	}
	return p
}

// Stop rejects new submissions and fails every queued waiter with
// ErrSchedulerStopped. Tasks already running are not interrupted.
func (s *APIScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	failed := 0
	for tier := range s.tiers {
		for _, w := range s.tiers[tier] {
			w.err = ErrSchedulerStopped
			close(w.ready)
			failed++
		}
		s.tiers[tier] = nil
		s.publishQueueLocked(perception.Priority(tier))
	}
	logging.Scheduler("stopped (in_flight=%d, failed_waiters=%d)", s.inFlight, failed)
}

// SubmitValue is Submit for tasks that produce a value.
func SubmitValue[T any](ctx context.Context, s *APIScheduler, priority perception.Priority, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.Submit(ctx, priority, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// APISchedulerMetrics provides observability into scheduler state.
type APISchedulerMetrics struct {
	MaxSlots       int
	InFlight       int
	PeakInFlight   int
	QueuedHigh     int
	QueuedNormal   int
	QueuedLow      int
	TotalAdmitted  int64
	TotalCompleted int64
	Cancelled      int64
	Rejected       int64
	AvgWait        time.Duration
	Stopped        bool
}

// Metrics returns a consistent snapshot.
func (s *APIScheduler) Metrics() APISchedulerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := APISchedulerMetrics{
		MaxSlots:       s.config.MaxConcurrentAPICalls,
		InFlight:       s.inFlight,
		PeakInFlight:   s.peakInFlight,
		QueuedHigh:     len(s.tiers[perception.PriorityHigh]),
		QueuedNormal:   len(s.tiers[perception.PriorityNormal]),
		QueuedLow:      len(s.tiers[perception.PriorityLow]),
		TotalAdmitted:  s.admitted,
		TotalCompleted: s.completed,
		Cancelled:      s.cancelled,
		Rejected:       s.rejected,
		Stopped:        s.stopped,
	}
	if s.admitted > 0 {
		m.AvgWait = time.Duration(s.totalWaitNs / s.admitted)
	}
	return m
}

// String returns a human-readable summary.
func (m APISchedulerMetrics) String() string {
	return fmt.Sprintf("slots=%d/%d (peak %d), queued=%d/%d/%d, admitted=%d, completed=%d, cancelled=%d, avg_wait=%v",
		m.InFlight, m.MaxSlots, m.PeakInFlight, m.QueuedHigh, m.QueuedNormal, m.QueuedLow,
		m.TotalAdmitted, m.TotalCompleted, m.Cancelled, m.AvgWait)
}

// -----------------------------------------------------------------------------
// Scheduled client wrapper
// -----------------------------------------------------------------------------

// ScheduledClient routes every single provider call through the scheduler at
// the request's priority. Put the Invoker on top of it so each retry is a new
// admission and backoff never holds a slot.
type ScheduledClient struct {
	Scheduler *APIScheduler
	Client    perception.Client
}

var _ perception.Client = (*ScheduledClient)(nil)

// NewScheduledClient wraps client.
func NewScheduledClient(s *APIScheduler, client perception.Client) *ScheduledClient {
	return &ScheduledClient{Scheduler: s, Client: client}
}

// Generate acquires a slot, performs the call, and releases the slot.
func (c *ScheduledClient) Generate(ctx context.Context, req perception.Request) (perception.Result, error) {
	return SubmitValue(ctx, c.Scheduler, req.Priority, func(ctx context.Context) (perception.Result, error) {
		return c.Client.Generate(ctx, req)
	})
}

// -----------------------------------------------------------------------------
// Global Scheduler Instance
// -----------------------------------------------------------------------------

var (
	globalMu        sync.Mutex
	globalScheduler *APIScheduler
)

// InitAPIScheduler replaces the process-wide scheduler. A previous instance is
// stopped.
func InitAPIScheduler(config APISchedulerConfig) *APIScheduler {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalScheduler != nil {
		globalScheduler.Stop()
	}
	globalScheduler = NewAPIScheduler(config)
	logging.Scheduler("initialized (max_slots=%d, rps=%.2f, burst=%d)",
		globalScheduler.config.MaxConcurrentAPICalls, config.RequestsPerSecond, globalScheduler.config.Burst)
	return globalScheduler
}

// GetAPIScheduler returns the process-wide scheduler, creating one with the
// default config on first use.
func GetAPIScheduler() *APIScheduler {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalScheduler == nil {
		globalScheduler = NewAPIScheduler(DefaultAPISchedulerConfig())
	}
	return globalScheduler
}
