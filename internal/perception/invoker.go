package perception

import (
	"context"
	"fmt"
	"time"

	"alphagate/internal/logging"
	"alphagate/internal/telemetry"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Invoker wraps a Client with model policy, classified retries with
// exponential backoff, and usage reporting.
type Invoker struct {
	client   Client
	policy   ModelPolicy
	provider string
	reporter UsageReporter
	sleep    SleepFunc
}

// InvokerOption customises an Invoker.
type InvokerOption func(*Invoker)

// WithUsageReporter sets the usage sink.
func WithUsageReporter(r UsageReporter) InvokerOption {
	return func(inv *Invoker) { inv.reporter = r }
}

// WithSleep replaces the backoff sleep. Tests use it to record delays.
func WithSleep(fn SleepFunc) InvokerOption {
	return func(inv *Invoker) { inv.sleep = fn }
}

// WithProvider labels usage records.
func WithProvider(name string) InvokerOption {
	return func(inv *Invoker) { inv.provider = name }
}

// NewInvoker creates an Invoker over client.
func NewInvoker(client Client, policy ModelPolicy, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		client:   client,
		policy:   policy,
		provider: "gemini",
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke performs req with up to maxRetries retries on transient errors.
// The first retry waits initialDelay and each following one doubles it.
// Terminal errors return immediately. Every failure is an *InvocationError.
func (inv *Invoker) Invoke(ctx context.Context, req Request, maxRetries int, initialDelay time.Duration) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	model, substituted := inv.policy.Resolve(req.Model)
	if substituted {
		logging.PerceptionWarn("model %q replaced by %q", req.Model, model)
		logging.Audit().ModelSubstitute(req.Model, model)
		telemetry.Get().ModelSubstitutions.Inc()
	}
	req.Model = model

	timer := logging.StartTimer(logging.CategoryPerception, "invoke "+model)
	defer timer.StopWithThreshold(10 * time.Second)

	start := time.Now()
	delay := initialDelay
	var lastErr error

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		res, err := inv.client.Generate(ctx, req)
		if err == nil {
			if res.Model == "" {
				res.Model = model
			}
			logging.PerceptionDebug("invoke %s ok: attempt=%d in=%d out=%d",
				model, attempt, res.Usage.InputTokens, res.Usage.OutputTokens)
			logging.Audit().LLMCall(model, attempt, time.Since(start).Milliseconds(), nil)
			telemetry.Get().Invocations.WithLabelValues(model, "success").Inc()
			inv.report(ctx, req, res)
			return res, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, inv.fail(model, attempt, false, fmt.Errorf("%w (last error: %v)", ctxErr, err), start)
		}
		if !IsTransient(err) {
			return Result{}, inv.fail(model, attempt, false, err, start)
		}
		if attempt > maxRetries {
			break
		}

		logging.PerceptionWarn("invoke %s transient error (attempt %d/%d), retrying in %v: %v",
			model, attempt, maxRetries+1, delay, err)
		telemetry.Get().InvocationRetries.Inc()

		if err := inv.sleep(ctx, delay); err != nil {
			return Result{}, inv.fail(model, attempt, false, err, start)
		}
		delay *= 2
	}

	return Result{}, inv.fail(model, maxRetries+1, true, lastErr, start)
}

func (inv *Invoker) fail(model string, attempts int, transient bool, err error, start time.Time) error {
	ie := &InvocationError{Model: model, Attempts: attempts, Transient: transient, Err: err}
	outcome := "terminal"
	if transient {
		outcome = "exhausted"
	}
	logging.Get(logging.CategoryPerception).Error("%v", ie)
	logging.Audit().LLMCall(model, attempts, time.Since(start).Milliseconds(), ie)
	telemetry.Get().Invocations.WithLabelValues(model, outcome).Inc()
	return ie
}

// report hands usage to the reporter. It never fails the call.
func (inv *Invoker) report(ctx context.Context, req Request, res Result) {
	if inv.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.PerceptionWarn("usage reporter panicked: %v", r)
		}
	}()
	err := inv.reporter.ReportUsage(ctx, UsageRecord{
		Model:        res.Model,
		Provider:     inv.provider,
		Operation:    req.Operation,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
	})
	if err != nil {
		logging.PerceptionWarn("usage report failed: %v", err)
	}
}
