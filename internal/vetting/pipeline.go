package vetting

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"alphagate/internal/logging"
	"alphagate/internal/perception"
	"alphagate/internal/telemetry"
	"alphagate/internal/usage"
)

// Invoker performs one resilient model call.
type Invoker interface {
	Invoke(ctx context.Context, req perception.Request, maxRetries int, initialDelay time.Duration) (perception.Result, error)
}

// Publisher receives finished outcomes. Publish must not block.
type Publisher interface {
	Publish(o *Outcome)
}

// Config tunes a Pipeline.
type Config struct {
	Model                string
	Temperature          float32
	MaxRetries           int
	InitialDelay         time.Duration
	ReliabilityThreshold float64
	FallbackTargetPct    float64
	FallbackStopPct      float64
	Priority             perception.Priority // used by Run
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Temperature:          0.2,
		MaxRetries:           3,
		InitialDelay:         time.Second,
		ReliabilityThreshold: 15,
		FallbackTargetPct:    5,
		FallbackStopPct:      3,
		Priority:             perception.PriorityHigh,
	}
}

// Pipeline runs documents through the four gates.
type Pipeline struct {
	invoker   Invoker
	cfg       Config
	publisher Publisher
	now       func() time.Time
}

// NewPipeline creates a pipeline. publisher may be nil.
func NewPipeline(invoker Invoker, cfg Config, publisher Publisher) *Pipeline {
	if cfg.ReliabilityThreshold <= 0 {
		cfg.ReliabilityThreshold = 15
	}
	if cfg.FallbackTargetPct <= 0 {
		cfg.FallbackTargetPct = 5
	}
	if cfg.FallbackStopPct <= 0 {
		cfg.FallbackStopPct = 3
	}
	return &Pipeline{invoker: invoker, cfg: cfg, publisher: publisher, now: time.Now}
}

// Run vets doc at the configured priority.
func (p *Pipeline) Run(ctx context.Context, doc Document) (*Outcome, error) {
	return p.RunWithPriority(ctx, doc, p.cfg.Priority)
}

// RunWithPriority vets doc, submitting every model call at prio.
//
// It returns an Outcome for completed runs and for runs blocked by the
// reliability or red team gate. The error is non-nil only for invalid input
// or a *PipelineError.
func (p *Pipeline) RunWithPriority(ctx context.Context, doc Document, prio perception.Priority) (*Outcome, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	if doc.ID == "" {
		doc.ID = runID
	}
	ctx = usage.WithRunID(ctx, runID)
	audit := logging.AuditWithRun(runID)
	log := logging.WithRequestID(logging.CategoryVetting, runID).WithField("doc", doc.ID)
	start := p.now()

	out := &Outcome{
		RunID:       runID,
		DocumentID:  doc.ID,
		Source:      doc.Source,
		Title:       doc.Title,
		PublishedAt: doc.PublishedAt,
	}
	log.Info("vetting %q (priority=%s)", doc.Title, prio)

	// Gate 1
	rel, err := p.reliability(ctx, doc, prio)
	if err != nil {
		return nil, p.fail(log, StageReliability, err)
	}
	out.Reliability = copyReliability(rel.Value)
	out.Tickers = append([]string(nil), rel.Value.Tickers...)
	out.Entities = append([]string(nil), rel.Value.Entities...)
	passed := rel.Value.Score >= p.cfg.ReliabilityThreshold
	p.record(out, audit, GateVerdict{Stage: StageReliability, Score: rel.Value.Score, Passed: passed, UsedFallback: rel.UsedFallback}, rel.Err)

	if !passed {
		out.Blocked = true
		out.BlockReason = StageReliability
		out.FinalVerdict = VerdictAbort
		return p.finish(out, audit, log, start), nil
	}

	// Gate 2
	vc, err := p.valueChain(ctx, doc, rel.Value, prio)
	if err != nil {
		return nil, p.fail(log, StageValueChain, err)
	}
	vcCopy := copyValueChain(vc.Value)
	out.ValueChain = &vcCopy
	p.record(out, audit, GateVerdict{Stage: StageValueChain, Score: vc.Value.Sentiment, Passed: true, UsedFallback: vc.UsedFallback}, vc.Err)

	// Gate 3
	rt, err := p.redTeam(ctx, doc, rel.Value, vc.Value, prio)
	if err != nil {
		return nil, p.fail(log, StageRedTeam, err)
	}
	rtCopy := copyRedTeam(rt.Value)
	out.RedTeam = &rtCopy
	out.FinalVerdict = rt.Value.Verdict
	p.record(out, audit, GateVerdict{Stage: StageRedTeam, Score: rt.Value.RiskScore, Passed: rt.Value.Verdict != VerdictAbort, UsedFallback: rt.UsedFallback}, rt.Err)

	if rt.Value.Verdict == VerdictAbort {
		out.Blocked = true
		out.BlockReason = StageRedTeam
		return p.finish(out, audit, log, start), nil
	}

	// Gate 4
	ts, err := p.tradeSetup(ctx, doc, rel.Value, vc.Value, rt.Value, prio)
	if err != nil {
		return nil, p.fail(log, StageTradeSetup, err)
	}
	if ts.Value != nil {
		setup := *ts.Value
		out.Setup = &setup
	} else {
		out.Warnings = append(out.Warnings, StageTradeSetup+": no reference price, no setup produced")
	}
	p.record(out, audit, GateVerdict{Stage: StageTradeSetup, Score: setupRewardRisk(ts.Value), Passed: ts.Value != nil, UsedFallback: ts.UsedFallback}, ts.Err)

	return p.finish(out, audit, log, start), nil
}

// record appends a verdict and a warning for a fallback.
func (p *Pipeline) record(out *Outcome, audit *logging.AuditLogger, v GateVerdict, cause error) {
	out.Verdicts = append(out.Verdicts, v)
	if v.UsedFallback {
		msg := v.Stage + ": fallback used"
		if cause != nil {
			msg += " (" + cause.Error() + ")"
		}
		out.Warnings = append(out.Warnings, msg)
	}

	result := "pass"
	switch {
	case v.UsedFallback:
		result = "fallback"
	case !v.Passed:
		result = "fail"
	}
	telemetry.Get().GateResults.WithLabelValues(v.Stage, result).Inc()
	audit.GateVerdict(v.Stage, v.Score, v.Passed, v.UsedFallback)
	logging.VettingDebug("%s: score=%.2f passed=%t fallback=%t", v.Stage, v.Score, v.Passed, v.UsedFallback)
}

func (p *Pipeline) finish(out *Outcome, audit *logging.AuditLogger, log *logging.RequestLogger, start time.Time) *Outcome {
	out.CompletedAt = p.now().UTC()
	elapsed := p.now().Sub(start)

	telemetry.Get().PipelineOutcomes.WithLabelValues(string(out.FinalVerdict), strconv.FormatBool(out.Blocked)).Inc()
	audit.PipelineEnd(out.DocumentID, string(out.FinalVerdict), out.Blocked, elapsed.Milliseconds())
	if out.Blocked {
		log.Info("blocked at %s after %v", out.BlockReason, elapsed)
	} else {
		log.Info("completed: %s after %v (warnings=%d)", out.FinalVerdict, elapsed, len(out.Warnings))
	}

	if p.publisher != nil {
		p.publisher.Publish(out)
	}
	return out
}

func (p *Pipeline) fail(log *logging.RequestLogger, stage string, err error) error {
	log.Error("stage %s failed terminally: %v", stage, err)
	return &PipelineError{Stage: stage, Err: err}
}

// setupRewardRisk is (target-entry)/(entry-stop) at the middle of the band.
func setupRewardRisk(s *TradeSetup) float64 {
	if s == nil {
		return 0
	}
	entry := (s.EntryLow + s.EntryHigh) / 2
	risk := entry - s.StopLoss
	if risk <= 0 {
		return 0
	}
	return (s.Target - entry) / risk
}

func copyReliability(r ReliabilityReport) ReliabilityReport {
	r.Entities = append([]string(nil), r.Entities...)
	r.Tickers = append([]string(nil), r.Tickers...)
	return r
}

func copyValueChain(v ValueChainReport) ValueChainReport {
	v.Related = append([]RelatedEntity(nil), v.Related...)
	return v
}

func copyRedTeam(r RedTeamReport) RedTeamReport {
	r.KillFactors = append([]string(nil), r.KillFactors...)
	r.Scenarios = append([]FailureScenario(nil), r.Scenarios...)
	return r
}
