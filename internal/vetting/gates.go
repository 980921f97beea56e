package vetting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"alphagate/internal/articulation"
	"alphagate/internal/logging"
	"alphagate/internal/perception"
)

// degradable reports whether a stage failure falls back instead of
// propagating: exhausted transient retries and unrecoverable responses.
func degradable(err error) bool {
	return perception.IsExhausted(err) || errors.Is(err, articulation.ErrNoStructuredData)
}

// callStage performs one gate call and decodes its reply into T. The reply must
// be an object carrying at least one of keys. A degradable failure yields
// fallback() with UsedFallback set; anything else is returned.
func callStage[T any](ctx context.Context, p *Pipeline, stage string, req perception.Request, fallback func() T, keys ...string) (StageResult[T], error) {
	req.Operation = stage
	if req.Model == "" {
		req.Model = p.cfg.Model
	}
	if req.Temperature == 0 {
		req.Temperature = p.cfg.Temperature
	}

	res, err := p.invoker.Invoke(ctx, req, p.cfg.MaxRetries, p.cfg.InitialDelay)
	if err == nil {
		var value T
		value, _, err = articulation.DecodeShape[T](res.Text, keys...)
		if err == nil {
			return StageResult[T]{Value: value}, nil
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return StageResult[T]{}, ctxErr
	}
	if !degradable(err) {
		return StageResult[T]{}, err
	}
	logging.VettingWarn("%s: falling back: %v", stage, err)
	return StageResult[T]{Value: fallback(), UsedFallback: true, Err: err}, nil
}

// -----------------------------------------------------------------------------
// Gate 1: Reliability
// -----------------------------------------------------------------------------

func (p *Pipeline) reliability(ctx context.Context, doc Document, prio perception.Priority) (StageResult[ReliabilityReport], error) {
	fallback := func() ReliabilityReport {
		return ReliabilityReport{
			Score:   p.cfg.ReliabilityThreshold,
			Tickers: normalizeTickers(doc.Tickers),
		}
	}

	res, err := callStage(ctx, p, StageReliability, perception.Request{
		Prompt:         reliabilityPrompt(doc),
		SystemPrompt:   reliabilitySystemPrompt,
		ResponseSchema: reliabilitySchema(),
		Priority:       prio,
	}, fallback, "score", "source_incentive", "data_density", "tone")
	if err != nil || res.UsedFallback {
		return res, err
	}

	r := res.Value
	r.SourceIncentive = clamp(r.SourceIncentive, 0, 10)
	r.DataDensity = clamp(r.DataDensity, 0, 10)
	r.Tone = clamp(r.Tone, 0, 10)
	if sum := r.SourceIncentive + r.DataDensity + r.Tone; sum > 0 {
		r.Score = sum
	}
	r.Score = clamp(r.Score, 0, 30)
	r.Tickers = normalizeTickers(append(append([]string(nil), doc.Tickers...), r.Tickers...))
	r.Entities = dedupe(r.Entities)
	res.Value = r
	return res, nil
}

// -----------------------------------------------------------------------------
// Gate 2: Value chain
// -----------------------------------------------------------------------------

func (p *Pipeline) valueChain(ctx context.Context, doc Document, rel ReliabilityReport, prio perception.Priority) (StageResult[ValueChainReport], error) {
	fallback := func() ValueChainReport {
		return ValueChainReport{SentimentLabel: "neutral"}
	}

	res, err := callStage(ctx, p, StageValueChain, perception.Request{
		Prompt:       valueChainPrompt(doc, rel),
		SystemPrompt: valueChainSystemPrompt,
		WebSearch:    true,
		Priority:     prio,
	}, fallback, "sentiment", "sentiment_label", "related")
	if err != nil || res.UsedFallback {
		return res, err
	}

	v := res.Value
	v.Sentiment = clamp(v.Sentiment, -1, 1)
	v.SentimentLabel = sentimentLabel(v.Sentiment, v.SentimentLabel)
	v.Theme = strings.TrimSpace(v.Theme)

	related := make([]RelatedEntity, 0, len(v.Related))
	seen := make(map[string]bool)
	for _, e := range v.Related {
		e.Ticker = strings.ToUpper(strings.TrimSpace(e.Ticker))
		e.Name = strings.TrimSpace(e.Name)
		if e.Ticker == "" && e.Name == "" {
			continue
		}
		key := e.Ticker + "|" + strings.ToLower(e.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		e.Relation = ParseRelation(string(e.Relation))
		related = append(related, e)
	}
	v.Related = related
	res.Value = v
	return res, nil
}

func sentimentLabel(score float64, given string) string {
	switch strings.ToLower(strings.TrimSpace(given)) {
	case "positive", "neutral", "negative":
		return strings.ToLower(strings.TrimSpace(given))
	}
	switch {
	case score > 0.15:
		return "positive"
	case score < -0.15:
		return "negative"
	default:
		return "neutral"
	}
}

// -----------------------------------------------------------------------------
// Gate 3: Red team
// -----------------------------------------------------------------------------

// redTeamFallbackRisk is the risk score reported when the review is unavailable.
const redTeamFallbackRisk = 50

func (p *Pipeline) redTeam(ctx context.Context, doc Document, rel ReliabilityReport, vc ValueChainReport, prio perception.Priority) (StageResult[RedTeamReport], error) {
	fallback := func() RedTeamReport {
		return RedTeamReport{
			RiskScore:   redTeamFallbackRisk,
			KillFactors: []string{"red team review unavailable"},
			Verdict:     VerdictCaution,
		}
	}

	res, err := callStage(ctx, p, StageRedTeam, perception.Request{
		Prompt:         redTeamPrompt(doc, rel, vc),
		SystemPrompt:   redTeamSystemPrompt,
		ResponseSchema: redTeamSchema(),
		Priority:       prio,
	}, fallback, "risk_score", "verdict", "kill_factors")
	if err != nil || res.UsedFallback {
		return res, err
	}

	r := res.Value
	r.RiskScore = clamp(r.RiskScore, 0, 100)
	r.Verdict = ParseVerdict(string(r.Verdict))
	r.KillFactors = dedupe(r.KillFactors)
	for i := range r.Scenarios {
		r.Scenarios[i].Probability = clamp(r.Scenarios[i].Probability, 0, 1)
		r.Scenarios[i].Impact = clamp(r.Scenarios[i].Impact, 0, 10)
	}
	sort.SliceStable(r.Scenarios, func(i, j int) bool {
		return r.Scenarios[i].Severity() > r.Scenarios[j].Severity()
	})
	res.Value = r
	return res, nil
}

// -----------------------------------------------------------------------------
// Gate 4: Trade setup
// -----------------------------------------------------------------------------

// FallbackSetup is the deterministic setup derived from the reference price:
// entry at the price, target +targetPct%, stop -stopPct%, conservative, swing.
func FallbackSetup(price, targetPct, stopPct float64) TradeSetup {
	return TradeSetup{
		EntryLow:  price,
		EntryHigh: price,
		Target:    price + price*targetPct/100,
		StopLoss:  price - price*stopPct/100,
		Sizing:    SizingConservative,
		Horizon:   HorizonSwing,
		Rationale: "fallback setup from reference price",
	}
}

// errInconsistentSetup marks a model setup whose price levels contradict each other.
var errInconsistentSetup = fmt.Errorf("%w: inconsistent trade setup", articulation.ErrNoStructuredData)

func (p *Pipeline) tradeSetup(ctx context.Context, doc Document, rel ReliabilityReport, vc ValueChainReport, rt RedTeamReport, prio perception.Priority) (StageResult[*TradeSetup], error) {
	fallback := func() *TradeSetup {
		if doc.ReferencePrice <= 0 {
			return nil
		}
		s := FallbackSetup(doc.ReferencePrice, p.cfg.FallbackTargetPct, p.cfg.FallbackStopPct)
		return &s
	}

	res, err := callStage(ctx, p, StageTradeSetup, perception.Request{
		Prompt:         tradeSetupPrompt(doc, rel, vc, rt),
		SystemPrompt:   tradeSetupSystemPrompt,
		ResponseSchema: tradeSetupSchema(),
		Priority:       prio,
	}, fallback, "entry_low", "entry_high", "target", "stop_loss")
	if err != nil {
		return res, err
	}

	if !res.UsedFallback {
		if res.Value == nil {
			res = StageResult[*TradeSetup]{Value: fallback(), UsedFallback: true, Err: errInconsistentSetup}
		} else {
			s := *res.Value
			if s.EntryLow > s.EntryHigh {
				s.EntryLow, s.EntryHigh = s.EntryHigh, s.EntryLow
			}
			s.Sizing = normalizeSizing(s.Sizing)
			s.Horizon = normalizeHorizon(s.Horizon)
			if s.Consistent() {
				res.Value = &s
			} else {
				logging.VettingWarn("%s: rejecting inconsistent setup %+v", StageTradeSetup, s)
				res = StageResult[*TradeSetup]{Value: fallback(), UsedFallback: true, Err: errInconsistentSetup}
			}
		}
	}

	if res.Value != nil && rt.Verdict == VerdictCaution {
		res.Value.Sizing = SizingConservative
	}
	return res, nil
}

func normalizeSizing(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SizingAggressive:
		return SizingAggressive
	case SizingNormal, "standard", "moderate":
		return SizingNormal
	default:
		return SizingConservative
	}
}

func normalizeHorizon(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case HorizonShort, "intraday", "day":
		return HorizonShort
	case HorizonLong, "position":
		return HorizonLong
	default:
		return HorizonSwing
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func normalizeTickers(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, t := range in {
		t = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "$")))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		out = append(out, s)
	}
	return out
}
