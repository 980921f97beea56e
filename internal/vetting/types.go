// Package vetting runs a news document through four gates (reliability,
// value chain, red team, trade setup) and produces a vetted Outcome or a
// blocked one.
//
// Each gate is one resilient model call plus a normalizer parse. Quality
// gates degrade to documented fallbacks on failure; the red team gate fails
// safe to CAUTION. Only terminal infrastructure errors and cancellation reach
// the caller, wrapped in *PipelineError.
package vetting

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage names, also used as usage operations and metric labels.
const (
	StageReliability = "reliability"
	StageValueChain  = "valuechain"
	StageRedTeam     = "redteam"
	StageTradeSetup  = "tradesetup"
)

// Verdict is the red team's call on a trade idea.
type Verdict string

const (
	VerdictProceed Verdict = "PROCEED"
	VerdictCaution Verdict = "CAUTION"
	VerdictAbort   Verdict = "ABORT"
)

// ParseVerdict maps free text onto a Verdict. Anything unrecognised is
// CAUTION: an unreadable safety verdict must never authorise risk.
func ParseVerdict(s string) Verdict {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PROCEED", "GO", "PASS":
		return VerdictProceed
	case "ABORT", "REJECT", "NO-GO", "NO_GO":
		return VerdictAbort
	default:
		return VerdictCaution
	}
}

// Document is a raw news item entering the pipeline.
type Document struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	URL            string    `json:"url,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
	ReferencePrice float64   `json:"reference_price"`
	Tickers        []string  `json:"tickers,omitempty"`
}

// Validate checks the fields the gates rely on.
func (d Document) Validate() error {
	if strings.TrimSpace(d.Body) == "" && strings.TrimSpace(d.Title) == "" {
		return errors.New("document has no title or body")
	}
	if d.ReferencePrice < 0 {
		return fmt.Errorf("negative reference price %v", d.ReferencePrice)
	}
	return nil
}

// GateVerdict is one stage's recorded decision. Verdicts are appended to an
// Outcome in stage order and never modified afterwards.
type GateVerdict struct {
	Stage        string  `json:"stage"`
	Score        float64 `json:"score"`
	Passed       bool    `json:"passed"`
	UsedFallback bool    `json:"used_fallback"`
}

// StageResult is a gate's value tagged with whether it is a fallback.
// Err holds the failure that caused the fallback, if any.
type StageResult[T any] struct {
	Value        T
	UsedFallback bool
	Err          error
}

// ReliabilityReport is the output of the reliability gate.
type ReliabilityReport struct {
	SourceIncentive float64  `json:"source_incentive"`
	DataDensity     float64  `json:"data_density"`
	Tone            float64  `json:"tone"`
	Score           float64  `json:"score"`
	Entities        []string `json:"entities"`
	Tickers         []string `json:"tickers"`
	Rationale       string   `json:"rationale"`
}

// Relation classifies a related entity.
type Relation string

const (
	RelationDirect     Relation = "direct"
	RelationSupplier   Relation = "supplier"
	RelationCompetitor Relation = "competitor"
	RelationCustomer   Relation = "customer"
)

// ParseRelation normalises a relation label; unknown labels become direct.
func ParseRelation(s string) Relation {
	switch Relation(strings.ToLower(strings.TrimSpace(s))) {
	case RelationSupplier, "suppliers", "upstream":
		return RelationSupplier
	case RelationCompetitor, "competitors", "rival", "peer":
		return RelationCompetitor
	case RelationCustomer, "customers", "downstream", "client":
		return RelationCustomer
	default:
		return RelationDirect
	}
}

// RelatedEntity is a company affected through the value chain.
type RelatedEntity struct {
	Ticker   string   `json:"ticker"`
	Name     string   `json:"name"`
	Relation Relation `json:"relation"`
}

// ValueChainReport is the output of the value chain gate.
type ValueChainReport struct {
	Sentiment      float64         `json:"sentiment"` // -1..1
	SentimentLabel string          `json:"sentiment_label"`
	Theme          string          `json:"theme"`
	Related        []RelatedEntity `json:"related"`
}

// FailureScenario is one pre-mortem scenario.
type FailureScenario struct {
	Description string  `json:"description"`
	Probability float64 `json:"probability"` // 0..1
	Impact      float64 `json:"impact"`      // 0..10
}

// Severity is probability times impact.
func (f FailureScenario) Severity() float64 { return f.Probability * f.Impact }

// RedTeamReport is the output of the red team gate.
type RedTeamReport struct {
	RiskScore   float64           `json:"risk_score"` // 0..100
	KillFactors []string          `json:"kill_factors"`
	Scenarios   []FailureScenario `json:"scenarios"`
	Verdict     Verdict           `json:"verdict"`
}

// Sizing classes.
const (
	SizingAggressive   = "aggressive"
	SizingNormal       = "normal"
	SizingConservative = "conservative"
)

// Horizon classes.
const (
	HorizonShort = "short"
	HorizonSwing = "swing"
	HorizonLong  = "long"
)

// TradeSetup is the output of the trade setup gate.
type TradeSetup struct {
	EntryLow  float64 `json:"entry_low"`
	EntryHigh float64 `json:"entry_high"`
	Target    float64 `json:"target"`
	StopLoss  float64 `json:"stop_loss"`
	Sizing    string  `json:"sizing"`
	Horizon   string  `json:"horizon"`
	Rationale string  `json:"rationale,omitempty"`
}

// Consistent reports whether stop < entry band < target with positive prices.
func (t TradeSetup) Consistent() bool {
	return t.StopLoss > 0 &&
		t.EntryLow > 0 &&
		t.EntryLow <= t.EntryHigh &&
		t.StopLoss < t.EntryLow &&
		t.Target > t.EntryHigh
}

// Outcome is the terminal result of one pipeline run. It holds copies of
// every stage value; nothing in it is shared with the gates.
type Outcome struct {
	RunID        string            `json:"run_id"`
	DocumentID   string            `json:"document_id"`
	Source       string            `json:"source"`
	Title        string            `json:"title"`
	PublishedAt  time.Time         `json:"published_at"`
	Tickers      []string          `json:"tickers"`
	Entities     []string          `json:"entities"`
	Verdicts     []GateVerdict     `json:"verdicts"`
	Reliability  ReliabilityReport `json:"reliability"`
	ValueChain   *ValueChainReport `json:"value_chain,omitempty"`
	RedTeam      *RedTeamReport    `json:"red_team,omitempty"`
	FinalVerdict Verdict           `json:"final_verdict"`
	Setup        *TradeSetup       `json:"setup,omitempty"`
	Blocked      bool              `json:"blocked"`
	BlockReason  string            `json:"block_reason,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// UsedFallback reports whether any recorded gate ran in degraded mode.
func (o *Outcome) UsedFallback() bool {
	for _, v := range o.Verdicts {
		if v.UsedFallback {
			return true
		}
	}
	return false
}

// Verdict returns the recorded verdict for stage.
func (o *Outcome) Verdict(stage string) (GateVerdict, bool) {
	for _, v := range o.Verdicts {
		if v.Stage == stage {
			return v, true
		}
	}
	return GateVerdict{}, false
}

// PipelineError is returned by Run when a stage hit a terminal
// infrastructure error or the run was cancelled.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("vetting stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
