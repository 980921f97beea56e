package vetting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphagate/internal/perception"
	"alphagate/internal/perception/perceptiontest"
)

const (
	rel22 = `{"source_incentive":7,"data_density":8,"tone":7,"score":22,"entities":["Nvidia","Nvidia"],"tickers":["nvda"]}`
	rel10 = `{"source_incentive":3,"data_density":4,"tone":3,"score":10,"tickers":["XYZ"]}`

	vcPositive = "Here is the map:\n```json\n" +
		`{"sentiment":0.7,"theme":"AI capex","related":[` +
		`{"ticker":"tsm","name":"TSMC","relation":"supplier"},` +
		`{"ticker":"AMD","name":"AMD","relation":"rival-ish"},` +
		`{"ticker":"","name":""}]}` +
		"\n```\nLet me know if you need more."

	rtCaution = `{"risk_score":55,"kill_factors":["export controls"],"scenarios":[` +
		`{"description":"minor","probability":0.2,"impact":5},` +
		`{"description":"major","probability":0.5,"impact":8}],"verdict":"CAUTION"}`
	rtProceed = `{"risk_score":20,"kill_factors":[],"scenarios":[],"verdict":"PROCEED"}`
	rtAbort   = `{"risk_score":92,"kill_factors":["fraud allegations"],"scenarios":[],"verdict":"ABORT"}`

	tsAggressive = `{"entry_low":9950,"entry_high":10050,"target":11000,"stop_loss":9500,"sizing":"aggressive","horizon":"swing"}`
)

var errTransient = errors.New("googleapi: Error 503: The service is currently unavailable")

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type capturePublisher struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

func (c *capturePublisher) Publish(o *Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

func newTestPipeline(script *perceptiontest.Client, pub Publisher) *Pipeline {
	inv := perception.NewInvoker(script, perception.ModelPolicy{Default: "gemini-2.5-flash"}, perception.WithSleep(noSleep))
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialDelay = time.Millisecond
	return NewPipeline(inv, cfg, pub)
}

func testDoc() Document {
	return Document{
		ID:             "doc-1",
		Source:         "Reuters",
		Title:          "Nvidia raises guidance",
		Body:           "Nvidia raised full-year revenue guidance by 12% citing data-center demand.",
		PublishedAt:    time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		ReferencePrice: 10000,
		Tickers:        []string{"NVDA"},
	}
}

func stages(o *Outcome) []string {
	var out []string
	for _, v := range o.Verdicts {
		out = append(out, v.Stage)
	}
	return out
}

// TestRun_CautionForcesConservativeSizing is the balanced end-to-end case:
// reliability 22, positive value chain, red team CAUTION, price 10,000.
func TestRun_CautionForcesConservativeSizing(t *testing.T) {
	script := perceptiontest.NewClient().
		Reply(StageReliability, rel22).
		Reply(StageValueChain, vcPositive).
		Reply(StageRedTeam, rtCaution).
		Reply(StageTradeSetup, tsAggressive)
	pub := &capturePublisher{}
	p := newTestPipeline(script, pub)

	out, err := p.Run(context.Background(), testDoc())
	require.NoError(t, err)

	assert.False(t, out.Blocked)
	assert.Equal(t, VerdictCaution, out.FinalVerdict)
	require.NotNil(t, out.Setup)
	assert.Equal(t, SizingConservative, out.Setup.Sizing)
	assert.Equal(t, 11000.0, out.Setup.Target)
	assert.Equal(t, 9500.0, out.Setup.StopLoss)

	assert.Equal(t, []string{StageReliability, StageValueChain, StageRedTeam, StageTradeSetup}, stages(out))
	assert.False(t, out.UsedFallback())
	assert.Empty(t, out.Warnings)

	assert.Equal(t, 22.0, out.Reliability.Score)
	assert.Equal(t, []string{"NVDA"}, out.Tickers)
	assert.Equal(t, []string{"Nvidia"}, out.Entities)

	require.NotNil(t, out.ValueChain)
	assert.Equal(t, "positive", out.ValueChain.SentimentLabel)
	wantRelated := []RelatedEntity{
		{Ticker: "TSM", Name: "TSMC", Relation: RelationSupplier},
		{Ticker: "AMD", Name: "AMD", Relation: RelationDirect},
	}
	if diff := cmp.Diff(wantRelated, out.ValueChain.Related); diff != "" {
		t.Fatalf("related entities mismatch (-want +got):\n%s", diff)
	}

	require.NotNil(t, out.RedTeam)
	require.Len(t, out.RedTeam.Scenarios, 2)
	assert.Equal(t, "major", out.RedTeam.Scenarios[0].Description, "scenarios ranked by probability x impact")

	require.Len(t, pub.outcomes, 1)
	assert.Same(t, out, pub.outcomes[0])

	for _, c := range script.Calls() {
		assert.Equal(t, perception.PriorityHigh, c.Priority)
		if c.Operation == StageValueChain {
			assert.True(t, c.WebSearch)
			assert.Nil(t, c.ResponseSchema)
		} else {
			assert.False(t, c.WebSearch)
			assert.NotNil(t, c.ResponseSchema)
		}
	}
}

func TestRun_LowReliabilityNeverReachesTradeSetup(t *testing.T) {
	script := perceptiontest.NewClient().
		Reply(StageReliability, rel10).
		Reply(StageValueChain, vcPositive).
		Reply(StageRedTeam, rtProceed).
		Reply(StageTradeSetup, tsAggressive)
	p := newTestPipeline(script, nil)

	out, err := p.Run(context.Background(), testDoc())
	require.NoError(t, err)

	assert.True(t, out.Blocked)
	assert.Equal(t, StageReliability, out.BlockReason)
	assert.Equal(t, VerdictAbort, out.FinalVerdict)
	assert.Nil(t, out.Setup)
	assert.Equal(t, []string{StageReliability}, stages(out))
	assert.False(t, out.Verdicts[0].Passed)
	assert.Equal(t, 0, script.CallCount(StageValueChain))
	assert.Equal(t, 0, script.CallCount(StageTradeSetup))
}

func TestRun_RedTeamAbortYieldsNoSetup(t *testing.T) {
	for _, rel := range []string{rel22, `{"score":30,"tickers":["NVDA"]}`} {
		script := perceptiontest.NewClient().
			Reply(StageReliability, rel).
			Reply(StageValueChain, vcPositive).
			Reply(StageRedTeam, rtAbort).
			Reply(StageTradeSetup, tsAggressive)
		p := newTestPipeline(script, nil)

		out, err := p.Run(context.Background(), testDoc())
		require.NoError(t, err)

		assert.True(t, out.Blocked)
		assert.Equal(t, StageRedTeam, out.BlockReason)
		assert.Equal(t, VerdictAbort, out.FinalVerdict)
		assert.Nil(t, out.Setup)
		assert.Equal(t, 0, script.CallCount(StageTradeSetup))
		v, ok := out.Verdict(StageRedTeam)
		require.True(t, ok)
		assert.False(t, v.Passed)
	}
}

func TestRun_RedTeamFailureFailsSafe(t *testing.T) {
	tests := []struct {
		name string
		step perceptiontest.Step
	}{
		{"transient exhausted", perceptiontest.Step{Err: errTransient}},
		{"unparseable", perceptiontest.Step{Text: "I cannot assess this trade."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := perceptiontest.NewClient().
				Reply(StageReliability, rel22).
				Reply(StageValueChain, vcPositive).
				On(StageRedTeam, tt.step).
				Reply(StageTradeSetup, tsAggressive)
			p := newTestPipeline(script, nil)

			out, err := p.Run(context.Background(), testDoc())
			require.NoError(t, err)

			require.NotNil(t, out.RedTeam)
			assert.Equal(t, VerdictCaution, out.RedTeam.Verdict)
			assert.NotEqual(t, VerdictProceed, out.FinalVerdict)
			v, _ := out.Verdict(StageRedTeam)
			assert.True(t, v.UsedFallback)
			assert.True(t, out.UsedFallback())
			require.NotNil(t, out.Setup)
			assert.Equal(t, SizingConservative, out.Setup.Sizing)
		})
	}
}

func TestRun_ReliabilityFallbackPassesWithWarning(t *testing.T) {
	script := perceptiontest.NewClient().
		On(StageReliability, perceptiontest.Step{Err: errTransient}).
		Reply(StageValueChain, vcPositive).
		Reply(StageRedTeam, rtProceed).
		Reply(StageTradeSetup, tsAggressive)
	p := newTestPipeline(script, nil)

	out, err := p.Run(context.Background(), testDoc())
	require.NoError(t, err)

	v, _ := out.Verdict(StageReliability)
	assert.Equal(t, GateVerdict{Stage: StageReliability, Score: 15, Passed: true, UsedFallback: true}, v)
	assert.Equal(t, 3, script.CallCount(StageReliability), "maxRetries=2 means three attempts")
	assert.NotEmpty(t, out.Warnings)
	assert.Equal(t, VerdictProceed, out.FinalVerdict)
	assert.Equal(t, SizingAggressive, out.Setup.Sizing)
}

func TestRun_MisshapenReliabilityFallsBack(t *testing.T) {
	for _, reply := range []string{
		`{"reliability":{"score":22}}`,
		`{"score":null,"rationale":"n/a"}`,
		`[22]`,
	} {
		script := perceptiontest.NewClient().
			Reply(StageReliability, reply).
			Reply(StageValueChain, vcPositive).
			Reply(StageRedTeam, rtProceed).
			Reply(StageTradeSetup, tsAggressive)
		p := newTestPipeline(script, nil)

		out, err := p.Run(context.Background(), testDoc())
		require.NoError(t, err, reply)

		assert.False(t, out.Blocked, reply)
		v, _ := out.Verdict(StageReliability)
		assert.Equal(t, GateVerdict{Stage: StageReliability, Score: 15, Passed: true, UsedFallback: true}, v, reply)
		assert.Equal(t, 1, script.CallCount(StageReliability), "parse failures are not retried")
		assert.Equal(t, VerdictProceed, out.FinalVerdict, reply)
	}
}

func TestRun_ValueChainFallbackIsNeutral(t *testing.T) {
	script := perceptiontest.NewClient().
		Reply(StageReliability, rel22).
		Reply(StageValueChain, "Search results were inconclusive.").
		Reply(StageRedTeam, rtProceed).
		Reply(StageTradeSetup, tsAggressive)
	p := newTestPipeline(script, nil)

	out, err := p.Run(context.Background(), testDoc())
	require.NoError(t, err)

	require.NotNil(t, out.ValueChain)
	assert.Equal(t, 0.0, out.ValueChain.Sentiment)
	assert.Equal(t, "neutral", out.ValueChain.SentimentLabel)
	assert.Empty(t, out.ValueChain.Related)
	assert.Equal(t, 1, script.CallCount(StageRedTeam), "pipeline continues past a value chain failure")
}

func TestRun_TradeSetupFallbackFromReferencePrice(t *testing.T) {
	script := perceptiontest.NewClient().
		Reply(StageReliability, rel22).
		Reply(StageValueChain, vcPositive).
		Reply(StageRedTeam, rtProceed).
		On(StageTradeSetup, perceptiontest.Step{Err: errTransient})
	p := newTestPipeline(script, nil)

	out, err := p.Run(context.Background(), testDoc())
	require.NoError(t, err)

	want := &TradeSetup{
		EntryLow: 10000, EntryHigh: 10000, Target: 10500, StopLoss: 9700,
		Sizing: SizingConservative, Horizon: HorizonSwing, Rationale: "fallback setup from reference price",
	}
	if diff := cmp.Diff(want, out.Setup); diff != "" {
		t.Fatalf("fallback setup mismatch (-want +got):\n%s", diff)
	}
	v, _ := out.Verdict(StageTradeSetup)
	assert.True(t, v.UsedFallback)
	assert.Equal(t, VerdictProceed, out.FinalVerdict)
}

func TestRun_InconsistentSetupReplacedByFallback(t *testing.T) {
	script := perceptiontest.NewClient().
		Reply(StageReliability, rel22).
		Reply(StageValueChain, vcPositive).
		Reply(StageRedTeam, rtProceed).
		Reply(StageTradeSetup, `{"entry_low":10000,"entry_high":10100,"target":9000,"stop_loss":10500,"sizing":"normal","horizon":"long"}`)
	p := newTestPipeline(script, nil)

	out, err := p.Run(context.Background(), testDoc())
	require.NoError(t, err)

	require.NotNil(t, out.Setup)
	assert.Equal(t, 10500.0, out.Setup.Target)
	assert.Equal(t, 9700.0, out.Setup.StopLoss)
	v, _ := out.Verdict(StageTradeSetup)
	assert.True(t, v.UsedFallback)
}

func TestRun_NoReferencePriceNoFallbackSetup(t *testing.T) {
	script := perceptiontest.NewClient().
		Reply(StageReliability, rel22).
		Reply(StageValueChain, vcPositive).
		Reply(StageRedTeam, rtProceed).
		Reply(StageTradeSetup, "no idea")
	p := newTestPipeline(script, nil)

	doc := testDoc()
	doc.ReferencePrice = 0
	out, err := p.Run(context.Background(), doc)
	require.NoError(t, err)

	assert.Nil(t, out.Setup)
	assert.False(t, out.Blocked)
	assert.NotEmpty(t, out.Warnings)
}

func TestRun_TerminalErrorPropagates(t *testing.T) {
	script := perceptiontest.NewClient().
		Reply(StageReliability, rel22).
		On(StageValueChain, perceptiontest.Step{Err: errors.New("API key not valid. Please pass a valid API key.")})
	pub := &capturePublisher{}
	p := newTestPipeline(script, pub)

	out, err := p.Run(context.Background(), testDoc())
	require.Error(t, err)
	assert.Nil(t, out)

	var perr *PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageValueChain, perr.Stage)

	var ierr *perception.InvocationError
	require.True(t, errors.As(err, &ierr))
	assert.False(t, ierr.Transient)
	assert.Equal(t, 1, script.CallCount(StageValueChain))
	assert.Empty(t, pub.outcomes, "failed runs are not published")
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(perceptiontest.NewClient().Reply("", rel22), nil)
	_, err := p.Run(ctx, testDoc())

	var perr *PipelineError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_RejectsEmptyDocument(t *testing.T) {
	p := newTestPipeline(perceptiontest.NewClient(), nil)
	_, err := p.Run(context.Background(), Document{Source: "x"})
	assert.Error(t, err)
}

func TestRun_OutcomeDoesNotAliasStageValues(t *testing.T) {
	script := perceptiontest.NewClient().
		Reply(StageReliability, rel22).
		Reply(StageValueChain, vcPositive).
		Reply(StageRedTeam, rtCaution).
		Reply(StageTradeSetup, tsAggressive)
	p := newTestPipeline(script, nil)

	out, err := p.Run(context.Background(), testDoc())
	require.NoError(t, err)

	out.Tickers[0] = "MUTATED"
	assert.Equal(t, "NVDA", out.Reliability.Tickers[0])
}

func TestFallbackSetup(t *testing.T) {
	s := FallbackSetup(10000, 5, 3)
	assert.Equal(t, 10000.0, s.EntryLow)
	assert.Equal(t, 10000.0, s.EntryHigh)
	assert.Equal(t, 10500.0, s.Target)
	assert.Equal(t, 9700.0, s.StopLoss)
	assert.Equal(t, SizingConservative, s.Sizing)
	assert.True(t, s.Consistent())
}

func TestParseVerdict(t *testing.T) {
	assert.Equal(t, VerdictProceed, ParseVerdict(" proceed "))
	assert.Equal(t, VerdictAbort, ParseVerdict("ABORT"))
	assert.Equal(t, VerdictCaution, ParseVerdict("caution"))
	assert.Equal(t, VerdictCaution, ParseVerdict("maybe?"), "unknown verdicts fail safe")
	assert.Equal(t, VerdictCaution, ParseVerdict(""))
}

func TestParseRelation(t *testing.T) {
	assert.Equal(t, RelationSupplier, ParseRelation("Supplier"))
	assert.Equal(t, RelationCompetitor, ParseRelation("competitor"))
	assert.Equal(t, RelationCustomer, ParseRelation("customers"))
	assert.Equal(t, RelationDirect, ParseRelation("partner"))
}
