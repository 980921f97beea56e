package vetting

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"alphagate/internal/perception"
	"alphagate/internal/perception/perceptiontest"
)

func TestScanBatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	script := perceptiontest.NewClient().
		Reply(StageReliability, rel22).
		Reply(StageValueChain, vcPositive).
		Reply(StageRedTeam, rtProceed).
		Reply(StageTradeSetup, tsAggressive)
	pub := &capturePublisher{}
	s := NewScanner(newTestPipeline(script, pub), 2)

	var docs []Document
	for i := 0; i < 5; i++ {
		d := testDoc()
		d.ID = fmt.Sprintf("doc-%d", i)
		docs = append(docs, d)
	}
	docs = append(docs, Document{ID: "empty"})

	results, err := s.ScanBatch(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, results, len(docs))

	for i := 0; i < 5; i++ {
		require.NoError(t, results[i].Err)
		assert.Equal(t, fmt.Sprintf("doc-%d", i), results[i].Outcome.DocumentID, "results keep input order")
	}
	assert.Error(t, results[5].Err, "invalid document reports its own error")
	assert.Len(t, pub.outcomes, 5)

	for _, c := range script.Calls() {
		assert.Equal(t, perception.PriorityLow, c.Priority)
	}
}

func TestScanBatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScanner(newTestPipeline(perceptiontest.NewClient(), nil), 2)
	results, err := s.ScanBatch(ctx, []Document{testDoc(), testDoc()})

	assert.ErrorIs(t, err, context.Canceled)
	for _, r := range results {
		assert.Error(t, r.Err)
	}
}
