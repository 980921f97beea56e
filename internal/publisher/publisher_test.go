package publisher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"alphagate/internal/store"
	"alphagate/internal/vetting"
)

type fakeStore struct {
	mu      sync.Mutex
	gate    chan struct{} // when non-nil, each upsert waits for a token
	err     error
	written []*store.Signal
}

func (f *fakeStore) UpsertSignal(ctx context.Context, sig *store.Signal) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, sig)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func outcome(id string, tickers ...string) *vetting.Outcome {
	return &vetting.Outcome{
		RunID:        "run-" + id,
		DocumentID:   id,
		Source:       "Reuters",
		Title:        "headline " + id,
		PublishedAt:  time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		Tickers:      tickers,
		Reliability:  vetting.ReliabilityReport{Score: 22},
		ValueChain:   &vetting.ValueChainReport{Sentiment: 0.4},
		RedTeam:      &vetting.RedTeamReport{RiskScore: 40, Verdict: vetting.VerdictCaution},
		FinalVerdict: vetting.VerdictCaution,
		Setup:        &vetting.TradeSetup{EntryLow: 100, EntryHigh: 101, Target: 110, StopLoss: 95, Sizing: "conservative", Horizon: "swing"},
		Warnings:     []string{"valuechain: fallback used"},
	}
}

func closeNow(t *testing.T, p *Publisher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))
}

func TestSignals(t *testing.T) {
	sigs, err := Signals(outcome("d1", "NVDA", "TSM"))
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	s := sigs[0]
	assert.Equal(t, "NVDA|reuters|2026-03-02", s.NaturalKey)
	assert.Equal(t, "2026-03-02", s.Date)
	assert.Equal(t, "CAUTION", s.Verdict)
	assert.Equal(t, 22.0, s.ReliabilityScore)
	assert.Equal(t, 40.0, s.RiskScore)
	assert.Equal(t, 0.4, s.Sentiment)
	assert.JSONEq(t, `{"entry_low":100,"entry_high":101,"target":110,"stop_loss":95,"sizing":"conservative","horizon":"swing"}`, string(s.Setup))
	assert.Equal(t, "TSM|reuters|2026-03-02", sigs[1].NaturalKey)
}

func TestSignals_BlockedOutcomeHasNoSetup(t *testing.T) {
	o := &vetting.Outcome{DocumentID: "d", Source: "blog", Tickers: []string{"XYZ"}, Blocked: true,
		BlockReason: vetting.StageReliability, FinalVerdict: vetting.VerdictAbort,
		CompletedAt: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)}
	sigs, err := Signals(o)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Nil(t, sigs[0].Setup)
	assert.True(t, sigs[0].Blocked)
	assert.Equal(t, "2026-01-05", sigs[0].Date, "falls back to completion date")
}

func TestPublisher_WritesAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	fs := &fakeStore{}
	p := New(fs, 8)
	for i := 0; i < 5; i++ {
		p.Publish(outcome(fmt.Sprintf("d%d", i), "NVDA"))
	}
	closeNow(t, p)

	assert.Equal(t, 5, fs.count())
	assert.Equal(t, Stats{Published: 5}, p.Stats())
}

func TestPublisher_DuplicatesAreSwallowed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	fs := &fakeStore{err: fmt.Errorf("upsert: %w", store.ErrDuplicate)}
	p := New(fs, 4)
	p.Publish(outcome("d1", "NVDA"))
	closeNow(t, p)

	assert.Equal(t, Stats{Duplicates: 1}, p.Stats())
}

func TestPublisher_FailuresAreCountedNotReturned(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	fs := &fakeStore{err: errors.New("disk I/O error")}
	p := New(fs, 4)
	p.Publish(outcome("d1", "NVDA", "AMD"))
	closeNow(t, p)

	assert.Equal(t, Stats{Failed: 2}, p.Stats())
}

func TestPublisher_FullQueueDrops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	fs := &fakeStore{gate: make(chan struct{})}
	p := New(fs, 1)

	// First outcome is taken by the worker and blocks on the gate, the second
	// fills the queue, the third is dropped.
	p.Publish(outcome("d1", "NVDA"))
	require.Eventually(t, func() bool { return len(p.queue) == 0 }, time.Second, time.Millisecond)
	p.Publish(outcome("d2", "NVDA"))
	p.Publish(outcome("d3", "NVDA"))

	done := make(chan struct{})
	go func() {
		start := time.Now()
		p.Publish(outcome("d4", "NVDA"))
		assert.Less(t, time.Since(start), time.Second, "Publish must not block")
		close(done)
	}()
	<-done

	close(fs.gate)
	closeNow(t, p)

	s := p.Stats()
	assert.Equal(t, int64(2), s.Published)
	assert.Equal(t, int64(2), s.Dropped)
}

func TestPublisher_PublishAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	p := New(&fakeStore{}, 1)
	closeNow(t, p)
	p.Publish(outcome("late", "NVDA"))

	assert.Equal(t, int64(1), p.Stats().Dropped)
	assert.ErrorIs(t, p.Close(context.Background()), ErrClosed)
}

func TestPublisher_SQLiteUpsertIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))

	s, err := store.Open(store.DriverModernc, filepath.Join(t.TempDir(), "signals.db"))
	require.NoError(t, err)
	defer s.Close()

	p := New(s, 4)
	first := outcome("d1", "NVDA")
	second := outcome("d2", "NVDA")
	second.FinalVerdict = vetting.VerdictProceed
	p.Publish(first)
	p.Publish(second)
	closeNow(t, p)

	assert.Equal(t, Stats{Published: 2}, p.Stats())

	list, err := s.ListSignals(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1, "same ticker, source and day collapse to one signal")
	assert.Equal(t, "d2", list[0].DocumentID)
	assert.Equal(t, "PROCEED", list[0].Verdict)
}
