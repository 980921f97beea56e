// Package publisher persists vetted outcomes as signals, asynchronously and
// best-effort. Publishing never blocks or fails the pipeline that produced the
// outcome.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"alphagate/internal/logging"
	"alphagate/internal/store"
	"alphagate/internal/telemetry"
	"alphagate/internal/vetting"
)

// DefaultQueueSize is used when New is given a non-positive size.
const DefaultQueueSize = 64

// ErrClosed is returned by Close when the publisher was already closed.
var ErrClosed = errors.New("publisher closed")

// SignalStore is the write side of the signal table.
type SignalStore interface {
	UpsertSignal(ctx context.Context, sig *store.Signal) error
}

// Stats counts publisher activity.
type Stats struct {
	Published  int64
	Duplicates int64
	Failed     int64
	Dropped    int64
}

// Publisher drains a bounded queue of outcomes into a SignalStore.
type Publisher struct {
	store SignalStore
	queue chan *vetting.Outcome
	done  chan struct{}

	mu     sync.RWMutex // guards closed against concurrent sends
	closed bool

	published  atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
}

// New starts a publisher with one worker goroutine.
func New(s SignalStore, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Publisher{
		store: s,
		queue: make(chan *vetting.Outcome, queueSize),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues o. A full queue or a closed publisher drops it.
func (p *Publisher) Publish(o *vetting.Outcome) {
	if o == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(o, "publisher closed")
		return
	}
	select {
	case p.queue <- o:
	default:
		p.drop(o, "queue full")
	}
}

func (p *Publisher) drop(o *vetting.Outcome, why string) {
	p.dropped.Add(1)
	telemetry.Get().Publications.WithLabelValues("dropped").Inc()
	logging.PublisherWarn("dropping outcome for %s: %s", o.DocumentID, why)
}

// Close stops accepting outcomes and waits for the queue to drain or ctx to end.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
		s := p.Stats()
		logging.Publisher("publisher closed: published=%d duplicates=%d failed=%d dropped=%d",
			s.Published, s.Duplicates, s.Failed, s.Dropped)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:  p.published.Load(),
		Duplicates: p.duplicates.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for o := range p.queue {
		p.write(o)
	}
}

func (p *Publisher) write(o *vetting.Outcome) {
	signals, err := Signals(o)
	if err != nil {
		p.failed.Add(1)
		telemetry.Get().Publications.WithLabelValues("error").Inc()
		logging.PublisherError("encode outcome %s: %v", o.DocumentID, err)
		return
	}
	if len(signals) == 0 {
		logging.PublisherDebug("outcome %s names no ticker, nothing to publish", o.DocumentID)
		return
	}

	audit := logging.AuditWithRun(o.RunID)
	for _, sig := range signals {
		err := p.store.UpsertSignal(context.Background(), sig)
		audit.Publish(sig.NaturalKey, err)
		switch {
		case err == nil:
			p.published.Add(1)
			telemetry.Get().Publications.WithLabelValues("ok").Inc()
			logging.PublisherDebug("published %s (%s)", sig.NaturalKey, sig.Verdict)
		case store.IsDuplicate(err):
			p.duplicates.Add(1)
			telemetry.Get().Publications.WithLabelValues("duplicate").Inc()
			logging.PublisherDebug("duplicate signal %s ignored", sig.NaturalKey)
		default:
			p.failed.Add(1)
			telemetry.Get().Publications.WithLabelValues("error").Inc()
			logging.PublisherError("publish %s: %v", sig.NaturalKey, err)
		}
	}
}

// Signals converts an outcome into one signal per ticker.
func Signals(o *vetting.Outcome) ([]*store.Signal, error) {
	var setup json.RawMessage
	if o.Setup != nil {
		data, err := json.Marshal(o.Setup)
		if err != nil {
			return nil, err
		}
		setup = data
	}

	published := o.PublishedAt
	if published.IsZero() {
		published = o.CompletedAt
	}
	date := published.UTC().Format("2006-01-02")

	var risk, sentiment float64
	if o.RedTeam != nil {
		risk = o.RedTeam.RiskScore
	}
	if o.ValueChain != nil {
		sentiment = o.ValueChain.Sentiment
	}

	out := make([]*store.Signal, 0, len(o.Tickers))
	for _, t := range o.Tickers {
		out = append(out, &store.Signal{
			NaturalKey:       store.NaturalKey(t, o.Source, published),
			Ticker:           strings.ToUpper(t),
			Source:           o.Source,
			Date:             date,
			DocumentID:       o.DocumentID,
			Title:            o.Title,
			Verdict:          string(o.FinalVerdict),
			Blocked:          o.Blocked,
			BlockReason:      o.BlockReason,
			ReliabilityScore: o.Reliability.Score,
			RiskScore:        risk,
			Sentiment:        sentiment,
			Setup:            setup,
			Warnings:         append([]string(nil), o.Warnings...),
		})
	}
	return out, nil
}
