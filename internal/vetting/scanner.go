package vetting

import (
	"context"

	"golang.org/x/sync/errgroup"

	"alphagate/internal/logging"
	"alphagate/internal/perception"
)

// ScanResult pairs a document with its outcome or error.
type ScanResult struct {
	Document Document
	Outcome  *Outcome
	Err      error
}

// Scanner vets batches of documents in the background.
type Scanner struct {
	Pipeline    *Pipeline
	Concurrency int
	Priority    perception.Priority
}

// NewScanner returns a scanner submitting at low priority so interactive
// runs are admitted first.
func NewScanner(p *Pipeline, concurrency int) *Scanner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scanner{Pipeline: p, Concurrency: concurrency, Priority: perception.PriorityLow}
}

// ScanBatch vets docs with at most Concurrency pipelines in flight. Results are
// in input order. A failing document does not stop the others; the returned
// error is non-nil only if ctx was cancelled.
func (s *Scanner) ScanBatch(ctx context.Context, docs []Document) ([]ScanResult, error) {
	results := make([]ScanResult, len(docs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.Concurrency)
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			results[i].Document = doc
			if err := gCtx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			out, err := s.Pipeline.RunWithPriority(gCtx, doc, s.Priority)
			results[i].Outcome = out
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	var failed, blocked int
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Outcome != nil && r.Outcome.Blocked:
			blocked++
		}
	}
	logging.Vetting("scan batch: %d documents, %d blocked, %d failed", len(docs), blocked, failed)

	return results, ctx.Err()
}
