package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"alphagate/internal/ingest"
	"alphagate/internal/perception"
	"alphagate/internal/vetting"
)

var (
	vetTickers  []string
	vetPrice    float64
	vetSource   string
	vetFormat   string
	vetPriority string
)

// vetCmd vets one document interactively.
var vetCmd = &cobra.Command{
	Use:   "vet [file]",
	Short: "Vet a news document through the four gates",
	Long: `Loads a document (.txt, .md, .html or .json) and runs it through the
reliability, value chain, red team and trade setup gates at high priority.

Examples:
  alphagate vet news/nvda.txt --ticker NVDA --price 10000
  alphagate vet story.html --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runVet,
}

func init() {
	vetCmd.Flags().StringSliceVarP(&vetTickers, "ticker", "t", nil, "Ticker(s) the document is about")
	vetCmd.Flags().Float64Var(&vetPrice, "price", 0, "Reference price used for the fallback trade setup")
	vetCmd.Flags().StringVar(&vetSource, "source", "", "Override the document source")
	vetCmd.Flags().StringVarP(&vetFormat, "format", "f", "pretty", "Output format: pretty, markdown, json")
	vetCmd.Flags().StringVar(&vetPriority, "priority", "high", "Scheduler priority: high, normal, low")
}

// applyOverrides merges command-line document fields into doc.
func applyOverrides(doc *vetting.Document, tickers []string, price float64, source string) {
	if len(tickers) > 0 {
		doc.Tickers = append(doc.Tickers, tickers...)
	}
	if price > 0 {
		doc.ReferencePrice = price
	}
	if strings.TrimSpace(source) != "" {
		doc.Source = strings.TrimSpace(source)
	}
}

func runVet(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(timeout)
	defer cancel()

	doc, err := ingest.LoadDocument(args[0])
	if err != nil {
		return err
	}
	applyOverrides(&doc, vetTickers, vetPrice, vetSource)

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("vetting document", zap.String("id", doc.ID), zap.String("title", doc.Title))
	out, err := a.pipeline.RunWithPriority(ctx, doc, perception.ParsePriority(vetPriority))
	if err != nil {
		return describeRunError(err)
	}
	return writeOutcome(os.Stdout, out, vetFormat)
}

// describeRunError adds the failing stage and retry context to a pipeline error.
func describeRunError(err error) error {
	var perr *vetting.PipelineError
	if !errors.As(err, &perr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("vetting interrupted during %s: %w", perr.Stage, err)
	}
	var ierr *perception.InvocationError
	if errors.As(err, &ierr) {
		return fmt.Errorf("%s gate failed after %d attempt(s) on %s: %w", perr.Stage, ierr.Attempts, ierr.Model, ierr.Err)
	}
	return err
}
