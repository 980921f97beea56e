package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"alphagate/internal/ingest"
	"alphagate/internal/vetting"
)

var (
	scanConcurrency int
	scanFormat      string
)

// scanCmd vets every document in a directory at low priority.
var scanCmd = &cobra.Command{
	Use:   "scan [dir]",
	Short: "Vet every document in a directory as a background batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().IntVar(&scanConcurrency, "concurrency", 0, "Documents vetted in parallel (default: vetting.scan_concurrency)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "summary", "Output format: summary, json")
}

// loadDir loads every supported file in dir, sorted by name. Unreadable
// files are logged and skipped.
func loadDir(dir string) ([]vetting.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && ingest.Supported(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]vetting.Document, 0, len(names))
	for _, name := range names {
		doc, err := ingest.LoadDocument(filepath.Join(dir, name))
		if err != nil {
			if logger != nil {
				logger.Warn("skipping document", zap.String("file", name), zap.Error(err))
			}
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(timeout)
	defer cancel()

	docs, err := loadDir(args[0])
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("no documents found")
		return nil
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	n := scanConcurrency
	if n <= 0 {
		n = a.cfg.Vetting.ScanConcurrency
	}
	results, err := vetting.NewScanner(a.pipeline, n).ScanBatch(ctx, docs)

	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%-28s %s\n", r.Document.ID, abortStyle.Render("ERROR")+" "+describeRunError(r.Err).Error())
			continue
		}
		if scanFormat == "json" {
			if werr := writeOutcome(os.Stdout, r.Outcome, "json"); werr != nil {
				return werr
			}
			continue
		}
		fmt.Printf("%-28s %s %s\n", r.Document.ID, verdictBadge(r.Outcome), dimStyle.Render(r.Outcome.Title))
	}
	return err
}
