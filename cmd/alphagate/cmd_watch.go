package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"alphagate/internal/ingest"
	"alphagate/internal/perception"
	"alphagate/internal/telemetry"
	"alphagate/internal/vetting"
)

var (
	watchMetricsAddr string
	watchDebounce    time.Duration
	watchConcurrency int
)

// watchCmd vets documents as they land in an inbox directory.
var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch an inbox directory and vet new documents at low priority",
	Long: `Watches a directory (default: <workspace>/.alphagate/inbox) and vets every
document written to it once writes settle. Runs until interrupted.

With --metrics-addr, scheduler, invocation, gate and publisher metrics are
served in Prometheus format on /metrics.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "Quiet period before a file is loaded")
	watchCmd.Flags().IntVar(&watchConcurrency, "concurrency", ingest.DefaultConcurrency, "Documents vetted at once")
}

func runWatch(cmd *cobra.Command, args []string) error {
	// watch ignores --timeout and runs until a signal arrives
	ctx, cancel := signalContext(100 * 365 * 24 * time.Hour)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	dir := filepath.Join(a.ws, ".alphagate", "inbox")
	if len(args) == 1 {
		dir = args[0]
	}

	if watchMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv := &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info("serving metrics", zap.String("addr", watchMetricsAddr))
	}

	handler := func(ctx context.Context, doc vetting.Document) {
		out, err := a.pipeline.RunWithPriority(ctx, doc, perception.PriorityLow)
		if err != nil {
			fmt.Printf("%-28s %s\n", doc.ID, abortStyle.Render("ERROR")+" "+describeRunError(err).Error())
			return
		}
		fmt.Printf("%-28s %s %s\n", doc.ID, verdictBadge(out), dimStyle.Render(out.Title))
	}

	w, err := ingest.NewInboxWatcher(dir, handler)
	if err != nil {
		return err
	}
	w.SetDebounce(watchDebounce)
	w.SetConcurrency(watchConcurrency)
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Printf("watching %s (Ctrl+C to stop)\n", dir)
	<-ctx.Done()

	s := w.Stats()
	fmt.Printf("stopped: %d documents vetted, %d errors\n", s.Loaded, s.Errors)
	return nil
}
