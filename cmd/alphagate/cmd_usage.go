package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"alphagate/internal/usage"
)

var usageRecent int

// usageCmd prints token and cost accounting.
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage and estimated cost by model and gate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		tracker, err := usage.NewTracker(ws)
		if err != nil {
			return err
		}
		printUsage(os.Stdout, tracker.Stats(), tracker.RecentEvents(usageRecent))
		return nil
	},
}

func init() {
	usageCmd.Flags().IntVar(&usageRecent, "recent", 10, "Number of recent calls to list")
}

func printUsage(w io.Writer, stats usage.AggregatedStats, recent []usage.UsageEvent) {
	fmt.Fprintf(w, "Total: %d calls, %d input / %d output tokens, $%.4f\n\n",
		stats.Calls, stats.Total.Input, stats.Total.Output, stats.Total.Cost)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, section := range []struct {
		name string
		m    map[string]usage.TokenCounts
	}{
		{"MODEL", stats.ByModel},
		{"GATE", stats.ByOperation},
		{"PROVIDER", stats.ByProvider},
	} {
		if len(section.m) == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\tINPUT\tOUTPUT\tCOST\n", section.name)
		keys := make([]string, 0, len(section.m))
		for k := range section.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c := section.m[k]
			fmt.Fprintf(tw, "%s\t%d\t%d\t$%.4f\n", k, c.Input, c.Output, c.Cost)
		}
		fmt.Fprintln(tw, "\t\t\t")
	}
	_ = tw.Flush()

	if len(recent) == 0 {
		return
	}
	fmt.Fprintln(w, "Recent calls:")
	for _, e := range recent {
		fmt.Fprintf(w, "  %s  %-12s %-22s in=%d out=%d run=%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Operation, e.Model, e.InputTokens, e.OutputTokens, e.RunID)
	}
}
