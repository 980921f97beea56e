package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"alphagate/internal/config"
	"alphagate/internal/store"
)

var signalsLimit int

// signalsCmd inspects published signals.
var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Inspect published signals",
}

var signalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recently updated signals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		list, err := s.ListSignals(context.Background(), signalsLimit)
		if err != nil {
			return err
		}
		printSignals(os.Stdout, list)
		return nil
	},
}

var signalsShowCmd = &cobra.Command{
	Use:   "show [TICKER|source|YYYY-MM-DD]",
	Short: "Show one signal by natural key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		sig, err := s.GetSignal(context.Background(), args[0])
		if err != nil {
			return err
		}
		printSignals(os.Stdout, []store.Signal{*sig})
		if len(sig.Setup) > 0 {
			fmt.Printf("\nsetup: %s\n", sig.Setup)
		}
		for _, w := range sig.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		return nil
	},
}

func init() {
	signalsListCmd.Flags().IntVarP(&signalsLimit, "limit", "n", 20, "Maximum rows")
	signalsCmd.AddCommand(signalsListCmd)
	signalsCmd.AddCommand(signalsShowCmd)
}

// openStore opens the configured signal store without wiring the model client.
func openStore() (*store.SignalStore, error) {
	ws, cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.Store.Path
	if !filepath.IsAbs(path) && path != ":memory:" {
		path = filepath.Join(ws, path)
	}
	return store.Open(cfg.Store.Driver, path)
}

func printSignals(w io.Writer, list []store.Signal) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no signals")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVERDICT\tREL\tRISK\tSENT\tUPDATED\tTITLE")
	for _, s := range list {
		verdict := s.Verdict
		if s.Blocked {
			verdict += " (" + s.BlockReason + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%.0f\t%+.2f\t%s\t%s\n",
			s.NaturalKey, verdict, s.ReliabilityScore, s.RiskScore, s.Sentiment,
			s.UpdatedAt.Local().Format("2006-01-02 15:04"), s.Title)
	}
	_ = tw.Flush()
}

// configCmd manages the workspace config file.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the workspace configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		path := configPath
		if path == "" {
			path = config.DefaultConfigPath(ws)
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
