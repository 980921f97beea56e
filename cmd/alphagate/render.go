package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"alphagate/internal/vetting"
)

var (
	proceedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#2E7D32")).Padding(0, 1)
	cautionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#000000")).Background(lipgloss.Color("#F9A825")).Padding(0, 1)
	abortStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#C62828")).Padding(0, 1)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9A825"))
)

// verdictBadge renders the final verdict as a coloured label.
func verdictBadge(o *vetting.Outcome) string {
	label := string(o.FinalVerdict)
	if o.Blocked {
		label += " (blocked: " + o.BlockReason + ")"
	}
	switch o.FinalVerdict {
	case vetting.VerdictProceed:
		return proceedStyle.Render(label)
	case vetting.VerdictAbort:
		return abortStyle.Render(label)
	default:
		return cautionStyle.Render(label)
	}
}

// outcomeMarkdown formats an outcome as a markdown report.
func outcomeMarkdown(o *vetting.Outcome) string {
	var sb strings.Builder
	title := o.Title
	if title == "" {
		title = o.DocumentID
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "**Source:** %s  \n", o.Source)
	if len(o.Tickers) > 0 {
		fmt.Fprintf(&sb, "**Tickers:** %s  \n", strings.Join(o.Tickers, ", "))
	}
	fmt.Fprintf(&sb, "**Verdict:** %s", o.FinalVerdict)
	if o.Blocked {
		fmt.Fprintf(&sb, " (blocked at %s)", o.BlockReason)
	}
	sb.WriteString("\n\n## Gates\n\n| Stage | Score | Passed | Fallback |\n|---|---|---|---|\n")
	for _, v := range o.Verdicts {
		fmt.Fprintf(&sb, "| %s | %.2f | %t | %t |\n", v.Stage, v.Score, v.Passed, v.UsedFallback)
	}

	r := o.Reliability
	fmt.Fprintf(&sb, "\n## Reliability\n\nScore **%.0f/30** (incentive %.0f, density %.0f, tone %.0f)\n",
		r.Score, r.SourceIncentive, r.DataDensity, r.Tone)
	if r.Rationale != "" {
		fmt.Fprintf(&sb, "\n%s\n", r.Rationale)
	}

	if vc := o.ValueChain; vc != nil {
		fmt.Fprintf(&sb, "\n## Value chain\n\nSentiment **%s** (%.2f)", vc.SentimentLabel, vc.Sentiment)
		if vc.Theme != "" {
			fmt.Fprintf(&sb, ", theme: %s", vc.Theme)
		}
		sb.WriteString("\n")
		for _, e := range vc.Related {
			fmt.Fprintf(&sb, "\n- `%s` %s (%s)", e.Ticker, e.Name, e.Relation)
		}
		if len(vc.Related) > 0 {
			sb.WriteString("\n")
		}
	}

	if rt := o.RedTeam; rt != nil {
		fmt.Fprintf(&sb, "\n## Red team\n\nRisk **%.0f/100**, verdict **%s**\n", rt.RiskScore, rt.Verdict)
		for _, k := range rt.KillFactors {
			fmt.Fprintf(&sb, "\n- kill factor: %s", k)
		}
		for _, s := range rt.Scenarios {
			fmt.Fprintf(&sb, "\n- %s (p=%.2f, impact=%.0f)", s.Description, s.Probability, s.Impact)
		}
		if len(rt.KillFactors)+len(rt.Scenarios) > 0 {
			sb.WriteString("\n")
		}
	}

	if s := o.Setup; s != nil {
		sb.WriteString("\n## Trade setup\n\n| Entry | Target | Stop | Sizing | Horizon |\n|---|---|---|---|---|\n")
		fmt.Fprintf(&sb, "| %.2f - %.2f | %.2f | %.2f | %s | %s |\n", s.EntryLow, s.EntryHigh, s.Target, s.StopLoss, s.Sizing, s.Horizon)
		if s.Rationale != "" {
			fmt.Fprintf(&sb, "\n%s\n", s.Rationale)
		}
	}

	if len(o.Warnings) > 0 {
		sb.WriteString("\n## Warnings\n")
		for _, w := range o.Warnings {
			fmt.Fprintf(&sb, "\n- %s", w)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// writeOutcome prints o in the requested format: pretty, markdown or json.
func writeOutcome(w io.Writer, o *vetting.Outcome, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	case "markdown", "md":
		_, err := io.WriteString(w, outcomeMarkdown(o))
		return err
	}

	md := outcomeMarkdown(o)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err == nil {
		if rendered, rerr := renderer.Render(md); rerr == nil {
			md = rendered
		}
	}
	fmt.Fprintln(w, verdictBadge(o))
	_, err = io.WriteString(w, md)
	if o.UsedFallback() {
		fmt.Fprintln(w, warnStyle.Render("degraded run: one or more gates used a fallback"))
	}
	fmt.Fprintln(w, dimStyle.Render("run "+o.RunID))
	return err
}
