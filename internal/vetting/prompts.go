package vetting

import (
	"encoding/json"
	"fmt"
	"strings"
)

const reliabilitySystemPrompt = `You are a financial news auditor. Rate how far a trader can trust the document.
Score three criteria from 0 to 10:
- source_incentive: does the author or publisher gain if readers act on this?
- data_density: how many concrete, verifiable figures does it contain?
- tone: is it measured or is it hype?
score is the sum (0-30). List every company, person and product in entities and
every listed company's exchange ticker in tickers. Reply with JSON only.`

const valueChainSystemPrompt = `You are an equity analyst mapping second-order effects of news through supply chains.
Use web search to confirm relationships. Reply with a single JSON object:
{"sentiment": -1..1, "sentiment_label": "positive|neutral|negative", "theme": "short thematic label",
 "related": [{"ticker": "...", "name": "...", "relation": "direct|supplier|competitor|customer"}]}
No prose outside the JSON.`

const redTeamSystemPrompt = `You are the red team. Assume the trade below was taken and lost money.
Write the pre-mortem: what killed it? Give a risk_score 0-100, the kill_factors that would
invalidate the thesis outright, and failure scenarios with probability (0-1) and impact (0-10).
verdict is PROCEED only if the thesis survives your attack, ABORT if any kill factor is already
present, CAUTION otherwise. Reply with JSON only.`

const tradeSetupSystemPrompt = `You are a disciplined swing trader. Turn the vetted thesis into a trade plan:
entry_low <= entry_high, stop_loss below the entry band, target above it. sizing is
aggressive, normal or conservative; horizon is short (days), swing (weeks) or long (months).
Reply with JSON only.`

func documentBlock(doc Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SOURCE: %s\n", doc.Source)
	if !doc.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "PUBLISHED: %s\n", doc.PublishedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	if doc.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", doc.URL)
	}
	if len(doc.Tickers) > 0 {
		fmt.Fprintf(&b, "TICKERS: %s\n", strings.Join(doc.Tickers, ", "))
	}
	fmt.Fprintf(&b, "TITLE: %s\n\n%s\n", doc.Title, doc.Body)
	return b.String()
}

func reliabilityPrompt(doc Document) string {
	return "Audit this document.\n\n" + documentBlock(doc)
}

func valueChainPrompt(doc Document, rel ReliabilityReport) string {
	return fmt.Sprintf("Primary tickers: %s\nEntities: %s\n\nMap the value chain for this news.\n\n%s",
		joinOrNone(rel.Tickers), joinOrNone(rel.Entities), documentBlock(doc))
}

func redTeamPrompt(doc Document, rel ReliabilityReport, vc ValueChainReport) string {
	return fmt.Sprintf("THESIS: %s (sentiment %.2f, theme %q)\nReliability: %.0f/30\nRelated: %s\n\n%s",
		joinOrNone(rel.Tickers), vc.Sentiment, vc.Theme, rel.Score, compactJSON(vc.Related), documentBlock(doc))
}

func tradeSetupPrompt(doc Document, rel ReliabilityReport, vc ValueChainReport, rt RedTeamReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TICKERS: %s\n", joinOrNone(rel.Tickers))
	if doc.ReferencePrice > 0 {
		fmt.Fprintf(&b, "REFERENCE PRICE: %.4f\n", doc.ReferencePrice)
	}
	fmt.Fprintf(&b, "SENTIMENT: %.2f (%s), THEME: %s\n", vc.Sentiment, vc.SentimentLabel, vc.Theme)
	fmt.Fprintf(&b, "RED TEAM: %s, risk %.0f/100, kill factors: %s\n", rt.Verdict, rt.RiskScore, joinOrNone(rt.KillFactors))
	if rt.Verdict == VerdictCaution {
		b.WriteString("The red team urged caution: sizing must be conservative.\n")
	}
	b.WriteString("\n")
	b.WriteString(documentBlock(doc))
	return b.String()
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}
