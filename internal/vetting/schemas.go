package vetting

import "google.golang.org/genai"

// Response schemas for the gates that run in structured mode. The value chain
// gate uses web search, which cannot be combined with a schema, so it relies
// on the normalizer instead.

func number(desc string, min, max float64) *genai.Schema {
	return &genai.Schema{
		Type:        genai.TypeNumber,
		Description: desc,
		Minimum:     genai.Ptr(min),
		Maximum:     genai.Ptr(max),
	}
}

func stringList(desc string) *genai.Schema {
	return &genai.Schema{
		Type:        genai.TypeArray,
		Description: desc,
		Items:       &genai.Schema{Type: genai.TypeString},
	}
}

func reliabilitySchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"source_incentive": number("0 = source profits from the story, 10 = disinterested", 0, 10),
			"data_density":     number("0 = no verifiable figures, 10 = dense hard data", 0, 10),
			"tone":             number("0 = sensational, 10 = sober", 0, 10),
			"score":            number("sum of the three criteria", 0, 30),
			"entities":         stringList("companies, people and products named"),
			"tickers":          stringList("exchange tickers of the named companies"),
			"rationale":        {Type: genai.TypeString},
		},
		Required: []string{"source_incentive", "data_density", "tone", "score", "tickers"},
	}
}

func redTeamSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"risk_score":   number("overall risk, 0 = none, 100 = certain loss", 0, 100),
			"kill_factors": stringList("facts that would invalidate the thesis outright"),
			"scenarios": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"description": {Type: genai.TypeString},
						"probability": number("likelihood 0..1", 0, 1),
						"impact":      number("damage 0..10", 0, 10),
					},
					Required: []string{"description", "probability", "impact"},
				},
			},
			"verdict": {
				Type: genai.TypeString,
				Enum: []string{string(VerdictProceed), string(VerdictCaution), string(VerdictAbort)},
			},
		},
		Required: []string{"risk_score", "kill_factors", "scenarios", "verdict"},
	}
}

func tradeSetupSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"entry_low":  {Type: genai.TypeNumber},
			"entry_high": {Type: genai.TypeNumber},
			"target":     {Type: genai.TypeNumber},
			"stop_loss":  {Type: genai.TypeNumber},
			"sizing": {
				Type: genai.TypeString,
				Enum: []string{SizingAggressive, SizingNormal, SizingConservative},
			},
			"horizon": {
				Type: genai.TypeString,
				Enum: []string{HorizonShort, HorizonSwing, HorizonLong},
			},
			"rationale": {Type: genai.TypeString},
		},
		Required: []string{"entry_low", "entry_high", "target", "stop_loss", "sizing", "horizon"},
	}
}
