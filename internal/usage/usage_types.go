package usage

import "time"

// maxRecentEvents bounds UsageData.Events.
const maxRecentEvents = 200

// UsageData represents the root structure stored in persistence.
type UsageData struct {
	Version   string          `json:"version"`
	Events    []UsageEvent    `json:"events,omitempty"` // most recent maxRecentEvents calls
	Aggregate AggregatedStats `json:"aggregate"`
}

// UsageEvent represents a single provider call.
type UsageEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Operation    string    `json:"operation"` // gate name
	RunID        string    `json:"run_id,omitempty"`
}

// AggregatedStats holds counters broken down by various dimensions.
type AggregatedStats struct {
	Total       TokenCounts            `json:"total"`
	ByProvider  map[string]TokenCounts `json:"by_provider"`
	ByModel     map[string]TokenCounts `json:"by_model"`
	ByOperation map[string]TokenCounts `json:"by_operation"`
	Calls       int64                  `json:"calls"`
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64   `json:"input"`
	Output int64   `json:"output"`
	Total  int64   `json:"total"`
	Cost   float64 `json:"cost_est_usd,omitempty"`
}

func (tc *TokenCounts) Add(input, output int, cost float64) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
	tc.Cost += cost
}

// price is USD per million tokens.
type price struct{ in, out float64 }

var modelPrices = map[string]price{
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.0-flash":      {0.10, 0.40},
}

// EstimateCost returns the list-price cost of a call. Unknown models cost 0.
func EstimateCost(model string, input, output int) float64 {
	p, ok := modelPrices[model]
	if !ok {
		return 0
	}
	return (float64(input)*p.in + float64(output)*p.out) / 1e6
}
