package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"alphagate/internal/logging"
	"alphagate/internal/perception"
)

// saveDebounce delays autosave after the first unsaved event.
var saveDebounce = 5 * time.Second

type runKey struct{}

// Tracker manages token usage recording and persistence.
type Tracker struct {
	mu       sync.Mutex
	data     UsageData
	filePath string
	dirty    bool
	timer    *time.Timer
	closed   bool
}

// NewTracker creates a tracker persisting to <workspace>/.alphagate/usage.json.
func NewTracker(workspacePath string) (*Tracker, error) {
	dir := filepath.Join(workspacePath, ".alphagate")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .alphagate dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dir, "usage.json"),
		data:     UsageData{Version: "1.0", Aggregate: newAggregate()},
	}

	if err := t.Load(); err != nil {
		logging.UsageWarn("usage file unreadable, starting empty: %v", err)
		t.data = UsageData{Version: "1.0", Aggregate: newAggregate()}
	}
	return t, nil
}

func newAggregate() AggregatedStats {
	return AggregatedStats{
		ByProvider:  make(map[string]TokenCounts),
		ByModel:     make(map[string]TokenCounts),
		ByOperation: make(map[string]TokenCounts),
	}
}

// Path returns the persistence file.
func (t *Tracker) Path() string { return t.filePath }

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	// Ensure maps are initialized if file was empty/partial
	if t.data.Aggregate.ByProvider == nil {
		t.data.Aggregate.ByProvider = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByModel == nil {
		t.data.Aggregate.ByModel = make(map[string]TokenCounts)
	}
	if t.data.Aggregate.ByOperation == nil {
		t.data.Aggregate.ByOperation = make(map[string]TokenCounts)
	}
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, t.filePath); err != nil {
		return err
	}
	t.dirty = false
	return nil
}

// scheduleLocked arms the autosave timer. dirty stays set until a save lands.
func (t *Tracker) scheduleLocked() {
	t.dirty = true
	t.timer = time.AfterFunc(saveDebounce, t.autosave)
}

func (t *Tracker) autosave() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer = nil
	if t.closed || !t.dirty {
		return
	}
	if err := t.saveLocked(); err != nil {
		logging.UsageWarn("usage autosave failed, retrying in %v: %v", saveDebounce, err)
		t.scheduleLocked()
	}
}

// Track records a new usage event.
func (t *Tracker) Track(ctx context.Context, model, provider string, input, output int, operation string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost := EstimateCost(model, input, output)

	t.data.Aggregate.Total.Add(input, output, cost)
	t.data.Aggregate.Calls++
	addToMap(t.data.Aggregate.ByProvider, provider, input, output, cost)
	addToMap(t.data.Aggregate.ByModel, model, input, output, cost)
	addToMap(t.data.Aggregate.ByOperation, operation, input, output, cost)

	t.data.Events = append(t.data.Events, UsageEvent{
		Timestamp:    time.Now().UTC(),
		Model:        model,
		Provider:     provider,
		InputTokens:  input,
		OutputTokens: output,
		Operation:    operation,
		RunID:        RunIDFromContext(ctx),
	})
	if n := len(t.data.Events); n > maxRecentEvents {
		t.data.Events = append([]UsageEvent(nil), t.data.Events[n-maxRecentEvents:]...)
	}

	logging.UsageDebug("%s/%s %s: in=%d out=%d cost=$%.6f", provider, model, operation, input, output, cost)

	// Debounced auto-save
	if !t.dirty && !t.closed {
		t.scheduleLocked()
	}
}

// Close stops the autosave timer and flushes pending data.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !t.dirty {
		return nil
	}
	return t.saveLocked()
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByProvider = copyTokenCountsMap(stats.ByProvider)
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	return stats
}

// RecentEvents returns up to n of the most recent events, oldest first.
func (t *Tracker) RecentEvents(n int) []UsageEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.data.Events
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	out := make([]UsageEvent, len(events))
	copy(out, events)
	return out
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int, cost float64) {
	entry := m[key]
	entry.Add(input, output, cost)
	m[key] = entry
}

// -----------------------------------------------------------------------------
// Reporter adapter
// -----------------------------------------------------------------------------

// Reporter feeds invocation usage into a Tracker.
type Reporter struct {
	Tracker *Tracker
}

var _ perception.UsageReporter = Reporter{}

// ReportUsage implements perception.UsageReporter.
func (r Reporter) ReportUsage(ctx context.Context, rec perception.UsageRecord) error {
	if r.Tracker == nil {
		return fmt.Errorf("usage reporter has no tracker")
	}
	r.Tracker.Track(ctx, rec.Model, rec.Provider, rec.InputTokens, rec.OutputTokens, rec.Operation)
	return nil
}

// Context Helpers

// WithRunID tags usage recorded under ctx with a pipeline run ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunIDFromContext returns the run ID set by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}
