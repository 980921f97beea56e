package config

import "fmt"

// SchedulerConfig bounds outbound generative-AI traffic process-wide.
type SchedulerConfig struct {
	MaxConcurrentAPICalls int     `yaml:"max_concurrent_api_calls"` // Max simultaneous in-flight calls
	RequestsPerSecond     float64 `yaml:"requests_per_second"`      // 0 disables the rate limit
	Burst                 int     `yaml:"burst"`
}

// ValidateScheduler checks that scheduler limits are within acceptable ranges.
func (c *Config) ValidateScheduler() error {
	if c.Scheduler.MaxConcurrentAPICalls < 1 {
		return fmt.Errorf("scheduler.max_concurrent_api_calls must be >= 1")
	}
	if c.Scheduler.RequestsPerSecond < 0 {
		return fmt.Errorf("scheduler.requests_per_second must be >= 0")
	}
	if c.Scheduler.RequestsPerSecond > 0 && c.Scheduler.Burst < 1 {
		return fmt.Errorf("scheduler.burst must be >= 1 when a rate limit is set")
	}
	return nil
}

// VettingConfig configures the gate pipeline.
type VettingConfig struct {
	ReliabilityThreshold float64 `yaml:"reliability_threshold"` // pass at score >= threshold (0-30)
	FallbackTargetPct    float64 `yaml:"fallback_target_pct"`   // fallback target above reference price
	FallbackStopPct      float64 `yaml:"fallback_stop_pct"`     // fallback stop below reference price
	ScanConcurrency      int     `yaml:"scan_concurrency"`      // documents vetted in parallel by batch scans
}

// Validate checks the vetting thresholds.
func (v VettingConfig) Validate() error {
	if v.ReliabilityThreshold < 0 || v.ReliabilityThreshold > 30 {
		return fmt.Errorf("vetting.reliability_threshold must be within 0-30")
	}
	if v.FallbackTargetPct <= 0 || v.FallbackStopPct <= 0 {
		return fmt.Errorf("vetting fallback percentages must be positive")
	}
	if v.ScanConcurrency < 1 {
		return fmt.Errorf("vetting.scan_concurrency must be >= 1")
	}
	return nil
}
