package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGetIsSingleton(t *testing.T) {
	a := Get()
	b := Get()
	if a != b {
		t.Fatal("expected Get to return the same metrics instance")
	}
}

func TestCountersIncrement(t *testing.T) {
	m := Get()

	before := testutil.ToFloat64(m.GateResults.WithLabelValues("reliability", "fallback"))
	m.GateResults.WithLabelValues("reliability", "fallback").Inc()
	after := testutil.ToFloat64(m.GateResults.WithLabelValues("reliability", "fallback"))

	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
}
