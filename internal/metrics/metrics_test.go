package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersDistinctMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DispatchTotal.WithLabelValues("STEP_DONE").Inc()
	m.NodeExecutions.WithLabelValues("builtin://summarize", "success").Inc()
	m.FSMConflicts.Inc()
	m.SessionsActive.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"kernel_dispatch_total",
		"kernel_node_executions_total",
		"kernel_fsm_conflicts_total",
		"kernel_sessions_active",
	} {
		if !names[want] {
			t.Fatalf("expected metric %s to be registered, got %v", want, names)
		}
	}
}

func TestSessionsActiveGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SessionsActive.Set(5)

	metric := &dto.Metric{}
	if err := m.SessionsActive.Write(metric); err != nil {
		t.Fatalf("write: %v", err)
	}
	if metric.GetGauge().GetValue() != 5 {
		t.Fatalf("unexpected gauge value: %v", metric.GetGauge().GetValue())
	}
}
