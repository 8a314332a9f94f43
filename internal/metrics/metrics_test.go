package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectedAgents.Set(3)
	m.DispatchTotal.WithLabelValues("ok").Inc()
	m.PushDropped.Inc()
	m.StaleDevices.Set(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"fleetguard_connected_agents",
		"fleetguard_dispatch_total",
		"fleetguard_push_dropped_total",
		"fleetguard_stale_devices",
	} {
		if !names[want] {
			t.Fatalf("expected collector %q to be registered, got %v", want, names)
		}
	}
}

func TestConnectedAgentsGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ConnectedAgents.Set(5)

	var out dto.Metric
	if err := m.ConnectedAgents.Write(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.GetGauge().GetValue() != 5 {
		t.Fatalf("expected gauge value 5, got %v", out.GetGauge().GetValue())
	}
}
