package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistry_RegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.EventsAppended.WithLabelValues("VALIDATE").Inc()
	m.EventsAppended.WithLabelValues("VALIDATE").Inc()
	m.AnchorsMinted.Inc()
	m.AnchorChainLength.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := map[string]*dto.MetricFamily{}
	for _, f := range families {
		found[f.GetName()] = f
	}

	appended, ok := found["decision_ledger_events_appended_total"]
	if !ok {
		t.Fatal("expected decision_ledger_events_appended_total to be registered")
	}
	if got := appended.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected counter value 2, got %v", got)
	}

	if _, ok := found["decision_ledger_anchor_chain_length"]; !ok {
		t.Fatal("expected decision_ledger_anchor_chain_length to be registered")
	}
}

func TestNewRegistry_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic registering a second Metrics bundle on the same registry")
		}
	}()
	NewRegistry(reg)
}
