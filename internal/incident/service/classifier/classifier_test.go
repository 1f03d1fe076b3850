package classifier

import (
	"strings"
	"testing"

	"github.com/cureops/incidentd/internal/incident/model"
)

func alertWith(labels map[string]string) *model.Alert {
	return &model.Alert{
		ID:        "a1",
		AlertName: "TestAlert",
		Labels:    labels,
	}
}

func TestClassifyTree(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   model.Severity
	}{
		{
			"unavailable with data loss",
			map[string]string{"impact": "total_unavailability", "data_loss": "true"},
			model.SeverityP0,
		},
		{
			"unavailable with security signal",
			map[string]string{"availability": "none", "security": "suspected"},
			model.SeverityP0,
		},
		{
			"unavailable only",
			map[string]string{"impact": "outage"},
			model.SeverityP1,
		},
		{
			"major feature most users",
			map[string]string{"impact": "major_feature", "affected_users_pct": "72"},
			model.SeverityP1,
		},
		{
			"major feature some users",
			map[string]string{"impact": "major_feature", "affected_users_pct": "25"},
			model.SeverityP2,
		},
		{
			"major feature few users",
			map[string]string{"impact": "major_feature", "affected_users_pct": "3"},
			model.SeverityP3,
		},
		{
			"degraded performance",
			map[string]string{"impact": "degraded"},
			model.SeverityP2,
		},
		{
			"minor user facing",
			map[string]string{"impact": "minor"},
			model.SeverityP3,
		},
		{
			"no impact signals",
			map[string]string{"service": "payments"},
			model.SeverityP4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rationale := Classify([]*model.Alert{alertWith(tt.labels)}, nil)
			if got != tt.want {
				t.Fatalf("severity = %q (%s), want %q", got, rationale, tt.want)
			}
			if rationale == "" {
				t.Fatal("rationale must not be empty")
			}
		})
	}
}

func TestClassifyReadsAnnotations(t *testing.T) {
	a := &model.Alert{
		ID:          "a1",
		AlertName:   "CheckoutBroken",
		Labels:      map[string]string{"service": "checkout"},
		Annotations: map[string]string{"impact": "major_feature", "affected_users_pct": "60"},
	}
	got, _ := Classify([]*model.Alert{a}, nil)
	if got != model.SeverityP1 {
		t.Fatalf("severity = %q, want P1", got)
	}
}

func TestClassifyCombinesAlerts(t *testing.T) {
	alerts := []*model.Alert{
		alertWith(map[string]string{"impact": "total_unavailability"}),
		alertWith(map[string]string{"data_loss": "risk"}),
	}
	got, rationale := Classify(alerts, nil)
	if got != model.SeverityP0 {
		t.Fatalf("severity = %q (%s), want P0 from combined signals", got, rationale)
	}
}

func TestClassifyAffectedUsersTakesMax(t *testing.T) {
	alerts := []*model.Alert{
		alertWith(map[string]string{"impact": "major_feature", "affected_users_pct": "12"}),
		alertWith(map[string]string{"affected_users_pct": "55"}),
	}
	got, _ := Classify(alerts, nil)
	if got != model.SeverityP1 {
		t.Fatalf("severity = %q, want P1 from max affected users", got)
	}
}

func TestClassifyUsesSnapshot(t *testing.T) {
	snapshot := &model.EnrichmentSnapshot{
		Metrics: map[string]float64{"availability": 0},
	}
	got, _ := Classify([]*model.Alert{alertWith(map[string]string{"service": "payments"})}, snapshot)
	if got != model.SeverityP1 {
		t.Fatalf("severity = %q, want P1 from zero availability", got)
	}
}

func TestClassifyHintPromotes(t *testing.T) {
	a := alertWith(map[string]string{"impact": "minor"})
	a.SeverityHint = model.SeverityP1

	got, rationale := Classify([]*model.Alert{a}, nil)
	if got != model.SeverityP1 {
		t.Fatalf("severity = %q, want P1 from hint promotion", got)
	}
	if !strings.Contains(rationale, "hint") {
		t.Fatalf("rationale should mention the hint: %q", rationale)
	}
}

func TestClassifyHintNeverDemotes(t *testing.T) {
	a := alertWith(map[string]string{"impact": "outage"})
	a.SeverityHint = model.SeverityP4

	got, _ := Classify([]*model.Alert{a}, nil)
	if got != model.SeverityP1 {
		t.Fatalf("severity = %q, want P1 despite weaker hint", got)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	alerts := []*model.Alert{
		alertWith(map[string]string{"impact": "degraded", "affected_users_pct": "30"}),
	}
	snapshot := &model.EnrichmentSnapshot{Metrics: map[string]float64{"affected_users_pct": 40}}

	first, firstWhy := Classify(alerts, snapshot)
	for i := 0; i < 5; i++ {
		got, why := Classify(alerts, snapshot)
		if got != first || why != firstWhy {
			t.Fatalf("classification not deterministic: (%q, %q) vs (%q, %q)", got, why, first, firstWhy)
		}
	}
}
