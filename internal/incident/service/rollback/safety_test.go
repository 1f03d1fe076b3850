package rollback

import (
	"strings"
	"testing"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
)

func defaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		MinAge:             5 * time.Minute,
		MaxAge:             2 * time.Hour,
		MinTrafficFraction: 0.1,
	}
}

func healthyDeployment(now time.Time, age time.Duration) *model.Deployment {
	return &model.Deployment{
		Service:                "payments",
		Version:                "v2.3.1",
		DeployedAt:             now.Add(-age),
		PreviousVersion:        "v2.3.0",
		PreviousVersionHealthy: true,
	}
}

func TestEvaluateSafety(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := defaultSafetyConfig()

	tests := []struct {
		name       string
		facts      SafetyFacts
		wantFailed []string
	}{
		{
			"all pass",
			SafetyFacts{
				Deployment:      healthyDeployment(now, 30*time.Minute),
				TrafficFraction: Sample{0.5, true},
			},
			nil,
		},
		{
			"deployment too young",
			SafetyFacts{
				Deployment:      healthyDeployment(now, 2*time.Minute),
				TrafficFraction: Sample{0.5, true},
			},
			[]string{"deployment_age"},
		},
		{
			"deployment too old",
			SafetyFacts{
				Deployment:      healthyDeployment(now, 3*time.Hour),
				TrafficFraction: Sample{0.5, true},
			},
			[]string{"deployment_age"},
		},
		{
			"provider failure fails conservatively",
			SafetyFacts{TrafficFraction: Sample{0.5, true}},
			[]string{"deployment_age", "previous_version_healthy"},
		},
		{
			"traffic too low",
			SafetyFacts{
				Deployment:      healthyDeployment(now, 30*time.Minute),
				TrafficFraction: Sample{0.05, true},
			},
			[]string{"traffic_fraction"},
		},
		{
			"traffic unknown",
			SafetyFacts{Deployment: healthyDeployment(now, 30*time.Minute)},
			[]string{"traffic_fraction"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := EvaluateSafety(tt.facts, cfg, now)
			if len(checks) != 3 {
				t.Fatalf("got %d checks, want 3", len(checks))
			}
			failed := failedChecks(checks)
			if len(failed) != len(tt.wantFailed) {
				t.Fatalf("failed checks %v, want %v", failed, tt.wantFailed)
			}
			for i := range tt.wantFailed {
				if failed[i] != tt.wantFailed[i] {
					t.Fatalf("failed checks %v, want %v", failed, tt.wantFailed)
				}
			}
		})
	}
}

func TestEvaluateSafetyPreviousVersion(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := defaultSafetyConfig()

	unhealthy := healthyDeployment(now, 30*time.Minute)
	unhealthy.PreviousVersionHealthy = false
	checks := EvaluateSafety(SafetyFacts{Deployment: unhealthy, TrafficFraction: Sample{0.5, true}}, cfg, now)
	if failed := failedChecks(checks); len(failed) != 1 || failed[0] != "previous_version_healthy" {
		t.Fatalf("failed checks %v, want previous_version_healthy", failed)
	}

	orphan := healthyDeployment(now, 30*time.Minute)
	orphan.PreviousVersion = ""
	checks = EvaluateSafety(SafetyFacts{Deployment: orphan, TrafficFraction: Sample{0.5, true}}, cfg, now)
	var detail string
	for _, c := range checks {
		if c.Name == "previous_version_healthy" {
			if c.Passed {
				t.Fatal("check must fail without a previous version")
			}
			detail = c.Detail
		}
	}
	if !strings.Contains(detail, "no previous version") {
		t.Fatalf("detail %q does not explain the failure", detail)
	}
}
