package enrichment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/provider"
)

type fakeDeploys struct {
	deployments []model.Deployment
	changed     []string
	err         error
}

func (f *fakeDeploys) RecentDeployments(ctx context.Context, service string) ([]model.Deployment, error) {
	return f.deployments, f.err
}

func (f *fakeDeploys) ChangedFiles(ctx context.Context, service, version string) ([]string, error) {
	return f.changed, f.err
}

type fakeFlags struct {
	flags []model.FeatureFlag
	err   error
}

func (f *fakeFlags) ActiveFlags(ctx context.Context, service string) ([]model.FeatureFlag, error) {
	return f.flags, f.err
}

type fakeMetrics struct {
	values map[string]float64
	err    error
}

func (f *fakeMetrics) QueryScalar(ctx context.Context, query string, at time.Time) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	for name, v := range f.values {
		if name == "error_rate" && strings.Contains(query, "errors") {
			return v, nil
		}
		if name == "availability" && strings.Contains(query, "up{") {
			return v, nil
		}
	}
	return 0, provider.ErrNoData
}

func (f *fakeMetrics) QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]provider.Series, error) {
	return nil, provider.ErrNoData
}

func implicatedIncident() *model.Incident {
	return &model.Incident{
		ID:     "inc-1",
		Status: model.StatusInvestigating,
		Alerts: []*model.Alert{{
			ID:        "a1",
			AlertName: "HighErrorRate",
			Labels:    map[string]string{"service": "payments", "version": "v1.4.2"},
			StartsAt:  time.Now().UTC(),
		}},
	}
}

func TestCollectFullSnapshot(t *testing.T) {
	deployed := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	c := New(
		&fakeDeploys{
			deployments: []model.Deployment{{Service: "payments", Version: "v1.4.2", DeployedAt: deployed, PreviousVersion: "v1.4.1", PreviousVersionHealthy: true}},
			changed:     []string{"internal/payments/charge.go"},
		},
		&fakeFlags{flags: []model.FeatureFlag{{Name: "new-charge-path", Enabled: true}}},
		&fakeMetrics{values: map[string]float64{"error_rate": 0.62, "availability": 1}},
		30*time.Second,
	)

	snap, err := c.Collect(context.Background(), implicatedIncident())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Partial {
		t.Fatalf("snapshot marked partial: %v", snap.Failures)
	}
	if len(snap.Deployments) != 1 || snap.Deployments[0].Version != "v1.4.2" {
		t.Fatalf("deployments = %+v", snap.Deployments)
	}
	if len(snap.ChangedFiles) != 1 {
		t.Fatalf("changed files = %v", snap.ChangedFiles)
	}
	if len(snap.FeatureFlags) != 1 || !snap.FeatureFlags[0].Enabled {
		t.Fatalf("flags = %+v", snap.FeatureFlags)
	}
	if snap.Metrics["error_rate"] != 0.62 {
		t.Fatalf("metrics = %v", snap.Metrics)
	}
	if snap.CollectedAt.IsZero() {
		t.Fatal("collected_at not stamped")
	}
}

func TestCollectPartialOnSingleFailure(t *testing.T) {
	c := New(
		&fakeDeploys{err: errors.New("deploy API down")},
		&fakeFlags{flags: []model.FeatureFlag{{Name: "f", Enabled: true}}},
		&fakeMetrics{values: map[string]float64{"availability": 1}},
		30*time.Second,
	)

	snap, err := c.Collect(context.Background(), implicatedIncident())
	if err != nil {
		t.Fatalf("single collector failure must not fail the snapshot: %v", err)
	}
	if !snap.Partial {
		t.Fatal("snapshot should be partial")
	}
	// The deployment client backs both collectors that failed.
	if len(snap.Failures) != 2 {
		t.Fatalf("failures = %v, want deployments and changed_files", snap.Failures)
	}
	if len(snap.FeatureFlags) != 1 {
		t.Fatal("surviving collectors must still populate the snapshot")
	}
}

func TestCollectAllFailedReportsUnavailable(t *testing.T) {
	boom := errors.New("everything is down")
	c := New(
		&fakeDeploys{err: boom},
		&fakeFlags{err: boom},
		&fakeMetrics{err: boom},
		30*time.Second,
	)

	snap, err := c.Collect(context.Background(), implicatedIncident())
	if err == nil {
		t.Fatal("expected EnrichmentUnavailable")
	}
	if !model.IsKind(err, model.KindEnrichmentUnavailable) {
		t.Fatalf("error kind = %q", model.KindOf(err))
	}
	if snap == nil || !snap.Partial {
		t.Fatal("snapshot must still be returned, marked partial")
	}
}

func TestCollectWithoutVersionSkipsChangedFiles(t *testing.T) {
	inc := implicatedIncident()
	inc.Alerts[0].Labels = map[string]string{"service": "payments"}

	c := New(
		&fakeDeploys{deployments: []model.Deployment{{Service: "payments", Version: "v9"}}},
		&fakeFlags{},
		&fakeMetrics{},
		30*time.Second,
	)

	snap, err := c.Collect(context.Background(), inc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.ChangedFiles != nil {
		t.Fatalf("changed files should be skipped without a version: %v", snap.ChangedFiles)
	}
	if snap.Partial {
		t.Fatalf("nothing failed: %v", snap.Failures)
	}
}
