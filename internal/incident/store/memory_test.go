package store

import (
	"context"
	"testing"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
)

func seedIncident(t *testing.T, m *Memory, id, key string, createdAt time.Time) *model.Incident {
	t.Helper()
	inc := &model.Incident{
		ID:              id,
		Status:          model.StatusOpen,
		Severity:        model.SeverityP3,
		CorrelationKey:  key,
		CreatedAt:       createdAt,
		DetectedAt:      createdAt,
		WindowExpiresAt: createdAt.Add(10 * time.Minute),
		HardDeadline:    createdAt.Add(time.Hour),
		Version:         1,
	}
	inc.AppendTimeline(model.TimelineEntry{At: createdAt, Actor: model.ActorSystem, Kind: model.TimelineIncidentCreated})
	if err := m.CreateIncident(context.Background(), inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	return inc
}

func TestUpdateIncidentVersionConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seedIncident(t, m, "inc-1", "svc:checkout", base)

	a, _ := m.GetIncident(ctx, "inc-1")
	b, _ := m.GetIncident(ctx, "inc-1")

	a.Severity = model.SeverityP1
	if err := m.UpdateIncident(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("version not bumped on caller: %d", a.Version)
	}

	b.Severity = model.SeverityP2
	if err := m.UpdateIncident(ctx, b); err != ErrVersionConflict {
		t.Fatalf("stale update should conflict, got %v", err)
	}

	got, _ := m.GetIncident(ctx, "inc-1")
	if got.Severity != model.SeverityP1 {
		t.Fatalf("winning write lost: %s", got.Severity)
	}
}

func TestUpdateIncidentAppendsCollections(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	inc := seedIncident(t, m, "inc-1", "svc:checkout", base)

	alert := &model.Alert{ID: "al-1", Source: "prometheus", AlertName: "ErrorRateSpike", Fingerprint: "fp-1", StartsAt: base, Occurrences: 1, ReceivedAt: base}
	if err := m.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	inc.Alerts = append(inc.Alerts, alert)
	inc.AppendTimeline(model.TimelineEntry{At: base.Add(time.Minute), Actor: model.ActorSystem, Kind: model.TimelineAlertCorrelated, Message: "al-1"})
	if err := m.UpdateIncident(ctx, inc); err != nil {
		t.Fatalf("UpdateIncident: %v", err)
	}

	got, _ := m.GetIncident(ctx, "inc-1")
	if len(got.Alerts) != 1 || got.Alerts[0].ID != "al-1" {
		t.Fatalf("alerts not persisted: %#v", got.Alerts)
	}
	if len(got.Timeline) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(got.Timeline))
	}
}

func TestGetIncidentReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seedIncident(t, m, "inc-1", "svc:checkout", base)

	got, _ := m.GetIncident(ctx, "inc-1")
	got.Severity = model.SeverityP0
	got.Timeline[0].Message = "mutated"

	again, _ := m.GetIncident(ctx, "inc-1")
	if again.Severity == model.SeverityP0 || again.Timeline[0].Message == "mutated" {
		t.Fatalf("store leaked internal state")
	}
}

func TestOpenIncidentsByKeyNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seedIncident(t, m, "inc-old", "svc:checkout", base)
	seedIncident(t, m, "inc-new", "svc:checkout", base.Add(5*time.Minute))
	resolved := seedIncident(t, m, "inc-done", "svc:checkout", base.Add(6*time.Minute))
	resolved.Status = model.StatusInvestigating
	if err := m.UpdateIncident(ctx, resolved); err != nil {
		t.Fatalf("update: %v", err)
	}
	resolved.Status = model.StatusMonitoring
	if err := m.UpdateIncident(ctx, resolved); err != nil {
		t.Fatalf("update: %v", err)
	}
	resolved.Status = model.StatusResolved
	if err := m.UpdateIncident(ctx, resolved); err != nil {
		t.Fatalf("update: %v", err)
	}
	seedIncident(t, m, "inc-other", "svc:payments", base.Add(7*time.Minute))

	got, err := m.OpenIncidentsByKey(ctx, "svc:checkout")
	if err != nil {
		t.Fatalf("OpenIncidentsByKey: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("open incidents = %d, want 2", len(got))
	}
	if got[0].ID != "inc-new" || got[1].ID != "inc-old" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestListIncidentsFilterAndCursor(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"inc-a", "inc-b", "inc-c"} {
		seedIncident(t, m, id, "k", base.Add(time.Duration(i)*time.Minute))
	}

	got, err := m.ListIncidents(ctx, ListQuery{Status: model.StatusOpen, Limit: 2})
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(got) != 2 || got[0].ID != "inc-c" {
		t.Fatalf("unexpected page: %#v", got)
	}
	if got[0].Timeline != nil {
		t.Fatalf("list should not hydrate timeline")
	}

	got, err = m.ListIncidents(ctx, ListQuery{Before: base.Add(time.Minute), Limit: 10})
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(got) != 2 || got[0].ID != "inc-b" {
		t.Fatalf("cursor page wrong: %#v", got)
	}
}

func TestIncrementAlertOccurrences(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	old := &model.Alert{ID: "al-1", Fingerprint: "fp", Occurrences: 1, ReceivedAt: base}
	newer := &model.Alert{ID: "al-2", Fingerprint: "fp", Occurrences: 1, ReceivedAt: base.Add(time.Minute)}
	_ = m.CreateAlert(ctx, old)
	_ = m.CreateAlert(ctx, newer)

	got, err := m.IncrementAlertOccurrences(ctx, "fp")
	if err != nil {
		t.Fatalf("IncrementAlertOccurrences: %v", err)
	}
	if got.ID != "al-2" || got.Occurrences != 2 {
		t.Fatalf("wrong alert bumped: %#v", got)
	}

	if _, err := m.IncrementAlertOccurrences(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("missing fingerprint should be ErrNotFound, got %v", err)
	}
}

func TestReportLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r := &model.PostIncidentReport{ID: "rep-1", IncidentID: "inc-1", RootCause: "bad deploy", GeneratedAt: time.Now()}
	if err := m.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if err := m.ApproveReport(ctx, "rep-1", "dana"); err != nil {
		t.Fatalf("ApproveReport: %v", err)
	}

	// regeneration keeps the first id and the approval
	r2 := &model.PostIncidentReport{ID: "rep-2", IncidentID: "inc-1", RootCause: "bad deploy", GeneratedAt: time.Now()}
	if err := m.SaveReport(ctx, r2); err != nil {
		t.Fatalf("SaveReport again: %v", err)
	}
	got, err := m.GetReport(ctx, "inc-1")
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.ApprovedBy != "dana" {
		t.Fatalf("approval lost on regeneration: %q", got.ApprovedBy)
	}
	if got.ID != "rep-1" {
		t.Fatalf("report id should be stable across regenerations, got %q", got.ID)
	}
	byID, err := m.GetReportByID(ctx, "rep-1")
	if err != nil || byID.IncidentID != "inc-1" {
		t.Fatalf("GetReportByID: %v %#v", err, byID)
	}
}
