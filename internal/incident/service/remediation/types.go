package remediation

import (
	"context"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/service/runbook"
)

// RunbookSource selects runbooks. The manager hot-reloads between processing
// cycles; an incident keeps the runbook value it started with.
type RunbookSource interface {
	MaybeReload()
	Select(inc *model.Incident) (*runbook.Runbook, error)
}

// RunbookRunner executes a runbook against an incident, appending every step
// to its timeline.
type RunbookRunner interface {
	Execute(ctx context.Context, inc *model.Incident, rb *runbook.Runbook) *runbook.Result
}

// Enricher assembles the incident context snapshot from external providers.
type Enricher interface {
	Collect(ctx context.Context, inc *model.Incident) (*model.EnrichmentSnapshot, error)
}

// RollbackEngine decides, executes, and verifies deployment rollbacks.
type RollbackEngine interface {
	Evaluate(ctx context.Context, inc *model.Incident) (*model.RollbackDecision, error)
	Verify(ctx context.Context, inc *model.Incident) (model.RollbackOutcome, error)
}

// Notifier fans incident updates out to the configured channels.
type Notifier interface {
	Schedule(ctx context.Context, inc *model.Incident, message string) []*model.Notification
}

// Reporter builds and persists post-incident reports on resolution.
type Reporter interface {
	Generate(ctx context.Context, inc *model.Incident) (*model.PostIncidentReport, error)
}

// Window is one active observation period for a service under monitoring. A
// new alert for the same service and version cancels it and reopens the
// investigation on the incident that started it.
type Window struct {
	Service    string        `json:"service"`
	Version    string        `json:"version"`
	IncidentID string        `json:"incident_id"`
	StartedAt  time.Time     `json:"started_at"`
	EndsAt     time.Time     `json:"ends_at"`
	Duration   time.Duration `json:"duration"`
}

// Windows tracks observation periods keyed by service and version.
type Windows interface {
	Start(ctx context.Context, service, version, incidentID string, duration time.Duration) error
	// Check returns the active window for the key, nil when none exists.
	// Expired windows are cleaned up on read.
	Check(ctx context.Context, service, version string) (*Window, error)
	Cancel(ctx context.Context, service, version string) error
}
