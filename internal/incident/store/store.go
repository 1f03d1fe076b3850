package store

import (
	"context"
	"errors"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by UpdateIncident when the stored
	// incident version no longer matches; the caller reloads and retries.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrAlreadyExists is returned on duplicate create.
	ErrAlreadyExists = errors.New("store: already exists")
)

// ListQuery filters ListIncidents. Zero values mean no filter. Before is a
// created_at cursor for paging, newest first.
type ListQuery struct {
	Status model.Status
	Before time.Time
	Limit  int
}

// Store abstracts persistence for alerts, incidents, notifications and
// reports. Incident writes use optimistic concurrency: UpdateIncident
// compares the version column, bumps it on success and reports
// ErrVersionConflict on a lost race. Alert and timeline collections are
// append-only; UpdateIncident persists entries appended in memory beyond
// the stored count and never rewrites existing rows.
type Store interface {
	// Alerts
	CreateAlert(ctx context.Context, a *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	// IncrementAlertOccurrences bumps the dedup counter of the newest alert
	// carrying the fingerprint and returns the updated record.
	IncrementAlertOccurrences(ctx context.Context, fingerprint string) (*model.Alert, error)

	// Incidents
	CreateIncident(ctx context.Context, inc *model.Incident) error
	GetIncident(ctx context.Context, id string) (*model.Incident, error)
	UpdateIncident(ctx context.Context, inc *model.Incident) error
	// AppendTimeline appends entries without touching incident fields or
	// the version; use it for audit notes outside a field update.
	AppendTimeline(ctx context.Context, incidentID string, entries ...model.TimelineEntry) error
	ListIncidents(ctx context.Context, q ListQuery) ([]*model.Incident, error)
	// OpenIncidentsByKey returns non-terminal incidents for a correlation
	// key, newest first.
	OpenIncidentsByKey(ctx context.Context, key string) ([]*model.Incident, error)

	// Notifications
	CreateNotification(ctx context.Context, n *model.Notification) error
	GetNotification(ctx context.Context, id string) (*model.Notification, error)
	UpdateNotification(ctx context.Context, n *model.Notification) error
	ListNotifications(ctx context.Context, incidentID string) ([]*model.Notification, error)

	// Reports
	// SaveReport upserts by incident; a regenerated report keeps its first
	// id and its approval state.
	SaveReport(ctx context.Context, r *model.PostIncidentReport) error
	GetReport(ctx context.Context, incidentID string) (*model.PostIncidentReport, error)
	GetReportByID(ctx context.Context, id string) (*model.PostIncidentReport, error)
	ApproveReport(ctx context.Context, reportID, approver string) error
}
