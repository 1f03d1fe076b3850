package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
)

// Memory is an in-process Store used in tests and when the process runs
// without PostgreSQL. Values are copied on the way in and out so callers
// never share state with the store. Safe for concurrent use.
type Memory struct {
	mu            sync.RWMutex
	alerts        map[string]*model.Alert
	incidents     map[string]*model.Incident
	notifications map[string]*model.Notification
	reports       map[string]*model.PostIncidentReport // keyed by incident id
	reportIndex   map[string]string                    // report id -> incident id
}

func NewMemory() *Memory {
	return &Memory{
		alerts:        make(map[string]*model.Alert),
		incidents:     make(map[string]*model.Incident),
		notifications: make(map[string]*model.Notification),
		reports:       make(map[string]*model.PostIncidentReport),
		reportIndex:   make(map[string]string),
	}
}

func (m *Memory) CreateAlert(_ context.Context, a *model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; ok {
		return ErrAlreadyExists
	}
	m.alerts[a.ID] = copyAlert(a)
	return nil
}

func (m *Memory) GetAlert(_ context.Context, id string) (*model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAlert(a), nil
}

func (m *Memory) IncrementAlertOccurrences(_ context.Context, fingerprint string) (*model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *model.Alert
	for _, a := range m.alerts {
		if a.Fingerprint != fingerprint {
			continue
		}
		if newest == nil || a.ReceivedAt.After(newest.ReceivedAt) {
			newest = a
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	newest.Occurrences++
	return copyAlert(newest), nil
}

func (m *Memory) CreateIncident(_ context.Context, inc *model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.incidents[inc.ID]; ok {
		return ErrAlreadyExists
	}
	m.incidents[inc.ID] = copyIncident(inc, true)
	return nil
}

func (m *Memory) GetIncident(_ context.Context, id string) (*model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIncident(inc, true), nil
}

func (m *Memory) UpdateIncident(_ context.Context, inc *model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.incidents[inc.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != inc.Version {
		return ErrVersionConflict
	}
	next := copyIncident(inc, true)
	next.Version = inc.Version + 1
	// collections are append-only: keep stored entries the caller no longer carries
	if len(stored.Alerts) > len(next.Alerts) {
		next.Alerts = append([]*model.Alert{}, stored.Alerts...)
	}
	if len(stored.Timeline) > len(next.Timeline) {
		next.Timeline = append([]model.TimelineEntry{}, stored.Timeline...)
	}
	m.incidents[inc.ID] = next
	inc.Version++
	return nil
}

func (m *Memory) AppendTimeline(_ context.Context, incidentID string, entries ...model.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[incidentID]
	if !ok {
		return ErrNotFound
	}
	inc.Timeline = append(inc.Timeline, entries...)
	return nil
}

// ListIncidents mirrors the PostgreSQL contract: records come back without
// the alert and timeline collections hydrated.
func (m *Memory) ListIncidents(_ context.Context, q ListQuery) ([]*model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*model.Incident
	for _, inc := range m.incidents {
		if q.Status != "" && inc.Status != q.Status {
			continue
		}
		if !q.Before.IsZero() && inc.CreatedAt.After(q.Before) {
			continue
		}
		out = append(out, copyIncident(inc, false))
	}
	sortIncidentsNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) OpenIncidentsByKey(_ context.Context, key string) ([]*model.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Incident
	for _, inc := range m.incidents {
		if inc.CorrelationKey != key {
			continue
		}
		if inc.Status == model.StatusResolved || inc.Status == model.StatusClosed {
			continue
		}
		out = append(out, copyIncident(inc, true))
	}
	sortIncidentsNewestFirst(out)
	return out, nil
}

func (m *Memory) CreateNotification(_ context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; ok {
		return ErrAlreadyExists
	}
	m.notifications[n.ID] = copyNotification(n)
	return nil
}

func (m *Memory) GetNotification(_ context.Context, id string) (*model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNotification(n), nil
}

func (m *Memory) UpdateNotification(_ context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; !ok {
		return ErrNotFound
	}
	m.notifications[n.ID] = copyNotification(n)
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, incidentID string) ([]*model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Notification
	for _, n := range m.notifications {
		if n.IncidentID == incidentID {
			out = append(out, copyNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

func (m *Memory) SaveReport(_ context.Context, r *model.PostIncidentReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyReport(r)
	if prev, ok := m.reports[r.IncidentID]; ok {
		// regeneration keeps the first id and the approval state
		cp.ID = prev.ID
		cp.ApprovedBy = prev.ApprovedBy
	}
	m.reports[r.IncidentID] = cp
	m.reportIndex[cp.ID] = r.IncidentID
	return nil
}

func (m *Memory) GetReport(_ context.Context, incidentID string) (*model.PostIncidentReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[incidentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReport(r), nil
}

func (m *Memory) GetReportByID(_ context.Context, id string) (*model.PostIncidentReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	incidentID, ok := m.reportIndex[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReport(m.reports[incidentID]), nil
}

func (m *Memory) ApproveReport(_ context.Context, reportID, approver string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	incidentID, ok := m.reportIndex[reportID]
	if !ok {
		return ErrNotFound
	}
	m.reports[incidentID].ApprovedBy = approver
	return nil
}

func sortIncidentsNewestFirst(incs []*model.Incident) {
	sort.Slice(incs, func(i, j int) bool {
		if incs[i].CreatedAt.Equal(incs[j].CreatedAt) {
			return incs[i].ID > incs[j].ID
		}
		return incs[i].CreatedAt.After(incs[j].CreatedAt)
	})
}

func copyAlert(a *model.Alert) *model.Alert {
	cp := *a
	cp.Labels = copyStringMap(a.Labels)
	cp.Annotations = copyStringMap(a.Annotations)
	return &cp
}

func copyIncident(inc *model.Incident, hydrate bool) *model.Incident {
	cp := *inc
	cp.AcknowledgedAt = copyTimePtr(inc.AcknowledgedAt)
	cp.MitigatedAt = copyTimePtr(inc.MitigatedAt)
	cp.ResolvedAt = copyTimePtr(inc.ResolvedAt)
	cp.Alerts = nil
	cp.Timeline = nil
	if hydrate {
		for _, a := range inc.Alerts {
			cp.Alerts = append(cp.Alerts, copyAlert(a))
		}
		cp.Timeline = append(cp.Timeline, inc.Timeline...)
	}
	if inc.Enrichment != nil {
		snap := *inc.Enrichment
		snap.Deployments = append([]model.Deployment{}, inc.Enrichment.Deployments...)
		snap.ChangedFiles = append([]string{}, inc.Enrichment.ChangedFiles...)
		snap.FeatureFlags = append([]model.FeatureFlag{}, inc.Enrichment.FeatureFlags...)
		snap.Failures = append([]string{}, inc.Enrichment.Failures...)
		snap.Metrics = copyFloatMap(inc.Enrichment.Metrics)
		cp.Enrichment = &snap
	}
	if inc.RollbackDecision != nil {
		rd := *inc.RollbackDecision
		rd.TriggerSnapshot = copyFloatMap(inc.RollbackDecision.TriggerSnapshot)
		rd.SafetyChecks = append([]model.SafetyCheck{}, inc.RollbackDecision.SafetyChecks...)
		rd.PreRollbackState = copyFloatMap(inc.RollbackDecision.PreRollbackState)
		rd.ExecutedAt = copyTimePtr(inc.RollbackDecision.ExecutedAt)
		cp.RollbackDecision = &rd
	}
	return &cp
}

func copyNotification(n *model.Notification) *model.Notification {
	cp := *n
	cp.SentAt = copyTimePtr(n.SentAt)
	return &cp
}

func copyReport(r *model.PostIncidentReport) *model.PostIncidentReport {
	cp := *r
	cp.Timeline = append([]model.TimelineEntry{}, r.Timeline...)
	cp.ContributingFactors = append([]string{}, r.ContributingFactors...)
	cp.ActionItems = append([]model.ActionItem{}, r.ActionItems...)
	return &cp
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
