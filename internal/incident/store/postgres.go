package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	idb "github.com/cureops/incidentd/internal/incident/database"
	"github.com/cureops/incidentd/internal/incident/model"
)

// PgStore is the PostgreSQL-backed Store. Incident aggregates span four
// tables: incidents (scalar fields + version), incident_alerts and
// incident_timeline (append-only, seq-ordered) and alerts. Writes that touch
// the aggregate run in one transaction.
type PgStore struct {
	db *idb.Database
}

func NewPgStore(db *idb.Database) *PgStore { return &PgStore{db: db} }

const incidentColumns = `id, status, severity, severity_recommendation, correlation_key, commander, runbook_id,
	created_at, detected_at, acknowledged_at, mitigated_at, resolved_at, window_expires_at, hard_deadline,
	enrichment, rollback_decision, mitigation_failed, automation_held, cancelled, version`

func (s *PgStore) CreateAlert(ctx context.Context, a *model.Alert) error {
	labels, _ := json.Marshal(a.Labels)
	annotations, _ := json.Marshal(a.Annotations)
	const q = `
	INSERT INTO alerts(id, source, alert_name, severity_hint, labels, annotations, starts_at, fingerprint, occurrences, received_at)
	VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9, $10)
	`
	_, err := s.db.DB().ExecContext(ctx, q, a.ID, a.Source, a.AlertName, string(a.SeverityHint),
		string(labels), string(annotations), a.StartsAt, a.Fingerprint, a.Occurrences, a.ReceivedAt)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *PgStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	const q = `
	SELECT id, source, alert_name, severity_hint, labels, annotations, starts_at, fingerprint, occurrences, received_at
	FROM alerts WHERE id = $1
	`
	rows, err := s.db.DB().QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanAlert(rows)
}

func (s *PgStore) IncrementAlertOccurrences(ctx context.Context, fingerprint string) (*model.Alert, error) {
	const q = `
	UPDATE alerts SET occurrences = occurrences + 1
	WHERE id = (SELECT id FROM alerts WHERE fingerprint = $1 ORDER BY received_at DESC LIMIT 1)
	RETURNING id, source, alert_name, severity_hint, labels, annotations, starts_at, fingerprint, occurrences, received_at
	`
	rows, err := s.db.DB().QueryContext(ctx, q, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("increment alert occurrences: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanAlert(rows)
}

func scanAlert(rows *sql.Rows) (*model.Alert, error) {
	var (
		a         model.Alert
		hint      string
		labelsRaw []byte
		annotsRaw []byte
	)
	if err := rows.Scan(&a.ID, &a.Source, &a.AlertName, &hint, &labelsRaw, &annotsRaw,
		&a.StartsAt, &a.Fingerprint, &a.Occurrences, &a.ReceivedAt); err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.SeverityHint = model.Severity(hint)
	if len(labelsRaw) > 0 {
		_ = json.Unmarshal(labelsRaw, &a.Labels)
	}
	if len(annotsRaw) > 0 {
		_ = json.Unmarshal(annotsRaw, &a.Annotations)
	}
	return &a, nil
}

func (s *PgStore) CreateIncident(ctx context.Context, inc *model.Incident) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create incident: %w", err)
	}
	defer tx.Rollback()

	enrichment, rollback := marshalIncidentJSON(inc)
	const q = `
	INSERT INTO incidents(` + incidentColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	if _, err := tx.ExecContext(ctx, q,
		inc.ID, string(inc.Status), string(inc.Severity), string(inc.SeverityRecommendation),
		inc.CorrelationKey, inc.Commander, inc.RunbookID,
		inc.CreatedAt, inc.DetectedAt, inc.AcknowledgedAt, inc.MitigatedAt, inc.ResolvedAt,
		inc.WindowExpiresAt, inc.HardDeadline, enrichment, rollback,
		inc.MitigationFailed, inc.AutomationHeld, inc.Cancelled, inc.Version); err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	if err := insertIncidentAlerts(ctx, tx, inc.ID, 0, inc.Alerts); err != nil {
		return err
	}
	if err := insertTimeline(ctx, tx, inc.ID, 0, inc.Timeline); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create incident: %w", err)
	}
	return nil
}

// UpdateIncident compare-and-swaps the incident row on version, appends any
// in-memory alerts and timeline entries past the stored counts, and bumps
// inc.Version on success.
func (s *PgStore) UpdateIncident(ctx context.Context, inc *model.Incident) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update incident: %w", err)
	}
	defer tx.Rollback()

	enrichment, rollback := marshalIncidentJSON(inc)
	const q = `
	UPDATE incidents SET
		status=$2, severity=$3, severity_recommendation=$4, commander=$5, runbook_id=$6,
		acknowledged_at=$7, mitigated_at=$8, resolved_at=$9, window_expires_at=$10, hard_deadline=$11,
		enrichment=$12, rollback_decision=$13, mitigation_failed=$14, automation_held=$15, cancelled=$16,
		version = version + 1
	WHERE id = $1 AND version = $17
	`
	res, err := tx.ExecContext(ctx, q,
		inc.ID, string(inc.Status), string(inc.Severity), string(inc.SeverityRecommendation),
		inc.Commander, inc.RunbookID,
		inc.AcknowledgedAt, inc.MitigatedAt, inc.ResolvedAt, inc.WindowExpiresAt, inc.HardDeadline,
		enrichment, rollback, inc.MitigationFailed, inc.AutomationHeld, inc.Cancelled, inc.Version)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM incidents WHERE id=$1)`, inc.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update incident existence check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	var alertCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM incident_alerts WHERE incident_id=$1`, inc.ID).Scan(&alertCount); err != nil {
		return fmt.Errorf("count incident alerts: %w", err)
	}
	if alertCount < len(inc.Alerts) {
		if err := insertIncidentAlerts(ctx, tx, inc.ID, alertCount, inc.Alerts[alertCount:]); err != nil {
			return err
		}
	}
	var tlCount int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM incident_timeline WHERE incident_id=$1`, inc.ID).Scan(&tlCount); err != nil {
		return fmt.Errorf("count timeline: %w", err)
	}
	if tlCount < len(inc.Timeline) {
		if err := insertTimeline(ctx, tx, inc.ID, tlCount, inc.Timeline[tlCount:]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update incident: %w", err)
	}
	inc.Version++
	return nil
}

func (s *PgStore) AppendTimeline(ctx context.Context, incidentID string, entries ...model.TimelineEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append timeline: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq)+1, 0) FROM incident_timeline WHERE incident_id=$1`, incidentID).Scan(&next); err != nil {
		return fmt.Errorf("next timeline seq: %w", err)
	}
	if err := insertTimeline(ctx, tx, incidentID, next, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append timeline: %w", err)
	}
	return nil
}

func insertIncidentAlerts(ctx context.Context, tx *sql.Tx, incidentID string, startSeq int, alerts []*model.Alert) error {
	const q = `INSERT INTO incident_alerts(incident_id, seq, alert_id) VALUES ($1, $2, $3)`
	for i, a := range alerts {
		if _, err := tx.ExecContext(ctx, q, incidentID, startSeq+i, a.ID); err != nil {
			return fmt.Errorf("insert incident alert: %w", err)
		}
	}
	return nil
}

func insertTimeline(ctx context.Context, tx *sql.Tx, incidentID string, startSeq int, entries []model.TimelineEntry) error {
	const q = `INSERT INTO incident_timeline(incident_id, seq, at, actor, kind, message, reason) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, q, incidentID, startSeq+i, e.At, e.Actor, e.Kind, e.Message, e.Reason); err != nil {
			return fmt.Errorf("insert timeline entry: %w", err)
		}
	}
	return nil
}

func (s *PgStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	const q = `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	rows, err := s.db.DB().QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	inc, err := scanIncident(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()
	if err := s.hydrateIncident(ctx, inc); err != nil {
		return nil, err
	}
	return inc, nil
}

// ListIncidents returns incident records without the alert and timeline
// collections hydrated; use GetIncident for the full aggregate.
func (s *PgStore) ListIncidents(ctx context.Context, q ListQuery) ([]*model.Incident, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	var (
		args  []any
		where string
	)
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	if !q.Before.IsZero() {
		args = append(args, q.Before)
		if where == "" {
			where = fmt.Sprintf(" WHERE created_at <= $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND created_at <= $%d", len(args))
		}
	}
	args = append(args, limit)
	query += where + fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	var out []*model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *PgStore) OpenIncidentsByKey(ctx context.Context, key string) ([]*model.Incident, error) {
	const q = `SELECT ` + incidentColumns + ` FROM incidents
	WHERE correlation_key = $1 AND status NOT IN ('Resolved', 'Closed')
	ORDER BY created_at DESC, id DESC`
	rows, err := s.db.DB().QueryContext(ctx, q, key)
	if err != nil {
		return nil, fmt.Errorf("open incidents by key: %w", err)
	}
	defer rows.Close()
	var out []*model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, inc := range out {
		if err := s.hydrateIncident(ctx, inc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanIncident(rows *sql.Rows) (*model.Incident, error) {
	var (
		inc           model.Incident
		status        string
		severity      string
		severityRec   string
		ackAt         sql.NullTime
		mitAt         sql.NullTime
		resAt         sql.NullTime
		enrichmentRaw []byte
		rollbackRaw   []byte
	)
	if err := rows.Scan(&inc.ID, &status, &severity, &severityRec, &inc.CorrelationKey, &inc.Commander, &inc.RunbookID,
		&inc.CreatedAt, &inc.DetectedAt, &ackAt, &mitAt, &resAt, &inc.WindowExpiresAt, &inc.HardDeadline,
		&enrichmentRaw, &rollbackRaw, &inc.MitigationFailed, &inc.AutomationHeld, &inc.Cancelled, &inc.Version); err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.Status = model.Status(status)
	inc.Severity = model.Severity(severity)
	inc.SeverityRecommendation = model.Severity(severityRec)
	inc.AcknowledgedAt = nullTimePtr(ackAt)
	inc.MitigatedAt = nullTimePtr(mitAt)
	inc.ResolvedAt = nullTimePtr(resAt)
	if len(enrichmentRaw) > 0 {
		var snap model.EnrichmentSnapshot
		if err := json.Unmarshal(enrichmentRaw, &snap); err == nil {
			inc.Enrichment = &snap
		}
	}
	if len(rollbackRaw) > 0 {
		var rd model.RollbackDecision
		if err := json.Unmarshal(rollbackRaw, &rd); err == nil {
			inc.RollbackDecision = &rd
		}
	}
	return &inc, nil
}

func (s *PgStore) hydrateIncident(ctx context.Context, inc *model.Incident) error {
	const alertsQ = `
	SELECT a.id, a.source, a.alert_name, a.severity_hint, a.labels, a.annotations, a.starts_at, a.fingerprint, a.occurrences, a.received_at
	FROM incident_alerts ia JOIN alerts a ON a.id = ia.alert_id
	WHERE ia.incident_id = $1 ORDER BY ia.seq ASC`
	rows, err := s.db.DB().QueryContext(ctx, alertsQ, inc.ID)
	if err != nil {
		return fmt.Errorf("hydrate incident alerts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return err
		}
		inc.Alerts = append(inc.Alerts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	const tlQ = `SELECT at, actor, kind, message, reason FROM incident_timeline WHERE incident_id = $1 ORDER BY seq ASC`
	tlRows, err := s.db.DB().QueryContext(ctx, tlQ, inc.ID)
	if err != nil {
		return fmt.Errorf("hydrate timeline: %w", err)
	}
	defer tlRows.Close()
	for tlRows.Next() {
		var e model.TimelineEntry
		if err := tlRows.Scan(&e.At, &e.Actor, &e.Kind, &e.Message, &e.Reason); err != nil {
			return fmt.Errorf("scan timeline entry: %w", err)
		}
		inc.Timeline = append(inc.Timeline, e)
	}
	return tlRows.Err()
}

func (s *PgStore) CreateNotification(ctx context.Context, n *model.Notification) error {
	const q = `
	INSERT INTO notifications(id, incident_id, severity, role, channel, message, scheduled_at, sent_at, attempts, delivery_status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.DB().ExecContext(ctx, q, n.ID, n.IncidentID, string(n.Severity), n.Role, n.Channel,
		n.Message, n.ScheduledAt, n.SentAt, n.Attempts, string(n.DeliveryStatus))
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *PgStore) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	const q = `
	SELECT id, incident_id, severity, role, channel, message, scheduled_at, sent_at, attempts, delivery_status
	FROM notifications WHERE id = $1
	`
	rows, err := s.db.DB().QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanNotification(rows)
}

func (s *PgStore) UpdateNotification(ctx context.Context, n *model.Notification) error {
	const q = `
	UPDATE notifications SET sent_at=$2, attempts=$3, delivery_status=$4, scheduled_at=$5 WHERE id=$1
	`
	res, err := s.db.DB().ExecContext(ctx, q, n.ID, n.SentAt, n.Attempts, string(n.DeliveryStatus), n.ScheduledAt)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) ListNotifications(ctx context.Context, incidentID string) ([]*model.Notification, error) {
	const q = `
	SELECT id, incident_id, severity, role, channel, message, scheduled_at, sent_at, attempts, delivery_status
	FROM notifications WHERE incident_id = $1 ORDER BY scheduled_at ASC
	`
	rows, err := s.db.DB().QueryContext(ctx, q, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(rows *sql.Rows) (*model.Notification, error) {
	var (
		n        model.Notification
		severity string
		status   string
		sentAt   sql.NullTime
	)
	if err := rows.Scan(&n.ID, &n.IncidentID, &severity, &n.Role, &n.Channel, &n.Message,
		&n.ScheduledAt, &sentAt, &n.Attempts, &status); err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.Severity = model.Severity(severity)
	n.DeliveryStatus = model.DeliveryStatus(status)
	n.SentAt = nullTimePtr(sentAt)
	return &n, nil
}

func (s *PgStore) SaveReport(ctx context.Context, r *model.PostIncidentReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	const q = `
	INSERT INTO incident_reports(id, incident_id, body, generated_at, approved_by)
	VALUES ($1, $2, $3::jsonb, $4, $5)
	ON CONFLICT (incident_id) DO UPDATE SET
		body = EXCLUDED.body,
		generated_at = EXCLUDED.generated_at
	`
	if _, err := s.db.DB().ExecContext(ctx, q, r.ID, r.IncidentID, string(body), r.GeneratedAt, r.ApprovedBy); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *PgStore) GetReport(ctx context.Context, incidentID string) (*model.PostIncidentReport, error) {
	const q = `SELECT id, body, approved_by FROM incident_reports WHERE incident_id = $1`
	return s.getReport(ctx, q, incidentID)
}

func (s *PgStore) GetReportByID(ctx context.Context, id string) (*model.PostIncidentReport, error) {
	const q = `SELECT id, body, approved_by FROM incident_reports WHERE id = $1`
	return s.getReport(ctx, q, id)
}

func (s *PgStore) getReport(ctx context.Context, q, arg string) (*model.PostIncidentReport, error) {
	rows, err := s.db.DB().QueryContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	var (
		id         string
		body       []byte
		approvedBy string
	)
	if err := rows.Scan(&id, &body, &approvedBy); err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	var r model.PostIncidentReport
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	r.ID = id
	r.ApprovedBy = approvedBy
	return &r, nil
}

func (s *PgStore) ApproveReport(ctx context.Context, reportID, approver string) error {
	const q = `UPDATE incident_reports SET approved_by = $2 WHERE id = $1`
	res, err := s.db.DB().ExecContext(ctx, q, reportID, approver)
	if err != nil {
		return fmt.Errorf("approve report: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// marshalIncidentJSON renders the nullable JSONB columns; nil maps to NULL.
func marshalIncidentJSON(inc *model.Incident) (enrichment, rollback any) {
	if inc.Enrichment != nil {
		if b, err := json.Marshal(inc.Enrichment); err == nil {
			enrichment = string(b)
		}
	}
	if inc.RollbackDecision != nil {
		if b, err := json.Marshal(inc.RollbackDecision); err == nil {
			rollback = string(b)
		}
	}
	return enrichment, rollback
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
