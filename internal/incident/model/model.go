package model

import "time"

// Severity is the canonical incident severity scale. P0 is the most severe.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

var severityRank = map[Severity]int{
	SeverityP0: 0,
	SeverityP1: 1,
	SeverityP2: 2,
	SeverityP3: 3,
	SeverityP4: 4,
}

// ParseSeverity accepts a canonical severity code ("P0".."P4").
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(s)
	_, ok := severityRank[sev]
	return sev, ok
}

// Valid reports whether s is one of the canonical codes.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// HigherThan reports whether s is strictly more severe than o (P0 > P1 > ... > P4).
func (s Severity) HigherThan(o Severity) bool {
	sr, ok1 := severityRank[s]
	or, ok2 := severityRank[o]
	return ok1 && ok2 && sr < or
}

// Rank returns the numeric position of s on the scale, P0=0 through P4=4.
// Unknown severities rank below P4.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// Status is the incident lifecycle state.
type Status string

const (
	StatusOpen          Status = "Open"
	StatusInvestigating Status = "Investigating"
	StatusMitigating    Status = "Mitigating"
	StatusMonitoring    Status = "Monitoring"
	StatusResolved      Status = "Resolved"
	StatusClosed        Status = "Closed"
)

var statusTransitions = map[Status][]Status{
	StatusOpen:          {StatusInvestigating, StatusClosed},
	StatusInvestigating: {StatusMitigating, StatusMonitoring, StatusClosed},
	StatusMitigating:    {StatusMonitoring, StatusInvestigating, StatusClosed},
	StatusMonitoring:    {StatusResolved, StatusInvestigating, StatusClosed},
	StatusResolved:      {StatusClosed},
}

// ParseStatus validates a lifecycle status string.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	if st == StatusClosed {
		return st, true
	}
	_, ok := statusTransitions[st]
	return st, ok
}

// ValidTransition reports whether an incident may move from one status to another.
// Closed is reachable from every non-terminal state (operator cancel); Resolved
// moves to Closed only through report approval, enforced by the caller.
func ValidTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Timeline entry actor for automated pipeline activity. Operator actions carry
// the operator identity instead.
const ActorSystem = "system"

// Timeline entry kinds. Every automated action appends one of these so that
// state changes are never invisible to operators.
const (
	TimelineIncidentCreated      = "incident_created"
	TimelineAlertCorrelated      = "alert_correlated"
	TimelineCorrelationAmbiguity = "correlation_ambiguity"
	TimelineSeverityApplied      = "severity_applied"
	TimelineSeverityRecommended  = "severity_recommended"
	TimelineSeverityOverridden   = "severity_overridden"
	TimelineEnrichmentAttached   = "enrichment_attached"
	TimelineRunbookSelected      = "runbook_selected"
	TimelineRunbookNotFound      = "runbook_not_found"
	TimelineDiagnosisStep        = "diagnosis_step"
	TimelineMitigationStep       = "mitigation_step"
	TimelineMitigationFailed     = "mitigation_failed"
	TimelineMitigationSkipped    = "mitigation_skipped"
	TimelineRollbackDecision     = "rollback_decision"
	TimelineRollbackExecuted     = "rollback_executed"
	TimelineRollbackVerified     = "rollback_verified"
	TimelineRollbackDeferred     = "rollback_deferred"
	TimelineApprovalRequested    = "approval_requested"
	TimelineRollbackApproved     = "rollback_approved"
	TimelineStatusChanged        = "status_changed"
	TimelineAcknowledged         = "acknowledged"
	TimelineEscalated            = "escalated"
	TimelineCancelled            = "cancelled"
	TimelineClosed               = "closed"
	TimelineTerminatedEarly      = "terminated_early"
	TimelineReportGenerated      = "report_generated"
	TimelineReportApproved       = "report_approved"
)

// TimelineEntry is one immutable, timestamp-ordered record of incident activity.
type TimelineEntry struct {
	At      time.Time `json:"at"`
	Actor   string    `json:"actor"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Reason  string    `json:"reason,omitempty"`
}

// Alert is a single normalized signal from a monitoring source. Immutable once
// ingested; only Occurrences moves, counting suppressed duplicates.
type Alert struct {
	ID           string            `json:"id"`
	Source       string            `json:"source"`
	AlertName    string            `json:"alert_name"`
	SeverityHint Severity          `json:"severity_hint,omitempty"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	StartsAt     time.Time         `json:"starts_at"`
	Fingerprint  string            `json:"fingerprint"`
	Occurrences  int               `json:"occurrences"`
	ReceivedAt   time.Time         `json:"received_at"`
}

// Service returns the service label, empty when the alert carries none.
func (a *Alert) Service() string { return a.Labels["service"] }

// Version returns the version label, empty when the alert carries none.
func (a *Alert) Version() string { return a.Labels["version"] }

// Deployment is one row from the deployment history provider.
type Deployment struct {
	Service                string    `json:"service"`
	Version                string    `json:"version"`
	DeployedAt             time.Time `json:"deployed_at"`
	PreviousVersion        string    `json:"previous_version"`
	PreviousVersionHealthy bool      `json:"previous_version_healthy"`
}

// FeatureFlag is one active flag reported by the flag provider.
type FeatureFlag struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// EnrichmentSnapshot carries the context gathered for root cause analysis.
// Partial is set when any provider failed; the failed sections stay empty and
// the failures are listed for the audit trail.
type EnrichmentSnapshot struct {
	Deployments  []Deployment       `json:"deployments,omitempty"`
	ChangedFiles []string           `json:"changed_files,omitempty"`
	FeatureFlags []FeatureFlag      `json:"feature_flags,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Partial      bool               `json:"partial"`
	Failures     []string           `json:"failures,omitempty"`
	CollectedAt  time.Time          `json:"collected_at"`
}

// Decision is the rollback engine's verdict.
type Decision string

const (
	DecisionAutoRollback    Decision = "auto_rollback"
	DecisionRequireApproval Decision = "require_approval"
	DecisionNoAction        Decision = "no_action"
)

// RollbackOutcome records what happened after a rollback decision.
type RollbackOutcome string

const (
	RollbackOutcomeRecovered  RollbackOutcome = "recovered"
	RollbackOutcomeNoRecovery RollbackOutcome = "no_recovery"
	RollbackOutcomeDeferred   RollbackOutcome = "deferred"
	RollbackOutcomeApproved   RollbackOutcome = "approved"
)

// SafetyCheck is one gate result from the rollback decision engine.
type SafetyCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RollbackDecision is the audited output of one rollback evaluation.
// An incident holds at most one active decision at a time.
type RollbackDecision struct {
	IncidentID       string             `json:"incident_id"`
	Service          string             `json:"service"`
	Version          string             `json:"version"`
	TriggerSnapshot  map[string]float64 `json:"trigger_snapshot,omitempty"`
	SafetyChecks     []SafetyCheck      `json:"safety_checks,omitempty"`
	Decision         Decision           `json:"decision"`
	DecidedAt        time.Time          `json:"decided_at"`
	ExecutedAt       *time.Time         `json:"executed_at,omitempty"`
	Outcome          RollbackOutcome    `json:"outcome,omitempty"`
	PreRollbackState map[string]float64 `json:"pre_rollback_state,omitempty"`
}

// DeliveryStatus tracks a notification through its lifecycle.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryCancelled DeliveryStatus = "cancelled"
	DeliveryBatched   DeliveryStatus = "batched"
)

// Notification is one scheduled delivery to a role over a channel.
type Notification struct {
	ID             string         `json:"id"`
	IncidentID     string         `json:"incident_id"`
	Severity       Severity       `json:"severity"`
	Role           string         `json:"role"`
	Channel        string         `json:"channel"`
	Message        string         `json:"message"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	Attempts       int            `json:"attempts"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
}

// ActionItem is one follow-up tracked by a post-incident report.
type ActionItem struct {
	Summary string    `json:"summary"`
	Owner   string    `json:"owner"`
	DueDate time.Time `json:"due_date"`
	Status  string    `json:"status"`
}

// ReportDurations are the computed lifecycle deltas for a report.
type ReportDurations struct {
	TimeToDetect      time.Duration `json:"time_to_detect"`
	TimeToAcknowledge time.Duration `json:"time_to_acknowledge"`
	TimeToMitigate    time.Duration `json:"time_to_mitigate"`
	TimeToResolve     time.Duration `json:"time_to_resolve"`
}

// PostIncidentReport is the structured closing artifact of an incident.
// Generation is deterministic for the same resolved incident state, excluding
// GeneratedAt. ApprovedBy stays empty until a human signs off; close requires it.
type PostIncidentReport struct {
	ID                  string          `json:"id"`
	IncidentID          string          `json:"incident_id"`
	Timeline            []TimelineEntry `json:"timeline"`
	Durations           ReportDurations `json:"durations"`
	RootCause           string          `json:"root_cause"`
	ContributingFactors []string        `json:"contributing_factors,omitempty"`
	ActionItems         []ActionItem    `json:"action_items,omitempty"`
	GeneratedAt         time.Time       `json:"generated_at"`
	ApprovedBy          string          `json:"approved_by,omitempty"`
}

// Incident is the tracked unit of an operational problem spanning one or more
// correlated alerts. Version implements optimistic concurrency: every store
// write compares it and bumps it.
type Incident struct {
	ID             string   `json:"id"`
	Status         Status   `json:"status"`
	Severity       Severity `json:"severity"`
	CorrelationKey string   `json:"correlation_key"`

	// SeverityRecommendation records a classifier result lower than the
	// applied severity; downgrades require a human override.
	SeverityRecommendation Severity `json:"severity_recommendation,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	DetectedAt     time.Time  `json:"detected_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	MitigatedAt    *time.Time `json:"mitigated_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	// Sliding correlation window. WindowExpiresAt moves forward with each
	// correlated alert, never past HardDeadline.
	WindowExpiresAt time.Time `json:"window_expires_at"`
	HardDeadline    time.Time `json:"hard_deadline"`

	Alerts           []*Alert            `json:"alerts"`
	Enrichment       *EnrichmentSnapshot `json:"enrichment,omitempty"`
	RunbookID        string              `json:"runbook_id,omitempty"`
	RollbackDecision *RollbackDecision   `json:"rollback_decision,omitempty"`
	Timeline         []TimelineEntry     `json:"timeline"`
	Commander        string              `json:"commander,omitempty"`

	// MitigationFailed marks the sub-state entered after mitigation retries
	// are exhausted.
	MitigationFailed bool `json:"mitigation_failed,omitempty"`

	// AutomationHeld blocks further automatic remediation until an operator
	// approves; set after a failed post-rollback verification.
	AutomationHeld bool `json:"automation_held,omitempty"`

	// Cancelled marks an operator-cancelled incident; pending steps and
	// notifications abort when they observe it.
	Cancelled bool `json:"cancelled,omitempty"`

	Version int64 `json:"version"`
}

// AppendTimeline appends an entry, keeping the timeline timestamp-monotonic.
// A zero At is stamped with the current time; an At behind the last entry is
// clamped to it.
func (i *Incident) AppendTimeline(e TimelineEntry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if n := len(i.Timeline); n > 0 && e.At.Before(i.Timeline[n-1].At) {
		e.At = i.Timeline[n-1].At
	}
	i.Timeline = append(i.Timeline, e)
}

// Halted reports whether pipeline work on this incident must stop.
func (i *Incident) Halted() bool {
	return i.Cancelled || i.Status == StatusClosed
}

// LatestAlert returns the most recently appended alert, nil when empty.
func (i *Incident) LatestAlert() *Alert {
	if len(i.Alerts) == 0 {
		return nil
	}
	return i.Alerts[len(i.Alerts)-1]
}

// ImplicatedDeployment reports the service and version under suspicion when the
// incident's alerts carry both labels. The rollback engine only evaluates
// incidents with an implicated deployment.
func (i *Incident) ImplicatedDeployment() (service, version string, ok bool) {
	for _, a := range i.Alerts {
		if s, v := a.Service(), a.Version(); s != "" && v != "" {
			return s, v, true
		}
	}
	return "", "", false
}

// IncidentEvent is the payload handed from the correlation engine to the
// remediation pipeline consumer.
type IncidentEvent struct {
	IncidentID string    `json:"incident_id"`
	AlertID    string    `json:"alert_id"`
	Service    string    `json:"service,omitempty"`
	Version    string    `json:"version,omitempty"`
	Created    bool      `json:"created"`
	At         time.Time `json:"at"`
}
