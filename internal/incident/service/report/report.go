// Package report builds the post-incident closing artifact. Building is pure:
// the same resolved incident state yields the same report, so regeneration is
// idempotent. Entries recording prior generations are excluded from the
// aggregated timeline to keep that property after the first run.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/store"
)

// reviewDue is how long after resolution the follow-up items fall due.
const reviewDue = 7 * 24 * time.Hour

// Generator persists reports and owns the approval gate in front of Close.
type Generator struct {
	store store.Store
	nowFn func() time.Time
}

// NewGenerator creates a report generator.
func NewGenerator(st store.Store) *Generator {
	return &Generator{
		store: st,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// Generate builds and persists the report for a resolved incident, then
// appends the generation entry to the caller's working copy. Regeneration
// upserts: the stored report keeps its first id and any approval already
// granted.
func (g *Generator) Generate(ctx context.Context, inc *model.Incident) (*model.PostIncidentReport, error) {
	if inc.Status != model.StatusResolved {
		return nil, fmt.Errorf("incident %s is %s, reports are generated on resolution", inc.ID, inc.Status)
	}

	r := Build(inc, g.nowFn())
	if err := g.store.SaveReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to save report for incident %s: %w", inc.ID, err)
	}
	saved, err := g.store.GetReport(ctx, inc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload report for incident %s: %w", inc.ID, err)
	}

	inc.AppendTimeline(model.TimelineEntry{
		At:      g.nowFn(),
		Actor:   model.ActorSystem,
		Kind:    model.TimelineReportGenerated,
		Message: fmt.Sprintf("post-incident report %s generated", saved.ID),
	})
	log.Info().Str("incident_id", inc.ID).Str("report_id", saved.ID).Msg("post-incident report generated")
	return saved, nil
}

// Approve records a human sign-off. The approver identity is mandatory.
func (g *Generator) Approve(ctx context.Context, reportID, approver string) error {
	if approver == "" {
		return fmt.Errorf("approver is required")
	}
	if err := g.store.ApproveReport(ctx, reportID, approver); err != nil {
		return err
	}
	log.Info().Str("report_id", reportID).Str("approver", approver).Msg("post-incident report approved")
	return nil
}

// VerifyApproved checks that reportID names this incident's approved report.
// Closing an incident requires it.
func (g *Generator) VerifyApproved(ctx context.Context, incidentID, reportID string) error {
	r, err := g.store.GetReport(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("incident %s has no report: %w", incidentID, err)
	}
	if r.ID != reportID {
		return fmt.Errorf("report %s does not belong to incident %s", reportID, incidentID)
	}
	if r.ApprovedBy == "" {
		return fmt.Errorf("report %s is not approved", reportID)
	}
	return nil
}

// Build assembles the report from a resolved incident's state. One report
// exists per incident, so the id derives from the incident id.
func Build(inc *model.Incident, generatedAt time.Time) *model.PostIncidentReport {
	timeline := make([]model.TimelineEntry, 0, len(inc.Timeline))
	for _, e := range inc.Timeline {
		if e.Kind == model.TimelineReportGenerated {
			continue
		}
		timeline = append(timeline, e)
	}

	return &model.PostIncidentReport{
		ID:                  "pir-" + inc.ID,
		IncidentID:          inc.ID,
		Timeline:            timeline,
		Durations:           durations(inc),
		RootCause:           rootCause(inc),
		ContributingFactors: contributingFactors(inc),
		ActionItems:         actionItems(inc),
		GeneratedAt:         generatedAt,
	}
}

// durations computes the lifecycle deltas, all measured from the detection
// signal. Milestones the incident never reached stay zero.
func durations(inc *model.Incident) model.ReportDurations {
	d := model.ReportDurations{
		TimeToDetect: delta(inc.DetectedAt, inc.CreatedAt),
	}
	if inc.AcknowledgedAt != nil {
		d.TimeToAcknowledge = delta(inc.DetectedAt, *inc.AcknowledgedAt)
	}
	if inc.MitigatedAt != nil {
		d.TimeToMitigate = delta(inc.DetectedAt, *inc.MitigatedAt)
	}
	if inc.ResolvedAt != nil {
		d.TimeToResolve = delta(inc.DetectedAt, *inc.ResolvedAt)
	}
	return d
}

func delta(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// rootCause derives the narrative from the rollback outcome when one exists,
// falling back to the enrichment snapshot.
func rootCause(inc *model.Incident) string {
	if rd := inc.RollbackDecision; rd != nil && rd.ExecutedAt != nil {
		switch rd.Outcome {
		case model.RollbackOutcomeRecovered:
			return fmt.Sprintf("deployment %s of %s: rolling it back restored service health, confirming the release as the root cause",
				rd.Version, rd.Service)
		case model.RollbackOutcomeNoRecovery:
			return fmt.Sprintf("undetermined: rolling back deployment %s of %s did not restore service health, so the release alone does not explain the incident",
				rd.Version, rd.Service)
		}
	}
	if inc.Enrichment != nil && len(inc.Enrichment.Deployments) > 0 {
		d := inc.Enrichment.Deployments[0]
		return fmt.Sprintf("suspected deployment %s of %s (deployed at %s); not confirmed by a rollback",
			d.Version, d.Service, d.DeployedAt.UTC().Format(time.RFC3339))
	}
	return "undetermined from the collected context; manual investigation required"
}

func contributingFactors(inc *model.Incident) []string {
	var factors []string
	if inc.Enrichment != nil {
		if inc.Enrichment.Partial {
			factors = append(factors, "incomplete enrichment: "+strings.Join(inc.Enrichment.Failures, "; "))
		}
		var flags []string
		for _, f := range inc.Enrichment.FeatureFlags {
			if f.Enabled {
				flags = append(flags, f.Name)
			}
		}
		if len(flags) > 0 {
			sort.Strings(flags)
			factors = append(factors, "feature flags active during the incident: "+strings.Join(flags, ", "))
		}
	}
	if inc.MitigationFailed {
		factors = append(factors, "mitigation exhausted its retries before the incident resolved")
	}
	if inc.AutomationHeld {
		factors = append(factors, "automation was held pending approval after a failed recovery")
	}
	if rd := inc.RollbackDecision; rd != nil && rd.Outcome == model.RollbackOutcomeDeferred {
		factors = append(factors, fmt.Sprintf("rollback of %s deferred while another rollback held the service lock", rd.Service))
	}
	if n := flaggedDiagnosisSteps(inc); n > 0 {
		factors = append(factors, fmt.Sprintf("diagnosis flagged %d of the runbook's steps", n))
	}
	return factors
}

// flaggedDiagnosisSteps counts diagnosis entries carrying a reason, which the
// executor sets on discrepancies and step failures.
func flaggedDiagnosisSteps(inc *model.Incident) int {
	n := 0
	for _, e := range inc.Timeline {
		if e.Kind == model.TimelineDiagnosisStep && e.Reason != "" {
			n++
		}
	}
	return n
}

func actionItems(inc *model.Incident) []model.ActionItem {
	owner := inc.Commander
	if owner == "" {
		owner = "service-owner"
	}
	var due time.Time
	if inc.ResolvedAt != nil {
		due = inc.ResolvedAt.Add(reviewDue)
	}
	item := func(summary string) model.ActionItem {
		return model.ActionItem{Summary: summary, Owner: owner, DueDate: due, Status: "open"}
	}

	items := []model.ActionItem{item("hold the post-incident review and sign off on this report")}
	if inc.MitigationFailed && inc.RunbookID != "" {
		items = append(items, item(fmt.Sprintf("revise runbook %s: its mitigation failed during this incident", inc.RunbookID)))
	}
	if rd := inc.RollbackDecision; rd != nil && rd.Outcome == model.RollbackOutcomeNoRecovery {
		items = append(items, item(fmt.Sprintf("investigate why rolling back %s did not restore health", rd.Service)))
	}
	if inc.Enrichment != nil && inc.Enrichment.Partial {
		items = append(items, item("restore enrichment provider coverage so future incidents see full context"))
	}
	return items
}

// Summary is the one-line digest used in resolution notifications.
func Summary(r *model.PostIncidentReport) string {
	return fmt.Sprintf("resolved in %s (detected in %s); root cause: %s",
		r.Durations.TimeToResolve.Round(time.Second),
		r.Durations.TimeToDetect.Round(time.Second),
		r.RootCause)
}

// Render produces the human-readable report document.
func Render(r *model.PostIncidentReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Post-Incident Report %s\n\n", r.ID)
	fmt.Fprintf(&b, "Incident %s\n\n", r.IncidentID)

	b.WriteString("## Durations\n")
	fmt.Fprintf(&b, "- time to detect: %s\n", r.Durations.TimeToDetect)
	fmt.Fprintf(&b, "- time to acknowledge: %s\n", r.Durations.TimeToAcknowledge)
	fmt.Fprintf(&b, "- time to mitigate: %s\n", r.Durations.TimeToMitigate)
	fmt.Fprintf(&b, "- time to resolve: %s\n", r.Durations.TimeToResolve)

	b.WriteString("\n## Root cause\n")
	b.WriteString(r.RootCause)
	b.WriteByte('\n')

	if len(r.ContributingFactors) > 0 {
		b.WriteString("\n## Contributing factors\n")
		for _, f := range r.ContributingFactors {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(r.ActionItems) > 0 {
		b.WriteString("\n## Action items\n")
		for _, a := range r.ActionItems {
			fmt.Fprintf(&b, "- [%s] %s (owner %s, due %s)\n", a.Status, a.Summary, a.Owner, a.DueDate.UTC().Format("2006-01-02"))
		}
	}

	b.WriteString("\n## Timeline\n")
	for _, e := range r.Timeline {
		fmt.Fprintf(&b, "- %s %s %s: %s", e.At.UTC().Format(time.RFC3339), e.Actor, e.Kind, e.Message)
		if e.Reason != "" {
			fmt.Fprintf(&b, " (%s)", e.Reason)
		}
		b.WriteByte('\n')
	}

	if r.ApprovedBy != "" {
		fmt.Fprintf(&b, "\nApproved by %s\n", r.ApprovedBy)
	}
	return b.String()
}
