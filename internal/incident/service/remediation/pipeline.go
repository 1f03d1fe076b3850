// Package remediation drives the automated response to incidents. A pool of
// workers consumes incident events from correlation and walks each incident
// through enrichment, severity classification, runbook execution, and
// rollback evaluation; a sweeper resolves incidents whose observation window
// passed without a new alert. Every automated action lands on the incident
// timeline and fans out as a notification, whatever its own outcome.
package remediation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/metrics"
	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/service/classifier"
	"github.com/cureops/incidentd/internal/incident/service/report"
	"github.com/cureops/incidentd/internal/incident/service/runbook"
	"github.com/cureops/incidentd/internal/incident/store"
)

// casAttempts bounds optimistic-concurrency retries when committing pipeline
// results over concurrent writers.
const casAttempts = 3

// Config bounds the pipeline consumer.
type Config struct {
	// Workers is how many events are processed concurrently. Events for one
	// incident may interleave; the store's version checks arbitrate.
	Workers int
	// ObservationWindow is how long a remediated incident stays in
	// Monitoring before it resolves.
	ObservationWindow time.Duration
	// SweepInterval is how often monitoring incidents are checked for
	// completed windows.
	SweepInterval time.Duration
	// SweepBatch caps how many monitoring incidents one sweep examines.
	SweepBatch int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ObservationWindow <= 0 {
		c.ObservationWindow = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	return c
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Store    store.Store
	Runbooks RunbookSource
	Executor RunbookRunner
	Enricher Enricher
	Rollback RollbackEngine
	Notifier Notifier
	Reports  Reporter
	Windows  Windows
}

// Pipeline consumes incident events and advances each incident through the
// automated response. Failures scoped to one step degrade that step and keep
// the pipeline moving.
type Pipeline struct {
	store    store.Store
	runbooks RunbookSource
	executor RunbookRunner
	enricher Enricher
	rollback RollbackEngine
	notifier Notifier
	reports  Reporter
	windows  Windows
	config   Config
	nowFn    func() time.Time
}

// New creates a pipeline consumer.
func New(deps Deps, config Config) *Pipeline {
	return &Pipeline{
		store:    deps.Store,
		runbooks: deps.Runbooks,
		executor: deps.Executor,
		enricher: deps.Enricher,
		rollback: deps.Rollback,
		notifier: deps.Notifier,
		reports:  deps.Reports,
		windows:  deps.Windows,
		config:   config.withDefaults(),
		nowFn:    time.Now,
	}
}

// Start launches the worker pool and the monitoring sweeper. It returns
// immediately; workers stop when ctx is cancelled or the channel closes.
func (p *Pipeline) Start(ctx context.Context, events <-chan model.IncidentEvent) {
	if events == nil {
		log.Warn().Msg("remediation pipeline started without an event channel; no-op")
		return
	}
	for i := 0; i < p.config.Workers; i++ {
		go p.consume(ctx, events)
	}
	go p.sweep(ctx)
	log.Info().
		Int("workers", p.config.Workers).
		Dur("observation_window", p.config.ObservationWindow).
		Msg("remediation pipeline started")
}

func (p *Pipeline) consume(ctx context.Context, events <-chan model.IncidentEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Handle(ctx, ev)
		}
	}
}

func (p *Pipeline) sweep(ctx context.Context) {
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.resolveDue(ctx)
		}
	}
}

// Handle processes one incident event end to end.
func (p *Pipeline) Handle(ctx context.Context, ev model.IncidentEvent) {
	p.runbooks.MaybeReload()

	reopened := p.interruptObservation(ctx, ev)

	inc, err := p.store.GetIncident(ctx, ev.IncidentID)
	if err != nil {
		log.Error().Err(err).Str("incident_id", ev.IncidentID).Msg("failed to load incident for event")
		return
	}

	if inc.Halted() {
		if err := p.store.AppendTimeline(ctx, inc.ID, model.TimelineEntry{
			At:      p.nowFn().UTC(),
			Actor:   model.ActorSystem,
			Kind:    model.TimelineTerminatedEarly,
			Message: fmt.Sprintf("processing of alert %s terminated early", ev.AlertID),
			Reason:  "incident cancelled or closed",
		}); err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to record terminated-early entry")
		}
		return
	}

	wasOpen := inc.Status == model.StatusOpen
	base := len(inc.Timeline)

	if inc.Enrichment == nil {
		p.enrich(ctx, inc)
	}
	raised := p.classify(inc)

	if ev.Created {
		metrics.IncidentsCreated.WithLabelValues(string(inc.Severity)).Inc()
	}
	if wasOpen {
		p.transition(inc, model.StatusInvestigating, "automated investigation started")
	}

	if len(inc.Timeline) > base {
		if err := p.persist(ctx, inc, base); err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to persist investigation state")
			return
		}
	}

	switch {
	case ev.Created:
		p.notifier.Schedule(ctx, inc, fmt.Sprintf("incident opened for %s at severity %s", inc.CorrelationKey, inc.Severity))
	case raised:
		p.notifier.Schedule(ctx, inc, fmt.Sprintf("severity raised to %s after alert %s", inc.Severity, ev.AlertID))
	}

	if inc.Status != model.StatusInvestigating {
		return
	}
	if !wasOpen && !raised && reopened != ev.IncidentID {
		// Correlation-only update: the response already under way covers it.
		return
	}

	p.respond(ctx, inc)
}

// interruptObservation cancels the observation window covering the event's
// service, if any, and reopens the investigation on the incident that
// started it. A new alert during monitoring means the remediation did not
// hold. Returns the reopened incident's id.
func (p *Pipeline) interruptObservation(ctx context.Context, ev model.IncidentEvent) string {
	if ev.Service == "" {
		return ""
	}
	window, err := p.windows.Check(ctx, ev.Service, ev.Version)
	if err != nil {
		log.Error().Err(err).Str("service", ev.Service).Msg("failed to check observation window")
		return ""
	}
	if window == nil {
		return ""
	}

	log.Warn().
		Str("service", ev.Service).
		Str("version", ev.Version).
		Str("alert_id", ev.AlertID).
		Str("incident_id", window.IncidentID).
		Msg("new alert during observation window, reopening investigation")

	inc, err := p.store.GetIncident(ctx, window.IncidentID)
	if err != nil {
		log.Error().Err(err).Str("incident_id", window.IncidentID).Msg("failed to load monitored incident")
		return ""
	}
	if inc.Status == model.StatusMonitoring && !inc.Halted() {
		base := len(inc.Timeline)
		p.transition(inc, model.StatusInvestigating, fmt.Sprintf("alert %s arrived during the observation window", ev.AlertID))
		if err := p.persist(ctx, inc, base); err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to reopen monitored incident")
			return ""
		}
		p.notifier.Schedule(ctx, inc, "new alert during observation, investigation reopened")
	}

	// The window is dropped only after the reopen persisted, so a failed
	// write cannot leave the incident monitoring without a window.
	if err := p.windows.Cancel(ctx, ev.Service, ev.Version); err != nil {
		log.Error().Err(err).Str("service", ev.Service).Msg("failed to cancel observation window")
	}
	return window.IncidentID
}

// enrich attaches the context snapshot. Partial or failed collection degrades
// the snapshot, never the pipeline.
func (p *Pipeline) enrich(ctx context.Context, inc *model.Incident) {
	snapshot, err := p.enricher.Collect(ctx, inc)
	if err != nil {
		log.Warn().Err(err).Str("incident_id", inc.ID).Msg("enrichment degraded")
	}
	inc.Enrichment = snapshot

	entry := model.TimelineEntry{
		Actor: model.ActorSystem,
		Kind:  model.TimelineEnrichmentAttached,
		Message: fmt.Sprintf("enrichment snapshot attached: %d deployments, %d feature flags",
			len(snapshot.Deployments), len(snapshot.FeatureFlags)),
	}
	if snapshot.Partial {
		entry.Reason = "partial: " + strings.Join(snapshot.Failures, "; ")
	}
	inc.AppendTimeline(entry)
}

// classify re-evaluates severity from the current alert set and enrichment.
// A strictly higher verdict applies immediately; a lower one is recorded as a
// recommendation since downgrades require a human override.
func (p *Pipeline) classify(inc *model.Incident) bool {
	verdict, rationale := classifier.Classify(inc.Alerts, inc.Enrichment)
	switch {
	case verdict.HigherThan(inc.Severity):
		prev := inc.Severity
		inc.Severity = verdict
		inc.SeverityRecommendation = ""
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineSeverityApplied,
			Message: fmt.Sprintf("severity %s applied (was %s)", verdict, prev),
			Reason:  rationale,
		})
		return true
	case inc.Severity.HigherThan(verdict) && inc.SeverityRecommendation != verdict:
		inc.SeverityRecommendation = verdict
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineSeverityRecommended,
			Message: fmt.Sprintf("classifier recommends %s, downgrade held for operator override", verdict),
			Reason:  rationale,
		})
	}
	return false
}

// respond selects and executes the runbook, evaluates rollback, and settles
// the incident into Monitoring or back into Investigating.
func (p *Pipeline) respond(ctx context.Context, inc *model.Incident) {
	base := len(inc.Timeline)

	rb, err := p.runbooks.Select(inc)
	if err != nil {
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineRunbookNotFound,
			Message: "no runbook matches, escalated to on-call",
			Reason:  err.Error(),
		})
		if perr := p.persist(ctx, inc, base); perr != nil {
			log.Error().Err(perr).Str("incident_id", inc.ID).Msg("failed to persist runbook escalation")
			return
		}
		p.notifier.Schedule(ctx, inc, "no runbook matches this incident; manual response required")
		return
	}

	inc.RunbookID = rb.ID
	inc.AppendTimeline(model.TimelineEntry{
		Actor:   model.ActorSystem,
		Kind:    model.TimelineRunbookSelected,
		Message: fmt.Sprintf("runbook %s selected", rb.ID),
	})
	if !p.transition(inc, model.StatusMitigating, fmt.Sprintf("executing runbook %s", rb.ID)) {
		if perr := p.persist(ctx, inc, base); perr != nil {
			log.Error().Err(perr).Str("incident_id", inc.ID).Msg("failed to persist runbook selection")
		}
		return
	}
	// Mitigating is persisted before execution so operators watch it live
	// and can cancel mid-run.
	if err := p.persist(ctx, inc, base); err != nil {
		log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to persist mitigating state")
		return
	}
	p.notifier.Schedule(ctx, inc, fmt.Sprintf("status changed to Mitigating, running runbook %s", rb.ID))

	base = len(inc.Timeline)
	result := p.executor.Execute(ctx, inc, rb)
	if result.TerminatedEarly {
		if err := p.persist(ctx, inc, base); err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to persist terminated runbook")
		}
		return
	}

	executedBefore := inc.RollbackDecision != nil && inc.RollbackDecision.ExecutedAt != nil
	decision, derr := p.rollback.Evaluate(ctx, inc)
	if derr != nil {
		// Lock timeouts and execution failures are already on the timeline.
		log.Warn().Err(derr).Str("incident_id", inc.ID).Msg("rollback evaluation did not complete")
	}
	recovered := false
	if decision != nil && decision.ExecutedAt != nil && !executedBefore {
		outcome, verr := p.rollback.Verify(ctx, inc)
		if verr != nil {
			log.Error().Err(verr).Str("incident_id", inc.ID).Msg("rollback verification failed")
		}
		recovered = outcome == model.RollbackOutcomeRecovered
	}

	p.settle(ctx, inc, result, decision, recovered, base)
}

// settle picks the post-execution state and fans the outcome out.
func (p *Pipeline) settle(ctx context.Context, inc *model.Incident, result *runbook.Result, decision *model.RollbackDecision, recovered bool, base int) {
	mitigated := result.MitigationRun && !result.MitigationFailed

	var message string
	switch {
	case decision != nil && decision.Outcome == model.RollbackOutcomeNoRecovery:
		p.transition(inc, model.StatusInvestigating, "remediation did not restore service health")
		message = fmt.Sprintf("rollback of %s did not restore health; severity %s, automation held", decision.Service, inc.Severity)
	case mitigated || recovered:
		p.transition(inc, model.StatusMonitoring, "remediation applied, observing")
		message = fmt.Sprintf("remediation applied, monitoring for %s", p.config.ObservationWindow)
	case result.MitigationFailed:
		p.transition(inc, model.StatusInvestigating, "mitigation exhausted its retries")
		message = fmt.Sprintf("mitigation failed, escalated to %s", result.EscalateTo)
	case result.ApprovalRequested || (decision != nil && decision.Decision == model.DecisionRequireApproval):
		p.transition(inc, model.StatusInvestigating, "automatic remediation requires approval")
		message = "automatic remediation withheld pending approval"
	default:
		p.transition(inc, model.StatusInvestigating, "no automatic remediation applied")
		message = "no automatic remediation applied; manual response required"
	}

	if err := p.persist(ctx, inc, base); err != nil {
		log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to persist remediation outcome")
		return
	}
	p.notifier.Schedule(ctx, inc, message)

	if inc.Status == model.StatusMonitoring {
		service, version := observationKey(inc)
		if err := p.windows.Start(ctx, service, version, inc.ID, p.config.ObservationWindow); err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to start observation window")
		}
	}
}

// resolveDue resolves monitoring incidents whose observation window passed
// without a new alert.
func (p *Pipeline) resolveDue(ctx context.Context) {
	stubs, err := p.store.ListIncidents(ctx, store.ListQuery{Status: model.StatusMonitoring, Limit: p.config.SweepBatch})
	if err != nil {
		log.Error().Err(err).Msg("failed to list monitoring incidents")
		return
	}

	for _, stub := range stubs {
		inc, err := p.store.GetIncident(ctx, stub.ID)
		if err != nil {
			log.Error().Err(err).Str("incident_id", stub.ID).Msg("failed to load monitoring incident")
			continue
		}
		if inc.Status != model.StatusMonitoring || inc.Halted() {
			continue
		}

		service, version := observationKey(inc)
		window, err := p.windows.Check(ctx, service, version)
		if err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to check observation window")
			continue
		}
		if window != nil {
			continue
		}
		// A lost window record holds the incident for the full period rather
		// than resolving it early.
		if inc.MitigatedAt != nil && p.nowFn().Before(inc.MitigatedAt.Add(p.config.ObservationWindow)) {
			continue
		}
		p.resolve(ctx, inc)
	}
}

// resolve closes out the observation: the incident resolves and its
// post-incident report is generated for human review.
func (p *Pipeline) resolve(ctx context.Context, inc *model.Incident) {
	base := len(inc.Timeline)
	if !p.transition(inc, model.StatusResolved, "observation window completed with no new alerts") {
		return
	}

	saved, err := p.reports.Generate(ctx, inc)
	if err != nil {
		log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to generate post-incident report")
	}

	if err := p.persist(ctx, inc, base); err != nil {
		log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to persist resolution")
		return
	}

	message := "incident resolved after a clean observation window"
	if saved != nil {
		message = report.Summary(saved)
	}
	p.notifier.Schedule(ctx, inc, message)
	log.Info().Str("incident_id", inc.ID).Msg("incident resolved")
}

// transition moves the incident to the target status, stamping milestone
// timestamps and the timeline. Invalid transitions are refused and logged.
func (p *Pipeline) transition(inc *model.Incident, to model.Status, reason string) bool {
	if inc.Status == to {
		return true
	}
	if !model.ValidTransition(inc.Status, to) {
		log.Warn().
			Str("incident_id", inc.ID).
			Str("from", string(inc.Status)).
			Str("to", string(to)).
			Msg("refusing invalid status transition")
		return false
	}

	from := inc.Status
	now := p.nowFn().UTC()
	inc.Status = to
	switch to {
	case model.StatusMonitoring:
		if inc.MitigatedAt == nil {
			inc.MitigatedAt = &now
		}
	case model.StatusResolved:
		if inc.ResolvedAt == nil {
			inc.ResolvedAt = &now
		}
	}
	inc.AppendTimeline(model.TimelineEntry{
		At:      now,
		Actor:   model.ActorSystem,
		Kind:    model.TimelineStatusChanged,
		Message: fmt.Sprintf("status changed to %s", to),
		Reason:  reason,
	})
	metrics.IncidentTransitions.WithLabelValues(string(from), string(to)).Inc()
	log.Info().
		Str("incident_id", inc.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("incident status changed")
	return true
}

// persist commits the working copy. When a concurrent writer won the version
// race, this round's results are re-applied onto the fresh record and the
// write retried. base is the timeline length when this round of work began.
func (p *Pipeline) persist(ctx context.Context, inc *model.Incident, base int) error {
	var work []model.TimelineEntry
	if base >= 0 && base <= len(inc.Timeline) {
		work = append(work, inc.Timeline[base:]...)
	}

	for attempt := 0; ; attempt++ {
		err := p.store.UpdateIncident(ctx, inc)
		if err == nil {
			return nil
		}
		if err != store.ErrVersionConflict || attempt >= casAttempts-1 {
			return fmt.Errorf("failed to persist incident %s: %w", inc.ID, err)
		}

		fresh, gerr := p.store.GetIncident(ctx, inc.ID)
		if gerr != nil {
			return fmt.Errorf("failed to reload incident %s: %w", inc.ID, gerr)
		}
		mergeWork(fresh, inc, work)
		*inc = *fresh
	}
}

// mergeWork grafts one round of pipeline results from the working copy onto
// a freshly reloaded incident: the round's timeline entries, monotone
// severity, remediation flags and milestones, and the status when the
// transition is still valid from the fresh state.
func mergeWork(fresh, work *model.Incident, entries []model.TimelineEntry) {
	for _, e := range entries {
		fresh.AppendTimeline(e)
	}
	if work.Severity.HigherThan(fresh.Severity) {
		fresh.Severity = work.Severity
		fresh.SeverityRecommendation = ""
	}
	if work.SeverityRecommendation != "" && fresh.Severity.HigherThan(work.SeverityRecommendation) {
		fresh.SeverityRecommendation = work.SeverityRecommendation
	}
	if work.Enrichment != nil && fresh.Enrichment == nil {
		fresh.Enrichment = work.Enrichment
	}
	if work.RunbookID != "" {
		fresh.RunbookID = work.RunbookID
	}
	if work.RollbackDecision != nil {
		fresh.RollbackDecision = work.RollbackDecision
	}
	if work.MitigationFailed {
		fresh.MitigationFailed = true
	}
	if work.AutomationHeld {
		fresh.AutomationHeld = true
	}
	if work.MitigatedAt != nil && fresh.MitigatedAt == nil {
		fresh.MitigatedAt = work.MitigatedAt
	}
	if work.ResolvedAt != nil && fresh.ResolvedAt == nil {
		fresh.ResolvedAt = work.ResolvedAt
	}
	if work.Status != fresh.Status && model.ValidTransition(fresh.Status, work.Status) {
		fresh.Status = work.Status
	}
}

// observationKey derives the window key for an incident: the implicated
// deployment when known, else the alerting service, else the correlation key.
func observationKey(inc *model.Incident) (service, version string) {
	if s, v, ok := inc.ImplicatedDeployment(); ok {
		return s, v
	}
	if latest := inc.LatestAlert(); latest != nil && latest.Service() != "" {
		return latest.Service(), ""
	}
	return inc.CorrelationKey, ""
}
