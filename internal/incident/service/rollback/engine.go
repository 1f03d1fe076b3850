package rollback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/metrics"
	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/provider"
)

// Config bounds the rollback engine.
type Config struct {
	Triggers TriggerConfig
	Safety   SafetyConfig
	// MaxAutoRollbacks is how many automatic rollbacks a service may execute
	// inside ThrashWindow before further ones are forced to approval.
	MaxAutoRollbacks int
	ThrashWindow     time.Duration
	// LockTTL is the per-service execution lock timeout.
	LockTTL time.Duration
	// VerifyInterval and VerifyAttempts bound the post-rollback verification
	// polling.
	VerifyInterval time.Duration
	VerifyAttempts int
}

func (c Config) withDefaults() Config {
	if c.Triggers.ErrorRateThreshold <= 0 {
		c.Triggers.ErrorRateThreshold = 0.5
	}
	if c.Triggers.LatencyBaselineFactor <= 0 {
		c.Triggers.LatencyBaselineFactor = 3
	}
	if c.Triggers.CrashLoopThreshold <= 0 {
		c.Triggers.CrashLoopThreshold = 3
	}
	if c.Triggers.HealthFailureThreshold <= 0 {
		c.Triggers.HealthFailureThreshold = 0.5
	}
	if c.Triggers.Window <= 0 {
		c.Triggers.Window = 5 * time.Minute
	}
	if c.Triggers.BaselineWindow <= 0 {
		c.Triggers.BaselineWindow = time.Hour
	}
	if c.Safety.MinAge <= 0 {
		c.Safety.MinAge = 5 * time.Minute
	}
	if c.Safety.MaxAge <= 0 {
		c.Safety.MaxAge = 2 * time.Hour
	}
	if c.Safety.MinTrafficFraction <= 0 {
		c.Safety.MinTrafficFraction = 0.1
	}
	if c.MaxAutoRollbacks <= 0 {
		c.MaxAutoRollbacks = 2
	}
	if c.ThrashWindow <= 0 {
		c.ThrashWindow = 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = time.Minute
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = 3
	}
	return c
}

// Engine evaluates rollback triggers and safety gates for incidents with an
// implicated deployment, executes approved rollbacks exactly once per
// service lock, and verifies recovery afterwards.
type Engine struct {
	backend  provider.MetricsBackend
	deploys  provider.DeployHistory
	executor provider.RollbackExecutor
	ledger   Ledger
	locks    Lock
	config   Config
	nowFn    func() time.Time
	sleepFn  func(time.Duration)
}

// New creates a rollback engine.
func New(backend provider.MetricsBackend, deploys provider.DeployHistory, executor provider.RollbackExecutor, ledger Ledger, locks Lock, config Config) *Engine {
	return &Engine{
		backend:  backend,
		deploys:  deploys,
		executor: executor,
		ledger:   ledger,
		locks:    locks,
		config:   config.withDefaults(),
		nowFn:    time.Now,
		sleepFn:  time.Sleep,
	}
}

// Evaluate runs the decision table for the incident's implicated deployment
// and executes the rollback when every gate passes. The incident is mutated
// in memory; the caller persists it. A nil decision means the incident
// implicates no deployment.
func (e *Engine) Evaluate(ctx context.Context, inc *model.Incident) (*model.RollbackDecision, error) {
	service, version, ok := inc.ImplicatedDeployment()
	if !ok {
		return nil, nil
	}

	// One active decision per incident: a pending approval or an executed
	// rollback awaiting verification is never re-decided.
	if d := inc.RollbackDecision; d != nil {
		if d.ExecutedAt != nil {
			return d, nil
		}
		if d.Decision == model.DecisionRequireApproval {
			return d, nil
		}
	}

	now := e.nowFn().UTC()
	signals := e.gatherSignals(ctx, service)
	decision := &model.RollbackDecision{
		IncidentID:      inc.ID,
		Service:         service,
		Version:         version,
		TriggerSnapshot: signals.Snapshot(),
		DecidedAt:       now,
	}

	fired := EvaluateTriggers(signals, e.config.Triggers)
	if len(fired) == 0 {
		decision.Decision = model.DecisionNoAction
		e.record(inc, decision, fmt.Sprintf("no rollback trigger fired for %s %s", service, version), "")
		return decision, nil
	}
	summary := triggerSummary(fired)

	facts := e.gatherSafety(ctx, service, version)
	decision.SafetyChecks = EvaluateSafety(facts, e.config.Safety, now)
	if failed := failedChecks(decision.SafetyChecks); len(failed) > 0 {
		decision.Decision = model.DecisionRequireApproval
		e.record(inc, decision,
			fmt.Sprintf("rollback of %s %s requires approval", service, version),
			fmt.Sprintf("triggers: %s; failed safety checks: %s", summary, strings.Join(failed, ", ")))
		e.requestApproval(inc, service)
		return decision, nil
	}

	prior, err := e.ledger.CountSince(ctx, service, now.Add(-e.config.ThrashWindow))
	if err != nil {
		log.Warn().Err(err).Str("service", service).Msg("rollback ledger unavailable, forcing approval")
		prior = e.config.MaxAutoRollbacks
	}
	if prior >= e.config.MaxAutoRollbacks {
		decision.Decision = model.DecisionRequireApproval
		e.record(inc, decision,
			fmt.Sprintf("rollback of %s %s requires approval", service, version),
			fmt.Sprintf("%d automatic rollbacks for %s within %s", prior, service, e.config.ThrashWindow))
		e.requestApproval(inc, service)
		return decision, nil
	}

	decision.Decision = model.DecisionAutoRollback
	e.record(inc, decision,
		fmt.Sprintf("automatic rollback of %s %s approved by safety gates", service, version),
		"triggers: "+summary)
	return decision, e.execute(ctx, inc, decision, facts.Deployment)
}

// ExecuteApproved runs a rollback an operator approved. The approver lands
// on the timeline as the acting identity.
func (e *Engine) ExecuteApproved(ctx context.Context, inc *model.Incident, approver string) error {
	d := inc.RollbackDecision
	if d == nil || d.Decision != model.DecisionRequireApproval {
		return fmt.Errorf("incident %s has no rollback awaiting approval", inc.ID)
	}
	if d.ExecutedAt != nil {
		return fmt.Errorf("rollback for incident %s already executed", inc.ID)
	}

	d.Outcome = model.RollbackOutcomeApproved
	inc.AppendTimeline(model.TimelineEntry{
		Actor:   approver,
		Kind:    model.TimelineRollbackApproved,
		Message: fmt.Sprintf("rollback of %s %s approved", d.Service, d.Version),
	})
	return e.execute(ctx, inc, d, nil)
}

// Verify polls the trigger signals after an executed rollback. Recovery
// clears the incident for monitoring; no recovery escalates to P0 and holds
// all further automation pending explicit approval.
func (e *Engine) Verify(ctx context.Context, inc *model.Incident) (model.RollbackOutcome, error) {
	d := inc.RollbackDecision
	if d == nil || d.ExecutedAt == nil {
		return "", fmt.Errorf("incident %s has no executed rollback to verify", inc.ID)
	}
	if d.Outcome == model.RollbackOutcomeRecovered || d.Outcome == model.RollbackOutcomeNoRecovery {
		return d.Outcome, nil
	}

	for attempt := 1; attempt <= e.config.VerifyAttempts; attempt++ {
		e.sleepFn(e.config.VerifyInterval)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		signals := e.gatherSignals(ctx, d.Service)
		if len(EvaluateTriggers(signals, e.config.Triggers)) == 0 {
			d.Outcome = model.RollbackOutcomeRecovered
			inc.AppendTimeline(model.TimelineEntry{
				Actor:   model.ActorSystem,
				Kind:    model.TimelineRollbackVerified,
				Message: fmt.Sprintf("post-rollback verification confirmed recovery of %s", d.Service),
			})
			log.Info().Str("incident_id", inc.ID).Str("service", d.Service).Msg("rollback verified")
			return d.Outcome, nil
		}
	}

	d.Outcome = model.RollbackOutcomeNoRecovery
	inc.AutomationHeld = true
	inc.AppendTimeline(model.TimelineEntry{
		Actor:   model.ActorSystem,
		Kind:    model.TimelineRollbackVerified,
		Message: fmt.Sprintf("post-rollback verification found no recovery of %s", d.Service),
		Reason:  "triggers still firing after rollback",
	})
	escalateP0(inc, "no recovery after rollback")
	log.Error().Str("incident_id", inc.ID).Str("service", d.Service).Msg("rollback did not recover the service")
	return d.Outcome, nil
}

// execute runs exactly one rollback under the per-service lock. dep may be
// nil; the previous version is then looked up from the history provider.
func (e *Engine) execute(ctx context.Context, inc *model.Incident, d *model.RollbackDecision, dep *model.Deployment) error {
	if dep == nil {
		dep = e.lookupDeployment(ctx, d.Service, d.Version)
	}
	if dep == nil || dep.PreviousVersion == "" {
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineRollbackDeferred,
			Message: fmt.Sprintf("rollback of %s not executed", d.Service),
			Reason:  "no previous version known",
		})
		return fmt.Errorf("no previous version known for %s %s", d.Service, d.Version)
	}

	release, ok, err := e.locks.Acquire(ctx, d.Service, e.config.LockTTL)
	if err != nil || !ok {
		lockErr := model.NewError(model.KindRollbackLockTimeout, "rollback lock for %s unavailable", d.Service)
		if err != nil {
			lockErr = model.WrapError(model.KindRollbackLockTimeout, err, fmt.Sprintf("rollback lock for %s unavailable", d.Service))
		}
		d.Outcome = model.RollbackOutcomeDeferred
		metrics.RollbackDecisions.WithLabelValues("deferred").Inc()
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineRollbackDeferred,
			Message: fmt.Sprintf("rollback of %s deferred", d.Service),
			Reason:  "another rollback holds the service lock",
		})
		log.Warn().Err(err).Str("incident_id", inc.ID).Str("service", d.Service).Msg("rollback deferred on lock")
		return lockErr
	}
	defer release()

	d.PreRollbackState = d.TriggerSnapshot

	if err := e.executor.Rollback(ctx, d.Service, d.Version, dep.PreviousVersion); err != nil {
		// The command may have partially run; assume the worst.
		d.Outcome = model.RollbackOutcomeNoRecovery
		inc.AutomationHeld = true
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineEscalated,
			Message: fmt.Sprintf("rollback of %s from %s to %s failed, automation held", d.Service, d.Version, dep.PreviousVersion),
			Reason:  err.Error(),
		})
		escalateP0(inc, "rollback execution failed")
		return fmt.Errorf("rollback of %s to %s failed: %w", d.Service, dep.PreviousVersion, err)
	}

	at := e.nowFn().UTC()
	d.ExecutedAt = &at
	if d.Decision == model.DecisionAutoRollback {
		if err := e.ledger.RecordRollback(ctx, d.Service, at); err != nil {
			log.Warn().Err(err).Str("service", d.Service).Msg("failed to record rollback in ledger")
		}
	}
	inc.AppendTimeline(model.TimelineEntry{
		Actor:   model.ActorSystem,
		Kind:    model.TimelineRollbackExecuted,
		Message: fmt.Sprintf("rolled back %s from %s to %s", d.Service, d.Version, dep.PreviousVersion),
	})
	log.Info().
		Str("incident_id", inc.ID).
		Str("service", d.Service).
		Str("from_version", d.Version).
		Str("to_version", dep.PreviousVersion).
		Msg("rollback executed")
	return nil
}

func (e *Engine) record(inc *model.Incident, d *model.RollbackDecision, message, reason string) {
	inc.RollbackDecision = d
	metrics.RollbackDecisions.WithLabelValues(string(d.Decision)).Inc()
	inc.AppendTimeline(model.TimelineEntry{
		Actor:   model.ActorSystem,
		Kind:    model.TimelineRollbackDecision,
		Message: message,
		Reason:  reason,
	})
	log.Info().
		Str("incident_id", inc.ID).
		Str("service", d.Service).
		Str("decision", string(d.Decision)).
		Msg("rollback decision")
}

func (e *Engine) requestApproval(inc *model.Incident, service string) {
	inc.AppendTimeline(model.TimelineEntry{
		Actor:   model.ActorSystem,
		Kind:    model.TimelineApprovalRequested,
		Message: fmt.Sprintf("approval requested to roll back %s", service),
	})
}

func escalateP0(inc *model.Incident, reason string) {
	if model.SeverityP0.HigherThan(inc.Severity) {
		inc.Severity = model.SeverityP0
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineSeverityApplied,
			Message: "severity escalated to P0",
			Reason:  reason,
		})
	}
}

func (e *Engine) gatherSignals(ctx context.Context, service string) TriggerSignals {
	window := e.config.Triggers.rangeSelector()
	return TriggerSignals{
		ErrorRate:          e.scalar(ctx, errorRateQuery(service, window)),
		P99:                e.scalar(ctx, p99Query(service, window)),
		P99Baseline:        e.baseline(ctx, service, window),
		CrashLoops:         e.scalar(ctx, crashLoopQuery(service, window)),
		HealthFailureRatio: e.scalar(ctx, healthFailureQuery(service, window)),
	}
}

func (e *Engine) gatherSafety(ctx context.Context, service, version string) SafetyFacts {
	return SafetyFacts{
		Deployment:      e.lookupDeployment(ctx, service, version),
		TrafficFraction: e.scalar(ctx, trafficFractionQuery(service, version, e.config.Triggers.rangeSelector())),
	}
}

func (e *Engine) lookupDeployment(ctx context.Context, service, version string) *model.Deployment {
	deployments, err := e.deploys.RecentDeployments(ctx, service)
	if err != nil {
		log.Warn().Err(err).Str("service", service).Msg("deployment history unavailable")
		return nil
	}
	for i := range deployments {
		if deployments[i].Version == version {
			return &deployments[i]
		}
	}
	return nil
}

func (e *Engine) scalar(ctx context.Context, query string) Sample {
	v, err := e.backend.QueryScalar(ctx, query, e.nowFn().UTC())
	if err != nil {
		if !errors.Is(err, provider.ErrNoData) {
			log.Warn().Err(err).Str("query", query).Msg("metrics query failed")
		}
		return Sample{}
	}
	return Sample{Value: v, OK: true}
}

// baseline averages the p99 series over the baseline window, excluding the
// current trigger window so an in-flight regression cannot inflate it.
func (e *Engine) baseline(ctx context.Context, service, window string) Sample {
	now := e.nowFn().UTC()
	end := now.Add(-e.config.Triggers.Window)
	start := now.Add(-e.config.Triggers.BaselineWindow)
	if !start.Before(end) {
		return Sample{}
	}

	series, err := e.backend.QueryRange(ctx, p99Query(service, window), start, end, e.config.Triggers.Window)
	if err != nil {
		if !errors.Is(err, provider.ErrNoData) {
			log.Warn().Err(err).Str("service", service).Msg("baseline query failed")
		}
		return Sample{}
	}

	sum, n := 0.0, 0
	for _, s := range series {
		for _, p := range s.Points {
			sum += p.Value
			n++
		}
	}
	if n == 0 {
		return Sample{}
	}
	return Sample{Value: sum / float64(n), OK: true}
}
