package runbook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cureops/incidentd/internal/incident/metrics"
	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/provider"
	"github.com/cureops/incidentd/internal/incident/store"
)

// ExecutorConfig bounds runbook execution.
type ExecutorConfig struct {
	// StepTimeout is the hard per-command timeout.
	StepTimeout time.Duration
	// AutoMitigateMax is the most severe severity still mitigated without
	// human confirmation.
	AutoMitigateMax model.Severity
	// RetryCount is how many extra attempts a failed mitigation step gets.
	RetryCount int
	// RetryBackoff is the first retry delay, doubled per retry.
	RetryBackoff time.Duration
	// AttemptCap is the hard ceiling on total attempts per step.
	AttemptCap int
}

// Result summarizes one runbook execution for the pipeline.
type Result struct {
	RunbookID         string
	Discrepancies     int
	MitigationRun     bool
	MitigationFailed  bool
	ApprovalRequested bool
	TerminatedEarly   bool
	EscalateTo        string
}

// Executor runs a runbook against an incident, appending every step to the
// incident timeline. The caller persists the mutated incident.
type Executor struct {
	store   store.Store
	runner  provider.CommandRunner
	config  ExecutorConfig
	sleepFn func(time.Duration)
}

// NewExecutor creates an executor running commands through runner.
func NewExecutor(st store.Store, runner provider.CommandRunner, config ExecutorConfig) *Executor {
	if config.StepTimeout <= 0 {
		config.StepTimeout = 30 * time.Second
	}
	if !config.AutoMitigateMax.Valid() {
		config.AutoMitigateMax = model.SeverityP2
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 5 * time.Second
	}
	if config.AttemptCap <= 0 {
		config.AttemptCap = 3
	}
	return &Executor{
		store:   st,
		runner:  runner,
		config:  config,
		sleepFn: time.Sleep,
	}
}

// Execute runs diagnosis then mitigation. Diagnosis never halts the runbook;
// mitigation stops at the first step that exhausts its attempts.
func (e *Executor) Execute(ctx context.Context, inc *model.Incident, rb *Runbook) *Result {
	result := &Result{RunbookID: rb.ID}

	e.runDiagnosis(ctx, inc, rb, result)
	if result.TerminatedEarly {
		return result
	}
	e.runMitigation(ctx, inc, rb, result)
	return result
}

type stepOutcome struct {
	output string
	err    error
}

func (e *Executor) runDiagnosis(ctx context.Context, inc *model.Incident, rb *Runbook, result *Result) {
	steps := rb.DiagnosisSteps
	for i := 0; i < len(steps); {
		if e.halted(ctx, inc) {
			result.TerminatedEarly = true
			return
		}

		// Consecutive parallel-flagged steps run as one concurrent batch;
		// their timeline entries keep config order.
		if steps[i].Parallel {
			j := i
			for j < len(steps) && steps[j].Parallel {
				j++
			}
			batch := steps[i:j]
			outcomes := make([]stepOutcome, len(batch))
			var g errgroup.Group
			for k := range batch {
				k := k
				g.Go(func() error {
					outcomes[k] = e.runCommand(ctx, batch[k].Command)
					return nil
				})
			}
			_ = g.Wait()
			for k := range batch {
				e.recordDiagnosis(inc, batch[k], outcomes[k], result)
			}
			i = j
			continue
		}

		e.recordDiagnosis(inc, steps[i], e.runCommand(ctx, steps[i].Command), result)
		i++
	}
}

func (e *Executor) recordDiagnosis(inc *model.Incident, step DiagnosisStep, out stepOutcome, result *Result) {
	entry := model.TimelineEntry{Actor: model.ActorSystem, Kind: model.TimelineDiagnosisStep}
	switch {
	case out.err != nil:
		entry.Message = fmt.Sprintf("diagnosis %q failed", step.Command)
		entry.Reason = out.err.Error()
	case step.Expected != "" && !strings.Contains(out.output, step.Expected):
		result.Discrepancies++
		entry.Message = fmt.Sprintf("diagnosis %q completed with a discrepancy", step.Command)
		entry.Reason = fmt.Sprintf("expected output containing %q", step.Expected)
	default:
		entry.Message = fmt.Sprintf("diagnosis %q completed", step.Command)
	}
	inc.AppendTimeline(entry)
}

func (e *Executor) runMitigation(ctx context.Context, inc *model.Incident, rb *Runbook, result *Result) {
	if len(rb.MitigationSteps) == 0 {
		return
	}

	if inc.Severity.HigherThan(e.config.AutoMitigateMax) {
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineMitigationSkipped,
			Message: fmt.Sprintf("automatic mitigation withheld for severity %s", inc.Severity),
			Reason:  "severity above the auto-mitigation band",
		})
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineApprovalRequested,
			Message: fmt.Sprintf("confirmation requested from %s to run mitigation", rb.Escalation.Role),
		})
		result.ApprovalRequested = true
		result.EscalateTo = rb.Escalation.Role
		return
	}

	if inc.AutomationHeld {
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineMitigationSkipped,
			Message: "automatic mitigation withheld",
			Reason:  "automation held pending explicit approval",
		})
		result.ApprovalRequested = true
		result.EscalateTo = rb.Escalation.Role
		return
	}

	result.MitigationRun = true
	for _, step := range rb.MitigationSteps {
		if e.halted(ctx, inc) {
			result.TerminatedEarly = true
			return
		}

		if step.Guarded {
			metrics.MitigationSteps.WithLabelValues("skipped").Inc()
			inc.AppendTimeline(model.TimelineEntry{
				Actor:   model.ActorSystem,
				Kind:    model.TimelineMitigationSkipped,
				Message: fmt.Sprintf("mitigation %q skipped", step.Command),
				Reason:  "guarded step requires confirmation",
			})
			continue
		}

		if !e.attemptStep(ctx, inc, step) {
			inc.MitigationFailed = true
			inc.AppendTimeline(model.TimelineEntry{
				Actor:   model.ActorSystem,
				Kind:    model.TimelineEscalated,
				Message: fmt.Sprintf("mitigation failure escalated to %s", rb.Escalation.Role),
			})
			result.MitigationFailed = true
			result.EscalateTo = rb.Escalation.Role
			return
		}
	}
}

// attemptStep runs one mitigation step with bounded retry. It reports
// whether the step ultimately succeeded.
func (e *Executor) attemptStep(ctx context.Context, inc *model.Incident, step MitigationStep) bool {
	attempts := e.config.RetryCount + 1
	if attempts > e.config.AttemptCap {
		attempts = e.config.AttemptCap
	}
	if attempts < 1 {
		attempts = 1
	}

	inc.AppendTimeline(model.TimelineEntry{
		Actor:   model.ActorSystem,
		Kind:    model.TimelineMitigationStep,
		Message: fmt.Sprintf("mitigation %q attempted, rollback command %q", step.Command, step.RollbackCommand),
	})

	for attempt := 1; attempt <= attempts; attempt++ {
		out := e.runCommand(ctx, step.Command)
		if out.err == nil {
			metrics.MitigationSteps.WithLabelValues("succeeded").Inc()
			inc.AppendTimeline(model.TimelineEntry{
				Actor:   model.ActorSystem,
				Kind:    model.TimelineMitigationStep,
				Message: fmt.Sprintf("mitigation %q succeeded on attempt %d/%d", step.Command, attempt, attempts),
			})
			return true
		}

		outcome := "failed"
		if model.IsKind(out.err, model.KindExternalCallTimeout) {
			outcome = "timeout"
		}
		metrics.MitigationSteps.WithLabelValues(outcome).Inc()
		inc.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineMitigationStep,
			Message: fmt.Sprintf("mitigation %q attempt %d/%d %s", step.Command, attempt, attempts, outcome),
			Reason:  out.err.Error(),
		})
		log.Warn().Err(out.err).
			Str("incident_id", inc.ID).
			Str("command", step.Command).
			Int("attempt", attempt).
			Msg("mitigation step failed")

		if attempt < attempts {
			e.sleepFn(e.config.RetryBackoff * time.Duration(1<<(attempt-1)))
		}
	}

	failure := model.NewError(model.KindMitigationActionFailed,
		"mitigation %q failed after %d attempts", step.Command, attempts)
	inc.AppendTimeline(model.TimelineEntry{
		Actor:   model.ActorSystem,
		Kind:    model.TimelineMitigationFailed,
		Message: failure.Message,
	})
	return false
}

// runCommand executes one command under the per-step timeout. Deadline
// expiry surfaces as ExternalCallTimeout, never as a generic failure.
func (e *Executor) runCommand(ctx context.Context, command string) stepOutcome {
	sctx, cancel := context.WithTimeout(ctx, e.config.StepTimeout)
	defer cancel()

	out, err := e.runner.Run(sctx, command)
	if err != nil && sctx.Err() == context.DeadlineExceeded && !model.IsKind(err, model.KindExternalCallTimeout) {
		err = model.WrapError(model.KindExternalCallTimeout, err, fmt.Sprintf("command %q timed out", command))
	}
	return stepOutcome{output: out, err: err}
}

// halted re-reads the incident and reports whether an operator cancelled or
// closed it. Halted incidents get a final terminated-early entry.
func (e *Executor) halted(ctx context.Context, inc *model.Incident) bool {
	fresh, err := e.store.GetIncident(ctx, inc.ID)
	if err != nil {
		log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to check incident cancellation")
		return false
	}
	if !fresh.Halted() {
		return false
	}
	inc.Cancelled = fresh.Cancelled
	inc.AppendTimeline(model.TimelineEntry{
		Actor:   model.ActorSystem,
		Kind:    model.TimelineTerminatedEarly,
		Message: "runbook terminated early",
		Reason:  "incident cancelled or closed by operator",
	})
	return true
}
