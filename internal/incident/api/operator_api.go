package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/metrics"
	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/store"
)

// Operator actions mutate incidents on behalf of a named human. Actor and
// reason are mandatory; both land on the timeline.

type operatorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type severityRequest struct {
	operatorRequest
	Severity string `json:"severity"`
}

type closeRequest struct {
	operatorRequest
	ReportID string `json:"report_id"`
}

func bindOperator(c *gin.Context) (operatorRequest, bool) {
	var req operatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "InvalidParameter", "malformed request body: "+err.Error())
		return req, false
	}
	return req, validOperator(c, req)
}

func validOperator(c *gin.Context, req operatorRequest) bool {
	if strings.TrimSpace(req.Actor) == "" {
		respondError(c, http.StatusBadRequest, "InvalidParameter", "actor is required")
		return false
	}
	if strings.TrimSpace(req.Reason) == "" {
		respondError(c, http.StatusBadRequest, "InvalidParameter", "reason is required")
		return false
	}
	return true
}

// AcknowledgeIncident implements POST /v1/incidents/:id/ack. The acting
// operator becomes the incident commander.
func (a *API) AcknowledgeIncident(c *gin.Context) {
	req, ok := bindOperator(c)
	if !ok {
		return
	}
	inc, ok := a.loadIncident(c)
	if !ok {
		return
	}
	if inc.Halted() {
		respondError(c, http.StatusConflict, "InvalidState", "incident is cancelled or closed")
		return
	}
	if inc.AcknowledgedAt != nil {
		respondError(c, http.StatusConflict, "AlreadyAcknowledged",
			fmt.Sprintf("incident already acknowledged by %s", inc.Commander))
		return
	}

	now := a.nowFn().UTC()
	inc.AcknowledgedAt = &now
	inc.Commander = req.Actor
	inc.AppendTimeline(model.TimelineEntry{
		At:      now,
		Actor:   req.Actor,
		Kind:    model.TimelineAcknowledged,
		Message: fmt.Sprintf("incident acknowledged, %s takes command", req.Actor),
		Reason:  req.Reason,
	})
	if !a.saveIncident(c, inc) {
		return
	}
	a.notifier.Schedule(c.Request.Context(), inc, fmt.Sprintf("incident acknowledged by %s", req.Actor))
	c.JSON(http.StatusOK, inc)
}

// OverrideSeverity implements POST /v1/incidents/:id/severity. The one way
// severity may go down: an explicit human override with a reason.
func (a *API) OverrideSeverity(c *gin.Context) {
	var req severityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "InvalidParameter", "malformed request body: "+err.Error())
		return
	}
	if !validOperator(c, req.operatorRequest) {
		return
	}
	severity, ok := model.ParseSeverity(strings.TrimSpace(req.Severity))
	if !ok {
		respondError(c, http.StatusBadRequest, "InvalidParameter", fmt.Sprintf("unknown severity %q", req.Severity))
		return
	}
	inc, ok := a.loadIncident(c)
	if !ok {
		return
	}
	if inc.Halted() {
		respondError(c, http.StatusConflict, "InvalidState", "incident is cancelled or closed")
		return
	}

	prev := inc.Severity
	inc.Severity = severity
	inc.SeverityRecommendation = ""
	inc.AppendTimeline(model.TimelineEntry{
		At:      a.nowFn().UTC(),
		Actor:   req.Actor,
		Kind:    model.TimelineSeverityOverridden,
		Message: fmt.Sprintf("severity %s set by operator (was %s)", severity, prev),
		Reason:  req.Reason,
	})
	if !a.saveIncident(c, inc) {
		return
	}
	a.notifier.Schedule(c.Request.Context(), inc, fmt.Sprintf("severity manually set to %s by %s", severity, req.Actor))
	c.JSON(http.StatusOK, inc)
}

// ApproveRollback implements POST /v1/incidents/:id/rollback/approve. The
// rollback executes synchronously; post-rollback verification continues in
// the background and is reflected on the incident when it completes.
func (a *API) ApproveRollback(c *gin.Context) {
	req, ok := bindOperator(c)
	if !ok {
		return
	}
	inc, ok := a.loadIncident(c)
	if !ok {
		return
	}
	if inc.Halted() {
		respondError(c, http.StatusConflict, "InvalidState", "incident is cancelled or closed")
		return
	}

	base := len(inc.Timeline)
	execErr := a.rollback.ExecuteApproved(c.Request.Context(), inc, req.Actor)
	if len(inc.Timeline) > base {
		// Execution outcomes are already on the timeline; persist them even
		// when the command failed.
		if !a.saveIncident(c, inc) {
			return
		}
	}
	if execErr != nil {
		respondError(c, http.StatusConflict, "RollbackNotExecutable", execErr.Error())
		return
	}

	a.notifier.Schedule(c.Request.Context(), inc,
		fmt.Sprintf("rollback of %s approved by %s and executed", inc.RollbackDecision.Service, req.Actor))
	go a.verifyApprovedRollback(inc.ID)
	c.JSON(http.StatusAccepted, gin.H{"decision": inc.RollbackDecision, "verification": "in_progress"})
}

// verifyApprovedRollback polls the trigger signals after an operator-approved
// rollback and records the outcome. Runs detached from the request.
func (a *API) verifyApprovedRollback(id string) {
	ctx := context.Background()
	for attempt := 0; attempt < 3; attempt++ {
		inc, err := a.store.GetIncident(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("incident_id", id).Msg("failed to load incident for rollback verification")
			return
		}
		outcome, err := a.rollback.Verify(ctx, inc)
		if err != nil {
			log.Error().Err(err).Str("incident_id", id).Msg("rollback verification failed")
			return
		}
		err = a.store.UpdateIncident(ctx, inc)
		if err == store.ErrVersionConflict {
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("incident_id", id).Msg("failed to persist rollback verification")
			return
		}
		a.notifier.Schedule(ctx, inc,
			fmt.Sprintf("approved rollback of %s verified: %s", inc.RollbackDecision.Service, outcome))
		return
	}
	log.Error().Str("incident_id", id).Msg("rollback verification lost the version race repeatedly")
}

// CancelIncident implements POST /v1/incidents/:id/cancel: the operator abort
// path. Automation stops immediately and the incident closes without the
// report gate; the cancellation entry is the audit record.
func (a *API) CancelIncident(c *gin.Context) {
	req, ok := bindOperator(c)
	if !ok {
		return
	}
	inc, ok := a.loadIncident(c)
	if !ok {
		return
	}
	if inc.Halted() {
		respondError(c, http.StatusConflict, "InvalidState", "incident is already cancelled or closed")
		return
	}

	from := inc.Status
	inc.Cancelled = true
	inc.Status = model.StatusClosed
	inc.AppendTimeline(model.TimelineEntry{
		At:      a.nowFn().UTC(),
		Actor:   req.Actor,
		Kind:    model.TimelineCancelled,
		Message: fmt.Sprintf("incident cancelled by %s, automation stopped", req.Actor),
		Reason:  req.Reason,
	})
	if !a.saveIncident(c, inc) {
		return
	}
	metrics.IncidentTransitions.WithLabelValues(string(from), string(model.StatusClosed)).Inc()
	a.notifier.Schedule(c.Request.Context(), inc, fmt.Sprintf("incident cancelled by %s", req.Actor))
	c.JSON(http.StatusOK, inc)
}

// CloseIncident implements POST /v1/incidents/:id/close. Closing requires the
// referenced post-incident report to be human-approved; this is the one
// deliberate manual gate in the pipeline.
func (a *API) CloseIncident(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "InvalidParameter", "malformed request body: "+err.Error())
		return
	}
	if !validOperator(c, req.operatorRequest) {
		return
	}
	if strings.TrimSpace(req.ReportID) == "" {
		respondError(c, http.StatusBadRequest, "InvalidParameter", "report_id is required")
		return
	}
	inc, ok := a.loadIncident(c)
	if !ok {
		return
	}
	if inc.Status == model.StatusClosed {
		respondError(c, http.StatusConflict, "InvalidState", "incident is already closed")
		return
	}
	if err := a.reports.VerifyApproved(c.Request.Context(), inc.ID, req.ReportID); err != nil {
		respondError(c, http.StatusConflict, "ReportNotApproved", err.Error())
		return
	}

	from := inc.Status
	inc.Status = model.StatusClosed
	inc.AppendTimeline(model.TimelineEntry{
		At:      a.nowFn().UTC(),
		Actor:   req.Actor,
		Kind:    model.TimelineClosed,
		Message: fmt.Sprintf("incident closed referencing approved report %s", req.ReportID),
		Reason:  req.Reason,
	})
	if !a.saveIncident(c, inc) {
		return
	}
	metrics.IncidentTransitions.WithLabelValues(string(from), string(model.StatusClosed)).Inc()
	a.notifier.Schedule(c.Request.Context(), inc, fmt.Sprintf("incident closed by %s", req.Actor))
	c.JSON(http.StatusOK, inc)
}

// ApproveReport implements POST /v1/reports/:id/approve: the human sign-off
// required before the incident can close.
func (a *API) ApproveReport(c *gin.Context) {
	req, ok := bindOperator(c)
	if !ok {
		return
	}
	reportID := c.Param("id")

	r, err := a.store.GetReportByID(c.Request.Context(), reportID)
	if err == store.ErrNotFound {
		respondError(c, http.StatusNotFound, "NotFound", fmt.Sprintf("report %s not found", reportID))
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	if err := a.reports.Approve(c.Request.Context(), reportID, req.Actor); err != nil {
		respondError(c, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	if err := a.store.AppendTimeline(c.Request.Context(), r.IncidentID, model.TimelineEntry{
		At:      a.nowFn().UTC(),
		Actor:   req.Actor,
		Kind:    model.TimelineReportApproved,
		Message: fmt.Sprintf("post-incident report %s approved", reportID),
		Reason:  req.Reason,
	}); err != nil {
		log.Error().Err(err).Str("incident_id", r.IncidentID).Msg("failed to record report approval on timeline")
	}
	c.JSON(http.StatusOK, gin.H{"approved": true, "report_id": reportID, "approved_by": req.Actor})
}

// CancelNotification implements POST /v1/notifications/:id/cancel.
func (a *API) CancelNotification(c *gin.Context) {
	id := c.Param("id")
	err := a.notifier.Cancel(c.Request.Context(), id)
	if err == store.ErrNotFound {
		respondError(c, http.StatusNotFound, "NotFound", fmt.Sprintf("notification %s not found", id))
		return
	}
	if err != nil {
		respondError(c, http.StatusConflict, "NotCancellable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
