// Package api exposes the HTTP surface: alert ingestion, incident and report
// queries, and the operator actions. Every error response uses the
// {"error":{"code","message"}} envelope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/service/normalizer"
	"github.com/cureops/incidentd/internal/incident/service/report"
	"github.com/cureops/incidentd/internal/incident/store"
	"github.com/cureops/incidentd/internal/middleware"
)

// Ingester accepts raw alerts into the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, raw normalizer.RawAlert) (*model.Alert, bool, error)
}

// RollbackApprover executes and verifies operator-approved rollbacks.
type RollbackApprover interface {
	ExecuteApproved(ctx context.Context, inc *model.Incident, approver string) error
	Verify(ctx context.Context, inc *model.Incident) (model.RollbackOutcome, error)
}

// Notifier fans operator-driven state changes out and cancels pending sends.
type Notifier interface {
	Schedule(ctx context.Context, inc *model.Incident, message string) []*model.Notification
	Cancel(ctx context.Context, id string) error
}

// Reports signs off post-incident reports and gates close on approval.
type Reports interface {
	Approve(ctx context.Context, reportID, approver string) error
	VerifyApproved(ctx context.Context, incidentID, reportID string) error
}

// Deps are the API's collaborators.
type Deps struct {
	Store    store.Store
	Ingester Ingester
	Rollback RollbackApprover
	Notifier Notifier
	Reports  Reports
}

// API handles the HTTP routes.
type API struct {
	store    store.Store
	ingester Ingester
	rollback RollbackApprover
	notifier Notifier
	reports  Reports
	nowFn    func() time.Time
}

// RegisterRoutes mounts all routes on the engine. The /v1 group sits behind
// bearer auth; health and metrics stay open for probes and scrapes.
func RegisterRoutes(router *gin.Engine, deps Deps, authToken string) *API {
	api := &API{
		store:    deps.Store,
		ingester: deps.Ingester,
		rollback: deps.Rollback,
		notifier: deps.Notifier,
		reports:  deps.Reports,
		nowFn:    time.Now,
	}

	router.GET("/healthz", api.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", middleware.Bearer(authToken))
	v1.POST("/alerts", api.IngestAlert)
	v1.POST("/alerts/alertmanager", api.IngestAlertmanagerWebhook)
	v1.GET("/incidents", api.ListIncidents)
	v1.GET("/incidents/:id", api.GetIncident)
	v1.GET("/incidents/:id/report", api.GetIncidentReport)
	v1.POST("/incidents/:id/ack", api.AcknowledgeIncident)
	v1.POST("/incidents/:id/severity", api.OverrideSeverity)
	v1.POST("/incidents/:id/rollback/approve", api.ApproveRollback)
	v1.POST("/incidents/:id/cancel", api.CancelIncident)
	v1.POST("/incidents/:id/close", api.CloseIncident)
	v1.POST("/reports/:id/approve", api.ApproveReport)
	v1.POST("/notifications/:id/cancel", api.CancelNotification)
	return api
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func (a *API) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// IngestAlert implements POST /v1/alerts. Accepted alerts return 202 with the
// stored id; duplicates inside the suppression window return the original.
func (a *API) IngestAlert(c *gin.Context) {
	var raw normalizer.RawAlert
	if err := c.ShouldBindJSON(&raw); err != nil {
		respondError(c, http.StatusBadRequest, string(model.KindInvalidAlertPayload), "malformed alert payload: "+err.Error())
		return
	}

	alert, deduplicated, err := a.ingester.Ingest(c.Request.Context(), raw)
	if err != nil {
		if model.IsKind(err, model.KindInvalidAlertPayload) {
			respondError(c, http.StatusBadRequest, string(model.KindInvalidAlertPayload), err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "id": alert.ID, "deduplicated": deduplicated})
}

type listIncidentsResponse struct {
	Items []*model.Incident `json:"items"`
	Next  string            `json:"next,omitempty"`
}

// ListIncidents implements GET /v1/incidents?status=&limit=&start=. Records
// come back newest first without alert and timeline collections; start pages
// by created_at.
func (a *API) ListIncidents(c *gin.Context) {
	q := store.ListQuery{Limit: 50}

	if s := strings.TrimSpace(c.Query("status")); s != "" {
		status, ok := model.ParseStatus(s)
		if !ok {
			respondError(c, http.StatusBadRequest, "InvalidParameter", fmt.Sprintf("unknown status %q", s))
			return
		}
		q.Status = status
	}
	if l := strings.TrimSpace(c.Query("limit")); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 100 {
			respondError(c, http.StatusBadRequest, "InvalidParameter", "limit must be 1-100")
			return
		}
		q.Limit = n
	}
	if s := strings.TrimSpace(c.Query("start")); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			respondError(c, http.StatusBadRequest, "InvalidParameter", "start must be an RFC3339 timestamp")
			return
		}
		q.Before = t
	}

	incidents, err := a.store.ListIncidents(c.Request.Context(), q)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	resp := listIncidentsResponse{Items: incidents}
	if resp.Items == nil {
		resp.Items = []*model.Incident{}
	}
	if len(incidents) == q.Limit {
		// The store filter is inclusive, so step past the boundary row.
		last := incidents[len(incidents)-1].CreatedAt.Add(-time.Nanosecond)
		resp.Next = last.UTC().Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, resp)
}

// GetIncident implements GET /v1/incidents/:id with the full aggregate:
// alerts, enrichment, rollback decision, and timeline.
func (a *API) GetIncident(c *gin.Context) {
	inc, ok := a.loadIncident(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, inc)
}

// GetIncidentReport implements GET /v1/incidents/:id/report. format=markdown
// returns the rendered document instead of the JSON record.
func (a *API) GetIncidentReport(c *gin.Context) {
	r, err := a.store.GetReport(c.Request.Context(), c.Param("id"))
	if err == store.ErrNotFound {
		respondError(c, http.StatusNotFound, "NotFound", fmt.Sprintf("incident %s has no report", c.Param("id")))
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	if c.Query("format") == "markdown" {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report.Render(r)))
		return
	}
	c.JSON(http.StatusOK, r)
}

// loadIncident fetches the incident in the path, writing the 404 itself.
func (a *API) loadIncident(c *gin.Context) (*model.Incident, bool) {
	inc, err := a.store.GetIncident(c.Request.Context(), c.Param("id"))
	if err == store.ErrNotFound {
		respondError(c, http.StatusNotFound, "NotFound", fmt.Sprintf("incident %s not found", c.Param("id")))
		return nil, false
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "InternalError", err.Error())
		return nil, false
	}
	return inc, true
}

// saveIncident persists the mutated incident, mapping a lost version race to
// 409 so the operator retries against fresh state.
func (a *API) saveIncident(c *gin.Context, inc *model.Incident) bool {
	err := a.store.UpdateIncident(c.Request.Context(), inc)
	if err == store.ErrVersionConflict {
		respondError(c, http.StatusConflict, "VersionConflict", "incident was updated concurrently, retry")
		return false
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "InternalError", err.Error())
		return false
	}
	return true
}
