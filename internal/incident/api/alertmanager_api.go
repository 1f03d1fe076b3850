package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/service/normalizer"
)

// Alertmanager webhook compatibility. Each firing alert in the batch goes
// through the same normalization path as native ingest; resolved alerts are
// skipped, resolution is decided by observation windows here.

type amWebhook struct {
	Version      string            `json:"version"`
	Receiver     string            `json:"receiver"`
	Status       string            `json:"status"` // firing or resolved
	GroupLabels  map[string]string `json:"groupLabels"`
	CommonLabels map[string]string `json:"commonLabels"`
	Alerts       []amAlert         `json:"alerts"`
}

type amAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
	Fingerprint string            `json:"fingerprint"`
}

// IngestAlertmanagerWebhook implements POST /v1/alerts/alertmanager. Alerts
// are independent: one bad alert is skipped and logged, the rest proceed.
func (a *API) IngestAlertmanagerWebhook(c *gin.Context) {
	var req amWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, string(model.KindInvalidAlertPayload), "malformed alertmanager payload: "+err.Error())
		return
	}
	if len(req.Alerts) == 0 {
		respondError(c, http.StatusBadRequest, string(model.KindInvalidAlertPayload), "webhook carries no alerts")
		return
	}

	var accepted, deduplicated, skipped int
	for _, am := range req.Alerts {
		if !firing(req.Status, am.Status) {
			skipped++
			continue
		}
		raw := normalizer.RawAlert{
			Source:      "alertmanager",
			AlertName:   am.Labels["alertname"],
			Severity:    am.Labels["severity"],
			Labels:      am.Labels,
			Annotations: am.Annotations,
			StartsAt:    am.StartsAt,
			Fingerprint: am.Fingerprint,
		}
		_, dup, err := a.ingester.Ingest(c.Request.Context(), raw)
		if err != nil {
			log.Warn().Err(err).Str("alert_name", raw.AlertName).Msg("alertmanager alert rejected")
			skipped++
			continue
		}
		if dup {
			deduplicated++
			continue
		}
		accepted++
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted":     accepted,
		"deduplicated": deduplicated,
		"skipped":      skipped,
	})
}

// firing reports whether the alert is active. Alertmanager batches can mix
// states; the per-alert status wins over the group status when present.
func firing(groupStatus, alertStatus string) bool {
	if alertStatus != "" {
		return strings.EqualFold(alertStatus, "firing")
	}
	return strings.EqualFold(groupStatus, "firing")
}
