// Package classifier derives incident severity from alert signals. Classify
// is a pure function so every verdict is reproducible from its inputs.
package classifier

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cureops/incidentd/internal/incident/model"
)

// Signals is the flattened evidence extracted from alerts and enrichment.
type Signals struct {
	TotalUnavailability bool
	MajorFeature        bool
	Degraded            bool
	MinorUserFacing     bool
	DataLossRisk        bool
	SecuritySignal      bool
	AffectedUsersPct    float64
	Hint                model.Severity
}

// Classify maps the incident's evidence to a severity and a one-line
// rationale. It never mutates its inputs.
func Classify(alerts []*model.Alert, snapshot *model.EnrichmentSnapshot) (model.Severity, string) {
	s := ExtractSignals(alerts, snapshot)
	severity, rationale := decide(s)

	// A stronger backend hint promotes the verdict; it never demotes.
	if s.Hint.Valid() && s.Hint.HigherThan(severity) {
		return s.Hint, fmt.Sprintf("%s, promoted to %s by source severity hint", rationale, s.Hint)
	}
	return severity, rationale
}

// decide is the severity tree. Rules are ordered from most to least severe;
// the first match wins.
func decide(s Signals) (model.Severity, string) {
	switch {
	case s.TotalUnavailability && s.SecuritySignal:
		return model.SeverityP0, "total unavailability with a security signal"
	case s.TotalUnavailability && s.DataLossRisk:
		return model.SeverityP0, "total unavailability with data-loss risk"
	case s.TotalUnavailability:
		return model.SeverityP1, "total service unavailability"
	case s.MajorFeature && s.AffectedUsersPct > 50:
		return model.SeverityP1, fmt.Sprintf("major feature unavailable for %.0f%% of users", s.AffectedUsersPct)
	case s.MajorFeature && s.AffectedUsersPct > 10:
		return model.SeverityP2, fmt.Sprintf("major feature unavailable for %.0f%% of users", s.AffectedUsersPct)
	case s.Degraded:
		return model.SeverityP2, "degraded performance"
	case s.MajorFeature, s.MinorUserFacing:
		return model.SeverityP3, "user-facing issue with limited blast radius"
	default:
		return model.SeverityP4, "no user-facing impact signals"
	}
}

// ExtractSignals flattens alert labels, annotations, and enrichment metrics
// into classification signals. Boolean signals OR across alerts; numeric ones
// take the maximum.
func ExtractSignals(alerts []*model.Alert, snapshot *model.EnrichmentSnapshot) Signals {
	var s Signals
	for _, a := range alerts {
		impact := strings.ToLower(field(a, "impact"))
		switch impact {
		case "total_unavailability", "outage", "unavailable", "down":
			s.TotalUnavailability = true
		case "major_feature", "major":
			s.MajorFeature = true
		case "degraded", "degraded_performance", "performance":
			s.Degraded = true
		case "minor", "cosmetic":
			s.MinorUserFacing = true
		}

		switch strings.ToLower(field(a, "availability")) {
		case "total", "none", "down", "0":
			s.TotalUnavailability = true
		}

		if boolish(field(a, "security")) {
			s.SecuritySignal = true
		}
		if boolish(field(a, "data_loss")) {
			s.DataLossRisk = true
		}
		if pct, err := strconv.ParseFloat(field(a, "affected_users_pct"), 64); err == nil && pct > s.AffectedUsersPct {
			s.AffectedUsersPct = pct
		}
		if a.SeverityHint.Valid() && (!s.Hint.Valid() || a.SeverityHint.HigherThan(s.Hint)) {
			s.Hint = a.SeverityHint
		}
	}

	if snapshot != nil {
		if v, ok := snapshot.Metrics["availability"]; ok && v == 0 {
			s.TotalUnavailability = true
		}
		if v, ok := snapshot.Metrics["affected_users_pct"]; ok && v > s.AffectedUsersPct {
			s.AffectedUsersPct = v
		}
	}
	return s
}

// field reads a signal from labels first, then annotations.
func field(a *model.Alert, key string) string {
	if v, ok := a.Labels[key]; ok {
		return v
	}
	return a.Annotations[key]
}

func boolish(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1", "risk", "breach", "suspected":
		return true
	default:
		return false
	}
}
