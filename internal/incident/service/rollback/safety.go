package rollback

import (
	"fmt"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
)

// SafetyConfig holds the gates that must ALL pass before an automatic
// rollback may execute.
type SafetyConfig struct {
	// MinAge and MaxAge bound the deployment age: too young and metrics are
	// not trustworthy yet, too old and the deployment is unlikely at fault.
	MinAge time.Duration
	MaxAge time.Duration
	// MinTrafficFraction is the minimum observed traffic share through the
	// suspect version.
	MinTrafficFraction float64
}

// SafetyFacts are the gathered inputs for the safety evaluation. A nil
// Deployment means the history provider failed or has no record for the
// suspect version; the dependent checks then fail conservatively.
type SafetyFacts struct {
	Deployment      *model.Deployment
	TrafficFraction Sample
}

// EvaluateSafety applies the safety-check table to gathered facts. Pure; a
// missing fact always fails its check.
func EvaluateSafety(facts SafetyFacts, cfg SafetyConfig, now time.Time) []model.SafetyCheck {
	checks := make([]model.SafetyCheck, 0, 3)

	age := model.SafetyCheck{Name: "deployment_age"}
	switch {
	case facts.Deployment == nil:
		age.Detail = "deployment record unavailable"
	default:
		d := now.Sub(facts.Deployment.DeployedAt)
		age.Passed = d >= cfg.MinAge && d <= cfg.MaxAge
		age.Detail = fmt.Sprintf("deployed %s ago, allowed [%s, %s]", d.Round(time.Second), cfg.MinAge, cfg.MaxAge)
	}
	checks = append(checks, age)

	traffic := model.SafetyCheck{Name: "traffic_fraction"}
	switch {
	case !facts.TrafficFraction.OK:
		traffic.Detail = "traffic share unavailable"
	default:
		traffic.Passed = facts.TrafficFraction.Value >= cfg.MinTrafficFraction
		traffic.Detail = fmt.Sprintf("%.3f of traffic on suspect version, need %.3f", facts.TrafficFraction.Value, cfg.MinTrafficFraction)
	}
	checks = append(checks, traffic)

	previous := model.SafetyCheck{Name: "previous_version_healthy"}
	switch {
	case facts.Deployment == nil:
		previous.Detail = "deployment record unavailable"
	case facts.Deployment.PreviousVersion == "":
		previous.Detail = "no previous version to roll back to"
	default:
		previous.Passed = facts.Deployment.PreviousVersionHealthy
		previous.Detail = fmt.Sprintf("previous version %s healthy=%t", facts.Deployment.PreviousVersion, facts.Deployment.PreviousVersionHealthy)
	}
	checks = append(checks, previous)

	return checks
}

func failedChecks(checks []model.SafetyCheck) []string {
	var failed []string
	for _, c := range checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}
