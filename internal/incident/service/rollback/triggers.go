// Package rollback decides whether an implicated deployment should be rolled
// back, gated by safety checks, an anti-thrash ledger and a per-service lock.
package rollback

import (
	"fmt"
	"strings"
	"time"

	promodel "github.com/prometheus/common/model"
)

// TriggerConfig holds the trigger thresholds. Any single trigger firing is
// enough to start a rollback evaluation.
type TriggerConfig struct {
	// ErrorRateThreshold is the request error fraction above which the
	// error_rate trigger fires.
	ErrorRateThreshold float64
	// LatencyBaselineFactor fires the p99_latency trigger when current p99
	// exceeds factor times the rolling baseline.
	LatencyBaselineFactor float64
	// CrashLoopThreshold is the restart count at or above which the
	// crash_loop trigger fires.
	CrashLoopThreshold int
	// HealthFailureThreshold is the health-check failure ratio above which
	// the health_check_failures trigger fires.
	HealthFailureThreshold float64
	// Window is the evaluation window for every trigger query.
	Window time.Duration
	// BaselineWindow is how far back the p99 baseline looks.
	BaselineWindow time.Duration
}

// Sample is one gathered metric value. OK is false when the backend had no
// data or the query failed; absent samples never fire a trigger.
type Sample struct {
	Value float64
	OK    bool
}

// TriggerSignals are the gathered inputs for one trigger evaluation.
type TriggerSignals struct {
	ErrorRate          Sample
	P99                Sample
	P99Baseline        Sample
	CrashLoops         Sample
	HealthFailureRatio Sample
}

// Snapshot flattens the present signals into the audit map stored on the
// rollback decision.
func (s TriggerSignals) Snapshot() map[string]float64 {
	snap := make(map[string]float64, 5)
	if s.ErrorRate.OK {
		snap["error_rate"] = s.ErrorRate.Value
	}
	if s.P99.OK {
		snap["p99_latency"] = s.P99.Value
	}
	if s.P99Baseline.OK {
		snap["p99_baseline"] = s.P99Baseline.Value
	}
	if s.CrashLoops.OK {
		snap["crash_loops"] = s.CrashLoops.Value
	}
	if s.HealthFailureRatio.OK {
		snap["health_failure_ratio"] = s.HealthFailureRatio.Value
	}
	if len(snap) == 0 {
		return nil
	}
	return snap
}

// Trigger is one fired trigger condition.
type Trigger struct {
	Name      string
	Value     float64
	Threshold float64
}

// EvaluateTriggers applies the trigger table to gathered signals. Pure.
func EvaluateTriggers(s TriggerSignals, cfg TriggerConfig) []Trigger {
	var fired []Trigger
	if s.ErrorRate.OK && s.ErrorRate.Value > cfg.ErrorRateThreshold {
		fired = append(fired, Trigger{"error_rate", s.ErrorRate.Value, cfg.ErrorRateThreshold})
	}
	if s.P99.OK && s.P99Baseline.OK && s.P99Baseline.Value > 0 {
		if limit := cfg.LatencyBaselineFactor * s.P99Baseline.Value; s.P99.Value > limit {
			fired = append(fired, Trigger{"p99_latency", s.P99.Value, limit})
		}
	}
	if s.CrashLoops.OK && s.CrashLoops.Value >= float64(cfg.CrashLoopThreshold) {
		fired = append(fired, Trigger{"crash_loop", s.CrashLoops.Value, float64(cfg.CrashLoopThreshold)})
	}
	if s.HealthFailureRatio.OK && s.HealthFailureRatio.Value > cfg.HealthFailureThreshold {
		fired = append(fired, Trigger{"health_check_failures", s.HealthFailureRatio.Value, cfg.HealthFailureThreshold})
	}
	return fired
}

func triggerSummary(fired []Trigger) string {
	parts := make([]string, 0, len(fired))
	for _, t := range fired {
		parts = append(parts, fmt.Sprintf("%s=%.4g (threshold %.4g)", t.Name, t.Value, t.Threshold))
	}
	return strings.Join(parts, "; ")
}

// rangeSelector renders the trigger window as a PromQL range selector value.
func (cfg TriggerConfig) rangeSelector() string {
	return promodel.Duration(cfg.Window).String()
}

func errorRateQuery(service, window string) string {
	return fmt.Sprintf(
		`sum(rate(http_requests_errors_total{service=%q}[%s])) / sum(rate(http_requests_total{service=%q}[%s]))`,
		service, window, service, window)
}

func p99Query(service, window string) string {
	return fmt.Sprintf(
		`histogram_quantile(0.99, sum by (le) (rate(http_request_duration_seconds_bucket{service=%q}[%s])))`,
		service, window)
}

func crashLoopQuery(service, window string) string {
	return fmt.Sprintf(`sum(increase(container_restarts_total{service=%q}[%s]))`, service, window)
}

func healthFailureQuery(service, window string) string {
	return fmt.Sprintf(`1 - avg_over_time(up{service=%q}[%s])`, service, window)
}

func trafficFractionQuery(service, version, window string) string {
	return fmt.Sprintf(
		`sum(rate(http_requests_total{service=%q,version=%q}[%s])) / sum(rate(http_requests_total{service=%q}[%s]))`,
		service, version, window, service, window)
}
