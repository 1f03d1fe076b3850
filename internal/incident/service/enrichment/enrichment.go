// Package enrichment gathers the context an incident needs for diagnosis:
// recent deployments, changed files, active feature flags, and key service
// metrics. Collectors run in parallel and individual failures degrade the
// snapshot to partial instead of failing it.
package enrichment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/provider"
)

// Collector assembles enrichment snapshots from the external providers.
type Collector struct {
	deploys provider.DeployHistory
	flags   provider.FeatureFlags
	metrics provider.MetricsBackend
	timeout time.Duration
	nowFn   func() time.Time
}

// New creates a Collector. timeout bounds the whole collection pass.
func New(deploys provider.DeployHistory, flags provider.FeatureFlags, metrics provider.MetricsBackend, timeout time.Duration) *Collector {
	return &Collector{
		deploys: deploys,
		flags:   flags,
		metrics: metrics,
		timeout: timeout,
		nowFn:   time.Now,
	}
}

// Collect builds a snapshot for the incident. The returned snapshot is never
// nil; when every provider fails it is empty, marked partial, and the error
// carries the EnrichmentUnavailable kind.
func (c *Collector) Collect(ctx context.Context, inc *model.Incident) (*model.EnrichmentSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	service, version, _ := inc.ImplicatedDeployment()
	if service == "" {
		if latest := inc.LatestAlert(); latest != nil {
			service = latest.Service()
		}
	}

	var (
		deployments []model.Deployment
		deployErr   error
		changed     []string
		changedErr  error
		flags       []model.FeatureFlag
		flagsErr    error
		metricVals  map[string]float64
		metricsErr  error
	)

	var g errgroup.Group
	g.Go(func() error {
		deployments, deployErr = c.deploys.RecentDeployments(ctx, service)
		return nil
	})
	if version != "" {
		g.Go(func() error {
			changed, changedErr = c.deploys.ChangedFiles(ctx, service, version)
			return nil
		})
	}
	g.Go(func() error {
		flags, flagsErr = c.flags.ActiveFlags(ctx, service)
		return nil
	})
	g.Go(func() error {
		metricVals, metricsErr = c.collectMetrics(ctx, service)
		return nil
	})
	_ = g.Wait()

	snapshot := &model.EnrichmentSnapshot{
		Deployments:  deployments,
		ChangedFiles: changed,
		FeatureFlags: flags,
		Metrics:      metricVals,
		CollectedAt:  c.nowFn().UTC(),
	}

	checks := []struct {
		name      string
		attempted bool
		err       error
	}{
		{"deployments", true, deployErr},
		{"changed_files", version != "", changedErr},
		{"feature_flags", true, flagsErr},
		{"metrics", true, metricsErr},
	}
	attempted := 0
	for _, check := range checks {
		if !check.attempted {
			continue
		}
		attempted++
		if check.err != nil {
			snapshot.Partial = true
			snapshot.Failures = append(snapshot.Failures, fmt.Sprintf("%s: %v", check.name, check.err))
			log.Warn().Err(check.err).Str("incident_id", inc.ID).Str("collector", check.name).Msg("enrichment collector failed")
		}
	}

	if len(snapshot.Failures) == attempted {
		return snapshot, model.NewError(model.KindEnrichmentUnavailable,
			"all enrichment collectors failed for incident %s", inc.ID)
	}
	return snapshot, nil
}

// collectMetrics pulls the standard service health metrics used by the
// classifier and the report. Queries that match no series are skipped.
func (c *Collector) collectMetrics(ctx context.Context, service string) (map[string]float64, error) {
	queries := []struct {
		name string
		expr string
	}{
		{"error_rate", fmt.Sprintf(
			`sum(rate(http_requests_errors_total{service=%q}[5m])) / sum(rate(http_requests_total{service=%q}[5m]))`,
			service, service)},
		{"availability", fmt.Sprintf(`avg_over_time(up{service=%q}[5m])`, service)},
	}

	now := c.nowFn()
	values := make(map[string]float64, len(queries))
	var lastErr error
	for _, q := range queries {
		v, err := c.metrics.QueryScalar(ctx, q.expr, now)
		if err == provider.ErrNoData {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		values[q.name] = v
	}
	if len(values) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return values, nil
}
