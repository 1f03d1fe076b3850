// Package provider holds clients for the external systems the incident
// pipeline consults: deployment history, metrics, feature flags, and the
// ops executor that runs diagnosis and rollback commands.
package provider

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
)

// ErrNoData is returned when a metrics query succeeds but matches no series.
var ErrNoData = errors.New("provider: query returned no data")

// SamplePair is a single timestamped metric value.
type SamplePair struct {
	At    time.Time
	Value float64
}

// Series is one metric series returned by a range query.
type Series struct {
	Labels map[string]string
	Points []SamplePair
}

// MetricsBackend answers PromQL queries against the metrics store.
type MetricsBackend interface {
	// QueryScalar evaluates an instant query and returns the value of the
	// first sample. Returns ErrNoData when the result set is empty.
	QueryScalar(ctx context.Context, query string, at time.Time) (float64, error)
	// QueryRange evaluates a range query and returns all matching series.
	QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Series, error)
}

// DeployHistory exposes the deployment system's record of what ran when.
type DeployHistory interface {
	// RecentDeployments lists deployments for a service, newest first.
	RecentDeployments(ctx context.Context, service string) ([]model.Deployment, error)
	// ChangedFiles lists the files changed between a version and its
	// predecessor.
	ChangedFiles(ctx context.Context, service, version string) ([]string, error)
}

// FeatureFlags exposes the flag system's view of what is toggled on.
type FeatureFlags interface {
	ActiveFlags(ctx context.Context, service string) ([]model.FeatureFlag, error)
}

// CommandRunner executes operational commands on the target environment.
type CommandRunner interface {
	// Run executes a single command and returns its captured output. A
	// non-zero exit is reported as an error alongside any partial output.
	Run(ctx context.Context, command string) (string, error)
}

// RollbackExecutor reverts a service to a previous version.
type RollbackExecutor interface {
	Rollback(ctx context.Context, service, fromVersion, toVersion string) error
}

// timeoutError classifies transport errors so callers can tell a slow
// dependency from a broken one.
func timeoutError(err error, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.WrapError(model.KindExternalCallTimeout, err, operation)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.WrapError(model.KindExternalCallTimeout, err, operation)
	}
	return err
}
