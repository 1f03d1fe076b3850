package normalizer

import (
	"context"
	"time"
)

// RawAlert is the ingest payload accepted from monitoring backends. Field
// names follow the alertmanager webhook shape so existing senders need no
// translation layer.
type RawAlert struct {
	Source      string            `json:"source"`
	AlertName   string            `json:"alert_name"`
	Severity    string            `json:"severity,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	StartsAt    time.Time         `json:"starts_at"`
	Fingerprint string            `json:"fingerprint,omitempty"`
}

// SuppressionStore tracks which fingerprints fired recently so repeats inside
// the suppression window collapse into an occurrence count.
type SuppressionStore interface {
	// FirstSeen marks the fingerprint and reports whether this is its first
	// occurrence inside the window.
	FirstSeen(ctx context.Context, fingerprint string, window time.Duration) (bool, error)
}
