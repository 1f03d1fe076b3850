// Package normalizer turns raw monitoring payloads into canonical alerts:
// validation, label cleanup, severity hint mapping, fingerprinting, and
// suppression-window deduplication.
package normalizer

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	promodel "github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/metrics"
	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/store"
)

// labelAliases maps alternative label keys to canonical ones.
var labelAliases = map[string]string{
	"service_name":    "service",
	"svc":             "service",
	"service_version": "version",
	"app_version":     "version",
	"component_name":  "component",
}

// severityHints maps backend-specific severity strings to canonical hints.
// Unknown strings carry no hint and leave severity to the classifier.
var severityHints = map[string]model.Severity{
	"page":     model.SeverityP0,
	"sev0":     model.SeverityP0,
	"fatal":    model.SeverityP0,
	"disaster": model.SeverityP0,
	"critical": model.SeverityP1,
	"crit":     model.SeverityP1,
	"sev1":     model.SeverityP1,
	"error":    model.SeverityP2,
	"major":    model.SeverityP2,
	"sev2":     model.SeverityP2,
	"warning":  model.SeverityP3,
	"warn":     model.SeverityP3,
	"minor":    model.SeverityP3,
	"sev3":     model.SeverityP3,
	"info":     model.SeverityP4,
	"notice":   model.SeverityP4,
	"sev4":     model.SeverityP4,
}

// Normalizer validates, canonicalizes, and deduplicates incoming alerts, then
// hands survivors to the correlation channel.
type Normalizer struct {
	store    store.Store
	suppress SuppressionStore
	out      chan<- *model.Alert
	window   time.Duration
	nowFn    func() time.Time
}

// New creates a Normalizer publishing accepted alerts to out.
func New(st store.Store, suppress SuppressionStore, out chan<- *model.Alert, window time.Duration) *Normalizer {
	return &Normalizer{
		store:    st,
		suppress: suppress,
		out:      out,
		window:   window,
		nowFn:    time.Now,
	}
}

// Ingest processes one raw alert. It returns the stored alert and whether it
// was deduplicated into an earlier occurrence. Validation failures return an
// InvalidAlertPayload error and touch nothing.
func (n *Normalizer) Ingest(ctx context.Context, raw RawAlert) (*model.Alert, bool, error) {
	if err := validate(raw); err != nil {
		return nil, false, err
	}

	alert := n.canonicalize(raw)

	first, err := n.suppress.FirstSeen(ctx, alert.Fingerprint, n.window)
	if err != nil {
		// Suppression is best-effort: a broken dedup store must not drop
		// alerts, so treat the fingerprint as fresh.
		log.Error().Err(err).Str("fingerprint", alert.Fingerprint).Msg("suppression check failed, treating alert as new")
		first = true
	}

	if !first {
		existing, err := n.store.IncrementAlertOccurrences(ctx, alert.Fingerprint)
		if err == nil {
			metrics.AlertsDeduplicated.Inc()
			log.Debug().
				Str("fingerprint", alert.Fingerprint).
				Str("alert_id", existing.ID).
				Int("occurrences", existing.Occurrences).
				Msg("alert deduplicated within suppression window")
			return existing, true, nil
		}
		if err != store.ErrNotFound {
			return nil, false, err
		}
		// Suppression mark without a stored row: the earlier ingest died
		// before persisting. Fall through and store this one.
		log.Warn().Str("fingerprint", alert.Fingerprint).Msg("suppression mark had no stored alert, storing fresh")
	}

	if err := n.store.CreateAlert(ctx, alert); err != nil {
		return nil, false, err
	}
	metrics.AlertsIngested.WithLabelValues(alert.Source).Inc()

	select {
	case n.out <- alert:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	log.Info().
		Str("alert_id", alert.ID).
		Str("source", alert.Source).
		Str("alert_name", alert.AlertName).
		Str("fingerprint", alert.Fingerprint).
		Msg("alert accepted")
	return alert, false, nil
}

func validate(raw RawAlert) error {
	reject := func(reason, format string, args ...any) error {
		metrics.AlertsRejected.WithLabelValues(reason).Inc()
		return model.NewError(model.KindInvalidAlertPayload, format, args...)
	}

	if strings.TrimSpace(raw.Source) == "" {
		return reject("missing_source", "source is required")
	}
	if strings.TrimSpace(raw.AlertName) == "" {
		return reject("missing_alert_name", "alert_name is required")
	}
	if raw.StartsAt.IsZero() {
		return reject("missing_starts_at", "starts_at is required")
	}
	if raw.Fingerprint == "" && len(raw.Labels) == 0 {
		return reject("missing_identity", "alert must carry a fingerprint or at least one label")
	}
	if hint := strings.TrimSpace(raw.Severity); hint != "" {
		if _, ok := mapSeverityHint(hint); !ok {
			log.Debug().Str("severity", hint).Msg("unknown severity hint, leaving classification to the engine")
		}
	}
	return nil
}

func (n *Normalizer) canonicalize(raw RawAlert) *model.Alert {
	labels := normalizeLabels(raw.Labels)
	hint, _ := mapSeverityHint(raw.Severity)

	fingerprint := raw.Fingerprint
	if fingerprint == "" {
		fingerprint = computeFingerprint(raw.AlertName, labels)
	}

	annotations := make(map[string]string, len(raw.Annotations))
	for k, v := range raw.Annotations {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		annotations[k] = v
	}

	return &model.Alert{
		ID:           uuid.NewString(),
		Source:       strings.TrimSpace(raw.Source),
		AlertName:    strings.TrimSpace(raw.AlertName),
		SeverityHint: hint,
		Labels:       labels,
		Annotations:  annotations,
		StartsAt:     raw.StartsAt.UTC(),
		Fingerprint:  fingerprint,
		Occurrences:  1,
		ReceivedAt:   n.nowFn().UTC(),
	}
}

// normalizeLabels lowercases and trims keys, applies aliases, and drops empty
// pairs. The input map is not mutated.
func normalizeLabels(in map[string]string) map[string]string {
	result := make(map[string]string, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		if canonical, ok := labelAliases[key]; ok {
			key = canonical
		}
		val := strings.TrimSpace(rawVal)
		if val == "" {
			continue
		}
		result[key] = val
	}
	return result
}

func mapSeverityHint(s string) (model.Severity, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", false
	}
	if sev, ok := model.ParseSeverity(strings.ToUpper(s)); ok {
		return sev, true
	}
	if sev, ok := severityHints[s]; ok {
		return sev, true
	}
	return "", false
}

// computeFingerprint hashes the alert identity the same way alertmanager
// does, so fingerprints stay stable across senders.
func computeFingerprint(alertName string, labels map[string]string) string {
	ls := make(promodel.LabelSet, len(labels)+1)
	for k, v := range labels {
		ls[promodel.LabelName(k)] = promodel.LabelValue(v)
	}
	ls[promodel.AlertNameLabel] = promodel.LabelValue(alertName)
	return ls.Fingerprint().String()
}
