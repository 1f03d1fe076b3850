// Package correlation groups normalized alerts into incidents. Alerts sharing
// a correlation key land in one incident while its window is open; the window
// slides with each new alert up to a hard cap.
package correlation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/metrics"
	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/store"
)

// casAttempts bounds optimistic-concurrency retries when appending to an
// incident that a concurrent writer just updated.
const casAttempts = 3

// Config holds the correlation engine settings.
type Config struct {
	// Window is how long an incident keeps accepting matching alerts after
	// the latest one.
	Window time.Duration
	// HardCap bounds total correlation time from incident creation, no
	// matter how often the window slides.
	HardCap time.Duration
	// KeyLabels are the labels forming the correlation key, in order.
	KeyLabels []string
}

// Engine consumes normalized alerts and creates or extends incidents.
type Engine struct {
	store  store.Store
	config Config
	events chan<- model.IncidentEvent
	locks  keyLocks
	nowFn  func() time.Time
}

// New creates a correlation engine emitting incident events to events.
func New(st store.Store, config Config, events chan<- model.IncidentEvent) *Engine {
	return &Engine{
		store:  st,
		config: config,
		events: events,
		nowFn:  time.Now,
	}
}

// Start launches the consumer goroutine reading from alerts until ctx is
// cancelled or the channel closes.
func (e *Engine) Start(ctx context.Context, alerts <-chan *model.Alert) {
	go func() {
		log.Info().
			Dur("window", e.config.Window).
			Dur("hard_cap", e.config.HardCap).
			Strs("key_labels", e.config.KeyLabels).
			Msg("correlation engine started")
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("correlation engine stopped")
				return
			case alert, ok := <-alerts:
				if !ok {
					log.Info().Msg("alert channel closed, correlation engine stopped")
					return
				}
				if _, _, err := e.Correlate(ctx, alert); err != nil {
					log.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to correlate alert")
				}
			}
		}
	}()
}

// Correlate assigns one alert to an incident, creating one when no open
// incident matches. It returns the incident and whether it was created.
func (e *Engine) Correlate(ctx context.Context, alert *model.Alert) (*model.Incident, bool, error) {
	key := CorrelationKey(alert, e.config.KeyLabels)

	// Per-key critical section: at most one incident per key per window even
	// under concurrent arrivals.
	unlock := e.locks.lock(key)
	defer unlock()

	started := e.nowFn()

	inc, err := e.findOpen(ctx, key, alert)
	if err != nil {
		return nil, false, err
	}

	if inc == nil {
		created, err := e.create(ctx, key, alert)
		if err != nil {
			return nil, false, err
		}
		metrics.CorrelationLatency.Observe(e.nowFn().Sub(started).Seconds())
		if err := e.emit(ctx, created, alert, true); err != nil {
			return created, true, err
		}
		return created, true, nil
	}

	if err := e.append(ctx, inc, alert); err != nil {
		return nil, false, err
	}
	metrics.CorrelationLatency.Observe(e.nowFn().Sub(started).Seconds())
	if err := e.emit(ctx, inc, alert, false); err != nil {
		return inc, false, err
	}
	return inc, false, nil
}

// findOpen returns the open incident the alert belongs to, or nil. With two
// or more candidates the most recently created wins and the ambiguity is
// recorded on its timeline.
func (e *Engine) findOpen(ctx context.Context, key string, alert *model.Alert) (*model.Incident, error) {
	candidates, err := e.store.OpenIncidentsByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	now := e.nowFn()
	matching := candidates[:0]
	for _, c := range candidates {
		if c.Halted() {
			continue
		}
		if !now.Before(c.WindowExpiresAt) || !now.Before(c.HardDeadline) {
			continue
		}
		matching = append(matching, c)
	}

	if len(matching) == 0 {
		return nil, nil
	}

	chosen := matching[0]
	if len(matching) > 1 {
		ids := make([]string, len(matching))
		for i, m := range matching {
			ids[i] = m.ID
		}
		ambiguity := model.NewError(model.KindCorrelationAmbiguity,
			"alert %s matched incidents %s", alert.ID, strings.Join(ids, ", "))
		log.Warn().
			Str("alert_id", alert.ID).
			Str("correlation_key", key).
			Strs("incident_ids", ids).
			Str("chosen", chosen.ID).
			Msg(ambiguity.Message)
		chosen.AppendTimeline(model.TimelineEntry{
			Actor:   model.ActorSystem,
			Kind:    model.TimelineCorrelationAmbiguity,
			Message: fmt.Sprintf("alert %s matched open incidents %s, assigned to most recent", alert.ID, strings.Join(ids, ", ")),
			Reason:  "multiple open incidents matched correlation key",
		})
	}
	return chosen, nil
}

func (e *Engine) create(ctx context.Context, key string, alert *model.Alert) (*model.Incident, error) {
	now := e.nowFn().UTC()

	inc := &model.Incident{
		ID:             uuid.NewString(),
		Status:         model.StatusOpen,
		Severity:       model.SeverityP4,
		CorrelationKey: key,
		CreatedAt:      now,
		DetectedAt:     alert.StartsAt,
		HardDeadline:   now.Add(e.config.HardCap),
		Alerts:         []*model.Alert{alert},
		Version:        1,
	}
	inc.WindowExpiresAt = clampWindow(alert.StartsAt.Add(e.config.Window), inc.HardDeadline)
	inc.AppendTimeline(model.TimelineEntry{
		At:      now,
		Actor:   model.ActorSystem,
		Kind:    model.TimelineIncidentCreated,
		Message: fmt.Sprintf("incident opened from alert %s (%s)", alert.AlertName, alert.ID),
	})

	if err := e.store.CreateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	log.Info().
		Str("incident_id", inc.ID).
		Str("correlation_key", key).
		Str("alert_id", alert.ID).
		Time("window_expires_at", inc.WindowExpiresAt).
		Msg("incident created")
	return inc, nil
}

// append adds the alert to an existing incident and slides its window. It
// retries on version conflicts from concurrent writers.
func (e *Engine) append(ctx context.Context, inc *model.Incident, alert *model.Alert) error {
	for attempt := 0; ; attempt++ {
		applyAlert(inc, alert, e.config.Window)

		err := e.store.UpdateIncident(ctx, inc)
		if err == nil {
			log.Info().
				Str("incident_id", inc.ID).
				Str("alert_id", alert.ID).
				Int("alert_count", len(inc.Alerts)).
				Time("window_expires_at", inc.WindowExpiresAt).
				Msg("alert correlated into incident")
			return nil
		}
		if err != store.ErrVersionConflict || attempt >= casAttempts-1 {
			return fmt.Errorf("failed to append alert to incident %s: %w", inc.ID, err)
		}

		fresh, err := e.store.GetIncident(ctx, inc.ID)
		if err != nil {
			return fmt.Errorf("failed to reload incident %s: %w", inc.ID, err)
		}
		*inc = *fresh
	}
}

func applyAlert(inc *model.Incident, alert *model.Alert, window time.Duration) {
	for _, a := range inc.Alerts {
		if a.ID == alert.ID {
			return
		}
	}
	inc.Alerts = append(inc.Alerts, alert)
	if expiry := clampWindow(alert.StartsAt.Add(window), inc.HardDeadline); expiry.After(inc.WindowExpiresAt) {
		inc.WindowExpiresAt = expiry
	}
	inc.AppendTimeline(model.TimelineEntry{
		Actor:   model.ActorSystem,
		Kind:    model.TimelineAlertCorrelated,
		Message: fmt.Sprintf("alert %s (%s) correlated, %d alerts total", alert.AlertName, alert.ID, len(inc.Alerts)),
	})
}

func (e *Engine) emit(ctx context.Context, inc *model.Incident, alert *model.Alert, created bool) error {
	ev := model.IncidentEvent{
		IncidentID: inc.ID,
		AlertID:    alert.ID,
		Service:    alert.Service(),
		Version:    alert.Version(),
		Created:    created,
		At:         e.nowFn().UTC(),
	}
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clampWindow(expiry, deadline time.Time) time.Time {
	if expiry.After(deadline) {
		return deadline
	}
	return expiry
}

// CorrelationKey derives the grouping key for an alert: the configured key
// labels that are present, in order, falling back to the alert name.
func CorrelationKey(alert *model.Alert, keyLabels []string) string {
	parts := make([]string, 0, len(keyLabels))
	for _, k := range keyLabels {
		if v := alert.Labels[k]; v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	if len(parts) == 0 {
		return "alertname=" + alert.AlertName
	}
	return strings.Join(parts, "|")
}
