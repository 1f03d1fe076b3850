package notifier

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cureops/incidentd/internal/incident/metrics"
	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/store"
)

// Channel delivers one notification to its transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, n *model.Notification) (model.DeliveryStatus, error)
}

// Config holds dispatcher tuning. Zero values take defaults.
type Config struct {
	// MaxRetries is the number of retries after the first attempt; a channel
	// never sees more than MaxRetries+1 attempts for one notification.
	MaxRetries int
	// RetryBackoff is the wait before the first retry; it doubles per retry.
	RetryBackoff time.Duration
	// SendTimeout bounds one channel send.
	SendTimeout time.Duration
	// BatchWindow collapses updates for the same incident, role and channel
	// scheduled within it.
	BatchWindow time.Duration
	// PollInterval is the scheduler wake cadence.
	PollInterval time.Duration
}

// Dispatcher schedules notifications per the policy matrix and delivers them
// from a delayed queue. Delivery is at-least-once per channel; failures never
// propagate back into incident state.
type Dispatcher struct {
	store    store.Store
	policy   *Policy
	channels map[string]Channel
	config   Config

	mu    sync.Mutex
	queue deliveryQueue
	wake  chan struct{}

	nowFn   func() time.Time
	sleepFn func(time.Duration)
}

// New creates a dispatcher. Channels are keyed by their Name.
func New(st store.Store, policy *Policy, channels []Channel, config Config) *Dispatcher {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 2 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 30 * time.Second
	}
	if config.BatchWindow <= 0 {
		config.BatchWindow = time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}

	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Dispatcher{
		store:    st,
		policy:   policy,
		channels: byName,
		config:   config,
		wake:     make(chan struct{}, 1),
		nowFn:    func() time.Time { return time.Now().UTC() },
		sleepFn:  time.Sleep,
	}
}

// Start runs the scheduler goroutine until ctx is cancelled. A single
// goroutine drains the queue so deliveries for one process stay ordered.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	log.Info().Msg("notification dispatcher started")
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("notification dispatcher stopped")
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.deliverDue(ctx)
	}
}

// Schedule plans deliveries for an incident update according to the policy
// matrix and returns the created notifications. Pending updates for the same
// incident, role and channel scheduled inside the batch window are superseded
// and marked batched; the newest update is the one delivered.
func (d *Dispatcher) Schedule(ctx context.Context, inc *model.Incident, message string) []*model.Notification {
	routes := d.policy.RoutesFor(inc.Severity)
	if len(routes) == 0 {
		log.Warn().Str("incident_id", inc.ID).Str("severity", string(inc.Severity)).
			Msg("no notification routes for severity")
		return nil
	}

	now := d.nowFn()
	scheduled := make([]*model.Notification, 0, len(routes))
	for _, r := range routes {
		n := &model.Notification{
			ID:             uuid.NewString(),
			IncidentID:     inc.ID,
			Severity:       inc.Severity,
			Role:           r.Role,
			Channel:        r.Channel,
			Message:        message,
			ScheduledAt:    now.Add(r.Delay),
			DeliveryStatus: model.DeliveryPending,
		}
		if err := d.store.CreateNotification(ctx, n); err != nil {
			log.Error().Err(err).Str("incident_id", inc.ID).Str("role", r.Role).
				Msg("failed to persist notification")
			continue
		}
		d.enqueue(ctx, n)
		scheduled = append(scheduled, n)
	}
	return scheduled
}

// Cancel marks a pending notification cancelled so the scheduler skips it.
// Held under the queue mutex for the same reason as enqueue.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.DeliveryStatus != model.DeliveryPending {
		return fmt.Errorf("notification %s is %s, not pending", id, n.DeliveryStatus)
	}
	n.DeliveryStatus = model.DeliveryCancelled
	if err := d.store.UpdateNotification(ctx, n); err != nil {
		return err
	}
	for _, q := range d.queue {
		if q.ID == id {
			q.DeliveryStatus = model.DeliveryCancelled
		}
	}

	metrics.NotificationDeliveries.WithLabelValues(n.Channel, string(model.DeliveryCancelled)).Inc()
	log.Info().Str("notification_id", id).Str("incident_id", n.IncidentID).
		Msg("notification cancelled by operator")
	return nil
}

// enqueue pushes n and supersedes pending siblings inside the batch window.
// The store write happens under the queue mutex so the scheduler cannot pop
// a sibling between the mark and the persist.
func (d *Dispatcher) enqueue(ctx context.Context, n *model.Notification) {
	d.mu.Lock()
	for _, q := range d.queue {
		if q.IncidentID != n.IncidentID || q.Role != n.Role || q.Channel != n.Channel {
			continue
		}
		if q.DeliveryStatus != model.DeliveryPending {
			continue
		}
		delta := n.ScheduledAt.Sub(q.ScheduledAt)
		if delta < 0 {
			delta = -delta
		}
		if delta >= d.config.BatchWindow {
			continue
		}
		q.DeliveryStatus = model.DeliveryBatched
		if err := d.store.UpdateNotification(ctx, q); err != nil {
			log.Error().Err(err).Str("notification_id", q.ID).Msg("failed to mark notification batched")
		}
		metrics.NotificationDeliveries.WithLabelValues(q.Channel, string(model.DeliveryBatched)).Inc()
		log.Info().Str("notification_id", q.ID).Str("superseded_by", n.ID).
			Str("incident_id", n.IncidentID).Str("channel", n.Channel).
			Msg("notification batched into newer update")
	}
	heap.Push(&d.queue, n)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// deliverDue pops and delivers every notification whose time has come.
func (d *Dispatcher) deliverDue(ctx context.Context) {
	for {
		n := d.popDue(d.nowFn())
		if n == nil {
			return
		}
		d.deliver(ctx, n)
	}
}

func (d *Dispatcher) popDue(now time.Time) *model.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 || d.queue[0].ScheduledAt.After(now) {
		return nil
	}
	return heap.Pop(&d.queue).(*model.Notification)
}

func (d *Dispatcher) deliver(ctx context.Context, n *model.Notification) {
	// The store is authoritative: cancellations and batching land there first.
	if current, err := d.store.GetNotification(ctx, n.ID); err != nil {
		log.Error().Err(err).Str("notification_id", n.ID).Msg("failed to reload notification, delivering queued copy")
	} else {
		n = current
	}
	if n.DeliveryStatus != model.DeliveryPending {
		return
	}

	// Scheduled notifications survive resolution, but a cancelled or closed
	// incident aborts them.
	if inc, err := d.store.GetIncident(ctx, n.IncidentID); err == nil && inc.Halted() {
		n.DeliveryStatus = model.DeliveryCancelled
		if err := d.store.UpdateNotification(ctx, n); err != nil {
			log.Error().Err(err).Str("notification_id", n.ID).Msg("failed to mark notification cancelled")
		}
		if err := d.store.AppendTimeline(ctx, n.IncidentID, model.TimelineEntry{
			At:      d.nowFn(),
			Actor:   model.ActorSystem,
			Kind:    model.TimelineTerminatedEarly,
			Message: fmt.Sprintf("notification to %s over %s abandoned", n.Role, n.Channel),
			Reason:  "incident cancelled or closed",
		}); err != nil {
			log.Error().Err(err).Str("incident_id", n.IncidentID).Msg("failed to append timeline entry")
		}
		metrics.NotificationDeliveries.WithLabelValues(n.Channel, string(model.DeliveryCancelled)).Inc()
		log.Info().Str("notification_id", n.ID).Str("incident_id", n.IncidentID).
			Msg("incident halted, notification abandoned")
		return
	}

	d.send(ctx, n)
}

// send walks the fallback chain until one channel delivers or the chain is
// exhausted. Each channel gets at most MaxRetries+1 attempts.
func (d *Dispatcher) send(ctx context.Context, n *model.Notification) {
	name := n.Channel
	visited := make(map[string]bool)
	for {
		visited[name] = true
		err := d.attemptChannel(ctx, n, name)
		if err == nil {
			now := d.nowFn()
			n.SentAt = &now
			n.DeliveryStatus = model.DeliverySent
			if err := d.store.UpdateNotification(ctx, n); err != nil {
				log.Error().Err(err).Str("notification_id", n.ID).Msg("failed to record delivery")
			}
			metrics.NotificationDeliveries.WithLabelValues(name, string(model.DeliverySent)).Inc()
			evt := log.Info().Str("notification_id", n.ID).Str("incident_id", n.IncidentID).
				Str("role", n.Role).Str("channel", name).Int("attempts", n.Attempts)
			if name != n.Channel {
				evt = evt.Str("requested_channel", n.Channel)
			}
			evt.Msg("notification delivered")
			return
		}

		next, ok := d.policy.Fallback(name)
		if !ok || visited[next] {
			n.DeliveryStatus = model.DeliveryFailed
			if uerr := d.store.UpdateNotification(ctx, n); uerr != nil {
				log.Error().Err(uerr).Str("notification_id", n.ID).Msg("failed to record delivery failure")
			}
			metrics.NotificationDeliveries.WithLabelValues(name, string(model.DeliveryFailed)).Inc()
			log.Error().
				Err(model.WrapError(model.KindNotificationDeliveryFailed, err,
					fmt.Sprintf("notification %s to %s undeliverable", n.ID, n.Role))).
				Str("incident_id", n.IncidentID).Int("attempts", n.Attempts).
				Msg("notification delivery failed")
			return
		}

		log.Warn().Err(err).Str("notification_id", n.ID).Str("channel", name).
			Str("fallback", next).Msg("channel exhausted, falling back")
		name = next
	}
}

// attemptChannel tries one channel with bounded retries and doubling backoff.
func (d *Dispatcher) attemptChannel(ctx context.Context, n *model.Notification, name string) error {
	ch, ok := d.channels[name]
	if !ok {
		return model.NewError(model.KindNotificationDeliveryFailed, "channel %q is not configured", name)
	}

	attempts := d.config.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			d.sleepFn(d.config.RetryBackoff * time.Duration(1<<(attempt-2)))
		}
		status, err := d.sendOnce(ctx, ch, n)
		n.Attempts++
		if err == nil && status == model.DeliverySent {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("channel %s returned status %s", name, status)
		}
		lastErr = err
		log.Warn().Err(err).Str("notification_id", n.ID).Str("channel", name).
			Int("attempt", attempt).Int("max_attempts", attempts).
			Msg("notification delivery attempt failed")
	}
	return lastErr
}

func (d *Dispatcher) sendOnce(ctx context.Context, ch Channel, n *model.Notification) (model.DeliveryStatus, error) {
	sctx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	status, err := ch.Send(sctx, n)
	if err != nil && sctx.Err() == context.DeadlineExceeded && !model.IsKind(err, model.KindExternalCallTimeout) {
		err = model.WrapError(model.KindExternalCallTimeout, err,
			fmt.Sprintf("%s delivery timed out", ch.Name()))
	}
	return status, err
}
