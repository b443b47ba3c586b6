// Package notify turns committed audit events into in-app notifications.
//
// The Dispatcher is an asynchronous EventPublisher: events are queued and
// written by a small worker pool, retried with exponential backoff, and never
// fail the workflow operation that produced them. Delivery is at-least-once;
// the notification idempotency key absorbs duplicates.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/service"
	"github.com/poplovexz/qiyewenjian-sub002/internal/telemetry"
)

// Store is the subset of repository.Store the dispatcher writes through.
type Store interface {
	GetUser(ctx context.Context, id string) (*repository.User, error)
	InsertNotification(ctx context.Context, n *repository.Notification) (bool, error)
}

// Config tunes the worker pool and the retry policy.
type Config struct {
	Workers        int
	QueueSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Dispatcher delivers notifications for audit events.
type Dispatcher struct {
	store Store
	cfg   Config
	log   *logger.Logger
	now   func() time.Time
	newID func() string

	queue  chan service.Event
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	started bool
	closed  bool
}

var _ service.EventPublisher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Call Start to run the workers.
func NewDispatcher(store Store, cfg Config, log *logger.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		log:    log.Component("notification_dispatcher"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		queue:  make(chan service.Event, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker pool. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.group.Go(func() error {
			for ev := range d.queue {
				telemetry.NotificationQueueDepth.Dec()
				d.deliver(d.ctx, ev)
			}
			return nil
		})
	}
	d.log.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).Msg("Notification dispatcher started")
}

// Publish enqueues an event. It never blocks on delivery: when the queue is
// full the event is delivered on its own goroutine.
func (d *Dispatcher) Publish(_ context.Context, ev service.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		telemetry.NotificationDeliveriesTotal.WithLabelValues(string(ev.Type), "failed").Inc()
		d.log.Warn().Str("event_type", string(ev.Type)).Str("workflow_id", ev.WorkflowID).Msg("Dispatcher stopped, notification dropped")
		return
	}

	select {
	case d.queue <- ev:
		telemetry.NotificationQueueDepth.Inc()
	default:
		d.log.Warn().Str("event_type", string(ev.Type)).Str("workflow_id", ev.WorkflowID).Msg("Notification queue full, delivering out of band")
		d.group.Go(func() error {
			d.deliver(d.ctx, ev)
			return nil
		})
	}
}

// Stop closes the queue and waits for queued events to be delivered. If ctx
// expires first, in-flight deliveries are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		// Nobody will read the queue; drain it here.
		for ev := range d.queue {
			telemetry.NotificationQueueDepth.Dec()
			d.deliver(d.ctx, ev)
		}
	}

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.log.Info().Msg("Notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// deliver builds and stores one notification. Failures are logged and
// counted, never returned.
func (d *Dispatcher) deliver(ctx context.Context, ev service.Event) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.NotificationDeliveriesTotal.WithLabelValues(string(ev.Type), "failed").Inc()
			d.log.Error().Interface("panic", r).Str("workflow_id", ev.WorkflowID).Msg("Notification delivery panicked")
		}
	}()

	n, ok := d.build(ctx, ev)
	if !ok {
		return
	}

	var inserted bool
	op := func() error {
		var err error
		inserted, err = d.store.InsertNotification(ctx, n)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.InitialBackoff
	policy.MaxInterval = d.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.cfg.MaxRetries)), ctx),
		func(err error, wait time.Duration) {
			telemetry.NotificationRetriesTotal.Inc()
			d.log.Warn().Err(err).
				Str("notification_type", string(n.Type)).
				Str("workflow_id", n.RelatedWorkflowID).
				Dur("retry_in", wait).
				Msg("Notification insert failed, retrying")
		})

	switch {
	case err != nil:
		telemetry.NotificationDeliveriesTotal.WithLabelValues(string(n.Type), "failed").Inc()
		d.log.Error().Err(err).
			Str("notification_type", string(n.Type)).
			Str("workflow_id", n.RelatedWorkflowID).
			Str("recipient_id", n.RecipientID).
			Msg("Notification delivery failed")
	case !inserted:
		telemetry.NotificationDeliveriesTotal.WithLabelValues(string(n.Type), "duplicate").Inc()
		d.log.Debug().
			Str("notification_type", string(n.Type)).
			Str("workflow_id", n.RelatedWorkflowID).
			Msg("Notification already delivered")
	default:
		telemetry.NotificationDeliveriesTotal.WithLabelValues(string(n.Type), "delivered").Inc()
		d.log.Debug().
			Str("notification_type", string(n.Type)).
			Str("workflow_id", n.RelatedWorkflowID).
			Str("recipient_id", n.RecipientID).
			Msg("Notification delivered")
	}
}

// ── Message building ─────────────────────────────────────────────────────────

func (d *Dispatcher) build(ctx context.Context, ev service.Event) (*repository.Notification, bool) {
	n := &repository.Notification{
		ID:                d.newID(),
		RelatedWorkflowID: ev.WorkflowID,
		SourceEventID:     ev.ID,
		Status:            repository.NotificationUnread,
		Priority:          repository.PriorityNormal,
		CreatedAt:         d.now(),
	}
	label := ev.AuditType.Label()
	entity := strings.TrimSpace(ev.RelatedEntityType + " " + ev.RelatedEntityID)

	switch ev.Type {
	case service.EventStepAssigned:
		n.Type = repository.NotificationPending
		n.RecipientID = ev.ApproverUserID
		n.RelatedStepID = ev.StepID
		n.Priority = repository.PriorityHigh
		n.Title = label + " awaiting your approval"
		n.Body = fmt.Sprintf("%s submitted %s for approval. Step %d: %s.",
			d.displayName(ctx, ev.ApplicantID), entity, ev.StepIndex, ev.StepName)
	case service.EventWorkflowApproved:
		n.Type = repository.NotificationApproved
		n.RecipientID = ev.ApplicantID
		n.Title = label + " approved"
		n.Body = fmt.Sprintf("Your request for %s was approved.", entity)
	case service.EventWorkflowRejected:
		n.Type = repository.NotificationRejected
		n.RecipientID = ev.ApplicantID
		n.Title = label + " rejected"
		n.Body = fmt.Sprintf("Your request for %s was rejected by %s.", entity, d.displayName(ctx, ev.ActorID))
		if c := strings.TrimSpace(ev.Comment); c != "" {
			n.Body += " Comment: " + c
		}
	case service.EventWorkflowCancelled:
		n.Type = repository.NotificationCancelled
		n.RecipientID = ev.ApplicantID
		n.Title = label + " cancelled"
		n.Body = fmt.Sprintf("The approval request for %s was cancelled.", entity)
		if c := strings.TrimSpace(ev.Comment); c != "" {
			n.Body += " Reason: " + c
		}
	default:
		d.log.Debug().Str("event_type", string(ev.Type)).Msg("No notification for event type")
		return nil, false
	}

	if n.RecipientID == "" {
		d.log.Warn().Str("event_type", string(ev.Type)).Str("workflow_id", ev.WorkflowID).Msg("Event has no recipient, notification skipped")
		return nil, false
	}
	return n, true
}

// displayName falls back to the raw id when the directory lookup fails.
func (d *Dispatcher) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return "someone"
	}
	u, err := d.store.GetUser(ctx, userID)
	if err != nil || u.Name == "" {
		return userID
	}
	return u.Name
}
