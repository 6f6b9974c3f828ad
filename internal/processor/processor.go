// Package processor holds the per-event-type side effects of the pipeline.
// Every processor is idempotent: facts are keyed by their source event and
// tracking writes are upserts, so a retried event converges to one result.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/queue"
	"github.com/austindbirch/cart_sentinel/internal/store"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

// Func runs the side effects of one event.
type Func func(ctx context.Context, ev *domain.WebhookEvent) error

// Enqueuer accepts derived events, e.g. first_purchase from orders/create.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.Result, error)
}

// Store is the persistence a processor touches.
type Store interface {
	store.TrackingStore
	store.FactStore
	store.RecoveryStore
	store.CommerceStore
	store.TenantStore
}

type Config struct {
	HighValueThreshold float64
	Cadence            []time.Duration // first, second and final reminder offsets
}

// Registry dispatches events to processors by type. Unknown types fall back
// to the generic processor.
type Registry struct {
	cfg    Config
	store  Store
	queue  Enqueuer
	logger *logging.Logger
	now    func() time.Time

	processors map[domain.EventType]Func
	fallback   Func
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(cfg Config, st Store, enq Enqueuer, logger *logging.Logger, opts ...Option) *Registry {
	if cfg.HighValueThreshold <= 0 {
		cfg.HighValueThreshold = 500
	}
	if len(cfg.Cadence) != len(domain.RecoveryStages) {
		cfg.Cadence = []time.Duration{time.Hour, 24 * time.Hour, 72 * time.Hour}
	}

	r := &Registry{
		cfg:        cfg,
		store:      st,
		queue:      enq,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		processors: make(map[domain.EventType]Func),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.fallback = r.generic
	r.registerCustom()
	r.registerTopics()
	return r
}

// Register installs fn for t, replacing any previous processor.
func (r *Registry) Register(t domain.EventType, fn Func) {
	r.processors[t] = fn
}

// Handles reports whether t has a dedicated processor.
func (r *Registry) Handles(t domain.EventType) bool {
	_, ok := r.processors[t]
	return ok
}

// Process is the queue handler.
func (r *Registry) Process(ctx context.Context, ev *domain.WebhookEvent) error {
	ctx, span := tracing.StartSpan(ctx, "processor."+string(ev.EventType),
		tracing.EventAttributes(ev.TenantID, ev.ID, string(ev.EventType))...)
	defer span.End()

	fn, ok := r.processors[ev.EventType]
	if !ok {
		fn = r.fallback
	}
	if err := fn(ctx, ev); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	return nil
}

func (r *Registry) log(ctx context.Context, ev *domain.WebhookEvent) *logging.LogEntry {
	return r.logger.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(ev.ID).WithEventType(string(ev.EventType))
}

// decode parses the payload. A payload that does not decode never will, so
// the error is marked permanent.
func decode(ev *domain.WebhookEvent) (*domain.CommercePayload, error) {
	p, err := domain.DecodeCommerce(ev.Payload)
	if err != nil {
		return nil, domain.Permanent(err)
	}
	return p, nil
}

func missing(field string) error {
	return domain.Permanent(fmt.Errorf("payload has no %s: %w", field, domain.ErrValidation))
}

// enqueue offers a derived event. A duplicate is not an error.
func (r *Registry) enqueue(ctx context.Context, src *domain.WebhookEvent, t domain.EventType, p domain.Priority) error {
	res, err := r.queue.Enqueue(ctx, queue.EnqueueRequest{
		TenantID:  src.TenantID,
		EventType: t,
		Payload:   src.Payload,
		Priority:  p,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", t, err)
	}
	r.log(ctx, src).WithFields(map[string]any{
		"derived_type":     string(t),
		"derived_event_id": res.EventID,
		"accepted":         res.Accepted,
	}).Debug("derived event enqueued")
	return nil
}
