// Package detector flags carts and checkouts that went quiet. Selection is a
// hint; the conditional update in the store decides, so a record that changed
// between the scan and the update is left alone.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
	"github.com/austindbirch/cart_sentinel/internal/queue"
	"github.com/austindbirch/cart_sentinel/internal/store"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.Result, error)
}

type Store interface {
	store.TrackingStore
	InsertAbandonment(ctx context.Context, a *domain.AbandonmentAnalytics) error
}

// Result summarises one scan.
type Result struct {
	Kind      domain.AbandonmentKind `json:"kind"`
	Scanned   int                    `json:"scanned"`
	Abandoned int                    `json:"abandoned"`
	Skipped   int                    `json:"skipped"`
	Errors    int                    `json:"errors"`
}

type Detector struct {
	cfg    config.Detector
	store  Store
	queue  Enqueuer
	logger *logging.Logger
	now    func() time.Time
}

type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func New(cfg config.Detector, st Store, enq Enqueuer, logger *logging.Logger, opts ...Option) *Detector {
	if cfg.CartThreshold <= 0 {
		cfg.CartThreshold = 30 * time.Minute
	}
	if cfg.CheckoutThreshold <= 0 {
		cfg.CheckoutThreshold = 60 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	d := &Detector{
		cfg:    cfg,
		store:  st,
		queue:  enq,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// candidate is what both scans need from a tracking record.
type candidate struct {
	tenantID   string
	token      string
	value      float64
	items      int
	currency   string
	customerID string
	email      string
	progress   domain.CheckoutProgress
	snapshot   json.RawMessage
}

type markFunc func(ctx context.Context, c candidate) (bool, error)

// DetectCarts flags carts idle for longer than the cart threshold.
func (d *Detector) DetectCarts(ctx context.Context) (Result, error) {
	now := d.now()
	cutoff := now.Add(-d.cfg.CartThreshold)

	carts, err := d.store.ListStaleCarts(ctx, cutoff, d.cfg.BatchSize)
	if err != nil {
		return Result{Kind: domain.KindCart}, fmt.Errorf("list stale carts: %w", err)
	}
	cands := make([]candidate, 0, len(carts))
	for _, c := range carts {
		cands = append(cands, candidate{
			tenantID: c.TenantID, token: c.CartToken, value: c.TotalPrice, items: c.ItemCount,
			currency: c.Currency, customerID: c.CustomerID, email: c.Email, snapshot: c.Snapshot,
		})
	}

	mark := func(ctx context.Context, c candidate) (bool, error) {
		return d.store.MarkCartAbandoned(ctx, c.tenantID, c.token, cutoff, now)
	}
	release := func(ctx context.Context, c candidate) (bool, error) {
		return d.store.ReleaseCartAbandoned(ctx, c.tenantID, c.token, now)
	}
	return d.run(ctx, domain.KindCart, now, cands, mark, release, domain.EventCartAbandoned, domain.PriorityNormal), nil
}

// DetectCheckouts flags checkouts idle for longer than the checkout threshold.
func (d *Detector) DetectCheckouts(ctx context.Context) (Result, error) {
	now := d.now()
	cutoff := now.Add(-d.cfg.CheckoutThreshold)

	checkouts, err := d.store.ListStaleCheckouts(ctx, cutoff, d.cfg.BatchSize)
	if err != nil {
		return Result{Kind: domain.KindCheckout}, fmt.Errorf("list stale checkouts: %w", err)
	}
	cands := make([]candidate, 0, len(checkouts))
	for _, c := range checkouts {
		cands = append(cands, candidate{
			tenantID: c.TenantID, token: c.CheckoutToken, value: c.TotalPrice, items: c.ItemCount,
			currency: c.Currency, customerID: c.CustomerID, email: c.Email, progress: c.Progress,
			snapshot: c.Snapshot,
		})
	}

	mark := func(ctx context.Context, c candidate) (bool, error) {
		return d.store.MarkCheckoutAbandoned(ctx, c.tenantID, c.token, cutoff, now)
	}
	release := func(ctx context.Context, c candidate) (bool, error) {
		return d.store.ReleaseCheckoutAbandoned(ctx, c.tenantID, c.token, now, c.progress)
	}
	return d.run(ctx, domain.KindCheckout, now, cands, mark, release, domain.EventCheckoutAbandoned, domain.PriorityHigh), nil
}

// run marks each candidate and follows up on the ones it won. A mark whose
// event cannot be queued is released so a later scan emits it. Errors are
// per record and never stop the scan.
func (d *Detector) run(
	ctx context.Context,
	kind domain.AbandonmentKind,
	now time.Time,
	cands []candidate,
	mark, release markFunc,
	eventType domain.EventType,
	priority domain.Priority,
) Result {
	ctx, span := tracing.StartSpan(ctx, "detector."+strings.ToLower(string(kind)))
	defer span.End()
	start := time.Now()

	res := Result{Kind: kind, Scanned: len(cands)}
	for _, c := range cands {
		log := d.logger.WithContext(ctx).WithTenant(c.tenantID).WithField("token", c.token)

		ok, err := mark(ctx, c)
		if err != nil {
			res.Errors++
			log.WithError(err).Error("mark abandoned failed")
			continue
		}
		if !ok {
			res.Skipped++
			metrics.RecordRaceGuard(string(kind))
			log.WithError(domain.ErrRaceGuard).Debug("candidate changed during scan, skipped")
			continue
		}
		if err := d.emit(ctx, c, now, eventType, priority); err != nil {
			res.Errors++
			released, rerr := release(ctx, c)
			switch {
			case rerr != nil:
				log.WithError(fmt.Errorf("%v; release: %w", err, rerr)).Error("abandonment event lost, release failed")
			case !released:
				log.WithError(err).Warn("abandonment event not queued and record changed since")
			default:
				log.WithError(err).Warn("abandonment event not queued, left for the next scan")
			}
			continue
		}
		res.Abandoned++
		metrics.RecordAbandonment(string(kind))

		if err := d.store.InsertAbandonment(ctx, &domain.AbandonmentAnalytics{
			TenantID:    c.tenantID,
			Kind:        kind,
			Token:       c.token,
			Value:       c.value,
			ItemCount:   c.items,
			CustomerID:  c.customerID,
			DayOfWeek:   int(now.Weekday()),
			HourOfDay:   now.Hour(),
			AbandonedAt: now,
			CreatedAt:   now,
		}); err != nil {
			res.Errors++
			log.WithError(err).Error("record abandonment analytics failed")
		}
	}

	metrics.ObserveDetectorRun(string(kind), time.Since(start))
	d.logger.WithContext(ctx).WithFields(map[string]any{
		"kind":      string(kind),
		"scanned":   res.Scanned,
		"abandoned": res.Abandoned,
		"skipped":   res.Skipped,
		"errors":    res.Errors,
	}).Info("abandonment scan finished")
	return res
}

// emit enqueues the abandonment event. The payload is the last observed
// upstream snapshot with the tracked fields laid over it.
func (d *Detector) emit(ctx context.Context, c candidate, at time.Time, t domain.EventType, p domain.Priority) error {
	payload, err := abandonmentPayload(c, at)
	if err != nil {
		return err
	}
	_, err = d.queue.Enqueue(ctx, queue.EnqueueRequest{
		TenantID:  c.tenantID,
		EventType: t,
		Payload:   payload,
		Priority:  p,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", t, err)
	}
	return nil
}

func abandonmentPayload(c candidate, at time.Time) (json.RawMessage, error) {
	body := map[string]any{}
	if len(c.snapshot) > 0 {
		// a snapshot that is not an object is replaced
		_ = json.Unmarshal(c.snapshot, &body)
		if body == nil {
			body = map[string]any{}
		}
	}
	body["token"] = c.token
	body["total_price"] = c.value
	body["item_count"] = c.items
	body["abandoned_at"] = at.Format(time.RFC3339Nano)
	if c.currency != "" {
		body["currency"] = c.currency
	}
	if c.customerID != "" {
		body["customer_id"] = c.customerID
	}
	if c.email != "" {
		body["email"] = c.email
	}
	// an id would win over the token in the dedup key
	delete(body, "id")

	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode abandonment payload: %w", err)
	}
	return b, nil
}
