// Package recovery sends the scheduled reminders for abandoned carts.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/delivery"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
	"github.com/austindbirch/cart_sentinel/internal/store"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

// Result summarises one dispatch run.
type Result struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

type Dispatcher struct {
	store    store.RecoveryStore
	notifier delivery.Notifier
	batch    int
	logger   *logging.Logger
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(cfg config.Recovery, st store.RecoveryStore, n delivery.Notifier, logger *logging.Logger, opts ...Option) *Dispatcher {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	d := &Dispatcher{
		store:    st,
		notifier: n,
		batch:    batch,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch claims the attempts that are due and hands each to the notifier.
// Attempts for carts that have since been ordered are never claimed. A failed
// send is recorded on the attempt and not retried.
func (d *Dispatcher) Dispatch(ctx context.Context) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "recovery.dispatch")
	defer span.End()

	now := d.now()
	due, err := d.store.ClaimDueRecoveries(ctx, now, d.batch)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("claim due recoveries: %w", err)
	}

	res := Result{Claimed: len(due)}
	for _, a := range due {
		if err := d.send(ctx, a); err != nil {
			res.Failed++
			continue
		}
		res.Sent++
	}

	span.SetAttributes(
		attribute.Int("recovery.claimed", res.Claimed),
		attribute.Int("recovery.sent", res.Sent),
	)
	if res.Claimed > 0 {
		d.logger.WithContext(ctx).WithFields(map[string]any{
			"claimed": res.Claimed,
			"sent":    res.Sent,
			"failed":  res.Failed,
		}).Info("recovery dispatch finished")
	}
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, a *domain.RecoveryAttempt) error {
	log := d.logger.WithContext(ctx).WithTenant(a.TenantID).WithFields(map[string]any{
		"cart_token": a.CartToken,
		"stage":      string(a.Stage),
	})

	if err := d.notifier.SendRecovery(ctx, a); err != nil {
		metrics.RecordRecovery(string(a.Stage), string(domain.RecoveryFailed))
		log.WithError(err).Warn("recovery notification failed")
		if mErr := d.store.MarkRecoveryFailed(ctx, a.ID, err.Error()); mErr != nil {
			log.WithError(mErr).Error("mark recovery failed")
		}
		return err
	}

	metrics.RecordRecovery(string(a.Stage), string(domain.RecoverySent))
	if err := d.store.MarkRecoverySent(ctx, a.ID, d.now()); err != nil {
		log.WithError(err).Error("mark recovery sent")
		return err
	}
	return nil
}
