package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

func (r *Registry) registerCustom() {
	r.Register(domain.EventCartAbandoned, r.cartAbandoned)
	r.Register(domain.EventCheckoutStarted, r.checkoutStarted)
	r.Register(domain.EventCheckoutAbandoned, r.checkoutAbandoned)
	r.Register(domain.EventHighValueCart, r.highValueCart)
	r.Register(domain.EventFirstPurchase, r.customerFact(domain.FactFirstPurchase))
	r.Register(domain.EventReturningCustomer, r.customerFact(domain.FactReturningCustomer))
	r.Register(domain.EventGeneric, r.generic)
}

func (r *Registry) insertFact(ctx context.Context, ev *domain.WebhookEvent, f *domain.Fact) error {
	f.TenantID = ev.TenantID
	f.SourceEventID = ev.ID
	f.CreatedAt = r.now()

	inserted, err := r.store.InsertFact(ctx, f)
	if err != nil {
		return fmt.Errorf("insert %s fact: %w", f.Type, err)
	}
	if !inserted {
		r.log(ctx, ev).WithField("fact_type", string(f.Type)).Debug("fact already recorded")
	}
	return nil
}

// cartAbandoned records the abandonment and persists the reminder cadence,
// measured from the moment the cart was abandoned.
func (r *Registry) cartAbandoned(ctx context.Context, ev *domain.WebhookEvent) error {
	p, err := decode(ev)
	if err != nil {
		return err
	}
	token := p.TokenOrID()
	if token == "" {
		return missing("cart token")
	}

	abandonedAt := ev.CreatedAt
	if p.AbandonedAt != nil {
		abandonedAt = p.AbandonedAt.UTC()
	}

	err = r.insertFact(ctx, ev, &domain.Fact{
		Type:       domain.FactCartAbandoned,
		Token:      token,
		CustomerID: p.CustomerKey(),
		Metadata: map[string]any{
			"cart_value":   p.TotalPrice.Float(),
			"item_count":   p.Items(),
			"cart_token":   token,
			"abandoned_at": abandonedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return err
	}

	attempts := make([]*domain.RecoveryAttempt, 0, len(domain.RecoveryStages))
	for i, stage := range domain.RecoveryStages {
		attempts = append(attempts, &domain.RecoveryAttempt{
			TenantID:   ev.TenantID,
			CartToken:  token,
			Stage:      stage,
			CustomerID: p.CustomerKey(),
			Email:      p.CustomerEmail(),
			CartValue:  p.TotalPrice.Float(),
			DueAt:      abandonedAt.Add(r.cfg.Cadence[i]),
			Status:     domain.RecoveryScheduled,
			CreatedAt:  r.now(),
		})
	}
	n, err := r.store.ScheduleRecoveries(ctx, attempts)
	if err != nil {
		return fmt.Errorf("schedule recoveries: %w", err)
	}

	r.log(ctx, ev).WithFields(map[string]any{
		"cart_token": token,
		"scheduled":  n,
	}).Info("abandoned cart processed")
	return nil
}

func (r *Registry) checkoutStarted(ctx context.Context, ev *domain.WebhookEvent) error {
	p, err := decode(ev)
	if err != nil {
		return err
	}
	token := p.TokenOrID()
	if token == "" {
		return missing("checkout token")
	}

	return r.insertFact(ctx, ev, &domain.Fact{
		Type:       domain.FactCheckoutStarted,
		Token:      token,
		CustomerID: p.CustomerKey(),
		Metadata: map[string]any{
			"checkout_token": token,
			"total_price":    p.TotalPrice.Float(),
			"currency":       p.Currency,
		},
	})
}

// checkoutAbandoned measures how long the checkout ran before it was
// abandoned. Without a recorded start the duration is null.
func (r *Registry) checkoutAbandoned(ctx context.Context, ev *domain.WebhookEvent) error {
	p, err := decode(ev)
	if err != nil {
		return err
	}
	token := p.TokenOrID()
	if token == "" {
		return missing("checkout token")
	}

	var duration any
	started, err := r.store.LatestFact(ctx, ev.TenantID, domain.FactCheckoutStarted, token)
	switch {
	case err == nil:
		minutes := r.now().Sub(started.CreatedAt).Minutes()
		duration = math.Round(minutes*100) / 100
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("lookup checkout start: %w", err)
	}

	return r.insertFact(ctx, ev, &domain.Fact{
		Type:       domain.FactCheckoutAbandoned,
		Token:      token,
		CustomerID: p.CustomerKey(),
		Metadata: map[string]any{
			"checkout_token":       token,
			"total_price":          p.TotalPrice.Float(),
			"abandonment_duration": duration,
		},
	})
}

func (r *Registry) highValueCart(ctx context.Context, ev *domain.WebhookEvent) error {
	p, err := decode(ev)
	if err != nil {
		return err
	}
	value := p.TotalPrice.Float()
	if value < r.cfg.HighValueThreshold {
		return nil
	}

	return r.insertFact(ctx, ev, &domain.Fact{
		Type:       domain.FactHighValueCart,
		Token:      p.TokenOrID(),
		CustomerID: p.CustomerKey(),
		Metadata: map[string]any{
			"cart_value":        value,
			"threshold":         r.cfg.HighValueThreshold,
			"exceedance_amount": value - r.cfg.HighValueThreshold,
		},
	})
}

// customerFact records the classification made by the order processor.
func (r *Registry) customerFact(t domain.FactType) Func {
	return func(ctx context.Context, ev *domain.WebhookEvent) error {
		p, err := decode(ev)
		if err != nil {
			return err
		}
		return r.insertFact(ctx, ev, &domain.Fact{
			Type:       t,
			Token:      p.ID.String(),
			CustomerID: p.CustomerKey(),
			Metadata: map[string]any{
				"order_id":    p.ID.String(),
				"email":       p.CustomerEmail(),
				"total_price": p.TotalPrice.Float(),
			},
		})
	}
}

// generic has no side effect; the worker completes the row.
func (r *Registry) generic(ctx context.Context, ev *domain.WebhookEvent) error {
	r.log(ctx, ev).Debug("no processor for event type, completing")
	return nil
}
