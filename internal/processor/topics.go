package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

func (r *Registry) registerTopics() {
	r.Register(domain.TopicOrdersCreate, r.orderUpsert)
	r.Register(domain.TopicOrdersUpdated, r.orderUpsert)
	r.Register(domain.TopicOrdersCancelled, r.orderStatus(func(p *domain.CommercePayload, upd *domain.OrderStatusUpdate) {
		upd.FinancialStatus = "cancelled"
		upd.CancelledAt = p.CancelledAt
	}))
	r.Register(domain.TopicOrdersFulfilled, r.orderStatus(func(_ *domain.CommercePayload, upd *domain.OrderStatusUpdate) {
		upd.FulfillmentStatus = "fulfilled"
	}))
	r.Register(domain.TopicOrdersPaid, r.orderStatus(func(_ *domain.CommercePayload, upd *domain.OrderStatusUpdate) {
		upd.FinancialStatus = "paid"
	}))

	r.Register(domain.TopicCustomersCreate, r.customerUpsert)
	r.Register(domain.TopicCustomersUpdate, r.customerUpsert)
	r.Register(domain.TopicCustomersDelete, r.customerDelete)

	r.Register(domain.TopicProductsCreate, r.productUpsert)
	r.Register(domain.TopicProductsUpdate, r.productUpsert)
	r.Register(domain.TopicProductsDelete, r.productDelete)

	r.Register(domain.TopicCheckoutsCreate, r.checkoutUpsert)
	r.Register(domain.TopicCheckoutsUpdate, r.checkoutUpsert)

	r.Register(domain.TopicCartsCreate, r.cartUpsert)
	r.Register(domain.TopicCartsUpdate, r.cartUpsert)

	r.Register(domain.TopicAppUninstalled, r.appUninstalled)
}

type orderFields struct {
	OrderNumber domain.FlexString `json:"order_number"`
}

func (r *Registry) toOrder(ev *domain.WebhookEvent, p *domain.CommercePayload) *domain.Order {
	var extra orderFields
	_ = json.Unmarshal(ev.Payload, &extra)

	number := extra.OrderNumber.String()
	if number == "" {
		number = p.Name
	}
	fulfillment := ""
	if p.FulfillmentStatus != nil {
		fulfillment = *p.FulfillmentStatus
	}
	now := r.now()
	return &domain.Order{
		TenantID:          ev.TenantID,
		PlatformID:        p.ID.String(),
		OrderNumber:       number,
		Email:             p.CustomerEmail(),
		CustomerID:        p.CustomerKey(),
		CartToken:         p.CartToken,
		CheckoutToken:     p.CheckoutToken,
		TotalPrice:        p.TotalPrice.Float(),
		Currency:          p.Currency,
		FinancialStatus:   p.FinancialStatus,
		FulfillmentStatus: fulfillment,
		CancelledAt:       p.CancelledAt,
		Raw:               ev.Payload,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// orderUpsert stores the order, converts the cart and checkout it came from
// and cancels reminders still scheduled for that cart. A new order is also
// classified as a first purchase or a returning customer.
func (r *Registry) orderUpsert(ctx context.Context, ev *domain.WebhookEvent) error {
	p, err := decode(ev)
	if err != nil {
		return err
	}
	if p.ID == "" {
		return missing("order id")
	}

	order := r.toOrder(ev, p)
	if err := r.store.UpsertOrder(ctx, order); err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	log := r.log(ctx, ev).WithField("order_id", order.PlatformID)

	if order.CartToken != "" {
		recovered, err := r.store.ConvertCart(ctx, ev.TenantID, order.CartToken, order.PlatformID, r.now())
		if err != nil {
			return fmt.Errorf("convert cart: %w", err)
		}
		cancelled, err := r.store.CancelRecoveries(ctx, ev.TenantID, order.CartToken)
		if err != nil {
			return fmt.Errorf("cancel recoveries: %w", err)
		}
		log = log.WithFields(map[string]any{
			"cart_token":          order.CartToken,
			"cart_recovered":      recovered,
			"reminders_cancelled": cancelled,
		})
	}
	if order.CheckoutToken != "" {
		recovered, err := r.store.CompleteCheckout(ctx, ev.TenantID, order.CheckoutToken, r.now())
		if err != nil {
			return fmt.Errorf("complete checkout: %w", err)
		}
		log = log.WithField("checkout_recovered", recovered)
	}

	if ev.EventType == domain.TopicOrdersCreate && order.Email != "" {
		n, err := r.store.CountOrdersByEmail(ctx, ev.TenantID, order.Email)
		if err != nil {
			return fmt.Errorf("count orders: %w", err)
		}
		if n <= 1 {
			err = r.enqueue(ctx, ev, domain.EventFirstPurchase, domain.PriorityHigh)
		} else {
			err = r.enqueue(ctx, ev, domain.EventReturningCustomer, domain.PriorityNormal)
		}
		if err != nil {
			return err
		}
	}

	log.Info("order processed")
	return nil
}

// orderStatus applies a status topic. An order never seen before is stored
// from the status payload itself.
func (r *Registry) orderStatus(apply func(*domain.CommercePayload, *domain.OrderStatusUpdate)) Func {
	return func(ctx context.Context, ev *domain.WebhookEvent) error {
		p, err := decode(ev)
		if err != nil {
			return err
		}
		if p.ID == "" {
			return missing("order id")
		}

		var upd domain.OrderStatusUpdate
		apply(p, &upd)
		if upd.CancelledAt == nil && upd.FinancialStatus == "cancelled" {
			at := r.now()
			upd.CancelledAt = &at
		}

		err = r.store.UpdateOrderStatus(ctx, ev.TenantID, p.ID.String(), upd)
		if errors.Is(err, domain.ErrNotFound) {
			order := r.toOrder(ev, p)
			if upd.FinancialStatus != "" {
				order.FinancialStatus = upd.FinancialStatus
			}
			if upd.FulfillmentStatus != "" {
				order.FulfillmentStatus = upd.FulfillmentStatus
			}
			order.CancelledAt = upd.CancelledAt
			err = r.store.UpsertOrder(ctx, order)
		}
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		r.log(ctx, ev).WithField("order_id", p.ID.String()).Info("order status updated")
		return nil
	}
}

type customerPayload struct {
	ID          domain.FlexString `json:"id"`
	Email       string            `json:"email"`
	FirstName   string            `json:"first_name"`
	LastName    string            `json:"last_name"`
	OrdersCount int               `json:"orders_count"`
	TotalSpent  domain.Money      `json:"total_spent"`
}

func (r *Registry) customerUpsert(ctx context.Context, ev *domain.WebhookEvent) error {
	var c customerPayload
	if err := json.Unmarshal(ev.Payload, &c); err != nil {
		return domain.Permanent(fmt.Errorf("decode customer: %v: %w", err, domain.ErrValidation))
	}
	if c.ID == "" {
		return missing("customer id")
	}
	err := r.store.UpsertCustomer(ctx, &domain.Customer{
		TenantID:    ev.TenantID,
		PlatformID:  c.ID.String(),
		Email:       c.Email,
		FirstName:   c.FirstName,
		LastName:    c.LastName,
		OrdersCount: c.OrdersCount,
		TotalSpent:  c.TotalSpent.Float(),
		Raw:         ev.Payload,
		UpdatedAt:   r.now(),
	})
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

func (r *Registry) customerDelete(ctx context.Context, ev *domain.WebhookEvent) error {
	p, err := decode(ev)
	if err != nil {
		return err
	}
	if p.ID == "" {
		return missing("customer id")
	}
	if err := r.store.DeleteCustomer(ctx, ev.TenantID, p.ID.String()); err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	return nil
}

type productPayload struct {
	ID     domain.FlexString `json:"id"`
	Title  string            `json:"title"`
	Vendor string            `json:"vendor"`
	Status string            `json:"status"`
}

func (r *Registry) productUpsert(ctx context.Context, ev *domain.WebhookEvent) error {
	var p productPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return domain.Permanent(fmt.Errorf("decode product: %v: %w", err, domain.ErrValidation))
	}
	if p.ID == "" {
		return missing("product id")
	}
	err := r.store.UpsertProduct(ctx, &domain.Product{
		TenantID:   ev.TenantID,
		PlatformID: p.ID.String(),
		Title:      p.Title,
		Vendor:     p.Vendor,
		Status:     p.Status,
		Raw:        ev.Payload,
		UpdatedAt:  r.now(),
	})
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (r *Registry) productDelete(ctx context.Context, ev *domain.WebhookEvent) error {
	p, err := decode(ev)
	if err != nil {
		return err
	}
	if p.ID == "" {
		return missing("product id")
	}
	if err := r.store.DeleteProduct(ctx, ev.TenantID, p.ID.String()); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}

// checkoutUpsert tracks checkout activity. A created checkout also produces
// checkout_started and, above the threshold, high_value_cart.
func (r *Registry) checkoutUpsert(ctx context.Context, ev *domain.WebhookEvent) error {
	p, err := decode(ev)
	if err != nil {
		return err
	}
	token := p.TokenOrID()
	if token == "" {
		return missing("checkout token")
	}

	err = r.store.UpsertCheckout(ctx, &domain.CheckoutTracking{
		TenantID:      ev.TenantID,
		CheckoutToken: token,
		CartToken:     p.CartToken,
		TotalPrice:    p.TotalPrice.Float(),
		ItemCount:     p.Items(),
		Currency:      p.Currency,
		CustomerID:    p.CustomerKey(),
		Email:         p.CustomerEmail(),
		Progress:      domain.InferProgress(p.Signals()),
		CompletedAt:   p.CompletedAt,
		Snapshot:      ev.Payload,
		CreatedAt:     ev.CreatedAt,
		UpdatedAt:     ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("upsert checkout: %w", err)
	}

	if ev.EventType == domain.TopicCheckoutsCreate {
		if err := r.enqueue(ctx, ev, domain.EventCheckoutStarted, domain.PriorityHigh); err != nil {
			return err
		}
		if p.TotalPrice.Float() >= r.cfg.HighValueThreshold {
			if err := r.enqueue(ctx, ev, domain.EventHighValueCart, domain.PriorityHigh); err != nil {
				return err
			}
		}
	}
	return nil
}

// cartTotal prefers the payload total and falls back to the line items,
// which is all some cart topics carry.
func cartTotal(p *domain.CommercePayload) float64 {
	if p.TotalPrice != 0 {
		return p.TotalPrice.Float()
	}
	var total float64
	for _, li := range p.LineItems {
		q := li.Quantity
		if q == 0 {
			q = 1
		}
		total += li.Price.Float() * float64(q)
	}
	return total
}

func (r *Registry) cartUpsert(ctx context.Context, ev *domain.WebhookEvent) error {
	p, err := decode(ev)
	if err != nil {
		return err
	}
	token := p.TokenOrID()
	if token == "" {
		return missing("cart token")
	}

	err = r.store.UpsertCart(ctx, &domain.CartTracking{
		TenantID:   ev.TenantID,
		CartToken:  token,
		TotalPrice: cartTotal(p),
		ItemCount:  p.Items(),
		Currency:   p.Currency,
		CustomerID: p.CustomerKey(),
		Email:      strings.TrimSpace(p.CustomerEmail()),
		Snapshot:   ev.Payload,
		CreatedAt:  ev.CreatedAt,
		UpdatedAt:  ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("upsert cart: %w", err)
	}
	return nil
}

func (r *Registry) appUninstalled(ctx context.Context, ev *domain.WebhookEvent) error {
	err := r.store.DeactivateTenant(ctx, ev.TenantID)
	if err != nil && !errors.Is(err, domain.ErrTenantNotFound) {
		return fmt.Errorf("deactivate tenant: %w", err)
	}
	r.log(ctx, ev).Info("tenant deactivated")
	return nil
}
