package domain

import (
	"encoding/json"
	"time"
)

// Lifecycle is the abandonment state of a cart or checkout record.
type Lifecycle string

const (
	LifecycleActive    Lifecycle = "ACTIVE"
	LifecycleAbandoned Lifecycle = "ABANDONED"
	LifecycleRecovered Lifecycle = "RECOVERED"
	LifecycleConverted Lifecycle = "CONVERTED"
)

// CartTracking is the last observed state of a cart.
type CartTracking struct {
	TenantID         string          `json:"tenant_id"`
	CartToken        string          `json:"cart_token"`
	TotalPrice       float64         `json:"total_price"`
	ItemCount        int             `json:"item_count"`
	Currency         string          `json:"currency,omitempty"`
	CustomerID       string          `json:"customer_id,omitempty"`
	Email            string          `json:"email,omitempty"`
	IsAbandoned      bool            `json:"is_abandoned"`
	AbandonedAt      *time.Time      `json:"abandoned_at,omitempty"`
	ConvertedToOrder bool            `json:"converted_to_order"`
	ConvertedAt      *time.Time      `json:"converted_at,omitempty"`
	OrderID          string          `json:"order_id,omitempty"`
	RecoveredAt      *time.Time      `json:"recovered_at,omitempty"`
	Snapshot         json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (c *CartTracking) Lifecycle() Lifecycle {
	switch {
	case c.IsAbandoned && c.ConvertedToOrder:
		return LifecycleRecovered
	case c.IsAbandoned:
		return LifecycleAbandoned
	case c.ConvertedToOrder:
		return LifecycleConverted
	default:
		return LifecycleActive
	}
}

// StaleAt reports whether the cart qualifies for abandonment at cutoff. The
// comparison is strict: a cart updated exactly at cutoff is still active.
func (c *CartTracking) StaleAt(cutoff time.Time) bool {
	return !c.IsAbandoned && !c.ConvertedToOrder && c.UpdatedAt.Before(cutoff)
}

// CheckoutProgress is how far a customer got through checkout.
//
//	STARTED -> EMAIL_ENTERED -> SHIPPING_ENTERED -> PAYMENT_ENTERED -> COMPLETED
//	any non-terminal state -> ABANDONED (inactivity, set by the detector)
type CheckoutProgress string

const (
	ProgressStarted         CheckoutProgress = "STARTED"
	ProgressEmailEntered    CheckoutProgress = "EMAIL_ENTERED"
	ProgressShippingEntered CheckoutProgress = "SHIPPING_ENTERED"
	ProgressPaymentEntered  CheckoutProgress = "PAYMENT_ENTERED"
	ProgressCompleted       CheckoutProgress = "COMPLETED"
	ProgressAbandoned       CheckoutProgress = "ABANDONED"
)

var progressRank = map[CheckoutProgress]int{
	ProgressStarted:         1,
	ProgressEmailEntered:    2,
	ProgressShippingEntered: 3,
	ProgressPaymentEntered:  4,
	ProgressCompleted:       5,
}

func (p CheckoutProgress) Terminal() bool {
	return p == ProgressCompleted || p == ProgressAbandoned
}

// Advance merges an observed progress into the current one. Progress never
// moves backwards and terminal states are sticky.
func (p CheckoutProgress) Advance(observed CheckoutProgress) CheckoutProgress {
	if p.Terminal() {
		return p
	}
	if observed == ProgressAbandoned {
		return ProgressAbandoned
	}
	if progressRank[observed] > progressRank[p] {
		return observed
	}
	if p == "" {
		return ProgressStarted
	}
	return p
}

// CheckoutSignals are the fields of a checkout payload that reveal progress.
type CheckoutSignals struct {
	CompletedAt     bool
	PaymentGateway  bool
	ShippingAddress bool
	Email           bool
}

// InferProgress maps populated checkout fields to the furthest step reached.
func InferProgress(s CheckoutSignals) CheckoutProgress {
	switch {
	case s.CompletedAt:
		return ProgressCompleted
	case s.PaymentGateway:
		return ProgressPaymentEntered
	case s.ShippingAddress:
		return ProgressShippingEntered
	case s.Email:
		return ProgressEmailEntered
	default:
		return ProgressStarted
	}
}

// CheckoutTracking is the last observed state of a checkout.
type CheckoutTracking struct {
	TenantID      string           `json:"tenant_id"`
	CheckoutToken string           `json:"checkout_token"`
	CartToken     string           `json:"cart_token,omitempty"`
	TotalPrice    float64          `json:"total_price"`
	ItemCount     int              `json:"item_count"`
	Currency      string           `json:"currency,omitempty"`
	CustomerID    string           `json:"customer_id,omitempty"`
	Email         string           `json:"email,omitempty"`
	Progress      CheckoutProgress `json:"progress"`
	IsAbandoned   bool             `json:"is_abandoned"`
	AbandonedAt   *time.Time       `json:"abandoned_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	RecoveredAt   *time.Time       `json:"recovered_at,omitempty"`
	Snapshot      json.RawMessage  `json:"snapshot,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func (c *CheckoutTracking) Lifecycle() Lifecycle {
	switch {
	case c.IsAbandoned && c.CompletedAt != nil:
		return LifecycleRecovered
	case c.IsAbandoned:
		return LifecycleAbandoned
	case c.CompletedAt != nil:
		return LifecycleConverted
	default:
		return LifecycleActive
	}
}

// StaleAt mirrors CartTracking.StaleAt for checkouts.
func (c *CheckoutTracking) StaleAt(cutoff time.Time) bool {
	return !c.IsAbandoned && c.CompletedAt == nil && c.UpdatedAt.Before(cutoff)
}
