package domain

import (
	"encoding/json"
	"time"
)

// FactType names a custom event fact.
type FactType string

const (
	FactCartAbandoned     FactType = "CART_ABANDONED"
	FactCheckoutStarted   FactType = "CHECKOUT_STARTED"
	FactCheckoutAbandoned FactType = "CHECKOUT_ABANDONED"
	FactHighValueCart     FactType = "HIGH_VALUE_CART"
	FactFirstPurchase     FactType = "FIRST_PURCHASE"
	FactReturningCustomer FactType = "RETURNING_CUSTOMER"
)

// Fact is an immutable record written by a processor. One fact exists per
// (tenant, type, source event), which keeps processor re-runs idempotent.
type Fact struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Type          FactType       `json:"type"`
	Token         string         `json:"token,omitempty"`
	CustomerID    string         `json:"customer_id,omitempty"`
	SourceEventID string         `json:"source_event_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AbandonmentKind distinguishes cart from checkout abandonment.
type AbandonmentKind string

const (
	KindCart     AbandonmentKind = "CART"
	KindCheckout AbandonmentKind = "CHECKOUT"
)

// AbandonmentAnalytics is the fact written once per detected abandonment.
type AbandonmentAnalytics struct {
	TenantID    string          `json:"tenant_id"`
	Kind        AbandonmentKind `json:"kind"`
	Token       string          `json:"token"`
	Value       float64         `json:"value"`
	ItemCount   int             `json:"item_count"`
	CustomerID  string          `json:"customer_id,omitempty"`
	DayOfWeek   int             `json:"day_of_week"`
	HourOfDay   int             `json:"hour_of_day"`
	AbandonedAt time.Time       `json:"abandoned_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DailyAbandonmentSummary is the per-tenant rollup of one UTC calendar day.
type DailyAbandonmentSummary struct {
	TenantID                string    `json:"tenant_id"`
	Day                     time.Time `json:"day"`
	AbandonedCarts          int64     `json:"abandoned_carts"`
	AbandonedCartsValue     float64   `json:"abandoned_carts_value"`
	AvgCartValue            float64   `json:"avg_cart_value"`
	AbandonedCheckouts      int64     `json:"abandoned_checkouts"`
	AbandonedCheckoutsValue float64   `json:"abandoned_checkouts_value"`
	AvgCheckoutValue        float64   `json:"avg_checkout_value"`
	TotalAbandonedValue     float64   `json:"total_abandoned_value"`
	CreatedAt               time.Time `json:"created_at"`
}

// AbandonmentMetric is one group of the analytics read model.
type AbandonmentMetric struct {
	Kind       AbandonmentKind `json:"kind"`
	Count      int64           `json:"count"`
	TotalValue float64         `json:"total_value"`
	TotalItems int64           `json:"total_items"`
	AvgValue   float64         `json:"avg_value"`
}

// RecoveryStage is one step of the recovery cadence.
type RecoveryStage string

const (
	StageFirst  RecoveryStage = "first_reminder"
	StageSecond RecoveryStage = "second_reminder"
	StageFinal  RecoveryStage = "final_reminder"
)

// RecoveryStages lists the cadence in send order.
var RecoveryStages = []RecoveryStage{StageFirst, StageSecond, StageFinal}

type RecoveryStatus string

const (
	RecoveryScheduled RecoveryStatus = "SCHEDULED"
	RecoverySending   RecoveryStatus = "SENDING"
	RecoverySent      RecoveryStatus = "SENT"
	RecoveryFailed    RecoveryStatus = "FAILED"
	RecoveryCancelled RecoveryStatus = "CANCELLED"
)

// RecoveryAttempt is a persisted, scheduled recovery notification.
type RecoveryAttempt struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	CartToken  string         `json:"cart_token"`
	Stage      RecoveryStage  `json:"stage"`
	CustomerID string         `json:"customer_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	CartValue  float64        `json:"cart_value"`
	DueAt      time.Time      `json:"due_at"`
	Status     RecoveryStatus `json:"status"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Order is the upstream order, keyed by (tenant, platform id).
type Order struct {
	TenantID          string          `json:"tenant_id"`
	PlatformID        string          `json:"platform_id"`
	OrderNumber       string          `json:"order_number,omitempty"`
	Email             string          `json:"email,omitempty"`
	CustomerID        string          `json:"customer_id,omitempty"`
	CartToken         string          `json:"cart_token,omitempty"`
	CheckoutToken     string          `json:"checkout_token,omitempty"`
	TotalPrice        float64         `json:"total_price"`
	Currency          string          `json:"currency,omitempty"`
	FinancialStatus   string          `json:"financial_status,omitempty"`
	FulfillmentStatus string          `json:"fulfillment_status,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// OrderStatusUpdate carries the fields a status topic may change. Nil or
// empty fields are left untouched.
type OrderStatusUpdate struct {
	FinancialStatus   string
	FulfillmentStatus string
	CancelledAt       *time.Time
}

type Customer struct {
	TenantID    string          `json:"tenant_id"`
	PlatformID  string          `json:"platform_id"`
	Email       string          `json:"email,omitempty"`
	FirstName   string          `json:"first_name,omitempty"`
	LastName    string          `json:"last_name,omitempty"`
	OrdersCount int             `json:"orders_count"`
	TotalSpent  float64         `json:"total_spent"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Product struct {
	TenantID   string          `json:"tenant_id"`
	PlatformID string          `json:"platform_id"`
	Title      string          `json:"title,omitempty"`
	Vendor     string          `json:"vendor,omitempty"`
	Status     string          `json:"status,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Tenant maps an upstream shop domain to the tenant id used everywhere else.
type Tenant struct {
	ID            string    `json:"id"`
	Domain        string    `json:"domain"`
	WebhookSecret string    `json:"-"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}
