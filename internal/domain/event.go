package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names what a WebhookEvent carries. Custom pipeline types are
// produced internally; topic types mirror the upstream webhook topic.
type EventType string

const (
	EventCartAbandoned     EventType = "cart_abandoned"
	EventCheckoutStarted   EventType = "checkout_started"
	EventCheckoutAbandoned EventType = "checkout_abandoned"
	EventHighValueCart     EventType = "high_value_cart"
	EventFirstPurchase     EventType = "first_purchase"
	EventReturningCustomer EventType = "returning_customer"
	EventGeneric           EventType = "generic"

	TopicOrdersCreate    EventType = "orders/create"
	TopicOrdersUpdated   EventType = "orders/updated"
	TopicOrdersCancelled EventType = "orders/cancelled"
	TopicOrdersFulfilled EventType = "orders/fulfilled"
	TopicOrdersPaid      EventType = "orders/paid"
	TopicCustomersCreate EventType = "customers/create"
	TopicCustomersUpdate EventType = "customers/update"
	TopicCustomersDelete EventType = "customers/delete"
	TopicProductsCreate  EventType = "products/create"
	TopicProductsUpdate  EventType = "products/update"
	TopicProductsDelete  EventType = "products/delete"
	TopicCheckoutsCreate EventType = "checkouts/create"
	TopicCheckoutsUpdate EventType = "checkouts/update"
	TopicCheckoutsDelete EventType = "checkouts/delete"
	TopicCartsCreate     EventType = "carts/create"
	TopicCartsUpdate     EventType = "carts/update"
	TopicAppUninstalled  EventType = "app/uninstalled"
)

func (t EventType) String() string { return string(t) }

// EventStatus is the lifecycle of a WebhookEvent:
//
//	PENDING -> PROCESSING -> COMPLETED
//	                      -> FAILED -> PENDING (retry, while RetryCount < MaxRetries)
//
// COMPLETED is terminal. FAILED is terminal once the retry budget is spent.
type EventStatus string

const (
	StatusPending    EventStatus = "PENDING"
	StatusProcessing EventStatus = "PROCESSING"
	StatusCompleted  EventStatus = "COMPLETED"
	StatusFailed     EventStatus = "FAILED"
)

// MaxRetries is the ceiling on re-submissions of a failed event; the schema
// enforces it on retry_count. An event runs at most MaxRetries+1 times.
const MaxRetries = 3

// RetryBudget clamps a configured retry count to 1..MaxRetries. Zero means
// unset and gives MaxRetries.
func RetryBudget(n int) int {
	if n <= 0 || n > MaxRetries {
		return MaxRetries
	}
	return n
}

var transitions = map[EventStatus][]EventStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
	StatusCompleted:  nil,
}

// ParseEventStatus validates a persisted status value.
func ParseEventStatus(s string) (EventStatus, error) {
	st := EventStatus(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown event status %q: %w", s, ErrValidation)
	}
	return st, nil
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to EventStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WebhookEvent is one durable unit of work.
type WebhookEvent struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	EventType   EventType       `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      EventStatus     `json:"status"`
	Priority    Priority        `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time      `json:"archived_at,omitempty"`
}

// Transition moves the event to the next status or returns
// ErrInvalidTransition. The retry edge also enforces the retry budget.
func (e *WebhookEvent) Transition(to EventStatus) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%s -> %s: %w", e.Status, to, ErrInvalidTransition)
	}
	if e.Status == StatusFailed && to == StatusPending && !e.CanRetry(MaxRetries) {
		return fmt.Errorf("retry budget exhausted after %d retries: %w", e.RetryCount, ErrInvalidTransition)
	}
	e.Status = to
	return nil
}

// CanRetry reports whether a FAILED event may be re-submitted under budget.
func (e *WebhookEvent) CanRetry(budget int) bool {
	return e.Status == StatusFailed && e.RetryCount < RetryBudget(budget)
}

// Exhausted reports whether the event failed for good under budget.
func (e *WebhookEvent) Exhausted(budget int) bool {
	return e.Status == StatusFailed && e.RetryCount >= RetryBudget(budget)
}
