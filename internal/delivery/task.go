// Package delivery publishes the pipeline's outbound messages to NSQ:
// recovery notifications for abandoned carts and dead letters for events
// that ran out of retries.
package delivery

import (
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

const NotificationType = "cart.recovery"

// Notification asks a downstream sender to remind a customer about a cart.
type Notification struct {
	Type         string               `json:"type"` // "cart.recovery"
	AttemptID    string               `json:"attempt_id"`
	TenantID     string               `json:"tenant_id"`
	CartToken    string               `json:"cart_token"`
	Stage        domain.RecoveryStage `json:"stage"`
	CustomerID   string               `json:"customer_id,omitempty"`
	Email        string               `json:"email,omitempty"`
	CartValue    float64              `json:"cart_value"`
	DueAt        string               `json:"due_at"`       // RFC3339
	PublishedAt  string               `json:"published_at"` // RFC3339
	TraceHeaders map[string]string    `json:"trace_headers,omitempty"`
}

func NewNotification(a *domain.RecoveryAttempt, at time.Time, traceHeaders map[string]string) Notification {
	return Notification{
		Type:         NotificationType,
		AttemptID:    a.ID,
		TenantID:     a.TenantID,
		CartToken:    a.CartToken,
		Stage:        a.Stage,
		CustomerID:   a.CustomerID,
		Email:        a.Email,
		CartValue:    a.CartValue,
		DueAt:        a.DueAt.UTC().Format(time.RFC3339),
		PublishedAt:  at.UTC().Format(time.RFC3339Nano),
		TraceHeaders: traceHeaders,
	}
}
