// Package store defines the persistence contracts of the pipeline. The
// durable store is the single source of truth: every status change and every
// abandonment flag goes through a conditional write here.
package store

import (
	"context"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

// EventStore persists WebhookEvents and their status transitions.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *domain.WebhookEvent) error
	GetEvent(ctx context.Context, id string) (*domain.WebhookEvent, error)

	// ClaimEvent moves a PENDING event to PROCESSING. It returns false when
	// the event is no longer PENDING.
	ClaimEvent(ctx context.Context, id string, at time.Time) (bool, error)
	CompleteEvent(ctx context.Context, id string, at time.Time) error
	// FailEvent moves a PROCESSING event to FAILED and returns the updated row.
	FailEvent(ctx context.Context, id string, cause string) (*domain.WebhookEvent, error)

	// ClaimRetries moves up to limit FAILED events with RetryCount < maxRetries,
	// oldest first, back to PENDING and increments their RetryCount.
	ClaimRetries(ctx context.Context, maxRetries, limit int) ([]*domain.WebhookEvent, error)
	// FailInterrupted marks PROCESSING events started before olderThan FAILED.
	FailInterrupted(ctx context.Context, olderThan time.Time, cause string) (int64, error)
	// ListPending returns PENDING events created before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.WebhookEvent, error)

	CountByStatus(ctx context.Context) (map[domain.EventStatus]int64, error)
	CountExhausted(ctx context.Context, maxRetries int) (int64, error)

	// ListArchivable returns finished, unarchived events created before cutoff.
	ListArchivable(ctx context.Context, before time.Time, maxRetries, limit int) ([]*domain.WebhookEvent, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// TrackingStore persists cart and checkout tracking records.
type TrackingStore interface {
	// UpsertCart records cart activity. Abandonment and conversion flags are
	// never cleared by an upsert.
	UpsertCart(ctx context.Context, c *domain.CartTracking) error
	GetCart(ctx context.Context, tenantID, token string) (*domain.CartTracking, error)
	// UpsertCheckout records checkout activity, merging Progress monotonically.
	UpsertCheckout(ctx context.Context, c *domain.CheckoutTracking) error
	GetCheckout(ctx context.Context, tenantID, token string) (*domain.CheckoutTracking, error)

	ListStaleCarts(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CartTracking, error)
	ListStaleCheckouts(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CheckoutTracking, error)

	// MarkCartAbandoned sets IsAbandoned only if the cart is still stale at
	// cutoff, not abandoned and not converted. It returns false otherwise.
	MarkCartAbandoned(ctx context.Context, tenantID, token string, cutoff, at time.Time) (bool, error)
	MarkCheckoutAbandoned(ctx context.Context, tenantID, token string, cutoff, at time.Time) (bool, error)
	// ReleaseCartAbandoned undoes the mark made at `at` while the cart is
	// still unconverted, so the next scan selects it again.
	ReleaseCartAbandoned(ctx context.Context, tenantID, token string, at time.Time) (bool, error)
	// ReleaseCheckoutAbandoned undoes the mark made at `at` while the
	// checkout is still incomplete and restores progress.
	ReleaseCheckoutAbandoned(ctx context.Context, tenantID, token string, at time.Time, progress domain.CheckoutProgress) (bool, error)

	// ConvertCart flags the cart as ordered. recovered is true when it had
	// been abandoned before.
	ConvertCart(ctx context.Context, tenantID, token, orderID string, at time.Time) (recovered bool, err error)
	// CompleteCheckout stamps CompletedAt. recovered is true when it had been
	// abandoned before.
	CompleteCheckout(ctx context.Context, tenantID, token string, at time.Time) (recovered bool, err error)
}

// FactStore persists custom event facts.
type FactStore interface {
	// InsertFact returns false when the fact for this source event exists.
	InsertFact(ctx context.Context, f *domain.Fact) (bool, error)
	// LatestFact returns the newest fact of typ for token, or ErrNotFound.
	LatestFact(ctx context.Context, tenantID string, typ domain.FactType, token string) (*domain.Fact, error)
}

// AnalyticsStore persists abandonment facts and rollups.
type AnalyticsStore interface {
	InsertAbandonment(ctx context.Context, a *domain.AbandonmentAnalytics) error
	// SummarizeDay aggregates abandonments in [from, to).
	SummarizeDay(ctx context.Context, tenantID string, from, to time.Time) (*domain.DailyAbandonmentSummary, error)
	UpsertDailySummary(ctx context.Context, s *domain.DailyAbandonmentSummary) error
	GetDailySummary(ctx context.Context, tenantID string, day time.Time) (*domain.DailyAbandonmentSummary, error)
	AbandonmentMetrics(ctx context.Context, tenantID string, from, to time.Time) ([]domain.AbandonmentMetric, error)
	// RecoveryCounts counts carts and checkouts abandoned in [from, to) and
	// how many of them later converted.
	RecoveryCounts(ctx context.Context, tenantID string, from, to time.Time) (abandoned, recovered int64, err error)
}

// RecoveryStore persists the recovery notification schedule.
type RecoveryStore interface {
	// ScheduleRecoveries inserts attempts, skipping stages already scheduled
	// for the cart. It returns the number inserted.
	ScheduleRecoveries(ctx context.Context, attempts []*domain.RecoveryAttempt) (int, error)
	// ClaimDueRecoveries moves due SCHEDULED attempts of unconverted carts to SENDING.
	ClaimDueRecoveries(ctx context.Context, now time.Time, limit int) ([]*domain.RecoveryAttempt, error)
	MarkRecoverySent(ctx context.Context, id string, at time.Time) error
	MarkRecoveryFailed(ctx context.Context, id string, cause string) error
	// CancelRecoveries cancels the still SCHEDULED attempts of a cart.
	CancelRecoveries(ctx context.Context, tenantID, cartToken string) (int64, error)
	ListRecoveries(ctx context.Context, tenantID, cartToken string) ([]*domain.RecoveryAttempt, error)
}

// CommerceStore persists orders, customers and products.
type CommerceStore interface {
	UpsertOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, tenantID, platformID string) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, tenantID, platformID string, upd domain.OrderStatusUpdate) error
	CountOrdersByEmail(ctx context.Context, tenantID, email string) (int64, error)
	UpsertCustomer(ctx context.Context, c *domain.Customer) error
	DeleteCustomer(ctx context.Context, tenantID, platformID string) error
	UpsertProduct(ctx context.Context, p *domain.Product) error
	DeleteProduct(ctx context.Context, tenantID, platformID string) error
}

// TenantStore maps shop domains to tenants.
type TenantStore interface {
	// ResolveTenant returns the tenant for a shop domain or ErrTenantNotFound.
	ResolveTenant(ctx context.Context, shopDomain string) (*domain.Tenant, error)
	// RegisterTenant creates an active tenant keyed by the domain if none
	// exists. Only called once a webhook for the domain has been verified.
	RegisterTenant(ctx context.Context, shopDomain string) (*domain.Tenant, error)
	UpsertTenant(ctx context.Context, t *domain.Tenant) error
	ListActiveTenants(ctx context.Context) ([]*domain.Tenant, error)
	DeactivateTenant(ctx context.Context, tenantID string) error
}

// Store is everything the service needs from persistence.
type Store interface {
	EventStore
	TrackingStore
	FactStore
	AnalyticsStore
	RecoveryStore
	CommerceStore
	TenantStore
	Ping(ctx context.Context) error
}
