package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

const (
	cartsTable     = "cart_tracking"
	checkoutsTable = "checkout_tracking"
)

var cartColumns = []string{
	"tenant_id", "cart_token", "total_price", "item_count", "currency",
	"customer_id", "email", "is_abandoned", "abandoned_at", "converted_to_order",
	"converted_at", "order_id", "recovered_at", "snapshot", "created_at", "updated_at",
}

var checkoutColumns = []string{
	"tenant_id", "checkout_token", "cart_token", "total_price", "item_count",
	"currency", "customer_id", "email", "progress", "is_abandoned", "abandoned_at",
	"completed_at", "recovered_at", "snapshot", "created_at", "updated_at",
}

func scanCart(row pgx.Row) (*domain.CartTracking, error) {
	var c domain.CartTracking
	err := row.Scan(
		&c.TenantID,
		&c.CartToken,
		&c.TotalPrice,
		&c.ItemCount,
		&c.Currency,
		&c.CustomerID,
		&c.Email,
		&c.IsAbandoned,
		&c.AbandonedAt,
		&c.ConvertedToOrder,
		&c.ConvertedAt,
		&c.OrderID,
		&c.RecoveredAt,
		&c.Snapshot,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCheckout(row pgx.Row) (*domain.CheckoutTracking, error) {
	var (
		c        domain.CheckoutTracking
		progress string
	)
	err := row.Scan(
		&c.TenantID,
		&c.CheckoutToken,
		&c.CartToken,
		&c.TotalPrice,
		&c.ItemCount,
		&c.Currency,
		&c.CustomerID,
		&c.Email,
		&progress,
		&c.IsAbandoned,
		&c.AbandonedAt,
		&c.CompletedAt,
		&c.RecoveredAt,
		&c.Snapshot,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Progress = domain.CheckoutProgress(progress)
	return &c, nil
}

func createdOr(created, fallback time.Time) time.Time {
	if created.IsZero() {
		return fallback
	}
	return created
}

func (s *Store) UpsertCart(ctx context.Context, c *domain.CartTracking) error {
	_, err := s.exec(ctx, "UpsertCart", s.builder.
		Insert(cartsTable).
		Columns(
			"tenant_id", "cart_token", "total_price", "item_count", "currency",
			"customer_id", "email", "snapshot", "created_at", "updated_at",
		).
		Values(
			c.TenantID,
			c.CartToken,
			c.TotalPrice,
			c.ItemCount,
			c.Currency,
			c.CustomerID,
			c.Email,
			c.Snapshot,
			createdOr(c.CreatedAt, c.UpdatedAt),
			c.UpdatedAt,
		).
		Suffix(cartConflict))
	return err
}

// cartConflict ignores an update older than the stored row.
var cartConflict = "ON CONFLICT (tenant_id, cart_token) DO UPDATE SET " +
	excluded("total_price", "item_count", "snapshot", "updated_at") + ", " +
	keepNonEmpty(cartsTable, "currency", "customer_id", "email") +
	" WHERE EXCLUDED.updated_at >= " + cartsTable + ".updated_at"


func (s *Store) GetCart(ctx context.Context, tenantID, token string) (*domain.CartTracking, error) {
	row, err := s.queryRow(ctx, "GetCart", s.builder.
		Select(cartColumns...).
		From(cartsTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "cart_token": token}))
	if err != nil {
		return nil, err
	}
	c, err := scanCart(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("Store - GetCart - cart %s: %w", token, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Store - GetCart - row.Scan: %w", err)
	}
	return c, nil
}

// UpsertCheckout locks the row so the progress merge sees the latest value.
func (s *Store) UpsertCheckout(ctx context.Context, c *domain.CheckoutTracking) error {
	return s.withinTransaction(ctx, func(ctx context.Context) error {
		row, err := s.queryRow(ctx, "UpsertCheckout", s.builder.
			Select("progress").
			From(checkoutsTable).
			Where(squirrel.Eq{"tenant_id": c.TenantID, "checkout_token": c.CheckoutToken}).
			Suffix("FOR UPDATE"))
		if err != nil {
			return err
		}

		var current string
		if err := row.Scan(&current); err != nil && !isNoRows(err) {
			return fmt.Errorf("Store - UpsertCheckout - row.Scan: %w", err)
		}
		progress := domain.CheckoutProgress(current).Advance(c.Progress)

		var completedAt any
		if c.CompletedAt != nil {
			completedAt = *c.CompletedAt
		}

		_, err = s.exec(ctx, "UpsertCheckout", s.builder.
			Insert(checkoutsTable).
			Columns(
				"tenant_id", "checkout_token", "cart_token", "total_price", "item_count",
				"currency", "customer_id", "email", "progress", "completed_at",
				"snapshot", "created_at", "updated_at",
			).
			Values(
				c.TenantID,
				c.CheckoutToken,
				c.CartToken,
				c.TotalPrice,
				c.ItemCount,
				c.Currency,
				c.CustomerID,
				c.Email,
				string(progress),
				completedAt,
				c.Snapshot,
				createdOr(c.CreatedAt, c.UpdatedAt),
				c.UpdatedAt,
			).
			Suffix(checkoutConflict))
		return err
	})
}

// checkoutConflict merges progress and completion from any update but takes
// totals, snapshot and activity time only from one at least as recent as
// the stored row.
var checkoutConflict = "ON CONFLICT (tenant_id, checkout_token) DO UPDATE SET " +
	excluded("progress") + ", " +
	ifNewer(checkoutsTable, "total_price", "item_count", "snapshot", "updated_at") + ", " +
	keepNonEmpty(checkoutsTable, "cart_token", "currency", "customer_id", "email") + ", " +
	"completed_at = COALESCE(checkout_tracking.completed_at, EXCLUDED.completed_at), " +
	"recovered_at = CASE WHEN checkout_tracking.completed_at IS NULL " +
	"AND EXCLUDED.completed_at IS NOT NULL AND checkout_tracking.is_abandoned " +
	"THEN EXCLUDED.completed_at ELSE checkout_tracking.recovered_at END"


func (s *Store) GetCheckout(ctx context.Context, tenantID, token string) (*domain.CheckoutTracking, error) {
	row, err := s.queryRow(ctx, "GetCheckout", s.builder.
		Select(checkoutColumns...).
		From(checkoutsTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "checkout_token": token}))
	if err != nil {
		return nil, err
	}
	c, err := scanCheckout(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("Store - GetCheckout - checkout %s: %w", token, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Store - GetCheckout - row.Scan: %w", err)
	}
	return c, nil
}

func staleCart(cutoff time.Time) squirrel.Sqlizer {
	return squirrel.And{
		squirrel.Eq{"is_abandoned": false, "converted_to_order": false},
		squirrel.Lt{"updated_at": cutoff},
	}
}

func staleCheckout(cutoff time.Time) squirrel.Sqlizer {
	return squirrel.And{
		squirrel.Eq{"is_abandoned": false, "completed_at": nil},
		squirrel.NotEq{"progress": string(domain.ProgressCompleted)},
		squirrel.Lt{"updated_at": cutoff},
	}
}

func (s *Store) ListStaleCarts(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CartTracking, error) {
	rows, err := s.query(ctx, "ListStaleCarts", s.builder.
		Select(cartColumns...).
		From(cartsTable).
		Where(staleCart(cutoff)).
		OrderBy("updated_at ASC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	return collect("ListStaleCarts", rows, scanCart)
}

func (s *Store) ListStaleCheckouts(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CheckoutTracking, error) {
	rows, err := s.query(ctx, "ListStaleCheckouts", s.builder.
		Select(checkoutColumns...).
		From(checkoutsTable).
		Where(staleCheckout(cutoff)).
		OrderBy("updated_at ASC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	return collect("ListStaleCheckouts", rows, scanCheckout)
}

func (s *Store) MarkCartAbandoned(ctx context.Context, tenantID, token string, cutoff, at time.Time) (bool, error) {
	n, err := s.exec(ctx, "MarkCartAbandoned", s.builder.
		Update(cartsTable).
		Set("is_abandoned", true).
		Set("abandoned_at", at).
		Where(squirrel.Eq{"tenant_id": tenantID, "cart_token": token}).
		Where(staleCart(cutoff)))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) MarkCheckoutAbandoned(ctx context.Context, tenantID, token string, cutoff, at time.Time) (bool, error) {
	n, err := s.exec(ctx, "MarkCheckoutAbandoned", s.builder.
		Update(checkoutsTable).
		Set("is_abandoned", true).
		Set("abandoned_at", at).
		Set("progress", string(domain.ProgressAbandoned)).
		Where(squirrel.Eq{"tenant_id": tenantID, "checkout_token": token}).
		Where(staleCheckout(cutoff)))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReleaseCartAbandoned(ctx context.Context, tenantID, token string, at time.Time) (bool, error) {
	n, err := s.exec(ctx, "ReleaseCartAbandoned", s.builder.
		Update(cartsTable).
		Set("is_abandoned", false).
		Set("abandoned_at", nil).
		Where(squirrel.Eq{
			"tenant_id":          tenantID,
			"cart_token":         token,
			"is_abandoned":       true,
			"abandoned_at":       at,
			"converted_to_order": false,
		}))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReleaseCheckoutAbandoned(ctx context.Context, tenantID, token string, at time.Time, progress domain.CheckoutProgress) (bool, error) {
	n, err := s.exec(ctx, "ReleaseCheckoutAbandoned", s.builder.
		Update(checkoutsTable).
		Set("is_abandoned", false).
		Set("abandoned_at", nil).
		Set("progress", string(progress)).
		Where(squirrel.Eq{
			"tenant_id":      tenantID,
			"checkout_token": token,
			"is_abandoned":   true,
			"abandoned_at":   at,
			"completed_at":   nil,
		}))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ConvertCart inserts a converted record when the cart was never tracked and
// otherwise converts it once. RETURNING yields no row for a repeat conversion.
func (s *Store) ConvertCart(ctx context.Context, tenantID, token, orderID string, at time.Time) (bool, error) {
	row, err := s.queryRow(ctx, "ConvertCart", s.builder.
		Insert(cartsTable).
		Columns("tenant_id", "cart_token", "converted_to_order", "converted_at", "order_id", "created_at", "updated_at").
		Values(tenantID, token, true, at, orderID, at, at).
		Suffix("ON CONFLICT (tenant_id, cart_token) DO UPDATE SET " +
			"converted_to_order = TRUE, converted_at = EXCLUDED.converted_at, order_id = EXCLUDED.order_id, " +
			"recovered_at = CASE WHEN cart_tracking.is_abandoned THEN EXCLUDED.converted_at ELSE NULL END " +
			"WHERE cart_tracking.converted_to_order = FALSE " +
			"RETURNING is_abandoned"))
	if err != nil {
		return false, err
	}
	var abandoned bool
	if err := row.Scan(&abandoned); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("Store - ConvertCart - row.Scan: %w", err)
	}
	return abandoned, nil
}

func (s *Store) CompleteCheckout(ctx context.Context, tenantID, token string, at time.Time) (bool, error) {
	row, err := s.queryRow(ctx, "CompleteCheckout", s.builder.
		Insert(checkoutsTable).
		Columns("tenant_id", "checkout_token", "progress", "completed_at", "created_at", "updated_at").
		Values(tenantID, token, string(domain.ProgressCompleted), at, at, at).
		Suffix("ON CONFLICT (tenant_id, checkout_token) DO UPDATE SET " +
			"completed_at = EXCLUDED.completed_at, " +
			"progress = CASE WHEN checkout_tracking.progress = 'ABANDONED' THEN checkout_tracking.progress ELSE 'COMPLETED' END, " +
			"recovered_at = CASE WHEN checkout_tracking.is_abandoned THEN EXCLUDED.completed_at ELSE NULL END " +
			"WHERE checkout_tracking.completed_at IS NULL " +
			"RETURNING is_abandoned"))
	if err != nil {
		return false, err
	}
	var abandoned bool
	if err := row.Scan(&abandoned); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("Store - CompleteCheckout - row.Scan: %w", err)
	}
	return abandoned, nil
}
