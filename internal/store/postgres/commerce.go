package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

const (
	ordersTable    = "orders"
	customersTable = "customers"
	productsTable  = "products"
	tenantsTable   = "tenants"
)

var orderColumns = []string{
	"tenant_id", "platform_id", "order_number", "email", "customer_id", "cart_token",
	"checkout_token", "total_price", "currency", "financial_status", "fulfillment_status",
	"cancelled_at", "raw", "created_at", "updated_at",
}

func (s *Store) UpsertOrder(ctx context.Context, o *domain.Order) error {
	var cancelledAt any
	if o.CancelledAt != nil {
		cancelledAt = *o.CancelledAt
	}
	_, err := s.exec(ctx, "UpsertOrder", s.builder.
		Insert(ordersTable).
		Columns(orderColumns...).
		Values(
			o.TenantID,
			o.PlatformID,
			o.OrderNumber,
			o.Email,
			o.CustomerID,
			o.CartToken,
			o.CheckoutToken,
			o.TotalPrice,
			o.Currency,
			o.FinancialStatus,
			o.FulfillmentStatus,
			cancelledAt,
			o.Raw,
			createdOr(o.CreatedAt, o.UpdatedAt),
			o.UpdatedAt,
		).
		Suffix("ON CONFLICT (tenant_id, platform_id) DO UPDATE SET " + excluded(
			"order_number", "email", "customer_id", "cart_token", "checkout_token",
			"total_price", "currency", "financial_status", "fulfillment_status",
			"cancelled_at", "raw", "updated_at",
		)))
	return err
}

func (s *Store) GetOrder(ctx context.Context, tenantID, platformID string) (*domain.Order, error) {
	row, err := s.queryRow(ctx, "GetOrder", s.builder.
		Select(orderColumns...).
		From(ordersTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "platform_id": platformID}))
	if err != nil {
		return nil, err
	}

	var o domain.Order
	err = row.Scan(
		&o.TenantID,
		&o.PlatformID,
		&o.OrderNumber,
		&o.Email,
		&o.CustomerID,
		&o.CartToken,
		&o.CheckoutToken,
		&o.TotalPrice,
		&o.Currency,
		&o.FinancialStatus,
		&o.FulfillmentStatus,
		&o.CancelledAt,
		&o.Raw,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("Store - GetOrder - order %s: %w", platformID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Store - GetOrder - row.Scan: %w", err)
	}
	return &o, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, tenantID, platformID string, upd domain.OrderStatusUpdate) error {
	q := s.builder.
		Update(ordersTable).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"tenant_id": tenantID, "platform_id": platformID})
	if upd.FinancialStatus != "" {
		q = q.Set("financial_status", upd.FinancialStatus)
	}
	if upd.FulfillmentStatus != "" {
		q = q.Set("fulfillment_status", upd.FulfillmentStatus)
	}
	if upd.CancelledAt != nil {
		q = q.Set("cancelled_at", *upd.CancelledAt)
	}

	n, err := s.exec(ctx, "UpdateOrderStatus", q)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("Store - UpdateOrderStatus - order %s: %w", platformID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) CountOrdersByEmail(ctx context.Context, tenantID, email string) (int64, error) {
	row, err := s.queryRow(ctx, "CountOrdersByEmail", s.builder.
		Select("COUNT(*)").
		From(ordersTable).
		Where(squirrel.Eq{"tenant_id": tenantID}).
		Where(squirrel.Expr("lower(email) = ?", strings.ToLower(email))))
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("Store - CountOrdersByEmail - row.Scan: %w", err)
	}
	return n, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, c *domain.Customer) error {
	_, err := s.exec(ctx, "UpsertCustomer", s.builder.
		Insert(customersTable).
		Columns("tenant_id", "platform_id", "email", "first_name", "last_name", "orders_count", "total_spent", "raw", "updated_at").
		Values(c.TenantID, c.PlatformID, c.Email, c.FirstName, c.LastName, c.OrdersCount, c.TotalSpent, c.Raw, c.UpdatedAt).
		Suffix("ON CONFLICT (tenant_id, platform_id) DO UPDATE SET " + excluded(
			"email", "first_name", "last_name", "orders_count", "total_spent", "raw", "updated_at",
		)))
	return err
}

func (s *Store) DeleteCustomer(ctx context.Context, tenantID, platformID string) error {
	_, err := s.exec(ctx, "DeleteCustomer", s.builder.
		Delete(customersTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "platform_id": platformID}))
	return err
}

func (s *Store) UpsertProduct(ctx context.Context, p *domain.Product) error {
	_, err := s.exec(ctx, "UpsertProduct", s.builder.
		Insert(productsTable).
		Columns("tenant_id", "platform_id", "title", "vendor", "status", "raw", "updated_at").
		Values(p.TenantID, p.PlatformID, p.Title, p.Vendor, p.Status, p.Raw, p.UpdatedAt).
		Suffix("ON CONFLICT (tenant_id, platform_id) DO UPDATE SET " + excluded(
			"title", "vendor", "status", "raw", "updated_at",
		)))
	return err
}

func (s *Store) DeleteProduct(ctx context.Context, tenantID, platformID string) error {
	_, err := s.exec(ctx, "DeleteProduct", s.builder.
		Delete(productsTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "platform_id": platformID}))
	return err
}

// Tenants

var tenantColumns = []string{"id", "domain", "webhook_secret", "active", "created_at"}

func (s *Store) ResolveTenant(ctx context.Context, shopDomain string) (*domain.Tenant, error) {
	shopDomain = strings.ToLower(shopDomain)
	row, err := s.queryRow(ctx, "ResolveTenant", s.builder.
		Select(tenantColumns...).
		From(tenantsTable).
		Where(squirrel.Eq{"domain": shopDomain}))
	if err != nil {
		return nil, err
	}

	var t domain.Tenant
	if err := row.Scan(&t.ID, &t.Domain, &t.WebhookSecret, &t.Active, &t.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("Store - ResolveTenant - domain %s: %w", shopDomain, domain.ErrTenantNotFound)
		}
		return nil, fmt.Errorf("Store - ResolveTenant - row.Scan: %w", err)
	}
	return &t, nil
}

// RegisterTenant adds an active tenant for shopDomain, keyed by the domain,
// unless one exists, and returns the stored row.
func (s *Store) RegisterTenant(ctx context.Context, shopDomain string) (*domain.Tenant, error) {
	shopDomain = strings.ToLower(shopDomain)
	if _, err := s.exec(ctx, "RegisterTenant", s.builder.
		Insert(tenantsTable).
		Columns("id", "domain", "active", "created_at").
		Values(shopDomain, shopDomain, true, time.Now().UTC()).
		Suffix("ON CONFLICT (domain) DO NOTHING")); err != nil {
		return nil, err
	}
	return s.ResolveTenant(ctx, shopDomain)
}

func (s *Store) UpsertTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := s.exec(ctx, "UpsertTenant", s.builder.
		Insert(tenantsTable).
		Columns(tenantColumns...).
		Values(t.ID, strings.ToLower(t.Domain), t.WebhookSecret, t.Active, createdOr(t.CreatedAt, time.Now().UTC())).
		Suffix("ON CONFLICT (id) DO UPDATE SET " + excluded("domain", "webhook_secret", "active")))
	return err
}

func (s *Store) ListActiveTenants(ctx context.Context) ([]*domain.Tenant, error) {
	rows, err := s.query(ctx, "ListActiveTenants", s.builder.
		Select(tenantColumns...).
		From(tenantsTable).
		Where(squirrel.Eq{"active": true}).
		OrderBy("id ASC"))
	if err != nil {
		return nil, err
	}
	return collect("ListActiveTenants", rows, func(r pgx.Row) (*domain.Tenant, error) {
		var t domain.Tenant
		err := r.Scan(&t.ID, &t.Domain, &t.WebhookSecret, &t.Active, &t.CreatedAt)
		return &t, err
	})
}

func (s *Store) DeactivateTenant(ctx context.Context, tenantID string) error {
	n, err := s.exec(ctx, "DeactivateTenant", s.builder.
		Update(tenantsTable).
		Set("active", false).
		Where(squirrel.Eq{"id": tenantID}))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("Store - DeactivateTenant - tenant %s: %w", tenantID, domain.ErrTenantNotFound)
	}
	return nil
}
