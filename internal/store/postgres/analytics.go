package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

const (
	factsTable     = "custom_events"
	abandonsTable  = "abandonment_analytics"
	summariesTable = "daily_abandonment_summary"
)

var factColumns = []string{
	"id", "tenant_id", "fact_type", "token", "customer_id", "source_event_id", "metadata", "created_at",
}

var summaryColumns = []string{
	"tenant_id", "day", "abandoned_carts", "abandoned_carts_value", "avg_cart_value",
	"abandoned_checkouts", "abandoned_checkouts_value", "avg_checkout_value",
	"total_abandoned_value", "created_at",
}

func (s *Store) InsertFact(ctx context.Context, f *domain.Fact) (bool, error) {
	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}
	n, err := s.exec(ctx, "InsertFact", s.builder.
		Insert(factsTable).
		Columns(factColumns...).
		Values(
			id,
			f.TenantID,
			string(f.Type),
			f.Token,
			f.CustomerID,
			f.SourceEventID,
			f.Metadata,
			f.CreatedAt,
		).
		Suffix("ON CONFLICT (tenant_id, fact_type, source_event_id) DO NOTHING"))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) LatestFact(ctx context.Context, tenantID string, typ domain.FactType, token string) (*domain.Fact, error) {
	row, err := s.queryRow(ctx, "LatestFact", s.builder.
		Select(factColumns...).
		From(factsTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "fact_type": string(typ), "token": token}).
		OrderBy("created_at DESC").
		Limit(1))
	if err != nil {
		return nil, err
	}

	var (
		f        domain.Fact
		factType string
	)
	err = row.Scan(&f.ID, &f.TenantID, &factType, &f.Token, &f.CustomerID, &f.SourceEventID, &f.Metadata, &f.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("Store - LatestFact - %s fact for %s: %w", typ, token, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Store - LatestFact - row.Scan: %w", err)
	}
	f.Type = domain.FactType(factType)
	return &f, nil
}

func (s *Store) InsertAbandonment(ctx context.Context, a *domain.AbandonmentAnalytics) error {
	_, err := s.exec(ctx, "InsertAbandonment", s.builder.
		Insert(abandonsTable).
		Columns(
			"tenant_id", "kind", "token", "value", "item_count", "customer_id",
			"day_of_week", "hour_of_day", "abandoned_at", "created_at",
		).
		Values(
			a.TenantID,
			string(a.Kind),
			a.Token,
			a.Value,
			a.ItemCount,
			a.CustomerID,
			a.DayOfWeek,
			a.HourOfDay,
			a.AbandonedAt,
			createdOr(a.CreatedAt, a.AbandonedAt),
		).
		Suffix("ON CONFLICT (tenant_id, kind, token, abandoned_at) DO NOTHING"))
	return err
}

type kindAggregate struct {
	kind  domain.AbandonmentKind
	count int64
	value float64
	items int64
}

func (s *Store) aggregateAbandonments(ctx context.Context, op, tenantID string, from, to time.Time) ([]kindAggregate, error) {
	rows, err := s.query(ctx, op, s.builder.
		Select("kind", "COUNT(*)", "COALESCE(SUM(value), 0)::float8", "COALESCE(SUM(item_count), 0)").
		From(abandonsTable).
		Where(squirrel.Eq{"tenant_id": tenantID}).
		Where(squirrel.GtOrEq{"abandoned_at": from}).
		Where(squirrel.Lt{"abandoned_at": to}).
		GroupBy("kind").
		OrderBy("kind"))
	if err != nil {
		return nil, err
	}
	return collect(op, rows, func(r pgx.Row) (kindAggregate, error) {
		var (
			a    kindAggregate
			kind string
		)
		err := r.Scan(&kind, &a.count, &a.value, &a.items)
		a.kind = domain.AbandonmentKind(kind)
		return a, err
	})
}

func (s *Store) SummarizeDay(ctx context.Context, tenantID string, from, to time.Time) (*domain.DailyAbandonmentSummary, error) {
	aggs, err := s.aggregateAbandonments(ctx, "SummarizeDay", tenantID, from, to)
	if err != nil {
		return nil, err
	}

	sum := &domain.DailyAbandonmentSummary{TenantID: tenantID, Day: from}
	for _, a := range aggs {
		switch a.kind {
		case domain.KindCart:
			sum.AbandonedCarts = a.count
			sum.AbandonedCartsValue = a.value
			if a.count > 0 {
				sum.AvgCartValue = a.value / float64(a.count)
			}
		case domain.KindCheckout:
			sum.AbandonedCheckouts = a.count
			sum.AbandonedCheckoutsValue = a.value
			if a.count > 0 {
				sum.AvgCheckoutValue = a.value / float64(a.count)
			}
		}
	}
	sum.TotalAbandonedValue = sum.AbandonedCartsValue + sum.AbandonedCheckoutsValue
	return sum, nil
}

func (s *Store) UpsertDailySummary(ctx context.Context, sum *domain.DailyAbandonmentSummary) error {
	_, err := s.exec(ctx, "UpsertDailySummary", s.builder.
		Insert(summariesTable).
		Columns(summaryColumns...).
		Values(
			sum.TenantID,
			sum.Day.UTC(),
			sum.AbandonedCarts,
			sum.AbandonedCartsValue,
			sum.AvgCartValue,
			sum.AbandonedCheckouts,
			sum.AbandonedCheckoutsValue,
			sum.AvgCheckoutValue,
			sum.TotalAbandonedValue,
			createdOr(sum.CreatedAt, time.Now().UTC()),
		).
		Suffix("ON CONFLICT (tenant_id, day) DO UPDATE SET " + excluded(
			"abandoned_carts", "abandoned_carts_value", "avg_cart_value",
			"abandoned_checkouts", "abandoned_checkouts_value", "avg_checkout_value",
			"total_abandoned_value",
		)))
	return err
}

func (s *Store) GetDailySummary(ctx context.Context, tenantID string, day time.Time) (*domain.DailyAbandonmentSummary, error) {
	row, err := s.queryRow(ctx, "GetDailySummary", s.builder.
		Select(
			"tenant_id", "day", "abandoned_carts", "abandoned_carts_value::float8", "avg_cart_value::float8",
			"abandoned_checkouts", "abandoned_checkouts_value::float8", "avg_checkout_value::float8",
			"total_abandoned_value::float8", "created_at",
		).
		From(summariesTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "day": day.UTC()}))
	if err != nil {
		return nil, err
	}

	var sum domain.DailyAbandonmentSummary
	err = row.Scan(
		&sum.TenantID,
		&sum.Day,
		&sum.AbandonedCarts,
		&sum.AbandonedCartsValue,
		&sum.AvgCartValue,
		&sum.AbandonedCheckouts,
		&sum.AbandonedCheckoutsValue,
		&sum.AvgCheckoutValue,
		&sum.TotalAbandonedValue,
		&sum.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("Store - GetDailySummary - summary %s: %w", day.Format("2006-01-02"), domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Store - GetDailySummary - row.Scan: %w", err)
	}
	return &sum, nil
}

func (s *Store) AbandonmentMetrics(ctx context.Context, tenantID string, from, to time.Time) ([]domain.AbandonmentMetric, error) {
	aggs, err := s.aggregateAbandonments(ctx, "AbandonmentMetrics", tenantID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AbandonmentMetric, 0, len(aggs))
	for _, a := range aggs {
		m := domain.AbandonmentMetric{
			Kind:       a.kind,
			Count:      a.count,
			TotalValue: a.value,
			TotalItems: a.items,
		}
		if a.count > 0 {
			m.AvgValue = a.value / float64(a.count)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) RecoveryCounts(ctx context.Context, tenantID string, from, to time.Time) (int64, int64, error) {
	window := func(table, recoveredCond string) squirrel.SelectBuilder {
		return squirrel.
			Select("COUNT(*) AS abandoned", "COUNT(*) FILTER (WHERE "+recoveredCond+") AS recovered").
			From(table).
			Where(squirrel.Eq{"tenant_id": tenantID, "is_abandoned": true}).
			Where(squirrel.GtOrEq{"abandoned_at": from}).
			Where(squirrel.Lt{"abandoned_at": to})
	}

	row, err := s.queryRow(ctx, "RecoveryCounts", s.builder.
		Select("COALESCE(SUM(abandoned), 0)::bigint", "COALESCE(SUM(recovered), 0)::bigint").
		FromSelect(
			window(cartsTable, "converted_to_order").
				Suffix("UNION ALL").
				SuffixExpr(window(checkoutsTable, "completed_at IS NOT NULL")),
			"w",
		))
	if err != nil {
		return 0, 0, err
	}

	var abandoned, recovered int64
	if err := row.Scan(&abandoned, &recovered); err != nil {
		return 0, 0, fmt.Errorf("Store - RecoveryCounts - row.Scan: %w", err)
	}
	return abandoned, recovered, nil
}
