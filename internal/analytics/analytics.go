// Package analytics rolls abandonment facts up per tenant and day and
// answers the dashboard's metrics query.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
	"github.com/austindbirch/cart_sentinel/internal/store"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

// DefaultWindow is the metrics window when the caller gives none.
const DefaultWindow = 30 * 24 * time.Hour

type Store interface {
	store.AnalyticsStore
	ListActiveTenants(ctx context.Context) ([]*domain.Tenant, error)
}

type Aggregator struct {
	store  Store
	logger *logging.Logger
	now    func() time.Time
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func New(st Store, logger *logging.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RollupResult reports a rollup over all active tenants.
type RollupResult struct {
	Day     string   `json:"day"`
	Tenants int      `json:"tenants"`
	Failed  []string `json:"failed,omitempty"`
}

// Day truncates t to the start of its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RollupPreviousDay summarises yesterday (UTC). It is the nightly job.
func (a *Aggregator) RollupPreviousDay(ctx context.Context) (RollupResult, error) {
	return a.Rollup(ctx, Day(a.now()).AddDate(0, 0, -1))
}

// Rollup writes one DailyAbandonmentSummary per active tenant for day.
// Re-running it overwrites the rows with the same values. A failing tenant
// is logged and does not stop the others.
func (a *Aggregator) Rollup(ctx context.Context, day time.Time) (RollupResult, error) {
	from := Day(day)
	to := from.AddDate(0, 0, 1)
	res := RollupResult{Day: from.Format("2006-01-02")}

	ctx, span := tracing.StartSpan(ctx, "analytics.rollup")
	defer span.End()

	tenants, err := a.store.ListActiveTenants(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordRollup("error")
		return res, fmt.Errorf("list tenants: %w", err)
	}

	for _, t := range tenants {
		if err := a.rollupTenant(ctx, t.ID, from, to); err != nil {
			res.Failed = append(res.Failed, t.ID)
			metrics.RecordRollup("error")
			a.logger.WithContext(ctx).WithTenant(t.ID).WithError(err).Error("daily rollup failed")
			continue
		}
		res.Tenants++
		metrics.RecordRollup("ok")
	}

	a.logger.WithContext(ctx).WithFields(map[string]any{
		"day":     res.Day,
		"tenants": res.Tenants,
		"failed":  len(res.Failed),
	}).Info("daily rollup finished")
	return res, nil
}

func (a *Aggregator) rollupTenant(ctx context.Context, tenantID string, from, to time.Time) error {
	sum, err := a.store.SummarizeDay(ctx, tenantID, from, to)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	sum.TenantID = tenantID
	sum.Day = from
	sum.CreatedAt = a.now()
	if err := a.store.UpsertDailySummary(ctx, sum); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// Report is the abandonment read model of one tenant over a window.
type Report struct {
	TenantID     string                     `json:"tenant_id"`
	From         time.Time                  `json:"from"`
	To           time.Time                  `json:"to"`
	Metrics      []domain.AbandonmentMetric `json:"metrics"`
	Abandoned    int64                      `json:"abandoned"`
	Recovered    int64                      `json:"recovered"`
	RecoveryRate float64                    `json:"recovery_rate"`
}

// Metrics groups abandonments in [from, to) by kind and computes the share
// of them that later converted. Zero bounds default to the last 30 days.
func (a *Aggregator) Metrics(ctx context.Context, tenantID string, from, to time.Time) (*Report, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required: %w", domain.ErrValidation)
	}
	if to.IsZero() {
		to = a.now()
	}
	if from.IsZero() {
		from = to.Add(-DefaultWindow)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("start must be before end: %w", domain.ErrValidation)
	}

	ms, err := a.store.AbandonmentMetrics(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("abandonment metrics: %w", err)
	}
	abandoned, recovered, err := a.store.RecoveryCounts(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("recovery counts: %w", err)
	}

	rep := &Report{
		TenantID:  tenantID,
		From:      from,
		To:        to,
		Metrics:   ms,
		Abandoned: abandoned,
		Recovered: recovered,
	}
	if abandoned > 0 {
		rep.RecoveryRate = float64(recovered) / float64(abandoned)
	}
	return rep, nil
}

// Summary returns the stored rollup of one day.
func (a *Aggregator) Summary(ctx context.Context, tenantID string, day time.Time) (*domain.DailyAbandonmentSummary, error) {
	return a.store.GetDailySummary(ctx, tenantID, Day(day))
}
