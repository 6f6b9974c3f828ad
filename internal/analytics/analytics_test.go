package analytics

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/store/memstore"
)

var testNow = time.Date(2024, 6, 4, 2, 0, 0, 0, time.UTC)

func abandon(t *testing.T, st *memstore.Store, tenant string, kind domain.AbandonmentKind, token string, value float64, at time.Time) {
	t.Helper()
	err := st.InsertAbandonment(context.Background(), &domain.AbandonmentAnalytics{
		TenantID: tenant, Kind: kind, Token: token, Value: value, ItemCount: 1,
		DayOfWeek: int(at.Weekday()), HourOfDay: at.Hour(), AbandonedAt: at, CreatedAt: at,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newTestAggregator(st Store) *Aggregator {
	return New(st, logging.NewWithWriter("test", io.Discard), WithClock(func() time.Time { return testNow }))
}

func TestDay(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2024, 6, 3, 23, 59, 0, 0, time.UTC), time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 6, 4, 2, 0, 0, 0, loc), time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := Day(tt.in); !got.Equal(tt.want) {
			t.Errorf("Day(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRollupPreviousDay(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	_ = st.UpsertTenant(ctx, &domain.Tenant{ID: "shop-1", Domain: "shop-1.example", Active: true})
	_ = st.UpsertTenant(ctx, &domain.Tenant{ID: "shop-2", Domain: "shop-2.example", Active: true})
	_ = st.UpsertTenant(ctx, &domain.Tenant{ID: "gone", Domain: "gone.example", Active: false})

	yesterday := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	abandon(t, st, "shop-1", domain.KindCart, "c1", 100, yesterday.Add(time.Hour))
	abandon(t, st, "shop-1", domain.KindCart, "c2", 50, yesterday.Add(23*time.Hour+59*time.Minute))
	abandon(t, st, "shop-1", domain.KindCheckout, "k1", 30, yesterday.Add(12*time.Hour))
	abandon(t, st, "shop-1", domain.KindCart, "today", 999, yesterday.Add(24*time.Hour))
	abandon(t, st, "gone", domain.KindCart, "x", 1, yesterday.Add(time.Hour))

	a := newTestAggregator(st)
	res, err := a.RollupPreviousDay(ctx)
	if err != nil {
		t.Fatalf("RollupPreviousDay() error = %v", err)
	}
	if res.Day != "2024-06-03" || res.Tenants != 2 || len(res.Failed) != 0 {
		t.Errorf("result = %+v", res)
	}

	sum, err := a.Summary(ctx, "shop-1", yesterday.Add(5*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.AbandonedCarts != 2 || sum.AbandonedCartsValue != 150 || sum.AvgCartValue != 75 {
		t.Errorf("cart totals = %d / %v / %v", sum.AbandonedCarts, sum.AbandonedCartsValue, sum.AvgCartValue)
	}
	if sum.AbandonedCheckouts != 1 || sum.AvgCheckoutValue != 30 || sum.TotalAbandonedValue != 180 {
		t.Errorf("checkout totals = %+v", sum)
	}

	empty, err := a.Summary(ctx, "shop-2", yesterday)
	if err != nil || empty.AbandonedCarts != 0 || empty.TotalAbandonedValue != 0 {
		t.Errorf("empty tenant summary = %+v, %v", empty, err)
	}
	if _, err := a.Summary(ctx, "gone", yesterday); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("inactive tenant summary error = %v, want ErrNotFound", err)
	}
}

func TestRollupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	_ = st.UpsertTenant(ctx, &domain.Tenant{ID: "shop-1", Domain: "shop-1.example", Active: true})
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	abandon(t, st, "shop-1", domain.KindCart, "c1", 20, day.Add(time.Hour))

	a := newTestAggregator(st)
	for i := 0; i < 2; i++ {
		if _, err := a.Rollup(ctx, day); err != nil {
			t.Fatal(err)
		}
	}
	sum, _ := a.Summary(ctx, "shop-1", day)
	if sum.AbandonedCarts != 1 || sum.AbandonedCartsValue != 20 {
		t.Errorf("summary after two rollups = %+v", sum)
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	// two carts abandoned in the window, one later ordered
	for _, token := range []string{"c1", "c2"} {
		_ = st.UpsertCart(ctx, &domain.CartTracking{TenantID: "shop-1", CartToken: token, UpdatedAt: testNow.Add(-48 * time.Hour)})
		_, _ = st.MarkCartAbandoned(ctx, "shop-1", token, testNow, testNow.Add(-24*time.Hour))
		abandon(t, st, "shop-1", domain.KindCart, token, 40, testNow.Add(-24*time.Hour))
	}
	_, _ = st.ConvertCart(ctx, "shop-1", "c1", "o-1", testNow.Add(-time.Hour))

	_ = st.UpsertCheckout(ctx, &domain.CheckoutTracking{TenantID: "shop-1", CheckoutToken: "k1", UpdatedAt: testNow.Add(-48 * time.Hour)})
	_, _ = st.MarkCheckoutAbandoned(ctx, "shop-1", "k1", testNow, testNow.Add(-24*time.Hour))
	abandon(t, st, "shop-1", domain.KindCheckout, "k1", 100, testNow.Add(-24*time.Hour))

	// outside the default window
	abandon(t, st, "shop-1", domain.KindCart, "old", 5, testNow.Add(-31*24*time.Hour))

	a := newTestAggregator(st)
	rep, err := a.Metrics(ctx, "shop-1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if !rep.From.Equal(testNow.Add(-DefaultWindow)) || !rep.To.Equal(testNow) {
		t.Errorf("window = %s..%s", rep.From, rep.To)
	}
	if len(rep.Metrics) != 2 {
		t.Fatalf("metrics = %+v", rep.Metrics)
	}
	cart := rep.Metrics[0]
	if cart.Kind != domain.KindCart || cart.Count != 2 || cart.TotalValue != 80 || cart.AvgValue != 40 || cart.TotalItems != 2 {
		t.Errorf("cart metric = %+v", cart)
	}
	if rep.Abandoned != 3 || rep.Recovered != 1 {
		t.Errorf("abandoned/recovered = %d/%d, want 3/1", rep.Abandoned, rep.Recovered)
	}
	if rep.RecoveryRate < 0.333 || rep.RecoveryRate > 0.334 {
		t.Errorf("RecoveryRate = %v, want 1/3", rep.RecoveryRate)
	}
}

func TestMetricsValidation(t *testing.T) {
	a := newTestAggregator(memstore.New())

	tests := []struct {
		name     string
		tenant   string
		from, to time.Time
	}{
		{"missing tenant", "", time.Time{}, time.Time{}},
		{"inverted window", "shop-1", testNow, testNow.Add(-time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Metrics(context.Background(), tt.tenant, tt.from, tt.to); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Metrics() error = %v, want ErrValidation", err)
			}
		})
	}

	rep, err := a.Metrics(context.Background(), "empty", time.Time{}, time.Time{})
	if err != nil || rep.RecoveryRate != 0 || rep.Abandoned != 0 {
		t.Errorf("empty tenant = %+v, %v", rep, err)
	}
}
