package detector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
	"github.com/austindbirch/cart_sentinel/internal/queue"
	"github.com/austindbirch/cart_sentinel/internal/store/memstore"
)

// Monday 12:00 UTC
var testNow = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type fakeEnqueuer struct {
	mu   sync.Mutex
	reqs []queue.EnqueueRequest
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req queue.EnqueueRequest) (queue.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.Result{}, f.err
	}
	f.reqs = append(f.reqs, req)
	return queue.Result{Accepted: true, EventID: "ev"}, nil
}

func newTestDetector(st Store, enq Enqueuer) *Detector {
	cfg := config.Detector{CartThreshold: 30 * time.Minute, CheckoutThreshold: 60 * time.Minute, BatchSize: 100}
	return New(cfg, st, enq, logging.NewWithWriter("test", io.Discard),
		WithClock(func() time.Time { return testNow }))
}

func cart(token string, idle time.Duration) *domain.CartTracking {
	return &domain.CartTracking{
		TenantID: "shop-1", CartToken: token, TotalPrice: 42.5, ItemCount: 2,
		Email: "a@example.com", UpdatedAt: testNow.Add(-idle),
		Snapshot: json.RawMessage(`{"id":"999","token":"` + token + `","note":"gift"}`),
	}
}

func TestDetectCarts(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	enq := &fakeEnqueuer{}
	d := newTestDetector(st, enq)

	_ = st.UpsertCart(ctx, cart("idle", 31*time.Minute))
	_ = st.UpsertCart(ctx, cart("boundary", 30*time.Minute))
	_ = st.UpsertCart(ctx, cart("active", 5*time.Minute))
	_ = st.UpsertCart(ctx, cart("ordered", 2*time.Hour))
	_, _ = st.ConvertCart(ctx, "shop-1", "ordered", "o-1", testNow.Add(-90*time.Minute))

	res, err := d.DetectCarts(ctx)
	if err != nil {
		t.Fatalf("DetectCarts() error = %v", err)
	}
	if res.Scanned != 1 || res.Abandoned != 1 || res.Errors != 0 {
		t.Fatalf("result = %+v, want only the idle cart", res)
	}

	c, _ := st.GetCart(ctx, "shop-1", "idle")
	if !c.IsAbandoned || c.AbandonedAt == nil || !c.AbandonedAt.Equal(testNow) {
		t.Errorf("idle cart = %+v", c)
	}
	b, _ := st.GetCart(ctx, "shop-1", "boundary")
	if b.IsAbandoned {
		t.Error("cart idle exactly for the threshold must stay active")
	}

	if len(enq.reqs) != 1 {
		t.Fatalf("enqueued %d events, want 1", len(enq.reqs))
	}
	req := enq.reqs[0]
	if req.EventType != domain.EventCartAbandoned || req.Priority != domain.PriorityNormal || req.TenantID != "shop-1" {
		t.Errorf("request = %s/%s/%s", req.EventType, req.Priority, req.TenantID)
	}
	var body map[string]any
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body["token"] != "idle" || body["note"] != "gift" || body["total_price"] != 42.5 {
		t.Errorf("payload = %v", body)
	}
	if _, ok := body["id"]; ok {
		t.Error("payload kept the upstream id")
	}

	metricsRows, _ := st.AbandonmentMetrics(ctx, "shop-1", testNow.Add(-time.Hour), testNow.Add(time.Hour))
	if len(metricsRows) != 1 || metricsRows[0].Kind != domain.KindCart || metricsRows[0].Count != 1 {
		t.Errorf("analytics = %+v", metricsRows)
	}

	// a second scan finds nothing new
	again, _ := d.DetectCarts(ctx)
	if again.Abandoned != 0 || len(enq.reqs) != 1 {
		t.Errorf("second scan = %+v", again)
	}
}

func TestDetectCheckouts(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	enq := &fakeEnqueuer{}
	d := newTestDetector(st, enq)

	completed := testNow.Add(-3 * time.Hour)
	_ = st.UpsertCheckout(ctx, &domain.CheckoutTracking{
		TenantID: "shop-1", CheckoutToken: "co-idle", TotalPrice: 80, Progress: domain.ProgressShippingEntered,
		UpdatedAt: testNow.Add(-61 * time.Minute),
	})
	_ = st.UpsertCheckout(ctx, &domain.CheckoutTracking{
		TenantID: "shop-1", CheckoutToken: "co-recent", UpdatedAt: testNow.Add(-59 * time.Minute),
	})
	_ = st.UpsertCheckout(ctx, &domain.CheckoutTracking{
		TenantID: "shop-1", CheckoutToken: "co-done", CompletedAt: &completed,
		Progress: domain.ProgressCompleted, UpdatedAt: completed,
	})

	res, err := d.DetectCheckouts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != domain.KindCheckout || res.Abandoned != 1 {
		t.Fatalf("result = %+v", res)
	}
	co, _ := st.GetCheckout(ctx, "shop-1", "co-idle")
	if co.Lifecycle() != domain.LifecycleAbandoned || co.Progress != domain.ProgressAbandoned {
		t.Errorf("checkout = %s / %s", co.Lifecycle(), co.Progress)
	}
	if len(enq.reqs) != 1 || enq.reqs[0].EventType != domain.EventCheckoutAbandoned || enq.reqs[0].Priority != domain.PriorityHigh {
		t.Errorf("requests = %+v", enq.reqs)
	}

	sum, _ := st.SummarizeDay(ctx, "shop-1", testNow.Truncate(24*time.Hour), testNow.Truncate(24*time.Hour).Add(24*time.Hour))
	if sum.AbandonedCheckouts != 1 || sum.AbandonedCheckoutsValue != 80 {
		t.Errorf("summary = %+v", sum)
	}
}

// convertingStore places an order for every selected cart before the
// detector gets to mark it, as a concurrent order webhook would.
type convertingStore struct {
	*memstore.Store
}

func (s convertingStore) ListStaleCarts(ctx context.Context, cutoff time.Time, limit int) ([]*domain.CartTracking, error) {
	carts, err := s.Store.ListStaleCarts(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}
	for _, c := range carts {
		if _, err := s.Store.ConvertCart(ctx, c.TenantID, c.CartToken, "o-"+c.CartToken, testNow.Add(-time.Second)); err != nil {
			return nil, err
		}
	}
	return carts, nil
}

func TestRaceGuardSkipsCandidate(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	_ = st.UpsertCart(ctx, cart("racy", time.Hour))
	enq := &fakeEnqueuer{}
	d := newTestDetector(convertingStore{st}, enq)

	before := testutil.ToFloat64(metrics.RaceGuardTotal.WithLabelValues(string(domain.KindCart)))
	res, err := d.DetectCarts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 1 || res.Skipped != 1 || res.Abandoned != 0 || len(enq.reqs) != 0 {
		t.Errorf("result = %+v, requests = %d", res, len(enq.reqs))
	}
	after := testutil.ToFloat64(metrics.RaceGuardTotal.WithLabelValues(string(domain.KindCart)))
	if after-before != 1 {
		t.Errorf("race guard counter moved by %v, want 1", after-before)
	}

	c, _ := st.GetCart(ctx, "shop-1", "racy")
	if c.IsAbandoned || !c.ConvertedToOrder {
		t.Errorf("cart = abandoned %v converted %v, want converted only", c.IsAbandoned, c.ConvertedToOrder)
	}
	if m, _ := st.AbandonmentMetrics(ctx, "shop-1", testNow.Add(-time.Hour), testNow.Add(time.Hour)); len(m) != 0 {
		t.Errorf("analytics recorded for a converted cart: %+v", m)
	}
}

// An abandonment whose event cannot be queued is released and emitted by
// the next scan.
func TestEnqueueFailureIsRetriedByNextScan(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	_ = st.UpsertCart(ctx, cart("c1", time.Hour))
	_ = st.UpsertCart(ctx, cart("c2", 2*time.Hour))
	enq := &fakeEnqueuer{err: errors.New("queue down")}
	d := newTestDetector(st, enq)

	res, err := d.DetectCarts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Abandoned != 0 || res.Errors != 2 {
		t.Errorf("first scan = %+v, want 2 errors and nothing abandoned", res)
	}
	for _, token := range []string{"c1", "c2"} {
		if c, _ := st.GetCart(ctx, "shop-1", token); c.IsAbandoned || c.AbandonedAt != nil {
			t.Errorf("%s still flagged after a failed enqueue", token)
		}
	}
	if m, _ := st.AbandonmentMetrics(ctx, "shop-1", testNow.Add(-time.Hour), testNow.Add(time.Hour)); len(m) != 0 {
		t.Errorf("analytics recorded without an event: %+v", m)
	}

	enq.mu.Lock()
	enq.err = nil
	enq.mu.Unlock()

	res, err = d.DetectCarts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Abandoned != 2 || res.Errors != 0 || len(enq.reqs) != 2 {
		t.Errorf("second scan = %+v, requests = %d", res, len(enq.reqs))
	}
	m, _ := st.AbandonmentMetrics(ctx, "shop-1", testNow.Add(-time.Hour), testNow.Add(time.Hour))
	if len(m) != 1 || m[0].Count != 2 {
		t.Errorf("analytics = %+v, want one fact per cart", m)
	}
}

func TestCheckoutReleaseRestoresProgress(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	_ = st.UpsertCheckout(ctx, &domain.CheckoutTracking{
		TenantID: "shop-1", CheckoutToken: "co-1", Progress: domain.ProgressShippingEntered,
		UpdatedAt: testNow.Add(-2 * time.Hour),
	})
	enq := &fakeEnqueuer{err: errors.New("queue down")}
	d := newTestDetector(st, enq)

	if _, err := d.DetectCheckouts(ctx); err != nil {
		t.Fatal(err)
	}
	co, _ := st.GetCheckout(ctx, "shop-1", "co-1")
	if co.IsAbandoned || co.Progress != domain.ProgressShippingEntered {
		t.Errorf("checkout = abandoned %v / %s, want released", co.IsAbandoned, co.Progress)
	}

	enq.err = nil
	res, _ := d.DetectCheckouts(ctx)
	if res.Abandoned != 1 || len(enq.reqs) != 1 || enq.reqs[0].EventType != domain.EventCheckoutAbandoned {
		t.Errorf("retry scan = %+v, requests = %+v", res, enq.reqs)
	}
}

func TestAbandonmentPayload(t *testing.T) {
	tests := []struct {
		name     string
		snapshot string
	}{
		{"object", `{"token":"old","line_items":[{"price":"1.00"}]}`},
		{"not an object", `[1,2,3]`},
		{"null", `null`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate{tenantID: "t", token: "tok", value: 10, items: 1, snapshot: json.RawMessage(tt.snapshot)}
			raw, err := abandonmentPayload(c, testNow)
			if err != nil {
				t.Fatalf("abandonmentPayload() error = %v", err)
			}
			p, err := domain.DecodeCommerce(raw)
			if err != nil {
				t.Fatal(err)
			}
			if p.Token != "tok" || p.TotalPrice.Float() != 10 || p.AbandonedAt == nil || !p.AbandonedAt.Equal(testNow) {
				t.Errorf("decoded = %+v", p)
			}
		})
	}
}
