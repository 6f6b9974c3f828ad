package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/queue"
	"github.com/austindbirch/cart_sentinel/internal/store/memstore"
)

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
	return queue.Result{Accepted: true, EventID: "derived"}, nil
}

func (f *fakeEnqueuer) types() []domain.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventType, 0, len(f.reqs))
	for _, r := range f.reqs {
		out = append(out, r.EventType)
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *memstore.Store, *fakeEnqueuer) {
	t.Helper()
	st := memstore.New()
	enq := &fakeEnqueuer{}
	r := New(Config{}, st, enq, logging.NewWithWriter("test", io.Discard),
		WithClock(func() time.Time { return testNow }))
	return r, st, enq
}

func event(id string, t domain.EventType, payload string) *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID:        id,
		TenantID:  "shop-1",
		EventType: t,
		Payload:   json.RawMessage(payload),
		Status:    domain.StatusProcessing,
		Priority:  domain.PriorityNormal,
		CreatedAt: testNow.Add(-time.Minute),
	}
}

func TestRegistryFallback(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	if r.Handles("orders/edited") {
		t.Fatal("orders/edited should not have a dedicated processor")
	}
	if err := r.Process(context.Background(), event("e1", "orders/edited", `{"id":1}`)); err != nil {
		t.Errorf("fallback Process() error = %v", err)
	}

	for _, typ := range []domain.EventType{
		domain.EventCartAbandoned, domain.EventCheckoutStarted, domain.EventCheckoutAbandoned,
		domain.EventHighValueCart, domain.EventFirstPurchase, domain.EventReturningCustomer,
		domain.EventGeneric, domain.TopicOrdersCreate, domain.TopicCartsUpdate, domain.TopicAppUninstalled,
	} {
		if !r.Handles(typ) {
			t.Errorf("no processor registered for %s", typ)
		}
	}
}

func TestCartAbandonedSchedulesCadence(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newTestRegistry(t)

	abandonedAt := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	ev := event("e1", domain.EventCartAbandoned,
		`{"token":"cart-1","total_price":"120.50","email":"a@example.com","abandoned_at":"2024-06-03T10:00:00Z","line_items":[{"quantity":2},{"quantity":1}]}`)

	// a retried event must not add a second schedule
	for i := 0; i < 2; i++ {
		if err := r.Process(ctx, ev); err != nil {
			t.Fatalf("Process() run %d error = %v", i, err)
		}
	}

	attempts, _ := st.ListRecoveries(ctx, "shop-1", "cart-1")
	if len(attempts) != 3 {
		t.Fatalf("scheduled %d attempts, want 3", len(attempts))
	}
	want := []struct {
		stage domain.RecoveryStage
		due   time.Time
	}{
		{domain.StageFirst, abandonedAt.Add(time.Hour)},
		{domain.StageSecond, abandonedAt.Add(24 * time.Hour)},
		{domain.StageFinal, abandonedAt.Add(72 * time.Hour)},
	}
	for i, w := range want {
		a := attempts[i]
		if a.Stage != w.stage || !a.DueAt.Equal(w.due) {
			t.Errorf("attempt %d = %s due %s, want %s due %s", i, a.Stage, a.DueAt, w.stage, w.due)
		}
		if a.Email != "a@example.com" || a.CartValue != 120.5 || a.Status != domain.RecoveryScheduled {
			t.Errorf("attempt %d = %+v", i, a)
		}
	}

	fact, err := st.LatestFact(ctx, "shop-1", domain.FactCartAbandoned, "cart-1")
	if err != nil {
		t.Fatalf("LatestFact() error = %v", err)
	}
	if fact.SourceEventID != "e1" || fact.Metadata["item_count"] != 3 {
		t.Errorf("fact = %+v", fact)
	}
}

func TestCartAbandonedDefaultsToEventTime(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newTestRegistry(t)

	ev := event("e1", domain.EventCartAbandoned, `{"token":"cart-2","total_price":10}`)
	if err := r.Process(ctx, ev); err != nil {
		t.Fatal(err)
	}
	attempts, _ := st.ListRecoveries(ctx, "shop-1", "cart-2")
	if len(attempts) == 0 || !attempts[0].DueAt.Equal(ev.CreatedAt.Add(time.Hour)) {
		t.Errorf("first reminder not measured from event time: %+v", attempts)
	}
}

func TestCheckoutAbandonedDuration(t *testing.T) {
	tests := []struct {
		name    string
		started *time.Time
		want    any
	}{
		{name: "with start", started: ptr(testNow.Add(-45 * time.Minute)), want: 45.0},
		{name: "without start", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r, st, _ := newTestRegistry(t)

			if tt.started != nil {
				_, _ = st.InsertFact(ctx, &domain.Fact{
					TenantID: "shop-1", Type: domain.FactCheckoutStarted, Token: "co-1",
					SourceEventID: "start", CreatedAt: *tt.started,
				})
			}

			if err := r.Process(ctx, event("e2", domain.EventCheckoutAbandoned, `{"token":"co-1","total_price":"80"}`)); err != nil {
				t.Fatal(err)
			}
			fact, err := st.LatestFact(ctx, "shop-1", domain.FactCheckoutAbandoned, "co-1")
			if err != nil {
				t.Fatal(err)
			}
			if got := fact.Metadata["abandonment_duration"]; got != tt.want {
				t.Errorf("abandonment_duration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHighValueCartThreshold(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantFact bool
	}{
		{"string above", `{"token":"c","total_price":"750.00"}`, true},
		{"number at threshold", `{"token":"c","total_price":500}`, true},
		{"number below", `{"token":"c","total_price":499.99}`, false},
		{"missing price", `{"token":"c"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r, st, _ := newTestRegistry(t)

			if err := r.Process(ctx, event("e3", domain.EventHighValueCart, tt.payload)); err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			_, err := st.LatestFact(ctx, "shop-1", domain.FactHighValueCart, "c")
			if got := err == nil; got != tt.wantFact {
				t.Errorf("fact written = %v, want %v", got, tt.wantFact)
			}
		})
	}
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	tests := []struct {
		name string
		ev   *domain.WebhookEvent
	}{
		{"bad price", event("e4", domain.EventHighValueCart, `{"total_price":"abc"}`)},
		{"no token", event("e5", domain.EventCartAbandoned, `{"total_price":"1"}`)},
		{"no order id", event("e6", domain.TopicOrdersCreate, `{"email":"x@example.com"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Process(context.Background(), tt.ev)
			if !domain.IsPermanent(err) || !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Process() error = %v, want permanent validation error", err)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }
