package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedEvent(t *testing.T, s *Store, id string, status domain.EventStatus, retries int, created time.Time) {
	t.Helper()
	err := s.InsertEvent(context.Background(), &domain.WebhookEvent{
		ID:         id,
		TenantID:   "shop",
		EventType:  domain.EventGeneric,
		Payload:    []byte(`{}`),
		Status:     status,
		Priority:   domain.PriorityNormal,
		RetryCount: retries,
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatalf("InsertEvent(%s) error = %v", id, err)
	}
}

func TestEventLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedEvent(t, s, "e1", domain.StatusPending, 0, t0)

	ok, err := s.ClaimEvent(ctx, "e1", t0)
	if err != nil || !ok {
		t.Fatalf("ClaimEvent() = %v, %v; want true", ok, err)
	}
	if ok, _ := s.ClaimEvent(ctx, "e1", t0); ok {
		t.Error("second claim must lose")
	}

	failed, err := s.FailEvent(ctx, "e1", "boom")
	if err != nil {
		t.Fatalf("FailEvent() error = %v", err)
	}
	if failed.Status != domain.StatusFailed || failed.LastError != "boom" {
		t.Errorf("failed event = %+v", failed)
	}

	if err := s.CompleteEvent(ctx, "e1", t0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("CompleteEvent on FAILED error = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.GetEvent(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetEvent(missing) error = %v", err)
	}
}

func TestClaimRetries(t *testing.T) {
	ctx := context.Background()
	s := New()

	for i := 0; i < 12; i++ {
		seedEvent(t, s, fmt.Sprintf("f%02d", i), domain.StatusFailed, 0, t0.Add(time.Duration(i)*time.Second))
	}
	seedEvent(t, s, "exhausted", domain.StatusFailed, 3, t0.Add(-time.Hour))
	seedEvent(t, s, "done", domain.StatusCompleted, 0, t0.Add(-time.Hour))

	claimed, err := s.ClaimRetries(ctx, 3, 10)
	if err != nil {
		t.Fatalf("ClaimRetries() error = %v", err)
	}
	if len(claimed) != 10 {
		t.Fatalf("claimed %d, want 10", len(claimed))
	}
	for i, ev := range claimed {
		if want := fmt.Sprintf("f%02d", i); ev.ID != want {
			t.Errorf("claimed[%d] = %s, want %s (oldest first)", i, ev.ID, want)
		}
		if ev.Status != domain.StatusPending || ev.RetryCount != 1 {
			t.Errorf("claimed %s = %s/%d, want PENDING/1", ev.ID, ev.Status, ev.RetryCount)
		}
	}

	if n, _ := s.CountExhausted(ctx, 3); n != 1 {
		t.Errorf("CountExhausted() = %d, want 1", n)
	}
}

func TestRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedEvent(t, s, "old", domain.StatusPending, 0, t0.Add(-time.Hour))
	seedEvent(t, s, "fresh", domain.StatusPending, 0, t0)
	seedEvent(t, s, "stuck", domain.StatusPending, 0, t0.Add(-time.Hour))
	if _, err := s.ClaimEvent(ctx, "stuck", t0.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	pending, _ := s.ListPending(ctx, t0.Add(-time.Minute), 10)
	if len(pending) != 1 || pending[0].ID != "old" {
		t.Errorf("ListPending() = %v, want [old]", pending)
	}

	n, _ := s.FailInterrupted(ctx, t0.Add(-time.Minute), "interrupted")
	if n != 1 {
		t.Errorf("FailInterrupted() = %d, want 1", n)
	}
	ev, _ := s.GetEvent(ctx, "stuck")
	if ev.Status != domain.StatusFailed || ev.LastError != "interrupted" {
		t.Errorf("stuck event = %s/%q", ev.Status, ev.LastError)
	}
}

func TestMarkCartAbandonedGuard(t *testing.T) {
	ctx := context.Background()
	s := New()
	cutoff := t0.Add(-30 * time.Minute)

	_ = s.UpsertCart(ctx, &domain.CartTracking{TenantID: "shop", CartToken: "c1", UpdatedAt: t0.Add(-31 * time.Minute)})
	_ = s.UpsertCart(ctx, &domain.CartTracking{TenantID: "shop", CartToken: "c2", UpdatedAt: t0.Add(-29 * time.Minute)})

	stale, _ := s.ListStaleCarts(ctx, cutoff, 100)
	if len(stale) != 1 || stale[0].CartToken != "c1" {
		t.Fatalf("ListStaleCarts() = %v, want [c1]", stale)
	}

	// conversion lands between selection and update
	if _, err := s.ConvertCart(ctx, "shop", "c1", "o1", t0); err != nil {
		t.Fatal(err)
	}
	ok, err := s.MarkCartAbandoned(ctx, "shop", "c1", cutoff, t0)
	if err != nil || ok {
		t.Errorf("MarkCartAbandoned() on converted cart = %v, %v; want false", ok, err)
	}

	c, _ := s.GetCart(ctx, "shop", "c1")
	if c.IsAbandoned || !c.ConvertedToOrder {
		t.Errorf("cart = %+v, want converted and not abandoned", c)
	}
}

func TestConvertCartRecovery(t *testing.T) {
	ctx := context.Background()
	s := New()
	cutoff := t0.Add(-30 * time.Minute)

	_ = s.UpsertCart(ctx, &domain.CartTracking{TenantID: "shop", CartToken: "c1", UpdatedAt: t0.Add(-time.Hour)})
	if ok, _ := s.MarkCartAbandoned(ctx, "shop", "c1", cutoff, t0); !ok {
		t.Fatal("cart should be abandoned")
	}
	if ok, _ := s.MarkCartAbandoned(ctx, "shop", "c1", cutoff, t0); ok {
		t.Fatal("abandonment must be set exactly once")
	}

	recovered, _ := s.ConvertCart(ctx, "shop", "c1", "o1", t0.Add(time.Hour))
	if !recovered {
		t.Error("converting an abandoned cart should report recovery")
	}
	again, _ := s.ConvertCart(ctx, "shop", "c1", "o1", t0.Add(time.Hour))
	if again {
		t.Error("second conversion must not report recovery again")
	}

	c, _ := s.GetCart(ctx, "shop", "c1")
	if c.Lifecycle() != domain.LifecycleRecovered {
		t.Errorf("Lifecycle() = %s, want RECOVERED", c.Lifecycle())
	}

	abandoned, rec, _ := s.RecoveryCounts(ctx, "shop", t0.Add(-time.Minute), t0.Add(time.Minute))
	if abandoned != 1 || rec != 1 {
		t.Errorf("RecoveryCounts() = %d/%d, want 1/1", abandoned, rec)
	}
}

func TestUpsertCheckoutMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New()

	steps := []domain.CheckoutProgress{
		domain.ProgressStarted,
		domain.ProgressPaymentEntered,
		domain.ProgressEmailEntered,
	}
	for i, p := range steps {
		_ = s.UpsertCheckout(ctx, &domain.CheckoutTracking{
			TenantID: "shop", CheckoutToken: "k1", Progress: p, UpdatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}

	c, _ := s.GetCheckout(ctx, "shop", "k1")
	if c.Progress != domain.ProgressPaymentEntered {
		t.Errorf("Progress = %s, want PAYMENT_ENTERED", c.Progress)
	}
	if !c.UpdatedAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("UpdatedAt = %v", c.UpdatedAt)
	}
}

func TestUpsertCartIgnoresOlderUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()

	_ = s.UpsertCart(ctx, &domain.CartTracking{TenantID: "shop", CartToken: "c1", TotalPrice: 99, Email: "new@example.com", UpdatedAt: t0.Add(25 * time.Minute)})
	_ = s.UpsertCart(ctx, &domain.CartTracking{TenantID: "shop", CartToken: "c1", TotalPrice: 10, Email: "old@example.com", UpdatedAt: t0})

	c, _ := s.GetCart(ctx, "shop", "c1")
	if !c.UpdatedAt.Equal(t0.Add(25*time.Minute)) || c.TotalPrice != 99 || c.Email != "new@example.com" {
		t.Errorf("cart = %+v, want the newer update", c)
	}
}

func TestScheduleRecoveriesIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	attempts := func() []*domain.RecoveryAttempt {
		var out []*domain.RecoveryAttempt
		for i, st := range domain.RecoveryStages {
			out = append(out, &domain.RecoveryAttempt{
				TenantID: "shop", CartToken: "c1", Stage: st, DueAt: t0.Add(time.Duration(i+1) * time.Hour),
			})
		}
		return out
	}

	if n, _ := s.ScheduleRecoveries(ctx, attempts()); n != 3 {
		t.Errorf("first schedule inserted %d, want 3", n)
	}
	if n, _ := s.ScheduleRecoveries(ctx, attempts()); n != 0 {
		t.Errorf("second schedule inserted %d, want 0", n)
	}

	due, _ := s.ClaimDueRecoveries(ctx, t0.Add(90*time.Minute), 10)
	if len(due) != 1 || due[0].Stage != domain.StageFirst {
		t.Fatalf("ClaimDueRecoveries() = %v, want first stage only", due)
	}

	if n, _ := s.CancelRecoveries(ctx, "shop", "c1"); n != 2 {
		t.Errorf("CancelRecoveries() = %d, want 2", n)
	}
}

func TestResolveTenant(t *testing.T) {
	ctx := context.Background()

	s := New()
	if _, err := s.ResolveTenant(ctx, "unknown.myshopify.com"); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("ResolveTenant() error = %v, want ErrTenantNotFound", err)
	}

	if active, _ := s.ListActiveTenants(ctx); len(active) != 0 {
		t.Errorf("lookup registered a tenant: %v", active)
	}

	tn, err := s.RegisterTenant(ctx, "Demo.myshopify.com")
	if err != nil || tn.ID != "demo.myshopify.com" || !tn.Active {
		t.Errorf("RegisterTenant() = %+v, %v", tn, err)
	}
	if got, err := s.ResolveTenant(ctx, "demo.myshopify.com"); err != nil || got.ID != tn.ID {
		t.Errorf("ResolveTenant() after register = %+v, %v", got, err)
	}
	if err := s.DeactivateTenant(ctx, tn.ID); err != nil {
		t.Fatal(err)
	}
	again, _ := s.RegisterTenant(ctx, "demo.myshopify.com")
	if again.Active {
		t.Error("RegisterTenant() reactivated an uninstalled tenant")
	}
	active, _ := s.ListActiveTenants(ctx)
	if len(active) != 0 {
		t.Errorf("ListActiveTenants() = %v, want none", active)
	}
}
