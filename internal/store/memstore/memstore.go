// Package memstore is an in-process store.Store used by tests and by
// STORE_DRIVER=memory. A single mutex serializes every operation, which gives
// the conditional updates the same atomicity the SQL store gets from row locks.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	events      map[string]*domain.WebhookEvent
	carts       map[string]*domain.CartTracking
	checkouts   map[string]*domain.CheckoutTracking
	facts       map[string]*domain.Fact
	abandons    map[string]*domain.AbandonmentAnalytics
	summaries   map[string]*domain.DailyAbandonmentSummary
	recoveries  map[string]*domain.RecoveryAttempt
	orders      map[string]*domain.Order
	customers   map[string]*domain.Customer
	products    map[string]*domain.Product
	tenants     map[string]*domain.Tenant // by id
	tenantByDom map[string]string
}

func New() *Store {
	return &Store{
		events:      map[string]*domain.WebhookEvent{},
		carts:       map[string]*domain.CartTracking{},
		checkouts:   map[string]*domain.CheckoutTracking{},
		facts:       map[string]*domain.Fact{},
		abandons:    map[string]*domain.AbandonmentAnalytics{},
		summaries:   map[string]*domain.DailyAbandonmentSummary{},
		recoveries:  map[string]*domain.RecoveryAttempt{},
		orders:      map[string]*domain.Order{},
		customers:   map[string]*domain.Customer{},
		products:    map[string]*domain.Product{},
		tenants:     map[string]*domain.Tenant{},
		tenantByDom: map[string]string{},
	}
}

func key(parts ...string) string { return strings.Join(parts, "|") }

func (s *Store) Ping(context.Context) error { return nil }

// Events

func copyEvent(ev *domain.WebhookEvent) *domain.WebhookEvent {
	c := *ev
	c.Payload = append([]byte(nil), ev.Payload...)
	return &c
}

func (s *Store) InsertEvent(_ context.Context, ev *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		return fmt.Errorf("insert event: empty id: %w", domain.ErrValidation)
	}
	if _, ok := s.events[ev.ID]; ok {
		return fmt.Errorf("insert event %s: duplicate id", ev.ID)
	}
	s.events[ev.ID] = copyEvent(ev)
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	return copyEvent(ev), nil
}

func (s *Store) ClaimEvent(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return false, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	if ev.Status != domain.StatusPending {
		return false, nil
	}
	ev.Status = domain.StatusProcessing
	ev.ProcessedAt = &at
	return true, nil
}

func (s *Store) CompleteEvent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	if err := ev.Transition(domain.StatusCompleted); err != nil {
		return fmt.Errorf("complete event %s: %w", id, err)
	}
	ev.CompletedAt = &at
	ev.LastError = ""
	return nil
}

func (s *Store) FailEvent(_ context.Context, id string, cause string) (*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	if err := ev.Transition(domain.StatusFailed); err != nil {
		return nil, fmt.Errorf("fail event %s: %w", id, err)
	}
	ev.LastError = cause
	return copyEvent(ev), nil
}

func (s *Store) sortedEvents(match func(*domain.WebhookEvent) bool) []*domain.WebhookEvent {
	var out []*domain.WebhookEvent
	for _, ev := range s.events {
		if match(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) ClaimRetries(_ context.Context, maxRetries, limit int) ([]*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.sortedEvents(func(ev *domain.WebhookEvent) bool {
		return ev.Status == domain.StatusFailed && ev.RetryCount < maxRetries
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*domain.WebhookEvent, 0, len(candidates))
	for _, ev := range candidates {
		ev.Status = domain.StatusPending
		ev.RetryCount++
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

func (s *Store) FailInterrupted(_ context.Context, olderThan time.Time, cause string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, ev := range s.events {
		if ev.Status == domain.StatusProcessing && ev.ProcessedAt != nil && ev.ProcessedAt.Before(olderThan) {
			ev.Status = domain.StatusFailed
			ev.LastError = cause
			n++
		}
	}
	return n, nil
}

func (s *Store) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.sortedEvents(func(ev *domain.WebhookEvent) bool {
		return ev.Status == domain.StatusPending && ev.CreatedAt.Before(olderThan)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*domain.WebhookEvent, 0, len(pending))
	for _, ev := range pending {
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

func (s *Store) CountByStatus(context.Context) (map[domain.EventStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[domain.EventStatus]int64{}
	for _, ev := range s.events {
		out[ev.Status]++
	}
	return out, nil
}

func (s *Store) CountExhausted(_ context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, ev := range s.events {
		if ev.Status == domain.StatusFailed && ev.RetryCount >= maxRetries {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListArchivable(_ context.Context, before time.Time, maxRetries, limit int) ([]*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := s.sortedEvents(func(ev *domain.WebhookEvent) bool {
		if ev.ArchivedAt != nil || !ev.CreatedAt.Before(before) {
			return false
		}
		return ev.Status == domain.StatusCompleted ||
			(ev.Status == domain.StatusFailed && ev.RetryCount >= maxRetries)
	})
	if len(done) > limit {
		done = done[:limit]
	}
	out := make([]*domain.WebhookEvent, 0, len(done))
	for _, ev := range done {
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

func (s *Store) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if ev, ok := s.events[id]; ok && ev.ArchivedAt == nil {
			ev.ArchivedAt = &at
		}
	}
	return nil
}

// Tracking

func (s *Store) UpsertCart(_ context.Context, c *domain.CartTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(c.TenantID, c.CartToken)
	existing, ok := s.carts[k]
	if !ok {
		cp := *c
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = cp.UpdatedAt
		}
		s.carts[k] = &cp
		return nil
	}

	if c.UpdatedAt.Before(existing.UpdatedAt) {
		return nil
	}
	existing.TotalPrice = c.TotalPrice
	existing.ItemCount = c.ItemCount
	existing.Snapshot = c.Snapshot
	existing.UpdatedAt = c.UpdatedAt
	if c.Currency != "" {
		existing.Currency = c.Currency
	}
	if c.CustomerID != "" {
		existing.CustomerID = c.CustomerID
	}
	if c.Email != "" {
		existing.Email = c.Email
	}
	return nil
}

func (s *Store) GetCart(_ context.Context, tenantID, token string) (*domain.CartTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.carts[key(tenantID, token)]
	if !ok {
		return nil, fmt.Errorf("cart %s: %w", token, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpsertCheckout(_ context.Context, c *domain.CheckoutTracking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(c.TenantID, c.CheckoutToken)
	existing, ok := s.checkouts[k]
	if !ok {
		cp := *c
		cp.Progress = domain.CheckoutProgress("").Advance(c.Progress)
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = cp.UpdatedAt
		}
		s.checkouts[k] = &cp
		return nil
	}

	existing.Progress = existing.Progress.Advance(c.Progress)
	if !c.UpdatedAt.Before(existing.UpdatedAt) {
		existing.TotalPrice = c.TotalPrice
		existing.ItemCount = c.ItemCount
		existing.Snapshot = c.Snapshot
		existing.UpdatedAt = c.UpdatedAt
	}
	if c.CartToken != "" {
		existing.CartToken = c.CartToken
	}
	if c.Currency != "" {
		existing.Currency = c.Currency
	}
	if c.CustomerID != "" {
		existing.CustomerID = c.CustomerID
	}
	if c.Email != "" {
		existing.Email = c.Email
	}
	if c.CompletedAt != nil && existing.CompletedAt == nil {
		at := *c.CompletedAt
		existing.CompletedAt = &at
		if existing.IsAbandoned {
			existing.RecoveredAt = &at
		}
	}
	return nil
}

func (s *Store) GetCheckout(_ context.Context, tenantID, token string) (*domain.CheckoutTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.checkouts[key(tenantID, token)]
	if !ok {
		return nil, fmt.Errorf("checkout %s: %w", token, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListStaleCarts(_ context.Context, cutoff time.Time, limit int) ([]*domain.CartTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.CartTracking
	for _, c := range s.carts {
		if c.StaleAt(cutoff) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStaleCheckouts(_ context.Context, cutoff time.Time, limit int) ([]*domain.CheckoutTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.CheckoutTracking
	for _, c := range s.checkouts {
		if c.StaleAt(cutoff) && c.Progress != domain.ProgressCompleted {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkCartAbandoned(_ context.Context, tenantID, token string, cutoff, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.carts[key(tenantID, token)]
	if !ok || !c.StaleAt(cutoff) {
		return false, nil
	}
	c.IsAbandoned = true
	c.AbandonedAt = &at
	return true, nil
}

func (s *Store) MarkCheckoutAbandoned(_ context.Context, tenantID, token string, cutoff, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.checkouts[key(tenantID, token)]
	if !ok || !c.StaleAt(cutoff) || c.Progress == domain.ProgressCompleted {
		return false, nil
	}
	c.IsAbandoned = true
	c.AbandonedAt = &at
	c.Progress = c.Progress.Advance(domain.ProgressAbandoned)
	return true, nil
}

func (s *Store) ReleaseCartAbandoned(_ context.Context, tenantID, token string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.carts[key(tenantID, token)]
	if !ok || !c.IsAbandoned || c.ConvertedToOrder || c.AbandonedAt == nil || !c.AbandonedAt.Equal(at) {
		return false, nil
	}
	c.IsAbandoned = false
	c.AbandonedAt = nil
	return true, nil
}

func (s *Store) ReleaseCheckoutAbandoned(_ context.Context, tenantID, token string, at time.Time, progress domain.CheckoutProgress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.checkouts[key(tenantID, token)]
	if !ok || !c.IsAbandoned || c.CompletedAt != nil || c.AbandonedAt == nil || !c.AbandonedAt.Equal(at) {
		return false, nil
	}
	c.IsAbandoned = false
	c.AbandonedAt = nil
	c.Progress = progress
	return true, nil
}

func (s *Store) ConvertCart(_ context.Context, tenantID, token, orderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, token)
	c, ok := s.carts[k]
	if !ok {
		s.carts[k] = &domain.CartTracking{
			TenantID:         tenantID,
			CartToken:        token,
			ConvertedToOrder: true,
			ConvertedAt:      &at,
			OrderID:          orderID,
			CreatedAt:        at,
			UpdatedAt:        at,
		}
		return false, nil
	}
	if c.ConvertedToOrder {
		return false, nil
	}
	c.ConvertedToOrder = true
	c.ConvertedAt = &at
	c.OrderID = orderID
	if c.IsAbandoned {
		c.RecoveredAt = &at
		return true, nil
	}
	return false, nil
}

func (s *Store) CompleteCheckout(_ context.Context, tenantID, token string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, token)
	c, ok := s.checkouts[k]
	if !ok {
		s.checkouts[k] = &domain.CheckoutTracking{
			TenantID:      tenantID,
			CheckoutToken: token,
			Progress:      domain.ProgressCompleted,
			CompletedAt:   &at,
			CreatedAt:     at,
			UpdatedAt:     at,
		}
		return false, nil
	}
	if c.CompletedAt != nil {
		return false, nil
	}
	c.CompletedAt = &at
	c.Progress = c.Progress.Advance(domain.ProgressCompleted)
	if c.IsAbandoned {
		c.RecoveredAt = &at
		return true, nil
	}
	return false, nil
}

// Facts

func copyFact(f *domain.Fact) *domain.Fact {
	cp := *f
	cp.Metadata = maps.Clone(f.Metadata)
	return &cp
}

func (s *Store) InsertFact(_ context.Context, f *domain.Fact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(f.TenantID, string(f.Type), f.SourceEventID)
	if _, ok := s.facts[k]; ok {
		return false, nil
	}
	cp := copyFact(f)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.facts[k] = cp
	return true, nil
}

func (s *Store) LatestFact(_ context.Context, tenantID string, typ domain.FactType, token string) (*domain.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.Fact
	for _, f := range s.facts {
		if f.TenantID != tenantID || f.Type != typ || f.Token != token {
			continue
		}
		if latest == nil || f.CreatedAt.After(latest.CreatedAt) {
			latest = f
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%s fact for %s: %w", typ, token, domain.ErrNotFound)
	}
	return copyFact(latest), nil
}

// Analytics

func (s *Store) InsertAbandonment(_ context.Context, a *domain.AbandonmentAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(a.TenantID, string(a.Kind), a.Token, a.AbandonedAt.UTC().Format(time.RFC3339Nano))
	if _, ok := s.abandons[k]; ok {
		return nil
	}
	cp := *a
	s.abandons[k] = &cp
	return nil
}

func (s *Store) abandonmentsIn(tenantID string, from, to time.Time) []*domain.AbandonmentAnalytics {
	var out []*domain.AbandonmentAnalytics
	for _, a := range s.abandons {
		if a.TenantID == tenantID && !a.AbandonedAt.Before(from) && a.AbandonedAt.Before(to) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) SummarizeDay(_ context.Context, tenantID string, from, to time.Time) (*domain.DailyAbandonmentSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := &domain.DailyAbandonmentSummary{TenantID: tenantID, Day: from}
	for _, a := range s.abandonmentsIn(tenantID, from, to) {
		switch a.Kind {
		case domain.KindCart:
			sum.AbandonedCarts++
			sum.AbandonedCartsValue += a.Value
		case domain.KindCheckout:
			sum.AbandonedCheckouts++
			sum.AbandonedCheckoutsValue += a.Value
		}
	}
	if sum.AbandonedCarts > 0 {
		sum.AvgCartValue = sum.AbandonedCartsValue / float64(sum.AbandonedCarts)
	}
	if sum.AbandonedCheckouts > 0 {
		sum.AvgCheckoutValue = sum.AbandonedCheckoutsValue / float64(sum.AbandonedCheckouts)
	}
	sum.TotalAbandonedValue = sum.AbandonedCartsValue + sum.AbandonedCheckoutsValue
	return sum, nil
}

func (s *Store) UpsertDailySummary(_ context.Context, sum *domain.DailyAbandonmentSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(sum.TenantID, sum.Day.UTC().Format("2006-01-02"))
	cp := *sum
	if existing, ok := s.summaries[k]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	s.summaries[k] = &cp
	return nil
}

func (s *Store) GetDailySummary(_ context.Context, tenantID string, day time.Time) (*domain.DailyAbandonmentSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.summaries[key(tenantID, day.UTC().Format("2006-01-02"))]
	if !ok {
		return nil, fmt.Errorf("summary %s: %w", day.Format("2006-01-02"), domain.ErrNotFound)
	}
	cp := *sum
	return &cp, nil
}

func (s *Store) AbandonmentMetrics(_ context.Context, tenantID string, from, to time.Time) ([]domain.AbandonmentMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind := map[domain.AbandonmentKind]*domain.AbandonmentMetric{}
	for _, a := range s.abandonmentsIn(tenantID, from, to) {
		m, ok := byKind[a.Kind]
		if !ok {
			m = &domain.AbandonmentMetric{Kind: a.Kind}
			byKind[a.Kind] = m
		}
		m.Count++
		m.TotalValue += a.Value
		m.TotalItems += int64(a.ItemCount)
	}

	out := make([]domain.AbandonmentMetric, 0, len(byKind))
	for _, m := range byKind {
		m.AvgValue = m.TotalValue / float64(m.Count)
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (s *Store) RecoveryCounts(_ context.Context, tenantID string, from, to time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inWindow := func(t *time.Time) bool {
		return t != nil && !t.Before(from) && t.Before(to)
	}

	var abandoned, recovered int64
	for _, c := range s.carts {
		if c.TenantID == tenantID && c.IsAbandoned && inWindow(c.AbandonedAt) {
			abandoned++
			if c.ConvertedToOrder {
				recovered++
			}
		}
	}
	for _, c := range s.checkouts {
		if c.TenantID == tenantID && c.IsAbandoned && inWindow(c.AbandonedAt) {
			abandoned++
			if c.CompletedAt != nil {
				recovered++
			}
		}
	}
	return abandoned, recovered, nil
}

// Recovery schedule

func (s *Store) ScheduleRecoveries(_ context.Context, attempts []*domain.RecoveryAttempt) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range attempts {
		exists := false
		for _, r := range s.recoveries {
			if r.TenantID == a.TenantID && r.CartToken == a.CartToken && r.Stage == a.Stage {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		cp := *a
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.Status == "" {
			cp.Status = domain.RecoveryScheduled
		}
		s.recoveries[cp.ID] = &cp
		n++
	}
	return n, nil
}

func (s *Store) ClaimDueRecoveries(_ context.Context, now time.Time, limit int) ([]*domain.RecoveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.RecoveryAttempt
	for _, r := range s.recoveries {
		if r.Status != domain.RecoveryScheduled || r.DueAt.After(now) {
			continue
		}
		if c, ok := s.carts[key(r.TenantID, r.CartToken)]; ok && c.ConvertedToOrder {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*domain.RecoveryAttempt, 0, len(due))
	for _, r := range due {
		r.Status = domain.RecoverySending
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) MarkRecoverySent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recoveries[id]
	if !ok {
		return fmt.Errorf("recovery %s: %w", id, domain.ErrNotFound)
	}
	r.Status = domain.RecoverySent
	r.SentAt = &at
	return nil
}

func (s *Store) MarkRecoveryFailed(_ context.Context, id string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recoveries[id]
	if !ok {
		return fmt.Errorf("recovery %s: %w", id, domain.ErrNotFound)
	}
	r.Status = domain.RecoveryFailed
	r.LastError = cause
	return nil
}

func (s *Store) CancelRecoveries(_ context.Context, tenantID, cartToken string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.recoveries {
		if r.TenantID == tenantID && r.CartToken == cartToken && r.Status == domain.RecoveryScheduled {
			r.Status = domain.RecoveryCancelled
			n++
		}
	}
	return n, nil
}

func (s *Store) ListRecoveries(_ context.Context, tenantID, cartToken string) ([]*domain.RecoveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.RecoveryAttempt
	for _, r := range s.recoveries {
		if r.TenantID == tenantID && r.CartToken == cartToken {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

// Commerce

func (s *Store) UpsertOrder(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(o.TenantID, o.PlatformID)
	cp := *o
	if existing, ok := s.orders[k]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	s.orders[k] = &cp
	return nil
}

func (s *Store) GetOrder(_ context.Context, tenantID, platformID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[key(tenantID, platformID)]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", platformID, domain.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, tenantID, platformID string, upd domain.OrderStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[key(tenantID, platformID)]
	if !ok {
		return fmt.Errorf("order %s: %w", platformID, domain.ErrNotFound)
	}
	if upd.FinancialStatus != "" {
		o.FinancialStatus = upd.FinancialStatus
	}
	if upd.FulfillmentStatus != "" {
		o.FulfillmentStatus = upd.FulfillmentStatus
	}
	if upd.CancelledAt != nil {
		at := *upd.CancelledAt
		o.CancelledAt = &at
	}
	return nil
}

func (s *Store) CountOrdersByEmail(_ context.Context, tenantID, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, o := range s.orders {
		if o.TenantID == tenantID && strings.EqualFold(o.Email, email) {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertCustomer(_ context.Context, c *domain.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	s.customers[key(c.TenantID, c.PlatformID)] = &cp
	return nil
}

func (s *Store) DeleteCustomer(_ context.Context, tenantID, platformID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.customers, key(tenantID, platformID))
	return nil
}

func (s *Store) UpsertProduct(_ context.Context, p *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.products[key(p.TenantID, p.PlatformID)] = &cp
	return nil
}

func (s *Store) DeleteProduct(_ context.Context, tenantID, platformID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.products, key(tenantID, platformID))
	return nil
}

// Tenants

func (s *Store) ResolveTenant(_ context.Context, shopDomain string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shopDomain = strings.ToLower(shopDomain)
	id, ok := s.tenantByDom[shopDomain]
	if !ok {
		return nil, fmt.Errorf("domain %s: %w", shopDomain, domain.ErrTenantNotFound)
	}
	cp := *s.tenants[id]
	return &cp, nil
}

// RegisterTenant adds an active tenant for shopDomain, keyed by the domain,
// unless one exists. It returns the stored tenant either way.
func (s *Store) RegisterTenant(_ context.Context, shopDomain string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shopDomain = strings.ToLower(shopDomain)
	if id, ok := s.tenantByDom[shopDomain]; ok {
		cp := *s.tenants[id]
		return &cp, nil
	}
	t := &domain.Tenant{ID: shopDomain, Domain: shopDomain, Active: true, CreatedAt: time.Now().UTC()}
	s.tenants[t.ID] = t
	s.tenantByDom[shopDomain] = t.ID
	cp := *t
	return &cp, nil
}

func (s *Store) UpsertTenant(_ context.Context, t *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	cp.Domain = strings.ToLower(cp.Domain)
	s.tenants[cp.ID] = &cp
	s.tenantByDom[cp.Domain] = cp.ID
	return nil
}

func (s *Store) ListActiveTenants(context.Context) ([]*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Tenant
	for _, t := range s.tenants {
		if t.Active {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeactivateTenant(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s: %w", tenantID, domain.ErrTenantNotFound)
	}
	t.Active = false
	return nil
}
