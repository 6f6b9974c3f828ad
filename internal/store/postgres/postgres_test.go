package postgres

import (
	"strings"
	"testing"
	"time"
)

func TestClaimRetriesQuery(t *testing.T) {
	s := New(nil)

	sql, args, err := s.claimRetriesQuery(3, 10).ToSql()
	if err != nil {
		t.Fatalf("ToSql() error = %v", err)
	}

	wantFragments := []string{
		"UPDATE webhook_events SET status = $1, retry_count = retry_count + 1",
		"WHERE id IN (SELECT id FROM webhook_events WHERE status = $2 AND retry_count < $3",
		"ORDER BY created_at ASC, id ASC LIMIT 10 FOR UPDATE SKIP LOCKED)",
		"RETURNING id, tenant_id, event_type",
	}
	for _, frag := range wantFragments {
		if !strings.Contains(sql, frag) {
			t.Errorf("SQL missing %q\ngot: %s", frag, sql)
		}
	}
	if strings.Contains(sql, "?") {
		t.Errorf("SQL still has question placeholders: %s", sql)
	}
	if len(args) != 3 || args[0] != "PENDING" || args[1] != "FAILED" || args[2] != 3 {
		t.Errorf("args = %v, want [PENDING FAILED 3]", args)
	}
}

func TestStaleGuards(t *testing.T) {
	cutoff := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		sql   func() (string, []interface{}, error)
		wants []string
	}{
		{
			name:  "cart",
			sql:   staleCart(cutoff).ToSql,
			wants: []string{"converted_to_order = ?", "is_abandoned = ?", "updated_at < ?"},
		},
		{
			name:  "checkout",
			sql:   staleCheckout(cutoff).ToSql,
			wants: []string{"completed_at IS NULL", "is_abandoned = ?", "progress <> ?", "updated_at < ?"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := tt.sql()
			if err != nil {
				t.Fatalf("ToSql() error = %v", err)
			}
			for _, w := range tt.wants {
				if !strings.Contains(sql, w) {
					t.Errorf("guard %q missing %q", sql, w)
				}
			}
			if got := args[len(args)-1]; got != cutoff {
				t.Errorf("last arg = %v, want cutoff", got)
			}
		})
	}
}

func TestUpsertClauses(t *testing.T) {
	if got := excluded("a", "b"); got != "a = EXCLUDED.a, b = EXCLUDED.b" {
		t.Errorf("excluded() = %q", got)
	}
	want := "email = COALESCE(NULLIF(EXCLUDED.email, ''), cart_tracking.email)"
	if got := keepNonEmpty("cart_tracking", "email"); got != want {
		t.Errorf("keepNonEmpty() = %q, want %q", got, want)
	}
	want = "snapshot = CASE WHEN EXCLUDED.updated_at >= checkout_tracking.updated_at " +
		"THEN EXCLUDED.snapshot ELSE checkout_tracking.snapshot END"
	if got := ifNewer("checkout_tracking", "snapshot"); got != want {
		t.Errorf("ifNewer() = %q, want %q", got, want)
	}
}

func TestTrackingUpsertsIgnoreOlderUpdates(t *testing.T) {
	if !strings.HasSuffix(cartConflict, " WHERE EXCLUDED.updated_at >= cart_tracking.updated_at") {
		t.Errorf("cart upsert has no recency guard: %s", cartConflict)
	}
	for _, col := range []string{"total_price", "item_count", "snapshot", "updated_at"} {
		guarded := col + " = CASE WHEN EXCLUDED.updated_at >= checkout_tracking.updated_at"
		if !strings.Contains(checkoutConflict, guarded) {
			t.Errorf("checkout upsert overwrites %s unconditionally: %s", col, checkoutConflict)
		}
	}
	if !strings.Contains(checkoutConflict, "progress = EXCLUDED.progress") {
		t.Errorf("checkout upsert no longer merges progress: %s", checkoutConflict)
	}
}
