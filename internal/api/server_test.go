package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/austindbirch/cart_sentinel/internal/analytics"
	"github.com/austindbirch/cart_sentinel/internal/auth"
	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/dedup"
	"github.com/austindbirch/cart_sentinel/internal/detector"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/queue"
	"github.com/austindbirch/cart_sentinel/internal/retry"
	"github.com/austindbirch/cart_sentinel/internal/store/memstore"
)

type harness struct {
	store *memstore.Store
	mux   *runtime.ServeMux
}

// newHarness wires the real components over memstore. The queue is never
// started, so accepted events stay PENDING.
func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	logger := logging.NewWithWriter("test", io.Discard)
	lane := config.Lane{Concurrency: 1, IntervalCap: 1, Capacity: 100}
	qcfg := config.Queue{High: lane, Normal: lane, Low: lane, DedupTTL: 5 * time.Minute, MaxRetries: 3}

	q := queue.New(qcfg, st, dedup.NewMemoryCache(), logger)
	srv := New(Deps{
		Queue:     q,
		Events:    st,
		Sweeper:   retry.New(qcfg, st, q, logger),
		Detector:  detector.New(config.Detector{}, st, q, logger),
		Analytics: analytics.New(st, logger),
		Logger:    logger,
	})
	mux := runtime.NewServeMux()
	if err := srv.Register(mux); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return &harness{store: st, mux: mux}
}

func (h *harness) do(t *testing.T, method, path, body string, tenant string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if tenant != "" {
		req = req.WithContext(context.WithValue(req.Context(), auth.TenantIDKey, tenant))
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestSubmitEvent(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantLane   domain.Priority
	}{
		{"high priority", `{"tenant_id":"shop-1","event_type":"generic","payload":{"id":"a"},"priority":"high"}`, http.StatusOK, domain.PriorityHigh},
		{"default priority", `{"tenant_id":"shop-1","event_type":"generic","payload":{"id":"b"}}`, http.StatusOK, domain.PriorityNormal},
		{"unknown priority", `{"tenant_id":"shop-1","event_type":"generic","payload":{"id":"c"},"priority":"urgent"}`, http.StatusBadRequest, 0},
		{"missing tenant", `{"event_type":"generic","payload":{"id":"d"}}`, http.StatusBadRequest, 0},
		{"missing payload", `{"tenant_id":"shop-1","event_type":"generic"}`, http.StatusBadRequest, 0},
		{"not json", `{"tenant_id":`, http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(t, http.MethodPost, "/v1/events", tt.body, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			res := decodeBody[queue.Result](t, rec)
			ev, err := h.store.GetEvent(context.Background(), res.EventID)
			if err != nil {
				t.Fatal(err)
			}
			if !res.Accepted || ev.Priority != tt.wantLane || ev.Status != domain.StatusPending {
				t.Errorf("result = %+v, event = %s/%s", res, ev.Priority, ev.Status)
			}
		})
	}
}

func TestSubmitEventDuplicate(t *testing.T) {
	h := newHarness(t)
	body := `{"tenant_id":"shop-1","event_type":"generic","payload":{"id":"same"}}`
	first := decodeBody[queue.Result](t, h.do(t, http.MethodPost, "/v1/events", body, ""))
	second := decodeBody[queue.Result](t, h.do(t, http.MethodPost, "/v1/events", body, ""))
	if !first.Accepted || second.Accepted || second.EventID != "" {
		t.Errorf("first = %+v, second = %+v", first, second)
	}
}

func TestCustomEvents(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantType   domain.EventType
		wantLane   domain.Priority
	}{
		{"cart abandoned", "/v1/custom-events/cart-abandoned", `{"tenant_id":"shop-1","cart":{"token":"c1","total_price":"80.00"}}`, http.StatusOK, domain.EventCartAbandoned, domain.PriorityNormal},
		{"checkout started", "/v1/custom-events/checkout-started", `{"tenant_id":"shop-1","checkout":{"token":"k1"}}`, http.StatusOK, domain.EventCheckoutStarted, domain.PriorityHigh},
		{"missing object", "/v1/custom-events/cart-abandoned", `{"tenant_id":"shop-1"}`, http.StatusBadRequest, "", 0},
		{"object is not an object", "/v1/custom-events/cart-abandoned", `{"tenant_id":"shop-1","cart":[1]}`, http.StatusBadRequest, "", 0},
		{"tenant not a string", "/v1/custom-events/cart-abandoned", `{"tenant_id":7,"cart":{}}`, http.StatusBadRequest, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(t, http.MethodPost, tt.path, tt.body, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			res := decodeBody[queue.Result](t, rec)
			ev, _ := h.store.GetEvent(context.Background(), res.EventID)
			if ev.EventType != tt.wantType || ev.Priority != tt.wantLane || ev.TenantID != "shop-1" {
				t.Errorf("event = %s/%s/%s", ev.EventType, ev.Priority, ev.TenantID)
			}
		})
	}
}

func TestGetEvent(t *testing.T) {
	h := newHarness(t)
	res := decodeBody[queue.Result](t, h.do(t, http.MethodPost, "/v1/events",
		`{"tenant_id":"shop-1","event_type":"generic","payload":{"id":"x"}}`, ""))

	rec := h.do(t, http.MethodGet, "/v1/events/"+res.EventID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	ev := decodeBody[domain.WebhookEvent](t, rec)
	if ev.ID != res.EventID || ev.Status != domain.StatusPending {
		t.Errorf("event = %+v", ev)
	}

	if rec := h.do(t, http.MethodGet, "/v1/events/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing event status = %d, want 404", rec.Code)
	}
}

func TestTenantBoundary(t *testing.T) {
	h := newHarness(t)
	res := decodeBody[queue.Result](t, h.do(t, http.MethodPost, "/v1/events",
		`{"tenant_id":"shop-1","event_type":"generic","payload":{"id":"x"}}`, "shop-1"))
	if !res.Accepted {
		t.Fatal("own tenant submission rejected")
	}

	tests := []struct {
		name       string
		caller     string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"submit for other tenant", "shop-1", http.MethodPost, "/v1/events", `{"tenant_id":"shop-2","event_type":"generic","payload":{"id":"y"}}`, http.StatusForbidden},
		{"custom event for other tenant", "shop-1", http.MethodPost, "/v1/custom-events/cart-abandoned", `{"tenant_id":"shop-2","cart":{"token":"c"}}`, http.StatusForbidden},
		{"other tenant's event is hidden", "shop-2", http.MethodGet, "/v1/events/" + res.EventID, "", http.StatusNotFound},
		{"own event is visible", "shop-1", http.MethodGet, "/v1/events/" + res.EventID, "", http.StatusOK},
		{"other tenant's analytics", "shop-2", http.MethodGet, "/v1/analytics/abandonment/shop-1", "", http.StatusForbidden},
		{"other tenant's summary", "shop-2", http.MethodGet, "/v1/analytics/summary/shop-1", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.body, tt.caller)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestQueueStatus(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b"} {
		h.do(t, http.MethodPost, "/v1/events", `{"tenant_id":"shop-1","event_type":"generic","payload":{"id":"`+id+`"}}`, "")
	}

	rec := h.do(t, http.MethodGet, "/v1/queue/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	st := decodeBody[QueueStatus](t, rec)
	if len(st.Lanes) != 3 || st.Lanes[1].Size != 2 {
		t.Errorf("lanes = %+v", st.Lanes)
	}
	if st.DedupCacheSize != 2 || st.StatusCounts[domain.StatusPending] != 2 || st.Exhausted != 0 || st.RetryBacklog != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestAnalyticsEndpoints(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"metrics default window", http.MethodGet, "/v1/analytics/abandonment/shop-1", http.StatusOK},
		{"metrics explicit window", http.MethodGet, "/v1/analytics/abandonment/shop-1?start=2024-06-01T00:00:00Z&end=2024-06-08T00:00:00Z", http.StatusOK},
		{"metrics bad start", http.MethodGet, "/v1/analytics/abandonment/shop-1?start=yesterday", http.StatusBadRequest},
		{"metrics inverted window", http.MethodGet, "/v1/analytics/abandonment/shop-1?start=2024-06-08T00:00:00Z&end=2024-06-01T00:00:00Z", http.StatusBadRequest},
		{"rollup for a date", http.MethodPost, "/v1/analytics/rollup?date=2024-06-01", http.StatusOK},
		{"rollup bad date", http.MethodPost, "/v1/analytics/rollup?date=06/01/2024", http.StatusBadRequest},
		{"rollup yesterday", http.MethodPost, "/v1/analytics/rollup", http.StatusOK},
		{"summary not rolled up", http.MethodGet, "/v1/analytics/summary/shop-1?date=2023-01-01", http.StatusNotFound},
		{"detect carts", http.MethodPost, "/v1/detect/carts", http.StatusOK},
		{"detect checkouts", http.MethodPost, "/v1/detect/checkouts", http.StatusOK},
		{"manual sweep", http.MethodPost, "/v1/retry/sweep", http.StatusOK},
		{"jobs without scheduler", http.MethodGet, "/v1/jobs", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, "", "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestDetectCartsEndpoint(t *testing.T) {
	h := newHarness(t)
	_ = h.store.UpsertCart(context.Background(), &domain.CartTracking{
		TenantID: "shop-1", CartToken: "c1", TotalPrice: 10, UpdatedAt: time.Now().Add(-2 * time.Hour),
	})

	rec := h.do(t, http.MethodPost, "/v1/detect/carts", "", "")
	res := decodeBody[detector.Result](t, rec)
	if res.Abandoned != 1 || res.Kind != domain.KindCart {
		t.Errorf("result = %+v", res)
	}
	counts, _ := h.store.CountByStatus(context.Background())
	if counts[domain.StatusPending] != 1 {
		t.Errorf("cart_abandoned event not enqueued: %+v", counts)
	}
}
