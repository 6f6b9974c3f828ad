// Package api is the operator surface: event submission, event lookup, queue
// status, analytics and manual triggers of the periodic jobs. Routes are
// registered on a grpc-gateway runtime mux.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/austindbirch/cart_sentinel/internal/analytics"
	"github.com/austindbirch/cart_sentinel/internal/auth"
	"github.com/austindbirch/cart_sentinel/internal/detector"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/queue"
	"github.com/austindbirch/cart_sentinel/internal/retry"
	"github.com/austindbirch/cart_sentinel/internal/scheduler"
)

type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.Result, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

type Events interface {
	GetEvent(ctx context.Context, id string) (*domain.WebhookEvent, error)
	CountByStatus(ctx context.Context) (map[domain.EventStatus]int64, error)
	CountExhausted(ctx context.Context, maxRetries int) (int64, error)
}

type Sweeper interface {
	Backlog() int
	Sweep(ctx context.Context) (retry.Report, error)
}

type Detector interface {
	DetectCarts(ctx context.Context) (detector.Result, error)
	DetectCheckouts(ctx context.Context) (detector.Result, error)
}

type Analytics interface {
	Metrics(ctx context.Context, tenantID string, from, to time.Time) (*analytics.Report, error)
	Rollup(ctx context.Context, day time.Time) (analytics.RollupResult, error)
	RollupPreviousDay(ctx context.Context) (analytics.RollupResult, error)
	Summary(ctx context.Context, tenantID string, day time.Time) (*domain.DailyAbandonmentSummary, error)
}

type Jobs interface {
	Status() []scheduler.JobStatus
}

type Deps struct {
	Queue      Queue
	Events     Events
	Sweeper    Sweeper
	Detector   Detector
	Analytics  Analytics
	Jobs       Jobs // optional
	MaxRetries int
	Logger     *logging.Logger
}

type Server struct {
	Deps
}

func New(d Deps) *Server {
	d.MaxRetries = domain.RetryBudget(d.MaxRetries)
	return &Server{Deps: d}
}

type route struct {
	method  string
	pattern string
	handle  runtime.HandlerFunc
}

// Register adds every operator route to mux.
func (s *Server) Register(mux *runtime.ServeMux) error {
	routes := []route{
		{http.MethodPost, "/v1/events", s.submitEvent},
		{http.MethodGet, "/v1/events/{event_id}", s.getEvent},
		{http.MethodPost, "/v1/custom-events/cart-abandoned", s.customEvent(domain.EventCartAbandoned, "cart", domain.PriorityNormal)},
		{http.MethodPost, "/v1/custom-events/checkout-started", s.customEvent(domain.EventCheckoutStarted, "checkout", domain.PriorityHigh)},
		{http.MethodGet, "/v1/queue/status", s.queueStatus},
		{http.MethodPost, "/v1/retry/sweep", s.sweep},
		{http.MethodGet, "/v1/analytics/abandonment/{tenant_id}", s.abandonment},
		{http.MethodGet, "/v1/analytics/summary/{tenant_id}", s.summary},
		{http.MethodPost, "/v1/analytics/rollup", s.rollup},
		{http.MethodPost, "/v1/detect/carts", s.detect(domain.KindCart)},
		{http.MethodPost, "/v1/detect/checkouts", s.detect(domain.KindCheckout)},
		{http.MethodGet, "/v1/jobs", s.jobs},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handle); err != nil {
			return fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req queue.EnqueueRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := auth.RequireTenant(r.Context(), req.TenantID); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.Queue.Enqueue(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// customEvent accepts {tenant_id, <field>: {...}} and enqueues the object
// under field as the payload.
func (s *Server) customEvent(t domain.EventType, field string, p domain.Priority) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		var body map[string]json.RawMessage
		if err := decode(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		var tenantID string
		if raw, ok := body["tenant_id"]; ok {
			if err := json.Unmarshal(raw, &tenantID); err != nil {
				s.fail(w, r, fmt.Errorf("tenant_id must be a string: %w", domain.ErrValidation))
				return
			}
		}
		payload, ok := body[field]
		if !ok || len(payload) == 0 || payload[0] != '{' {
			s.fail(w, r, fmt.Errorf("%s object is required: %w", field, domain.ErrValidation))
			return
		}
		if err := auth.RequireTenant(r.Context(), tenantID); err != nil {
			s.fail(w, r, err)
			return
		}

		res, err := s.Queue.Enqueue(r.Context(), queue.EnqueueRequest{
			TenantID:  tenantID,
			EventType: t,
			Payload:   payload,
			Priority:  p,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request, params map[string]string) {
	ev, err := s.Events.GetEvent(r.Context(), params["event_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := auth.RequireTenant(r.Context(), ev.TenantID); err != nil {
		// do not reveal other tenants' ids
		s.fail(w, r, fmt.Errorf("event %s: %w", ev.ID, domain.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// QueueStatus is the combined in-memory and durable view of the pipeline.
type QueueStatus struct {
	Lanes          []queue.LaneStats            `json:"lanes"`
	DedupCacheSize int64                        `json:"dedup_cache_size"`
	RetryBacklog   int                          `json:"retry_backlog"`
	StatusCounts   map[domain.EventStatus]int64 `json:"status_counts"`
	Exhausted      int64                        `json:"exhausted"`
	Jobs           []scheduler.JobStatus        `json:"jobs,omitempty"`
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx := r.Context()
	stats, err := s.Queue.Stats(ctx)
	if err != nil {
		// a dead Redis still leaves the lanes worth showing
		s.Logger.WithContext(ctx).WithError(err).Warn("queue stats incomplete")
	}
	counts, err := s.Events.CountByStatus(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	exhausted, err := s.Events.CountExhausted(ctx, s.MaxRetries)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	st := QueueStatus{
		Lanes:          stats.Lanes,
		DedupCacheSize: stats.DedupCacheSize,
		RetryBacklog:   s.Sweeper.Backlog(),
		StatusCounts:   counts,
		Exhausted:      exhausted,
	}
	if s.Jobs != nil {
		st.Jobs = s.Jobs.Status()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	rep, err := s.Sweeper.Sweep(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) abandonment(w http.ResponseWriter, r *http.Request, params map[string]string) {
	tenantID := params["tenant_id"]
	if err := auth.RequireTenant(r.Context(), tenantID); err != nil {
		s.fail(w, r, err)
		return
	}
	from, err := parseTime(r.URL.Query().Get("start"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := parseTime(r.URL.Query().Get("end"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.Analytics.Metrics(r.Context(), tenantID, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request, params map[string]string) {
	tenantID := params["tenant_id"]
	if err := auth.RequireTenant(r.Context(), tenantID); err != nil {
		s.fail(w, r, err)
		return
	}
	day, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if day.IsZero() {
		day = time.Now().UTC().AddDate(0, 0, -1)
	}
	sum, err := s.Analytics.Summary(r.Context(), tenantID, day)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) rollup(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	day, err := parseDate(r.URL.Query().Get("date"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var res analytics.RollupResult
	if day.IsZero() {
		res, err = s.Analytics.RollupPreviousDay(r.Context())
	} else {
		res, err = s.Analytics.Rollup(r.Context(), day)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) detect(kind domain.AbandonmentKind) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		var (
			res detector.Result
			err error
		)
		if kind == domain.KindCart {
			res, err = s.Detector.DetectCarts(r.Context())
		} else {
			res, err = s.Detector.DetectCheckouts(r.Context())
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) jobs(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.Jobs == nil {
		writeJSON(w, http.StatusOK, []scheduler.JobStatus{})
		return
	}
	writeJSON(w, http.StatusOK, s.Jobs.Status())
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not RFC3339: %w", v, domain.ErrValidation)
	}
	return t, nil
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be YYYY-MM-DD: %w", v, domain.ErrValidation)
	}
	return t, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return err
		}
		return fmt.Errorf("invalid JSON body: %v: %w", err, domain.ErrBadRequest)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrBadRequest), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTenantNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := s.Logger.WithContext(r.Context()).WithError(err).WithFields(map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		log.Error("operator request failed")
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	log.Debug("operator request rejected")
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
