// Package ingest accepts signed webhooks from the commerce platform and hands
// them to the priority queue. The response only acknowledges receipt;
// processing outcomes never reach the caller.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
	"github.com/austindbirch/cart_sentinel/internal/queue"
	"github.com/austindbirch/cart_sentinel/internal/signature"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (queue.Result, error)
}

type TenantResolver interface {
	ResolveTenant(ctx context.Context, shopDomain string) (*domain.Tenant, error)
	RegisterTenant(ctx context.Context, shopDomain string) (*domain.Tenant, error)
}

// Handler serves POST /webhooks/shopify.
type Handler struct {
	verifier *signature.Verifier
	tenants  TenantResolver
	queue    Enqueuer
	secret   string // used when the tenant has none
	maxBody  int64
	autoReg  bool
	logger   *logging.Logger
}

func NewHandler(cfg config.Webhook, tenants TenantResolver, enq Enqueuer, logger *logging.Logger) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		verifier: signature.NewVerifier(cfg),
		tenants:  tenants,
		queue:    enq,
		secret:   cfg.Secret,
		maxBody:  maxBody,
		autoReg:  cfg.AutoRegister,
		logger:   logger,
	}
}

type response struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"event_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, response{Error: "method not allowed"})
		return
	}

	ctx := tracing.ExtractHeaders(r.Context(), traceHeaders(r.Header))
	ctx, span := tracing.StartSpan(ctx, "ingest.webhook")
	defer span.End()

	res, topic, err := h.accept(ctx, r)
	if topic == "" {
		topic = "unknown"
	}
	if err != nil {
		status, result := classify(err)
		metrics.RecordWebhook(topic, result)
		tracing.SetSpanError(ctx, err)

		log := h.logger.WithContext(ctx).WithEventType(topic).WithError(err)
		if status >= http.StatusInternalServerError {
			log.Error("webhook ingest failed")
			writeJSON(w, status, response{Error: "internal error"})
			return
		}
		log.Warn("webhook rejected")
		writeJSON(w, status, response{Error: err.Error()})
		return
	}

	result := "accepted"
	if !res.Accepted {
		result = "duplicate"
	}
	metrics.RecordWebhook(topic, result)
	span.SetAttributes(attribute.String("webhook.result", result))
	writeJSON(w, http.StatusOK, response{Accepted: res.Accepted, EventID: res.EventID})
}

// accept runs the checks in order: headers, tenant, signature over the raw
// bytes, then JSON. Nothing is decoded before the signature holds.
func (h *Handler) accept(ctx context.Context, r *http.Request) (queue.Result, string, error) {
	d, err := h.verifier.Headers(r.Header)
	if err != nil {
		return queue.Result{}, d.Topic, err
	}
	tracing.AddSpanEvent(ctx, "webhook.headers",
		attribute.String("webhook.topic", d.Topic),
		attribute.String("webhook.shop_domain", d.Domain),
		attribute.String("webhook.id", d.WebhookID),
	)

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, h.maxBody))
	if err != nil {
		return queue.Result{}, d.Topic, fmt.Errorf("read body: %v: %w", err, domain.ErrBadRequest)
	}

	tenant, err := h.tenants.ResolveTenant(ctx, d.Domain)
	unknown := errors.Is(err, domain.ErrTenantNotFound) && h.autoReg
	if err != nil && !unknown {
		return queue.Result{}, d.Topic, err
	}
	if tenant != nil && !tenant.Active {
		return queue.Result{}, d.Topic, fmt.Errorf("tenant %s is inactive: %w", tenant.ID, domain.ErrTenantNotFound)
	}

	// an unknown domain can only be signed with the global secret
	secret := h.secret
	if tenant != nil && tenant.WebhookSecret != "" {
		secret = tenant.WebhookSecret
	}
	if err := signature.Verify(secret, body, d.Signature); err != nil {
		return queue.Result{}, d.Topic, err
	}
	if unknown {
		if tenant, err = h.tenants.RegisterTenant(ctx, d.Domain); err != nil {
			return queue.Result{}, d.Topic, fmt.Errorf("register tenant: %w", err)
		}
		h.logger.WithContext(ctx).WithTenant(tenant.ID).Info("tenant registered")
	}
	if !json.Valid(body) {
		return queue.Result{}, d.Topic, fmt.Errorf("body is not valid JSON: %w", domain.ErrBadRequest)
	}

	eventType := domain.EventType(d.Topic)
	res, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
		TenantID:  tenant.ID,
		EventType: eventType,
		Payload:   body,
		Priority:  domain.PriorityForTopic(eventType),
	})
	if err != nil {
		return queue.Result{}, d.Topic, err
	}

	h.logger.WithContext(ctx).WithTenant(tenant.ID).WithEventType(d.Topic).WithFields(map[string]any{
		"webhook_id": d.WebhookID,
		"accepted":   res.Accepted,
		"event_id":   res.EventID,
	}).Debug("webhook received")
	return res, d.Topic, nil
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrBadRequest), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrTenantNotFound):
		return http.StatusNotFound, "unknown_tenant"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func traceHeaders(h http.Header) map[string]string {
	out := map[string]string{}
	for _, k := range []string{"traceparent", "tracestate", "baggage"} {
		if v := h.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
