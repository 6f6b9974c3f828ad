// Package signature authenticates inbound webhooks. The upstream platform signs
// the raw request body with HMAC-SHA256 using the shop's shared secret and
// sends the base64 digest in a header.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/domain"
)

// Delivery is the header metadata of one inbound webhook.
type Delivery struct {
	Signature string
	Topic     string
	Domain    string
	WebhookID string // optional
}

// Verifier reads the delivery headers and checks the body signature.
type Verifier struct {
	signatureHeader string
	topicHeader     string
	domainHeader    string
	webhookIDHeader string
}

func NewVerifier(cfg config.Webhook) *Verifier {
	return &Verifier{
		signatureHeader: cfg.SignatureHeader,
		topicHeader:     cfg.TopicHeader,
		domainHeader:    cfg.DomainHeader,
		webhookIDHeader: cfg.WebhookIDHeader,
	}
}

// Headers extracts the delivery metadata. A missing signature, topic or
// domain header is an ErrBadRequest.
func (v *Verifier) Headers(h http.Header) (Delivery, error) {
	d := Delivery{
		Signature: strings.TrimSpace(h.Get(v.signatureHeader)),
		Topic:     strings.TrimSpace(h.Get(v.topicHeader)),
		Domain:    strings.ToLower(strings.TrimSpace(h.Get(v.domainHeader))),
		WebhookID: strings.TrimSpace(h.Get(v.webhookIDHeader)),
	}

	var missing []string
	if d.Signature == "" {
		missing = append(missing, v.signatureHeader)
	}
	if d.Topic == "" {
		missing = append(missing, v.topicHeader)
	}
	if d.Domain == "" {
		missing = append(missing, v.domainHeader)
	}
	if len(missing) > 0 {
		return d, fmt.Errorf("missing headers %s: %w", strings.Join(missing, ", "), domain.ErrBadRequest)
	}
	return d, nil
}

// Verify checks signature against the raw body bytes. The body must not have
// been decoded or re-encoded beforehand.
func Verify(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("secret and signature are required: %w", domain.ErrBadRequest)
	}

	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature is not base64: %w", domain.ErrUnauthorized)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("signature mismatch: %w", domain.ErrUnauthorized)
	}
	return nil
}

// Sign returns the base64 HMAC-SHA256 of body, as the upstream platform sends it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
