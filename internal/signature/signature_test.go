package signature

import (
	"errors"
	"net/http"
	"testing"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/domain"
)

func testVerifier() *Verifier {
	return NewVerifier(config.Webhook{
		SignatureHeader: "X-Shopify-Hmac-Sha256",
		TopicHeader:     "X-Shopify-Topic",
		DomainHeader:    "X-Shopify-Shop-Domain",
		WebhookIDHeader: "X-Shopify-Webhook-Id",
	})
}

func TestVerify(t *testing.T) {
	body := []byte(`{"id":1,"total_price":"10.00"}`)
	secret := "shpss_test"
	valid := Sign(secret, body)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		wantErr   error
	}{
		{name: "valid signature", secret: secret, body: body, signature: valid},
		{name: "wrong secret", secret: "other", body: body, signature: valid, wantErr: domain.ErrUnauthorized},
		{name: "body altered by one byte", secret: secret, body: []byte(`{"id":2,"total_price":"10.00"}`), signature: valid, wantErr: domain.ErrUnauthorized},
		{name: "re-encoded body", secret: secret, body: []byte(`{"id": 1, "total_price": "10.00"}`), signature: valid, wantErr: domain.ErrUnauthorized},
		{name: "not base64", secret: secret, body: body, signature: "%%%", wantErr: domain.ErrUnauthorized},
		{name: "missing signature", secret: secret, body: body, signature: "", wantErr: domain.ErrBadRequest},
		{name: "missing secret", secret: "", body: body, signature: valid, wantErr: domain.ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.secret, tt.body, tt.signature)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Verify() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHeaders(t *testing.T) {
	full := func() http.Header {
		h := http.Header{}
		h.Set("X-Shopify-Hmac-Sha256", "sig")
		h.Set("X-Shopify-Topic", "orders/create")
		h.Set("X-Shopify-Shop-Domain", "Demo.myshopify.com")
		h.Set("X-Shopify-Webhook-Id", "wh-1")
		return h
	}

	tests := []struct {
		name    string
		drop    string
		wantErr bool
	}{
		{name: "all present"},
		{name: "missing signature", drop: "X-Shopify-Hmac-Sha256", wantErr: true},
		{name: "missing topic", drop: "X-Shopify-Topic", wantErr: true},
		{name: "missing domain", drop: "X-Shopify-Shop-Domain", wantErr: true},
		{name: "webhook id is optional", drop: "X-Shopify-Webhook-Id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := full()
			if tt.drop != "" {
				h.Del(tt.drop)
			}
			d, err := testVerifier().Headers(h)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrBadRequest) {
					t.Errorf("Headers() error = %v, want ErrBadRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Headers() error = %v", err)
			}
			if d.Domain != "demo.myshopify.com" || d.Topic != "orders/create" {
				t.Errorf("Headers() = %+v", d)
			}
		})
	}
}
