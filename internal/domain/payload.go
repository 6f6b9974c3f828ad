package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexString decodes a JSON string or number into its string form. Upstream
// ids arrive as numbers on some topics and strings on others.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", ErrValidation)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Money decodes a price given as a JSON string ("750.00") or number.
type Money float64

func (m *Money) UnmarshalJSON(b []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", string(s), ErrValidation)
	}
	*m = Money(v)
	return nil
}

func (m Money) Float() float64 { return float64(m) }

// LineItem is the subset of an upstream line item the pipeline reads.
type LineItem struct {
	ProductID FlexString `json:"product_id"`
	VariantID FlexString `json:"variant_id"`
	Title     string     `json:"title"`
	Quantity  int        `json:"quantity"`
	Price     Money      `json:"price"`
}

type CustomerRef struct {
	ID        FlexString `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
}

// CommercePayload is the union of fields read from cart, checkout and order
// payloads. Unknown fields are ignored.
type CommercePayload struct {
	ID                FlexString      `json:"id"`
	Token             string          `json:"token"`
	CartToken         string          `json:"cart_token"`
	CheckoutToken     string          `json:"checkout_token"`
	Name              string          `json:"name"`
	Email             string          `json:"email"`
	Currency          string          `json:"currency"`
	TotalPrice        Money           `json:"total_price"`
	LineItems         []LineItem      `json:"line_items"`
	ItemCount         *int            `json:"item_count"`
	Customer          *CustomerRef    `json:"customer"`
	CustomerID        FlexString      `json:"customer_id"`
	CompletedAt       *time.Time      `json:"completed_at"`
	CancelledAt       *time.Time      `json:"cancelled_at"`
	CreatedAt         *time.Time      `json:"created_at"`
	UpdatedAt         *time.Time      `json:"updated_at"`
	AbandonedAt       *time.Time      `json:"abandoned_at"`
	PaymentGateway    string          `json:"payment_gateway"`
	ShippingAddress   json.RawMessage `json:"shipping_address"`
	FinancialStatus   string          `json:"financial_status"`
	FulfillmentStatus *string         `json:"fulfillment_status"`
}

// DecodeCommerce parses a raw payload into a CommercePayload.
func DecodeCommerce(raw []byte) (*CommercePayload, error) {
	var p CommercePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %v: %w", err, ErrValidation)
	}
	return &p, nil
}

// Items returns the explicit item count, else the summed line item quantity.
func (p *CommercePayload) Items() int {
	if p.ItemCount != nil {
		return *p.ItemCount
	}
	n := 0
	for _, li := range p.LineItems {
		q := li.Quantity
		if q == 0 {
			q = 1
		}
		n += q
	}
	return n
}

func (p *CommercePayload) CustomerKey() string {
	if p.Customer != nil && p.Customer.ID != "" {
		return p.Customer.ID.String()
	}
	return p.CustomerID.String()
}

func (p *CommercePayload) CustomerEmail() string {
	if p.Email != "" {
		return p.Email
	}
	if p.Customer != nil {
		return p.Customer.Email
	}
	return ""
}

// TokenOrID is the record key: the token when present, else the id.
func (p *CommercePayload) TokenOrID() string {
	if p.Token != "" {
		return p.Token
	}
	return p.ID.String()
}

func (p *CommercePayload) Signals() CheckoutSignals {
	return CheckoutSignals{
		CompletedAt:     p.CompletedAt != nil,
		PaymentGateway:  p.PaymentGateway != "",
		ShippingAddress: len(p.ShippingAddress) > 0 && !bytes.Equal(bytes.TrimSpace(p.ShippingAddress), []byte("null")),
		Email:           p.Email != "",
	}
}

type identity struct {
	ID            FlexString `json:"id"`
	Token         string     `json:"token"`
	CheckoutToken string     `json:"checkout_token"`
	UpdatedAt     string     `json:"updated_at"`
}

// DomainIdentifier picks the identifier used in the dedup key: the payload id,
// else its token, else its checkout token, else a digest of the whole payload.
// A present updated_at is appended so later revisions of the same record are
// not collapsed into the first one.
func DomainIdentifier(payload []byte) string {
	var id identity
	_ = json.Unmarshal(payload, &id)

	key := id.ID.String()
	if key == "" {
		key = id.Token
	}
	if key == "" {
		key = id.CheckoutToken
	}
	if key == "" {
		sum := sha256.Sum256(payload)
		return "sha256:" + hex.EncodeToString(sum[:])
	}
	if id.UpdatedAt != "" {
		key += "@" + id.UpdatedAt
	}
	return key
}

// DedupKey is the idempotency key for an enqueue request.
func DedupKey(eventType EventType, tenantID string, payload []byte) string {
	return string(eventType) + "|" + tenantID + "|" + DomainIdentifier(payload)
}
