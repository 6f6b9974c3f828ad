// Package auth guards the operator API. Tokens are RS256 JWTs carrying a
// tenant_id claim; a caller may only touch its own tenant's data.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

type contextKey string

const TenantIDKey contextKey = "tenant_id"

// ErrForbidden means the token is valid but scoped to another tenant.
var ErrForbidden = errors.New("forbidden")

// JWTValidator handles JWT token validation
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
	public    []string // path prefixes that skip the check
}

// NewJWTValidator parses a PEM public key (PKCS1 or PKIX).
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %v", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &JWTValidator{
		publicKey: publicKey,
		issuer:    issuer,
		audience:  audience,
		public:    []string{"/healthz", "/metrics", "/webhooks/"},
	}, nil
}

// ValidateToken validates a JWT token and returns the tenant ID
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %v", err)
	}

	tenantID, ok := claims["tenant_id"].(string)
	if !ok || tenantID == "" {
		return "", fmt.Errorf("missing or invalid tenant_id claim")
	}
	return tenantID, nil
}

func (v *JWTValidator) isPublic(path string) bool {
	for _, p := range v.public {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

func bearer(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return "", errors.New("invalid Authorization header format")
	}
	return token, nil
}

// HTTPMiddleware returns an HTTP middleware that validates JWT tokens
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := bearer(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		tenantID, err := v.ValidateToken(token)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GRPCInterceptor returns a gRPC unary interceptor that validates JWT tokens
func (v *JWTValidator) GRPCInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		token, err := bearer(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		tenantID, err := v.ValidateToken(token)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}

		ctx = context.WithValue(ctx, TenantIDKey, tenantID)
		return handler(ctx, req)
	}
}

// GetTenantIDFromContext extracts tenant ID from context
func GetTenantIDFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(TenantIDKey).(string)
	return tenantID, ok
}

// RequireTenant checks that the caller may act on tenantID. Requests that
// went through no validator carry no tenant and pass.
func RequireTenant(ctx context.Context, tenantID string) error {
	caller, ok := GetTenantIDFromContext(ctx)
	if !ok {
		return nil
	}
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required: %w", domain.ErrValidation)
	}
	if caller != tenantID {
		return fmt.Errorf("token is scoped to tenant %s: %w", caller, ErrForbidden)
	}
	return nil
}
