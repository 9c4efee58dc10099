// Package auth turns bearer JWTs into a models.Principal.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mcclellann/loandesk/pkg/models"
)

type contextKey string

const principalKey = contextKey("principal")

type claims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 access tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator signs and verifies HS256 tokens with secret.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for p that expires after ttl.
func (a *Authenticator) Issue(p models.Principal, ttl time.Duration) (string, error) {
	if p.UserID == "" {
		return "", errors.New("principal has no user id")
	}
	now := time.Now()
	c := claims{
		Role:  string(p.Role),
		Email: p.Email,
		Phone: p.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// Parse validates tokenString and returns its principal.
func (a *Authenticator) Parse(tokenString string) (models.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return models.Principal{}, fmt.Errorf("invalid token: %w", err)
	}

	role := models.Role(c.Role)
	if role != models.RoleUser && role != models.RoleAdmin {
		return models.Principal{}, fmt.Errorf("invalid token: unknown role %q", c.Role)
	}
	if c.Subject == "" {
		return models.Principal{}, errors.New("invalid token: missing subject")
	}
	return models.Principal{UserID: c.Subject, Role: role, Email: c.Email, Phone: c.Phone}, nil
}

// Middleware rejects requests without a valid bearer token and stores the principal in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
			writeUnauthorized(w, "Unauthorized: no token provided")
			return
		}
		p, err := a.Parse(strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")))
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				writeUnauthorized(w, "Unauthorized: token expired")
				return
			}
			writeUnauthorized(w, "Unauthorized: invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": message,
	})
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal stored by the middleware.
func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(models.Principal)
	return p, ok
}
