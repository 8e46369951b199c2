// Package identity resolves an opaque bearer token into a caller identity.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
)

// Identity is who is calling. Anonymous callers have an empty UserID.
type Identity struct {
	UserID        string
	Username      string
	Authenticated bool
}

var Anonymous = Identity{}

// Verifier turns a token into an Identity. An empty token is anonymous.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// JWTVerifier accepts HS256 tokens signed with a shared secret. The subject
// claim is the user id.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Anonymous, nil
	}
	if len(v.secret) == 0 {
		return Anonymous, apperr.Unauthenticated("token verification is not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Anonymous, mapJWTError(err)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Anonymous, apperr.Unauthenticated("token subject is required")
	}
	return Identity{UserID: parsed.Subject, Username: parsed.Name, Authenticated: true}, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.Unauthenticated("token is expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.Unauthenticated("token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return apperr.Unauthenticated("token was not issued for this service")
	default:
		return apperr.Unauthenticated("token is invalid")
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
