// Package auth verifies the bearer credentials presented on the websocket
// handshake.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/nexus-chat/internal/chat"
)

// TokenVerifier resolves a credential to the subject it authenticates.
// Failures wrap chat.ErrAuth.
type TokenVerifier interface {
	Verify(token string) (subjectID string, err error)
}

// Claims is the JWT payload. The subject id travels in the standard "sub"
// claim.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// Option customises a JWTVerifier.
type Option func(*JWTVerifier)

// WithIssuer requires the "iss" claim to match.
func WithIssuer(iss string) Option {
	return func(v *JWTVerifier) { v.issuer = iss }
}

// WithAudience requires the "aud" claim to contain aud.
func WithAudience(aud string) Option {
	return func(v *JWTVerifier) { v.audience = aud }
}

// WithClock overrides the time used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *JWTVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewJWTVerifier returns a verifier for secret. An empty secret is refused.
func NewJWTVerifier(secret string, opts ...Option) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	v := &JWTVerifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", chat.ErrAuth)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: invalid token", chat.ErrAuth)
	}
	return claims.Subject, nil
}

// Issue signs a token for subjectID that expires after ttl.
func (v *JWTVerifier) Issue(subjectID, name string, ttl time.Duration) (string, error) {
	if subjectID == "" {
		return "", errors.New("subject is required")
	}
	now := v.now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts the bearer credential from the Authorization
// header, falling back to the "token" query parameter for browser clients
// that cannot set headers on a websocket handshake.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
