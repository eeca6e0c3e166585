// Package auth resolves bearer tokens to caller identities.
//
// Identity issuance lives outside this core: callers arrive with an opaque
// verified identity string. When a token secret is configured the bearer
// value must be an HS256 JWT carrying that identity; with no secret the
// bearer value is accepted as the identity itself.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/campushq/chat-relay/internal/normalize"
)

// ErrNoToken is returned when the caller supplied no bearer value at all.
var ErrNoToken = errors.New("missing bearer token")

// Claims is the JWT payload accepted when a secret is configured.
type Claims struct {
	Identity             string `json:"identity"` // caller identity (email in practice)
	jwt.RegisteredClaims        // ExpiresAt, IssuedAt, Subject, etc.
}

// Verifier turns bearer tokens into normalized caller identities.
type Verifier struct {
	secret   string        // HMAC secret; empty means opaque passthrough
	duration time.Duration // validity for tokens issued by Issue
}

// NewVerifier returns a Verifier. An empty secret disables JWT parsing and
// treats the bearer value as the identity.
func NewVerifier(secret string, duration time.Duration) *Verifier {
	return &Verifier{secret: secret, duration: duration}
}

// Identity resolves a bearer token to a normalized identity.
func (v *Verifier) Identity(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoToken
	}

	// Opaque mode: the external issuer already verified the caller.
	if v.secret == "" {
		return normalize.Identity(token), nil
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		// Reject anything but HMAC so an asymmetric header can't bypass the secret.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}

	identity := claims.Identity
	if identity == "" {
		identity = claims.Subject
	}
	identity = normalize.Identity(identity)
	if identity == "" {
		return "", errors.New("token carries no identity")
	}
	return identity, nil
}

// Issue signs a token for the given identity. Used by tooling and tests;
// the relay itself never mints identities.
func (v *Verifier) Issue(identity string) (string, time.Time, error) {
	if v.secret == "" {
		return "", time.Time{}, errors.New("no token secret configured")
	}

	expiresAt := time.Now().Add(v.duration)
	claims := &Claims{
		Identity: normalize.Identity(identity),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(v.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// BearerToken strips the Bearer prefix from an Authorization header value.
func BearerToken(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer"))
}
