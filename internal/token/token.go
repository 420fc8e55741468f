// Package token issues and verifies HS256 session tokens.
package token

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"busping/internal/errs"

	"github.com/benbjohnson/clock"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the absolute session lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// Claims is the token payload.
type Claims struct {
	Email string `json:"email"`
	jwtlib.RegisteredClaims
}

// Issuer signs and verifies tokens with a shared secret. The secret and TTL can
// be swapped at runtime when the config reloads.
type Issuer struct {
	clock clock.Clock

	mu     sync.RWMutex
	secret []byte
	ttl    time.Duration
}

func New(secret string, ttl time.Duration, clk clock.Clock) *Issuer {
	if clk == nil {
		clk = clock.New()
	}
	i := &Issuer{clock: clk}
	i.Update(secret, ttl)
	return i
}

// Update replaces the signing secret and TTL. Tokens signed with the old
// secret stop verifying.
func (i *Issuer) Update(secret string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i.mu.Lock()
	i.secret = []byte(strings.TrimSpace(secret))
	i.ttl = ttl
	i.mu.Unlock()
}

// Configured reports whether a secret is set.
func (i *Issuer) Configured() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.secret) > 0
}

func (i *Issuer) current() ([]byte, time.Duration, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if len(i.secret) == 0 {
		return nil, 0, fmt.Errorf("%w: jwt secret not configured", errs.ErrConfig)
	}
	return i.secret, i.ttl, nil
}

// Issue returns a token for email expiring exactly TTL after now.
func (i *Issuer) Issue(email string) (string, error) {
	secret, ttl, err := i.current()
	if err != nil {
		return "", err
	}
	now := i.clock.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwtlib.RegisteredClaims{
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify returns the email carried by a valid token. Every failure (signature,
// expiry, malformed, algorithm) is reported as errs.ErrAuth without detail.
func (i *Issuer) Verify(raw string) (string, error) {
	secret, _, err := i.current()
	if err != nil {
		return "", err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errs.ErrAuth
	}
	parsed, err := jwtlib.ParseWithClaims(raw, &Claims{}, func(*jwtlib.Token) (any, error) {
		return secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return "", errs.ErrAuth
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Email) == "" {
		return "", errs.ErrAuth
	}
	return claims.Email, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	h := strings.TrimSpace(header)
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
