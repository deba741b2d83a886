package embedauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is an embed token together with the expiry decoded from its payload.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ParseCredential decodes the expiry of a JWT-shaped token. Only the payload segment
// is inspected; the signature is verified by the services that consume the token.
func ParseCredential(token string) (*Credential, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	parser := jwt.NewParser(jwt.WithPaddingAllowed())
	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrMalformedToken, err)
	}

	var claims jwt.RegisteredClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: parse claims: %v", ErrMalformedToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}

	return &Credential{
		Token:     token,
		ExpiresAt: exp.Time,
	}, nil
}

// IsExpired reports whether now is at or past the credential's expiry.
// A nil credential is always expired.
func (c *Credential) IsExpired(now time.Time) bool {
	if c == nil {
		return true
	}
	return !now.Before(c.ExpiresAt)
}

// IsTokenExpired reports whether a raw token is expired at now.
// Malformed tokens are always reported expired.
func IsTokenExpired(token string, now time.Time) bool {
	cred, err := ParseCredential(token)
	if err != nil {
		return true
	}
	return cred.IsExpired(now)
}
