// Package auth authenticates operator API calls with HS256 bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/billing-nowpayments/internal/common"
)

// OrganizationClaim carries the organization a token is scoped to.
const OrganizationClaim = "org"

// Claims are the identity carried by a verified token.
type Claims struct {
	Subject        string
	OrganizationID string
	ExpiresAt      time.Time
}

// Tokens issues and verifies API tokens.
type Tokens struct {
	Secret    []byte
	Issuer    string
	ClockSkew time.Duration
	Now       func() time.Time
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue signs a token for subject scoped to organizationID.
func (t Tokens) Issue(subject, organizationID string, ttl time.Duration) (string, error) {
	if len(t.Secret) == 0 {
		return "", errors.New("auth: secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("auth: subject is required")
	}
	now := t.now()
	b := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now.Add(-t.ClockSkew)).
		Expiration(now.Add(ttl))
	if t.Issuer != "" {
		b = b.Issuer(t.Issuer)
	}
	if organizationID != "" {
		b = b.Claim(OrganizationClaim, organizationID)
	}
	tok, err := b.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, t.Secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// Verify parses raw and checks signature, issuer and validity window.
func (t Tokens) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, invalid(errors.New("auth: token missing"))
	}
	if err := requireHS256(raw); err != nil {
		return Claims{}, invalid(err)
	}
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, t.Secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(t.now)),
	}
	if t.ClockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(t.ClockSkew))
	}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}
	tok, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return Claims{}, invalid(err)
	}
	if tok.Subject() == "" {
		return Claims{}, invalid(errors.New("auth: token has no subject"))
	}
	claims := Claims{Subject: tok.Subject(), ExpiresAt: tok.Expiration()}
	if v, ok := tok.Get(OrganizationClaim); ok {
		if s, ok := v.(string); ok {
			claims.OrganizationID = s
		}
	}
	return claims, nil
}

func requireHS256(raw string) error {
	msg, err := jws.ParseString(raw)
	if err != nil {
		return err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return fmt.Errorf("auth: expected one signature, got %d", len(sigs))
	}
	headers := sigs[0].ProtectedHeaders()
	if headers == nil {
		return errors.New("auth: token missing protected headers")
	}
	if alg := headers.Algorithm(); alg != jwa.HS256 {
		return fmt.Errorf("auth: unexpected token algorithm %s", alg)
	}
	return nil
}

func invalid(err error) *common.AppError {
	return common.NewAppError("UNAUTHORIZED", "missing or invalid token", http.StatusUnauthorized, err)
}
