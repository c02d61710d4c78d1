// Package authtoken validates externally-issued access tokens. The collaborator identity service (DESIGN.md
// Module disposition) owns issuance, password checks, registration, and MFA; this package only verifies a token
// handed to the gateway or REST API and extracts the tenant-scoped subject from it.
package authtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims holds the claims carried by an access token. TenantID is a RelayMesh-specific claim on top of the
// standard registered claims since every principal is scoped to exactly one tenant.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// ErrMissingTenant is returned when a token validates but carries no tenant_id claim.
var ErrMissingTenant = errors.New("authtoken: token carries no tenant_id claim")

// Validator checks bearer tokens against a shared HMAC secret.
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator builds a Validator. issuer may be empty to skip issuer verification.
func NewValidator(secret, issuer string) *Validator {
	return &Validator{secret: []byte(secret), issuer: issuer}
}

// Principal is the authenticated identity extracted from a validated token.
type Principal struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
}

// Validate parses and validates a JWT access token string, enforcing HMAC signing and optional issuer match, and
// returns the tenant-scoped principal it authenticates.
func (v *Validator) Validate(tokenStr string) (Principal, error) {
	claims := &Claims{}

	var parserOpts []jwt.ParserOption
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return Principal{}, err
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("invalid token")
	}

	if claims.TenantID == "" {
		return Principal{}, ErrMissingTenant
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return Principal{}, fmt.Errorf("parse tenant_id claim: %w", err)
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("parse subject claim: %w", err)
	}

	return Principal{TenantID: tenantID, UserID: userID}, nil
}

// NewAccessToken signs a token for the given principal. Exercised by tests and by local/dev tooling that needs to
// mint tokens without the identity service; production issuance belongs to that external collaborator.
func NewAccessToken(p Principal, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("authtoken: secret must not be empty")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: p.TenantID.String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}
