package authtoken

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestValidateRoundTrip(t *testing.T) {
	t.Parallel()

	v := NewValidator("s3cret", "relaymesh-core")
	want := Principal{TenantID: uuid.New(), UserID: uuid.New()}

	tok, err := NewAccessToken(want, "s3cret", time.Minute, "relaymesh-core")
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	got, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got != want {
		t.Errorf("Validate() = %+v, want %+v", got, want)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	tok, err := NewAccessToken(Principal{TenantID: uuid.New(), UserID: uuid.New()}, "correct", time.Minute, "")
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	v := NewValidator("wrong", "")
	if _, err := v.Validate(tok); err == nil {
		t.Error("Validate() with wrong secret succeeded, want error")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	t.Parallel()

	tok, err := NewAccessToken(Principal{TenantID: uuid.New(), UserID: uuid.New()}, "s3cret", -time.Minute, "")
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	v := NewValidator("s3cret", "")
	if _, err := v.Validate(tok); err == nil {
		t.Error("Validate() with expired token succeeded, want error")
	}
}

func TestValidateRejectsIssuerMismatch(t *testing.T) {
	t.Parallel()

	tok, err := NewAccessToken(Principal{TenantID: uuid.New(), UserID: uuid.New()}, "s3cret", time.Minute, "issuer-a")
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	v := NewValidator("s3cret", "issuer-b")
	if _, err := v.Validate(tok); err == nil {
		t.Error("Validate() with mismatched issuer succeeded, want error")
	}
}

func TestValidateRejectsMissingTenant(t *testing.T) {
	t.Parallel()

	// A token signed without a tenant_id claim, as if by a non-conforming issuer.
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.New().String()}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	v := NewValidator("s3cret", "")
	if _, err := v.Validate(tok); !errors.Is(err, ErrMissingTenant) {
		t.Errorf("Validate() error = %v, want ErrMissingTenant", err)
	}
}
