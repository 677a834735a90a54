package auth

import (
	"errors"
	"testing"
	"time"
)

func TestJWTGenerateValidate(t *testing.T) {
	secret := []byte("s3cr3t")
	token, err := GenerateJWT("user-1", "So1anaWa11et", time.Minute, secret)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ValidateJWT(token, secret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "user-1" || claims.WalletAddress != "So1anaWa11et" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := ValidateJWT(token, []byte("other")); !errors.Is(err, ErrInvalidJWT) {
		t.Fatalf("expected invalid with wrong secret, got %v", err)
	}
}

func TestValidateJWTExpired(t *testing.T) {
	secret := []byte("s3cr3t")
	token, err := GenerateJWT("user-1", "", -time.Minute, secret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateJWT(token, secret); !errors.Is(err, ErrExpiredJWT) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestCheckBearer(t *testing.T) {
	now := time.Now()
	if err := CheckBearer("  ", now); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if err := CheckBearer("rk_live_opaque", now); err != nil {
		t.Fatalf("opaque keys should pass, got %v", err)
	}
	if err := CheckBearer("a.b.c", now); err != nil {
		t.Fatalf("non-JWT dotted keys should pass, got %v", err)
	}

	live, _ := GenerateJWT("u", "", time.Hour, []byte("k"))
	if err := CheckBearer(live, now); err != nil {
		t.Fatalf("live token rejected: %v", err)
	}
	expired, _ := GenerateJWT("u", "", -time.Hour, []byte("k"))
	if err := CheckBearer(expired, now); !errors.Is(err, ErrExpiredJWT) {
		t.Fatalf("expected expired, got %v", err)
	}
}
