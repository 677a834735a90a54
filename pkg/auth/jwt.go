package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidJWT   = errors.New("invalid JWT token")
	ErrExpiredJWT   = errors.New("JWT token expired")
	ErrMissingToken = errors.New("bearer credential is empty")
)

// Claims are the claims carried by marketplace access tokens.
type Claims struct {
	WalletAddress string `json:"wallet_address,omitempty"`
	Scope         string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// GenerateJWT issues an HS256 access token. Used by local tooling and tests that
// stand in for the marketplace auth service.
func GenerateJWT(subject, wallet string, ttl time.Duration, secret []byte) (string, error) {
	now := time.Now()
	claims := &Claims{
		WalletAddress: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateJWT validates a token signature and expiry and returns its claims
func ValidateJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredJWT
		}
		return nil, ErrInvalidJWT
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidJWT
}

// CheckBearer inspects a bearer credential before it is put on the wire. Opaque
// API keys pass through untouched; JWTs are decoded without verification (the
// server owns the key) and rejected when already expired.
func CheckBearer(token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingToken
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Three dot-separated segments but not a JWT; treat as opaque.
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return ErrExpiredJWT
	}
	return nil
}

// BearerHeader formats the Authorization header value
func BearerHeader(token string) string {
	return "Bearer " + strings.TrimSpace(token)
}
