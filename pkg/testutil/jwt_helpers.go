package testutil

import (
	"time"

	"rendernet/pkg/auth"

	"github.com/golang-jwt/jwt/v5"
)

// JWTTestHelper issues and validates access tokens for tests
type JWTTestHelper struct {
	Secret []byte
}

// NewJWTTestHelper creates a new JWT test helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{
		Secret: []byte("test-secret-for-unit-tests"),
	}
}

// GenerateValidJWT generates a token valid for one hour
func (h *JWTTestHelper) GenerateValidJWT(subject, wallet string) (string, error) {
	return auth.GenerateJWT(subject, wallet, time.Hour, h.Secret)
}

// GenerateExpiredJWT generates a token that expired an hour ago
func (h *JWTTestHelper) GenerateExpiredJWT(subject, wallet string) (string, error) {
	claims := &auth.Claims{
		WalletAddress: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateJWTWithWrongSecret generates a token the helper will refuse
func (h *JWTTestHelper) GenerateJWTWithWrongSecret(subject, wallet string) (string, error) {
	return auth.GenerateJWT(subject, wallet, time.Hour, []byte("wrong-secret"))
}

// ValidateJWT validates a JWT using the test helper's secret
func (h *JWTTestHelper) ValidateJWT(tokenString string) (*auth.Claims, error) {
	return auth.ValidateJWT(tokenString, h.Secret)
}
