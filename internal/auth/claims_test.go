package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-dashboard-tokens-0123"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims DashboardClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func validClaims() DashboardClaims {
	now := time.Now()
	return DashboardClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "usr-001",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		Username: "alice",
	}
}

func TestParseToken(t *testing.T) {
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims())

	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "usr-001" || claims.Username != "alice" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	noSubject := validClaims()
	noSubject.Subject = ""

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", ErrTokenMissing},
		{"garbage", "not-a-valid-jwt", ErrTokenInvalid},
		{"wrong secret", signToken(t, jwt.SigningMethodHS256, []byte("another-secret-key-of-sufficient-len"), validClaims()), ErrTokenInvalid},
		{"wrong algorithm", signToken(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims()), ErrTokenInvalid},
		{"expired", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), expired), ErrTokenExpired},
		{"no expiry", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noExpiry), ErrTokenInvalid},
		{"no subject", signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noSubject), ErrTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token, testSecret); !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
