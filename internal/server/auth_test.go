package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, method jwt.SigningMethod, claims Claims, secret []byte) string {
	t.Helper()

	token, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseTokenValid(t *testing.T) {
	secret := []byte("secret")
	token := signToken(t, jwt.SigningMethodHS256, Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, secret)

	claims, err := ParseToken(token, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %q", claims.UserID)
	}
}

func TestParseTokenRejects(t *testing.T) {
	secret := []byte("secret")
	expired := Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}

	cases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "wrong secret", token: signToken(t, jwt.SigningMethodHS256, Claims{UserID: "user-1"}, []byte("other"))},
		{name: "missing id", token: signToken(t, jwt.SigningMethodHS256, Claims{}, secret)},
		{name: "expired", token: signToken(t, jwt.SigningMethodHS256, expired, secret)},
		{name: "wrong algorithm", token: signToken(t, jwt.SigningMethodHS512, Claims{UserID: "user-1"}, secret)},
		{name: "garbage", token: "not.a.token"},
	}

	for _, tc := range cases {
		if _, err := ParseToken(tc.token, secret); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	if _, err := ParseToken(signToken(t, jwt.SigningMethodHS256, Claims{UserID: "user-1"}, secret), nil); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestBearerTokenSources(t *testing.T) {
	request := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := bearerToken(request); got != "query-token" {
		t.Fatalf("expected query token, got %q", got)
	}

	request.Header.Set("Authorization", "bearer header-token")
	if got := bearerToken(request); got != "header-token" {
		t.Fatalf("expected header token to win, got %q", got)
	}
}

func TestValidAPIKey(t *testing.T) {
	request := httptest.NewRequest("POST", "/api/ingest", nil)
	if !validAPIKey(request, "") {
		t.Fatalf("expected empty key to allow all")
	}
	if validAPIKey(request, "expected") {
		t.Fatalf("expected missing key to be rejected")
	}

	request.Header.Set("X-API-Key", "expected")
	if !validAPIKey(request, "expected") {
		t.Fatalf("expected matching key to pass")
	}
}
