package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestResolveToken_LocalJWT(t *testing.T) {
	r := NewResolver("", "", testSecret)
	if !r.Configured() {
		t.Fatalf("expected resolver with jwt secret to be configured")
	}

	token := signToken(t, jwt.MapClaims{
		"sub":   "user-123",
		"email": "coach@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"user_metadata": map[string]interface{}{
			"full_name":      "Ada Example",
			"email_verified": true,
		},
	}, testSecret)

	p, err := r.ResolveToken(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if p.ID != "user-123" || p.Email != "coach@example.com" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if p.Name != "Ada Example" || !p.EmailConfirmed {
		t.Fatalf("expected metadata fields to be mapped, got %+v", p)
	}
}

func TestResolveToken_Failures(t *testing.T) {
	r := NewResolver("", "", testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong secret", token: signToken(t, jwt.MapClaims{
			"sub": "user-123",
			"exp": time.Now().Add(time.Hour).Unix(),
		}, "a-different-secret-a-different-secret!!")},
		{name: "expired", token: signToken(t, jwt.MapClaims{
			"sub": "user-123",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}, testSecret)},
		{name: "missing sub", token: signToken(t, jwt.MapClaims{
			"email": "coach@example.com",
			"exp":   time.Now().Add(time.Hour).Unix(),
		}, testSecret)},
	}

	for _, tt := range tests {
		if _, err := r.ResolveToken(context.Background(), tt.token); err != ErrUnauthenticated {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", tt.name, err)
		}
	}
}

func TestResolveToken_NotConfigured(t *testing.T) {
	r := NewResolver("", "", "")
	if r.Configured() {
		t.Fatalf("expected empty resolver to be unconfigured")
	}
	if _, err := r.ResolveToken(context.Background(), "anything"); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
