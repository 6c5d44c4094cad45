package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret []byte, sub string, exp time.Time) string {
	t.Helper()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		DisplayName: "Test User",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestAuthenticateValidToken(t *testing.T) {
	secret := []byte("topsecret")
	token := signToken(t, secret, "alice", time.Now().Add(time.Hour))

	a := New(secret, nil)
	subj, err := a.Authenticate(token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if subj.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", subj.UserID)
	}
	if subj.DisplayName != "Test User" {
		t.Errorf("DisplayName = %q", subj.DisplayName)
	}
}

func TestAuthenticateExpired(t *testing.T) {
	secret := []byte("topsecret")
	token := signToken(t, secret, "alice", time.Now().Add(-time.Hour))

	a := New(secret, nil)
	_, err := a.Authenticate(token)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestAuthenticateBadSignature(t *testing.T) {
	token := signToken(t, []byte("right-secret"), "alice", time.Now().Add(time.Hour))

	a := New([]byte("wrong-secret"), nil)
	_, err := a.Authenticate(token)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestAuthenticateMalformed(t *testing.T) {
	a := New([]byte("secret"), nil)
	_, err := a.Authenticate("not-a-jwt")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestAuthenticateRevoked(t *testing.T) {
	secret := []byte("topsecret")
	token := signToken(t, secret, "alice", time.Now().Add(time.Hour))

	a := New(secret, func(userID string) bool { return userID == "alice" })
	_, err := a.Authenticate(token)
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestAuthenticateAnonymousWhenNoSecret(t *testing.T) {
	a := New(nil, nil)
	subj, err := a.Authenticate("whatever")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if subj.UserID != "anonymous" {
		t.Errorf("UserID = %q, want anonymous", subj.UserID)
	}
}
