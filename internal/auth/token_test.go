package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseAccessToken(t *testing.T) {
	secret := []byte("secret")
	issued, expires, err := IssueAccessToken(secret, "usr_1", "Sam", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if time.Until(expires) < 59*time.Minute {
		t.Fatalf("unexpected expiry %v", expires)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "usr_1" || claims.Name != "Sam" || !strings.HasPrefix(claims.JTI, "jti_") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	issued, _, err := IssueAccessToken(secret, "usr_1", "Sam", time.Minute, now)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if _, err := parseTokenAt(secret, issued, now.Add(2*time.Minute)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("secret")
	issued, _, err := IssueAccessToken(secret, "usr_1", "Sam", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	for name, token := range map[string]string{
		"other secret": issued,
		"no signature": strings.Split(issued, ".")[0],
		"extra part":   issued + ".x",
	} {
		key := secret
		if name == "other secret" {
			key = []byte("other")
		}
		if _, err := ParseToken(key, token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestIssueTokenNeedsSecret(t *testing.T) {
	if _, err := IssueToken(nil, Claims{Sub: "a"}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
