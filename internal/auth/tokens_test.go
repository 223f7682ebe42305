package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("user-1", "PRO", "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("user id = %q", claims.UserID)
	}
	if claims.Tier != "PRO" {
		t.Fatalf("tier = %q", claims.Tier)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("user-1", "", "secret-a", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "secret-b"); err == nil {
		t.Fatalf("token verified with wrong secret")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := GenerateToken("user-1", "", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "secret"); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not-a-token", "secret"); err == nil {
		t.Fatalf("garbage token accepted")
	}
}
