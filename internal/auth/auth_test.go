package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	tok, err := Issue("admin", "admin", "vecbook", "secret", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := Parse(tok.Value, "secret", "vecbook")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "admin" || claims.Role != "admin" {
		t.Errorf("claims = %+v, want subject/role admin", claims)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	tok, err := Issue("admin", "admin", "vecbook", "secret", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Parse(tok.Value, "other", "vecbook"); err == nil {
		t.Error("expected error for wrong signing key")
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	tok, err := Issue("admin", "admin", "someone-else", "secret", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := Parse(tok.Value, "secret", "vecbook"); err == nil {
		t.Error("expected error for issuer mismatch")
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("s3cret", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	for _, stored := range []string{
		"",
		"plaintext",
		"pbkdf2_sha256$0$salt$deadbeef",
		"pbkdf2_sha256$120000$salt$",
		"md5$1$salt$deadbeef",
	} {
		if VerifyPassword("anything", stored) {
			t.Errorf("malformed hash %q accepted", stored)
		}
	}
}
