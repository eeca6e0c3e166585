package auth

import (
	"testing"
	"time"
)

func TestVerifier_OpaquePassthrough(t *testing.T) {
	v := NewVerifier("", time.Minute)

	got, err := v.Identity("  Alice@Example.COM ")
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if got != "alice@example.com" {
		t.Fatalf("expected normalized identity, got %q", got)
	}

	if _, err := v.Identity("   "); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestVerifier_IssueAndVerify(t *testing.T) {
	v := NewVerifier("test-secret", 5*time.Minute)

	token, _, err := v.Issue("User.Case@Example.COM")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	identity, err := v.Identity(token)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if identity != "user.case@example.com" {
		t.Fatalf("expected normalized identity, got %q", identity)
	}
}

func TestVerifier_RejectsWrongSecret(t *testing.T) {
	issuer := NewVerifier("secret-one", 5*time.Minute)
	verifier := NewVerifier("secret-two", 5*time.Minute)

	token, _, err := issuer.Issue("bob@example.com")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := verifier.Identity(token); err == nil {
		t.Fatal("expected verification failure for token signed with a different secret")
	}
}

func TestVerifier_OpaqueTokenRejectedWhenSecretSet(t *testing.T) {
	v := NewVerifier("test-secret", 5*time.Minute)

	if _, err := v.Identity("not-a-jwt"); err == nil {
		t.Fatal("expected parse failure for raw identity when a secret is configured")
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc123"); got != "abc123" {
		t.Fatalf("BearerToken = %q, want abc123", got)
	}
	if got := BearerToken("  abc123 "); got != "abc123" {
		t.Fatalf("BearerToken without prefix = %q, want abc123", got)
	}
	if got := BearerToken(""); got != "" {
		t.Fatalf("BearerToken empty = %q, want empty", got)
	}
}
