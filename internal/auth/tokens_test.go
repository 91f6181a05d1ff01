package auth

import (
	"testing"
	"time"
)

func TestTokens_IssueAndValidate(t *testing.T) {
	tokens := New("secret", time.Minute)

	signed, expires, err := tokens.IssueBlobToken("proj")
	if err != nil {
		t.Fatalf("IssueBlobToken: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Error("token already expired at issue")
	}
	if err := tokens.ValidateBlobToken(signed, "proj"); err != nil {
		t.Errorf("ValidateBlobToken: %v", err)
	}
}

func TestTokens_WrongProject(t *testing.T) {
	tokens := New("secret", time.Minute)
	signed, _, err := tokens.IssueBlobToken("proj")
	if err != nil {
		t.Fatalf("IssueBlobToken: %v", err)
	}
	if err := tokens.ValidateBlobToken(signed, "other"); err == nil {
		t.Error("token accepted for a different project")
	}
}

func TestTokens_WrongSecret(t *testing.T) {
	signed, _, err := New("secret-a", time.Minute).IssueBlobToken("proj")
	if err != nil {
		t.Fatalf("IssueBlobToken: %v", err)
	}
	if err := New("secret-b", time.Minute).ValidateBlobToken(signed, "proj"); err == nil {
		t.Error("token accepted under a different secret")
	}
}

func TestTokens_Expired(t *testing.T) {
	// New clamps non-positive ttls to the default, so build the issuer
	// directly with an expiry in the past.
	tokens := &Tokens{secret: []byte("secret"), ttl: -time.Hour}
	signed, _, err := tokens.IssueBlobToken("proj")
	if err != nil {
		t.Fatalf("IssueBlobToken: %v", err)
	}
	if err := tokens.ValidateBlobToken(signed, "proj"); err == nil {
		t.Error("expired token accepted")
	}
}

func TestTokens_Garbage(t *testing.T) {
	tokens := New("secret", time.Minute)
	if err := tokens.ValidateBlobToken("not-a-jwt", "proj"); err == nil {
		t.Error("garbage token accepted")
	}
}
