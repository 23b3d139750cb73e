package auth

import (
	"encoding/base64"
	"testing"
)

func TestHashSecretProducesVerifiableHash(t *testing.T) {
	stored, err := HashSecret("correct horse battery staple")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !VerifySecret("correct horse battery staple", stored) {
		t.Fatalf("expected secret to verify against its own hash")
	}
	if VerifySecret("wrong password", stored) {
		t.Fatalf("expected mismatched secret to fail verification")
	}
}

func TestHashSecretSaltsEachHash(t *testing.T) {
	first, err := HashSecret("same secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := HashSecret("same secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct salts to produce distinct hashes")
	}
	if !VerifySecret("same secret", first) || !VerifySecret("same secret", second) {
		t.Fatalf("expected both salted hashes to verify")
	}
}

func TestHashSecretEncodesSaltAndKey(t *testing.T) {
	stored, err := HashSecret("secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		t.Fatalf("stored hash is not base64: %v", err)
	}
	if len(decoded) != passwordSaltLength+passwordKeyLength {
		t.Fatalf("unexpected decoded length: %d", len(decoded))
	}
}

func TestVerifySecretRejectsMalformedStoredValues(t *testing.T) {
	for _, stored := range []string{"", "not base64 at all!!!", base64.StdEncoding.EncodeToString([]byte("too short"))} {
		if VerifySecret("secret", stored) {
			t.Fatalf("expected malformed stored value %q to fail", stored)
		}
	}
}
