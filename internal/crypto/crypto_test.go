// Package crypto tests for token sealing and key derivation.
package crypto

import (
	"encoding/base64"
	"testing"
)

// TestEncryptToken_roundtrip verifies a sealed token opens back to the
// original with the same machine id.
func TestEncryptToken_roundtrip(t *testing.T) {
	token := "tok-1234567890abcdefghijklmnopqrstuvwxyz"

	sealed, err := EncryptToken(token, "machine-123")
	if err != nil {
		t.Fatalf("EncryptToken() error = %v", err)
	}
	if sealed == "" {
		t.Fatal("EncryptToken() returned empty string")
	}
	if sealed == token {
		t.Error("EncryptToken() returned plaintext")
	}

	opened, err := DecryptToken(sealed, "machine-123")
	if err != nil {
		t.Fatalf("DecryptToken() error = %v", err)
	}
	if opened != token {
		t.Errorf("DecryptToken() = %q, want %q", opened, token)
	}
}

// TestEncryptToken_nonceVaries verifies sealing the same token twice
// yields distinct ciphertexts.
func TestEncryptToken_nonceVaries(t *testing.T) {
	first, err := EncryptToken("same-token", "machine-123")
	if err != nil {
		t.Fatalf("EncryptToken() first error = %v", err)
	}
	second, err := EncryptToken("same-token", "machine-123")
	if err != nil {
		t.Fatalf("EncryptToken() second error = %v", err)
	}
	if first == second {
		t.Error("EncryptToken() twice produced identical ciphertext (nonce should be random)")
	}
}

// TestEncryptToken_emptyToken verifies sealing an empty token is rejected.
func TestEncryptToken_emptyToken(t *testing.T) {
	_, err := EncryptToken("", "machine-123")
	if err != ErrEmptyToken {
		t.Errorf("EncryptToken() with empty token error = %v, want ErrEmptyToken", err)
	}
}

// TestEncryptToken_unicode verifies non-ASCII tokens survive the round trip.
func TestEncryptToken_unicode(t *testing.T) {
	tokens := []string{"令牌-123", "トークン", "tok-🔑-42"}
	for _, token := range tokens {
		sealed, err := EncryptToken(token, "machine-123")
		if err != nil {
			t.Fatalf("EncryptToken(%q) error = %v", token, err)
		}
		opened, err := DecryptToken(sealed, "machine-123")
		if err != nil {
			t.Fatalf("DecryptToken(%q) error = %v", token, err)
		}
		if opened != token {
			t.Errorf("DecryptToken() = %q, want %q", opened, token)
		}
	}
}

// TestDecryptToken_emptyCiphertext verifies an empty stored value means
// no token is configured.
func TestDecryptToken_emptyCiphertext(t *testing.T) {
	token, err := DecryptToken("", "machine-123")
	if err != nil {
		t.Fatalf("DecryptToken() error = %v", err)
	}
	if token != "" {
		t.Errorf("DecryptToken(\"\") = %q, want empty", token)
	}
}

// TestDecryptToken_wrongMachineID verifies a token sealed on one
// machine does not open on another.
func TestDecryptToken_wrongMachineID(t *testing.T) {
	sealed, err := EncryptToken("tok-secret", "machine-1")
	if err != nil {
		t.Fatalf("EncryptToken() error = %v", err)
	}

	_, err = DecryptToken(sealed, "machine-2")
	if err != ErrInvalidCiphertext {
		t.Errorf("DecryptToken() with wrong machine id error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestDecryptToken_malformed verifies garbage stored values are rejected.
func TestDecryptToken_malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "not-valid-base64!!!"},
		{"special chars", "!@#$%^&*()"},
		{"shorter than nonce", base64.StdEncoding.EncodeToString([]byte("abc"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptToken(tt.input, "machine-123")
			if err != ErrInvalidCiphertext {
				t.Errorf("DecryptToken(%q) error = %v, want ErrInvalidCiphertext", tt.input, err)
			}
		})
	}
}

// TestDecryptToken_tampered verifies a modified ciphertext fails
// authentication.
func TestDecryptToken_tampered(t *testing.T) {
	sealed, err := EncryptToken("tok-secret", "machine-123")
	if err != nil {
		t.Fatalf("EncryptToken() error = %v", err)
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("decode sealed token: %v", err)
	}
	data[len(data)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(data)

	_, err = DecryptToken(tampered, "machine-123")
	if err != ErrInvalidCiphertext {
		t.Errorf("DecryptToken() with tampered ciphertext error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestDecryptToken_emptyMachineID verifies the default key round-trips
// when no machine id is configured.
func TestDecryptToken_emptyMachineID(t *testing.T) {
	sealed, err := EncryptToken("tok-secret", "")
	if err != nil {
		t.Fatalf("EncryptToken() error = %v", err)
	}

	opened, err := DecryptToken(sealed, "")
	if err != nil {
		t.Fatalf("DecryptToken() error = %v", err)
	}
	if opened != "tok-secret" {
		t.Errorf("DecryptToken() = %q, want %q", opened, "tok-secret")
	}
}

// TestDeriveKey_consistency verifies the same machine id always derives
// the same 32-byte key.
func TestDeriveKey_consistency(t *testing.T) {
	key1 := DeriveKey("machine-123")
	key2 := DeriveKey("machine-123")

	if string(key1) != string(key2) {
		t.Error("DeriveKey() produced different keys for the same machine id")
	}
	if len(key1) != 32 {
		t.Errorf("DeriveKey() key length = %d, want 32", len(key1))
	}
}

// TestDeriveKey_distinctMachines verifies different machine ids derive
// different keys.
func TestDeriveKey_distinctMachines(t *testing.T) {
	if string(DeriveKey("machine-1")) == string(DeriveKey("machine-2")) {
		t.Error("DeriveKey() produced the same key for different machine ids")
	}
}

// TestDeriveKey_emptyUsesDefault verifies the empty machine id maps to
// the fixed default key.
func TestDeriveKey_emptyUsesDefault(t *testing.T) {
	if string(DeriveKey("")) != string(DeriveKey("repbook-default-key")) {
		t.Error("DeriveKey(\"\") should match the explicit default machine id")
	}
}
