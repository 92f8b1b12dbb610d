package crypto

import (
	"strings"
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	hash := HashAPIKey("sk-test-key")

	if hash != HashAPIKey("sk-test-key") {
		t.Error("hash is not deterministic")
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}
	if hash == HashAPIKey("sk-other-key") {
		t.Error("different keys hashed to the same value")
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor("deployment-secret")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"provider key", "sk-ant-customer-key"},
		{"credentials json", `{"provider":"anthropic","key":"sk-123"}`},
		{"empty", ""},
		{"long", strings.Repeat("x", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			opened, err := enc.Decrypt(sealed)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("round trip = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestEncryptor_NonceRandomized(t *testing.T) {
	enc, err := NewEncryptor("deployment-secret")
	if err != nil {
		t.Fatal(err)
	}

	first, _ := enc.Encrypt("same plaintext")
	second, _ := enc.Encrypt("same plaintext")
	if first == second {
		t.Error("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestEncryptor_RejectsBadCiphertext(t *testing.T) {
	enc, err := NewEncryptor("deployment-secret")
	if err != nil {
		t.Fatal(err)
	}

	for _, sealed := range []string{
		"not base64 !!!",
		"YWJj", // shorter than a nonce
		"dGFtcGVyZWQgZGF0YSB0aGF0IGlzIGxvbmcgZW5vdWdo",
	} {
		if _, err := enc.Decrypt(sealed); err == nil {
			t.Errorf("Decrypt(%q) succeeded on invalid input", sealed)
		}
	}
}

func TestEncryptor_KeysDoNotInterchange(t *testing.T) {
	a, _ := NewEncryptor("secret-a")
	b, _ := NewEncryptor("secret-b")

	sealed, err := a.Encrypt("byok credentials")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(sealed); err == nil {
		t.Error("decrypting with a different deployment secret should fail")
	}
}
