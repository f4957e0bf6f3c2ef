package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestCipher_RoundTrip(t *testing.T) {
	c := NewCipher("test-secret", "test-salt")

	if c.FallbackActive() {
		t.Fatal("Expected AEAD mode, got fallback")
	}

	inputs := []string{
		"",
		"hello",
		"{\"access_token\":\"abc\",\"expires_at\":\"2026-01-01T00:00:00Z\"}",
		"unicode: héllo wörld ütf-8 ☂ 日本語",
		strings.Repeat("long-", 1000),
	}

	for _, input := range inputs {
		blob, err := c.Encrypt(input)
		if err != nil {
			t.Fatalf("Encrypt(%q) failed: %v", input, err)
		}

		if input != "" && blob == input {
			t.Errorf("Encrypt(%q) returned plaintext unchanged", input)
		}

		if got := c.Decrypt(blob); got != input {
			t.Errorf("Decrypt(Encrypt(%q)) = %q", input, got)
		}
	}
}

func TestCipher_FreshNoncePerCall(t *testing.T) {
	c := NewCipher("test-secret", "test-salt")

	first, err := c.Encrypt("same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Encrypt("same plaintext")
	if err != nil {
		t.Fatal(err)
	}

	if first == second {
		t.Error("Two encryptions of the same plaintext produced identical blobs")
	}
}

func TestCipher_FallbackRoundTrip(t *testing.T) {
	c := NewCipher("test-secret", "test-salt", WithoutAEAD())

	if !c.FallbackActive() {
		t.Fatal("Expected fallback mode to be active")
	}

	input := "sensitive but merely encoded"
	blob, err := c.Encrypt(input)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if !strings.HasPrefix(blob, "fb:") {
		t.Errorf("Fallback blob missing marker prefix: %q", blob)
	}

	if got := c.Decrypt(blob); got != input {
		t.Errorf("Decrypt(Encrypt(%q)) = %q in fallback mode", input, got)
	}
}

func TestCipher_DecryptFallbackDataWithAEAD(t *testing.T) {
	// Data written by a fallback-mode process must remain readable once the
	// AEAD becomes available again.
	fb := NewCipher("test-secret", "test-salt", WithoutAEAD())
	blob, err := fb.Encrypt("written during degradation")
	if err != nil {
		t.Fatal(err)
	}

	full := NewCipher("test-secret", "test-salt")
	if got := full.Decrypt(blob); got != "written during degradation" {
		t.Errorf("AEAD cipher failed to read fallback blob: got %q", got)
	}
}

func TestCipher_DecryptCorruptedBlobReturnsInput(t *testing.T) {
	c := NewCipher("test-secret", "test-salt")

	cases := []string{
		"not base64 at all !!!",
		base64.StdEncoding.EncodeToString([]byte("too short")),
		base64.StdEncoding.EncodeToString(make([]byte, 64)), // wrong key / garbage
	}

	for _, blob := range cases {
		if got := c.Decrypt(blob); got != blob {
			t.Errorf("Decrypt(%q) = %q, want input unchanged", blob, got)
		}
	}
}

func TestCipher_WrongKeyReturnsInput(t *testing.T) {
	a := NewCipher("secret-a", "salt")
	b := NewCipher("secret-b", "salt")

	blob, err := a.Encrypt("for a's eyes only")
	if err != nil {
		t.Fatal(err)
	}

	if got := b.Decrypt(blob); got != blob {
		t.Errorf("Decrypt with wrong key = %q, want blob unchanged", got)
	}
}
