package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"authkit/pkg/logging"
)

const (
	// keyIterations is the PBKDF2 iteration count for key derivation.
	keyIterations = 100000

	// keyLength is the derived key length in bytes (AES-256).
	keyLength = 32

	// fallbackPrefix marks blobs produced by the reversible fallback
	// encoding. The prefix makes fallback data detectable on decrypt and in
	// tests.
	fallbackPrefix = "fb:"
)

// Cipher performs authenticated encryption of opaque strings for storage.
//
// The key is derived once (PBKDF2-SHA256, 100k iterations) from an
// application secret and a fixed salt, then cached for the process lifetime.
// Each Encrypt call uses a fresh random nonce; the blob layout is
// base64(nonce ‖ ciphertext).
//
// When the AEAD cannot be constructed, the cipher degrades to a reversible
// base64 encoding. The degradation is explicit: it is logged at WARN once and
// exposed through FallbackActive so tests and operators can detect when
// secrets are effectively unencrypted. Availability wins over confidentiality
// here; silent data loss is not an option.
type Cipher struct {
	aead     cipher.AEAD
	fallback bool

	warnOnce sync.Once
}

// Option configures a Cipher.
type Option func(*options)

type options struct {
	forceFallback bool
}

// WithoutAEAD forces the reversible fallback encoding. This exists for tests
// that need to exercise the degraded path deterministically.
func WithoutAEAD() Option {
	return func(o *options) {
		o.forceFallback = true
	}
}

// NewCipher derives the symmetric key from the application secret and salt
// and constructs the AEAD. Construction failure does not return an error:
// the cipher falls back to reversible encoding and records the mode.
func NewCipher(secret, salt string, opts ...Option) *Cipher {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cipher{}

	if o.forceFallback {
		c.fallback = true
		return c
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		c.fallback = true
		logging.Warn("Crypto", "AES cipher unavailable, falling back to reversible encoding: %v", err)
		return c
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		c.fallback = true
		logging.Warn("Crypto", "AES-GCM unavailable, falling back to reversible encoding: %v", err)
		return c
	}

	c.aead = aead
	return c
}

// FallbackActive reports whether the cipher is operating in the reversible
// fallback mode, i.e. values it produces are encoded but not encrypted.
func (c *Cipher) FallbackActive() bool {
	return c.fallback
}

// Encrypt encrypts a plaintext string for storage. In fallback mode the
// result is a marked reversible encoding instead of ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c.fallback {
		c.warnOnce.Do(func() {
			logging.Warn("Crypto", "Encrypting with reversible fallback encoding; stored values are NOT confidential")
		})
		return fallbackPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. On any failure (wrong key, corrupted blob, data
// written by a fallback-mode process) it attempts the reversible decoding
// before giving up; if nothing applies, the original blob is returned
// unchanged rather than destroyed.
func (c *Cipher) Decrypt(blob string) string {
	if decoded, ok := decodeFallback(blob); ok {
		return decoded
	}

	if c.aead != nil {
		if plaintext, ok := c.decryptAEAD(blob); ok {
			return plaintext
		}
	}

	return blob
}

// decryptAEAD attempts AEAD decryption of a base64 nonce‖ciphertext blob.
func (c *Cipher) decryptAEAD(blob string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", false
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", false
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", false
	}

	return string(plaintext), true
}

// decodeFallback decodes a fallback-marked blob.
func decodeFallback(blob string) (string, bool) {
	if !strings.HasPrefix(blob, fallbackPrefix) {
		return "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, fallbackPrefix))
	if err != nil {
		return "", false
	}

	return string(decoded), true
}
