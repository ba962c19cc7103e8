// Package crypto provides AEAD encryption for stored credentials and
// HMAC signing for inbound requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	routex "github.com/routexhq/routex/internal"
)

// MinMasterLen is the minimum accepted master password length.
const MinMasterLen = 32

// argon2id parameters for key derivation.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	keyLen     = 32
)

// Cipher encrypts and decrypts string payloads with AES-256-GCM.
// The key is derived once at construction; encryption is CPU-only.
type Cipher struct {
	gcm cipher.AEAD
}

// New derives a 32-byte key from the master password with argon2id and
// returns a ready Cipher. When salt is empty a deterministic salt is derived
// from the password itself so restarts can decrypt existing rows.
func New(master string, salt []byte) (*Cipher, error) {
	if len(master) < MinMasterLen {
		return nil, fmt.Errorf("master password must be at least %d chars", MinMasterLen)
	}
	if len(salt) == 0 {
		sum := sha256.Sum256([]byte("routex-salt:" + master))
		salt = sum[:16]
	}

	key := argon2.IDKey([]byte(master), salt, kdfTime, kdfMemory, kdfThreads, keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals plain and returns "hex(iv):hex(tag):hex(ct)".
// The nonce is random, so two calls over the same input differ.
func (c *Cipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.gcm.Seal(nil, nonce, []byte(plain), nil)
	// Seal appends the tag after the ciphertext.
	tagAt := len(sealed) - c.gcm.Overhead()
	ct, tag := sealed[:tagAt], sealed[tagAt:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. Returns ErrBadCiphertext on any shape or
// authentication failure.
func (c *Cipher) Decrypt(enc string) (string, error) {
	parts := strings.Split(enc, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected 3 segments, got %d", routex.ErrBadCiphertext, len(parts))
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != c.gcm.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce", routex.ErrBadCiphertext)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != c.gcm.Overhead() {
		return "", fmt.Errorf("%w: bad tag", routex.ErrBadCiphertext)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext segment", routex.ErrBadCiphertext)
	}

	plain, err := c.gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", routex.ErrBadCiphertext, err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether s has the three-hex-segment ciphertext shape.
func IsEncrypted(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := hex.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

// Mask obscures the middle of s, keeping the first and last n characters.
// Strings of 2n or fewer characters are fully masked.
func Mask(s string, n int) string {
	if n <= 0 || len(s) <= 2*n {
		return strings.Repeat("*", len(s))
	}
	return s[:n] + "..." + s[len(s)-n:]
}
