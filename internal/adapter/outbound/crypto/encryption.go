// Package crypto implements EncryptionManager (component A): authenticated
// symmetric encryption of refresh/access/id tokens and arbitrary payloads
// at rest, with per-encryption key derivation from a master secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen = 16 // 128 bits
	ivLen   = 16 // 128 bits
	keyLen  = 32 // 256 bits

	// DefaultTokenIterations is the PBKDF2 round count used for tokens,
	// which are already signed by the issuer — a lower cost is
	// acceptable because a break here does not forge a credential.
	DefaultTokenIterations = 1000
	// HighValueIterations is used for data with no independent integrity
	// guarantee of its own.
	HighValueIterations = 100_000
)

// ErrDecryptionFailed is the single opaque error returned for any
// verification failure, by design: callers must not learn whether the MAC,
// the padding, or the AEAD tag was the one that failed.
var ErrDecryptionFailed = errors.New("decryption failed")

// Manager implements EncryptionManager over AES-256-GCM (AEAD). A
// CBC+HMAC encrypt-then-MAC fallback is not needed here because Go's
// standard library provides a GCM AEAD primitive directly.
type Manager struct {
	mu         sync.RWMutex
	masterKey  []byte
	iterations int
}

// NewManager derives a Manager from a master secret (bytes) and an
// iteration count for PBKDF2 key derivation.
func NewManager(masterSecret []byte, iterations int) *Manager {
	if iterations <= 0 {
		iterations = DefaultTokenIterations
	}
	key := make([]byte, len(masterSecret))
	copy(key, masterSecret)
	return &Manager{masterKey: key, iterations: iterations}
}

// GenerateMasterKey produces 256 random bits, base64url-encoded.
func GenerateMasterKey() (string, error) {
	b := make([]byte, keyLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Encrypt seals plaintext, returning a base64url-encoded
// salt||iv||ciphertext (the GCM tag is appended to the ciphertext by
// cipher.AEAD.Seal).
func (m *Manager) Encrypt(plaintext []byte) (string, error) {
	m.mu.RLock()
	master := m.masterKey
	iterations := m.iterations
	m.mu.RUnlock()
	if master == nil {
		return "", errors.New("encryption manager destroyed")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key(master, salt, iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	// GCM's standard nonce size is 12 bytes; reuse the first 12 bytes of
	// our 128-bit IV so the wire layout stays salt||iv||ciphertext.
	nonce := iv[:gcm.NonceSize()]
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := append(append(salt, iv...), ciphertext...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any verification failure — malformed input,
// wrong key, tampered ciphertext — returns ErrDecryptionFailed and nothing
// else, never indicating which check failed.
func (m *Manager) Decrypt(blob string) ([]byte, error) {
	m.mu.RLock()
	master := m.masterKey
	iterations := m.iterations
	m.mu.RUnlock()
	if master == nil {
		return nil, ErrDecryptionFailed
	}

	raw, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil || len(raw) < saltLen+ivLen {
		return nil, ErrDecryptionFailed
	}
	salt := raw[:saltLen]
	iv := raw[saltLen : saltLen+ivLen]
	ciphertext := raw[saltLen+ivLen:]

	key := pbkdf2.Key(master, salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(iv) < gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	nonce := iv[:gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Verify reports whether blob decrypts successfully, without exposing the
// plaintext, used for integrity checks.
func (m *Manager) Verify(blob string) bool {
	_, err := m.Decrypt(blob)
	return err == nil
}

// Destroy overwrites the in-memory master key reference. Go's garbage
// collector may retain copies elsewhere; this is best-effort, as the
// component design allows for languages without explicit zeroing.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.masterKey {
		m.masterKey[i] = 0
	}
	m.masterKey = nil
}
