package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// apiKeyHashParams defines the OWASP-minimum Argon2id parameters used for
// API key hashing. Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var apiKeyHashParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashAPIKey returns an Argon2id PHC-format hash of a plaintext API key.
// Format: $argon2id$v=19$m=47104,t=1,p=1$<salt>$<hash>
func HashAPIKey(plaintext string) (string, error) {
	return argon2id.CreateHash(plaintext, apiKeyHashParams)
}

// SHA256Hex returns the hex-encoded SHA-256 digest of s, used to build
// short-lived cache keys from tokens and API keys without storing the
// plaintext value (jwt:<sha256(token)[:16]>, api_key_validation:<...>).
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// DetectHashType identifies the hashing scheme used for a stored hash.
// Returns "argon2id" for PHC format, "sha256" for a sha256:-prefixed or
// bare 64-char hex legacy hash, "unknown" otherwise.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyAPIKeyHash verifies a plaintext key against a stored hash, matching
// the candidate set by iterating and comparing each hash with the
// password-hash verify primitive (APIKeyManager.validate in the gateway's
// component design). Supports Argon2id and the legacy sha256 fallback used
// while migrating previously issued keys.
func VerifyAPIKeyHash(plaintext, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(plaintext, storedHash)
	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := SHA256Hex(plaintext)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	default:
		return false, fmt.Errorf("unrecognized hash format")
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery: the underlying library panics on malformed parameter strings
// (e.g. t=0, p=0), and a corrupted stored hash must never crash a
// validation request.
func safeArgon2idCompare(plaintext, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(plaintext, storedHash)
}
