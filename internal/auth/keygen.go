// Package auth provides the credential primitives for Quartermaster: secure key
// material generation and bcrypt hashing/verification for API keys and session
// tokens. These are pure functions with no storage dependencies — persistence
// and lifecycle semantics live in internal/keys and internal/sessions, which
// build on top of them. See internal/middleware/auth.go for the request-time
// authentication path.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultKeyPrefix is prepended to generated credentials when the caller
	// does not configure one.
	DefaultKeyPrefix = "qm"

	// DefaultKeyLength is the number of random bytes in the key payload.
	// 32 bytes gives 256 bits of entropy, well above the 128-bit floor.
	DefaultKeyLength = 32

	// MinKeyLength and MaxKeyLength bound the random payload size in bytes.
	MinKeyLength = 16
	MaxKeyLength = 64
)

// ErrInvalidParameter is the sentinel for caller-supplied values rejected
// before any hashing or persistence is attempted. Errors in this category are
// safe to surface to the caller verbatim.
var ErrInvalidParameter = fmt.Errorf("invalid parameter")

// keyPattern is the wire format of every credential this service issues:
// a sanitized prefix, an underscore, and a URL-safe base64 payload.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+_[A-Za-z0-9_-]+$`)

// prefixSanitizer strips everything except alphanumerics and underscores from
// a caller-supplied prefix.
var prefixSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// GenerateKey creates a new credential in the form {prefix}_{random}.
//
// The prefix is sanitized to [A-Za-z0-9_]; if nothing survives sanitization
// the call fails with ErrInvalidParameter. length is the number of random
// bytes drawn from crypto/rand and must lie in [MinKeyLength, MaxKeyLength].
// The random payload is RawURLEncoding base64, so the full key always matches
// ValidKeyFormat. Output is never reproducible and never derived from
// caller-controlled data.
func GenerateKey(prefix string, length int) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		return "", fmt.Errorf("%w: prefix must be a non-empty string", ErrInvalidParameter)
	}
	if length < MinKeyLength || length > MaxKeyLength {
		return "", fmt.Errorf("%w: length must be between %d and %d", ErrInvalidParameter, MinKeyLength, MaxKeyLength)
	}

	cleanPrefix := prefixSanitizer.ReplaceAllString(strings.TrimSpace(prefix), "")
	if cleanPrefix == "" {
		return "", fmt.Errorf("%w: prefix contains no valid characters", ErrInvalidParameter)
	}

	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return fmt.Sprintf("%s_%s", cleanPrefix, base64.RawURLEncoding.EncodeToString(randomBytes)), nil
}

// ValidKeyFormat reports whether a candidate plaintext has the structural form
// of an issued credential. Authentication paths call this before any bcrypt
// work so malformed probes are rejected without burning CPU.
func ValidKeyFormat(plaintext string) bool {
	return keyPattern.MatchString(plaintext)
}
