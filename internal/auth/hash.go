package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/quartermaster/quartermaster/internal/telemetry"
)

// BcryptCost is the bcrypt work factor for all stored credential digests.
// Cost 12 keeps a single hash in the low hundreds of milliseconds on current
// hardware — slow enough to make offline brute force infeasible, fast enough
// not to stall an individual caller.
const BcryptCost = 12

// ErrInvalidKeyFormat is returned by HashKey when the plaintext does not match
// the credential format. Like ErrInvalidParameter it belongs to the
// caller-safe "invalid input" category.
var ErrInvalidKeyFormat = fmt.Errorf("%w: credential format is invalid", ErrInvalidParameter)

// normalize maps a plaintext credential onto a fixed-length byte string before
// bcrypt is applied. bcrypt silently ignores input past 72 bytes; a key with
// the maximum random payload exceeds that, so hashing the raw plaintext would
// make distinct long keys verify as equal. SHA-256 + base64 keeps every byte
// of the plaintext significant while staying well under the bcrypt limit.
func normalize(plaintext string) []byte {
	sum := sha256.Sum256([]byte(plaintext))
	return []byte(base64.RawStdEncoding.EncodeToString(sum[:]))
}

// HashKey derives a salted bcrypt digest for a plaintext credential. The
// plaintext must match the credential format (see ValidKeyFormat); anything
// else is rejected with ErrInvalidKeyFormat before any hashing work. The
// returned digest is self-describing — algorithm, cost, and salt are all
// encoded in it — so VerifyKey needs no side state.
func HashKey(plaintext string) (string, error) {
	if !ValidKeyFormat(plaintext) {
		return "", ErrInvalidKeyFormat
	}

	start := time.Now()
	digest, err := bcrypt.GenerateFromPassword(normalize(plaintext), BcryptCost)
	telemetry.HashDuration.WithLabelValues("hash").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return string(digest), nil
}

// VerifyKey reports whether plaintext matches a stored digest. The comparison
// runs in constant time via bcrypt. VerifyKey never returns an error: a
// malformed or truncated digest is logged as an anomaly and reported as a
// non-match, so storage corruption cannot be distinguished from a wrong key
// by the caller.
func VerifyKey(plaintext, digest string) bool {
	if plaintext == "" || digest == "" {
		return false
	}

	start := time.Now()
	err := bcrypt.CompareHashAndPassword([]byte(digest), normalize(plaintext))
	telemetry.HashDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	if err == nil {
		return true
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		slog.Warn("credential digest could not be parsed during verification", "error", err)
	}
	return false
}
