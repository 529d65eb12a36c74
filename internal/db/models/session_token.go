package models

import "time"

// SessionToken represents a short-lived bearer credential with a hard expiry.
// Like APIKey, only the bcrypt digest is stored. A token may optionally be
// tied to the API key that minted it; deleting that key cascades to its
// sessions.
type SessionToken struct {
	ID          string
	OwnerID     int64
	APIKeyID    *string // Parent API key, when the session was minted from one
	HashedToken string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
	IPAddress   *string // Recorded at issuance for audit
	UserAgent   *string
}

// IsExpired reports whether the token's lifetime has elapsed at the given
// instant. Expiry is evaluated at read time — no background process is needed
// for an expired token to stop authenticating.
func (s *SessionToken) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsValid reports whether the token can authenticate at the given instant:
// not revoked and not expired.
func (s *SessionToken) IsValid(now time.Time) bool {
	return s.RevokedAt == nil && !s.IsExpired(now)
}
