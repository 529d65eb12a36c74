// Package models defines the database model types for the credential store.
// Each type corresponds to a database table. Models are pure data types —
// business logic belongs in the service layer, query logic belongs in the
// repositories layer; the only methods here are derived-state predicates that
// any caller holding a row may need.
package models

import "time"

// APIKey represents a long-lived bearer credential. Only the bcrypt digest of
// the plaintext is stored; the plaintext exists solely in the issuance
// response.
type APIKey struct {
	ID          string
	OwnerID     int64      // External principal identifier; not a foreign key
	HashedKey   string     // Bcrypt digest of the full key
	Description *string    // Optional human-friendly label (e.g., "CI pipeline key")
	CreatedAt   time.Time
	LastUsedAt  *time.Time // Best-effort; updated asynchronously after authentication
	RevokedAt   *time.Time // NULL while active; set once and never cleared
}

// IsActive reports whether the key can still authenticate. Revocation is
// monotonic: once RevokedAt is set the key is dead permanently.
func (k *APIKey) IsActive() bool {
	return k.RevokedAt == nil
}
