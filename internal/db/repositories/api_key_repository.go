// api_key_repository.go implements APIKeyRepository, providing database queries
// for API key creation, active-key scans, revocation, and last-used timestamp
// updates.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quartermaster/quartermaster/internal/db/models"
)

// APIKeyRepository handles API key database operations.
//
// The db field is sqlx.ExtContext, which both *sqlx.DB and *sqlx.Tx satisfy,
// so the caller decides the transaction boundary: services run multi-statement
// flows through db.WithinTx and pass the *sqlx.Tx in; single-statement calls
// go straight to the pool.
type APIKeyRepository struct {
	db sqlx.ExtContext
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db sqlx.ExtContext) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, owner_id, hashed_key, description, created_at, last_used_at, revoked_at`

// Insert persists a new API key row. The ID and CreatedAt fields are assigned
// here so callers never ship half-initialized rows.
func (r *APIKeyRepository) Insert(ctx context.Context, key *models.APIKey) error {
	key.ID = uuid.New().String()
	key.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO api_keys (id, owner_id, hashed_key, description, created_at, last_used_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.OwnerID,
		key.HashedKey,
		key.Description,
		key.CreatedAt,
		key.LastUsedAt,
		key.RevokedAt,
	)

	return err
}

// ListActiveByOwner retrieves all unrevoked API keys for an owner, newest
// first. Authentication verifies the presented plaintext against each digest
// in this set.
func (r *APIKeyRepository) ListActiveByOwner(ctx context.Context, ownerID int64) ([]*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE owner_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		key := &models.APIKey{}
		err := rows.Scan(
			&key.ID,
			&key.OwnerID,
			&key.HashedKey,
			&key.Description,
			&key.CreatedAt,
			&key.LastUsedAt,
			&key.RevokedAt,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// ListActive retrieves every unrevoked API key in the store, newest first.
// Authentication presents only a bearer plaintext — no owner hint — so the
// verifier walks this full set. The digest is salted, which rules out a
// hash-equality lookup; the partial index keeps the scan bounded by live
// credentials.
func (r *APIKeyRepository) ListActive(ctx context.Context) ([]*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		key := &models.APIKey{}
		err := rows.Scan(
			&key.ID,
			&key.OwnerID,
			&key.HashedKey,
			&key.Description,
			&key.CreatedAt,
			&key.LastUsedAt,
			&key.RevokedAt,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// ListByOwner retrieves all API keys for an owner, revoked included, newest
// first.
func (r *APIKeyRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		key := &models.APIKey{}
		err := rows.Scan(
			&key.ID,
			&key.OwnerID,
			&key.HashedKey,
			&key.Description,
			&key.CreatedAt,
			&key.LastUsedAt,
			&key.RevokedAt,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// GetByIDForOwner retrieves a single API key scoped to its owner. Returns
// (nil, nil) when no such key exists for that owner — a key ID belonging to a
// different owner is indistinguishable from a missing one.
func (r *APIKeyRepository) GetByIDForOwner(ctx context.Context, id string, ownerID int64) (*models.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE id = $1 AND owner_id = $2
	`

	key := &models.APIKey{}
	err := r.db.QueryRowxContext(ctx, query, id, ownerID).Scan(
		&key.ID,
		&key.OwnerID,
		&key.HashedKey,
		&key.Description,
		&key.CreatedAt,
		&key.LastUsedAt,
		&key.RevokedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return key, nil
}

// MarkRevoked sets revoked_at on an active key. The WHERE clause carries the
// full decision: only a currently-active key owned by ownerID is updated, so
// concurrent revocations race harmlessly — exactly one caller sees true.
// Returns false when the key is missing, owned by someone else, or already
// revoked.
func (r *APIKeyRepository) MarkRevoked(ctx context.Context, id string, ownerID int64, at time.Time) (bool, error) {
	query := `
		UPDATE api_keys
		SET revoked_at = $3
		WHERE id = $1 AND owner_id = $2 AND revoked_at IS NULL
	`

	res, err := r.db.ExecContext(ctx, query, id, ownerID, at)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchLastUsed updates the last_used_at timestamp for an API key
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE api_keys
		SET last_used_at = $2
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, id, at)
	return err
}
