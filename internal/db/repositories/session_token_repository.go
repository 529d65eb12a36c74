// session_token_repository.go implements SessionTokenRepository, providing
// database queries for session token creation, active-token scans, revocation,
// and expired-row cleanup.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/quartermaster/quartermaster/internal/db/models"
)

// SessionTokenRepository handles session token database operations. Like
// APIKeyRepository it runs over sqlx.ExtContext so callers choose the
// transaction boundary.
type SessionTokenRepository struct {
	db sqlx.ExtContext
}

// NewSessionTokenRepository creates a new SessionTokenRepository
func NewSessionTokenRepository(db sqlx.ExtContext) *SessionTokenRepository {
	return &SessionTokenRepository{db: db}
}

const sessionTokenColumns = `id, owner_id, api_key_id, hashed_token, created_at, expires_at, last_used_at, revoked_at, ip_address, user_agent`

// Insert persists a new session token row, assigning ID and CreatedAt.
// ExpiresAt must already be set by the caller.
func (r *SessionTokenRepository) Insert(ctx context.Context, token *models.SessionToken) error {
	token.ID = uuid.New().String()
	token.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO session_tokens (id, owner_id, api_key_id, hashed_token, created_at, expires_at, last_used_at, revoked_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		token.ID,
		token.OwnerID,
		token.APIKeyID,
		token.HashedToken,
		token.CreatedAt,
		token.ExpiresAt,
		token.LastUsedAt,
		token.RevokedAt,
		token.IPAddress,
		token.UserAgent,
	)

	return err
}

// ListActiveByOwner retrieves all unrevoked session tokens for an owner,
// newest first. Expired-but-unswept rows are included — expiry is a read-time
// judgment made by the service against its own clock, not a storage filter,
// so a stalled sweeper can never extend a token's life.
func (r *SessionTokenRepository) ListActiveByOwner(ctx context.Context, ownerID int64) ([]*models.SessionToken, error) {
	query := `
		SELECT ` + sessionTokenColumns + `
		FROM session_tokens
		WHERE owner_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]*models.SessionToken, 0)
	for rows.Next() {
		token := &models.SessionToken{}
		err := rows.Scan(
			&token.ID,
			&token.OwnerID,
			&token.APIKeyID,
			&token.HashedToken,
			&token.CreatedAt,
			&token.ExpiresAt,
			&token.LastUsedAt,
			&token.RevokedAt,
			&token.IPAddress,
			&token.UserAgent,
		)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

// ListActive retrieves every unrevoked session token in the store, newest
// first, for the authentication scan. Expired rows are included and rejected
// by the service at read time.
func (r *SessionTokenRepository) ListActive(ctx context.Context) ([]*models.SessionToken, error) {
	query := `
		SELECT ` + sessionTokenColumns + `
		FROM session_tokens
		WHERE revoked_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]*models.SessionToken, 0)
	for rows.Next() {
		token := &models.SessionToken{}
		err := rows.Scan(
			&token.ID,
			&token.OwnerID,
			&token.APIKeyID,
			&token.HashedToken,
			&token.CreatedAt,
			&token.ExpiresAt,
			&token.LastUsedAt,
			&token.RevokedAt,
			&token.IPAddress,
			&token.UserAgent,
		)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

// ListByOwner retrieves all session tokens for an owner, revoked and expired
// included, newest first.
func (r *SessionTokenRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*models.SessionToken, error) {
	query := `
		SELECT ` + sessionTokenColumns + `
		FROM session_tokens
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]*models.SessionToken, 0)
	for rows.Next() {
		token := &models.SessionToken{}
		err := rows.Scan(
			&token.ID,
			&token.OwnerID,
			&token.APIKeyID,
			&token.HashedToken,
			&token.CreatedAt,
			&token.ExpiresAt,
			&token.LastUsedAt,
			&token.RevokedAt,
			&token.IPAddress,
			&token.UserAgent,
		)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, rows.Err()
}

// MarkRevoked sets revoked_at on an active token. Same single-statement
// semantics as APIKeyRepository.MarkRevoked: the condition and the write are
// one atomic statement, and false means missing, foreign, or already revoked.
func (r *SessionTokenRepository) MarkRevoked(ctx context.Context, id string, ownerID int64, at time.Time) (bool, error) {
	query := `
		UPDATE session_tokens
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

// TouchLastUsed updates the last_used_at timestamp for a session token
func (r *SessionTokenRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE session_tokens
		SET last_used_at = $2
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, id, at)
	return err
}

// PurgeExpired deletes tokens whose expiry passed before the cutoff and
// returns the number of rows removed. The background sweeper calls this with
// now minus the audit retention window, so recently expired tokens stay
// queryable for a while even though they no longer authenticate.
func (r *SessionTokenRepository) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM session_tokens
		WHERE expires_at < $1
	`

	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
