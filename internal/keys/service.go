// Package keys implements the API key lifecycle: issuance, authentication,
// and revocation of long-lived bearer credentials.
//
// The service owns the transaction boundaries. Issuance stages the generated
// digest inside a transaction so a storage failure leaves no orphaned row and
// the plaintext is never returned for a credential that was not durably
// persisted. Authentication and revocation are single statements and run
// directly against the pool.
//
// Authentication failures are deliberately uniform: malformed input, an
// unknown credential, and a revoked credential all produce the same nil
// result. Distinguishing them would hand a probing client an oracle for which
// credentials exist.
package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quartermaster/quartermaster/internal/audit"
	"github.com/quartermaster/quartermaster/internal/auth"
	"github.com/quartermaster/quartermaster/internal/config"
	"github.com/quartermaster/quartermaster/internal/db"
	"github.com/quartermaster/quartermaster/internal/db/models"
	"github.com/quartermaster/quartermaster/internal/db/repositories"
	"github.com/quartermaster/quartermaster/internal/safego"
	"github.com/quartermaster/quartermaster/internal/telemetry"
)

const credentialType = "api_key"

// maxDescriptionLen matches the description column width.
const maxDescriptionLen = 255

// Service coordinates API key operations between the credential primitives
// and storage.
type Service struct {
	db       *sqlx.DB
	pool     *repositories.APIKeyRepository
	prefix   string
	length   int
	recorder *audit.Recorder

	// now is swappable for tests
	now func() time.Time
}

// NewService creates an API key service. recorder may be nil when auditing is
// disabled.
func NewService(database *sqlx.DB, cfg config.APIKeyConfig, recorder *audit.Recorder) *Service {
	return &Service{
		db:       database,
		pool:     repositories.NewAPIKeyRepository(database),
		prefix:   cfg.Prefix,
		length:   cfg.Length,
		recorder: recorder,
		now:      time.Now,
	}
}

// Issue generates a new API key for the owner, persists its digest, and
// returns the plaintext exactly once. The plaintext is never stored and never
// logged; losing the return value means re-issuing.
//
// A generation or hashing error surfaces as an invalid-parameter error
// (errors.Is(err, auth.ErrInvalidParameter)); a storage error rolls the
// transaction back and no credential exists afterwards.
func (s *Service) Issue(ctx context.Context, ownerID int64, description *string) (string, *models.APIKey, error) {
	if ownerID <= 0 {
		return "", nil, fmt.Errorf("%w: owner id must be positive", auth.ErrInvalidParameter)
	}
	if description != nil && len(*description) > maxDescriptionLen {
		return "", nil, fmt.Errorf("%w: description exceeds %d characters", auth.ErrInvalidParameter, maxDescriptionLen)
	}

	plaintext, err := auth.GenerateKey(s.prefix, s.length)
	if err != nil {
		return "", nil, err
	}

	digest, err := auth.HashKey(plaintext)
	if err != nil {
		return "", nil, err
	}

	key := &models.APIKey{
		OwnerID:     ownerID,
		HashedKey:   digest,
		Description: description,
	}

	err = db.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return repositories.NewAPIKeyRepository(tx).Insert(ctx, key)
	})
	if err != nil {
		return "", nil, err
	}

	telemetry.CredentialsIssuedTotal.WithLabelValues(credentialType).Inc()
	s.recorder.Record(audit.ActionKeyIssued, ownerID, credentialType, key.ID, nil)

	return plaintext, key, nil
}

// Authenticate resolves a presented plaintext to its active API key, or nil
// when the credential does not authenticate. The error return carries storage
// failures only — every authentication failure, whatever its cause, is the
// uniform (nil, nil).
//
// There is no digest lookup: bcrypt salts make equal plaintexts hash
// differently, so the verifier walks every active key and checks each digest.
// Cost scales with the number of live credentials, which is the accepted
// trade-off for salted storage.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*models.APIKey, error) {
	if !auth.ValidKeyFormat(plaintext) {
		s.observeFailure(nil)
		return nil, nil
	}

	active, err := s.pool.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	// TODO: store a non-secret lookup prefix alongside the digest so this
	// scan becomes an indexed fetch. Until then verification cost grows with
	// the number of active keys.
	for _, key := range active {
		if auth.VerifyKey(plaintext, key.HashedKey) {
			telemetry.AuthAttemptsTotal.WithLabelValues(credentialType, "success").Inc()
			s.touchAsync(key.ID)
			return key, nil
		}
	}

	s.observeFailure(map[string]interface{}{"reason": "no_match"})
	return nil, nil
}

// Revoke permanently deactivates a key. Returns true when this call flipped
// the key from active to revoked; false when the key is missing, owned by a
// different principal, or already revoked. Revocation is idempotent and
// monotonic — there is no path back to active.
func (s *Service) Revoke(ctx context.Context, id string, ownerID int64) (bool, error) {
	revoked, err := s.pool.MarkRevoked(ctx, id, ownerID, s.now().UTC())
	if err != nil {
		return false, err
	}

	if revoked {
		telemetry.CredentialsRevokedTotal.WithLabelValues(credentialType).Inc()
		s.recorder.Record(audit.ActionKeyRevoked, ownerID, credentialType, id, nil)
	}
	return revoked, nil
}

// List returns all of an owner's keys, revoked included, newest first.
func (s *Service) List(ctx context.Context, ownerID int64) ([]*models.APIKey, error) {
	return s.pool.ListByOwner(ctx, ownerID)
}

// Get returns a single key scoped to its owner, or nil when absent.
func (s *Service) Get(ctx context.Context, id string, ownerID int64) (*models.APIKey, error) {
	return s.pool.GetByIDForOwner(ctx, id, ownerID)
}

// touchAsync updates last_used_at without blocking the authentication path.
// The timestamp is best-effort: a lost update costs nothing but staleness in
// an advisory field.
func (s *Service) touchAsync(id string) {
	at := s.now().UTC()
	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.pool.TouchLastUsed(ctx, id, at)
	})
}

func (s *Service) observeFailure(metadata map[string]interface{}) {
	telemetry.AuthAttemptsTotal.WithLabelValues(credentialType, "failure").Inc()
	s.recorder.Record(audit.ActionAuthFailed, 0, credentialType, "", metadata)
}
