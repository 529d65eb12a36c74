// Package sessions implements the session token lifecycle: TTL-bounded
// issuance, validation, revocation, and expired-row sweeping.
//
// Session tokens share the API key credential format and storage discipline
// (bcrypt digest only, plaintext returned once) but carry a hard expiry.
// Expiry is a read-time judgment: Validate compares against its own clock, so
// an expired token stops authenticating the instant its lifetime elapses,
// whether or not the background sweeper has removed the row yet.
package sessions

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quartermaster/quartermaster/internal/audit"
	"github.com/quartermaster/quartermaster/internal/auth"
	"github.com/quartermaster/quartermaster/internal/config"
	"github.com/quartermaster/quartermaster/internal/crypto"
	"github.com/quartermaster/quartermaster/internal/db"
	"github.com/quartermaster/quartermaster/internal/db/models"
	"github.com/quartermaster/quartermaster/internal/db/repositories"
	"github.com/quartermaster/quartermaster/internal/safego"
	"github.com/quartermaster/quartermaster/internal/telemetry"
)

const credentialType = "session"

// IssueRequest carries the caller-supplied parameters for minting a session
// token. A nil TTL means "use the configured default"; anything above the
// configured maximum is clamped to it. An explicit TTL of zero or less is
// honored as given and yields a token that is already expired at creation.
type IssueRequest struct {
	OwnerID   int64
	APIKeyID  *string // Parent API key, when minted from one
	TTL       *time.Duration
	IPAddress *string // Request context recorded for audit
	UserAgent *string
}

// Service coordinates session token operations.
type Service struct {
	db       *sqlx.DB
	pool     *repositories.SessionTokenRepository
	prefix   string
	length   int
	cfg      config.SessionConfig
	cipher   *crypto.TokenCipher
	recorder *audit.Recorder

	// now is swappable for tests
	now func() time.Time
}

// NewService creates a session token service. Tokens are generated with the
// same prefix and payload length as API keys; the TTL policy comes from the
// session config. cipher may be nil, in which case origin metadata (client
// address, user agent) is stored as given; with a cipher it is AES-GCM sealed
// before it reaches storage and opened again only for the owner's listing.
func NewService(database *sqlx.DB, keyCfg config.APIKeyConfig, cfg config.SessionConfig, cipher *crypto.TokenCipher, recorder *audit.Recorder) *Service {
	return &Service{
		db:       database,
		pool:     repositories.NewSessionTokenRepository(database),
		prefix:   keyCfg.Prefix,
		length:   keyCfg.Length,
		cfg:      cfg,
		cipher:   cipher,
		recorder: recorder,
		now:      time.Now,
	}
}

// Issue mints a session token, persists its digest with the computed expiry,
// and returns the plaintext exactly once.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (string, *models.SessionToken, error) {
	plaintext, err := auth.GenerateKey(s.prefix, s.length)
	if err != nil {
		return "", nil, err
	}

	digest, err := auth.HashKey(plaintext)
	if err != nil {
		return "", nil, err
	}

	ipAddress, err := s.seal(req.IPAddress)
	if err != nil {
		return "", nil, err
	}
	userAgent, err := s.seal(req.UserAgent)
	if err != nil {
		return "", nil, err
	}

	token := &models.SessionToken{
		OwnerID:     req.OwnerID,
		APIKeyID:    req.APIKeyID,
		HashedToken: digest,
		ExpiresAt:   s.now().UTC().Add(s.effectiveTTL(req.TTL)),
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
	}

	err = db.WithinTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return repositories.NewSessionTokenRepository(tx).Insert(ctx, token)
	})
	if err != nil {
		return "", nil, err
	}

	telemetry.CredentialsIssuedTotal.WithLabelValues(credentialType).Inc()
	s.recorder.Record(audit.ActionSessionIssued, req.OwnerID, credentialType, token.ID, issueMetadata(req))

	return plaintext, token, nil
}

// Validate resolves a presented plaintext to its valid session token, or nil
// when it does not authenticate. Revoked and expired tokens fail identically
// to unknown ones; the error return carries storage failures only.
func (s *Service) Validate(ctx context.Context, plaintext string) (*models.SessionToken, error) {
	if !auth.ValidKeyFormat(plaintext) {
		s.observeFailure(nil)
		return nil, nil
	}

	active, err := s.pool.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, token := range active {
		if !auth.VerifyKey(plaintext, token.HashedToken) {
			continue
		}
		if !token.IsValid(now) {
			// Matched digest but past expiry. Same uniform failure as no
			// match at all.
			s.observeFailure(map[string]interface{}{"reason": "expired"})
			return nil, nil
		}
		telemetry.AuthAttemptsTotal.WithLabelValues(credentialType, "success").Inc()
		s.touchAsync(token.ID)
		return token, nil
	}

	s.observeFailure(map[string]interface{}{"reason": "no_match"})
	return nil, nil
}

// Revoke permanently deactivates a session token ahead of its expiry. Returns
// true only for the call that flipped the token; idempotent otherwise.
func (s *Service) Revoke(ctx context.Context, id string, ownerID int64) (bool, error) {
	revoked, err := s.pool.MarkRevoked(ctx, id, ownerID, s.now().UTC())
	if err != nil {
		return false, err
	}

	if revoked {
		telemetry.CredentialsRevokedTotal.WithLabelValues(credentialType).Inc()
		s.recorder.Record(audit.ActionSessionRevoked, ownerID, credentialType, id, nil)
	}
	return revoked, nil
}

// List returns all of an owner's session tokens, revoked and expired
// included, newest first. Sealed origin metadata is opened here and nowhere
// else: the listing is the one surface where the owner sees where their
// sessions came from.
func (s *Service) List(ctx context.Context, ownerID int64) ([]*models.SessionToken, error) {
	tokens, err := s.pool.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, token := range tokens {
		token.IPAddress = s.open(token.IPAddress)
		token.UserAgent = s.open(token.UserAgent)
	}
	return tokens, nil
}

// SweepExpired removes tokens whose expiry passed longer ago than the
// configured retention window and reports how many were purged. Called
// periodically by the background sweeper job; validity never depends on it.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.RetainExpiredFor)
	n, err := s.pool.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.SessionTokensSweptTotal.Add(float64(n))
	}
	return n, nil
}

// effectiveTTL applies the default-and-clamp policy to a requested TTL. An
// explicit zero or negative TTL passes through, producing a token that never
// validates.
func (s *Service) effectiveTTL(requested *time.Duration) time.Duration {
	if requested == nil {
		return s.cfg.DefaultTTL
	}
	if *requested > s.cfg.MaxTTL {
		return s.cfg.MaxTTL
	}
	return *requested
}

// seal encrypts an origin-metadata value when a cipher is configured. A
// sealing failure aborts issuance rather than letting plaintext slip into a
// column the deployment expects to be encrypted.
func (s *Service) seal(v *string) (*string, error) {
	if s.cipher == nil || v == nil {
		return v, nil
	}
	sealed, err := s.cipher.Seal(*v)
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

// open decrypts a sealed origin-metadata value for display. Rows that fail to
// open (written before the key existed, or under a rotated key) lose the
// field rather than failing the whole listing.
func (s *Service) open(v *string) *string {
	if s.cipher == nil || v == nil {
		return v
	}
	opened, err := s.cipher.Open(*v)
	if err != nil {
		return nil
	}
	return &opened
}

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

func issueMetadata(req IssueRequest) map[string]interface{} {
	meta := make(map[string]interface{})
	if req.IPAddress != nil {
		meta["ip_address"] = *req.IPAddress
	}
	if req.UserAgent != nil {
		meta["user_agent"] = *req.UserAgent
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
