package sessions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/quartermaster/quartermaster/internal/auth"
	"github.com/quartermaster/quartermaster/internal/config"
	"github.com/quartermaster/quartermaster/internal/crypto"
)

var errDB = errors.New("database is down")

var sessionTokenCols = []string{
	"id", "owner_id", "api_key_id", "hashed_token",
	"created_at", "expires_at", "last_used_at", "revoked_at",
	"ip_address", "user_agent",
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { rawDB.Close() })

	svc := NewService(sqlx.NewDb(rawDB, "sqlmock"),
		config.APIKeyConfig{Prefix: "qm", Length: auth.DefaultKeyLength},
		config.SessionConfig{
			DefaultTTL:       time.Hour,
			MaxTTL:           24 * time.Hour,
			SweepInterval:    time.Hour,
			RetainExpiredFor: 720 * time.Hour,
		}, nil, nil)
	return svc, mock
}

// testCipher builds a deterministic-keyed cipher for origin metadata tests.
func testCipher(t *testing.T) *crypto.TokenCipher {
	t.Helper()
	cipher, err := crypto.NewTokenCipher([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("NewTokenCipher: %v", err)
	}
	return cipher
}

func ttl(d time.Duration) *time.Duration {
	return &d
}

func issuedDigest(t *testing.T) (string, string) {
	t.Helper()
	plaintext, err := auth.GenerateKey("qm", auth.DefaultKeyLength)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	digest, err := auth.HashKey(plaintext)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	return plaintext, digest
}

// ---------------------------------------------------------------------------
// Issue — TTL policy
// ---------------------------------------------------------------------------

func TestIssue_DefaultTTLApplied(t *testing.T) {
	svc, mock := newService(t)
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issuedAt }

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	plaintext, token, err := svc.Issue(context.Background(), IssueRequest{OwnerID: 42})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if !strings.HasPrefix(plaintext, "qm_") {
		t.Errorf("plaintext = %q, want qm_ prefix", plaintext)
	}
	if want := issuedAt.Add(time.Hour); !token.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", token.ExpiresAt, want)
	}
}

func TestIssue_RequestedTTLHonored(t *testing.T) {
	svc, mock := newService(t)
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issuedAt }

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, token, err := svc.Issue(context.Background(), IssueRequest{OwnerID: 42, TTL: ttl(15 * time.Minute)})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if want := issuedAt.Add(15 * time.Minute); !token.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", token.ExpiresAt, want)
	}
}

func TestIssue_OversizedTTLClampedToMax(t *testing.T) {
	svc, mock := newService(t)
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issuedAt }

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, token, err := svc.Issue(context.Background(), IssueRequest{OwnerID: 42, TTL: ttl(100 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if want := issuedAt.Add(24 * time.Hour); !token.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want clamp to max %v", token.ExpiresAt, want)
	}
}

func TestIssue_ZeroTTLExpiresAtCreation(t *testing.T) {
	svc, mock := newService(t)
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issuedAt }

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, token, err := svc.Issue(context.Background(), IssueRequest{OwnerID: 42, TTL: ttl(0)})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if !token.ExpiresAt.Equal(issuedAt) {
		t.Errorf("ExpiresAt = %v, want creation instant %v", token.ExpiresAt, issuedAt)
	}
	if token.IsValid(issuedAt) {
		t.Error("token with zero TTL must be invalid the moment it is created")
	}
}

func TestIssue_SealsOriginMetadata(t *testing.T) {
	svc, mock := newService(t)
	svc.cipher = testCipher(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ip := "203.0.113.7"
	ua := "curl/8.5.0"
	_, token, err := svc.Issue(context.Background(), IssueRequest{OwnerID: 42, IPAddress: &ip, UserAgent: &ua})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	if token.IPAddress == nil || *token.IPAddress == ip {
		t.Error("stored ip_address is missing or plaintext")
	}
	if token.UserAgent == nil || *token.UserAgent == ua {
		t.Error("stored user_agent is missing or plaintext")
	}

	opened, err := svc.cipher.Open(*token.IPAddress)
	if err != nil || opened != ip {
		t.Errorf("stored ip_address does not open back to the original: %q, %v", opened, err)
	}
}

func TestList_OpensOriginMetadata(t *testing.T) {
	svc, mock := newService(t)
	svc.cipher = testCipher(t)

	ip := "203.0.113.7"
	ua := "curl/8.5.0"
	sealedIP, err := svc.cipher.Seal(ip)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealedUA, err := svc.cipher.Seal(ua)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT.*FROM session_tokens.*WHERE owner_id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(sessionTokenCols).
			AddRow("tok-1", int64(42), nil, "digest", now, now.Add(time.Hour), nil, nil, sealedIP, sealedUA).
			AddRow("tok-2", int64(42), nil, "digest2", now, now.Add(time.Hour), nil, nil, "not-a-ciphertext", nil))

	tokens, err := svc.List(context.Background(), 42)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("List() returned %d tokens, want 2", len(tokens))
	}

	if tokens[0].IPAddress == nil || *tokens[0].IPAddress != ip {
		t.Errorf("IPAddress = %v, want opened %q", tokens[0].IPAddress, ip)
	}
	if tokens[0].UserAgent == nil || *tokens[0].UserAgent != ua {
		t.Errorf("UserAgent = %v, want opened %q", tokens[0].UserAgent, ua)
	}
	// A value that fails to open is dropped, not surfaced as garbage.
	if tokens[1].IPAddress != nil {
		t.Errorf("unopenable IPAddress = %q, want nil", *tokens[1].IPAddress)
	}
}

func TestIssue_StorageFailureRollsBack(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session_tokens").WillReturnError(errDB)
	mock.ExpectRollback()

	plaintext, token, err := svc.Issue(context.Background(), IssueRequest{OwnerID: 42})
	if err == nil {
		t.Fatal("Issue() expected error, got nil")
	}
	if plaintext != "" || token != nil {
		t.Error("Issue() leaked a credential despite storage failure")
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate_MatchesLiveToken(t *testing.T) {
	svc, mock := newService(t)
	plaintext, digest := issuedDigest(t)

	rows := sqlmock.NewRows(sessionTokenCols).
		AddRow("tok-1", int64(42), nil, digest,
			time.Now(), time.Now().Add(time.Hour), nil, nil, nil, nil)
	mock.ExpectQuery("SELECT.*FROM session_tokens.*WHERE revoked_at IS NULL").WillReturnRows(rows)
	mock.ExpectExec("UPDATE session_tokens.*SET last_used_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.MatchExpectationsInOrder(false)

	token, err := svc.Validate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if token == nil {
		t.Fatal("Validate() = nil for a live token")
	}
	if token.ID != "tok-1" {
		t.Errorf("token ID = %s, want tok-1", token.ID)
	}
}

func TestValidate_ExpiredUnsweptTokenRejected(t *testing.T) {
	// The row is still on disk (sweeper has not run) but its lifetime has
	// elapsed. Validation must fail purely on the clock.
	svc, mock := newService(t)
	plaintext, digest := issuedDigest(t)

	rows := sqlmock.NewRows(sessionTokenCols).
		AddRow("tok-1", int64(42), nil, digest,
			time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour), nil, nil, nil, nil)
	mock.ExpectQuery("SELECT.*FROM session_tokens").WillReturnRows(rows)

	token, err := svc.Validate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if token != nil {
		t.Error("Validate() accepted an expired token")
	}
}

func TestValidate_ExpiryBoundaryIsExclusive(t *testing.T) {
	svc, mock := newService(t)
	plaintext, digest := issuedDigest(t)

	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return expiry } // exactly the expiry instant

	rows := sqlmock.NewRows(sessionTokenCols).
		AddRow("tok-1", int64(42), nil, digest,
			expiry.Add(-time.Hour), expiry, nil, nil, nil, nil)
	mock.ExpectQuery("SELECT.*FROM session_tokens").WillReturnRows(rows)

	token, err := svc.Validate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if token != nil {
		t.Error("Validate() accepted a token at exactly its expiry instant")
	}
}

func TestValidate_UnknownTokenReturnsNil(t *testing.T) {
	svc, mock := newService(t)
	_, digest := issuedDigest(t)

	rows := sqlmock.NewRows(sessionTokenCols).
		AddRow("tok-1", int64(42), nil, digest,
			time.Now(), time.Now().Add(time.Hour), nil, nil, nil, nil)
	mock.ExpectQuery("SELECT.*FROM session_tokens").WillReturnRows(rows)

	token, err := svc.Validate(context.Background(), "qm_doesNotMatchAnything42")
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if token != nil {
		t.Error("Validate() matched a token that was never issued")
	}
}

func TestValidate_MalformedInputSkipsStorage(t *testing.T) {
	svc, _ := newService(t)
	token, err := svc.Validate(context.Background(), "not a token")
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if token != nil {
		t.Error("Validate() = non-nil for malformed input")
	}
}

func TestValidate_StorageErrorPropagates(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT.*FROM session_tokens").WillReturnError(errDB)

	if _, err := svc.Validate(context.Background(), "qm_wellFormedCredential1"); err == nil {
		t.Error("Validate() expected storage error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Revoke
// ---------------------------------------------------------------------------

func TestRevoke_ActiveToken(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec("UPDATE session_tokens.*SET revoked_at.*revoked_at IS NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	revoked, err := svc.Revoke(context.Background(), "tok-1", 42)
	if err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if !revoked {
		t.Error("Revoke() = false, want true for an active token")
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec("UPDATE session_tokens.*SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	revoked, err := svc.Revoke(context.Background(), "tok-1", 42)
	if err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if revoked {
		t.Error("Revoke() = true for an already-revoked token")
	}
}

// ---------------------------------------------------------------------------
// SweepExpired
// ---------------------------------------------------------------------------

func TestSweepExpired_UsesRetentionCutoff(t *testing.T) {
	svc, mock := newService(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	mock.ExpectExec("DELETE FROM session_tokens.*WHERE expires_at").
		WithArgs(now.Add(-720 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := svc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired() error: %v", err)
	}
	if n != 4 {
		t.Errorf("SweepExpired() = %d, want 4", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSweepExpired_StorageError(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec("DELETE FROM session_tokens").WillReturnError(errDB)

	if _, err := svc.SweepExpired(context.Background()); err == nil {
		t.Error("SweepExpired() expected error, got nil")
	}
}
