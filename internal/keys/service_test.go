package keys

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/quartermaster/quartermaster/internal/auth"
	"github.com/quartermaster/quartermaster/internal/config"
	"github.com/quartermaster/quartermaster/internal/db/models"
)

var errDB = errors.New("database is down")

var apiKeyCols = []string{
	"id", "owner_id", "hashed_key", "description",
	"created_at", "last_used_at", "revoked_at",
}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { rawDB.Close() })

	svc := NewService(sqlx.NewDb(rawDB, "sqlmock"), config.APIKeyConfig{
		Prefix: "qm",
		Length: auth.DefaultKeyLength,
	}, nil)
	return svc, mock
}

// issuedDigest generates a real credential and digest pair for scan tests.
// Hashing at cost 12 is slow by design, so helpers share results where a test
// allows it.
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
// Issue
// ---------------------------------------------------------------------------

func TestIssue_ReturnsPlaintextOnce(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO api_keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	plaintext, key, err := svc.Issue(context.Background(), 42, nil)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if !strings.HasPrefix(plaintext, "qm_") {
		t.Errorf("plaintext = %q, want qm_ prefix", plaintext)
	}
	if key.OwnerID != 42 {
		t.Errorf("OwnerID = %d, want 42", key.OwnerID)
	}
	if key.HashedKey == "" || strings.Contains(key.HashedKey, plaintext) {
		t.Error("stored digest missing or contains the plaintext")
	}
	if !auth.VerifyKey(plaintext, key.HashedKey) {
		t.Error("returned plaintext does not verify against the stored digest")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIssue_StorageFailureRollsBack(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO api_keys").WillReturnError(errDB)
	mock.ExpectRollback()

	plaintext, key, err := svc.Issue(context.Background(), 42, nil)
	if err == nil {
		t.Fatal("Issue() expected error, got nil")
	}
	if plaintext != "" || key != nil {
		t.Error("Issue() leaked a credential despite storage failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIssue_InvalidConfiguredLength(t *testing.T) {
	rawDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { rawDB.Close() })

	svc := NewService(sqlx.NewDb(rawDB, "sqlmock"), config.APIKeyConfig{Prefix: "qm", Length: 8}, nil)
	_, _, issueErr := svc.Issue(context.Background(), 42, nil)
	if !errors.Is(issueErr, auth.ErrInvalidParameter) {
		t.Errorf("Issue() error = %v, want ErrInvalidParameter", issueErr)
	}
}

func TestIssue_RejectsNonPositiveOwner(t *testing.T) {
	svc, _ := newService(t)
	for _, ownerID := range []int64{0, -1} {
		_, _, err := svc.Issue(context.Background(), ownerID, nil)
		if !errors.Is(err, auth.ErrInvalidParameter) {
			t.Errorf("Issue(ownerID=%d) error = %v, want ErrInvalidParameter", ownerID, err)
		}
	}
}

func TestIssue_DescriptionLengthBoundary(t *testing.T) {
	svc, mock := newService(t)

	long := strings.Repeat("x", 256)
	if _, _, err := svc.Issue(context.Background(), 42, &long); !errors.Is(err, auth.ErrInvalidParameter) {
		t.Errorf("Issue(256-char description) error = %v, want ErrInvalidParameter", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO api_keys").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	exact := strings.Repeat("x", 255)
	if _, _, err := svc.Issue(context.Background(), 42, &exact); err != nil {
		t.Errorf("Issue(255-char description) error = %v, want success", err)
	}
}

// ---------------------------------------------------------------------------
// Authenticate
// ---------------------------------------------------------------------------

func TestAuthenticate_MatchesCorrectKey(t *testing.T) {
	svc, mock := newService(t)
	plaintext, digest := issuedDigest(t)
	_, otherDigest := issuedDigest(t)

	rows := sqlmock.NewRows(apiKeyCols).
		AddRow("key-other", int64(7), otherDigest, nil, time.Now(), nil, nil).
		AddRow("key-mine", int64(42), digest, nil, time.Now(), nil, nil)
	mock.ExpectQuery("SELECT.*FROM api_keys.*WHERE revoked_at IS NULL").WillReturnRows(rows)
	// Async last-used touch may or may not land before the test ends.
	mock.ExpectExec("UPDATE api_keys.*SET last_used_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.MatchExpectationsInOrder(false)

	key, err := svc.Authenticate(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if key == nil {
		t.Fatal("Authenticate() = nil for a valid credential")
	}
	if key.ID != "key-mine" {
		t.Errorf("matched key ID = %s, want key-mine", key.ID)
	}
}

func TestAuthenticate_UnknownKeyReturnsNil(t *testing.T) {
	svc, mock := newService(t)
	_, digest := issuedDigest(t)

	rows := sqlmock.NewRows(apiKeyCols).
		AddRow("key-1", int64(42), digest, nil, time.Now(), nil, nil)
	mock.ExpectQuery("SELECT.*FROM api_keys").WillReturnRows(rows)

	key, err := svc.Authenticate(context.Background(), "qm_doesNotMatchAnything42")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if key != nil {
		t.Error("Authenticate() matched a credential that was never issued")
	}
}

func TestAuthenticate_MalformedInputSkipsStorage(t *testing.T) {
	svc, _ := newService(t)
	// No query expectation: malformed input must be rejected before any
	// storage round-trip.
	key, err := svc.Authenticate(context.Background(), "no-separator")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if key != nil {
		t.Error("Authenticate() = non-nil for malformed input")
	}
}

func TestAuthenticate_EmptyInput(t *testing.T) {
	svc, _ := newService(t)
	key, err := svc.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if key != nil {
		t.Error("Authenticate() = non-nil for empty input")
	}
}

func TestAuthenticate_StorageErrorPropagates(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys").WillReturnError(errDB)

	_, err := svc.Authenticate(context.Background(), "qm_wellFormedCredential1")
	if err == nil {
		t.Error("Authenticate() expected storage error, got nil")
	}
}

func TestAuthenticate_NoActiveKeys(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys").WillReturnRows(sqlmock.NewRows(apiKeyCols))

	key, err := svc.Authenticate(context.Background(), "qm_wellFormedCredential1")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if key != nil {
		t.Error("Authenticate() = non-nil with no active keys")
	}
}

// ---------------------------------------------------------------------------
// Revoke
// ---------------------------------------------------------------------------

func TestAuthenticate_ConcurrentCallsBothSucceedAndTouch(t *testing.T) {
	svc, mock := newService(t)
	mock.MatchExpectationsInOrder(false)
	plaintext, digest := issuedDigest(t)

	// Each call scans the active set and fires its own last-used update.
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT.*FROM api_keys.*WHERE revoked_at IS NULL").
			WillReturnRows(sqlmock.NewRows(apiKeyCols).AddRow(
				"key-1", int64(42), digest, nil, time.Now(), nil, nil,
			))
		mock.ExpectExec("UPDATE api_keys SET last_used_at").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	var wg sync.WaitGroup
	results := make([]*models.APIKey, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Authenticate(context.Background(), plaintext)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("Authenticate call %d error: %v", i, errs[i])
		}
		if results[i] == nil || results[i].OwnerID != 42 {
			t.Fatalf("Authenticate call %d did not resolve the key", i)
		}
	}

	// The last-used updates are asynchronous; wait until both have landed.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("unmet expectations: %v", mock.ExpectationsWereMet())
}

func TestRevoke_ActiveKey(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec("UPDATE api_keys.*SET revoked_at.*revoked_at IS NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	revoked, err := svc.Revoke(context.Background(), "key-1", 42)
	if err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if !revoked {
		t.Error("Revoke() = false, want true for an active key")
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec("UPDATE api_keys.*SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	revoked, err := svc.Revoke(context.Background(), "key-1", 42)
	if err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	if revoked {
		t.Error("Revoke() = true for an already-revoked key")
	}
}

func TestRevoke_StorageError(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectExec("UPDATE api_keys.*SET revoked_at").WillReturnError(errDB)

	if _, err := svc.Revoke(context.Background(), "key-1", 42); err == nil {
		t.Error("Revoke() expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// List / Get
// ---------------------------------------------------------------------------

func TestList_ReturnsOwnersKeys(t *testing.T) {
	svc, mock := newService(t)
	now := time.Now()
	revokedAt := now.Add(-time.Hour)
	rows := sqlmock.NewRows(apiKeyCols).
		AddRow("key-1", int64(42), "hash-1", nil, now, nil, nil).
		AddRow("key-2", int64(42), "hash-2", nil, now, nil, &revokedAt)
	mock.ExpectQuery("SELECT.*FROM api_keys.*WHERE owner_id").
		WithArgs(int64(42)).
		WillReturnRows(rows)

	got, err := svc.List(context.Background(), 42)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].IsActive() == got[1].IsActive() {
		t.Error("expected one active and one revoked key")
	}
}

func TestGet_ScopedToOwner(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys.*WHERE id.*owner_id").
		WithArgs("key-1", int64(99)).
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	key, err := svc.Get(context.Background(), "key-1", 99)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if key != nil {
		t.Error("Get() returned a key for the wrong owner")
	}
}
