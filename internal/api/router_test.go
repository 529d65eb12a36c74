package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/quartermaster/quartermaster/internal/auth"
	"github.com/quartermaster/quartermaster/internal/config"
	"github.com/quartermaster/quartermaster/internal/keys"
	"github.com/quartermaster/quartermaster/internal/sessions"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var apiKeyCols = []string{
	"id", "owner_id", "hashed_key", "description",
	"created_at", "last_used_at", "revoked_at",
}

var sessionTokenCols = []string{
	"id", "owner_id", "api_key_id", "hashed_token",
	"created_at", "expires_at", "last_used_at", "revoked_at",
	"ip_address", "user_agent",
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.APIKeys = config.APIKeyConfig{Prefix: "qm", Length: 32}
	cfg.Auth.Sessions = config.SessionConfig{
		DefaultTTL:    time.Hour,
		MaxTTL:        24 * time.Hour,
		SweepInterval: time.Hour,
	}
	return cfg
}

// newTestRouter wires NewRouter over sqlmock-backed services. The returned
// mocks drive the key store and the session store respectively.
func newTestRouter(t *testing.T) (*gin.Engine, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()

	keyDB, keyMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New (keys): %v", err)
	}
	t.Cleanup(func() { keyDB.Close() })
	keyMock.MatchExpectationsInOrder(false)

	sessDB, sessMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New (sessions): %v", err)
	}
	t.Cleanup(func() { sessDB.Close() })
	sessMock.MatchExpectationsInOrder(false)

	cfg := testConfig()
	keySvc := keys.NewService(sqlx.NewDb(keyDB, "sqlmock"), cfg.Auth.APIKeys, nil)
	sessionSvc := sessions.NewService(sqlx.NewDb(sessDB, "sqlmock"), cfg.Auth.APIKeys, cfg.Auth.Sessions, nil, nil)

	router, bg := NewRouter(cfg, sqlx.NewDb(keyDB, "sqlmock"), keySvc, sessionSvc)
	t.Cleanup(bg.Shutdown)
	return router, keyMock, sessMock
}

// authenticate arranges the key mock so that requests carrying the returned
// bearer header authenticate as owner 42 via API key "key-auth".
func authenticate(t *testing.T, keyMock sqlmock.Sqlmock) string {
	t.Helper()
	plaintext, err := auth.GenerateKey("qm", 32)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	digest, err := auth.HashKey(plaintext)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	keyMock.ExpectQuery("SELECT.*FROM api_keys.*WHERE revoked_at IS NULL").
		WillReturnRows(sqlmock.NewRows(apiKeyCols).AddRow(
			"key-auth", int64(42), digest, nil, time.Now(), nil, nil,
		))
	keyMock.ExpectExec("UPDATE api_keys SET last_used_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	return "Bearer " + plaintext
}

func doRequest(r *gin.Engine, method, path, authHeader, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Public endpoints
// ---------------------------------------------------------------------------

func TestRouter_HealthEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"healthy"`) {
		t.Errorf("body = %s, want healthy status", w.Body.String())
	}
}

func TestRouter_ReadyEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/ready", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ready":true`) {
		t.Errorf("body = %s, want ready true", w.Body.String())
	}
}

func TestRouter_VersionEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/version", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRouter_SecurityHeadersPresent(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/health", "", "")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("X-Content-Type-Options header missing")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

// ---------------------------------------------------------------------------
// Authentication gating
// ---------------------------------------------------------------------------

func TestRouter_CredentialRoutesRequireAuth(t *testing.T) {
	r, _, _ := newTestRouter(t)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/keys"},
		{http.MethodPost, "/api/v1/keys"},
		{http.MethodGet, "/api/v1/sessions"},
		{http.MethodPost, "/api/v1/sessions"},
	}
	for _, p := range paths {
		if w := doRequest(r, p.method, p.path, "", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", p.method, p.path, w.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// API key management
// ---------------------------------------------------------------------------

func TestRouter_ListKeys(t *testing.T) {
	r, keyMock, _ := newTestRouter(t)
	header := authenticate(t, keyMock)

	keyMock.ExpectQuery("SELECT.*FROM api_keys.*WHERE owner_id").
		WillReturnRows(sqlmock.NewRows(apiKeyCols).AddRow(
			"key-1", int64(42), "digest", nil, time.Now(), nil, nil,
		))

	w := doRequest(r, http.MethodGet, "/api/v1/keys", header, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"id":"key-1"`) {
		t.Errorf("body = %s, want key-1 listed", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "digest") {
		t.Error("response leaked the stored digest")
	}
}

func TestRouter_CreateKeyReturnsPlaintextOnce(t *testing.T) {
	r, keyMock, _ := newTestRouter(t)
	header := authenticate(t, keyMock)

	keyMock.ExpectBegin()
	keyMock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))
	keyMock.ExpectCommit()

	w := doRequest(r, http.MethodPost, "/api/v1/keys", header, `{"description":"ci pipeline"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"key":"qm_`) {
		t.Errorf("body = %s, want plaintext key with qm_ prefix", w.Body.String())
	}
}

func TestRouter_CreateKeyOverlongDescriptionIsBadRequest(t *testing.T) {
	r, keyMock, _ := newTestRouter(t)
	header := authenticate(t, keyMock)

	// No INSERT expectation: validation must fail before storage is touched,
	// and the caller gets a 400 with the reason rather than a generic 500.
	body := `{"description":"` + strings.Repeat("x", 300) + `"}`
	w := doRequest(r, http.MethodPost, "/api/v1/keys", header, body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "description exceeds 255") {
		t.Errorf("body = %s, want validation message", w.Body.String())
	}
}

func TestRouter_RevokeKeyReportsOutcome(t *testing.T) {
	r, keyMock, _ := newTestRouter(t)
	header := authenticate(t, keyMock)

	keyMock.ExpectExec("UPDATE api_keys SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doRequest(r, http.MethodDelete, "/api/v1/keys/key-1", header, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"revoked":true`) {
		t.Errorf("body = %s, want revoked true", w.Body.String())
	}
}

func TestRouter_RevokeKeyIdempotent(t *testing.T) {
	r, keyMock, _ := newTestRouter(t)
	header := authenticate(t, keyMock)

	// Already revoked: zero rows affected.
	keyMock.ExpectExec("UPDATE api_keys SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := doRequest(r, http.MethodDelete, "/api/v1/keys/key-1", header, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"revoked":false`) {
		t.Errorf("body = %s, want revoked false on repeat revocation", w.Body.String())
	}
}

func TestRouter_GetKeyNotFound(t *testing.T) {
	r, keyMock, _ := newTestRouter(t)
	header := authenticate(t, keyMock)

	keyMock.ExpectQuery("SELECT.*FROM api_keys.*WHERE id").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	if w := doRequest(r, http.MethodGet, "/api/v1/keys/other-owners-key", header, ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Session management
// ---------------------------------------------------------------------------

func TestRouter_CreateSessionReturnsPlaintextOnce(t *testing.T) {
	r, keyMock, sessMock := newTestRouter(t)
	header := authenticate(t, keyMock)

	sessMock.ExpectBegin()
	sessMock.ExpectExec("INSERT INTO session_tokens").
		WillReturnResult(sqlmock.NewResult(0, 1))
	sessMock.ExpectCommit()

	w := doRequest(r, http.MethodPost, "/api/v1/sessions", header, `{"ttl_seconds":900}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"token":"qm_`) {
		t.Errorf("body = %s, want plaintext token with qm_ prefix", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"expires_at"`) {
		t.Errorf("body = %s, want expires_at", w.Body.String())
	}
}

func TestRouter_CreateSessionRejectsNegativeTTL(t *testing.T) {
	r, keyMock, _ := newTestRouter(t)
	header := authenticate(t, keyMock)

	if w := doRequest(r, http.MethodPost, "/api/v1/sessions", header, `{"ttl_seconds":-5}`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRouter_RevokeSession(t *testing.T) {
	r, keyMock, sessMock := newTestRouter(t)
	header := authenticate(t, keyMock)

	sessMock.ExpectExec("UPDATE session_tokens SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doRequest(r, http.MethodDelete, "/api/v1/sessions/tok-1", header, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"revoked":true`) {
		t.Errorf("body = %s, want revoked true", w.Body.String())
	}
}

func TestRouter_ListSessions(t *testing.T) {
	r, keyMock, sessMock := newTestRouter(t)
	header := authenticate(t, keyMock)

	sessMock.ExpectQuery("SELECT.*FROM session_tokens.*WHERE owner_id").
		WillReturnRows(sqlmock.NewRows(sessionTokenCols).AddRow(
			"tok-1", int64(42), nil, "digest",
			time.Now(), time.Now().Add(time.Hour), nil, nil,
			nil, nil,
		))

	w := doRequest(r, http.MethodGet, "/api/v1/sessions", header, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"id":"tok-1"`) {
		t.Errorf("body = %s, want tok-1 listed", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"valid":true`) {
		t.Errorf("body = %s, want valid true for live session", w.Body.String())
	}
}
