// sessions.go implements the session token management handlers. Sessions are
// short-lived bearer credentials minted by an authenticated caller; like API
// keys, the plaintext token appears only in the creation response.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quartermaster/quartermaster/internal/auth"
	"github.com/quartermaster/quartermaster/internal/db/models"
	"github.com/quartermaster/quartermaster/internal/middleware"
	"github.com/quartermaster/quartermaster/internal/sessions"
)

// SessionHandlers handles session token management endpoints
type SessionHandlers struct {
	svc *sessions.Service
}

// NewSessionHandlers creates a new SessionHandlers instance
func NewSessionHandlers(svc *sessions.Service) *SessionHandlers {
	return &SessionHandlers{svc: svc}
}

// CreateSessionRequest represents the request to create a session token.
// TTLSeconds of zero (or omitted) applies the configured default TTL; values
// above the configured maximum are clamped to it.
type CreateSessionRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

// CreateSessionResponse represents the response when creating a session token
type CreateSessionResponse struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"` // Only returned once during creation
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// sessionJSON maps a stored token to a JSON-friendly shape without the
// digest. Origin metadata arrives already opened by the service; it is shown
// only here, in the owner's own listing.
func sessionJSON(t *models.SessionToken) gin.H {
	var lastUsed, revoked interface{}
	if t.LastUsedAt != nil {
		lastUsed = t.LastUsedAt.Format(time.RFC3339)
	}
	if t.RevokedAt != nil {
		revoked = t.RevokedAt.Format(time.RFC3339)
	}
	return gin.H{
		"id":           t.ID,
		"api_key_id":   t.APIKeyID,
		"valid":        t.IsValid(time.Now().UTC()),
		"created_at":   t.CreatedAt.Format(time.RFC3339),
		"expires_at":   t.ExpiresAt.Format(time.RFC3339),
		"last_used_at": lastUsed,
		"revoked_at":   revoked,
		"ip_address":   t.IPAddress,
		"user_agent":   t.UserAgent,
	}
}

// @Summary      Create session token
// @Description  Mint a short-lived session token for the authenticated owner. The plaintext token is only returned once, in this response.
// @Tags         Sessions
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateSessionRequest  true  "Session creation request with optional ttl_seconds"
// @Success      201  {object}  CreateSessionResponse  "Session token created (plaintext returned once)"
// @Failure      400  {object}  map[string]interface{}  "Invalid request body or negative TTL"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/sessions [post]
// CreateSessionHandler mints a new session token
// POST /api/v1/sessions
func (h *SessionHandlers) CreateSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := middleware.OwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		var req CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
		if req.TTLSeconds < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds must not be negative"})
			return
		}

		issueReq := sessions.IssueRequest{
			OwnerID: ownerID,
		}
		if req.TTLSeconds > 0 {
			ttl := time.Duration(req.TTLSeconds) * time.Second
			issueReq.TTL = &ttl
		}
		// Record which API key minted this session, when one did.
		if c.GetString(middleware.CtxCredentialType) == "api_key" {
			if keyID := c.GetString(middleware.CtxCredentialID); keyID != "" {
				issueReq.APIKeyID = &keyID
			}
		}
		if ip := c.ClientIP(); ip != "" {
			issueReq.IPAddress = &ip
		}
		if ua := c.Request.UserAgent(); ua != "" {
			issueReq.UserAgent = &ua
		}

		plaintext, token, err := h.svc.Issue(c.Request.Context(), issueReq)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidParameter) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session token"})
			return
		}

		c.JSON(http.StatusCreated, CreateSessionResponse{
			ID:        token.ID,
			Token:     plaintext, // IMPORTANT: Only returned once
			CreatedAt: token.CreatedAt,
			ExpiresAt: token.ExpiresAt,
		})
	}
}

// @Summary      List session tokens
// @Description  List all session tokens belonging to the authenticated owner, including expired and revoked ones.
// @Tags         Sessions
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "List of session tokens"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/sessions [get]
// ListSessionsHandler lists the owner's session tokens
// GET /api/v1/sessions
func (h *SessionHandlers) ListSessionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := middleware.OwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		list, err := h.svc.List(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list session tokens"})
			return
		}

		resp := make([]gin.H, 0, len(list))
		for _, t := range list {
			resp = append(resp, sessionJSON(t))
		}
		c.JSON(http.StatusOK, gin.H{"sessions": resp})
	}
}

// @Summary      Revoke session token
// @Description  Revoke a session token. Revocation is idempotent; revoking an already-revoked token reports revoked=false and changes nothing.
// @Tags         Sessions
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Session token ID"
// @Success      200  {object}  map[string]interface{}  "revoked: whether this call performed the revocation"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/sessions/{id} [delete]
// RevokeSessionHandler revokes a session token
// DELETE /api/v1/sessions/:id
func (h *SessionHandlers) RevokeSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := middleware.OwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		revoked, err := h.svc.Revoke(c.Request.Context(), c.Param("id"), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke session token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"revoked": revoked})
	}
}
