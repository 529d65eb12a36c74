// apikeys.go implements the API key management handlers. Keys are long-lived
// bearer credentials scoped to the authenticated owner; the plaintext key is
// returned exactly once, in the creation response, and never stored.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quartermaster/quartermaster/internal/auth"
	"github.com/quartermaster/quartermaster/internal/db/models"
	"github.com/quartermaster/quartermaster/internal/keys"
	"github.com/quartermaster/quartermaster/internal/middleware"
)

// APIKeyHandlers handles API key management endpoints
type APIKeyHandlers struct {
	svc *keys.Service
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance
func NewAPIKeyHandlers(svc *keys.Service) *APIKeyHandlers {
	return &APIKeyHandlers{svc: svc}
}

// CreateKeyRequest represents the request to create a new API key
type CreateKeyRequest struct {
	Description *string `json:"description"`
}

// CreateKeyResponse represents the response when creating an API key
type CreateKeyResponse struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"` // Only returned once during creation
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// keyJSON maps a stored key to a JSON-friendly shape without the digest.
func keyJSON(k *models.APIKey) gin.H {
	var lastUsed, revoked interface{}
	if k.LastUsedAt != nil {
		lastUsed = k.LastUsedAt.Format(time.RFC3339)
	}
	if k.RevokedAt != nil {
		revoked = k.RevokedAt.Format(time.RFC3339)
	}
	return gin.H{
		"id":           k.ID,
		"description":  k.Description,
		"active":       k.IsActive(),
		"created_at":   k.CreatedAt.Format(time.RFC3339),
		"last_used_at": lastUsed,
		"revoked_at":   revoked,
	}
}

// @Summary      Create API key
// @Description  Create a new API key for the authenticated owner. The plaintext key is only returned once, in this response.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateKeyRequest  true  "API key creation request"
// @Success      201  {object}  CreateKeyResponse  "API key created (plaintext returned once)"
// @Failure      400  {object}  map[string]interface{}  "Invalid request body or description longer than 255 characters"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/keys [post]
// CreateKeyHandler creates a new API key
// POST /api/v1/keys
func (h *APIKeyHandlers) CreateKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := middleware.OwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		var req CreateKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}

		plaintext, key, err := h.svc.Issue(c.Request.Context(), ownerID, req.Description)
		if err != nil {
			// Validation failures carry messages safe to show the caller;
			// anything else is a storage or generation fault.
			if errors.Is(err, auth.ErrInvalidParameter) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create API key"})
			return
		}

		c.JSON(http.StatusCreated, CreateKeyResponse{
			ID:          key.ID,
			Key:         plaintext, // IMPORTANT: Only returned once
			Description: key.Description,
			CreatedAt:   key.CreatedAt,
		})
	}
}

// @Summary      List API keys
// @Description  List all API keys belonging to the authenticated owner, including revoked ones.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "List of API keys"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/keys [get]
// ListKeysHandler lists the owner's API keys
// GET /api/v1/keys
func (h *APIKeyHandlers) ListKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := middleware.OwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		list, err := h.svc.List(c.Request.Context(), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list API keys"})
			return
		}

		resp := make([]gin.H, 0, len(list))
		for _, k := range list {
			resp = append(resp, keyJSON(k))
		}
		c.JSON(http.StatusOK, gin.H{"keys": resp})
	}
}

// @Summary      Get API key
// @Description  Retrieve one of the authenticated owner's API keys by ID. Keys belonging to other owners return 404.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "API key ID"
// @Success      200  {object}  map[string]interface{}  "API key details"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      404  {object}  map[string]interface{}  "API key not found"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/keys/{id} [get]
// GetKeyHandler retrieves a specific API key
// GET /api/v1/keys/:id
func (h *APIKeyHandlers) GetKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := middleware.OwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		key, err := h.svc.Get(c.Request.Context(), c.Param("id"), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve API key"})
			return
		}
		if key == nil {
			// Other owners' keys are indistinguishable from missing ones.
			c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"key": keyJSON(key)})
	}
}

// @Summary      Revoke API key
// @Description  Revoke an API key. Revocation is idempotent; revoking an already-revoked key reports revoked=false and changes nothing.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "API key ID"
// @Success      200  {object}  map[string]interface{}  "revoked: whether this call performed the revocation"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/keys/{id} [delete]
// RevokeKeyHandler revokes an API key
// DELETE /api/v1/keys/:id
func (h *APIKeyHandlers) RevokeKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, ok := middleware.OwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		revoked, err := h.svc.Revoke(c.Request.Context(), c.Param("id"), ownerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke API key"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"revoked": revoked})
	}
}
