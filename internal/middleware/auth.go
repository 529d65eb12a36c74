// Package middleware provides Gin HTTP middleware for authentication, rate
// limiting, security headers, request IDs, and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Security → Metrics → RateLimit → Auth → Handler
//
// Security headers run early so they appear on all responses including errors.
// Rate limiting runs before auth to blunt brute-force attacks before any
// bcrypt work; a verification scan is the most expensive thing an
// unauthenticated client can make this service do.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quartermaster/quartermaster/internal/auth"
	"github.com/quartermaster/quartermaster/internal/keys"
	"github.com/quartermaster/quartermaster/internal/sessions"
)

// Context keys set by BearerAuth for downstream handlers.
const (
	CtxOwnerID        = "owner_id"
	CtxCredentialType = "credential_type"
	CtxCredentialID   = "credential_id"
)

// BearerAuth validates the Authorization header against API keys first, then
// session tokens, and populates the owner identity in the Gin context.
//
// Both checks collapse every failure cause into the same 401 — the response
// never reveals whether a credential is malformed, unknown, revoked, or
// expired. A 500 is returned only for storage faults, which are not a
// statement about the credential.
func BearerAuth(keySvc *keys.Service, sessionSvc *sessions.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential, err := auth.ExtractBearerCredential(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		// API keys are checked first: long-lived automation credentials
		// dominate traffic, so they are the likelier match.
		key, err := keySvc.Authenticate(c.Request.Context(), credential)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Authentication failed",
			})
			return
		}
		if key != nil {
			c.Set(CtxOwnerID, key.OwnerID)
			c.Set(CtxCredentialType, "api_key")
			c.Set(CtxCredentialID, key.ID)
			c.Next()
			return
		}

		token, err := sessionSvc.Validate(c.Request.Context(), credential)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Authentication failed",
			})
			return
		}
		if token != nil {
			c.Set(CtxOwnerID, token.OwnerID)
			c.Set(CtxCredentialType, "session")
			c.Set(CtxCredentialID, token.ID)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid credentials",
		})
	}
}

// OwnerID returns the authenticated owner from the Gin context. The boolean
// is false when BearerAuth did not run or did not authenticate.
func OwnerID(c *gin.Context) (int64, bool) {
	v, exists := c.Get(CtxOwnerID)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
