package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/carebid/internal/logging"
)

// ContextKeyActor is the key for storing the authenticated actor in gin context
const ContextKeyActor = "authActor"

// Middleware verifies the bearer token when present and stores the actor.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		raw = strings.TrimPrefix(raw, "Bearer ")
		if raw != "" {
			actor, err := m.Verify(raw)
			if err == nil {
				c.Set(ContextKeyActor, actor)
				ctx := logging.WithActor(c.Request.Context(), actor.UserID, string(actor.Type))
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid token
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// GetActor returns the authenticated actor from context
func GetActor(c *gin.Context) (Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}

// RequireClient returns the caller's ClientID, or writes 401/403 and returns false.
func RequireClient(c *gin.Context) (ClientID, bool) {
	actor, ok := GetActor(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required."})
		return "", false
	}
	id, ok := actor.Client()
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "client_only", "message": "Only clients can perform this action."})
		return "", false
	}
	return id, true
}

// RequireProfessional returns the caller's ProfessionalID, or writes 401/403 and returns false.
func RequireProfessional(c *gin.Context) (ProfessionalID, bool) {
	actor, ok := GetActor(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Bearer token required."})
		return "", false
	}
	id, ok := actor.Professional()
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "professional_only", "message": "Only professionals can perform this action."})
		return "", false
	}
	return id, true
}
