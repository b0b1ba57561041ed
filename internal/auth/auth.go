// Package auth resolves the acting identity for each request.
//
// Token verification happens upstream (the API gateway terminates auth and
// forwards the verified identity in headers). This package only copies that
// identity into the request context so handlers can pass explicit actor IDs
// into the engine. Identity is never ambient inside the services.
package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Context keys set by Middleware.
const (
	CtxActorID   = "actorId"
	CtxActorRole = "actorRole"
)

// Header names populated by the gateway.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorRole = "X-Actor-Role"
)

// Roles understood by the engine.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Middleware extracts the forwarded identity. Requests without an identity
// are rejected with 401.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.GetHeader(HeaderActorID)
		if actorID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Missing actor identity",
			})
			return
		}

		role := c.GetHeader(HeaderActorRole)
		if role == "" {
			role = RoleUser
		}

		c.Set(CtxActorID, actorID)
		c.Set(CtxActorRole, role)
		c.Next()
	}
}

// RequireAdmin rejects requests whose actor is not an admin.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(CtxActorRole) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required",
			})
			return
		}
		c.Next()
	}
}

// ActorID returns the authenticated actor ID from the gin context.
func ActorID(c *gin.Context) string {
	return c.GetString(CtxActorID)
}
