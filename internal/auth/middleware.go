package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is where parsed claims are stored on the gin context.
const ContextKey = "claims"

// Bearer enforces bearer JWT tokens signed with HS256.
func Bearer(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := FromRequestHeader(c, signingKey, issuer)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextKey, claims)
		c.Next()
	}
}

// RequireRole enforces a bearer token carrying the given role claim.
func RequireRole(signingKey, issuer, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := FromRequestHeader(c, signingKey, issuer)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Set(ContextKey, claims)
		c.Next()
	}
}

// FromRequestHeader extracts and validates the Authorization bearer token.
func FromRequestHeader(c *gin.Context, signingKey, issuer string) (Claims, bool) {
	authz := c.GetHeader("Authorization")
	if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return Claims{}, false
	}
	tokenStr := strings.TrimSpace(authz[len("bearer "):])
	claims, err := Parse(tokenStr, signingKey, issuer)
	if err != nil {
		return Claims{}, false
	}
	return claims, true
}
