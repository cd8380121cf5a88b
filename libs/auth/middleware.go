package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/Vinayak0723/cryptoexchange/libs/apikey"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ContextUserIDKey = "user_id"
	ContextRolesKey  = "roles"
	ContextScopesKey = "scopes"
	APIKeyHeader     = "X-API-Key"
)

// KeyResolver loads the stored record for an API key prefix.
type KeyResolver interface {
	ResolveAPIKey(ctx context.Context, prefix string) (apikey.Record, error)
}

func Middleware(secret []byte) gin.HandlerFunc {
	return Authenticate(secret, nil)
}

// Authenticate accepts a bearer JWT or, when keys is non-nil, an X-API-Key header.
func Authenticate(secret []byte, keys KeyResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader(APIKeyHeader); raw != "" && keys != nil {
			authenticateKey(c, keys, raw)
			return
		}

		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Set(ContextRolesKey, claims.Roles)
		c.Set(ContextScopesKey, claims.Scopes)
		c.Next()
	}
}

func authenticateKey(c *gin.Context, keys KeyResolver, raw string) {
	_, prefix, _, err := apikey.Parse(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid api key"})
		return
	}
	record, err := keys.ResolveAPIKey(c.Request.Context(), prefix)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid api key"})
		return
	}
	userID, perms, err := apikey.VerifyAPIKey(raw, record, c.ClientIP())
	if err != nil {
		if errors.Is(err, apikey.ErrIPNotAllowed) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": err.Error()})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": err.Error()})
		return
	}
	c.Set(ContextUserIDKey, userID)
	c.Set(ContextRolesKey, []string{RoleUser})
	c.Set(ContextScopesKey, perms)
	c.Next()
}

// RequireRole must run after Authenticate.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		roles, _ := c.Get(ContextRolesKey)
		list, _ := roles.([]string)
		if !slices.Contains(list, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "insufficient role"})
			return
		}
		c.Next()
	}
}

// RequireScope rejects callers whose token or API key lacks scope.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, _ := c.Get(ContextScopesKey)
		list, _ := scopes.([]string)
		if !apikey.PermissionAllows(list, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "missing permission " + scope})
			return
		}
		c.Next()
	}
}

func UserID(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	idStr, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
