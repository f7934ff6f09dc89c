package tenant

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/TOOL2U/BookMate-sub002/internal/logging"
)

// ContextKeyTenantID is the gin context key holding the resolved tenant id.
const ContextKeyTenantID = "tenantID"

var (
	errMissingToken = errors.New("tenant: missing bearer token")
	errNoClaim      = errors.New("tenant: token carries no tenant claim")
)

// Resolver binds the :tenant path parameter to the request. With a JWT
// secret configured, a bearer token must name the same tenant.
type Resolver struct {
	secret []byte
	param  string
}

// NewResolver creates a resolver. An empty secret trusts the path tenant.
func NewResolver(jwtSecret string) *Resolver {
	return &Resolver{secret: []byte(jwtSecret), param: "tenant"}
}

// Middleware validates the tenant parameter and the caller's claim.
func (r *Resolver) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.ToLower(strings.TrimSpace(c.Param(r.param)))
		if !ValidID(id) {
			abort(c, http.StatusBadRequest, "INVALID_TENANT", "invalid tenant id")
			return
		}

		if len(r.secret) > 0 {
			claim, err := r.claimedTenant(c.GetHeader("Authorization"))
			if err != nil {
				abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "valid bearer token required")
				return
			}
			if claim != id {
				abort(c, http.StatusForbidden, "FORBIDDEN", "token is not valid for this tenant")
				return
			}
		}

		c.Set(ContextKeyTenantID, id)
		c.Request = c.Request.WithContext(logging.WithTenant(c.Request.Context(), id))
		c.Next()
	}
}

// claimedTenant verifies an HS256 bearer token and returns its tenant
// claim, falling back to sub.
func (r *Resolver) claimedTenant(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errMissingToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	if t, ok := claims["tenant"].(string); ok && t != "" {
		return strings.ToLower(t), nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errNoClaim
	}
	return strings.ToLower(sub), nil
}

// GetTenantID returns the tenant id set by the resolver.
func GetTenantID(c *gin.Context) string {
	return c.GetString(ContextKeyTenantID)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": message, "code": code})
}
