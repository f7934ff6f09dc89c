package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TOOL2U/BookMate-sub002/internal/cache"
	"github.com/TOOL2U/BookMate-sub002/internal/logging"
	"github.com/TOOL2U/BookMate-sub002/internal/ratelimit"
	"github.com/TOOL2U/BookMate-sub002/internal/tenant"
	"github.com/TOOL2U/BookMate-sub002/internal/webhook"
)

// Classify maps an error to its HTTP status, code and caller-facing message.
// Messages never carry upstream bodies or secrets.
func Classify(err error) (status int, code, message string) {
	var (
		ue *webhook.UnavailableError
		he *webhook.HTTPError
		pe *webhook.ProtocolError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return 499, "CLIENT_CLOSED_REQUEST", "request cancelled"
	case errors.As(err, &ue):
		if ue.Timeout {
			return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "upstream timed out"
		}
		return http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "upstream unavailable"
	case errors.As(err, &he):
		if he.Status == http.StatusGatewayTimeout || he.Status == http.StatusRequestTimeout {
			return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "upstream timed out"
		}
		return http.StatusBadGateway, "UPSTREAM_HTTP_ERROR", "upstream returned an error"
	case errors.As(err, &pe):
		return http.StatusBadGateway, "UPSTREAM_PROTOCOL_ERROR", "upstream returned an unusable response"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded"
	case errors.Is(err, tenant.ErrTenantNotConfigured), errors.Is(err, tenant.ErrTenantNotFound):
		return http.StatusServiceUnavailable, "TENANT_NOT_CONFIGURED", "tenant not configured"
	case errors.Is(err, tenant.ErrTenantSuspended):
		return http.StatusForbidden, "TENANT_SUSPENDED", "tenant is suspended"
	case errors.Is(err, cache.ErrUnknownKind), errors.Is(err, ErrUnknownOp), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "request timed out"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal error"
	}
}

// respondError writes the uniform error envelope. Rate-limit denials use the
// limiter's object form.
func respondError(c *gin.Context, err error, now time.Time) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		ratelimit.Deny(c, rl.Decision, now)
		return
	}

	status, code, message := Classify(err)
	log := logging.L(c.Request.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "code", code, "error", err)
	} else {
		log.Info("request rejected", "status", status, "code", code, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": message, "code": code})
}
