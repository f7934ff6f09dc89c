package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	maxSignatureLen = 32
	decisionKey     = "ratelimit.decision"
)

// Identity derives the caller identity from the network address plus a
// coarse client signature: the User-Agent product token, lowercased and
// truncated. The tenant never participates.
func Identity(c *gin.Context) string {
	return c.ClientIP() + "|" + signature(c.GetHeader("User-Agent"))
}

func signature(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return "-"
	}
	if i := strings.IndexByte(ua, ' '); i >= 0 {
		ua = ua[:i]
	}
	ua = strings.ToLower(ua)
	if len(ua) > maxSignatureLen {
		ua = ua[:maxSignatureLen]
	}
	return ua
}

// SetHeaders writes the X-RateLimit-* headers for d.
func SetHeaders(c *gin.Context, d Decision) {
	c.Set(decisionKey, d)
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// DecisionFrom returns the decision recorded on c by SetHeaders.
func DecisionFrom(c *gin.Context) (Decision, bool) {
	v, ok := c.Get(decisionKey)
	if !ok {
		return Decision{}, false
	}
	d, ok := v.(Decision)
	return d, ok
}

// Deny writes the 429 response for d and aborts the chain.
func Deny(c *gin.Context, d Decision, now time.Time) {
	retryAfter := int(math.Ceil(d.RetryAfter(now).Seconds()))
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"ok": false,
		"error": gin.H{
			"code":    "RATE_LIMIT_EXCEEDED",
			"message": "Too many requests. Please slow down.",
			"details": gin.H{
				"resetAt":    d.ResetAt.UTC().Format(time.RFC3339),
				"retryAfter": retryAfter,
			},
		},
	})
}

// Middleware admits every request under class before the handler runs.
func (l *Limiter) Middleware(class Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := l.Admit(c.Request.Context(), Identity(c), class)
		SetHeaders(c, d)
		if !d.Allowed {
			Deny(c, d, l.now())
			return
		}
		c.Next()
	}
}

// PeekMiddleware writes headers for the class chosen by classify without
// counting the request, so responses rejected before admission still carry
// them. A later Admit overwrites the headers.
func (l *Limiter) PeekMiddleware(classify func(*gin.Context) Class) gin.HandlerFunc {
	return func(c *gin.Context) {
		SetHeaders(c, l.Peek(c.Request.Context(), Identity(c), classify(c)))
		c.Next()
	}
}
