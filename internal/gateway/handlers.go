package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TOOL2U/BookMate-sub002/internal/cache"
	"github.com/TOOL2U/BookMate-sub002/internal/ratelimit"
	"github.com/TOOL2U/BookMate-sub002/internal/tenant"
)

// Handler provides HTTP endpoints for the gateway.
type Handler struct {
	service *Service
	limiter *ratelimit.Limiter
	now     func() time.Time
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service, limiter *ratelimit.Limiter) *Handler {
	return &Handler{service: service, limiter: limiter, now: time.Now}
}

// RegisterRoutes sets up tenant routes on a group whose path carries
// :tenant and that already runs the tenant resolver.
//
// Reads and reports are admitted inside the service, only on cache miss.
// Writes are admitted up front.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/inbox", h.read(cache.KindInbox))
	r.GET("/pnl", h.read(cache.KindPnL))
	r.GET("/balances", h.read(cache.KindBalance))
	r.GET("/overhead", h.read(cache.KindOverhead))
	r.GET("/categories", h.read(cache.KindCategories))
	r.GET("/consistency", h.Consistency)

	writes := r.Group("", h.limiter.Middleware(ratelimit.ClassWrite))
	writes.POST("/balances", h.write(OpSaveBalance))
	writes.POST("/transactions", h.write(OpAppendTransaction))
	writes.PUT("/categories", h.write(OpUpdateCategory))
}

// Preflight writes rate-limit headers for the route's class before anything
// can reject the request. Install it ahead of the tenant resolver.
func (h *Handler) Preflight() gin.HandlerFunc {
	return h.limiter.PeekMiddleware(routeClass)
}

func routeClass(c *gin.Context) ratelimit.Class {
	switch {
	case strings.HasSuffix(c.FullPath(), "/consistency"):
		return ratelimit.ClassReports
	case c.Request.Method == http.MethodGet:
		return ratelimit.ClassRead
	default:
		return ratelimit.ClassWrite
	}
}

func (h *Handler) read(kind cache.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := ratelimit.Identity(c)
		res, err := h.service.Read(c.Request.Context(), ReadRequest{
			Tenant:   tenant.GetTenantID(c),
			Kind:     kind,
			Identity: identity,
			Class:    ratelimit.ClassRead,
		})
		if err != nil {
			h.fail(c, err, identity, ratelimit.ClassRead)
			return
		}
		h.setHeaders(c, res.Decision, identity, ratelimit.ClassRead)

		body := gin.H{"ok": true, "cached": res.Cached}
		if hasJSON(res.Data) {
			body["data"] = res.Data
		}
		if hasJSON(res.Items) {
			body["items"] = res.Items
		}
		if res.Cached {
			body["cacheAge"] = seconds(res.CacheAge)
		}
		if res.Stale {
			body["stale"] = true
		}
		c.JSON(http.StatusOK, body)
	}
}

// Consistency handles GET /v1/tenants/:tenant/consistency?narrative=1
func (h *Handler) Consistency(c *gin.Context) {
	identity := ratelimit.Identity(c)
	res, err := h.service.CheckConsistency(c.Request.Context(), ConsistencyRequest{
		Tenant:    tenant.GetTenantID(c),
		Identity:  identity,
		Narrative: truthy(c.Query("narrative")),
	})
	if err != nil {
		h.fail(c, err, identity, ratelimit.ClassReports)
		return
	}
	h.setHeaders(c, res.Decision, identity, ratelimit.ClassReports)

	body := gin.H{
		"ok":     true,
		"checks": res.Report.Checks,
		"totals": res.Report.Totals,
		"cached": res.Cached,
	}
	if res.Cached {
		body["cacheAge"] = seconds(res.CacheAge)
	}
	if res.Stale {
		body["stale"] = true
	}
	if res.AISummary != nil {
		body["aiSummary"] = *res.AISummary
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) write(op WriteOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params map[string]any
		if err := c.ShouldBindJSON(&params); err != nil {
			respondError(c, errors.Join(ErrInvalidRequest, err), h.now())
			return
		}

		res, err := h.service.Write(c.Request.Context(), WriteRequest{
			Tenant: tenant.GetTenantID(c),
			Op:     op,
			Params: params,
		})
		if err != nil {
			respondError(c, err, h.now())
			return
		}

		body := gin.H{"ok": true, "invalidated": res.Invalidated}
		if hasJSON(res.Data) {
			body["data"] = res.Data
		}
		c.JSON(http.StatusOK, body)
	}
}

// setHeaders writes rate-limit headers from d, or from a peek when the
// request never reached admission.
func (h *Handler) setHeaders(c *gin.Context, d *ratelimit.Decision, identity string, class ratelimit.Class) {
	if d == nil {
		peek := h.limiter.Peek(c.Request.Context(), identity, class)
		d = &peek
	}
	ratelimit.SetHeaders(c, *d)
}

func (h *Handler) fail(c *gin.Context, err error, identity string, class ratelimit.Class) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		h.setHeaders(c, &rl.Decision, identity, class)
	} else {
		h.setHeaders(c, nil, identity, class)
	}
	respondError(c, err, h.now())
}

func hasJSON(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}

func truthy(v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
