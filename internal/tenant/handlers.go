package tenant

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TOOL2U/BookMate-sub002/internal/logging"
	"github.com/TOOL2U/BookMate-sub002/internal/pagination"
)

// Handler provides the admin endpoints for tenant credentials.
type Handler struct {
	store       Store
	adminSecret string
	onChange    func(id string)
	checkURL    func(rawURL string) error
}

// NewHandler creates a new tenant handler. onChange, if set, runs after a
// successful upsert so callers can drop cached data for the tenant.
func NewHandler(store Store, adminSecret string, onChange func(id string)) *Handler {
	return &Handler{store: store, adminSecret: adminSecret, onChange: onChange}
}

// SetEndpointCheck installs an extra check on webhook URLs (for example SSRF
// filtering) run before a tenant is saved.
func (h *Handler) SetEndpointCheck(fn func(rawURL string) error) {
	h.checkURL = fn
}

// RegisterAdminRoutes sets up the admin-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin", h.RequireAdmin())
	admin.GET("/tenants", h.ListTenants)
	admin.PUT("/tenants/:tenant", h.PutTenant)
	admin.GET("/tenants/:tenant", h.GetTenant)
}

// RequireAdmin checks the X-Admin-Secret header. With no admin secret
// configured every request is refused.
func (h *Handler) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if h.adminSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.adminSecret)) != 1 {
			abort(c, http.StatusForbidden, "FORBIDDEN", "admin access required")
			return
		}
		c.Next()
	}
}

type putTenantRequest struct {
	Name        string  `json:"name"`
	WebhookURL  string  `json:"webhookUrl"`
	Secret      *string `json:"secret"`
	ContentType string  `json:"contentType"`
	Status      Status  `json:"status"`
}

// PutTenant handles PUT /v1/admin/tenants/:tenant. Omitting secret keeps the
// stored one.
func (h *Handler) PutTenant(c *gin.Context) {
	id := strings.ToLower(c.Param("tenant"))
	ctx := c.Request.Context()

	var req putTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid body")
		return
	}

	now := time.Now().UTC()
	t := &Tenant{ID: id, CreatedAt: now, Status: StatusActive}
	existing, err := h.store.Get(ctx, id)
	switch {
	case err == nil:
		t = existing
	case !errors.Is(err, ErrTenantNotFound):
		logging.L(ctx).Error("tenant lookup failed", "tenant", id, "error", err)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load tenant")
		return
	}

	if req.Name != "" {
		t.Name = strings.TrimSpace(req.Name)
	}
	if t.Name == "" {
		t.Name = id
	}
	if req.WebhookURL != "" {
		t.WebhookURL = strings.TrimSpace(req.WebhookURL)
	}
	if req.Secret != nil {
		t.Secret = *req.Secret
	}
	if req.ContentType != "" {
		t.ContentType = req.ContentType
	}
	if req.Status != "" {
		t.Status = req.Status
	}
	t.UpdatedAt = now

	if err := t.Validate(); err != nil {
		abort(c, http.StatusBadRequest, "INVALID_TENANT", "tenant id, status or webhook url is invalid")
		return
	}
	if h.checkURL != nil && req.WebhookURL != "" {
		if err := h.checkURL(t.WebhookURL); err != nil {
			abort(c, http.StatusBadRequest, "INVALID_TENANT", "webhook url is not allowed: "+err.Error())
			return
		}
	}
	if err := h.store.Upsert(ctx, t); err != nil {
		logging.L(ctx).Error("tenant upsert failed", "tenant", id, "error", err)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save tenant")
		return
	}
	if h.onChange != nil {
		h.onChange(id)
	}

	logging.L(ctx).Info("tenant saved", "tenant", id, "status", t.Status)
	c.JSON(http.StatusOK, gin.H{"ok": true, "tenant": view(t)})
}

// GetTenant handles GET /v1/admin/tenants/:tenant.
func (h *Handler) GetTenant(c *gin.Context) {
	id := strings.ToLower(c.Param("tenant"))

	t, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			abort(c, http.StatusNotFound, "NOT_FOUND", "tenant not found")
			return
		}
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load tenant")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tenant": view(t)})
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ListTenants handles GET /v1/admin/tenants?limit=&cursor=
func (h *Handler) ListTenants(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			abort(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = min(n, maxPageSize)
	}
	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	all, err := h.store.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("tenant list failed", "error", err)
		abort(c, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list tenants")
		return
	}
	page, next := pagination.Page(all, after, limit, func(t *Tenant) string { return t.ID })

	views := make([]gin.H, 0, len(page))
	for _, t := range page {
		views = append(views, view(t))
	}
	body := gin.H{"ok": true, "tenants": views}
	if next != "" {
		body["nextCursor"] = next
	}
	c.JSON(http.StatusOK, body)
}

func view(t *Tenant) gin.H {
	return gin.H{
		"id":          t.ID,
		"name":        t.Name,
		"webhookUrl":  t.WebhookURL,
		"secret":      t.MaskedSecret(),
		"contentType": t.ContentType,
		"status":      t.Status,
		"configured":  t.Usable() == nil,
		"createdAt":   t.CreatedAt,
		"updatedAt":   t.UpdatedAt,
	}
}
