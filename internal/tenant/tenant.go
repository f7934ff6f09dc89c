// Package tenant holds the per-tenant upstream credentials the gateway
// calls on behalf of each business.
package tenant

import (
	"errors"
	"net/url"
	"regexp"
	"time"

	"github.com/TOOL2U/BookMate-sub002/internal/webhook"
)

// Errors
var (
	ErrTenantNotFound      = errors.New("tenant: not found")
	ErrTenantNotConfigured = errors.New("tenant: webhook not configured")
	ErrTenantSuspended     = errors.New("tenant: suspended")
	ErrInvalidTenant       = errors.New("tenant: invalid")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

var validID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidID reports whether id can be used as a tenant key.
func ValidID(id string) bool {
	return validID.MatchString(id)
}

// Tenant is one business and the webhook that fronts its spreadsheet.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	WebhookURL  string    `json:"webhookUrl"`
	Secret      string    `json:"-"`
	ContentType string    `json:"contentType,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Endpoint returns the webhook endpoint for this tenant.
func (t *Tenant) Endpoint() webhook.Endpoint {
	return webhook.Endpoint{URL: t.WebhookURL, Secret: t.Secret, ContentType: t.ContentType}
}

// Usable returns ErrTenantSuspended or ErrTenantNotConfigured when the
// gateway must not call upstream for this tenant.
func (t *Tenant) Usable() error {
	if t.Status == StatusSuspended {
		return ErrTenantSuspended
	}
	if t.WebhookURL == "" || t.Secret == "" {
		return ErrTenantNotConfigured
	}
	return nil
}

// Validate checks the fields an admin upsert must provide.
func (t *Tenant) Validate() error {
	if !ValidID(t.ID) {
		return ErrInvalidTenant
	}
	switch t.Status {
	case StatusActive, StatusSuspended:
	default:
		return ErrInvalidTenant
	}
	if t.WebhookURL != "" {
		u, err := url.Parse(t.WebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return ErrInvalidTenant
		}
	}
	return nil
}

// MaskedSecret returns the last four characters of the secret for display.
func (t *Tenant) MaskedSecret() string {
	if t.Secret == "" {
		return ""
	}
	if len(t.Secret) <= 4 {
		return "****"
	}
	return "****" + t.Secret[len(t.Secret)-4:]
}
