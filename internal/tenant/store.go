package tenant

import (
	"context"
	"strings"
	"time"

	"github.com/TOOL2U/BookMate-sub002/internal/config"
)

// Store persists tenant data.
type Store interface {
	Get(ctx context.Context, id string) (*Tenant, error)
	Upsert(ctx context.Context, t *Tenant) error
	List(ctx context.Context) ([]*Tenant, error)
}

// Seed upserts tenants declared through the environment. Existing rows keep
// their name, status and creation time.
func Seed(ctx context.Context, store Store, seeds []config.TenantSeed) (int, error) {
	now := time.Now().UTC()
	n := 0
	for _, s := range seeds {
		t := &Tenant{
			ID:          strings.ToLower(s.ID),
			Name:        s.ID,
			WebhookURL:  s.WebhookURL,
			Secret:      s.Secret,
			ContentType: s.ContentType,
			Status:      StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if existing, err := store.Get(ctx, t.ID); err == nil {
			t.Name = existing.Name
			t.CreatedAt = existing.CreatedAt
			t.Status = existing.Status
		}
		if err := t.Validate(); err != nil {
			return n, err
		}
		if err := store.Upsert(ctx, t); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
