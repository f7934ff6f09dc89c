// Package cache holds upstream webhook payloads per tenant with bounded freshness.
//
// Entries are keyed by (tenant, kind). A lookup older than the entry's TTL is a
// miss; expired entries remain available through GetStale for a retention
// window so the gateway can degrade instead of failing. Writes to the data of
// record invalidate derived kinds, and every invalidation leaves a fence that
// rejects puts from fetches that began before it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownKind = errors.New("cache: unknown resource kind")
	ErrFenced      = errors.New("cache: put rejected, fetched before last invalidation")
	ErrEmptyTenant = errors.New("cache: tenant key is required")
)

// TenantKey identifies one tenant's partition.
type TenantKey string

// Kind is a class of upstream resource cached independently.
type Kind string

const (
	KindInbox      Kind = "inbox"
	KindPnL        Kind = "pnl"
	KindBalance    Kind = "balance"
	KindOverhead   Kind = "overhead"
	KindCategories Kind = "categories"
)

// Kinds lists every cacheable kind.
var Kinds = []Kind{KindInbox, KindPnL, KindBalance, KindOverhead, KindCategories}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Key is the only place a storage key is built. Kinds never contain ':' so
// tenant ids containing ':' cannot collide with another tenant's key.
func Key(tenant TenantKey, kind Kind) string {
	return string(tenant) + ":" + string(kind)
}

// Entry is one cached upstream payload.
type Entry struct {
	Tenant    TenantKey       `json:"tenant"`
	Kind      Kind            `json:"kind"`
	Body      json.RawMessage `json:"body"`
	FetchedAt time.Time       `json:"fetchedAt"` // when the upstream fetch began
	TTL       time.Duration   `json:"ttl"`

	// Stale is set on copies returned by GetStale once TTL has elapsed.
	Stale bool `json:"-"`
}

// Age returns how old the entry is at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Fresh reports whether the entry may be served as fresh at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Body = append(json.RawMessage(nil), e.Body...)
	return &cp
}

// Store is a per-tenant TTL cache.
type Store interface {
	// Get returns the entry only while it is fresh.
	Get(ctx context.Context, tenant TenantKey, kind Kind) (*Entry, bool)

	// GetStale returns the entry even past its TTL (within retention),
	// with Stale set when it is no longer fresh.
	GetStale(ctx context.Context, tenant TenantKey, kind Kind) (*Entry, bool)

	// Put stores e unless an invalidation happened at or after e.FetchedAt,
	// in which case it returns ErrFenced.
	Put(ctx context.Context, e *Entry) error

	Invalidate(ctx context.Context, tenant TenantKey, kind Kind) error
	InvalidateAll(ctx context.Context, tenant TenantKey) error
}

// Defaults
const (
	DefaultRetention = 24 * time.Hour
	// fenceHold outlives any in-flight fetch (webhook timeout is capped at 30s).
	fenceHold = 2 * time.Minute
)

type options struct {
	retention time.Duration
	now       func() time.Time
}

// Option configures a Store.
type Option func(*options)

// WithRetention bounds how long an expired entry stays available to GetStale.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{retention: DefaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validate(e *Entry) error {
	if e.Tenant == "" {
		return ErrEmptyTenant
	}
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	return nil
}
