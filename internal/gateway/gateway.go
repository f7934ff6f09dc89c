// Package gateway serves per-tenant bookkeeping reads and writes in front of
// spreadsheet webhooks.
//
// Read flow:
//  1. Resolve the tenant and its webhook credentials
//  2. Fresh cache entry → return it (no upstream call, no rate-limit charge)
//  3. Miss → admit under the caller's rate-limit class; denied → stale entry or 429
//  4. Allowed → call the webhook, cache the envelope, return it
//
// Writes bypass the cache, call the webhook, then invalidate every kind the
// write can change before returning.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TOOL2U/BookMate-sub002/internal/cache"
	"github.com/TOOL2U/BookMate-sub002/internal/ratelimit"
	"github.com/TOOL2U/BookMate-sub002/internal/reconciliation"
)

// Errors
var (
	ErrRateLimited    = errors.New("gateway: rate limit exceeded")
	ErrUnknownOp      = errors.New("gateway: unknown write operation")
	ErrInvalidRequest = errors.New("gateway: invalid request")
)

// RateLimitedError carries the decision that denied the request.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("gateway: rate limit exceeded, resets at %s", e.Decision.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// readActions maps each cached kind to the webhook action that produces it.
var readActions = map[cache.Kind]string{
	cache.KindInbox:      "getInbox",
	cache.KindPnL:        "getPnL",
	cache.KindBalance:    "getBalances",
	cache.KindOverhead:   "getOverhead",
	cache.KindCategories: "getCategories",
}

// WriteOp is a mutation of the data of record.
type WriteOp string

const (
	OpSaveBalance       WriteOp = "saveBalance"
	OpAppendTransaction WriteOp = "appendTransaction"
	OpUpdateCategory    WriteOp = "updateCategory"
)

// invalidates lists the kinds derived from what each write touches.
var invalidates = map[WriteOp][]cache.Kind{
	OpSaveBalance:       {cache.KindBalance},
	OpAppendTransaction: {cache.KindInbox, cache.KindPnL, cache.KindBalance, cache.KindOverhead},
	OpUpdateCategory:    {cache.KindCategories, cache.KindInbox, cache.KindPnL, cache.KindOverhead},
}

// InvalidatedKinds returns the kinds a write op invalidates.
func InvalidatedKinds(op WriteOp) ([]cache.Kind, error) {
	kinds, ok := invalidates[op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	return append([]cache.Kind(nil), kinds...), nil
}

// ReadRequest asks for one kind for one tenant. An empty Identity marks an
// internal caller that is not rate limited.
type ReadRequest struct {
	Tenant   string
	Kind     cache.Kind
	Identity string
	Class    ratelimit.Class // defaults to ClassRead
}

// ReadResult is a payload plus how it was obtained.
type ReadResult struct {
	Tenant   string
	Kind     cache.Kind
	Body     json.RawMessage // full upstream envelope
	Data     json.RawMessage
	Items    json.RawMessage
	Cached   bool
	Stale    bool
	CacheAge time.Duration
	Decision *ratelimit.Decision // nil for internal callers
}

// ConsistencyRequest asks for a balance reconciliation.
type ConsistencyRequest struct {
	Tenant    string
	Identity  string
	Narrative bool
}

// ConsistencyResult is a report computed on every request from the
// (possibly cached) balance payload.
type ConsistencyResult struct {
	Report    reconciliation.Report
	Cached    bool
	Stale     bool
	CacheAge  time.Duration
	AISummary *string
	Decision  *ratelimit.Decision
}

// WriteRequest forwards a mutation to the tenant's webhook.
type WriteRequest struct {
	Tenant string
	Op     WriteOp
	Params map[string]any
}

// WriteResult reports the upstream answer and what was invalidated.
type WriteResult struct {
	Op          WriteOp
	Data        json.RawMessage
	Invalidated []cache.Kind
}
