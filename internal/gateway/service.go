package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TOOL2U/BookMate-sub002/internal/cache"
	"github.com/TOOL2U/BookMate-sub002/internal/circuitbreaker"
	"github.com/TOOL2U/BookMate-sub002/internal/logging"
	"github.com/TOOL2U/BookMate-sub002/internal/narrative"
	"github.com/TOOL2U/BookMate-sub002/internal/ratelimit"
	"github.com/TOOL2U/BookMate-sub002/internal/reconciliation"
	"github.com/TOOL2U/BookMate-sub002/internal/syncutil"
	"github.com/TOOL2U/BookMate-sub002/internal/tenant"
	"github.com/TOOL2U/BookMate-sub002/internal/traces"
	"github.com/TOOL2U/BookMate-sub002/internal/webhook"
)

// TenantLookup resolves tenant credentials.
type TenantLookup interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Upstream calls a tenant webhook. *webhook.Client satisfies it.
type Upstream interface {
	Call(ctx context.Context, ep webhook.Endpoint, action string, params map[string]any) (*webhook.Response, error)
}

// Defaults
const (
	DefaultTTL              = time.Minute
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
)

// Service implements the gateway read/write flows.
type Service struct {
	tenants    TenantLookup
	cache      cache.Store
	limiter    *ratelimit.Limiter
	upstream   Upstream
	breaker    *circuitbreaker.Breaker
	narrator   narrative.Narrator
	locks      *syncutil.KeyedMutex
	ttl        map[cache.Kind]time.Duration
	thresholds reconciliation.Thresholds
	factsPath  string
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets freshness per kind (by kind name, as loaded from config).
func WithTTL(ttl map[string]time.Duration) Option {
	return func(s *Service) {
		for name, d := range ttl {
			if k, err := cache.ParseKind(name); err == nil && d > 0 {
				s.ttl[k] = d
			}
		}
	}
}

// WithThresholds sets drift classification thresholds.
func WithThresholds(th reconciliation.Thresholds) Option {
	return func(s *Service) { s.thresholds = th }
}

// WithFactsPath sets the JSONPath of the account list in balance payloads.
func WithFactsPath(path string) Option {
	return func(s *Service) { s.factsPath = path }
}

// WithNarrator enables AI summaries on consistency checks.
func WithNarrator(n narrative.Narrator) Option {
	return func(s *Service) {
		if n != nil {
			s.narrator = n
		}
	}
}

// WithBreaker replaces the per-tenant circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new gateway service.
func NewService(tenants TenantLookup, store cache.Store, limiter *ratelimit.Limiter, upstream Upstream, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		tenants:    tenants,
		cache:      store,
		limiter:    limiter,
		upstream:   upstream,
		breaker:    circuitbreaker.New(DefaultBreakerThreshold, DefaultBreakerCooldown),
		narrator:   narrative.Noop{},
		locks:      syncutil.NewKeyedMutex(),
		ttl:        make(map[cache.Kind]time.Duration, len(cache.Kinds)),
		thresholds: reconciliation.DefaultThresholds(),
		factsPath:  reconciliation.DefaultFactsPath,
		now:        time.Now,
		logger:     logger,
	}
	for _, k := range cache.Kinds {
		s.ttl[k] = DefaultTTL
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Thresholds returns the drift thresholds in use.
func (s *Service) Thresholds() reconciliation.Thresholds {
	return s.thresholds
}

// Read returns one kind for one tenant, from cache when fresh.
func (s *Service) Read(ctx context.Context, req ReadRequest) (res *ReadResult, err error) {
	if req.Class == "" {
		req.Class = ratelimit.ClassRead
	}
	ctx, span := traces.StartSpan(ctx, "gateway.read", traces.Tenant(req.Tenant), traces.ResourceKind(string(req.Kind)))
	defer func() {
		if res != nil {
			span.SetAttributes(traces.CacheHit(res.Cached), traces.Stale(res.Stale))
		}
		traces.End(span, err)
	}()

	start := s.now()
	res, outcome, err := s.read(ctx, req)
	gwReadLatency.WithLabelValues(outcome).Observe(s.now().Sub(start).Seconds())
	gwReads.WithLabelValues(string(req.Kind), outcome).Inc()
	return res, err
}

func (s *Service) read(ctx context.Context, req ReadRequest) (*ReadResult, string, error) {
	action, ok := readActions[req.Kind]
	if !ok {
		return nil, "error", fmt.Errorf("%w: %q", cache.ErrUnknownKind, req.Kind)
	}
	t, err := s.resolve(ctx, req.Tenant)
	if err != nil {
		return nil, "error", err
	}
	key := cache.TenantKey(t.ID)

	if e, ok := s.cache.Get(ctx, key, req.Kind); ok {
		res, err := s.fromEntry(e, s.peek(ctx, req))
		return res, "hit", err
	}

	// Coalesce concurrent misses for the same key.
	unlock, err := s.locks.LockContext(ctx, cache.Key(key, req.Kind))
	if err != nil {
		return nil, "error", err
	}
	defer unlock()

	if e, ok := s.cache.Get(ctx, key, req.Kind); ok {
		gwCoalesced.Inc()
		res, err := s.fromEntry(e, s.peek(ctx, req))
		return res, "hit", err
	}

	decision := s.admit(ctx, req)
	if decision != nil && !decision.Allowed {
		if e, ok := s.cache.GetStale(ctx, key, req.Kind); ok {
			res, err := s.fromEntry(e, decision)
			return res, "stale_rate_limited", err
		}
		return nil, "rate_limited", &RateLimitedError{Decision: *decision}
	}

	fetchedAt := s.now()
	resp, err := s.call(ctx, t, action, nil)
	if err != nil {
		if isUnavailable(err) {
			if e, ok := s.cache.GetStale(ctx, key, req.Kind); ok {
				logging.L(ctx).Warn("serving stale entry, upstream unavailable",
					"tenant", t.ID, "kind", req.Kind, "age", e.Age(s.now()).String(), "error", err)
				res, serr := s.fromEntry(e, decision)
				return res, "stale_unavailable", serr
			}
		}
		return nil, "error", err
	}

	entry := &cache.Entry{
		Tenant:    key,
		Kind:      req.Kind,
		Body:      resp.Body,
		FetchedAt: fetchedAt,
		TTL:       s.ttl[req.Kind],
	}
	if err := s.cache.Put(ctx, entry); err != nil {
		if errors.Is(err, cache.ErrFenced) {
			logging.L(ctx).Debug("fetch overtaken by a write, not cached", "tenant", t.ID, "kind", req.Kind)
		} else {
			logging.L(ctx).Warn("cache put failed", "tenant", t.ID, "kind", req.Kind, "error", err)
		}
	}

	return &ReadResult{
		Tenant:   t.ID,
		Kind:     req.Kind,
		Body:     resp.Body,
		Data:     resp.Envelope.Data,
		Items:    resp.Envelope.Items,
		Decision: decision,
	}, "miss", nil
}

// CheckConsistency reconciles the tenant's balance payload. The report is
// recomputed on every call; only the upstream body is cached.
func (s *Service) CheckConsistency(ctx context.Context, req ConsistencyRequest) (*ConsistencyResult, error) {
	rr, err := s.Read(ctx, ReadRequest{
		Tenant:   req.Tenant,
		Kind:     cache.KindBalance,
		Identity: req.Identity,
		Class:    ratelimit.ClassReports,
	})
	if err != nil {
		return nil, err
	}

	facts, err := reconciliation.ParseFacts(rr.Body, s.factsPath)
	if err != nil {
		return nil, &webhook.ProtocolError{Reason: err.Error()}
	}
	report := reconciliation.Reconcile(facts, s.thresholds)

	res := &ConsistencyResult{
		Report:   report,
		Cached:   rr.Cached,
		Stale:    rr.Stale,
		CacheAge: rr.CacheAge,
		Decision: rr.Decision,
	}

	if req.Narrative {
		summary, err := s.narrator.Summarize(ctx, report)
		switch {
		case err == nil:
			res.AISummary = &summary
		case errors.Is(err, narrative.ErrDisabled):
		default:
			logging.L(ctx).Warn("narrative enrichment failed", "tenant", rr.Tenant, "error", err)
		}
	}

	gwConsistencyChecks.WithLabelValues(string(report.Totals.Status)).Inc()
	return res, nil
}

// Write forwards a mutation and invalidates derived kinds before returning.
// Once the tenant is resolved the call and the invalidation ignore caller
// cancellation; the webhook timeout bounds them.
func (s *Service) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	kinds, err := InvalidatedKinds(req.Op)
	if err != nil {
		return nil, err
	}
	t, err := s.resolve(ctx, req.Tenant)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	ctx, span := traces.StartSpan(ctx, "gateway.write", traces.Tenant(t.ID), traces.Action(string(req.Op)))
	resp, err := s.call(ctx, t, string(req.Op), req.Params)
	traces.End(span, err)
	if err != nil {
		gwWrites.WithLabelValues(string(req.Op), "error").Inc()
		if isUnavailable(err) {
			// The write may have landed before the connection failed.
			if ierr := s.Invalidate(ctx, t.ID, kinds...); ierr != nil {
				logging.L(ctx).Warn("invalidate after failed write", "tenant", t.ID, "op", req.Op, "error", ierr)
			}
		}
		return nil, err
	}

	if err := s.Invalidate(ctx, t.ID, kinds...); err != nil {
		gwWrites.WithLabelValues(string(req.Op), "invalidate_failed").Inc()
		return nil, fmt.Errorf("gateway: invalidate after %s: %w", req.Op, err)
	}

	gwWrites.WithLabelValues(string(req.Op), "ok").Inc()
	logging.L(ctx).Info("write applied", "tenant", t.ID, "op", req.Op, "invalidated", len(kinds))
	return &WriteResult{Op: req.Op, Data: resp.Envelope.Data, Invalidated: kinds}, nil
}

// Invalidate drops the given kinds for a tenant, or every kind when none
// are given. It is not exposed over HTTP.
func (s *Service) Invalidate(ctx context.Context, tenantID string, kinds ...cache.Kind) error {
	key := cache.TenantKey(tenantID)
	if len(kinds) == 0 {
		return s.cache.InvalidateAll(ctx, key)
	}
	for _, k := range kinds {
		if err := s.cache.Invalidate(ctx, key, k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, err := s.tenants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.Usable(); err != nil {
		return nil, err
	}
	return t, nil
}

// call runs one webhook call behind the tenant's circuit breaker. The call
// outlives caller cancellation so an abandoned fetch still warms the cache.
func (s *Service) call(ctx context.Context, t *tenant.Tenant, action string, params map[string]any) (*webhook.Response, error) {
	ctx = context.WithoutCancel(ctx)

	var resp *webhook.Response
	err := s.breaker.Do(t.ID, func() error {
		var err error
		resp, err = s.upstream.Call(ctx, t.Endpoint(), action, params)
		return err
	}, breakerFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &webhook.UnavailableError{Err: err}
	}
	if err != nil {
		var pe *webhook.ProtocolError
		if errors.As(err, &pe) {
			logging.L(ctx).Warn("upstream protocol error", "tenant", t.ID, "action", action,
				"reason", pe.Reason, "preview", pe.BodyPreview)
		}
		return nil, err
	}
	return resp, nil
}

// breakerFailure counts transport failures and 5xx answers. A reachable
// upstream that answers badly is not an outage, and neither is a caller
// hanging up.
func breakerFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if webhook.IsUnavailable(err) {
		return true
	}
	var he *webhook.HTTPError
	return errors.As(err, &he) && he.Status >= 500
}

func isUnavailable(err error) bool {
	return webhook.IsUnavailable(err) || errors.Is(err, circuitbreaker.ErrOpen)
}

func (s *Service) admit(ctx context.Context, req ReadRequest) *ratelimit.Decision {
	if req.Identity == "" || s.limiter == nil {
		return nil
	}
	d := s.limiter.Admit(ctx, req.Identity, req.Class)
	return &d
}

func (s *Service) peek(ctx context.Context, req ReadRequest) *ratelimit.Decision {
	if req.Identity == "" || s.limiter == nil {
		return nil
	}
	d := s.limiter.Peek(ctx, req.Identity, req.Class)
	return &d
}

func (s *Service) fromEntry(e *cache.Entry, d *ratelimit.Decision) (*ReadResult, error) {
	env, err := webhook.ParseEnvelope(e.Body)
	if err != nil {
		return nil, &webhook.ProtocolError{Reason: "cached body: " + err.Error()}
	}
	return &ReadResult{
		Tenant:   string(e.Tenant),
		Kind:     e.Kind,
		Body:     e.Body,
		Data:     env.Data,
		Items:    env.Items,
		Cached:   true,
		Stale:    e.Stale,
		CacheAge: e.Age(s.now()),
		Decision: d,
	}, nil
}
