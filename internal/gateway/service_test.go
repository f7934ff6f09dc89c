package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TOOL2U/BookMate-sub002/internal/cache"
	"github.com/TOOL2U/BookMate-sub002/internal/circuitbreaker"
	"github.com/TOOL2U/BookMate-sub002/internal/ratelimit"
	"github.com/TOOL2U/BookMate-sub002/internal/reconciliation"
	"github.com/TOOL2U/BookMate-sub002/internal/tenant"
	"github.com/TOOL2U/BookMate-sub002/internal/webhook"
)

// --- fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type upstreamFunc func(ctx context.Context, action string, params map[string]any) (*webhook.Response, error)

type fakeUpstream struct {
	mu      sync.Mutex
	calls   map[string]int
	secrets []string
	fn      upstreamFunc
}

func (f *fakeUpstream) Call(ctx context.Context, ep webhook.Endpoint, action string, params map[string]any) (*webhook.Response, error) {
	f.mu.Lock()
	f.calls[action]++
	f.secrets = append(f.secrets, ep.Secret)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, action, params)
}

func (f *fakeUpstream) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

func (f *fakeUpstream) set(fn upstreamFunc) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func okResponse(body string) *webhook.Response {
	env, err := webhook.ParseEnvelope([]byte(body))
	if err != nil {
		panic(err)
	}
	return &webhook.Response{StatusCode: 200, Body: json.RawMessage(body), Envelope: *env}
}

const balanceBody = `{"ok":true,"data":{"accounts":[
	{"account":"Cash","openingBalance":1000,"inflow":5000,"outflow":4000,"actualCurrent":1850},
	{"account":"Bank","openingBalance":"2,000.00","inflow":0,"outflow":0,"actualCurrent":2000}
]}}`

func bodyFor(action string) string {
	switch action {
	case "getBalances":
		return balanceBody
	case "getInbox":
		return `{"ok":true,"items":[{"id":1}]}`
	default:
		return `{"ok":true,"data":{"action":"` + action + `"}}`
	}
}

type fixture struct {
	svc     *Service
	up      *fakeUpstream
	cache   *cache.MemoryStore
	tenants *tenant.MemoryStore
	limiter *ratelimit.Limiter
	clock   *fakeClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := newFakeClock()
	f := &fixture{
		up: &fakeUpstream{calls: map[string]int{}, fn: func(_ context.Context, action string, _ map[string]any) (*webhook.Response, error) {
			return okResponse(bodyFor(action)), nil
		}},
		cache:   cache.NewMemoryStore(cache.WithClock(clock.Now)),
		tenants: tenant.NewMemoryStore(),
		clock:   clock,
	}
	f.limiter = ratelimit.New(ratelimit.NewMemoryStoreWithClock(clock.Now), discardLogger(),
		ratelimit.WithClock(clock.Now),
		ratelimit.WithLimits(map[string]int{"read": 3, "reports": 2, "write": 5}))

	require.NoError(t, f.tenants.Upsert(context.Background(), &tenant.Tenant{
		ID:         "acme",
		Name:       "Acme",
		WebhookURL: "https://script.google.com/macros/s/acme/exec",
		Secret:     "acme-secret",
		Status:     tenant.StatusActive,
	}))

	all := append([]Option{WithClock(clock.Now), WithTTL(map[string]time.Duration{"balance": 2 * time.Minute})}, opts...)
	f.svc = NewService(f.tenants, f.cache, f.limiter, f.up, discardLogger(), all...)
	return f
}

// --- reads ---

func TestRead_MissThenHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox, Identity: "1.2.3.4|curl"})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.JSONEq(t, `[{"id":1}]`, string(res.Items))
	require.NotNil(t, res.Decision)
	assert.Equal(t, 2, res.Decision.Remaining)

	f.clock.Advance(10 * time.Second)
	res, err = f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox, Identity: "1.2.3.4|curl"})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.False(t, res.Stale)
	assert.Equal(t, 10*time.Second, res.CacheAge)
	assert.Equal(t, 2, res.Decision.Remaining, "a hit is not charged")

	assert.Equal(t, 1, f.up.count("getInbox"))
	assert.Equal(t, []string{"acme-secret"}, f.up.secrets)
}

func TestRead_RefetchesAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindBalance})
	require.NoError(t, err)

	f.clock.Advance(2*time.Minute - time.Millisecond)
	res, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindBalance})
	require.NoError(t, err)
	assert.True(t, res.Cached)

	f.clock.Advance(2 * time.Millisecond)
	res, err = f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindBalance})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, f.up.count("getBalances"))
}

func TestRead_KindsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, k := range cache.Kinds {
		_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: k})
		require.NoError(t, err)
	}
	for action := range map[string]bool{"getInbox": true, "getPnL": true, "getBalances": true, "getOverhead": true, "getCategories": true} {
		assert.Equal(t, 1, f.up.count(action), action)
	}
}

func TestRead_UnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Read(context.Background(), ReadRequest{Tenant: "acme", Kind: "ledger"})
	assert.ErrorIs(t, err, cache.ErrUnknownKind)
}

func TestRead_TenantStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "nobody", Kind: cache.KindInbox})
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)

	require.NoError(t, f.tenants.Upsert(ctx, &tenant.Tenant{ID: "half", Status: tenant.StatusActive, WebhookURL: "https://x.test/exec"}))
	_, err = f.svc.Read(ctx, ReadRequest{Tenant: "half", Kind: cache.KindInbox})
	assert.ErrorIs(t, err, tenant.ErrTenantNotConfigured)

	require.NoError(t, f.tenants.Upsert(ctx, &tenant.Tenant{ID: "gone", Status: tenant.StatusSuspended, WebhookURL: "https://x.test/exec", Secret: "s"}))
	_, err = f.svc.Read(ctx, ReadRequest{Tenant: "gone", Kind: cache.KindInbox})
	assert.ErrorIs(t, err, tenant.ErrTenantSuspended)

	assert.Zero(t, f.up.count("getInbox"))
}

func TestRead_RateLimitedWithoutStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := "9.9.9.9|-"

	kinds := []cache.Kind{cache.KindInbox, cache.KindPnL, cache.KindOverhead}
	for _, k := range kinds {
		_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: k, Identity: id})
		require.NoError(t, err)
	}

	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindCategories, Identity: id})
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.False(t, rl.Decision.Allowed)
	assert.Equal(t, f.clock.Now().Add(time.Minute), rl.Decision.ResetAt)
	assert.Zero(t, f.up.count("getCategories"))
}

func TestRead_RateLimitedServesStale(t *testing.T) {
	f := newFixture(t, WithTTL(map[string]time.Duration{"inbox": time.Second}))
	ctx := context.Background()
	id := "9.9.9.9|-"

	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox})
	require.NoError(t, err)
	for _, k := range []cache.Kind{cache.KindPnL, cache.KindOverhead, cache.KindCategories} {
		_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: k, Identity: id})
		require.NoError(t, err)
	}

	f.clock.Advance(2 * time.Second)
	res, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox, Identity: id})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.True(t, res.Stale)
	require.NotNil(t, res.Decision)
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, 1, f.up.count("getInbox"))
}

func TestRead_UnavailableServesStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindPnL})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	f.up.set(func(context.Context, string, map[string]any) (*webhook.Response, error) {
		return nil, &webhook.UnavailableError{Err: errors.New("dial tcp: connection refused")}
	})

	res, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindPnL})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, 10*time.Minute, res.CacheAge)
	assert.JSONEq(t, `{"action":"getPnL"}`, string(res.Data))
}

func TestRead_UpstreamErrorsWithoutStale(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unavailable", &webhook.UnavailableError{Err: errors.New("timeout"), Timeout: true}},
		{"http", &webhook.HTTPError{Status: 500}},
		{"protocol", &webhook.ProtocolError{Reason: "body is not a JSON object"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.up.set(func(context.Context, string, map[string]any) (*webhook.Response, error) {
				return nil, tt.err
			})
			_, err := f.svc.Read(context.Background(), ReadRequest{Tenant: "acme", Kind: cache.KindInbox})
			assert.ErrorIs(t, err, tt.err)
			assert.ErrorIs(t, err, webhook.ErrUpstream)
		})
	}
}

func TestRead_ProtocolErrorDoesNotServeStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindPnL})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	f.up.set(func(context.Context, string, map[string]any) (*webhook.Response, error) {
		return nil, &webhook.ProtocolError{Reason: "upstream reported failure: sheet missing"}
	})

	_, err = f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindPnL})
	var pe *webhook.ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestRead_CoalescesConcurrentMisses(t *testing.T) {
	f := newFixture(t)
	var inflight atomic.Int32
	var maxInflight atomic.Int32
	f.up.set(func(_ context.Context, action string, _ map[string]any) (*webhook.Response, error) {
		n := inflight.Add(1)
		if n > maxInflight.Load() {
			maxInflight.Store(n)
		}
		time.Sleep(30 * time.Millisecond)
		inflight.Add(-1)
		return okResponse(bodyFor(action)), nil
	})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Read(context.Background(), ReadRequest{Tenant: "acme", Kind: cache.KindOverhead})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.up.count("getOverhead"))
	assert.Equal(t, int32(1), maxInflight.Load())
}

func TestRead_HungUpstreamDoesNotBlockOtherKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	others := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		id := "t" + strconv.Itoa(i)
		require.NoError(t, f.tenants.Upsert(ctx, &tenant.Tenant{
			ID: id, Name: id, WebhookURL: "https://example.com/" + id, Secret: id + "-secret", Status: tenant.StatusActive,
		}))
		others = append(others, id)
	}

	var hung atomic.Bool
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.up.set(func(_ context.Context, action string, _ map[string]any) (*webhook.Response, error) {
		if action == "getInbox" && hung.CompareAndSwap(false, true) {
			close(started)
			<-release
		}
		return okResponse(bodyFor(action)), nil
	})

	go func() {
		_, _ = f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox})
	}()
	<-started

	for _, id := range others {
		rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		_, err := f.svc.Read(rctx, ReadRequest{Tenant: id, Kind: cache.KindInbox})
		cancel()
		require.NoError(t, err, "tenant %s waited on acme's upstream", id)
	}

	rctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err := f.svc.Read(rctx, ReadRequest{Tenant: "acme", Kind: cache.KindPnL})
	require.NoError(t, err)
}

func TestRead_SameKeyWaiterHonoursDeadline(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var once sync.Once
	f.up.set(func(_ context.Context, action string, _ map[string]any) (*webhook.Response, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return okResponse(bodyFor(action)), nil
	})

	go func() {
		_, _ = f.svc.Read(context.Background(), ReadRequest{Tenant: "acme", Kind: cache.KindInbox})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	status, code, _ := Classify(err)
	assert.Equal(t, 504, status)
	assert.Equal(t, "REQUEST_TIMEOUT", code)
}

func TestRead_CallerCancellationStillWarmsCache(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.up.set(func(ctx context.Context, action string, _ map[string]any) (*webhook.Response, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return nil, &webhook.UnavailableError{Err: ctx.Err()}
		}
		return okResponse(bodyFor(action)), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindCategories})
		done <- err
	}()
	<-started
	cancel()
	close(release)
	require.NoError(t, <-done)

	_, ok := f.cache.Get(context.Background(), "acme", cache.KindCategories)
	assert.True(t, ok)
}

func TestRead_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	clock := newFakeClock()
	f := newFixture(t, WithBreaker(circuitbreaker.New(2, time.Minute).WithClock(clock.Now)))
	f.up.set(func(context.Context, string, map[string]any) (*webhook.Response, error) {
		return nil, &webhook.UnavailableError{Err: errors.New("connection reset")}
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox})
		require.True(t, webhook.IsUnavailable(err))
	}

	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.True(t, webhook.IsUnavailable(err))
	assert.Equal(t, 2, f.up.count("getInbox"))

	// Half-open after the cooldown lets one probe through.
	clock.Advance(time.Minute)
	f.up.set(func(_ context.Context, action string, _ map[string]any) (*webhook.Response, error) {
		return okResponse(bodyFor(action)), nil
	})
	_, err = f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox})
	require.NoError(t, err)
	assert.Equal(t, 3, f.up.count("getInbox"))
}

// --- writes ---

func TestWrite_InvalidatesDerivedKinds(t *testing.T) {
	tests := []struct {
		op        WriteOp
		dropped   []cache.Kind
		untouched []cache.Kind
	}{
		{OpSaveBalance, []cache.Kind{cache.KindBalance}, []cache.Kind{cache.KindInbox, cache.KindPnL, cache.KindOverhead, cache.KindCategories}},
		{OpAppendTransaction, []cache.Kind{cache.KindInbox, cache.KindPnL, cache.KindBalance, cache.KindOverhead}, []cache.Kind{cache.KindCategories}},
		{OpUpdateCategory, []cache.Kind{cache.KindCategories, cache.KindInbox, cache.KindPnL, cache.KindOverhead}, []cache.Kind{cache.KindBalance}},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			for _, k := range cache.Kinds {
				_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: k})
				require.NoError(t, err)
			}

			f.clock.Advance(time.Millisecond)
			res, err := f.svc.Write(ctx, WriteRequest{Tenant: "acme", Op: tt.op, Params: map[string]any{"amount": 10}})
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.dropped, res.Invalidated)
			assert.Equal(t, 1, f.up.count(string(tt.op)))

			for _, k := range tt.dropped {
				_, ok := f.cache.Get(ctx, "acme", k)
				assert.False(t, ok, "%s should be invalidated", k)
			}
			for _, k := range tt.untouched {
				_, ok := f.cache.Get(ctx, "acme", k)
				assert.True(t, ok, "%s should stay cached", k)
			}
		})
	}
}

func TestWrite_ReadYourWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	version := atomic.Int32{}
	version.Store(1)
	f.up.set(func(_ context.Context, action string, _ map[string]any) (*webhook.Response, error) {
		if action == string(OpSaveBalance) {
			version.Store(2)
			return okResponse(`{"ok":true,"data":{"saved":true}}`), nil
		}
		return okResponse(`{"ok":true,"data":{"v":` + strconv.Itoa(int(version.Load())) + `}}`), nil
	})

	res, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindBalance})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(res.Data))

	f.clock.Advance(time.Millisecond)
	_, err = f.svc.Write(ctx, WriteRequest{Tenant: "acme", Op: OpSaveBalance})
	require.NoError(t, err)

	f.clock.Advance(time.Millisecond)
	res, err = f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindBalance})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.JSONEq(t, `{"v":2}`, string(res.Data))
}

func TestWrite_FenceDropsFetchThatStartedBeforeWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.up.set(func(_ context.Context, action string, _ map[string]any) (*webhook.Response, error) {
		if action == "getBalances" {
			first := false
			once.Do(func() { first = true })
			if first {
				close(started)
				<-release
				return okResponse(`{"ok":true,"data":{"v":"pre-write"}}`), nil
			}
			return okResponse(`{"ok":true,"data":{"v":"post-write"}}`), nil
		}
		return okResponse(`{"ok":true}`), nil
	})

	type outcome struct {
		res *ReadResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindBalance})
		done <- outcome{res, err}
	}()
	<-started

	f.clock.Advance(time.Millisecond)
	_, err := f.svc.Write(ctx, WriteRequest{Tenant: "acme", Op: OpSaveBalance})
	require.NoError(t, err)

	close(release)
	slow := <-done
	require.NoError(t, slow.err)
	assert.JSONEq(t, `{"v":"pre-write"}`, string(slow.res.Data))

	f.clock.Advance(time.Millisecond)
	res, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindBalance})
	require.NoError(t, err)
	assert.False(t, res.Cached, "pre-write fetch must not populate the cache")
	assert.JSONEq(t, `{"v":"post-write"}`, string(res.Data))
}

func TestWrite_UnknownOp(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Write(context.Background(), WriteRequest{Tenant: "acme", Op: "deleteEverything"})
	assert.ErrorIs(t, err, ErrUnknownOp)
	assert.Zero(t, f.up.count("deleteEverything"))
}

func TestWrite_UnavailableStillInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindBalance})
	require.NoError(t, err)

	f.up.set(func(context.Context, string, map[string]any) (*webhook.Response, error) {
		return nil, &webhook.UnavailableError{Err: errors.New("timeout"), Timeout: true}
	})
	f.clock.Advance(time.Millisecond)
	_, err = f.svc.Write(ctx, WriteRequest{Tenant: "acme", Op: OpSaveBalance})
	require.Error(t, err)

	_, ok := f.cache.Get(ctx, "acme", cache.KindBalance)
	assert.False(t, ok)
}

func TestWrite_HTTPErrorKeepsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindBalance})
	require.NoError(t, err)

	f.up.set(func(context.Context, string, map[string]any) (*webhook.Response, error) {
		return nil, &webhook.HTTPError{Status: 400}
	})
	_, err = f.svc.Write(ctx, WriteRequest{Tenant: "acme", Op: OpSaveBalance})
	require.Error(t, err)

	_, ok := f.cache.Get(ctx, "acme", cache.KindBalance)
	assert.True(t, ok)
}

func TestInvalidate_AllKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, k := range cache.Kinds {
		_, err := f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: k})
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.Invalidate(ctx, "acme"))
	for _, k := range cache.Kinds {
		_, ok := f.cache.Get(ctx, "acme", k)
		assert.False(t, ok)
	}
}

// --- consistency ---

type fakeNarrator struct {
	summary string
	err     error
	calls   int
}

func (n *fakeNarrator) Summarize(context.Context, reconciliation.Report) (string, error) {
	n.calls++
	return n.summary, n.err
}

func TestCheckConsistency_LegacyPolicy(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CheckConsistency(context.Background(), ConsistencyRequest{Tenant: "acme"})
	require.NoError(t, err)
	require.Len(t, res.Report.Checks, 2)

	cash := res.Report.Checks[0]
	assert.Equal(t, "Cash", cash.Account)
	assert.Equal(t, 2000.0, cash.ExpectedCurrent)
	assert.Equal(t, -150.0, cash.Drift)
	assert.Equal(t, reconciliation.StatusFail, cash.Status)

	bank := res.Report.Checks[1]
	assert.Equal(t, reconciliation.StatusOK, bank.Status)
	assert.Equal(t, -150.0, res.Report.Totals.Drift)
	assert.Nil(t, res.AISummary)
}

func TestCheckConsistency_GradedPolicy(t *testing.T) {
	th := reconciliation.DefaultThresholds()
	th.Policy = reconciliation.PolicyGraded
	f := newFixture(t, WithThresholds(th))

	res, err := f.svc.CheckConsistency(context.Background(), ConsistencyRequest{Tenant: "acme"})
	require.NoError(t, err)
	assert.Equal(t, reconciliation.StatusWarn, res.Report.Checks[0].Status)
}

func TestCheckConsistency_ReusesCachedBodyButRecomputes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CheckConsistency(ctx, ConsistencyRequest{Tenant: "acme"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := f.svc.CheckConsistency(ctx, ConsistencyRequest{Tenant: "acme"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Report.Checks, second.Report.Checks)
	assert.Equal(t, 1, f.up.count("getBalances"))
}

func TestCheckConsistency_Narrative(t *testing.T) {
	n := &fakeNarrator{summary: "Cash is 150 short."}
	f := newFixture(t, WithNarrator(n))

	res, err := f.svc.CheckConsistency(context.Background(), ConsistencyRequest{Tenant: "acme", Narrative: true})
	require.NoError(t, err)
	require.NotNil(t, res.AISummary)
	assert.Equal(t, "Cash is 150 short.", *res.AISummary)

	res, err = f.svc.CheckConsistency(context.Background(), ConsistencyRequest{Tenant: "acme"})
	require.NoError(t, err)
	assert.Nil(t, res.AISummary)
	assert.Equal(t, 1, n.calls)
}

func TestCheckConsistency_NarrativeFailureKeepsReport(t *testing.T) {
	plain := newFixture(t)
	want, err := plain.svc.CheckConsistency(context.Background(), ConsistencyRequest{Tenant: "acme"})
	require.NoError(t, err)

	f := newFixture(t, WithNarrator(&fakeNarrator{err: errors.New("quota exceeded")}))
	got, err := f.svc.CheckConsistency(context.Background(), ConsistencyRequest{Tenant: "acme", Narrative: true})
	require.NoError(t, err)
	assert.Nil(t, got.AISummary)
	assert.Equal(t, want.Report.Checks, got.Report.Checks)
	assert.Equal(t, want.Report.Totals, got.Report.Totals)
}

func TestCheckConsistency_NoFacts(t *testing.T) {
	f := newFixture(t)
	f.up.set(func(context.Context, string, map[string]any) (*webhook.Response, error) {
		return okResponse(`{"ok":true,"data":"nothing here"}`), nil
	})
	_, err := f.svc.CheckConsistency(context.Background(), ConsistencyRequest{Tenant: "acme"})
	var pe *webhook.ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestCheckConsistency_UsesReportsClass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := "5.5.5.5|-"

	// reports limit is 2; each miss is charged.
	for i := 0; i < 2; i++ {
		require.NoError(t, f.svc.Invalidate(ctx, "acme", cache.KindBalance))
		f.clock.Advance(time.Millisecond)
		_, err := f.svc.CheckConsistency(ctx, ConsistencyRequest{Tenant: "acme", Identity: id})
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.Invalidate(ctx, "acme", cache.KindBalance))
	f.clock.Advance(time.Millisecond)
	_, err := f.svc.CheckConsistency(ctx, ConsistencyRequest{Tenant: "acme", Identity: id})
	assert.ErrorIs(t, err, ErrRateLimited)

	// The read class is a separate budget.
	_, err = f.svc.Read(ctx, ReadRequest{Tenant: "acme", Kind: cache.KindInbox, Identity: id})
	assert.NoError(t, err)
}
