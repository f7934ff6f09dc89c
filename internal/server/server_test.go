package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TOOL2U/BookMate-sub002/internal/config"
	"github.com/TOOL2U/BookMate-sub002/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSheet stands in for an Apps Script deployment.
type fakeSheet struct {
	mu      sync.Mutex
	calls   map[string]int
	secrets []string
}

func newFakeSheet(t *testing.T) (*fakeSheet, *httptest.Server) {
	t.Helper()
	fs := &fakeSheet{calls: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (f *fakeSheet) serve(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	action, _ := req["action"].(string)
	secret, _ := req["secret"].(string)

	f.mu.Lock()
	f.calls[action]++
	f.secrets = append(f.secrets, secret)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch action {
	case "getBalances":
		_, _ = io.WriteString(w, `{"ok":true,"data":{"accounts":[
			{"account":"Cash","openingBalance":1000,"inflow":500,"outflow":200,"actualCurrent":1300},
			{"account":"Bank","openingBalance":"5,000.00","inflow":"1,000","outflow":0,"actualCurrent":5850}
		]}}`)
	case "getInbox":
		_, _ = io.WriteString(w, `{"ok":true,"items":[{"id":"r1","amount":12.5}]}`)
	default:
		_, _ = io.WriteString(w, `{"ok":true,"data":{"action":"`+action+`"}}`)
	}
}

func (f *fakeSheet) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

func (f *fakeSheet) lastSecret() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.secrets) == 0 {
		return ""
	}
	return f.secrets[len(f.secrets)-1]
}

// testConfig returns a minimal config for testing
func testConfig(webhookURL string) *config.Config {
	ttl := make(map[string]time.Duration, len(config.DefaultCacheTTL))
	for k, v := range config.DefaultCacheTTL {
		ttl[k] = v
	}
	limits := make(map[string]int, len(config.DefaultRateLimits))
	for k, v := range config.DefaultRateLimits {
		limits[k] = v
	}
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		AdminSecret:         "admin-secret",
		CORSOrigins:         []string{"*"},
		WebhookTimeout:      5 * time.Second,
		Tenants:             []config.TenantSeed{{ID: "acme", WebhookURL: webhookURL, Secret: "acme-secret"}},
		DriftWarnThreshold:  config.DefaultDriftWarn,
		DriftFailThreshold:  config.DefaultDriftFail,
		DriftTolerance:      config.DefaultDriftTolerance,
		SeverityPolicy:      config.DefaultSeverityPolicy,
		BalanceFactsPath:    config.DefaultBalanceFactsPath,
		CacheTTL:            ttl,
		CacheStaleRetention: time.Hour,
		RateLimitWindow:     time.Minute,
		RateLimits:          limits,
		MonitorInterval:     time.Hour,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	return s
}

func serve(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	_, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	w := serve(s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
	assert.Equal(t, "200", w.Header().Get("X-RateLimit-Limit"))

	w = serve(s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started the listener.
	w = serve(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	s.ready.Store(true)
	w = serve(s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_ReportsStoppedTimers(t *testing.T) {
	_, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	ctx, cancel := context.WithCancel(context.Background())
	s.startBackground(ctx)
	require.Eventually(t, func() bool {
		return serve(s, http.MethodGet, "/health", nil, nil).Code == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return serve(s, http.MethodGet, "/health", nil, nil).Code == http.StatusServiceUnavailable
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRequestID(t *testing.T) {
	_, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	w := serve(s, http.MethodGet, "/health/live", nil, nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	w = serve(s, http.MethodGet, "/health/live", nil, map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestNotFound(t *testing.T) {
	_, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	w := serve(s, http.MethodGet, "/v1/nothing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["code"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	serve(s, http.MethodGet, "/v1/tenants/acme/inbox", nil, nil)
	w := serve(s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bookmate_http_requests_total")
	assert.Contains(t, w.Body.String(), `bookmate_tenants_registered{status="active"} 1`)
}

// ---------------------------------------------------------------------------
// Gateway flow
// ---------------------------------------------------------------------------

func TestReadIsCachedPerTenantAndKind(t *testing.T) {
	fs, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	w := serve(s, http.MethodGet, "/v1/tenants/acme/inbox", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, false, body["cached"])
	assert.Len(t, body["items"], 1)

	w = serve(s, http.MethodGet, "/v1/tenants/ACME/inbox", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["cached"])

	assert.Equal(t, 1, fs.count("getInbox"))
	assert.Equal(t, "acme-secret", fs.lastSecret())
}

func TestConsistencyReport(t *testing.T) {
	_, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	w := serve(s, http.MethodGet, "/v1/tenants/acme/consistency", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		OK     bool                   `json:"ok"`
		Checks []reconciliation.Check `json:"checks"`
		Totals reconciliation.Check   `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.Len(t, resp.Checks, 2)

	assert.Equal(t, "Cash", resp.Checks[0].Account)
	assert.Equal(t, 1300.0, resp.Checks[0].ExpectedCurrent)
	assert.Equal(t, reconciliation.StatusOK, resp.Checks[0].Status)

	assert.Equal(t, "Bank", resp.Checks[1].Account)
	assert.Equal(t, 6000.0, resp.Checks[1].ExpectedCurrent)
	assert.Equal(t, -150.0, resp.Checks[1].Drift)
	assert.Equal(t, reconciliation.StatusFail, resp.Checks[1].Status)

	assert.Equal(t, reconciliation.TotalsAccount, resp.Totals.Account)
	assert.Equal(t, -150.0, resp.Totals.Drift)
}

func TestWriteThenReadIsFresh(t *testing.T) {
	fs, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/v1/tenants/acme/pnl", nil, nil).Code)

	w := serve(s, http.MethodPost, "/v1/tenants/acme/transactions",
		map[string]any{"date": "2025-03-01", "amount": 40, "category": "Supplies"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []any{"inbox", "pnl", "balance", "overhead"}, decode(t, w)["invalidated"])

	w = serve(s, http.MethodGet, "/v1/tenants/acme/pnl", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["cached"])
	assert.Equal(t, 2, fs.count("getPnL"))
	assert.Equal(t, 1, fs.count("appendTransaction"))
}

func TestUnknownTenant(t *testing.T) {
	_, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	w := serve(s, http.MethodGet, "/v1/tenants/globex/inbox", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "TENANT_NOT_CONFIGURED", decode(t, w)["code"])
}

func TestUpstreamDown(t *testing.T) {
	_, sheet := newFakeSheet(t)
	url := sheet.URL
	sheet.Close()
	s := newTestServer(t, testConfig(url))

	w := serve(s, http.MethodGet, "/v1/tenants/acme/overhead", nil, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", body["code"])
	assert.NotContains(t, w.Body.String(), "acme-secret")
}

// ---------------------------------------------------------------------------
// Admin + auth
// ---------------------------------------------------------------------------

func TestAdminUpdateDropsTenantCache(t *testing.T) {
	fs, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))
	admin := map[string]string{"X-Admin-Secret": "admin-secret"}

	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/v1/tenants/acme/inbox", nil, nil).Code)

	w := serve(s, http.MethodPut, "/v1/admin/tenants/acme", map[string]any{"secret": "rotated-secret"}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "rotated-secret")

	w = serve(s, http.MethodGet, "/v1/tenants/acme/inbox", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["cached"])
	assert.Equal(t, 2, fs.count("getInbox"))
	assert.Equal(t, "rotated-secret", fs.lastSecret())

	w = serve(s, http.MethodPut, "/v1/admin/tenants/acme", map[string]any{"status": "suspended"}, admin)
	require.Equal(t, http.StatusOK, w.Code)
	w = serve(s, http.MethodGet, "/v1/tenants/acme/inbox", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminRequiresSecret(t *testing.T) {
	_, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))

	w := serve(s, http.MethodGet, "/v1/admin/tenants/acme", nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
}

func TestTenantToken(t *testing.T) {
	_, sheet := newFakeSheet(t)
	cfg := testConfig(sheet.URL)
	cfg.JWTSecret = "jwt-secret"
	s := newTestServer(t, cfg)

	sign := func(tenantID string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"tenant": tenantID,
			"exp":    time.Now().Add(time.Hour).Unix(),
		})
		signed, err := tok.SignedString([]byte("jwt-secret"))
		require.NoError(t, err)
		return "Bearer " + signed
	}

	w := serve(s, http.MethodGet, "/v1/tenants/acme/inbox", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))

	w = serve(s, http.MethodGet, "/v1/tenants/acme/inbox", nil, map[string]string{"Authorization": sign("globex")})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = serve(s, http.MethodGet, "/v1/tenants/acme/inbox", nil, map[string]string{"Authorization": sign("acme")})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestShutdownWithoutRun(t *testing.T) {
	_, sheet := newFakeSheet(t)
	s := newTestServer(t, testConfig(sheet.URL))
	assert.NoError(t, s.Shutdown())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/bookmate", maskDSN("postgres://app:hunter2@db:5432/bookmate"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
