// Package monitor runs scheduled consistency checks for every usable tenant
// and exports their drift status.
//
// The monitor is an ordinary caller of the gateway: its checks go through the
// cache and breaker like any request, and it retries unavailable upstreams
// itself with backoff.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TOOL2U/BookMate-sub002/internal/gateway"
	"github.com/TOOL2U/BookMate-sub002/internal/reconciliation"
	"github.com/TOOL2U/BookMate-sub002/internal/retry"
	"github.com/TOOL2U/BookMate-sub002/internal/tenant"
	"github.com/TOOL2U/BookMate-sub002/internal/webhook"
)

// Checker runs one consistency check. *gateway.Service satisfies it.
type Checker interface {
	CheckConsistency(ctx context.Context, req gateway.ConsistencyRequest) (*gateway.ConsistencyResult, error)
}

// Lister enumerates registered tenants.
type Lister interface {
	List(ctx context.Context) ([]*tenant.Tenant, error)
}

// Result is the outcome of the latest check for one tenant.
type Result struct {
	Tenant    string                `json:"tenant"`
	Status    reconciliation.Status `json:"status,omitempty"`
	Drift     float64               `json:"drift"`
	Attempts  int                   `json:"attempts"`
	Error     string                `json:"error,omitempty"`
	CheckedAt time.Time             `json:"checkedAt"`
}

// Timer periodically checks every usable tenant.
type Timer struct {
	checker  Checker
	tenants  Lister
	interval time.Duration
	policy   retry.Policy
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool

	mu   sync.RWMutex
	last map[string]Result
}

// NewTimer creates a drift monitor. A non-positive interval defaults to 15m.
func NewTimer(checker Checker, tenants Lister, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Timer{
		checker:  checker,
		tenants:  tenants,
		interval: interval,
		policy:   retry.DefaultPolicy(),
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		last:     make(map[string]Result),
	}
}

// WithRetryPolicy overrides the retry policy for unavailable upstreams.
func (t *Timer) WithRetryPolicy(p retry.Policy) *Timer {
	t.policy = p
	return t
}

// Running reports whether the monitor loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the monitor loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// Last returns the latest result for a tenant.
func (t *Timer) Last(tenantID string) (Result, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.last[tenantID]
	return r, ok
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in drift monitor", "panic", fmt.Sprint(r))
		}
	}()
	t.RunOnce(ctx)
}

// RunOnce checks every usable tenant once and returns the results.
func (t *Timer) RunOnce(ctx context.Context) []Result {
	start := t.now()
	all, err := t.tenants.List(ctx)
	if err != nil {
		t.logger.Warn("drift monitor: failed to list tenants", "error", err)
		monitorRuns.WithLabelValues("list_failed").Inc()
		return nil
	}

	results := make([]Result, 0, len(all))
	failing := 0
	for _, tn := range all {
		if ctx.Err() != nil {
			break
		}
		if tn.Usable() != nil {
			t.forget(tn.ID)
			continue
		}
		r := t.check(ctx, tn.ID)
		if r.Error != "" || r.Status == reconciliation.StatusFail {
			failing++
		}
		results = append(results, r)
	}

	monitorRuns.WithLabelValues("ok").Inc()
	monitorRunDuration.Observe(t.now().Sub(start).Seconds())
	if failing > 0 {
		t.logger.Warn("drift monitor: run complete", "tenants", len(results), "failing", failing)
	} else {
		t.logger.Info("drift monitor: run complete", "tenants", len(results))
	}
	return results
}

func (t *Timer) check(ctx context.Context, id string) Result {
	r := Result{Tenant: id}

	var res *gateway.ConsistencyResult
	err := retry.Do(ctx, t.policy, func(attempt int) error {
		r.Attempts = attempt
		var err error
		res, err = t.checker.CheckConsistency(ctx, gateway.ConsistencyRequest{Tenant: id})
		if err != nil && !webhook.IsUnavailable(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		t.logger.Info("drift monitor: upstream unavailable, retrying",
			"tenant", id, "attempt", attempt, "wait", wait.String(), "error", err)
	})
	r.CheckedAt = t.now()

	if err != nil {
		r.Error = err.Error()
		monitorChecks.WithLabelValues("error").Inc()
		monitorStatus.WithLabelValues(id).Set(statusError)
		t.logger.Warn("drift monitor: check failed", "tenant", id, "attempts", r.Attempts, "error", err)
	} else {
		r.Status = res.Report.Totals.Status
		r.Drift = res.Report.Totals.Drift
		monitorChecks.WithLabelValues(string(r.Status)).Inc()
		monitorStatus.WithLabelValues(id).Set(statusValue(r.Status))
		monitorDrift.WithLabelValues(id).Set(r.Drift)
		if r.Status != reconciliation.StatusOK {
			t.logger.Warn("drift monitor: tenant out of balance", "tenant", id, "status", r.Status, "drift", r.Drift)
		}
	}

	t.mu.Lock()
	t.last[id] = r
	t.mu.Unlock()
	return r
}

// forget drops state for tenants that are no longer checked.
func (t *Timer) forget(id string) {
	t.mu.Lock()
	_, had := t.last[id]
	delete(t.last, id)
	t.mu.Unlock()
	if had {
		monitorStatus.DeleteLabelValues(id)
		monitorDrift.DeleteLabelValues(id)
	}
}

// Gauge values for monitorStatus.
const (
	statusOK    = 0
	statusWarn  = 1
	statusFail  = 2
	statusError = -1
)

func statusValue(s reconciliation.Status) float64 {
	switch s {
	case reconciliation.StatusOK:
		return statusOK
	case reconciliation.StatusWarn:
		return statusWarn
	default:
		return statusFail
	}
}
