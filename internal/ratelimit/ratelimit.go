// Package ratelimit provides fixed-window rate limiting per caller identity.
//
// Each (identity, class) pair owns one window. The first request opens it
// with count 1 and resetAt = now+window; later requests increment the count
// and are denied once it exceeds the class limit. Windows are replaced, never
// decremented, when they expire. A burst straddling a boundary can therefore
// see up to 2x the limit admitted.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var ErrUnknownClass = errors.New("ratelimit: unknown limit class")

// Class selects the per-window budget.
type Class string

const (
	ClassRead    Class = "read"
	ClassWrite   Class = "write"
	ClassAuth    Class = "auth"
	ClassReports Class = "reports"
	ClassHealth  Class = "health"
)

// DefaultWindow is the fixed window length.
const DefaultWindow = time.Minute

// DefaultLimits are requests per window by class.
var DefaultLimits = map[Class]int{
	ClassRead:    100,
	ClassWrite:   30,
	ClassAuth:    5,
	ClassReports: 10,
	ClassHealth:  200,
}

// Window is the state of one (identity, class) counter.
type Window struct {
	Identity    string
	Class       Class
	WindowStart time.Time
	Count       int
	Limit       int
}

// ResetAt is when the window expires.
func (w *Window) ResetAt(length time.Duration) time.Time {
	return w.WindowStart.Add(length)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long a denied caller should wait, at least one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// Store keeps window counters. Implementations must make Incr atomic per key.
type Store interface {
	// Incr counts one request and returns the window after counting.
	Incr(ctx context.Context, key string, window time.Duration) (count int, start time.Time, err error)
	// Current returns the window without counting; count is 0 if none is open.
	Current(ctx context.Context, key string, window time.Duration) (count int, start time.Time, err error)
}

// Limiter applies per-class limits over a Store.
type Limiter struct {
	store  Store
	limits map[Class]int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimits overrides class limits (by class name, as loaded from config).
func WithLimits(limits map[string]int) Option {
	return func(l *Limiter) {
		for class, n := range limits {
			if n > 0 {
				l.limits[Class(class)] = n
			}
		}
	}
}

// WithWindow overrides the window length.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter.
func New(store Store, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		limits: make(map[Class]int, len(DefaultLimits)),
		window: DefaultWindow,
		now:    time.Now,
		logger: logger,
	}
	for class, n := range DefaultLimits {
		l.limits[class] = n
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Limit returns the limit for class.
func (l *Limiter) Limit(class Class) (int, error) {
	n, ok := l.limits[class]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return n, nil
}

func windowKey(identity string, class Class) string {
	return string(class) + "|" + identity
}

// Admit counts one request for identity under class.
// Store failures fail open: the request is allowed and the error logged.
func (l *Limiter) Admit(ctx context.Context, identity string, class Class) Decision {
	limit, err := l.Limit(class)
	if err != nil {
		l.logger.Error("rate limit class not configured", "class", class)
		return Decision{Allowed: false, ResetAt: l.now().Add(l.window)}
	}

	count, start, err := l.store.Incr(ctx, windowKey(identity, class), l.window)
	if err != nil {
		rlStoreErrors.Inc()
		l.logger.Warn("rate limit store unavailable, admitting", "class", class, "error", err)
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: l.now().Add(l.window)}
	}

	d := decide(count, limit, start.Add(l.window))
	if d.Allowed {
		rlDecisions.WithLabelValues(string(class), "allowed").Inc()
	} else {
		rlDecisions.WithLabelValues(string(class), "denied").Inc()
	}
	return d
}

// Peek reports the decision the current window implies without counting.
func (l *Limiter) Peek(ctx context.Context, identity string, class Class) Decision {
	limit, err := l.Limit(class)
	if err != nil {
		return Decision{ResetAt: l.now().Add(l.window)}
	}
	count, start, err := l.store.Current(ctx, windowKey(identity, class), l.window)
	if err != nil || count == 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: l.now().Add(l.window)}
	}
	return decide(count, limit, start.Add(l.window))
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// ParseClass validates a class name.
func ParseClass(s string) (Class, error) {
	c := Class(strings.ToLower(s))
	if _, ok := DefaultLimits[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, s)
	}
	return c, nil
}
