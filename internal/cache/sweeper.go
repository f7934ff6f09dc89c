package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweepable is anything holding expiring process-local state.
type Sweepable interface {
	Sweep() int
}

// Sweeper periodically reclaims expired cache entries and any other
// registered process-local state (e.g. rate limit windows).
type Sweeper struct {
	targets  map[string]Sweepable
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper. Register targets with Add before Start.
func NewSweeper(interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		targets:  make(map[string]Sweepable),
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Add registers a named target.
func (s *Sweeper) Add(name string, target Sweepable) {
	s.targets[name] = target
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in cache sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweepOnce()
}

func (s *Sweeper) sweepOnce() {
	for name, target := range s.targets {
		if removed := target.Sweep(); removed > 0 {
			s.logger.Info("swept expired state", "target", name, "removed", removed)
		}
	}
}
