package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/straja-ai/phiwatch/internal/metrics"
	"github.com/straja-ai/phiwatch/internal/redact"
)

// Recomputer is the slice of Engine the scheduler drives.
type Recomputer interface {
	RecomputeMetrics(ctx context.Context, window time.Duration) (metrics.Snapshot, error)
}

// Scheduler recomputes metrics on a fixed interval. It runs one cycle as soon as it starts
// and stops on Stop or when the start context is cancelled.
type Scheduler struct {
	target   Recomputer
	interval time.Duration
	window   time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

func NewScheduler(target Recomputer, interval, window time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		target:   target,
		interval: interval,
		window:   window,
	}
}

// Start launches the loop. It fails if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	redact.Logf("scheduler: metrics recompute every %s (window %s)", s.interval, s.window)
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to finish. Safe to call twice.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
}

// RunNow runs one cycle immediately without touching the schedule.
func (s *Scheduler) RunNow(ctx context.Context) (metrics.Snapshot, error) {
	return s.target.RecomputeMetrics(ctx, s.window)
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			redact.Logf("scheduler: stopped (context cancelled)")
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-done:
			redact.Logf("scheduler: stopped (stop requested)")
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	snap, err := s.target.RecomputeMetrics(ctx, s.window)
	if err != nil {
		redact.Logf("scheduler: recompute degraded: %v", err)
	}
	redact.Logf("scheduler: compliance=%.2f%% total=%d flagged=%d blocked=%d drift=%.2f open_alerts=%d",
		snap.ComplianceScore, snap.TotalCount, snap.FlaggedCount, snap.BlockedCount, snap.DriftPercent, snap.ActiveAudits)
}
