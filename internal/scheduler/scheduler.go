// Package scheduler drives periodic convergence for storage providers
// that have no push channel: on a cron schedule it pulls remote changes,
// or force-syncs first when offline writes are waiting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/keepsakehq/keepsake/internal/memory"
	"github.com/keepsakehq/keepsake/internal/storage"
)

// DefaultSchedule is used when no expression is configured.
const DefaultSchedule = "@every 15m"

// Stats counts what the scheduler has done so far.
type Stats struct {
	Runs    int64
	Errors  int64
	LastRun time.Time
}

// Scheduler runs FetchChanges (or ForceSync when the provider reports
// pending offline changes) on a cron schedule. A failed tick is logged
// and waits for the next one.
type Scheduler struct {
	puller   storage.Puller
	schedule cron.Schedule
	expr     string
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	stats   Stats
}

// New validates the schedule expression and prepares a scheduler. expr
// accepts standard five-field cron plus descriptors like "@every 15m";
// empty means DefaultSchedule.
func New(puller storage.Puller, expr string, logger *slog.Logger) (*Scheduler, error) {
	if puller == nil {
		return nil, errors.New("scheduler needs a pull-capable provider")
	}
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sync schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		puller:   puller,
		schedule: schedule,
		expr:     expr,
		logger:   logger.With("component", "scheduler"),
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.stopCh, s.doneCh)
	s.logger.Info("sync scheduler started", "schedule", s.expr)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish. Safe to
// call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	s.logger.Info("sync scheduler stopped")
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	var err error

	if tracker, ok := s.puller.(storage.PendingTracker); ok && tracker.HasPendingChanges() {
		var res *storage.SyncResult
		res, err = s.puller.ForceSync(ctx)
		if err == nil {
			s.logger.Info("scheduled sync",
				"mode", "force", "uploaded", res.Uploaded, "downloaded", res.Downloaded,
				"conflicts", res.Conflicts, "took", time.Since(start))
		}
	} else {
		var ms []*memory.Memory
		ms, err = s.puller.FetchChanges(ctx)
		if err == nil {
			s.logger.Info("scheduled sync", "mode", "fetch", "memories", len(ms), "took", time.Since(start))
		}
	}

	s.mu.Lock()
	s.stats.Runs++
	s.stats.LastRun = start
	if err != nil {
		s.stats.Errors++
	}
	s.mu.Unlock()

	if err != nil {
		// Wait for the next tick; the backend may be back by then.
		s.logger.Warn("scheduled sync failed", "error", err)
	}
}
