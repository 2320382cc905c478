package warmup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"warmupd/internal/eventbus"
	"warmupd/internal/storage"
	logx "warmupd/pkg/logx"
)

// cronRunner wraps the cron scheduler so Shutdown can wait for running
// jobs to finish.
type cronRunner struct {
	c *cron.Cron
}

func (r *cronRunner) Stop() {
	if r == nil || r.c == nil {
		return
	}
	<-r.c.Stop().Done()
}

// startMaintenance wires the periodic jobs. Caller holds s.mu.
func (s *Service) startMaintenance() error {
	c := cron.New()

	c.Schedule(cron.Every(s.opts.CleanupInterval), cron.FuncJob(s.cleanupPass))
	c.Schedule(cron.Every(s.opts.StatsInterval), cron.FuncJob(s.statsTouchPass))
	c.Schedule(cron.Every(s.opts.HealthInterval), cron.FuncJob(s.healthPass))
	c.Schedule(cron.Every(s.opts.QueueDrainInterval), cron.FuncJob(func() {
		s.mu.Lock()
		s.drainQueueLocked(context.Background())
		s.mu.Unlock()
	}))
	if _, err := c.AddFunc(s.opts.DailyResetSpec, s.dailyResetPass); err != nil {
		return fmt.Errorf("daily reset spec %q: %w", s.opts.DailyResetSpec, err)
	}

	c.Start()
	s.cron = &cronRunner{c: c}
	return nil
}

// cleanupPass reclaims workers whose last activity is older than
// StaleAfter, regardless of their reported status.
func (s *Service) cleanupPass() {
	cutoff := time.Now().Add(-s.opts.StaleAfter)

	s.mu.Lock()
	var stale []*worker
	for _, w := range s.workers {
		if w.snapshot().LastActivity.Before(cutoff) {
			stale = append(stale, w)
		}
	}
	for _, w := range stale {
		s.log.Warn("reclaiming stale worker",
			logx.String("instance", w.instanceID),
			logx.Time("last_activity", w.snapshot().LastActivity))
		s.stopWorkerLocked(w, storage.StatusStopped)
	}
	if len(stale) > 0 {
		s.drainQueueLocked(context.Background())
	}
	s.mu.Unlock()
}

// statsTouchPass persists last-activity for workers that are actually
// making progress, so the health probe's staleness test reads fresh rows.
func (s *Service) statsTouchPass() {
	active := time.Now().Add(-s.opts.StuckAfter)

	s.mu.Lock()
	var ids []string
	for _, w := range s.workers {
		snap := w.snapshot()
		if snap.IsRunning && snap.LastActivity.After(active) {
			ids = append(ids, w.instanceID)
		}
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.TouchStats(ctx, ids); err != nil {
		s.log.Warn("stats touch failed", logx.Err(err))
	}
}

// healthPass raises early-warning events; it never takes action itself.
func (s *Service) healthPass() {
	stats := s.GetServiceStats()
	if stats.Workers == 0 {
		return
	}

	errored := stats.ByStatus[storage.StatusError]
	rate := float64(errored) / float64(stats.Workers)
	if rate > s.opts.ErrorRateWarn {
		s.log.Warn("worker error rate high",
			logx.Int("errored", errored),
			logx.Int("workers", stats.Workers),
			logx.Float64("rate", rate))
		s.publish(EventHealthWarning, map[string]any{
			"errored": errored,
			"workers": stats.Workers,
			"rate":    rate,
		})
	}

	stuckCutoff := time.Now().Add(-s.opts.StuckAfter)
	for _, snap := range stats.WorkerSnaps {
		if snap.IsRunning && snap.LastActivity.Before(stuckCutoff) {
			s.log.Warn("worker appears stuck",
				logx.String("instance", snap.InstanceID),
				logx.Time("last_activity", snap.LastActivity))
			s.publish(EventWorkerStuck, map[string]any{
				"instanceId":   snap.InstanceID,
				"userId":       snap.UserID,
				"lastActivity": snap.LastActivity,
			})
		}
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// dailyResetPass zeroes daily counters on stats and content rows whose
// last update predates today.
func (s *Service) dailyResetPass() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	n, err := s.store.ResetDailyStats(ctx, startOfDay)
	if err != nil {
		s.log.Warn("daily stats reset failed", logx.Err(err))
	}
	m, err := s.store.ResetDailyContentUsage(ctx, startOfDay)
	if err != nil {
		s.log.Warn("daily content reset failed", logx.Err(err))
	}
	s.log.Info("daily counters reset", logx.Int64("stats_rows", n), logx.Int64("content_rows", m))
}
