package warmup

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"warmupd/internal/eventbus"
	"warmupd/internal/runtime/supervisor"
	"warmupd/internal/storage"
	logx "warmupd/pkg/logx"
)

// Service is the warmup supervisor: it owns the worker registry, the
// FIFO admission queue, and the maintenance timers. All public entry
// points check the shutdown flag first.
type Service struct {
	opts  Options
	store storage.Store
	disp  Dispatcher
	bus   eventbus.Bus
	log   logx.Logger

	sup  *supervisor.Supervisor
	cron *cronRunner

	mu         sync.Mutex
	workers    map[string]*worker
	queue      []queuedStart
	isShutdown bool
	started    bool

	seedMu sync.Mutex
	seed   *rand.Rand
}

func New(store storage.Store, disp Dispatcher, bus eventbus.Bus, log logx.Logger, opts Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		opts:    opts.normalize(),
		store:   store,
		disp:    disp,
		bus:     bus,
		log:     log.With(logx.String("comp", "warmup")),
		workers: map[string]*worker{},
		seed:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start brings up the goroutine supervisor and the maintenance timers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isShutdown {
		return ErrShuttingDown
	}
	if s.started {
		return nil
	}
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	if err := s.startMaintenance(); err != nil {
		return err
	}
	s.started = true
	s.log.Info("warmup service started",
		logx.Int("max_workers", s.opts.MaxWorkers),
		logx.Duration("cleanup_interval", s.opts.CleanupInterval),
		logx.Duration("stale_after", s.opts.StaleAfter))
	return nil
}

// newRNG hands each worker its own rand source to avoid cross-worker
// lock contention on the global one.
func (s *Service) newRNG() *rand.Rand {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	return rand.New(rand.NewSource(s.seed.Int63()))
}

// StartWarmup validates the request and starts (or enqueues) one worker
// per instance. Validation failures surface synchronously; runtime
// failures later are only visible via stats polling.
func (s *Service) StartWarmup(ctx context.Context, userID, configID string, instanceIDs []string) (*StartResult, error) {
	s.mu.Lock()
	if s.isShutdown || !s.started {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.mu.Unlock()

	plan, err := s.store.GetUserPlan(ctx, userID)
	if err != nil && err != storage.ErrNotFound {
		return nil, fmt.Errorf("plan lookup: %w", err)
	}
	limits := storage.PlanLimitsFor(plan)
	if len(instanceIDs) > limits.MaxInstances {
		return nil, fmt.Errorf("%w: %d > %d", ErrPlanLimit, len(instanceIDs), limits.MaxInstances)
	}

	cfg, err := s.store.GetConfig(ctx, configID)
	if err == storage.ErrNotFound {
		return nil, ErrConfigInactive
	}
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if !cfg.IsActive || cfg.UserID != userID {
		return nil, ErrConfigInactive
	}

	contents, err := s.store.ListConfigContents(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("contents load: %w", err)
	}
	if !hasActiveContent(contents) {
		return nil, ErrNoContents
	}

	res := &StartResult{}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isShutdown {
		return nil, ErrShuttingDown
	}

	for _, id := range instanceIDs {
		if _, exists := s.workers[id]; exists {
			res.AlreadyRunning = append(res.AlreadyRunning, id)
			continue
		}
		inst, err := s.store.GetInstance(ctx, id)
		if err == storage.ErrNotFound {
			res.Rejected = append(res.Rejected, RejectedInstance{InstanceID: id, Reason: "instance not found"})
			continue
		}
		if err != nil {
			res.Rejected = append(res.Rejected, RejectedInstance{InstanceID: id, Reason: "instance lookup failed"})
			s.log.Warn("instance lookup failed", logx.String("instance", id), logx.Err(err))
			continue
		}
		if inst.UserID != userID || !inst.IsActive {
			res.Rejected = append(res.Rejected, RejectedInstance{InstanceID: id, Reason: "instance not available"})
			continue
		}

		if len(s.workers) < s.opts.MaxWorkers {
			s.startWorkerLocked(ctx, id, userID, cfg, contents)
			res.Started = append(res.Started, id)
		} else {
			s.queue = append(s.queue, queuedStart{
				InstanceID: id, UserID: userID, ConfigID: configID, EnqueuedAt: time.Now(),
			})
			res.Queued = append(res.Queued, id)
		}
	}
	return res, nil
}

func hasActiveContent(contents []storage.ContentItem) bool {
	for _, c := range contents {
		if c.IsActive {
			return true
		}
	}
	return false
}

// startWorkerLocked registers and launches one worker. Caller holds s.mu.
func (s *Service) startWorkerLocked(ctx context.Context, instanceID, userID string, cfg *storage.WarmupConfig, contents []storage.ContentItem) {
	w := &worker{
		instanceID: instanceID,
		userID:     userID,
		configID:   cfg.ID,
		svc:        s,
		rng:        s.newRNG(),
		cfg:        cfg,
		contents:   append([]storage.ContentItem(nil), contents...),
		status:     storage.StatusActive,
		isRunning:  true,
	}
	now := time.Now()
	w.startedAt = now
	w.lastActivity = now
	s.workers[instanceID] = w

	if _, err := s.store.EnsureStats(ctx, instanceID, userID, cfg.ID); err != nil {
		s.log.Warn("stats ensure failed", logx.String("instance", instanceID), logx.Err(err))
	}
	s.persistState(w, storage.StatusActive, true)
	s.launchLoop(w)
	s.log.Info("worker started", logx.String("instance", instanceID), logx.String("config", cfg.ID))
}

// launchLoop runs one pass of the worker loop under the goroutine
// supervisor with a per-worker cancel.
func (s *Service) launchLoop(w *worker) {
	wctx, cancel := context.WithCancel(s.sup.Context())
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	s.sup.Go0("warmup.worker."+w.instanceID, func(context.Context) {
		defer cancel()
		_ = w.run(wctx)
	})
}

// scheduleResume restarts a paused worker after the cooldown. The error
// count is intentionally NOT reset, matching the long-standing behavior:
// a single further failure re-pauses immediately.
func (s *Service) scheduleResume(w *worker) {
	s.sup.Go0("warmup.resume."+w.instanceID, func(ctx context.Context) {
		if !sleepCtx(ctx, s.opts.ResumeCooldown) {
			return
		}
		s.resumeWorker(ctx, w)
	})
}

func (s *Service) resumeWorker(ctx context.Context, w *worker) {
	s.mu.Lock()
	if s.isShutdown || s.workers[w.instanceID] != w {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log := s.log.With(logx.String("instance", w.instanceID))

	// Reload policy and contents so edits made during the pause apply.
	cfg, err := s.store.GetConfig(ctx, w.configID)
	if err != nil || !cfg.IsActive {
		log.Info("config gone or inactive; dropping paused worker")
		s.removeWorker(w.instanceID, w.userID, storage.StatusStopped)
		return
	}
	contents, err := s.store.ListConfigContents(ctx, w.configID)
	if err != nil || !hasActiveContent(contents) {
		log.Info("no active contents; dropping paused worker")
		s.removeWorker(w.instanceID, w.userID, storage.StatusStopped)
		return
	}

	w.mu.Lock()
	w.cfg = cfg
	w.contents = contents
	w.retryCount++
	w.status = storage.StatusActive
	w.isRunning = true
	w.lastActivity = time.Now()
	w.mu.Unlock()

	s.persistState(w, storage.StatusActive, true)
	s.mu.Lock()
	if s.isShutdown || s.workers[w.instanceID] != w {
		s.mu.Unlock()
		return
	}
	s.launchLoop(w)
	s.mu.Unlock()
	log.Info("worker resumed after cooldown", logx.Int("errors_carried", w.snapshot().ErrorCount))
}

// StopWarmup stops the caller's workers and purges matching queued
// starts. A worker owned by someone else reports as not found.
func (s *Service) StopWarmup(ctx context.Context, userID string, instanceIDs []string) (*StopResult, error) {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	res := &StopResult{}
	for _, id := range instanceIDs {
		w, ok := s.workers[id]
		if !ok || w.userID != userID {
			res.NotFound = append(res.NotFound, id)
			continue
		}
		s.stopWorkerLocked(w, storage.StatusStopped)
		res.Stopped++
	}
	res.Dequeued = s.purgeQueueLocked(func(q queuedStart) bool {
		if q.UserID != userID {
			return false
		}
		for _, id := range instanceIDs {
			if q.InstanceID == id {
				return true
			}
		}
		return false
	})
	s.drainQueueLocked(ctx)
	s.mu.Unlock()
	return res, nil
}

// StopAllUserWarmup stops every worker and queued start owned by userID.
func (s *Service) StopAllUserWarmup(ctx context.Context, userID string) (*StopResult, error) {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	res := &StopResult{}
	for _, w := range s.workers {
		if w.userID != userID {
			continue
		}
		s.stopWorkerLocked(w, storage.StatusStopped)
		res.Stopped++
	}
	res.Dequeued = s.purgeQueueLocked(func(q queuedStart) bool { return q.UserID == userID })
	s.drainQueueLocked(ctx)
	s.mu.Unlock()
	return res, nil
}

// stopWorkerLocked cancels, persists, and unregisters. Caller holds s.mu.
func (s *Service) stopWorkerLocked(w *worker, status string) {
	w.mu.Lock()
	cancel := w.cancel
	w.status = status
	w.isRunning = false
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.persistState(w, status, false)
	delete(s.workers, w.instanceID)
	s.log.Info("worker stopped", logx.String("instance", w.instanceID), logx.String("status", status))
}

func (s *Service) removeWorker(instanceID, userID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[instanceID]; ok && w.userID == userID {
		s.stopWorkerLocked(w, status)
		s.drainQueueLocked(context.Background())
	}
}

// purgeQueueLocked removes entries matching the predicate, preserving
// the order of the rest. Caller holds s.mu.
func (s *Service) purgeQueueLocked(match func(queuedStart) bool) int {
	kept := s.queue[:0]
	removed := 0
	for _, q := range s.queue {
		if match(q) {
			removed++
			continue
		}
		kept = append(kept, q)
	}
	s.queue = kept
	return removed
}

// drainQueueLocked admits queued starts in FIFO order while capacity is
// free. Entries whose config has gone away are dropped. Caller holds s.mu.
func (s *Service) drainQueueLocked(ctx context.Context) {
	if s.isShutdown || !s.started {
		return
	}
	for len(s.queue) > 0 && len(s.workers) < s.opts.MaxWorkers {
		q := s.queue[0]
		s.queue = s.queue[1:]
		if _, exists := s.workers[q.InstanceID]; exists {
			continue
		}
		cfg, err := s.store.GetConfig(ctx, q.ConfigID)
		if err != nil || !cfg.IsActive || cfg.UserID != q.UserID {
			s.log.Info("dropping queued start; config unavailable",
				logx.String("instance", q.InstanceID), logx.String("config", q.ConfigID))
			continue
		}
		contents, err := s.store.ListConfigContents(ctx, q.ConfigID)
		if err != nil || !hasActiveContent(contents) {
			s.log.Info("dropping queued start; no active contents",
				logx.String("instance", q.InstanceID))
			continue
		}
		// The instance may have been deactivated or reassigned while the
		// start waited in the queue; re-check like the start path does.
		inst, err := s.store.GetInstance(ctx, q.InstanceID)
		if err != nil || inst.UserID != q.UserID || !inst.IsActive {
			s.log.Info("dropping queued start; instance unavailable",
				logx.String("instance", q.InstanceID))
			continue
		}
		s.startWorkerLocked(ctx, q.InstanceID, q.UserID, cfg, contents)
	}
}

// GetServiceStats returns the aggregate engine view. Read-only.
func (s *Service) GetServiceStats() ServiceStats {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	depth := len(s.queue)
	s.mu.Unlock()

	out := ServiceStats{
		Workers:    len(workers),
		QueueDepth: depth,
		ByStatus:   map[string]int{},
	}
	for _, w := range workers {
		snap := w.snapshot()
		out.ByStatus[snap.Status]++
		out.WorkerSnaps = append(out.WorkerSnaps, snap)
	}
	return out
}

// GetInstanceStats returns the persisted counter row for one instance.
func (s *Service) GetInstanceStats(ctx context.Context, instanceID, userID string) (*storage.WarmupStats, error) {
	return s.store.GetStats(ctx, instanceID, userID)
}

// Shutdown is idempotent: stops timers, destroys all workers with
// best-effort persistence, and drops the queue without processing it.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return nil
	}
	s.isShutdown = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = map[string]*worker{}
	s.queue = nil
	cr := s.cron
	sup := s.sup
	s.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	for _, w := range workers {
		w.mu.Lock()
		cancel := w.cancel
		w.status = storage.StatusStopped
		w.isRunning = false
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.persistState(w, storage.StatusStopped, false)
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && err != context.Canceled {
			s.log.Warn("supervisor stop", logx.Err(err))
		}
	}
	s.log.Info("warmup service shut down", logx.Int("workers_stopped", len(workers)))
	return nil
}

// persistState writes a worker state transition; failures are logged and
// otherwise ignored (best-effort telemetry).
func (s *Service) persistState(w *worker, status string, running bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SetWorkerState(ctx, w.instanceID, w.userID, status, running); err != nil {
		s.log.Warn("state persist failed",
			logx.String("instance", w.instanceID),
			logx.String("status", status),
			logx.Err(err))
	}
}
