package warmup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"warmupd/internal/eventbus"
	"warmupd/internal/storage"
	logx "warmupd/pkg/logx"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	failing bool
}

func (f *fakeDispatcher) Send(ctx context.Context, instanceID, target string, item storage.ContentItem, t storage.MessageType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return errors.New("provider unavailable")
	}
	return nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testOptions() Options {
	return Options{
		MaxWorkers:       500,
		ResumeCooldown:   200 * time.Millisecond,
		TypingDelayScale: 0,
	}
}

func newTestEngine(t *testing.T, disp Dispatcher, opts Options) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "warmup.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	svc := New(st, disp, eventbus.New(), logx.Nop(), opts)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		_ = st.Close()
	})
	return svc, st
}

// seedCampaign provisions a PRO user, active instances, one config and
// one always-eligible text content.
func seedCampaign(t *testing.T, st storage.Store, userID string, instanceIDs []string, mod func(*storage.WarmupConfig)) *storage.WarmupConfig {
	t.Helper()
	ctx := context.Background()
	if err := st.PutUserPlan(ctx, userID, "PRO"); err != nil {
		t.Fatalf("PutUserPlan: %v", err)
	}
	for _, id := range instanceIDs {
		err := st.UpsertInstance(ctx, &storage.Instance{
			InstanceID:   id,
			UserID:       userID,
			InstanceName: id,
			Status:       "connected",
			IsActive:     true,
			IsConnected:  true,
		})
		if err != nil {
			t.Fatalf("UpsertInstance: %v", err)
		}
	}
	cfg := &storage.WarmupConfig{
		UserID:             userID,
		Name:               "test campaign",
		DailyMessageLimit:  1000,
		MessageIntervalMin: 1,
		MessageIntervalMax: 1,
		TextChance:         1,
		TargetNumbers:      []string{"5511000000001"},
		RetryOnError:       true,
		MaxRetries:         3,
		IsActive:           true,
	}
	if mod != nil {
		mod(cfg)
	}
	if err := st.CreateConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	err := st.AddContent(ctx, &storage.ContentItem{
		ConfigID:       cfg.ID,
		UserID:         userID,
		Type:           storage.TypeText,
		Payload:        storage.ContentPayload{Text: "hello there"},
		UsageWeight:    1,
		MaxUsagePerDay: 100000,
		IsActive:       true,
	})
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartWarmupMutualExclusion(t *testing.T) {
	disp := &fakeDispatcher{}
	svc, st := newTestEngine(t, disp, testOptions())
	cfg := seedCampaign(t, st, "u1", []string{"inst1"}, nil)
	ctx := context.Background()

	res, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"})
	if err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}
	if len(res.Started) != 1 || res.Started[0] != "inst1" {
		t.Fatalf("first start: %+v", res)
	}

	res, err = svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"})
	if err != nil {
		t.Fatalf("StartWarmup again: %v", err)
	}
	if len(res.Started) != 0 || len(res.AlreadyRunning) != 1 {
		t.Fatalf("second start must not duplicate the worker: %+v", res)
	}
	if stats := svc.GetServiceStats(); stats.Workers != 1 {
		t.Fatalf("want 1 worker, got %d", stats.Workers)
	}
}

func TestStartWarmupValidation(t *testing.T) {
	disp := &fakeDispatcher{}
	svc, st := newTestEngine(t, disp, testOptions())
	ctx := context.Background()
	cfg := seedCampaign(t, st, "u1", []string{"inst1"}, nil)

	// Unknown config.
	if _, err := svc.StartWarmup(ctx, "u1", "ghost", []string{"inst1"}); !errors.Is(err, ErrConfigInactive) {
		t.Fatalf("want ErrConfigInactive, got %v", err)
	}

	// Someone else's config is as good as missing.
	if _, err := svc.StartWarmup(ctx, "u2", cfg.ID, []string{"inst1"}); !errors.Is(err, ErrConfigInactive) {
		t.Fatalf("foreign config: want ErrConfigInactive, got %v", err)
	}

	// Plan ceiling: an unknown user falls back to FREE (2 instances).
	ids := []string{"a", "b", "c"}
	if _, err := svc.StartWarmup(ctx, "unknown-user", cfg.ID, ids); !errors.Is(err, ErrPlanLimit) {
		t.Fatalf("want ErrPlanLimit, got %v", err)
	}

	// Instance owned by another user is rejected, not started.
	res, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"not-mine"})
	if err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}
	if len(res.Rejected) != 1 || len(res.Started) != 0 {
		t.Fatalf("want rejection, got %+v", res)
	}
}

func TestAdmissionQueueBoundAndFIFO(t *testing.T) {
	disp := &fakeDispatcher{}
	opts := testOptions()
	opts.MaxWorkers = 1
	svc, st := newTestEngine(t, disp, opts)
	cfg := seedCampaign(t, st, "u1", []string{"i1", "i2", "i3"}, nil)
	ctx := context.Background()

	res, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"i1", "i2", "i3"})
	if err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}
	if len(res.Started) != 1 || res.Started[0] != "i1" {
		t.Fatalf("started: %+v", res)
	}
	if len(res.Queued) != 2 || res.Queued[0] != "i2" || res.Queued[1] != "i3" {
		t.Fatalf("queued order: %+v", res.Queued)
	}
	if stats := svc.GetServiceStats(); stats.Workers != 1 || stats.QueueDepth != 2 {
		t.Fatalf("bound violated: %+v", stats)
	}

	// Freeing the slot admits the queue head, and only the head.
	stop, err := svc.StopWarmup(ctx, "u1", []string{"i1"})
	if err != nil {
		t.Fatalf("StopWarmup: %v", err)
	}
	if stop.Stopped != 1 {
		t.Fatalf("stop result: %+v", stop)
	}
	stats := svc.GetServiceStats()
	if stats.Workers != 1 || stats.QueueDepth != 1 {
		t.Fatalf("after drain: %+v", stats)
	}
	if stats.WorkerSnaps[0].InstanceID != "i2" {
		t.Fatalf("FIFO violated: admitted %s", stats.WorkerSnaps[0].InstanceID)
	}
}

func TestStopWarmupPurgesQueue(t *testing.T) {
	disp := &fakeDispatcher{}
	opts := testOptions()
	opts.MaxWorkers = 1
	svc, st := newTestEngine(t, disp, opts)
	cfg := seedCampaign(t, st, "u1", []string{"i1", "i2"}, nil)
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"i1", "i2"}); err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}

	// i2 never materialized; stopping it must drop the pending start.
	res, err := svc.StopWarmup(ctx, "u1", []string{"i2"})
	if err != nil {
		t.Fatalf("StopWarmup: %v", err)
	}
	if res.Stopped != 0 || res.Dequeued != 1 {
		t.Fatalf("queued start not purged: %+v", res)
	}
	if stats := svc.GetServiceStats(); stats.QueueDepth != 0 {
		t.Fatalf("queue not empty: %+v", stats)
	}

	// Ownership mismatch reads as not found.
	res, err = svc.StopWarmup(ctx, "u2", []string{"i1"})
	if err != nil {
		t.Fatalf("StopWarmup foreign: %v", err)
	}
	if res.Stopped != 0 || len(res.NotFound) != 1 {
		t.Fatalf("foreign stop must be not-found: %+v", res)
	}
}

func TestQueueDrainSkipsDeactivatedInstance(t *testing.T) {
	disp := &fakeDispatcher{}
	opts := testOptions()
	opts.MaxWorkers = 1
	svc, st := newTestEngine(t, disp, opts)
	cfg := seedCampaign(t, st, "u1", []string{"i1", "i2", "i3"}, nil)
	ctx := context.Background()

	res, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"i1", "i2", "i3"})
	if err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}
	if len(res.Started) != 1 || len(res.Queued) != 2 {
		t.Fatalf("setup: %+v", res)
	}

	// i2 goes away while queued; admission must skip it, not start it.
	err = st.UpsertInstance(ctx, &storage.Instance{
		InstanceID:   "i2",
		UserID:       "u1",
		InstanceName: "i2",
		Status:       "disconnected",
		IsActive:     false,
	})
	if err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}

	if _, err := svc.StopWarmup(ctx, "u1", []string{"i1"}); err != nil {
		t.Fatalf("StopWarmup: %v", err)
	}
	stats := svc.GetServiceStats()
	if stats.Workers != 1 || stats.QueueDepth != 0 {
		t.Fatalf("after drain: %+v", stats)
	}
	if stats.WorkerSnaps[0].InstanceID != "i3" {
		t.Fatalf("dead instance admitted instead of being skipped: %+v", stats.WorkerSnaps[0])
	}
}

func TestStopAllUserWarmup(t *testing.T) {
	disp := &fakeDispatcher{}
	opts := testOptions()
	opts.MaxWorkers = 2
	svc, st := newTestEngine(t, disp, opts)
	cfg1 := seedCampaign(t, st, "u1", []string{"a1", "a2", "a3"}, nil)
	cfg2 := seedCampaign(t, st, "u2", []string{"b1"}, nil)
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg1.ID, []string{"a1", "a2", "a3"}); err != nil {
		t.Fatalf("StartWarmup u1: %v", err)
	}
	// u2's start lands in the queue (capacity 2 is exhausted).
	if _, err := svc.StartWarmup(ctx, "u2", cfg2.ID, []string{"b1"}); err != nil {
		t.Fatalf("StartWarmup u2: %v", err)
	}

	res, err := svc.StopAllUserWarmup(ctx, "u1")
	if err != nil {
		t.Fatalf("StopAllUserWarmup: %v", err)
	}
	if res.Stopped != 2 || res.Dequeued != 1 {
		t.Fatalf("teardown incomplete: %+v", res)
	}

	// u2's queued start was admitted once u1 freed capacity.
	stats := svc.GetServiceStats()
	if stats.Workers != 1 || stats.WorkerSnaps[0].UserID != "u2" {
		t.Fatalf("u2 not admitted: %+v", stats)
	}
}

func TestStaleWorkerReclamation(t *testing.T) {
	disp := &fakeDispatcher{}
	svc, st := newTestEngine(t, disp, testOptions())
	// DailyMessageLimit 0 makes the worker idle immediately, freezing
	// its activity timestamp.
	cfg := seedCampaign(t, st, "u1", []string{"inst1"}, func(c *storage.WarmupConfig) {
		c.DailyMessageLimit = 0
	})
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"}); err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}
	waitFor(t, 2*time.Second, "worker to idle", func() bool {
		stats := svc.GetServiceStats()
		return stats.Workers == 1 && !stats.WorkerSnaps[0].IsRunning
	})

	svc.mu.Lock()
	w := svc.workers["inst1"]
	svc.mu.Unlock()
	w.mu.Lock()
	w.lastActivity = time.Now().Add(-time.Hour)
	w.mu.Unlock()

	svc.cleanupPass()

	if stats := svc.GetServiceStats(); stats.Workers != 0 {
		t.Fatalf("stale worker not reclaimed: %+v", stats)
	}
	row, err := st.GetStats(ctx, "inst1", "u1")
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if row.Status != storage.StatusStopped || row.IsRunning {
		t.Fatalf("reclaimed worker not persisted as stopped: %+v", row)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	disp := &fakeDispatcher{}
	svc, st := newTestEngine(t, disp, testOptions())
	cfg := seedCampaign(t, st, "u1", []string{"inst1", "inst2"}, nil)
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1", "inst2"}); err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := svc.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown #%d: %v", i+1, err)
		}
	}
	stats := svc.GetServiceStats()
	if stats.Workers != 0 || stats.QueueDepth != 0 {
		t.Fatalf("shutdown left residue: %+v", stats)
	}
	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("start after shutdown: want ErrShuttingDown, got %v", err)
	}
	if _, err := svc.StopWarmup(ctx, "u1", []string{"inst1"}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("stop after shutdown: want ErrShuttingDown, got %v", err)
	}
}

func TestHealthPassPublishesEvents(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "warmup.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	opts := testOptions()
	opts.StuckAfter = 10 * time.Minute
	svc := New(st, &fakeDispatcher{}, bus, logx.Nop(), opts)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Shutdown(context.Background())

	// Hand-build registry state: one errored worker (error rate 50%) and
	// one running worker frozen for longer than StuckAfter.
	svc.mu.Lock()
	svc.workers["bad"] = &worker{
		instanceID: "bad", userID: "u1", svc: svc, rng: svc.newRNG(),
		status: storage.StatusError, lastActivity: time.Now(),
	}
	svc.workers["stuck"] = &worker{
		instanceID: "stuck", userID: "u1", svc: svc, rng: svc.newRNG(),
		status: storage.StatusActive, isRunning: true,
		lastActivity: time.Now().Add(-time.Hour),
	}
	svc.mu.Unlock()

	svc.healthPass()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			seen[e.Type] = true
		case <-time.After(time.Second):
			t.Fatalf("missing health events, saw %v", seen)
		}
	}
	if !seen[EventHealthWarning] || !seen[EventWorkerStuck] {
		t.Fatalf("want both health events, saw %v", seen)
	}
}
