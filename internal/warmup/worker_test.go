package warmup

import (
	"context"
	"testing"
	"time"

	"warmupd/internal/storage"
)

func TestWorkerStopsAtDailyLimit(t *testing.T) {
	disp := &fakeDispatcher{}
	svc, st := newTestEngine(t, disp, testOptions())
	cfg := seedCampaign(t, st, "u1", []string{"inst1"}, func(c *storage.WarmupConfig) {
		c.DailyMessageLimit = 2
		c.MessageIntervalMin = 0
		c.MessageIntervalMax = 0
	})
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"}); err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}

	waitFor(t, 5*time.Second, "worker to idle at the daily limit", func() bool {
		stats := svc.GetServiceStats()
		return stats.Workers == 1 && !stats.WorkerSnaps[0].IsRunning
	})

	row, err := st.GetStats(ctx, "inst1", "u1")
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if row.DailyMessagesSent != 2 {
		t.Fatalf("dailyMessagesSent = %d, want exactly 2", row.DailyMessagesSent)
	}
	if disp.callCount() != 2 {
		t.Fatalf("dispatcher called %d times, want 2", disp.callCount())
	}

	snap := svc.GetServiceStats().WorkerSnaps[0]
	if snap.Status != storage.StatusActive || snap.ErrorCount != 0 {
		t.Fatalf("idle worker must stay active with no errors: %+v", snap)
	}

	// Content usage followed the sends.
	items, err := st.ListConfigContents(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("ListConfigContents: %v", err)
	}
	if items[0].CurrentDailyUsage != 2 {
		t.Fatalf("content usage = %d, want 2", items[0].CurrentDailyUsage)
	}
}

func TestWorkerPausesAfterMaxRetries(t *testing.T) {
	disp := &fakeDispatcher{failing: true}
	opts := testOptions()
	opts.ResumeCooldown = time.Hour // keep the worker paused for this test
	svc, st := newTestEngine(t, disp, opts)
	cfg := seedCampaign(t, st, "u1", []string{"inst1"}, func(c *storage.WarmupConfig) {
		c.MessageIntervalMin = 0
		c.MessageIntervalMax = 0
		c.MaxRetries = 3
	})
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"}); err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}

	waitFor(t, 5*time.Second, "worker to pause", func() bool {
		stats := svc.GetServiceStats()
		return stats.Workers == 1 && stats.WorkerSnaps[0].Status == storage.StatusPaused
	})

	if got := disp.callCount(); got != 3 {
		t.Fatalf("dispatcher called %d times, want 3", got)
	}
	// No 4th attempt happens while the cooldown is pending.
	time.Sleep(100 * time.Millisecond)
	if got := disp.callCount(); got != 3 {
		t.Fatalf("send attempted during cooldown: %d calls", got)
	}

	row, err := st.GetStats(ctx, "inst1", "u1")
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if row.Status != storage.StatusPaused || row.IsRunning {
		t.Fatalf("pause not persisted: %+v", row)
	}
	if row.TotalErrors != 3 {
		t.Fatalf("totalErrors = %d, want 3", row.TotalErrors)
	}
}

// The resume path intentionally carries errorCount over, so one more
// failure after the cooldown re-pauses the worker immediately.
func TestWorkerResumeCarriesErrorCount(t *testing.T) {
	disp := &fakeDispatcher{failing: true}
	opts := testOptions()
	opts.ResumeCooldown = 150 * time.Millisecond
	svc, st := newTestEngine(t, disp, opts)
	cfg := seedCampaign(t, st, "u1", []string{"inst1"}, func(c *storage.WarmupConfig) {
		c.MessageIntervalMin = 0
		c.MessageIntervalMax = 0
		c.MaxRetries = 3
	})
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"}); err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}

	waitFor(t, 5*time.Second, "first pause", func() bool {
		stats := svc.GetServiceStats()
		return stats.Workers == 1 && stats.WorkerSnaps[0].Status == storage.StatusPaused
	})
	if got := disp.callCount(); got != 3 {
		t.Fatalf("calls before cooldown = %d, want 3", got)
	}

	// After the cooldown the worker resumes, fails once, and re-pauses.
	waitFor(t, 5*time.Second, "re-pause after a single failure", func() bool {
		stats := svc.GetServiceStats()
		return disp.callCount() >= 4 &&
			stats.Workers == 1 &&
			stats.WorkerSnaps[0].Status == storage.StatusPaused &&
			stats.WorkerSnaps[0].ErrorCount >= 4
	})
}

func TestWorkerErrorsOutWithoutRetryOnError(t *testing.T) {
	disp := &fakeDispatcher{failing: true}
	svc, st := newTestEngine(t, disp, testOptions())
	cfg := seedCampaign(t, st, "u1", []string{"inst1"}, func(c *storage.WarmupConfig) {
		c.MessageIntervalMin = 0
		c.MessageIntervalMax = 0
		c.MaxRetries = 2
		c.RetryOnError = false
	})
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"}); err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}

	waitFor(t, 5*time.Second, "worker to error out", func() bool {
		stats := svc.GetServiceStats()
		return stats.Workers == 1 && stats.WorkerSnaps[0].Status == storage.StatusError
	})
	if got := disp.callCount(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	row, err := st.GetStats(ctx, "inst1", "u1")
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if row.Status != storage.StatusError {
		t.Fatalf("terminal error not persisted: %+v", row)
	}
}

func TestWorkerSkipsOutsideActiveHours(t *testing.T) {
	disp := &fakeDispatcher{}
	svc, st := newTestEngine(t, disp, testOptions())

	// A one-hour window that excludes the current hour.
	h := (time.Now().Hour() + 6) % 24
	cfg := seedCampaign(t, st, "u1", []string{"inst1"}, func(c *storage.WarmupConfig) {
		c.MessageIntervalMin = 0
		c.MessageIntervalMax = 0
		c.ActiveHoursStart = h
		c.ActiveHoursEnd = (h + 1) % 24
	})
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"}); err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := disp.callCount(); got != 0 {
		t.Fatalf("sent %d messages outside the active window", got)
	}
	// The worker idles but stays healthy and registered.
	stats := svc.GetServiceStats()
	if stats.Workers != 1 || stats.WorkerSnaps[0].Status != storage.StatusActive {
		t.Fatalf("worker state outside window: %+v", stats)
	}
}

// A worker skipping cycles outside its window is alive, not stuck;
// cleanup must never reclaim it.
func TestIdleWorkerSurvivesCleanup(t *testing.T) {
	disp := &fakeDispatcher{}
	opts := testOptions()
	opts.StaleAfter = 50 * time.Millisecond
	svc, st := newTestEngine(t, disp, opts)

	h := (time.Now().Hour() + 6) % 24
	cfg := seedCampaign(t, st, "u1", []string{"inst1"}, func(c *storage.WarmupConfig) {
		c.MessageIntervalMin = 0
		c.MessageIntervalMax = 0
		c.ActiveHoursStart = h
		c.ActiveHoursEnd = (h + 1) % 24
	})
	ctx := context.Background()

	if _, err := svc.StartWarmup(ctx, "u1", cfg.ID, []string{"inst1"}); err != nil {
		t.Fatalf("StartWarmup: %v", err)
	}

	// Let the loop skip cycles well past StaleAfter, then sweep.
	time.Sleep(200 * time.Millisecond)
	svc.cleanupPass()

	stats := svc.GetServiceStats()
	if stats.Workers != 1 {
		t.Fatalf("cleanup reclaimed a live idling worker: %+v", stats)
	}
	snap := stats.WorkerSnaps[0]
	if !snap.IsRunning || snap.Status != storage.StatusActive {
		t.Fatalf("idling worker must stay active and running: %+v", snap)
	}
	if age := time.Since(snap.LastActivity); age > opts.StaleAfter {
		t.Fatalf("skip cycles did not refresh lastActivity (age %v)", age)
	}
}

func TestWithinActiveHours(t *testing.T) {
	mk := func(start, end int) *storage.WarmupConfig {
		return &storage.WarmupConfig{ActiveHoursStart: start, ActiveHoursEnd: end}
	}
	at := func(h int) time.Time {
		return time.Date(2026, 8, 28, h, 30, 0, 0, time.Local)
	}
	cases := []struct {
		name string
		cfg  *storage.WarmupConfig
		hour int
		want bool
	}{
		{"always active when unset", mk(0, 0), 3, true},
		{"inside plain window", mk(8, 22), 12, true},
		{"start is inclusive", mk(8, 22), 8, true},
		{"end is exclusive", mk(8, 22), 22, false},
		{"before window", mk(8, 22), 5, false},
		{"wrapped window at night", mk(22, 6), 23, true},
		{"wrapped window early morning", mk(22, 6), 3, true},
		{"wrapped window midday", mk(22, 6), 12, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := withinActiveHours(tc.cfg, at(tc.hour)); got != tc.want {
				t.Fatalf("withinActiveHours(%d..%d at %d) = %v, want %v",
					tc.cfg.ActiveHoursStart, tc.cfg.ActiveHoursEnd, tc.hour, got, tc.want)
			}
		})
	}
}
