package warmup

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"warmupd/internal/storage"
	logx "warmupd/pkg/logx"
)

// worker is the live execution state for one instance. Exactly one
// worker may exist per instanceId at a time; that invariant is the
// system's only concurrency control against overlapping sends.
type worker struct {
	instanceID string
	userID     string
	configID   string

	svc *Service
	rng *rand.Rand

	// cfg and contents are cached at start and reloaded only when
	// resuming from a pause.
	cfg      *storage.WarmupConfig
	contents []storage.ContentItem

	cancel context.CancelFunc

	mu           sync.Mutex
	status       string
	isRunning    bool
	messageCount int
	errorCount   int
	retryCount   int
	lastActivity time.Time
	lastErrorAt  time.Time
	startedAt    time.Time
}

func (w *worker) snapshot() WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerSnapshot{
		InstanceID:   w.instanceID,
		UserID:       w.userID,
		ConfigID:     w.configID,
		Status:       w.status,
		IsRunning:    w.isRunning,
		MessageCount: w.messageCount,
		ErrorCount:   w.errorCount,
		LastActivity: w.lastActivity,
		StartedAt:    w.startedAt,
	}
}

func (w *worker) setState(status string, running bool) {
	w.mu.Lock()
	w.status = status
	w.isRunning = running
	w.mu.Unlock()
}

func (w *worker) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// run is the loop body: limit-check, select type/content/destination,
// dispatch, record, sleep, repeat. Nothing inside propagates an error to
// the supervisor; every failure becomes counters, log rows, or a state
// transition.
func (w *worker) run(ctx context.Context) error {
	s := w.svc
	log := s.log.With(logx.String("instance", w.instanceID), logx.String("user", w.userID))

	for {
		if ctx.Err() != nil {
			return nil
		}
		w.mu.Lock()
		running := w.isRunning
		w.mu.Unlock()
		if !running {
			return nil
		}
		// The loop itself is proof of life. Skip cycles (active hours,
		// no eligible content) must keep lastActivity fresh or cleanup
		// would reclaim a healthy idling worker as stuck.
		w.touch()

		if !withinActiveHours(w.cfg, time.Now()) {
			if !w.sleepInterval(ctx) {
				return nil
			}
			continue
		}

		// Daily/monthly quota check before every send.
		stats, err := s.store.GetStats(ctx, w.instanceID, w.userID)
		if err != nil {
			log.Warn("stats read failed", logx.Err(err))
		} else {
			if stats.DailyMessagesSent >= w.cfg.DailyMessageLimit ||
				(w.cfg.MonthlyMessageLimit > 0 && stats.MonthlyMessagesSent >= w.cfg.MonthlyMessageLimit) {
				log.Info("message limit reached; worker idling",
					logx.Int("daily", stats.DailyMessagesSent),
					logx.Int("daily_limit", w.cfg.DailyMessageLimit))
				w.setState(storage.StatusActive, false)
				s.persistState(w, storage.StatusActive, false)
				return nil
			}
		}

		msgType := selectMessageType(w.cfg, w.rng)
		content, ok := w.pickContent(msgType)
		if !ok {
			// Soft skip: nothing eligible this cycle.
			if !w.sleepInterval(ctx) {
				return nil
			}
			continue
		}

		dest := selectDestination(w.cfg, w.rng)
		target := pickTarget(dest, w.rng)

		w.simulateTyping(ctx, msgType)
		if ctx.Err() != nil {
			return nil
		}

		err = s.disp.Send(ctx, w.instanceID, target, content, msgType)
		if err == nil {
			w.recordSuccess(ctx, content, msgType, target, dest.IsGroup, log)
		} else {
			if w.recordFailure(ctx, msgType, target, err, log) {
				// Paused; resume is scheduled. Leave the loop.
				return nil
			}
		}

		if !w.sleepInterval(ctx) {
			return nil
		}
	}
}

// pickContent selects content for the send type. Reactions without any
// stored content fall back to a synthetic item carrying the default
// emoji pool.
func (w *worker) pickContent(t storage.MessageType) (storage.ContentItem, bool) {
	ct := contentTypeFor(t)
	if c, ok := selectContent(w.contents, ct, w.rng); ok {
		return c, true
	}
	if t == storage.TypeReaction {
		return storage.ContentItem{Type: storage.TypeReaction}, true
	}
	return storage.ContentItem{}, false
}

func (w *worker) recordSuccess(ctx context.Context, content storage.ContentItem, t storage.MessageType, target string, isGroup bool, log logx.Logger) {
	w.mu.Lock()
	w.messageCount++
	w.lastActivity = time.Now()
	w.mu.Unlock()

	s := w.svc
	if err := s.store.RecordSend(ctx, w.instanceID, w.userID, t); err != nil {
		log.Warn("stats write failed", logx.Err(err))
	}
	date := time.Now().Format("2006-01-02")
	if err := s.store.BumpMediaStats(ctx, w.instanceID, w.userID, date, false, t); err != nil {
		log.Warn("media stats write failed", logx.Err(err))
	}
	if content.ID != "" {
		if err := s.store.IncrementContentUsage(ctx, content.ID); err != nil {
			log.Warn("content usage write failed", logx.Err(err))
		}
		// Keep the cached copy's eligibility in step with the store.
		for i := range w.contents {
			if w.contents[i].ID == content.ID {
				w.contents[i].CurrentDailyUsage++
				break
			}
		}
	}
	if err := s.store.AppendLog(ctx, storage.LogEntry{
		InstanceID:  w.instanceID,
		UserID:      w.userID,
		ConfigID:    w.configID,
		Action:      "message_sent",
		MessageType: t,
		Target:      target,
		Success:     true,
	}); err != nil {
		log.Warn("log append failed", logx.Err(err))
	}
	log.Debug("message sent",
		logx.String("type", string(t)),
		logx.String("target", target),
		logx.Bool("group", isGroup))
}

// recordFailure counts the failure and reports whether the worker paused.
func (w *worker) recordFailure(ctx context.Context, t storage.MessageType, target string, sendErr error, log logx.Logger) bool {
	w.mu.Lock()
	w.errorCount++
	w.lastErrorAt = time.Now()
	w.lastActivity = time.Now()
	errCount := w.errorCount
	w.mu.Unlock()

	s := w.svc
	if err := s.store.RecordError(ctx, w.instanceID, w.userID); err != nil {
		log.Warn("stats write failed", logx.Err(err))
	}
	if err := s.store.AppendLog(ctx, storage.LogEntry{
		InstanceID:  w.instanceID,
		UserID:      w.userID,
		ConfigID:    w.configID,
		Action:      "message_failed",
		MessageType: t,
		Target:      target,
		Success:     false,
		Error:       sendErr.Error(),
	}); err != nil {
		log.Warn("log append failed", logx.Err(err))
	}
	log.Warn("send failed", logx.String("type", string(t)), logx.Int("errors", errCount), logx.Err(sendErr))

	if errCount < w.cfg.MaxRetries {
		return false
	}
	if !w.cfg.RetryOnError {
		// Terminal: stays in the registry as errored until stopped or reclaimed.
		w.setState(storage.StatusError, false)
		s.persistState(w, storage.StatusError, false)
		log.Error("worker errored out", logx.Int("errors", errCount))
		return true
	}

	w.setState(storage.StatusPaused, false)
	s.persistState(w, storage.StatusPaused, false)
	log.Warn("worker paused after repeated failures",
		logx.Int("errors", errCount),
		logx.Duration("cooldown", s.opts.ResumeCooldown))
	s.scheduleResume(w)
	return true
}

// sleepInterval waits uniform(min,max) seconds; false means canceled.
func (w *worker) sleepInterval(ctx context.Context) bool {
	minS := w.cfg.MessageIntervalMin
	maxS := w.cfg.MessageIntervalMax
	if maxS < minS {
		maxS = minS
	}
	d := time.Duration(minS) * time.Second
	if span := maxS - minS; span > 0 {
		d += time.Duration(w.rng.Int63n(int64(span+1))) * time.Second
	}
	return sleepCtx(ctx, d)
}

// simulateTyping applies the per-type human-behavior delay.
func (w *worker) simulateTyping(ctx context.Context, t storage.MessageType) {
	scale := w.svc.opts.TypingDelayScale
	if !w.cfg.TypingSimulation || scale <= 0 {
		return
	}
	minS, maxS := typingDelayBounds(t)
	span := maxS - minS
	secs := float64(minS) + w.rng.Float64()*float64(span)
	sleepCtx(ctx, time.Duration(secs*scale*float64(time.Second)))
}

func typingDelayBounds(t storage.MessageType) (int, int) {
	switch t {
	case storage.TypeImage:
		return 5, 15
	case storage.TypeVideo:
		return 8, 20
	case storage.TypeAudio:
		return 3, 10
	case storage.TypeSticker:
		return 1, 5
	case storage.TypeReaction:
		return 1, 3
	case storage.TypeReply:
		return 4, 12
	default:
		return 2, 8
	}
}

// withinActiveHours checks the [start, end) local-clock window.
// start == end means always active.
func withinActiveHours(cfg *storage.WarmupConfig, now time.Time) bool {
	start, end := cfg.ActiveHoursStart, cfg.ActiveHoursEnd
	if start == end {
		return true
	}
	h := now.Hour()
	if start < end {
		return h >= start && h < end
	}
	// Window wraps midnight (e.g. 22..6).
	return h >= start || h < end
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
