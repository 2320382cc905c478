// Package warmup is the orchestration engine: a supervisor owning one
// worker per instance, a bounded FIFO admission queue, and the periodic
// maintenance jobs (cleanup, stats touch, health check, daily reset).
package warmup

import (
	"context"
	"errors"
	"time"

	"warmupd/internal/storage"
)

var (
	ErrShuttingDown   = errors.New("warmup service is shutting down")
	ErrPlanLimit      = errors.New("instance count exceeds plan limit")
	ErrConfigInactive = errors.New("warmup config is missing or inactive")
	ErrNoContents     = errors.New("warmup config has no active contents")
)

// Dispatcher is the narrow send interface the worker loop depends on.
// provider.Client satisfies it; tests inject fakes.
type Dispatcher interface {
	Send(ctx context.Context, instanceID, target string, item storage.ContentItem, t storage.MessageType) error
}

// Options carries the engine's tunables. The zero value is usable;
// Normalize fills production defaults. Tests shrink the durations to
// milliseconds.
type Options struct {
	// MaxWorkers is the global concurrency ceiling. Default 500.
	MaxWorkers int

	// ResumeCooldown is the pause before a worker that hit its retry
	// ceiling restarts. Default 5m.
	ResumeCooldown time.Duration

	// CleanupInterval / StaleAfter control reclamation of workers that
	// stopped reporting activity. Defaults 5m / 30m.
	CleanupInterval time.Duration
	StaleAfter      time.Duration

	// StatsInterval is the periodic last-activity persistence. Default 1m.
	StatsInterval time.Duration

	// HealthInterval, StuckAfter and ErrorRateWarn control the health
	// probe. Defaults 2m / 10m / 0.10.
	HealthInterval time.Duration
	StuckAfter     time.Duration
	ErrorRateWarn  float64

	// QueueDrainInterval is the periodic admission-queue drain. The queue
	// is also drained whenever a worker slot frees up. Default 10s.
	QueueDrainInterval time.Duration

	// TypingDelayScale scales the human-behavior delays. 0 disables them
	// (tests); 1 is the production pacing.
	TypingDelayScale float64

	// DailyResetSpec is the cron spec for the daily counter reset.
	// Default "0 0 * * *" (local midnight).
	DailyResetSpec string
}

func (o Options) normalize() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 500
	}
	if o.ResumeCooldown <= 0 {
		o.ResumeCooldown = 5 * time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Minute
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = time.Minute
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 2 * time.Minute
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 10 * time.Minute
	}
	if o.ErrorRateWarn <= 0 || o.ErrorRateWarn > 1 {
		o.ErrorRateWarn = 0.10
	}
	if o.QueueDrainInterval <= 0 {
		o.QueueDrainInterval = 10 * time.Second
	}
	if o.DailyResetSpec == "" {
		o.DailyResetSpec = "0 0 * * *"
	}
	return o
}

// queuedStart is one pending admission.
type queuedStart struct {
	InstanceID string
	UserID     string
	ConfigID   string
	EnqueuedAt time.Time
}

// StartResult reports the outcome of StartWarmup per instance.
type StartResult struct {
	Started        []string           `json:"started"`
	Queued         []string           `json:"queued"`
	AlreadyRunning []string           `json:"alreadyRunning"`
	Rejected       []RejectedInstance `json:"rejected,omitempty"`
}

type RejectedInstance struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
}

// StopResult reports the outcome of StopWarmup.
type StopResult struct {
	Stopped  int      `json:"stopped"`
	Dequeued int      `json:"dequeued"`
	NotFound []string `json:"notFound,omitempty"`
}

// WorkerSnapshot is a read-only view of one live worker.
type WorkerSnapshot struct {
	InstanceID   string    `json:"instanceId"`
	UserID       string    `json:"userId"`
	ConfigID     string    `json:"configId"`
	Status       string    `json:"status"`
	IsRunning    bool      `json:"isRunning"`
	MessageCount int       `json:"messageCount"`
	ErrorCount   int       `json:"errorCount"`
	LastActivity time.Time `json:"lastActivity"`
	StartedAt    time.Time `json:"startedAt"`
}

// ServiceStats is the aggregate view returned by GetServiceStats.
type ServiceStats struct {
	Workers     int              `json:"workers"`
	QueueDepth  int              `json:"queueDepth"`
	ByStatus    map[string]int   `json:"byStatus"`
	WorkerSnaps []WorkerSnapshot `json:"workerSnapshots"`
}

// Event types published on the bus by the health probe.
const (
	EventHealthWarning = "warmup.health_warning"
	EventWorkerStuck   = "warmup.worker_stuck"
)
