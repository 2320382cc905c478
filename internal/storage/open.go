package storage

import (
	"context"
	"time"

	logx "warmupd/pkg/logx"
)

// Store is the persistence API consumed by the engine and the action layer.
//
// No multi-row transactional guarantee is assumed beyond per-statement
// atomicity; every engine write is scoped to one (instanceId, userId) so
// cross-worker write conflicts cannot arise.
type Store interface {
	// Instances (engine reads only; upsert exists for provisioning/tests).
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	UpsertInstance(ctx context.Context, in *Instance) error

	// Users / plans.
	GetUserPlan(ctx context.Context, userID string) (string, error)
	PutUserPlan(ctx context.Context, userID, plan string) error

	// Warmup configs.
	CreateConfig(ctx context.Context, cfg *WarmupConfig) error
	UpdateConfig(ctx context.Context, cfg *WarmupConfig) error
	GetConfig(ctx context.Context, id string) (*WarmupConfig, error)
	ListUserConfigs(ctx context.Context, userID string) ([]WarmupConfig, error)
	DeactivateConfig(ctx context.Context, id, userID string) error

	// Contents.
	AddContent(ctx context.Context, c *ContentItem) error
	DeleteContent(ctx context.Context, id, userID string) error
	ListConfigContents(ctx context.Context, configID string) ([]ContentItem, error)
	IncrementContentUsage(ctx context.Context, id string) error
	ResetDailyContentUsage(ctx context.Context, before time.Time) (int64, error)

	// Stats.
	EnsureStats(ctx context.Context, instanceID, userID, configID string) (*WarmupStats, error)
	GetStats(ctx context.Context, instanceID, userID string) (*WarmupStats, error)
	RecordSend(ctx context.Context, instanceID, userID string, t MessageType) error
	RecordError(ctx context.Context, instanceID, userID string) error
	SetWorkerState(ctx context.Context, instanceID, userID, status string, running bool) error
	TouchStats(ctx context.Context, instanceIDs []string) error
	ResetDailyStats(ctx context.Context, before time.Time) (int64, error)

	// Media stats.
	BumpMediaStats(ctx context.Context, instanceID, userID, date string, received bool, t MessageType) error
	GetMediaStats(ctx context.Context, instanceID, userID, date string, received bool) (*MediaStats, error)

	// Logs.
	AppendLog(ctx context.Context, e LogEntry) error
	ListLogs(ctx context.Context, userID, instanceID string, limit int) ([]LogEntry, error)

	Close() error
}

// Open initializes the sqlite store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
