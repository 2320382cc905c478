// Package storage is the repository over SQLite that backs the warmup
// engine and the action layer.
//
// It owns:
//   - Campaign policy rows (warmup_configs) and their contents
//   - Per-instance counter rows (warmup_stats, media_stats)
//   - The append-only action log (warmup_logs)
//   - Read access to instances and user plans
//
// The engine treats every write as best-effort telemetry; a failed write
// is logged and the worker loop continues.
package storage
