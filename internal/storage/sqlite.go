package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "warmupd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time helpers ----

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	t := parseTime(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func newID() string { return uuid.NewString() }

// ---- instances ----

func (s *sqliteStore) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instance_id, user_id, instance_name, status, phone_number, is_active, is_connected, created_at, updated_at
		 FROM instances WHERE instance_id = ?`, instanceID)
	var in Instance
	var phone sql.NullString
	var created, updated string
	err := row.Scan(&in.InstanceID, &in.UserID, &in.InstanceName, &in.Status, &phone, &in.IsActive, &in.IsConnected, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	in.PhoneNumber = phone.String
	in.CreatedAt = parseTime(created)
	in.UpdatedAt = parseTime(updated)
	return &in, nil
}

func (s *sqliteStore) UpsertInstance(ctx context.Context, in *Instance) error {
	if in == nil || strings.TrimSpace(in.InstanceID) == "" {
		return errors.New("instance id is required")
	}
	now := time.Now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances(instance_id, user_id, instance_name, status, phone_number, is_active, is_connected, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(instance_id) DO UPDATE SET
		   user_id=excluded.user_id, instance_name=excluded.instance_name, status=excluded.status,
		   phone_number=excluded.phone_number, is_active=excluded.is_active, is_connected=excluded.is_connected,
		   updated_at=excluded.updated_at`,
		in.InstanceID, in.UserID, in.InstanceName, in.Status, nullStr(in.PhoneNumber),
		in.IsActive, in.IsConnected, fmtTime(in.CreatedAt), fmtTime(in.UpdatedAt),
	)
	return err
}

// ---- users / plans ----

func (s *sqliteStore) GetUserPlan(ctx context.Context, userID string) (string, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM users WHERE id = ?`, userID).Scan(&plan)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return plan, nil
}

func (s *sqliteStore) PutUserPlan(ctx context.Context, userID, plan string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, plan, created_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET plan=excluded.plan, updated_at=excluded.updated_at`,
		userID, plan, now, now,
	)
	return err
}

// ---- warmup configs ----

func (s *sqliteStore) CreateConfig(ctx context.Context, cfg *WarmupConfig) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = newID()
	}
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO warmup_configs(id, user_id, name, is_active, body, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		cfg.ID, cfg.UserID, cfg.Name, cfg.IsActive, string(body), fmtTime(now), fmtTime(now),
	)
	return err
}

func (s *sqliteStore) UpdateConfig(ctx context.Context, cfg *WarmupConfig) error {
	if cfg == nil || strings.TrimSpace(cfg.ID) == "" {
		return errors.New("config id is required")
	}
	cfg.UpdatedAt = time.Now()
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE warmup_configs SET name=?, is_active=?, body=?, updated_at=? WHERE id=? AND user_id=?`,
		cfg.Name, cfg.IsActive, string(body), fmtTime(cfg.UpdatedAt), cfg.ID, cfg.UserID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetConfig(ctx context.Context, id string) (*WarmupConfig, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM warmup_configs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg WarmupConfig
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", id, err)
	}
	return &cfg, nil
}

func (s *sqliteStore) ListUserConfigs(ctx context.Context, userID string) ([]WarmupConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM warmup_configs WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WarmupConfig
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var cfg WarmupConfig
		if err := json.Unmarshal([]byte(body), &cfg); err != nil {
			s.log.Warn("skipping undecodable config row", logx.Err(err))
			continue
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeactivateConfig(ctx context.Context, id, userID string) error {
	// Soft-deactivate: the row stays while contents/stats reference it.
	cfg, err := s.GetConfig(ctx, id)
	if err != nil {
		return err
	}
	if cfg.UserID != userID {
		return ErrNotFound
	}
	cfg.IsActive = false
	return s.UpdateConfig(ctx, cfg)
}

// ---- contents ----

func (s *sqliteStore) AddContent(ctx context.Context, c *ContentItem) error {
	if c == nil {
		return errors.New("content is nil")
	}
	if !ValidContentType(c.Type) {
		return fmt.Errorf("invalid content type %q", c.Type)
	}
	if strings.TrimSpace(c.ID) == "" {
		c.ID = newID()
	}
	if c.UsageWeight <= 0 {
		c.UsageWeight = 1
	}
	if c.MaxUsagePerDay <= 0 {
		c.MaxUsagePerDay = 50
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO warmup_contents(id, config_id, user_id, type, payload, usage_weight, max_usage_per_day,
		   current_daily_usage, is_active, use_count, last_used, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ConfigID, c.UserID, string(c.Type), string(payload), c.UsageWeight, c.MaxUsagePerDay,
		c.CurrentDailyUsage, c.IsActive, c.UseCount, fmtTimePtr(c.LastUsed), fmtTime(now), fmtTime(now),
	)
	return err
}

func (s *sqliteStore) DeleteContent(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM warmup_contents WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListConfigContents(ctx context.Context, configID string) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, config_id, user_id, type, payload, usage_weight, max_usage_per_day,
		        current_daily_usage, is_active, use_count, last_used, created_at, updated_at
		 FROM warmup_contents WHERE config_id = ? ORDER BY created_at`, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContentItem
	for rows.Next() {
		var c ContentItem
		var typ, payload, created, updated string
		var lastUsed sql.NullString
		if err := rows.Scan(&c.ID, &c.ConfigID, &c.UserID, &typ, &payload, &c.UsageWeight, &c.MaxUsagePerDay,
			&c.CurrentDailyUsage, &c.IsActive, &c.UseCount, &lastUsed, &created, &updated); err != nil {
			return nil, err
		}
		c.Type = MessageType(typ)
		if err := json.Unmarshal([]byte(payload), &c.Payload); err != nil {
			s.log.Warn("skipping undecodable content row", logx.String("id", c.ID), logx.Err(err))
			continue
		}
		c.LastUsed = parseTimePtr(lastUsed)
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) IncrementContentUsage(ctx context.Context, id string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE warmup_contents
		 SET current_daily_usage = current_daily_usage + 1,
		     use_count = use_count + 1,
		     last_used = ?, updated_at = ?
		 WHERE id = ?`, now, now, id)
	return err
}

func (s *sqliteStore) ResetDailyContentUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE warmup_contents SET current_daily_usage = 0, updated_at = ?
		 WHERE current_daily_usage > 0 AND updated_at < ?`,
		fmtTime(time.Now()), fmtTime(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- warmup stats ----

const statsCols = `id, instance_id, user_id, config_id, messages_sent, daily_messages_sent,
	monthly_messages_sent, messages_received, sent_by_type, total_errors, daily_errors,
	retry_count, status, is_running, started_at, last_activity_at, last_reset_at, created_at, updated_at`

func (s *sqliteStore) scanStats(row interface{ Scan(...any) error }) (*WarmupStats, error) {
	var st WarmupStats
	var sentByType, created, updated string
	var started, activity, reset sql.NullString
	err := row.Scan(&st.ID, &st.InstanceID, &st.UserID, &st.ConfigID, &st.MessagesSent, &st.DailyMessagesSent,
		&st.MonthlyMessagesSent, &st.MessagesReceived, &sentByType, &st.TotalErrors, &st.DailyErrors,
		&st.RetryCount, &st.Status, &st.IsRunning, &started, &activity, &reset, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.SentByType = map[string]int{}
	_ = json.Unmarshal([]byte(sentByType), &st.SentByType)
	st.StartedAt = parseTimePtr(started)
	st.LastActivityAt = parseTimePtr(activity)
	st.LastResetAt = parseTimePtr(reset)
	st.CreatedAt = parseTime(created)
	st.UpdatedAt = parseTime(updated)
	return &st, nil
}

func (s *sqliteStore) EnsureStats(ctx context.Context, instanceID, userID, configID string) (*WarmupStats, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO warmup_stats(id, instance_id, user_id, config_id, status, started_at, last_activity_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(instance_id, user_id) DO UPDATE SET
		   config_id=excluded.config_id, started_at=excluded.started_at, last_activity_at=excluded.last_activity_at,
		   updated_at=excluded.updated_at`,
		newID(), instanceID, userID, configID, StatusActive, fmtTime(now), fmtTime(now), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, err
	}
	return s.GetStats(ctx, instanceID, userID)
}

func (s *sqliteStore) GetStats(ctx context.Context, instanceID, userID string) (*WarmupStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+statsCols+` FROM warmup_stats WHERE instance_id = ? AND user_id = ?`, instanceID, userID)
	return s.scanStats(row)
}

func (s *sqliteStore) RecordSend(ctx context.Context, instanceID, userID string, t MessageType) error {
	now := fmtTime(time.Now())
	// Message type values come from a closed enum, so building the JSON path
	// inline is safe.
	path := "$." + string(t)
	_, err := s.db.ExecContext(ctx,
		`UPDATE warmup_stats SET
		   messages_sent = messages_sent + 1,
		   daily_messages_sent = daily_messages_sent + 1,
		   monthly_messages_sent = monthly_messages_sent + 1,
		   sent_by_type = json_set(sent_by_type, ?, coalesce(json_extract(sent_by_type, ?), 0) + 1),
		   last_activity_at = ?, updated_at = ?
		 WHERE instance_id = ? AND user_id = ?`,
		path, path, now, now, instanceID, userID)
	return err
}

func (s *sqliteStore) RecordError(ctx context.Context, instanceID, userID string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE warmup_stats SET
		   total_errors = total_errors + 1,
		   daily_errors = daily_errors + 1,
		   last_activity_at = ?, updated_at = ?
		 WHERE instance_id = ? AND user_id = ?`,
		now, now, instanceID, userID)
	return err
}

func (s *sqliteStore) SetWorkerState(ctx context.Context, instanceID, userID, status string, running bool) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE warmup_stats SET status = ?, is_running = ?, updated_at = ?
		 WHERE instance_id = ? AND user_id = ?`,
		status, running, now, instanceID, userID)
	return err
}

func (s *sqliteStore) TouchStats(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	now := fmtTime(time.Now())
	ph := strings.TrimRight(strings.Repeat("?,", len(instanceIDs)), ",")
	args := make([]any, 0, len(instanceIDs)+2)
	args = append(args, now, now)
	for _, id := range instanceIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE warmup_stats SET last_activity_at = ?, updated_at = ?
		 WHERE is_running = 1 AND instance_id IN (`+ph+`)`, args...)
	return err
}

func (s *sqliteStore) ResetDailyStats(ctx context.Context, before time.Time) (int64, error) {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE warmup_stats SET daily_messages_sent = 0, daily_errors = 0, last_reset_at = ?, updated_at = ?
		 WHERE (daily_messages_sent > 0 OR daily_errors > 0) AND updated_at < ?`,
		now, now, fmtTime(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- media stats ----

func (s *sqliteStore) BumpMediaStats(ctx context.Context, instanceID, userID, date string, received bool, t MessageType) error {
	now := fmtTime(time.Now())
	path := "$." + string(t)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_stats(id, instance_id, user_id, date, is_received, counts_by_type,
		   total_daily, total_all_time, created_at, updated_at)
		 VALUES(?,?,?,?,?,json_set('{}', ?, 1),1,1,?,?)
		 ON CONFLICT(instance_id, user_id, date, is_received) DO UPDATE SET
		   counts_by_type = json_set(counts_by_type, ?, coalesce(json_extract(counts_by_type, ?), 0) + 1),
		   total_daily = total_daily + 1,
		   total_all_time = total_all_time + 1,
		   updated_at = ?`,
		newID(), instanceID, userID, date, received, path, now, now, path, path, now)
	return err
}

func (s *sqliteStore) GetMediaStats(ctx context.Context, instanceID, userID, date string, received bool) (*MediaStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, user_id, date, is_received, counts_by_type, total_daily, total_all_time, created_at, updated_at
		 FROM media_stats WHERE instance_id = ? AND user_id = ? AND date = ? AND is_received = ?`,
		instanceID, userID, date, received)
	var m MediaStats
	var counts, created, updated string
	err := row.Scan(&m.ID, &m.InstanceID, &m.UserID, &m.Date, &m.IsReceived, &counts, &m.TotalDaily, &m.TotalAllTime, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CountsByType = map[string]int{}
	_ = json.Unmarshal([]byte(counts), &m.CountsByType)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

// ---- logs ----

func (s *sqliteStore) AppendLog(ctx context.Context, e LogEntry) error {
	if strings.TrimSpace(e.ID) == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO warmup_logs(id, instance_id, user_id, config_id, action, message_type, target, success, details, err, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.InstanceID, e.UserID, nullStr(e.ConfigID), e.Action, nullStr(string(e.MessageType)),
		nullStr(e.Target), e.Success, nullStr(e.Details), nullStr(e.Error), fmtTime(e.CreatedAt),
	)
	return err
}

func (s *sqliteStore) ListLogs(ctx context.Context, userID, instanceID string, limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT id, instance_id, user_id, config_id, action, message_type, target, success, details, err, created_at
	      FROM warmup_logs WHERE user_id = ?`
	args := []any{userID}
	if strings.TrimSpace(instanceID) != "" {
		q += ` AND instance_id = ?`
		args = append(args, instanceID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var configID, msgType, target, details, errMsg sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.UserID, &configID, &e.Action, &msgType, &target,
			&e.Success, &details, &errMsg, &created); err != nil {
			return nil, err
		}
		e.ConfigID = configID.String
		e.MessageType = MessageType(msgType.String)
		e.Target = target.String
		e.Details = details.String
		e.Error = errMsg.String
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
