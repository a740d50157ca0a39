package store

import (
	_ "embed"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const cleanupBatchSize = 500

// SQLiteStore is the embedded, single-file default backend (spec.md §4.A).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the embedded database at path
// and applies the schema. Directory is created with 0700 so the
// "allow plaintext only when file permissions are restricted to the
// service user" rule in spec.md §9 has something to check against.
func OpenSQLite(path string, poolSize int) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	db.SetMaxOpenConns(poolSize)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: restrict file permissions: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Permissions reports the file's current mode bits, used by
// internal/crypto to decide whether plaintext AuthMaterial is allowed.
func Permissions(path string) (os.FileMode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Mode().Perm(), nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, channel, user_id, user_display_name, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		msg.MessageID, msg.Channel, msg.UserID, msg.UserDisplayName, msg.Content, msg.Timestamp.UnixNano())
	if err != nil {
		return AppendUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return AppendDuplicate, nil
	}

	if err := incrementCountTx(ctx, tx, msg.Channel); err != nil {
		return AppendUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return AppendUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return AppendOK, nil
}

// incrementCountTx bumps message_count atomically with the insert,
// synthesizing a channel_configs row from zero defaults if one doesn't
// exist yet (the real defaults are filled in by GetChannelConfig on
// first read; this only needs the counter column to exist).
func incrementCountTx(ctx context.Context, tx *sql.Tx, channel string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, message_count)
		VALUES (?, 0, 0, 0, 0, 1)
		ON CONFLICT(channel) DO UPDATE SET message_count = message_count + 1`,
		channel)
	return err
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, channel string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, channel, user_id, user_display_name, content, timestamp
		FROM messages WHERE channel = ?
		ORDER BY timestamp DESC LIMIT ?`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.MessageID, &m.Channel, &m.UserID, &m.UserDisplayName, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		m.Timestamp = time.Unix(0, ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// descending scan, reversed for chronological (oldest-first) delivery
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) CountRecent(ctx context.Context, channel string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel = ?`, channel).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteByMessageID(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteByUser(ctx context.Context, channel, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ? AND user_id = ?`, channel, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ClearChannel(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ?`, channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetChannelConfig(ctx context.Context, channel string, defaults ChannelConfig) (ChannelConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, model_name, message_count, last_spontaneous_at
		FROM channel_configs WHERE channel = ?`, channel)

	var cc ChannelConfig
	cc.Channel = channel
	var lastSpon int64
	err := row.Scan(&cc.MessageThreshold, &cc.SpontaneousCooldownS, &cc.ResponseCooldownS, &cc.ContextLimit, &cc.ModelName, &cc.MessageCount, &lastSpon)
	if err == sql.ErrNoRows {
		cc = defaults
		cc.Channel = channel
		if err := s.persistChannelConfig(ctx, cc); err != nil {
			return ChannelConfig{}, err
		}
		return cc, nil
	}
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if lastSpon > 0 {
		cc.LastSpontaneousAt = time.Unix(0, lastSpon)
	}
	// a row created only by incrementCountTx has zeroed thresholds;
	// backfill from defaults so it behaves as "lazily created" too.
	if cc.MessageThreshold == 0 && cc.ContextLimit == 0 {
		mc := cc.MessageCount
		cc = defaults
		cc.Channel = channel
		cc.MessageCount = mc
		if err := s.persistChannelConfig(ctx, cc); err != nil {
			return ChannelConfig{}, err
		}
	}
	return cc, nil
}

func (s *SQLiteStore) persistChannelConfig(ctx context.Context, cc ChannelConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, model_name, message_count, last_spontaneous_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			message_threshold = excluded.message_threshold,
			spontaneous_cooldown_s = excluded.spontaneous_cooldown_s,
			response_cooldown_s = excluded.response_cooldown_s,
			context_limit = excluded.context_limit,
			model_name = excluded.model_name,
			message_count = excluded.message_count,
			last_spontaneous_at = excluded.last_spontaneous_at`,
		cc.Channel, cc.MessageThreshold, cc.SpontaneousCooldownS, cc.ResponseCooldownS, cc.ContextLimit, cc.ModelName, cc.MessageCount, cc.LastSpontaneousAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) SetChannelConfigField(ctx context.Context, channel, key string, value any) error {
	col, ok := channelConfigColumn(key)
	if !ok {
		return fmt.Errorf("store: unknown channel config key %q", key)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, message_count, %s)
		VALUES (?, 0, 0, 0, 0, 0, ?)
		ON CONFLICT(channel) DO UPDATE SET %s = excluded.%s`, col, col, col),
		channel, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func channelConfigColumn(key string) (string, bool) {
	switch key {
	case "message_threshold":
		return "message_threshold", true
	case "spontaneous_cooldown_s":
		return "spontaneous_cooldown_s", true
	case "response_cooldown_s":
		return "response_cooldown_s", true
	case "context_limit":
		return "context_limit", true
	case "model_name":
		return "model_name", true
	default:
		return "", false
	}
}

func (s *SQLiteStore) IncrementMessageCount(ctx context.Context, channel string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()
	if err := incrementCountTx(ctx, tx, channel); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ResetMessageCount(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channel_configs SET message_count = 0 WHERE channel = ?`, channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) StampLastSpontaneous(ctx context.Context, channel string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channel_configs SET last_spontaneous_at = ? WHERE channel = ?`, at.UnixNano(), channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetUserCooldown(ctx context.Context, channel, userID string) (UserResponseCooldown, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_response_at FROM user_response_cooldowns WHERE channel = ? AND user_id = ?`, channel, userID)
	var ts int64
	err := row.Scan(&ts)
	if err == sql.ErrNoRows {
		return UserResponseCooldown{}, false, nil
	}
	if err != nil {
		return UserResponseCooldown{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return UserResponseCooldown{Channel: channel, UserID: userID, LastResponseAt: time.Unix(0, ts)}, true, nil
}

func (s *SQLiteStore) StampUserCooldown(ctx context.Context, channel, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_response_cooldowns (channel, user_id, last_response_at) VALUES (?, ?, ?)
		ON CONFLICT(channel, user_id) DO UPDATE SET last_response_at = excluded.last_response_at`,
		channel, userID, at.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetAuth(ctx context.Context) (AuthMaterial, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at, bot_username FROM auth_material WHERE id = 1`)
	var a AuthMaterial
	var expires int64
	err := row.Scan(&a.AccessToken, &a.RefreshToken, &expires, &a.BotUsername)
	if err == sql.ErrNoRows {
		return AuthMaterial{}, false, nil
	}
	if err != nil {
		return AuthMaterial{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	a.ExpiresAt = time.Unix(0, expires)
	return a, true, nil
}

func (s *SQLiteStore) PutAuth(ctx context.Context, auth AuthMaterial) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_material (id, access_token, refresh_token, expires_at, bot_username) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			bot_username = excluded.bot_username`,
		auth.AccessToken, auth.RefreshToken, auth.ExpiresAt.UnixNano(), auth.BotUsername)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) RecordMetric(ctx context.Context, m Metric) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO metrics (channel, kind, value, timestamp) VALUES (?, ?, ?, ?)`,
		m.Channel, m.Kind, m.Value, m.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Aggregate(ctx context.Context, channel, kind string, window time.Duration) (float64, error) {
	since := time.Now().Add(-window).UnixNano()
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(value) FROM metrics WHERE channel = ? AND kind = ? AND timestamp >= ?`,
		channel, kind, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sum.Float64, nil
}

// Cleanup deletes messages and metrics older than their retention
// windows, in bounded batches to avoid long locks (spec.md §4.A),
// never touching AuthMaterial or ChannelConfig (spec.md §3 invariant 7).
func (s *SQLiteStore) Cleanup(ctx context.Context, retentionMessageDays, retentionMetricDays int) error {
	msgCutoff := time.Now().AddDate(0, 0, -retentionMessageDays).UnixNano()
	if err := deleteInBatches(ctx, s.db, `DELETE FROM messages WHERE rowid IN (SELECT rowid FROM messages WHERE timestamp < ? LIMIT ?)`, msgCutoff); err != nil {
		return err
	}
	metricCutoff := time.Now().AddDate(0, 0, -retentionMetricDays).UnixNano()
	if err := deleteInBatches(ctx, s.db, `DELETE FROM metrics WHERE rowid IN (SELECT rowid FROM metrics WHERE timestamp < ? LIMIT ?)`, metricCutoff); err != nil {
		return err
	}
	return nil
}

func deleteInBatches(ctx context.Context, db *sql.DB, query string, cutoff int64) error {
	for {
		res, err := db.ExecContext(ctx, query, cutoff, cleanupBatchSize)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		n, err := res.RowsAffected()
		if err != nil || n < cleanupBatchSize {
			return nil
		}
	}
}
