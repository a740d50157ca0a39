package store

import (
	_ "embed"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresStore is the networked relational backend (spec.md §4.A).
// Same contract, same schema shape, as SQLiteStore.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, verifying the connection with retried,
// exponentially-backed-off pings (capped at 5 minutes) before applying
// the schema, per spec.md §4.A's reconnection policy.
func OpenPostgres(ctx context.Context, dsn string, poolSize int, log zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	db.SetMaxOpenConns(poolSize)

	if err := pingWithBackoff(ctx, db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// pingWithBackoff retries Ping with exponential backoff capped at 5
// minutes, giving up after 10 attempts. It runs only at startup, from
// OpenPostgres, never inline with a request.
func pingWithBackoff(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	delay := time.Second
	const maxDelay = 5 * time.Minute
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		if err := db.PingContext(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("postgres ping failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, channel, user_id, user_display_name, content, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.Channel, msg.UserID, msg.UserDisplayName, msg.Content, msg.Timestamp.UnixNano())
	if err != nil {
		return AppendUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return AppendDuplicate, nil
	}

	if err := pgIncrementCountTx(ctx, tx, msg.Channel); err != nil {
		return AppendUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return AppendUnavailable, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return AppendOK, nil
}

func pgIncrementCountTx(ctx context.Context, tx *sql.Tx, channel string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, message_count)
		VALUES ($1, 0, 0, 0, 0, 1)
		ON CONFLICT (channel) DO UPDATE SET message_count = channel_configs.message_count + 1`,
		channel)
	return err
}

func (s *PostgresStore) RecentMessages(ctx context.Context, channel string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, channel, user_id, user_display_name, content, timestamp
		FROM messages WHERE channel = $1
		ORDER BY timestamp DESC LIMIT $2`, channel, limit)
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
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) CountRecent(ctx context.Context, channel string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel = $1`, channel).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteByMessageID(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) DeleteByUser(ctx context.Context, channel, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = $1 AND user_id = $2`, channel, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ClearChannel(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = $1`, channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetChannelConfig(ctx context.Context, channel string, defaults ChannelConfig) (ChannelConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, model_name, message_count, last_spontaneous_at
		FROM channel_configs WHERE channel = $1`, channel)

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

func (s *PostgresStore) persistChannelConfig(ctx context.Context, cc ChannelConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, model_name, message_count, last_spontaneous_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (channel) DO UPDATE SET
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

func (s *PostgresStore) SetChannelConfigField(ctx context.Context, channel, key string, value any) error {
	col, ok := channelConfigColumn(key)
	if !ok {
		return fmt.Errorf("store: unknown channel config key %q", key)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO channel_configs (channel, message_threshold, spontaneous_cooldown_s, response_cooldown_s, context_limit, message_count, %s)
		VALUES ($1, 0, 0, 0, 0, 0, $2)
		ON CONFLICT (channel) DO UPDATE SET %s = excluded.%s`, col, col, col),
		channel, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) IncrementMessageCount(ctx context.Context, channel string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()
	if err := pgIncrementCountTx(ctx, tx, channel); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ResetMessageCount(ctx context.Context, channel string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channel_configs SET message_count = 0 WHERE channel = $1`, channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) StampLastSpontaneous(ctx context.Context, channel string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channel_configs SET last_spontaneous_at = $1 WHERE channel = $2`, at.UnixNano(), channel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetUserCooldown(ctx context.Context, channel, userID string) (UserResponseCooldown, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_response_at FROM user_response_cooldowns WHERE channel = $1 AND user_id = $2`, channel, userID)
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

func (s *PostgresStore) StampUserCooldown(ctx context.Context, channel, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_response_cooldowns (channel, user_id, last_response_at) VALUES ($1, $2, $3)
		ON CONFLICT (channel, user_id) DO UPDATE SET last_response_at = excluded.last_response_at`,
		channel, userID, at.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetAuth(ctx context.Context) (AuthMaterial, bool, error) {
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

func (s *PostgresStore) PutAuth(ctx context.Context, auth AuthMaterial) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_material (id, access_token, refresh_token, expires_at, bot_username) VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
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

func (s *PostgresStore) RecordMetric(ctx context.Context, m Metric) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO metrics (channel, kind, value, timestamp) VALUES ($1, $2, $3, $4)`,
		m.Channel, m.Kind, m.Value, m.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Aggregate(ctx context.Context, channel, kind string, window time.Duration) (float64, error) {
	since := time.Now().Add(-window).UnixNano()
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(value) FROM metrics WHERE channel = $1 AND kind = $2 AND timestamp >= $3`,
		channel, kind, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sum.Float64, nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, retentionMessageDays, retentionMetricDays int) error {
	msgCutoff := time.Now().AddDate(0, 0, -retentionMessageDays).UnixNano()
	if err := pgDeleteInBatches(ctx, s.db, `DELETE FROM messages WHERE ctid IN (SELECT ctid FROM messages WHERE timestamp < $1 LIMIT $2)`, msgCutoff); err != nil {
		return err
	}
	metricCutoff := time.Now().AddDate(0, 0, -retentionMetricDays).UnixNano()
	if err := pgDeleteInBatches(ctx, s.db, `DELETE FROM metrics WHERE ctid IN (SELECT ctid FROM metrics WHERE timestamp < $1 LIMIT $2)`, metricCutoff); err != nil {
		return err
	}
	return nil
}

func pgDeleteInBatches(ctx context.Context, db *sql.DB, query string, cutoff int64) error {
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
