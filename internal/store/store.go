// Package store is the durable-persistence contract clank's Processor,
// Channel State and Command Handler all depend on (spec.md §4.A). Two
// backends — embedded SQLite and networked Postgres — implement the
// same Store interface over the same schema.
package store

import (
	"context"
	"errors"
	"time"
)

// AppendResult discriminates append_message's three outcomes (spec.md
// §9's "explicit result discriminant" design note).
type AppendResult int

const (
	AppendOK AppendResult = iota
	AppendDuplicate
	AppendUnavailable
)

// ErrUnavailable is returned (often wrapped) whenever a Store operation
// could not reach its backend. Processor skips a spontaneous generation
// when CountRecent fails; when RecentMessages fails, the generation
// still runs, with an empty context.
var ErrUnavailable = errors.New("store: unavailable")

// Message is the durable record of one stored user chat line (spec.md §3).
type Message struct {
	MessageID       string
	Channel         string
	UserID          string
	UserDisplayName string
	Content         string
	Timestamp       time.Time
}

// ChannelConfig is the per-channel tunable state (spec.md §3). ModelName
// empty means "inherit the global default model".
type ChannelConfig struct {
	Channel              string
	MessageThreshold     int
	SpontaneousCooldownS int
	ResponseCooldownS    int
	ContextLimit         int
	ModelName            string
	MessageCount         int
	LastSpontaneousAt    time.Time // zero value means "never"
}

// UserResponseCooldown is the per-(channel,user) mention-reply gate.
type UserResponseCooldown struct {
	Channel       string
	UserID        string
	LastResponseAt time.Time
}

// AuthMaterial is the single OAuth credential record. Sensitive fields
// are encrypted at rest by the caller (internal/crypto) before Put and
// decrypted after Get; Store itself only moves bytes.
type AuthMaterial struct {
	AccessToken  []byte // ciphertext or plaintext, per internal/crypto's contract
	RefreshToken []byte
	ExpiresAt    time.Time
	BotUsername  string
}

// Metric is one append-only observation (spec.md §3).
type Metric struct {
	Channel   string
	Kind      string
	Value     float64
	Timestamp time.Time
}

// Store is the full persistence contract. Every method is safe for
// concurrent use by multiple channels' goroutines.
type Store interface {
	AppendMessage(ctx context.Context, msg Message) (AppendResult, error)
	RecentMessages(ctx context.Context, channel string, limit int) ([]Message, error)
	CountRecent(ctx context.Context, channel string) (int, error)

	DeleteByMessageID(ctx context.Context, messageID string) error
	DeleteByUser(ctx context.Context, channel, userID string) error
	ClearChannel(ctx context.Context, channel string) error

	GetChannelConfig(ctx context.Context, channel string, defaults ChannelConfig) (ChannelConfig, error)
	SetChannelConfigField(ctx context.Context, channel, key string, value any) error
	IncrementMessageCount(ctx context.Context, channel string) error
	ResetMessageCount(ctx context.Context, channel string) error
	StampLastSpontaneous(ctx context.Context, channel string, at time.Time) error

	GetUserCooldown(ctx context.Context, channel, userID string) (UserResponseCooldown, bool, error)
	StampUserCooldown(ctx context.Context, channel, userID string, at time.Time) error

	GetAuth(ctx context.Context) (AuthMaterial, bool, error)
	PutAuth(ctx context.Context, auth AuthMaterial) error

	RecordMetric(ctx context.Context, m Metric) error
	Aggregate(ctx context.Context, channel, kind string, window time.Duration) (float64, error)

	Cleanup(ctx context.Context, retentionMessageDays, retentionMetricDays int) error

	// Close releases all held resources (connections, file handles).
	Close() error
}
