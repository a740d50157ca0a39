// Package config holds clank's configuration: a closed set of typed
// keys (spec.md §6), not an open-ended key space. Every validator lives
// next to the field it governs.
package config

// Config is the full, typed configuration surface for clank.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Defaults  ThresholdConfig `mapstructure:"defaults"`
	Retention RetentionConfig `mapstructure:"retention"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Command   CommandConfig   `mapstructure:"command"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" (embedded, default) or "postgres" (networked).
	Backend string `mapstructure:"backend"`
	// SQLitePath is the embedded store's single file.
	SQLitePath string `mapstructure:"sqlitePath"`
	// PostgresDSN carries credentials and address for the networked backend.
	PostgresDSN string `mapstructure:"postgresDsn"`
	PoolSize    int    `mapstructure:"poolSize"`
}

// GeneratorConfig targets the external text-generation HTTP service.
type GeneratorConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	DefaultModel   string `mapstructure:"defaultModel"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// ChatConfig carries IRC connection credentials and channel membership.
type ChatConfig struct {
	ClientID       string   `mapstructure:"clientId"`
	ClientSecret   string   `mapstructure:"clientSecret"`
	Channels       []string `mapstructure:"channels"`
	KnownOtherBots []string `mapstructure:"knownOtherBots"`
}

// FilterConfig controls the blocked-term classifier.
type FilterConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	BlockedTermsURI string `mapstructure:"blockedTermsPath"`
	Strict          bool   `mapstructure:"strict"`
}

// ThresholdConfig holds the global defaults a ChannelConfig is
// synthesized from on first touch.
type ThresholdConfig struct {
	MessageThreshold     int `mapstructure:"messageThreshold"`
	SpontaneousCooldownS int `mapstructure:"spontaneousCooldownS"`
	ResponseCooldownS    int `mapstructure:"responseCooldownS"`
	ContextLimit         int `mapstructure:"contextLimit"`
}

// RetentionConfig bounds how long Messages and Metrics survive cleanup.
type RetentionConfig struct {
	MessageDays int `mapstructure:"messageDays"`
	MetricDays  int `mapstructure:"metricDays"`
}

// CleanupConfig controls the periodic retention task's cadence.
type CleanupConfig struct {
	IntervalMinutes int `mapstructure:"intervalMinutes"`
}

// CryptoConfig supplies the AuthMaterial encryption-at-rest key.
type CryptoConfig struct {
	TokenEncryptionKey string `mapstructure:"tokenEncryptionKey"`
}

// LoggingConfig configures level, format and optional file sink.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// CommandConfig holds knobs for the in-chat command surface.
type CommandConfig struct {
	// ResetConfirmWindowS pins how long after "!clank reset" the same
	// user has to send "!clank reset confirm". Spec.md §9 pins this at
	// 60s but allows surfacing it as a config knob.
	ResetConfirmWindowS int `mapstructure:"resetConfirmWindowS"`
}

// CacheConfig optionally points the Generator's model-catalog cache at
// Redis; when RedisAddr is empty, an in-memory TTL cache is used instead.
type CacheConfig struct {
	RedisAddr string `mapstructure:"redisAddr"`
}

// MetricsConfig controls the Prometheus /metrics HTTP exposure (spec.md
// §4.H). Addr empty disables the listener entirely.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ShutdownConfig bounds how long the Supervisor waits for in-flight
// generations to finish before forcing a stop (spec.md §4.G step 8).
type ShutdownConfig struct {
	GraceSeconds int `mapstructure:"graceSeconds"`
}

// Range constants for Command Handler validation (spec.md §4.E table).
const (
	ThresholdMin = 5
	ThresholdMax = 200

	SpontaneousCooldownMinS = 60
	SpontaneousCooldownMaxS = 3600

	ResponseCooldownMinS = 10
	ResponseCooldownMaxS = 1800

	ContextLimitMin = 50
	ContextLimitMax = 500
)

// MinimumContextMessages is the hard-coded floor on available context a
// spontaneous emission needs regardless of threshold (spec.md §4.F, §9
// open question #1).
const MinimumContextMessages = 10

// EgressCharLimit is the hard cap on outbound chat text (spec.md §6/§4.C).
const EgressCharLimit = 500
