package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultConfig returns the global defaults every value in Config falls
// back to before a config file or the environment overrides it.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.clank/clank.db",
			PoolSize:   4,
		},
		Generator: GeneratorConfig{
			BaseURL:        "http://localhost:11434",
			DefaultModel:   "",
			TimeoutSeconds: 30,
		},
		Chat: ChatConfig{
			Channels:       []string{},
			KnownOtherBots: []string{},
		},
		Filter: FilterConfig{
			Enabled:         true,
			BlockedTermsURI: "~/.clank/blocked_terms.txt",
			Strict:          false,
		},
		Defaults: ThresholdConfig{
			MessageThreshold:     30,
			SpontaneousCooldownS: 600,
			ResponseCooldownS:    60,
			ContextLimit:         100,
		},
		Retention: RetentionConfig{
			MessageDays: 30,
			MetricDays:  14,
		},
		Cleanup: CleanupConfig{
			IntervalMinutes: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Command: CommandConfig{
			ResetConfirmWindowS: 60,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Shutdown: ShutdownConfig{
			GraceSeconds: 30,
		},
	}
}

// Load reads configuration from (in increasing priority) the default
// values, an optional config file, and CLANK_-prefixed environment
// variables, mirroring the teacher's JSON-file-plus-env-overrides
// approach but through viper's layered loading, which the richer
// per-key config surface here calls for.
func Load(configPath string) (Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("clank")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.clank")
	}

	v.SetEnvPrefix("CLANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	bindDefaults(v, def)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Store.SQLitePath = expandHome(cfg.Store.SQLitePath)
	cfg.Filter.BlockedTermsURI = expandHome(cfg.Filter.BlockedTermsURI)

	return cfg, nil
}

// bindDefaults seeds viper with every leaf of def so unset keys resolve
// to the global default rather than a zero value.
func bindDefaults(v *viper.Viper, def Config) {
	v.SetDefault("store.backend", def.Store.Backend)
	v.SetDefault("store.sqlitePath", def.Store.SQLitePath)
	v.SetDefault("store.postgresDsn", def.Store.PostgresDSN)
	v.SetDefault("store.poolSize", def.Store.PoolSize)

	v.SetDefault("generator.baseUrl", def.Generator.BaseURL)
	v.SetDefault("generator.defaultModel", def.Generator.DefaultModel)
	v.SetDefault("generator.timeoutSeconds", def.Generator.TimeoutSeconds)

	v.SetDefault("chat.clientId", def.Chat.ClientID)
	v.SetDefault("chat.clientSecret", def.Chat.ClientSecret)
	v.SetDefault("chat.channels", def.Chat.Channels)
	v.SetDefault("chat.knownOtherBots", def.Chat.KnownOtherBots)

	v.SetDefault("filter.enabled", def.Filter.Enabled)
	v.SetDefault("filter.blockedTermsPath", def.Filter.BlockedTermsURI)
	v.SetDefault("filter.strict", def.Filter.Strict)

	v.SetDefault("defaults.messageThreshold", def.Defaults.MessageThreshold)
	v.SetDefault("defaults.spontaneousCooldownS", def.Defaults.SpontaneousCooldownS)
	v.SetDefault("defaults.responseCooldownS", def.Defaults.ResponseCooldownS)
	v.SetDefault("defaults.contextLimit", def.Defaults.ContextLimit)

	v.SetDefault("retention.messageDays", def.Retention.MessageDays)
	v.SetDefault("retention.metricDays", def.Retention.MetricDays)

	v.SetDefault("cleanup.intervalMinutes", def.Cleanup.IntervalMinutes)

	v.SetDefault("crypto.tokenEncryptionKey", def.Crypto.TokenEncryptionKey)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.file", def.Logging.File)

	v.SetDefault("command.resetConfirmWindowS", def.Command.ResetConfirmWindowS)

	v.SetDefault("cache.redisAddr", def.Cache.RedisAddr)

	v.SetDefault("metrics.addr", def.Metrics.Addr)
	v.SetDefault("shutdown.graceSeconds", def.Shutdown.GraceSeconds)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Validate checks the closed set of cross-field invariants Load cannot
// express through viper defaults alone: a networked store without a
// DSN, or without an encryption key, is a startup_fatal misconfiguration
// per spec.md §9.
func Validate(cfg Config) error {
	if cfg.Store.Backend != "sqlite" && cfg.Store.Backend != "postgres" {
		return fmt.Errorf("store.backend must be %q or %q, got %q", "sqlite", "postgres", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "postgres" {
		if cfg.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgresDsn is required when store.backend is postgres")
		}
		if cfg.Crypto.TokenEncryptionKey == "" {
			return fmt.Errorf("crypto.tokenEncryptionKey is required when store.backend is postgres")
		}
	}
	if cfg.Generator.DefaultModel == "" {
		return fmt.Errorf("generator.defaultModel is required")
	}
	if len(cfg.Chat.Channels) == 0 {
		return fmt.Errorf("chat.channels must list at least one channel")
	}
	return nil
}
