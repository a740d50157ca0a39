// Package supervisor is clank's composition root: it builds every
// component in the strict order spec.md §4.G pins, then owns the
// running process's lifecycle — chat connection and reconnection,
// the per-channel event pump, periodic retention cleanup, the
// optional metrics listener, and signal-driven graceful shutdown
// (SPEC_FULL.md §4.G).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/local/clank/internal/channelstate"
	"github.com/local/clank/internal/command"
	"github.com/local/clank/internal/config"
	"github.com/local/clank/internal/crypto"
	"github.com/local/clank/internal/filter"
	"github.com/local/clank/internal/generator"
	"github.com/local/clank/internal/ircadapter"
	"github.com/local/clank/internal/metrics"
	"github.com/local/clank/internal/processor"
	"github.com/local/clank/internal/store"
)

const (
	backoffInitial = 1 * time.Second
	backoffCap     = 5 * time.Minute
)

// Supervisor owns every long-lived dependency clank needs at runtime.
// Nothing outside this package touches a global singleton; everything
// here was handed down explicitly at construction.
type Supervisor struct {
	cfg       config.Config
	log       zerolog.Logger
	st        store.Store
	sealer    *crypto.Sealer
	refresher tokenRefresher
	gen       generator.Client
	flt       *filter.Filter
	state     *channelstate.Manager
	cmd       *command.Handler
	adapter   *ircadapter.Adapter
	proc      *processor.Processor
	promReg   *prometheus.Registry
	metrics   *metrics.Registry
	pool      *pond.WorkerPool

	mu             sync.Mutex
	bannedChannels map[string]struct{}
}

// New constructs every component in spec.md §4.G's strict startup
// order and returns a Supervisor ready for Run. Any failure here is
// startup_fatal: the caller should log it and exit non-zero.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Supervisor, error) {
	st, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}

	sealer, err := buildSealer(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("supervisor: build token sealer: %w", err)
	}

	s := &Supervisor{
		cfg:            cfg,
		log:            log,
		st:             st,
		sealer:         sealer,
		refresher:      newRestyRefresher(cfg.Chat),
		bannedChannels: make(map[string]struct{}),
	}

	botUsername, oauthToken, err := s.loadAuth(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("supervisor: load auth material: %w", err)
	}

	gen := generator.NewRestyClient(cfg.Generator, cfg.Cache, log)
	if err := gen.ValidateStartupModel(ctx, cfg.Generator.DefaultModel); err != nil {
		st.Close()
		return nil, fmt.Errorf("supervisor: validate startup model: %w", err)
	}
	s.gen = gen

	s.flt = buildFilter(cfg.Filter, log)

	s.state = channelstate.New(st)
	defaults := store.ChannelConfig{
		MessageThreshold:     cfg.Defaults.MessageThreshold,
		SpontaneousCooldownS: cfg.Defaults.SpontaneousCooldownS,
		ResponseCooldownS:    cfg.Defaults.ResponseCooldownS,
		ContextLimit:         cfg.Defaults.ContextLimit,
	}
	for _, channel := range cfg.Chat.Channels {
		if err := s.state.Load(ctx, channel, defaults); err != nil {
			st.Close()
			return nil, fmt.Errorf("supervisor: load channel state %s: %w", channel, err)
		}
	}

	s.cmd = command.New(s.state, gen, cfg.Generator.DefaultModel, cfg.Defaults, time.Duration(cfg.Command.ResetConfirmWindowS)*time.Second)

	s.adapter = ircadapter.New(botUsername, oauthToken, log)
	s.adapter.Join(cfg.Chat.Channels...)

	s.promReg = prometheus.NewRegistry()
	s.metrics = metrics.New(s.promReg)
	s.metrics.ChannelsJoined.Set(float64(len(cfg.Chat.Channels)))

	s.proc = processor.New(st, s.flt, s.state, gen, s.cmd, s.adapter, log, processor.Options{
		BotUsername:    botUsername,
		DefaultModel:   cfg.Generator.DefaultModel,
		KnownOtherBots: cfg.Chat.KnownOtherBots,
		QueueDepth:     256,
		Metrics:        s.metrics,
	})

	s.pool = pond.New(2, 4, pond.MinWorkers(1), pond.IdleTimeout(30*time.Second))

	return s, nil
}

// buildSealer selects encrypted-at-rest or plaintext AuthMaterial
// storage per spec.md §9: a configured key always wins; otherwise an
// embedded SQLite store may fall back to plaintext only if its file
// permissions are restricted to the service user. config.Validate
// already rejects a keyless networked backend before this runs.
func buildSealer(cfg config.Config) (*crypto.Sealer, error) {
	if cfg.Crypto.TokenEncryptionKey != "" {
		return crypto.NewSealer(cfg.Crypto.TokenEncryptionKey)
	}
	if cfg.Store.Backend != "" && cfg.Store.Backend != "sqlite" {
		return nil, crypto.ErrKeyRequired
	}
	perm, err := store.Permissions(cfg.Store.SQLitePath)
	if errors.Is(err, os.ErrNotExist) {
		// First run: the file will be created with 0600 by the sqlite
		// backend's Open; plaintext is acceptable ahead of that.
		return crypto.NewPlaintextSealer(0o600)
	}
	if err != nil {
		return nil, fmt.Errorf("stat sqlite file: %w", err)
	}
	return crypto.NewPlaintextSealer(perm)
}

// buildFilter loads the blocked-term list from disk. A missing or
// unreadable file degrades the Filter to "block everything" rather
// than failing startup (spec.md §4.B fail-safe policy).
func buildFilter(cfg config.FilterConfig, log zerolog.Logger) *filter.Filter {
	f, err := os.Open(cfg.BlockedTermsURI)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.BlockedTermsURI).Msg("blocked terms file unreadable, filter degraded")
		return filter.NewDegraded()
	}
	defer f.Close()

	terms, err := filter.LoadTerms(f)
	if err != nil {
		log.Warn().Err(err).Msg("blocked terms file unreadable, filter degraded")
		return filter.NewDegraded()
	}
	return filter.New(terms, cfg.Strict, cfg.Enabled)
}

// Run drives the chat connection, the event pump, and the periodic
// cleanup task until ctx is cancelled (by a caller reacting to
// SIGINT/SIGTERM), then shuts every component down in turn.
func (s *Supervisor) Run(ctx context.Context) error {
	eg, runCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return s.runChat(runCtx) })
	eg.Go(func() error { return s.pumpEvents(runCtx) })
	eg.Go(func() error { return s.runBanWatch(runCtx) })
	eg.Go(func() error { return s.runCleanup(runCtx) })
	eg.Go(func() error { return s.runAggregation(runCtx) })
	if s.cfg.Metrics.Addr != "" {
		eg.Go(func() error { return s.serveMetrics(runCtx) })
	}

	err := eg.Wait()
	s.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown tears every component down in reverse-dependency order,
// giving in-flight per-channel generations a grace window to finish
// before forcing a stop (spec.md §4.G step 8).
func (s *Supervisor) shutdown() {
	grace := time.Duration(s.cfg.Shutdown.GraceSeconds) * time.Second
	s.proc.Shutdown(grace)
	s.pool.StopAndWait()
	if err := s.adapter.Close(); err != nil {
		s.log.Warn().Err(err).Msg("chat adapter close failed")
	}
	if err := s.gen.Close(); err != nil {
		s.log.Warn().Err(err).Msg("generator client close failed")
	}
	if err := s.st.Close(); err != nil {
		s.log.Warn().Err(err).Msg("store close failed")
	}
}

// runChat owns the chat connection and its reconnection policy:
// exponential backoff capped at 5 minutes, reset to the initial delay
// on every successful connect. Bans are not handled here: runBanWatch
// records a banned channel and pumpEvents drops its events, but this
// loop neither parts nor skips that channel when it reconnects.
func (s *Supervisor) runChat(ctx context.Context) error {
	backoff := backoffInitial
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 && s.metrics != nil {
			s.metrics.ReconnectAttempt.Inc()
		}
		attempt++

		connected := make(chan struct{}, 1)
		connectReturned := make(chan struct{})
		go func() {
			select {
			case <-s.adapter.Connected():
				backoff = backoffInitial
				s.log.Info().Msg("chat connected")
			case <-connectReturned:
			case <-ctx.Done():
			}
			close(connected)
		}()

		err := s.adapter.Connect()
		close(connectReturned)
		<-connected

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn().Err(err).Dur("backoff", backoff).Msg("chat disconnected, reconnecting")
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// pumpEvents forwards every inbound chat event to the Processor,
// skipping events from channels recorded as banned.
func (s *Supervisor) pumpEvents(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-s.adapter.Events():
			if !ok {
				return nil
			}
			if s.isBanned(ev.Channel) {
				continue
			}
			s.proc.Dispatch(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// runBanWatch listens for Twitch's in-band msg_banned NOTICE (relayed
// by the adapter's OnNoticeMessage callback) and records the channel
// as permanently skipped until process restart (spec.md §4.G).
func (s *Supervisor) runBanWatch(ctx context.Context) error {
	for {
		select {
		case channel, ok := <-s.adapter.Banned():
			if !ok {
				return nil
			}
			s.recordBan(channel)
		case <-ctx.Done():
			return nil
		}
	}
}

// runCleanup periodically sweeps expired retention windows via the
// shared worker pool, so a slow cleanup pass never blocks a channel's
// event loop (SPEC_FULL.md §5).
func (s *Supervisor) runCleanup(ctx context.Context) error {
	interval := time.Duration(s.cfg.Cleanup.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.pool.Submit(func() {
				cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				if err := s.st.Cleanup(cleanupCtx, s.cfg.Retention.MessageDays, s.cfg.Retention.MetricDays); err != nil {
					s.log.Warn().Err(err).Msg("retention cleanup failed")
				}
			})
		case <-ctx.Done():
			return nil
		}
	}
}

// aggregateWindow and aggregateKinds bound the periodic metrics
// aggregator's reads (SPEC_FULL.md §5 "metrics aggregator" goroutine):
// a rolling hour of durable Metric rows, refreshed every minute.
var (
	aggregateWindow = time.Hour
	aggregateKinds  = []string{"emission_response", "emission_spontaneous", "filter_block_input", "filter_block_output", "generator_unavailable"}
)

// runAggregation periodically reads Store's durable Metric log via
// Aggregate and republishes the result as a live gauge, so operators
// get both the queryable history (Store) and a fast-to-scrape current
// view (Prometheus) without the Processor's hot path ever touching
// Aggregate itself.
func (s *Supervisor) runAggregation(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			channels := s.state.Channels()
			s.pool.Submit(func() {
				aggCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				for _, channel := range channels {
					for _, kind := range aggregateKinds {
						v, err := s.st.Aggregate(aggCtx, channel, kind, aggregateWindow)
						if err != nil {
							continue
						}
						s.metrics.Aggregate.WithLabelValues(channel, kind).Set(v)
					}
				}
			})
		case <-ctx.Done():
			return nil
		}
	}
}

// serveMetrics exposes Prometheus counters over HTTP for operators
// (SPEC_FULL.md §4.H); it is not a substitute for Store's persisted
// Metric rows, only a live operational view.
func (s *Supervisor) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(s.promReg))
	srv := &http.Server{Addr: s.cfg.Metrics.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("supervisor: metrics server: %w", err)
	}
}

func (s *Supervisor) recordBan(channel string) {
	if channel == "" {
		return
	}
	s.mu.Lock()
	s.bannedChannels[channel] = struct{}{}
	s.mu.Unlock()
	s.log.Warn().Str("channel", channel).Msg("bot banned from channel, will not retry until restart")
}

func (s *Supervisor) isBanned(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, banned := s.bannedChannels[channel]
	return banned
}

