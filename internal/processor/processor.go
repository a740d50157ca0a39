// Package processor is the central coordinator: it routes inbound
// events, drives generation triggers, applies both rate-limit
// disciplines, and orchestrates filtering, storage and egress
// (spec.md §4.F). It is the only component that sequences events and
// decides when to generate.
package processor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/clank/internal/channelstate"
	"github.com/local/clank/internal/command"
	"github.com/local/clank/internal/event"
	"github.com/local/clank/internal/filter"
	"github.com/local/clank/internal/generator"
	"github.com/local/clank/internal/ircadapter"
	"github.com/local/clank/internal/metrics"
	"github.com/local/clank/internal/store"
)

// Egress is the chat-send contract the Processor and the Command
// Handler share; breaking the cycle this way means Command Handler
// never holds a Processor reference (spec.md §9).
type Egress interface {
	Say(channel, text string)
}

// Metric kind names recorded against store.Metric (spec.md §8 seed
// case 5 names "generator_unavailable" explicitly; the rest follow the
// same convention).
const (
	metricFilterBlockInput  = "filter_block_input"
	metricFilterBlockOutput = "filter_block_output"
	metricGeneratorUnavail  = "generator_unavailable"
	metricGeneratorInvalid  = "generator_invalid_output"
	metricQueueDrop         = "queue_drop"
)

// Processor owns one worker goroutine per channel it has seen traffic
// for; events for different channels process in parallel, events
// within one channel process in arrival order (spec.md §5).
type Processor struct {
	store   store.Store
	filter  *filter.Filter
	state   *channelstate.Manager
	gen     generator.Client
	cmd     *command.Handler
	egress  Egress
	log     zerolog.Logger
	reg     *metrics.Registry

	botUsername    string
	defaultModel   string
	knownOtherBots map[string]struct{}
	queueDepth     int

	mu       sync.Mutex
	queues   map[string]*channelQueue
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// Options configures a new Processor.
type Options struct {
	BotUsername    string
	DefaultModel   string
	KnownOtherBots []string
	QueueDepth     int // per-channel inbox depth; defaults to 64
	Metrics        *metrics.Registry // optional; nil disables live metric export
}

func New(st store.Store, flt *filter.Filter, state *channelstate.Manager, gen generator.Client, cmd *command.Handler, egress Egress, log zerolog.Logger, opts Options) *Processor {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	known := make(map[string]struct{}, len(opts.KnownOtherBots))
	for _, name := range opts.KnownOtherBots {
		known[strings.ToLower(name)] = struct{}{}
	}
	return &Processor{
		store:          st,
		filter:         flt,
		state:          state,
		gen:            gen,
		cmd:            cmd,
		egress:         egress,
		log:            log,
		reg:            opts.Metrics,
		botUsername:    strings.ToLower(opts.BotUsername),
		defaultModel:   opts.DefaultModel,
		knownOtherBots: known,
		queueDepth:     depth,
		queues:         make(map[string]*channelQueue),
		shutdown:       make(chan struct{}),
	}
}

// Dispatch routes ev to its channel's worker, starting one lazily on
// first traffic. Never blocks: a full per-channel inbox drops its
// oldest entry (spec.md §5).
func (p *Processor) Dispatch(ev event.Inbound) {
	q := p.queueFor(ev.Channel)
	if q.push(ev) {
		p.log.Warn().Str("channel", ev.Channel).Msg("dropped oldest queued event under backpressure")
		p.recordMetric(context.Background(), ev.Channel, metricQueueDrop)
		if p.reg != nil {
			p.reg.QueueDrops.WithLabelValues(ev.Channel).Inc()
		}
	}
	if p.reg != nil {
		p.reg.EventsProcessed.WithLabelValues(ev.Channel, kindLabel(ev.Kind)).Inc()
	}
}

func kindLabel(k event.Kind) string {
	switch k {
	case event.KindMessage:
		return "message"
	case event.KindDelete:
		return "delete"
	case event.KindUserClear:
		return "user_clear"
	case event.KindChannelClear:
		return "channel_clear"
	default:
		return "system"
	}
}

func (p *Processor) queueFor(channel string) *channelQueue {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[channel]
	if ok {
		return q
	}
	q = newChannelQueue(p.queueDepth)
	p.queues[channel] = q
	p.wg.Add(1)
	go p.runChannel(channel, q)
	return q
}

// runChannel is the per-channel serialized critical section: Filter →
// Store append → counter → trigger evaluation → egress, in arrival
// order, for exactly one channel.
func (p *Processor) runChannel(channel string, q *channelQueue) {
	defer p.wg.Done()
	for {
		select {
		case ev := <-q.ch:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			p.handleEvent(ctx, ev)
			cancel()
		case <-p.shutdown:
			// drain whatever is already queued before exiting, honoring
			// in-flight work without accepting anything new.
			select {
			case ev := <-q.ch:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				p.handleEvent(ctx, ev)
				cancel()
			default:
				return
			}
		}
	}
}

// Shutdown signals every channel worker to drain and exit, waiting up
// to grace for them to finish (spec.md §5 "Cancellation").
func (p *Processor) Shutdown(grace time.Duration) {
	close(p.shutdown)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn().Msg("processor shutdown grace period elapsed with workers still draining")
	}
}

func (p *Processor) handleEvent(ctx context.Context, ev event.Inbound) {
	switch ev.Kind {
	case event.KindDelete:
		if err := p.store.DeleteByMessageID(ctx, ev.DeletedMessageID); err != nil {
			p.log.Warn().Err(err).Str("channel", ev.Channel).Msg("delete_by_message_id failed")
		}
		return
	case event.KindUserClear:
		if err := p.store.DeleteByUser(ctx, ev.Channel, ev.ClearedUserID); err != nil {
			p.log.Warn().Err(err).Str("channel", ev.Channel).Msg("delete_by_user failed")
		}
		return
	case event.KindChannelClear:
		if err := p.store.ClearChannel(ctx, ev.Channel); err != nil {
			p.log.Warn().Err(err).Str("channel", ev.Channel).Msg("clear_channel failed")
		}
		return
	case event.KindSystem:
		return
	}

	lowerAuthor := strings.ToLower(ev.AuthorDisplayName)
	if lowerAuthor == p.botUsername {
		return
	}
	if _, known := p.knownOtherBots[lowerAuthor]; known {
		return
	}
	if ev.AuthorID == "" {
		return
	}

	if _, _, ok := command.ParseCommand(ev.Content); ok {
		if reply, handled := p.cmd.Handle(ctx, ev); handled {
			if reply != "" {
				p.egress.Say(ev.Channel, reply)
			}
			return
		}
		// unprivileged sender: ParseCommand matched but Handle refused it
		// silently (spec.md §4.E); fall through would re-treat it as a
		// normal chat line, which the spec does not want either — a
		// command-shaped line from a non-operator is simply dropped.
		return
	}

	p.handleUserMessage(ctx, ev)
}

func (p *Processor) handleUserMessage(ctx context.Context, ev event.Inbound) {
	if p.filter.Classify(ev.Content) == filter.Blocked {
		p.recordMetric(ctx, ev.Channel, metricFilterBlockInput)
		if p.reg != nil {
			p.reg.FilterBlocks.WithLabelValues(ev.Channel, "input").Inc()
		}
		return
	}

	mention := ircadapter.MentionPredicate(ev.Content, p.botUsername)

	msg := store.Message{
		MessageID:       ev.MessageID,
		Channel:         ev.Channel,
		UserID:          ev.AuthorID,
		UserDisplayName: ev.AuthorDisplayName,
		Content:         ev.Content,
		Timestamp:       ev.Timestamp,
	}
	res, err := p.store.AppendMessage(ctx, msg)
	if err != nil || res == store.AppendUnavailable {
		p.log.Warn().Err(err).Str("channel", ev.Channel).Msg("append_message unavailable")
		return
	}
	if res == store.AppendDuplicate {
		return
	}
	p.state.ObserveIncrement(ev.Channel)

	view, ok := p.state.Get(ev.Channel)
	if !ok {
		return
	}

	respondedOnMention := false
	if mention {
		respondedOnMention = p.tryRespond(ctx, ev, view)
	}
	if !respondedOnMention {
		p.trySpontaneous(ctx, ev.Channel, view)
	}
}

func (p *Processor) recordMetric(ctx context.Context, channel, kind string) {
	if err := p.store.RecordMetric(ctx, store.Metric{Channel: channel, Kind: kind, Value: 1, Timestamp: time.Now()}); err != nil {
		p.log.Warn().Err(err).Str("channel", channel).Str("kind", kind).Msg("record_metric failed")
	}
}

func (p *Processor) modelFor(view channelstate.View) string {
	if view.ModelName != "" {
		return view.ModelName
	}
	return p.defaultModel
}

func (p *Processor) recentContext(ctx context.Context, channel string, limit int) []generator.ContextMessage {
	if limit <= 0 {
		return nil
	}
	msgs, err := p.store.RecentMessages(ctx, channel, limit)
	if err != nil {
		return nil
	}
	out := make([]generator.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, generator.ContextMessage{DisplayName: m.UserDisplayName, Content: m.Content})
	}
	return out
}

func (p *Processor) outputFiltered(ctx context.Context, channel, text string) bool {
	if p.filter.Classify(text) == filter.Blocked {
		p.log.Warn().Str("channel", channel).Str("content", text).Msg("output blocked by filter")
		p.recordMetric(ctx, channel, metricFilterBlockOutput)
		if p.reg != nil {
			p.reg.FilterBlocks.WithLabelValues(channel, "output").Inc()
		}
		return true
	}
	return false
}

// recordEmission marks a successful chat send for live metrics export.
func (p *Processor) recordEmission(channel, trigger string) {
	if p.reg != nil {
		p.reg.Emissions.WithLabelValues(channel, trigger).Inc()
	}
}

// recordGeneratorCall marks a Generator Client call's outcome for live
// metrics export.
func (p *Processor) recordGeneratorCall(channel string, res generator.Result) {
	if p.reg == nil {
		return
	}
	label := "ok"
	switch res {
	case generator.ResultUnavailable:
		label = "unavailable"
	case generator.ResultInvalid:
		label = "invalid"
	}
	p.reg.GeneratorCalls.WithLabelValues(channel, label).Inc()
}
