package processor

import (
	"context"
	"time"

	"github.com/local/clank/internal/channelstate"
	"github.com/local/clank/internal/config"
	"github.com/local/clank/internal/event"
	"github.com/local/clank/internal/generator"
	"github.com/local/clank/internal/ircadapter"
)

// tryRespond attempts the mention-response path. It reports whether a
// response was actually emitted, so handleUserMessage knows whether
// the spontaneous path should still be considered (spec.md §4.F: the
// spontaneous path runs when "not mention or mention path declined").
func (p *Processor) tryRespond(ctx context.Context, ev event.Inbound, view channelstate.View) bool {
	if view.ContextLimit <= 0 {
		return false
	}
	elapsed, err := p.state.UserCooldownElapsed(ctx, ev.Channel, ev.AuthorID, time.Now())
	if err != nil || !elapsed {
		return false
	}

	userText := ircadapter.StripMention(ev.Content, p.botUsername)
	recent := p.recentContext(ctx, ev.Channel, view.ContextLimit)
	model := p.modelFor(view)

	text, res := p.gen.GenerateResponse(ctx, model, recent, ev.AuthorDisplayName, userText, config.EgressCharLimit)
	p.recordGeneratorCall(ev.Channel, res)
	switch res {
	case generator.ResultUnavailable:
		p.recordMetric(ctx, ev.Channel, metricGeneratorUnavail)
		return false
	case generator.ResultInvalid:
		p.recordMetric(ctx, ev.Channel, metricGeneratorInvalid)
		return false
	}

	if p.outputFiltered(ctx, ev.Channel, text) {
		return false
	}

	p.egress.Say(ev.Channel, text)
	p.recordEmission(ev.Channel, "response")
	p.recordMetric(ctx, ev.Channel, "emission_response")
	now := time.Now()
	if err := p.state.StampUserCooldown(ctx, ev.Channel, ev.AuthorID, now); err != nil {
		p.log.Warn().Err(err).Str("channel", ev.Channel).Msg("stamp_user_cooldown failed")
	}
	return true
}

// trySpontaneous attempts the spontaneous-generation path: requires
// the message-count threshold, the channel cooldown, and the hard
// minimum-context floor all at once (spec.md §4.F, §9 open question).
func (p *Processor) trySpontaneous(ctx context.Context, channel string, view channelstate.View) {
	if view.ContextLimit <= 0 {
		return
	}
	if view.MessageCount < view.MessageThreshold {
		return
	}
	if time.Since(view.LastSpontaneousAt) < time.Duration(view.SpontaneousCooldownS)*time.Second {
		return
	}

	available, err := p.store.CountRecent(ctx, channel)
	if err != nil || available < config.MinimumContextMessages {
		return
	}

	recent := p.recentContext(ctx, channel, view.ContextLimit)
	model := p.modelFor(view)

	text, res := p.gen.GenerateSpontaneous(ctx, model, recent, config.EgressCharLimit)
	p.recordGeneratorCall(channel, res)
	switch res {
	case generator.ResultUnavailable:
		p.recordMetric(ctx, channel, metricGeneratorUnavail)
		return
	case generator.ResultInvalid:
		p.recordMetric(ctx, channel, metricGeneratorInvalid)
		return
	}

	if p.outputFiltered(ctx, channel, text) {
		return
	}

	p.egress.Say(channel, text)
	p.recordEmission(channel, "spontaneous")
	p.recordMetric(ctx, channel, "emission_spontaneous")
	now := time.Now()
	if err := p.state.StampLastSpontaneous(ctx, channel, now); err != nil {
		p.log.Warn().Err(err).Str("channel", channel).Msg("stamp_last_spontaneous failed")
	}
	if err := p.state.ResetMessageCount(ctx, channel); err != nil {
		p.log.Warn().Err(err).Str("channel", channel).Msg("reset_message_count failed")
	}
}
