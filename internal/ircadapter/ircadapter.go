// Package ircadapter wraps github.com/gempir/go-twitch-irc/v3,
// translating its callback-based wire events into the single Inbound
// event shape spec.md §6 defines, and exposes egress as a plain Say
// call. Grounded on the tracked-channel dispatch pattern in
// hammertrack-tracker's bot.go.
package ircadapter

import (
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v3"
	"github.com/rs/zerolog"

	"github.com/local/clank/internal/event"
)

// Adapter owns one twitch.Client and fans every callback into a single
// buffered Inbound channel; per-channel ordering is the Processor's
// job, not the adapter's (spec.md §5).
type Adapter struct {
	client      *twitch.Client
	botUsername string
	log         zerolog.Logger

	events    chan event.Inbound
	connected chan struct{}
	banned    chan string
}

// New constructs an Adapter. botUsername and oauthToken authenticate
// the underlying IRC connection; botUsername is also compared against
// inbound authors so the Processor can recognise the bot's own
// messages (spec.md §4.F step 2).
func New(botUsername, oauthToken string, log zerolog.Logger) *Adapter {
	client := twitch.NewClient(botUsername, oauthToken)
	a := &Adapter{
		client:      client,
		botUsername: strings.ToLower(botUsername),
		log:         log,
		events:      make(chan event.Inbound, 256),
		connected:   make(chan struct{}, 1),
		banned:      make(chan string, 16),
	}

	client.OnPrivateMessage(a.handlePrivateMessage)
	client.OnClearChatMessage(a.handleClearChat)
	client.OnClearMessage(a.handleClearMessage)
	client.OnNoticeMessage(a.handleNoticeMessage)
	client.OnConnect(a.handleConnect)
	return a
}

// Events returns the channel every translated Inbound event arrives
// on. The Supervisor fans these out to per-channel Processor goroutines.
func (a *Adapter) Events() <-chan event.Inbound {
	return a.events
}

// Connected signals once per successful connect/reconnect.
func (a *Adapter) Connected() <-chan struct{} {
	return a.connected
}

// Banned yields a channel name every time Twitch notifies, in-band,
// that the bot has been permanently banned from it (msg-id=msg_banned
// on a NOTICE). This is the only reliable signal for a ban: unlike a
// timeout, a ban does not necessarily end the shared connection.
func (a *Adapter) Banned() <-chan string {
	return a.banned
}

// Join adds channels to the client's join set. Safe to call before or
// after Connect.
func (a *Adapter) Join(channels ...string) {
	a.client.Join(channels...)
}

// Connect blocks until the underlying connection ends or errors; run
// it in its own goroutine. The Supervisor's reconnection policy wraps
// repeated calls to Connect with backoff (spec.md §4.G).
func (a *Adapter) Connect() error {
	return a.client.Connect()
}

// Say sends a plain-text egress message to a channel.
func (a *Adapter) Say(channel, text string) {
	a.client.Say(channel, text)
}

// Close disconnects and releases the client's resources.
func (a *Adapter) Close() error {
	return a.client.Disconnect()
}

func (a *Adapter) handleConnect() {
	select {
	case a.connected <- struct{}{}:
	default:
	}
}

func (a *Adapter) handlePrivateMessage(msg twitch.PrivateMessage) {
	a.events <- event.Inbound{
		Channel:           msg.Channel,
		AuthorID:          msg.User.Name,
		AuthorDisplayName: msg.User.DisplayName,
		Badges:            translateBadges(msg.User.Badges),
		MessageID:         msg.ID,
		Content:           msg.Message,
		Timestamp:         msg.Time,
		Kind:              event.KindMessage,
	}
}

func (a *Adapter) handleClearChat(msg twitch.ClearChatMessage) {
	// go-twitch-irc's ClearChatMessage carries the moderated party as
	// TargetUsername (hammertrack-tracker's bot.go reads the same
	// field); clank keys store rows by this same identifier. An empty
	// TargetUsername is Twitch's signal for a full-channel clear rather
	// than a single user's timeout/ban.
	if msg.TargetUsername == "" {
		a.events <- event.Inbound{
			Channel:   msg.Channel,
			Timestamp: msg.Time,
			Kind:      event.KindChannelClear,
		}
		return
	}
	a.events <- event.Inbound{
		Channel:       msg.Channel,
		Timestamp:     msg.Time,
		Kind:          event.KindUserClear,
		ClearedUserID: msg.TargetUsername,
	}
}

func (a *Adapter) handleClearMessage(msg twitch.ClearMessage) {
	a.events <- event.Inbound{
		Channel:           msg.Channel,
		Kind:              event.KindDelete,
		DeletedMessageID:  msg.TargetMsgID,
		AuthorDisplayName: msg.Login,
	}
}

// handleNoticeMessage watches for Twitch's msg_banned NOTICE, the only
// in-band signal that the bot has been permanently banned from a
// channel (a timeout/ban does not necessarily close the underlying
// connection, so Connect's returned error cannot be relied on here).
func (a *Adapter) handleNoticeMessage(msg twitch.NoticeMessage) {
	if msg.MsgID != "msg_banned" {
		return
	}
	select {
	case a.banned <- strings.TrimPrefix(msg.Channel, "#"):
	default:
		a.log.Warn().Str("channel", msg.Channel).Msg("banned notification dropped, channel full")
	}
}

// translateBadges maps twitch-irc's raw badge-name-to-version map onto
// the capability flags the Command Handler's privilege check reads.
func translateBadges(raw map[string]int) event.Badges {
	_, broadcaster := raw["broadcaster"]
	_, moderator := raw["moderator"]
	return event.Badges{Broadcaster: broadcaster, Moderator: moderator}
}

// IsSelf reports whether author matches the bot's own authenticated
// username, case-insensitively (spec.md §4.F step 2).
func (a *Adapter) IsSelf(authorDisplayName string) bool {
	return strings.EqualFold(authorDisplayName, a.botUsername)
}

// MentionPredicate reports whether content directly addresses botName,
// either as "@bot ..." or "bot ..." at the start (spec.md §4.F step 2
// of the user-message path).
func MentionPredicate(content, botName string) bool {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSuffix(fields[0], ","))
	lowerBot := strings.ToLower(botName)
	return first == "@"+lowerBot || first == lowerBot
}

// StripMention removes a leading mention token from content, for
// building the user-text argument to generate_response.
func StripMention(content, botName string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return content
	}
	first := strings.ToLower(strings.TrimSuffix(fields[0], ","))
	lowerBot := strings.ToLower(botName)
	if first == "@"+lowerBot || first == lowerBot {
		return strings.TrimSpace(strings.Join(fields[1:], " "))
	}
	return content
}
