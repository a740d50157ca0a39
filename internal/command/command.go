// Package command parses and executes the `!clank <key> [value]`
// in-chat configuration surface (spec.md §4.E). Replies travel the
// standard egress path but are never output-filtered: they are
// operator output, not generated content.
package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/local/clank/internal/channelstate"
	"github.com/local/clank/internal/config"
	"github.com/local/clank/internal/event"
	"github.com/local/clank/internal/generator"
)

const prefix = "!clank"

// ParseCommand splits "!clank <key> [value]" into its key and optional
// value. ok is false for anything not starting with the prefix.
func ParseCommand(content string) (key, value string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 || !strings.EqualFold(fields[0], prefix) {
		return "", "", false
	}
	if len(fields) == 1 {
		return "", "", true // bare "!clank" — treated as an unknown-key get below
	}
	key = strings.ToLower(fields[1])
	if len(fields) > 2 {
		value = strings.Join(fields[2:], " ")
	}
	return key, value, true
}

type pendingReset struct {
	userID string
	at     time.Time
}

// Handler executes parsed commands against Channel State and the
// Generator's model catalog.
type Handler struct {
	state         *channelstate.Manager
	gen           generator.Client
	defaultModel  string
	defaults      config.ThresholdConfig
	confirmWindow time.Duration

	mu      sync.Mutex
	pending map[string]pendingReset // channel -> outstanding reset request
}

func New(state *channelstate.Manager, gen generator.Client, defaultModel string, defaults config.ThresholdConfig, confirmWindow time.Duration) *Handler {
	return &Handler{
		state:         state,
		gen:           gen,
		defaultModel:  defaultModel,
		defaults:      defaults,
		confirmWindow: confirmWindow,
		pending:       make(map[string]pendingReset),
	}
}

// Handle executes a privileged command. handled is false (and reply
// empty) for a sender lacking broadcaster/moderator capability — the
// command is dropped silently (spec.md §4.E).
func (h *Handler) Handle(ctx context.Context, ev event.Inbound) (reply string, handled bool) {
	if !ev.Badges.Broadcaster && !ev.Badges.Moderator {
		return "", false
	}

	key, value, ok := ParseCommand(ev.Content)
	if !ok {
		return "", false
	}

	switch key {
	case "threshold":
		return h.intField(ctx, ev.Channel, "message_threshold", key, value, config.ThresholdMin, config.ThresholdMax), true
	case "spontaneous":
		return h.intField(ctx, ev.Channel, "spontaneous_cooldown_s", key, value, config.SpontaneousCooldownMinS, config.SpontaneousCooldownMaxS), true
	case "response":
		return h.intField(ctx, ev.Channel, "response_cooldown_s", key, value, config.ResponseCooldownMinS, config.ResponseCooldownMaxS), true
	case "context":
		return h.intField(ctx, ev.Channel, "context_limit", key, value, config.ContextLimitMin, config.ContextLimitMax), true
	case "model":
		return h.model(ctx, ev.Channel, value), true
	case "models":
		return h.models(ctx), true
	case "status":
		return h.status(ctx, ev.Channel), true
	case "reset":
		return h.reset(ev.Channel, ev.AuthorID, value), true
	default:
		return fmt.Sprintf("unknown command %q", key), true
	}
}

// intField implements the shared get/set shape for the four numeric
// keys: no value echoes the current setting, a value validates against
// [lo, hi] then persists.
func (h *Handler) intField(ctx context.Context, channel, storeKey, cmdKey, value string, lo, hi int) string {
	if value == "" {
		v, ok := h.state.Get(channel)
		if !ok {
			return fmt.Sprintf("%s: no configuration loaded for this channel", cmdKey)
		}
		return fmt.Sprintf("%s is currently %d", cmdKey, fieldValue(v, storeKey))
	}

	n, err := strconv.Atoi(value)
	if err != nil || n < lo || n > hi {
		return fmt.Sprintf("invalid value for %s: must be an integer between %d and %d", cmdKey, lo, hi)
	}
	if err := h.state.SetField(ctx, channel, storeKey, n); err != nil {
		return fmt.Sprintf("%s: failed to save setting", cmdKey)
	}
	return fmt.Sprintf("%s set to %d", cmdKey, n)
}

func fieldValue(v channelstate.View, storeKey string) int {
	switch storeKey {
	case "message_threshold":
		return v.MessageThreshold
	case "spontaneous_cooldown_s":
		return v.SpontaneousCooldownS
	case "response_cooldown_s":
		return v.ResponseCooldownS
	case "context_limit":
		return v.ContextLimit
	}
	return 0
}

func (h *Handler) model(ctx context.Context, channel, value string) string {
	if value == "" {
		v, ok := h.state.Get(channel)
		if !ok || v.ModelName == "" {
			return fmt.Sprintf("model is currently the default (%s)", h.defaultModel)
		}
		return fmt.Sprintf("model is currently %s", v.ModelName)
	}

	if value == h.defaultModel {
		if err := h.state.SetField(ctx, channel, "model_name", value); err != nil {
			return "model: failed to save setting"
		}
		return fmt.Sprintf("model set to %s", value)
	}

	models, err := h.gen.ListModels(ctx)
	if err != nil {
		return "model: generator catalog unavailable, try again later"
	}
	for _, m := range models {
		if m == value {
			if err := h.state.SetField(ctx, channel, "model_name", value); err != nil {
				return "model: failed to save setting"
			}
			return fmt.Sprintf("model set to %s", value)
		}
	}
	return fmt.Sprintf("invalid model %q: not present in the catalog", value)
}

func (h *Handler) models(ctx context.Context) string {
	models, err := h.gen.ListModels(ctx)
	if err != nil {
		return "models: generator catalog unavailable, try again later"
	}
	if len(models) == 0 {
		return "models: catalog is empty"
	}
	return "available models: " + strings.Join(models, ", ")
}

func (h *Handler) status(ctx context.Context, channel string) string {
	v, ok := h.state.Get(channel)
	if !ok {
		return "status: no configuration loaded for this channel"
	}
	available := "reachable"
	if !h.gen.IsAvailable(ctx) {
		available = "unreachable"
	}
	return fmt.Sprintf("generator %s; messages since last spontaneous send: %d/%d", available, v.MessageCount, v.MessageThreshold)
}

// reset implements the two-step "!clank reset" / "!clank reset
// confirm" flow, pinned to the same user within the configured window
// (spec.md §9 open question #3).
func (h *Handler) reset(channel, userID, value string) string {
	if strings.EqualFold(strings.TrimSpace(value), "confirm") {
		h.mu.Lock()
		req, ok := h.pending[channel]
		valid := ok && req.userID == userID && time.Since(req.at) <= h.confirmWindow
		if valid {
			delete(h.pending, channel)
		}
		h.mu.Unlock()

		if !valid {
			return "no pending reset to confirm; run \"!clank reset\" first"
		}
		return h.applyReset(channel)
	}

	h.mu.Lock()
	h.pending[channel] = pendingReset{userID: userID, at: time.Now()}
	h.mu.Unlock()
	return fmt.Sprintf("this will restore default settings for this channel; run \"!clank reset confirm\" within %d seconds to confirm", int(h.confirmWindow.Seconds()))
}

func (h *Handler) applyReset(channel string) string {
	ctx := context.Background()
	fields := map[string]any{
		"message_threshold":      h.defaults.MessageThreshold,
		"spontaneous_cooldown_s": h.defaults.SpontaneousCooldownS,
		"response_cooldown_s":    h.defaults.ResponseCooldownS,
		"context_limit":          h.defaults.ContextLimit,
		"model_name":             "",
	}
	for key, val := range fields {
		if err := h.state.SetField(ctx, channel, key, val); err != nil {
			return "reset: failed to restore defaults"
		}
	}
	return "channel settings restored to defaults"
}
