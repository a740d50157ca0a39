// Package channelstate keeps the live, in-memory per-channel view the
// Processor checks triggers against, writing through to Store on every
// mutation so a restart resumes at exactly the last durable value
// (spec.md §3 "Ownership", §4.D).
package channelstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/local/clank/internal/store"
)

// View is the live counter/cooldown snapshot for one channel.
type View struct {
	MessageThreshold     int
	SpontaneousCooldownS int
	ResponseCooldownS    int
	ContextLimit         int
	ModelName            string
	MessageCount         int
	LastSpontaneousAt    time.Time
}

// Manager owns the in-memory View for every channel clank has joined.
// Command Handler and Processor are its only writers (spec.md §5).
type Manager struct {
	st      store.Store
	mu      sync.RWMutex
	views   map[string]View
	cooldowns map[string]time.Time // "channel\x00user_id" -> last_response_at, cached from Store
}

func New(st store.Store) *Manager {
	return &Manager{st: st, views: make(map[string]View), cooldowns: make(map[string]time.Time)}
}

// Load populates the in-memory view for a channel from Store, using
// defaults to synthesize a row if none exists yet (spec.md §4.G step 6).
func (m *Manager) Load(ctx context.Context, channel string, defaults store.ChannelConfig) error {
	cc, err := m.st.GetChannelConfig(ctx, channel, defaults)
	if err != nil {
		return fmt.Errorf("channelstate: load %s: %w", channel, err)
	}
	m.mu.Lock()
	m.views[channel] = View{
		MessageThreshold:     cc.MessageThreshold,
		SpontaneousCooldownS: cc.SpontaneousCooldownS,
		ResponseCooldownS:    cc.ResponseCooldownS,
		ContextLimit:         cc.ContextLimit,
		ModelName:            cc.ModelName,
		MessageCount:         cc.MessageCount,
		LastSpontaneousAt:    cc.LastSpontaneousAt,
	}
	m.mu.Unlock()
	return nil
}

// Get returns the current view for a channel. ok is false for a
// channel that has never been Load-ed.
func (m *Manager) Get(channel string) (View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[channel]
	return v, ok
}

// IncrementMessageCount writes through to Store first; the in-memory
// view only advances if the durable write succeeds (spec.md §4.D).
func (m *Manager) IncrementMessageCount(ctx context.Context, channel string) (int, error) {
	if err := m.st.IncrementMessageCount(ctx, channel); err != nil {
		return 0, fmt.Errorf("channelstate: increment %s: %w", channel, err)
	}
	m.mu.Lock()
	v := m.views[channel]
	v.MessageCount++
	m.views[channel] = v
	count := v.MessageCount
	m.mu.Unlock()
	return count, nil
}

// ObserveIncrement advances the in-memory view's MessageCount by 1 to
// reflect an increment Store already performed atomically as part of
// AppendMessage (spec.md §4.A); it issues no Store write of its own.
func (m *Manager) ObserveIncrement(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.views[channel]
	v.MessageCount++
	m.views[channel] = v
	return v.MessageCount
}

// ResetMessageCount is called after a successful spontaneous send.
func (m *Manager) ResetMessageCount(ctx context.Context, channel string) error {
	if err := m.st.ResetMessageCount(ctx, channel); err != nil {
		return fmt.Errorf("channelstate: reset %s: %w", channel, err)
	}
	m.mu.Lock()
	v := m.views[channel]
	v.MessageCount = 0
	m.views[channel] = v
	m.mu.Unlock()
	return nil
}

// StampLastSpontaneous is called after a successful spontaneous send.
func (m *Manager) StampLastSpontaneous(ctx context.Context, channel string, at time.Time) error {
	if err := m.st.StampLastSpontaneous(ctx, channel, at); err != nil {
		return fmt.Errorf("channelstate: stamp spontaneous %s: %w", channel, err)
	}
	m.mu.Lock()
	v := m.views[channel]
	v.LastSpontaneousAt = at
	m.views[channel] = v
	m.mu.Unlock()
	return nil
}

// SetField applies a Command Handler write: persists first, then
// updates the in-memory view only on success, rolling back to the
// last known durable value on failure (spec.md §4.D).
func (m *Manager) SetField(ctx context.Context, channel, key string, value any) error {
	if err := m.st.SetChannelConfigField(ctx, channel, key, value); err != nil {
		return fmt.Errorf("channelstate: set %s.%s: %w", channel, key, err)
	}
	m.mu.Lock()
	v := m.views[channel]
	switch key {
	case "message_threshold":
		v.MessageThreshold = value.(int)
	case "spontaneous_cooldown_s":
		v.SpontaneousCooldownS = value.(int)
	case "response_cooldown_s":
		v.ResponseCooldownS = value.(int)
	case "context_limit":
		v.ContextLimit = value.(int)
	case "model_name":
		v.ModelName = value.(string)
	}
	m.views[channel] = v
	m.mu.Unlock()
	return nil
}

// cooldownKey builds the composite in-memory cache key for a user's
// response cooldown.
func cooldownKey(channel, userID string) string {
	return channel + "\x00" + userID
}

// UserCooldownElapsed reports whether enough time has passed since the
// user's last mention response for a new one to fire. A user never
// seen before always has an elapsed cooldown.
func (m *Manager) UserCooldownElapsed(ctx context.Context, channel, userID string, now time.Time) (bool, error) {
	m.mu.RLock()
	last, cached := m.cooldowns[cooldownKey(channel, userID)]
	m.mu.RUnlock()

	if !cached {
		got, ok, err := m.st.GetUserCooldown(ctx, channel, userID)
		if err != nil {
			return false, fmt.Errorf("channelstate: get cooldown %s/%s: %w", channel, userID, err)
		}
		if !ok {
			return true, nil
		}
		last = got.LastResponseAt
		m.mu.Lock()
		m.cooldowns[cooldownKey(channel, userID)] = last
		m.mu.Unlock()
	}

	view, _ := m.Get(channel)
	return now.Sub(last) >= time.Duration(view.ResponseCooldownS)*time.Second, nil
}

// StampUserCooldown is called after a successful mention response.
func (m *Manager) StampUserCooldown(ctx context.Context, channel, userID string, at time.Time) error {
	if err := m.st.StampUserCooldown(ctx, channel, userID, at); err != nil {
		return fmt.Errorf("channelstate: stamp cooldown %s/%s: %w", channel, userID, err)
	}
	m.mu.Lock()
	m.cooldowns[cooldownKey(channel, userID)] = at
	m.mu.Unlock()
	return nil
}

// Channels returns every channel currently loaded, for the Supervisor's
// cleanup and reconciliation tasks.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.views))
	for ch := range m.views {
		out = append(out, ch)
	}
	return out
}
