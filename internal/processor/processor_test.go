package processor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/clank/internal/channelstate"
	"github.com/local/clank/internal/command"
	"github.com/local/clank/internal/config"
	"github.com/local/clank/internal/event"
	"github.com/local/clank/internal/filter"
	"github.com/local/clank/internal/generator"
	"github.com/local/clank/internal/store"
)

type fakeGenerator struct {
	mu     sync.Mutex
	result generator.Result
	text   string
	calls  int
}

func (f *fakeGenerator) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeGenerator) IsAvailable(ctx context.Context) bool             { return true }
func (f *fakeGenerator) GenerateSpontaneous(ctx context.Context, model string, recent []generator.ContextMessage, charLimit int) (string, generator.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.result
}
func (f *fakeGenerator) GenerateResponse(ctx context.Context, model string, recent []generator.ContextMessage, userName, userText string, charLimit int) (string, generator.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.result
}
func (f *fakeGenerator) ValidateStartupModel(ctx context.Context, defaultModel string) error {
	return nil
}
func (f *fakeGenerator) Close() error { return nil }

var _ generator.Client = (*fakeGenerator)(nil)

type fakeEgress struct {
	mu   sync.Mutex
	sent []string
}

func (e *fakeEgress) Say(channel, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, text)
}

func (e *fakeEgress) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

type testRig struct {
	proc  *Processor
	st    store.Store
	state *channelstate.Manager
	gen   *fakeGenerator
	eg    *fakeEgress
}

func newTestRig(t *testing.T, threshold, spontaneousCooldownS, responseCooldownS, contextLimit int) *testRig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clank.db")
	st, err := store.OpenSQLite(path, 1)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	state := channelstate.New(st)
	defaults := store.ChannelConfig{
		MessageThreshold: threshold, SpontaneousCooldownS: spontaneousCooldownS,
		ResponseCooldownS: responseCooldownS, ContextLimit: contextLimit,
	}
	if err := state.Load(context.Background(), "c1", defaults); err != nil {
		t.Fatalf("Load: %v", err)
	}

	flt := filter.New([]string{"badword"}, false, true)
	gen := &fakeGenerator{result: generator.ResultOK, text: "a generated reply"}
	eg := &fakeEgress{}
	thresholds := config.ThresholdConfig{MessageThreshold: threshold, SpontaneousCooldownS: spontaneousCooldownS, ResponseCooldownS: responseCooldownS, ContextLimit: contextLimit}
	cmd := command.New(state, gen, "default-model", thresholds, 60*time.Second)

	proc := New(st, flt, state, gen, cmd, eg, zerolog.Nop(), Options{BotUsername: "clankbot"})
	return &testRig{proc: proc, st: st, state: state, gen: gen, eg: eg}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func msgEvent(channel, userID, displayName, content string) event.Inbound {
	return event.Inbound{
		Channel: channel, AuthorID: userID, AuthorDisplayName: displayName,
		MessageID: userID + "-" + content, Content: content, Timestamp: time.Now(), Kind: event.KindMessage,
	}
}

func TestSpontaneous_RequiresMinimumContextRegardlessOfLowThreshold(t *testing.T) {
	r := newTestRig(t, 5, 0, 60, 10)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		r.proc.Dispatch(msgEvent("c1", "u1", "U1", "clean message"))
	}
	waitFor(t, time.Second, func() bool {
		v, _ := r.state.Get("c1")
		return v.MessageCount == 9
	})
	if r.eg.count() != 0 {
		t.Fatalf("expected no emission before minimum context of 10, got %d", r.eg.count())
	}

	r.proc.Dispatch(msgEvent("c1", "u1", "U1", "clean message"))
	waitFor(t, time.Second, func() bool { return r.eg.count() == 1 })

	v, _ := r.state.Get("c1")
	if v.MessageCount != 0 {
		t.Fatalf("expected message_count reset after spontaneous emission, got %d", v.MessageCount)
	}
	if v.LastSpontaneousAt.IsZero() {
		t.Fatal("expected last_spontaneous_at stamped")
	}
	_ = ctx
}

func TestMention_BypassesThresholdAndDoesNotResetCounters(t *testing.T) {
	r := newTestRig(t, 1000, 0, 60, 10)
	r.proc.Dispatch(msgEvent("c1", "u1", "U1", "@clankbot hello there"))

	waitFor(t, time.Second, func() bool { return r.eg.count() == 1 })
	v, _ := r.state.Get("c1")
	if !v.LastSpontaneousAt.IsZero() {
		t.Fatal("expected last_spontaneous_at untouched by a mention response")
	}
	if v.MessageCount != 1 {
		t.Fatalf("expected message_count to reflect only the incoming message, got %d", v.MessageCount)
	}
}

func TestResponseCooldown_SecondMentionWithinWindowIsSuppressed(t *testing.T) {
	r := newTestRig(t, 1000, 0, 60, 10)
	r.proc.Dispatch(msgEvent("c1", "u1", "U1", "@clankbot first"))
	waitFor(t, time.Second, func() bool { return r.eg.count() == 1 })

	r.proc.Dispatch(msgEvent("c1", "u1", "U1", "@clankbot second"))
	time.Sleep(50 * time.Millisecond)
	if r.eg.count() != 1 {
		t.Fatalf("expected second mention within cooldown window to be suppressed, got %d sends", r.eg.count())
	}

	r.proc.Dispatch(msgEvent("c1", "u2", "U2", "@clankbot different user"))
	waitFor(t, time.Second, func() bool { return r.eg.count() == 2 })
}

func TestBanPurgesContext_RecentMessagesExcludesBannedUser(t *testing.T) {
	r := newTestRig(t, 1000, 0, 60, 10)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		r.proc.Dispatch(msgEvent("c1", "u3", "U3", "message"))
	}
	waitFor(t, time.Second, func() bool {
		v, _ := r.state.Get("c1")
		return v.MessageCount == 4
	})

	r.proc.Dispatch(event.Inbound{Channel: "c1", Kind: event.KindUserClear, ClearedUserID: "u3"})
	waitFor(t, time.Second, func() bool {
		msgs, _ := r.st.RecentMessages(ctx, "c1", 10)
		return len(msgs) == 0
	})

	v, _ := r.state.Get("c1")
	if v.MessageCount != 4 {
		t.Fatalf("expected message_count unaffected by ban purge, got %d", v.MessageCount)
	}
}

func TestGeneratorUnavailable_NoEmissionCountersUntouched(t *testing.T) {
	r := newTestRig(t, 1, 0, 60, 10)
	r.gen.result = generator.ResultUnavailable

	for i := 0; i < 10; i++ {
		r.proc.Dispatch(msgEvent("c1", "u1", "U1", "clean message"))
	}
	waitFor(t, time.Second, func() bool {
		v, _ := r.state.Get("c1")
		return v.MessageCount == 10
	})
	time.Sleep(50 * time.Millisecond)
	if r.eg.count() != 0 {
		t.Fatal("expected zero emissions while generator is unavailable")
	}
	v, _ := r.state.Get("c1")
	if !v.LastSpontaneousAt.IsZero() {
		t.Fatal("expected last_spontaneous_at never stamped")
	}
}

func TestOutputFilterBlocksGeneration_NotSentNoStateChange(t *testing.T) {
	r := newTestRig(t, 1, 0, 60, 10)
	r.gen.text = "this contains badword"

	for i := 0; i < 10; i++ {
		r.proc.Dispatch(msgEvent("c1", "u1", "U1", "clean message"))
	}
	waitFor(t, time.Second, func() bool {
		v, _ := r.state.Get("c1")
		return v.MessageCount == 10
	})
	time.Sleep(50 * time.Millisecond)

	if r.eg.count() != 0 {
		t.Fatal("expected blocked output to never be sent")
	}
	v, _ := r.state.Get("c1")
	if v.MessageCount != 10 {
		t.Fatalf("expected message_count unchanged by a blocked emission, got %d", v.MessageCount)
	}
	if !v.LastSpontaneousAt.IsZero() {
		t.Fatal("expected last_spontaneous_at not stamped for a blocked emission")
	}
}

func TestInputFilterBlocksMessage_NeverStored(t *testing.T) {
	r := newTestRig(t, 5, 0, 60, 10)
	ctx := context.Background()
	r.proc.Dispatch(msgEvent("c1", "u1", "U1", "this has a badword in it"))

	time.Sleep(50 * time.Millisecond)
	msgs, err := r.st.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected blocked input to never produce a stored message, got %d", len(msgs))
	}
}

func TestBotOwnMessageAndKnownOtherBot_AreIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clank.db")
	st, err := store.OpenSQLite(path, 1)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer st.Close()
	state := channelstate.New(st)
	defaults := store.ChannelConfig{MessageThreshold: 5, ContextLimit: 10}
	state.Load(context.Background(), "c1", defaults)
	flt := filter.New(nil, false, true)
	gen := &fakeGenerator{result: generator.ResultOK, text: "reply"}
	eg := &fakeEgress{}
	thresholds := config.ThresholdConfig{MessageThreshold: 5, ContextLimit: 10}
	cmd := command.New(state, gen, "default-model", thresholds, 60*time.Second)
	proc := New(st, flt, state, gen, cmd, eg, zerolog.Nop(), Options{BotUsername: "clankbot", KnownOtherBots: []string{"nightbot"}})

	proc.Dispatch(msgEvent("c1", "self", "ClankBot", "hello"))
	proc.Dispatch(msgEvent("c1", "other", "NightBot", "hello"))
	time.Sleep(50 * time.Millisecond)

	v, _ := state.Get("c1")
	if v.MessageCount != 0 {
		t.Fatalf("expected self and known-other-bot messages to never be counted, got %d", v.MessageCount)
	}
}
