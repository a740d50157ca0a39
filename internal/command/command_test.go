package command

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/local/clank/internal/channelstate"
	"github.com/local/clank/internal/config"
	"github.com/local/clank/internal/event"
	"github.com/local/clank/internal/generator"
	"github.com/local/clank/internal/store"
)

type fakeGenerator struct {
	models    []string
	available bool
	listErr   error
}

func (f *fakeGenerator) ListModels(ctx context.Context) ([]string, error) { return f.models, f.listErr }
func (f *fakeGenerator) IsAvailable(ctx context.Context) bool             { return f.available }
func (f *fakeGenerator) GenerateSpontaneous(ctx context.Context, model string, recent []generator.ContextMessage, charLimit int) (string, generator.Result) {
	return "", generator.ResultUnavailable
}
func (f *fakeGenerator) GenerateResponse(ctx context.Context, model string, recent []generator.ContextMessage, userName, userText string, charLimit int) (string, generator.Result) {
	return "", generator.ResultUnavailable
}
func (f *fakeGenerator) ValidateStartupModel(ctx context.Context, defaultModel string) error {
	return nil
}
func (f *fakeGenerator) Close() error { return nil }

var _ generator.Client = (*fakeGenerator)(nil)

func newTestSetup(t *testing.T) (*Handler, *channelstate.Manager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clank.db")
	st, err := store.OpenSQLite(path, 1)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	state := channelstate.New(st)
	defaults := store.ChannelConfig{MessageThreshold: 30, SpontaneousCooldownS: 600, ResponseCooldownS: 60, ContextLimit: 100}
	if err := state.Load(context.Background(), "c1", defaults); err != nil {
		t.Fatalf("Load: %v", err)
	}

	gen := &fakeGenerator{models: []string{"llama3", "mistral"}, available: true}
	thresholds := config.ThresholdConfig{MessageThreshold: 30, SpontaneousCooldownS: 600, ResponseCooldownS: 60, ContextLimit: 100}
	h := New(state, gen, "llama3", thresholds, 60*time.Second)
	return h, state
}

func privilegedEvent(channel, content string) event.Inbound {
	return event.Inbound{Channel: channel, AuthorID: "mod1", AuthorDisplayName: "Mod", Content: content, Badges: event.Badges{Moderator: true}}
}

func TestHandle_UnprivilegedSenderIsDroppedSilently(t *testing.T) {
	h, _ := newTestSetup(t)
	ev := event.Inbound{Channel: "c1", AuthorID: "u1", Content: "!clank threshold 50", Badges: event.Badges{}}
	reply, handled := h.Handle(context.Background(), ev)
	if handled || reply != "" {
		t.Fatalf("expected command to be dropped silently, got reply=%q handled=%v", reply, handled)
	}
}

func TestHandle_GetFormEchoesCurrentValue(t *testing.T) {
	h, _ := newTestSetup(t)
	reply, handled := h.Handle(context.Background(), privilegedEvent("c1", "!clank threshold"))
	if !handled {
		t.Fatal("expected command to be handled")
	}
	if !strings.Contains(reply, "30") {
		t.Fatalf("expected current threshold echoed, got %q", reply)
	}
}

func TestHandle_SetFormValidatesRange(t *testing.T) {
	h, state := newTestSetup(t)
	reply, _ := h.Handle(context.Background(), privilegedEvent("c1", "!clank threshold 999"))
	if !strings.Contains(reply, "invalid") {
		t.Fatalf("expected invalid-value error, got %q", reply)
	}
	v, _ := state.Get("c1")
	if v.MessageThreshold != 30 {
		t.Fatalf("expected no state change on invalid value, got %+v", v)
	}

	reply, _ = h.Handle(context.Background(), privilegedEvent("c1", "!clank threshold 50"))
	if !strings.Contains(reply, "50") {
		t.Fatalf("expected confirmation, got %q", reply)
	}
	v, _ = state.Get("c1")
	if v.MessageThreshold != 50 {
		t.Fatalf("expected state updated to 50, got %+v", v)
	}
}

func TestHandle_ModelMustBeInCatalogOrDefault(t *testing.T) {
	h, state := newTestSetup(t)
	reply, _ := h.Handle(context.Background(), privilegedEvent("c1", "!clank model mistral"))
	if !strings.Contains(reply, "set to mistral") {
		t.Fatalf("expected model set, got %q", reply)
	}
	v, _ := state.Get("c1")
	if v.ModelName != "mistral" {
		t.Fatalf("expected model_name persisted, got %+v", v)
	}

	reply, _ = h.Handle(context.Background(), privilegedEvent("c1", "!clank model nonexistent"))
	if !strings.Contains(reply, "invalid model") {
		t.Fatalf("expected rejection of unknown model, got %q", reply)
	}
}

func TestHandle_Models_ListsCatalog(t *testing.T) {
	h, _ := newTestSetup(t)
	reply, _ := h.Handle(context.Background(), privilegedEvent("c1", "!clank models"))
	if !strings.Contains(reply, "llama3") || !strings.Contains(reply, "mistral") {
		t.Fatalf("expected both models listed, got %q", reply)
	}
}

func TestHandle_Reset_RequiresConfirmFromSameUserWithinWindow(t *testing.T) {
	h, state := newTestSetup(t)
	state.SetField(context.Background(), "c1", "message_threshold", 77)

	ev := privilegedEvent("c1", "!clank reset")
	reply, _ := h.Handle(context.Background(), ev)
	if !strings.Contains(reply, "confirm") {
		t.Fatalf("expected confirmation prompt, got %q", reply)
	}

	// a different user confirming must not apply the reset
	other := privilegedEvent("c1", "!clank reset confirm")
	other.AuthorID = "mod2"
	reply, _ = h.Handle(context.Background(), other)
	if !strings.Contains(reply, "no pending reset") {
		t.Fatalf("expected rejection from a different user, got %q", reply)
	}

	reply, _ = h.Handle(context.Background(), privilegedEvent("c1", "!clank reset confirm"))
	if !strings.Contains(reply, "restored") {
		t.Fatalf("expected reset applied, got %q", reply)
	}
	v, _ := state.Get("c1")
	if v.MessageThreshold != 30 {
		t.Fatalf("expected defaults restored, got %+v", v)
	}
}

func TestHandle_UnknownKeyProducesErrorLine(t *testing.T) {
	h, _ := newTestSetup(t)
	reply, handled := h.Handle(context.Background(), privilegedEvent("c1", "!clank bogus"))
	if !handled {
		t.Fatal("expected handled=true for a recognized prefix even with unknown key")
	}
	if !strings.Contains(reply, "unknown command") {
		t.Fatalf("expected unknown-command error, got %q", reply)
	}
}
