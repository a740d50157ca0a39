package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clank.db")
	s, err := OpenSQLite(path, 1)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendMessage_DuplicateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := Message{MessageID: "m1", Channel: "c1", UserID: "u1", UserDisplayName: "U1", Content: "hi", Timestamp: time.Now()}

	res, err := s.AppendMessage(ctx, msg)
	if err != nil || res != AppendOK {
		t.Fatalf("first append: res=%v err=%v", res, err)
	}
	res, err = s.AppendMessage(ctx, msg)
	if err != nil || res != AppendDuplicate {
		t.Fatalf("second append: res=%v err=%v, want AppendDuplicate", res, err)
	}

	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one row after duplicate append, got %d", len(msgs))
	}
}

func TestRecentMessages_ChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		msg := Message{
			MessageID: "m" + string(rune('a'+i)), Channel: "c1", UserID: "u1",
			UserDisplayName: "U1", Content: "msg", Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	msgs, err := s.RecentMessages(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("messages not in chronological order: %v before %v", msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
	}
}

func TestChannelIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.AppendMessage(ctx, Message{MessageID: "a", Channel: "c1", UserID: "u1", UserDisplayName: "U1", Content: "x", Timestamp: time.Now()})
	s.AppendMessage(ctx, Message{MessageID: "b", Channel: "c2", UserID: "u1", UserDisplayName: "U1", Content: "y", Timestamp: time.Now()})

	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != "a" {
		t.Fatalf("channel isolation violated: got %+v", msgs)
	}
}

func TestDeleteByMessageID_RemovesFromRecentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.AppendMessage(ctx, Message{MessageID: "m1", Channel: "c1", UserID: "u1", UserDisplayName: "U1", Content: "x", Timestamp: time.Now()})

	if err := s.DeleteByMessageID(ctx, "m1"); err != nil {
		t.Fatalf("DeleteByMessageID: %v", err)
	}
	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	for _, m := range msgs {
		if m.MessageID == "m1" {
			t.Fatal("deleted message still present")
		}
	}
}

func TestDeleteByUser_PurgesAllTheirMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		s.AppendMessage(ctx, Message{MessageID: "m" + string(rune('0'+i)), Channel: "c1", UserID: "banned", UserDisplayName: "B", Content: "x", Timestamp: time.Now()})
	}
	s.AppendMessage(ctx, Message{MessageID: "other", Channel: "c1", UserID: "good", UserDisplayName: "G", Content: "y", Timestamp: time.Now()})

	if err := s.DeleteByUser(ctx, "c1", "banned"); err != nil {
		t.Fatalf("DeleteByUser: %v", err)
	}
	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	for _, m := range msgs {
		if m.UserID == "banned" {
			t.Fatalf("banned user's message survived: %+v", m)
		}
	}
	if len(msgs) != 1 {
		t.Fatalf("expected only the unrelated message to survive, got %d", len(msgs))
	}
}

func TestGetChannelConfig_SynthesizesDefaultsOnFirstRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	defaults := ChannelConfig{MessageThreshold: 30, SpontaneousCooldownS: 600, ResponseCooldownS: 60, ContextLimit: 100}

	cc, err := s.GetChannelConfig(ctx, "new-channel", defaults)
	if err != nil {
		t.Fatalf("GetChannelConfig: %v", err)
	}
	if cc.MessageThreshold != 30 || cc.ContextLimit != 100 {
		t.Fatalf("expected synthesized defaults, got %+v", cc)
	}

	// persisted: a second read with different defaults still returns the
	// first-write values, since the row now exists.
	cc2, err := s.GetChannelConfig(ctx, "new-channel", ChannelConfig{MessageThreshold: 999})
	if err != nil {
		t.Fatalf("GetChannelConfig (2nd): %v", err)
	}
	if cc2.MessageThreshold != 30 {
		t.Fatalf("expected persisted value 30, got %d", cc2.MessageThreshold)
	}
}

func TestMessageCount_AtomicWithAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	defaults := ChannelConfig{MessageThreshold: 30, ContextLimit: 100}
	s.GetChannelConfig(ctx, "c1", defaults)

	for i := 0; i < 3; i++ {
		s.AppendMessage(ctx, Message{MessageID: "m" + string(rune('0'+i)), Channel: "c1", UserID: "u1", UserDisplayName: "U1", Content: "x", Timestamp: time.Now()})
	}
	cc, err := s.GetChannelConfig(ctx, "c1", defaults)
	if err != nil {
		t.Fatalf("GetChannelConfig: %v", err)
	}
	if cc.MessageCount != 3 {
		t.Fatalf("MessageCount = %d, want 3", cc.MessageCount)
	}
}

func TestResetMessageCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	defaults := ChannelConfig{MessageThreshold: 5, ContextLimit: 50}
	s.GetChannelConfig(ctx, "c1", defaults)
	s.AppendMessage(ctx, Message{MessageID: "m1", Channel: "c1", UserID: "u1", UserDisplayName: "U1", Content: "x", Timestamp: time.Now()})

	if err := s.ResetMessageCount(ctx, "c1"); err != nil {
		t.Fatalf("ResetMessageCount: %v", err)
	}
	cc, _ := s.GetChannelConfig(ctx, "c1", defaults)
	if cc.MessageCount != 0 {
		t.Fatalf("MessageCount = %d, want 0 after reset", cc.MessageCount)
	}
}

func TestStampLastSpontaneous_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	defaults := ChannelConfig{ContextLimit: 50}
	s.GetChannelConfig(ctx, "c1", defaults)

	t1 := time.Now()
	if err := s.StampLastSpontaneous(ctx, "c1", t1); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	cc, _ := s.GetChannelConfig(ctx, "c1", defaults)
	if !cc.LastSpontaneousAt.Equal(t1.Truncate(time.Nanosecond)) {
		t.Fatalf("LastSpontaneousAt = %v, want %v", cc.LastSpontaneousAt, t1)
	}
}

func TestUserCooldown_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetUserCooldown(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("GetUserCooldown: %v", err)
	}
	if ok {
		t.Fatal("expected no cooldown row for fresh user")
	}

	now := time.Now()
	if err := s.StampUserCooldown(ctx, "c1", "u1", now); err != nil {
		t.Fatalf("StampUserCooldown: %v", err)
	}
	cd, ok, err := s.GetUserCooldown(ctx, "c1", "u1")
	if err != nil || !ok {
		t.Fatalf("GetUserCooldown after stamp: cd=%+v ok=%v err=%v", cd, ok, err)
	}
}

func TestAuthMaterial_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetAuth(ctx)
	if err != nil {
		t.Fatalf("GetAuth: %v", err)
	}
	if ok {
		t.Fatal("expected no auth material before first PutAuth")
	}

	auth := AuthMaterial{AccessToken: []byte("enc-access"), RefreshToken: []byte("enc-refresh"), ExpiresAt: time.Now().Add(time.Hour), BotUsername: "clankbot"}
	if err := s.PutAuth(ctx, auth); err != nil {
		t.Fatalf("PutAuth: %v", err)
	}
	got, ok, err := s.GetAuth(ctx)
	if err != nil || !ok {
		t.Fatalf("GetAuth after put: ok=%v err=%v", ok, err)
	}
	if string(got.AccessToken) != "enc-access" || got.BotUsername != "clankbot" {
		t.Fatalf("round-tripped auth mismatch: %+v", got)
	}
}

func TestCleanup_NeverDeletesWithinRetentionWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	s.AppendMessage(ctx, Message{MessageID: "fresh", Channel: "c1", UserID: "u1", UserDisplayName: "U1", Content: "x", Timestamp: now})

	if err := s.Cleanup(ctx, 30, 14); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected fresh message to survive cleanup, got %d messages", len(msgs))
	}
}

func TestMetrics_RecordAndAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.RecordMetric(ctx, Metric{Channel: "c1", Kind: "filter_block_input", Value: 1, Timestamp: time.Now()})
	s.RecordMetric(ctx, Metric{Channel: "c1", Kind: "filter_block_input", Value: 1, Timestamp: time.Now()})

	total, err := s.Aggregate(ctx, "c1", "filter_block_input", time.Hour)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if total != 2 {
		t.Fatalf("Aggregate = %v, want 2", total)
	}
}
