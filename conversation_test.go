package flotilla

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestConvStore(t *testing.T) (*ConversationStore, string) {
	t.Helper()
	dir := t.TempDir()
	cs, err := NewConversationStore(dir, "telegram", "assistant", nil)
	if err != nil {
		t.Fatalf("NewConversationStore: %v", err)
	}
	return cs, dir
}

func TestConversationGetOrCreate(t *testing.T) {
	cs, _ := newTestConvStore(t)
	now := time.Now()

	conv, isNew, err := cs.GetOrCreate("1700000000", now)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !isNew || conv.SessionID != "" || conv.MessageCount != 0 {
		t.Errorf("first contact: isNew=%v conv=%+v", isNew, conv)
	}

	_, isNew, err = cs.GetOrCreate("1700000000", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if isNew {
		t.Error("second contact reported as new")
	}
}

func TestConversationKeyIsolation(t *testing.T) {
	cs, _ := newTestConvStore(t)
	now := time.Now()

	if err := cs.SetSession("thread-a", "S-A", now); err != nil {
		t.Fatal(err)
	}
	if err := cs.SetSession("thread-b", "S-B", now); err != nil {
		t.Fatal(err)
	}
	if err := cs.UpdateContextUsage("thread-a", Usage{InputTokens: 10, OutputTokens: 5}, now); err != nil {
		t.Fatal(err)
	}

	a, err := cs.Get("thread-a")
	if err != nil || a == nil {
		t.Fatalf("Get a: %v %v", a, err)
	}
	b, err := cs.Get("thread-b")
	if err != nil || b == nil {
		t.Fatalf("Get b: %v %v", b, err)
	}
	if a.SessionID != "S-A" || b.SessionID != "S-B" {
		t.Errorf("sessions bled: a=%q b=%q", a.SessionID, b.SessionID)
	}
	if b.ContextUsage != nil {
		t.Errorf("usage bled into thread-b: %+v", b.ContextUsage)
	}
}

func TestConversationUsageAccumulates(t *testing.T) {
	cs, _ := newTestConvStore(t)
	now := time.Now()
	key := "general"

	if err := cs.SetSession(key, "S1", now); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := cs.UpdateContextUsage(key, Usage{InputTokens: 200, OutputTokens: 30, ContextWindow: 200000}, now); err != nil {
			t.Fatal(err)
		}
		if err := cs.IncrementMessageCount(key, now); err != nil {
			t.Fatal(err)
		}
	}

	conv, err := cs.Get(key)
	if err != nil || conv == nil {
		t.Fatalf("Get: %v %v", conv, err)
	}
	cu := conv.ContextUsage
	if cu == nil {
		t.Fatal("no usage recorded")
	}
	if cu.InputTokens != 1000 || cu.OutputTokens != 150 || cu.TotalTokens != 1150 {
		t.Errorf("usage = %d/%d/%d, want 1000/150/1150", cu.InputTokens, cu.OutputTokens, cu.TotalTokens)
	}
	if conv.MessageCount != 5 {
		t.Errorf("message count = %d, want 5", conv.MessageCount)
	}
}

func TestConversationSetSessionResetsCounters(t *testing.T) {
	cs, _ := newTestConvStore(t)
	now := time.Now()
	key := "general"

	if err := cs.SetSession(key, "S1", now); err != nil {
		t.Fatal(err)
	}
	if err := cs.UpdateContextUsage(key, Usage{InputTokens: 500, OutputTokens: 50}, now); err != nil {
		t.Fatal(err)
	}
	if err := cs.IncrementMessageCount(key, now); err != nil {
		t.Fatal(err)
	}

	// Same ID again must not reset anything.
	if err := cs.SetSession(key, "S1", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	conv, _ := cs.Get(key)
	if conv.MessageCount != 1 || conv.ContextUsage == nil {
		t.Errorf("re-set with same ID reset state: %+v", conv)
	}

	// New ID starts a fresh lifetime.
	if err := cs.SetSession(key, "S2", now.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	conv, _ = cs.Get(key)
	if conv.SessionID != "S2" || conv.MessageCount != 0 || conv.ContextUsage != nil {
		t.Errorf("new session did not reset counters: %+v", conv)
	}
}

func TestConversationReset(t *testing.T) {
	cs, _ := newTestConvStore(t)
	now := time.Now()

	if err := cs.SetSession("k", "S1", now); err != nil {
		t.Fatal(err)
	}
	if err := cs.Reset("k"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	conv, err := cs.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if conv != nil {
		t.Errorf("record survived reset: %+v", conv)
	}
	// Resetting a missing key is fine.
	if err := cs.Reset("never-seen"); err != nil {
		t.Errorf("Reset unknown key: %v", err)
	}
}

func TestConversationMigratesV1(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telegram-sessions", "assistant.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	legacy := map[string]any{
		"version": 1,
		"sessions": map[string]string{
			"chan-1": "legacy-session-1",
			"chan-2": "legacy-session-2",
		},
	}
	raw, _ := json.Marshal(legacy)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	cs, err := NewConversationStore(dir, "telegram", "assistant", nil)
	if err != nil {
		t.Fatal(err)
	}
	conv, err := cs.Get("chan-1")
	if err != nil || conv == nil {
		t.Fatalf("Get migrated: %v %v", conv, err)
	}
	if conv.SessionID != "legacy-session-1" {
		t.Errorf("session = %q", conv.SessionID)
	}

	// Migration writes back the current schema.
	raw, err = os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var f conversationFile
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatal(err)
	}
	if f.Version != ConversationSchemaVersion {
		t.Errorf("written version = %d, want %d", f.Version, ConversationSchemaVersion)
	}
	if len(f.Sessions) != 0 {
		t.Errorf("legacy sessions map persisted: %v", f.Sessions)
	}
	if f.Channels["chan-2"] == nil || f.Channels["chan-2"].SessionID != "legacy-session-2" {
		t.Errorf("chan-2 lost in migration: %+v", f.Channels)
	}
}

func TestConversationMigratesV2(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telegram-sessions", "assistant.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	legacy := map[string]any{
		"version":    2,
		"agent_name": "assistant",
		"channels": map[string]any{
			"general": map[string]any{"session_id": "S-old", "message_count": 7},
		},
	}
	raw, _ := json.Marshal(legacy)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	cs, err := NewConversationStore(dir, "telegram", "assistant", nil)
	if err != nil {
		t.Fatal(err)
	}
	conv, err := cs.Get("general")
	if err != nil || conv == nil {
		t.Fatalf("Get: %v %v", conv, err)
	}
	if conv.SessionID != "S-old" || conv.MessageCount != 7 {
		t.Errorf("v2 data lost: %+v", conv)
	}
	if conv.ContextUsage != nil || conv.AgentConfig != nil {
		t.Errorf("v2 record grew fields it never had: %+v", conv)
	}
}

func TestConversationCleanupExpired(t *testing.T) {
	cs, _ := newTestConvStore(t)
	base := time.Now()

	if err := cs.SetSession("stale", "S1", base.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := cs.Touch("stale", base.Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := cs.SetSession("fresh", "S2", base); err != nil {
		t.Fatal(err)
	}
	if err := cs.Touch("fresh", base); err != nil {
		t.Fatal(err)
	}

	n, err := cs.CleanupExpired(base, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if conv, _ := cs.Get("stale"); conv != nil {
		t.Error("stale conversation survived")
	}
	if conv, _ := cs.Get("fresh"); conv == nil {
		t.Error("fresh conversation removed")
	}
}

func TestConversationStoreRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewConversationStore(dir, "../evil", "agent", nil); err == nil {
		t.Error("bad platform accepted")
	}
	if _, err := NewConversationStore(dir, "telegram", "../evil", nil); err == nil {
		t.Error("bad agent accepted")
	}
}
