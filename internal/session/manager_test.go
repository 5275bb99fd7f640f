package session

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestResumeWithoutTokenCreates(t *testing.T) {
	m := NewManager(time.Minute)
	s, restored := m.Resume("", "voice-a")
	if restored {
		t.Fatalf("restored = true for empty token, want false")
	}
	if s.ID == "" || s.State != StateConnected {
		t.Fatalf("unexpected new session: %+v", s)
	}
	if s.TTSSpeed != 1.0 || s.VoiceID != "voice-a" {
		t.Fatalf("defaults not applied: %+v", s)
	}
}

func TestResumeWithValidTokenRestoresHistory(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Resume("", "")
	if err := m.AppendHistory(s.ID, "user", "hello"); err != nil {
		t.Fatalf("AppendHistory() error = %v", err)
	}
	if err := m.Disconnect(s.ID); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	got, restored := m.Resume(s.ID, "")
	if !restored {
		t.Fatalf("restored = false for valid token, want true")
	}
	if got.ID != s.ID {
		t.Fatalf("restored ID = %q, want %q", got.ID, s.ID)
	}
	if got.State != StateConnected {
		t.Fatalf("restored state = %q, want CONNECTED", got.State)
	}
	if len(got.History) != 1 || got.History[0].Text != "hello" {
		t.Fatalf("history not preserved: %+v", got.History)
	}
}

func TestResumeWithUnknownTokenCreatesFresh(t *testing.T) {
	m := NewManager(time.Minute)
	s, restored := m.Resume("nonexistent-token", "")
	if restored {
		t.Fatalf("restored = true for unknown token, want false")
	}
	if s.ID == "nonexistent-token" {
		t.Fatalf("unknown token must not be reused as the new session ID")
	}
	if len(s.History) != 0 {
		t.Fatalf("fresh session history = %+v, want empty", s.History)
	}
}

func TestHistoryBounded(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Resume("", "")
	for i := 0; i < HistoryLimit+5; i++ {
		if err := m.AppendHistory(s.ID, "user", fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("AppendHistory() error = %v", err)
		}
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.History) != HistoryLimit {
		t.Fatalf("history length = %d, want %d", len(got.History), HistoryLimit)
	}
	if got.History[0].Text != "msg-5" {
		t.Fatalf("oldest kept entry = %q, want msg-5", got.History[0].Text)
	}
}

func TestClearHistory(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Resume("", "")
	_ = m.AppendHistory(s.ID, "user", "a")
	if err := m.ClearHistory(s.ID); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if len(got.History) != 0 {
		t.Fatalf("history after clear = %+v, want empty", got.History)
	}
}

func TestJanitorEvictsOnlyDisconnected(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	var evicted []string
	m.SetEvictHook(func(s Session) { evicted = append(evicted, s.ID) })

	stays, _ := m.Resume("", "")
	goes, _ := m.Resume("", "")
	_ = m.Disconnect(goes.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	if _, err := m.Get(stays.ID); err != nil {
		t.Fatalf("connected session evicted: %v", err)
	}
	if _, err := m.Get(goes.ID); err == nil {
		t.Fatalf("disconnected session survived past idle timeout")
	}
	if len(evicted) != 1 || evicted[0] != goes.ID {
		t.Fatalf("evict hook calls = %v, want [%s]", evicted, goes.ID)
	}

	// An expired token now behaves like no token at all.
	fresh, restored := m.Resume(goes.ID, "")
	if restored {
		t.Fatalf("restored = true for expired token, want false")
	}
	if fresh.ID == goes.ID {
		t.Fatalf("expired token reissued as session ID")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Resume("", "")
	_ = m.AppendHistory(s.ID, "user", "a")
	got, _ := m.Get(s.ID)
	got.History[0].Text = "mutated"
	again, _ := m.Get(s.ID)
	if again.History[0].Text != "a" {
		t.Fatalf("manager state mutated through snapshot")
	}
}
