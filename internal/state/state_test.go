package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bcherng/fim-agent/internal/hasher"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	return New(path, nil), path
}

// A fresh load returns every mutated value.
func TestStore_DurabilityRoundTrip(t *testing.T) {
	s, path := newTestStore(t)

	if err := s.SetWatchDirectory("/watched"); err != nil {
		t.Fatal(err)
	}
	h := hasher.HashBytes([]byte("root"))
	if err := s.SetLastValidHash(h, nil); err != nil {
		t.Fatal(err)
	}

	reloaded := New(path, nil)
	if reloaded.WatchDirectory() != "/watched" {
		t.Fatalf("watch dir = %q", reloaded.WatchDirectory())
	}
	if reloaded.LastValidHash() != h {
		t.Fatal("last valid hash not durable")
	}
}

func TestStore_CorruptedFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	var warned bool
	s := New(path, func(string) { warned = true })
	if !warned {
		t.Fatal("expected warning callback on corrupted load")
	}
	if s.WatchDirectory() != "" {
		t.Fatal("expected default empty watch directory")
	}
}

func TestStore_QueueFIFO(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Event{ID: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		head, ok := s.Peek()
		if !ok {
			t.Fatal("expected head")
		}
		if head.ID != string(rune('a'+i)) {
			t.Fatalf("head = %q, want %q", head.ID, string(rune('a'+i)))
		}
		if err := s.Dequeue(); err != nil {
			t.Fatal(err)
		}
	}

	if s.QueueSize() != 0 {
		t.Fatalf("queue size = %d, want 0", s.QueueSize())
	}
}

// Chain repair rewrites queued anchors only up to the next
// directory_selected marker.
func TestStore_ChainRepair(t *testing.T) {
	s, _ := newTestStore(t)

	root1 := hasher.HashBytes([]byte("r1"))
	s.Enqueue(Event{ID: "e1", Type: EventModified, LastValidHash: hasher.Digest{}})
	s.Enqueue(Event{ID: "e2", Type: EventModified, LastValidHash: hasher.Digest{}})
	s.Enqueue(Event{ID: "e3", Type: EventDirectorySelected, LastValidHash: hasher.Digest{}})
	s.Enqueue(Event{ID: "e4", Type: EventModified, LastValidHash: hasher.Digest{}})

	if err := s.UpdateQueuedChain(root1); err != nil {
		t.Fatal(err)
	}

	events := []Event{}
	for {
		e, ok := s.Peek()
		if !ok {
			break
		}
		events = append(events, e)
		s.Dequeue()
	}

	if events[0].LastValidHash != root1 || events[1].LastValidHash != root1 {
		t.Fatal("events before marker should be repaired")
	}
	if events[2].LastValidHash != (hasher.Digest{}) {
		t.Fatal("directory_selected marker itself should not be rewritten")
	}
	if events[3].LastValidHash != (hasher.Digest{}) {
		t.Fatal("events after the marker should not be repaired")
	}
}

func TestStore_AdminCredentials(t *testing.T) {
	s, _ := newTestStore(t)

	if s.VerifyAdminCredentials("admin", "secret") {
		t.Fatal("expected no cached credentials initially")
	}

	if err := s.SetAdminCredentials("admin", "secret"); err != nil {
		t.Fatal(err)
	}
	if !s.VerifyAdminCredentials("admin", "secret") {
		t.Fatal("expected verification to succeed")
	}
	if s.VerifyAdminCredentials("admin", "wrong") {
		t.Fatal("expected verification to fail with wrong password")
	}

	if err := s.ClearAdminCredentials(); err != nil {
		t.Fatal(err)
	}
	if s.VerifyAdminCredentials("admin", "secret") {
		t.Fatal("expected verification to fail after clear")
	}
}

func TestStore_TokenLifecycle(t *testing.T) {
	s, _ := newTestStore(t)

	exp := time.Now().Add(time.Hour)
	if err := s.SetToken("tok", exp); err != nil {
		t.Fatal(err)
	}
	tok, gotExp := s.Token()
	if tok != "tok" || !gotExp.Equal(exp) {
		t.Fatal("token round trip failed")
	}

	if err := s.ClearToken(); err != nil {
		t.Fatal(err)
	}
	tok, _ = s.Token()
	if tok != "" {
		t.Fatal("expected empty token after clear")
	}
}

func TestStore_Deregistration(t *testing.T) {
	s, _ := newTestStore(t)
	if s.IsDeregistered() {
		t.Fatal("expected not deregistered initially")
	}
	if err := s.SetDeregistered(true); err != nil {
		t.Fatal(err)
	}
	if !s.IsDeregistered() {
		t.Fatal("expected deregistered")
	}
}
