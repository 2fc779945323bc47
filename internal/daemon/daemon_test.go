package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bcherng/fim-agent/internal/hasher"
	"github.com/bcherng/fim-agent/internal/state"
)

type fakeSink struct {
	mu          sync.Mutex
	logs        []string
	connected   []bool
	pending     []int
	removals    int
	deregisters int
}

func (f *fakeSink) Log(message, severity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, severity+": "+message)
}
func (f *fakeSink) Status(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, connected)
}
func (f *fakeSink) Pending(count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, count)
}
func (f *fakeSink) RemovalDetected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals++
}
func (f *fakeSink) Deregistered(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregisters++
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/clients/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/api/clients/verify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/clients/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/events/report", func(w http.ResponseWriter, r *http.Request) {
		var e state.Event
		json.NewDecoder(r.Body).Decode(&e)
		json.NewEncoder(w).Encode(map[string]any{"event_id": e.ID, "validation": map[string]any{}})
	})
	mux.HandleFunc("/api/events/acknowledge", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/auth/verify-admin", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Username == "admin" && req.Password == "secret" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	})
	return httptest.NewServer(mux)
}

func newTestDaemon(t *testing.T, watchDir string) (*Daemon, *fakeSink) {
	t.Helper()
	srv := newTestServer(t)
	t.Cleanup(srv.Close)

	st := state.New(filepath.Join(t.TempDir(), "state.json"), nil)
	cfg := DefaultConfig()
	cfg.HostID = "host-1"
	cfg.ServerURL = srv.URL
	cfg.WatchDir = watchDir
	cfg.TickInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.RegisterAttempts = 3

	sink := &fakeSink{}
	d, err := New(cfg, st, sink, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d, sink
}

func TestDaemon_StartStop(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, sink := newTestDaemon(t, dir)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.connected)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for connection status")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := d.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestDaemon_FileChangeDrains(t *testing.T) {
	dir := t.TempDir()
	d, _ := newTestDaemon(t, dir)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "new.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if d.store.QueueSize() == 0 && len(d.events.Files()) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("event never drained, queue size = %d", d.store.QueueSize())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestDaemon_ChangeWatchDirectory(t *testing.T) {
	dir1 := t.TempDir()
	d, _ := newTestDaemon(t, dir1)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()
	time.Sleep(50 * time.Millisecond)

	dir2 := filepath.Join(t.TempDir(), "dir2")
	if err := os.MkdirAll(dir2, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir2, "c.txt"), []byte("C"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := d.ChangeWatchDirectory(dir2); err != nil {
		t.Fatal(err)
	}

	if got := d.store.WatchDirectory(); got != dir2 {
		t.Fatalf("watch directory = %q, want %q", got, dir2)
	}

	// The new directory holds a single file, so its initial root is that
	// file's content hash, and it becomes the new chain anchor once the
	// lifecycle events drain.
	wantAnchor := hasher.HashBytes([]byte("C"))
	deadline := time.After(3 * time.Second)
	for {
		if d.store.QueueSize() == 0 && d.store.LastValidHash() == wantAnchor {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("anchor = %s, want %s (queue size %d)", d.store.LastValidHash(), wantAnchor, d.store.QueueSize())
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Every heartbeat carries the last server-validated root, never the
// in-memory tree root. The report endpoint fails here so the anchor can
// never advance, while a local file change moves the live tree root away
// from it.
func TestDaemon_HeartbeatCarriesValidatedAnchor(t *testing.T) {
	var mu sync.Mutex
	var roots []hasher.Digest

	mux := http.NewServeMux()
	mux.HandleFunc("/api/clients/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/api/clients/verify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/clients/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FileCount       int           `json:"file_count"`
			CurrentRootHash hasher.Digest `json:"current_root_hash"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		roots = append(roots, req.CurrentRootHash)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/events/report", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("A"), 0o644); err != nil {
		t.Fatal(err)
	}

	st := state.New(filepath.Join(t.TempDir(), "state.json"), nil)
	cfg := DefaultConfig()
	cfg.HostID = "host-1"
	cfg.ServerURL = srv.URL
	cfg.WatchDir = dir
	cfg.TickInterval = 20 * time.Millisecond
	cfg.HeartbeatInterval = 40 * time.Millisecond
	cfg.RegisterAttempts = 3

	d, err := New(cfg, st, &fakeSink{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	// Anchor was set to the single-file initial root by the first scan.
	anchor := hasher.HashBytes([]byte("A"))

	// Change the local tree; the resulting event can never drain (report
	// returns 500), so the anchor must not move.
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("B"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(roots)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for heartbeats")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range roots {
		if got != anchor {
			t.Fatalf("heartbeat %d carried root %s, want validated anchor %s", i, got, anchor)
		}
	}
}

func TestDaemon_AdminVerify(t *testing.T) {
	dir := t.TempDir()
	d, _ := newTestDaemon(t, dir)

	if d.AdminVerify("admin", "wrong") {
		t.Fatal("expected rejection for wrong password")
	}
	if !d.AdminVerify("admin", "secret") {
		t.Fatal("expected server-side verification to succeed")
	}
	// The server-confirmed pair is now cached as bcrypt credentials in the
	// store, so it verifies locally.
	if !d.store.VerifyAdminCredentials("admin", "secret") {
		t.Fatal("expected credentials cached after server verification")
	}
}
