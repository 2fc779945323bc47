// Package state implements the agent's durable, thread-safe, JSON-backed
// persistent state: the watch directory, the last server-validated anchor,
// the hash-chained event queue, the bearer token, and cached admin
// credentials. Every mutation re-serializes the whole document and
// durably replaces it on disk by writing to a temporary file and renaming.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bcherng/fim-agent/internal/hasher"
	"golang.org/x/crypto/bcrypt"

	fimlog "github.com/bcherng/fim-agent/log"
)

// EventKind tags the kind of a queued event.
type EventKind string

const (
	EventCreated             EventKind = "created"
	EventModified            EventKind = "modified"
	EventDeleted             EventKind = "deleted"
	EventDirectorySelected   EventKind = "directory_selected"
	EventDirectoryUnselected EventKind = "directory_unselected"
)

// Event is a single queued state transition: a tagged record with per-kind
// optional fields, matching the wire JSON shape the server expects.
type Event struct {
	ID            string          `json:"id"`
	HostID        string          `json:"host_id"`
	Type          EventKind       `json:"type"`
	Path          string          `json:"path"`
	OldHash       *hasher.Digest  `json:"old_hash,omitempty"`
	NewHash       *hasher.Digest  `json:"new_hash,omitempty"`
	RootHash      *hasher.Digest  `json:"root_hash,omitempty"`
	MerkleProof   json.RawMessage `json:"merkle_proof,omitempty"`
	LastValidHash hasher.Digest   `json:"last_valid_hash"`
	QueuedAt      time.Time       `json:"queued_at"`
	Timestamp     time.Time       `json:"timestamp"`
}

// AdminCredentials caches a bcrypt-hashed admin password, set on a
// successful server-verified admin login so subsequent checks can happen
// offline.
type AdminCredentials struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// Document is the single persisted JSON document described in the data
// model: every field the state store owns, serialized and replaced as one
// atomic unit on every mutation.
type Document struct {
	WatchDirectory       string            `json:"watch_directory"`
	LastValidHash        hasher.Digest     `json:"last_valid_hash"`
	LastServerValidation json.RawMessage   `json:"last_server_validation,omitempty"`
	EventQueue           []Event           `json:"event_queue"`
	JWTToken             string            `json:"jwt_token,omitempty"`
	TokenExpires         time.Time         `json:"token_expires,omitempty"`
	AdminCredentials     *AdminCredentials `json:"admin_credentials,omitempty"`
	IsDeregistered       bool              `json:"is_deregistered"`
}

// Store is a mutex-guarded, durable holder of one Document. The mutex is a
// plain sync.Mutex and is not reentrant; no Store method calls another while
// holding it. All operations serialize the whole document to path on every
// mutation.
type Store struct {
	mu     sync.Mutex
	path   string
	doc    Document
	log    *fimlog.Logger
	onWarn func(msg string)
}

// New creates or loads a Store backed by path. Loading is best-effort: an
// unreadable or corrupted file logs a warning and falls back to in-memory
// defaults; a missing file falls back to defaults without a warning. Load never observes a torn write, since it only ever sees a
// fully-renamed file.
func New(path string, onWarn func(msg string)) *Store {
	s := &Store{
		path:   path,
		log:    fimlog.Default().Module("state"),
		onWarn: onWarn,
		doc:    Document{EventQueue: []Event{}},
	}
	s.load()
	return s
}

func (s *Store) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Warn(msg)
	if s.onWarn != nil {
		s.onWarn(msg)
	}
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.warn("state: failed to read state file, using defaults: %v", err)
		}
		return
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.warn("state: state file corrupted, using defaults: %v", err)
		return
	}
	if doc.EventQueue == nil {
		doc.EventQueue = []Event{}
	}
	s.doc = doc
}

// persistLocked writes the whole document to a temp file and renames it
// into place. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state: mkdir: %w", err)
		}
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("state: write tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}

// --- Watch directory ---

func (s *Store) WatchDirectory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.WatchDirectory
}

func (s *Store) SetWatchDirectory(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.WatchDirectory = dir
	return s.persistLocked()
}

// --- Last-valid-hash / anchor ---

func (s *Store) LastValidHash() hasher.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.LastValidHash
}

func (s *Store) SetLastValidHash(h hasher.Digest, validation json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.LastValidHash = h
	s.doc.LastServerValidation = validation
	return s.persistLocked()
}

// --- Event queue ---

func (s *Store) Enqueue(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.EventQueue = append(s.doc.EventQueue, e)
	return s.persistLocked()
}

// Peek returns the head event without removing it, or false if the queue is
// empty.
func (s *Store) Peek() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.doc.EventQueue) == 0 {
		return Event{}, false
	}
	return s.doc.EventQueue[0], true
}

// Dequeue removes the head event. Only the head may ever be removed;
// queued events are never reordered.
func (s *Store) Dequeue() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.doc.EventQueue) == 0 {
		return nil
	}
	s.doc.EventQueue = s.doc.EventQueue[1:]
	return s.persistLocked()
}

func (s *Store) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.EventQueue)
}

// UpdateQueuedChain rewrites last_valid_hash on every queued event up to
// (but not including) the next directory_selected marker — chain repair
// after an acknowledged event E with root newAnchor.
func (s *Store) UpdateQueuedChain(newAnchor hasher.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.EventQueue {
		if s.doc.EventQueue[i].Type == EventDirectorySelected {
			break
		}
		s.doc.EventQueue[i].LastValidHash = newAnchor
	}
	return s.persistLocked()
}

// --- Token lifecycle ---

func (s *Store) Token() (token string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.JWTToken, s.doc.TokenExpires
}

func (s *Store) SetToken(token string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.JWTToken = token
	s.doc.TokenExpires = expires
	return s.persistLocked()
}

func (s *Store) ClearToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.JWTToken = ""
	s.doc.TokenExpires = time.Time{}
	return s.persistLocked()
}

// --- Admin credentials (bcrypt) ---

// SetAdminCredentials bcrypt-hashes password and caches it alongside
// username.
func (s *Store) SetAdminCredentials(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("state: bcrypt hash: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.AdminCredentials = &AdminCredentials{Username: username, PasswordHash: string(hash)}
	return s.persistLocked()
}

// VerifyAdminCredentials checks username/password against the cached
// bcrypt hash. It returns false (never an error) when no credentials are
// cached, so callers can fall through to server-side verification.
func (s *Store) VerifyAdminCredentials(username, password string) bool {
	s.mu.Lock()
	creds := s.doc.AdminCredentials
	s.mu.Unlock()
	if creds == nil || creds.Username != username {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)) == nil
}

func (s *Store) ClearAdminCredentials() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.AdminCredentials = nil
	return s.persistLocked()
}

// --- Deregistration flag ---

func (s *Store) IsDeregistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.IsDeregistered
}

func (s *Store) SetDeregistered(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.IsDeregistered = v
	return s.persistLocked()
}
