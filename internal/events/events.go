// Package events implements the event handler: it debounces raw
// filesystem notifications, classifies them against the tracked-file list
// (not the OS event label), mutates the Merkle tree, and enqueues
// hash-chained event records to the persistent state store.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bcherng/fim-agent/internal/hasher"
	"github.com/bcherng/fim-agent/internal/merkle"
	"github.com/bcherng/fim-agent/internal/state"
	"github.com/bcherng/fim-agent/internal/watcher"
	fimlog "github.com/bcherng/fim-agent/log"
)

// Kind is the outcome of classification.
type Kind int

const (
	KindCreate Kind = iota
	KindModify
	KindDelete
	KindDuplicate // no-op: content unchanged, nothing to enqueue
	KindIdempotentDelete
)

// classify is the single pure decision function for raw filesystem
// notifications: presence in the tracked-file list is the source of truth,
// not the OS's event label. isDelete indicates the raw notification was a
// remove; presentBefore indicates the path was already tracked;
// hashUnchanged indicates (for non-deletes) the freshly computed hash
// equals the previously stored one.
func classify(isDelete, presentBefore, hashUnchanged bool) Kind {
	if isDelete {
		if !presentBefore {
			return KindIdempotentDelete
		}
		return KindDelete
	}
	if !presentBefore {
		return KindCreate
	}
	if hashUnchanged {
		return KindDuplicate
	}
	return KindModify
}

// Notifier receives collaborator-facing status updates.
type Notifier interface {
	Queued(pendingCount int)
	Log(severity, message string)
}

// Handler owns the tracked-file list and Merkle tree exclusively; mu makes
// tree mutation a single-threaded critical section.
type Handler struct {
	mu     sync.Mutex
	hostID string
	files  []merkle.Leaf
	tree   *merkle.Tree
	store  *state.Store
	notify Notifier
	poke   func()
	log    *fimlog.Logger
	seq    uint64
}

// New creates a Handler seeded with the initial tracked-file list (from an
// initial directory scan) and its built tree.
func New(hostID string, files []merkle.Leaf, store *state.Store, notify Notifier, poke func()) *Handler {
	tree, sorted := merkle.Build(files)
	return &Handler{
		hostID: hostID,
		files:  sorted,
		tree:   tree,
		store:  store,
		notify: notify,
		poke:   poke,
		log:    fimlog.Default().Module("events"),
	}
}

// settleDelay lets the OS finish coalescing writes before the handler hashes
// the file.
const settleDelay = 100 * time.Millisecond

// HandleNotification processes one raw filesystem notification for a
// non-directory path.
func (h *Handler) HandleNotification(n watcher.Notification) {
	time.Sleep(settleDelay)

	h.mu.Lock()
	defer h.mu.Unlock()

	isDelete := n.Op == watcher.OpRemove
	idx, presentBefore := h.indexOf(n.Path)

	var newHash hasher.Digest
	if !isDelete {
		d, err := hasher.HashFile(n.Path)
		if err != nil {
			h.log.Warn("unhashable path, skipping", "path", n.Path, "err", err)
			return
		}
		newHash = d
	}

	hashUnchanged := presentBefore && !isDelete && h.files[idx].Hash == newHash

	switch classify(isDelete, presentBefore, hashUnchanged) {
	case KindIdempotentDelete, KindDuplicate:
		return
	case KindDelete:
		h.applyDelete(idx, n.Path)
	case KindModify:
		h.applyModify(idx, n.Path, newHash)
	case KindCreate:
		h.applyCreate(n.Path, newHash)
	}
}

func (h *Handler) indexOf(path string) (int, bool) {
	for i, l := range h.files {
		if l.Path == path {
			return i, true
		}
	}
	return -1, false
}

func (h *Handler) applyDelete(idx int, path string) {
	oldHash := h.files[idx].Hash
	h.files = append(h.files[:idx], h.files[idx+1:]...)
	h.tree, h.files = merkle.Build(leavesFrom(h.files))

	e := h.newEvent(state.EventDeleted, path, &oldHash, nil)
	h.enqueue(e)
}

func (h *Handler) applyModify(idx int, path string, newHash hasher.Digest) {
	oldHash := h.files[idx].Hash
	h.files[idx].Hash = newHash
	tree, err := merkle.Update(h.tree, idx, newHash)
	if err != nil {
		// Leaf set drifted unexpectedly; fall back to a full rebuild.
		tree, h.files = merkle.Build(leavesFrom(h.files))
	}
	h.tree = tree

	e := h.newEvent(state.EventModified, path, &oldHash, &newHash)
	e.MerkleProof = encodeProof(merkle.Prove(h.tree, h.files, path))
	h.enqueue(e)
}

func (h *Handler) applyCreate(path string, newHash hasher.Digest) {
	h.files = append(h.files, merkle.Leaf{Path: path, Hash: newHash})
	h.tree, h.files = merkle.Build(leavesFrom(h.files))

	e := h.newEvent(state.EventCreated, path, nil, &newHash)
	e.MerkleProof = encodeProof(merkle.Prove(h.tree, h.files, path))
	h.enqueue(e)
}

func leavesFrom(files []merkle.Leaf) []merkle.Leaf {
	out := make([]merkle.Leaf, len(files))
	copy(out, files)
	return out
}

func encodeProof(p *merkle.Proof) json.RawMessage {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return data
}

func (h *Handler) newEvent(kind state.EventKind, path string, oldHash, newHash *hasher.Digest) state.Event {
	h.seq++
	id := fmt.Sprintf("%s-%d-%d", h.hostID, h.seq, time.Now().UnixMilli())
	root := h.tree.Root()
	e := state.Event{
		ID:            id,
		HostID:        h.hostID,
		Type:          kind,
		Path:          path,
		OldHash:       oldHash,
		NewHash:       newHash,
		RootHash:      &root,
		LastValidHash: h.store.LastValidHash(),
		QueuedAt:      time.Now(),
		Timestamp:     time.Now(),
	}
	if kind == state.EventDeleted && h.tree == nil {
		e.RootHash = nil
	}
	return e
}

func (h *Handler) enqueue(e state.Event) {
	if err := h.store.Enqueue(e); err != nil {
		h.log.Error("failed to enqueue event", "err", err)
		return
	}
	if h.notify != nil {
		h.notify.Log("info", fmt.Sprintf("queued: %s - %s", e.Type, e.Path))
		h.notify.Queued(h.store.QueueSize())
	}
	if h.poke != nil {
		h.poke()
	}
}

// Files returns a snapshot of the currently tracked files, sorted by path.
func (h *Handler) Files() []merkle.Leaf {
	h.mu.Lock()
	defer h.mu.Unlock()
	return leavesFrom(h.files)
}

// Root returns the current in-memory tree root (the *local*, possibly
// unvalidated, root — callers must never use this for heartbeats).
func (h *Handler) Root() hasher.Digest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Root()
}

// EnqueueLifecycle enqueues a directory_selected/directory_unselected
// marker event. Lifecycle markers carry no Merkle proof.
func (h *Handler) EnqueueLifecycle(kind state.EventKind, dirPath string, anchor hasher.Digest) state.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	id := fmt.Sprintf("%s-%d-%d", h.hostID, h.seq, time.Now().UnixMilli())
	e := state.Event{
		ID:            id,
		HostID:        h.hostID,
		Type:          kind,
		Path:          dirPath,
		OldHash:       &anchor,
		NewHash:       &anchor,
		RootHash:      &anchor,
		LastValidHash: anchor,
		QueuedAt:      time.Now(),
		Timestamp:     time.Now(),
	}
	h.enqueue(e)
	return e
}

// Reset replaces the tracked-file list and tree wholesale — used when the
// orchestrator switches the watch directory.
func (h *Handler) Reset(files []merkle.Leaf) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tree, h.files = merkle.Build(files)
}
