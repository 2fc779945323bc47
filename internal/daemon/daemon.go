// Package daemon implements the orchestrator: initial directory scan,
// filesystem watcher wiring, the reconnect/heartbeat main loop, the
// directory-change protocol, and graceful shutdown.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bcherng/fim-agent/internal/connection"
	"github.com/bcherng/fim-agent/internal/events"
	"github.com/bcherng/fim-agent/internal/hasher"
	"github.com/bcherng/fim-agent/internal/merkle"
	"github.com/bcherng/fim-agent/internal/metrics"
	"github.com/bcherng/fim-agent/internal/queue"
	"github.com/bcherng/fim-agent/internal/state"
	"github.com/bcherng/fim-agent/internal/watcher"
	fimlog "github.com/bcherng/fim-agent/log"
	"github.com/bcherng/fim-agent/node"
)

// Sink is the collaborator callback surface: the only way the core talks
// to the outside world.
type Sink interface {
	Log(message, severity string)
	Status(connected bool)
	Pending(count int)
	RemovalDetected()
	Deregistered(message string)
}

// Config carries the constants and identity the orchestrator needs; all
// other state lives in the state store.
type Config struct {
	HostID            string
	Platform          string
	BaselineID        string
	ServerURL         string
	WatchDir          string
	HeartbeatInterval time.Duration
	TickInterval      time.Duration
	RegisterAttempts  int
	HardwareInfo      []byte
}

// DefaultConfig returns the daemon's default configuration.
func DefaultConfig() Config {
	return Config{
		ServerURL:         "https://fim-distribution.vercel.app",
		HeartbeatInterval: 360 * time.Second,
		TickInterval:      5 * time.Second,
		RegisterAttempts:  10,
	}
}

// Daemon owns every subsystem of the attestation pipeline: the state
// store, the connection manager, the event handler, the queue processor,
// and the filesystem watcher. Subsystem lifetimes are coterminous with
// the daemon's.
type Daemon struct {
	cfg     Config
	store   *state.Store
	conn    *connection.Manager
	events  *events.Handler
	queue   *queue.Processor
	metrics *metrics.Registry
	sink    Sink
	log     *fimlog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	watchMu sync.Mutex
	watch   *watcher.Watcher
	watchWG sync.WaitGroup
}

// eventsNotifier and queueNotifier adapt the shared Sink to the two
// subsystem-specific notifier interfaces.
type eventsNotifier struct{ d *Daemon }

func (n eventsNotifier) Queued(pendingCount int) { n.d.sink.Pending(pendingCount) }
func (n eventsNotifier) Log(severity, message string) {
	n.d.sink.Log(message, severity)
}

type queueNotifier struct{ d *Daemon }

func (n queueNotifier) Synced(eventType, path string) {
	n.d.sink.Log(fmt.Sprintf("synced: %s - %s", eventType, path), "success")
}
func (n queueNotifier) Rejected(eventID, reason string) {
	n.d.sink.Log(fmt.Sprintf("event %s rejected: %s", eventID, reason), "error")
}
func (n queueNotifier) Pending(count int) { n.d.sink.Pending(count) }
func (n queueNotifier) Disconnected()     { n.d.sink.Status(false) }

// New builds a Daemon with an initial directory scan already performed.
// reg may be nil, in which case the daemon runs without metrics
// instrumentation.
func New(cfg Config, store *state.Store, sink Sink, reg *metrics.Registry) (*Daemon, error) {
	if cfg.WatchDir == "" {
		return nil, errors.New("daemon: watch directory required")
	}
	if err := os.MkdirAll(cfg.WatchDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: ensure watch directory: %w", err)
	}

	d := &Daemon{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		metrics: reg,
		log:     fimlog.Default().Module("daemon"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	d.conn = connection.New(cfg.ServerURL, store, connection.DefaultBackoffConfig())

	files, root, err := scanDirectory(cfg.WatchDir, d.log)
	if err != nil {
		return nil, fmt.Errorf("daemon: initial scan: %w", err)
	}
	if store.LastValidHash().IsZero() && len(files) > 0 {
		_ = store.SetLastValidHash(root, nil)
	}

	d.events = events.New(cfg.HostID, files, store, eventsNotifier{d}, d.pokeQueue)
	d.queue = queue.New(store, d.conn, queueNotifier{d}, reg)

	return d, nil
}

func scanDirectory(dir string, log *fimlog.Logger) ([]merkle.Leaf, hasher.Digest, error) {
	var files []merkle.Leaf
	var inaccessible int

	err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		h, herr := hasher.HashFile(path)
		if herr != nil {
			inaccessible++
			return nil
		}
		files = append(files, merkle.Leaf{Path: path, Hash: h})
		return nil
	})
	if err != nil {
		return nil, hasher.Digest{}, err
	}
	if inaccessible > 0 {
		log.Warn("some files were inaccessible during initial scan", "count", inaccessible)
	}

	tree, sorted := merkle.Build(files)
	return sorted, tree.Root(), nil
}

// Start launches the watcher (the initial scan already ran in New) and the
// main loop goroutine, which registers with the server and then ticks
// reconnect attempts, heartbeats, and the stop check.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon: already running")
	}

	if err := d.startWatcher(d.cfg.WatchDir); err != nil {
		return fmt.Errorf("daemon: start watcher: %w", err)
	}

	d.running = true
	go d.run()
	return nil
}

// Stop signals the main loop to exit and blocks until it has torn down
// the watcher.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stop)
	d.mu.Unlock()

	<-d.done
	return nil
}

// Wait blocks until the daemon has fully stopped.
func (d *Daemon) Wait() { <-d.done }

func (d *Daemon) startWatcher(dir string) error {
	w, err := watcher.New(dir)
	if err != nil {
		return err
	}
	d.watchMu.Lock()
	d.watch = w
	d.watchMu.Unlock()

	d.watchWG.Add(1)
	go func() {
		defer d.watchWG.Done()
		w.Run()
	}()
	d.watchWG.Add(1)
	go func() {
		defer d.watchWG.Done()
		d.consumeNotifications(w)
	}()
	return nil
}

func (d *Daemon) consumeNotifications(w *watcher.Watcher) {
	for {
		select {
		case n, ok := <-w.Events():
			if !ok {
				return
			}
			d.events.HandleNotification(n)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			d.log.Warn("watcher error", "err", err)
		}
	}
}

func (d *Daemon) stopWatcher() {
	d.watchMu.Lock()
	w := d.watch
	d.watch = nil
	d.watchMu.Unlock()
	if w != nil {
		w.Close()
	}
	d.watchWG.Wait()
}

// pokeQueue is passed to the event handler as its "spawn/poke the queue
// processor" hook; Drain is itself reentrancy-guarded so concurrent pokes
// collapse into a single in-flight drain.
func (d *Daemon) pokeQueue() {
	go d.queue.Drain()
}

// run is the orchestrator main loop: reconnect attempts while
// disconnected, periodic heartbeats carrying the last *validated* root,
// and a stop check each tick.
func (d *Daemon) run() {
	defer close(d.done)

	d.registerWithBackoff()
	if d.conn.Status() == connection.Connected && d.store.QueueSize() > 0 {
		d.pokeQueue()
	}

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	var lastHeartbeat time.Time
	for {
		select {
		case <-d.stop:
			d.stopWatcher()
			return
		case <-ticker.C:
			if d.store.IsDeregistered() {
				d.sink.Deregistered("client deregistered by server")
				d.stopWatcher()
				return
			}

			if d.conn.Status() != connection.Connected {
				if err := d.conn.AttemptConnection(d.registerRequest()); err == nil {
					if d.metrics != nil {
						d.metrics.ReconnectTotal.Inc()
					}
					d.sink.Status(true)
					d.pokeQueue()
				} else if errors.Is(err, connection.ErrNotRegistered) {
					d.sink.RemovalDetected()
				}
			}

			if d.conn.Status() == connection.Connected &&
				time.Since(lastHeartbeat) >= d.cfg.HeartbeatInterval {
				if d.sendHeartbeat() {
					lastHeartbeat = time.Now()
				}
			}
		}
	}
}

func (d *Daemon) registerRequest() connection.RegisterRequest {
	return connection.RegisterRequest{
		ClientID:     d.cfg.HostID,
		HardwareInfo: d.cfg.HardwareInfo,
		BaselineID:   d.cfg.BaselineID,
		Platform:     d.cfg.Platform,
	}
}

func (d *Daemon) registerWithBackoff() {
	req := d.registerRequest()
	for attempt := 0; attempt < d.cfg.RegisterAttempts; attempt++ {
		if err := d.conn.AttemptConnection(req); err == nil {
			if d.metrics != nil {
				d.metrics.ReconnectTotal.Inc()
			}
			d.sink.Status(true)
			d.sink.Log("connected to server", "success")
			return
		}
		delay := d.conn.BackoffDelay()
		d.sink.Log(fmt.Sprintf("connection failed, retrying in %s", delay), "warning")
		select {
		case <-time.After(delay):
		case <-d.stop:
			return
		}
	}
}

// sendHeartbeat reports the last server-validated root, never the live
// tree root, so unacknowledged local changes are never mistaken for
// committed state.
func (d *Daemon) sendHeartbeat() bool {
	req := connection.HeartbeatRequest{
		FileCount:       len(d.events.Files()),
		CurrentRootHash: d.store.LastValidHash(),
	}
	if err := d.conn.Heartbeat(req); err != nil {
		d.sink.Log(fmt.Sprintf("heartbeat failed: %v", err), "warning")
		d.sink.Status(false)
		return false
	}
	d.sink.Log(fmt.Sprintf("heartbeat ok (files: %d, pending: %d)", req.FileCount, d.store.QueueSize()), "success")
	return true
}

// ChangeWatchDirectory implements the directory-change protocol:
// unselect the current directory anchored at the existing anchor, stop the
// watcher, compute the new directory's initial root, select it as the new
// chain anchor, and restart the watcher there.
func (d *Daemon) ChangeWatchDirectory(newDir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	currentAnchor := d.store.LastValidHash()
	d.events.EnqueueLifecycle(state.EventDirectoryUnselected, d.cfg.WatchDir, currentAnchor)

	d.stopWatcher()

	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return fmt.Errorf("daemon: ensure new watch directory: %w", err)
	}
	files, root, err := scanDirectory(newDir, d.log)
	if err != nil {
		return fmt.Errorf("daemon: scan new watch directory: %w", err)
	}

	d.events.EnqueueLifecycle(state.EventDirectorySelected, newDir, root)
	if err := d.store.SetLastValidHash(root, nil); err != nil {
		return fmt.Errorf("daemon: persist new anchor: %w", err)
	}
	d.events.Reset(files)

	if err := d.store.SetWatchDirectory(newDir); err != nil {
		return err
	}
	d.cfg.WatchDir = newDir

	if err := d.startWatcher(newDir); err != nil {
		return fmt.Errorf("daemon: restart watcher: %w", err)
	}
	d.pokeQueue()
	return nil
}

// AdminVerify answers the control surface's admin_verify callback: cached
// bcrypt credentials are checked first so verification works offline, then
// the server is asked, and a server-confirmed pair is cached for next time.
func (d *Daemon) AdminVerify(username, password string) bool {
	if d.store.VerifyAdminCredentials(username, password) {
		return true
	}
	req := connection.VerifyAdminRequest{Username: username, Password: password}
	if err := d.conn.VerifyAdmin(req); err != nil {
		return false
	}
	if err := d.store.SetAdminCredentials(username, password); err != nil {
		d.log.Warn("failed to cache admin credentials", "err", err)
	}
	return true
}

var _ node.Service = (*serviceAdapter)(nil)

// serviceAdapter lets a Daemon register with a node.LifecycleManager when
// it is composed alongside other long-lived subsystems (e.g. a metrics
// HTTP server) by the cmd entrypoint.
type serviceAdapter struct {
	name string
	d    *Daemon
}

// AsService wraps d to satisfy node.Service for composition under a
// node.LifecycleManager.
func (d *Daemon) AsService() node.Service {
	return &serviceAdapter{name: "fim-daemon", d: d}
}

func (s *serviceAdapter) Name() string  { return s.name }
func (s *serviceAdapter) Start() error  { return s.d.Start() }
func (s *serviceAdapter) Stop() error   { return s.d.Stop() }
