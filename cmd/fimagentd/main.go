// Command fimagentd runs the file-integrity-monitoring attestation pipeline
// as a standalone daemon: it wires a real filesystem watch, HTTP transport,
// and OS signal handling to the core packages.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bcherng/fim-agent/internal/daemon"
	"github.com/bcherng/fim-agent/internal/metrics"
	"github.com/bcherng/fim-agent/internal/state"
	fimlog "github.com/bcherng/fim-agent/log"
	"github.com/bcherng/fim-agent/node"
)

var (
	version = "v0.1.0"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "fimagentd",
		Usage:   "host-side file integrity monitoring attestation daemon",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "watch-dir", Usage: "directory tree to monitor", Required: true},
			&cli.StringFlag{Name: "state-dir", Usage: "directory for persistent state", Value: defaultStateDir()},
			&cli.StringFlag{Name: "server-url", Usage: "verification server base URL", Value: "https://fim-distribution.vercel.app"},
			&cli.StringFlag{Name: "host-id", Usage: "stable identifier for this host", Value: defaultHostID()},
			&cli.StringFlag{Name: "platform", Usage: "platform tag sent at registration", Value: runtimePlatform()},
			&cli.StringFlag{Name: "baseline-id", Usage: "baseline identifier sent at registration"},
			&cli.DurationFlag{Name: "heartbeat-interval", Usage: "interval between heartbeats", Value: 360 * time.Second},
			&cli.DurationFlag{Name: "tick-interval", Usage: "main loop tick interval", Value: 5 * time.Second},
			&cli.IntFlag{Name: "register-attempts", Usage: "registration attempts before giving up on startup", Value: 10},
			&cli.StringFlag{Name: "metrics-addr", Usage: "address to serve /metrics on (empty disables)", Value: ":9477"},
			&cli.StringFlag{Name: "log-file", Usage: "path to write rotating log output (default: stderr)"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug-level logging"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fimagentd: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := setupLogging(c.String("log-file"), c.Bool("verbose"))
	fimlog.SetDefault(logger)

	statePath := filepath.Join(c.String("state-dir"), "state.json")
	store := state.New(statePath, func(msg string) {
		logger.Warn(msg)
	})

	reg := metrics.New("fimagent")

	lm := node.NewLifecycleManager()

	if addr := c.String("metrics-addr"); addr != "" {
		if err := lm.Register(newMetricsService(addr, reg), 0); err != nil {
			return fmt.Errorf("register metrics service: %w", err)
		}
	}

	cfg := daemon.Config{
		HostID:            c.String("host-id"),
		Platform:          c.String("platform"),
		BaselineID:        c.String("baseline-id"),
		ServerURL:         c.String("server-url"),
		WatchDir:          c.String("watch-dir"),
		HeartbeatInterval: c.Duration("heartbeat-interval"),
		TickInterval:      c.Duration("tick-interval"),
		RegisterAttempts:  c.Int("register-attempts"),
	}

	d, err := daemon.New(cfg, store, &stdioSink{log: logger}, reg)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	if err := lm.Register(d.AsService(), 10); err != nil {
		return fmt.Errorf("register daemon service: %w", err)
	}

	logger.Info("starting fimagentd", "watch_dir", cfg.WatchDir, "server_url", cfg.ServerURL, "host_id", cfg.HostID)
	if err := lm.StartAll(); err != nil {
		logger.Error("service start failed", "err", err)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping")
	if err := lm.StopAll(); err != nil {
		logger.Error("service stop failed", "err", err)
	}
	logger.Info("fimagentd stopped")
	return nil
}

// setupLogging builds the process-wide logger. A log-file path routes
// output through a rotating writer. Rotation policy stays at the cmd
// boundary: the core packages never import lumberjack, only this
// entrypoint does.
func setupLogging(logFile string, verbose bool) *fimlog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if logFile == "" {
		return fimlog.New(level)
	}
	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	h := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	return fimlog.NewWithHandler(h)
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fimagent")
	}
	return ".fimagent"
}

func defaultHostID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown-host"
}

func runtimePlatform() string {
	switch {
	case fileExists("/etc/os-release"):
		return "linux"
	case fileExists("/System/Library/CoreServices/SystemVersion.plist"):
		return "darwin"
	default:
		return "unknown"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// stdioSink is the default collaborator callback surface used when no
// desktop GUI is attached: every structured message is logged.
type stdioSink struct {
	log *fimlog.Logger
}

func (s *stdioSink) Log(message, severity string) {
	switch severity {
	case "error":
		s.log.Error(message)
	case "warning":
		s.log.Warn(message)
	default:
		s.log.Info(message)
	}
}

func (s *stdioSink) Status(connected bool) {
	s.log.Info("connection status changed", "connected", connected)
}

func (s *stdioSink) Pending(count int) {
	s.log.Debug("pending event count changed", "count", count)
}

func (s *stdioSink) RemovalDetected() {
	s.log.Warn("server signalled this host is not registered")
}

func (s *stdioSink) Deregistered(message string) {
	s.log.Warn("host deregistered", "message", message)
}
