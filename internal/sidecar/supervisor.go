package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/proxypal/proxypal/internal/config"
	"github.com/proxypal/proxypal/internal/safego"
	"github.com/proxypal/proxypal/internal/telemetry"
)

// crashWindow is the interval within which a second crash disables
// auto-restart until an admin starts the sidecar manually.
const crashWindow = 10 * time.Second

// Status is a point-in-time snapshot of the sidecar lifecycle
type Status struct {
	Running       bool       `json:"running"`
	Port          int        `json:"port"`
	PID           int        `json:"pid,omitempty"`
	Endpoint      string     `json:"endpoint"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	LastCrash     *time.Time `json:"last_crash,omitempty"`
	AutoRestart   bool       `json:"auto_restart"`
}

// Supervisor owns the sidecar child process. All lifecycle transitions are
// serialized: concurrent Reload calls regenerate once and restart once.
type Supervisor struct {
	cfg    config.SidecarConfig
	gen    *Generator
	client *Client
	logger *slog.Logger

	// expectWrite marks config writes made by the supervisor itself so the
	// fsnotify watcher can tell them apart from out-of-band edits.
	expectWrite atomic.Bool

	mu          sync.Mutex
	cmd         *exec.Cmd
	exited      chan struct{}
	startedAt   time.Time
	stopping    bool
	lastCrash   *time.Time
	autoRestart bool
}

// NewSupervisor creates a supervisor. The caller starts the sidecar
// explicitly; construction has no side effects beyond the config watcher.
func NewSupervisor(cfg config.SidecarConfig, gen *Generator, client *Client, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		gen:         gen,
		client:      client,
		logger:      logger,
		autoRestart: true,
	}
	s.watchConfigFile()
	return s
}

// Client returns the management API client for the supervised sidecar
func (s *Supervisor) Client() *Client {
	return s.client
}

// Endpoint returns the sidecar base URL
func (s *Supervisor) Endpoint() string {
	return s.cfg.Endpoint()
}

// Start brings the sidecar up. Idempotent: when a live child already answers
// health probes this is a no-op. A manual start re-arms auto-restart after a
// crash loop disabled it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoRestart = true
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	if s.cmd != nil {
		probe, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.client.Health(probe)
		cancel()
		if err == nil {
			return nil
		}
		s.logger.Warn("sidecar process present but unhealthy, restarting", "pid", s.cmd.Process.Pid)
		s.stopLocked()
	}

	s.expectWrite.Store(true)
	if _, err := s.gen.Write(ctx); err != nil {
		s.expectWrite.Store(false)
		return fmt.Errorf("write sidecar config: %w", err)
	}

	cmd := exec.Command(s.cfg.Binary, "--config", s.gen.Path())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so Stop can signal the child and any workers it forks
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn sidecar: %w", err)
	}

	s.cmd = cmd
	s.exited = make(chan struct{})
	s.stopping = false

	exited := s.exited
	safego.Go(func() {
		err := cmd.Wait()
		close(exited)
		s.onExit(cmd, err)
	})

	if err := s.awaitHealthy(ctx); err != nil {
		s.logger.Error("sidecar failed to become healthy", "error", err)
		s.stopLocked()
		return err
	}

	s.startedAt = time.Now()
	telemetry.SidecarUp.Set(1)
	s.logger.Info("sidecar started", "pid", cmd.Process.Pid, "endpoint", s.cfg.Endpoint())
	return nil
}

// awaitHealthy polls the health endpoint with exponential backoff until the
// startup budget is spent
func (s *Supervisor) awaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.StartupTimeout)
	backoff := 500 * time.Millisecond

	for {
		probe, cancel := context.WithTimeout(ctx, s.cfg.HealthInterval)
		err := s.client.Health(probe)
		cancel()
		if err == nil {
			return nil
		}

		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("health probe deadline exceeded: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.cfg.HealthInterval {
			backoff = s.cfg.HealthInterval
		}
	}
}

// onExit runs in the crash watcher goroutine whenever the child exits
func (s *Supervisor) onExit(cmd *exec.Cmd, waitErr error) {
	s.mu.Lock()
	if s.cmd != cmd {
		// A newer process replaced this one; nothing to record.
		s.mu.Unlock()
		return
	}

	telemetry.SidecarUp.Set(0)
	if s.stopping {
		s.cmd = nil
		s.mu.Unlock()
		return
	}

	now := time.Now()
	rapid := s.lastCrash != nil && now.Sub(*s.lastCrash) < crashWindow
	s.lastCrash = &now
	s.cmd = nil
	s.logger.Error("sidecar exited unexpectedly", "error", waitErr)

	if rapid || !s.autoRestart {
		s.autoRestart = false
		s.mu.Unlock()
		s.logger.Error("sidecar crash loop detected, auto-restart disabled until manual start")
		return
	}
	s.mu.Unlock()

	// Jitter avoids hammering a port that the dying process has not released
	delay := 500*time.Millisecond + time.Duration(rand.Int63n(int64(2*time.Second)))
	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil || s.stopping {
		return
	}
	telemetry.SidecarRestartsTotal.WithLabelValues("crash").Inc()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartupTimeout)
	defer cancel()
	if err := s.startLocked(ctx); err != nil {
		s.logger.Error("sidecar auto-restart failed", "error", err)
	}
}

// Stop terminates the sidecar gracefully, escalating to SIGKILL after the
// grace period. Safe to call when not running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	if s.cmd == nil {
		return nil
	}

	s.stopping = true
	pid := s.cmd.Process.Pid
	exited := s.exited

	// Negative pid signals the whole process group
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		s.logger.Warn("sidecar SIGTERM failed", "pid", pid, "error", err)
	}

	select {
	case <-exited:
	case <-time.After(s.cfg.StopTimeout):
		s.logger.Warn("sidecar did not exit within grace period, killing", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-exited
	}

	s.cmd = nil
	s.startedAt = time.Time{}
	telemetry.SidecarUp.Set(0)
	s.logger.Info("sidecar stopped", "pid", pid)
	return nil
}

// Restart stops then starts the sidecar on the same port
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stopLocked(); err != nil {
		return err
	}
	telemetry.SidecarRestartsTotal.WithLabelValues("manual").Inc()
	return s.startLocked(ctx)
}

// Reload regenerates the sidecar config and restarts the child only when the
// rendered config actually changed. Invoked after every provider or account
// mutation.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expectWrite.Store(true)
	changed, err := s.gen.Write(ctx)
	if err != nil {
		s.expectWrite.Store(false)
		return fmt.Errorf("regenerate sidecar config: %w", err)
	}
	if !changed {
		s.logger.Debug("sidecar config unchanged, skipping restart")
		return nil
	}
	if s.cmd == nil {
		s.logger.Debug("sidecar not running, config written for next start")
		return nil
	}

	if err := s.stopLocked(); err != nil {
		return err
	}
	telemetry.SidecarRestartsTotal.WithLabelValues("reload").Inc()
	return s.startLocked(ctx)
}

// Status reports the current lifecycle snapshot
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Port:        s.cfg.Port,
		Endpoint:    s.cfg.Endpoint(),
		LastCrash:   s.lastCrash,
		AutoRestart: s.autoRestart,
	}
	if s.cmd != nil {
		st.Running = true
		st.PID = s.cmd.Process.Pid
		st.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	return st
}

// watchConfigFile logs edits to the config file that did not come from the
// generator. The sidecar config is owned by this process; a hand edit will
// be silently overwritten on the next reload, so surface it early.
func (s *Supervisor) watchConfigFile() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config file watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(filepath.Dir(s.gen.Path())); err != nil {
		s.logger.Warn("config file watcher unavailable", "path", s.gen.Path(), "error", err)
		watcher.Close()
		return
	}

	safego.Go(func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.gen.Path() {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if s.expectWrite.CompareAndSwap(true, false) {
					continue
				}
				s.logger.Warn("sidecar config edited outside the server, changes will be overwritten on next reload", "path", ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config file watcher error", "error", err)
			}
		}
	})
}
