// Package supervisor implements the daemon's lifecycle supervisor: the
// singleton advisory lock, signal-driven graceful shutdown, and the
// ordered shutdown sequence every long-running subsystem observes.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned by AcquireLock when another instance
// already holds the store file's advisory lock.
var ErrAlreadyRunning = fmt.Errorf("supervisor: another codelatch daemon instance is already running")

// Supervisor owns the singleton lock and the shared cancellation token
// every subsystem observes at its await points, rather than reaching for
// process-global mutable state.
type Supervisor struct {
	lock   *flock.Flock
	log    *slog.Logger
	cancel context.CancelFunc
	ctx    context.Context
}

// New creates a Supervisor. It does not yet acquire the lock or install
// signal handlers — call AcquireLock and then Run.
func New(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{log: log, cancel: cancel, ctx: ctx}
}

// AcquireLock takes an exclusive, non-blocking advisory lock on
// lockPath — conventionally the store file itself. It fails fast with
// ErrAlreadyRunning rather than waiting, since a second daemon instance
// starting up is a startup misconfiguration, not a transient race to
// retry through.
func (s *Supervisor) AcquireLock(lockPath string) error {
	s.lock = flock.New(lockPath)
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("supervisor: acquire lock on %s: %w", lockPath, err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	return nil
}

// ReleaseLock releases the advisory lock. Safe to call even if
// AcquireLock was never called or already failed.
func (s *Supervisor) ReleaseLock() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Context returns the shared cancellation context. Every subsystem that
// suspends (socket accept, HTTP calls, store queries, pane I/O) should
// observe Done() at its await points.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// WatchSignals installs handlers for SIGINT/SIGTERM that trip the shared
// cancellation token exactly once. It returns immediately; call Wait (or
// select on Context().Done()) to block until a signal arrives.
func (s *Supervisor) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		s.log.Info("received signal, beginning graceful shutdown", "signal", sig.String())
		s.cancel()
	}()
}

// Shutdown trips the cancellation token directly, for callers (tests, or
// a future `stop` CLI command) that need to request shutdown without
// waiting on an OS signal.
func (s *Supervisor) Shutdown() {
	s.cancel()
}

// Stopper is one subsystem the supervisor drains during shutdown, in
// order: stop accepting new IPC connections, stop long-polling, drain
// in-flight router work, flush the store, remove the socket file.
type Stopper struct {
	Name string
	Stop func(ctx context.Context) error
}

// RunShutdown executes stoppers in order, each bounded by grace. A
// stopper's failure is logged but does not prevent later stoppers from
// running — a partial shutdown should still get as far as possible
// (flushing the store, removing the socket) rather than abandoning
// cleanup at the first error.
func (s *Supervisor) RunShutdown(grace time.Duration, stoppers []Stopper) {
	for _, st := range stoppers {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := st.Stop(ctx); err != nil {
			s.log.Error("shutdown step failed", "step", st.Name, "error", err)
		} else {
			s.log.Info("shutdown step complete", "step", st.Name)
		}
		cancel()
	}
}
