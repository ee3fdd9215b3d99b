// Package worker runs the daemon's background workers. Workers register a
// run function; the supervisor starts each in its own goroutine, restarts
// crashed ones with backoff and reports per-worker status. Registration
// replaces the original's dlopen-based worker loading: workers are plain Go
// functions wired in at startup.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

// Status of one supervised worker.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// RunFunc is a worker body. It should run until ctx is cancelled and return
// nil on a clean stop; a non-nil error marks a crash and triggers a
// restart.
type RunFunc func(ctx context.Context) error

type entry struct {
	name   string
	run    RunFunc
	status Status
	runID  string
}

// Supervisor owns the registered workers.
type Supervisor struct {
	mu      sync.Mutex
	entries []*entry
	started bool

	maxRestarts uint
	restartWait time.Duration

	wg     conc.WaitGroup
	cancel context.CancelFunc
	log    *slog.Logger
}

// NewSupervisor creates a supervisor restarting crashed workers up to
// maxRestarts times with exponential backoff starting at restartWait.
func NewSupervisor(maxRestarts uint, restartWait time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if restartWait <= 0 {
		restartWait = time.Second
	}
	return &Supervisor{
		maxRestarts: maxRestarts,
		restartWait: restartWait,
		log:         logger.With("component", "supervisor"),
	}
}

// Register adds a named worker. Workers registered after Start are
// rejected.
func (s *Supervisor) Register(name string, run RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("worker: supervisor already started, cannot register %q", name)
	}
	for _, e := range s.entries {
		if e.name == name {
			return fmt.Errorf("worker: %q already registered", name)
		}
	}
	s.entries = append(s.entries, &entry{name: name, run: run, status: StatusRegistered})
	return nil
}

// Start launches every registered worker.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("worker: supervisor already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	entries := s.entries
	s.mu.Unlock()

	for _, e := range entries {
		e := e
		s.wg.Go(func() { s.supervise(ctx, e) })
	}
	return nil
}

// Stop cancels every worker and waits for them to exit. Workers are not
// drained: in-flight work is dropped, matching the daemon's SIGTERM
// contract.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Statuses returns a name -> status snapshot.
func (s *Supervisor) Statuses() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.entries))
	for _, e := range s.entries {
		out[e.name] = e.status
	}
	return out
}

func (s *Supervisor) supervise(ctx context.Context, e *entry) {
	runID := uuid.NewString()[:8]
	log := s.log.With("worker", e.name, "run_id", runID)

	s.setStatus(e, StatusRunning, runID)
	err := retry.Do(
		func() error {
			log.Info("worker started")
			return e.run(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(s.maxRestarts+1),
		retry.Delay(s.restartWait),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("worker crashed, restarting", "attempt", n+1, "error", err)
		}),
	)

	switch {
	case err == nil || ctx.Err() != nil:
		s.setStatus(e, StatusStopped, runID)
		log.Info("worker stopped")
	default:
		s.setStatus(e, StatusFailed, runID)
		log.Error("worker gave up after restarts", "error", err)
	}
}

func (s *Supervisor) setStatus(e *entry, st Status, runID string) {
	s.mu.Lock()
	e.status = st
	e.runID = runID
	s.mu.Unlock()
}
