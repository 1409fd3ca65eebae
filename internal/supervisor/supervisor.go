// Package supervisor owns the lifecycle of the declared process fleet: the
// API, worker, and broker processes are launched, monitored, restarted per
// policy, and stopped as one unit. All configuration arrives explicitly
// through New; the package keeps no global state.
package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Restart policies
const (
	RestartAlways    = "always"
	RestartOnFailure = "on-failure"
	RestartNever     = "never"
)

// Spec describes one supervised process
type Spec struct {
	Name           string
	Command        string
	Args           []string
	Dir            string
	Env            map[string]string
	Restart        string
	MaxRestarts    int
	RestartWindow  time.Duration
	RestartBackoff time.Duration
	GracePeriod    time.Duration
	LogFile        string
	PidFile        string
}

// LaunchError reports a process that failed to start: bad command, missing
// interpreter, permission denied. Surfaced to the operator, never retried
// beyond the restart policy.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch process %q: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// CrashLoopReport is emitted exactly once when a process trips its restart
// cap within the restart window. The process is left stopped.
type CrashLoopReport struct {
	Name     string
	Restarts int
	Window   time.Duration
	LastExit string
	At       time.Time
}

// Supervisor manages the declared fleet
type Supervisor struct {
	logger    *slog.Logger
	specs     []Spec
	globalEnv map[string]string
	reports   chan CrashLoopReport

	mu    sync.Mutex
	procs map[string]*process
	wg    sync.WaitGroup
}

// Option configures optional supervisor behavior
type Option func(*Supervisor)

// WithGlobalEnv injects environment variables shared by every process
// (broker address, API keys, bearer token).
func WithGlobalEnv(env map[string]string) Option {
	return func(s *Supervisor) {
		s.globalEnv = env
	}
}

// New creates a supervisor for the declared specs
func New(specs []Spec, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:  logger,
		specs:   specs,
		reports: make(chan CrashLoopReport, len(specs)+1),
		procs:   make(map[string]*process),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Reports exposes crash-loop reports for operator surfacing
func (s *Supervisor) Reports() <-chan CrashLoopReport {
	return s.reports
}

// StartAll launches every declared process. A launch failure stops the
// rollout and is returned to the operator.
func (s *Supervisor) StartAll() error {
	for _, spec := range s.specs {
		if _, err := s.Start(spec); err != nil {
			return err
		}
	}
	return nil
}

// Start launches one process with its configured environment and working
// directory and begins monitoring it. Returns a handle or a *LaunchError.
func (s *Supervisor) Start(spec Spec) (*Handle, error) {
	s.mu.Lock()
	if _, exists := s.procs[spec.Name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("process %q is already managed", spec.Name)
	}
	s.mu.Unlock()

	p, err := s.launch(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.procs[spec.Name] = p
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor(p)
	}()

	return p.handle(), nil
}

// Stop gracefully terminates a managed process: SIGTERM, wait up to grace,
// then SIGKILL. The process is no longer running when Stop returns.
func (s *Supervisor) Stop(name string, grace time.Duration) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown process: %q", name)
	}

	if err := p.stop(grace); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()

	return nil
}

// Restart stops a process and launches it fresh with a clean restart
// history. Used by the dev-mode file watcher.
func (s *Supervisor) Restart(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown process: %q", name)
	}

	spec := p.spec

	s.logger.Info("Restarting process",
		slog.String("process", name),
	)

	if err := s.Stop(name, spec.GracePeriod); err != nil {
		return err
	}

	_, err := s.Start(spec)
	return err
}

// StopAll terminates the fleet in reverse declaration order and waits for
// all monitor goroutines to finish.
func (s *Supervisor) StopAll() {
	for i := len(s.specs) - 1; i >= 0; i-- {
		spec := s.specs[i]

		s.mu.Lock()
		_, ok := s.procs[spec.Name]
		s.mu.Unlock()
		if !ok {
			continue
		}

		if err := s.Stop(spec.Name, spec.GracePeriod); err != nil {
			s.logger.Error("Failed to stop process",
				slog.String("process", spec.Name),
				slog.Any("error", err),
			)
		}
	}

	s.wg.Wait()
}

// Running reports whether a named process is currently managed and alive
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()

	return ok && p.alive()
}

// remove drops a process that exited for good (policy exhausted or never)
func (s *Supervisor) remove(name string) {
	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
}

// report emits a crash-loop report without ever blocking the monitor loop
func (s *Supervisor) report(r CrashLoopReport) {
	select {
	case s.reports <- r:
	default:
		s.logger.Warn("Crash-loop report channel full, dropping",
			slog.String("process", r.Name),
		)
	}
}
