package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// errStopRequested aborts a relaunch that raced with Stop.
var errStopRequested = errors.New("stop requested")

// forceKillDelay bounds how long Stop waits for the kernel to reap a
// process after SIGKILL.
const forceKillDelay = 3 * time.Second

// Handle identifies a launched process
type Handle struct {
	Name string
	PID  int
}

// process is one managed OS process and its restart history
type process struct {
	spec      Spec
	globalEnv map[string]string
	logger    *slog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	done          chan struct{}
	stopRequested bool
	exited        bool
	lastExit      string
	logFile       *os.File

	restarts []time.Time
}

// launch starts a new managed process for the spec
func (s *Supervisor) launch(spec Spec) (*process, error) {
	p := &process{
		spec:      spec,
		globalEnv: s.globalEnv,
		logger:    s.logger,
	}

	if err := p.start(); err != nil {
		return nil, err
	}

	s.logger.Info("Process started",
		slog.String("process", spec.Name),
		slog.Int("pid", p.pid()),
		slog.String("command", spec.Command),
	)

	return p, nil
}

// start builds and launches the command. Callers own the mutex ordering;
// start takes p.mu itself.
func (p *process) start() error {
	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	cmd.Dir = p.spec.Dir

	env := os.Environ()
	for k, v := range p.globalEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range p.spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var logFile *os.File
	if p.spec.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(p.spec.LogFile), 0o755); err != nil {
			return &LaunchError{Name: p.spec.Name, Err: err}
		}
		f, err := os.OpenFile(p.spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return &LaunchError{Name: p.spec.Name, Err: err}
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return &LaunchError{Name: p.spec.Name, Err: err}
	}

	if p.spec.PidFile != "" {
		if err := os.WriteFile(p.spec.PidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
			p.logger.Warn("Failed to write pid file",
				slog.String("process", p.spec.Name),
				slog.String("pid_file", p.spec.PidFile),
				slog.Any("error", err),
			)
		}
	}

	p.mu.Lock()
	if p.stopRequested {
		// Stop won the race while the command was being launched. The new
		// incarnation must not outlive the entry Stop just released.
		p.mu.Unlock()
		if logFile != nil {
			logFile.Close()
		}
		cmd.Process.Kill()
		cmd.Wait()
		return errStopRequested
	}
	p.cmd = cmd
	p.done = make(chan struct{})
	p.exited = false
	if p.logFile != nil {
		p.logFile.Close()
	}
	p.logFile = logFile
	p.mu.Unlock()

	return nil
}

// monitor waits on the process and applies the restart policy on unexpected
// exits. A crash loop (MaxRestarts exits within RestartWindow) is reported
// once and the process is left stopped.
func (s *Supervisor) monitor(p *process) {
	spec := p.spec

	for {
		exitDesc := p.wait()

		if p.isStopRequested() {
			p.cleanup()
			return
		}

		s.logger.Warn("Process exited unexpectedly",
			slog.String("process", spec.Name),
			slog.String("exit", exitDesc),
		)

		clean := exitDesc == "exit status 0"
		if spec.Restart == RestartNever || (spec.Restart == RestartOnFailure && clean) {
			s.logger.Info("Process will not be restarted",
				slog.String("process", spec.Name),
				slog.String("restart_policy", spec.Restart),
			)
			p.cleanup()
			s.remove(spec.Name)
			return
		}

		now := time.Now()
		p.pruneRestarts(now)

		if len(p.restarts) >= spec.MaxRestarts {
			s.logger.Error("Crash loop detected, giving up",
				slog.String("process", spec.Name),
				slog.Int("restarts", len(p.restarts)),
				slog.Duration("window", spec.RestartWindow),
				slog.String("last_exit", exitDesc),
			)
			s.report(CrashLoopReport{
				Name:     spec.Name,
				Restarts: len(p.restarts),
				Window:   spec.RestartWindow,
				LastExit: exitDesc,
				At:       now,
			})
			p.cleanup()
			s.remove(spec.Name)
			return
		}

		p.restarts = append(p.restarts, now)

		if spec.RestartBackoff > 0 {
			// Linear backoff between restart attempts.
			time.Sleep(spec.RestartBackoff * time.Duration(len(p.restarts)))
		}

		if p.isStopRequested() {
			p.cleanup()
			return
		}

		s.logger.Info("Restarting process",
			slog.String("process", spec.Name),
			slog.Int("attempt", len(p.restarts)),
			slog.Int("max_restarts", spec.MaxRestarts),
		)

		if err := p.start(); err != nil {
			if errors.Is(err, errStopRequested) {
				p.cleanup()
				return
			}
			s.logger.Error("Failed to relaunch process",
				slog.String("process", spec.Name),
				slog.Any("error", err),
			)
			p.cleanup()
			s.remove(spec.Name)
			return
		}
	}
}

// wait blocks until the current incarnation exits and records how
func (p *process) wait() string {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	p.mu.Unlock()

	err := cmd.Wait()
	exitDesc := describeExit(err)

	p.mu.Lock()
	p.exited = true
	p.lastExit = exitDesc
	p.mu.Unlock()

	close(done)
	return exitDesc
}

// stop terminates the process: SIGTERM, wait up to grace, then SIGKILL.
// Guarantees the process is no longer running on return.
func (p *process) stop(grace time.Duration) error {
	p.mu.Lock()
	p.stopRequested = true
	cmd := p.cmd
	done := p.done
	alive := !p.exited
	p.mu.Unlock()

	if !alive {
		p.cleanup()
		return nil
	}

	p.logger.Info("Stopping process",
		slog.String("process", p.spec.Name),
		slog.Int("pid", cmd.Process.Pid),
		slog.Duration("grace_period", grace),
	)

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; the monitor goroutine will close done.
		p.logger.Debug("SIGTERM delivery failed",
			slog.String("process", p.spec.Name),
			slog.Any("error", err),
		)
	}

	select {
	case <-done:
		p.cleanup()
		return nil
	case <-time.After(grace):
	}

	p.logger.Warn("Grace period expired, force-killing process",
		slog.String("process", p.spec.Name),
		slog.Int("pid", cmd.Process.Pid),
	)

	if err := cmd.Process.Kill(); err != nil {
		p.logger.Debug("SIGKILL delivery failed",
			slog.String("process", p.spec.Name),
			slog.Any("error", err),
		)
	}

	select {
	case <-done:
		p.cleanup()
		return nil
	case <-time.After(forceKillDelay):
		return fmt.Errorf("process %q did not exit after SIGKILL", p.spec.Name)
	}
}

// cleanup releases the log file and pid file once the process is down
func (p *process) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.logFile != nil {
		p.logFile.Close()
		p.logFile = nil
	}
	if p.spec.PidFile != "" {
		os.Remove(p.spec.PidFile)
	}
}

// pruneRestarts drops restart timestamps older than the window
func (p *process) pruneRestarts(now time.Time) {
	kept := p.restarts[:0]
	for _, t := range p.restarts {
		if now.Sub(t) < p.spec.RestartWindow {
			kept = append(kept, t)
		}
	}
	p.restarts = kept
}

func (p *process) isStopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested
}

func (p *process) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *process) pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

func (p *process) handle() *Handle {
	return &Handle{Name: p.spec.Name, PID: p.pid()}
}

// describeExit renders exit code or terminating signal for the log
func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Sprintf("signal: %s", ws.Signal())
		}
		return fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}

	return err.Error()
}
