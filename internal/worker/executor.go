package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/WkdSunny/docfleet/internal/config"
)

// HandlerFunc executes one job payload and returns its serialized result
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry maps job types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type, replacing any previous binding
func (r *Registry) Register(jobType string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = handler
}

// Get returns the handler for a job type
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[jobType]
	return handler, ok
}

// Types returns the registered job types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// RegisterExecutors binds one command handler per configured executor.
// Document conversion and similar work delegates to external tools; the
// worker only moves payloads and results.
func RegisterExecutors(r *Registry, executors []config.ExecutorConfig) {
	for _, e := range executors {
		r.Register(e.JobType, CommandHandler(e.Command, e.Args))
	}
}

// CommandHandler builds a handler that runs an external command with the
// job payload on stdin and captures stdout as the result. Stdout that is
// valid JSON passes through untouched; anything else is wrapped.
func CommandHandler(command string, args []string) HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Stdin = bytes.NewReader(payload)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				return nil, fmt.Errorf("command %q failed: %w", command, err)
			}
			return nil, fmt.Errorf("command %q failed: %w: %s", command, err, detail)
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if json.Valid(out) {
			return json.RawMessage(out), nil
		}

		wrapped, err := json.Marshal(map[string]string{"output": string(out)})
		if err != nil {
			return nil, fmt.Errorf("failed to wrap command output: %w", err)
		}
		return wrapped, nil
	}
}
