package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/WkdSunny/docfleet/internal/config"
	"github.com/WkdSunny/docfleet/internal/supervisor"
	"github.com/WkdSunny/docfleet/internal/watcher"
	"github.com/WkdSunny/docfleet/shared/logger"
	"github.com/WkdSunny/docfleet/shared/redisbroker"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: fleet-supervisor [flags] <command>

Commands:
  start     launch the fleet and keep it running (foreground)
  monit     like start, plus restart processes when watched paths change
  restart   stop a previously started fleet, then start a fresh one
  stop      signal a previously started fleet via its pid files
  status    report which fleet processes are alive

Flags:
`)
	flag.PrintDefaults()
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("FLEET_SUPERVISOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/fleet-supervisor/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Usage = usage
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "start"
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateSupervisorConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	switch command {
	case "start":
		return runFleet(cfg, appLogger.Logger, false)
	case "monit":
		return runFleet(cfg, appLogger.Logger, true)
	case "restart":
		if err := stopFleet(cfg, appLogger.Logger); err != nil {
			return err
		}
		return runFleet(cfg, appLogger.Logger, false)
	case "stop":
		return stopFleet(cfg, appLogger.Logger)
	case "status":
		return statusFleet(cfg)
	default:
		usage()
		return fmt.Errorf("unknown command: %q", command)
	}
}

// runFleet launches every declared process and blocks until a signal
// arrives. With watch enabled, file changes under a process's watch paths
// trigger a restart of that process.
func runFleet(cfg *config.Config, logger *slog.Logger, watch bool) error {
	if cfg.Supervisor.PidDir != "" {
		if err := os.MkdirAll(cfg.Supervisor.PidDir, 0o755); err != nil {
			return fmt.Errorf("failed to create pid dir: %w", err)
		}
	}

	specs, err := buildSpecs(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("Starting process fleet",
		slog.Int("processes", len(specs)),
		slog.Bool("watch", watch),
	)

	sup := supervisor.New(specs, logger, supervisor.WithGlobalEnv(cfg.Supervisor.Env))

	if err := sup.StartAll(); err != nil {
		sup.StopAll()
		return fmt.Errorf("failed to start fleet: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Crash-loop reports are informational: the process stays down and the
	// operator decides what to do.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-sup.Reports():
				logger.Error("Process is crash-looping, giving up",
					slog.String("process", r.Name),
					slog.Int("restarts", r.Restarts),
					slog.Duration("window", r.Window),
					slog.String("last_exit", r.LastExit),
				)
			}
		}
	}()

	var watchers []*watcher.Watcher
	if watch {
		watchers, err = startWatchers(ctx, cfg, sup, logger)
		if err != nil {
			sup.StopAll()
			return err
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Received signal, stopping fleet",
		slog.String("signal", sig.String()),
	)

	cancel()
	for _, w := range watchers {
		w.Close()
	}
	sup.StopAll()

	logger.Info("Fleet stopped")
	return nil
}

// startWatchers wires one file watcher per process that declares watch
// paths. A change restarts only the owning process.
func startWatchers(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, logger *slog.Logger) ([]*watcher.Watcher, error) {
	var watchers []*watcher.Watcher

	for _, p := range cfg.Supervisor.Processes {
		if len(p.WatchPaths) == 0 {
			continue
		}

		name := p.Name
		w, err := watcher.New(p.WatchPaths, func(path string) {
			logger.Info("Watched path changed, restarting process",
				slog.String("process", name),
				slog.String("path", path),
			)
			if err := sup.Restart(name); err != nil {
				logger.Error("Failed to restart process",
					slog.String("process", name),
					slog.Any("error", err),
				)
			}
		}, logger)
		if err != nil {
			for _, open := range watchers {
				open.Close()
			}
			return nil, fmt.Errorf("failed to watch paths for %s: %w", name, err)
		}

		go w.Run(ctx)
		watchers = append(watchers, w)
	}

	return watchers, nil
}

// stopFleet signals a fleet started by a previous invocation through the pid
// files it left behind.
func stopFleet(cfg *config.Config, logger *slog.Logger) error {
	var lastErr error

	for _, p := range cfg.Supervisor.Processes {
		pid, err := readPidFile(pidFilePath(cfg, p.Name))
		if err != nil {
			continue
		}

		logger.Info("Signaling process",
			slog.String("process", p.Name),
			slog.Int("pid", pid),
		)

		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			logger.Error("Failed to signal process",
				slog.String("process", p.Name),
				slog.Int("pid", pid),
				slog.Any("error", err),
			)
			lastErr = err
		}
	}

	return lastErr
}

// statusFleet prints one line per declared process.
func statusFleet(cfg *config.Config) error {
	for _, p := range cfg.Supervisor.Processes {
		pid, err := readPidFile(pidFilePath(cfg, p.Name))
		switch {
		case err != nil:
			fmt.Printf("%-24s stopped\n", p.Name)
		case syscall.Kill(pid, 0) == nil:
			fmt.Printf("%-24s running (pid %d)\n", p.Name, pid)
		default:
			fmt.Printf("%-24s dead (stale pid %d)\n", p.Name, pid)
		}
	}
	return nil
}

// buildSpecs converts declared processes into supervisor specs. A managed
// redis-server process with no explicit arguments gets a rendered config
// file reflecting the broker persistence settings.
func buildSpecs(cfg *config.Config, logger *slog.Logger) ([]supervisor.Spec, error) {
	specs := make([]supervisor.Spec, 0, len(cfg.Supervisor.Processes))

	for _, p := range cfg.Supervisor.Processes {
		spec := supervisor.Spec{
			Name:           p.Name,
			Command:        p.Command,
			Args:           p.Args,
			Dir:            p.Dir,
			Env:            p.Env,
			Restart:        p.Restart,
			MaxRestarts:    p.MaxRestarts,
			RestartWindow:  p.RestartWindow,
			RestartBackoff: p.RestartBackoff,
			GracePeriod:    p.GracePeriod,
			LogFile:        p.LogFile,
			PidFile:        pidFilePath(cfg, p.Name),
		}

		if isBrokerCommand(p.Command) && len(p.Args) == 0 {
			confPath, err := writeBrokerConf(cfg)
			if err != nil {
				return nil, err
			}
			spec.Args = []string{confPath}

			logger.Info("Rendered broker config",
				slog.String("process", p.Name),
				slog.String("path", confPath),
			)
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

func isBrokerCommand(command string) bool {
	return strings.HasSuffix(filepath.Base(command), "redis-server")
}

// writeBrokerConf renders the broker persistence settings to a config file
// the managed redis-server is launched with.
func writeBrokerConf(cfg *config.Config) (string, error) {
	rules, err := redisbroker.ParseSaveRules(cfg.Broker.Persistence.SaveRules)
	if err != nil {
		return "", err
	}

	settings := &redisbroker.ServerSettings{
		Bind:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		Password:       cfg.Broker.Password,
		SaveRules:      rules,
		AppendOnly:     cfg.Broker.Persistence.AppendOnly,
		FsyncPolicy:    cfg.Broker.Persistence.FsyncPolicy,
		Dir:            cfg.Broker.Persistence.Dir,
		MaxMemory:      cfg.Broker.MaxMemory,
		EvictionPolicy: cfg.Broker.EvictionPolicy,
	}

	dir := cfg.Supervisor.PidDir
	if dir == "" {
		dir = "."
	}
	confPath := filepath.Join(dir, "broker.conf")

	if err := os.WriteFile(confPath, []byte(settings.Render()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write broker config: %w", err)
	}

	return confPath, nil
}

func pidFilePath(cfg *config.Config, name string) string {
	dir := cfg.Supervisor.PidDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, name+".pid")
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}

	return pid, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}
