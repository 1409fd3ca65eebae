package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Restart policies for supervised processes
const (
	RestartAlways    = "always"
	RestartOnFailure = "on-failure"
	RestartNever     = "never"
)

// Queue driver names
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Broker     BrokerConfig     `yaml:"broker"`
	Queue      QueueConfig      `yaml:"queue"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Worker     WorkerConfig     `yaml:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	BearerToken     string        `yaml:"bearer_token"`
}

// BrokerConfig holds Redis broker connection and persistence configuration.
// Read once at process startup and treated as immutable afterwards.
type BrokerConfig struct {
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	Password       string            `yaml:"password"`
	DB             int               `yaml:"db"`
	DialTimeout    time.Duration     `yaml:"dial_timeout"`
	RetryAttempts  int               `yaml:"retry_attempts"`
	RetryInterval  time.Duration     `yaml:"retry_interval"`
	Persistence    PersistenceConfig `yaml:"persistence"`
	MaxMemory      string            `yaml:"max_memory"`
	EvictionPolicy string            `yaml:"eviction_policy"`
}

// Addr returns the broker address in host:port form.
func (b *BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// PersistenceConfig holds broker durability settings: RDB-style snapshot
// save rules and the append-only log toggle with its fsync policy.
type PersistenceConfig struct {
	SaveRules   []string `yaml:"save_rules"`
	AppendOnly  bool     `yaml:"append_only"`
	FsyncPolicy string   `yaml:"fsync_policy"`
	Dir         string   `yaml:"dir"`
}

// QueueConfig holds task queue configuration
type QueueConfig struct {
	Name         string        `yaml:"name"`
	Driver       string        `yaml:"driver"`
	RetentionTTL time.Duration `yaml:"retention_ttl"`
	SnapshotPath string        `yaml:"snapshot_path"`
}

// ArchiveConfig holds the optional Postgres job archive configuration
type ArchiveConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int              `yaml:"concurrency"`
	ClaimTimeout    time.Duration    `yaml:"claim_timeout"`
	JobTimeout      time.Duration    `yaml:"job_timeout"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Executors       []ExecutorConfig `yaml:"executors"`
}

// ExecutorConfig maps a job type to an external command. The payload is
// written to the command's stdin and stdout is captured as the result.
type ExecutorConfig struct {
	JobType string   `yaml:"job_type"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// SupervisorConfig holds the declared process fleet
type SupervisorConfig struct {
	Env       map[string]string `yaml:"env"`
	PidDir    string            `yaml:"pid_dir"`
	Processes []ProcessConfig   `yaml:"processes"`
}

// ProcessConfig describes one supervised process
type ProcessConfig struct {
	Name           string            `yaml:"name"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Dir            string            `yaml:"dir"`
	Env            map[string]string `yaml:"env"`
	Restart        string            `yaml:"restart"`
	MaxRestarts    int               `yaml:"max_restarts"`
	RestartWindow  time.Duration     `yaml:"restart_window"`
	RestartBackoff time.Duration     `yaml:"restart_backoff"`
	GracePeriod    time.Duration     `yaml:"grace_period"`
	WatchPaths     []string          `yaml:"watch_paths"`
	LogFile        string            `yaml:"log_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in defaults for optional fields
func (c *Config) applyDefaults() {
	if c.Broker.Port == 0 {
		c.Broker.Port = 6379
	}
	if c.Broker.RetryAttempts == 0 {
		c.Broker.RetryAttempts = 3
	}
	if c.Broker.RetryInterval == 0 {
		c.Broker.RetryInterval = 2 * time.Second
	}
	if c.Broker.DialTimeout == 0 {
		c.Broker.DialTimeout = 5 * time.Second
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverRedis
	}
	if c.Queue.RetentionTTL == 0 {
		c.Queue.RetentionTTL = 24 * time.Hour
	}
	if c.Worker.ClaimTimeout == 0 {
		c.Worker.ClaimTimeout = 5 * time.Second
	}
	for i := range c.Supervisor.Processes {
		p := &c.Supervisor.Processes[i]
		if p.Restart == "" {
			p.Restart = RestartOnFailure
		}
		if p.MaxRestarts == 0 {
			p.MaxRestarts = 3
		}
		if p.RestartWindow == 0 {
			p.RestartWindow = 60 * time.Second
		}
		if p.GracePeriod == 0 {
			p.GracePeriod = 5 * time.Second
		}
	}
}

// ValidateAPIConfig checks the fields the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateBroker(); err != nil {
		return err
	}

	if c.Archive.Enabled {
		if c.Archive.Database.Host == "" {
			return fmt.Errorf("archive database host is required")
		}
		if c.Archive.Database.Port < MinPort || c.Archive.Database.Port > MaxPort {
			return fmt.Errorf("invalid archive database port: %d (must be between %d and %d)", c.Archive.Database.Port, MinPort, MaxPort)
		}
		if c.Archive.Database.Database == "" {
			return fmt.Errorf("archive database name is required")
		}
	}

	return nil
}

// ValidateWorkerConfig checks the fields the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateBroker(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	for _, e := range c.Worker.Executors {
		if e.JobType == "" {
			return fmt.Errorf("executor job_type is required")
		}
		if e.Command == "" {
			return fmt.Errorf("executor command is required for job type %q", e.JobType)
		}
	}

	return nil
}

// ValidateSupervisorConfig checks the declared process fleet
func (c *Config) ValidateSupervisorConfig() error {
	if len(c.Supervisor.Processes) == 0 {
		return fmt.Errorf("supervisor requires at least one process")
	}

	seen := make(map[string]bool, len(c.Supervisor.Processes))
	for _, p := range c.Supervisor.Processes {
		if p.Name == "" {
			return fmt.Errorf("process name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate process name: %q", p.Name)
		}
		seen[p.Name] = true

		if p.Command == "" {
			return fmt.Errorf("process %q: command is required", p.Name)
		}

		switch p.Restart {
		case RestartAlways, RestartOnFailure, RestartNever:
		default:
			return fmt.Errorf("process %q: invalid restart policy %q", p.Name, p.Restart)
		}

		if p.MaxRestarts < 0 {
			return fmt.Errorf("process %q: max_restarts must not be negative", p.Name)
		}
		if p.RestartWindow <= 0 {
			return fmt.Errorf("process %q: restart_window must be greater than 0", p.Name)
		}
		if p.GracePeriod <= 0 {
			return fmt.Errorf("process %q: grace_period must be greater than 0", p.Name)
		}
	}

	return nil
}

// validateBroker checks broker connection settings shared by all services
func (c *Config) validateBroker() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host is required")
	}

	if c.Broker.Port < MinPort || c.Broker.Port > MaxPort {
		return fmt.Errorf("invalid broker port: %d (must be between %d and %d)", c.Broker.Port, MinPort, MaxPort)
	}

	if c.Queue.Name == "" {
		return fmt.Errorf("queue name is required")
	}

	switch c.Queue.Driver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("invalid queue driver: %q", c.Queue.Driver)
	}

	switch c.Broker.Persistence.FsyncPolicy {
	case "", "everysec", "always", "no":
	default:
		return fmt.Errorf("invalid fsync policy: %q", c.Broker.Persistence.FsyncPolicy)
	}

	return nil
}
