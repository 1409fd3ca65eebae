package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Broker.Host)
				assert.Equal(t, 6379, cfg.Broker.Port)
				assert.Equal(t, "documents", cfg.Queue.Name)
				assert.Equal(t, DriverRedis, cfg.Queue.Driver)
				assert.Equal(t, 24*time.Hour, cfg.Queue.RetentionTTL)
				assert.Equal(t, "jobs_db", cfg.Archive.Database.Database)
				assert.Equal(t, "docfleet-api", cfg.App.Name)
				assert.Len(t, cfg.Supervisor.Processes, 2)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/invalid_port.yaml")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Broker.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Broker.RetryInterval)
	assert.Equal(t, 5*time.Second, cfg.Broker.DialTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Queue.RetentionTTL)
	assert.Equal(t, 5*time.Second, cfg.Worker.ClaimTimeout)
}

func TestLoad_ProcessDefaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)
	require.Len(t, cfg.Supervisor.Processes, 2)

	// The broker process only declares a restart policy and grace period;
	// the crash-loop parameters come from defaults.
	broker := cfg.Supervisor.Processes[0]
	assert.Equal(t, RestartAlways, broker.Restart)
	assert.Equal(t, 3, broker.MaxRestarts)
	assert.Equal(t, 60*time.Second, broker.RestartWindow)
	assert.Equal(t, 10*time.Second, broker.GracePeriod)

	worker := cfg.Supervisor.Processes[1]
	assert.Equal(t, RestartOnFailure, worker.Restart)
	assert.Equal(t, 2*time.Second, worker.RestartBackoff)
	assert.Equal(t, 5*time.Second, worker.GracePeriod)
}

func validBase() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Broker: BrokerConfig{
			Host: "localhost",
			Port: 6379,
		},
		Queue: QueueConfig{
			Name:   "documents",
			Driver: DriverRedis,
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			JobTimeout:      5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			Processes: []ProcessConfig{
				{
					Name:          "worker-1",
					Command:       "./bin/worker-service",
					Restart:       RestartOnFailure,
					MaxRestarts:   3,
					RestartWindow: time.Minute,
					GracePeriod:   5 * time.Second,
				},
			},
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty broker host",
			mutate:    func(c *Config) { c.Broker.Host = "" },
			wantErr:   true,
			errString: "broker host is required",
		},
		{
			name:      "invalid broker port",
			mutate:    func(c *Config) { c.Broker.Port = -1 },
			wantErr:   true,
			errString: "invalid broker port",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.Queue.Name = "" },
			wantErr:   true,
			errString: "queue name is required",
		},
		{
			name:      "unknown queue driver",
			mutate:    func(c *Config) { c.Queue.Driver = "kafka" },
			wantErr:   true,
			errString: "invalid queue driver",
		},
		{
			name:      "invalid fsync policy",
			mutate:    func(c *Config) { c.Broker.Persistence.FsyncPolicy = "sometimes" },
			wantErr:   true,
			errString: "invalid fsync policy",
		},
		{
			name: "archive enabled without host",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Database.Port = 5432
				c.Archive.Database.Database = "jobs_db"
			},
			wantErr:   true,
			errString: "archive database host is required",
		},
		{
			name: "archive enabled without database name",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Database.Host = "localhost"
				c.Archive.Database.Port = 5432
			},
			wantErr:   true,
			errString: "archive database name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "concurrency must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			wantErr:   true,
			errString: "job_timeout must be greater than 0",
		},
		{
			name: "executor without job type",
			mutate: func(c *Config) {
				c.Worker.Executors = []ExecutorConfig{{Command: "/bin/true"}}
			},
			wantErr:   true,
			errString: "executor job_type is required",
		},
		{
			name: "executor without command",
			mutate: func(c *Config) {
				c.Worker.Executors = []ExecutorConfig{{JobType: "convert_document"}}
			},
			wantErr:   true,
			errString: "executor command is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateSupervisorConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "no processes",
			mutate:    func(c *Config) { c.Supervisor.Processes = nil },
			wantErr:   true,
			errString: "at least one process",
		},
		{
			name:      "missing process name",
			mutate:    func(c *Config) { c.Supervisor.Processes[0].Name = "" },
			wantErr:   true,
			errString: "process name is required",
		},
		{
			name: "duplicate process names",
			mutate: func(c *Config) {
				c.Supervisor.Processes = append(c.Supervisor.Processes, c.Supervisor.Processes[0])
			},
			wantErr:   true,
			errString: "duplicate process name",
		},
		{
			name:      "missing command",
			mutate:    func(c *Config) { c.Supervisor.Processes[0].Command = "" },
			wantErr:   true,
			errString: "command is required",
		},
		{
			name:      "bad restart policy",
			mutate:    func(c *Config) { c.Supervisor.Processes[0].Restart = "sometimes" },
			wantErr:   true,
			errString: "invalid restart policy",
		},
		{
			name:      "negative max restarts",
			mutate:    func(c *Config) { c.Supervisor.Processes[0].MaxRestarts = -1 },
			wantErr:   true,
			errString: "max_restarts must not be negative",
		},
		{
			name:      "zero restart window",
			mutate:    func(c *Config) { c.Supervisor.Processes[0].RestartWindow = 0 },
			wantErr:   true,
			errString: "restart_window must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)

			err := cfg.ValidateSupervisorConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
		require.NoError(t, cfg.ValidateSupervisorConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})
}

func TestBrokerConfig_Addr(t *testing.T) {
	b := &BrokerConfig{Host: "localhost", Port: 6379}
	assert.Equal(t, "localhost:6379", b.Addr())
}
