// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	LevelDB  LevelDBConfig  `yaml:"leveldb"`
	Postgres PostgresConfig `yaml:"postgres"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Lease    LeaseConfig    `yaml:"lease"`
	Agent    AgentConfig    `yaml:"agent"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     int           `yaml:"readTimeout"`
	WriteTimeout    int           `yaml:"writeTimeout"`
	ShutdownTimeout int           `yaml:"shutdownTimeout"`
	WorkerFreshness time.Duration `yaml:"workerFreshness"`
	ClaimRate       float64       `yaml:"claimRate"`
	ClaimBurst      int           `yaml:"claimBurst"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Backend string `yaml:"backend"`
}

// LevelDBConfig holds LevelDB configuration
type LevelDBConfig struct {
	Path            string `yaml:"path"`
	CredentialsPath string `yaml:"credentialsPath"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	URL          string `yaml:"-"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// NATSConfig holds NATS configuration. An empty URL disables notifications.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// AuthConfig holds control-plane authentication settings
type AuthConfig struct {
	AdminToken string `yaml:"-"`
	Disabled   bool   `yaml:"disabled"`
}

// LeaseConfig controls failing running jobs whose worker stopped working on
// them. A worker renews a lease by heartbeating busy on the job or by
// appending events to it.
type LeaseConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
	Disabled bool          `yaml:"disabled"`
}

// AgentConfig holds worker agent configuration
type AgentConfig struct {
	ControlPlaneURL   string        `yaml:"controlPlaneUrl"`
	WorkerID          string        `yaml:"workerId"`
	Token             string        `yaml:"-"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	ReportTimeout     time.Duration `yaml:"reportTimeout"`
	ReportsPath       string        `yaml:"reportsPath"`
	ReportsTTL        time.Duration `yaml:"reportsTtl"`
	Once              bool          `yaml:"once"`
}

// Default configuration values
const (
	DefaultServerPort             = "8080"
	DefaultServerReadTimeout      = 30
	DefaultServerWriteTimeout     = 30
	DefaultShutdownTimeout        = 30
	DefaultWorkerFreshness        = 90 * time.Second
	DefaultClaimRate              = 5.0
	DefaultClaimBurst             = 10
	DefaultStoreBackend           = "leveldb"
	DefaultLevelDBPath            = "./data/leveldb"
	DefaultLevelDBCredentialsPath = "./data/credentials"
	DefaultPostgresMaxOpenConns   = 10
	DefaultNATSSubjectPrefix      = "evalq"
	DefaultLeaseTimeout           = 3 * DefaultWorkerFreshness
	DefaultLeaseInterval          = 30 * time.Second
	DefaultControlPlaneURL        = "http://localhost:8080"
	DefaultPollInterval           = 5 * time.Second
	DefaultHeartbeatInterval      = 30 * time.Second
	DefaultReportTimeout          = 5 * time.Minute
	DefaultReportsPath            = "./data/reports"
	DefaultReportsTTL             = 7 * 24 * time.Hour
)

// Store backends
const (
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves an environment variable as float or returns a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as bool or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration retrieves an environment variable as a duration ("30s") or
// returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

// Load reads the YAML file at configPath, fills in defaults and applies
// EVALQ_* environment overrides. An empty path or a missing file yields the
// defaults.
func Load(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return nil, errors.Wrapf(err, "failed to parse config %s", configPath)
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	claimRate := config.Server.ClaimRate
	if claimRate == 0 {
		claimRate = DefaultClaimRate
	}

	config.Server = ServerConfig{
		Port:            getEnv("EVALQ_SERVER_PORT", orString(config.Server.Port, DefaultServerPort)),
		ReadTimeout:     getEnvInt("EVALQ_SERVER_READ_TIMEOUT", orInt(config.Server.ReadTimeout, DefaultServerReadTimeout)),
		WriteTimeout:    getEnvInt("EVALQ_SERVER_WRITE_TIMEOUT", orInt(config.Server.WriteTimeout, DefaultServerWriteTimeout)),
		ShutdownTimeout: getEnvInt("EVALQ_SERVER_SHUTDOWN_TIMEOUT", orInt(config.Server.ShutdownTimeout, DefaultShutdownTimeout)),
		WorkerFreshness: getEnvDuration("EVALQ_WORKER_FRESHNESS", orDuration(config.Server.WorkerFreshness, DefaultWorkerFreshness)),
		ClaimRate:       getEnvFloat("EVALQ_CLAIM_RATE", claimRate),
		ClaimBurst:      getEnvInt("EVALQ_CLAIM_BURST", orInt(config.Server.ClaimBurst, DefaultClaimBurst)),
	}

	config.Store = StoreConfig{
		Backend: getEnv("EVALQ_STORE_BACKEND", orString(config.Store.Backend, DefaultStoreBackend)),
	}

	config.LevelDB = LevelDBConfig{
		Path:            getEnv("EVALQ_LEVELDB_PATH", orString(config.LevelDB.Path, DefaultLevelDBPath)),
		CredentialsPath: getEnv("EVALQ_LEVELDB_CREDENTIALS_PATH", orString(config.LevelDB.CredentialsPath, DefaultLevelDBCredentialsPath)),
	}

	config.Postgres = PostgresConfig{
		URL:          os.Getenv("EVALQ_POSTGRES_URL"),
		MaxOpenConns: getEnvInt("EVALQ_POSTGRES_MAX_OPEN_CONNS", orInt(config.Postgres.MaxOpenConns, DefaultPostgresMaxOpenConns)),
	}

	config.NATS = NATSConfig{
		URL:           getEnv("EVALQ_NATS_URL", config.NATS.URL),
		SubjectPrefix: getEnv("EVALQ_NATS_SUBJECT_PREFIX", orString(config.NATS.SubjectPrefix, DefaultNATSSubjectPrefix)),
	}

	config.Auth = AuthConfig{
		AdminToken: os.Getenv("EVALQ_ADMIN_TOKEN"),
		Disabled:   getEnvBool("EVALQ_AUTH_DISABLED", config.Auth.Disabled),
	}

	config.Lease = LeaseConfig{
		Timeout:  getEnvDuration("EVALQ_LEASE_TIMEOUT", orDuration(config.Lease.Timeout, DefaultLeaseTimeout)),
		Interval: getEnvDuration("EVALQ_LEASE_INTERVAL", orDuration(config.Lease.Interval, DefaultLeaseInterval)),
		Disabled: getEnvBool("EVALQ_LEASE_DISABLED", config.Lease.Disabled),
	}

	config.Agent = AgentConfig{
		ControlPlaneURL:   getEnv("EVALQ_CONTROL_PLANE_URL", orString(config.Agent.ControlPlaneURL, DefaultControlPlaneURL)),
		WorkerID:          getEnv("EVALQ_WORKER_ID", config.Agent.WorkerID),
		Token:             os.Getenv("EVALQ_WORKER_TOKEN"),
		PollInterval:      getEnvDuration("EVALQ_POLL_INTERVAL", orDuration(config.Agent.PollInterval, DefaultPollInterval)),
		HeartbeatInterval: getEnvDuration("EVALQ_HEARTBEAT_INTERVAL", orDuration(config.Agent.HeartbeatInterval, DefaultHeartbeatInterval)),
		ReportTimeout:     getEnvDuration("EVALQ_REPORT_TIMEOUT", orDuration(config.Agent.ReportTimeout, DefaultReportTimeout)),
		ReportsPath:       getEnv("EVALQ_REPORTS_PATH", orString(config.Agent.ReportsPath, DefaultReportsPath)),
		ReportsTTL:        getEnvDuration("EVALQ_REPORTS_TTL", orDuration(config.Agent.ReportsTTL, DefaultReportsTTL)),
		Once:              getEnvBool("EVALQ_AGENT_ONCE", config.Agent.Once),
	}

	return &config, nil
}

// ValidateServer checks the settings the control plane needs
func (c *Config) ValidateServer() error {
	switch c.Store.Backend {
	case BackendLevelDB:
		if c.LevelDB.Path == c.LevelDB.CredentialsPath {
			return errors.New("leveldb path and credentialsPath must differ")
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return errors.New("EVALQ_POSTGRES_URL environment variable is required for the postgres backend")
		}
	default:
		return errors.Newf("unknown store backend %q", c.Store.Backend)
	}
	if !c.Auth.Disabled && c.Auth.AdminToken == "" {
		return errors.WithHint(
			errors.New("EVALQ_ADMIN_TOKEN environment variable is required"),
			"set auth.disabled: true for local development only",
		)
	}
	if !c.Lease.Disabled && c.Lease.Timeout <= 0 {
		return errors.WithHint(
			errors.New("lease timeout must be positive"),
			"set lease.disabled: true to keep abandoned jobs running",
		)
	}
	return nil
}

// ValidateAgent checks the settings a worker agent needs
func (c *Config) ValidateAgent() error {
	if c.Agent.WorkerID == "" {
		return errors.New("agent workerId is required (EVALQ_WORKER_ID)")
	}
	if c.Agent.ControlPlaneURL == "" {
		return errors.New("agent controlPlaneUrl is required")
	}
	if c.Agent.PollInterval <= 0 {
		return errors.New("agent pollInterval must be positive")
	}
	return nil
}
