package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Authentication
	AuthEnabled   bool // If false, uses anonymous user (default: false)
	SessionSecret []byte

	// OAuth providers (for user login)
	GitHubClientID     string
	GitHubClientSecret string

	// Sandbox backend
	SandboxProvider    string // "docker" or "mock"
	SandboxImage       string
	SandboxIdleTimeout time.Duration
	WorkspaceRoot      string // Root path for project working directories inside the sandbox

	// Scaffolding
	GeneratorTimeout      time.Duration
	GeneratorPollInterval time.Duration
	InstallTimeout        time.Duration
	InstallPollInterval   time.Duration
	ToolkitInitTimeout    time.Duration
	SnapshotRetryDelay    time.Duration

	// Preview
	PreviewPortMin    int
	PreviewPortMax    int
	PortProbeAttempts int
	PortProbeInterval time.Duration

	// Command gateway
	CommandTimeout time.Duration

	// Dispatcher
	DispatcherEnabled            bool
	DispatcherImmediateExecution bool
	DispatcherPollInterval       time.Duration
	DispatcherHeartbeatInterval  time.Duration
	DispatcherHeartbeatTimeout   time.Duration
	DispatcherStaleJobTimeout    time.Duration
	DispatcherJobTimeout         time.Duration
	JobMaxAttempts               int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite://./buildpad.db")
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Authentication - defaults to disabled (anonymous user mode)
	cfg.AuthEnabled = getEnvBool("AUTH_ENABLED", false)

	sessionSecret := getEnv("SESSION_SECRET", "")
	if sessionSecret == "" {
		if cfg.AuthEnabled {
			return nil, fmt.Errorf("SESSION_SECRET is required when AUTH_ENABLED=true")
		}
		// Use a default for no-auth mode (sessions still work but aren't secure)
		sessionSecret = "buildpad-dev-session-secret-not-for-production"
	}
	cfg.SessionSecret = []byte(sessionSecret)

	cfg.GitHubClientID = getEnv("GITHUB_CLIENT_ID", "")
	cfg.GitHubClientSecret = getEnv("GITHUB_CLIENT_SECRET", "")

	// Sandbox backend
	cfg.SandboxProvider = getEnv("SANDBOX_PROVIDER", "docker")
	cfg.SandboxImage = getEnv("SANDBOX_IMAGE", "ghcr.io/buildpad-dev/sandbox:latest")
	cfg.SandboxIdleTimeout = getEnvDuration("SANDBOX_IDLE_TIMEOUT", 20*time.Minute)
	cfg.WorkspaceRoot = getEnv("WORKSPACE_ROOT", "/workspace")

	// Scaffolding timeouts. Generators and installs run for minutes; the poll
	// intervals bound how quickly completion is noticed.
	cfg.GeneratorTimeout = getEnvDuration("GENERATOR_TIMEOUT", 5*time.Minute)
	cfg.GeneratorPollInterval = getEnvDuration("GENERATOR_POLL_INTERVAL", 2*time.Second)
	cfg.InstallTimeout = getEnvDuration("INSTALL_TIMEOUT", 4*time.Minute)
	cfg.InstallPollInterval = getEnvDuration("INSTALL_POLL_INTERVAL", 3*time.Second)
	cfg.ToolkitInitTimeout = getEnvDuration("TOOLKIT_INIT_TIMEOUT", 3*time.Minute)
	cfg.SnapshotRetryDelay = getEnvDuration("SNAPSHOT_RETRY_DELAY", 2*time.Second)

	// Preview
	cfg.PreviewPortMin = getEnvInt("PREVIEW_PORT_MIN", 3000)
	cfg.PreviewPortMax = getEnvInt("PREVIEW_PORT_MAX", 3010)
	cfg.PortProbeAttempts = getEnvInt("PORT_PROBE_ATTEMPTS", 15)
	cfg.PortProbeInterval = getEnvDuration("PORT_PROBE_INTERVAL", 2*time.Second)

	// Command gateway
	cfg.CommandTimeout = getEnvDuration("COMMAND_TIMEOUT", 5*time.Minute)

	// Dispatcher
	cfg.DispatcherEnabled = getEnvBool("DISPATCHER_ENABLED", true)
	cfg.DispatcherImmediateExecution = getEnvBool("DISPATCHER_IMMEDIATE_EXECUTION", true)
	cfg.DispatcherPollInterval = getEnvDuration("DISPATCHER_POLL_INTERVAL", 5*time.Second)
	cfg.DispatcherHeartbeatInterval = getEnvDuration("DISPATCHER_HEARTBEAT_INTERVAL", 10*time.Second)
	cfg.DispatcherHeartbeatTimeout = getEnvDuration("DISPATCHER_HEARTBEAT_TIMEOUT", 30*time.Second)
	cfg.DispatcherStaleJobTimeout = getEnvDuration("DISPATCHER_STALE_JOB_TIMEOUT", 15*time.Minute)
	cfg.DispatcherJobTimeout = getEnvDuration("DISPATCHER_JOB_TIMEOUT", 20*time.Minute)
	cfg.JobMaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", 3)

	if cfg.PreviewPortMin > cfg.PreviewPortMax {
		return nil, fmt.Errorf("PREVIEW_PORT_MIN (%d) must not exceed PREVIEW_PORT_MAX (%d)",
			cfg.PreviewPortMin, cfg.PreviewPortMax)
	}

	return cfg, nil
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
