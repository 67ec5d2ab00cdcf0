package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Database
	DatabaseDSN    string `yaml:"database_dsn"`
	DatabaseDriver string `yaml:"-"` // "postgres" or "sqlite", auto-detected from DSN

	// Authentication
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	AdminUsername string        `yaml:"admin_username"`
	AdminPassword string        `yaml:"admin_password"`

	// Docker/Container settings
	DockerHost        string        `yaml:"docker_host"`
	DockerNetwork     string        `yaml:"docker_network"`
	PullMissingImages bool          `yaml:"pull_missing_images"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	DataDir           string        `yaml:"data_dir"`
	ToolsDir          string        `yaml:"tools_dir"`
	CodeServerBin     string        `yaml:"code_server_bin"`
	SSHDBin           string        `yaml:"sshd_bin"` // started beside the IDE when set

	// Port allocation
	SSHPortBase    int `yaml:"ssh_port_base"`
	IDEPortBase    int `yaml:"ide_port_base"`
	PortScanWindow int `yaml:"port_scan_window"`

	// Reverse proxy
	ProxyBackendHost string `yaml:"proxy_backend_host"`
	NotebookPort     int    `yaml:"notebook_port"`

	// Terminal bridge
	TerminalCommand []string `yaml:"terminal_command"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Port:              4000,
		CORSOrigins:       []string{"http://localhost:3000"},
		DatabaseDSN:       "sqlite3://./dwm.db",
		TokenTTL:          30 * 24 * time.Hour,
		PullMissingImages: true,
		StopTimeout:       10 * time.Second,
		DataDir:           "./data",
		ToolsDir:          "./tools",
		CodeServerBin:     "/tools/code-server/bin/code-server",
		SSHDBin:           "/tools/sshd/sshd",
		SSHPortBase:       22000,
		IDEPortBase:       8080,
		PortScanWindow:    1000,
		ProxyBackendHost:  "127.0.0.1",
		NotebookPort:      8888,
		TerminalCommand:   []string{"nvitop"},
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load reads configuration from an optional YAML file (CONFIG_FILE) and then
// from environment variables, which take precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// Server
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", cfg.CORSOrigins)

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Authentication
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = getEnvDuration("TOKEN_TTL", cfg.TokenTTL)
	cfg.AdminUsername = getEnv("ADMIN_USERNAME", cfg.AdminUsername)
	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.AdminPassword)
	if cfg.JWTSecret == "" {
		// Tokens still verify, but anyone reading the source can mint them
		cfg.JWTSecret = "dwm-dev-jwt-secret-not-for-production"
	}

	// Container settings
	cfg.DockerHost = getEnv("DOCKER_HOST", cfg.DockerHost)
	cfg.DockerNetwork = getEnv("DOCKER_NETWORK", cfg.DockerNetwork)
	cfg.PullMissingImages = getEnvBool("PULL_MISSING_IMAGES", cfg.PullMissingImages)
	cfg.StopTimeout = getEnvDuration("STOP_TIMEOUT", cfg.StopTimeout)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.ToolsDir = getEnv("TOOLS_DIR", cfg.ToolsDir)
	cfg.CodeServerBin = getEnv("CODE_SERVER_BIN", cfg.CodeServerBin)
	if v, ok := os.LookupEnv("SSHD_BIN"); ok {
		// Set but empty disables the in-container SSH daemon
		cfg.SSHDBin = v
	}

	// Port allocation
	cfg.SSHPortBase = getEnvInt("SSH_PORT_BASE", cfg.SSHPortBase)
	cfg.IDEPortBase = getEnvInt("IDE_PORT_BASE", cfg.IDEPortBase)
	cfg.PortScanWindow = getEnvInt("PORT_SCAN_WINDOW", cfg.PortScanWindow)

	// Reverse proxy
	cfg.ProxyBackendHost = getEnv("PROXY_BACKEND_HOST", cfg.ProxyBackendHost)
	cfg.NotebookPort = getEnvInt("NOTEBOOK_PORT", cfg.NotebookPort)

	// Terminal
	if cmd := getEnv("TERMINAL_COMMAND", ""); cmd != "" {
		cfg.TerminalCommand = strings.Fields(cmd)
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.SSHPortBase < 1 || c.SSHPortBase > 65535 {
		return errors.New("invalid ssh port base")
	}
	if c.IDEPortBase < 1 || c.IDEPortBase > 65535 {
		return errors.New("invalid ide port base")
	}
	if c.PortScanWindow < 1 {
		return errors.New("port scan window must be positive")
	}
	if c.NotebookPort < 1 || c.NotebookPort > 65535 {
		return errors.New("invalid notebook port")
	}
	if c.TokenTTL <= 0 {
		return errors.New("token ttl must be positive")
	}
	if len(c.TerminalCommand) == 0 {
		return errors.New("terminal command cannot be empty")
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return errors.New("admin username and password must be set together")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
		// Valid
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	return nil
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
