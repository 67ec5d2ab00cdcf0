package config

import (
	"errors"
	"fmt"
	"os/exec"
)

// SSHDConfig configures the SSH daemon that runs inside each workspace
// container. It is read from SSHD_* environment variables set on the
// container.
type SSHDConfig struct {
	Address            string
	HostKeyPath        string
	AuthorizedKeysPath string
	// PasswordHash is a bcrypt digest. Password auth is off when empty.
	PasswordHash string
	Shell        string
	WorkDir      string

	LogLevel  string
	LogFormat string
}

// DefaultSSHD returns an SSHDConfig with default values. Keys live under the
// workspace data mount so they survive container recreation.
func DefaultSSHD() *SSHDConfig {
	return &SSHDConfig{
		Address:            ":22",
		HostKeyPath:        "/data/.ssh/ssh_host_ed25519_key",
		AuthorizedKeysPath: "/data/.ssh/authorized_keys",
		Shell:              defaultShell(),
		WorkDir:            "/data",
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// LoadSSHD reads the SSH daemon configuration from the environment.
func LoadSSHD() (*SSHDConfig, error) {
	cfg := DefaultSSHD()

	cfg.Address = getEnv("SSHD_ADDR", cfg.Address)
	cfg.HostKeyPath = getEnv("SSHD_HOST_KEY", cfg.HostKeyPath)
	cfg.AuthorizedKeysPath = getEnv("SSHD_AUTHORIZED_KEYS", cfg.AuthorizedKeysPath)
	cfg.PasswordHash = getEnv("SSHD_PASSWORD_HASH", cfg.PasswordHash)
	cfg.Shell = getEnv("SSHD_SHELL", cfg.Shell)
	cfg.WorkDir = getEnv("SSHD_WORKDIR", cfg.WorkDir)
	cfg.LogLevel = getEnv("SSHD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("SSHD_LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate sshd config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *SSHDConfig) Validate() error {
	if c.Address == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.HostKeyPath == "" {
		return errors.New("host key path cannot be empty")
	}
	if c.Shell == "" {
		return errors.New("shell cannot be empty")
	}
	if c.AuthorizedKeysPath == "" && c.PasswordHash == "" {
		return errors.New("no authentication method configured")
	}
	return nil
}

// defaultShell prefers bash and falls back to sh for minimal images.
func defaultShell() string {
	for _, shell := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := exec.LookPath(shell); err == nil {
			return shell
		}
	}
	return "/bin/sh"
}
