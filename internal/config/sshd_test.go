package config

import "testing"

func TestLoadSSHD(t *testing.T) {
	t.Setenv("SSHD_ADDR", ":2222")
	t.Setenv("SSHD_HOST_KEY", "/tmp/host_key")
	t.Setenv("SSHD_AUTHORIZED_KEYS", "")
	t.Setenv("SSHD_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
	t.Setenv("SSHD_SHELL", "/bin/zsh")

	cfg, err := LoadSSHD()
	if err != nil {
		t.Fatalf("LoadSSHD failed: %v", err)
	}
	if cfg.Address != ":2222" {
		t.Errorf("Address = %q", cfg.Address)
	}
	if cfg.HostKeyPath != "/tmp/host_key" {
		t.Errorf("HostKeyPath = %q", cfg.HostKeyPath)
	}
	// Empty values keep the default
	if cfg.AuthorizedKeysPath != "/data/.ssh/authorized_keys" {
		t.Errorf("AuthorizedKeysPath = %q", cfg.AuthorizedKeysPath)
	}
	if cfg.PasswordHash == "" {
		t.Error("PasswordHash not loaded")
	}
	if cfg.Shell != "/bin/zsh" {
		t.Errorf("Shell = %q", cfg.Shell)
	}
	if cfg.WorkDir != "/data" {
		t.Errorf("WorkDir = %q", cfg.WorkDir)
	}
}

func TestSSHDValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*SSHDConfig)
		wantErr bool
	}{
		{"defaults", func(_ *SSHDConfig) {}, false},
		{"password only", func(c *SSHDConfig) { c.AuthorizedKeysPath = ""; c.PasswordHash = "x" }, false},
		{"no auth", func(c *SSHDConfig) { c.AuthorizedKeysPath = "" }, true},
		{"no address", func(c *SSHDConfig) { c.Address = "" }, true},
		{"no host key", func(c *SSHDConfig) { c.HostKeyPath = "" }, true},
		{"no shell", func(c *SSHDConfig) { c.Shell = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSSHD()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_SSHDBin(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SSHDBin != "/tools/sshd/sshd" {
		t.Errorf("default SSHDBin = %q", cfg.SSHDBin)
	}

	// Set but empty turns the daemon off.
	t.Setenv("SSHD_BIN", "")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SSHDBin != "" {
		t.Errorf("SSHDBin = %q, want empty", cfg.SSHDBin)
	}
}
