package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.FetchTimeout != 20*time.Second {
		t.Errorf("fetch-timeout: got %v, want 20s", cfg.FetchTimeout)
	}
	if cfg.FetchMaxAttempts != 5 {
		t.Errorf("fetch-max-attempts: got %d, want 5", cfg.FetchMaxAttempts)
	}
	if cfg.MaxImageSize != 16*1024*1024 {
		t.Errorf("max-image-size: got %d", cfg.MaxImageSize)
	}
	if cfg.JLinkPath != "JLinkExe" {
		t.Errorf("jlink-path: got %q", cfg.JLinkPath)
	}
	if cfg.AcceptUnsecure {
		t.Error("accept-unsecure should default to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("HUBBLE_DEMO_ELF_FILE", "/tmp/custom.elf")
	t.Setenv("HUBBLE_DEMO_ELF_URL_OVERRIDE", "https://mirror.example.com/merge")
	t.Setenv("HUBBLE_DEMO_FETCH_TIMEOUT", "5s")
	t.Setenv("HUBBLE_DEMO_ACCEPT_UNSECURE", "true")
	t.Setenv("HUBBLE_API_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.ELFFile != "/tmp/custom.elf" {
		t.Errorf("elf-file: got %q", cfg.ELFFile)
	}
	if cfg.ELFURLOverride != "https://mirror.example.com/merge" {
		t.Errorf("elf-url-override: got %q", cfg.ELFURLOverride)
	}
	if cfg.FetchTimeout != 5*time.Second {
		t.Errorf("fetch-timeout: got %v", cfg.FetchTimeout)
	}
	if !cfg.AcceptUnsecure {
		t.Error("accept-unsecure not read from environment")
	}
	if cfg.RegistryToken != "secret" {
		t.Errorf("registry-token: got %q", cfg.RegistryToken)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		SQLitePath:       "a.db",
		FSMDBPath:        "fsm",
		WorkDir:          "work",
		FetchTimeout:     time.Second,
		FetchMaxAttempts: 5,
		MaxImageSize:     1024,
		FSMMaxRetries:    5,
		JLinkPath:        "JLinkExe",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty sqlite path", func(c *Config) { c.SQLitePath = "" }},
		{"empty fsm path", func(c *Config) { c.FSMDBPath = "" }},
		{"empty work dir", func(c *Config) { c.WorkDir = "" }},
		{"zero timeout", func(c *Config) { c.FetchTimeout = 0 }},
		{"zero attempts", func(c *Config) { c.FetchMaxAttempts = 0 }},
		{"zero image size", func(c *Config) { c.MaxImageSize = 0 }},
		{"zero retries", func(c *Config) { c.FSMMaxRetries = 0 }},
		{"empty jlink path", func(c *Config) { c.JLinkPath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
