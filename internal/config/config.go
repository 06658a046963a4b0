package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Image source
	ELFFile          string        `mapstructure:"elf-file"`
	ELFURLOverride   string        `mapstructure:"elf-url-override"`
	FetchTimeout     time.Duration `mapstructure:"fetch-timeout"`
	// FetchMaxAttempts counts the first try; the default is 5.
	FetchMaxAttempts int           `mapstructure:"fetch-max-attempts"`
	S3Region         string        `mapstructure:"s3-region"`

	// Device registration; an empty URL mints identities locally
	RegistryURL   string `mapstructure:"registry-url"`
	RegistryToken string `mapstructure:"registry-token"`

	// Debug probe
	JLinkPath      string `mapstructure:"jlink-path"`
	AcceptUnsecure bool   `mapstructure:"accept-unsecure"`

	// Working directory
	WorkDir string `mapstructure:"work-dir"`

	// Security limits
	MaxImageSize int64 `mapstructure:"max-image-size"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/devices.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("elf-file", "")
	viper.SetDefault("elf-url-override", "")
	viper.SetDefault("fetch-timeout", 20*time.Second)
	viper.SetDefault("fetch-max-attempts", 5)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("registry-url", "")
	viper.SetDefault("registry-token", "")
	viper.SetDefault("jlink-path", "JLinkExe")
	viper.SetDefault("accept-unsecure", false)
	viper.SetDefault("work-dir", ".artifacts/work")
	viper.SetDefault("max-image-size", 16*1024*1024)
	viper.SetDefault("fsm-max-retries", 5)

	// Environment variables (will be HUBBLE_DEMO_ELF_FILE, etc.)
	viper.SetEnvPrefix("HUBBLE_DEMO")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.BindEnv("registry-token", "HUBBLE_DEMO_REGISTRY_TOKEN", "HUBBLE_API_TOKEN")

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.hubbledemo")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch-timeout must be positive")
	}
	if c.FetchMaxAttempts <= 0 {
		return fmt.Errorf("fetch-max-attempts must be positive")
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max-image-size must be positive")
	}
	if c.FSMMaxRetries <= 0 {
		return fmt.Errorf("fsm-max-retries must be positive")
	}
	if c.JLinkPath == "" {
		return fmt.Errorf("jlink-path cannot be empty")
	}
	return nil
}
