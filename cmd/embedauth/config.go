package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/blackwell-systems/embedauth"
	"github.com/blackwell-systems/embedauth/cloudapi"
)

// Config is the CLI configuration, read from flags, EMBEDAUTH_* environment
// variables and embedauth.yaml in that order of precedence.
type Config struct {
	CloudURL     string        `mapstructure:"cloud_url"`
	APIKey       string        `mapstructure:"api_key"`
	DeploymentID int           `mapstructure:"deployment_id"`
	ExternalID   string        `mapstructure:"external_id"`
	Ephemeral    bool          `mapstructure:"ephemeral"`
	Timeout      time.Duration `mapstructure:"timeout"`

	Retry RetryConfig `mapstructure:"retry"`
	Store StoreConfig `mapstructure:"store"`
	Log   LogConfig   `mapstructure:"log"`
}

// RetryConfig enables retries of temporary failures. Zero MaxRetries disables them.
type RetryConfig struct {
	MaxRetries uint64        `mapstructure:"max_retries"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Type    string            `mapstructure:"type"`
	Path    string            `mapstructure:"path"`
	Prefix  string            `mapstructure:"prefix"`
	Options map[string]string `mapstructure:"options"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flagKeys maps persistent flag names to configuration keys.
var flagKeys = map[string]string{
	"cloud-url":     "cloud_url",
	"api-key":       "api_key",
	"deployment-id": "deployment_id",
	"external-id":   "external_id",
	"ephemeral":     "ephemeral",
	"timeout":       "timeout",
	"retries":       "retry.max_retries",
	"store":         "store.type",
	"store-path":    "store.path",
	"store-prefix":  "store.prefix",
	"store-opt":     "store.options",
	"log-level":     "log.level",
	"log-format":    "log.format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cloud_url", cloudapi.DefaultBaseURL)
	v.SetDefault("api_key", "")
	v.SetDefault("deployment_id", 0)
	v.SetDefault("external_id", embedauth.DefaultExternalID)
	v.SetDefault("ephemeral", true)
	v.SetDefault("timeout", cloudapi.DefaultTimeout)
	v.SetDefault("retry.max_retries", 0)
	v.SetDefault("retry.max_elapsed", time.Minute)
	v.SetDefault("store.type", string(embedauth.StoreFile))
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("store.prefix", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "store.json"
	}
	return filepath.Join(home, ".config", "embedauth", "store.json")
}

// configureViper sets up file lookup and environment binding.
func configureViper(v *viper.Viper, configFile string) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("embedauth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "embedauth"))
		}
	}

	v.SetEnvPrefix("EMBEDAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig reads the configuration for one command invocation.
func loadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile, _ := flags.GetString("config")
	configureViper(v, configFile)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.CloudURL == "" {
		return errors.New("cloud_url is required")
	}
	if c.DeploymentID < 0 {
		return errors.New("deployment_id must not be negative")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// orchestratorConfig returns the inputs of the session exchange.
func (c *Config) orchestratorConfig() embedauth.OrchestratorConfig {
	return embedauth.OrchestratorConfig{
		APIKey:       c.APIKey,
		DeploymentID: c.DeploymentID,
		ExternalID:   c.ExternalID,
		Ephemeral:    c.Ephemeral,
	}
}

// storeConfig returns the registry configuration of the selected store.
func (c *Config) storeConfig() embedauth.StoreConfig {
	return embedauth.StoreConfig{
		Type:    embedauth.StoreType(c.Store.Type),
		Path:    c.Store.Path,
		Prefix:  c.Store.Prefix,
		Options: c.Store.Options,
	}
}
