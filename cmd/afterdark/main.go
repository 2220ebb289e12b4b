package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration persisted as config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

type ConfigAuth struct {
	Token     string `toml:"token"`
	AccountID string `toml:"account_id"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configKeys maps the dotted keys accepted by "config get/set" to fields.
var configKeys = map[string]func(*Config) *string{
	"default.base_url": func(c *Config) *string { return &c.Default.BaseURL },
	"auth.token":       func(c *Config) *string { return &c.Auth.Token },
	"auth.account_id":  func(c *Config) *string { return &c.Auth.AccountID },
}

// configDir is $AFTERDARK_HOME, or ~/.afterdark. It is created on first use.
func configDir() (string, error) {
	dir := os.Getenv("AFTERDARK_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		dir = filepath.Join(home, ".afterdark")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

func configFile(name string) (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func configPath() (string, error)  { return configFile("config.toml") }
func sessionPath() (string, error) { return configFile("session.json") }

// loadConfig returns the zero Config when no file exists yet.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func configField(cfg *Config, key string) (*string, error) {
	field, ok := configKeys[key]
	if !ok {
		return nil, fmt.Errorf("unknown key %q (valid: %s)", key, strings.Join(sortedConfigKeys(), ", "))
	}
	return field(cfg), nil
}

func sortedConfigKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "afterdark",
	Short:         "Afterdark messaging CLI",
	Long:          "Log in, switch between the entities you act as, read your inbox and chat.\nState lives in $AFTERDARK_HOME (default ~/.afterdark).",
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log SDK internals to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
