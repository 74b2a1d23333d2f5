// Package config loads backcompat settings.
//
// Settings come from, in increasing precedence: built-in defaults, the
// config file (backcompat.yaml in the working directory unless a path is
// given), and BACKCOMPAT_* environment variables. A .env file in the working
// directory is loaded into the environment first. Nested keys map to
// environment names with "_" for ".", so dut.url is BACKCOMPAT_DUT_URL.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BACKCOMPAT"

// DefaultFile is the config file looked up when no path is given.
const DefaultFile = "backcompat.yaml"

// Config holds all settings.
type Config struct {
	ImagesDir    string    `mapstructure:"images_dir"`
	WorkspaceDir string    `mapstructure:"workspace_dir"`
	Checker      string    `mapstructure:"checker"`
	APIGlob      string    `mapstructure:"api_glob"`
	ChecksFile   string    `mapstructure:"checks_file"` // empty means the built-in table
	HistoryDB    string    `mapstructure:"history_db"`  // empty disables history
	DUT          DUTConfig `mapstructure:"dut"`
}

// DUTConfig describes how to reach the device under test and how it is cabled.
type DUTConfig struct {
	URL                 string `mapstructure:"url"`
	SSHAddr             string `mapstructure:"ssh_addr"`
	SSHUser             string `mapstructure:"ssh_user"`
	SSHPassword         string `mapstructure:"ssh_password"`
	ExternalIOPin       uint32 `mapstructure:"external_io_pin"`
	ExternalClockLooped bool   `mapstructure:"external_clock_looped"`
	ExecSlack           uint32 `mapstructure:"exec_slack"`
}

var defaults = map[string]any{
	"images_dir":                "images",
	"workspace_dir":             "backwards-check-ws",
	"checker":                   "./.cmake/backwards-compatibility-check_.rb",
	"api_glob":                  "",
	"checks_file":               "",
	"history_db":                "",
	"dut.url":                   "",
	"dut.ssh_addr":              "",
	"dut.ssh_user":              "root",
	"dut.ssh_password":          "",
	"dut.external_io_pin":       2,
	"dut.external_clock_looped": false,
	"dut.exec_slack":            1,
}

// Load reads the configuration. An empty path reads DefaultFile if it exists;
// an explicit path must exist.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			v.SetConfigFile(DefaultFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", DefaultFile, err)
			}
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable zero value.
func (c *Config) Validate() error {
	if c.ImagesDir == "" {
		return errors.New("images_dir is required")
	}
	if c.WorkspaceDir == "" {
		return errors.New("workspace_dir is required")
	}
	if c.Checker == "" {
		return errors.New("checker is required")
	}
	return nil
}

// loadDotEnv loads path into the environment if it exists. Variables already
// set are kept.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}
