// Package config resolves service configuration from the environment, an
// optional YAML file and the database settings table, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bborn/dispatch/internal/agentrt"
	"github.com/bborn/dispatch/internal/db"
	"github.com/bborn/dispatch/internal/hooks"
	"github.com/bborn/dispatch/internal/monitor"
	"github.com/bborn/dispatch/internal/reaper"
	"github.com/bborn/dispatch/internal/sprites"
	"gopkg.in/yaml.v3"
)

// Setting keys
const (
	SettingSpriteToken = "sprite_token"
	SettingBaseURL     = "base_url"
	SettingSetupScript = "setup_script"
)

// Settable lists the keys `config set` accepts.
var Settable = []string{SettingSpriteToken, SettingBaseURL, SettingSetupScript}

// DefaultAddr is the HTTP listen address.
const DefaultAddr = ":8080"

var (
	ErrMissingToken   = errors.New("no Sprites token configured. Set SPRITES_TOKEN or run: dispatchd config set sprite_token <token>")
	ErrMissingBaseURL = errors.New("no public base URL configured. Set DISPATCH_BASE_URL or run: dispatchd config set base_url <url>")
)

// Config holds resolved configuration.
type Config struct {
	SpritesToken     string
	SpritesAPIURL    string
	BaseURL          string // Externally reachable URL sandboxes call back to
	ExecutionTimeout time.Duration
	ReaperInterval   time.Duration
	MonitorTimeout   time.Duration
	SetupScript      string // Empty means the built-in installer
	AgentURL         string
	Addr             string
	DBPath           string
	HooksDir         string // Scripts run when sessions finish
}

// File is the YAML configuration file layout.
type File struct {
	Sprites struct {
		Token  string `yaml:"token"`
		APIURL string `yaml:"api_url"`
	} `yaml:"sprites"`
	BaseURL          string `yaml:"base_url"`
	ExecutionTimeout string `yaml:"execution_timeout"`
	ReaperInterval   string `yaml:"reaper_interval"`
	MonitorTimeout   string `yaml:"monitor_timeout"`
	SetupScript      string `yaml:"setup_script"`
	AgentURL         string `yaml:"agent_url"`
	Addr             string `yaml:"addr"`
	HooksDir         string `yaml:"hooks_dir"`
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	if p := os.Getenv("DISPATCH_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "dispatch", "config.yaml")
}

// LoadFile reads a config file.
// Returns nil if the file doesn't exist (not an error - just use defaults).
func LoadFile(path string) (*File, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

// Load resolves configuration. database and path may be empty.
func Load(database *db.DB, path string) (*Config, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = &File{}
	}

	setting := func(key string) string {
		if database == nil {
			return ""
		}
		v, _ := database.GetSetting(key)
		return v
	}

	cfg := &Config{
		SpritesToken:  first(os.Getenv("SPRITES_TOKEN"), f.Sprites.Token, setting(SettingSpriteToken)),
		SpritesAPIURL: first(os.Getenv("SPRITES_API_URL"), f.Sprites.APIURL, sprites.DefaultAPIURL),
		BaseURL:       strings.TrimRight(first(os.Getenv("DISPATCH_BASE_URL"), f.BaseURL, setting(SettingBaseURL)), "/"),
		AgentURL:      first(os.Getenv("OPENCODE_URL"), f.AgentURL, agentrt.DefaultURL),
		Addr:          first(os.Getenv("DISPATCH_ADDR"), f.Addr, DefaultAddr),
		DBPath:        db.DefaultPath(),
		HooksDir:      expandPath(first(os.Getenv("DISPATCH_HOOKS_DIR"), f.HooksDir, hooks.DefaultHooksDir())),
	}

	if cfg.ExecutionTimeout, err = duration("execution timeout", first(os.Getenv("DISPATCH_EXECUTION_TIMEOUT"), f.ExecutionTimeout), reaper.DefaultTimeout); err != nil {
		return nil, err
	}
	if cfg.ReaperInterval, err = duration("reaper interval", first(os.Getenv("DISPATCH_REAPER_INTERVAL"), f.ReaperInterval), reaper.DefaultInterval); err != nil {
		return nil, err
	}
	if cfg.MonitorTimeout, err = duration("monitor timeout", first(os.Getenv("DISPATCH_MONITOR_TIMEOUT"), f.MonitorTimeout), monitor.DefaultTimeout); err != nil {
		return nil, err
	}

	// The env var names a file, the others hold the script itself
	if p := os.Getenv("DISPATCH_SETUP_SCRIPT"); p != "" {
		data, err := os.ReadFile(expandPath(p))
		if err != nil {
			return nil, fmt.Errorf("read setup script: %w", err)
		}
		cfg.SetupScript = string(data)
	} else {
		cfg.SetupScript = first(f.SetupScript, setting(SettingSetupScript))
	}

	return cfg, nil
}

// ValidateSandbox reports what sandbox execution is missing.
func (c *Config) ValidateSandbox() error {
	if c.SpritesToken == "" {
		return ErrMissingToken
	}
	if c.BaseURL == "" {
		return ErrMissingBaseURL
	}
	return nil
}

// IsSettable reports whether key may be stored with `config set`.
func IsSettable(key string) bool {
	for _, k := range Settable {
		if k == key {
			return true
		}
	}
	return false
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func duration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", name, value)
	}
	return d, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
