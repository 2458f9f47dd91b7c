// Package config loads client settings from flags, TASKS_* environment, .env and config.yaml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Session store kinds.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// FileName is the optional YAML config inside the state dir.
const FileName = "config.yaml"

type Config struct {
	APIURL      string
	Store       string
	StateDir    string
	DSN         string
	Profile     string
	Seal        bool
	LogLevel    string
	HTTPTimeout time.Duration
}

// flag name -> viper key
var flagKeys = map[string]string{
	"api":          "api_url",
	"store":        "store",
	"state-dir":    "state_dir",
	"dsn":          "dsn",
	"profile":      "profile",
	"seal":         "seal",
	"log-level":    "log_level",
	"http-timeout": "http_timeout",
}

// DefaultStateDir is $XDG_CONFIG_HOME/tasktracker or ~/.config/tasktracker.
func DefaultStateDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "tasktracker")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tasktracker")
}

// Load merges, lowest first: defaults, config.yaml, environment, changed flags. flags may be nil.
func Load(flags *pflag.FlagSet) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("api_url", "http://localhost:8000/api/v1")
	v.SetDefault("store", StoreFile)
	v.SetDefault("state_dir", DefaultStateDir())
	v.SetDefault("dsn", "")
	v.SetDefault("profile", "default")
	v.SetDefault("seal", true)
	v.SetDefault("log_level", "warn")
	v.SetDefault("http_timeout", 30*time.Second)

	v.SetEnvPrefix("TASKS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if err := readFile(v, filepath.Join(v.GetString("state_dir"), FileName)); err != nil {
		return Config{}, err
	}

	cfg := Config{
		APIURL:      strings.TrimRight(v.GetString("api_url"), "/"),
		Store:       strings.ToLower(v.GetString("store")),
		StateDir:    v.GetString("state_dir"),
		DSN:         v.GetString("dsn"),
		Profile:     v.GetString("profile"),
		Seal:        v.GetBool("seal"),
		LogLevel:    v.GetString("log_level"),
		HTTPTimeout: v.GetDuration("http_timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// Validate checks the merged values.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if c.APIURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("TASKS_API_URL must be an http(s) URL, got %q", c.APIURL)
	}
	switch c.Store {
	case StoreFile:
		if c.StateDir == "" {
			return fmt.Errorf("TASKS_STATE_DIR must not be empty for the file store")
		}
	case StoreMemory:
	case StorePostgres:
		if c.DSN == "" {
			return fmt.Errorf("TASKS_DSN must be set for the postgres store")
		}
		if c.Profile == "" {
			return fmt.Errorf("TASKS_PROFILE must not be empty")
		}
	default:
		return fmt.Errorf("TASKS_STORE must be one of file, memory, postgres, got %q", c.Store)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("TASKS_HTTP_TIMEOUT must be > 0")
	}
	return nil
}
