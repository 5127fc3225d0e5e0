package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend names.
const (
	BackendWS       = "ws"
	BackendWhatsApp = "whatsapp"
)

// Defaults applied to unset profile fields.
const (
	DefaultPageSize  = 30
	DefaultTypingTTL = 6 * time.Second
	DefaultLocale    = "en-US"
	DefaultLogLevel  = "info"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string             `toml:"default_profile"`
	Profiles       map[string]Profile `toml:"profiles"`
}

// Profile configures one account: which backend to talk to and how the
// engine pages, expires typing and labels days.
type Profile struct {
	Backend   string   `toml:"backend"`
	ServerURL string   `toml:"server_url"`
	PageSize  int      `toml:"page_size"`
	TypingTTL Duration `toml:"typing_ttl"`
	Locale    string   `toml:"locale"`
	LogLevel  string   `toml:"log_level"`
	Self      Self     `toml:"self"`
}

// Self is the local user, stamped on optimistic messages.
type Self struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	AvatarURL string `toml:"avatar_url"`
}

// Duration is a time.Duration written as a string ("6s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config from path, returning an empty config when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	return nil, fmt.Errorf("load %s: %w", path, err)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Profile returns the named profile with defaults applied. A profile missing
// from the file yields the defaults.
func (c *Config) Profile(name string) Profile {
	p := c.Profiles[name]
	return p.withDefaults()
}

func (p Profile) withDefaults() Profile {
	if p.Backend == "" {
		p.Backend = BackendWS
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.TypingTTL.Duration <= 0 {
		p.TypingTTL.Duration = DefaultTypingTTL
	}
	if p.Locale == "" {
		p.Locale = DefaultLocale
	}
	if p.LogLevel == "" {
		p.LogLevel = DefaultLogLevel
	}
	return p
}

// Validate reports configuration errors that would stop the daemon.
func (p Profile) Validate() error {
	switch p.Backend {
	case BackendWS:
		if p.ServerURL == "" {
			return fmt.Errorf("backend %q requires server_url", p.Backend)
		}
		u, err := url.Parse(p.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid server_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid server_url %q: scheme must be http or https", p.ServerURL)
		}
		if p.Self.ID == "" {
			return fmt.Errorf("backend %q requires self.id", p.Backend)
		}
	case BackendWhatsApp:
	default:
		return fmt.Errorf("unknown backend %q", p.Backend)
	}
	return nil
}
