package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig locates the permit API and its push endpoint.
type ServerConfig struct {
	// BaseURL is the root of the REST API (e.g. https://permits.example.com).
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// PushURL is the websocket endpoint delivering entity-change events.
	PushURL string `mapstructure:"push_url" yaml:"push_url"`
}

// SessionConfig controls the client-side inactivity policy.
type SessionConfig struct {
	// Window is the inactivity gap after which a session is expired.
	Window time.Duration `mapstructure:"window" yaml:"window"`

	// ActivityDebounce bounds persisted activity writes to one per
	// rolling window of this length.
	ActivityDebounce time.Duration `mapstructure:"activity_debounce" yaml:"activity_debounce"`

	// CheckInterval is how often a foreground session re-checks the gap.
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`

	// Backend selects the persisted session store: "sqlite" or "keyring".
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// StoreConfig locates the local database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig selects log format and verbosity.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ViewConfig binds one screen to a resource collection.
type ViewConfig struct {
	// Key identifies the view; it must be unique.
	Key string `mapstructure:"key" yaml:"key"`

	// Resource is the collection fetched for the view.
	Resource ResourceKind `mapstructure:"resource" yaml:"resource"`

	// PollIntervalMs is the fixed poll cadence in milliseconds.
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`

	// Events lists the push event names that trigger a refresh.
	Events []string `mapstructure:"events" yaml:"events"`
}

// PollInterval returns PollIntervalMs as a duration.
func (v ViewConfig) PollInterval() time.Duration {
	return time.Duration(v.PollIntervalMs) * time.Millisecond
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Views   []ViewConfig  `mapstructure:"views" yaml:"views"`
}

const (
	DefaultWindow           = 10 * time.Minute
	DefaultActivityDebounce = time.Second
	DefaultCheckInterval    = 30 * time.Second
)

// DefaultConfigPath returns ~/.config/permiso/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// DefaultStorePath returns ~/.config/permiso/permiso.db.
func DefaultStorePath() string {
	return filepath.Join(configDir(), "permiso.db")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "permiso")
}

// DefaultViews returns the screens the client mounts when none are
// configured.
func DefaultViews() []ViewConfig {
	return []ViewConfig{
		{Key: "projects", Resource: ResourceProjects, PollIntervalMs: 15000, Events: []string{"project_changed"}},
		{Key: "notifications", Resource: ResourceNotifications, PollIntervalMs: 30000, Events: []string{"notification_created"}},
		{Key: "permits", Resource: ResourcePermits, PollIntervalMs: 15000, Events: []string{"permit_changed"}},
	}
}

// defaultAppConfig returns a configuration usable against a local server.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
			PushURL: "ws://localhost:8080/ws",
		},
		Session: SessionConfig{
			Window:           DefaultWindow,
			ActivityDebounce: DefaultActivityDebounce,
			CheckInterval:    DefaultCheckInterval,
			Backend:          "sqlite",
		},
		Store: StoreConfig{Path: DefaultStorePath()},
		Log:   LogConfig{Level: "info", Format: "text"},
		Views: DefaultViews(),
	}
}

// setDefaults registers defaults so missing keys resolve sensibly.
func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("server.base_url", d.Server.BaseURL)
	v.SetDefault("server.push_url", d.Server.PushURL)
	v.SetDefault("session.window", d.Session.Window)
	v.SetDefault("session.activity_debounce", d.Session.ActivityDebounce)
	v.SetDefault("session.check_interval", d.Session.CheckInterval)
	v.SetDefault("session.backend", d.Session.Backend)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// LoadConfig reads configuration from the YAML file at path into v,
// which may carry flag bindings. A nil v gets a fresh instance. A
// missing file yields the defaults.
func LoadConfig(v *viper.Viper, path string) (*AppConfig, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PERMISO")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	cfg.Views = nil
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if len(cfg.Views) == 0 {
		cfg.Views = DefaultViews()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the session and sync layers cannot honor.
func (c *AppConfig) Validate() error {
	if c.Session.Window <= 0 {
		return fmt.Errorf("session.window must be positive, got %s", c.Session.Window)
	}
	if c.Session.ActivityDebounce <= 0 {
		return fmt.Errorf("session.activity_debounce must be positive, got %s", c.Session.ActivityDebounce)
	}
	if c.Session.CheckInterval <= 0 {
		return fmt.Errorf("session.check_interval must be positive, got %s", c.Session.CheckInterval)
	}
	switch c.Session.Backend {
	case "sqlite", "keyring":
	default:
		return fmt.Errorf("session.backend must be sqlite or keyring, got %q", c.Session.Backend)
	}

	seen := make(map[string]bool, len(c.Views))
	for i, view := range c.Views {
		if view.Key == "" {
			return fmt.Errorf("views[%d]: key is required", i)
		}
		if seen[view.Key] {
			return fmt.Errorf("views[%d]: duplicate key %q", i, view.Key)
		}
		seen[view.Key] = true
		if view.PollIntervalMs <= 0 {
			return fmt.Errorf("view %q: poll_interval_ms must be positive", view.Key)
		}
		if view.Resource == "" {
			return fmt.Errorf("view %q: resource is required", view.Key)
		}
	}
	return nil
}

// SaveConfig writes cfg as YAML to path, creating parent directories.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("server", cfg.Server)
	v.Set("session", map[string]any{
		"window":            cfg.Session.Window.String(),
		"activity_debounce": cfg.Session.ActivityDebounce.String(),
		"check_interval":    cfg.Session.CheckInterval.String(),
		"backend":           cfg.Session.Backend,
	})
	v.Set("store", cfg.Store)
	v.Set("log", cfg.Log)
	v.Set("views", cfg.Views)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
