// Package config loads tasksync settings from tasksync.yaml, TASKSYNC_*
// environment variables and built-in defaults, and maps them onto the
// per-package configs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tasksync/tasksync/internal/batch"
	"github.com/tasksync/tasksync/internal/calendar"
	"github.com/tasksync/tasksync/internal/changeset"
	"github.com/tasksync/tasksync/internal/daemon"
	"github.com/tasksync/tasksync/internal/dashboard"
	"github.com/tasksync/tasksync/internal/engine"
	"github.com/tasksync/tasksync/internal/routing"
	"github.com/tasksync/tasksync/internal/safety"
	"github.com/tasksync/tasksync/internal/scanner"
)

// FileName is the config file name searched for without extension.
const FileName = "tasksync"

// EnvPrefix prefixes environment overrides, e.g. TASKSYNC_CALENDAR_TOKEN.
const EnvPrefix = "TASKSYNC"

// Config is the full settings tree.
type Config struct {
	Vault     scanner.Config        `mapstructure:"vault"`
	Calendar  CalendarConfig        `mapstructure:"calendar"`
	Routing   RoutingConfig         `mapstructure:"routing"`
	Policy    PolicyConfig          `mapstructure:"policy"`
	Event     calendar.EventOptions `mapstructure:"event"`
	Sync      SyncConfig            `mapstructure:"sync"`
	State     StateConfig           `mapstructure:"state"`
	Archive   ArchiveConfig         `mapstructure:"archive"`
	Log       LogConfig             `mapstructure:"log"`
	Dashboard DashboardConfig       `mapstructure:"dashboard"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// CalendarConfig is the remote API section.
type CalendarConfig struct {
	calendar.Config `mapstructure:",squash"`

	BatchSize  int           `mapstructure:"batch_size"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// PathRule routes documents under Prefix to Calendar. Prefixes are kept as
// a list because map keys lose their case on load.
type PathRule struct {
	Prefix   string `mapstructure:"prefix"`
	Calendar string `mapstructure:"calendar"`
}

// RoutingConfig is the calendar routing section.
type RoutingConfig struct {
	DefaultCalendar string            `mapstructure:"default_calendar"`
	Tags            map[string]string `mapstructure:"tags"`
	Paths           []PathRule        `mapstructure:"paths"`
}

// PolicyConfig holds the behavior switches.
type PolicyConfig struct {
	Reroute        string `mapstructure:"reroute"`
	Completed      string `mapstructure:"completed"`
	SafeMode       bool   `mapstructure:"safe_mode"`
	ExternalDelete string `mapstructure:"external_delete"`
}

// SyncConfig controls the daemon's cycle triggers.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// StateConfig locates the shared and writer-local state.
type StateConfig struct {
	Path       string `mapstructure:"path"`
	WriterPath string `mapstructure:"writer_path"`
}

// LockPath is the cycle lock file next to the state database.
func (s StateConfig) LockPath() string {
	return s.Path + ".sync.lock"
}

// ArchiveConfig controls deleted-event retention.
type ArchiveConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// LogConfig controls the diagnostic log sink.
type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// DashboardConfig controls the review server.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// setDefaults registers every key so env overrides and Unmarshal see it.
func setDefaults(v *viper.Viper) {
	vault := scanner.DefaultConfig()
	v.SetDefault("vault.root", vault.Root)
	v.SetDefault("vault.extensions", vault.Extensions)
	v.SetDefault("vault.exclude_prefixes", vault.ExcludePrefixes)
	v.SetDefault("vault.exclude_paths", []string{})

	cal := calendar.DefaultConfig()
	b := batch.DefaultConfig()
	v.SetDefault("calendar.base_url", cal.BaseURL)
	v.SetDefault("calendar.token", "")
	v.SetDefault("calendar.requests_per_second", cal.RequestsPerSecond)
	v.SetDefault("calendar.timeout", cal.Timeout)
	v.SetDefault("calendar.batch_size", b.MaxBatchSize)
	v.SetDefault("calendar.retry_delay", b.RetryDelay)

	v.SetDefault("routing.default_calendar", "")
	v.SetDefault("routing.tags", map[string]string{})

	p := changeset.DefaultPolicy()
	v.SetDefault("policy.reroute", string(p.Reroute))
	v.SetDefault("policy.completed", string(p.Completed))
	v.SetDefault("policy.safe_mode", p.SafeMode)
	v.SetDefault("policy.external_delete", string(engine.ExternalAsk))

	ev := calendar.DefaultEventOptions()
	v.SetDefault("event.default_duration", ev.DefaultDuration)
	v.SetDefault("event.reminders", ev.Reminders)
	v.SetDefault("event.time_zone", ev.TimeZone)

	d := daemon.DefaultConfig()
	v.SetDefault("sync.interval", d.Interval)
	v.SetDefault("sync.debounce", d.Debounce)

	v.SetDefault("state.path", filepath.Join(".tasksync", "state.db"))
	v.SetDefault("state.writer_path", filepath.Join(".tasksync", "writer.yaml"))

	v.SetDefault("archive.retention", safety.DefaultRetention)

	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("dashboard.port", dashboard.DefaultConfig().Port)
}

// Default returns the configuration used when no file or env is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

// Load reads the config file at path, or searches the working directory and
// $HOME/.config/tasksync when path is empty. A missing file is not an
// error; an explicit path that cannot be read is.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "tasksync"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Calendar.BatchSize <= 0 || c.Calendar.BatchSize > batch.MaxAPIBatchSize {
		return fmt.Errorf("calendar.batch_size must be between 1 and %d, got %d", batch.MaxAPIBatchSize, c.Calendar.BatchSize)
	}
	if c.Calendar.RequestsPerSecond < 0 {
		return fmt.Errorf("calendar.requests_per_second must not be negative")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Archive.Retention <= 0 {
		return fmt.Errorf("archive.retention must be positive")
	}
	for _, r := range c.Routing.Paths {
		if r.Prefix == "" || r.Calendar == "" {
			return fmt.Errorf("routing.paths entries need both prefix and calendar")
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (want debug, info, warn or error)", c.Log.Level)
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}

// Rules converts the routing section.
func (c *Config) Rules() routing.Rules {
	rules := routing.Rules{
		DefaultCalendar: c.Routing.DefaultCalendar,
		Tags:            c.Routing.Tags,
		Paths:           make(map[string]string, len(c.Routing.Paths)),
	}
	for _, r := range c.Routing.Paths {
		rules.Paths[r.Prefix] = r.Calendar
	}
	return rules
}

// EngineConfig builds the engine settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Policy: changeset.Policy{
			Reroute:   changeset.RerouteMode(c.Policy.Reroute),
			Completed: changeset.CompletedPolicy(c.Policy.Completed),
			SafeMode:  c.Policy.SafeMode,
		},
		External: engine.ExternalPolicy(c.Policy.ExternalDelete),
		Routing:  c.Rules(),
		Event:    c.Event,
		Batch: batch.Config{
			MaxBatchSize: c.Calendar.BatchSize,
			RetryDelay:   c.Calendar.RetryDelay,
		},
		Retention: c.Archive.Retention,
		LockPath:  c.State.LockPath(),
	}
}

// CalendarClientConfig builds the HTTP client settings.
func (c *Config) CalendarClientConfig() calendar.Config {
	return c.Calendar.Config
}

// DaemonConfig builds the daemon settings. The caller sets OnCycle.
func (c *Config) DaemonConfig() daemon.Config {
	d := daemon.DefaultConfig()
	d.Root = c.Vault.Root
	sc := scanner.New(c.Vault, nil)
	d.Filter = daemon.Filter{Extensions: c.Vault.Extensions, Excluded: sc.Excluded}
	d.Interval = c.Sync.Interval
	d.Debounce = c.Sync.Debounce
	return d
}
