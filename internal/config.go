package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/scriptorium/internal/conflicts"
	"github.com/starford/scriptorium/internal/leader"
	"github.com/starford/scriptorium/internal/netstatus"
	"github.com/starford/scriptorium/internal/persist"
	"github.com/starford/scriptorium/internal/syncer"
	"github.com/starford/scriptorium/internal/workspace"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Storage   StorageConfig     `yaml:"storage"`
	Sync      SyncConfig        `yaml:"sync"`
	Leader    LeaderConfig      `yaml:"leader"`
	Conflicts ConflictsConfig   `yaml:"conflicts"`
	Auth      AuthConfig        `yaml:"auth"`
	Authority AuthorityConfig   `yaml:"authority"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Leader.Validate(); err != nil {
		return fmt.Errorf("leader: %w", err)
	}
	if err := c.Conflicts.Validate(); err != nil {
		return fmt.Errorf("conflicts: %w", err)
	}
	if err := c.Authority.Validate(); err != nil {
		return fmt.Errorf("authority: %w", err)
	}
	return c.Auth.Validate()
}

// Workspace converts the configuration into session settings.
func (c *Config) Workspace() workspace.Config {
	return workspace.Config{
		DataDir:      c.Storage.DataDir,
		MetaDebounce: c.Storage.MetaDebounce,
		Persist: persist.Config{
			IdleTimeout:   c.Storage.IdleTimeout,
			BulkThreshold: c.Storage.BulkThreshold,
			Retention:     time.Duration(c.Storage.RetentionDays) * 24 * time.Hour,
		},
		SweepInterval: c.Storage.SweepInterval,
		Sync: workspace.SyncConfig{
			Enabled:       c.Sync.Enabled,
			RemoteURL:     c.Sync.RemoteURL,
			Token:         c.Sync.Token,
			ProbeInterval: c.Sync.ProbeInterval,
			Engine: syncer.Config{
				Mode:     syncer.Mode(c.Sync.Mode),
				Debounce: c.Sync.Debounce,
				Tick:     c.Sync.Tick,
			},
		},
		Leader: leader.Config{
			LeaseDuration: c.Leader.LeaseDuration,
			RenewInterval: c.Leader.RenewInterval,
		},
		ConflictPolicy: conflicts.Policy(c.Conflicts.Policy),
	}
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StorageConfig holds the shared data directory and persistence tuning.
type StorageConfig struct {
	DataDir       string        `yaml:"data_dir"`
	RetentionDays int           `yaml:"retention_days"`
	MetaDebounce  time.Duration `yaml:"meta_debounce"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	BulkThreshold int           `yaml:"bulk_threshold"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.RetentionDays, validation.Required, validation.Min(1)),
		validation.Field(&c.MetaDebounce, validation.Min(time.Duration(0))),
		validation.Field(&c.IdleTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.BulkThreshold, validation.Min(0)),
	)
}

// SyncConfig holds remote delivery settings. Enabled is usually driven by
// ${APP_SYNC_ENABLED}.
type SyncConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Mode          string        `yaml:"mode"`
	RemoteURL     string        `yaml:"remote_url"`
	Token         string        `yaml:"token"`
	Debounce      time.Duration `yaml:"debounce"`
	Tick          time.Duration `yaml:"tick"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = string(syncer.ModeEvents)
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.In(string(syncer.ModeEvents), string(syncer.ModeSnapshot))),
		validation.Field(&c.RemoteURL, validation.When(c.Enabled, validation.Required)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.Tick, validation.Min(time.Duration(0))),
	)
}

// LeaderConfig tunes the lease fallback of leader election.
type LeaderConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// Validate validates the leader configuration. Renewal must happen well
// inside the lease.
func (c *LeaderConfig) Validate() error {
	if c.LeaseDuration > 0 && c.RenewInterval >= c.LeaseDuration {
		return fmt.Errorf("renew_interval %s must be shorter than lease_duration %s", c.RenewInterval, c.LeaseDuration)
	}
	return nil
}

// ConflictsConfig selects how conflicts are resolved.
type ConflictsConfig struct {
	Policy string `yaml:"policy"`
}

// Validate validates the conflicts configuration.
func (c *ConflictsConfig) Validate() error {
	if c.Policy == "" {
		c.Policy = string(conflicts.PolicyManual)
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Policy, validation.In(
			string(conflicts.PolicyManual), string(conflicts.PolicyRemote), string(conflicts.PolicyLocal))),
	)
}

// AuthorityConfig holds settings of the reference authority server.
type AuthorityConfig struct {
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// Address returns the authority listen address.
func (c *AuthorityConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the authority configuration.
func (c *AuthorityConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Storage: StorageConfig{
			DataDir:       "./data",
			RetentionDays: 30,
			MetaDebounce:  120 * time.Millisecond,
			IdleTimeout:   persist.DefaultIdleTimeout,
			BulkThreshold: persist.DefaultBulkThreshold,
			SweepInterval: workspace.DefaultSweepInterval,
		},
		Sync: SyncConfig{
			Mode:          string(syncer.ModeEvents),
			RemoteURL:     "http://127.0.0.1:8090",
			Debounce:      syncer.DefaultDebounce,
			Tick:          syncer.DefaultTick,
			ProbeInterval: netstatus.DefaultInterval,
		},
		Leader: LeaderConfig{
			LeaseDuration: leader.DefaultLeaseDuration,
			RenewInterval: leader.DefaultRenewInterval,
		},
		Conflicts: ConflictsConfig{
			Policy: string(conflicts.PolicyManual),
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Authority: AuthorityConfig{
			Port: 8090,
		},
	}
}
