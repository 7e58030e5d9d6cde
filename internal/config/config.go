package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/retry"
)

// EnvPrefix is the prefix of environment overrides, e.g. BRANCHNEXUS_LAYOUT_PANES.
const EnvPrefix = "BRANCHNEXUS"

// TokenEnvVars are consulted in order when auth.token is not set in a file.
var TokenEnvVars = []string{"BRANCHNEXUS_GH_TOKEN", "GH_TOKEN", "GITHUB_TOKEN"}

// Config is the complete branchnexus configuration. It is built once per run
// and passed explicitly to every component.
type Config struct {
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Layout      LayoutConfig      `mapstructure:"layout"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Retry       retry.Policy      `mapstructure:"retry"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Tmux        TmuxConfig        `mapstructure:"tmux"`
	Hooks       HooksConfig       `mapstructure:"hooks"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Presets     map[string]Preset `mapstructure:"presets"`
}

// RuntimeConfig selects the execution context.
type RuntimeConfig struct {
	// Kind is one of "local", "wsl", "container".
	Kind string `mapstructure:"kind"`
	// Distribution is the WSL distribution id (kind "wsl").
	Distribution string `mapstructure:"distribution"`
	// Container is the running container name (kind "container").
	Container string `mapstructure:"container"`
	// Engine is the container CLI (default: "docker").
	Engine string `mapstructure:"engine"`
	// CommandTimeout bounds every git invocation.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// LayoutConfig controls pane geometry.
type LayoutConfig struct {
	// Default is one of "grid", "horizontal", "vertical".
	Default string `mapstructure:"default"`
	// Panes is the number of panes wanted, in [2,6].
	Panes int `mapstructure:"panes"`
}

// CleanupConfig controls what happens to worktrees when a session closes.
type CleanupConfig struct {
	// Policy is "session" (remove on close) or "persistent" (keep).
	Policy string `mapstructure:"policy"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// WorkspaceRoot holds clones and worktrees. "~" expands to the home
	// directory of the execution context.
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

// AuthConfig holds credentials for private repositories.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// ConcurrencyConfig bounds parallel provisioning.
type ConcurrencyConfig struct {
	MaxParallel int `mapstructure:"max_parallel"`
}

// TmuxConfig controls the multiplexer.
type TmuxConfig struct {
	SessionName string `mapstructure:"session_name"`
	MinVersion  string `mapstructure:"min_version"`
	// AutoInstall tries a non-interactive package install when tmux is missing.
	AutoInstall bool `mapstructure:"auto_install"`
	// Socket isolates the tmux server with -L when non-empty.
	Socket string `mapstructure:"socket"`
}

// HooksConfig lists commands run in every new worktree.
type HooksConfig struct {
	PostCreate []string      `mapstructure:"post_create"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// Trusted allows any command; otherwise argv[0] must match AllowPrefixes.
	Trusted       bool     `mapstructure:"trusted"`
	AllowPrefixes []string `mapstructure:"allow_prefixes"`
}

// LoggingConfig controls the log sink.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// DiscoveryConfig controls local repository discovery.
type DiscoveryConfig struct {
	// Ignore holds glob patterns matched against repository paths.
	Ignore   []string `mapstructure:"ignore"`
	MaxDepth int      `mapstructure:"max_depth"`
}

// Preset bundles layout choices under a name.
type Preset struct {
	Layout  string `mapstructure:"layout"`
	Panes   int    `mapstructure:"panes"`
	Cleanup string `mapstructure:"cleanup"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Kind:           "local",
			Engine:         "docker",
			CommandTimeout: 2 * time.Minute,
		},
		Layout: LayoutConfig{
			Default: "grid",
			Panes:   4,
		},
		Cleanup: CleanupConfig{
			Policy: "session",
		},
		Paths: PathsConfig{
			WorkspaceRoot: "~/branchnexus-workspace",
		},
		Retry: retry.DefaultPolicy(),
		Concurrency: ConcurrencyConfig{
			MaxParallel: 4,
		},
		Tmux: TmuxConfig{
			SessionName: "branchnexus",
			MinVersion:  "2.6",
		},
		Hooks: HooksConfig{
			Timeout:       30 * time.Second,
			AllowPrefixes: []string{"make", "npm", "pnpm", "yarn", "go", "pip", "uv", "cargo", "git"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Discovery: DiscoveryConfig{
			Ignore:   []string{"**/node_modules/**", "**/.cache/**"},
			MaxDepth: 4,
		},
		Presets: map[string]Preset{
			"pair":  {Layout: "horizontal", Panes: 2, Cleanup: "session"},
			"quad":  {Layout: "grid", Panes: 4, Cleanup: "session"},
			"stack": {Layout: "vertical", Panes: 3, Cleanup: "persistent"},
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("runtime.kind", defaults.Runtime.Kind)
	v.SetDefault("runtime.distribution", defaults.Runtime.Distribution)
	v.SetDefault("runtime.container", defaults.Runtime.Container)
	v.SetDefault("runtime.engine", defaults.Runtime.Engine)
	v.SetDefault("runtime.command_timeout", defaults.Runtime.CommandTimeout)

	v.SetDefault("layout.default", defaults.Layout.Default)
	v.SetDefault("layout.panes", defaults.Layout.Panes)

	v.SetDefault("cleanup.policy", defaults.Cleanup.Policy)

	v.SetDefault("paths.workspace_root", defaults.Paths.WorkspaceRoot)

	v.SetDefault("auth.token", "")

	v.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", defaults.Retry.InitialBackoff)
	v.SetDefault("retry.multiplier", defaults.Retry.Multiplier)
	v.SetDefault("retry.max_backoff", defaults.Retry.MaxBackoff)
	v.SetDefault("retry.jitter", defaults.Retry.Jitter)

	v.SetDefault("concurrency.max_parallel", defaults.Concurrency.MaxParallel)

	v.SetDefault("tmux.session_name", defaults.Tmux.SessionName)
	v.SetDefault("tmux.min_version", defaults.Tmux.MinVersion)
	v.SetDefault("tmux.auto_install", defaults.Tmux.AutoInstall)
	v.SetDefault("tmux.socket", defaults.Tmux.Socket)

	v.SetDefault("hooks.post_create", defaults.Hooks.PostCreate)
	v.SetDefault("hooks.timeout", defaults.Hooks.Timeout)
	v.SetDefault("hooks.trusted", defaults.Hooks.Trusted)
	v.SetDefault("hooks.allow_prefixes", defaults.Hooks.AllowPrefixes)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	v.SetDefault("discovery.ignore", defaults.Discovery.Ignore)
	v.SetDefault("discovery.max_depth", defaults.Discovery.MaxDepth)

	presets := make(map[string]any, len(defaults.Presets))
	for name, p := range defaults.Presets {
		presets[name] = map[string]any{"layout": p.Layout, "panes": p.Panes, "cleanup": p.Cleanup}
	}
	v.SetDefault("presets", presets)
}

// BindEnv wires environment overrides into v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(append([]string{"auth.token"}, TokenEnvVars...)...)
}

// Load decodes v into a Config and validates it. Validation failures are
// returned as a ConfigurationError wrapping ValidationErrors.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigurationError("failed to decode configuration").WithCause(err)
	}

	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Check runs Validate and wraps any findings in a ConfigurationError.
func (c *Config) Check() error {
	errs := c.Validate()
	if len(errs) == 0 {
		return nil
	}
	return errors.NewConfigurationError("invalid configuration").
		WithField(errs[0].Field).
		WithCause(ValidationErrors(errs)).
		WithHint("fix " + errs[0].Field + " in " + ConfigFile() + " or the matching flag")
}

// ApplyPreset overlays the named preset onto the layout and cleanup settings.
func (c *Config) ApplyPreset(name string) error {
	p, ok := c.Presets[name]
	if !ok {
		return errors.NewConfigurationError("unknown preset " + name).
			WithField("presets").
			WithHint("define [presets." + name + "] or pick one of: " + strings.Join(c.PresetNames(), ", "))
	}
	if p.Layout != "" {
		c.Layout.Default = p.Layout
	}
	if p.Panes != 0 {
		c.Layout.Panes = p.Panes
	}
	if p.Cleanup != "" {
		c.Cleanup.Policy = p.Cleanup
	}
	return c.Check()
}

// PresetNames returns the configured preset names, sorted.
func (c *Config) PresetNames() []string {
	names := make([]string, 0, len(c.Presets))
	for n := range c.Presets {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ResolveWorkspaceRoot expands "~" against home, the home directory of the
// execution context, and cleans the result.
func (p *PathsConfig) ResolveWorkspaceRoot(home string) string {
	path := p.WorkspaceRoot
	switch {
	case path == "~":
		path = home
	case strings.HasPrefix(path, "~/"):
		path = home + "/" + path[2:]
	}
	return filepath.Clean(path)
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "branchnexus")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".branchnexus"
	}
	return filepath.Join(home, ".config", "branchnexus")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// StateDir returns the directory for logs and run reports.
func StateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "branchnexus")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".branchnexus"
	}
	return filepath.Join(home, ".local", "state", "branchnexus")
}
