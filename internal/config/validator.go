package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "layout.panes")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Pane count bounds.
const (
	MinPanes = 2
	MaxPanes = 6
)

// sessionNameRegex matches names tmux accepts without quoting surprises.
var sessionNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// versionRegex matches "3", "3.3" or "3.3a".
var versionRegex = regexp.MustCompile(`^\d+(\.\d+)?[a-z]?$`)

// ValidRuntimeKinds returns the list of valid runtime kinds
func ValidRuntimeKinds() []string {
	return []string{"local", "wsl", "container"}
}

// ValidLayouts returns the list of valid layout names
func ValidLayouts() []string {
	return []string{"grid", "horizontal", "vertical"}
}

// ValidCleanupPolicies returns the list of valid cleanup policies
func ValidCleanupPolicies() []string {
	return []string{"session", "persistent"}
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateRuntime()...)
	errors = append(errors, c.validateLayout()...)
	errors = append(errors, c.validatePaths()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateTmux()...)
	errors = append(errors, c.validateHooks()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePresets()...)

	if c.Concurrency.MaxParallel < 1 {
		errors = append(errors, ValidationError{
			Field:   "concurrency.max_parallel",
			Value:   c.Concurrency.MaxParallel,
			Message: "must be at least 1",
		})
	}
	if c.Discovery.MaxDepth < 1 {
		errors = append(errors, ValidationError{
			Field:   "discovery.max_depth",
			Value:   c.Discovery.MaxDepth,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateRuntime() []ValidationError {
	var errors []ValidationError

	switch c.Runtime.Kind {
	case "local":
	case "wsl":
		if strings.TrimSpace(c.Runtime.Distribution) == "" {
			errors = append(errors, ValidationError{
				Field:   "runtime.distribution",
				Value:   c.Runtime.Distribution,
				Message: "is required when runtime.kind is wsl",
			})
		}
	case "container":
		if strings.TrimSpace(c.Runtime.Container) == "" {
			errors = append(errors, ValidationError{
				Field:   "runtime.container",
				Value:   c.Runtime.Container,
				Message: "is required when runtime.kind is container",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "runtime.kind",
			Value:   c.Runtime.Kind,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidRuntimeKinds(), ", ")),
		})
	}

	if c.Runtime.CommandTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "runtime.command_timeout",
			Value:   c.Runtime.CommandTimeout,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLayout() []ValidationError {
	var errors []ValidationError

	errors = append(errors, checkLayout("layout.default", c.Layout.Default)...)
	errors = append(errors, checkPanes("layout.panes", c.Layout.Panes)...)
	errors = append(errors, checkCleanup("cleanup.policy", c.Cleanup.Policy)...)

	return errors
}

func checkLayout(field, value string) []ValidationError {
	if slices.Contains(ValidLayouts(), value) {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLayouts(), ", ")),
	}}
}

func checkPanes(field string, value int) []ValidationError {
	if value >= MinPanes && value <= MaxPanes {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be between %d and %d", MinPanes, MaxPanes),
	}}
}

func checkCleanup(field, value string) []ValidationError {
	if slices.Contains(ValidCleanupPolicies(), value) {
		return nil
	}
	return []ValidationError{{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCleanupPolicies(), ", ")),
	}}
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	path := c.Paths.WorkspaceRoot
	if strings.TrimSpace(path) == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.workspace_root",
			Value:   path,
			Message: "must not be empty",
		})
	}
	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "paths.workspace_root",
			Value:   path,
			Message: "path contains invalid null character",
		})
	}
	if path != "" && path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "/") && !isDrivePath(path) {
		errors = append(errors, ValidationError{
			Field:   "paths.workspace_root",
			Value:   path,
			Message: "must be absolute or start with ~",
		})
	}

	return errors
}

func isDrivePath(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError

	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Value:   c.Retry.MaxAttempts,
			Message: "must be between 1 and 10",
		})
	}
	if c.Retry.InitialBackoff <= 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.initial_backoff",
			Value:   c.Retry.InitialBackoff,
			Message: "must be positive",
		})
	}
	if c.Retry.Multiplier < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.multiplier",
			Value:   c.Retry.Multiplier,
			Message: "must be at least 1",
		})
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.jitter",
			Value:   c.Retry.Jitter,
			Message: "must be in [0, 1)",
		})
	}

	return errors
}

func (c *Config) validateTmux() []ValidationError {
	var errors []ValidationError

	if !sessionNameRegex.MatchString(c.Tmux.SessionName) {
		errors = append(errors, ValidationError{
			Field:   "tmux.session_name",
			Value:   c.Tmux.SessionName,
			Message: "must contain only letters, digits, '-' and '_'",
		})
	}
	if !versionRegex.MatchString(c.Tmux.MinVersion) {
		errors = append(errors, ValidationError{
			Field:   "tmux.min_version",
			Value:   c.Tmux.MinVersion,
			Message: "must look like 2.6 or 3.3a",
		})
	}
	if c.Tmux.Socket != "" && !sessionNameRegex.MatchString(c.Tmux.Socket) {
		errors = append(errors, ValidationError{
			Field:   "tmux.socket",
			Value:   c.Tmux.Socket,
			Message: "must contain only letters, digits, '-' and '_'",
		})
	}

	return errors
}

func (c *Config) validateHooks() []ValidationError {
	var errors []ValidationError

	if len(c.Hooks.PostCreate) > 0 && c.Hooks.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "hooks.timeout",
			Value:   c.Hooks.Timeout,
			Message: "must be positive when hooks are configured",
		})
	}
	if c.Hooks.Timeout > time.Hour {
		errors = append(errors, ValidationError{
			Field:   "hooks.timeout",
			Value:   c.Hooks.Timeout,
			Message: "exceeds maximum of 1h",
		})
	}
	for i, cmd := range c.Hooks.PostCreate {
		if strings.TrimSpace(cmd) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("hooks.post_create[%d]", i),
				Value:   cmd,
				Message: "must not be empty",
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 1 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validatePresets() []ValidationError {
	var errors []ValidationError

	for _, name := range c.PresetNames() {
		p := c.Presets[name]
		prefix := "presets." + name
		if p.Layout != "" {
			errors = append(errors, checkLayout(prefix+".layout", p.Layout)...)
		}
		if p.Panes != 0 {
			errors = append(errors, checkPanes(prefix+".panes", p.Panes)...)
		}
		if p.Cleanup != "" {
			errors = append(errors, checkCleanup(prefix+".cleanup", p.Cleanup)...)
		}
	}

	return errors
}
