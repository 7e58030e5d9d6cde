// Package errors provides the failure taxonomy shared by every component
// that drives an external process. Each error carries a Kind (Recoverable or
// Fatal), the Stage of the run it came from, the branch it concerns, and a
// remediation hint that can be shown to the user.
//
// # Error Types
//
// Taxonomy errors classify a failure for the retry executor:
//   - ConfigurationError: invalid configuration (Fatal)
//   - ExecutionError: a process could not be launched (Fatal)
//   - RecoverableError: transient failure, retried with backoff
//   - AuthenticationError: credential rejected (Fatal, never retried)
//   - StaleStateError: on-disk state disagrees with metadata (internal)
//   - ExhaustedError: a Recoverable operation ran out of attempts (Fatal)
//
// Domain errors carry command output and take their kind at construction:
//   - GitError: errors from git invocations
//   - TmuxError: errors from multiplexer invocations
//
// # Usage
//
//	err := errors.NewConfigurationError("panes must be between 2 and 6").
//		WithField("layout.panes").
//		WithHint("set layout.panes to a value in [2,6]")
//
//	err := errors.NewGitError("worktree add failed", cause).
//		WithKind(errors.Recoverable).
//		WithBranch("feature-x").
//		WithGitOutput(stderr)
//
//	if errors.IsRecoverable(err) { ... }
//	if errors.IsAuthentication(err) { ... }
//
// Any error that does not carry a kind is Fatal.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind is the two-way classification attached to every fallible outcome.
type Kind int

const (
	// Fatal failures propagate with zero retries.
	Fatal Kind = iota
	// Recoverable failures are retried with backoff up to a bounded count.
	Recoverable
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case Fatal:
		return "fatal"
	case Recoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// MarshalText lets the kind appear by name in run reports.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Stage names the part of a run that produced a failure.
type Stage string

const (
	StageConfig      Stage = "config"
	StageDiscovery   Stage = "discovery"
	StageMaterialize Stage = "materialize"
	StageProvision   Stage = "provision"
	StageBootstrap   Stage = "bootstrap"
	StageLayout      Stage = "layout"
	StageAttach      Stage = "attach"
	StageTeardown    Stage = "teardown"
	StageReset       Stage = "reset"
	StageHook        Stage = "hook"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Configuration sentinel errors
var (
	// ErrUnknownDistribution indicates a distribution id that discovery did not return.
	ErrUnknownDistribution = New("unknown distribution")
	// ErrInvalidPaneCount indicates panes outside the supported range.
	ErrInvalidPaneCount = New("invalid pane count")
	// ErrUnsupportedLayout indicates a layout name that is not grid, horizontal or vertical.
	ErrUnsupportedLayout = New("unsupported layout")
	// ErrPathCollision indicates two branch names that sanitize to the same path.
	ErrPathCollision = New("worktree path collision")
)

// Runtime and multiplexer sentinel errors
var (
	// ErrBinaryNotFound indicates a required executable is missing.
	ErrBinaryNotFound = New("executable not found")
	// ErrMultiplexerMissing indicates tmux is absent or too old.
	ErrMultiplexerMissing = New("multiplexer unavailable")
	// ErrCommandTimeout indicates a command exceeded its caller timeout.
	ErrCommandTimeout = New("command timed out")
)

// Lifecycle sentinel errors
var (
	// ErrInvalidTransition indicates a state machine step out of order.
	ErrInvalidTransition = New("invalid state transition")
	// ErrBranchInUse indicates the branch is checked out at a path outside the workspace root.
	ErrBranchInUse = New("branch checked out elsewhere")
	// ErrIncompleteClone indicates a prior clone did not finish.
	ErrIncompleteClone = New("incomplete clone")
	// ErrBranchNotFound indicates a branch with neither a local nor a remote ref.
	ErrBranchNotFound = New("branch not found")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// NexusError is implemented by every error in this package.
type NexusError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Kind reports whether the failure may be retried.
	Kind() Kind

	// Stage returns the run stage the failure belongs to, if known.
	Stage() Stage

	// BranchName returns the branch the failure concerns, if any.
	BranchName() string

	// Hint returns a remediation hint for the user, if any.
	Hint() string
}

// annotator lets WithContext fill missing stage and branch on any error type.
type annotator interface {
	annotate(stage Stage, branch string)
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message string
	cause   error
	kind    Kind
	stage   Stage
	branch  string
	hint    string
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Kind returns the failure kind.
func (e *baseError) Kind() Kind {
	return e.kind
}

// Stage returns the run stage.
func (e *baseError) Stage() Stage {
	return e.stage
}

// BranchName returns the branch name.
func (e *baseError) BranchName() string {
	return e.branch
}

// Hint returns the remediation hint.
func (e *baseError) Hint() string {
	return e.hint
}

func (e *baseError) annotate(stage Stage, branch string) {
	if e.stage == "" {
		e.stage = stage
	}
	if e.branch == "" {
		e.branch = branch
	}
}

// context renders the bracketed key=value block used by Error().
func (e *baseError) context(extra ...string) string {
	var parts []string
	if e.stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.stage))
	}
	if e.branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.branch))
	}
	for _, x := range extra {
		if x != "" {
			parts = append(parts, x)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " [" + strings.Join(parts, ", ") + "]"
}

func (e *baseError) format(prefix string, extra ...string) string {
	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return fmt.Sprintf("%s%s: %s", prefix, e.context(extra...), msg)
}

func field(key, value string) string {
	if value == "" {
		return ""
	}
	return key + "=" + value
}

// -----------------------------------------------------------------------------
// Taxonomy Errors
// -----------------------------------------------------------------------------

// ConfigurationError reports an invalid configuration value. Always Fatal.
//
// Example:
//
//	err := errors.NewConfigurationError("unsupported layout").
//		WithField("layout.default").
//		WithCause(errors.ErrUnsupportedLayout)
type ConfigurationError struct {
	baseError
	Field string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{
		baseError: baseError{message: message, kind: Fatal, stage: StageConfig},
	}
}

// WithField names the offending configuration key.
func (e *ConfigurationError) WithField(f string) *ConfigurationError {
	e.Field = f
	return e
}

// WithCause sets the underlying error.
func (e *ConfigurationError) WithCause(cause error) *ConfigurationError {
	e.cause = cause
	return e
}

// WithStage overrides the stage.
func (e *ConfigurationError) WithStage(s Stage) *ConfigurationError {
	e.stage = s
	return e
}

// WithBranch adds a branch name to the error context.
func (e *ConfigurationError) WithBranch(branch string) *ConfigurationError {
	e.branch = branch
	return e
}

// WithHint sets the remediation hint.
func (e *ConfigurationError) WithHint(hint string) *ConfigurationError {
	e.hint = hint
	return e
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	return e.format("configuration error", field("field", e.Field))
}

// ExecutionError reports a process that could not be launched. Always Fatal.
type ExecutionError struct {
	baseError
	Command string
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(message string, cause error) *ExecutionError {
	return &ExecutionError{
		baseError: baseError{message: message, cause: cause, kind: Fatal},
	}
}

// WithCommand records the command line that failed to launch.
func (e *ExecutionError) WithCommand(cmd string) *ExecutionError {
	e.Command = cmd
	return e
}

// WithStage sets the stage.
func (e *ExecutionError) WithStage(s Stage) *ExecutionError {
	e.stage = s
	return e
}

// WithBranch adds a branch name to the error context.
func (e *ExecutionError) WithBranch(branch string) *ExecutionError {
	e.branch = branch
	return e
}

// WithHint sets the remediation hint.
func (e *ExecutionError) WithHint(hint string) *ExecutionError {
	e.hint = hint
	return e
}

// Error returns the formatted error message.
func (e *ExecutionError) Error() string {
	return e.format("execution error", field("cmd", e.Command))
}

// RecoverableError reports a transient failure that may succeed on retry.
type RecoverableError struct {
	baseError
}

// NewRecoverableError creates a new RecoverableError.
func NewRecoverableError(message string, cause error) *RecoverableError {
	return &RecoverableError{
		baseError: baseError{message: message, cause: cause, kind: Recoverable},
	}
}

// WithStage sets the stage.
func (e *RecoverableError) WithStage(s Stage) *RecoverableError {
	e.stage = s
	return e
}

// WithBranch adds a branch name to the error context.
func (e *RecoverableError) WithBranch(branch string) *RecoverableError {
	e.branch = branch
	return e
}

// WithHint sets the remediation hint.
func (e *RecoverableError) WithHint(hint string) *RecoverableError {
	e.hint = hint
	return e
}

// Error returns the formatted error message.
func (e *RecoverableError) Error() string {
	return e.format("transient error")
}

// AuthenticationError reports a rejected credential. It is Fatal and a
// distinct type so a caller can re-prompt instead of retrying.
type AuthenticationError struct {
	baseError
	Host string
}

// NewAuthenticationError creates a new AuthenticationError.
func NewAuthenticationError(message string, cause error) *AuthenticationError {
	return &AuthenticationError{
		baseError: baseError{
			message: message,
			cause:   cause,
			kind:    Fatal,
			hint:    "check the access token (BRANCHNEXUS_GH_TOKEN, GH_TOKEN or GITHUB_TOKEN) and its repository permissions",
		},
	}
}

// WithHost records the host that rejected the credential.
func (e *AuthenticationError) WithHost(host string) *AuthenticationError {
	e.Host = host
	return e
}

// WithStage sets the stage.
func (e *AuthenticationError) WithStage(s Stage) *AuthenticationError {
	e.stage = s
	return e
}

// WithBranch adds a branch name to the error context.
func (e *AuthenticationError) WithBranch(branch string) *AuthenticationError {
	e.branch = branch
	return e
}

// WithHint overrides the remediation hint.
func (e *AuthenticationError) WithHint(hint string) *AuthenticationError {
	e.hint = hint
	return e
}

// Error returns the formatted error message.
func (e *AuthenticationError) Error() string {
	return e.format("authentication error", field("host", e.Host))
}

// StaleStateError reports a worktree whose on-disk state disagrees with its
// metadata. It never leaves the worktree manager; it triggers a recreate.
type StaleStateError struct {
	baseError
	Path string
}

// NewStaleStateError creates a new StaleStateError.
func NewStaleStateError(path, reason string) *StaleStateError {
	return &StaleStateError{
		baseError: baseError{message: reason, kind: Recoverable, stage: StageProvision},
		Path:      path,
	}
}

// Error returns the formatted error message.
func (e *StaleStateError) Error() string {
	return e.format("stale worktree", field("path", e.Path))
}

// ExhaustedError is the terminal failure of a Recoverable operation whose
// attempts ran out. It is Fatal so outer layers do not retry it again.
type ExhaustedError struct {
	baseError
	Operation string
	Attempts  int
}

// NewExhaustedError wraps the last recoverable failure of an operation.
func NewExhaustedError(operation string, attempts int, last error) *ExhaustedError {
	e := &ExhaustedError{
		baseError: baseError{
			message: fmt.Sprintf("%s failed after %d attempts", operation, attempts),
			cause:   last,
			kind:    Fatal,
		},
		Operation: operation,
		Attempts:  attempts,
	}
	var ne NexusError
	if As(last, &ne) {
		e.stage = ne.Stage()
		e.branch = ne.BranchName()
		e.hint = ne.Hint()
	}
	return e
}

// Error returns the formatted error message.
func (e *ExhaustedError) Error() string {
	return e.format("retries exhausted")
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", cause)
//	err = err.WithBranch("feature-x").WithWorktree("/path/to/worktree")
type GitError struct {
	baseError
	Worktree   string
	Repository string
	GitOutput  string
}

// NewGitError creates a new GitError. It is Fatal unless WithKind says otherwise.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{message: message, cause: cause, kind: Fatal},
	}
}

// WithKind sets the failure kind.
func (e *GitError) WithKind(k Kind) *GitError {
	e.kind = k
	return e
}

// WithStage sets the stage.
func (e *GitError) WithStage(s Stage) *GitError {
	e.stage = s
	return e
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// WithHint sets the remediation hint.
func (e *GitError) WithHint(hint string) *GitError {
	e.hint = hint
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	msg := e.format("git error", field("worktree", e.Worktree), field("repo", e.Repository))
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// TmuxError represents errors from multiplexer invocations.
type TmuxError struct {
	baseError
	Session string
	Output  string
}

// NewTmuxError creates a new TmuxError. It is Fatal unless WithKind says otherwise.
func NewTmuxError(message string, cause error) *TmuxError {
	return &TmuxError{
		baseError: baseError{message: message, cause: cause, kind: Fatal},
	}
}

// WithKind sets the failure kind.
func (e *TmuxError) WithKind(k Kind) *TmuxError {
	e.kind = k
	return e
}

// WithStage sets the stage.
func (e *TmuxError) WithStage(s Stage) *TmuxError {
	e.stage = s
	return e
}

// WithSession adds a tmux session name to the error context.
func (e *TmuxError) WithSession(name string) *TmuxError {
	e.Session = name
	return e
}

// WithOutput adds tmux output to the error context.
func (e *TmuxError) WithOutput(output string) *TmuxError {
	e.Output = strings.TrimSpace(output)
	return e
}

// WithHint sets the remediation hint.
func (e *TmuxError) WithHint(hint string) *TmuxError {
	e.hint = hint
	return e
}

// Error returns the formatted error message.
func (e *TmuxError) Error() string {
	msg := e.format("tmux error", field("session", e.Session))
	if e.Output != "" {
		msg = fmt.Sprintf("%s\ntmux output: %s", msg, e.Output)
	}
	return msg
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// KindOf returns the kind of err. Errors outside this package are Fatal.
func KindOf(err error) Kind {
	var ne NexusError
	if As(err, &ne) {
		return ne.Kind()
	}
	return Fatal
}

// IsRecoverable reports whether err may be retried.
func IsRecoverable(err error) bool {
	return err != nil && KindOf(err) == Recoverable
}

// IsFatal reports whether err must propagate without retry.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == Fatal
}

// IsAuthentication reports whether err is, or wraps, an AuthenticationError.
func IsAuthentication(err error) bool {
	var ae *AuthenticationError
	return As(err, &ae)
}

// IsStale reports whether err is, or wraps, a StaleStateError.
func IsStale(err error) bool {
	var se *StaleStateError
	return As(err, &se)
}

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return As(err, &ce)
}

// StageOf returns the first stage found on the error chain.
func StageOf(err error) Stage {
	var stage Stage
	walk(err, func(ne NexusError) bool {
		stage = ne.Stage()
		return stage != ""
	})
	return stage
}

// walk visits the chain depth-first, including every branch of a joined
// error, until visit returns true.
func walk(err error, visit func(NexusError) bool) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(NexusError); ok && visit(ne) {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return walk(u.Unwrap(), visit)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if walk(e, visit) {
				return true
			}
		}
	}
	return false
}

// HintOf returns the first remediation hint found on the error chain.
func HintOf(err error) string {
	var hint string
	walk(err, func(ne NexusError) bool {
		hint = ne.Hint()
		return hint != ""
	})
	return hint
}

// BranchOf returns the first branch found on the error chain.
func BranchOf(err error) string {
	var branch string
	walk(err, func(ne NexusError) bool {
		branch = ne.BranchName()
		return branch != ""
	})
	return branch
}

// WithContext fills in stage and branch on err where they are missing.
// Errors from outside this package are wrapped in a Fatal ExecutionError so
// that every surfaced failure carries a stage.
func WithContext(err error, stage Stage, branch string) error {
	if err == nil {
		return nil
	}
	var a annotator
	if As(err, &a) {
		a.annotate(stage, branch)
		return err
	}
	return NewExecutionError("operation failed", err).WithStage(stage).WithBranch(branch)
}

// Failure is the structured, serializable form of a surfaced error.
type Failure struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Stage   Stage  `json:"stage,omitempty" yaml:"stage,omitempty"`
	Branch  string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Message string `json:"message" yaml:"message"`
	Hint    string `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// Describe converts err into a Failure. An exhausted transient failure is
// described as Recoverable: the run may succeed if tried again later.
func Describe(err error) *Failure {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	var exhausted *ExhaustedError
	if As(err, &exhausted) {
		kind = Recoverable
	}
	return &Failure{
		Kind:    kind,
		Stage:   StageOf(err),
		Branch:  BranchOf(err),
		Message: err.Error(),
		Hint:    HintOf(err),
	}
}

// -----------------------------------------------------------------------------
// Exit Codes
// -----------------------------------------------------------------------------

// Process exit codes used by the CLI.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInvalidArgs = 2
	ExitConfig      = 3
	ExitRuntime     = 4
	ExitGit         = 5
	ExitMultiplexer = 6
)

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		ce *ConfigurationError
		ee *ExecutionError
		ge *GitError
		te *TmuxError
		ae *AuthenticationError
	)
	switch {
	case As(err, &ce):
		return ExitConfig
	case As(err, &te), Is(err, ErrMultiplexerMissing):
		return ExitMultiplexer
	case As(err, &ge), As(err, &ae):
		return ExitGit
	case As(err, &ee):
		return ExitRuntime
	default:
		return ExitFailure
	}
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike a fresh error, this preserves the NexusError on the chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
