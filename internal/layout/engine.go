package layout

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/event"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/retry"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
	"github.com/wkaandemir/branch-nexus/internal/tmux"
)

// State is the Engine's position in its lifecycle.
type State int

const (
	StateUnbootstrapped State = iota
	StateBootstrapped
	StateSessionBuilt
	StateAttached
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbootstrapped:
		return "unbootstrapped"
	case StateBootstrapped:
		return "bootstrapped"
	case StateSessionBuilt:
		return "session-built"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultPollInterval is how often a detached or released session is
// checked for liveness.
const DefaultPollInterval = time.Second

// Default detached session size, used when no terminal size is known.
const (
	DefaultWidth  = 200
	DefaultHeight = 50
)

// DefaultMinVersion is the oldest tmux with full-span splits and the
// client-resized hook.
var DefaultMinVersion = tmux.Version{Major: 2, Minor: 6}

// Options configure an Engine.
type Options struct {
	MinVersion   tmux.Version
	AutoInstall  bool
	PollInterval time.Duration
	// Width and Height size the detached session; zero uses the defaults.
	Width  int
	Height int
	// Retry bounds how long a briefly unreachable tmux server is tolerated
	// while waiting for the session to end.
	Retry  retry.Policy
	Bus    *event.Bus
	Logger *logging.Logger
}

// Engine drives one tmux session through
// Unbootstrapped → Bootstrapped → SessionBuilt → Attached → Closed.
// Transitions cannot be skipped or reordered; Close is allowed from any
// state.
type Engine struct {
	client *tmux.Client
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	state   State
	session string
	plan    Plan
	paneIDs []string
	version tmux.Version
}

// NewEngine creates an Engine over client.
func NewEngine(client *tmux.Client, opts Options) *Engine {
	if opts.MinVersion == (tmux.Version{}) {
		opts.MinVersion = DefaultMinVersion
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = DefaultWidth, DefaultHeight
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Engine{client: client, opts: opts, logger: logger.WithStage(string(errors.StageLayout))}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Session returns the tmux session name once built.
func (e *Engine) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// PaneIDs returns the tmux pane ids in creation order.
func (e *Engine) PaneIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.paneIDs...)
}

// Version returns the tmux version found by Bootstrap.
func (e *Engine) Version() tmux.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// expect fails with ErrInvalidTransition unless the engine is in want.
func (e *Engine) expect(want State, next State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != want {
		return errors.NewExecutionError(
			fmt.Sprintf("layout cannot move from %s to %s", e.state, next),
			errors.ErrInvalidTransition,
		).WithStage(errors.StageLayout)
	}
	return nil
}

func (e *Engine) advance(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	session := e.session
	e.mu.Unlock()

	e.logger.Debug("layout state changed", "from", from.String(), "to", to.String())
	e.opts.Bus.Publish(event.NewLayoutStateEvent(session, from.String(), to.String()))
}

// Bootstrap verifies that tmux is present and recent enough, installing it
// first when AutoInstall is set. Every failure is Fatal.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.expect(StateUnbootstrapped, StateBootstrapped); err != nil {
		return err
	}

	rt := e.client.Runtime()
	found, err := runtime.Which(ctx, rt, tmux.Binary)
	if err != nil {
		return errors.WithContext(err, errors.StageBootstrap, "")
	}
	if !found {
		osRelease := e.client.OSRelease(ctx)
		if !e.opts.AutoInstall {
			return missingTmux(rt, tmux.InstallHint(osRelease))
		}
		if err := e.client.TryInstall(ctx); err != nil {
			return errors.WithContext(err, errors.StageBootstrap, "")
		}
		if found, err = runtime.Which(ctx, rt, tmux.Binary); err != nil {
			return errors.WithContext(err, errors.StageBootstrap, "")
		}
		if !found {
			return missingTmux(rt, tmux.InstallHint(osRelease))
		}
	}

	v, err := e.client.Version(ctx)
	if err != nil {
		return errors.NewTmuxError("cannot determine tmux version", errors.ErrMultiplexerMissing).
			WithStage(errors.StageBootstrap).
			WithHint(err.Error())
	}
	if !v.AtLeast(e.opts.MinVersion) {
		return errors.NewTmuxError(fmt.Sprintf("tmux %s is older than %s", v, e.opts.MinVersion), errors.ErrMultiplexerMissing).
			WithStage(errors.StageBootstrap).
			WithHint(fmt.Sprintf("upgrade tmux to %s or newer", e.opts.MinVersion))
	}

	e.mu.Lock()
	e.version = v
	e.mu.Unlock()
	e.logger.Info("tmux ready", "version", v.String(), "runtime", rt.String())
	e.advance(StateBootstrapped)
	return nil
}

func missingTmux(rt runtime.Handle, hint string) error {
	return errors.NewTmuxError("tmux not found in "+rt.String(), errors.ErrMultiplexerMissing).
		WithStage(errors.StageBootstrap).
		WithHint(hint)
}

// Build creates session name from plan. A stale session with the same name
// is killed and creation retried once. A failed build kills whatever was
// created and leaves the engine Bootstrapped.
func (e *Engine) Build(ctx context.Context, name string, plan Plan) error {
	if err := e.expect(StateBootstrapped, StateSessionBuilt); err != nil {
		return err
	}
	if len(plan.Panes) == 0 {
		return errors.NewConfigurationError("layout plan has no panes").WithStage(errors.StageLayout)
	}

	ids, err := e.build(ctx, name, plan)
	if err != nil {
		if killErr := e.client.KillSession(context.WithoutCancel(ctx), name); killErr != nil {
			e.logger.Warn("failed to kill partial session", "session", name, "error", killErr.Error())
		}
		return errors.WithContext(err, errors.StageLayout, "")
	}

	e.mu.Lock()
	e.session = name
	e.plan = plan
	e.paneIDs = ids
	e.mu.Unlock()
	e.logger.Info("session built", "session", name, "layout", string(plan.Kind), "panes", len(ids))
	e.advance(StateSessionBuilt)
	return nil
}

func (e *Engine) build(ctx context.Context, name string, plan Plan) ([]string, error) {
	first, err := e.newSession(ctx, name, plan.Panes[0])
	if err != nil {
		return nil, err
	}
	ids := []string{first}

	for _, s := range plan.Splits {
		pane := plan.Panes[s.Pane]
		args := append([]string{"split-window", "-P", "-F", "#{pane_id}", "-t", ids[s.Target]}, s.Flags()...)
		args = append(args, "-c", pane.Bound.Path)
		if pane.Entry != "" {
			args = append(args, pane.Entry)
		}
		id, err := e.client.Check(ctx, args...)
		if err != nil {
			return nil, withSession(err, name)
		}
		ids = append(ids, id)
		// Re-arranging after every split keeps panes large enough to split again.
		if _, err := e.client.Check(ctx, "select-layout", "-t", ids[0], plan.Arrange); err != nil {
			return nil, withSession(err, name)
		}
	}

	if err := e.configure(ctx, name, ids[0], plan); err != nil {
		return nil, err
	}
	return ids, nil
}

func (e *Engine) newSession(ctx context.Context, name string, first Pane) (string, error) {
	args := []string{
		"new-session", "-d", "-P", "-F", "#{pane_id}",
		"-s", name,
		"-x", strconv.Itoa(e.opts.Width),
		"-y", strconv.Itoa(e.opts.Height),
		"-c", first.Bound.Path,
	}
	if first.Entry != "" {
		args = append(args, first.Entry)
	}

	var id string
	err := retry.Do(ctx, "tmux new-session", retry.Policy{MaxAttempts: 2, InitialBackoff: 100 * time.Millisecond}, func(ctx context.Context, attempt int) error {
		res, err := e.client.Run(ctx, args...)
		if err != nil {
			return err
		}
		if res.Success() {
			id = res.Output()
			return nil
		}
		if tmux.IsDuplicateSession(res.Stderr) && attempt == 1 {
			e.logger.Warn("replacing stale session", "session", name)
			if err := e.client.KillSession(ctx, name); err != nil {
				return err
			}
			return errors.NewTmuxError("duplicate session", nil).
				WithKind(errors.Recoverable).
				WithSession(name)
		}
		return errors.NewTmuxError("tmux new-session failed", fmt.Errorf("exit status %d", res.ExitCode)).
			WithSession(name).
			WithOutput(res.Stderr)
	})
	return id, err
}

// configure applies the final layout and the mouse and resize settings.
func (e *Engine) configure(ctx context.Context, name, firstPane string, plan Plan) error {
	target := "=" + name
	steps := [][]string{
		{"select-layout", "-t", firstPane, plan.Arrange},
		{"set-option", "-t", target, "mouse", "on"},
		{"bind-key", "-n", "WheelUpPane", "if-shell", "-F", "-t", "=", "#{mouse_any_flag}", "send-keys -M", "if -Ft= '#{pane_in_mode}' 'send-keys -M' 'copy-mode -e'"},
		{"bind-key", "-n", "WheelDownPane", "select-pane", "-t", "=", ";", "send-keys", "-M"},
		{"set-hook", "-t", target, "client-resized", "select-layout -t " + firstPane + " " + plan.Arrange},
		{"select-pane", "-t", firstPane},
	}
	for _, args := range steps {
		if _, err := e.client.Check(ctx, args...); err != nil {
			return withSession(err, name)
		}
	}
	return nil
}

func withSession(err error, name string) error {
	var te *errors.TmuxError
	if errors.As(err, &te) {
		te.WithSession(name)
	}
	return err
}

// Attach hands control to the session. With interactive set, the terminal
// is attached until the user detaches; the engine then waits for the
// session to end. Otherwise it only waits. Attach returns when the session
// is gone or ctx is done.
func (e *Engine) Attach(ctx context.Context, interactive bool) error {
	if err := e.expect(StateSessionBuilt, StateAttached); err != nil {
		return err
	}
	name := e.Session()
	e.advance(StateAttached)

	if interactive {
		if err := e.client.Attach(ctx, name); err != nil {
			return err
		}
		e.logger.Info("client detached", "session", name)
	}
	return e.Wait(ctx)
}

// Wait polls until the session no longer exists or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	name := e.Session()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		var alive bool
		err := retry.DoNotify(ctx, "tmux has-session", e.opts.Retry, func(ctx context.Context, _ int) error {
			var err error
			alive, err = e.client.HasSession(ctx, name)
			return err
		}, func(attempt int, err error, wait time.Duration) {
			e.logger.Warn("session liveness check failed", "session", name, "attempt", attempt, "error", err.Error())
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.WithContext(err, errors.StageAttach, "")
		}
		if !alive {
			e.logger.Info("session ended", "session", name)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close kills the session if one was built and moves to Closed. Closing a
// closed engine is a no-op.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	state, name := e.state, e.session
	e.mu.Unlock()

	if state == StateClosed {
		return nil
	}
	var err error
	if name != "" && (state == StateSessionBuilt || state == StateAttached) {
		err = e.client.KillSession(ctx, name)
	}
	e.advance(StateClosed)
	return err
}
