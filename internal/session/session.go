// Package session tracks one branchnexus session from bootstrapping to
// closed and applies its cleanup policy exactly once.
//
// A Manager owns the worktrees provisioned for the session and the layout
// bound to them. Close kills the multiplexer session, then removes every
// owned worktree when the policy is "session", best-effort: one failed
// removal does not stop the others and every outcome lands in the
// CleanupReport.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/event"
	"github.com/wkaandemir/branch-nexus/internal/layout"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
	"github.com/wkaandemir/branch-nexus/internal/worktree"
)

// State is the lifecycle position of a session.
type State string

const (
	StateBootstrapping State = "bootstrapping"
	StateActive        State = "active"
	StateTearingDown   State = "tearing-down"
	StateClosed        State = "closed"
)

// Policy decides what happens to worktrees when the session closes.
type Policy string

const (
	// PolicySession removes every owned worktree on close.
	PolicySession Policy = "session"
	// PolicyPersistent keeps worktrees after close.
	PolicyPersistent Policy = "persistent"
)

// ParsePolicy validates a cleanup policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySession, PolicyPersistent:
		return p, nil
	}
	return "", errors.NewConfigurationError(fmt.Sprintf("unknown cleanup policy %q", s)).
		WithField("cleanup.policy").
		WithHint("use session or persistent")
}

// Remover removes a worktree. *worktree.Manager implements it.
type Remover interface {
	Remove(ctx context.Context, wt *worktree.Worktree) error
}

// Closer ends the multiplexer session. *layout.Engine implements it.
type Closer interface {
	Close(ctx context.Context) error
}

// Pane binds a multiplexer pane to a worktree.
type Pane struct {
	Index    int                `json:"index" yaml:"index"`
	Cell     layout.Cell        `json:"cell" yaml:"cell"`
	PaneID   string             `json:"pane_id,omitempty" yaml:"pane_id,omitempty"`
	Worktree *worktree.Worktree `json:"worktree" yaml:"worktree"`
}

// Session is a point-in-time view of a Manager.
type Session struct {
	ID        string       `json:"id" yaml:"id"`
	Runtime   runtime.Kind `json:"runtime" yaml:"runtime"`
	Layout    layout.Kind  `json:"layout" yaml:"layout"`
	Policy    Policy       `json:"cleanup_policy" yaml:"cleanup_policy"`
	State     State        `json:"state" yaml:"state"`
	CreatedAt time.Time    `json:"created_at" yaml:"created_at"`
	Panes     []Pane       `json:"panes" yaml:"panes"`
}

// Cleanup actions.
const (
	ActionRemoved = "removed"
	ActionKept    = "kept"
	ActionFailed  = "failed"
)

// CleanupEntry is the outcome for one worktree.
type CleanupEntry struct {
	Branch string `json:"branch" yaml:"branch"`
	Path   string `json:"path" yaml:"path"`
	Action string `json:"action" yaml:"action"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// CleanupReport lists what Close did to each owned worktree.
type CleanupReport struct {
	Policy  Policy         `json:"policy" yaml:"policy"`
	Entries []CleanupEntry `json:"entries" yaml:"entries"`
}

// Failed returns the entries whose removal failed.
func (r *CleanupReport) Failed() []CleanupEntry {
	if r == nil {
		return nil
	}
	var out []CleanupEntry
	for _, e := range r.Entries {
		if e.Action == ActionFailed {
			out = append(out, e)
		}
	}
	return out
}

// Options configure a Manager.
type Options struct {
	// ID names the session; empty generates a random one.
	ID      string
	Runtime runtime.Kind
	Layout  layout.Kind
	Policy  Policy
	Bus     *event.Bus
	Logger  *logging.Logger
}

// Manager drives one session through
// Bootstrapping → Active → TearingDown → Closed.
type Manager struct {
	id        string
	opts      Options
	remover   Remover
	logger    *logging.Logger
	createdAt time.Time

	mu     sync.Mutex
	state  State
	owned  []*worktree.Worktree
	panes  []Pane
	layout Closer

	stop     chan struct{}
	stopOnce sync.Once

	closeMu sync.Mutex
	report  *CleanupReport
}

// NewManager creates a session in Bootstrapping. The cleanup policy is
// fixed here for the session's lifetime.
func NewManager(remover Remover, opts Options) (*Manager, error) {
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	opts.Policy = policy
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		id:        id,
		opts:      opts,
		remover:   remover,
		logger:    logger.WithSession(id),
		createdAt: time.Now(),
		state:     StateBootstrapping,
		stop:      make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (m *Manager) ID() string {
	return m.id
}

// Policy returns the cleanup policy.
func (m *Manager) Policy() Policy {
	return m.opts.Policy
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) invalid(to State) error {
	return errors.NewExecutionError(
		fmt.Sprintf("session cannot move from %s to %s", m.state, to),
		errors.ErrInvalidTransition,
	).WithStage(errors.StageLayout)
}

// transition moves from one of from to to. Callers hold m.mu.
func (m *Manager) transition(to State, from ...State) error {
	for _, f := range from {
		if m.state == f {
			prev := m.state
			m.state = to
			m.logger.Info("session state changed", "from", string(prev), "to", string(to))
			m.opts.Bus.Publish(event.NewSessionStateEvent(m.id, string(prev), string(to)))
			return nil
		}
	}
	return m.invalid(to)
}

// Adopt records a worktree provisioned for this session. Adopting the same
// path twice is a no-op.
func (m *Manager) Adopt(wt *worktree.Worktree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateBootstrapping {
		return errors.NewExecutionError("cannot adopt worktrees in state "+string(m.state), errors.ErrInvalidTransition).
			WithStage(errors.StageProvision)
	}
	if !m.owns(wt.Path) {
		m.owned = append(m.owned, wt)
	}
	return nil
}

// Owned returns the adopted worktrees in adoption order.
func (m *Manager) Owned() []*worktree.Worktree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*worktree.Worktree(nil), m.owned...)
}

// Bind attaches the built layout. Every pane must reference a distinct,
// Ready, adopted worktree.
func (m *Manager) Bind(panes []Pane, closer Closer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateBootstrapping {
		return m.invalid(StateActive)
	}

	seen := make(map[string]bool, len(panes))
	for _, p := range panes {
		wt := p.Worktree
		switch {
		case wt == nil:
			return errors.NewExecutionError(fmt.Sprintf("pane %d has no worktree", p.Index), nil).WithStage(errors.StageLayout)
		case wt.State != worktree.StateReady:
			return errors.NewExecutionError(fmt.Sprintf("pane %d worktree %s is %s, not ready", p.Index, wt.Path, wt.State), nil).
				WithStage(errors.StageLayout).
				WithBranch(wt.Branch.Name)
		case seen[wt.Path]:
			return errors.NewExecutionError(fmt.Sprintf("worktree %s bound to more than one pane", wt.Path), nil).
				WithStage(errors.StageLayout).
				WithBranch(wt.Branch.Name)
		}
		seen[wt.Path] = true
	}
	for _, p := range panes {
		if !m.owns(p.Worktree.Path) {
			m.owned = append(m.owned, p.Worktree)
		}
	}
	m.panes = append([]Pane(nil), panes...)
	m.layout = closer
	return nil
}

func (m *Manager) owns(path string) bool {
	for _, o := range m.owned {
		if o.Path == path {
			return true
		}
	}
	return false
}

// Activate moves a bound session to Active.
func (m *Manager) Activate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.panes) == 0 {
		return errors.NewExecutionError("session has no panes", nil).WithStage(errors.StageLayout)
	}
	return m.transition(StateActive, StateBootstrapping)
}

// Stop requests teardown. It is safe to call more than once and from any
// goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("stop requested")
		close(m.stop)
	})
}

// StopRequested is closed once Stop has been called.
func (m *Manager) StopRequested() <-chan struct{} {
	return m.stop
}

// Close tears the session down and returns the cleanup report. It runs the
// policy at most once; later calls return the first report. The returned
// error joins the individual failures and never hides the report.
func (m *Manager) Close(ctx context.Context) (*CleanupReport, error) {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	m.mu.Lock()
	if m.state == StateClosed {
		report := m.report
		m.mu.Unlock()
		return report, nil
	}
	if err := m.transition(StateTearingDown, StateBootstrapping, StateActive); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	owned := append([]*worktree.Worktree(nil), m.owned...)
	closer := m.layout
	m.mu.Unlock()

	var failures []error
	if closer != nil {
		if err := closer.Close(ctx); err != nil {
			m.logger.Warn("failed to close multiplexer session", "error", err.Error())
			failures = append(failures, errors.WithContext(err, errors.StageTeardown, ""))
		}
	}

	report := &CleanupReport{Policy: m.opts.Policy}
	for _, wt := range owned {
		entry := CleanupEntry{Branch: wt.Branch.Name, Path: wt.Path, Action: ActionKept}
		if m.opts.Policy == PolicySession {
			if err := m.remover.Remove(ctx, wt); err != nil {
				entry.Action = ActionFailed
				entry.Error = err.Error()
				failures = append(failures, errors.WithContext(err, errors.StageTeardown, wt.Branch.Name))
				m.logger.Error("failed to remove worktree", "branch", wt.Branch.Name, "path", wt.Path, "error", err.Error())
				m.opts.Bus.Publish(event.NewCleanupEvent(wt.Branch.Name, wt.Path, err))
			} else {
				entry.Action = ActionRemoved
				m.opts.Bus.Publish(event.NewCleanupEvent(wt.Branch.Name, wt.Path, nil))
			}
		}
		report.Entries = append(report.Entries, entry)
	}

	m.mu.Lock()
	m.report = report
	_ = m.transition(StateClosed, StateTearingDown)
	m.mu.Unlock()
	return report, errors.Join(failures...)
}

// Snapshot returns the current view of the session.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Session{
		ID:        m.id,
		Runtime:   m.opts.Runtime,
		Layout:    m.opts.Layout,
		Policy:    m.opts.Policy,
		State:     m.state,
		CreatedAt: m.createdAt,
		Panes:     append([]Pane(nil), m.panes...),
	}
}
