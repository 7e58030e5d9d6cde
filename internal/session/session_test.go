package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/event"
	"github.com/wkaandemir/branch-nexus/internal/layout"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
	"github.com/wkaandemir/branch-nexus/internal/worktree"
)

type fakeRemover struct {
	mu      sync.Mutex
	fail    map[string]error
	removed []string
}

func (f *fakeRemover) Remove(_ context.Context, wt *worktree.Worktree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[wt.Path]; err != nil {
		return err
	}
	f.removed = append(f.removed, wt.Path)
	wt.State = worktree.StateRemoved
	return nil
}

type fakeCloser struct{ closed int }

func (f *fakeCloser) Close(context.Context) error {
	f.closed++
	return nil
}

func readyWorktree(branch string) *worktree.Worktree {
	return &worktree.Worktree{
		Branch:     worktree.BranchRef{Name: branch},
		Path:       "/w/app/" + branch,
		Repository: "/src/app",
		State:      worktree.StateReady,
	}
}

func newTestManager(t *testing.T, policy Policy, remover Remover) (*Manager, *event.Bus) {
	t.Helper()
	bus := event.NewBus(nil)
	m, err := NewManager(remover, Options{Runtime: runtime.KindLocal, Layout: layout.Horizontal, Policy: policy, Bus: bus})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, bus
}

func panesFor(wts ...*worktree.Worktree) []Pane {
	panes := make([]Pane, len(wts))
	for i, wt := range wts {
		panes[i] = Pane{Index: i, Cell: layout.Cell{Row: 0, Col: i}, PaneID: fmt.Sprintf("%%%d", i), Worktree: wt}
	}
	return panes
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"session", PolicySession, false},
		{"Persistent", PolicyPersistent, false},
		{"forever", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePolicy() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParsePolicy() = %q, want %q", got, tt.want)
			}
			if err != nil && !errors.IsConfiguration(err) {
				t.Errorf("error = %T, want ConfigurationError", err)
			}
		})
	}
}

func TestManager_SessionPolicyRemovesEverything(t *testing.T) {
	ctx := context.Background()
	remover := &fakeRemover{}
	m, bus := newTestManager(t, PolicySession, remover)

	var states []string
	bus.Subscribe(event.TypeSessionState, func(e event.Event) {
		states = append(states, e.(event.SessionStateEvent).To)
	})

	main, feature, excess := readyWorktree("main"), readyWorktree("feature-x"), readyWorktree("extra")
	for _, wt := range []*worktree.Worktree{main, feature, excess} {
		if err := m.Adopt(wt); err != nil {
			t.Fatalf("Adopt() error = %v", err)
		}
	}
	closer := &fakeCloser{}
	if err := m.Bind(panesFor(main, feature), closer); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := m.Activate(); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	report, err := m.Close(ctx)
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if closer.closed != 1 {
		t.Errorf("layout closed %d times, want 1", closer.closed)
	}
	want := []string{"/w/app/main", "/w/app/feature-x", "/w/app/extra"}
	if !slices.Equal(remover.removed, want) {
		t.Errorf("removed = %v, want %v", remover.removed, want)
	}
	for _, e := range report.Entries {
		if e.Action != ActionRemoved {
			t.Errorf("entry %+v, want removed", e)
		}
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %s, want closed", m.State())
	}
	wantStates := []string{"active", "tearing-down", "closed"}
	if !slices.Equal(states, wantStates) {
		t.Errorf("states = %v, want %v", states, wantStates)
	}

	again, err := m.Close(ctx)
	if err != nil || again != report {
		t.Errorf("second Close() = %p, %v; want first report", again, err)
	}
	if len(remover.removed) != 3 {
		t.Errorf("worktrees removed %d times, want exactly once each", len(remover.removed))
	}
}

func TestManager_PersistentPolicyKeepsWorktrees(t *testing.T) {
	remover := &fakeRemover{}
	m, _ := newTestManager(t, PolicyPersistent, remover)
	main := readyWorktree("main")
	_ = m.Adopt(main)
	_ = m.Bind(panesFor(main), &fakeCloser{})
	_ = m.Activate()

	report, err := m.Close(context.Background())
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(remover.removed) != 0 {
		t.Errorf("removed = %v, want none", remover.removed)
	}
	if len(report.Entries) != 1 || report.Entries[0].Action != ActionKept {
		t.Errorf("report = %+v", report)
	}
}

func TestManager_BestEffortTeardown(t *testing.T) {
	a, b, c := readyWorktree("a"), readyWorktree("b"), readyWorktree("c")
	remover := &fakeRemover{fail: map[string]error{b.Path: errors.NewGitError("worktree remove failed", nil)}}
	m, _ := newTestManager(t, PolicySession, remover)
	_ = m.Bind(panesFor(a, b, c), &fakeCloser{})
	_ = m.Activate()

	report, err := m.Close(context.Background())
	if err == nil {
		t.Fatal("Close() error = nil, want joined failure")
	}
	if errors.StageOf(err) != errors.StageTeardown {
		t.Errorf("StageOf() = %q, want teardown", errors.StageOf(err))
	}
	if !slices.Equal(remover.removed, []string{a.Path, c.Path}) {
		t.Errorf("removed = %v, want a and c", remover.removed)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Branch != "b" || failed[0].Error == "" {
		t.Errorf("Failed() = %+v", failed)
	}
	if m.State() != StateClosed {
		t.Errorf("State() = %s, want closed", m.State())
	}
}

func TestManager_RollbackFromBootstrapping(t *testing.T) {
	remover := &fakeRemover{}
	m, _ := newTestManager(t, PolicySession, remover)
	_ = m.Adopt(readyWorktree("a"))

	report, err := m.Close(context.Background())
	if err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(report.Entries) != 1 || len(remover.removed) != 1 {
		t.Errorf("report = %+v removed = %v", report, remover.removed)
	}
}

func TestManager_BindInvariants(t *testing.T) {
	tests := []struct {
		name  string
		panes func() []Pane
	}{
		{"nil worktree", func() []Pane { return []Pane{{Index: 0}} }},
		{"not ready", func() []Pane {
			wt := readyWorktree("a")
			wt.State = worktree.StateStale
			return panesFor(wt)
		}},
		{"shared worktree", func() []Pane {
			wt := readyWorktree("a")
			return panesFor(wt, wt)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, PolicySession, &fakeRemover{})
			if err := m.Bind(tt.panes(), nil); err == nil {
				t.Error("Bind() error = nil, want invariant violation")
			}
		})
	}
}

func TestManager_TransitionsInOrder(t *testing.T) {
	m, _ := newTestManager(t, PolicySession, &fakeRemover{})
	if err := m.Activate(); err == nil {
		t.Error("Activate() without panes succeeded")
	}
	a := readyWorktree("a")
	_ = m.Bind(panesFor(a), nil)
	_ = m.Activate()
	if err := m.Activate(); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second Activate() error = %v, want ErrInvalidTransition", err)
	}
	if err := m.Adopt(readyWorktree("b")); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("Adopt() while active error = %v", err)
	}
}

func TestManager_Stop(t *testing.T) {
	m, _ := newTestManager(t, PolicySession, &fakeRemover{})
	select {
	case <-m.StopRequested():
		t.Fatal("stop requested before Stop()")
	default:
	}
	m.Stop()
	m.Stop()
	select {
	case <-m.StopRequested():
	default:
		t.Fatal("StopRequested() not closed after Stop()")
	}
}

func TestManager_Snapshot(t *testing.T) {
	m, _ := newTestManager(t, PolicyPersistent, &fakeRemover{})
	a := readyWorktree("a")
	_ = m.Bind(panesFor(a), nil)

	s := m.Snapshot()
	if s.ID == "" || s.ID != m.ID() {
		t.Errorf("ID = %q", s.ID)
	}
	if s.Policy != PolicyPersistent || s.Layout != layout.Horizontal || s.Runtime != runtime.KindLocal {
		t.Errorf("Snapshot() = %+v", s)
	}
	if len(s.Panes) != 1 || s.Panes[0].Worktree.Path != a.Path {
		t.Errorf("Panes = %+v", s.Panes)
	}
}
