// Package orchestrator sequences one branchnexus run: optional reset,
// multiplexer bootstrap, bounded-concurrency provisioning, layout, hand-off
// to the user and teardown.
//
// A failure that concerns one branch marks that branch Failed and the run
// continues with the others. A systemic failure (tmux missing, reset
// failing, nothing provisioned, layout failing) aborts the run before the
// session becomes Active and rolls back under the cleanup policy.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/event"
	"github.com/wkaandemir/branch-nexus/internal/hooks"
	"github.com/wkaandemir/branch-nexus/internal/layout"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/resolver"
	"github.com/wkaandemir/branch-nexus/internal/retry"
	"github.com/wkaandemir/branch-nexus/internal/runtime"
	"github.com/wkaandemir/branch-nexus/internal/session"
	"github.com/wkaandemir/branch-nexus/internal/tmux"
	"github.com/wkaandemir/branch-nexus/internal/worktree"
)

// DefaultTeardownTimeout bounds teardown after the run context is done.
const DefaultTeardownTimeout = 2 * time.Minute

// DefaultSessionName prefixes tmux session names.
const DefaultSessionName = "branchnexus"

// Request is one run's input.
type Request struct {
	// Selections are provisioned in order; that order is the pane order.
	Selections []Selection
	Layout     layout.Kind
	Panes      int
	Policy     session.Policy
	// Fresh removes every worktree under the root before provisioning.
	Fresh bool
	// Interactive attaches the terminal; otherwise the run waits for the
	// session to end.
	Interactive bool
	// SessionName prefixes the tmux session name.
	SessionName string
	// SessionID fixes the session id, e.g. to match a workspace lock.
	SessionID string
}

// Deps are the components a run drives. Hooks, Tracker and Bus may be nil.
type Deps struct {
	Runtime   runtime.Handle
	Worktrees *worktree.Manager
	Resolver  *resolver.Resolver
	// Multiplexer is the tmux client each run builds its layout engine on.
	Multiplexer *tmux.Client
	// Layout configures the per-run engine. Bus and Logger default to the
	// ones below.
	Layout  layout.Options
	Hooks   *hooks.Runner
	Tracker *retry.Tracker
	Bus     *event.Bus
	Logger  *logging.Logger

	MaxParallel     int
	TeardownTimeout time.Duration
}

// Orchestrator runs Requests. Runs may follow one another; they must not
// overlap on the same workspace root.
type Orchestrator struct {
	deps   Deps
	logger *logging.Logger

	mu      sync.Mutex
	current *session.Manager
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.MaxParallel < 1 {
		deps.MaxParallel = 4
	}
	if deps.TeardownTimeout <= 0 {
		deps.TeardownTimeout = DefaultTeardownTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logging.NopLogger()
	}
	if deps.Layout.Bus == nil {
		deps.Layout.Bus = deps.Bus
	}
	if deps.Layout.Logger == nil {
		deps.Layout.Logger = deps.Logger
	}
	return &Orchestrator{deps: deps, logger: deps.Logger}
}

// Stop asks the running session, if any, to tear down per its cleanup
// policy. A run still provisioning rolls back instead of building a layout.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	sess := o.current
	o.mu.Unlock()
	if sess != nil {
		sess.Stop()
	}
}

// Validate normalizes and checks a Request before anything touches disk.
func Validate(req *Request) error {
	kind, err := layout.ParseKind(string(req.Layout))
	if err != nil {
		return err
	}
	req.Layout = kind
	if err := layout.ValidatePanes(req.Panes); err != nil {
		return err
	}
	policy, err := session.ParsePolicy(string(req.Policy))
	if err != nil {
		return err
	}
	req.Policy = policy
	if len(req.Selections) == 0 {
		return errors.NewConfigurationError("no branches selected").
			WithHint("pass at least one <repo>:<branch>")
	}
	if req.SessionName == "" {
		req.SessionName = DefaultSessionName
	}
	return nil
}

// dedupe drops repeated selections, keeping the first occurrence.
func dedupe(in []Selection) []Selection {
	seen := make(map[Selection]bool, len(in))
	out := make([]Selection, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// run is the state of one Run call.
type run struct {
	deps   *Deps
	req    Request
	sess   *session.Manager
	engine *layout.Engine
	result *Result
	logger *logging.Logger
}

func (r *run) stage(s errors.Stage, detail string) {
	r.logger.Info("entering stage", "stage", string(s), "detail", detail)
	r.deps.Bus.Publish(event.NewStageEvent(string(s), detail))
}

// Run executes req. The returned Result is never nil; the error is the
// run-level failure, while per-branch failures are only in the Result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	result := &Result{Layout: req.Layout, Policy: req.Policy}
	defer func() {
		result.Retries = o.deps.Tracker.Snapshot()
	}()

	if err := Validate(&req); err != nil {
		result.Failure = errors.Describe(err)
		return result, err
	}
	result.Layout, result.Policy = req.Layout, req.Policy
	if sels := dedupe(req.Selections); len(sels) != len(req.Selections) {
		o.logger.Warn("duplicate selections ignored", "requested", len(req.Selections), "unique", len(sels))
		req.Selections = sels
	}

	sess, err := session.NewManager(o.deps.Worktrees, session.Options{
		ID:      req.SessionID,
		Runtime: o.deps.Runtime.Kind(),
		Layout:  req.Layout,
		Policy:  req.Policy,
		Bus:     o.deps.Bus,
		Logger:  o.logger,
	})
	if err != nil {
		result.Failure = errors.Describe(err)
		return result, err
	}
	result.SessionID = sess.ID()

	o.mu.Lock()
	o.current = sess
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
	}()

	r := &run{
		deps:   &o.deps,
		req:    req,
		sess:   sess,
		engine: layout.NewEngine(o.deps.Multiplexer, o.deps.Layout),
		result: result,
		logger: o.logger.WithSession(sess.ID()),
	}
	return result, r.execute(ctx)
}

func (r *run) execute(ctx context.Context) error {
	req, result := r.req, r.result
	r.logger.Info("run started", "branches", len(req.Selections), "layout", string(req.Layout),
		"panes", req.Panes, "cleanup", string(req.Policy), "runtime", r.deps.Runtime.String())

	if req.Fresh {
		root := r.deps.Worktrees.Root()
		r.stage(errors.StageReset, root)
		report, err := r.deps.Worktrees.ResetAll(ctx, root)
		result.Reset = report
		if err != nil {
			return r.abort(ctx, errors.WithContext(err, errors.StageReset, ""))
		}
	}

	r.stage(errors.StageBootstrap, "")
	if err := r.engine.Bootstrap(ctx); err != nil {
		return r.abort(ctx, errors.WithContext(err, errors.StageBootstrap, ""))
	}

	r.stage(errors.StageProvision, fmt.Sprintf("%d branches", len(req.Selections)))
	result.Branches = r.provision(ctx)
	if ctx.Err() != nil {
		return r.abort(ctx, errors.WithContext(errors.Wrap(ctx.Err(), "provisioning interrupted"), errors.StageProvision, ""))
	}
	select {
	case <-r.sess.StopRequested():
		return r.abort(ctx, errors.NewExecutionError("run stopped before the session started", nil).
			WithStage(errors.StageProvision))
	default:
	}

	var bindings []layout.Binding
	var ready []int
	for i, b := range result.Branches {
		if b.Status == StatusReady {
			bindings = append(bindings, layout.Binding{
				Repository: b.Worktree.Repository,
				Branch:     b.Worktree.Branch.Name,
				Path:       b.Worktree.Path,
			})
			ready = append(ready, i)
		}
	}
	if len(bindings) == 0 {
		err := errors.NewExecutionError("no branch could be provisioned", nil).
			WithStage(errors.StageProvision).
			WithHint("see the per-branch failures above")
		return r.abort(ctx, err)
	}

	r.stage(errors.StageLayout, string(req.Layout))
	plan, err := layout.NewPlan(req.Layout, req.Panes, bindings, r.deps.Runtime.PaneEntry)
	if err != nil {
		return r.abort(ctx, err)
	}
	name := sessionName(req.SessionName, r.sess.ID())
	if err := r.engine.Build(ctx, name, plan); err != nil {
		return r.abort(ctx, err)
	}
	result.Session = name

	ids := r.engine.PaneIDs()
	panes := make([]session.Pane, len(plan.Panes))
	for i, p := range plan.Panes {
		br := &result.Branches[ready[i]]
		br.Pane = p.Index
		panes[i] = session.Pane{Index: p.Index, Cell: p.Cell, PaneID: ids[i], Worktree: br.Worktree}
	}
	for _, i := range ready[len(plan.Panes):] {
		result.Branches[i].Excess = true
		r.logger.Warn("branch has no pane", "branch", result.Branches[i].Selection.Branch, "panes", req.Panes)
	}

	if err := r.sess.Bind(panes, r.engine); err != nil {
		return r.abort(ctx, err)
	}
	if err := r.sess.Activate(); err != nil {
		return r.abort(ctx, err)
	}

	r.stage(errors.StageAttach, name)
	attachErr := r.attach(ctx)
	if attachErr != nil {
		r.logger.Error("attach ended with error", "error", attachErr.Error())
	}

	report, err := r.teardown(ctx)
	result.Cleanup = report
	if err = errors.Join(attachErr, err); err != nil {
		result.Failure = errors.Describe(err)
		return err
	}
	r.logger.Info("run finished", "ready", len(ready), "failed", len(result.Failed()))
	return nil
}

// sessionName makes the tmux session name unique per run.
func sessionName(prefix, id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return prefix + "-" + id
}

// provision materializes and ensures every selection with at most
// MaxParallel in flight. Results keep selection order.
func (r *run) provision(ctx context.Context) []BranchResult {
	sels := r.req.Selections
	results := make([]BranchResult, len(sels))
	p := pool.New().WithMaxGoroutines(r.deps.MaxParallel)
	for i, sel := range sels {
		p.Go(func() {
			results[i] = r.provisionOne(ctx, sel)
		})
	}
	p.Wait()
	return results
}

func (r *run) provisionOne(ctx context.Context, sel Selection) BranchResult {
	res := BranchResult{Selection: sel, Pane: -1}
	logger := r.logger.WithBranch(sel.Branch)

	fail := func(err error, stage errors.Stage) BranchResult {
		err = errors.WithContext(err, stage, sel.Branch)
		logger.Error("branch failed", "repository", sel.Repository, "error", err.Error())
		r.deps.Bus.Publish(event.NewBranchFailedEvent(sel.Repository, sel.Branch, err))
		res.Status = StatusFailed
		res.Failure = errors.Describe(err)
		return res
	}

	target, err := r.deps.Resolver.Materialize(ctx, sel.Repository, sel.Branch)
	if err != nil {
		return fail(err, errors.StageMaterialize)
	}
	wt, err := r.deps.Worktrees.Ensure(ctx, target.Repository, target.Branch)
	if err != nil {
		return fail(err, errors.StageProvision)
	}
	if err := r.sess.Adopt(wt); err != nil {
		return fail(err, errors.StageProvision)
	}

	res.Status = StatusReady
	res.Worktree = wt
	logger.Info("branch ready", "path", wt.Path, "reused", wt.Reused, "upstream_gone", wt.UpstreamGone)
	r.deps.Bus.Publish(event.NewBranchReadyEvent(sel.Repository, sel.Branch, wt.Path, wt.Reused))

	if r.deps.Hooks.Enabled() && !wt.Reused {
		report := r.deps.Hooks.Run(ctx, hooks.Context{
			Repository: wt.Repository,
			Branch:     wt.Branch.Name,
			Worktree:   wt.Path,
			SessionID:  r.sess.ID(),
		})
		res.Hooks = &report
	}
	return res
}

// attach hands the session to the user until it ends, ctx is done or a
// stop is requested. Cancellation is a normal way to end a session.
func (r *run) attach(ctx context.Context) error {
	attachCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.sess.StopRequested():
			cancel()
		case <-attachCtx.Done():
		}
	}()

	err := r.engine.Attach(attachCtx, r.req.Interactive)
	if attachCtx.Err() != nil {
		return nil
	}
	return err
}

// teardown closes the session on a context that survives cancellation of
// the run, bounded by TeardownTimeout.
func (r *run) teardown(ctx context.Context) (*session.CleanupReport, error) {
	r.stage(errors.StageTeardown, string(r.sess.Policy()))
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.deps.TeardownTimeout)
	defer cancel()
	report, err := r.sess.Close(tctx)
	if closeErr := r.engine.Close(tctx); closeErr != nil && err == nil {
		err = closeErr
	}
	return report, err
}

// abort rolls back a run that failed before the session became Active.
func (r *run) abort(ctx context.Context, cause error) error {
	r.logger.Error("run aborted", "stage", string(errors.StageOf(cause)), "error", cause.Error())
	r.result.Failure = errors.Describe(cause)
	report, err := r.teardown(ctx)
	r.result.Cleanup = report
	if err != nil {
		r.logger.Warn("rollback incomplete", "error", err.Error())
	}
	return cause
}
