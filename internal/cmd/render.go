package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/event"
	"github.com/wkaandemir/branch-nexus/internal/orchestrator"
	"github.com/wkaandemir/branch-nexus/internal/session"
)

// progress prints run events as they are published. Provisioning publishes
// from several goroutines, so writes are serialized.
type progress struct {
	mu sync.Mutex
	w  io.Writer
}

func watchProgress(bus *event.Bus, w io.Writer) {
	p := &progress{w: w}
	bus.Subscribe(event.TypeStage, p.onStage)
	bus.Subscribe(event.TypeBranchReady, p.onBranch)
	bus.Subscribe(event.TypeBranchFailed, p.onBranch)
	bus.Subscribe(event.TypeCleanupResult, p.onCleanup)
}

func (p *progress) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func (p *progress) onStage(ev event.Event) {
	e := ev.(event.StageEvent)
	line := mutedStyle.Render("› " + e.Stage)
	if e.Detail != "" {
		line += " " + mutedStyle.Render(e.Detail)
	}
	p.println(line)
}

func (p *progress) onBranch(ev event.Event) {
	e := ev.(event.BranchEvent)
	if e.Err != nil {
		p.println("  " + errorStyle.Render("✗") + " " + e.Branch + " " + mutedStyle.Render(errors.Describe(e.Err).Message))
		return
	}
	line := "  " + successStyle.Render("✓") + " " + e.Branch + " " + mutedStyle.Render(e.Path)
	if e.Reused {
		line += " " + mutedStyle.Render("(reused)")
	}
	p.println(line)
}

func (p *progress) onCleanup(ev event.Event) {
	e := ev.(event.CleanupEvent)
	if e.Err != nil {
		p.println("  " + warningStyle.Render("!") + " could not remove " + e.Path + ": " + e.Err.Error())
		return
	}
	p.println("  " + mutedStyle.Render("removed "+e.Path))
}

// renderResult summarizes a run for the terminal.
func renderResult(r *orchestrator.Result) string {
	var b strings.Builder

	header := string(r.Layout) + ", cleanup " + string(r.Policy)
	name := r.Session
	if name == "" {
		name = r.SessionID
	}
	fmt.Fprintf(&b, "%s%s %s\n", keyStyle.Render("Session"), titleStyle.Render(name), mutedStyle.Render("("+header+")"))

	for _, br := range r.Branches {
		sel := br.Selection.String()
		switch {
		case br.Status == orchestrator.StatusFailed:
			msg := br.Failure.Message
			if br.Failure.Hint != "" {
				msg += ". Next step: " + br.Failure.Hint
			}
			fmt.Fprintf(&b, "  %s %s  %s\n", errorStyle.Render("✗"), sel, mutedStyle.Render(msg))
		case br.Excess:
			fmt.Fprintf(&b, "  %s %s  %s\n", warningStyle.Render("!"), sel, mutedStyle.Render("no pane left, "+br.Worktree.Path))
		default:
			line := fmt.Sprintf("  %s %s  pane %d  %s", successStyle.Render("✓"), sel, br.Pane, mutedStyle.Render(br.Worktree.Path))
			if br.Worktree.Reused {
				line += mutedStyle.Render(" reused")
			}
			if br.Worktree.UpstreamGone {
				line += warningStyle.Render(" upstream gone")
			}
			b.WriteString(line + "\n")
		}
		if br.Hooks != nil && br.Hooks.HasFailures() {
			for _, e := range br.Hooks.Executions {
				if !e.Success() {
					fmt.Fprintf(&b, "      %s %q exited %d\n", warningStyle.Render("hook"), e.Command, e.ExitCode)
				}
			}
		}
	}

	if r.Reset != nil {
		fmt.Fprintf(&b, "%s%d removed, %d failed\n", keyStyle.Render("Reset"), len(r.Reset.Removed), len(r.Reset.Failed))
	}
	if r.Cleanup != nil {
		fmt.Fprintf(&b, "%s%s\n", keyStyle.Render("Cleanup"), cleanupSummary(r.Cleanup))
	}
	if retried := retriedOps(r); len(retried) > 0 {
		fmt.Fprintf(&b, "%s%s\n", keyStyle.Render("Retried"), strings.Join(retried, ", "))
	}
	return b.String()
}

func cleanupSummary(c *session.CleanupReport) string {
	counts := map[string]int{}
	for _, e := range c.Entries {
		counts[e.Action]++
	}
	s := fmt.Sprintf("%d removed, %d kept", counts[session.ActionRemoved], counts[session.ActionKept])
	if n := counts[session.ActionFailed]; n > 0 {
		s += ", " + warningStyle.Render(fmt.Sprintf("%d failed", n))
	}
	return s
}

func retriedOps(r *orchestrator.Result) []string {
	var out []string
	for _, op := range r.Retries {
		if op.Attempts > 1 {
			out = append(out, fmt.Sprintf("%s (%d attempts)", op.Key, op.Attempts))
		}
	}
	return out
}

// writeReport saves the run result as YAML.
func writeReport(path string, r *orchestrator.Result) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "failed to encode run report")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.NewConfigurationError("cannot write run report " + path).
			WithField("report").
			WithCause(err)
	}
	return nil
}
