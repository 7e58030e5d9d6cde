package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/wkaandemir/branch-nexus/internal/config"
	"github.com/wkaandemir/branch-nexus/internal/errors"
	"github.com/wkaandemir/branch-nexus/internal/hooks"
	"github.com/wkaandemir/branch-nexus/internal/layout"
	"github.com/wkaandemir/branch-nexus/internal/logging"
	"github.com/wkaandemir/branch-nexus/internal/orchestrator"
	"github.com/wkaandemir/branch-nexus/internal/session"
	"github.com/wkaandemir/branch-nexus/internal/tmux"
)

var runCmd = &cobra.Command{
	Use:   "run <repo:branch>...",
	Short: "Open branches as worktrees in a tmux layout",
	Long: `Run provisions a worktree for every <repo>:<branch> selection and opens
them as panes of one tmux session. <repo> is a local path or a clone URL;
the branch may be local or remote-only, e.g. origin/feature-x.

Selections are provisioned in the order given, which is also the pane
order. A branch that cannot be provisioned is reported and skipped; the
others still open. When the session ends, worktrees are removed
(--cleanup session) or kept (--cleanup persistent). SIGTERM ends the
session the same way; Ctrl-C interrupts the run and rolls it back.

Examples:
  branchnexus run ~/src/app:main ~/src/app:feature-x --layout horizontal
  branchnexus run https://github.com/org/api.git:dev --preset quad --fresh`,
	Args: usageArgs(cobra.MinimumNArgs(1)),
	RunE: runRun,
}

var (
	runLayout   string
	runPanes    int
	runCleanup  string
	runPreset   string
	runFresh    bool
	runNoAttach bool
	runReport   string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runLayout, "layout", "l", "", "pane layout: grid, horizontal, vertical")
	runCmd.Flags().IntVarP(&runPanes, "panes", "p", 0, "number of panes (2-6)")
	runCmd.Flags().StringVar(&runCleanup, "cleanup", "", "worktree policy when the session ends: session, persistent")
	runCmd.Flags().StringVar(&runPreset, "preset", "", "named layout preset from the config file")
	runCmd.Flags().BoolVar(&runFresh, "fresh", false, "remove every worktree under the workspace root first")
	runCmd.Flags().BoolVar(&runNoAttach, "no-attach", false, "do not attach; wait until the session is closed")
	runCmd.Flags().StringVar(&runReport, "report", "", "write the run result as YAML to this file")
}

// applyRunFlags overlays the preset and then explicit layout flags onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	if runPreset != "" {
		if err := cfg.ApplyPreset(runPreset); err != nil {
			return err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("layout") {
		cfg.Layout.Default = runLayout
	}
	if flags.Changed("panes") {
		cfg.Layout.Panes = runPanes
	}
	if flags.Changed("cleanup") {
		cfg.Cleanup.Policy = runCleanup
	}
	return cfg.Check()
}

func parseSelections(args []string) ([]orchestrator.Selection, error) {
	sels := make([]orchestrator.Selection, 0, len(args))
	for _, arg := range args {
		sel, err := orchestrator.ParseSelection(arg)
		if err != nil {
			return nil, usageError{err: err}
		}
		sels = append(sels, sel)
	}
	return sels, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	sels, err := parseSelections(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	minVersion, err := tmux.ParseVersion(cfg.Tmux.MinVersion)
	if err != nil {
		return errors.NewConfigurationError("invalid tmux.min_version").
			WithField("tmux.min_version").
			WithCause(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := uuid.NewString()
	lock, err := session.AcquireLock(afero.NewOsFs(),
		session.LockPath(config.StateDir(), a.rt.String(), a.root), a.root, sessionID, a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	width, height := layout.TerminalSize()
	orch := orchestrator.New(orchestrator.Deps{
		Runtime:     a.rt,
		Worktrees:   a.worktrees,
		Resolver:    a.resolver,
		Multiplexer: tmux.NewClient(a.rt, cfg.Tmux.Socket, a.logger),
		Layout: layout.Options{
			MinVersion:  minVersion,
			AutoInstall: cfg.Tmux.AutoInstall,
			Width:       width,
			Height:      height,
			Retry:       cfg.Retry,
		},
		Hooks: hooks.NewRunner(a.rt, hooks.Config{
			Commands:      cfg.Hooks.PostCreate,
			Timeout:       cfg.Hooks.Timeout,
			Trusted:       cfg.Hooks.Trusted,
			AllowPrefixes: cfg.Hooks.AllowPrefixes,
		}, a.logger),
		Tracker:     a.tracker,
		Bus:         a.bus,
		Logger:      a.logger,
		MaxParallel: cfg.Concurrency.MaxParallel,
	})
	watchProgress(a.bus, cmd.ErrOrStderr())
	defer stopOnTerm(orch, a.logger)()

	result, runErr := orch.Run(ctx, orchestrator.Request{
		Selections:  sels,
		Layout:      layout.Kind(cfg.Layout.Default),
		Panes:       cfg.Layout.Panes,
		Policy:      session.Policy(cfg.Cleanup.Policy),
		Fresh:       runFresh,
		Interactive: !runNoAttach && layout.IsInteractive(),
		SessionName: cfg.Tmux.SessionName,
		SessionID:   sessionID,
	})
	fmt.Fprint(cmd.OutOrStdout(), renderResult(result))

	if runReport != "" {
		if err := writeReport(runReport, result); err != nil {
			a.logger.Error("failed to write run report", "path", runReport, "error", err.Error())
			if runErr == nil {
				return err
			}
		}
	}
	return runErr
}

// stopOnTerm routes SIGTERM to orch.Stop so the session tears down per its
// cleanup policy. The returned function stops listening.
func stopOnTerm(orch *orchestrator.Orchestrator, logger *logging.Logger) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			logger.Info("termination requested, stopping session")
			orch.Stop()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
