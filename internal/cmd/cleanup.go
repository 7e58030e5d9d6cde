package cmd

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/wkaandemir/branch-nexus/internal/config"
	"github.com/wkaandemir/branch-nexus/internal/session"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove every worktree under the workspace root",
	Long: `Cleanup removes every worktree found under the workspace root, whichever
repository and branch it belongs to, including worktrees left half-created
by an interrupted run. Clones of remote repositories are kept.

Cleanup refuses to run while a session holds the workspace root.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runCleanupCmd,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanupCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	lock, err := session.AcquireLock(afero.NewOsFs(),
		session.LockPath(config.StateDir(), a.rt.String(), a.root), a.root, "cleanup-"+uuid.NewString(), a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	report, err := a.worktrees.ResetAll(ctx, a.root)
	out := cmd.OutOrStdout()
	if report != nil {
		for _, p := range report.Removed {
			fmt.Fprintf(out, "  %s %s\n", successStyle.Render("removed"), p)
		}
		failed := make([]string, 0, len(report.Failed))
		for p := range report.Failed {
			failed = append(failed, p)
		}
		sort.Strings(failed)
		for _, p := range failed {
			fmt.Fprintf(out, "  %s %s: %s\n", errorStyle.Render("failed"), p, report.Failed[p])
		}
		if len(report.Removed) == 0 && len(report.Failed) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("No worktrees under "+a.root))
		}
	}
	return err
}
