package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/wkaandemir/branch-nexus/internal/config"
	"github.com/wkaandemir/branch-nexus/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the runs holding a workspace lock",
	Long: `Sessions lists the runs that hold a workspace root, newest first. A run
marked stale exited without releasing its lock; the next run on that root
replaces the lock on its own, or --prune removes every stale lock now.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runSessions,
}

var sessionsPrune bool

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.Flags().BoolVar(&sessionsPrune, "prune", false, "remove the locks of runs that are gone")
}

func runSessions(cmd *cobra.Command, args []string) error {
	fs := afero.NewOsFs()
	stateDir := config.StateDir()
	out := cmd.OutOrStdout()

	if sessionsPrune {
		cleaned, err := session.CleanupStaleLocks(fs, stateDir)
		if err != nil {
			return err
		}
		for _, id := range cleaned {
			fmt.Fprintf(out, "  %s %s\n", successStyle.Render("pruned"), id)
		}
	}

	sessions, err := session.ListSessions(fs, stateDir)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No active sessions"))
		return nil
	}
	for _, s := range sessions {
		state := successStyle.Render("live")
		if !s.Live {
			state = warningStyle.Render("stale")
		}
		fmt.Fprintf(out, "%s  %s  %s  %s\n", shortID(s.SessionID), s.Root, state,
			mutedStyle.Render(fmt.Sprintf("pid %d on %s since %s", s.PID, s.Hostname, s.StartedAt.Format("2006-01-02 15:04"))))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
