// Package cmd is the branchnexus command line.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wkaandemir/branch-nexus/internal/errors"
)

// Global flags
var (
	configPath    string
	logLevel      string
	runtimeKind   string
	distribution  string
	containerName string
	workspaceRoot string
)

var rootCmd = &cobra.Command{
	Use:   "branchnexus",
	Short: "Open many git branches side by side in one tmux session",
	Long: `BranchNexus gives every selected branch its own git worktree under a
workspace root and opens the worktrees as panes of a single tmux session,
in a grid, horizontal or vertical layout.

Commands run locally, inside a WSL distribution or inside a running
container. When the session ends, worktrees are removed or kept according
to the cleanup policy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/branchnexus/config.toml)")
	flags.StringVar(&logLevel, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR")
	flags.StringVar(&runtimeKind, "runtime", "", "execution context: local, wsl, container")
	flags.StringVar(&distribution, "distribution", "", "WSL distribution id (runtime wsl)")
	flags.StringVar(&containerName, "container", "", "running container name (runtime container)")
	flags.StringVar(&workspaceRoot, "workspace-root", "", "directory holding clones and worktrees")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return errors.ExitOK
	}
	printError(rootCmd.ErrOrStderr(), err)
	return exitCode(err)
}

// usageError marks malformed command lines.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// usageArgs turns positional argument errors into usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func exitCode(err error) int {
	var ue usageError
	if errors.As(err, &ue) {
		return errors.ExitInvalidArgs
	}
	return errors.ExitCode(err)
}

// formatError renders err as "Error: <msg>. Next step: <hint>".
func formatError(err error) string {
	f := errors.Describe(err)
	msg := strings.TrimRight(strings.TrimSpace(f.Message), ".")
	var ue usageError
	if f.Hint == "" && errors.As(err, &ue) {
		f.Hint = "run with --help to see usage"
	}
	if f.Hint == "" {
		return errorStyle.Render("Error:") + " " + msg
	}
	return errorStyle.Render("Error:") + " " + msg + ". " + hintStyle.Render("Next step: "+f.Hint)
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, formatError(err))
}
