package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wkaandemir/branch-nexus/internal/resolver"
)

var branchesCmd = &cobra.Command{
	Use:   "branches <repo>",
	Short: "List the branches of a repository",
	Long: `Branches lists local branches first, then remote branches that have no
local counterpart. <repo> is a local path, or a clone URL that an earlier
run has already cloned into the workspace root.

With --github, <repo> is an owner/name and branches come from the GitHub API.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runBranches,
}

var branchesGitHub bool

func init() {
	rootCmd.AddCommand(branchesCmd)
	branchesCmd.Flags().BoolVar(&branchesGitHub, "github", false, "list branches of owner/name through the GitHub API")
}

func runBranches(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if branchesGitHub {
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Close()
		gh, err := resolver.NewGitHub(cfg.Auth.Token, resolver.WithRetry(cfg.Retry), resolver.WithLogger(logger))
		if err != nil {
			return err
		}
		for name, err := range gh.Branches(ctx, args[0]) {
			if err != nil {
				return err
			}
			fmt.Fprintln(out, name)
		}
		return nil
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	for ref, err := range a.resolver.ListBranches(ctx, a.resolver.AnchorPath(args[0])) {
		if err != nil {
			return err
		}
		switch {
		case ref.Upstream != "":
			fmt.Fprintf(out, "%s  %s\n", ref.Name, mutedStyle.Render("→ "+ref.Upstream))
		case ref.Remote != "":
			fmt.Fprintf(out, "%s  %s\n", ref.Name, mutedStyle.Render("(remote "+ref.Remote+")"))
		default:
			fmt.Fprintln(out, ref.Name)
		}
	}
	return nil
}
