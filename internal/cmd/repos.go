package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wkaandemir/branch-nexus/internal/resolver"
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List git repositories below a directory or on GitHub",
	Long: `Repos lists the git repositories found below --root (the current directory
by default), skipping paths matched by discovery.ignore.

With --github it lists the repositories visible to the configured token
(auth.token, BRANCHNEXUS_GH_TOKEN, GH_TOKEN or GITHUB_TOKEN) instead.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runRepos,
}

var (
	reposRoot   string
	reposGitHub bool
)

func init() {
	rootCmd.AddCommand(reposCmd)
	reposCmd.Flags().StringVar(&reposRoot, "root", "", "directory to search (default is the current directory)")
	reposCmd.Flags().BoolVar(&reposGitHub, "github", false, "list repositories through the GitHub API")
}

func runRepos(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if reposGitHub {
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Close()
		gh, err := resolver.NewGitHub(cfg.Auth.Token, resolver.WithRetry(cfg.Retry), resolver.WithLogger(logger))
		if err != nil {
			return err
		}
		for repo, err := range gh.Repositories(ctx) {
			if err != nil {
				return err
			}
			vis := "public"
			if repo.Private {
				vis = "private"
			}
			fmt.Fprintf(out, "%s  %s %s\n", repo.FullName, mutedStyle.Render(repo.CloneURL), mutedStyle.Render("("+vis+")"))
		}
		return nil
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	root := reposRoot
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
	}
	found := 0
	for repo, err := range a.resolver.DiscoverRepositories(ctx, root) {
		if err != nil {
			return err
		}
		found++
		fmt.Fprintf(out, "%s  %s\n", repo.Path, mutedStyle.Render(repo.Name))
	}
	if found == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("No repositories under "+root))
	}
	return nil
}
