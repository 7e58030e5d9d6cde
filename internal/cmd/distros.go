package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wkaandemir/branch-nexus/internal/runtime"
)

var distrosCmd = &cobra.Command{
	Use:   "distros",
	Short: "List the installed WSL distributions",
	Long: `Distros lists the WSL distribution ids accepted by --distribution and
runtime.distribution. It needs wsl.exe on the PATH.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runDistros,
}

func init() {
	rootCmd.AddCommand(distrosCmd)
}

func runDistros(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	names, err := runtime.ListDistributions(cmd.Context(), runtime.NewLocal(logger))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("No WSL distributions installed"))
		return nil
	}
	for _, n := range names {
		marker := ""
		if n == cfg.Runtime.Distribution {
			marker = " " + successStyle.Render("(configured)")
		}
		fmt.Fprintln(out, n+marker)
	}
	return nil
}
