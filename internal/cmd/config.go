package cmd

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wkaandemir/branch-nexus/internal/config"
	"github.com/wkaandemir/branch-nexus/internal/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the BranchNexus configuration",
	Long: `Show the effective configuration: defaults, overlaid by the config file,
then BRANCHNEXUS_* environment variables, then flags.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	Args:  usageArgs(cobra.NoArgs),
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  usageArgs(cobra.NoArgs),
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	// Decode first so an invalid file is reported rather than printed.
	if _, err := config.Load(v); err != nil {
		return err
	}
	data, err := renderSettings(v)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

// renderSettings encodes v's settings as TOML with durations spelled out
// and the token masked.
func renderSettings(v *viper.Viper) ([]byte, error) {
	settings := normalize(v.AllSettings()).(map[string]any)
	if auth, ok := settings["auth"].(map[string]any); ok {
		if tok, _ := auth["token"].(string); tok != "" {
			auth["token"] = "********"
		}
	}
	data, err := toml.Marshal(settings)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode configuration")
	}
	return data, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case time.Duration:
		return t.String()
	default:
		return v
	}
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.ConfigFile()
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
