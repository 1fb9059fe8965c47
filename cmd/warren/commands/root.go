package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/config"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - Hierarchical multi-agent work colony",
	Long: `Warren runs a colony of role-bound agents (commander, coordinators,
executors, auditors, assessor, scribe) that slice tasks across domain
pools, validate and merge the results, and learn from executor friction.

Every inter-agent message passes a policy engine that enforces the
communication hierarchy, ledgers violations, and revokes repeat
offenders.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to warren.yml (defaults to the built-in colony)")
}

// loadConfig resolves the active configuration: the named file when
// --config is given, the built-in colony otherwise.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}
