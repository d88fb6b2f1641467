package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/parley/pkg/cli"
	"github.com/haivivi/parley/pkg/config"
)

var (
	configPath   string
	verbose      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Voice call orchestration with barge-in and agent handoff",
	Long: `parley runs voice calls: it listens to the caller, answers with a language
model and its tools, lets the caller interrupt, and transfers the call
between specialist agents.

Everything is configured in one YAML file (default ./parley.yaml). API keys
are read from the environment variables the file names.

Examples:
  # Check the agent table
  parley agents -c parley.yaml

  # Serve calls
  parley serve -c parley.yaml

  # Inspect a stored session
  parley session get call-42 -o json`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "parley.yaml", "deployment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: yaml (default), json or table")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func output(cmd *cobra.Command, v any) error {
	f, err := cli.ParseFormat(outputFormat)
	if err != nil {
		return fmt.Errorf("--output: %w", err)
	}
	return cli.Output(v, cli.OutputOptions{Format: f, Writer: cmd.OutOrStdout()})
}
