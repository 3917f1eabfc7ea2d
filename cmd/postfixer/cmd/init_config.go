package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxkompensator/postfixer/internal/config"
)

var (
	initConfigOutput string
	initConfigForce  bool
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default config file",
	Long: `Write a postfixer.yaml populated with the default configuration.

Edit the generated file, then start the server with:
  postfixer serve

Examples:
  # Write ./postfixer.yaml
  postfixer init-config

  # Write the system-wide config
  postfixer init-config --output /etc/postfixer/postfixer.yaml`,
	RunE: runInitConfig,
}

func init() {
	initConfigCmd.Flags().StringVar(&initConfigOutput, "output", "postfixer.yaml", "where to write the config file")
	initConfigCmd.Flags().BoolVar(&initConfigForce, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(initConfigCmd)
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	if !initConfigForce {
		if _, err := os.Stat(initConfigOutput); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", initConfigOutput)
		}
	}

	raw, err := config.DefaultYAML()
	if err != nil {
		return fmt.Errorf("render default config: %w", err)
	}
	if err := os.WriteFile(initConfigOutput, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", initConfigOutput, err)
	}

	fmt.Fprintf(os.Stderr, "Wrote %s\n", initConfigOutput)
	return nil
}
