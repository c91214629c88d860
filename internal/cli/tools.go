package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/cadence/pkg/toolgateway"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools turns may use",
	RunE:  runTools,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	g := toolgateway.New(toolgateway.Config{
		Policy: &toolgateway.Policy{Allow: cfg.Tools.Allow, Deny: cfg.Tools.Deny},
	})
	if err := toolgateway.RegisterBuiltins(g, toolgateway.BuiltinOptions{}); err != nil {
		return err
	}

	enabled := make(map[string]bool, len(cfg.Agent.Tools))
	for _, name := range cfg.Agent.Tools {
		enabled[name] = true
	}
	for _, name := range g.ListAvailableTools() {
		def, _ := g.Describe(name)
		marker := " "
		if enabled[name] {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %-14s %s\n", marker, name, def.Description)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cmd.Println("Configuration is valid")
	return nil
}
