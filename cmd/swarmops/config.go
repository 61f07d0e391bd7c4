package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/swarmops/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `Displays the effective configuration, secrets masked.

Without arguments, displays every value. With one argument (key), displays
the value for that key.

Configuration is read from ~/.config/swarmops/config.yaml, then
.swarmops.yaml in the current directory or a parent, then SWARMOPS_*
environment variables.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries := cfg.Entries()
		if len(args) == 0 {
			fmt.Printf("# user config:    %s\n", config.GetUserConfigPath())
			if p := config.GetProjectConfigPath(); p != "" {
				fmt.Printf("# project config: %s\n", p)
			}
			fmt.Printf("# api key source: %s\n", config.GetAPIKeySource(cfg))
			for _, e := range entries {
				fmt.Printf("%s: %s\n", e.Key, e.Value)
			}
			return nil
		}
		key := strings.ToLower(args[0])
		for _, e := range entries {
			if e.Key == key {
				fmt.Println(e.Value)
				return nil
			}
		}
		return fmt.Errorf("unknown configuration key: %s", args[0])
	},
}
