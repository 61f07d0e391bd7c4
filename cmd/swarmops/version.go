package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/swarmops/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	// no config or logger needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("swarmops version %s\n", version.Get())
	},
}
