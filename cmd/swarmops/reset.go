package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/swarmops/internal/queue"
	"github.com/ShayCichocki/swarmops/internal/registry"
	"github.com/ShayCichocki/swarmops/internal/store"
)

var resetConfirm bool

var resetCmd = &cobra.Command{
	Use:   "reset --yes",
	Short: "Delete all queued work and stored state",
	Long: `Purges the main queue, then flushes the whole store: events, the
geospatial index, agent records and every queue. This cannot be undone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirm {
			return fmt.Errorf("reset deletes all state; pass --yes to confirm")
		}
		return withStore(cmd.Context(), func(s store.Store, _ *queue.TaskQueue, _ *registry.Registry) error {
			if err := s.PurgeQueue(cmd.Context(), queue.MainQueue); err != nil {
				return err
			}
			printStatus("✓", "Purged "+queue.MainQueue, color.FgGreen)
			if err := s.Flush(cmd.Context()); err != nil {
				return err
			}
			printStatus("✓", "Flushed "+cfg.Store.Backend+" store", color.FgGreen)
			return nil
		})
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "confirm the reset")
}
