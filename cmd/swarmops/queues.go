package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/swarmops/internal/queue"
	"github.com/ShayCichocki/swarmops/internal/registry"
	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show waiting message counts",
	Long: `Shows how many messages wait on the main queue, the dead-letter queue and
the execution queue of every agent type known to the registry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(_ store.Store, tasks *queue.TaskQueue, reg *registry.Registry) error {
			agents, err := reg.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			types := map[models.AgentType]bool{models.AgentTypeDrone: true, models.AgentTypeGround: true}
			for _, a := range agents {
				types[a.Type] = true
			}
			sorted := make([]models.AgentType, 0, len(types))
			for t := range types {
				sorted = append(sorted, t)
			}
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			names := queue.KnownQueues(sorted...)
			lengths, err := tasks.Lengths(cmd.Context(), names...)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tWAITING")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%d\n", name, lengths[name])
			}
			return w.Flush()
		})
	},
}
