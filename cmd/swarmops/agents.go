package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/swarmops/internal/queue"
	"github.com/ShayCichocki/swarmops/internal/registry"
	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

var (
	agentsFile       string
	heartbeatLat     float64
	heartbeatLon     float64
	heartbeatBattery float64
	heartbeatStatus  string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage the agent registry",
	Long: `Agents normally maintain their own registry records. These commands
seed, inspect and remove records by hand, for example before a drill.`,
}

var agentsRegisterCmd = &cobra.Command{
	Use:   "register -f agents.yaml",
	Short: "Register agents from a YAML seed file",
	Long: `Registers every agent listed in the seed file:

  agents:
    - agent_id: "21"
      agent_type: drone_bot
      coordinates: {lat: 37.78, lon: -122.42}
      battery_level: 95
      capabilities: thermal camera, 20 min flight time`,
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := registry.LoadSeedFile(agentsFile)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(_ store.Store, _ *queue.TaskQueue, reg *registry.Registry) error {
			if err := reg.Seed(cmd.Context(), agents); err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Registered %d agent(s)", len(agents)), color.FgGreen)
			return nil
		})
	},
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(_ store.Store, _ *queue.TaskQueue, reg *registry.Registry) error {
			agents, err := reg.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				printStatus("⚠", "No agents registered", color.FgYellow)
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tBATTERY\tPOSITION\tUPDATED")
			for _, a := range agents {
				updated := "-"
				if !a.UpdatedAt.IsZero() {
					updated = a.UpdatedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
					a.ID, a.Type, a.Status, a.BatteryLevel, a.Coordinates, updated)
			}
			return w.Flush()
		})
	},
}

var agentsRemoveCmd = &cobra.Command{
	Use:   "remove <agent-id>...",
	Short: "Remove agents from the registry",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(_ store.Store, _ *queue.TaskQueue, reg *registry.Registry) error {
			for _, id := range args {
				if err := reg.Delete(cmd.Context(), id); err != nil {
					return err
				}
				printStatus("✓", "Removed agent "+id, color.FgGreen)
			}
			return nil
		})
	},
}

var agentsHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <agent-id>",
	Short: "Update an agent's position, battery and status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos := models.Coordinates{Lat: heartbeatLat, Lon: heartbeatLon}
		if !pos.Valid() {
			return fmt.Errorf("coordinates out of range: %s", pos)
		}
		status := models.AgentStatus(heartbeatStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", heartbeatStatus)
		}
		return withStore(cmd.Context(), func(_ store.Store, _ *queue.TaskQueue, reg *registry.Registry) error {
			if err := reg.Heartbeat(cmd.Context(), args[0], pos, heartbeatBattery, status); err != nil {
				return err
			}
			printStatus("✓", "Updated agent "+args[0], color.FgGreen)
			return nil
		})
	},
}

func init() {
	agentsRegisterCmd.Flags().StringVarP(&agentsFile, "file", "f", "", "YAML seed file")
	_ = agentsRegisterCmd.MarkFlagRequired("file")

	agentsHeartbeatCmd.Flags().Float64Var(&heartbeatLat, "lat", 0, "latitude")
	agentsHeartbeatCmd.Flags().Float64Var(&heartbeatLon, "lon", 0, "longitude")
	agentsHeartbeatCmd.Flags().Float64Var(&heartbeatBattery, "battery", 0, "battery level in percent")
	agentsHeartbeatCmd.Flags().StringVar(&heartbeatStatus, "status", "", "available, busy, charging or offline")
	_ = agentsHeartbeatCmd.MarkFlagRequired("lat")
	_ = agentsHeartbeatCmd.MarkFlagRequired("lon")

	agentsCmd.AddCommand(agentsRegisterCmd)
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsRemoveCmd)
	agentsCmd.AddCommand(agentsHeartbeatCmd)
}
