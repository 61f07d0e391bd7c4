package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/swarmops/internal/queue"
	"github.com/ShayCichocki/swarmops/internal/registry"
	"github.com/ShayCichocki/swarmops/internal/store"
	"github.com/ShayCichocki/swarmops/pkg/models"
)

var enqueueFile string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Put work onto the main queue",
}

var enqueueInterpretCmd = &cobra.Command{
	Use:   "interpret -f observations.json",
	Short: "Enqueue one interpret envelope per observation",
	Long: `Reads an observation object, or an array of them, and enqueues one
interpret envelope per observation. Use -f - to read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(enqueueFile)
		if err != nil {
			return err
		}
		observations, err := decodeObservations(data)
		if err != nil {
			return err
		}
		return withStore(cmd.Context(), func(s store.Store, tasks *queue.TaskQueue, _ *registry.Registry) error {
			for i, obs := range observations {
				if err := obs.Validate(); err != nil {
					printStatus("✗", fmt.Sprintf("observation %d: %v", i, err), color.FgRed)
					continue
				}
				jobID, err := tasks.Enqueue(cmd.Context(), models.NewEnvelope(models.InterpretPayload{Observation: obs}))
				if err != nil {
					return err
				}
				printStatus("✓", fmt.Sprintf("%s from %s enqueued as %s", obs.Kind, obs.SourceID, jobID), color.FgGreen)
			}
			return nil
		})
	},
}

var enqueueAllocateCmd = &cobra.Command{
	Use:   "allocate -f tasks.json",
	Short: "Enqueue an allocate envelope for one or more candidate tasks",
	Long: `Reads a candidate task object, or an array of them, and enqueues a single
allocate envelope carrying the batch. Use -f - to read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(enqueueFile)
		if err != nil {
			return err
		}
		var batch models.TaskBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("parse tasks: %w", err)
		}
		if len(batch) == 0 {
			return fmt.Errorf("no tasks in input")
		}
		return withStore(cmd.Context(), func(s store.Store, tasks *queue.TaskQueue, _ *registry.Registry) error {
			jobID, err := tasks.Enqueue(cmd.Context(), models.NewEnvelope(models.AllocatePayload{Tasks: batch}))
			if err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("%d task(s) enqueued as %s", len(batch), jobID), color.FgGreen)
			return nil
		})
	},
}

// decodeObservations accepts a single object or an array.
func decodeObservations(data []byte) ([]models.Observation, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []models.Observation
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("parse observations: %w", err)
		}
		return list, nil
	}
	var obs models.Observation
	if err := json.Unmarshal(trimmed, &obs); err != nil {
		return nil, fmt.Errorf("parse observation: %w", err)
	}
	return []models.Observation{obs}, nil
}

func init() {
	for _, c := range []*cobra.Command{enqueueInterpretCmd, enqueueAllocateCmd} {
		c.Flags().StringVarP(&enqueueFile, "file", "f", "", "input JSON file (- for stdin)")
		_ = c.MarkFlagRequired("file")
		enqueueCmd.AddCommand(c)
	}
}
