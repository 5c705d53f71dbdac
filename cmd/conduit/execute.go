package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conduitworks/conduit/pkg/schema"
)

var executeCmd = &cobra.Command{
	Use:   "execute <workflow-id>",
	Short: "Run a stored workflow once and print the execution record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rt, err := buildRuntime(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		dataFlag, _ := cmd.Flags().GetString("data")
		eventID, _ := cmd.Flags().GetString("event-id")

		var initialData schema.Context
		if dataFlag != "" {
			if err := json.Unmarshal([]byte(dataFlag), &initialData); err != nil {
				return fmt.Errorf("--data is not valid JSON: %w", err)
			}
		}

		exec, runErr := rt.engine.Execute(cmd.Context(), schema.TriggerEvent{
			WorkflowID:  args[0],
			EventID:     eventID,
			InitialData: initialData,
		})
		if exec != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(exec); encErr != nil {
				return encErr
			}
		}
		return runErr
	},
}

func init() {
	executeCmd.Flags().String("data", "", "Initial context as a JSON object")
	executeCmd.Flags().String("event-id", "", "Idempotency key for the triggering event")
}
