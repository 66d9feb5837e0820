package cli

import (
	"github.com/spf13/cobra"

	"brainloop/internal/app"
)

var (
	triggerAction string
	triggerReason string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <target>",
	Short: "Execute a healing action against a target now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Trigger(cmd.Context(), app.TriggerOptions{
			Action: triggerAction,
			Target: args[0],
			Reason: triggerReason,
		})
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerAction, "action", "", "Action to run (defaults to the selector's choice)")
	triggerCmd.Flags().StringVar(&triggerReason, "reason", "", "Reason recorded with the action")
}
