package cli

import (
	"github.com/spf13/cobra"
)

var resolveNote string

var resolveCmd = &cobra.Command{
	Use:   "resolve <anomaly-id>",
	Short: "Mark an active anomaly as resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Resolve(cmd.Context(), args[0], resolveNote)
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveNote, "note", "", "Free-form note stored with the decision")
}
